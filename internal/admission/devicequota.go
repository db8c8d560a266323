package admission

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"mediatrans/internal/metrics"
	"mediatrans/internal/store"
)

// AnonymousLimitError signals that a device has exhausted its lifetime
// allowance of free jobs.
type AnonymousLimitError struct {
	Limit int
}

func (e *AnonymousLimitError) Error() string {
	return fmt.Sprintf("anonymous device limit of %d jobs reached", e.Limit)
}

type fingerprintStore interface {
	Upsert(ctx context.Context, input store.FingerprintInput) (store.Fingerprint, error)
	GetByHash(ctx context.Context, hash string) (store.Fingerprint, error)
	IncrementIfBelow(ctx context.Context, tx store.Execer, fingerprintID string, limit int) (bool, error)
	Decrement(ctx context.Context, tx store.Execer, fingerprintID string) error
}

// DeviceQuota tracks per-device job allowances for anonymous clients.
type DeviceQuota struct {
	db           store.DB
	fingerprints fingerprintStore
	limit        int
}

func NewDeviceQuota(db store.DB, fingerprints fingerprintStore, limit int) *DeviceQuota {
	return &DeviceQuota{db: db, fingerprints: fingerprints, limit: limit}
}

// Claim resolves the device row for the given attributes and consumes one
// job slot. It returns the fingerprint row ID for attribution. Callers
// that fail to create the job afterwards must Release the slot.
func (q *DeviceQuota) Claim(ctx context.Context, attrs DeviceAttributes) (string, error) {
	fp, err := q.fingerprints.Upsert(ctx, store.FingerprintInput{
		ID:               uuid.NewString(),
		FingerprintHash:  attrs.Hash(),
		UserAgent:        attrs.UserAgent,
		ScreenResolution: attrs.ScreenResolution,
		Timezone:         attrs.Timezone,
		Language:         attrs.Language,
		Platform:         attrs.Platform,
	})
	if err != nil {
		return "", fmt.Errorf("resolving device fingerprint: %w", err)
	}

	ok, err := q.fingerprints.IncrementIfBelow(ctx, q.db, fp.ID, q.limit)
	if err != nil {
		return "", fmt.Errorf("claiming device quota: %w", err)
	}
	if !ok {
		metrics.Get().DeviceQuotaTotal.WithLabelValues("denied").Inc()
		return "", &AnonymousLimitError{Limit: q.limit}
	}
	metrics.Get().DeviceQuotaTotal.WithLabelValues("allowed").Inc()
	return fp.ID, nil
}

// Lookup resolves the attributes to an existing fingerprint row without
// touching the counter. Used for reads, never for admission.
func (q *DeviceQuota) Lookup(ctx context.Context, attrs DeviceAttributes) (string, error) {
	fp, err := q.fingerprints.GetByHash(ctx, attrs.Hash())
	if err != nil {
		return "", err
	}
	return fp.ID, nil
}

// Release returns a slot claimed for a job that was never created.
func (q *DeviceQuota) Release(ctx context.Context, fingerprintID string) error {
	return q.fingerprints.Decrement(ctx, q.db, fingerprintID)
}
