package admission

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"mediatrans/internal/store"
)

func TestAttributesFromRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/jobs/image", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0")
	r.Header.Set("X-Screen-Resolution", "1920x1080")
	r.Header.Set("X-Timezone", "Europe/Berlin")
	r.Header.Set("X-Language", "de-DE")
	r.Header.Set("X-Platform", "Linux x86_64")

	attrs, err := AttributesFromRequest(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attrs.Timezone != "Europe/Berlin" {
		t.Errorf("timezone = %q", attrs.Timezone)
	}
}

func TestAttributesFromRequestMissingHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/jobs/image", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0")
	r.Header.Set("X-Screen-Resolution", "1920x1080")
	// timezone, language, platform absent

	if _, err := AttributesFromRequest(r); !errors.Is(err, ErrMissingFingerprint) {
		t.Fatalf("expected ErrMissingFingerprint, got %v", err)
	}
}

func TestHashStableAndDistinct(t *testing.T) {
	a := DeviceAttributes{
		UserAgent:        "Mozilla/5.0",
		ScreenResolution: "1920x1080",
		Timezone:         "Europe/Berlin",
		Language:         "de-DE",
		Platform:         "Linux x86_64",
	}
	b := a
	if a.Hash() != b.Hash() {
		t.Fatal("identical attributes must hash identically")
	}
	b.Language = "en-US"
	if a.Hash() == b.Hash() {
		t.Fatal("differing attributes must hash differently")
	}
	if len(a.Hash()) != 64 {
		t.Errorf("hash length = %d, want 64", len(a.Hash()))
	}
}

type stubFingerprints struct {
	upserted    store.FingerprintInput
	allow       bool
	decremented string
}

func (s *stubFingerprints) GetByHash(ctx context.Context, hash string) (store.Fingerprint, error) {
	return store.Fingerprint{ID: "fp-1", FingerprintHash: hash}, nil
}

func (s *stubFingerprints) Upsert(ctx context.Context, input store.FingerprintInput) (store.Fingerprint, error) {
	s.upserted = input
	return store.Fingerprint{ID: "fp-1", FingerprintHash: input.FingerprintHash}, nil
}

func (s *stubFingerprints) IncrementIfBelow(ctx context.Context, tx store.Execer, fingerprintID string, limit int) (bool, error) {
	return s.allow, nil
}

func (s *stubFingerprints) Decrement(ctx context.Context, tx store.Execer, fingerprintID string) error {
	s.decremented = fingerprintID
	return nil
}

func TestDeviceQuotaClaimAllowed(t *testing.T) {
	fps := &stubFingerprints{allow: true}
	q := NewDeviceQuota(nil, fps, 3)

	attrs := DeviceAttributes{UserAgent: "ua", ScreenResolution: "1x1", Timezone: "UTC", Language: "en", Platform: "test"}
	id, err := q.Claim(context.Background(), attrs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "fp-1" {
		t.Errorf("fingerprint id = %q", id)
	}
	if fps.upserted.FingerprintHash != attrs.Hash() {
		t.Error("upsert did not use the canonical hash")
	}
}

func TestDeviceQuotaClaimExhausted(t *testing.T) {
	fps := &stubFingerprints{allow: false}
	q := NewDeviceQuota(nil, fps, 3)

	attrs := DeviceAttributes{UserAgent: "ua", ScreenResolution: "1x1", Timezone: "UTC", Language: "en", Platform: "test"}
	_, err := q.Claim(context.Background(), attrs)
	var limitErr *AnonymousLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected AnonymousLimitError, got %v", err)
	}
	if limitErr.Limit != 3 {
		t.Errorf("limit = %d, want 3", limitErr.Limit)
	}
}

func TestDeviceQuotaRelease(t *testing.T) {
	fps := &stubFingerprints{}
	q := NewDeviceQuota(nil, fps, 3)
	if err := q.Release(context.Background(), "fp-9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fps.decremented != "fp-9" {
		t.Errorf("decremented = %q", fps.decremented)
	}
}
