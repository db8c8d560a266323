package store

import (
	"context"
	"time"
)

type Fingerprint struct {
	ID               string    `db:"id"`
	FingerprintHash  string    `db:"fingerprint_hash"`
	UserAgent        *string   `db:"user_agent"`
	ScreenResolution *string   `db:"screen_resolution"`
	Timezone         *string   `db:"timezone"`
	Language         *string   `db:"language"`
	Platform         *string   `db:"platform"`
	JobsSubmitted    int       `db:"jobs_submitted"`
	FirstSeen        time.Time `db:"first_seen"`
	LastSeen         time.Time `db:"last_seen"`
}

type FingerprintInput struct {
	ID               string
	FingerprintHash  string
	UserAgent        string
	ScreenResolution string
	Timezone         string
	Language         string
	Platform         string
}

type FingerprintStore struct {
	db DB
}

func NewFingerprintStore(db DB) *FingerprintStore {
	return &FingerprintStore{db: db}
}

// Upsert creates the fingerprint row on first contact and refreshes
// last-seen on every later one. Concurrent first contacts collapse onto the
// same row through the hash conflict target.
func (s *FingerprintStore) Upsert(ctx context.Context, input FingerprintInput) (Fingerprint, error) {
	var fp Fingerprint
	err := s.db.GetContext(ctx, &fp, `
		INSERT INTO device_fingerprints (id, fingerprint_hash, user_agent, screen_resolution, timezone, language, platform)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (fingerprint_hash) DO UPDATE SET last_seen = now()
		RETURNING *
	`, input.ID, input.FingerprintHash, input.UserAgent, input.ScreenResolution, input.Timezone, input.Language, input.Platform)
	return fp, err
}

// IncrementIfBelow bumps the lifetime counter only while it is under the
// limit. The conditional update is the atomic check-and-increment; a false
// return means the quota is exhausted.
func (s *FingerprintStore) IncrementIfBelow(ctx context.Context, tx Execer, fingerprintID string, limit int) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE device_fingerprints
		SET jobs_submitted = jobs_submitted + 1, last_seen = now()
		WHERE id = $1 AND jobs_submitted < $2
	`, fingerprintID, limit)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Decrement compensates an increment whose job never materialized.
func (s *FingerprintStore) Decrement(ctx context.Context, tx Execer, fingerprintID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE device_fingerprints
		SET jobs_submitted = GREATEST(jobs_submitted - 1, 0)
		WHERE id = $1
	`, fingerprintID)
	return err
}

func (s *FingerprintStore) GetByHash(ctx context.Context, hash string) (Fingerprint, error) {
	var fp Fingerprint
	err := s.db.GetContext(ctx, &fp, `SELECT * FROM device_fingerprints WHERE fingerprint_hash = $1`, hash)
	return fp, err
}

func (s *FingerprintStore) DeleteIdleBefore(ctx context.Context, tx Execer, cutoff time.Time) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		DELETE FROM device_fingerprints
		WHERE last_seen < $1
		  AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.fingerprint_id = device_fingerprints.id)
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
