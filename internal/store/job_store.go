package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const (
	JobKindImage = "image"
	JobKindVideo = "video"

	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

type Job struct {
	ID               string          `db:"id"`
	UserID           *string         `db:"user_id"`
	FingerprintID    *string         `db:"fingerprint_id"`
	Kind             string          `db:"kind"`
	Status           string          `db:"status"`
	SourceLanguage   *string         `db:"source_language"`
	TargetLanguage   string          `db:"target_language"`
	CreditsCharged   decimal.Decimal `db:"credits_charged"`
	InputRef         string          `db:"input_ref"`
	OutputRef        *string         `db:"output_ref"`
	ErrorCategory    *string         `db:"error_category"`
	DetectedBlocks   int             `db:"detected_blocks"`
	TranslatedBlocks int             `db:"translated_blocks"`
	WebhookURL       *string         `db:"webhook_url"`
	WebhookDelivered bool            `db:"webhook_delivered"`
	CreatedAt        time.Time       `db:"created_at"`
	StartedAt        *time.Time      `db:"started_at"`
	CompletedAt      *time.Time      `db:"completed_at"`
}

func (j Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

type JobInput struct {
	ID             string
	UserID         *string
	FingerprintID  *string
	Kind           string
	SourceLanguage *string
	TargetLanguage string
	CreditsCharged decimal.Decimal
	InputRef       string
	WebhookURL     *string
}

type JobStore struct {
	db DB
}

func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) Create(ctx context.Context, tx Execer, input JobInput) error {
	query := `
		INSERT INTO jobs (id, user_id, fingerprint_id, kind, status, source_language, target_language, credits_charged, input_ref, webhook_url)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, $8, $9)
	`
	_, err := tx.ExecContext(ctx, query,
		input.ID, input.UserID, input.FingerprintID, input.Kind,
		input.SourceLanguage, input.TargetLanguage, input.CreditsCharged, input.InputRef, input.WebhookURL,
	)
	return err
}

func (s *JobStore) Get(ctx context.Context, jobID string) (Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = $1`, jobID)
	return job, err
}

func (s *JobStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Job, error) {
	var jobs []Job
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT * FROM jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return jobs, err
}

// The transition updates guard on the current status so the state machine
// lives in the row itself; concurrent writers race on rows-affected, never
// on a read-then-write.

func (s *JobStore) MarkProcessing(ctx context.Context, tx Execer, jobID string) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'processing', started_at = now()
		WHERE id = $1 AND status = 'pending'
	`, jobID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *JobStore) MarkCompleted(ctx context.Context, tx Execer, jobID, outputRef string, detected, translated int) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed', output_ref = $2, detected_blocks = $3, translated_blocks = $4, completed_at = now()
		WHERE id = $1 AND status = 'processing'
	`, jobID, outputRef, detected, translated)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *JobStore) MarkFailed(ctx context.Context, tx Execer, jobID, errorCategory string) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', error_category = $2, completed_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, jobID, errorCategory)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// MarkWebhookDelivered is idempotent; setting the flag twice is harmless.
func (s *JobStore) MarkWebhookDelivered(ctx context.Context, tx Execer, jobID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET webhook_delivered = true WHERE id = $1`, jobID)
	return err
}

func (s *JobStore) StuckProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]Job, error) {
	var jobs []Job
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT * FROM jobs
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at
		LIMIT $2
	`, startedBefore, limit)
	return jobs, err
}

func (s *JobStore) DeleteTerminalBefore(ctx context.Context, tx Execer, cutoff time.Time) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE created_at < $1 AND status IN ('completed', 'failed')
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
