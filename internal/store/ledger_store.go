package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const (
	KindPurchase = "purchase"
	KindUsage    = "usage"
	KindRefund   = "refund"
	KindBonus    = "bonus"
	KindPenalty  = "penalty"

	EntryPending   = "pending"
	EntryCompleted = "completed"
	EntryFailed    = "failed"
	EntryCancelled = "cancelled"
)

type LedgerEntry struct {
	ID              string          `db:"id"`
	UserID          string          `db:"user_id"`
	Kind            string          `db:"kind"`
	Status          string          `db:"status"`
	Amount          decimal.Decimal `db:"amount"`
	GatewayRef      *string         `db:"gateway_ref"`
	ConfirmationRef *string         `db:"confirmation_ref"`
	JobID           *string         `db:"job_id"`
	Description     string          `db:"description"`
	OffsetsEntryID  *string         `db:"offsets_entry_id"`
	ExpiresAt       *time.Time      `db:"expires_at"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

type LedgerEntryInput struct {
	ID             string
	UserID         string
	Kind           string
	Status         string
	Amount         decimal.Decimal
	GatewayRef     *string
	JobID          *string
	Description    string
	OffsetsEntryID *string
	ExpiresAt      *time.Time
}

type LedgerStore struct {
	db DB
}

func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) Insert(ctx context.Context, tx Execer, input LedgerEntryInput) error {
	query := `
		INSERT INTO ledger_entries (id, user_id, kind, status, amount, gateway_ref, job_id, description, offsets_entry_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := tx.ExecContext(ctx, query,
		input.ID, input.UserID, input.Kind, input.Status, input.Amount,
		input.GatewayRef, input.JobID, input.Description, input.OffsetsEntryID, input.ExpiresAt,
	)
	return err
}

// AvailableBalance sums completed credit-adding entries that have not expired
// and subtracts the absolute value of completed debits. Callers that need the
// check-then-debit guarantee pass the transaction as q.
func (s *LedgerStore) AvailableBalance(ctx context.Context, q Getter, userID string, now time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := q.GetContext(ctx, &balance, `
		SELECT COALESCE(SUM(CASE
			WHEN kind IN ('purchase', 'bonus', 'refund') THEN amount
			ELSE -ABS(amount)
		END), 0)
		FROM ledger_entries
		WHERE user_id = $1
		  AND status = 'completed'
		  AND (kind IN ('usage', 'penalty') OR expires_at IS NULL OR expires_at > $2)
	`, userID, now)
	if err != nil {
		return decimal.Zero, err
	}
	if balance.IsNegative() {
		return decimal.Zero, nil
	}
	return balance, nil
}

// UsageByJobID returns the debit recorded for a job. Each job debits at
// most once, at creation.
func (s *LedgerStore) UsageByJobID(ctx context.Context, q Getter, jobID string) (LedgerEntry, error) {
	var entry LedgerEntry
	err := q.GetContext(ctx, &entry, `
		SELECT * FROM ledger_entries WHERE kind = 'usage' AND job_id = $1
	`, jobID)
	return entry, err
}

func (s *LedgerStore) GetByGatewayRef(ctx context.Context, q Getter, ref string) (LedgerEntry, error) {
	var entry LedgerEntry
	err := q.GetContext(ctx, &entry, `
		SELECT * FROM ledger_entries WHERE gateway_ref = $1
	`, ref)
	return entry, err
}

// CompletePending flips a pending entry to completed, recording the gateway
// confirmation and expiry. The status guard makes replays a no-op; callers
// check the affected row count.
func (s *LedgerStore) CompletePending(ctx context.Context, tx Execer, entryID, confirmationRef string, expiresAt *time.Time) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = 'completed', confirmation_ref = $2, expires_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, entryID, confirmationRef, expiresAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *LedgerStore) FailPending(ctx context.Context, tx Execer, entryID string) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries
		SET status = 'failed', updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, entryID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ExpiredUnoffset returns completed credit-adding entries whose expiry has
// passed and which no penalty entry references yet.
func (s *LedgerStore) ExpiredUnoffset(ctx context.Context, q Selecter, now time.Time, limit int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := q.SelectContext(ctx, &entries, `
		SELECT e.* FROM ledger_entries e
		WHERE e.status = 'completed'
		  AND e.kind IN ('purchase', 'bonus', 'refund')
		  AND e.amount > 0
		  AND e.expires_at IS NOT NULL
		  AND e.expires_at <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries p
			WHERE p.kind = 'penalty' AND p.offsets_entry_id = e.id
		  )
		ORDER BY e.expires_at
		LIMIT $2
	`, now, limit)
	return entries, err
}

// OrphanedUsage returns completed usage entries created inside
// (oldest, newest) whose job row never materialized and which have not
// been refunded. The lower bound matters: terminal jobs are pruned after
// a retention period, and a usage entry whose job was pruned is
// indistinguishable here from one whose job insert crashed. Callers must
// keep oldest well inside the job retention window.
func (s *LedgerStore) OrphanedUsage(ctx context.Context, q Selecter, oldest, newest time.Time, limit int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := q.SelectContext(ctx, &entries, `
		SELECT e.* FROM ledger_entries e
		WHERE e.status = 'completed'
		  AND e.kind = 'usage'
		  AND e.job_id IS NOT NULL
		  AND e.created_at < $1
		  AND e.created_at > $2
		  AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.id = e.job_id)
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries r
			WHERE r.kind = 'refund' AND r.offsets_entry_id = e.id
		  )
		ORDER BY e.created_at
		LIMIT $3
	`, newest, oldest, limit)
	return entries, err
}

func (s *LedgerStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	return entries, err
}
