package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"mediatrans/internal/credits"
	"mediatrans/internal/db"
	"mediatrans/internal/metrics"
	"mediatrans/internal/store"
)

// InsufficientCreditsError is returned when a deduction would take the
// available balance below zero.
type InsufficientCreditsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %s, have %s",
		credits.Format(e.Required), credits.Format(e.Available))
}

type ledgerStore interface {
	Insert(ctx context.Context, tx store.Execer, input store.LedgerEntryInput) error
	AvailableBalance(ctx context.Context, q store.Getter, userID string, now time.Time) (decimal.Decimal, error)
	GetByGatewayRef(ctx context.Context, q store.Getter, ref string) (store.LedgerEntry, error)
	UsageByJobID(ctx context.Context, q store.Getter, jobID string) (store.LedgerEntry, error)
	CompletePending(ctx context.Context, tx store.Execer, entryID, confirmationRef string, expiresAt *time.Time) (int64, error)
	FailPending(ctx context.Context, tx store.Execer, entryID string) (int64, error)
	ExpiredUnoffset(ctx context.Context, q store.Selecter, now time.Time, limit int) ([]store.LedgerEntry, error)
	OrphanedUsage(ctx context.Context, q store.Selecter, oldest, newest time.Time, limit int) ([]store.LedgerEntry, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]store.LedgerEntry, error)
}

type userCounters interface {
	AddLifetimeUsed(ctx context.Context, tx store.Execer, userID string, amount decimal.Decimal) error
	AddLifetimePurchased(ctx context.Context, tx store.Execer, userID string, amount decimal.Decimal) error
}

// reader is the out-of-transaction query surface; *sqlx.DB satisfies it.
type reader interface {
	store.Getter
	store.Selecter
}

// LedgerService owns the credit ledger: balance reads, atomic deductions,
// credit grants, refunds and the expiry sweep.
type LedgerService struct {
	txr          db.TxRunner
	reader       reader
	ledger       ledgerStore
	users        userCounters
	rdb          *redis.Client
	expiryMonths int
}

func NewLedgerService(txr db.TxRunner, reader reader, ledger ledgerStore, users userCounters, rdb *redis.Client, expiryMonths int) *LedgerService {
	return &LedgerService{
		txr:          txr,
		reader:       reader,
		ledger:       ledger,
		users:        users,
		rdb:          rdb,
		expiryMonths: expiryMonths,
	}
}

// ExpiryFrom computes when credits granted at the given time stop
// counting. A month is a fixed thirty days.
func (s *LedgerService) ExpiryFrom(granted time.Time) time.Time {
	return granted.Add(time.Duration(s.expiryMonths) * 30 * 24 * time.Hour)
}

const balanceCacheTTL = 30 * time.Second

// lowBalanceThreshold flags a deduction that left the payer with less
// than one image job's worth of credits.
var lowBalanceThreshold = decimal.NewFromInt(1)

func balanceCacheKey(userID string) string {
	return "balance:" + userID
}

// AvailableBalance returns the user's spendable credits, served from a
// short-lived cache when possible. The cached value is advisory; every
// deduction re-reads the balance inside its transaction.
func (s *LedgerService) AvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if s.rdb != nil {
		if cached, err := s.rdb.Get(ctx, balanceCacheKey(userID)).Result(); err == nil {
			if balance, err := decimal.NewFromString(cached); err == nil {
				return balance, nil
			}
		}
	}
	balance, err := s.ledger.AvailableBalance(ctx, s.reader, userID, time.Now())
	if err != nil {
		return decimal.Zero, err
	}
	if s.rdb != nil {
		if err := s.rdb.Set(ctx, balanceCacheKey(userID), balance.String(), balanceCacheTTL).Err(); err != nil {
			log.Printf("ledger: caching balance for %s: %v", userID, err)
		}
	}
	return balance, nil
}

func (s *LedgerService) invalidateBalance(ctx context.Context, userID string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, balanceCacheKey(userID)).Err(); err != nil {
		log.Printf("ledger: invalidating balance cache for %s: %v", userID, err)
	}
}

// Deduct debits amount from the user for the given job. The balance check
// and the usage insert run in one serializable transaction, so two
// concurrent deductions cannot both spend the same credits.
func (s *LedgerService) Deduct(ctx context.Context, userID string, amount decimal.Decimal, jobID, description string) (string, error) {
	started := time.Now()
	entryID := uuid.NewString()
	var remaining decimal.Decimal
	err := s.txr.WithTx(ctx, func(tx *sqlx.Tx) error {
		balance, err := s.ledger.AvailableBalance(ctx, tx, userID, time.Now())
		if err != nil {
			return err
		}
		if balance.LessThan(amount) {
			return &InsufficientCreditsError{Required: amount, Available: balance}
		}
		remaining = balance.Sub(amount)
		err = s.ledger.Insert(ctx, tx, store.LedgerEntryInput{
			ID:          entryID,
			UserID:      userID,
			Kind:        store.KindUsage,
			Status:      store.EntryCompleted,
			Amount:      amount,
			JobID:       &jobID,
			Description: description,
		})
		if err != nil {
			return err
		}
		return s.users.AddLifetimeUsed(ctx, tx, userID, amount)
	})
	metrics.Get().DeductDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			metrics.Get().DeductTotal.WithLabelValues("insufficient").Inc()
		} else {
			metrics.Get().DeductTotal.WithLabelValues("error").Inc()
		}
		return "", err
	}
	metrics.Get().DeductTotal.WithLabelValues("ok").Inc()
	if remaining.LessThan(lowBalanceThreshold) {
		metrics.Get().BalanceLowAlert.Set(1)
	} else {
		metrics.Get().BalanceLowAlert.Set(0)
	}
	s.invalidateBalance(ctx, userID)
	return entryID, nil
}

// Credit grants credits to the user as a completed entry of the given
// kind, expiring per the configured window.
func (s *LedgerService) Credit(ctx context.Context, userID, kind string, amount decimal.Decimal, description string) (string, error) {
	entryID := uuid.NewString()
	expiresAt := s.ExpiryFrom(time.Now())
	err := s.txr.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.ledger.Insert(ctx, tx, store.LedgerEntryInput{
			ID:          entryID,
			UserID:      userID,
			Kind:        kind,
			Status:      store.EntryCompleted,
			Amount:      amount,
			Description: description,
			ExpiresAt:   &expiresAt,
		})
	})
	if err != nil {
		return "", err
	}
	metrics.Get().CreditTotal.WithLabelValues(kind).Inc()
	s.invalidateBalance(ctx, userID)
	return entryID, nil
}

// RefundJob returns the credits a job debited. It is idempotent: the
// partial unique index on offsets_entry_id turns a second refund of the
// same usage entry into a constraint violation, which is treated as
// already-done.
func (s *LedgerService) RefundJob(ctx context.Context, jobID, reason string) error {
	usage, err := s.ledger.UsageByJobID(ctx, s.reader, jobID)
	if err != nil {
		return fmt.Errorf("locating usage entry for job %s: %w", jobID, err)
	}
	return s.refundUsage(ctx, usage, reason)
}

func (s *LedgerService) refundUsage(ctx context.Context, usage store.LedgerEntry, reason string) error {
	refund := store.LedgerEntryInput{
		ID:             uuid.NewString(),
		UserID:         usage.UserID,
		Kind:           store.KindRefund,
		Status:         store.EntryCompleted,
		Amount:         usage.Amount.Abs(),
		JobID:          usage.JobID,
		Description:    reason,
		OffsetsEntryID: &usage.ID,
	}
	err := s.txr.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.ledger.Insert(ctx, tx, refund); err != nil {
			return err
		}
		return s.users.AddLifetimeUsed(ctx, tx, usage.UserID, usage.Amount.Abs().Neg())
	})
	if isUniqueViolation(err) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.Get().CreditTotal.WithLabelValues(store.KindRefund).Inc()
	s.invalidateBalance(ctx, usage.UserID)
	return nil
}

// CompletePurchase settles the pending purchase entry matched by its
// gateway reference. Replayed confirmations find the entry already
// completed and report zero affected rows, which callers treat as done.
func (s *LedgerService) CompletePurchase(ctx context.Context, gatewayRef, confirmationRef string) (bool, error) {
	entry, err := s.ledger.GetByGatewayRef(ctx, s.reader, gatewayRef)
	if err != nil {
		return false, err
	}
	expiresAt := s.ExpiryFrom(time.Now())
	var applied bool
	err = s.txr.WithTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := s.ledger.CompletePending(ctx, tx, entry.ID, confirmationRef, &expiresAt)
		if err != nil {
			return err
		}
		applied = rows == 1
		if !applied {
			return nil
		}
		return s.users.AddLifetimePurchased(ctx, tx, entry.UserID, entry.Amount)
	})
	if err != nil {
		return false, err
	}
	if applied {
		metrics.Get().CreditTotal.WithLabelValues(store.KindPurchase).Inc()
		s.invalidateBalance(ctx, entry.UserID)
	}
	return applied, nil
}

// FailPurchase marks the pending purchase matched by its gateway
// reference as failed. Entries already settled are left alone.
func (s *LedgerService) FailPurchase(ctx context.Context, gatewayRef string) (bool, error) {
	entry, err := s.ledger.GetByGatewayRef(ctx, s.reader, gatewayRef)
	if err != nil {
		return false, err
	}
	var applied bool
	err = s.txr.WithTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := s.ledger.FailPending(ctx, tx, entry.ID)
		if err != nil {
			return err
		}
		applied = rows == 1
		return nil
	})
	return applied, err
}

// ExpireDueCredits offsets every expired credit-adding entry with a
// penalty of equal size. Each penalty references the entry it offsets, so
// overlapping sweep runs collapse on the unique index.
func (s *LedgerService) ExpireDueCredits(ctx context.Context, now time.Time, batch int) (int, error) {
	entries, err := s.ledger.ExpiredUnoffset(ctx, s.reader, now, batch)
	if err != nil {
		return 0, err
	}
	offset := 0
	for _, entry := range entries {
		penalty := store.LedgerEntryInput{
			ID:             uuid.NewString(),
			UserID:         entry.UserID,
			Kind:           store.KindPenalty,
			Status:         store.EntryCompleted,
			Amount:         entry.Amount,
			Description:    "credit expiry",
			OffsetsEntryID: &entry.ID,
		}
		err := s.txr.WithTx(ctx, func(tx *sqlx.Tx) error {
			return s.ledger.Insert(ctx, tx, penalty)
		})
		if isUniqueViolation(err) {
			continue
		}
		if err != nil {
			return offset, err
		}
		offset++
		metrics.Get().ExpiredEntries.Inc()
		s.invalidateBalance(ctx, entry.UserID)
	}
	return offset, nil
}

// orphanScanWindow bounds how far back the orphaned-usage scan looks.
// It must stay far below the terminal-job retention period: once a
// completed job's row is pruned, its usage entry would otherwise match
// the orphan predicate and be refunded.
const orphanScanWindow = 24 * time.Hour

// RefundOrphanedUsage finds usage entries whose job row never appeared
// and returns the credits. Covers the window between a committed debit
// and a job insert that crashed. Only entries created within
// orphanScanWindow before the cutoff are considered.
func (s *LedgerService) RefundOrphanedUsage(ctx context.Context, cutoff time.Time, batch int) (int, error) {
	entries, err := s.ledger.OrphanedUsage(ctx, s.reader, cutoff.Add(-orphanScanWindow), cutoff, batch)
	if err != nil {
		return 0, err
	}
	refunded := 0
	for _, entry := range entries {
		if err := s.refundUsage(ctx, entry, "orphaned debit reconciliation"); err != nil {
			return refunded, err
		}
		refunded++
	}
	return refunded, nil
}

func (s *LedgerService) ListEntries(ctx context.Context, userID string, limit, offset int) ([]store.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.ledger.ListByUser(ctx, userID, limit, offset)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
