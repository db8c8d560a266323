package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// TxRunner executes fn inside a SERIALIZABLE transaction. The ledger's
// check-then-debit sequence relies on this isolation level: the balance
// read and the entry insert must commit as one unit or not at all.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error
}

type SQLXTxRunner struct {
	db *sqlx.DB
}

func NewTxRunner(db *sqlx.DB) SQLXTxRunner {
	return SQLXTxRunner{db: db}
}

func (r SQLXTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return WithTx(ctx, r.db, fn)
}

func Connect(databaseURL string) (*sqlx.DB, error) {
	conn, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	// Uploads hold request connections longer than a typical API call,
	// so the pool is sized above the handler count alone.
	conn.SetMaxOpenConns(30)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxIdleTime(5 * time.Minute)
	conn.SetConnMaxLifetime(30 * time.Minute)
	return conn, nil
}

const txMaxAttempts = 5

// WithTx runs fn in a SERIALIZABLE transaction, retrying serialization
// failures (40001) and deadlocks (40P01) with jittered backoff. fn may
// run more than once and must be side-effect free outside the tx.
func WithTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		if attempt > 1 {
			if err := waitRetry(ctx, attempt); err != nil {
				return err
			}
		}
		tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if !retryableSerialization(err) {
				return err
			}
			lastErr = err
			continue
		}
		if err := tx.Commit(); err != nil {
			if !retryableSerialization(err) {
				return err
			}
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("transaction aborted after %d attempts: %w", txMaxAttempts, lastErr)
}

func retryableSerialization(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// waitRetry sleeps quadratically in the attempt number, with jitter so
// two colliding writers do not retry in lockstep.
func waitRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	backoff += time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}
