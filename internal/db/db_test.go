package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// fakeDriver counts transaction outcomes and can fail the first N
// commits with a given pq error code.
type fakeDriver struct {
	commits     int64
	rollbacks   int64
	failCommits int64
	failCode    pq.ErrorCode
}

func (d *fakeDriver) Open(string) (driver.Conn, error) { return &fakeConn{d: d}, nil }

type fakeConn struct {
	d *fakeDriver
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) { return fakeStmt{}, nil }
func (c *fakeConn) Close() error                        { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)           { return fakeTx{d: c.d}, nil }

func (c *fakeConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return fakeTx{d: c.d}, nil
}

type fakeTx struct {
	d *fakeDriver
}

func (t fakeTx) Commit() error {
	n := atomic.AddInt64(&t.d.commits, 1)
	if n <= t.d.failCommits {
		return &pq.Error{Code: t.d.failCode}
	}
	return nil
}

func (t fakeTx) Rollback() error {
	atomic.AddInt64(&t.d.rollbacks, 1)
	return nil
}

type fakeStmt struct{}

func (fakeStmt) Close() error                               { return nil }
func (fakeStmt) NumInput() int                              { return -1 }
func (fakeStmt) Exec([]driver.Value) (driver.Result, error) { return nil, nil }
func (fakeStmt) Query([]driver.Value) (driver.Rows, error)  { return nil, nil }

var fakeDriverSeq uint64

func openFake(t *testing.T, d *fakeDriver) *sqlx.DB {
	t.Helper()
	name := fmt.Sprintf("fake-pg-%d", atomic.AddUint64(&fakeDriverSeq, 1))
	sql.Register(name, d)
	conn, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("opening fake db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return sqlx.NewDb(conn, name)
}

func TestWithTxCommitsOnce(t *testing.T) {
	d := &fakeDriver{}
	if err := WithTx(context.Background(), openFake(t, d), func(*sqlx.Tx) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.commits != 1 || d.rollbacks != 0 {
		t.Fatalf("want commits=1 rollbacks=0, got %d/%d", d.commits, d.rollbacks)
	}
}

func TestWithTxRollsBackAndStopsOnPlainError(t *testing.T) {
	d := &fakeDriver{}
	boom := errors.New("boom")
	err := WithTx(context.Background(), openFake(t, d), func(*sqlx.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("want fn error back, got %v", err)
	}
	if d.rollbacks != 1 || d.commits != 0 {
		t.Fatalf("want rollbacks=1 commits=0, got %d/%d", d.rollbacks, d.commits)
	}
}

func TestWithTxRetriesSerializationConflict(t *testing.T) {
	d := &fakeDriver{failCommits: 1, failCode: "40001"}
	if err := WithTx(context.Background(), openFake(t, d), func(*sqlx.Tx) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.commits != 2 {
		t.Fatalf("want 2 commit attempts, got %d", d.commits)
	}
}

func TestWithTxGivesUpAfterRetryBudget(t *testing.T) {
	d := &fakeDriver{failCommits: 100, failCode: "40P01"}
	err := WithTx(context.Background(), openFake(t, d), func(*sqlx.Tx) error { return nil })
	if err == nil {
		t.Fatal("want retry-budget error")
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		t.Fatalf("want wrapped pq error, got %v", err)
	}
	if d.commits != txMaxAttempts {
		t.Fatalf("want %d commit attempts, got %d", txMaxAttempts, d.commits)
	}
}

func TestWaitRetryObservesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := waitRetry(ctx, 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if err := waitRetry(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRetryableSerialization(t *testing.T) {
	if retryableSerialization(errors.New("nope")) {
		t.Fatal("plain error must not be retryable")
	}
	if !retryableSerialization(&pq.Error{Code: "40001"}) {
		t.Fatal("40001 must be retryable")
	}
	if !retryableSerialization(&pq.Error{Code: "40P01"}) {
		t.Fatal("40P01 must be retryable")
	}
	if retryableSerialization(&pq.Error{Code: "23505"}) {
		t.Fatal("unique violation must not be retryable")
	}
}
