package store

import (
	"context"
	"database/sql"
	"strings"
	"testing"
)

func TestFingerprintIncrementIfBelow(t *testing.T) {
	ctx := context.Background()
	fingerprints := NewFingerprintStore(stubDB{})

	allowed := stubExecer{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if !strings.Contains(query, "jobs_submitted < $2") {
				t.Fatalf("missing limit guard: %s", query)
			}
			if args[1] != 3 {
				t.Fatalf("unexpected limit arg: %v", args[1])
			}
			return stubResult{rows: 1}, nil
		},
	}
	ok, err := fingerprints.IncrementIfBelow(ctx, allowed, "fp-1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected increment to be allowed")
	}

	exhausted := stubExecer{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			return stubResult{rows: 0}, nil
		},
	}
	ok, err = fingerprints.IncrementIfBelow(ctx, exhausted, "fp-1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected increment to be denied at limit")
	}
}

func TestFingerprintDecrementFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	fingerprints := NewFingerprintStore(stubDB{})
	execer := stubExecer{
		execFn: func(_ context.Context, query string, args ...any) (sql.Result, error) {
			if !strings.Contains(query, "GREATEST(jobs_submitted - 1, 0)") {
				t.Fatalf("missing zero floor: %s", query)
			}
			return stubResult{rows: 1}, nil
		},
	}
	if err := fingerprints.Decrement(ctx, execer, "fp-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
