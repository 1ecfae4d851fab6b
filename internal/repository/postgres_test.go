package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

func shortRetryDelays(t *testing.T) {
	t.Helper()
	orig := retryDelays
	retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { retryDelays = orig })
}

func TestWithRetryRecoversFromDeadlock(t *testing.T) {
	shortRetryDelays(t)
	r := &PostgresRepository{}

	calls := 0
	err := r.withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("update order status: %w", &pgconn.PgError{Code: pgerrcode.DeadlockDetected})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryExhaustsSerializationFailures(t *testing.T) {
	shortRetryDelays(t)
	r := &PostgresRepository{}

	calls := 0
	err := r.withRetry(context.Background(), func() error {
		calls++
		return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != len(retryDelays)+1 {
		t.Errorf("calls = %d, want %d", calls, len(retryDelays)+1)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	shortRetryDelays(t)
	r := &PostgresRepository{}

	calls := 0
	err := r.withRetry(context.Background(), func() error {
		calls++
		return ErrInvalidTransition
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1: permanent errors must not be retried", calls)
	}
}

func TestWithRetryStopsOnContextError(t *testing.T) {
	shortRetryDelays(t)
	r := &PostgresRepository{}

	calls := 0
	err := r.withRetry(context.Background(), func() error {
		calls++
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestIsRetriableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deadlock", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, true},
		{"serialization", &pgconn.PgError{Code: pgerrcode.SerializationFailure}, true},
		{"wrapped deadlock", fmt.Errorf("commit tx: %w", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}), true},
		{"unique violation", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, false},
		{"lock timeout", &pgconn.PgError{Code: pgerrcode.LockNotAvailable}, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetriableError(tt.err); got != tt.want {
				t.Errorf("isRetriableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyClaimError(t *testing.T) {
	lockErr := classifyClaimError(fmt.Errorf("lock sequence: %w", &pgconn.PgError{Code: pgerrcode.LockNotAvailable, Message: "lock timeout"}))
	if !errors.Is(lockErr, ErrClaimTimeout) {
		t.Errorf("lock_not_available must map to ErrClaimTimeout, got %v", lockErr)
	}

	cancelErr := classifyClaimError(fmt.Errorf("lock sequence: %w", &pgconn.PgError{Code: pgerrcode.QueryCanceled}))
	if !errors.Is(cancelErr, ErrClaimTimeout) {
		t.Errorf("query_canceled must map to ErrClaimTimeout, got %v", cancelErr)
	}

	plain := errors.New("boom")
	if got := classifyClaimError(plain); !errors.Is(got, plain) {
		t.Errorf("unrelated errors must pass through, got %v", got)
	}
}
