package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devflow/core/internal/errs"
)

var fastPolicy = Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}

func TestRetryableKinds(t *testing.T) {
	cases := []struct {
		kind errs.Kind
		want bool
	}{
		{errs.KindNetwork, true},
		{errs.KindTimeout, true},
		{errs.KindIO, true},
		{errs.KindValidation, false},
		{errs.KindUsage, false},
		{errs.KindAuth, false},
		{errs.KindNotFound, false},
		{errs.KindProtected, false},
		{errs.KindCancelled, false},
		{errs.KindInternal, false},
	}
	for _, tc := range cases {
		if got := Retryable(errs.New(tc.kind, "x")); got != tc.want {
			t.Fatalf("Retryable(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}
	if Retryable(nil) {
		t.Fatal("nil error must not be retryable")
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy, 5, func(attempt int) error {
		calls++
		if calls < 3 {
			return errs.New(errs.KindNetwork, "connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	wantErr := errs.New(errs.KindValidation, "bad argument")
	err := Retry(context.Background(), fastPolicy, 5, func(attempt int) error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the validation error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call for a non-retryable error, got %d", calls)
	}
}

func TestRetryExhaustionJoinsSentinel(t *testing.T) {
	err := Retry(context.Background(), fastPolicy, 3, func(attempt int) error {
		return errs.New(errs.KindNetwork, "no route to host")
	})
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.KindNetwork {
		t.Fatalf("expected the last network error to be joined, got %v", err)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, Policy{Base: time.Minute, Max: time.Minute, Factor: 2}, 5, func(attempt int) error {
		calls++
		cancel()
		return errs.New(errs.KindNetwork, "down")
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cancellation to stop further calls, got %d", calls)
	}
}

func TestRetryPassesAttemptNumbers(t *testing.T) {
	var attempts []int
	_ = Retry(context.Background(), fastPolicy, 3, func(attempt int) error {
		attempts = append(attempts, attempt)
		return errs.New(errs.KindIO, "disk glitch")
	})
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("unexpected attempt numbers %v", attempts)
	}
}

func TestRetryMinimumOneAttempt(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), fastPolicy, 0, func(attempt int) error {
		calls++
		return nil
	})
	if calls != 1 {
		t.Fatalf("expected at least one attempt, got %d", calls)
	}
}
