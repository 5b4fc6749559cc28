package backoff

import (
	"context"
	"errors"

	"github.com/devflow/core/internal/errs"
)

// ErrAttemptsExhausted is returned by Retry when every attempt failed with
// a retryable error.
var ErrAttemptsExhausted = errors.New("backoff: attempts exhausted")

// Retryable reports whether an error's kind marks a transient failure
// worth another attempt. Infrastructure kinds (network, timeout, io)
// qualify; everything else — validation, usage, auth, not_found, conflict,
// protected, cancelled — repeats identically on retry, so it does not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch errs.AsError(err).Kind {
	case errs.KindNetwork, errs.KindTimeout, errs.KindIO:
		return true
	default:
		return false
	}
}

// Retry runs fn up to attempts times, waiting p.Delay between failures.
// It stops early when fn succeeds, when the error is not Retryable, or
// when ctx is cancelled; in the last two cases the causing error is
// returned directly. Exhausting every attempt returns the last error
// joined with ErrAttemptsExhausted.
func Retry(ctx context.Context, p Policy, attempts int, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt < attempts {
			if err := Sleep(ctx, p.Delay(attempt)); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrAttemptsExhausted, lastErr)
}
