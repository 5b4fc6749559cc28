package backoff

import (
	"context"
	"time"
)

// Sleep waits for duration or until ctx is cancelled, whichever comes
// first. A non-positive duration returns immediately.
func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait sleeps for the policy's delay at the given attempt, respecting ctx.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	return Sleep(ctx, p.Delay(attempt))
}
