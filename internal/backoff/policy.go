// Package backoff provides the delay policy applied between repeated
// attempts of a failed operation: a skill step declared on_error retry:N,
// or an auto-heal remediation action that itself failed transiently.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines how the delay between attempts grows. The first retry
// waits roughly Base, each further retry multiplies by Factor, and the
// delay never exceeds Max. Jitter adds up to that fraction of random
// extra delay so simultaneous retries spread out.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// StepRetryPolicy is the policy the Skill Engine applies to on_error
// retry:N steps: exponential from base to cap, factor 2, 10% jitter.
func StepRetryPolicy(base, max time.Duration) Policy {
	return Policy{Base: base, Max: max, Factor: 2, Jitter: 0.1}
}

// RemediationPolicy is the policy for re-running a remediation action
// (network_fix, auth_fix) that failed transiently. Remediations run while
// a tool call is blocked waiting on them, so delays stay short.
func RemediationPolicy() Policy {
	return Policy{Base: 250 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay returns the wait before the given attempt (1-indexed: attempt 1
// is the first retry).
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the delay using a caller-supplied random value in
// [0.0, 1.0), so tests get deterministic results.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Base) * math.Pow(factor, exp)
	jitter := base * p.Jitter * randomValue
	total := base + jitter
	if max := float64(p.Max); max > 0 && total > max {
		total = max
	}
	return time.Duration(total)
}
