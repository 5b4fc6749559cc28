package backoff

import (
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Minute, Factor: 2}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := p.DelayWithRand(tc.attempt, 0); got != tc.want {
			t.Fatalf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayClampsToMax(t *testing.T) {
	p := Policy{Base: time.Second, Max: 3 * time.Second, Factor: 2}
	if got := p.DelayWithRand(10, 0); got != 3*time.Second {
		t.Fatalf("expected clamp to 3s, got %v", got)
	}
}

func TestDelayJitterAddsBoundedExtra(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.1}

	none := p.DelayWithRand(1, 0)
	full := p.DelayWithRand(1, 0.999999)
	if none != time.Second {
		t.Fatalf("expected no jitter at random=0, got %v", none)
	}
	if full <= none {
		t.Fatal("expected jitter to add delay")
	}
	if full > time.Second+100*time.Millisecond {
		t.Fatalf("jitter exceeded 10%% bound: %v", full)
	}
}

func TestDelayZeroAttemptTreatedAsFirst(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Minute, Factor: 2}
	if got := p.DelayWithRand(0, 0); got != 100*time.Millisecond {
		t.Fatalf("expected base delay for attempt 0, got %v", got)
	}
}

func TestDelayDefaultsFactorWhenUnset(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Minute}
	if got := p.DelayWithRand(2, 0); got != 200*time.Millisecond {
		t.Fatalf("expected factor to default to 2, got %v", got)
	}
}

func TestStepRetryPolicyShape(t *testing.T) {
	p := StepRetryPolicy(time.Second, 30*time.Second)
	if p.Base != time.Second || p.Max != 30*time.Second || p.Factor != 2 {
		t.Fatalf("unexpected policy %+v", p)
	}
}

func TestRemediationPolicyStaysShort(t *testing.T) {
	p := RemediationPolicy()
	if got := p.DelayWithRand(10, 0); got > 2*time.Second {
		t.Fatalf("remediation delay must cap at 2s, got %v", got)
	}
}
