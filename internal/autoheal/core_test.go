package autoheal

import (
	"fmt"
	"testing"

	"github.com/devflow/core/internal/store"
	"github.com/devflow/core/internal/toolregistry"
)

func newTestCore(t *testing.T, networkFix, authFix RemediationFn) *Core {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	fm, err := NewFixMemory(s)
	if err != nil {
		t.Fatalf("NewFixMemory: %v", err)
	}
	ups, err := NewUsagePatternStore(s)
	if err != nil {
		t.Fatalf("NewUsagePatternStore: %v", err)
	}
	remediation := NewRemediationActions(nil, networkFix, authFix)
	return NewCore(remediation, fm, ups)
}

func TestClassifyAndRemediateNetworkRetries(t *testing.T) {
	called := false
	core := newTestCore(t, func(hint string) error { called = true; return nil }, nil)

	retry, err := core.ClassifyAndRemediate(&toolregistry.InvocationContext{ToolName: "t_net"}, nil, fmt.Errorf("dial: no route to host"))
	if !retry {
		t.Fatal("expected retry after successful network_fix")
	}
	if !called {
		t.Fatal("expected network_fix to be invoked")
	}
	if err == nil {
		t.Fatal("expected enriched error returned alongside retry=true")
	}

	// A first-ever remediated failure must leave a FixRecord behind so
	// learn_tool_fix has something to attach a fix to.
	records := core.Fixes().Matching("t_net", "dial: no route to host")
	if len(records) != 1 {
		t.Fatalf("expected one FixRecord after remediation, got %d", len(records))
	}
	if records[0].Observations < 1 {
		t.Fatalf("expected observations >= 1, got %d", records[0].Observations)
	}
}

func TestClassifyAndRemediateRepeatBumpsExistingRecord(t *testing.T) {
	core := newTestCore(t, func(string) error { return nil }, nil)
	ic := &toolregistry.InvocationContext{ToolName: "t_net"}

	for i := 0; i < 2; i++ {
		if retry, _ := core.ClassifyAndRemediate(ic, nil, fmt.Errorf("dial: no route to host")); !retry {
			t.Fatalf("remediation %d: expected retry", i)
		}
	}

	records := core.Fixes().Matching("t_net", "dial: no route to host")
	if len(records) != 1 {
		t.Fatalf("expected the same record reused, got %d records", len(records))
	}
	if records[0].Observations != 2 {
		t.Fatalf("expected 2 observations, got %d", records[0].Observations)
	}
}

func TestClassifyAndRemediateUnknownNeverRetries(t *testing.T) {
	core := newTestCore(t, nil, nil)
	retry, _ := core.ClassifyAndRemediate(&toolregistry.InvocationContext{ToolName: "t_x"}, nil, fmt.Errorf("something odd"))
	if retry {
		t.Fatal("expected no retry for unknown classification")
	}
}

func TestClassifyAndRemediateUsageLearnsPattern(t *testing.T) {
	core := newTestCore(t, nil, nil)
	retry, _ := core.ClassifyAndRemediate(&toolregistry.InvocationContext{ToolName: "t_tag"}, nil, fmt.Errorf(`invalid parameter: "tag"`))
	if retry {
		t.Fatal("expected no retry for usage classification")
	}
	if len(core.Patterns().All()) != 1 {
		t.Fatalf("expected one learned pattern, got %d", len(core.Patterns().All()))
	}
}

func TestClassifyAndRemediateWithoutRemediationFnNoRetry(t *testing.T) {
	core := newTestCore(t, nil, nil)
	retry, _ := core.ClassifyAndRemediate(&toolregistry.InvocationContext{ToolName: "t_net"}, nil, fmt.Errorf("connection refused"))
	if retry {
		t.Fatal("expected no retry when no network_fix is registered")
	}
}
