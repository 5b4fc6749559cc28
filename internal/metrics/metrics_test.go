package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestObserveInvokeRecordsSuccessAndError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveInvoke("session_start", 10*time.Millisecond, nil)
	m.ObserveInvoke("session_start", 5*time.Millisecond, errTest{})

	if got := counterValue(t, m.ToolExecutionCounter, "session_start", "success"); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := counterValue(t, m.ToolExecutionCounter, "session_start", "error"); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
}

func TestRecordSkillRunAndSchedulerJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordSkillRun("deploy", "succeeded", 20*time.Millisecond)
	if got := counterValue(t, m.SkillRunCounter, "deploy", "succeeded"); got != 1 {
		t.Fatalf("expected 1 skill run, got %v", got)
	}

	m.RecordSchedulerJob("nightly-deploy", "succeeded", 2*time.Second)
	if got := counterValue(t, m.SchedulerJobCounter, "nightly-deploy", "succeeded"); got != 1 {
		t.Fatalf("expected 1 job run, got %v", got)
	}
}

func TestRecordPersonaSwitch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordPersonaSwitch("backend-engineer")
	m.RecordPersonaSwitch("backend-engineer")

	if got := counterValue(t, m.PersonaSwitchCounter, "backend-engineer"); got != 2 {
		t.Fatalf("expected 2 switches, got %v", got)
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }
