package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devflow/core/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return s
}

func writeJobsDoc(t *testing.T, s *store.Store, path string, specs []JobSpec) {
	t.Helper()
	if err := s.Write(path, jobsDoc{Jobs: specs}); err != nil {
		t.Fatalf("write jobs doc: %v", err)
	}
}

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingRunner) RunSkill(ctx context.Context, skillName, persona, workspaceURI, sessionID string, inputs map[string]any) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sessionID)
	return map[string]any{"skill": skillName}, r.err
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestRunOnceFiresDueJob(t *testing.T) {
	s := newTestStore(t)
	writeJobsDoc(t, s, "jobs.yaml", []JobSpec{
		{ID: "job-1", Name: "deploy", CronExpr: "* * * * * *", SkillName: "deploy", Enabled: true},
	})

	runner := &recordingRunner{}
	now := time.Now()
	sched, err := New(s, "jobs.yaml", WithSkillRunner(runner), WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Advance past the job's computed NextRun (next second boundary).
	now = now.Add(2 * time.Second)
	fired := sched.RunOnce(context.Background())
	if fired != 1 {
		t.Fatalf("expected 1 job to fire, got %d", fired)
	}
	if runner.count() != 1 {
		t.Fatalf("expected skill runner invoked once, got %d", runner.count())
	}
}

func TestDisabledJobNeverFires(t *testing.T) {
	s := newTestStore(t)
	writeJobsDoc(t, s, "jobs.yaml", []JobSpec{
		{ID: "job-1", Name: "deploy", CronExpr: "* * * * * *", SkillName: "deploy", Enabled: false},
	})

	runner := &recordingRunner{}
	sched, err := New(s, "jobs.yaml", WithSkillRunner(runner))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(sched.Jobs()) != 0 {
		t.Fatalf("expected disabled job to be excluded, got %d jobs", len(sched.Jobs()))
	}
}

func TestSleepGapSkipsReplayAndAdvancesNextRun(t *testing.T) {
	s := newTestStore(t)
	writeJobsDoc(t, s, "jobs.yaml", []JobSpec{
		{ID: "job-1", Name: "deploy", CronExpr: "* * * * * *", SkillName: "deploy", Enabled: true},
	})

	runner := &recordingRunner{}
	now := time.Now()
	sched, err := New(s, "jobs.yaml",
		WithSkillRunner(runner),
		WithNow(func() time.Time { return now }),
		WithSleepGap(30*time.Second),
		WithTickInterval(time.Second),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	before := sched.Jobs()[0].NextRun

	// Simulate the process having been suspended for five minutes.
	now = now.Add(5 * time.Minute)
	fired := sched.RunOnce(context.Background())
	if fired != 0 {
		t.Fatalf("expected no jobs to fire across a sleep gap, got %d", fired)
	}
	if runner.count() != 0 {
		t.Fatalf("expected skill runner not invoked across a sleep gap, got %d calls", runner.count())
	}

	after := sched.Jobs()[0].NextRun
	if !after.After(before) {
		t.Fatalf("expected next_run to advance past the sleep gap: before=%v after=%v", before, after)
	}
}

func TestReloadPicksUpDocumentChanges(t *testing.T) {
	s := newTestStore(t)
	writeJobsDoc(t, s, "jobs.yaml", []JobSpec{
		{ID: "job-1", Name: "deploy", CronExpr: "* * * * * *", SkillName: "deploy", Enabled: true},
	})

	sched, err := New(s, "jobs.yaml", WithSkillRunner(&recordingRunner{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(sched.Jobs()) != 1 {
		t.Fatalf("expected 1 job initially, got %d", len(sched.Jobs()))
	}

	writeJobsDoc(t, s, "jobs.yaml", []JobSpec{
		{ID: "job-1", Name: "deploy", CronExpr: "* * * * * *", SkillName: "deploy", Enabled: true},
		{ID: "job-2", Name: "backup", CronExpr: "* * * * * *", SkillName: "backup", Enabled: true},
	})
	if err := sched.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(sched.Jobs()) != 2 {
		t.Fatalf("expected 2 jobs after reload, got %d", len(sched.Jobs()))
	}
}

func TestReloadPreservesLastRunForSurvivingJobs(t *testing.T) {
	s := newTestStore(t)
	writeJobsDoc(t, s, "jobs.yaml", []JobSpec{
		{ID: "job-1", Name: "deploy", CronExpr: "* * * * * *", SkillName: "deploy", Enabled: true},
	})

	now := time.Now()
	sched, err := New(s, "jobs.yaml", WithSkillRunner(&recordingRunner{}), WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now = now.Add(2 * time.Second)
	sched.RunOnce(context.Background())

	lastRun := sched.Jobs()[0].LastRun
	if lastRun.IsZero() {
		t.Fatal("expected LastRun to be set after firing")
	}

	if err := sched.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !sched.Jobs()[0].LastRun.Equal(lastRun) {
		t.Fatalf("expected LastRun to survive reload: before=%v after=%v", lastRun, sched.Jobs()[0].LastRun)
	}
}

func TestExecutionHistoryRecordsOutcome(t *testing.T) {
	s := newTestStore(t)
	writeJobsDoc(t, s, "jobs.yaml", []JobSpec{
		{ID: "job-1", Name: "deploy", CronExpr: "* * * * * *", SkillName: "deploy", Enabled: true},
	})

	now := time.Now()
	sched, err := New(s, "jobs.yaml", WithSkillRunner(&recordingRunner{}), WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now = now.Add(2 * time.Second)
	sched.RunOnce(context.Background())

	execs, err := sched.Executions(context.Background(), "job-1", 10, 0)
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution record, got %d", len(execs))
	}
	if execs[0].Status != ExecutionSucceeded {
		t.Fatalf("expected succeeded status, got %s", execs[0].Status)
	}
}

func TestMissingJobsDocumentYieldsNoJobs(t *testing.T) {
	s := newTestStore(t)
	sched, err := New(s, "jobs.yaml", WithSkillRunner(&recordingRunner{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(sched.Jobs()) != 0 {
		t.Fatalf("expected no jobs when document is missing, got %d", len(sched.Jobs()))
	}
}
