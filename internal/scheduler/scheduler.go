package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/devflow/core/internal/store"
)

// JobObserver receives a measurement for every completed job run.
// Implemented by internal/metrics.
type JobObserver interface {
	RecordSchedulerJob(job, status string, duration time.Duration)
}

// defaultSleepGap is the wall-clock jump, between consecutive ticks, above
// which the Scheduler assumes the process was suspended rather than merely
// busy, and skips replaying whatever jobs would otherwise have fired during
// the gap.
const defaultSleepGap = 30 * time.Second

// Scheduler runs cron jobs loaded from a jobs document and invokes the
// Skill Engine through a SkillRunner when they come due.
type Scheduler struct {
	logger         *slog.Logger
	jobStore       *store.Store
	jobsPath       string
	watchPath      string
	skillRunner    SkillRunner
	executionStore ExecutionStore
	workspaceURI   string
	timezone       string
	now            func() time.Time
	tickInterval   time.Duration
	sleepGap       time.Duration
	observer       JobObserver

	mu       sync.Mutex
	jobs     []*Job
	lastTick time.Time
	started  bool
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSkillRunner configures the SkillRunner jobs invoke.
func WithSkillRunner(runner SkillRunner) Option {
	return func(s *Scheduler) {
		if runner != nil {
			s.skillRunner = runner
		}
	}
}

// WithExecutionStore configures the execution history store.
func WithExecutionStore(store ExecutionStore) Option {
	return func(s *Scheduler) {
		if store != nil {
			s.executionStore = store
		}
	}
}

// WithWorkspaceURI sets the workspace every scheduled skill run executes
// against.
func WithWorkspaceURI(uri string) Option {
	return func(s *Scheduler) { s.workspaceURI = uri }
}

// WithTimezone sets the IANA timezone (or "Local") jobs are evaluated in.
func WithTimezone(tz string) Option {
	return func(s *Scheduler) {
		if tz != "" {
			s.timezone = tz
		}
	}
}

// WithTickInterval overrides the scheduler's polling interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithSleepGap overrides the wall-clock jump treated as sleep.
func WithSleepGap(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.sleepGap = d
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithJobObserver attaches a JobObserver notified after every job run.
func WithJobObserver(observer JobObserver) Option {
	return func(s *Scheduler) { s.observer = observer }
}

// WithWatchPath enables fsnotify-based hot reload of the jobs document at
// this absolute filesystem path. Without it, jobs are loaded once at
// construction time only.
func WithWatchPath(path string) Option {
	return func(s *Scheduler) { s.watchPath = path }
}

// New creates a Scheduler backed by jobStore, loading jobs from jobsPath (a
// document path relative to the store's root, or absolute).
func New(jobStore *store.Store, jobsPath string, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		logger:         slog.Default().With("component", "scheduler"),
		jobStore:       jobStore,
		jobsPath:       jobsPath,
		executionStore: NewMemoryExecutionStore(),
		timezone:       "Local",
		now:            time.Now,
		tickInterval:   15 * time.Second,
		sleepGap:       defaultSleepGap,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// reload clears and re-registers every job from the jobs document,
// preserving LastRun/LastError for jobs whose id survives the reload;
// NextRun is recomputed from each job's schedule.
func (s *Scheduler) reload() error {
	specs, err := loadJobSpecs(s.jobStore, s.jobsPath)
	if err != nil {
		return err
	}

	now := s.now()
	s.mu.Lock()
	previous := make(map[string]*Job, len(s.jobs))
	for _, j := range s.jobs {
		previous[j.ID] = j
	}
	s.mu.Unlock()

	jobs := make([]*Job, 0, len(specs))
	for _, spec := range specs {
		if strings.TrimSpace(spec.ID) == "" {
			s.logger.Warn("scheduler job missing id, skipped", "name", spec.Name)
			continue
		}
		if !spec.Enabled {
			continue
		}
		sched, err := NewSchedule(spec.CronExpr, s.timezone)
		if err != nil {
			s.logger.Warn("scheduler job has invalid schedule, skipped", "id", spec.ID, "error", err)
			continue
		}
		job := &Job{JobSpec: spec, Schedule: sched, NextRun: sched.Next(now)}
		if prior, ok := previous[spec.ID]; ok {
			job.LastRun = prior.LastRun
			job.LastError = prior.LastError
		}
		jobs = append(jobs, job)
	}

	s.mu.Lock()
	s.jobs = jobs
	s.lastTick = now
	s.mu.Unlock()
	return nil
}

// Start begins ticking until ctx is cancelled. If a watch path was
// configured, config changes are also detected and trigger a reload.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	var watcher *fsnotify.Watcher
	if s.watchPath != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create jobs document watcher: %w", err)
		}
		// Watch the containing directory: the jobs document may not exist
		// yet, and atomic rename-over replaces the watched inode.
		if err := w.Add(filepath.Dir(s.watchPath)); err != nil {
			s.logger.Warn("jobs document watch unavailable, hot reload disabled", "path", s.watchPath, "error", err)
			w.Close() //nolint:errcheck
		} else {
			watcher = w
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if watcher != nil {
			defer watcher.Close() //nolint:errcheck
		}
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			case ev, ok := <-watchEvents(watcher):
				if !ok {
					continue
				}
				if filepath.Base(ev.Name) != filepath.Base(s.watchPath) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if err := s.reload(); err != nil {
						s.logger.Warn("scheduler jobs reload failed", "error", err)
					} else {
						s.logger.Info("scheduler jobs reloaded")
					}
				}
			}
		}
	}()
	return nil
}

// watchEvents returns w.Events, or a nil channel (which blocks forever in a
// select) when w is nil.
func watchEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

// Stop waits for the scheduler loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs whichever jobs are due right now (primarily for tests).
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.tick(ctx)
}

// tick advances the scheduler by one step: if the gap since the previous
// tick exceeds the tick interval by more than sleepGap, the interval is
// treated as sleep (missed jobs are
// not replayed, next_run is simply advanced past now); otherwise every due,
// enabled job is run.
func (s *Scheduler) tick(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	gap := now.Sub(s.lastTick)
	s.lastTick = now
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	if gap > s.sleepGap+s.tickInterval {
		s.logger.Info("sleep/wake gap detected, skipping replay", "gap", gap)
		s.mu.Lock()
		for _, job := range s.jobs {
			job.NextRun = job.Schedule.Next(now)
		}
		s.mu.Unlock()
		return 0
	}

	count := 0
	for _, job := range jobs {
		if job.NextRun.IsZero() || now.Before(job.NextRun) {
			continue
		}
		s.runJob(ctx, job, now)
		count++
	}
	return count
}

func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	s.mu.Lock()
	job.LastRun = now
	s.mu.Unlock()

	sessionID := fmt.Sprintf("cron-%s-%d", job.SkillName, now.Unix())
	exec := &JobExecution{ID: uuid.NewString(), JobID: job.ID, SessionID: sessionID, Status: ExecutionRunning, StartedAt: now}
	if err := s.executionStore.Create(ctx, exec); err != nil {
		s.logger.Warn("scheduler execution record create failed", "job_id", job.ID, "error", err)
	}

	var runErr error
	if s.skillRunner == nil {
		runErr = errors.New("no skill runner configured")
	} else {
		_, runErr = s.skillRunner.RunSkill(ctx, job.SkillName, job.Persona, s.workspaceURI, sessionID, job.Inputs)
	}

	finished := s.now()
	exec.CompletedAt = finished
	exec.Duration = finished.Sub(now)
	if runErr != nil {
		exec.Status = ExecutionFailed
		exec.Error = runErr.Error()
		s.logger.Warn("scheduled skill run failed", "job_id", job.ID, "skill", job.SkillName, "error", runErr)
	} else {
		exec.Status = ExecutionSucceeded
	}
	if err := s.executionStore.Update(ctx, exec); err != nil {
		s.logger.Warn("scheduler execution record update failed", "job_id", job.ID, "error", err)
	}
	if s.observer != nil {
		s.observer.RecordSchedulerJob(job.ID, string(exec.Status), exec.Duration)
	}

	s.mu.Lock()
	if runErr != nil {
		job.LastError = runErr.Error()
	} else {
		job.LastError = ""
	}
	job.NextRun = job.Schedule.Next(now)
	s.mu.Unlock()
}

// Jobs returns a snapshot of the currently registered jobs.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, len(s.jobs))
	for i, j := range s.jobs {
		jobCopy := *j
		out[i] = &jobCopy
	}
	return out
}

// Executions returns execution history for a job (or every job if jobID is
// empty).
func (s *Scheduler) Executions(ctx context.Context, jobID string, limit, offset int) ([]*JobExecution, error) {
	return s.executionStore.List(ctx, jobID, limit, offset)
}

// PruneExecutions discards execution history older than olderThan.
func (s *Scheduler) PruneExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	return s.executionStore.Prune(ctx, olderThan)
}

// Reload re-reads the jobs document immediately (exposed for callers that
// don't want to wait on fsnotify, e.g. a CLI "scheduler reload" command).
func (s *Scheduler) Reload() error {
	return s.reload()
}
