// Package metrics exposes the Prometheus metrics surface for the core:
// tool invocations, skill runs, scheduler job executions, and persona
// switches. One Metrics is created at startup and registered with a
// registry of the server's own (prometheus.NewRegistry); the Event Bus
// listener exposes it at /metrics via promhttp.HandlerFor (wired in
// cmd/devflow-core).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the application's Prometheus collectors.
type Metrics struct {
	// ToolExecutionCounter counts tool invocations by name and outcome.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool invocation latency in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// SkillRunCounter counts skill runs by name and terminal state.
	// Labels: skill, state (succeeded|failed|cancelled)
	SkillRunCounter *prometheus.CounterVec

	// SkillRunDuration measures skill run latency in seconds.
	// Labels: skill
	SkillRunDuration *prometheus.HistogramVec

	// SchedulerJobCounter counts scheduled job runs by job and outcome.
	// Labels: job, status (succeeded|failed)
	SchedulerJobCounter *prometheus.CounterVec

	// SchedulerJobDuration measures scheduled job run latency in seconds.
	// Labels: job
	SchedulerJobDuration *prometheus.HistogramVec

	// PersonaSwitchCounter counts committed persona switches.
	// Labels: persona
	PersonaSwitchCounter *prometheus.CounterVec

	// ActiveWorkspaces is a gauge of workspaces with an active persona.
	ActiveWorkspaces prometheus.Gauge

	// StoreIODuration measures Store Read/Write latency in seconds.
	// Labels: op (read|write)
	StoreIODuration *prometheus.HistogramVec
}

// New creates and registers every collector with reg. Pass
// prometheus.DefaultRegisterer to use the global registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devflow_tool_executions_total",
				Help: "Total number of tool invocations by tool name and outcome",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devflow_tool_execution_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"tool"},
		),
		SkillRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devflow_skill_runs_total",
				Help: "Total number of skill runs by skill name and terminal state",
			},
			[]string{"skill", "state"},
		),
		SkillRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devflow_skill_run_duration_seconds",
				Help:    "Duration of skill runs in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"skill"},
		),
		SchedulerJobCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devflow_scheduler_job_runs_total",
				Help: "Total number of scheduled job runs by job id and outcome",
			},
			[]string{"job", "status"},
		),
		SchedulerJobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devflow_scheduler_job_duration_seconds",
				Help:    "Duration of scheduled job runs in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"job"},
		),
		PersonaSwitchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devflow_persona_switches_total",
				Help: "Total number of committed persona switches by persona name",
			},
			[]string{"persona"},
		),
		ActiveWorkspaces: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "devflow_active_workspaces",
				Help: "Current number of workspaces with an active persona",
			},
		),
		StoreIODuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devflow_store_io_duration_seconds",
				Help:    "Duration of Store operations in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"op"},
		),
	}
}

// ObserveInvoke implements toolregistry.InvokeObserver.
func (m *Metrics) ObserveInvoke(tool string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordSkillRun records a skill run's terminal state and duration.
func (m *Metrics) RecordSkillRun(skill, state string, duration time.Duration) {
	m.SkillRunCounter.WithLabelValues(skill, state).Inc()
	m.SkillRunDuration.WithLabelValues(skill).Observe(duration.Seconds())
}

// RecordSchedulerJob records a scheduled job run's outcome and duration.
func (m *Metrics) RecordSchedulerJob(job, status string, duration time.Duration) {
	m.SchedulerJobCounter.WithLabelValues(job, status).Inc()
	m.SchedulerJobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordPersonaSwitch records a committed persona switch.
func (m *Metrics) RecordPersonaSwitch(persona string) {
	m.PersonaSwitchCounter.WithLabelValues(persona).Inc()
}

// SetActiveWorkspaces records the current number of workspaces with an
// active persona.
func (m *Metrics) SetActiveWorkspaces(n int) {
	m.ActiveWorkspaces.Set(float64(n))
}

// RecordStoreIO records a Store operation's duration.
func (m *Metrics) RecordStoreIO(op string, duration time.Duration) {
	m.StoreIODuration.WithLabelValues(op).Observe(duration.Seconds())
}
