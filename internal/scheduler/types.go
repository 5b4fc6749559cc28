// Package scheduler implements the Scheduler (C8): a cron-expression job
// runner, timezone aware, that invokes the Skill Engine on a fixed tick and
// treats large wall-clock jumps as sleep rather than a backlog to replay.
package scheduler

import (
	"context"
	"time"
)

// JobSpec is the persisted, user-authored shape of a scheduled job.
type JobSpec struct {
	ID        string         `yaml:"id" json:"id"`
	Name      string         `yaml:"name" json:"name"`
	CronExpr  string         `yaml:"cron_expr" json:"cron_expr"`
	SkillName string         `yaml:"skill_name" json:"skill_name"`
	Persona   string         `yaml:"persona,omitempty" json:"persona,omitempty"`
	Inputs    map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Enabled   bool           `yaml:"enabled" json:"enabled"`
}

// Job is a JobSpec plus the runtime scheduling state the spec requires
// (last_run, next_run).
type Job struct {
	JobSpec

	Schedule  Schedule
	LastRun   time.Time
	NextRun   time.Time
	LastError string
}

// SkillRunner is the seam between the Scheduler and the Skill Engine; it
// lets this package stay ignorant of skillengine's types.
type SkillRunner interface {
	RunSkill(ctx context.Context, skillName, persona, workspaceURI, sessionID string, inputs map[string]any) (map[string]any, error)
}

// SkillRunnerFunc adapts a function to a SkillRunner.
type SkillRunnerFunc func(ctx context.Context, skillName, persona, workspaceURI, sessionID string, inputs map[string]any) (map[string]any, error)

// RunSkill executes the underlying function.
func (f SkillRunnerFunc) RunSkill(ctx context.Context, skillName, persona, workspaceURI, sessionID string, inputs map[string]any) (map[string]any, error) {
	return f(ctx, skillName, persona, workspaceURI, sessionID, inputs)
}
