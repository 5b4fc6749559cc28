// Package skillengine implements the Skill Engine (C5): the deterministic
// executor that turns a skill definition plus inputs into an ordered
// sequence of tool calls and compute evaluations.
package skillengine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// InputSpec constrains one named input to a skill.
type InputSpec struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"` // string|number|boolean|object|array
	Pattern  string   `yaml:"pattern,omitempty"`
	Enum     []any    `yaml:"enum,omitempty"`
	Required bool     `yaml:"required"`
	Default  any      `yaml:"default,omitempty"`
}

// StepKind is one of the three step shapes a skill can declare.
type StepKind string

const (
	StepKindTool    StepKind = "tool"
	StepKindCompute StepKind = "compute"
	StepKindLoop    StepKind = "loop"
)

// OnError is the per-step failure policy.
type OnError string

const (
	OnErrorFail     OnError = "fail"
	OnErrorContinue OnError = "continue"
	OnErrorRetry    OnError = "retry"
)

// ConfirmSpec declares a confirmation gate on a step.
type ConfirmSpec struct {
	Message  string          `yaml:"message" json:"message"`
	Options  []ConfirmOption `yaml:"options" json:"options"`
	Default  string          `yaml:"default" json:"default"`
	TimeoutS int             `yaml:"timeout_s" json:"timeout_s"`
}

// ConfirmOption is one choice offered to the confirming user.
type ConfirmOption struct {
	Value string `yaml:"value" json:"value"`
	Label string `yaml:"label" json:"label"`
}

// Step is one unit of a skill: a tool call, a compute block, or a loop over
// either.
type Step struct {
	ID             string         `yaml:"id"`
	Kind           StepKind       `yaml:"kind"`
	Tool           string         `yaml:"tool,omitempty"`
	Args           map[string]any `yaml:"args,omitempty"`
	Code           string         `yaml:"code,omitempty"`
	Condition      string         `yaml:"condition,omitempty"`
	OnError        OnError        `yaml:"on_error,omitempty"`
	RetryN         int            `yaml:"retry_n,omitempty"`
	TimeoutS       int            `yaml:"timeout_s,omitempty"`
	OutputBinding  string         `yaml:"output_binding,omitempty"`
	CacheTTLS      int            `yaml:"cache_ttl,omitempty"`
	ParallelGroup  int            `yaml:"parallel_group,omitempty"`
	DependsOn      []string       `yaml:"depends_on,omitempty"`
	Loop           string         `yaml:"loop,omitempty"`
	LoopVar        string         `yaml:"loop_var,omitempty"`
	Confirm        *ConfirmSpec   `yaml:"confirm,omitempty"`
}

func (s Step) bindingName() string {
	if s.OutputBinding != "" {
		return s.OutputBinding
	}
	return s.ID
}

// Skill is a declarative multi-step workflow over tools.
type Skill struct {
	Name          string                 `yaml:"name"`
	Version       string                 `yaml:"version"`
	Inputs        []InputSpec            `yaml:"inputs"`
	Steps         []Step                 `yaml:"steps"`
	Outputs       map[string]any         `yaml:"outputs"`
	Confirmations map[string]ConfirmSpec `yaml:"confirmations,omitempty"`
}

// Status is a StepResult's lifecycle position.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSkipped Status = "skipped"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusHealing Status = "healing"
)

// StepResult is the outcome of one executed step.
type StepResult struct {
	StepID     string
	Status     Status
	Started    time.Time
	Ended      time.Time
	DurationMs int64
	RawResult  any
	Error      error
	Retries    int
	SkipReason string
}

// ExecutionContext is the per-run record of inputs, bindings, and step
// results; it exists only for the duration of one skill execution.
type ExecutionContext struct {
	ExecutionID  string
	WorkspaceURI string
	SessionID    string
	Inputs       map[string]any
	Bindings     map[string]any
	StepResults  map[string]*StepResult
	Config       map[string]any

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// NewExecutionContext creates a fresh ExecutionContext with a new
// execution id.
func NewExecutionContext(workspaceURI, sessionID string, inputs, config map[string]any) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID:  uuid.NewString(),
		WorkspaceURI: workspaceURI,
		SessionID:    sessionID,
		Inputs:       inputs,
		Bindings:     make(map[string]any),
		StepResults:  make(map[string]*StepResult),
		Config:       config,
		cache:        make(map[string]cacheEntry),
	}
}

func (ec *ExecutionContext) cacheGet(key string) (any, bool) {
	ec.cacheMu.RLock()
	defer ec.cacheMu.RUnlock()
	entry, ok := ec.cache[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.value, true
}

func (ec *ExecutionContext) cacheSet(key string, value any, ttl time.Duration) {
	ec.cacheMu.Lock()
	defer ec.cacheMu.Unlock()
	ec.cache[key] = cacheEntry{value: value, expires: time.Now().Add(ttl)}
}

// scope is the name->value map exposed to templates/conditions/compute.
func (ec *ExecutionContext) scope(extra map[string]any) map[string]any {
	s := map[string]any{
		"inputs":   ec.Inputs,
		"config":   ec.Config,
		"bindings": ec.Bindings,
		"session":  map[string]any{"id": ec.SessionID},
	}
	for k, v := range ec.Bindings {
		s[k] = v
	}
	for k, v := range extra {
		s[k] = v
	}
	return s
}
