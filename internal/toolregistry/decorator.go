package toolregistry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DebuggableDecorator captures a bounded ring buffer of recent invocations
// per tool so that debug_tool can return call-site context about a
// failing tool.
type DebuggableDecorator struct {
	mu      sync.Mutex
	perTool map[string][]CallTrace
	maxLen  int
}

// CallTrace is one recorded invocation.
type CallTrace struct {
	Args      map[string]any
	Result    any
	Err       error
	At        time.Time
	Duration  time.Duration
}

// NewDebuggableDecorator creates a decorator retaining up to maxLen traces
// per tool name.
func NewDebuggableDecorator(maxLen int) *DebuggableDecorator {
	if maxLen <= 0 {
		maxLen = 20
	}
	return &DebuggableDecorator{perTool: make(map[string][]CallTrace), maxLen: maxLen}
}

func (d *DebuggableDecorator) Name() string { return "debuggable" }

func (d *DebuggableDecorator) Invoke(ic *InvocationContext, args map[string]any, next func(map[string]any) (any, error)) (any, error) {
	start := time.Now()
	result, err := next(args)
	trace := CallTrace{Args: args, Result: result, Err: err, At: start, Duration: time.Since(start)}

	d.mu.Lock()
	list := d.perTool[ic.ToolName]
	list = append(list, trace)
	if len(list) > d.maxLen {
		list = list[len(list)-d.maxLen:]
	}
	d.perTool[ic.ToolName] = list
	d.mu.Unlock()

	return result, err
}

// Traces returns the recorded call history for a tool, most recent last.
func (d *DebuggableDecorator) Traces(toolName string) []CallTrace {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]CallTrace, len(d.perTool[toolName]))
	copy(out, d.perTool[toolName])
	return out
}

// PreChecker is implemented by the Auto-Heal Core's usage-pattern store; it
// decides whether a call should be blocked, warned about, or allowed.
// callContext is the rendered form of the invocation ("tool({...json...})")
// that pattern match regexes are tested against.
type PreChecker interface {
	PreCheck(toolName string, args map[string]any, callContext string) (block bool, hints []string, err error)
}

// UsagePrecheckDecorator is the `usage_precheck` default decorator: it
// consults the usage-pattern store before the call is allowed through.
type UsagePrecheckDecorator struct {
	Checker PreChecker
}

func (d *UsagePrecheckDecorator) Name() string { return "usage_precheck" }

// renderCallContext produces the string form of an invocation that usage
// patterns match against: the tool name followed by the JSON-encoded args.
func renderCallContext(toolName string, args map[string]any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		return toolName + "()"
	}
	return toolName + "(" + string(encoded) + ")"
}

func (d *UsagePrecheckDecorator) Invoke(ic *InvocationContext, args map[string]any, next func(map[string]any) (any, error)) (any, error) {
	if d.Checker == nil {
		return next(args)
	}
	block, hints, err := d.Checker.PreCheck(ic.ToolName, args, renderCallContext(ic.ToolName, args))
	if err != nil {
		// Store I/O failure degrades to "no known patterns".
		return next(args)
	}
	if block {
		terr := asToolError(fmt.Errorf("blocked by usage pattern for %s", ic.ToolName))
		terr.Kind = "usage"
		for _, h := range hints {
			terr = terr.WithHint(h, "usage_pattern")
		}
		return nil, terr
	}
	result, callErr := next(args)
	return result, callErr
}

// Remediator is implemented by the Auto-Heal Core; it classifies an error
// and attempts remediation, returning whether a retry of the original call
// is warranted.
type Remediator interface {
	ClassifyAndRemediate(ic *InvocationContext, args map[string]any, err error) (retry bool, remediatedErr error)
}

// HealEventSink receives an auto_heal_triggered notification whenever a
// remediation leads to a retry. Implemented by the Event Bus.
type HealEventSink interface {
	EmitAutoHealTriggered(executionID, stepID, failureType, action string, retryCount, maxRetries int)
}

// AutoHealDecorator is the `auto_heal(classifier, cluster_hint)` default
// decorator: on failure it asks the Remediator whether to retry once.
type AutoHealDecorator struct {
	Remediator Remediator
	Events     HealEventSink
}

func (d *AutoHealDecorator) Name() string { return "auto_heal" }

func (d *AutoHealDecorator) Invoke(ic *InvocationContext, args map[string]any, next func(map[string]any) (any, error)) (any, error) {
	result, err := next(args)
	if err == nil || d.Remediator == nil {
		return result, err
	}
	retry, remediatedErr := d.Remediator.ClassifyAndRemediate(ic, args, err)
	if !retry {
		return result, remediatedErr
	}
	if d.Events != nil {
		failureType := string(asToolError(remediatedErr).Kind)
		d.Events.EmitAutoHealTriggered(ic.ExecutionID, ic.StepID, failureType, failureType+"_fix", 1, 1)
	}
	return next(args)
}
