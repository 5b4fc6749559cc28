package skillengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devflow/core/internal/errs"
	"github.com/devflow/core/internal/toolregistry"
)

func echoTool(name string, fn toolregistry.ToolFn) toolregistry.Tool {
	return toolregistry.Tool{Name: name, Module: "test", Fn: fn}
}

func newTestRegistry(t *testing.T, tools ...toolregistry.Tool) *toolregistry.Registry {
	t.Helper()
	r := toolregistry.New()
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name, err)
		}
	}
	return r
}

type recordingEmitter struct {
	mu      sync.Mutex
	started []string
	skipped []string
	failed  []string
	done    bool
}

func (r *recordingEmitter) EmitSkillStarted(string, string, map[string]any, []StepDescriptor) {}
func (r *recordingEmitter) EmitStepStarted(_, stepID string, _ int, _, _ string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, stepID)
}
func (r *recordingEmitter) EmitStepCompleted(string, string, bool, int64, any) {}
func (r *recordingEmitter) EmitStepSkipped(_, stepID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped = append(r.skipped, stepID)
}
func (r *recordingEmitter) EmitAutoHealTriggered(string, string, string, string, int, int) {}
func (r *recordingEmitter) EmitSkillCompleted(string, string, int64, map[string]any, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
}
func (r *recordingEmitter) EmitSkillFailed(_, _, errMsg, failedStepID string, _ int64, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, failedStepID+":"+errMsg)
}

// asFloat coerces the numeric shapes a value can take after crossing the
// expression evaluator (goja exports integral numbers as int64).
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

func TestRunLinearSkillBindsStepOutputs(t *testing.T) {
	registry := newTestRegistry(t, echoTool("double", func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
		n, ok := asFloat(args["n"])
		if !ok {
			return nil, errs.New(errs.KindValidation, "n must be a number")
		}
		return n * 2, nil
	}))

	skill := &Skill{
		Name: "linear",
		Inputs: []InputSpec{
			{Name: "n", Type: "number", Required: true},
		},
		Steps: []Step{
			{ID: "step1", Kind: StepKindTool, Tool: "double", Args: map[string]any{"n": "{{ inputs.n }}"}},
			{ID: "step2", Kind: StepKindCompute, Code: "step1 + 1"},
		},
		Outputs: map[string]any{"result": "{{ step2 }}"},
	}

	en := NewEngine(registry)
	res := en.Run(context.Background(), skill, "ws1", "sess1", map[string]any{"n": 21.0})
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if res.State != RunSucceeded {
		t.Fatalf("expected success, got %v", res.State)
	}
	if got, ok := asFloat(res.Outputs["result"]); !ok || got != 43 {
		t.Fatalf("expected result 43, got %#v", res.Outputs["result"])
	}
}

func TestRunConditionalStepSkipped(t *testing.T) {
	registry := newTestRegistry(t, echoTool("noop", func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
		return "ran", nil
	}))

	skill := &Skill{
		Name: "conditional",
		Inputs: []InputSpec{
			{Name: "enabled", Type: "boolean", Required: true},
		},
		Steps: []Step{
			{ID: "maybe", Kind: StepKindTool, Tool: "noop", Condition: "inputs.enabled"},
		},
		Outputs: map[string]any{},
	}

	emitter := &recordingEmitter{}
	en := NewEngine(registry, WithEmitter(emitter))
	res := en.Run(context.Background(), skill, "ws1", "sess1", map[string]any{"enabled": false})
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if len(emitter.skipped) != 1 || emitter.skipped[0] != "maybe" {
		t.Fatalf("expected maybe to be skipped, got %+v", emitter.skipped)
	}
}

func TestRunDependentStepSkippedAfterFailure(t *testing.T) {
	registry := newTestRegistry(t,
		echoTool("boom", func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
			return nil, errs.New(errs.KindIO, "disk full")
		}),
		echoTool("noop", func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
			return "ran", nil
		}),
	)

	skill := &Skill{
		Name: "chained",
		Steps: []Step{
			{ID: "first", Kind: StepKindTool, Tool: "boom", OnError: OnErrorContinue},
			{ID: "second", Kind: StepKindTool, Tool: "noop", DependsOn: []string{"first"}},
		},
		Outputs: map[string]any{},
	}

	emitter := &recordingEmitter{}
	en := NewEngine(registry, WithEmitter(emitter))
	res := en.Run(context.Background(), skill, "ws1", "sess1", map[string]any{})
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if len(emitter.skipped) != 1 || emitter.skipped[0] != "second" {
		t.Fatalf("expected second to be skipped because first failed, got %+v", emitter.skipped)
	}
}

func TestRunFailPolicyAbortsSkill(t *testing.T) {
	registry := newTestRegistry(t, echoTool("boom", func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
		return nil, errs.New(errs.KindIO, "disk full")
	}))

	skill := &Skill{
		Name: "aborts",
		Steps: []Step{
			{ID: "first", Kind: StepKindTool, Tool: "boom", OnError: OnErrorFail},
		},
		Outputs: map[string]any{},
	}

	emitter := &recordingEmitter{}
	en := NewEngine(registry, WithEmitter(emitter))
	res := en.Run(context.Background(), skill, "ws1", "sess1", map[string]any{})
	if res.Err == nil {
		t.Fatal("expected skill to fail")
	}
	if res.State != RunFailed {
		t.Fatalf("expected RunFailed, got %v", res.State)
	}
	if len(emitter.failed) != 1 {
		t.Fatalf("expected one skill_failed event, got %+v", emitter.failed)
	}
}

func TestRunRetryRecoversTransientFailure(t *testing.T) {
	attempts := 0
	registry := newTestRegistry(t, echoTool("flaky", func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errs.New(errs.KindNetwork, "connection reset")
		}
		return "ok", nil
	}))

	skill := &Skill{
		Name: "retrying",
		Steps: []Step{
			{ID: "call", Kind: StepKindTool, Tool: "flaky", OnError: OnErrorRetry, RetryN: 3},
		},
		Outputs: map[string]any{"status": "{{ call }}"},
	}

	en := NewEngine(registry, WithRetryPolicy(1*time.Millisecond, 5*time.Millisecond))
	res := en.Run(context.Background(), skill, "ws1", "sess1", map[string]any{})
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if res.Outputs["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", res.Outputs["status"])
	}
}

func TestRunParallelGroupRunsConcurrently(t *testing.T) {
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	registry := newTestRegistry(t, echoTool("slow", func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return "done", nil
	}))

	skill := &Skill{
		Name: "parallel",
		Steps: []Step{
			{ID: "a", Kind: StepKindTool, Tool: "slow", ParallelGroup: 1},
			{ID: "b", Kind: StepKindTool, Tool: "slow", ParallelGroup: 1},
			{ID: "c", Kind: StepKindTool, Tool: "slow", ParallelGroup: 1},
		},
		Outputs: map[string]any{},
	}

	en := NewEngine(registry)
	res := en.Run(context.Background(), skill, "ws1", "sess1", map[string]any{})
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if maxInFlight < 2 {
		t.Fatalf("expected steps in the same parallel_group to overlap, max in-flight was %d", maxInFlight)
	}
}

func TestRunLoopStepAggregatesResults(t *testing.T) {
	registry := newTestRegistry(t, echoTool("square", func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
		n, ok := asFloat(args["n"])
		if !ok {
			return nil, errs.New(errs.KindValidation, "n must be a number")
		}
		return n * n, nil
	}))

	skill := &Skill{
		Name: "loopy",
		Steps: []Step{
			{ID: "squares", Kind: StepKindLoop, Tool: "square", Loop: "[1, 2, 3]", LoopVar: "n", Args: map[string]any{"n": "{{ n }}"}},
		},
		Outputs: map[string]any{"all": "{{ squares }}"},
	}

	en := NewEngine(registry)
	res := en.Run(context.Background(), skill, "ws1", "sess1", map[string]any{})
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	results, ok := res.Outputs["all"].([]any)
	if !ok || len(results) != 3 {
		t.Fatalf("expected 3 loop results, got %#v", res.Outputs["all"])
	}
}

func TestRunConfirmationDeclinedSkipsStep(t *testing.T) {
	registry := newTestRegistry(t, echoTool("deploy", func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
		return "deployed", nil
	}))

	skill := &Skill{
		Name: "confirmed",
		Steps: []Step{
			{
				ID: "deploy_step", Kind: StepKindTool, Tool: "deploy",
				Confirm: &ConfirmSpec{
					Message: "proceed?",
					Options: []ConfirmOption{{Value: "yes"}, {Value: "no"}},
					Default: "no",
				},
			},
		},
		Outputs: map[string]any{},
	}

	emitter := &recordingEmitter{}
	en := NewEngine(registry, WithEmitter(emitter), WithConfirmer(declineConfirmer{}))
	res := en.Run(context.Background(), skill, "ws1", "sess1", map[string]any{})
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if len(emitter.skipped) != 1 || emitter.skipped[0] != "deploy_step" {
		t.Fatalf("expected deploy_step skipped on decline, got %+v", emitter.skipped)
	}
}

type declineConfirmer struct{}

func (declineConfirmer) AwaitConfirmation(executionID, stepID, message string, options []ConfirmOption, def string, timeoutS int) (string, error) {
	return "no", nil
}

func TestRunCancellationStopsScheduling(t *testing.T) {
	registry := newTestRegistry(t, echoTool("block", func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
		<-ic.Context.Done()
		return nil, ic.Context.Err()
	}))

	skill := &Skill{
		Name: "cancellable",
		Steps: []Step{
			{ID: "wait", Kind: StepKindTool, Tool: "block", OnError: OnErrorContinue},
			{ID: "after", Kind: StepKindTool, Tool: "block", DependsOn: []string{"wait"}, OnError: OnErrorContinue},
		},
		Outputs: map[string]any{},
	}

	en := NewEngine(registry)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := en.Run(ctx, skill, "ws1", "sess1", map[string]any{})
	if res.State != RunCancelled && res.State != RunSucceeded {
		t.Fatalf("expected cancellation or graceful completion, got %v (%v)", res.State, res.Err)
	}
}

func TestMissingRequiredInputFailsValidation(t *testing.T) {
	registry := newTestRegistry(t)
	skill := &Skill{
		Name:   "needs_input",
		Inputs: []InputSpec{{Name: "target", Type: "string", Required: true}},
		Steps: []Step{
			{ID: "noop", Kind: StepKindCompute, Code: "1"},
		},
		Outputs: map[string]any{},
	}

	en := NewEngine(registry)
	res := en.Run(context.Background(), skill, "ws1", "sess1", map[string]any{})
	if res.Err == nil {
		t.Fatal("expected missing-input validation error")
	}
}
