package skillengine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/devflow/core/internal/backoff"
	"github.com/devflow/core/internal/errs"
	"github.com/devflow/core/internal/expr"
	"github.com/devflow/core/internal/toolregistry"
)

// RunState is the skill execution state machine position.
type RunState string

const (
	RunInit       RunState = "init"
	RunValidating RunState = "validating"
	RunRunning    RunState = "running"
	RunSucceeded  RunState = "succeeded"
	RunFailed     RunState = "failed"
	RunCancelled  RunState = "cancelled"
)

// Engine executes Skill definitions against the Tool Registry.
type Engine struct {
	logger    *slog.Logger
	registry  *toolregistry.Registry
	emitter   EventEmitter
	confirmer Confirmer

	retryBase       time.Duration
	retryMax        time.Duration
	computeTimeout  time.Duration
	defaultConfirmS int

	observer RunObserver

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// RunObserver receives a measurement for every skill run that reaches a
// terminal state. Implemented by internal/metrics.
type RunObserver interface {
	RecordSkillRun(skill, state string, duration time.Duration)
}

// Option configures an Engine.
type Option func(*Engine)

func WithEmitter(e EventEmitter) Option     { return func(en *Engine) { en.emitter = e } }
func WithConfirmer(c Confirmer) Option      { return func(en *Engine) { en.confirmer = c } }
func WithLogger(l *slog.Logger) Option      { return func(en *Engine) { en.logger = l } }
func WithRetryPolicy(base, max time.Duration) Option {
	return func(en *Engine) { en.retryBase = base; en.retryMax = max }
}
func WithComputeTimeout(d time.Duration) Option { return func(en *Engine) { en.computeTimeout = d } }
func WithRunObserver(o RunObserver) Option      { return func(en *Engine) { en.observer = o } }

// WithDefaultConfirmTimeout sets the timeout applied to confirmation gates
// that do not declare their own timeout_s.
func WithDefaultConfirmTimeout(seconds int) Option {
	return func(en *Engine) {
		if seconds > 0 {
			en.defaultConfirmS = seconds
		}
	}
}

// NewEngine creates an Engine bound to registry.
func NewEngine(registry *toolregistry.Registry, opts ...Option) *Engine {
	en := &Engine{
		logger:         slog.Default().With("component", "skillengine"),
		registry:       registry,
		emitter:        noopEmitter{},
		confirmer:      noopConfirmer{},
		retryBase:       1 * time.Second,
		retryMax:        30 * time.Second,
		computeTimeout:  5 * time.Second,
		defaultConfirmS: 30,
		cancels:         make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(en)
	}
	return en
}

// RunResult is returned by Run.
type RunResult struct {
	ExecutionID string
	State       RunState
	Outputs     map[string]any
	Err         error
}

// Cancel trips the cancellation token for a running execution, backing
// skill_cancel. It is a no-op if the execution is not running.
func (en *Engine) Cancel(executionID string) {
	en.mu.Lock()
	cancel, ok := en.cancels[executionID]
	en.mu.Unlock()
	if ok {
		cancel()
	}
}

// ActiveExecutions reports how many skill runs are currently in flight,
// for the Event Bus heartbeat.
func (en *Engine) ActiveExecutions() int {
	en.mu.Lock()
	defer en.mu.Unlock()
	return len(en.cancels)
}

// Run validates inputs, executes every step per the ordering/condition/
// retry/confirmation rules, and renders the skill's outputs template
// against the final bindings.
func (en *Engine) Run(ctx context.Context, skill *Skill, workspaceURI, sessionID string, inputs map[string]any) RunResult {
	started := time.Now()
	resolvedInputs, err := resolveInputs(skill.Inputs, inputs)
	if err != nil {
		en.recordRun(skill.Name, RunFailed, started)
		return RunResult{State: RunFailed, Err: err}
	}

	ec := NewExecutionContext(workspaceURI, sessionID, resolvedInputs, map[string]any{})

	runCtx, cancel := context.WithCancel(ctx)
	en.mu.Lock()
	en.cancels[ec.ExecutionID] = cancel
	en.mu.Unlock()
	defer func() {
		en.mu.Lock()
		delete(en.cancels, ec.ExecutionID)
		en.mu.Unlock()
		cancel()
	}()

	descriptors := make([]StepDescriptor, len(skill.Steps))
	for i, st := range skill.Steps {
		descriptors[i] = StepDescriptor{ID: st.ID, Kind: string(st.Kind), Tool: st.Tool}
	}
	en.emitter.EmitSkillStarted(ec.ExecutionID, skill.Name, resolvedInputs, descriptors)

	failedStepID, runErr := en.runSteps(runCtx, skill, ec)

	durationMs := time.Since(started).Milliseconds()
	stepsCompleted, stepsSkipped, stepsFailed := tallyResults(ec)

	if runCtx.Err() != nil && runErr == nil {
		runErr = errs.New(errs.KindCancelled, "skill execution cancelled")
	}

	if runErr != nil {
		en.emitter.EmitSkillFailed(ec.ExecutionID, skill.Name, runErr.Error(), failedStepID, durationMs, cloneMap(ec.Bindings))
		state := RunFailed
		if errs.AsError(runErr).Kind == errs.KindCancelled {
			state = RunCancelled
		}
		en.recordRun(skill.Name, state, started)
		return RunResult{ExecutionID: ec.ExecutionID, State: state, Outputs: cloneMap(ec.Bindings), Err: runErr}
	}

	outputs, err := renderOutputs(skill.Outputs, ec.scope(nil))
	if err != nil {
		en.emitter.EmitSkillFailed(ec.ExecutionID, skill.Name, err.Error(), "", durationMs, cloneMap(ec.Bindings))
		en.recordRun(skill.Name, RunFailed, started)
		return RunResult{ExecutionID: ec.ExecutionID, State: RunFailed, Err: err}
	}

	_ = stepsFailed
	en.emitter.EmitSkillCompleted(ec.ExecutionID, skill.Name, durationMs, outputs, stepsCompleted, stepsSkipped)
	en.recordRun(skill.Name, RunSucceeded, started)
	return RunResult{ExecutionID: ec.ExecutionID, State: RunSucceeded, Outputs: outputs}
}

// recordRun reports a terminal run state to the configured RunObserver, if any.
func (en *Engine) recordRun(skillName string, state RunState, started time.Time) {
	if en.observer != nil {
		en.observer.RecordSkillRun(skillName, string(state), time.Since(started))
	}
}

// runSteps schedules steps in declaration order, running consecutive
// same-parallel_group steps concurrently, and returns the id of the step
// that caused a fail-policy abort (if any).
func (en *Engine) runSteps(ctx context.Context, skill *Skill, ec *ExecutionContext) (string, error) {
	remaining := append([]Step{}, skill.Steps...)
	var bindMu sync.Mutex

	for len(remaining) > 0 {
		if ctx.Err() != nil {
			return "", nil // cancellation surfaces via ctx.Err() in Run
		}

		batch, rest := nextBatch(remaining, ec)
		remaining = rest

		var wg sync.WaitGroup
		abortStepID := ""
		var abortErr error
		var abortMu sync.Mutex

		for i, step := range batch {
			wg.Add(1)
			go func(index int, st Step) {
				defer wg.Done()
				failStep, err := en.runStep(ctx, skill, ec, st, &bindMu)
				if err != nil {
					abortMu.Lock()
					if abortErr == nil {
						abortErr = err
						abortStepID = failStep
					}
					abortMu.Unlock()
				}
			}(i, step)
		}
		wg.Wait()

		if abortErr != nil {
			return abortStepID, abortErr
		}
	}
	return "", nil
}

// nextBatch pulls the next group of steps ready to execute: the leading
// run of `remaining` sharing the same nonzero parallel_group (or a single
// step when parallel_group is 0), constrained to steps whose dependencies
// are already terminal in ec.StepResults.
func nextBatch(remaining []Step, ec *ExecutionContext) (batch []Step, rest []Step) {
	readyIdx := -1
	for i, st := range remaining {
		if dependenciesSatisfied(st, ec) {
			readyIdx = i
			break
		}
	}
	if readyIdx == -1 {
		// Nothing is ready (cyclic/unsatisfiable depends_on); run the head to
		// make forward progress rather than deadlocking the skill.
		readyIdx = 0
	}

	head := remaining[readyIdx]
	batch = append(batch, head)
	end := readyIdx + 1
	if head.ParallelGroup != 0 {
		for end < len(remaining) {
			next := remaining[end]
			if next.ParallelGroup != head.ParallelGroup || !dependenciesSatisfied(next, ec) {
				break
			}
			batch = append(batch, next)
			end++
		}
	}

	rest = append(append([]Step{}, remaining[:readyIdx]...), remaining[end:]...)
	return batch, rest
}

func dependenciesSatisfied(st Step, ec *ExecutionContext) bool {
	for _, dep := range st.DependsOn {
		if _, ok := ec.StepResults[dep]; !ok {
			return false
		}
	}
	return true
}

// runStep executes a single step (tool, compute, or loop), applying
// condition gating, on_error policy, and confirmation. It returns the
// step id and error when a fail-policy step fails.
func (en *Engine) runStep(ctx context.Context, skill *Skill, ec *ExecutionContext, step Step, bindMu *sync.Mutex) (string, error) {
	// Snapshot the binding scope under the lock: steps in the same
	// parallel_group record results concurrently with this read.
	bindMu.Lock()
	skip := shouldSkip(step, ec)
	scope := ec.scope(nil)
	bindMu.Unlock()

	if skip {
		en.recordResult(ec, bindMu, step, &StepResult{StepID: step.ID, Status: StatusSkipped, SkipReason: "dependency not satisfied"})
		en.emitter.EmitStepSkipped(ec.ExecutionID, step.ID, "dependency not satisfied")
		return "", nil
	}

	conditionTrue, err := evalCondition(step.Condition, scope)
	if err != nil {
		conditionTrue = true // malformed condition defaults to running; parser already validated references
	}
	if !conditionTrue {
		en.recordResult(ec, bindMu, step, &StepResult{StepID: step.ID, Status: StatusSkipped, SkipReason: "condition false"})
		en.emitter.EmitStepSkipped(ec.ExecutionID, step.ID, "condition false")
		return "", nil
	}

	stepIndex := indexOf(skill.Steps, step.ID)
	en.emitter.EmitStepStarted(ec.ExecutionID, step.ID, stepIndex, string(step.Kind), step.Tool, step.Args)

	if step.Confirm != nil {
		timeoutS := step.Confirm.TimeoutS
		if timeoutS <= 0 {
			timeoutS = en.defaultConfirmS
		}
		answer, _ := en.confirmer.AwaitConfirmation(ec.ExecutionID, step.ID, step.Confirm.Message, step.Confirm.Options, step.Confirm.Default, timeoutS)
		bindMu.Lock()
		ec.Bindings[step.ID+"_confirmation"] = answer
		scope[step.ID+"_confirmation"] = answer
		bindMu.Unlock()
		if !confirmationApproved(answer) {
			en.recordResult(ec, bindMu, step, &StepResult{StepID: step.ID, Status: StatusSkipped, SkipReason: "not confirmed"})
			en.emitter.EmitStepSkipped(ec.ExecutionID, step.ID, "not confirmed")
			return "", nil
		}
	}

	start := time.Now()
	result, execErr := en.execute(ctx, ec, step, scope)
	duration := time.Since(start)

	attempt := 0
	retryPolicy := backoff.StepRetryPolicy(en.retryBase, en.retryMax)
	for execErr != nil && step.OnError == OnErrorRetry && attempt < step.RetryN {
		attempt++
		if err := retryPolicy.Wait(ctx, attempt); err != nil {
			execErr = errs.New(errs.KindCancelled, "cancelled during retry backoff")
			break
		}
		start = time.Now()
		result, execErr = en.execute(ctx, ec, step, scope)
		duration = time.Since(start)
	}

	sr := &StepResult{
		StepID:     step.ID,
		DurationMs: duration.Milliseconds(),
		Started:    start,
		Ended:      time.Now(),
		Retries:    attempt,
		RawResult:  result,
		Error:      execErr,
	}

	if execErr != nil {
		sr.Status = StatusFailed
		en.recordResult(ec, bindMu, step, sr)
		en.emitter.EmitStepCompleted(ec.ExecutionID, step.ID, false, sr.DurationMs, nil)
		if step.OnError == OnErrorContinue {
			bindMu.Lock()
			ec.Bindings[step.bindingName()] = map[string]any{"error": execErr.Error()}
			bindMu.Unlock()
			return "", nil
		}
		// fail, and retry once its attempts are exhausted, both abort the skill.
		return step.ID, execErr
	}

	sr.Status = StatusSuccess
	en.recordResult(ec, bindMu, step, sr)
	en.emitter.EmitStepCompleted(ec.ExecutionID, step.ID, true, sr.DurationMs, result)
	return "", nil
}

func (en *Engine) recordResult(ec *ExecutionContext, bindMu *sync.Mutex, step Step, sr *StepResult) {
	bindMu.Lock()
	defer bindMu.Unlock()
	ec.StepResults[step.ID] = sr
	if sr.Status == StatusSuccess {
		ec.Bindings[step.bindingName()] = sr.RawResult
	}
}

// execute dispatches a single attempt of a step's body: a loop repeats the
// body once per element and aggregates results into an ordered list.
func (en *Engine) execute(ctx context.Context, ec *ExecutionContext, step Step, scope map[string]any) (any, error) {
	if step.Kind == StepKindLoop {
		return en.executeLoop(ctx, ec, step, scope)
	}
	return en.executeOnce(ctx, ec, step, scope)
}

func (en *Engine) executeLoop(ctx context.Context, ec *ExecutionContext, step Step, scope map[string]any) (any, error) {
	seq, err := expr.Eval(step.Loop, expr.Scope(scope), en.computeTimeout)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "evaluate loop expression", err)
	}
	items, ok := seq.([]any)
	if !ok {
		return nil, errs.New(errs.KindValidation, "loop expression must evaluate to a sequence")
	}

	results := make([]any, 0, len(items))
	for _, item := range items {
		iterScope := make(map[string]any, len(scope)+1)
		for k, v := range scope {
			iterScope[k] = v
		}
		iterScope[step.LoopVar] = item
		result, err := en.executeOnce(ctx, ec, step, iterScope)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (en *Engine) executeOnce(ctx context.Context, ec *ExecutionContext, step Step, scope map[string]any) (any, error) {
	switch step.Kind {
	case StepKindTool, StepKindLoop:
		tool := step.Tool
		if tool == "" {
			return nil, errs.New(errs.KindValidation, "loop step over a tool requires tool")
		}
		args, err := RenderArgs(step.Args, scope)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "render args", err)
		}

		cacheKey := ""
		if step.CacheTTLS > 0 {
			cacheKey = fmt.Sprintf("%s:%v", tool, args)
			if cached, ok := ec.cacheGet(cacheKey); ok {
				return cached, nil
			}
		}

		ic := &toolregistry.InvocationContext{
			Context:      ctx,
			ToolName:     tool,
			WorkspaceURI: ec.WorkspaceURI,
			SessionID:    ec.SessionID,
			ExecutionID:  ec.ExecutionID,
			StepID:       step.ID,
		}
		result, err := en.registry.Invoke(ic, tool, args)
		if err != nil {
			return nil, err
		}
		if cacheKey != "" {
			ec.cacheSet(cacheKey, result, time.Duration(step.CacheTTLS)*time.Second)
		}
		return result, nil

	case StepKindCompute:
		value, err := expr.Eval(step.Code, expr.Scope(scope), en.computeTimeout)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "evaluate compute step", err)
		}
		return value, nil

	default:
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("unknown step kind %q", step.Kind))
	}
}

func shouldSkip(step Step, ec *ExecutionContext) bool {
	for _, dep := range step.DependsOn {
		sr, ok := ec.StepResults[dep]
		if !ok {
			continue
		}
		if sr.Status == StatusFailed || sr.Status == StatusSkipped {
			if conditionReferences(step.Condition, dep) {
				return false
			}
			return true
		}
	}
	return false
}

var wordBoundary = regexp.MustCompile(`[a-zA-Z0-9_]+`)

func conditionReferences(condition, stepID string) bool {
	if condition == "" {
		return false
	}
	for _, w := range wordBoundary.FindAllString(condition, -1) {
		if w == stepID {
			return true
		}
	}
	return false
}

func evalCondition(condition string, scope map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}
	return expr.EvalBool(condition, expr.Scope(scope), 2*time.Second)
}

// confirmationApproved treats a small set of affirmative tokens as
// proceed-worthy; any other answer (including the conventional "no"
// default) skips the step rather than running it unconfirmed.
func confirmationApproved(answer string) bool {
	switch strings.ToLower(answer) {
	case "yes", "y", "approve", "confirm", "proceed", "ok":
		return true
	default:
		return false
	}
}

func resolveInputs(specs []InputSpec, provided map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(specs))
	for _, spec := range specs {
		v, ok := provided[spec.Name]
		if !ok {
			if spec.Required {
				return nil, errs.New(errs.KindValidation, fmt.Sprintf("missing required input %q", spec.Name))
			}
			v = spec.Default
		}
		if v != nil {
			if err := checkInputType(spec, v); err != nil {
				return nil, err
			}
		}
		if spec.Pattern != "" {
			s, ok := v.(string)
			if !ok {
				return nil, errs.New(errs.KindValidation, fmt.Sprintf("input %q: pattern constraint requires a string", spec.Name))
			}
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return nil, errs.Wrap(errs.KindValidation, fmt.Sprintf("input %q: invalid pattern", spec.Name), err)
			}
			if !re.MatchString(s) {
				return nil, errs.New(errs.KindValidation, fmt.Sprintf("input %q does not match pattern %q", spec.Name, spec.Pattern))
			}
		}
		if len(spec.Enum) > 0 && v != nil {
			valid := false
			for _, e := range spec.Enum {
				if fmt.Sprintf("%v", e) == fmt.Sprintf("%v", v) {
					valid = true
					break
				}
			}
			if !valid {
				return nil, errs.New(errs.KindValidation, fmt.Sprintf("input %q not in enum", spec.Name))
			}
		}
		out[spec.Name] = v
	}
	for k, v := range provided {
		if _, known := out[k]; !known {
			out[k] = v
		}
	}
	return out, nil
}

// checkInputType enforces an InputSpec's declared type against the decoded
// JSON/YAML value shapes.
func checkInputType(spec InputSpec, v any) error {
	ok := true
	switch spec.Type {
	case "", "any":
	case "string":
		_, ok = v.(string)
	case "number":
		switch v.(type) {
		case float64, int, int64:
		default:
			ok = false
		}
	case "boolean":
		_, ok = v.(bool)
	case "object":
		_, ok = v.(map[string]any)
	case "array":
		_, ok = v.([]any)
	default:
		return errs.New(errs.KindValidation, fmt.Sprintf("input %q declares unknown type %q", spec.Name, spec.Type))
	}
	if !ok {
		return errs.New(errs.KindValidation, fmt.Sprintf("input %q must be of type %s", spec.Name, spec.Type))
	}
	return nil
}

func renderOutputs(outputs map[string]any, scope map[string]any) (map[string]any, error) {
	rendered, err := RenderArgs(outputs, scope)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "render outputs", err)
	}
	return rendered, nil
}

func tallyResults(ec *ExecutionContext) (completed, skipped, failed int) {
	for _, sr := range ec.StepResults {
		switch sr.Status {
		case StatusSuccess:
			completed++
		case StatusSkipped:
			skipped++
		case StatusFailed:
			failed++
		}
	}
	return
}

func indexOf(steps []Step, id string) int {
	for i, s := range steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
