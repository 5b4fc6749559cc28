package toolregistry

import (
	"errors"
	"testing"

	"github.com/devflow/core/internal/errs"
)

func echoTool(name string, protected bool) Tool {
	return Tool{
		Name:   name,
		Module: "core",
		Fn: func(ic *InvocationContext, args map[string]any) (any, error) {
			return args["msg"], nil
		},
		Protected: protected,
	}
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	r := New()
	if err := r.Register(echoTool("t_echo", false)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register(echoTool("t_echo", false))
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestUnregisterProtectedFails(t *testing.T) {
	r := New()
	_ = r.Register(echoTool("persona_load", true))
	err := r.Unregister("persona_load")
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.KindProtected {
		t.Fatalf("expected protected, got %v", err)
	}
}

func TestUnregisterUnknownNotFound(t *testing.T) {
	r := New()
	err := r.Unregister("nope")
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestInvokeUnknownToolNotFound(t *testing.T) {
	r := New()
	_, err := r.Invoke(&InvocationContext{}, "missing", nil)
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestInvokeReturnsResult(t *testing.T) {
	r := New()
	_ = r.Register(echoTool("t_echo", false))
	result, err := r.Invoke(&InvocationContext{ToolName: "t_echo"}, "t_echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result != "hi" {
		t.Fatalf("expected hi, got %v", result)
	}
}

func TestInvokeValidatesSchema(t *testing.T) {
	r := New()
	tool := echoTool("t_strict", false)
	tool.Schema = []byte(`{"type":"object","required":["msg"],"properties":{"msg":{"type":"string"}}}`)
	_ = r.Register(tool)

	_, err := r.Invoke(&InvocationContext{ToolName: "t_strict"}, "t_strict", map[string]any{})
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestInvokeRecoversPanicAsInternal(t *testing.T) {
	r := New()
	_ = r.Register(Tool{
		Name:   "t_panics",
		Module: "core",
		Fn: func(ic *InvocationContext, args map[string]any) (any, error) {
			panic("boom")
		},
	})
	_, err := r.Invoke(&InvocationContext{ToolName: "t_panics"}, "t_panics", nil)
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.KindInternal {
		t.Fatalf("expected internal, got %v", err)
	}
}

type recordingDecorator struct {
	order *[]string
	name  string
}

func (d *recordingDecorator) Name() string { return d.name }

func (d *recordingDecorator) Invoke(ic *InvocationContext, args map[string]any, next func(map[string]any) (any, error)) (any, error) {
	*d.order = append(*d.order, d.name+":before")
	res, err := next(args)
	*d.order = append(*d.order, d.name+":after")
	return res, err
}

func TestDecoratorChainOutsideIn(t *testing.T) {
	r := New()
	var order []string
	tool := echoTool("t_chain", false)
	tool.Decorators = []Decorator{
		&recordingDecorator{order: &order, name: "outer"},
		&recordingDecorator{order: &order, name: "inner"},
	}
	_ = r.Register(tool)

	_, err := r.Invoke(&InvocationContext{ToolName: "t_chain"}, "t_chain", map[string]any{"msg": "x"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	want := []string{"outer:before", "inner:before", "inner:after", "outer:after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDefaultDecoratorsWrapEveryTool(t *testing.T) {
	var order []string
	r := New(WithDefaultDecorators(&recordingDecorator{order: &order, name: "default"}))
	tool := echoTool("t_wrapped", false)
	tool.Decorators = []Decorator{&recordingDecorator{order: &order, name: "own"}}
	_ = r.Register(tool)

	if _, err := r.Invoke(&InvocationContext{ToolName: "t_wrapped"}, "t_wrapped", map[string]any{"msg": "x"}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	want := []string{"default:before", "own:before", "own:after", "default:after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

type retryOnceRemediator struct{}

func (retryOnceRemediator) ClassifyAndRemediate(ic *InvocationContext, args map[string]any, err error) (bool, error) {
	return true, errs.Wrap(errs.KindNetwork, "no route to host", err)
}

type recordingHealSink struct {
	events []string
}

func (s *recordingHealSink) EmitAutoHealTriggered(executionID, stepID, failureType, action string, retryCount, maxRetries int) {
	s.events = append(s.events, failureType+"/"+action)
}

func TestAutoHealDecoratorRetriesOnceAndEmits(t *testing.T) {
	sink := &recordingHealSink{}
	r := New(WithDefaultDecorators(&AutoHealDecorator{Remediator: retryOnceRemediator{}, Events: sink}))

	calls := 0
	_ = r.Register(Tool{
		Name:   "t_net",
		Module: "dev",
		Fn: func(ic *InvocationContext, args map[string]any) (any, error) {
			calls++
			if calls == 1 {
				return nil, errs.New(errs.KindNetwork, "no route to host")
			}
			return 42, nil
		},
	})

	result, err := r.Invoke(&InvocationContext{ToolName: "t_net", ExecutionID: "exec1", StepID: "a"}, "t_net", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result != 42 {
		t.Fatalf("expected retried result 42, got %v", result)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", calls)
	}
	if len(sink.events) != 1 || sink.events[0] != "network/network_fix" {
		t.Fatalf("expected one auto_heal_triggered event, got %v", sink.events)
	}
}

func TestReplaceModulesAtomicSwap(t *testing.T) {
	r := New()
	_ = r.Register(echoTool("core_tool", true))
	_ = r.Register(Tool{Name: "dev_tool", Module: "dev", Fn: func(ic *InvocationContext, a map[string]any) (any, error) { return nil, nil }})

	err := r.ReplaceModules([]string{"dev"}, []Tool{
		{Name: "devops_tool", Module: "devops", Fn: func(ic *InvocationContext, a map[string]any) (any, error) { return nil, nil }},
	})
	if err != nil {
		t.Fatalf("ReplaceModules: %v", err)
	}
	if _, ok := r.Get("dev_tool"); ok {
		t.Fatal("expected dev_tool removed")
	}
	if _, ok := r.Get("core_tool"); !ok {
		t.Fatal("expected protected core_tool to remain")
	}
	if _, ok := r.Get("devops_tool"); !ok {
		t.Fatal("expected devops_tool installed")
	}
}

func TestReplaceModulesConflictLeavesUnchanged(t *testing.T) {
	r := New()
	_ = r.Register(echoTool("existing", false))

	err := r.ReplaceModules(nil, []Tool{echoTool("existing", false)})
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(r.List(Filter{})) != 1 {
		t.Fatalf("expected registry unchanged, got %d tools", len(r.List(Filter{})))
	}
}
