package tracing

import (
	"context"
	"testing"

	"github.com/devflow/core/internal/errs"
	"github.com/devflow/core/internal/toolregistry"
)

func TestNewWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := New(Config{ServiceName: "devflow-test"})
	defer shutdown(context.Background()) //nolint:errcheck

	ctx, span := tracer.TraceToolInvocation(context.Background(), "t_echo", "ws1", "exec1", "a")
	defer span.End()

	if GetTraceID(ctx) != "" {
		t.Fatal("expected no recorded trace without an endpoint")
	}
}

func TestToolSpanDecoratorPassesThroughResult(t *testing.T) {
	tracer, shutdown := New(Config{ServiceName: "devflow-test"})
	defer shutdown(context.Background()) //nolint:errcheck

	d := &ToolSpanDecorator{Tracer: tracer}
	ic := &toolregistry.InvocationContext{Context: context.Background(), ToolName: "t_echo", ExecutionID: "exec1"}

	result, err := d.Invoke(ic, map[string]any{"msg": "hi"}, func(args map[string]any) (any, error) {
		return args["msg"], nil
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result != "hi" {
		t.Fatalf("expected hi, got %v", result)
	}
	if ic.Context != context.Background() {
		t.Fatal("expected the invocation context to be restored after the call")
	}
}

func TestToolSpanDecoratorPropagatesError(t *testing.T) {
	tracer, shutdown := New(Config{ServiceName: "devflow-test"})
	defer shutdown(context.Background()) //nolint:errcheck

	d := &ToolSpanDecorator{Tracer: tracer}
	ic := &toolregistry.InvocationContext{Context: context.Background(), ToolName: "t_boom"}

	wantErr := errs.New(errs.KindIO, "disk full")
	_, err := d.Invoke(ic, nil, func(map[string]any) (any, error) {
		return nil, wantErr
	})
	if err != wantErr {
		t.Fatalf("expected the tool error back, got %v", err)
	}
}

func TestNilTracerDecoratorIsTransparent(t *testing.T) {
	d := &ToolSpanDecorator{}
	ic := &toolregistry.InvocationContext{Context: context.Background(), ToolName: "t_echo"}
	result, err := d.Invoke(ic, map[string]any{"msg": "x"}, func(args map[string]any) (any, error) {
		return args["msg"], nil
	})
	if err != nil || result != "x" {
		t.Fatalf("expected pass-through, got %v/%v", result, err)
	}
}
