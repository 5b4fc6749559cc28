package tracing

import (
	"github.com/devflow/core/internal/toolregistry"
)

// ToolSpanDecorator is the `trace` default decorator: it opens one span
// per tool invocation, threads the span context to the tool's Fn, and
// records the invocation's error on the span.
type ToolSpanDecorator struct {
	Tracer *Tracer
}

// Name implements toolregistry.Decorator.
func (d *ToolSpanDecorator) Name() string { return "trace" }

// Invoke implements toolregistry.Decorator.
func (d *ToolSpanDecorator) Invoke(ic *toolregistry.InvocationContext, args map[string]any, next func(map[string]any) (any, error)) (any, error) {
	if d.Tracer == nil {
		return next(args)
	}
	ctx, span := d.Tracer.TraceToolInvocation(ic.Context, ic.ToolName, ic.WorkspaceURI, ic.ExecutionID, ic.StepID)
	defer span.End()

	// Each InvocationContext belongs to exactly one invocation; swapping
	// its context in place propagates the span to the tool's Fn.
	prev := ic.Context
	ic.Context = ctx
	result, err := next(args)
	ic.Context = prev

	if err != nil {
		d.Tracer.RecordError(span, err)
	}
	return result, err
}
