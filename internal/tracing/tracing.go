// Package tracing provides distributed tracing over OpenTelemetry: one
// span per tool invocation, skill run, and scheduled job, exported to an
// OTLP collector when one is configured and a no-op otherwise.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry tracer with the span helpers the core's
// components use. Spans represent individual operations (tool invocations
// and skill runs); attributes carry the workspace/execution
// identity so a skill run's tool calls group under one trace.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   Config
}

// Config configures tracing behavior.
type Config struct {
	// ServiceName identifies this process in traces.
	ServiceName string

	// ServiceVersion identifies the build.
	ServiceVersion string

	// Environment names the deployment environment (production, dev).
	Environment string

	// Endpoint is the OTLP collector endpoint (e.g. "localhost:4317").
	// Empty disables export; spans become no-ops.
	Endpoint string

	// SamplingRate controls what fraction of traces are recorded, 0.0 to
	// 1.0. Defaults to 1.0.
	SamplingRate float64

	// EnableInsecure disables TLS for the OTLP connection.
	EnableInsecure bool
}

// New creates a Tracer and returns it with a shutdown function the server
// calls on exit. With no endpoint configured, the returned tracer records
// nothing and shutdown is a no-op.
func New(config Config) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "devflow-core"
	}
	if config.Endpoint == "" {
		return &Tracer{
			tracer: otel.Tracer(config.ServiceName),
			config: config,
		}, func(context.Context) error { return nil }
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(opts...),
	)
	if err != nil {
		// Exporter construction failure degrades to a no-op tracer.
		return &Tracer{
			tracer: otel.Tracer(config.ServiceName),
			config: config,
		}, func(context.Context) error { return nil }
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
		config:   config,
	}
	return t, provider.Shutdown
}

// Start creates a new span and returns a context carrying it. The caller
// ends the span when the operation completes.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	var options []trace.SpanStartOption
	if len(attrs) > 0 {
		options = append(options, trace.WithAttributes(attrs...))
	}
	return t.tracer.Start(ctx, name, options...)
}

// RecordError records err on the span and marks the span status as error.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceToolInvocation opens a span for one Registry.Invoke call.
func (t *Tracer) TraceToolInvocation(ctx context.Context, toolName, workspaceURI, executionID, stepID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("tool.name", toolName),
	}
	if workspaceURI != "" {
		attrs = append(attrs, attribute.String("workspace.uri", workspaceURI))
	}
	if executionID != "" {
		attrs = append(attrs, attribute.String("skill.execution_id", executionID))
	}
	if stepID != "" {
		attrs = append(attrs, attribute.String("skill.step_id", stepID))
	}
	return t.Start(ctx, fmt.Sprintf("tool.%s", toolName), attrs...)
}

// TraceSkillRun opens a span covering one full skill execution. MCP-driven
// runs arrive through the skill_run tool and already get a root span from
// the tool decorator; this is for scheduled runs, which have no enclosing
// invocation.
func (t *Tracer) TraceSkillRun(ctx context.Context, skillName, sessionID string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("skill.%s", skillName),
		attribute.String("skill.name", skillName),
		attribute.String("session.id", sessionID),
	)
}

// GetTraceID returns the active trace id from ctx, or "" when no trace is
// recording.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
