// Package telemetry configures OpenTelemetry tracing for the runtime.
//
// Custom span attributes use the `km.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "hexley.dev/kmd"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP
// gRPC exporter. An empty endpoint disables tracing (noop provider).
// Returns a shutdown function that must be called on exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("kmd"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartTriggerSpan creates the parent span for processing one trigger.
func StartTriggerSpan(ctx context.Context, triggerID, agent, priority string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "trigger.process",
		trace.WithAttributes(
			attribute.String("km.trigger_id", triggerID),
			attribute.String("km.agent", agent),
			attribute.String("km.priority", priority),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartInvokeSpan creates a child span for the agent subprocess.
func StartInvokeSpan(ctx context.Context, agent string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.invoke",
		trace.WithAttributes(
			attribute.String("km.agent", agent),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndInvokeSpan enriches the invoke span with the outcome.
func EndInvokeSpan(span trace.Span, exitCode int, partial bool) {
	span.SetAttributes(
		attribute.Int("km.exit_code", exitCode),
		attribute.Bool("km.partial", partial),
	)
	span.End()
}

// StartToolCallSpan creates a span for one JSON-RPC tool call.
func StartToolCallSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "km.tool_call",
		trace.WithAttributes(
			attribute.String("km.method", method),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartRuleSpan creates a span for one ambient rule evaluation that fired.
func StartRuleSpan(ctx context.Context, rule string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "ambient.rule",
		trace.WithAttributes(
			attribute.String("km.rule", rule),
		),
	)
}
