package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs an in-memory span exporter for test assertions.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTraceProviderNoopWhenEmpty(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Should be a no-op shutdown
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestStartTriggerSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartTriggerSpan(ctx, "high_1756000000000_abcd", "builder", "high")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "trigger.process" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "trigger.process")
	}

	attrs := spans[0].Attributes
	foundAgent := false
	foundPriority := false
	for _, a := range attrs {
		if string(a.Key) == "km.agent" && a.Value.AsString() == "builder" {
			foundAgent = true
		}
		if string(a.Key) == "km.priority" && a.Value.AsString() == "high" {
			foundPriority = true
		}
	}
	if !foundAgent {
		t.Error("missing km.agent attribute")
	}
	if !foundPriority {
		t.Error("missing km.priority attribute")
	}
}

func TestInvokeSpanOutcome(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartInvokeSpan(ctx, "builder")
	EndInvokeSpan(span, 2, true)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "agent.invoke" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "agent.invoke")
	}

	attrs := spans[0].Attributes
	foundExit := false
	foundPartial := false
	for _, a := range attrs {
		if string(a.Key) == "km.exit_code" && a.Value.AsInt64() == 2 {
			foundExit = true
		}
		if string(a.Key) == "km.partial" && a.Value.AsBool() {
			foundPartial = true
		}
	}
	if !foundExit {
		t.Error("missing km.exit_code attribute")
	}
	if !foundPartial {
		t.Error("missing km.partial attribute")
	}
}

func TestStartToolCallSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartToolCallSpan(context.Background(), "submit_trigger")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "km.tool_call" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "km.tool_call")
	}
}

func TestNestedSpans(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	ctx, triggerSpan := StartTriggerSpan(ctx, "id", "builder", "medium")
	_, invokeSpan := StartInvokeSpan(ctx, "builder")
	EndInvokeSpan(invokeSpan, 0, false)
	triggerSpan.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	// The invoke span ends first and must be a child of the trigger span.
	invokeStub := spans[0]
	triggerStub := spans[1]

	if invokeStub.Parent.TraceID() != triggerStub.SpanContext.TraceID() {
		t.Error("invoke span should share trace ID with trigger span")
	}
	if !invokeStub.Parent.SpanID().IsValid() {
		t.Error("invoke span should have a valid parent span ID")
	}
}
