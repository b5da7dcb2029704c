package tracing

import (
	"context"
	"errors"
	"os"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withTestTracer installs an in-memory tracer provider for the test.
func withTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{"with SERVICE_VERSION set", "v1.2.3", "v1.2.3"},
		{"with SERVICE_VERSION not set", "", "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv("SERVICE_VERSION", tt.envValue)
				defer os.Unsetenv("SERVICE_VERSION")
			} else {
				os.Unsetenv("SERVICE_VERSION")
			}

			if got := getVersion(); got != tt.expected {
				t.Errorf("getVersion() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{"default", "", "tempo:4318"},
		{"plain host:port", "collector:4318", "collector:4318"},
		{"strips http scheme", "http://collector:4318", "collector:4318"},
		{"strips https scheme", "https://collector:4318", "collector:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)
				defer os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")
			} else {
				os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")
			}

			if got := getOTLPEndpoint(); got != tt.expected {
				t.Errorf("getOTLPEndpoint() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestStartSpanRecordsAttributes(t *testing.T) {
	recorder := withTestTracer(t)

	ctx, span := StartSpan(context.Background(), "dispatch.sweep",
		attribute.String("delivery_id", "d1"),
	)
	if GetTraceID(ctx) == "" {
		t.Error("GetTraceID() empty inside active span")
	}
	AddSpanEvent(ctx, "http.send_webhook")
	SetSpanError(ctx, errors.New("boom"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name() != "dispatch.sweep" {
		t.Errorf("span name = %q", got.Name())
	}
	foundAttr := false
	for _, kv := range got.Attributes() {
		if kv.Key == "delivery_id" && kv.Value.AsString() == "d1" {
			foundAttr = true
		}
	}
	if !foundAttr {
		t.Error("delivery_id attribute missing")
	}
	foundEvent := false
	for _, ev := range got.Events() {
		if ev.Name == "http.send_webhook" {
			foundEvent = true
		}
	}
	if !foundEvent {
		t.Error("http.send_webhook event missing")
	}
	if got.Status().Description != "boom" {
		t.Errorf("span status = %+v, want error boom", got.Status())
	}
}

func TestGetTraceIDWithoutSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() = %q, want empty", id)
	}
}

func TestWakePropagationRoundTrip(t *testing.T) {
	withTestTracer(t)

	ctx, span := StartSpan(context.Background(), "fanout.event")
	defer span.End()
	want := GetTraceID(ctx)
	if want == "" {
		t.Fatal("no trace id on source context")
	}

	headers := PropagateToWake(ctx)
	if len(headers) == 0 {
		t.Fatal("PropagateToWake() returned no headers")
	}

	restored := ExtractFromWake(context.Background(), headers)
	_, child := StartSpan(restored, "dispatch.sweep")
	defer child.End()
	if got := child.SpanContext().TraceID().String(); got != want {
		t.Errorf("restored trace id = %q, want %q", got, want)
	}
}

func TestExtractFromWakeEmptyHeaders(t *testing.T) {
	withTestTracer(t)
	ctx := ExtractFromWake(context.Background(), nil)
	if GetTraceID(ctx) != "" {
		t.Error("empty headers produced a trace id")
	}
}
