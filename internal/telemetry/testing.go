package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans and metrics in memory.
type TestTelemetry struct {
	*Telemetry

	Spans  *tracetest.SpanRecorder
	Reader *sdkmetric.ManualReader
}

func NewTestTelemetry() *TestTelemetry {
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	return &TestTelemetry{
		Telemetry: &Telemetry{
			config:         cfg,
			registry:       prometheus.NewRegistry(),
			tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(spans)),
			meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		Spans:  spans,
		Reader: reader,
	}
}

// Install sets the recording providers as the globals. Package tracers bind
// to the first global provider they see, so install once per test binary.
func (t *TestTelemetry) Install() {
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetMeterProvider(t.meterProvider)
}

// Span returns the first ended span with the given name.
func (t *TestTelemetry) Span(name string) (trace.ReadOnlySpan, bool) {
	for _, s := range t.Spans.Ended() {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// RequireSpan fails the test unless a span named name has ended, and
// returns its attributes as plain values.
func (t *TestTelemetry) RequireSpan(tb testing.TB, name string) map[string]any {
	tb.Helper()
	s, ok := t.Span(name)
	if !ok {
		var seen []string
		for _, e := range t.Spans.Ended() {
			seen = append(seen, e.Name())
		}
		tb.Fatalf("span %q not recorded; ended spans: %v", name, seen)
	}
	attrs := make(map[string]any, len(s.Attributes()))
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	return attrs
}

// Metric collects the current state and returns the named instrument.
func (t *TestTelemetry) Metric(tb testing.TB, name string) (metricdata.Metrics, bool) {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := t.Reader.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collect metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}
