package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Telemetry owns the process meter and tracer providers.
//
// Metrics are always collected into a private Prometheus registry served on
// /metrics. Tracing and OTLP metric push only start when enabled. A failing
// OTLP exporter leaves the instance degraded but usable.
type Telemetry struct {
	config   *Config
	registry *prometheus.Registry

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	mu      sync.Mutex
	lastErr error
}

// New builds the providers and installs them as the OpenTelemetry globals.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{config: cfg, registry: prometheus.NewRegistry()}
	res := newResource(cfg)

	scrape, err := otelprom.New(
		otelprom.WithRegisterer(t.registry),
		otelprom.WithoutTargetInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("prometheus bridge: %w", err)
	}
	readers := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithReader(scrape)}

	if cfg.Enabled {
		exp, err := newExporters(ctx, cfg)
		if exp.metrics != nil {
			readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp.metrics,
				sdkmetric.WithInterval(cfg.ExportInterval.Duration()))))
		}
		if exp.spans != nil {
			t.tracerProvider = trace.NewTracerProvider(
				trace.WithBatcher(exp.spans),
				trace.WithResource(res),
				trace.WithSampler(trace.ParentBased(sampler(cfg.SampleRate))),
			)
			otel.SetTracerProvider(t.tracerProvider)
		}
		if err != nil {
			t.fail(err)
		}
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	t.meterProvider = sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(t.meterProvider)
	return t, nil
}

// Registry holds the bridged OpenTelemetry instruments in Prometheus form.
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.registry
}

func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Shutdown flushes pending spans and metrics. Without a deadline on ctx the
// configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.config != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownAfter.Duration())
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		errs = append(errs, wrap("tracer provider", t.tracerProvider.Shutdown(ctx)))
	}
	if t.meterProvider != nil {
		errs = append(errs, wrap("meter provider", t.meterProvider.Shutdown(ctx)))
	}
	return errors.Join(errs...)
}

// Degraded reports whether an OTLP exporter failed to start.
func (t *Telemetry) Degraded() (bool, error) {
	if t == nil {
		return false, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr != nil, t.lastErr
}

func (t *Telemetry) fail(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s shutdown: %w", what, err)
}
