package telemetry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc/credentials"
)

const protocolHTTP = "http/protobuf"

// exporters pairs the OTLP span and metric exporters. Either may be nil when
// its constructor failed.
type exporters struct {
	spans   trace.SpanExporter
	metrics sdkmetric.Exporter
}

// newResource avoids resource.Default() so the schema URL never conflicts.
func newResource(cfg *Config) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)
}

func newExporters(ctx context.Context, cfg *Config) (exporters, error) {
	var (
		exp         exporters
		spanErr     error
		metricErr   error
		tlsOverride *tls.Config
	)
	if !cfg.Insecure && cfg.TLSSkipVerify {
		tlsOverride = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}

	if cfg.Protocol == protocolHTTP {
		host := stripScheme(cfg.Endpoint)
		spanOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
		metricOpts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(host),
			otlpmetrichttp.WithTemporalitySelector(cumulative),
		}
		switch {
		case cfg.Insecure:
			spanOpts = append(spanOpts, otlptracehttp.WithInsecure())
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		case tlsOverride != nil:
			spanOpts = append(spanOpts, otlptracehttp.WithTLSClientConfig(tlsOverride))
			metricOpts = append(metricOpts, otlpmetrichttp.WithTLSClientConfig(tlsOverride))
		}
		exp.spans, spanErr = otlptracehttp.New(ctx, spanOpts...)
		exp.metrics, metricErr = otlpmetrichttp.New(ctx, metricOpts...)
	} else {
		spanOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		metricOpts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithTemporalitySelector(cumulative),
		}
		switch {
		case cfg.Insecure:
			spanOpts = append(spanOpts, otlptracegrpc.WithInsecure())
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		case tlsOverride != nil:
			creds := credentials.NewTLS(tlsOverride)
			spanOpts = append(spanOpts, otlptracegrpc.WithTLSCredentials(creds))
			metricOpts = append(metricOpts, otlpmetricgrpc.WithTLSCredentials(creds))
		}
		exp.spans, spanErr = otlptracegrpc.New(ctx, spanOpts...)
		exp.metrics, metricErr = otlpmetricgrpc.New(ctx, metricOpts...)
	}

	if spanErr != nil {
		exp.spans = nil
		spanErr = fmt.Errorf("span exporter: %w", spanErr)
	}
	if metricErr != nil {
		exp.metrics = nil
		metricErr = fmt.Errorf("metric exporter: %w", metricErr)
	}
	return exp, errors.Join(spanErr, metricErr)
}

// cumulative keeps sums monotonic for Prometheus-compatible backends.
func cumulative(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func sampler(rate float64) trace.Sampler {
	switch {
	case rate >= 1:
		return trace.AlwaysSample()
	case rate <= 0:
		return trace.NeverSample()
	default:
		return trace.TraceIDRatioBased(rate)
	}
}

// stripScheme turns a URL into the host:port the OTLP HTTP exporters expect.
func stripScheme(endpoint string) string {
	if i := strings.Index(endpoint, "://"); i >= 0 {
		return endpoint[i+3:]
	}
	return endpoint
}
