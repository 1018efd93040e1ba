package embeddings

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/newsrag/internal/embeddings"

	opDocuments = "embed_documents"
	opQuery     = "embed_query"
)

// Metrics records embedding calls made for one model.
type Metrics struct {
	model    attribute.KeyValue
	latency  metric.Float64Histogram
	batch    metric.Int64Histogram
	failures metric.Int64Counter
}

// NewMetrics registers the embedding instruments on meter. A nil meter
// uses the global provider.
func NewMetrics(meter metric.Meter, model string) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{model: attribute.String("model", model)}

	var errLatency, errBatch, errFailures error
	m.latency, errLatency = meter.Float64Histogram("newsrag.embedding.duration_seconds",
		metric.WithDescription("Embedding call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.02, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30),
	)
	m.batch, errBatch = meter.Int64Histogram("newsrag.embedding.batch_size",
		metric.WithDescription("Texts sent per embedding call"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 4, 16, 32, 64, 128, 256),
	)
	m.failures, errFailures = meter.Int64Counter("newsrag.embedding.errors_total",
		metric.WithDescription("Embedding calls that returned an error"),
		metric.WithUnit("{error}"),
	)
	if err := errors.Join(errLatency, errBatch, errFailures); err != nil {
		otel.Handle(err)
	}
	return m
}

// track starts timing one call. The returned func records it:
//
//	defer p.metrics.track(ctx, opQuery, 1)(&err)
func (m *Metrics) track(ctx context.Context, op string, texts int) func(*error) {
	start := time.Now()
	return func(errp *error) {
		attrs := metric.WithAttributes(m.model, attribute.String("operation", op))
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if m.batch != nil && texts > 0 {
			m.batch.Record(ctx, int64(texts), attrs)
		}
		if m.failures != nil && errp != nil && *errp != nil {
			m.failures.Add(ctx, 1, attrs)
		}
	}
}
