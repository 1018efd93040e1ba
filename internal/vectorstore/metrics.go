package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Index call metrics, labelled by provider (qdrant, chromem) and operation
// (ensure_collection, upsert, search).
var (
	opLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "newsrag",
		Subsystem: "vectorstore",
		Name:      "operation_duration_seconds",
		Help:      "Latency of vector index calls.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"provider", "operation"})

	opFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "newsrag",
		Subsystem: "vectorstore",
		Name:      "errors_total",
		Help:      "Vector index calls that returned an error.",
	}, []string{"provider", "operation"})

	pointsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "newsrag",
		Subsystem: "vectorstore",
		Name:      "points_upserted_total",
		Help:      "Article points written to the index.",
	}, []string{"provider"})
)

func observe(provider, operation string, start time.Time, err error) {
	opLatency.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		opFailures.WithLabelValues(provider, operation).Inc()
	}
}
