package embeddings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/newsrag/internal/telemetry"
)

func TestMetrics_Track(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := NewMetrics(tel.Meter("embeddings-test"), "jina-embeddings-v3")
	ctx := context.Background()

	var ok error
	m.track(ctx, opQuery, 1)(&ok)
	failed := errors.New("gateway down")
	m.track(ctx, opDocuments, 10)(&failed)

	dur, found := tel.Metric(t, "newsrag.embedding.duration_seconds")
	require.True(t, found)
	var calls uint64
	for _, dp := range dur.Data.(metricdata.Histogram[float64]).DataPoints {
		calls += dp.Count
		model, _ := dp.Attributes.Value("model")
		assert.Equal(t, "jina-embeddings-v3", model.AsString())
	}
	assert.Equal(t, uint64(2), calls)

	batch, found := tel.Metric(t, "newsrag.embedding.batch_size")
	require.True(t, found)
	var texts int64
	for _, dp := range batch.Data.(metricdata.Histogram[int64]).DataPoints {
		texts += dp.Sum
	}
	assert.Equal(t, int64(11), texts)

	errs, found := tel.Metric(t, "newsrag.embedding.errors_total")
	require.True(t, found)
	points := errs.Data.(metricdata.Sum[int64]).DataPoints
	require.Len(t, points, 1)
	assert.Equal(t, int64(1), points[0].Value)
	op, _ := points[0].Attributes.Value("operation")
	assert.Equal(t, opDocuments, op.AsString())
}
