package vectorstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/newsrag/internal/embeddings/embeddingstest"
)

const testDim = 64

var corpus = []Payload{
	{Title: "Central bank raises rates", URL: "https://news.test/rates", PublishedAt: "2025-01-02T10:00:00Z",
		Content: "The central bank raised interest rates by half a point to fight inflation."},
	{Title: "Storm hits coast", URL: "https://news.test/storm", PublishedAt: "2025-01-03T08:00:00Z",
		Content: "A hurricane made landfall overnight flooding coastal towns and cutting power."},
	{Title: "Team wins final", URL: "https://news.test/final", PublishedAt: "2025-01-04T21:00:00Z",
		Content: "The underdog football club won the championship final after penalties."},
	{Title: "New telescope images", URL: "https://news.test/telescope", PublishedAt: "2025-01-05T12:00:00Z",
		Content: "Astronomers released telescope images of a distant galaxy cluster."},
}

func newTestChromem(t *testing.T) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex(ChromemConfig{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func corpusPoints(emb *embeddingstest.HashEmbedder) []Point {
	points := make([]Point, 0, len(corpus))
	for i, p := range corpus {
		points = append(points, Point{
			ID:      fmt.Sprintf("article-%d", i),
			Vector:  emb.Vector(p.Content),
			Payload: p,
		})
	}
	return points
}

func TestChromemIndex_RoundTripRanksOwnArticleFirst(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)
	emb := embeddingstest.New(testDim)

	require.NoError(t, idx.EnsureCollection(ctx, "news_articles", testDim, Cosine))
	require.NoError(t, idx.Upsert(ctx, "news_articles", corpusPoints(emb)))

	for i, p := range corpus {
		hits, err := idx.Search(ctx, "news_articles", emb.Vector(p.Content), 3)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, fmt.Sprintf("article-%d", i), hits[0].ID)
		assert.Equal(t, p, hits[0].Payload)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-4)
		assert.LessOrEqual(t, len(hits), 3)
		for j := 1; j < len(hits); j++ {
			assert.GreaterOrEqual(t, hits[j-1].Score, hits[j].Score, "hits must be ordered by descending score")
		}
	}
}

func TestChromemIndex_UpsertReplacesByID(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)
	emb := embeddingstest.New(testDim)
	require.NoError(t, idx.EnsureCollection(ctx, "news_articles", testDim, Cosine))

	first := Point{ID: "a", Vector: emb.Vector("old text"), Payload: Payload{Title: "old", Content: "old text"}}
	second := Point{ID: "a", Vector: emb.Vector("new text"), Payload: Payload{Title: "new", Content: "new text"}}
	require.NoError(t, idx.Upsert(ctx, "news_articles", []Point{first}))
	require.NoError(t, idx.Upsert(ctx, "news_articles", []Point{second}))

	hits, err := idx.Search(ctx, "news_articles", emb.Vector("new text"), 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "new", hits[0].Payload.Title)
}

func TestChromemIndex_WrongDimensionInBatchFails(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)
	emb := embeddingstest.New(testDim)
	require.NoError(t, idx.EnsureCollection(ctx, "news_articles", testDim, Cosine))

	points := corpusPoints(emb)[:3]
	points[1].Vector = make([]float32, testDim-1)

	err := idx.Upsert(ctx, "news_articles", points)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestChromemIndex_EmptyCollectionSearch(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)
	emb := embeddingstest.New(testDim)

	hits, err := idx.Search(ctx, "missing", emb.Vector("anything"), 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, idx.EnsureCollection(ctx, "news_articles", testDim, Cosine))
	hits, err = idx.Search(ctx, "news_articles", emb.Vector("anything"), 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemIndex_TopKLargerThanCollection(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)
	emb := embeddingstest.New(testDim)
	require.NoError(t, idx.EnsureCollection(ctx, "news_articles", testDim, Cosine))
	require.NoError(t, idx.Upsert(ctx, "news_articles", corpusPoints(emb)))

	hits, err := idx.Search(ctx, "news_articles", emb.Vector("rates"), 100)
	require.NoError(t, err)
	assert.Len(t, hits, len(corpus))
}

func TestChromemIndex_EnsureCollection(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent", func(t *testing.T) {
		idx := newTestChromem(t)
		require.NoError(t, idx.EnsureCollection(ctx, "news_articles", testDim, Cosine))
		require.NoError(t, idx.EnsureCollection(ctx, "news_articles", testDim, Cosine))
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		idx := newTestChromem(t)
		require.NoError(t, idx.EnsureCollection(ctx, "news_articles", testDim, Cosine))
		err := idx.EnsureCollection(ctx, "news_articles", testDim*2, Cosine)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("invalid name", func(t *testing.T) {
		idx := newTestChromem(t)
		err := idx.EnsureCollection(ctx, "News-Articles", testDim, Cosine)
		assert.ErrorIs(t, err, ErrInvalidCollectionName)
	})

	t.Run("zero dimension", func(t *testing.T) {
		idx := newTestChromem(t)
		err := idx.EnsureCollection(ctx, "news_articles", 0, Cosine)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("persisted collection keeps its dimension", func(t *testing.T) {
		dir := t.TempDir()
		emb := embeddingstest.New(testDim)

		first, err := NewChromemIndex(ChromemConfig{Path: dir}, nil)
		require.NoError(t, err)
		require.NoError(t, first.EnsureCollection(ctx, "news_articles", testDim, Cosine))
		require.NoError(t, first.Upsert(ctx, "news_articles", corpusPoints(emb)))

		reopened, err := NewChromemIndex(ChromemConfig{Path: dir}, nil)
		require.NoError(t, err)
		require.NoError(t, reopened.EnsureCollection(ctx, "news_articles", testDim, Cosine))
		hits, err := reopened.Search(ctx, "news_articles", emb.Vector(corpus[0].Content), 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "article-0", hits[0].ID)

		again, err := NewChromemIndex(ChromemConfig{Path: dir}, nil)
		require.NoError(t, err)
		err = again.EnsureCollection(ctx, "news_articles", testDim/2, Cosine)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("empty persisted collection adopts requested dimension", func(t *testing.T) {
		dir := t.TempDir()
		first, err := NewChromemIndex(ChromemConfig{Path: dir}, nil)
		require.NoError(t, err)
		require.NoError(t, first.EnsureCollection(ctx, "news_articles", testDim, Cosine))

		reopened, err := NewChromemIndex(ChromemConfig{Path: dir}, nil)
		require.NoError(t, err)
		require.NoError(t, reopened.EnsureCollection(ctx, "news_articles", testDim*2, Cosine))

		emb := embeddingstest.New(testDim)
		err = reopened.Upsert(ctx, "news_articles", corpusPoints(emb))
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func TestChromemIndex_UpsertWithoutCollection(t *testing.T) {
	idx := newTestChromem(t)
	err := idx.Upsert(context.Background(), "news_articles", corpusPoints(embeddingstest.New(testDim)))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestChromemIndex_EmptyIDRejected(t *testing.T) {
	ctx := context.Background()
	idx := newTestChromem(t)
	require.NoError(t, idx.EnsureCollection(ctx, "news_articles", testDim, Cosine))
	err := idx.Upsert(ctx, "news_articles", []Point{{Vector: make([]float32, testDim)}})
	assert.ErrorIs(t, err, ErrInvalidPoint)
}
