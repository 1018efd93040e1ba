package ingestion

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/newsrag/internal/embeddings"
	"github.com/fyrsmithlabs/newsrag/internal/logging"
	"github.com/fyrsmithlabs/newsrag/internal/vectorstore"
)

var tracer = otel.Tracer("newsrag.ingestion")

// ErrVectorCountMismatch is returned when the embedder returns a different
// number of vectors than it was given texts.
var ErrVectorCountMismatch = errors.New("embedding count does not match article count")

// IndexerConfig configures an Indexer.
type IndexerConfig struct {
	Collection string

	// Dimension of the collection. Zero takes the length of the first
	// embedding.
	Dimension uint64

	// BatchSize is the number of texts per embedding request. Default: 64
	BatchSize int
}

// Indexer embeds articles and upserts them into a collection.
type Indexer struct {
	embedder embeddings.Embedder
	index    vectorstore.Index
	config   IndexerConfig
	logger   *logging.Logger
}

// NewIndexer creates an Indexer.
func NewIndexer(embedder embeddings.Embedder, index vectorstore.Index, cfg IndexerConfig, logger *logging.Logger) (*Indexer, error) {
	if err := vectorstore.ValidateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 64
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Indexer{
		embedder: embedder,
		index:    index,
		config:   cfg,
		logger:   logger.Named("ingestion.indexer"),
	}, nil
}

// Index embeds and stores articles, returning how many were written.
func (ix *Indexer) Index(ctx context.Context, articles []Article) (n int, err error) {
	ctx, span := tracer.Start(ctx, "ingestion.index")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "index failed")
		}
		span.End()
	}()
	span.SetAttributes(attribute.Int("articles", len(articles)))

	if len(articles) == 0 {
		return 0, nil
	}

	vectors := make([][]float32, 0, len(articles))
	for start := 0; start < len(articles); start += ix.config.BatchSize {
		batch := articles[start:min(start+ix.config.BatchSize, len(articles))]
		texts := make([]string, len(batch))
		for i, a := range batch {
			texts[i] = a.Content
		}
		vecs, err := ix.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embedding articles %d-%d: %w", start, start+len(batch), err)
		}
		vectors = append(vectors, vecs...)
	}
	if len(vectors) != len(articles) {
		return 0, fmt.Errorf("%w: %d vectors for %d articles", ErrVectorCountMismatch, len(vectors), len(articles))
	}

	dim := ix.config.Dimension
	if dim == 0 {
		dim = uint64(len(vectors[0]))
	}
	if err := ix.index.EnsureCollection(ctx, ix.config.Collection, dim, vectorstore.Cosine); err != nil {
		return 0, err
	}

	points := make([]vectorstore.Point, len(articles))
	for i, a := range articles {
		points[i] = vectorstore.Point{ID: a.ID, Vector: vectors[i], Payload: a.Payload()}
	}
	if err := ix.index.Upsert(ctx, ix.config.Collection, points); err != nil {
		return 0, err
	}

	ArticlesIndexed.Add(float64(len(points)))
	ix.logger.Info(ctx, "indexed articles",
		zap.String("collection", ix.config.Collection),
		zap.Int("count", len(points)))
	return len(points), nil
}
