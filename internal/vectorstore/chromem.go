package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/newsrag/internal/logging"
)

const providerChromem = "chromem"

// ChromemConfig configures the embedded index.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string

	// Compress enables gzip compression of persisted documents.
	Compress bool
}

// ChromemIndex is an embedded, cosine-only Index built on chromem-go.
// It needs no external service, which makes it the default for tests and
// single-node deployments.
type ChromemIndex struct {
	db     *chromem.DB
	logger *logging.Logger

	mu   sync.RWMutex
	dims map[string]uint64
}

// NewChromemIndex opens (or creates) an embedded index.
func NewChromemIndex(cfg ChromemConfig, logger *logging.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path := cfg.Path
		if len(path) > 0 && path[0] == '~' {
			home, herr := os.UserHomeDir()
			if herr != nil {
				return nil, fmt.Errorf("%w: expanding %q: %v", ErrInvalidConfig, cfg.Path, herr)
			}
			path = filepath.Join(home, path[1:])
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("%w: creating %q: %v", ErrInvalidConfig, path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: opening chromem db: %v", ErrUnavailable, err)
		}
	}

	return &ChromemIndex{
		db:     db,
		logger: logger.Named("vectorstore.chromem"),
		dims:   make(map[string]uint64),
	}, nil
}

// Close is a no-op; persistent databases are written on every change.
func (c *ChromemIndex) Close() error { return nil }

// EnsureCollection implements Index. Only Cosine is supported natively;
// other metrics are accepted with a warning.
func (c *ChromemIndex) EnsureCollection(ctx context.Context, name string, dim uint64, metric Distance) (err error) {
	ctx, span := tracer.Start(ctx, "vectorstore.ensure_collection", trace.WithAttributes(
		attribute.String("db.system", providerChromem),
		attribute.String("collection", name),
		attribute.Int64("dimension", int64(dim)),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		observe(providerChromem, "ensure_collection", start, err)
		recordSpanError(span, err)
	}()

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if dim == 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if metric != Cosine {
		c.logger.Warn(ctx, "chromem only supports cosine similarity",
			zap.String("collection", name),
			zap.String("configured", string(metric)))
	}

	if col := c.db.GetCollection(name, noEmbedding); col != nil {
		got, err := c.storedDimension(ctx, col, dim)
		if err != nil {
			return err
		}
		if got != 0 && got != dim {
			return fmt.Errorf("%w: collection %s has dimension %d, requested %d",
				ErrDimensionMismatch, name, got, dim)
		}
		c.remember(name, dim)
		return nil
	}

	if _, err := c.db.CreateCollection(name, nil, noEmbedding); err != nil {
		return fmt.Errorf("%w: creating collection %s: %v", ErrUnavailable, name, err)
	}
	c.logger.Info(ctx, "created collection",
		zap.String("collection", name),
		zap.Uint64("dimension", dim))
	c.remember(name, dim)
	return nil
}

// storedDimension reports the vector length already held by col, or 0 when
// it is empty. chromem keeps collection metadata private, so the length is
// read from a stored document. An empty collection reopened from disk takes
// whatever dimension is requested first.
func (c *ChromemIndex) storedDimension(ctx context.Context, col *chromem.Collection, want uint64) (uint64, error) {
	if dim, ok := c.lookup(col.Name); ok {
		return dim, nil
	}
	if col.Count() == 0 {
		return 0, nil
	}
	probe := make([]float32, want)
	probe[0] = 1
	res, err := col.QueryEmbedding(ctx, probe, 1, nil, nil)
	if err != nil {
		// chromem rejects queries whose length differs from stored vectors.
		return 0, fmt.Errorf("%w: collection %s rejects %d-dimensional vectors: %v",
			ErrDimensionMismatch, col.Name, want, err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return uint64(len(res[0].Embedding)), nil
}

func (c *ChromemIndex) remember(name string, dim uint64) {
	c.mu.Lock()
	c.dims[name] = dim
	c.mu.Unlock()
}

func (c *ChromemIndex) lookup(name string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dim, ok := c.dims[name]
	return dim, ok
}

// Upsert implements Index. The whole batch is validated before any point is
// written.
func (c *ChromemIndex) Upsert(ctx context.Context, collection string, points []Point) (err error) {
	ctx, span := tracer.Start(ctx, "vectorstore.upsert", trace.WithAttributes(
		attribute.String("db.system", providerChromem),
		attribute.String("collection", collection),
		attribute.Int("points", len(points)),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		observe(providerChromem, "upsert", start, err)
		recordSpanError(span, err)
	}()

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	col := c.db.GetCollection(collection, noEmbedding)
	if col == nil {
		return fmt.Errorf("%w: collection %s does not exist", ErrUnavailable, collection)
	}
	dim, _ := c.lookup(collection)
	if dim == 0 {
		dim = uint64(len(points[0].Vector))
	}
	if err := checkPoints(points, dim); err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(points))
	for _, p := range points {
		if len(p.Vector) == 0 {
			return fmt.Errorf("%w: point %q has no vector", ErrInvalidPoint, p.ID)
		}
		docs = append(docs, chromem.Document{
			ID:        p.ID,
			Content:   p.Payload.Content,
			Embedding: p.Vector,
			Metadata: map[string]string{
				"title":       p.Payload.Title,
				"url":         p.Payload.URL,
				"publishedAt": p.Payload.PublishedAt,
			},
		})
	}

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("%w: upsert into %s: %v", ErrUnavailable, collection, err)
	}
	pointsWritten.WithLabelValues(providerChromem).Add(float64(len(docs)))
	return nil
}

// Search implements Index.
func (c *ChromemIndex) Search(ctx context.Context, collection string, vector []float32, topK int) (hits []Hit, err error) {
	ctx, span := tracer.Start(ctx, "vectorstore.search", trace.WithAttributes(
		attribute.String("db.system", providerChromem),
		attribute.String("collection", collection),
		attribute.Int("top_k", topK),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		observe(providerChromem, "search", start, err)
		recordSpanError(span, err)
		span.SetAttributes(attribute.Int("hits", len(hits)))
	}()

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if topK < 1 {
		return nil, fmt.Errorf("%w: topK must be at least 1", ErrInvalidConfig)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", ErrDimensionMismatch)
	}
	if dim, ok := c.lookup(collection); ok && dim > 0 && uint64(len(vector)) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection expects %d",
			ErrDimensionMismatch, len(vector), dim)
	}

	col := c.db.GetCollection(collection, noEmbedding)
	if col == nil {
		return []Hit{}, nil
	}
	n := col.Count()
	if n == 0 {
		return []Hit{}, nil
	}

	// chromem refuses nResults larger than the collection.
	res, err := col.QueryEmbedding(ctx, vector, min(topK, n), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %v", ErrUnavailable, collection, err)
	}

	hits = make([]Hit, 0, len(res))
	for _, r := range res {
		hits = append(hits, Hit{
			ID:    r.ID,
			Score: r.Similarity,
			Payload: Payload{
				Title:       r.Metadata["title"],
				URL:         r.Metadata["url"],
				PublishedAt: r.Metadata["publishedAt"],
				Content:     r.Content,
			},
		})
	}
	return hits, nil
}

var errNoEmbedding = errors.New("chromem collection has no embedding function; supply vectors")

// noEmbedding is installed as the collection embedding function so that a
// missing vector fails loudly instead of calling a remote model.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedding
}
