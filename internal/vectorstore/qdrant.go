package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/newsrag/internal/logging"
)

var tracer = otel.Tracer("newsrag.vectorstore")

const (
	providerQdrant = "qdrant"

	// upsertBatchSize bounds a single Upsert request.
	upsertBatchSize = 256

	// payloadIDKey holds the caller's id when it is not a UUID.
	payloadIDKey = "id"
)

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default: "localhost"
	Host string

	// Port is the gRPC port, not the HTTP one. Default: 6334
	Port int

	APIKey string
	UseTLS bool

	// Timeout bounds every call. Default: 10s
	Timeout time.Duration

	// MaxMessageSize is the gRPC send/receive limit. Default: 50MB
	MaxMessageSize int
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalidConfig)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c *QdrantConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// QdrantIndex is an Index backed by a Qdrant server over gRPC.
//
// Calls are not retried; a failed or timed-out call returns ErrUnavailable.
type QdrantIndex struct {
	client *qdrant.Client
	config QdrantConfig
	logger *logging.Logger
	mu     sync.RWMutex
	dims   map[string]uint64
}

// NewQdrantIndex connects to Qdrant.
func NewQdrantIndex(cfg QdrantConfig, logger *logging.Logger) (*QdrantIndex, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
		// The server may come up after us; version skew is reported by the first call.
		SkipCompatibilityCheck: true,
	}
	if cfg.APIKey != "" {
		qcfg.APIKey = cfg.APIKey
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: creating qdrant client: %v", ErrUnavailable, err)
	}

	return &QdrantIndex{
		client: client,
		config: cfg,
		logger: logger.Named("vectorstore.qdrant"),
		dims:   make(map[string]uint64),
	}, nil
}

// Close closes the gRPC connections.
func (q *QdrantIndex) Close() error {
	if q.client == nil {
		return nil
	}
	return q.client.Close()
}

// Health reports whether the server answers a health check.
func (q *QdrantIndex) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, q.config.Timeout)
	defer cancel()
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: health check: %v", ErrUnavailable, err)
	}
	return nil
}

// EnsureCollection implements Index.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, name string, dim uint64, metric Distance) (err error) {
	ctx, span := tracer.Start(ctx, "vectorstore.ensure_collection", trace.WithAttributes(
		attribute.String("db.system", providerQdrant),
		attribute.String("collection", name),
		attribute.Int64("dimension", int64(dim)),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		observe(providerQdrant, "ensure_collection", start, err)
		recordSpanError(span, err)
	}()

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if dim == 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}

	ctx, cancel := context.WithTimeout(ctx, q.config.Timeout)
	defer cancel()

	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: checking collection %s: %v", ErrUnavailable, name, err)
	}

	if exists {
		info, err := q.client.GetCollectionInfo(ctx, name)
		if err != nil {
			return fmt.Errorf("%w: reading collection %s: %v", ErrUnavailable, name, err)
		}
		params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
		if got := params.GetSize(); got != 0 && got != dim {
			return fmt.Errorf("%w: collection %s has dimension %d, requested %d",
				ErrDimensionMismatch, name, got, dim)
		}
		if got := fromQdrantDistance(params.GetDistance()); got != "" && got != metric {
			q.logger.Warn(ctx, "collection distance differs from configuration",
				zap.String("collection", name),
				zap.String("existing", string(got)),
				zap.String("configured", string(metric)))
		}
		q.remember(name, dim)
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dim,
			Distance: toQdrantDistance(metric),
		}),
	})
	if err != nil && status.Code(err) != grpccodes.AlreadyExists {
		return fmt.Errorf("%w: creating collection %s: %v", ErrUnavailable, name, err)
	}

	q.logger.Info(ctx, "created collection",
		zap.String("collection", name),
		zap.Uint64("dimension", dim),
		zap.String("distance", string(metric)))
	q.remember(name, dim)
	return nil
}

func (q *QdrantIndex) remember(name string, dim uint64) {
	q.mu.Lock()
	q.dims[name] = dim
	q.mu.Unlock()
}

func (q *QdrantIndex) dimension(name string) uint64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.dims[name]
}

// Upsert implements Index. Points are written in batches; when a batch
// fails the error reports how many points were written before it.
func (q *QdrantIndex) Upsert(ctx context.Context, collection string, points []Point) (err error) {
	ctx, span := tracer.Start(ctx, "vectorstore.upsert", trace.WithAttributes(
		attribute.String("db.system", providerQdrant),
		attribute.String("collection", collection),
		attribute.Int("points", len(points)),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		observe(providerQdrant, "upsert", start, err)
		recordSpanError(span, err)
	}()

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	dim := q.dimension(collection)
	if dim == 0 {
		dim = uint64(len(points[0].Vector))
	}
	if err := checkPoints(points, dim); err != nil {
		return err
	}

	written := 0
	for offset := 0; offset < len(points); offset += upsertBatchSize {
		end := min(offset+upsertBatchSize, len(points))
		batch := make([]*qdrant.PointStruct, 0, end-offset)
		for _, p := range points[offset:end] {
			batch = append(batch, toQdrantPoint(p))
		}

		callCtx, cancel := context.WithTimeout(ctx, q.config.Timeout)
		_, err := q.client.Upsert(callCtx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         batch,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("%w: upsert into %s failed after %d of %d points: %v",
				ErrUnavailable, collection, written, len(points), err)
		}
		written += len(batch)
		pointsWritten.WithLabelValues(providerQdrant).Add(float64(len(batch)))
	}
	return nil
}

// Search implements Index.
func (q *QdrantIndex) Search(ctx context.Context, collection string, vector []float32, topK int) (hits []Hit, err error) {
	ctx, span := tracer.Start(ctx, "vectorstore.search", trace.WithAttributes(
		attribute.String("db.system", providerQdrant),
		attribute.String("collection", collection),
		attribute.Int("top_k", topK),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		observe(providerQdrant, "search", start, err)
		recordSpanError(span, err)
		span.SetAttributes(attribute.Int("hits", len(hits)))
	}()

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if topK < 1 {
		return nil, fmt.Errorf("%w: topK must be at least 1", ErrInvalidConfig)
	}
	if dim := q.dimension(collection); dim > 0 && uint64(len(vector)) != dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection expects %d",
			ErrDimensionMismatch, len(vector), dim)
	}

	ctx, cancel := context.WithTimeout(ctx, q.config.Timeout)
	defer cancel()

	res, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		if status.Code(err) == grpccodes.NotFound {
			return []Hit{}, nil
		}
		return nil, fmt.Errorf("%w: search %s: %v", ErrUnavailable, collection, err)
	}

	hits = make([]Hit, 0, len(res))
	for _, sp := range res {
		hits = append(hits, fromScoredPoint(sp))
	}
	return hits, nil
}

func toQdrantPoint(p Point) *qdrant.PointStruct {
	payload := map[string]*qdrant.Value{
		"title":       qdrant.NewValueString(p.Payload.Title),
		"url":         qdrant.NewValueString(p.Payload.URL),
		"publishedAt": qdrant.NewValueString(p.Payload.PublishedAt),
		"content":     qdrant.NewValueString(p.Payload.Content),
	}
	id := p.ID
	if _, err := uuid.Parse(id); err != nil {
		// Qdrant only accepts UUIDs or integers; derive a stable UUID.
		payload[payloadIDKey] = qdrant.NewValueString(p.ID)
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(p.ID)).String()
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(id),
		Vectors: qdrant.NewVectors(p.Vector...),
		Payload: payload,
	}
}

func fromScoredPoint(sp *qdrant.ScoredPoint) Hit {
	payload := sp.GetPayload()
	str := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}

	id := str(payloadIDKey)
	if id == "" {
		if u := sp.GetId().GetUuid(); u != "" {
			id = u
		} else {
			id = fmt.Sprintf("%d", sp.GetId().GetNum())
		}
	}

	return Hit{
		ID:    id,
		Score: sp.GetScore(),
		Payload: Payload{
			Title:       str("title"),
			URL:         str("url"),
			PublishedAt: str("publishedAt"),
			Content:     str("content"),
		},
	}
}

func toQdrantDistance(d Distance) qdrant.Distance {
	switch d {
	case Dot:
		return qdrant.Distance_Dot
	case Euclidean:
		return qdrant.Distance_Euclid
	default:
		return qdrant.Distance_Cosine
	}
}

func fromQdrantDistance(d qdrant.Distance) Distance {
	switch d {
	case qdrant.Distance_Cosine:
		return Cosine
	case qdrant.Distance_Dot:
		return Dot
	case qdrant.Distance_Euclid:
		return Euclidean
	default:
		return ""
	}
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, errorKind(err))
}

// errorKind returns a short status description without backend detail.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrDimensionMismatch):
		return "dimension mismatch"
	case errors.Is(err, ErrInvalidCollectionName), errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrInvalidPoint):
		return "invalid request"
	default:
		return "unavailable"
	}
}
