// Package rag answers questions from the indexed news corpus: embed the
// question, retrieve the nearest articles, and generate an answer grounded
// in them.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/newsrag/internal/embeddings"
	"github.com/fyrsmithlabs/newsrag/internal/generation"
	"github.com/fyrsmithlabs/newsrag/internal/logging"
	"github.com/fyrsmithlabs/newsrag/internal/vectorstore"
)

var tracer = otel.Tracer("newsrag.rag")

// Defaults used when Config leaves a field empty.
const (
	DefaultTopK              = 5
	DefaultBusyMessage       = "Server is busy, Please try again later."
	DefaultEmptyMessage      = "Loading...."
	DefaultSystemInstruction = "You are a helpful assistant answering questions based on the above news context."
)

// ErrInvalidInput is returned by Ask for an empty question.
var ErrInvalidInput = errors.New("invalid query")

// Config configures an Engine.
type Config struct {
	Collection        string
	TopK              int
	SystemInstruction string

	// BusyMessage replaces the answer when any pipeline step fails.
	BusyMessage string
	// EmptyMessage replaces an empty generated answer.
	EmptyMessage string
}

func (c *Config) applyDefaults() {
	if c.TopK < 1 {
		c.TopK = DefaultTopK
	}
	if c.SystemInstruction == "" {
		c.SystemInstruction = DefaultSystemInstruction
	}
	if c.BusyMessage == "" {
		c.BusyMessage = DefaultBusyMessage
	}
	if c.EmptyMessage == "" {
		c.EmptyMessage = DefaultEmptyMessage
	}
}

// Result is a generated answer with the articles it was grounded on, in
// retrieval order.
type Result struct {
	Text    string
	Sources []vectorstore.Hit
}

// Engine runs the retrieve-then-generate pipeline. It holds no per-request
// state and is safe for concurrent use.
type Engine struct {
	embedder  embeddings.Embedder
	index     vectorstore.Index
	generator generation.Generator
	config    Config
	logger    *logging.Logger
}

// NewEngine creates an Engine.
func NewEngine(embedder embeddings.Embedder, index vectorstore.Index, generator generation.Generator, cfg Config, logger *logging.Logger) (*Engine, error) {
	if embedder == nil || index == nil || generator == nil {
		return nil, errors.New("rag: embedder, index and generator are required")
	}
	if err := vectorstore.ValidateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.applyDefaults()
	return &Engine{
		embedder:  embedder,
		index:     index,
		generator: generator,
		config:    cfg,
		logger:    logger.Named("rag"),
	}, nil
}

// Ask runs the pipeline and reports failures as typed errors:
// embeddings.ErrUnavailable, vectorstore.ErrUnavailable or
// generation.ErrUnavailable. topK below 1 uses the configured default.
func (e *Engine) Ask(ctx context.Context, query string, topK int) (res *Result, err error) {
	if topK < 1 {
		topK = e.config.TopK
	}
	ctx, span := tracer.Start(ctx, "rag.ask", trace.WithAttributes(
		attribute.Int("top_k", topK),
		attribute.Int("query.length", len(query)),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "ask failed")
		}
	}()

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty question", ErrInvalidInput)
	}

	vec, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		if !errors.Is(err, embeddings.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", embeddings.ErrUnavailable, err)
		}
		return nil, err
	}

	hits, err := e.index.Search(ctx, e.config.Collection, vec, topK)
	if err != nil {
		if !errors.Is(err, vectorstore.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", vectorstore.ErrUnavailable, err)
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))

	prompt := BuildPrompt(BuildContext(hits), query)
	text, err := e.generator.Generate(ctx, e.config.SystemInstruction, prompt)
	if err != nil {
		if !errors.Is(err, generation.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", generation.ErrUnavailable, err)
		}
		return nil, err
	}

	return &Result{Text: text, Sources: hits}, nil
}

// Answer is Ask for callers that always need something to show: failures
// yield the busy message and an empty answer yields the empty message.
func (e *Engine) Answer(ctx context.Context, query string, topK int) string {
	res, err := e.Ask(ctx, query, topK)
	if err != nil {
		e.logger.Error(ctx, "answer failed", zap.Error(err))
		return e.config.BusyMessage
	}
	if strings.TrimSpace(res.Text) == "" {
		return e.config.EmptyMessage
	}
	return res.Text
}

// BuildContext joins hits, in order, as "Title: ...\nContent: ..." records
// separated by a blank line.
func BuildContext(hits []vectorstore.Hit) string {
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		parts = append(parts, "Title: "+h.Payload.Title+"\nContent: "+h.Payload.Content)
	}
	return strings.Join(parts, "\n\n")
}

// BuildPrompt places the context ahead of the literal question.
func BuildPrompt(grounding, query string) string {
	return "Context:\n" + grounding + "\n\nUser question: " + query
}
