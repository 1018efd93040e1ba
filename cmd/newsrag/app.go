package main

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/newsrag/internal/config"
	"github.com/fyrsmithlabs/newsrag/internal/conversation"
	"github.com/fyrsmithlabs/newsrag/internal/embeddings"
	"github.com/fyrsmithlabs/newsrag/internal/generation"
	"github.com/fyrsmithlabs/newsrag/internal/ingestion"
	"github.com/fyrsmithlabs/newsrag/internal/logging"
	"github.com/fyrsmithlabs/newsrag/internal/rag"
	"github.com/fyrsmithlabs/newsrag/internal/session"
	"github.com/fyrsmithlabs/newsrag/internal/telemetry"
	"github.com/fyrsmithlabs/newsrag/internal/vectorstore"
)

// app holds configuration and lazily built dependencies shared by the
// subcommands. Everything built is released by Close in reverse order.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry

	index    vectorstore.Index
	embedder embeddings.Provider
	closers  []func() error
}

// newApp loads configuration and starts logging and telemetry.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if degraded, err := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Error(err))
	}

	a := &app{cfg: cfg, logger: logger, telemetry: tel}
	a.onClose(func() error { return tel.Shutdown(context.Background()) })
	return a, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything the app built.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *app) sessionStore(ctx context.Context) (session.Store, error) {
	store, err := session.New(ctx, a.cfg.Session, a.logger)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	a.onClose(store.Close)
	a.logger.Info(ctx, "session store ready",
		zap.String("backend", a.cfg.Session.Backend),
		zap.Duration("ttl", a.cfg.Session.TTL.Duration()))
	return store, nil
}

func (a *app) vectorIndex() (vectorstore.Index, error) {
	if a.index != nil {
		return a.index, nil
	}
	idx, err := vectorstore.New(a.cfg.VectorStore, a.logger)
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}
	a.onClose(idx.Close)
	a.index = idx
	return idx, nil
}

func (a *app) embeddingProvider() (embeddings.Provider, error) {
	if a.embedder != nil {
		return a.embedder, nil
	}
	p, err := embeddings.NewProvider(a.cfg.Embeddings, int(a.cfg.VectorStore.VectorSize))
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	a.onClose(p.Close)
	a.embedder = p
	return p, nil
}

func (a *app) engine() (*rag.Engine, error) {
	emb, err := a.embeddingProvider()
	if err != nil {
		return nil, err
	}
	idx, err := a.vectorIndex()
	if err != nil {
		return nil, err
	}
	gen, err := generation.New(generation.Config{
		BaseURL:   a.cfg.Generation.BaseURL,
		Model:     a.cfg.Generation.Model,
		APIKey:    a.cfg.Generation.APIKey.Value(),
		Timeout:   a.cfg.Generation.Timeout.Duration(),
		RateLimit: a.cfg.Generation.RateLimit,
		Burst:     a.cfg.Generation.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}
	return rag.NewEngine(emb, idx, gen, rag.Config{
		Collection:        a.cfg.VectorStore.Collection,
		TopK:              a.cfg.RAG.TopK,
		SystemInstruction: a.cfg.RAG.SystemInstruction,
		BusyMessage:       a.cfg.RAG.BusyMessage,
		EmptyMessage:      a.cfg.RAG.EmptyMessage,
	}, a.logger)
}

// ingestJob returns nil when no feeds are configured.
func (a *app) ingestJob() (*ingestion.Job, error) {
	if len(a.cfg.Ingestion.Feeds) == 0 {
		return nil, nil
	}
	emb, err := a.embeddingProvider()
	if err != nil {
		return nil, err
	}
	idx, err := a.vectorIndex()
	if err != nil {
		return nil, err
	}
	indexer, err := ingestion.NewIndexer(emb, idx, ingestion.IndexerConfig{
		Collection: a.cfg.VectorStore.Collection,
		Dimension:  a.cfg.VectorStore.VectorSize,
		BatchSize:  a.cfg.Embeddings.BatchSize,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	source := ingestion.NewFeedSource(ingestion.FeedConfig{
		Feeds:        a.cfg.Ingestion.Feeds,
		FetchTimeout: a.cfg.Ingestion.FetchTimeout.Duration(),
		MaxItems:     a.cfg.Ingestion.MaxItems,
	}, a.logger)
	return ingestion.NewJob(source, indexer, a.logger), nil
}

// publisher returns nil when no NATS URL is configured.
func (a *app) publisher(ctx context.Context) (conversation.Publisher, error) {
	if a.cfg.Events.NATSURL == "" {
		return nil, nil
	}
	p, err := conversation.NewNATSPublisher(a.cfg.Events.NATSURL, a.cfg.Events.SubjectPrefix, a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(p.Close)
	a.logger.Info(ctx, "publishing turn events", zap.String("prefix", a.cfg.Events.SubjectPrefix))
	return p, nil
}
