//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedConfig selects a local ONNX model.
type FastEmbedConfig struct {
	Model     string // e.g. BAAI/bge-small-en-v1.5
	CacheDir  string // defaults to ./local_cache
	MaxLength int    // defaults to 512
	BatchSize int    // defaults to 256
}

type localModel struct {
	id  fastembed.EmbeddingModel
	dim int
}

var localModels = map[string]localModel{
	"BAAI/bge-small-en-v1.5":                 {fastembed.BGESmallENV15, 384},
	"BAAI/bge-small-en":                      {fastembed.BGESmallEN, 384},
	"BAAI/bge-base-en-v1.5":                  {fastembed.BGEBaseENV15, 768},
	"BAAI/bge-base-en":                       {fastembed.BGEBaseEN, 768},
	"sentence-transformers/all-MiniLM-L6-v2": {fastembed.AllMiniLML6V2, 384},
}

// FastEmbedProvider embeds articles and questions on the local CPU, so
// ingestion works without an embedding gateway.
type FastEmbedProvider struct {
	mu      sync.RWMutex
	flag    *fastembed.FlagEmbedding
	model   localModel
	batch   int
	metrics *Metrics
}

// NewFastEmbedProvider loads the model, downloading it into CacheDir on
// first use.
func NewFastEmbedProvider(cfg FastEmbedConfig) (*FastEmbedProvider, error) {
	model, ok := localModels[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported local model %q", ErrInvalidConfig, cfg.Model)
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(".", "local_cache")
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 512
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}

	quiet := false
	flag, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model.id,
		CacheDir:             cfg.CacheDir,
		MaxLength:            cfg.MaxLength,
		ShowDownloadProgress: &quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: loading %s: %v", ErrInvalidConfig, cfg.Model, err)
	}
	return &FastEmbedProvider{
		flag:    flag,
		model:   model,
		batch:   cfg.BatchSize,
		metrics: NewMetrics(nil, cfg.Model),
	}, nil
}

// EmbedDocuments embeds article texts as passages.
func (p *FastEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) (_ [][]float32, err error) {
	defer p.metrics.track(ctx, opDocuments, len(texts))(&err)

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.flag == nil {
		return nil, fmt.Errorf("%w: provider closed", ErrUnavailable)
	}
	vectors, err := p.flag.PassageEmbed(texts, p.batch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := checkVectors(len(texts), vectors, p.model.dim); err != nil {
		return nil, err
	}
	return vectors, nil
}

// EmbedQuery embeds a question.
func (p *FastEmbedProvider) EmbedQuery(ctx context.Context, text string) (_ []float32, err error) {
	defer p.metrics.track(ctx, opQuery, 1)(&err)

	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.flag == nil {
		return nil, fmt.Errorf("%w: provider closed", ErrUnavailable)
	}
	vector, err := p.flag.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := checkVectors(1, [][]float32{vector}, p.model.dim); err != nil {
		return nil, err
	}
	return vector, nil
}

func (p *FastEmbedProvider) Dimension() int { return p.model.dim }

// Close releases the ONNX session. Later calls fail with ErrUnavailable.
func (p *FastEmbedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flag == nil {
		return nil
	}
	err := p.flag.Destroy()
	p.flag = nil
	return err
}
