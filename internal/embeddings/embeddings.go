// Package embeddings turns text into fixed-dimension vectors.
//
// Three providers are available: the Jina HTTP API (default), any
// OpenAI-compatible embeddings endpoint through langchaingo, and local ONNX
// models through fastembed (CGO builds only). Providers never retry; a
// failed call surfaces as ErrUnavailable and the caller decides what to do.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/newsrag/internal/config"
)

var (
	// ErrUnavailable indicates the embedding call could not complete or
	// returned an unusable response.
	ErrUnavailable = errors.New("embedding unavailable")

	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Embedder converts text into vectors, one per input, in input order.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder with a known output dimension.
type Provider interface {
	Embedder
	// Dimension returns the vector length produced, or 0 if unknown.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// NewProvider creates the embedding provider selected by cfg.
// dimension is the vector size the index expects; responses of any other
// length are rejected.
func NewProvider(cfg config.EmbeddingsConfig, dimension int) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "jina", "":
		p, err = NewJinaClient(JinaConfig{
			URL:       cfg.URL,
			Model:     cfg.Model,
			Task:      cfg.Task,
			APIKey:    cfg.APIKey.Value(),
			Timeout:   cfg.Timeout.Duration(),
			BatchSize: cfg.BatchSize,
			Dimension: dimension,
		})
	case "openai":
		p, err = NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.URL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			BatchSize: cfg.BatchSize,
			Dimension: dimension,
		})
	case "local":
		var fp *FastEmbedProvider
		fp, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:     cfg.LocalModel,
			CacheDir:  cfg.CacheDir,
			BatchSize: cfg.BatchSize,
		})
		if err == nil && dimension > 0 && fp.Dimension() != dimension {
			_ = fp.Close()
			return nil, fmt.Errorf("%w: local model %s produces %d dimensions, index expects %d",
				ErrInvalidConfig, cfg.LocalModel, fp.Dimension(), dimension)
		}
		p = fp
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// checkVectors enforces the gateway contract: one vector per input and,
// when dim is known, every vector of length dim.
func checkVectors(inputs int, vectors [][]float32, dim int) error {
	if len(vectors) != inputs {
		return fmt.Errorf("%w: got %d vectors for %d inputs", ErrUnavailable, len(vectors), inputs)
	}
	if dim <= 0 {
		return nil
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrUnavailable, i, len(v), dim)
		}
	}
	return nil
}

// Batches splits texts into consecutive chunks of at most size elements.
func Batches(texts []string, size int) [][]string {
	if size <= 0 {
		size = len(texts)
	}
	var out [][]string
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		out = append(out, texts[start:end])
	}
	return out
}
