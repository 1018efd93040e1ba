//go:build !cgo

package embeddings

import (
	"context"
	"fmt"
)

// FastEmbedConfig selects a local ONNX model.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
	BatchSize int
}

// FastEmbedProvider needs CGO for onnxruntime; this build cannot load models.
type FastEmbedProvider struct{}

func NewFastEmbedProvider(cfg FastEmbedConfig) (*FastEmbedProvider, error) {
	return nil, fmt.Errorf("%w: local model %q needs a CGO build; use the jina or openai provider",
		ErrInvalidConfig, cfg.Model)
}

func (*FastEmbedProvider) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, ErrUnavailable
}

func (*FastEmbedProvider) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, ErrUnavailable
}

func (*FastEmbedProvider) Dimension() int { return 0 }

func (*FastEmbedProvider) Close() error { return nil }
