// Package embeddingstest provides a deterministic embedder for tests and
// offline demos.
package embeddingstest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"unicode"
)

// HashEmbedder maps text to a normalized bag-of-words vector using feature
// hashing. Identical text always yields the identical vector, and texts that
// share words have positive cosine similarity.
type HashEmbedder struct {
	Dim int
	// Err, when set, is returned by every call.
	Err error

	calls atomic.Int64
}

// New returns a HashEmbedder of the given dimension.
func New(dim int) *HashEmbedder {
	return &HashEmbedder{Dim: dim}
}

// Calls reports how many embed calls were made.
func (e *HashEmbedder) Calls() int64 {
	return e.calls.Load()
}

func (e *HashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.Vector(t)
	}
	return out, nil
}

func (e *HashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.Err != nil {
		return nil, e.Err
	}
	return e.Vector(text), nil
}

func (e *HashEmbedder) Dimension() int { return e.Dim }

func (e *HashEmbedder) Close() error { return nil }

// Vector computes the embedding for text.
func (e *HashEmbedder) Vector(text string) []float32 {
	v := make([]float32, e.Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[int(h.Sum32())%e.Dim]++
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}
