// Package vectorstore stores article embeddings and answers nearest-neighbor
// queries over them.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrUnavailable is returned when the backing index cannot be reached
	// or rejects a request.
	ErrUnavailable = errors.New("vector index unavailable")

	// ErrDimensionMismatch is returned when a vector's length differs from
	// the dimension the collection was created with.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidCollectionName is returned for names outside [a-z0-9_]{1,64}.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrInvalidConfig is returned by constructors on bad configuration.
	ErrInvalidConfig = errors.New("invalid vector store configuration")

	// ErrInvalidPoint is returned for points without an id.
	ErrInvalidPoint = errors.New("invalid point")
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName checks a collection name against the naming rules
// shared by all backends.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Distance is the similarity metric of a collection.
type Distance string

const (
	Cosine    Distance = "cosine"
	Dot       Distance = "dot"
	Euclidean Distance = "euclid"
)

// ParseDistance maps a configuration string to a Distance.
func ParseDistance(s string) (Distance, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine":
		return Cosine, nil
	case "dot":
		return Dot, nil
	case "euclid", "euclidean":
		return Euclidean, nil
	default:
		return "", fmt.Errorf("%w: unknown distance %q", ErrInvalidConfig, s)
	}
}

// Payload is the article metadata stored next to each vector.
type Payload struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
	Content     string `json:"content"`
}

// Point is a vector with its identifier and payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is a single search result. Higher scores are more similar.
type Hit struct {
	ID      string
	Score   float32
	Payload Payload
}

// Index is a named-collection vector index.
//
// Implementations must be safe for concurrent use.
type Index interface {
	// EnsureCollection creates the collection if it does not exist.
	// An existing collection with a different dimension yields
	// ErrDimensionMismatch.
	EnsureCollection(ctx context.Context, name string, dim uint64, metric Distance) error

	// Upsert inserts or replaces points. All vectors are checked against the
	// collection dimension before anything is written.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns at most topK hits ordered by descending score.
	// An empty collection yields an empty slice.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Hit, error)

	// Close releases backend resources.
	Close() error
}

func checkPoints(points []Point, dim uint64) error {
	for i, p := range points {
		if p.ID == "" {
			return fmt.Errorf("%w: point %d has empty id", ErrInvalidPoint, i)
		}
		if dim > 0 && uint64(len(p.Vector)) != dim {
			return fmt.Errorf("%w: point %q has %d dimensions, collection expects %d",
				ErrDimensionMismatch, p.ID, len(p.Vector), dim)
		}
	}
	return nil
}
