package vectorstore

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/newsrag/internal/config"
)

func TestValidateCollectionName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"news_articles", false},
		{"a", false},
		{"", true},
		{"News", true},
		{"with-dash", true},
		{"x123456789x123456789x123456789x123456789x123456789x123456789x1234", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCollectionName(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCollectionName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseDistance(t *testing.T) {
	for in, want := range map[string]Distance{
		"":          Cosine,
		"Cosine":    Cosine,
		"dot":       Dot,
		"euclid":    Euclidean,
		"Euclidean": Euclidean,
	} {
		got, err := ParseDistance(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDistance("manhattan-ish")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestQdrantPointConversion(t *testing.T) {
	payload := Payload{Title: "t", URL: "u", PublishedAt: "p", Content: "c"}

	t.Run("uuid ids are kept", func(t *testing.T) {
		id := "6f1c1f5e-4a8e-4d3b-9a2a-8c1f2e3d4b5a"
		ps := toQdrantPoint(Point{ID: id, Vector: []float32{1, 0}, Payload: payload})
		assert.Equal(t, id, ps.GetId().GetUuid())
		_, hasID := ps.GetPayload()[payloadIDKey]
		assert.False(t, hasID)
	})

	t.Run("other ids map to a stable uuid", func(t *testing.T) {
		a := toQdrantPoint(Point{ID: "article-1", Vector: []float32{1, 0}, Payload: payload})
		b := toQdrantPoint(Point{ID: "article-1", Vector: []float32{1, 0}, Payload: payload})
		assert.Equal(t, a.GetId().GetUuid(), b.GetId().GetUuid())
		assert.Equal(t, "article-1", a.GetPayload()[payloadIDKey].GetStringValue())
	})

	t.Run("scored point round trip", func(t *testing.T) {
		ps := toQdrantPoint(Point{ID: "article-7", Vector: []float32{1, 0}, Payload: payload})
		hit := fromScoredPoint(&qdrant.ScoredPoint{Id: ps.GetId(), Payload: ps.GetPayload(), Score: 0.5})
		assert.Equal(t, "article-7", hit.ID)
		assert.Equal(t, payload, hit.Payload)
		assert.InDelta(t, 0.5, hit.Score, 1e-6)
	})
}

func TestQdrantDistanceMapping(t *testing.T) {
	for _, d := range []Distance{Cosine, Dot, Euclidean} {
		assert.Equal(t, d, fromQdrantDistance(toQdrantDistance(d)))
	}
	assert.Equal(t, Distance(""), fromQdrantDistance(qdrant.Distance_Manhattan))
}

func TestQdrantConfig_Validate(t *testing.T) {
	cfg := QdrantConfig{}
	cfg.applyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6334, cfg.Port)

	cfg.Port = 70000
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestNew(t *testing.T) {
	idx, err := New(config.VectorStoreConfig{Provider: "chromem"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ChromemIndex{}, idx)

	_, err = New(config.VectorStoreConfig{Provider: "pinecone"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCheckPoints(t *testing.T) {
	points := []Point{
		{ID: "1", Vector: []float32{1, 2, 3}},
		{ID: "2", Vector: []float32{1, 2}},
		{ID: "3", Vector: []float32{1, 2, 3}},
	}
	err := checkPoints(points, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Contains(t, err.Error(), `"2"`)
}
