package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// JinaConfig holds configuration for the Jina embeddings API client.
type JinaConfig struct {
	URL       string
	Model     string
	Task      string // e.g. text-matching, retrieval.query
	APIKey    string
	Timeout   time.Duration
	BatchSize int
	// Dimension is the expected vector length; 0 disables the check.
	Dimension int
}

// Validate validates the configuration.
func (c JinaConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// JinaClient calls the Jina embeddings HTTP API.
type JinaClient struct {
	config  JinaConfig
	client  *http.Client
	metrics *Metrics
}

// NewJinaClient creates a Jina client.
func NewJinaClient(cfg JinaConfig) (*JinaClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	return &JinaClient{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: NewMetrics(nil, cfg.Model),
	}, nil
}

type jinaRequest struct {
	Model string   `json:"model"`
	Task  string   `json:"task,omitempty"`
	Input []string `json:"input"`
}

type jinaResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedDocuments embeds texts in batches, preserving input order.
func (c *JinaClient) EmbedDocuments(ctx context.Context, texts []string) (_ [][]float32, err error) {
	defer c.metrics.track(ctx, opDocuments, len(texts))(&err)

	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out := make([][]float32, 0, len(texts))
	for _, batch := range Batches(texts, c.config.BatchSize) {
		vectors, err := c.call(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// EmbedQuery embeds a single text.
func (c *JinaClient) EmbedQuery(ctx context.Context, text string) (_ []float32, err error) {
	defer c.metrics.track(ctx, opQuery, 1)(&err)

	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := c.call(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// call performs one API request and validates the response shape.
func (c *JinaClient) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(jinaRequest{
		Model: c.config.Model,
		Task:  c.config.Task,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(respBody))
	}

	var decoded jinaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}

	sort.SliceStable(decoded.Data, func(i, j int) bool {
		return decoded.Data[i].Index < decoded.Data[j].Index
	})
	vectors := make([][]float32, len(decoded.Data))
	for i, d := range decoded.Data {
		vectors[i] = d.Embedding
	}

	if err := checkVectors(len(texts), vectors, c.config.Dimension); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Dimension returns the configured vector length.
func (c *JinaClient) Dimension() int {
	return c.config.Dimension
}

// Close is a no-op since the client holds only an HTTP client.
func (c *JinaClient) Close() error {
	return nil
}
