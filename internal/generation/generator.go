// Package generation produces natural-language answers from a grounding
// context using an OpenAI-compatible chat endpoint.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("newsrag.generation")

var (
	// ErrUnavailable indicates the generation call failed. Callers are
	// expected to substitute a user-visible fallback.
	ErrUnavailable = errors.New("generation unavailable")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid generation configuration")
)

// Generator turns a system instruction and prompt into text. It is
// stateless: everything the model should see must be in prompt.
type Generator interface {
	Generate(ctx context.Context, systemInstruction, prompt string) (string, error)
}

// Config configures a LangChainGenerator.
type Config struct {
	BaseURL string
	Model   string
	APIKey  string

	// Timeout bounds a single call. Zero means no timeout beyond ctx.
	Timeout time.Duration

	// RateLimit is requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if c.APIKey == "" {
		return fmt.Errorf("%w: api key required", ErrInvalidConfig)
	}
	if c.RateLimit < 0 || c.Burst < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalidConfig)
	}
	return nil
}

// LangChainGenerator calls a chat model through langchaingo. Gemini is
// reached through its OpenAI-compatible endpoint.
type LangChainGenerator struct {
	llm     llms.Model
	model   string
	timeout time.Duration
	limiter *rate.Limiter
}

// New creates a generator for an OpenAI-compatible endpoint.
func New(cfg Config) (*LangChainGenerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating client: %v", ErrInvalidConfig, err)
	}
	return NewWithModel(llm, cfg), nil
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(llm llms.Model, cfg Config) *LangChainGenerator {
	g := &LangChainGenerator{
		llm:     llm,
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g
}

// Generate implements Generator. Every failure, including an exhausted rate
// limit wait, is reported as ErrUnavailable. An empty completion is not an
// error.
func (g *LangChainGenerator) Generate(ctx context.Context, systemInstruction, prompt string) (text string, err error) {
	ctx, span := tracer.Start(ctx, "generation.generate", trace.WithAttributes(
		attribute.String("gen_ai.request.model", g.model),
		attribute.Int("prompt.length", len(prompt)),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generation failed")
			return
		}
		span.SetAttributes(attribute.Int("completion.length", len(text)))
	}()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: rate limit: %v", ErrUnavailable, err)
		}
	}

	messages := make([]llms.MessageContent, 0, 2)
	if systemInstruction != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, systemInstruction))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	resp, err := g.llm.GenerateContent(ctx, messages)
	if err != nil {
		if errors.Is(err, openai.ErrEmptyResponse) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
