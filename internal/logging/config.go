package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/newsrag/internal/config"
)

// Config holds logging configuration.
type Config struct {
	Level  zapcore.Level
	Format string // json or console

	// Writer receives encoded entries. Default: os.Stderr
	Writer io.Writer

	// OTEL forwards entries to the OpenTelemetry log provider.
	OTEL bool

	Sampling  SamplingConfig
	Fields    map[string]string
	Redaction RedactionConfig
}

// SamplingConfig thins out repeated entries below error level. Within each
// Tick the first Initial entries with the same message are kept, then every
// Thereafter-th one. Zero Tick disables sampling.
type SamplingConfig struct {
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig controls scrubbing of credentials.
type RedactionConfig struct {
	// Keys are field names whose values are always replaced. Matching is
	// case-insensitive; any key ending in "_key" or "_token" also matches.
	Keys []string

	// Patterns are regular expressions replaced wherever they match in
	// messages, string fields and error text.
	Patterns []string
}

// NewDefaultConfig returns the production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Writer: os.Stderr,
		Sampling: SamplingConfig{
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Fields: map[string]string{"service": "newsrag"},
		Redaction: RedactionConfig{
			Keys: []string{"authorization", "password", "secret", "token", "apikey"},
			Patterns: []string{
				`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`,
				// Gemini accepts the key as a query parameter.
				`[?&]key=[^&\s"]+`,
				// Credentials embedded in redis:// or nats:// URLs.
				`://[^:@/\s]+:[^@/\s]+@`,
			},
		},
	}
}

// FromSettings builds a logging config from the operator-facing settings.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := zapcore.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", s.Level, err)
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	cfg.OTEL = s.OTEL
	return cfg, cfg.Validate()
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Format != "json" && c.Format != "console" {
		errs = append(errs, fmt.Errorf("format must be json or console, got %q", c.Format))
	}
	if c.Sampling.Tick < 0 || c.Sampling.Initial < 0 || c.Sampling.Thereafter < 0 {
		errs = append(errs, errors.New("sampling values cannot be negative"))
	}
	for _, p := range c.Redaction.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("invalid redaction pattern %q: %w", p, err))
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			errs = append(errs, fmt.Errorf("constant field %q=%q must have a key and a value", k, v))
		}
	}
	return errors.Join(errs...)
}
