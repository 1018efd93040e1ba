package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/newsrag/internal/config"
)

func TestNew_DisabledStillServesMetrics(t *testing.T) {
	ctx := context.Background()
	tel, err := New(ctx, NewDefaultConfig())
	require.NoError(t, err)
	defer tel.Shutdown(ctx)

	degraded, _ := tel.Degraded()
	assert.False(t, degraded)
	assert.NotNil(t, tel.Tracer("test"))

	counter, err := tel.Meter("test").Int64Counter("newsrag.test.turns")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	families, err := tel.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Condition(t, func() bool {
		for _, n := range names {
			if strings.HasPrefix(n, "newsrag_test_turns") {
				return true
			}
		}
		return false
	}, "bridged counter missing from %v", names)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ShutdownAfter = 0
	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "invalid telemetry config")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"disabled skips export checks", func(c *Config) { c.Endpoint = "" }, ""},
		{"enabled local", func(c *Config) { c.Enabled = true }, ""},
		{"missing endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "" }, "endpoint is required"},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "thrift" }, "protocol"},
		{"insecure remote", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, "needs TLS"},
		{"secure remote", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "otel.example.com:4317"
			c.Insecure = false
		}, ""},
		{"bad sample rate", func(c *Config) { c.Enabled = true; c.SampleRate = 2 }, "sample rate"},
		{"zero interval", func(c *Config) { c.Enabled = true; c.ExportInterval = 0 }, "export interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "http://127.0.0.1:4318",
		Protocol:    "http/protobuf",
		ServiceName: "newsrag-test",
		SampleRate:  0.5,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "newsrag-test", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, 0.5, cfg.SampleRate)
	assert.Equal(t, 15*time.Second, cfg.ExportInterval.Duration())
	require.NoError(t, cfg.Validate())

	remote := FromSettings(config.TelemetryConfig{Endpoint: "collector.internal:4317"}, "")
	assert.False(t, remote.Insecure)
	assert.Equal(t, "grpc", remote.Protocol)
	assert.Equal(t, "0.1.0", remote.ServiceVersion)
}

func TestIsLoopback(t *testing.T) {
	for endpoint, want := range map[string]bool{
		"localhost:4317":        true,
		"127.0.0.1:4317":        true,
		"[::1]:4317":            true,
		"https://127.0.0.2:443": true,
		"collector:4318":        false,
		"10.0.0.5:4317":         false,
	} {
		assert.Equal(t, want, isLoopback(endpoint), endpoint)
	}
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tt := NewTestTelemetry()
	_, span := tt.Tracer("test").Start(context.Background(), "rag.ask")
	span.SetAttributes(attribute.String("rag.collection", "news_articles"))
	span.End()

	attrs := tt.RequireSpan(t, "rag.ask")
	assert.Equal(t, "news_articles", attrs["rag.collection"])

	_, found := tt.Span("rag.embed")
	assert.False(t, found)
}
