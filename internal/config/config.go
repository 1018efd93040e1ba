// Package config provides configuration loading for newsrag.
//
// Configuration is assembled from an optional YAML file, environment
// variables and built-in defaults. See Load for precedence rules.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Config holds the complete newsrag configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Session     SessionConfig     `koanf:"session"`
	RAG         RAGConfig         `koanf:"rag"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Generation  GenerationConfig  `koanf:"generation"`
	Ingestion   IngestionConfig   `koanf:"ingestion"`
	Stream      StreamConfig      `koanf:"stream"`
	Events      EventsConfig      `koanf:"events"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string `koanf:"cors_origins"`
}

// SessionConfig selects and tunes the session store.
type SessionConfig struct {
	Backend    string   `koanf:"backend"` // memory, redis or sqlite
	TTL        Duration `koanf:"ttl"`
	RedisURL   string   `koanf:"redis_url"`
	IndexKey   string   `koanf:"index_key"`
	KeyPrefix  string   `koanf:"key_prefix"`
	SQLitePath string   `koanf:"sqlite_path"`
	OpTimeout  Duration `koanf:"op_timeout"`
}

// RAGConfig tunes the query engine.
type RAGConfig struct {
	TopK              int    `koanf:"top_k"`
	BusyMessage       string `koanf:"busy_message"`
	EmptyMessage      string `koanf:"empty_message"`
	SystemInstruction string `koanf:"system_instruction"`
}

// VectorStoreConfig holds vector index configuration.
type VectorStoreConfig struct {
	Provider    string   `koanf:"provider"` // qdrant or chromem
	Host        string   `koanf:"host"`
	Port        int      `koanf:"port"`
	APIKey      Secret   `koanf:"api_key"`
	UseTLS      bool     `koanf:"use_tls"`
	Collection  string   `koanf:"collection"`
	VectorSize  uint64   `koanf:"vector_size"`
	Distance    string   `koanf:"distance"`
	Timeout     Duration `koanf:"timeout"`
	ChromemPath string   `koanf:"chromem_path"`
}

// EmbeddingsConfig holds embedding gateway configuration.
type EmbeddingsConfig struct {
	Provider   string   `koanf:"provider"` // jina, openai or local
	URL        string   `koanf:"url"`
	Model      string   `koanf:"model"`
	Task       string   `koanf:"task"`
	APIKey     Secret   `koanf:"api_key"`
	Timeout    Duration `koanf:"timeout"`
	BatchSize  int      `koanf:"batch_size"`
	LocalModel string   `koanf:"local_model"`
	CacheDir   string   `koanf:"cache_dir"`
}

// GenerationConfig holds answer generator configuration.
type GenerationConfig struct {
	BaseURL   string   `koanf:"base_url"`
	Model     string   `koanf:"model"`
	APIKey    Secret   `koanf:"api_key"`
	Timeout   Duration `koanf:"timeout"`
	RateLimit float64  `koanf:"rate_limit"`
	Burst     int      `koanf:"burst"`
}

// IngestionConfig controls the feed ingestion job.
type IngestionConfig struct {
	Feeds        []string `koanf:"feeds"`
	OnStartup    bool     `koanf:"on_startup"`
	Interval     Duration `koanf:"interval"`
	FetchTimeout Duration `koanf:"fetch_timeout"`
	MaxItems     int      `koanf:"max_items"`
}

// StreamConfig controls incremental reply delivery.
type StreamConfig struct {
	ChunkDelay Duration `koanf:"chunk_delay"`
	ChunkSize  int      `koanf:"chunk_size"`
}

// EventsConfig controls turn event publishing.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig is the subset of logging options exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig is the subset of OpenTelemetry options exposed to operators.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := newBase()
	applyDefaults(cfg)
	return cfg
}

// newBase returns the defaults that cannot be told apart from zero values
// after unmarshaling, so they are set before any source is applied.
func newBase() *Config {
	return &Config{
		Ingestion: IngestionConfig{OnStartup: true},
	}
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}

	if cfg.Session.Backend == "" {
		cfg.Session.Backend = "memory"
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = Duration(time.Hour)
	}
	if cfg.Session.RedisURL == "" {
		cfg.Session.RedisURL = "redis://localhost:6379/0"
	}
	if cfg.Session.IndexKey == "" {
		cfg.Session.IndexKey = "chat:sessions"
	}
	if cfg.Session.KeyPrefix == "" {
		cfg.Session.KeyPrefix = "chat:"
	}
	if cfg.Session.SQLitePath == "" {
		cfg.Session.SQLitePath = "newsrag.db"
	}
	if cfg.Session.OpTimeout == 0 {
		cfg.Session.OpTimeout = Duration(5 * time.Second)
	}

	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = 5
	}
	if cfg.RAG.BusyMessage == "" {
		cfg.RAG.BusyMessage = "Server is busy, Please try again later."
	}
	if cfg.RAG.EmptyMessage == "" {
		cfg.RAG.EmptyMessage = "Loading...."
	}
	if cfg.RAG.SystemInstruction == "" {
		cfg.RAG.SystemInstruction = "You are a helpful assistant answering questions based on the above news context."
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "qdrant"
	}
	if cfg.VectorStore.Host == "" {
		cfg.VectorStore.Host = "localhost"
	}
	if cfg.VectorStore.Port == 0 {
		cfg.VectorStore.Port = 6334
	}
	if cfg.VectorStore.Collection == "" {
		cfg.VectorStore.Collection = "news_articles"
	}
	if cfg.VectorStore.VectorSize == 0 {
		cfg.VectorStore.VectorSize = 1024 // jina-embeddings-v3
	}
	if cfg.VectorStore.Distance == "" {
		cfg.VectorStore.Distance = "cosine"
	}
	if cfg.VectorStore.Timeout == 0 {
		cfg.VectorStore.Timeout = Duration(10 * time.Second)
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "jina"
	}
	if cfg.Embeddings.Provider == "jina" {
		if cfg.Embeddings.URL == "" {
			cfg.Embeddings.URL = "https://api.jina.ai/v1/embeddings"
		}
		if cfg.Embeddings.Model == "" {
			cfg.Embeddings.Model = "jina-embeddings-v3"
		}
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-large"
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = 64
	}
	if cfg.Embeddings.LocalModel == "" {
		cfg.Embeddings.LocalModel = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.Task == "" {
		cfg.Embeddings.Task = "text-matching"
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = Duration(30 * time.Second)
	}

	if cfg.Generation.BaseURL == "" {
		cfg.Generation.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "gemini-2.5-flash"
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = Duration(60 * time.Second)
	}
	if cfg.Generation.RateLimit == 0 {
		cfg.Generation.RateLimit = 5
	}
	if cfg.Generation.Burst == 0 {
		cfg.Generation.Burst = 5
	}

	if cfg.Ingestion.FetchTimeout == 0 {
		cfg.Ingestion.FetchTimeout = Duration(30 * time.Second)
	}
	if cfg.Ingestion.MaxItems == 0 {
		cfg.Ingestion.MaxItems = 50
	}

	if cfg.Stream.ChunkDelay == 0 {
		cfg.Stream.ChunkDelay = Duration(20 * time.Millisecond)
	}
	if cfg.Stream.ChunkSize == 0 {
		cfg.Stream.ChunkSize = 1
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "newsrag"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "newsrag"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port))
	}

	switch c.Session.Backend {
	case "memory", "redis", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("session.backend must be memory, redis or sqlite, got %q", c.Session.Backend))
	}
	if c.Session.TTL.Duration() <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}

	if c.RAG.TopK < 1 {
		errs = append(errs, fmt.Errorf("rag.top_k must be >= 1, got %d", c.RAG.TopK))
	}

	switch c.VectorStore.Provider {
	case "qdrant", "chromem":
	default:
		errs = append(errs, fmt.Errorf("vectorstore.provider must be qdrant or chromem, got %q", c.VectorStore.Provider))
	}
	if !collectionNamePattern.MatchString(c.VectorStore.Collection) {
		errs = append(errs, fmt.Errorf("vectorstore.collection %q must match %s", c.VectorStore.Collection, collectionNamePattern))
	}
	if c.VectorStore.VectorSize == 0 {
		errs = append(errs, errors.New("vectorstore.vector_size must be positive"))
	}
	switch strings.ToLower(c.VectorStore.Distance) {
	case "cosine", "dot", "euclid":
	default:
		errs = append(errs, fmt.Errorf("vectorstore.distance must be cosine, dot or euclid, got %q", c.VectorStore.Distance))
	}

	switch c.Embeddings.Provider {
	case "jina", "openai", "local":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be jina, openai or local, got %q", c.Embeddings.Provider))
	}
	if c.Embeddings.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("embeddings.batch_size must be >= 1, got %d", c.Embeddings.BatchSize))
	}

	if c.Generation.RateLimit < 0 {
		errs = append(errs, errors.New("generation.rate_limit cannot be negative"))
	}

	if c.Stream.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("stream.chunk_size must be >= 1, got %d", c.Stream.ChunkSize))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}
