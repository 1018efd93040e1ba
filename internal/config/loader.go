package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// maxFileSize bounds the YAML config file.
const maxFileSize = 1 << 20

// legacyEnv maps the flat variable names of older deployments onto keys.
var legacyEnv = map[string]string{
	"PORT":              "server.http_port",
	"REDIS_URL":         "session.redis_url",
	"SESSION_SET_KEY":   "session.index_key",
	"JINA_URL":          "embeddings.url",
	"JINA_API_KEY":      "embeddings.api_key",
	"GEMINI_API_KEY":    "generation.api_key",
	"QDRANT_HOST":       "vectorstore.host",
	"QDRANT_PORT":       "vectorstore.port",
	"QDRANT_API_KEY":    "vectorstore.api_key",
	"QDRANT_COLLECTION": "vectorstore.collection",
	"RSS_FEEDS":         "ingestion.feeds",
}

var sections = []string{
	"server", "session", "rag", "vectorstore", "embeddings", "generation",
	"ingestion", "stream", "events", "logging", "telemetry",
}

// LoadDotEnv exports the variables of each existing .env file. Variables
// already in the environment are left alone.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		err := godotenv.Load(p)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return fmt.Errorf("%s: %w", p, err)
	}
	return nil
}

// Load builds the configuration. Environment variables beat the YAML file
// at path, which beats the defaults. An empty path skips the file.
//
// Variables are named SECTION_FIELD, split at the first underscore:
//
//	SESSION_TTL             -> session.ttl
//	VECTORSTORE_VECTOR_SIZE -> vectorstore.vector_size
//
// The legacy names in legacyEnv (RSS_FEEDS, JINA_API_KEY, ...) also work.
// Lists such as RSS_FEEDS are comma separated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		raw, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	cfg := newBase()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// readFile reads the config file, which may hold API keys. Outside Windows
// it must not be readable by group or others. Checks run on the open
// descriptor so the file cannot be swapped in between.
func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	if perm := info.Mode().Perm(); runtime.GOOS != "windows" && perm&0o077 != 0 {
		return nil, fmt.Errorf("insecure config file permissions %v on %s: use 0600 or 0400", perm, path)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file %s is %d bytes, limit is %d", path, info.Size(), maxFileSize)
	}
	return io.ReadAll(io.LimitReader(f, maxFileSize))
}

// envKey returns the config key for an environment variable, or "" to
// skip it.
func envKey(name string) string {
	if key, ok := legacyEnv[name]; ok {
		return key
	}
	section, field, ok := strings.Cut(strings.ToLower(name), "_")
	if !ok || field == "" {
		return ""
	}
	for _, s := range sections {
		if s == section {
			return section + "." + field
		}
	}
	return ""
}
