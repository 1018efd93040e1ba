package session

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/newsrag/internal/config"
	"github.com/fyrsmithlabs/newsrag/internal/logging"
)

// New creates the Store selected by cfg.Backend.
func New(ctx context.Context, cfg config.SessionConfig, logger *logging.Logger) (Store, error) {
	opts := Options{TTL: cfg.TTL.Duration()}
	switch cfg.Backend {
	case backendMemory, "":
		return NewMemoryStore(opts), nil
	case backendRedis:
		s, err := NewRedisStore(ctx, RedisConfig{
			URL:       cfg.RedisURL,
			IndexKey:  cfg.IndexKey,
			KeyPrefix: cfg.KeyPrefix,
			OpTimeout: cfg.OpTimeout.Duration(),
			Options:   opts,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case backendSQLite:
		s, err := NewSQLiteStore(ctx, SQLiteConfig{
			Path:      cfg.SQLitePath,
			OpTimeout: cfg.OpTimeout.Duration(),
			Options:   opts,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown session backend %q", ErrInvalidInput, cfg.Backend)
	}
}
