package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/newsrag/internal/logging"
)

const backendRedis = "redis"

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection URL.
	URL string

	// IndexKey is the sorted set holding session ids scored by last
	// activity in milliseconds. Default: chat:sessions
	IndexKey string

	// KeyPrefix prefixes each session's message list. Default: chat:
	KeyPrefix string

	// OpTimeout bounds each store operation. Default: 5s
	OpTimeout time.Duration

	Options
}

func (c *RedisConfig) applyDefaults() {
	if c.IndexKey == "" {
		c.IndexKey = "chat:sessions"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "chat:"
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
	c.Options.applyDefaults()
}

// RedisStore keeps the session index in a sorted set and each log in a list
// with a key TTL, so Redis expires idle logs on its own.
type RedisStore struct {
	client *redis.Client
	config RedisConfig
	logger *logging.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *logging.Logger) (*RedisStore, error) {
	cfg.applyDefaults()
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", ErrInvalidInput, err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &RedisStore{
		client: redis.NewClient(opts),
		config: cfg,
		logger: logger.Named("session.redis"),
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.client.Close()
		return nil, err
	}
	return s, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) logKey(sessionID string) string {
	return s.config.KeyPrefix + sessionID
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	// The log key does not exist until the first append, so the index entry
	// alone carries liveness until then.
	id := NewID()
	err := s.client.ZAdd(ctx, s.config.IndexKey, redis.Z{Score: float64(score(s.config.Clock())), Member: id}).Err()
	if err != nil {
		s.logger.Error(ctx, "creating session", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	return id, nil
}

// Append implements Store. Expiry is judged by the index score, not by
// the key TTL, so a log the index already considers expired is dropped
// before the push even when Redis has not evicted it yet.
func (s *RedisStore) Append(ctx context.Context, sessionID string, msg Message) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	if err := msg.validate(); err != nil {
		return err
	}
	encoded, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: encoding message: %v", ErrInvalidInput, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	now := s.config.Clock()
	expired, err := s.expired(ctx, sessionID, now)
	if err != nil {
		return unavailable("append", err)
	}

	key := s.logKey(sessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if expired {
			pipe.Del(ctx, key)
		}
		pipe.RPush(ctx, key, encoded)
		pipe.ZAdd(ctx, s.config.IndexKey, redis.Z{Score: float64(score(now)), Member: sessionID})
		pipe.Expire(ctx, key, s.config.TTL)
		return nil
	})
	if err != nil {
		return unavailable("append", err)
	}
	if expired {
		s.logger.Debug(logging.WithSessionID(ctx, sessionID), "discarded expired log before append")
	}
	MessagesAppended.WithLabelValues(backendRedis, string(msg.Role)).Inc()
	return nil
}

// expired reports whether the session's index score is outside the TTL
// window at now. Unknown sessions are not expired.
func (s *RedisStore) expired(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	sc, err := s.client.ZScore(ctx, s.config.IndexKey, sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return int64(sc) <= score(now.Add(-s.config.TTL)), nil
}

// History implements Store. A log whose index score is already past the
// TTL window is treated as expired even if Redis has not evicted it yet.
func (s *RedisStore) History(ctx context.Context, sessionID string) ([]Message, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	var (
		scoreCmd *redis.FloatCmd
		listCmd  *redis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		scoreCmd = pipe.ZScore(ctx, s.config.IndexKey, sessionID)
		listCmd = pipe.LRange(ctx, s.logKey(sessionID), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("history", err)
	}

	if sc, err := scoreCmd.Result(); err == nil {
		cutoff := score(s.config.Clock().Add(-s.config.TTL))
		if int64(sc) <= cutoff {
			return []Message{}, nil
		}
	}

	raw, err := listCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("history", err)
	}
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		m, err := decodeMessage(r)
		if err != nil {
			s.logger.Warn(logging.WithSessionID(ctx, sessionID), "skipping undecodable message", zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.logKey(sessionID))
		pipe.ZRem(ctx, s.config.IndexKey, sessionID)
		return nil
	})
	if err != nil {
		return unavailable("clear", err)
	}
	return nil
}

// ListActive implements Store.
func (s *RedisStore) ListActive(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	cutoff := strconv.FormatInt(score(s.config.Clock().Add(-s.config.TTL)), 10)
	expired, err := s.client.ZRangeByScore(ctx, s.config.IndexKey, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return nil, unavailable("list expired", err)
	}

	if len(expired) > 0 {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, s.config.IndexKey, "-inf", cutoff)
			keys := make([]string, 0, len(expired))
			for _, id := range expired {
				keys = append(keys, s.logKey(id))
			}
			pipe.Del(ctx, keys...)
			return nil
		})
		if err != nil {
			return nil, unavailable("reap expired", err)
		}
		ReapedSessions.WithLabelValues(backendRedis).Add(float64(len(expired)))
		s.logger.Debug(ctx, "reaped expired sessions", zap.Int("count", len(expired)))
	}

	active, err := s.client.ZRevRange(ctx, s.config.IndexKey, 0, -1).Result()
	if err != nil {
		return nil, unavailable("list active", err)
	}
	ActiveSessions.WithLabelValues(backendRedis).Set(float64(len(active)))
	return active, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
