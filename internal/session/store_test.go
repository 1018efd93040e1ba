package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/newsrag/internal/config"
)

const testTTL = time.Hour

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store   Store
	advance func(time.Duration)
}

type factory func(t *testing.T) harness

func memoryFactory(t *testing.T) harness {
	clock := newFakeClock()
	return harness{
		store:   NewMemoryStore(Options{TTL: testTTL, Clock: clock.Now}),
		advance: clock.Add,
	}
}

func redisFactory(t *testing.T) harness {
	mr := miniredis.RunT(t)
	clock := newFakeClock()
	s, err := NewRedisStore(context.Background(), RedisConfig{
		URL:     "redis://" + mr.Addr(),
		Options: Options{TTL: testTTL, Clock: clock.Now},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return harness{
		store: s,
		advance: func(d time.Duration) {
			clock.Add(d)
			mr.FastForward(d)
		},
	}
}

func sqliteFactory(t *testing.T) harness {
	clock := newFakeClock()
	s, err := NewSQLiteStore(context.Background(), SQLiteConfig{
		Path:    filepath.Join(t.TempDir(), "sessions.db"),
		Options: Options{TTL: testTTL, Clock: clock.Now},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return harness{store: s, advance: clock.Add}
}

var backends = map[string]factory{
	"memory": memoryFactory,
	"redis":  redisFactory,
	"sqlite": sqliteFactory,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, h harness)) {
	for name, f := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, f(t))
		})
	}
}

func TestStore_CreateIsListedWithEmptyHistory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		id, err := h.store.Create(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		h.advance(testTTL - time.Minute)
		active, err := h.store.ListActive(ctx)
		require.NoError(t, err)
		assert.Contains(t, active, id)

		history, err := h.store.History(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, history)
		assert.Empty(t, history)
	})
}

func TestStore_AppendPreservesOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		id, err := h.store.Create(ctx)
		require.NoError(t, err)

		var want []Message
		for i := 0; i < 20; i++ {
			msg := UserMessage(fmt.Sprintf("question %d", i))
			if i%2 == 1 {
				msg = BotMessage(fmt.Sprintf("answer %d", i))
			}
			require.NoError(t, h.store.Append(ctx, id, msg))
			want = append(want, msg)
			h.advance(time.Second)
		}

		got, err := h.store.History(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestStore_ClearIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		id, err := h.store.Create(ctx)
		require.NoError(t, err)
		require.NoError(t, h.store.Append(ctx, id, UserMessage("hi")))

		require.NoError(t, h.store.Clear(ctx, id))
		history, err := h.store.History(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, history)

		require.NoError(t, h.store.Clear(ctx, id))
		history, err = h.store.History(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, history)

		active, err := h.store.ListActive(ctx)
		require.NoError(t, err)
		assert.NotContains(t, active, id)

		require.NoError(t, h.store.Clear(ctx, "never-existed"))
	})
}

func TestStore_ExpiryWithoutClear(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		stale, err := h.store.Create(ctx)
		require.NoError(t, err)
		require.NoError(t, h.store.Append(ctx, stale, UserMessage("old question")))

		h.advance(30 * time.Minute)
		fresh, err := h.store.Create(ctx)
		require.NoError(t, err)

		h.advance(testTTL - 30*time.Minute + time.Second)

		// Expired but not yet reaped: history must already be empty.
		history, err := h.store.History(ctx, stale)
		require.NoError(t, err)
		assert.Empty(t, history)

		active, err := h.store.ListActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{fresh}, active)

		history, err = h.store.History(ctx, stale)
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

func TestStore_AppendExtendsLifetime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		id, err := h.store.Create(ctx)
		require.NoError(t, err)

		h.advance(50 * time.Minute)
		require.NoError(t, h.store.Append(ctx, id, UserMessage("still here")))
		h.advance(50 * time.Minute)

		active, err := h.store.ListActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, active)

		history, err := h.store.History(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []Message{UserMessage("still here")}, history)
	})
}

func TestStore_ListActiveMostRecentFirst(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		first, err := h.store.Create(ctx)
		require.NoError(t, err)
		h.advance(10 * time.Second)
		second, err := h.store.Create(ctx)
		require.NoError(t, err)

		active, err := h.store.ListActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{second, first}, active)

		h.advance(time.Second)
		require.NoError(t, h.store.Append(ctx, first, UserMessage("bump")))
		active, err = h.store.ListActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{first, second}, active)
	})
}

func TestStore_AppendToUnknownSessionStartsLog(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		id := NewID()
		require.NoError(t, h.store.Append(ctx, id, UserMessage("hello")))

		history, err := h.store.History(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []Message{UserMessage("hello")}, history)

		active, err := h.store.ListActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, active)
	})
}

func TestStore_Validation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		assert.ErrorIs(t, h.store.Append(ctx, "", UserMessage("x")), ErrInvalidInput)
		assert.ErrorIs(t, h.store.Append(ctx, "id", Message{Role: "system", Text: "x"}), ErrInvalidInput)
		_, err := h.store.History(ctx, " ")
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.ErrorIs(t, h.store.Clear(ctx, ""), ErrInvalidInput)
	})
}

func TestStore_ConcurrentSessionsDoNotMix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		const sessions, turns = 8, 10

		ids := make([]string, sessions)
		for i := range ids {
			id, err := h.store.Create(ctx)
			require.NoError(t, err)
			ids[i] = id
		}

		var wg sync.WaitGroup
		for i, id := range ids {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				for j := 0; j < turns; j++ {
					assert.NoError(t, h.store.Append(ctx, id, UserMessage(fmt.Sprintf("%d-%d", i, j))))
				}
			}(i, id)
		}
		wg.Wait()

		for i, id := range ids {
			history, err := h.store.History(ctx, id)
			require.NoError(t, err)
			require.Len(t, history, turns)
			for j, m := range history {
				assert.Equal(t, fmt.Sprintf("%d-%d", i, j), m.Text)
			}
		}
	})
}

func TestRedisStore_UnavailableErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisConfig{URL: "redis://" + mr.Addr()}, nil)
	require.NoError(t, err)
	defer s.Close()

	mr.SetError("LOADING server is loading")
	ctx := context.Background()

	id, err := s.Create(ctx)
	assert.Empty(t, id)
	assert.ErrorIs(t, err, ErrCreateFailed)

	assert.ErrorIs(t, s.Append(ctx, "abc", UserMessage("x")), ErrUnavailable)
	_, err = s.History(ctx, "abc")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = s.ListActive(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRedisStore_LayoutMatchesChatClients(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisConfig{URL: "redis://" + mr.Addr()}, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	id, err := s.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, id, UserMessage("Hello")))

	members, err := mr.ZMembers("chat:sessions")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, members)

	list, err := mr.List("chat:" + id)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"sender":"user","message":"Hello"}`}, list)
	assert.Equal(t, time.Hour, mr.TTL("chat:"+id))
}

func TestRedisStore_AppendAfterExpiryStartsFreshLog(t *testing.T) {
	mr := miniredis.RunT(t)
	clock := newFakeClock()
	s, err := NewRedisStore(context.Background(), RedisConfig{
		URL:     "redis://" + mr.Addr(),
		Options: Options{TTL: testTTL, Clock: clock.Now},
	}, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	id, err := s.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, id, UserMessage("stale")))

	// The server clock lags, so Redis still holds the list.
	clock.Add(testTTL + time.Second)
	mr.FastForward(testTTL - time.Second)
	require.True(t, mr.Exists("chat:"+id))

	history, err := s.History(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, s.Append(ctx, id, UserMessage("fresh")))
	history, err = s.History(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []Message{UserMessage("fresh")}, history)
	assert.Equal(t, testTTL, mr.TTL("chat:"+id))
}

func TestRedisStore_CreateOnlyWritesIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisConfig{URL: "redis://" + mr.Addr()}, nil)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Create(context.Background())
	require.NoError(t, err)
	assert.False(t, mr.Exists("chat:"+id))
	members, err := mr.ZMembers("chat:sessions")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, members)
}

func TestNewRedisStore_BadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisConfig{URL: "http://nope"}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, config.SessionConfig{Backend: "memory", TTL: config.Duration(time.Minute)}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New(ctx, config.SessionConfig{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "x.db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = New(ctx, config.SessionConfig{Backend: "etcd"}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRole(t *testing.T) {
	var r Role
	require.NoError(t, r.UnmarshalText([]byte("bot")))
	assert.Equal(t, RoleBot, r)
	assert.ErrorIs(t, r.UnmarshalText([]byte("assistant")), ErrInvalidInput)

	m, err := decodeMessage(`{"sender":"user","message":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, UserMessage("hi"), m)

	_, err = decodeMessage(`{"sender":"admin","message":"hi"}`)
	assert.Error(t, err)
}
