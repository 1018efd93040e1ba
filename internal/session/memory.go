package session

import (
	"cmp"
	"context"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
)

const backendMemory = "memory"

// indexKey orders the in-memory session index by last activity, then id.
type indexKey struct {
	score int64
	id    string
}

func compareIndexKeys(a, b interface{}) int {
	ka, kb := a.(indexKey), b.(indexKey)
	if c := cmp.Compare(ka.score, kb.score); c != 0 {
		return c
	}
	return cmp.Compare(ka.id, kb.id)
}

type memLog struct {
	messages []Message
	expires  time.Time
}

// MemoryStore keeps sessions in process memory. The index is a red-black
// tree keyed by (last activity, id) so expiry sweeps walk it from the left.
type MemoryStore struct {
	opts Options

	mu     sync.RWMutex
	index  *redblacktree.Tree
	scores map[string]int64
	logs   map[string]*memLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	opts.applyDefaults()
	return &MemoryStore{
		opts:   opts,
		index:  redblacktree.NewWith(compareIndexKeys),
		scores: make(map[string]int64),
		logs:   make(map[string]*memLog),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context) (string, error) {
	id := NewID()
	now := s.opts.Clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(id, now)
	s.logs[id] = &memLog{expires: now.Add(s.opts.TTL)}
	return id, nil
}

// touch moves id to score now in the index. Callers hold mu.
func (s *MemoryStore) touch(id string, now time.Time) {
	if old, ok := s.scores[id]; ok {
		s.index.Remove(indexKey{score: old, id: id})
	}
	sc := score(now)
	s.index.Put(indexKey{score: sc, id: id}, struct{}{})
	s.scores[id] = sc
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, sessionID string, msg Message) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	if err := msg.validate(); err != nil {
		return err
	}
	now := s.opts.Clock()

	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[sessionID]
	if log == nil || !now.Before(log.expires) {
		log = &memLog{}
		s.logs[sessionID] = log
	}
	log.messages = append(log.messages, msg)
	log.expires = now.Add(s.opts.TTL)
	s.touch(sessionID, now)

	MessagesAppended.WithLabelValues(backendMemory, string(msg.Role)).Inc()
	return nil
}

// History implements Store.
func (s *MemoryStore) History(ctx context.Context, sessionID string) ([]Message, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	now := s.opts.Clock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[sessionID]
	if log == nil || !now.Before(log.expires) {
		return []Message{}, nil
	}
	out := make([]Message, len(log.messages))
	copy(out, log.messages)
	return out, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(sessionID)
	return nil
}

func (s *MemoryStore) remove(id string) {
	if sc, ok := s.scores[id]; ok {
		s.index.Remove(indexKey{score: sc, id: id})
		delete(s.scores, id)
	}
	delete(s.logs, id)
}

// ListActive implements Store.
func (s *MemoryStore) ListActive(ctx context.Context) ([]string, error) {
	cutoff := score(s.opts.Clock().Add(-s.opts.TTL))

	s.mu.Lock()
	defer s.mu.Unlock()

	reaped := 0
	for node := s.index.Left(); node != nil; node = s.index.Left() {
		key := node.Key.(indexKey)
		if key.score > cutoff {
			break
		}
		s.remove(key.id)
		reaped++
	}
	if reaped > 0 {
		ReapedSessions.WithLabelValues(backendMemory).Add(float64(reaped))
	}

	keys := s.index.Keys()
	ids := make([]string, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		ids = append(ids, keys[i].(indexKey).id)
	}
	ActiveSessions.WithLabelValues(backendMemory).Set(float64(len(ids)))
	return ids, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
