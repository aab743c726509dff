package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps one State per provider id. Expired entries read as absent.
type Store interface {
	Get(ctx context.Context, providerID string) (*State, bool, error)
	Put(ctx context.Context, providerID string, st *State, ttl time.Duration) error
	Clear(ctx context.Context, providerID string) error
}

type memoryEntry struct {
	state     *State
	expiresAt time.Time
}

// MemoryStore is an in-process Store for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// WithClock overrides the time source.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Get(_ context.Context, providerID string) (*State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[providerID]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, providerID)
		return nil, false, nil
	}
	return e.state.Clone(), true, nil
}

func (m *MemoryStore) Put(_ context.Context, providerID string, st *State, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{state: st.Clone()}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[providerID] = e
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, providerID)
	return nil
}

// RedisStore shares sessions across gateway instances. A nil client behaves
// as a store that never has anything, which makes every call log in.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix + "session:"}
}

func (r *RedisStore) key(providerID string) string {
	return r.prefix + providerID
}

func (r *RedisStore) Get(ctx context.Context, providerID string) (*State, bool, error) {
	if r.rdb == nil {
		return nil, false, nil
	}
	data, err := r.rdb.Get(ctx, r.key(providerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get session: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("decode session: %w", err)
	}
	return &st, true, nil
}

func (r *RedisStore) Put(ctx context.Context, providerID string, st *State, ttl time.Duration) error {
	if r.rdb == nil {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key(providerID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context, providerID string) error {
	if r.rdb == nil {
		return nil
	}
	if err := r.rdb.Del(ctx, r.key(providerID)).Err(); err != nil {
		return fmt.Errorf("redis del session: %w", err)
	}
	return nil
}
