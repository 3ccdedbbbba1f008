package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/tessera/model"
)

// OutcomeStore keeps terminal events for a limited time so that awaiters
// that arrive after delivery can still resolve.
type OutcomeStore interface {
	Put(ctx context.Context, key string, ev model.Event, ttl time.Duration) error
	Get(ctx context.Context, key string) (model.Event, bool, error)
	Delete(ctx context.Context, key string) error
}

// --- MemoryOutcomeStore ---

// MemoryOutcomeStore is an in-memory OutcomeStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryOutcomeStore struct {
	mu      sync.RWMutex
	entries map[string]outcomeEntry
	now     func() time.Time
}

type outcomeEntry struct {
	event     model.Event
	expiresAt time.Time
}

// NewMemoryOutcomeStore creates a new in-memory outcome store.
func NewMemoryOutcomeStore() *MemoryOutcomeStore {
	return &MemoryOutcomeStore{
		entries: make(map[string]outcomeEntry),
		now:     time.Now,
	}
}

// Put stores ev under key until ttl elapses.
func (s *MemoryOutcomeStore) Put(_ context.Context, key string, ev model.Event, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = outcomeEntry{event: ev, expiresAt: s.now().Add(ttl)}
	return nil
}

// Get returns the event stored under key. Expired entries are removed.
func (s *MemoryOutcomeStore) Get(_ context.Context, key string) (model.Event, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return model.Event{}, false, nil
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return model.Event{}, false, nil
	}
	return e.event, true, nil
}

// Delete removes the event stored under key, if any.
func (s *MemoryOutcomeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Sweep removes expired entries and returns how many were dropped.
func (s *MemoryOutcomeStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of entries, expired ones included.
func (s *MemoryOutcomeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisOutcomeStore ---

// RedisOutcomeStore is a Redis-backed OutcomeStore. Outcomes survive a
// process restart and are visible to every replica sharing the instance.
// Payloads come back as generic JSON values.
type RedisOutcomeStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisOutcomeStore creates a Redis outcome store. Keys are
// "<prefix>outcome:<key>".
func NewRedisOutcomeStore(client redis.Cmdable, prefix string) *RedisOutcomeStore {
	return &RedisOutcomeStore{client: client, prefix: prefix}
}

// Put stores ev with a TTL.
func (s *RedisOutcomeStore) Put(ctx context.Context, key string, ev model.Event, ttl time.Duration) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	k := s.redisKey(key)
	if err := s.client.Set(ctx, k, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", k, err)
	}
	return nil
}

// Get loads the event stored under key.
func (s *RedisOutcomeStore) Get(ctx context.Context, key string) (model.Event, bool, error) {
	k := s.redisKey(key)
	raw, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Event{}, false, nil
	}
	if err != nil {
		return model.Event{}, false, fmt.Errorf("redis get %q: %w", k, err)
	}
	var ev model.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return model.Event{}, false, fmt.Errorf("unmarshal outcome %q: %w", k, err)
	}
	return ev, true, nil
}

// Delete removes the event stored under key.
func (s *RedisOutcomeStore) Delete(ctx context.Context, key string) error {
	k := s.redisKey(key)
	if err := s.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", k, err)
	}
	return nil
}

// HealthCheck pings the Redis server.
func (s *RedisOutcomeStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisOutcomeStore) redisKey(key string) string {
	return s.prefix + "outcome:" + key
}
