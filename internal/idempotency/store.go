// Package idempotency remembers the result of a create request so a client
// retrying with the same Idempotency-Key gets the original application back
// instead of a duplicate.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/approvals/internal/clock"
	"github.com/pitabwire/approvals/model"
)

// Store deduplicates requests by key.
type Store interface {
	// Check looks up a previous result by key. When the key exists with a
	// different input hash it reports found together with a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (result *model.Bundle, found bool, err error)

	// Reserve marks key as in flight for ttl unless the key is already taken.
	// While reserved, Check reports the key as found with a CONFLICT error.
	Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (bool, error)

	// Release drops a reservation whose request failed, so a retry can run.
	Release(ctx context.Context, key string) error

	// Store saves a result under key for ttl, replacing any reservation.
	Store(ctx context.Context, key, inputHash string, result model.Bundle, ttl time.Duration) error
}

// entry is the stored value for a key.
type entry struct {
	InputHash string       `json:"input_hash"`
	Pending   bool         `json:"pending,omitempty"`
	Result    model.Bundle `json:"result"`
}

// verdict answers a Check against a live entry.
func (e entry) verdict(key, inputHash string) (*model.Bundle, bool, error) {
	switch {
	case e.InputHash != inputHash:
		return nil, true, conflict(key)
	case e.Pending:
		return nil, true, model.NewConflictError(fmt.Sprintf("idempotency key %q is already in progress", key))
	}
	result := e.Result.Clone()
	return &result, true, nil
}

// Key builds the storage key for one actor's request: idem:{scope}:{actor}:{key}.
// Keys are per actor so two users cannot collide on the same client key.
func Key(scope string, actorID int64, key string) string {
	return fmt.Sprintf("idem:%s:%d:%s", scope, actorID, key)
}

// HashInput returns the hex SHA-256 of v's JSON encoding.
func HashInput(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash input: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryStore ---

// MemoryStore is an in-process Store with TTL support, for single-instance
// deployments and tests.
type MemoryStore struct {
	clock   clock.Clock
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a MemoryStore. A nil clock means the wall clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.System()
	}
	return &MemoryStore{clock: clk, entries: make(map[string]memEntry)}
}

// Check looks up a cached result, dropping it once expired.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*model.Bundle, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if !s.clock.Now().Before(e.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}

	return e.data.verdict(key, inputHash)
}

// Reserve claims key unless a live entry holds it.
func (s *MemoryStore) Reserve(_ context.Context, key, inputHash string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Pending: true},
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

// Release drops key if it is still only reserved.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.data.Pending {
		delete(s.entries, key)
	}
	return nil
}

// Store saves a result with TTL.
func (s *MemoryStore) Store(_ context.Context, key, inputHash string, result model.Bundle, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Result: result.Clone()},
		expiresAt: s.clock.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Store shared through Redis. Expiry is left to Redis.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached result in Redis.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*model.Bundle, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return e.verdict(key, inputHash)
}

// Reserve claims key with SETNX.
func (s *RedisStore) Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(entry{InputHash: inputHash, Pending: true})
	if err != nil {
		return false, fmt.Errorf("marshal idempotency reservation: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Release deletes the reservation for key.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Store saves a result in Redis with TTL.
func (s *RedisStore) Store(ctx context.Context, key, inputHash string, result model.Bundle, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
