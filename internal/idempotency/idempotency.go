// Package idempotency caches transition results by client-supplied key so a
// retried request does not run a transition twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/stageflow/model"
)

// Store deduplicates transition requests.
type Store interface {
	// Check looks up a previous result by key. If the key exists and the
	// request hash matches, it returns the cached result. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key, requestHash string) (result *model.TransitionResult, found bool, err error)

	// Save stores a result under the key for ttl.
	Save(ctx context.Context, key, requestHash string, result model.TransitionResult, ttl time.Duration) error
}

// entry is the stored value for an idempotency key.
type entry struct {
	RequestHash string                 `json:"request_hash"`
	Result      model.TransitionResult `json:"result"`
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different request", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached result.
func (s *MemoryStore) Check(_ context.Context, key, requestHash string) (*model.TransitionResult, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if e.data.RequestHash != requestHash {
		return nil, true, conflict(key)
	}
	result := e.data.Result
	return &result, true, nil
}

// Save stores a result with TTL.
func (s *MemoryStore) Save(_ context.Context, key, requestHash string, result model.TransitionResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{RequestHash: requestHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Keys expire through Redis TTLs.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached result in Redis.
func (s *RedisStore) Check(ctx context.Context, key, requestHash string) (*model.TransitionResult, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, model.NewStoreFailureError("redis get "+key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if e.RequestHash != requestHash {
		return nil, true, conflict(key)
	}
	return &e.Result, true, nil
}

// Save stores a result in Redis with TTL.
func (s *RedisStore) Save(ctx context.Context, key, requestHash string, result model.TransitionResult, ttl time.Duration) error {
	data, err := json.Marshal(entry{RequestHash: requestHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return model.NewStoreFailureError("redis set "+key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatKey builds the storage key for a client-supplied idempotency key.
// Keys are namespaced per organization and project.
func FormatKey(organizationID, projectID, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", organizationID, projectID, key)
}

// HashRequest returns a stable hash of the request body.
func HashRequest(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
