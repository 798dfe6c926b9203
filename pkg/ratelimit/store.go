package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists BackoffState per tenant. Load returns nil, nil when the
// tenant has no state.
type Store interface {
	Load(ctx context.Context, tenant string) (*BackoffState, error)
	Save(ctx context.Context, state *BackoffState) error
	Clear(ctx context.Context, tenant string) error
}

// RedisStore shares backoff state between processes.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

func redisKey(tenant, field string) string {
	return RedisKeyPrefix + tenant + ":" + field
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, tenant string) (*BackoffState, error) {
	pipe := s.redis.Pipeline()
	untilCmd := pipe.Get(ctx, redisKey(tenant, redisFieldUntil))
	hitsCmd := pipe.Get(ctx, redisKey(tenant, redisFieldHits))
	updatedCmd := pipe.Get(ctx, redisKey(tenant, redisFieldUpdated))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load backoff state: %w", err)
	}

	untilMs, err := untilCmd.Int64()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parse backoff until: %w", err)
	}
	hits, err := hitsCmd.Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("parse backoff hits: %w", err)
	}
	updatedMs, err := updatedCmd.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("parse backoff last update: %w", err)
	}

	return &BackoffState{
		Tenant:     tenant,
		Until:      time.UnixMilli(untilMs),
		Hits:       hits,
		LastUpdate: time.UnixMilli(updatedMs),
	}, nil
}

// Save implements Store. Keys expire shortly after the window closes.
func (s *RedisStore) Save(ctx context.Context, state *BackoffState) error {
	ttl := time.Until(state.Until) + redisExpiryPadding
	if ttl < redisExpiryPadding {
		ttl = redisExpiryPadding
	}

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, redisKey(state.Tenant, redisFieldUntil), state.Until.UnixMilli(), ttl)
	pipe.Set(ctx, redisKey(state.Tenant, redisFieldHits), state.Hits, ttl)
	pipe.Set(ctx, redisKey(state.Tenant, redisFieldUpdated), state.LastUpdate.UnixMilli(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store backoff state in redis: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, tenant string) error {
	err := s.redis.Del(ctx,
		redisKey(tenant, redisFieldUntil),
		redisKey(tenant, redisFieldHits),
		redisKey(tenant, redisFieldUpdated),
	).Err()
	if err != nil {
		return fmt.Errorf("clear backoff state: %w", err)
	}
	return nil
}

// MemoryStore keeps backoff state in process.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]BackoffState
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]BackoffState)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, tenant string) (*BackoffState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[tenant]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, state *BackoffState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Tenant] = *state
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, tenant)
	return nil
}
