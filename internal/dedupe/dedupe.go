// SPDX-License-Identifier: MIT

// Package dedupe provides the short-term dispatch dedupe cache keyed by
// (room, agent). The cache is advisory: the authoritative dedupe remains the
// store's uniqueness constraint on request_id.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache answers "was this (room, agent) dispatched within the TTL?".
type Cache interface {
	// Seen marks the pair and reports whether it was already marked.
	Seen(ctx context.Context, room, agent string) (bool, error)
	Close() error
}

func cacheKey(room, agent string) string {
	return fmt.Sprintf("dispatch:%s:%s", room, agent)
}

// memoryCache is the in-process TTL map, the default backend.
type memoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	clock   func() time.Time
}

// NewMemory returns an in-process cache.
func NewMemory(ttl time.Duration, clock func() time.Time) Cache {
	if clock == nil {
		clock = time.Now
	}
	return &memoryCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		clock:   clock,
	}
}

func (m *memoryCache) Seen(_ context.Context, room, agent string) (bool, error) {
	key := cacheKey(room, agent)
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Opportunistic sweep keeps the map from growing unbounded.
	if len(m.entries) > 4096 {
		for k, exp := range m.entries {
			if exp.Before(now) {
				delete(m.entries, k)
			}
		}
	}

	if exp, ok := m.entries[key]; ok && exp.After(now) {
		return true, nil
	}
	m.entries[key] = now.Add(m.ttl)
	return false, nil
}

func (m *memoryCache) Close() error { return nil }

// redisCache shares dispatch state across processes.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis returns a Redis-backed cache for multi-process deployments.
func NewRedis(addr string, ttl time.Duration) Cache {
	return &redisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (r *redisCache) Seen(ctx context.Context, room, agent string) (bool, error) {
	ok, err := r.client.SetNX(ctx, cacheKey(room, agent), 1, r.ttl).Result()
	if err != nil {
		return false, err
	}
	// SetNX succeeded means not previously seen.
	return !ok, nil
}

func (r *redisCache) Close() error { return r.client.Close() }
