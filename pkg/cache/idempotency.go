/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache provides the request idempotency cache: duplicate-POST
// protection within a short TTL window. The default backend is an
// in-process map; a redis backend is available for deployments that want
// the window shared across replicas. Both are best-effort — the durable
// dedup is the triad job's unique constraint.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResponse is a memoized HTTP response.
type CachedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// IdempotencyCache memoizes responses by idempotency key.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (*CachedResponse, bool, error)
	Put(ctx context.Context, key string, resp *CachedResponse) error
}

// RequestKey derives the idempotency key for a request: the explicit
// Idempotency-Key header when present, otherwise a hash of method, path,
// and body.
func RequestKey(r *http.Request, body []byte) string {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		return key
	}
	sum := sha256.Sum256(append([]byte(r.Method+" "+r.URL.Path+"\n"), body...))
	return hex.EncodeToString(sum[:])
}

type memoryEntry struct {
	resp      *CachedResponse
	expiresAt time.Time
}

// MemoryCache is the in-process TTL cache. Expired entries are evicted
// lazily on read and opportunistically on write.
type MemoryCache struct {
	ttl   time.Duration
	clock func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// MemoryOption customizes a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.clock = clock }
}

// NewMemoryCache creates an in-process cache with the given TTL.
func NewMemoryCache(ttl time.Duration, opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[string]memoryEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) Get(ctx context.Context, key string) (*CachedResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.clock().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return entry.resp, true, nil
}

func (c *MemoryCache) Put(ctx context.Context, key string, resp *CachedResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	for k, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = memoryEntry{resp: resp, expiresAt: now.Add(c.ttl)}
	return nil
}

// RedisCache shares the idempotency window across replicas.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a redis-backed cache from a redis URL.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{rdb: redis.NewClient(opts), ttl: ttl}, nil
}

// Close releases the redis client.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

func redisKey(key string) string { return "idem:" + key }

func (c *RedisCache) Get(ctx context.Context, key string) (*CachedResponse, bool, error) {
	data, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, resp *CachedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, redisKey(key), data, c.ttl).Err()
}
