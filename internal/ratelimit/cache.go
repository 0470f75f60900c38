package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPayloadCache backs PayloadCache with Redis, generalized from
// data/cache/cache.go's redisCache: keys are namespaced, values carry
// their own TTL via SetEx, and a miss is never an error.
type RedisPayloadCache struct {
	client *redis.Client
	prefix string
}

// NewRedisPayloadCache wraps an existing Redis client.
func NewRedisPayloadCache(client *redis.Client) *RedisPayloadCache {
	return &RedisPayloadCache{client: client, prefix: "cryptoetl:lastpayload:"}
}

func (c *RedisPayloadCache) key(source string) string {
	return c.prefix + source
}

// Get returns the cached payload and its age. A miss, a Redis error,
// or a malformed stored value all report ok=false: the caller treats
// cache unavailability the same as cache emptiness.
func (c *RedisPayloadCache) Get(ctx context.Context, source string) ([]byte, time.Duration, bool) {
	val, err := c.client.Get(ctx, c.key(source)).Bytes()
	if err != nil {
		return nil, 0, false
	}

	ttl, err := c.client.TTL(ctx, c.key(source)).Result()
	if err != nil || ttl <= 0 {
		return val, 0, true
	}

	age := cacheTTL - ttl
	if age < 0 {
		age = 0
	}
	return val, age, true
}

// Set stores payload under source with the given TTL.
func (c *RedisPayloadCache) Set(ctx context.Context, source string, payload []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(source), payload, ttl).Err()
}

// MemoryPayloadCache is an in-process PayloadCache for tests and for
// running without Redis configured. Keyspace is bounded by source
// count, so entries are never evicted: Set overwrites in place and Get
// reports each entry's age, leaving the freshness check to the caller.
type MemoryPayloadCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	payload  []byte
	storedAt time.Time
}

// NewMemoryPayloadCache constructs an empty in-memory cache.
func NewMemoryPayloadCache() *MemoryPayloadCache {
	return &MemoryPayloadCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryPayloadCache) Get(_ context.Context, source string) ([]byte, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[source]
	if !ok {
		return nil, 0, false
	}
	return e.payload, time.Since(e.storedAt), true
}

func (c *MemoryPayloadCache) Set(_ context.Context, source string, payload []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[source] = memoryEntry{payload: payload, storedAt: time.Now()}
	return nil
}
