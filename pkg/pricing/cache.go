package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the hot price cache keyed by asset and hour bucket.
type Cache interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	SetString(ctx context.Context, key string, value string, expiration time.Duration) error
}

// RedisCache backs the hot cache with Redis so price hits are shared across
// worker processes.
type RedisCache struct {
	client redis.Cmdable
}

// NewRedisCache wraps a go-redis client (or a redismock in tests).
func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) GetString(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (c *RedisCache) SetString(ctx context.Context, key string, value string, expiration time.Duration) error {
	if err := c.client.Set(ctx, key, value, expiration).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// MemoryCache is the in-process fallback used when no Redis is configured
// and by tests.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryItem)}
}

func (c *MemoryCache) GetString(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(item.expiresAt) {
		return "", false, nil
	}
	return item.value, true, nil
}

func (c *MemoryCache) SetString(_ context.Context, key string, value string, expiration time.Duration) error {
	c.mu.Lock()
	c.items[key] = memoryItem{value: value, expiresAt: time.Now().Add(expiration)}
	c.mu.Unlock()
	return nil
}
