package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lorecraft/cardsmith/common/logger"
)

// RedisCache backs the Cache interface with Redis, so cached draft heads
// survive restarts and are shared across instances.
type RedisCache struct {
	client *redis.Client
	prefix string
	log    *logger.Logger
}

// NewRedisCache creates a cache over an existing Redis client. Keys are
// namespaced under the given prefix. The client is shared and not closed by
// this cache.
func NewRedisCache(client *redis.Client, prefix string, log *logger.Logger) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, log: log}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + ":" + k
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		// A cache outage degrades to a miss rather than failing the read.
		c.log.Warn("redis cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a value in cache with TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		c.log.Warn("redis cache set failed", "key", key, "error", err)
	}
	return nil
}

// Delete removes a value from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		c.log.Warn("redis cache delete failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Close is a no-op; the underlying client is owned by the caller.
func (c *RedisCache) Close() error {
	return nil
}
