package imports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache holds recently read pending imports
type Cache interface {
	Get(ctx context.Context, id uint64) (*PendingImport, bool)
	Set(ctx context.Context, imp *PendingImport)
	Invalidate(ctx context.Context, id uint64)
	Ping(ctx context.Context) error
	Name() string
}

// NoopCache caches nothing
type NoopCache struct{}

func (NoopCache) Get(context.Context, uint64) (*PendingImport, bool) { return nil, false }
func (NoopCache) Set(context.Context, *PendingImport)                {}
func (NoopCache) Invalidate(context.Context, uint64)                 {}
func (NoopCache) Ping(context.Context) error                         { return nil }
func (NoopCache) Name() string                                       { return "disabled" }

const defaultCacheTTL = time.Hour

// RedisCache implements Cache with JSON values under import:<id>.
// Failures are logged and treated as misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to the Redis server named by a redis:// URL
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisCacheWithClient(client, defaultCacheTTL), nil
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(id uint64) string {
	return fmt.Sprintf("import:%d", id)
}

// Get returns the cached import, if present
func (c *RedisCache) Get(ctx context.Context, id uint64) (*PendingImport, bool) {
	data, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("Cache read failed", "id", id, "error", err)
		}
		return nil, false
	}
	var imp PendingImport
	if err := json.Unmarshal(data, &imp); err != nil {
		slog.Warn("Cache entry unreadable", "id", id, "error", err)
		return nil, false
	}
	return &imp, true
}

// Set stores an import
func (c *RedisCache) Set(ctx context.Context, imp *PendingImport) {
	data, err := json.Marshal(imp)
	if err != nil {
		slog.Warn("Cache encode failed", "id", imp.ID, "error", err)
		return
	}
	if err := c.client.Set(ctx, cacheKey(imp.ID), data, c.ttl).Err(); err != nil {
		slog.Warn("Cache write failed", "id", imp.ID, "error", err)
	}
}

// Invalidate drops an import
func (c *RedisCache) Invalidate(ctx context.Context, id uint64) {
	if err := c.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		slog.Warn("Cache invalidation failed", "id", id, "error", err)
	}
}

// Ping checks the Redis connection
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Name identifies the backend
func (c *RedisCache) Name() string {
	return "redis"
}

// Close closes the client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
