// Package cache implements the optional result cache on Redis.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"transform_worker/core/port/out"
)

// resultTTL keeps memoized results long enough to survive a re-run of the
// same mailbox without pinning stale answers forever.
const resultTTL = 2 * time.Hour

// RedisResultCache implements out.ResultCache. Backend errors are logged and
// treated as misses so the pipeline never fails because of the cache.
type RedisResultCache struct {
	client *redis.Client
	log    zerolog.Logger
}

var _ out.ResultCache = (*RedisResultCache)(nil)

// NewRedisResultCache creates the cache around an existing client.
func NewRedisResultCache(client *redis.Client, log zerolog.Logger) *RedisResultCache {
	return &RedisResultCache{
		client: client,
		log:    log.With().Str("component", "result_cache").Logger(),
	}
}

// GetString returns the cached value for key, or ok=false on miss or error.
func (c *RedisResultCache) GetString(ctx context.Context, key string) (string, bool) {
	value, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("cache get failed")
		return "", false
	}
	return value, true
}

// SetString stores value under key with the standard TTL. Failures are
// logged and ignored.
func (c *RedisResultCache) SetString(ctx context.Context, key, value string) {
	if err := c.client.Set(ctx, key, value, resultTTL).Err(); err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("cache set failed")
	}
}
