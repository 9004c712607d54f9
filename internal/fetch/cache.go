package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/formscan/formscan/pkg/logger"
)

// RedisCache caches fetched page bodies in Redis with a TTL. Errors degrade
// to cache misses so an unavailable Redis never blocks a crawl.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *redis.Client, ttl time.Duration, log *logger.Logger) *RedisCache {
	if log == nil {
		log = logger.NewDefault("fetch-cache")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl, log: log}
}

var _ Cache = (*RedisCache)(nil)

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "formscan:page:" + hex.EncodeToString(sum[:])
}

func (c *RedisCache) Get(ctx context.Context, url string) ([]byte, bool) {
	body, err := c.client.Get(ctx, cacheKey(url)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).Debug("page cache get failed")
		}
		return nil, false
	}
	return body, true
}

func (c *RedisCache) Set(ctx context.Context, url string, body []byte) {
	if err := c.client.Set(ctx, cacheKey(url), body, c.ttl).Err(); err != nil {
		c.log.WithError(err).Debug("page cache set failed")
	}
}
