package xsearch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache stores search results in Redis for a short TTL. A cache miss or a
// Redis failure is never an error to the caller; the client just fetches.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache wraps a Redis client. TTL defaults to five minutes.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func cacheKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return "xsearch:" + hex.EncodeToString(sum[:16])
}

// Get returns cached posts for a query, if present
func (c *Cache) Get(ctx context.Context, query string) ([]Post, bool) {
	raw, err := c.client.Get(ctx, cacheKey(query)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Msg("Search cache read failed")
		}
		return nil, false
	}

	var posts []Post
	if err := json.Unmarshal(raw, &posts); err != nil {
		log.Warn().Err(err).Msg("Search cache entry corrupt, dropping")
		c.client.Del(ctx, cacheKey(query))
		return nil, false
	}
	return posts, true
}

// Set stores posts for a query
func (c *Cache) Set(ctx context.Context, query string, posts []Post) {
	raw, err := json.Marshal(posts)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(query), raw, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("Search cache write failed")
	}
}
