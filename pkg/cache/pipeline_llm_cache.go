// Package cache provides Redis-backed caches.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/goccy/go-json"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a thin Redis cache wrapper.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the value for key, or redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Set stores value under key with a TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// GetJSON unmarshals a JSON value into dest. Returns (false, nil) on miss.
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, err
	}

	return true, nil
}

// SetJSON stores value as JSON with a TTL.
func (c *RedisCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// =============================================================================
// Content-addressed completion cache
// =============================================================================

const completionTTL = time.Hour

// CompletionCache caches model completions keyed by (model, prompt digest).
// Coherence across processes is not required; a cold start warms quickly.
type CompletionCache struct {
	cache *RedisCache
}

// NewCompletionCache creates a completion cache on top of a Redis client.
func NewCompletionCache(client *redis.Client) *CompletionCache {
	return &CompletionCache{cache: NewRedisCache(client)}
}

// Key derives the content-addressed key for a model+prompt pair.
func (c *CompletionCache) Key(model, prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return "llm:completion:" + model + ":" + hex.EncodeToString(sum[:])
}

// Get returns a cached completion. Second return is false on miss.
func (c *CompletionCache) Get(ctx context.Context, model, prompt string) (string, bool) {
	val, err := c.cache.Get(ctx, c.Key(model, prompt))
	if err != nil {
		return "", false
	}
	return val, true
}

// Put stores a completion with the standard TTL.
func (c *CompletionCache) Put(ctx context.Context, model, prompt, completion string) error {
	return c.cache.Set(ctx, c.Key(model, prompt), completion, completionTTL)
}
