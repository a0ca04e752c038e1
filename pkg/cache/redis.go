// Package cache provides a small Redis-backed cache used for metadata
// caching and process-level dedup checks, separate from the priority
// queue in internal/queue (which owns the ordered-set and map
// structures described by the spec).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrKeyNotFound is returned by Get when the key does not exist or has
// expired.
var ErrKeyNotFound = errors.New("key not found")

// RedisCache wraps a go-redis client with JSON-aware Get/Set helpers.
type RedisCache struct {
	client *redis.Client
	ctx    context.Context
}

// New creates a RedisCache against the given address.
func New(addr string) *RedisCache {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisCache{client: client, ctx: client.Context()}
}

// NewFromClient wraps an already-configured client, useful when the
// client is shared with the queue/pubsub/lock packages.
func NewFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, ctx: client.Context()}
}

// Close closes the underlying Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Set JSON-encodes value and stores it under key with the given TTL.
// A zero TTL means no expiration.
func (c *RedisCache) Set(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	return c.client.Set(c.ctx, key, data, ttl).Err()
}

// Get decodes the JSON stored at key into dest.
func (c *RedisCache) Get(key string, dest interface{}) error {
	data, err := c.client.Get(c.ctx, key).Bytes()
	if err == redis.Nil {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache: unmarshal %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (c *RedisCache) Exists(key string) (bool, error) {
	n, err := c.client.Exists(c.ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes key.
func (c *RedisCache) Delete(key string) error {
	return c.client.Del(c.ctx, key).Err()
}

// SetNX sets key only if it does not already exist, returning whether
// the set happened. Used for simple advisory locks.
func (c *RedisCache) SetNX(key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	return c.client.SetNX(c.ctx, key, data, ttl).Result()
}

// Increment atomically increments a counter key and returns its new
// value.
func (c *RedisCache) Increment(key string) (int64, error) {
	return c.client.Incr(c.ctx, key).Result()
}

// IncrementWithTTL increments a counter and ensures it has a TTL set
// (only applied the first time the key is created), used for the
// generator pipeline's daily processed counter.
func (c *RedisCache) IncrementWithTTL(key string, ttl time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(c.ctx, key)
	pipe.Expire(c.ctx, key, ttl)
	if _, err := pipe.Exec(c.ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// SAdd adds member to a named set, returning true if it was newly added.
func (c *RedisCache) SAdd(set, member string) (bool, error) {
	n, err := c.client.SAdd(c.ctx, set, member).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SIsMember reports whether member is present in a named set.
func (c *RedisCache) SIsMember(set, member string) (bool, error) {
	return c.client.SIsMember(c.ctx, set, member).Result()
}

// Client exposes the underlying client for packages that need
// primitives RedisCache does not wrap (ZADD/ZPOPMIN/pub-sub/Lua).
func (c *RedisCache) Client() *redis.Client {
	return c.client
}
