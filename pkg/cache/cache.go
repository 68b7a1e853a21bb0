// Package cache provides a Redis-backed cache for workload metric
// snapshots. A nil *Cache is valid and behaves as a permanent miss, so
// callers never need to branch on whether caching is enabled.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"optiq/pkg/logx"
)

// ErrMiss is returned when a key is absent or caching is disabled.
var ErrMiss = errors.New("cache miss")

// Cache wraps a Redis client with JSON serialization and a default TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logx.Logger
}

// New connects to Redis at addr. Returns an error if the server is
// unreachable; callers that treat caching as optional should log and
// continue with a nil Cache.
func New(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}

	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	logger := logx.NewLogger("cache")
	logger.Info("connected to redis: %s (db=%d, ttl=%s)", addr, db, ttl)
	return &Cache{client: client, ttl: ttl, logger: logger}, nil
}

// Get unmarshals the cached value for key into out. Returns ErrMiss when
// the key is absent or the cache is disabled.
func (c *Cache) Get(ctx context.Context, key string, out any) error {
	if c == nil {
		return ErrMiss
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// A corrupt entry is treated as a miss rather than an error.
		c.logger.Warn("dropping corrupt cache entry %s: %v", key, err)
		_ = c.client.Del(ctx, key).Err()
		return ErrMiss
	}
	return nil
}

// Set stores value under key with the default TTL. No-op when disabled.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. No-op when disabled.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if c == nil {
		return nil
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Close releases the Redis connection. Safe on nil.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
