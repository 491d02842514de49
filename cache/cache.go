// Package cache provides the advisory TTL cache used by file processing
// and action results. It is keyed by content fingerprint and backed by
// Redis; callers must tolerate misses and swallow cache errors.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with JSON value encoding. Every operation
// returns an error the caller is expected to swallow; the cache is
// advisory, never authoritative.
type Cache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// New constructs a Cache over an existing Redis client.
func New(client *redis.Client, prefix string, logger *slog.Logger) *Cache {
	if prefix == "" {
		prefix = "peas"
	}
	return &Cache{client: client, prefix: prefix, logger: logger}
}

func (c *Cache) key(k string) string {
	return c.prefix + ":" + k
}

// IsReady reports whether the backing Redis is reachable.
func (c *Cache) IsReady(ctx context.Context) bool {
	if c == nil || c.client == nil {
		return false
	}
	return c.client.Ping(ctx).Err() == nil
}

// Get loads a cached value into dest. A miss returns (false, nil).
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores a value with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// KeyGenerator derives deterministic, content-addressed cache keys.
type KeyGenerator struct{}

// FileProcessing fingerprints a file by path, size, mtime, and a content
// hash. Identical inputs always yield the same key.
func (KeyGenerator) FileProcessing(path string, size int64, modTime time.Time, content []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|", path, size, modTime.UnixNano())
	h.Write(content)
	return "file:" + hex.EncodeToString(h.Sum(nil))
}

// ActionResult fingerprints an action invocation by name and input.
func (KeyGenerator) ActionResult(actionName string, input []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|", actionName)
	h.Write(input)
	return "action:" + hex.EncodeToString(h.Sum(nil))
}
