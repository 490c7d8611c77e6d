// Package cache provides the short-lived byte cache backing analytics
// report responses. Entries are advisory: a miss or backend failure
// only costs a recomputation, never correctness.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key is absent or expired
var ErrNotFound = errors.New("key not found in cache")

// Cache stores opaque byte values with a per-entry TTL
type Cache interface {
	// Get returns the value for key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources
	Close() error
}

// Config selects and configures a cache backend
type Config struct {
	Backend          string // "memory", "redis", "memcached"
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	MemcachedServers []string
}

// New creates a cache for the configured backend
func New(cfg Config) (Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "memcached":
		return NewMemcached(cfg.MemcachedServers), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}
}
