package cache

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached is the memcached-backed cache. Expirations are rounded up
// to whole seconds because that is the protocol's granularity.
type Memcached struct {
	client *memcache.Client
}

// NewMemcached creates a cache over the given server list
func NewMemcached(servers []string) *Memcached {
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	return &Memcached{client: memcache.New(servers...)}
}

// Get implements Cache
func (m *Memcached) Get(_ context.Context, key string) ([]byte, error) {
	item, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.Value, nil
}

// Set implements Cache
func (m *Memcached) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp int32
	if ttl > 0 {
		secs := math.Ceil(ttl.Seconds())
		if secs > math.MaxInt32 {
			secs = math.MaxInt32
		}
		exp = int32(secs)
	}

	return m.client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: exp,
	})
}

// Delete implements Cache
func (m *Memcached) Delete(_ context.Context, key string) error {
	err := m.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

// Close implements Cache
func (m *Memcached) Close() error {
	return m.client.Close()
}
