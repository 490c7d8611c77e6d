package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiration
}

// Memory is the in-process cache backend. A background janitor sweeps
// expired entries once a minute; reads also check expiry so a stale
// entry is never served between sweeps.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryItem

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemory creates an in-process cache
func NewMemory() *Memory {
	m := &Memory{
		items: make(map[string]memoryItem),
		stop:  make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.deleteExpired()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) deleteExpired() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, it := range m.items {
		if !it.expiresAt.IsZero() && now.After(it.expiresAt) {
			delete(m.items, k)
		}
	}
}

// Get implements Cache
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	it, found := m.items[key]
	m.mu.RUnlock()

	if !found {
		return nil, ErrNotFound
	}
	if !it.expiresAt.IsZero() && time.Now().After(it.expiresAt) {
		return nil, ErrNotFound
	}

	return append([]byte(nil), it.value...), nil
}

// Set implements Cache
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.items[key] = it
	m.mu.Unlock()
	return nil
}

// Delete implements Cache
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Close stops the janitor
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
