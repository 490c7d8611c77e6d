package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps window counters in process memory. Stale windows are
// swept by a janitor and opportunistically on writes, so memory stays
// bounded by the active key set.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	janitor  *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once

	// nowFunc is swappable for tests
	nowFunc func() time.Time
}

type windowCounter struct {
	index     int64
	count     int
	resetTime time.Time
	window    time.Duration
}

// NewMemoryStore creates an in-memory store and starts its janitor
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		counters: make(map[string]*windowCounter),
		janitor:  time.NewTicker(time.Minute),
		stopCh:   make(chan struct{}),
		nowFunc:  time.Now,
	}

	go func() {
		for {
			select {
			case <-s.janitor.C:
				s.sweep()
			case <-s.stopCh:
				s.janitor.Stop()
				return
			}
		}
	}()

	return s
}

// Take implements Store
func (s *MemoryStore) Take(_ context.Context, key string, limit int, window time.Duration) (int, time.Time, bool, error) {
	now := s.nowFunc()
	idx := windowIndex(now, window)
	storeKey := fmt.Sprintf("%s:%d", key, idx)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[storeKey]
	if !ok {
		c = &windowCounter{
			index:     idx,
			resetTime: windowReset(now, window),
			window:    window,
		}
		s.counters[storeKey] = c
	}

	if c.count >= limit {
		return c.count, c.resetTime, false, nil
	}

	c.count++
	return c.count, c.resetTime, true, nil
}

// sweep removes counters whose window closed more than one window width
// ago. Keeping the previous window around a little costs nothing and
// avoids racing in-flight checks near the boundary.
func (s *MemoryStore) sweep() {
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, c := range s.counters {
		if now.After(c.resetTime.Add(c.window)) {
			delete(s.counters, key)
		}
	}
}

// Close stops the janitor
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	return nil
}
