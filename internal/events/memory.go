package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the event log in process memory. Suitable for single
// node deployments and tests; the SQL store covers everything else.
type MemoryStore struct {
	mu      sync.RWMutex
	events  []Event
	byEmail map[string][]int // email id -> indices into events
}

// NewMemoryStore creates an empty in-memory event store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byEmail: make(map[string][]int),
	}
}

// Append implements Store
func (s *MemoryStore) Append(_ context.Context, e Event) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Metadata != nil {
		// Copy so later caller mutation cannot corrupt the log.
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, e)
	if e.EmailID != "" {
		s.byEmail[e.EmailID] = append(s.byEmail[e.EmailID], len(s.events)-1)
	}

	return e.ID, nil
}

// Query implements Store
func (s *MemoryStore) Query(_ context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()

	var matched []Event
	if f.EmailID != "" {
		// Narrow by the per-email index before filtering.
		for _, idx := range s.byEmail[f.EmailID] {
			if f.Matches(s.events[idx]) {
				matched = append(matched, s.events[idx])
			}
		}
	} else {
		for _, e := range s.events {
			if f.Matches(e) {
				matched = append(matched, e)
			}
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	return matched, nil
}

// Len returns the number of stored events
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}
