package events

import (
	"sync"
	"time"
)

// realtimeWindowMinutes is the span of the rolling realtime window
const realtimeWindowMinutes = 60

// RealtimeTracker maintains per-minute counters for the trailing hour so
// dashboard polls never scan the event log. Record is called synchronously
// on every tracked event; Snapshot is O(window), independent of volume.
type RealtimeTracker struct {
	mu      sync.Mutex
	buckets [realtimeWindowMinutes]bucket
	nowFunc func() time.Time
}

type bucket struct {
	minute int64 // unix minute this bucket currently represents
	counts map[Type]int64
}

// NewRealtimeTracker creates an empty tracker
func NewRealtimeTracker() *RealtimeTracker {
	return &RealtimeTracker{nowFunc: time.Now}
}

// RealtimeSnapshot is a point-in-time view of the trailing window
type RealtimeSnapshot struct {
	WindowMinutes int            `json:"window_minutes"`
	Counts        map[Type]int64 `json:"counts"`
	Total         int64          `json:"total"`
	PerMinute     float64        `json:"per_minute"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// Record counts one event in the current minute bucket
func (rt *RealtimeTracker) Record(t Type) {
	now := rt.nowFunc()
	minute := now.Unix() / 60
	idx := int(minute % realtimeWindowMinutes)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := &rt.buckets[idx]
	if b.minute != minute {
		// Bucket belongs to a lapsed minute; recycle it.
		b.minute = minute
		b.counts = make(map[Type]int64)
	}
	if b.counts == nil {
		b.counts = make(map[Type]int64)
	}
	b.counts[t]++
}

// Snapshot aggregates all buckets still inside the window
func (rt *RealtimeTracker) Snapshot() RealtimeSnapshot {
	now := rt.nowFunc()
	minute := now.Unix() / 60
	oldest := minute - realtimeWindowMinutes + 1

	snap := RealtimeSnapshot{
		WindowMinutes: realtimeWindowMinutes,
		Counts:        make(map[Type]int64),
		GeneratedAt:   now,
	}

	rt.mu.Lock()
	for i := range rt.buckets {
		b := &rt.buckets[i]
		if b.minute < oldest || b.counts == nil {
			continue
		}
		for t, n := range b.counts {
			snap.Counts[t] += n
			snap.Total += n
		}
	}
	rt.mu.Unlock()

	snap.PerMinute = float64(snap.Total) / float64(realtimeWindowMinutes)
	return snap
}
