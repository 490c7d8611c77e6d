package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func setupLimiter(t *testing.T) (*Limiter, *MemoryStore) {
	t.Helper()

	store := NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	limiter := NewLimiter(store, map[string]Policy{
		"auth":  {Limit: 5, Window: 15 * time.Minute},
		"email": {Limit: 10, Window: time.Hour},
		"api":   {Limit: 100, Window: 15 * time.Minute},
	})

	return limiter, store
}

func TestCheckLimitWithinWindow(t *testing.T) {
	limiter, _ := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := limiter.Check(ctx, "203.0.113.7", "auth")
		if err != nil {
			t.Fatalf("check %d failed: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
		if res.Remaining != 5-(i+1) {
			t.Errorf("call %d: expected remaining %d, got %d", i+1, 5-(i+1), res.Remaining)
		}
	}

	// The (L+1)-th call within the window is denied.
	res, err := limiter.Check(ctx, "203.0.113.7", "auth")
	if err != nil {
		t.Fatalf("denied check failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("6th call should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", res.Remaining)
	}
	if res.ResetTime.Before(time.Now()) {
		t.Error("reset time should be in the future")
	}
}

func TestCheckLimitWindowRollover(t *testing.T) {
	limiter, store := setupLimiter(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Hour)
	store.nowFunc = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		if _, err := limiter.CheckLimit(ctx, "user:42:register", 3, time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	res, _ := limiter.CheckLimit(ctx, "user:42:register", 3, time.Minute)
	if res.Allowed {
		t.Fatal("4th call in the window should be denied")
	}

	// After the reset time passes, the counter starts fresh.
	store.nowFunc = func() time.Time { return base.Add(time.Minute) }

	res, _ = limiter.CheckLimit(ctx, "user:42:register", 3, time.Minute)
	if !res.Allowed {
		t.Fatal("call after window rollover should be allowed")
	}
	if res.Remaining != 2 {
		t.Errorf("expected remaining 2, got %d", res.Remaining)
	}
}

func TestIdentifiersAreIndependent(t *testing.T) {
	limiter, _ := setupLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := limiter.Check(ctx, "203.0.113.7", "auth"); err != nil {
			t.Fatal(err)
		}
	}

	res, _ := limiter.Check(ctx, "203.0.113.8", "auth")
	if !res.Allowed {
		t.Fatal("a different identifier must not share the quota")
	}
	if res.Remaining != 4 {
		t.Errorf("expected remaining 4, got %d", res.Remaining)
	}
}

func TestUnknownActionFallsBack(t *testing.T) {
	limiter, _ := setupLimiter(t)

	res, err := limiter.Check(context.Background(), "203.0.113.7", "export")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatal("fallback policy should allow the first call")
	}
	if res.Limit != 100 {
		t.Errorf("expected fallback limit 100, got %d", res.Limit)
	}
}

func TestConcurrentTakeDoesNotExceedLimit(t *testing.T) {
	limiter, _ := setupLimiter(t)
	ctx := context.Background()

	const workers = 50
	const limit = 10

	var wg sync.WaitGroup
	allowed := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.CheckLimit(ctx, "burst-key", limit, time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Allowed {
				allowed <- struct{}{}
			}
		}()
	}

	wg.Wait()
	close(allowed)

	var got int
	for range allowed {
		got++
	}
	if got != limit {
		t.Errorf("expected exactly %d allowed, got %d", limit, got)
	}
}

func TestSweepRemovesStaleWindows(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	base := time.Now()
	store.nowFunc = func() time.Time { return base }

	if _, _, _, err := store.Take(context.Background(), "stale", 5, time.Second); err != nil {
		t.Fatal(err)
	}

	// Two window widths later the entry is eligible for collection.
	store.nowFunc = func() time.Time { return base.Add(3 * time.Second) }
	store.sweep()

	store.mu.Lock()
	remaining := len(store.counters)
	store.mu.Unlock()

	if remaining != 0 {
		t.Errorf("expected stale counters to be swept, %d left", remaining)
	}
}
