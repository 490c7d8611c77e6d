// Package ratelimit implements fixed-window rate limiting keyed by an
// identifier plus an action class.
//
// Counters reset at fixed window boundaries rather than sliding, which
// admits a known burst artifact: a caller can issue up to 2x the limit
// across a boundary. This is an accepted approximation, not a defect;
// the tradeoff buys O(1) state per key and a trivially shardable store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy is one row of the per-action policy table
type Policy struct {
	Limit  int
	Window time.Duration
}

// Result is the outcome of a limit check. Denial is a normal outcome the
// caller turns into a 429-equivalent response, never an error.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// Store persists window counters. Implementations must make Take atomic
// per key under concurrent access.
type Store interface {
	// Take consumes one unit from the counter for key within the current
	// fixed window and reports whether the consumption stayed within limit.
	Take(ctx context.Context, key string, limit int, window time.Duration) (count int, resetTime time.Time, allowed bool, err error)

	// Close releases store resources
	Close() error
}

// Limiter answers allow/deny decisions against a static policy table
type Limiter struct {
	store    Store
	policies map[string]Policy
	fallback Policy
	logger   *slog.Logger
}

// NewLimiter creates a limiter over the given store and policy table.
// Actions absent from the table fall back to the "api" policy, or to a
// conservative default when no "api" row exists.
func NewLimiter(store Store, policies map[string]Policy) *Limiter {
	fallback, ok := policies["api"]
	if !ok {
		fallback = Policy{Limit: 100, Window: 15 * time.Minute}
	}

	return &Limiter{
		store:    store,
		policies: policies,
		fallback: fallback,
		logger:   slog.Default().With("component", "ratelimit"),
	}
}

// Check applies the policy for action to the given identifier
func (l *Limiter) Check(ctx context.Context, identifier, action string) (Result, error) {
	policy, ok := l.policies[action]
	if !ok {
		policy = l.fallback
	}
	key := fmt.Sprintf("%s:%s", identifier, action)
	return l.CheckLimit(ctx, key, policy.Limit, policy.Window)
}

// CheckLimit applies an explicit limit and window to the identifier. A
// store failure fails open: the request is allowed and the error returned
// so the caller can log it.
func (l *Limiter) CheckLimit(ctx context.Context, identifier string, limit int, window time.Duration) (Result, error) {
	count, resetTime, allowed, err := l.store.Take(ctx, identifier, limit, window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, failing open",
			"identifier", identifier, "error", err)
		return Result{Allowed: true, Limit: limit, Remaining: limit, ResetTime: time.Now().Add(window)}, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetTime: resetTime,
	}, nil
}

// Close releases the underlying store
func (l *Limiter) Close() error {
	return l.store.Close()
}

// windowIndex returns the fixed window ordinal for the given instant
func windowIndex(now time.Time, window time.Duration) int64 {
	return now.UnixMilli() / window.Milliseconds()
}

// windowReset returns the instant the window containing now rolls over
func windowReset(now time.Time, window time.Duration) time.Time {
	idx := windowIndex(now, window)
	return time.UnixMilli((idx + 1) * window.Milliseconds())
}
