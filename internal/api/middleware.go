package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flaviompe/courierd/internal/auth"
	"github.com/flaviompe/courierd/internal/metrics"
	"github.com/flaviompe/courierd/internal/ratelimit"
)

type contextKey string

const userContextKey contextKey = "authenticated_user"

// AuthMiddleware authenticates requests via Bearer token or HTTP Basic
// and enforces per-route permissions.
type AuthMiddleware struct {
	authenticator *auth.Authenticator
}

// NewAuthMiddleware creates the authentication middleware
func NewAuthMiddleware(a *auth.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{authenticator: a}
}

// RequireAuth rejects unauthenticated requests with 401
func (am *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := am.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission rejects unauthenticated requests with 401 and
// authenticated requests lacking the permission with 403
func (am *AuthMiddleware) RequirePermission(p auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := am.authenticate(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !user.HasPermission(p) {
				writeError(w, http.StatusForbidden, "required permission: "+string(p))
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (am *AuthMiddleware) authenticate(r *http.Request) (*auth.User, error) {
	header := r.Header.Get("Authorization")

	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return am.authenticator.AuthenticateToken(strings.TrimSpace(token))
	}
	if username, password, ok := r.BasicAuth(); ok {
		return am.authenticator.AuthenticateBasic(username, password)
	}

	return nil, auth.ErrInvalidCredentials
}

// UserFromRequest returns the authenticated user, or nil outside the
// auth middleware
func UserFromRequest(r *http.Request) *auth.User {
	if u, ok := r.Context().Value(userContextKey).(*auth.User); ok {
		return u
	}
	return nil
}

// RateLimitMiddleware gates requests through the domain fixed-window
// limiter, keyed by the authenticated user when present and the client
// IP otherwise. Every response carries the X-RateLimit headers.
type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	action  string
}

// NewRateLimitMiddleware creates a limiter middleware for one action
// class
func NewRateLimitMiddleware(limiter *ratelimit.Limiter, action string) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, action: action}
}

// Wrap applies the rate limit to a handler
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identifier := clientIP(r)
		if user := UserFromRequest(r); user != nil {
			identifier = "user:" + user.Username
		}

		// Limiter store errors fail open so an unreachable backend does
		// not take the whole API down with it.
		res, err := rl.limiter.Check(r.Context(), identifier, rl.action)
		if err == nil {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))

			if !res.Allowed {
				metrics.Get().RateLimitDenials.WithLabelValues(rl.action).Inc()
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// FloodProtection is a coarse per-client token bucket in front of the
// domain limiter, shedding abusive clients before any handler work.
type FloodProtection struct {
	mu       sync.Mutex
	clients  map[string]*floodClient
	rps      rate.Limit
	burst    int
	lastSeen time.Duration
}

type floodClient struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewFloodProtection creates a per-client token bucket filter
func NewFloodProtection(requestsPerSecond float64, burst int) *FloodProtection {
	fp := &FloodProtection{
		clients:  make(map[string]*floodClient),
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
		lastSeen: 10 * time.Minute,
	}
	go fp.cleanup()
	return fp
}

// Wrap applies the flood filter to a handler
func (fp *FloodProtection) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !fp.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (fp *FloodProtection) allow(ip string) bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	c, ok := fp.clients[ip]
	if !ok {
		c = &floodClient{limiter: rate.NewLimiter(fp.rps, fp.burst)}
		fp.clients[ip] = c
	}
	c.seen = time.Now()
	return c.limiter.Allow()
}

func (fp *FloodProtection) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-fp.lastSeen)
		fp.mu.Lock()
		for ip, c := range fp.clients {
			if c.seen.Before(cutoff) {
				delete(fp.clients, ip)
			}
		}
		fp.mu.Unlock()
	}
}

// MetricsMiddleware records request latency per route and status class
func MetricsMiddleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		metrics.Get().HTTPRequestDuration.
			WithLabelValues(route, statusClass(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

func clientIP(r *http.Request) string {
	// Honor the first hop of X-Forwarded-For when present; the API is
	// expected to sit behind a trusted proxy in production.
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":  message,
		"status": status,
	})
}
