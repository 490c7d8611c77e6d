// Package api exposes the JSON administration and analytics surface
// over HTTP. Domain-level failures (unknown ids, ineligible actions)
// return HTTP 200 with success:false; transport-level failures use the
// conventional 4xx/5xx codes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flaviompe/courierd/internal/analytics"
	"github.com/flaviompe/courierd/internal/auth"
	"github.com/flaviompe/courierd/internal/campaign"
	"github.com/flaviompe/courierd/internal/queue"
	"github.com/flaviompe/courierd/internal/ratelimit"
)

// Deps are the collaborators the API serves
type Deps struct {
	Queue         *queue.Manager
	Campaigns     *campaign.Manager
	Analytics     *analytics.Aggregator
	Authenticator *auth.Authenticator
	Limiter       *ratelimit.Limiter

	// FloodRPS/FloodBurst configure the outer per-client token bucket.
	// Zero disables it.
	FloodRPS   float64
	FloodBurst int
}

// Server is the HTTP API server
type Server struct {
	deps       Deps
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the API server bound to addr
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: slog.Default().With("component", "api"),
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	authMW := NewAuthMiddleware(s.deps.Authenticator)
	rateMW := NewRateLimitMiddleware(s.deps.Limiter, "api")

	guard := func(route string, p auth.Permission, h http.HandlerFunc) http.Handler {
		return MetricsMiddleware(route,
			authMW.RequirePermission(p)(rateMW.Wrap(h)))
	}

	r.Handle("/api/queue",
		guard("queue_list", auth.PermissionQueueView, s.handleQueueGet)).Methods(http.MethodGet)
	r.Handle("/api/queue",
		guard("queue_action", auth.PermissionQueueManage, s.handleQueuePost)).Methods(http.MethodPost)
	r.Handle("/api/analytics",
		guard("analytics_query", auth.PermissionAnalyticsView, s.handleAnalyticsGet)).Methods(http.MethodGet)

	// POST /api/analytics carries mixed actions: campaign management
	// needs its own permission, while track-event is open to any
	// authenticated caller (external trackers use token users).
	r.Handle("/api/analytics",
		MetricsMiddleware("analytics_action",
			authMW.RequireAuth(rateMW.Wrap(http.HandlerFunc(s.handleAnalyticsPost))))).Methods(http.MethodPost)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	if s.deps.FloodRPS > 0 {
		return NewFloodProtection(s.deps.FloodRPS, s.deps.FloodBurst).Wrap(r)
	}
	return r
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info("api server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the assembled route tree, used by tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /api/queue?status=&priority=&campaignId=&limit=&offset=
func (s *Server) handleQueueGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := queue.ListFilter{
		CampaignID: q.Get("campaignId"),
		Limit:      50,
	}

	if raw := q.Get("status"); raw != "" {
		status := queue.Status(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status: "+raw)
			return
		}
		filter.Status = status
	}
	if raw := q.Get("priority"); raw != "" {
		priority, err := queue.ParsePriority(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Priority = priority
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be in [1, 1000]")
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "offset must be >= 0")
			return
		}
		filter.Offset = offset
	}

	jobs, total, err := s.deps.Queue.List(filter)
	if err != nil {
		s.logger.Error("queue list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list queue")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"emails":             jobs,
		"stats":              s.deps.Queue.GetStats(),
		"performanceMetrics": s.deps.Queue.GetPerformanceMetrics(),
		"pagination": map[string]int{
			"total":  total,
			"limit":  filter.Limit,
			"offset": filter.Offset,
		},
	})
}

type queueActionRequest struct {
	Action     string             `json:"action"`
	EmailID    string             `json:"emailId"`
	Status     string             `json:"status"`
	CampaignID string             `json:"campaignId"`
	Config     *queueConfigUpdate `json:"config"`
}

type queueConfigUpdate struct {
	BatchSize             int   `json:"batchSize"`
	DelayBetweenBatchesMs int64 `json:"delayBetweenBatchesMs"`
	MaxAttempts           int   `json:"maxAttempts"`
	MaxConcurrent         int   `json:"maxConcurrent"`
}

// POST /api/queue {action, emailId?, status?, campaignId?, config?}
func (s *Server) handleQueuePost(w http.ResponseWriter, r *http.Request) {
	var req queueActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Action {
	case "retry":
		if req.EmailID == "" {
			writeError(w, http.StatusBadRequest, "emailId is required for retry")
			return
		}
		if !s.deps.Queue.RetryJob(req.EmailID) {
			writeResult(w, false, "email not found or not eligible for retry")
			return
		}
		writeResult(w, true, "email requeued for delivery")

	case "retry-all-failed":
		n := s.deps.Queue.RetryAllFailed()
		writeResult(w, true, fmt.Sprintf("%d failed emails requeued", n))

	case "remove":
		if req.EmailID == "" {
			writeError(w, http.StatusBadRequest, "emailId is required for remove")
			return
		}
		if !s.deps.Queue.RemoveJob(req.EmailID) {
			writeResult(w, false, "email not found")
			return
		}
		writeResult(w, true, "email removed from queue")

	case "clear":
		filter := queue.ClearFilter{CampaignID: req.CampaignID}
		if req.Status != "" {
			status := queue.Status(req.Status)
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, "invalid status: "+req.Status)
				return
			}
			filter.Status = status
		}
		n := s.deps.Queue.Clear(filter)
		writeResult(w, true, fmt.Sprintf("%d emails cleared", n))

	case "update-config":
		if req.Config == nil {
			writeError(w, http.StatusBadRequest, "config is required for update-config")
			return
		}
		updated := s.deps.Queue.UpdateConfig(queue.Config{
			BatchSize:           req.Config.BatchSize,
			DelayBetweenBatches: time.Duration(req.Config.DelayBetweenBatchesMs) * time.Millisecond,
			MaxAttempts:         req.Config.MaxAttempts,
			MaxConcurrent:       req.Config.MaxConcurrent,
		})
		writeResult(w, true, fmt.Sprintf(
			"queue config updated: batchSize=%d delayBetweenBatches=%s",
			updated.BatchSize, updated.DelayBetweenBatches))

	default:
		writeError(w, http.StatusBadRequest, "unknown action: "+req.Action)
	}
}

func writeResult(w http.ResponseWriter, success bool, message string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": success,
		"message": message,
	})
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    data,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().With("component", "api").Warn("failed to encode response", "error", err)
	}
}
