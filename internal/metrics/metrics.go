package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	instance *Metrics
	once     sync.Once
)

// Metrics holds all Prometheus metrics for the delivery engine
type Metrics struct {
	// Queue metrics
	JobsEnqueued      *prometheus.CounterVec
	JobsDispatched    *prometheus.CounterVec
	BatchesDispatched prometheus.Counter
	QueueDepth        *prometheus.GaugeVec
	DispatchDuration  prometheus.Histogram

	// Analytics metrics
	EventsTracked *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitDenials *prometheus.CounterVec

	// API metrics
	HTTPRequestDuration *prometheus.HistogramVec
}

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		JobsEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "courierd_jobs_enqueued_total",
			Help: "Total number of jobs accepted into the delivery queue",
		}, []string{"priority"}),

		JobsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "courierd_jobs_dispatched_total",
			Help: "Total number of dispatch outcomes by result",
		}, []string{"result"}),

		BatchesDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "courierd_batches_dispatched_total",
			Help: "Total number of dispatch batches pulled from the queue",
		}),

		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "courierd_queue_depth",
			Help: "Current number of jobs in the queue by status",
		}, []string{"status"}),

		DispatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "courierd_dispatch_duration_seconds",
			Help:    "Time spent in the transport per dispatch",
			Buckets: prometheus.DefBuckets,
		}),

		EventsTracked: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "courierd_events_tracked_total",
			Help: "Total number of delivery and engagement events recorded",
		}, []string{"type"}),

		RateLimitDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "courierd_ratelimit_denials_total",
			Help: "Total number of requests denied by the rate limiter",
		}, []string{"action"}),

		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courierd_http_request_duration_seconds",
			Help:    "API request latency by route and status class",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

// Server exposes the Prometheus scrape endpoint on its own listener
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a metrics server bound to addr
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: slog.Default().With("component", "metrics"),
	}
}

// Start begins serving the scrape endpoint in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop shuts the metrics server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
