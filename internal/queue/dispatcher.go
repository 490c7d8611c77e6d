package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/flaviompe/courierd/internal/events"
	"github.com/flaviompe/courierd/internal/logging"
	"github.com/flaviompe/courierd/internal/metrics"
	"github.com/flaviompe/courierd/internal/ratelimit"
)

// RateLimiter gates dispatches per sender. A denial leaves the job
// pending with no attempt counted.
type RateLimiter interface {
	Check(ctx context.Context, identifier, action string) (ratelimit.Result, error)
}

// EventSink receives exactly one sent or failed event per terminal
// dispatch outcome. This is the sole bridge into the analytics pipeline.
type EventSink interface {
	Ingest(ctx context.Context, e events.Event) (string, error)
}

// DispatchGate lets the campaign manager hold back jobs of paused or
// not-yet-scheduled campaigns without touching the queue.
type DispatchGate interface {
	Dispatchable(campaignID string) bool
}

// Dispatcher continuously drains the queue in batches: claim under lock,
// rate-limit, deliver outside the lock through a circuit breaker, then
// settle the outcome and cool down for the configured batch delay.
type Dispatcher struct {
	manager   *Manager
	transport Transport

	limiter    RateLimiter
	sink       EventSink
	gate       DispatchGate
	onTerminal func(campaignID string)

	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the given manager and transport
func NewDispatcher(manager *Manager, transport Transport) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	logger := slog.Default().With("component", "dispatcher")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "delivery-transport",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"name", name, "from", from.String(), "to", to.String())
		},
	})

	return &Dispatcher{
		manager:   manager,
		transport: transport,
		breaker:   breaker,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetRateLimiter installs the per-sender rate limiter
func (d *Dispatcher) SetRateLimiter(limiter RateLimiter) { d.limiter = limiter }

// SetEventSink installs the analytics event sink
func (d *Dispatcher) SetEventSink(sink EventSink) { d.sink = sink }

// SetDispatchGate installs the campaign dispatch gate
func (d *Dispatcher) SetDispatchGate(gate DispatchGate) { d.gate = gate }

// SetTerminalHook installs a callback invoked after a job reaches a
// terminal state, with the owning campaign id
func (d *Dispatcher) SetTerminalHook(hook func(campaignID string)) { d.onTerminal = hook }

// Start launches the dispatch loop
func (d *Dispatcher) Start() {
	d.logger.Info("starting dispatcher",
		"transport", d.transport.Name())

	d.wg.Add(1)
	go d.run()
}

// Stop cancels the dispatch loop and waits for in-flight work. Safe to
// call more than once.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		if d.ctx.Err() != nil {
			return
		}

		dispatched, err := d.RunBatch(d.ctx)
		if err != nil {
			d.logger.Error("batch dispatch failed", "error", err)
		}

		cfg := d.manager.Config()
		delay := cfg.DelayBetweenBatches
		if dispatched == 0 {
			delay = cfg.IdleInterval
		}

		// Cooperative suspension point: shutdown is honored here and
		// before claiming the next batch, never mid-batch.
		if !d.sleep(delay) {
			return
		}
	}
}

// sleep waits for the duration or cancellation, reporting whether the
// dispatcher should keep running
func (d *Dispatcher) sleep(delay time.Duration) bool {
	if delay <= 0 {
		return d.ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-d.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RunBatch claims and dispatches one batch, returning the number of
// jobs handed to the transport. Exposed for tests and the CLI; the
// background loop calls it continuously.
func (d *Dispatcher) RunBatch(ctx context.Context) (int, error) {
	cfg := d.manager.Config()

	claimed, err := d.manager.claimBatch(cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim batch: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	metrics.Get().BatchesDispatched.Inc()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrent)

	dispatched := 0
	for _, job := range claimed {
		job := job

		if d.gate != nil && !d.gate.Dispatchable(job.CampaignID) {
			d.manager.release(job, StatusPending)
			continue
		}

		if d.limiter != nil {
			res, err := d.limiter.Check(ctx, rateKey(job), "email")
			if err != nil {
				// Limiter outages fail open: stalling every delivery on a
				// dead redis is worse than briefly exceeding a quota.
				d.logger.Warn("rate limiter unavailable", "job_id", job.ID, "error", err)
			} else if !res.Allowed {
				// Not a delivery failure: the job stays pending and no
				// attempt is counted.
				d.manager.release(job, StatusPending)
				d.manager.jobLogger.LogRateLimited(logging.JobContext{
					JobID:      job.ID,
					CampaignID: job.CampaignID,
					Recipient:  job.Recipient,
				}, res.ResetTime)
				metrics.Get().RateLimitDenials.WithLabelValues("email").Inc()
				continue
			}
		}

		dispatched++
		g.Go(func() error {
			d.dispatchOne(gctx, cfg, job)
			return nil
		})
	}

	_ = g.Wait()
	return dispatched, nil
}

// dispatchOne delivers a single claimed job and settles its outcome.
// Any panic or unexpected error is contained here so one bad job never
// halts the rest of the batch.
func (d *Dispatcher) dispatchOne(ctx context.Context, cfg Config, job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panicked", "job_id", job.ID, "panic", r)
			d.settleFailure(job, fmt.Errorf("dispatch panic: %v", r), 0)
		}
	}()

	start := time.Now()

	deliverCtx := ctx
	if cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		deliverCtx, cancel = context.WithTimeout(ctx, cfg.DeliveryTimeout)
		defer cancel()
	}

	_, err := d.breaker.Execute(func() (any, error) {
		return nil, d.transport.Deliver(deliverCtx, job)
	})
	latency := time.Since(start)

	metrics.Get().DispatchDuration.Observe(latency.Seconds())

	if err == nil {
		d.settleSuccess(job, latency)
		return
	}

	// A tripped breaker sheds load without burning attempt budget
	// semantics: the failure is always classified as transient.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = TransientError(err)
	}

	d.settleFailure(job, err, latency)
}

func (d *Dispatcher) settleSuccess(job Job, latency time.Duration) {
	d.manager.completeSuccess(job, latency)
	metrics.Get().JobsDispatched.WithLabelValues("sent").Inc()

	d.emit(events.Event{
		EmailID:    job.ID,
		CampaignID: job.CampaignID,
		TemplateID: job.TemplateID,
		UserID:     job.UserID,
		Type:       events.TypeSent,
		Recipient:  job.Recipient,
		Metadata:   map[string]string{"transport": d.transport.Name()},
	})

	if d.onTerminal != nil {
		d.onTerminal(job.CampaignID)
	}
}

func (d *Dispatcher) settleFailure(job Job, deliveryErr error, latency time.Duration) {
	terminal := d.manager.completeFailure(job, deliveryErr, latency)
	if !terminal {
		metrics.Get().JobsDispatched.WithLabelValues("deferred").Inc()
		return
	}

	metrics.Get().JobsDispatched.WithLabelValues("failed").Inc()

	d.emit(events.Event{
		EmailID:    job.ID,
		CampaignID: job.CampaignID,
		TemplateID: job.TemplateID,
		UserID:     job.UserID,
		Type:       events.TypeFailed,
		Recipient:  job.Recipient,
		Metadata: map[string]string{
			"transport": d.transport.Name(),
			"error":     deliveryErr.Error(),
		},
	})

	if d.onTerminal != nil {
		d.onTerminal(job.CampaignID)
	}
}

// emit appends the delivery event. The sink must not block the hot
// path; failures are logged and dropped, analytics being advisory.
func (d *Dispatcher) emit(e events.Event) {
	if d.sink == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := d.sink.Ingest(ctx, e); err != nil {
		d.logger.Warn("failed to record delivery event",
			"email_id", e.EmailID, "type", e.Type, "error", err)
	}
}

// rateKey derives the limiter identifier for a job: per owning user
// when known, per campaign otherwise
func rateKey(job Job) string {
	if job.UserID != "" {
		return "user:" + job.UserID
	}
	return "campaign:" + job.CampaignID
}
