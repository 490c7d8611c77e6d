package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flaviompe/courierd/internal/logging"
	"github.com/flaviompe/courierd/internal/metrics"
)

// Config holds the tunables the dispatcher reads per batch. UpdateConfig
// hot-swaps it; changes apply from the next batch, never mid-batch.
type Config struct {
	BatchSize           int
	DelayBetweenBatches time.Duration
	IdleInterval        time.Duration
	MaxAttempts         int
	MaxConcurrent       int
	DeliveryTimeout     time.Duration
	RetrySchedule       []time.Duration
}

// DefaultConfig returns sensible queue defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:           100,
		DelayBetweenBatches: 60 * time.Second,
		IdleInterval:        5 * time.Second,
		MaxAttempts:         3,
		MaxConcurrent:       5,
		DeliveryTimeout:     30 * time.Second,
		RetrySchedule: []time.Duration{
			time.Minute, 5 * time.Minute, 15 * time.Minute,
			time.Hour, 3 * time.Hour, 6 * time.Hour,
		},
	}
}

// JobSpec describes a job to enqueue
type JobSpec struct {
	CampaignID  string
	TemplateID  string
	UserID      string
	Recipient   string
	Subject     string
	Body        string
	Priority    Priority
	MaxAttempts int
}

// ListFilter selects jobs for List. Zero fields match everything.
type ListFilter struct {
	Status     Status
	Priority   Priority
	CampaignID string
	Limit      int
	Offset     int
}

// ClearFilter selects jobs for Clear. Zero fields match everything
// except processing jobs, which are never cleared.
type ClearFilter struct {
	Status     Status
	CampaignID string
}

// Stats summarizes queue contents
type Stats struct {
	Total      int              `json:"total"`
	ByStatus   map[Status]int   `json:"by_status"`
	ByPriority map[Priority]int `json:"by_priority"`
}

// PerformanceMetrics summarizes recent dispatch behavior
type PerformanceMetrics struct {
	ThroughputPerMin float64 `json:"throughput_per_min"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	FailureRate      float64 `json:"failure_rate"`
}

// outcomeWindow bounds the ring buffer backing PerformanceMetrics
const outcomeWindow = 1024

type dispatchOutcome struct {
	at      time.Time
	latency time.Duration
	success bool
}

// Manager owns job records exclusively and implements the administrative
// surface of the delivery queue. Job state transitions are atomic per
// job under the manager's lock; the transport call never runs under it.
type Manager struct {
	storage StorageBackend

	mu         sync.Mutex
	tombstones map[string]bool // ids removed while processing

	cfgMu sync.RWMutex
	cfg   Config

	outcomeMu sync.Mutex
	outcomes  []dispatchOutcome
	outcomeAt int

	logger    *slog.Logger
	jobLogger *logging.JobLogger

	nowFunc func() time.Time
}

// NewManager creates a queue manager over the given storage backend
func NewManager(storage StorageBackend, cfg Config) *Manager {
	base := slog.Default().With("component", "queue")
	return &Manager{
		storage:    storage,
		tombstones: make(map[string]bool),
		cfg:        cfg,
		outcomes:   make([]dispatchOutcome, 0, outcomeWindow),
		logger:     base,
		jobLogger:  logging.NewJobLogger(base),
		nowFunc:    time.Now,
	}
}

// Config returns a snapshot of the current configuration
func (m *Manager) Config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()

	cfg := m.cfg
	cfg.RetrySchedule = append([]time.Duration(nil), m.cfg.RetrySchedule...)
	return cfg
}

// UpdateConfig hot-swaps the queue configuration. Zero fields keep their
// current values, so partial updates are safe.
func (m *Manager) UpdateConfig(update Config) Config {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()

	if update.BatchSize > 0 {
		m.cfg.BatchSize = update.BatchSize
	}
	if update.DelayBetweenBatches > 0 {
		m.cfg.DelayBetweenBatches = update.DelayBetweenBatches
	}
	if update.IdleInterval > 0 {
		m.cfg.IdleInterval = update.IdleInterval
	}
	if update.MaxAttempts > 0 {
		m.cfg.MaxAttempts = update.MaxAttempts
	}
	if update.MaxConcurrent > 0 {
		m.cfg.MaxConcurrent = update.MaxConcurrent
	}
	if update.DeliveryTimeout > 0 {
		m.cfg.DeliveryTimeout = update.DeliveryTimeout
	}
	if len(update.RetrySchedule) > 0 {
		m.cfg.RetrySchedule = append([]time.Duration(nil), update.RetrySchedule...)
	}

	m.logger.Info("queue configuration updated",
		"batch_size", m.cfg.BatchSize,
		"delay_between_batches", m.cfg.DelayBetweenBatches,
		"max_attempts", m.cfg.MaxAttempts,
		"max_concurrent", m.cfg.MaxConcurrent)

	return m.cfg
}

// Enqueue validates the spec and stores a new pending job
func (m *Manager) Enqueue(spec JobSpec) (Job, error) {
	recipient, err := NormalizeRecipient(spec.Recipient)
	if err != nil {
		return Job{}, err
	}
	if spec.CampaignID == "" {
		return Job{}, fmt.Errorf("campaign id is required")
	}
	if spec.TemplateID == "" {
		return Job{}, fmt.Errorf("template id is required")
	}

	priority := spec.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	if priority < PriorityLow || priority > PriorityUrgent {
		return Job{}, fmt.Errorf("priority out of range: %d", priority)
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.Config().MaxAttempts
	}

	now := m.nowFunc()
	job := Job{
		ID:          uuid.NewString(),
		CampaignID:  spec.CampaignID,
		TemplateID:  spec.TemplateID,
		UserID:      spec.UserID,
		Recipient:   recipient,
		Subject:     spec.Subject,
		Body:        spec.Body,
		Priority:    priority,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.storage.Store(job); err != nil {
		return Job{}, fmt.Errorf("failed to store job: %w", err)
	}

	metrics.Get().JobsEnqueued.WithLabelValues(job.Priority.String()).Inc()

	m.jobLogger.LogEnqueued(logging.JobContext{
		JobID:      job.ID,
		CampaignID: job.CampaignID,
		TemplateID: job.TemplateID,
		Recipient:  job.Recipient,
		Priority:   job.Priority.String(),
	})

	return job, nil
}

// GetJob returns the job with the given id
func (m *Manager) GetJob(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storage.Retrieve(id)
}

// List returns jobs matching the filter, ordered by priority descending
// then creation time ascending, plus the total match count before
// limit/offset are applied.
func (m *Manager) List(filter ListFilter) ([]Job, int, error) {
	m.mu.Lock()
	jobs, err := m.storage.List()
	m.mu.Unlock()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	matched := jobs[:0]
	for _, job := range jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Priority != 0 && job.Priority != filter.Priority {
			continue
		}
		if filter.CampaignID != "" && job.CampaignID != filter.CampaignID {
			continue
		}
		matched = append(matched, job)
	}

	sortJobs(matched)
	total := len(matched)

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []Job{}, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	return matched, total, nil
}

// RetryJob manually resets a job for redelivery with a fresh attempt
// budget. Returns false when the job does not exist or is already sent
// or in flight.
func (m *Manager) RetryJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.storage.Retrieve(id)
	if err != nil {
		return false
	}
	if job.Status == StatusSent || job.Status == StatusProcessing {
		return false
	}

	job.Status = StatusPending
	job.Attempts = 0
	job.NextAttemptAt = time.Time{}
	job.UpdatedAt = m.nowFunc()

	if err := m.storage.Update(job); err != nil {
		m.logger.Error("failed to reset job for retry", "job_id", id, "error", err)
		return false
	}
	return true
}

// RetryAllFailed resets every failed job and returns the count requeued
func (m *Manager) RetryAllFailed() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs, err := m.storage.List()
	if err != nil {
		m.logger.Error("failed to list jobs for bulk retry", "error", err)
		return 0
	}

	now := m.nowFunc()
	count := 0
	for _, job := range jobs {
		if job.Status != StatusFailed {
			continue
		}
		job.Status = StatusPending
		job.Attempts = 0
		job.NextAttemptAt = time.Time{}
		job.UpdatedAt = now
		if err := m.storage.Update(job); err != nil {
			m.logger.Error("failed to reset failed job", "job_id", job.ID, "error", err)
			continue
		}
		count++
	}
	return count
}

// RemoveJob deletes a job. A job currently processing is tombstoned
// instead, so the in-flight dispatch skips writing back its result.
// Returns false when the job does not exist.
func (m *Manager) RemoveJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.storage.Retrieve(id)
	if err != nil {
		return false
	}

	if job.Status == StatusProcessing {
		m.tombstones[id] = true
		return true
	}

	if err := m.storage.Delete(id); err != nil {
		m.logger.Error("failed to delete job", "job_id", id, "error", err)
		return false
	}
	return true
}

// Clear bulk-removes matching jobs and returns the removed count.
// Processing jobs are never removed.
func (m *Manager) Clear(filter ClearFilter) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs, err := m.storage.List()
	if err != nil {
		m.logger.Error("failed to list jobs for clear", "error", err)
		return 0
	}

	count := 0
	for _, job := range jobs {
		if job.Status == StatusProcessing {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.CampaignID != "" && job.CampaignID != filter.CampaignID {
			continue
		}
		if err := m.storage.Delete(job.ID); err != nil {
			m.logger.Error("failed to delete job during clear", "job_id", job.ID, "error", err)
			continue
		}
		count++
	}
	return count
}

// GetStats summarizes queue contents by status and priority
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	jobs, err := m.storage.List()
	m.mu.Unlock()

	stats := Stats{
		ByStatus:   make(map[Status]int),
		ByPriority: make(map[Priority]int),
	}
	if err != nil {
		m.logger.Error("failed to list jobs for stats", "error", err)
		return stats
	}

	stats.Total = len(jobs)
	for _, job := range jobs {
		stats.ByStatus[job.Status]++
		stats.ByPriority[job.Priority]++
	}

	gauge := metrics.Get().QueueDepth
	for _, status := range []Status{
		StatusPending, StatusProcessing, StatusRetrying, StatusSent, StatusFailed,
	} {
		gauge.WithLabelValues(string(status)).Set(float64(stats.ByStatus[status]))
	}

	return stats
}

// OutstandingForCampaign counts non-terminal jobs for a campaign
func (m *Manager) OutstandingForCampaign(campaignID string) int {
	m.mu.Lock()
	jobs, err := m.storage.List()
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("failed to list jobs for campaign", "campaign_id", campaignID, "error", err)
		return 0
	}

	count := 0
	for _, job := range jobs {
		if job.CampaignID == campaignID && !job.Status.Terminal() {
			count++
		}
	}
	return count
}

// claimBatch atomically selects and claims up to size dispatchable jobs:
// pending or retrying with NextAttemptAt due, highest priority first,
// FIFO within a tier. Claimed jobs are marked processing before the
// lock is released, so concurrent dispatchers never double-send.
func (m *Manager) claimBatch(size int) ([]Job, error) {
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()

	jobs, err := m.storage.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	ready := jobs[:0]
	for _, job := range jobs {
		if job.Status != StatusPending && job.Status != StatusRetrying {
			continue
		}
		if !job.NextAttemptAt.IsZero() && job.NextAttemptAt.After(now) {
			continue
		}
		if m.tombstones[job.ID] {
			continue
		}
		ready = append(ready, job)
	}

	sortJobs(ready)
	if len(ready) > size {
		ready = ready[:size]
	}

	claimed := make([]Job, 0, len(ready))
	for _, job := range ready {
		job.Status = StatusProcessing
		job.UpdatedAt = now
		if err := m.storage.Update(job); err != nil {
			m.logger.Error("failed to claim job", "job_id", job.ID, "error", err)
			continue
		}
		claimed = append(claimed, job)
	}

	return claimed, nil
}

// release returns a claimed job to its pre-claim status without counting
// an attempt. Used when the rate limiter denies a dispatch or the
// campaign is paused.
func (m *Manager) release(job Job, prior Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tombstones[job.ID] {
		m.finishTombstoneLocked(job.ID)
		return
	}

	job.Status = prior
	job.UpdatedAt = m.nowFunc()
	if err := m.storage.Update(job); err != nil {
		m.logger.Error("failed to release job", "job_id", job.ID, "error", err)
	}
}

// completeSuccess finalizes a delivered job. Sent is terminal and the
// record becomes immutable.
func (m *Manager) completeSuccess(job Job, latency time.Duration) {
	m.mu.Lock()
	if m.tombstones[job.ID] {
		m.finishTombstoneLocked(job.ID)
		m.mu.Unlock()
		return
	}

	job.Status = StatusSent
	job.Attempts++
	job.NextAttemptAt = time.Time{}
	job.LastError = ""
	job.UpdatedAt = m.nowFunc()
	if err := m.storage.Update(job); err != nil {
		m.logger.Error("failed to finalize sent job", "job_id", job.ID, "error", err)
	}
	m.mu.Unlock()

	m.recordOutcome(true, latency)
	m.jobLogger.LogSent(logging.JobContext{
		JobID:      job.ID,
		CampaignID: job.CampaignID,
		Recipient:  job.Recipient,
		Attempts:   job.Attempts,
	}, latency)
}

// completeFailure applies the retry policy to a failed dispatch and
// reports whether the job is now terminal.
func (m *Manager) completeFailure(job Job, deliveryErr error, latency time.Duration) (terminal bool) {
	cfg := m.Config()
	temporary := IsTemporaryFailure(deliveryErr)

	m.mu.Lock()
	if m.tombstones[job.ID] {
		m.finishTombstoneLocked(job.ID)
		m.mu.Unlock()
		return true
	}

	now := m.nowFunc()
	job.Attempts++
	job.LastError = deliveryErr.Error()
	job.UpdatedAt = now

	if !temporary || job.Attempts >= job.MaxAttempts {
		job.Status = StatusFailed
		job.NextAttemptAt = time.Time{}
		terminal = true
	} else {
		job.Status = StatusRetrying
		job.NextAttemptAt = now.Add(backoffDelay(job.Attempts, cfg.RetrySchedule))
	}

	if err := m.storage.Update(job); err != nil {
		m.logger.Error("failed to finalize failed job", "job_id", job.ID, "error", err)
	}
	m.mu.Unlock()

	m.recordOutcome(false, latency)

	jobCtx := logging.JobContext{
		JobID:       job.ID,
		CampaignID:  job.CampaignID,
		Recipient:   job.Recipient,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		NextAttempt: job.NextAttemptAt,
		Error:       job.LastError,
	}
	if terminal {
		m.jobLogger.LogFailed(jobCtx)
	} else {
		m.jobLogger.LogDeferred(jobCtx)
	}
	return terminal
}

// finishTombstoneLocked deletes a tombstoned job once its in-flight
// dispatch has returned. Caller holds m.mu.
func (m *Manager) finishTombstoneLocked(id string) {
	delete(m.tombstones, id)
	if err := m.storage.Delete(id); err != nil && !errors.Is(err, ErrJobNotFound) {
		m.logger.Error("failed to delete tombstoned job", "job_id", id, "error", err)
	}
}

// recordOutcome feeds the performance metrics ring buffer
func (m *Manager) recordOutcome(success bool, latency time.Duration) {
	m.outcomeMu.Lock()
	defer m.outcomeMu.Unlock()

	o := dispatchOutcome{at: m.nowFunc(), latency: latency, success: success}
	if len(m.outcomes) < outcomeWindow {
		m.outcomes = append(m.outcomes, o)
	} else {
		m.outcomes[m.outcomeAt] = o
		m.outcomeAt = (m.outcomeAt + 1) % outcomeWindow
	}
}

// GetPerformanceMetrics derives throughput, latency and failure rate
// from the recent dispatch window
func (m *Manager) GetPerformanceMetrics() PerformanceMetrics {
	m.outcomeMu.Lock()
	defer m.outcomeMu.Unlock()

	if len(m.outcomes) == 0 {
		return PerformanceMetrics{}
	}

	now := m.nowFunc()
	var (
		lastMinute   int
		failures     int
		totalLatency time.Duration
	)
	for _, o := range m.outcomes {
		totalLatency += o.latency
		if !o.success {
			failures++
		}
		if now.Sub(o.at) <= time.Minute {
			lastMinute++
		}
	}

	n := len(m.outcomes)
	return PerformanceMetrics{
		ThroughputPerMin: float64(lastMinute),
		AvgLatencyMs:     float64(totalLatency.Milliseconds()) / float64(n),
		FailureRate:      float64(failures) / float64(n),
	}
}

// Close releases the storage backend
func (m *Manager) Close() error {
	return m.storage.Close()
}

// sortJobs orders by priority descending then creation time ascending.
// FIFO within a tier keeps low-priority jobs from starving as long as
// higher-priority arrival rates are bounded.
func sortJobs(jobs []Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

// backoffDelay returns the exponential backoff for the given attempt
// count with ±10% jitter, clamping to the last schedule entry.
func backoffDelay(attempts int, schedule []time.Duration) time.Duration {
	if len(schedule) == 0 {
		schedule = DefaultConfig().RetrySchedule
	}

	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}

	base := schedule[idx]
	jitter := time.Duration((rand.Float64()*2 - 1) * 0.1 * float64(base))
	return base + jitter
}
