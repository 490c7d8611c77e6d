package logging

import (
	"log/slog"
	"time"
)

// JobLogger provides structured logging for job lifecycle events with a
// consistent key set, so delivery history can be reconstructed from logs.
type JobLogger struct {
	logger *slog.Logger
}

// NewJobLogger creates a new job lifecycle logger
func NewJobLogger(logger *slog.Logger) *JobLogger {
	return &JobLogger{
		logger: logger.With("component", "job-lifecycle"),
	}
}

// JobContext carries the fields every lifecycle record shares
type JobContext struct {
	JobID       string
	CampaignID  string
	TemplateID  string
	Recipient   string
	Priority    string
	Attempts    int
	MaxAttempts int
	EnqueuedAt  time.Time
	NextAttempt time.Time
	Error       string
}

// LogEnqueued logs acceptance of a job into the queue
func (jl *JobLogger) LogEnqueued(ctx JobContext) {
	jl.logger.Info("job_enqueued",
		"event_type", "enqueued",
		"job_id", ctx.JobID,
		"campaign_id", ctx.CampaignID,
		"template_id", ctx.TemplateID,
		"recipient", ctx.Recipient,
		"priority", ctx.Priority,
	)
}

// LogSent logs a successful delivery
func (jl *JobLogger) LogSent(ctx JobContext, elapsed time.Duration) {
	jl.logger.Info("job_sent",
		"event_type", "sent",
		"job_id", ctx.JobID,
		"campaign_id", ctx.CampaignID,
		"recipient", ctx.Recipient,
		"attempts", ctx.Attempts,
		"queue_latency_ms", elapsed.Milliseconds(),
	)
}

// LogDeferred logs a transient failure that will be retried
func (jl *JobLogger) LogDeferred(ctx JobContext) {
	jl.logger.Warn("job_deferred",
		"event_type", "deferred",
		"job_id", ctx.JobID,
		"campaign_id", ctx.CampaignID,
		"recipient", ctx.Recipient,
		"attempts", ctx.Attempts,
		"max_attempts", ctx.MaxAttempts,
		"next_attempt", ctx.NextAttempt.Format(time.RFC3339),
		"error", ctx.Error,
	)
}

// LogFailed logs a terminal delivery failure
func (jl *JobLogger) LogFailed(ctx JobContext) {
	jl.logger.Error("job_failed",
		"event_type", "failed",
		"job_id", ctx.JobID,
		"campaign_id", ctx.CampaignID,
		"recipient", ctx.Recipient,
		"attempts", ctx.Attempts,
		"max_attempts", ctx.MaxAttempts,
		"error", ctx.Error,
	)
}

// LogRateLimited logs a dispatch skipped by the rate limiter. The job stays
// pending and no attempt is recorded.
func (jl *JobLogger) LogRateLimited(ctx JobContext, resetTime time.Time) {
	jl.logger.Debug("job_rate_limited",
		"event_type", "rate_limited",
		"job_id", ctx.JobID,
		"campaign_id", ctx.CampaignID,
		"recipient", ctx.Recipient,
		"reset_time", resetTime.Format(time.RFC3339),
	)
}
