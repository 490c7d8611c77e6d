// Package analytics aggregates the event log into the query shapes the
// dashboard needs: per-template metrics, per-user metrics, date-range
// reports and a realtime snapshot. It only ever reads the event store.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flaviompe/courierd/internal/cache"
	"github.com/flaviompe/courierd/internal/campaign"
	"github.com/flaviompe/courierd/internal/events"
	"github.com/flaviompe/courierd/internal/metrics"
	"github.com/flaviompe/courierd/internal/queue"
)

// CampaignDirectory resolves campaign ownership for user-scoped queries
type CampaignDirectory interface {
	Get(id string) (campaign.Campaign, bool)
	OwnedBy(userID string) []campaign.Campaign
	List() []campaign.Campaign
}

// JobDirectory looks up queue jobs for event enrichment. The lookup is
// best-effort: engagement events may arrive after the job is pruned.
type JobDirectory interface {
	GetJob(id string) (queue.Job, error)
}

// Metrics are aggregate event counts with derived rates. Rates guard
// division by zero by reporting 0.
type Metrics struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Opened    int `json:"opened"`
	Clicked   int `json:"clicked"`
	Bounced   int `json:"bounced"`
	Failed    int `json:"failed"`

	DeliveryRate float64 `json:"delivery_rate"`
	OpenRate     float64 `json:"open_rate"`
	ClickRate    float64 `json:"click_rate"`
	BounceRate   float64 `json:"bounce_rate"`
}

// ReportFilter intersects optional dimensions for Report
type ReportFilter struct {
	TemplateID string `json:"template_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

// Report is the general date-range aggregation
type Report struct {
	Start       time.Time    `json:"start"`
	End         time.Time    `json:"end"`
	Filter      ReportFilter `json:"filter"`
	Metrics     Metrics      `json:"metrics"`
	TotalEvents int          `json:"total_events"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// CampaignSummary pairs a campaign with its lifetime metrics
type CampaignSummary struct {
	Campaign campaign.Campaign `json:"campaign"`
	Metrics  Metrics           `json:"metrics"`
}

// Aggregator reads the event store and serves analytics queries. It is
// also the dispatcher's event sink, so delivery outcomes flow through
// Ingest and update the realtime window synchronously.
type Aggregator struct {
	store     events.Store
	tracker   *events.RealtimeTracker
	campaigns CampaignDirectory
	jobs      JobDirectory

	reportCache cache.Cache
	cacheTTL    time.Duration

	logger  *slog.Logger
	nowFunc func() time.Time
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithCampaignDirectory wires campaign ownership lookups
func WithCampaignDirectory(d CampaignDirectory) Option {
	return func(a *Aggregator) { a.campaigns = d }
}

// WithJobDirectory wires job lookups for event enrichment
func WithJobDirectory(d JobDirectory) Option {
	return func(a *Aggregator) { a.jobs = d }
}

// WithReportCache caches Report results for ttl. Realtime snapshots are
// never cached.
func WithReportCache(c cache.Cache, ttl time.Duration) Option {
	return func(a *Aggregator) {
		a.reportCache = c
		a.cacheTTL = ttl
	}
}

// NewAggregator creates an aggregator over the given event store
func NewAggregator(store events.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:   store,
		tracker: events.NewRealtimeTracker(),
		logger:  slog.Default().With("component", "analytics"),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ingest appends an event and updates the realtime counters. This is
// the dispatcher's sink; the append must stay cheap.
func (a *Aggregator) Ingest(ctx context.Context, e events.Event) (string, error) {
	if !e.Type.Valid() {
		return "", fmt.Errorf("invalid event type: %s", e.Type)
	}

	id, err := a.store.Append(ctx, e)
	if err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}

	// Realtime counters update synchronously even if persistence lags.
	a.tracker.Record(e.Type)
	metrics.Get().EventsTracked.WithLabelValues(string(e.Type)).Inc()

	return id, nil
}

// TrackEvent records an externally reported event (open and click
// trackers, bounce webhooks). The email id is a soft reference: when the
// job is still known the event is enriched with its campaign, template
// and user ids, otherwise it is stored as-is.
func (a *Aggregator) TrackEvent(ctx context.Context, emailID string, typ events.Type, recipient string, metadata map[string]string) (string, error) {
	if emailID == "" {
		return "", fmt.Errorf("email id is required")
	}
	if !typ.Valid() {
		return "", fmt.Errorf("invalid event type: %s", typ)
	}
	if recipient == "" {
		return "", fmt.Errorf("recipient is required")
	}

	e := events.Event{
		EmailID:   emailID,
		Type:      typ,
		Recipient: recipient,
		Metadata:  metadata,
	}

	if a.jobs != nil {
		if job, err := a.jobs.GetJob(emailID); err == nil {
			e.CampaignID = job.CampaignID
			e.TemplateID = job.TemplateID
			e.UserID = job.UserID
		}
	}

	return a.Ingest(ctx, e)
}

// TemplateMetrics aggregates events for one template over the trailing
// number of days
func (a *Aggregator) TemplateMetrics(ctx context.Context, templateID string, days int) (Metrics, error) {
	if templateID == "" {
		return Metrics{}, fmt.Errorf("template id is required")
	}
	if days <= 0 {
		days = 30
	}

	evts, err := a.store.Query(ctx, events.Filter{
		TemplateID: templateID,
		From:       a.nowFunc().AddDate(0, 0, -days),
	})
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to query template events: %w", err)
	}

	return computeMetrics(evts), nil
}

// UserMetrics aggregates events across all campaigns the user owns.
// Ownership is resolved through the campaign directory.
func (a *Aggregator) UserMetrics(ctx context.Context, userID string) (Metrics, error) {
	if userID == "" {
		return Metrics{}, fmt.Errorf("user id is required")
	}
	if a.campaigns == nil {
		return Metrics{}, fmt.Errorf("campaign directory not configured")
	}

	var all []events.Event
	for _, c := range a.campaigns.OwnedBy(userID) {
		evts, err := a.store.Query(ctx, events.Filter{CampaignID: c.ID})
		if err != nil {
			return Metrics{}, fmt.Errorf("failed to query campaign events: %w", err)
		}
		all = append(all, evts...)
	}

	return computeMetrics(all), nil
}

// Report aggregates events with timestamps in [start, end] under the
// filter intersection. Results are cached briefly when a cache is wired.
func (a *Aggregator) Report(ctx context.Context, start, end time.Time, f ReportFilter) (Report, error) {
	if end.Before(start) {
		return Report{}, fmt.Errorf("end precedes start")
	}

	key := reportCacheKey(start, end, f)
	if a.reportCache != nil {
		if raw, err := a.reportCache.Get(ctx, key); err == nil {
			var cached Report
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}

	evts, err := a.store.Query(ctx, events.Filter{
		From:       start,
		To:         end,
		TemplateID: f.TemplateID,
		CampaignID: f.CampaignID,
		UserID:     f.UserID,
	})
	if err != nil {
		return Report{}, fmt.Errorf("failed to query events: %w", err)
	}

	report := Report{
		Start:       start,
		End:         end,
		Filter:      f,
		Metrics:     computeMetrics(evts),
		TotalEvents: len(evts),
		GeneratedAt: a.nowFunc(),
	}

	if a.reportCache != nil {
		if raw, err := json.Marshal(report); err == nil {
			if err := a.reportCache.Set(ctx, key, raw, a.cacheTTL); err != nil {
				a.logger.Warn("failed to cache report", "error", err)
			}
		}
	}

	return report, nil
}

// Summary is the default dashboard view: a report over the trailing 30
// days with no filters
func (a *Aggregator) Summary(ctx context.Context) (Report, error) {
	now := a.nowFunc()
	return a.Report(ctx, now.AddDate(0, 0, -30), now, ReportFilter{})
}

// Realtime returns the trailing-window snapshot. Always computed from
// the in-memory tracker, never from the store.
func (a *Aggregator) Realtime() events.RealtimeSnapshot {
	return a.tracker.Snapshot()
}

// CampaignSummaries returns every known campaign with its lifetime
// metrics
func (a *Aggregator) CampaignSummaries(ctx context.Context) ([]CampaignSummary, error) {
	if a.campaigns == nil {
		return nil, fmt.Errorf("campaign directory not configured")
	}

	list := a.campaigns.List()
	out := make([]CampaignSummary, 0, len(list))
	for _, c := range list {
		evts, err := a.store.Query(ctx, events.Filter{CampaignID: c.ID})
		if err != nil {
			return nil, fmt.Errorf("failed to query campaign events: %w", err)
		}
		out = append(out, CampaignSummary{Campaign: c, Metrics: computeMetrics(evts)})
	}
	return out, nil
}

// computeMetrics tallies counts and derives rates. When no explicit
// delivered events exist the delivered denominator falls back to
// sent minus bounced, so funnels built purely from dispatch outcomes
// still produce meaningful open rates.
func computeMetrics(evts []events.Event) Metrics {
	var m Metrics
	for _, e := range evts {
		switch e.Type {
		case events.TypeSent:
			m.Sent++
		case events.TypeDelivered:
			m.Delivered++
		case events.TypeOpened:
			m.Opened++
		case events.TypeClicked:
			m.Clicked++
		case events.TypeBounced:
			m.Bounced++
		case events.TypeFailed:
			m.Failed++
		}
	}

	delivered := m.Delivered
	if delivered == 0 {
		delivered = m.Sent - m.Bounced
	}

	m.DeliveryRate = ratio(delivered, m.Sent)
	m.OpenRate = ratio(m.Opened, delivered)
	m.ClickRate = ratio(m.Clicked, m.Opened)
	m.BounceRate = ratio(m.Bounced, m.Sent)
	return m
}

func ratio(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func reportCacheKey(start, end time.Time, f ReportFilter) string {
	var b strings.Builder
	b.WriteString("report:")
	b.WriteString(start.UTC().Format(time.RFC3339))
	b.WriteByte(':')
	b.WriteString(end.UTC().Format(time.RFC3339))
	b.WriteByte(':')
	b.WriteString(f.TemplateID)
	b.WriteByte(':')
	b.WriteString(f.CampaignID)
	b.WriteByte(':')
	b.WriteString(f.UserID)
	return b.String()
}
