package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flaviompe/courierd/internal/cache"
	"github.com/flaviompe/courierd/internal/campaign"
	"github.com/flaviompe/courierd/internal/events"
	"github.com/flaviompe/courierd/internal/queue"
)

type stubJobs map[string]queue.Job

func (s stubJobs) GetJob(id string) (queue.Job, error) {
	job, ok := s[id]
	if !ok {
		return queue.Job{}, queue.ErrJobNotFound
	}
	return job, nil
}

type stubCampaigns []campaign.Campaign

func (s stubCampaigns) Get(id string) (campaign.Campaign, bool) {
	for _, c := range s {
		if c.ID == id {
			return c, true
		}
	}
	return campaign.Campaign{}, false
}

func (s stubCampaigns) OwnedBy(userID string) []campaign.Campaign {
	var out []campaign.Campaign
	for _, c := range s {
		if c.CreatedBy == userID {
			out = append(out, c)
		}
	}
	return out
}

func (s stubCampaigns) List() []campaign.Campaign { return s }

func seedEvents(t *testing.T, a *Aggregator, evts ...events.Event) {
	t.Helper()
	for _, e := range evts {
		_, err := a.Ingest(context.Background(), e)
		require.NoError(t, err)
	}
}

func TestOpenRateFromDispatchOutcomes(t *testing.T) {
	a := NewAggregator(events.NewMemoryStore())

	// 4 sent, 2 opened for one template; no explicit delivered events.
	for i := 0; i < 4; i++ {
		seedEvents(t, a, events.Event{
			EmailID:    fmt.Sprintf("e-%d", i),
			TemplateID: "tpl-1",
			Type:       events.TypeSent,
			Recipient:  "r@example.com",
		})
	}
	for i := 0; i < 2; i++ {
		seedEvents(t, a, events.Event{
			EmailID:    fmt.Sprintf("e-%d", i),
			TemplateID: "tpl-1",
			Type:       events.TypeOpened,
			Recipient:  "r@example.com",
		})
	}

	m, err := a.TemplateMetrics(context.Background(), "tpl-1", 30)
	require.NoError(t, err)

	assert.Equal(t, 4, m.Sent)
	assert.Equal(t, 2, m.Opened)
	assert.InDelta(t, 0.5, m.OpenRate, 1e-9)
	assert.InDelta(t, 1.0, m.DeliveryRate, 1e-9)
}

func TestClickRateSingleEmail(t *testing.T) {
	a := NewAggregator(events.NewMemoryStore())

	seedEvents(t, a,
		events.Event{EmailID: "e-1", TemplateID: "tpl-1", Type: events.TypeSent, Recipient: "r@example.com"},
		events.Event{EmailID: "e-1", TemplateID: "tpl-1", Type: events.TypeOpened, Recipient: "r@example.com"},
		events.Event{EmailID: "e-1", TemplateID: "tpl-1", Type: events.TypeClicked, Recipient: "r@example.com"},
	)

	m, err := a.TemplateMetrics(context.Background(), "tpl-1", 30)
	require.NoError(t, err)

	assert.Equal(t, 1, m.Opened)
	assert.Equal(t, 1, m.Clicked)
	assert.InDelta(t, 1.0, m.ClickRate, 1e-9)
}

func TestRatesGuardZeroDenominator(t *testing.T) {
	a := NewAggregator(events.NewMemoryStore())

	m, err := a.TemplateMetrics(context.Background(), "tpl-empty", 30)
	require.NoError(t, err)

	assert.Zero(t, m.OpenRate)
	assert.Zero(t, m.ClickRate)
	assert.Zero(t, m.DeliveryRate)
	assert.Zero(t, m.BounceRate)
}

func TestExplicitDeliveredDenominator(t *testing.T) {
	a := NewAggregator(events.NewMemoryStore())

	// 4 sent, only 2 confirmed delivered, 1 opened.
	for i := 0; i < 4; i++ {
		seedEvents(t, a, events.Event{
			EmailID: fmt.Sprintf("e-%d", i), TemplateID: "tpl-1",
			Type: events.TypeSent, Recipient: "r@example.com",
		})
	}
	for i := 0; i < 2; i++ {
		seedEvents(t, a, events.Event{
			EmailID: fmt.Sprintf("e-%d", i), TemplateID: "tpl-1",
			Type: events.TypeDelivered, Recipient: "r@example.com",
		})
	}
	seedEvents(t, a, events.Event{
		EmailID: "e-0", TemplateID: "tpl-1",
		Type: events.TypeOpened, Recipient: "r@example.com",
	})

	m, err := a.TemplateMetrics(context.Background(), "tpl-1", 30)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, m.OpenRate, 1e-9, "opened/delivered with explicit confirmations")
	assert.InDelta(t, 0.5, m.DeliveryRate, 1e-9)
}

func TestTrackEventEnrichment(t *testing.T) {
	store := events.NewMemoryStore()
	jobs := stubJobs{
		"e-1": {ID: "e-1", CampaignID: "camp-1", TemplateID: "tpl-1", UserID: "u-1"},
	}
	a := NewAggregator(store, WithJobDirectory(jobs))

	id, err := a.TrackEvent(context.Background(), "e-1", events.TypeOpened, "r@example.com", map[string]string{"ua": "test"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	evts, _ := store.Query(context.Background(), events.Filter{EmailID: "e-1"})
	require.Len(t, evts, 1)
	assert.Equal(t, "camp-1", evts[0].CampaignID)
	assert.Equal(t, "tpl-1", evts[0].TemplateID)
	assert.Equal(t, "u-1", evts[0].UserID)
}

func TestTrackEventAcceptsOrphans(t *testing.T) {
	store := events.NewMemoryStore()
	a := NewAggregator(store, WithJobDirectory(stubJobs{}))

	// The job was pruned long ago; the event is stored unenriched.
	_, err := a.TrackEvent(context.Background(), "long-gone", events.TypeClicked, "r@example.com", nil)
	require.NoError(t, err)

	evts, _ := store.Query(context.Background(), events.Filter{EmailID: "long-gone"})
	require.Len(t, evts, 1)
	assert.Empty(t, evts[0].CampaignID)
}

func TestTrackEventValidation(t *testing.T) {
	a := NewAggregator(events.NewMemoryStore())

	_, err := a.TrackEvent(context.Background(), "", events.TypeOpened, "r@example.com", nil)
	assert.Error(t, err, "email id required")

	_, err = a.TrackEvent(context.Background(), "e-1", "viewed", "r@example.com", nil)
	assert.Error(t, err, "unknown event type")

	_, err = a.TrackEvent(context.Background(), "e-1", events.TypeOpened, "", nil)
	assert.Error(t, err, "recipient required")
}

func TestUserMetricsViaOwnership(t *testing.T) {
	store := events.NewMemoryStore()
	campaigns := stubCampaigns{
		{ID: "camp-1", CreatedBy: "u-1"},
		{ID: "camp-2", CreatedBy: "u-2"},
	}
	a := NewAggregator(store, WithCampaignDirectory(campaigns))

	seedEvents(t, a,
		events.Event{EmailID: "e-1", CampaignID: "camp-1", Type: events.TypeSent, Recipient: "r@example.com"},
		events.Event{EmailID: "e-2", CampaignID: "camp-1", Type: events.TypeSent, Recipient: "r@example.com"},
		events.Event{EmailID: "e-3", CampaignID: "camp-2", Type: events.TypeSent, Recipient: "r@example.com"},
	)

	m, err := a.UserMetrics(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Sent, "only the owner's campaigns count")

	m, err = a.UserMetrics(context.Background(), "u-3")
	require.NoError(t, err)
	assert.Zero(t, m.Sent)
}

func TestReportDateRangeAndFilters(t *testing.T) {
	store := events.NewMemoryStore()
	a := NewAggregator(store)

	now := time.Now()
	seedEvents(t, a,
		events.Event{EmailID: "in", TemplateID: "tpl-1", Type: events.TypeSent, Recipient: "r@example.com", Timestamp: now},
		events.Event{EmailID: "old", TemplateID: "tpl-1", Type: events.TypeSent, Recipient: "r@example.com", Timestamp: now.AddDate(0, -2, 0)},
		events.Event{EmailID: "other", TemplateID: "tpl-2", Type: events.TypeSent, Recipient: "r@example.com", Timestamp: now},
	)

	report, err := a.Report(context.Background(), now.AddDate(0, 0, -7), now.Add(time.Hour), ReportFilter{TemplateID: "tpl-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Metrics.Sent)
	assert.Equal(t, 1, report.TotalEvents)

	_, err = a.Report(context.Background(), now, now.Add(-time.Hour), ReportFilter{})
	assert.Error(t, err, "inverted range rejected")
}

func TestReportCaching(t *testing.T) {
	store := events.NewMemoryStore()
	c := cache.NewMemory()
	defer c.Close()

	a := NewAggregator(store, WithReportCache(c, time.Minute))

	now := time.Now()
	seedEvents(t, a, events.Event{EmailID: "e-1", Type: events.TypeSent, Recipient: "r@example.com", Timestamp: now})

	start, end := now.Add(-time.Hour), now.Add(time.Hour)
	first, err := a.Report(context.Background(), start, end, ReportFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Metrics.Sent)

	// New events inside the window are invisible until the cache expires.
	seedEvents(t, a, events.Event{EmailID: "e-2", Type: events.TypeSent, Recipient: "r@example.com", Timestamp: now})

	second, err := a.Report(context.Background(), start, end, ReportFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Metrics.Sent, "served from cache")
}

func TestRealtimeSnapshotCountsIngests(t *testing.T) {
	a := NewAggregator(events.NewMemoryStore())

	seedEvents(t, a,
		events.Event{EmailID: "e-1", Type: events.TypeSent, Recipient: "r@example.com"},
		events.Event{EmailID: "e-1", Type: events.TypeOpened, Recipient: "r@example.com"},
	)

	snap := a.Realtime()
	assert.Equal(t, int64(2), snap.Total)
	assert.Equal(t, int64(1), snap.Counts[events.TypeSent])
	assert.Equal(t, int64(1), snap.Counts[events.TypeOpened])
}

func TestCampaignSummaries(t *testing.T) {
	store := events.NewMemoryStore()
	campaigns := stubCampaigns{
		{ID: "camp-1", Name: "First", CreatedBy: "u-1"},
		{ID: "camp-2", Name: "Second", CreatedBy: "u-1"},
	}
	a := NewAggregator(store, WithCampaignDirectory(campaigns))

	seedEvents(t, a,
		events.Event{EmailID: "e-1", CampaignID: "camp-1", Type: events.TypeSent, Recipient: "r@example.com"},
	)

	summaries, err := a.CampaignSummaries(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, 1, summaries[0].Metrics.Sent)
	assert.Zero(t, summaries[1].Metrics.Sent)
}
