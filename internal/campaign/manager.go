package campaign

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flaviompe/courierd/internal/queue"
)

// JobQueue is the slice of the delivery queue the campaign manager
// needs: job materialization on start, outstanding counts for
// completion, and batch tuning.
type JobQueue interface {
	Enqueue(spec queue.JobSpec) (queue.Job, error)
	OutstandingForCampaign(campaignID string) int
	UpdateConfig(update queue.Config) queue.Config
}

// Manager owns campaign records exclusively. All state transitions go
// through explicit actions; Update never changes status.
type Manager struct {
	queue JobQueue

	mu        sync.RWMutex
	campaigns map[string]*Campaign

	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewManager creates a campaign manager over the given queue
func NewManager(q JobQueue) *Manager {
	return &Manager{
		queue:     q,
		campaigns: make(map[string]*Campaign),
		logger:    slog.Default().With("component", "campaign"),
		nowFunc:   time.Now,
	}
}

// Create validates the spec and stores a new draft campaign
func (m *Manager) Create(spec CreateSpec) (Campaign, error) {
	if spec.Name == "" {
		return Campaign{}, fmt.Errorf("campaign name is required")
	}
	if spec.TemplateID == "" {
		return Campaign{}, fmt.Errorf("template id is required")
	}

	now := m.nowFunc()
	c := Campaign{
		ID:              uuid.NewString(),
		Name:            spec.Name,
		TemplateID:      spec.TemplateID,
		CreatedBy:       spec.CreatedBy,
		Status:          StatusDraft,
		RecipientFilter: spec.RecipientFilter,
		Settings:        spec.Settings.apply(DefaultSettings()),
		Subject:         spec.Subject,
		Body:            spec.Body,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	m.mu.Lock()
	m.campaigns[c.ID] = &c
	m.mu.Unlock()

	m.logger.Info("campaign created",
		"campaign_id", c.ID, "name", c.Name, "template_id", c.TemplateID)

	return c, nil
}

// Get returns the campaign with the given id
func (m *Manager) Get(id string) (Campaign, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.campaigns[id]
	if !ok {
		return Campaign{}, false
	}
	return *c, true
}

// List returns all campaigns ordered by creation time ascending
func (m *Manager) List() []Campaign {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		out = append(out, *c)
	}
	sortCampaigns(out)
	return out
}

// OwnedBy returns the campaigns created by the given user
func (m *Manager) OwnedBy(userID string) []Campaign {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Campaign
	for _, c := range m.campaigns {
		if c.CreatedBy == userID {
			out = append(out, *c)
		}
	}
	sortCampaigns(out)
	return out
}

// Update merges a partial update into an existing campaign. Returns
// false when the campaign does not exist. Status is never changed here;
// lifecycle transitions have their own actions.
func (m *Manager) Update(id string, upd Update) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return false
	}

	if upd.Name != nil && *upd.Name != "" {
		c.Name = *upd.Name
	}
	if upd.Subject != nil {
		c.Subject = *upd.Subject
	}
	if upd.Body != nil {
		c.Body = *upd.Body
	}
	if upd.RecipientFilter != nil {
		c.RecipientFilter = *upd.RecipientFilter
	}
	c.Settings = upd.Settings.apply(c.Settings)
	c.UpdatedAt = m.nowFunc()

	return true
}

// Schedule moves a draft campaign to scheduled with the given start
// time. The dispatcher's gate promotes it to running once the time
// passes.
func (m *Manager) Schedule(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign not found: %s", id)
	}
	if c.Status != StatusDraft {
		return fmt.Errorf("cannot schedule campaign in status %s", c.Status)
	}

	c.Status = StatusScheduled
	c.ScheduledAt = at
	c.UpdatedAt = m.nowFunc()
	return nil
}

// Start materializes one job per recipient and moves the campaign to
// running. The campaign's batch settings are pushed into the queue
// configuration, taking effect from the next batch.
func (m *Manager) Start(id string, recipients []Recipient) (int, error) {
	m.mu.Lock()
	c, ok := m.campaigns[id]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("campaign not found: %s", id)
	}
	if c.Status != StatusDraft && c.Status != StatusScheduled {
		status := c.Status
		m.mu.Unlock()
		return 0, fmt.Errorf("cannot start campaign in status %s", status)
	}
	if len(recipients) == 0 {
		m.mu.Unlock()
		return 0, fmt.Errorf("campaign has no recipients")
	}
	snapshot := *c
	m.mu.Unlock()

	// Enqueue outside the campaign lock; Enqueue takes the queue's own.
	enqueued := 0
	var firstErr error
	for _, r := range recipients {
		_, err := m.queue.Enqueue(queue.JobSpec{
			CampaignID: snapshot.ID,
			TemplateID: snapshot.TemplateID,
			UserID:     snapshot.CreatedBy,
			Recipient:  r.Email,
			Subject:    snapshot.Subject,
			Body:       snapshot.Body,
			Priority:   queue.Priority(r.Priority),
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Warn("failed to enqueue campaign job",
				"campaign_id", snapshot.ID, "recipient", r.Email, "error", err)
			continue
		}
		enqueued++
	}

	if enqueued == 0 {
		return 0, fmt.Errorf("no jobs enqueued: %w", firstErr)
	}

	m.queue.UpdateConfig(queue.Config{
		BatchSize:           snapshot.Settings.BatchSize,
		DelayBetweenBatches: snapshot.Settings.DelayBetweenBatches,
	})

	m.mu.Lock()
	// A scheduled campaign with a future start keeps its status; the
	// dispatch gate holds the jobs and promotes it once the time passes.
	if c.Status != StatusScheduled || !c.ScheduledAt.After(m.nowFunc()) {
		c.Status = StatusRunning
	}
	c.RecipientCount = enqueued
	c.UpdatedAt = m.nowFunc()
	status := c.Status
	m.mu.Unlock()

	m.logger.Info("campaign started",
		"campaign_id", snapshot.ID, "recipients", enqueued, "status", status)

	return enqueued, nil
}

// Pause halts further dispatch for a running campaign. Queued jobs are
// kept; they dispatch again after Resume.
func (m *Manager) Pause(id string) bool {
	return m.transition(id, StatusRunning, StatusPaused)
}

// Resume returns a paused campaign to running
func (m *Manager) Resume(id string) bool {
	return m.transition(id, StatusPaused, StatusRunning)
}

func (m *Manager) transition(id string, from, to Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok || c.Status != from {
		return false
	}

	c.Status = to
	c.UpdatedAt = m.nowFunc()
	m.logger.Info("campaign status changed", "campaign_id", id, "from", from, "to", to)
	return true
}

// Dispatchable implements the dispatcher's gate. Unknown campaign ids
// pass: jobs may reference campaigns this manager never saw, and the
// reference is soft. A due scheduled campaign is promoted to running
// here, which is how scheduled starts take effect.
func (m *Manager) Dispatchable(campaignID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[campaignID]
	if !ok {
		return true
	}

	switch c.Status {
	case StatusRunning, StatusCompleted:
		return true
	case StatusScheduled:
		if !c.ScheduledAt.After(m.nowFunc()) {
			c.Status = StatusRunning
			c.UpdatedAt = m.nowFunc()
			m.logger.Info("scheduled campaign now running", "campaign_id", campaignID)
			return true
		}
		return false
	default:
		return false
	}
}

// JobSettled is the dispatcher's terminal hook: once the queue reports
// no outstanding jobs for a running campaign, it completes.
func (m *Manager) JobSettled(campaignID string) {
	m.mu.RLock()
	c, ok := m.campaigns[campaignID]
	running := ok && c.Status == StatusRunning
	m.mu.RUnlock()

	if !running {
		return
	}
	if m.queue.OutstandingForCampaign(campaignID) > 0 {
		return
	}

	if m.transition(campaignID, StatusRunning, StatusCompleted) {
		m.logger.Info("campaign completed", "campaign_id", campaignID)
	}
}

func sortCampaigns(cs []Campaign) {
	sort.Slice(cs, func(i, j int) bool {
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}
