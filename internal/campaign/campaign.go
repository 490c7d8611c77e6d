// Package campaign owns campaign records and their lifecycle. Jobs and
// events reference campaigns by id only; the queue and the event store
// never embed campaign state.
package campaign

import (
	"time"
)

// Status is a campaign lifecycle state
type Status string

const (
	// StatusDraft is the initial state; no jobs exist yet
	StatusDraft Status = "draft"
	// StatusScheduled defers the start until ScheduledAt
	StatusScheduled Status = "scheduled"
	// StatusRunning means jobs are materialized and dispatchable
	StatusRunning Status = "running"
	// StatusPaused halts dispatch without discarding queued jobs
	StatusPaused Status = "paused"
	// StatusCompleted means no outstanding jobs remain
	StatusCompleted Status = "completed"
)

// Settings are per-campaign delivery knobs
type Settings struct {
	TrackOpens          bool          `json:"track_opens"`
	TrackClicks         bool          `json:"track_clicks"`
	SuppressBounces     bool          `json:"suppress_bounces"`
	BatchSize           int           `json:"batch_size"`
	DelayBetweenBatches time.Duration `json:"delay_between_batches"`
}

// DefaultSettings returns the documented settings defaults
func DefaultSettings() Settings {
	return Settings{
		TrackOpens:          true,
		TrackClicks:         true,
		SuppressBounces:     true,
		BatchSize:           100,
		DelayBetweenBatches: 60 * time.Second,
	}
}

// Campaign is a named batch of deliveries sharing a template and settings
type Campaign struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	TemplateID      string    `json:"template_id"`
	CreatedBy       string    `json:"created_by,omitempty"`
	Status          Status    `json:"status"`
	RecipientCount  int       `json:"recipient_count"`
	RecipientFilter string    `json:"recipient_filter,omitempty"`
	Settings        Settings  `json:"settings"`
	Subject         string    `json:"subject,omitempty"`
	Body            string    `json:"body,omitempty"`
	ScheduledAt     time.Time `json:"scheduled_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CreateSpec describes a campaign to create. Name and TemplateID are
// required; unset settings fall back to DefaultSettings.
type CreateSpec struct {
	Name            string
	TemplateID      string
	CreatedBy       string
	RecipientFilter string
	Subject         string
	Body            string
	Settings        SettingsPatch
}

// SettingsPatch is a partial settings update. Nil fields keep the
// current value, so callers can adjust one knob without knowing the rest.
type SettingsPatch struct {
	TrackOpens          *bool
	TrackClicks         *bool
	SuppressBounces     *bool
	BatchSize           *int
	DelayBetweenBatches *time.Duration
}

func (p SettingsPatch) apply(s Settings) Settings {
	if p.TrackOpens != nil {
		s.TrackOpens = *p.TrackOpens
	}
	if p.TrackClicks != nil {
		s.TrackClicks = *p.TrackClicks
	}
	if p.SuppressBounces != nil {
		s.SuppressBounces = *p.SuppressBounces
	}
	if p.BatchSize != nil && *p.BatchSize > 0 {
		s.BatchSize = *p.BatchSize
	}
	if p.DelayBetweenBatches != nil && *p.DelayBetweenBatches >= 0 {
		s.DelayBetweenBatches = *p.DelayBetweenBatches
	}
	return s
}

// Update is a partial campaign update. Nil fields keep current values.
type Update struct {
	Name            *string
	Subject         *string
	Body            *string
	RecipientFilter *string
	Settings        SettingsPatch
}

// Recipient is one delivery target for a campaign start
type Recipient struct {
	Email    string
	Priority int
}
