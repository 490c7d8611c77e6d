// Package events provides the append-only delivery and engagement event
// log. The event store is the only writer-of-record for engagement
// history; the analytics aggregator reads it and never mutates it.
package events

import (
	"context"
	"time"
)

// Type classifies a lifecycle or engagement event
type Type string

const (
	// TypeSent records a successful handoff to the transport
	TypeSent Type = "sent"
	// TypeDelivered records a downstream delivery confirmation
	TypeDelivered Type = "delivered"
	// TypeBounced records a bounce reported by the transport or a tracker
	TypeBounced Type = "bounced"
	// TypeOpened records a recipient opening the message
	TypeOpened Type = "opened"
	// TypeClicked records a recipient clicking a tracked link
	TypeClicked Type = "clicked"
	// TypeFailed records a terminal delivery failure
	TypeFailed Type = "failed"
)

// Valid reports whether t is a known event type
func (t Type) Valid() bool {
	switch t {
	case TypeSent, TypeDelivered, TypeBounced, TypeOpened, TypeClicked, TypeFailed:
		return true
	}
	return false
}

// Event is a timestamped fact about one email's lifecycle. EmailID is a
// soft reference: engagement events may arrive long after the job record
// has been pruned, so no referential check is made against the queue.
type Event struct {
	ID         string            `json:"id"`
	EmailID    string            `json:"email_id"`
	CampaignID string            `json:"campaign_id,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Type       Type              `json:"event_type"`
	Recipient  string            `json:"recipient_email"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Filter selects events for a query. Zero fields match everything;
// set fields intersect.
type Filter struct {
	From       time.Time
	To         time.Time
	EmailID    string
	CampaignID string
	TemplateID string
	UserID     string
	Types      []Type
}

// Matches reports whether e satisfies the filter
func (f Filter) Matches(e Event) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.EmailID != "" && e.EmailID != f.EmailID {
		return false
	}
	if f.CampaignID != "" && e.CampaignID != f.CampaignID {
		return false
	}
	if f.TemplateID != "" && e.TemplateID != f.TemplateID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store is the append-only event log. Append must be cheap; it sits on
// the dispatcher's hot path.
type Store interface {
	// Append stores the event, assigning ID and Timestamp when unset,
	// and returns the event id.
	Append(ctx context.Context, e Event) (string, error)

	// Query returns events matching the filter ordered by timestamp
	// ascending. Ordering is by event timestamp, not arrival order, so
	// out-of-order tracker deliveries still produce coherent funnels.
	Query(ctx context.Context, f Filter) ([]Event, error)

	// Close releases store resources
	Close() error
}
