package queue

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Priority represents job priority
type Priority int

const (
	// PriorityLow is for low priority jobs
	PriorityLow Priority = 1
	// PriorityNormal is for normal priority jobs
	PriorityNormal Priority = 2
	// PriorityHigh is for high priority jobs
	PriorityHigh Priority = 3
	// PriorityUrgent is for jobs that should preempt everything else
	PriorityUrgent Priority = 4
)

// String returns the lowercase name of the priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name to a Priority
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority: %s", s)
	}
}

// Status represents the lifecycle state of a job
type Status string

const (
	// StatusPending means the job is waiting for dispatch
	StatusPending Status = "pending"
	// StatusProcessing means a dispatcher worker has claimed the job
	StatusProcessing Status = "processing"
	// StatusSent is terminal: the transport accepted the message
	StatusSent Status = "sent"
	// StatusFailed is terminal: attempts exhausted or a permanent error
	StatusFailed Status = "failed"
	// StatusRetrying means a retry is scheduled for NextAttemptAt
	StatusRetrying Status = "retrying"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusRetrying:
		return true
	}
	return false
}

// Terminal reports whether a job in this status will never be dispatched
// again without operator intervention
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Job is one queued attempt lifecycle to deliver a message to one
// recipient. The campaign is referenced by id only, never embedded.
type Job struct {
	ID            string    `json:"id"`
	CampaignID    string    `json:"campaign_id"`
	TemplateID    string    `json:"template_id"`
	UserID        string    `json:"user_id,omitempty"`
	Recipient     string    `json:"recipient"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body,omitempty"`
	Priority      Priority  `json:"priority"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NormalizeRecipient canonicalizes an email address: NFC-normalized,
// trimmed, with the domain part lowercased. Returns an error for
// addresses that cannot possibly be delivered.
func NormalizeRecipient(addr string) (string, error) {
	addr = strings.TrimSpace(norm.NFC.String(addr))
	if addr == "" {
		return "", fmt.Errorf("recipient is empty")
	}

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", fmt.Errorf("invalid recipient address: %s", addr)
	}

	local, domain := addr[:at], strings.ToLower(addr[at+1:])
	if strings.ContainsAny(addr, " \t\r\n") || !strings.Contains(domain, ".") {
		return "", fmt.Errorf("invalid recipient address: %s", addr)
	}

	return local + "@" + domain, nil
}
