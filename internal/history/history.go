// Package history exports control-plane events (issued and completed
// actions, lease changes, expired statuses) to analytics sinks.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of control-plane event.
type EventType string

const (
	EventActionIssued    EventType = "action_issued"
	EventActionCompleted EventType = "action_completed"
	EventActionAbandoned EventType = "action_abandoned"
	EventLeaseGranted    EventType = "lease_granted"
	EventLeaseFreed      EventType = "lease_freed"
	EventLeaseExpired    EventType = "lease_expired"
	EventStatusExpired   EventType = "status_expired"
)

// Event is one exported record. Fields that do not apply to Type are empty.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Hostname   string    `json:"hostname,omitempty"`
	Daemon     string    `json:"daemon,omitempty"`
	ActionID   uint64    `json:"action_id,omitempty"`
	ActionKind string    `json:"action_kind,omitempty"`
	Lease      string    `json:"lease,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// NewEvent stamps a fresh id and the current UTC time.
func NewEvent(t EventType) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC()}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
