// Package eventbus publishes session and agent lifecycle events toward
// the platform's out-of-scope downstream event bus collaborator (a
// notification service, an activity feed, an audit log), the way the
// upstream workspace orchestrator's internal/events/bus package feeds
// its own equivalents. Only the publish side is implemented here: this
// module is never itself a subscriber of the events it emits.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one lifecycle notification: a session or agent transition,
// keyed by subject for the downstream bus to route.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps an Event with a fresh id and the current time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Publisher is the lifecycle-event sink the Session Orchestrator and
// Agent Supervisor push through. Publish failures are logged by
// implementations and never propagated to callers: a downstream bus
// outage must not block session lifecycle operations.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *Event)
	Close()
}
