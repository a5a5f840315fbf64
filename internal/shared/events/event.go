package events

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types published by the platform.
const (
	ComplaintFiled         = "complaint.filed"
	ComplaintUpdated       = "complaint.updated"
	ComplaintStatusChanged = "complaint.status_changed"
	ComplaintResolved      = "complaint.resolved"
	FeedbackSubmitted      = "feedback.submitted"
)

// Event represents a domain event
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	Subject       string    `json:"subject,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	ActorID   string `json:"actor_id,omitempty"`
	ActorType string `json:"actor_type,omitempty"` // citizen, admin, system

	Data any `json:"data"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source, subject string, data any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithActor sets the actor information on the event
func (e Event) WithActor(actorID, actorType string) Event {
	e.ActorID = actorID
	e.ActorType = actorType
	return e
}

// WithCorrelation sets the correlation ID for request tracing
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error

// matchesPattern checks if an event type matches a wildcard pattern.
// "complaint.*" matches "complaint.filed"; "*" matches everything.
func matchesPattern(eventType, pattern string) bool {
	if pattern == "*" || pattern == ">" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	typeParts := strings.Split(eventType, ".")

	for i, pp := range patternParts {
		if pp == "*" {
			return true
		}
		if i >= len(typeParts) || pp != typeParts[i] {
			return false
		}
	}
	return len(patternParts) == len(typeParts)
}

// patternToRegex converts a wildcard pattern to an event type regex
func patternToRegex(pattern string) string {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '.':
			b.WriteString(`\.`)
		case '*':
			b.WriteString(".*")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
