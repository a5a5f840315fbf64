// Package activity keeps a bounded log of the complaint and feedback events
// published on the event bus, for admin review.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/visible-governance/platform/internal/shared/events"
	"github.com/visible-governance/platform/internal/shared/metrics"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 500

// Entry is one consumed event
type Entry struct {
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	ComplaintID string    `json:"complaint_id"`
	Status      string    `json:"status,omitempty"`
	Department  string    `json:"department,omitempty"`
	Rating      int       `json:"rating,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
	ActorType   string    `json:"actor_type,omitempty"`
	At          time.Time `json:"at"`
}

// Log subscribes to domain events and records them
type Log struct {
	bus      events.EventBus
	capacity int
	logger   zerolog.Logger

	mu      sync.RWMutex
	entries []Entry // oldest first
	counts  map[string]int
}

// NewLog creates a log that keeps the last capacity entries.
func NewLog(bus events.EventBus, capacity int, logger zerolog.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		bus:      bus,
		capacity: capacity,
		logger:   logger,
		counts:   make(map[string]int),
	}
}

// Start subscribes to complaint and feedback events until ctx is done
func (l *Log) Start(ctx context.Context) error {
	patterns := []struct {
		pattern      string
		consumerName string
	}{
		{"complaint.*", "activity-complaint-subscriber"},
		{"feedback.*", "activity-feedback-subscriber"},
	}

	for _, p := range patterns {
		if err := l.bus.Subscribe(ctx, p.pattern, p.consumerName, l.handleEvent); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", p.pattern, err)
		}
	}
	return nil
}

func (l *Log) handleEvent(_ context.Context, event events.Event) error {
	entry, err := toEntry(event)
	if err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", event.Type, err)
	}

	l.mu.Lock()
	if len(l.entries) == l.capacity {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, entry)
	l.counts[event.Type]++
	l.mu.Unlock()

	metrics.RecordDomainEvent(event.Type)
	l.logger.Debug().
		Str("event_type", event.Type).
		Str("complaint_id", entry.ComplaintID).
		Msg("activity recorded")
	return nil
}

// toEntry reads the payload through JSON so events decoded from KurrentDB
// (maps) and in-process events (typed structs) look the same.
func toEntry(event events.Event) (Entry, error) {
	var payload struct {
		ID          string `json:"id"`
		ComplaintID string `json:"complaint_id"`
		Status      string `json:"status"`
		Department  string `json:"department"`
		Rating      int    `json:"rating"`
	}
	if event.Data != nil {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return Entry{}, err
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return Entry{}, err
		}
	}

	complaintID := event.Subject
	if complaintID == "" {
		complaintID = payload.ComplaintID
	}
	if complaintID == "" {
		complaintID = payload.ID
	}

	return Entry{
		EventID:     event.ID,
		Type:        event.Type,
		ComplaintID: complaintID,
		Status:      payload.Status,
		Department:  payload.Department,
		Rating:      payload.Rating,
		ActorID:     event.ActorID,
		ActorType:   event.ActorType,
		At:          event.Timestamp,
	}, nil
}

// Recent returns up to limit entries, most recent first. An empty eventType
// matches every type.
func (l *Log) Recent(limit int, eventType string) []Entry {
	if limit <= 0 {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, min(limit, len(l.entries)))
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if eventType != "" && l.entries[i].Type != eventType {
			continue
		}
		out = append(out, l.entries[i])
	}
	return out
}

// Counts returns how many events of each type were consumed
func (l *Log) Counts() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}
