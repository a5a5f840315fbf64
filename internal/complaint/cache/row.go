package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/visible-governance/platform/internal/complaint/domain"
	"github.com/visible-governance/platform/internal/remotestore"
)

// flexTime accepts the timestamp shapes rows arrive in: RFC 3339 with or
// without zone, and bare dates.
type flexTime struct{ time.Time }

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	time.DateOnly,
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

type timelineRow struct {
	Date    flexTime                  `json:"date"`
	Action  string                    `json:"action"`
	By      string                    `json:"by"`
	Details *domain.ResolutionDetails `json:"details,omitempty"`
}

type complaintRow struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Department  string          `json:"department"`
	Location    string          `json:"location"`
	Status      domain.Status   `json:"status"`
	Priority    domain.Priority `json:"priority"`
	Anonymous   bool            `json:"anonymous"`
	Evidence    []string        `json:"evidence"`
	Timeline    []timelineRow   `json:"timeline"`
	UserID      *string         `json:"user_id"`
	AssignedTo  *string         `json:"assigned_to"`
	Version     int64           `json:"version"`
	CreatedAt   flexTime        `json:"created_at"`
	UpdatedAt   flexTime        `json:"updated_at"`
}

// FromRow maps a stored row to a complaint. A row without an id or with an
// empty timeline is rejected as malformed.
func FromRow(row remotestore.Row) (*domain.Complaint, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to encode complaint row: %w", err)
	}
	var r complaintRow
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("malformed complaint row: %w", err)
	}
	if r.ID == "" {
		return nil, fmt.Errorf("malformed complaint row: missing id")
	}
	if len(r.Timeline) == 0 {
		return nil, fmt.Errorf("malformed complaint row %s: empty timeline", r.ID)
	}

	c := &domain.Complaint{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Category:    r.Category,
		Department:  r.Department,
		Location:    r.Location,
		Status:      r.Status,
		Priority:    r.Priority,
		Anonymous:   r.Anonymous,
		Evidence:    r.Evidence,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt.Time,
		UpdatedAt:   r.UpdatedAt.Time,
	}
	if c.Evidence == nil {
		c.Evidence = []string{}
	}
	if r.UserID != nil {
		c.UserID = *r.UserID
	}
	if r.AssignedTo != nil {
		c.AssignedTo = *r.AssignedTo
	}
	c.Timeline = make([]domain.TimelineEntry, len(r.Timeline))
	for i, e := range r.Timeline {
		c.Timeline[i] = domain.TimelineEntry{Date: e.Date.Time, Action: e.Action, By: e.By, Details: e.Details}
	}
	return c, nil
}

// ToRow maps a complaint to its stored shape.
func ToRow(c *domain.Complaint) remotestore.Row {
	return remotestore.Row{
		"id":          c.ID,
		"title":       c.Title,
		"description": c.Description,
		"category":    c.Category,
		"department":  c.Department,
		"location":    c.Location,
		"status":      string(c.Status),
		"priority":    string(c.Priority),
		"anonymous":   c.Anonymous,
		"evidence":    c.Evidence,
		"timeline":    c.Timeline,
		"user_id":     nullable(c.UserID),
		"assigned_to": nullable(c.AssignedTo),
		"version":     c.Version,
		"created_at":  c.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
