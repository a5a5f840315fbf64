package domain

import (
	"strings"
	"time"
)

// Status defines the lifecycle state of a complaint
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusResolved   Status = "resolved"
	StatusRejected   Status = "rejected"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusResolved, StatusRejected:
		return true
	}
	return false
}

// Priority defines complaint priority
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// SLADays returns the resolution target in days for the priority
func (p Priority) SLADays() int {
	switch p {
	case PriorityHigh:
		return 15
	case PriorityLow:
		return 45
	default:
		return 30
	}
}

// Timeline actors for the filing entry
const (
	ActorAnonymous = "Anonymous"
	ActorCitizen   = "Citizen"
)

// ActionFiled is the action of the first timeline entry
const ActionFiled = "Complaint filed"

// ResolutionDetails records how a complaint was resolved
type ResolutionDetails struct {
	ActionTaken     string `json:"actionTaken" validate:"required"`
	OfficerName     string `json:"officerName" validate:"required"`
	ResolutionDate  string `json:"resolutionDate" validate:"required"`
	AdditionalNotes string `json:"additionalNotes,omitempty"`
	Department      string `json:"department,omitempty"`
}

// TimelineEntry is one recorded action on a complaint
type TimelineEntry struct {
	Date    time.Time          `json:"date"`
	Action  string             `json:"action"`
	By      string             `json:"by"`
	Details *ResolutionDetails `json:"details,omitempty"`
}

// resolves reports whether the entry documents a resolution
func (e TimelineEntry) resolves() bool {
	return e.Details != nil && e.Details.ActionTaken != "" && e.Details.ResolutionDate != ""
}

// Complaint is a citizen-filed corruption report
type Complaint struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Department  string          `json:"department"`
	Location    string          `json:"location"`
	Status      Status          `json:"status"`
	Priority    Priority        `json:"priority"`
	Anonymous   bool            `json:"anonymous"`
	Evidence    []string        `json:"evidence"`
	Timeline    []TimelineEntry `json:"timeline"`
	UserID      string          `json:"user_id,omitempty"`
	AssignedTo  string          `json:"assigned_to,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewComplaint builds a pending complaint with its filing entry.
func NewComplaint(id string, input NewComplaintInput, now time.Time) (*Complaint, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	by := ActorCitizen
	userID := input.UserID
	if input.Anonymous {
		by = ActorAnonymous
		userID = ""
	}

	evidence := append([]string{}, input.Evidence...)
	return &Complaint{
		ID:          id,
		Title:       input.Title,
		Description: input.Description,
		Category:    input.Category,
		Department:  input.Department,
		Location:    input.Location,
		Status:      StatusPending,
		Priority:    input.Priority,
		Anonymous:   input.Anonymous,
		Evidence:    evidence,
		Timeline: []TimelineEntry{{
			Date:   now,
			Action: ActionFiled,
			By:     by,
		}},
		UserID:    userID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Clone returns a deep copy
func (c *Complaint) Clone() *Complaint {
	out := *c
	out.Evidence = append([]string(nil), c.Evidence...)
	out.Timeline = make([]TimelineEntry, len(c.Timeline))
	for i, e := range c.Timeline {
		out.Timeline[i] = e
		if e.Details != nil {
			d := *e.Details
			out.Timeline[i].Details = &d
		}
	}
	return &out
}

// LatestEntry returns the most recent timeline entry
func (c *Complaint) LatestEntry() (TimelineEntry, bool) {
	if len(c.Timeline) == 0 {
		return TimelineEntry{}, false
	}
	return c.Timeline[len(c.Timeline)-1], true
}

// ResolutionDetails returns the details of the latest resolving entry
func (c *Complaint) ResolutionDetails() *ResolutionDetails {
	for i := len(c.Timeline) - 1; i >= 0; i-- {
		e := c.Timeline[i]
		if e.Details != nil && strings.Contains(strings.ToLower(e.Action), "resolved") {
			d := *e.Details
			return &d
		}
	}
	return nil
}

// Deadline is the SLA due date
func (c *Complaint) Deadline() time.Time {
	return c.CreatedAt.Add(time.Duration(c.Priority.SLADays()) * 24 * time.Hour)
}

// DaysLeft is the SLA target minus elapsed days, rounded up. Negative when late.
func (c *Complaint) DaysLeft(now time.Time) int {
	return c.Priority.SLADays() - elapsedDays(c.CreatedAt, now)
}

// Overdue reports whether an unresolved complaint has passed its SLA
func (c *Complaint) Overdue(now time.Time) bool {
	return c.Status != StatusResolved && c.DaysLeft(now) < 0
}

// CheckTransition enforces that moving to resolved is documented by a
// resolving entry, either among appended or already on the complaint.
func CheckTransition(current *Complaint, status Status, appended []TimelineEntry) error {
	if status == "" {
		return nil
	}
	if !status.Valid() {
		return ErrInvalidStatus
	}
	if status != StatusResolved {
		return nil
	}
	for _, e := range appended {
		if e.resolves() {
			return nil
		}
	}
	if current != nil && current.Status == StatusResolved {
		for _, e := range current.Timeline {
			if e.resolves() {
				return nil
			}
		}
	}
	return ErrResolutionDetailsRequired
}

// StatusEntry is the timeline entry recorded when an admin changes status
func StatusEntry(status Status, department string, now time.Time) TimelineEntry {
	return TimelineEntry{
		Date:   now,
		Action: "Status updated to " + string(status),
		By:     department + " Admin",
	}
}

// ResolutionEntry is the timeline entry recorded when a complaint is resolved.
// The entry is dated at the resolution date when it parses.
func ResolutionEntry(details ResolutionDetails, now time.Time) (TimelineEntry, error) {
	if err := validateStruct("invalid resolution details", details); err != nil {
		return TimelineEntry{}, err
	}
	date := now
	if d, err := parseDate(details.ResolutionDate); err == nil {
		date = d
	}
	return TimelineEntry{
		Date:    date,
		Action:  "Complaint resolved - " + details.ActionTaken,
		By:      details.OfficerName,
		Details: &details,
	}, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// elapsedDays rounds the interval up to whole days
func elapsedDays(from, to time.Time) int {
	d := to.Sub(from)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) > 0 {
		days++
	}
	return days
}
