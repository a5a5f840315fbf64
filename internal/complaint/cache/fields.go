package cache

import (
	"time"

	"github.com/visible-governance/platform/internal/complaint/domain"
	"github.com/visible-governance/platform/internal/remotestore"
)

// UpdateFields is a partial complaint update. Nil fields are left unchanged.
// AppendTimeline entries are added after the stored timeline.
type UpdateFields struct {
	Title          *string                `json:"title,omitempty"`
	Description    *string                `json:"description,omitempty"`
	Category       *string                `json:"category,omitempty"`
	Department     *string                `json:"department,omitempty"`
	Location       *string                `json:"location,omitempty"`
	Status         *domain.Status         `json:"status,omitempty"`
	Priority       *domain.Priority       `json:"priority,omitempty"`
	AssignedTo     *string                `json:"assigned_to,omitempty"`
	Evidence       []string               `json:"evidence,omitempty"`
	AppendTimeline []domain.TimelineEntry `json:"append_timeline,omitempty"`
}

func (f UpdateFields) status() domain.Status {
	if f.Status == nil {
		return ""
	}
	return *f.Status
}

// patch builds the row patch against current, bumping the version.
func (f UpdateFields) patch(current *domain.Complaint, now time.Time) remotestore.Row {
	p := remotestore.Row{
		"updated_at": now.UTC().Format(time.RFC3339Nano),
		"version":    current.Version + 1,
	}
	setString := func(key string, v *string) {
		if v != nil {
			p[key] = *v
		}
	}
	setString("title", f.Title)
	setString("description", f.Description)
	setString("category", f.Category)
	setString("department", f.Department)
	setString("location", f.Location)
	if f.AssignedTo != nil {
		p["assigned_to"] = nullable(*f.AssignedTo)
	}
	if f.Status != nil {
		p["status"] = string(*f.Status)
	}
	if f.Priority != nil {
		p["priority"] = string(*f.Priority)
	}
	if f.Evidence != nil {
		p["evidence"] = f.Evidence
	}
	if len(f.AppendTimeline) > 0 {
		timeline := make([]domain.TimelineEntry, 0, len(current.Timeline)+len(f.AppendTimeline))
		timeline = append(timeline, current.Timeline...)
		timeline = append(timeline, f.AppendTimeline...)
		p["timeline"] = timeline
	}
	return p
}

// StatusFields moves a complaint to status with the admin timeline entry.
func StatusFields(status domain.Status, department string, now time.Time) UpdateFields {
	return UpdateFields{
		Status:         &status,
		AppendTimeline: []domain.TimelineEntry{domain.StatusEntry(status, department, now)},
	}
}

// ResolutionFields resolves a complaint with the documented resolution.
func ResolutionFields(details domain.ResolutionDetails, now time.Time) (UpdateFields, error) {
	entry, err := domain.ResolutionEntry(details, now)
	if err != nil {
		return UpdateFields{}, err
	}
	status := domain.StatusResolved
	return UpdateFields{
		Status:         &status,
		AppendTimeline: []domain.TimelineEntry{entry},
	}, nil
}
