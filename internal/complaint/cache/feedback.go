package cache

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/google/uuid"

	"github.com/visible-governance/platform/internal/complaint/domain"
	"github.com/visible-governance/platform/internal/remotestore"
	apperrors "github.com/visible-governance/platform/internal/shared/errors"
	"github.com/visible-governance/platform/internal/shared/events"
	"github.com/visible-governance/platform/internal/shared/metrics"
)

// EmailPayload is the body sent to the email function.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// SubmitFeedback stores a citizen's feedback on a complaint and then sends
// a notification email. The email is best effort: its failure is logged and
// never undoes the stored feedback.
func (c *Cache) SubmitFeedback(ctx context.Context, fb domain.Feedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}

	complaint, found, err := c.Get(ctx, fb.ComplaintID)
	if err != nil {
		return err
	}
	if !found {
		return apperrors.NotFound("complaint", fb.ComplaintID)
	}

	row := remotestore.Row{
		"id":           uuid.NewString(),
		"complaint_id": fb.ComplaintID,
		"rating":       fb.Rating,
		"comment":      fb.Comment,
		"satisfaction": fb.Satisfaction,
		"created_at":   c.now().UTC().Format(time.RFC3339Nano),
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	start := time.Now()
	err = c.store.Insert(callCtx, remotestore.TableFeedback, row)
	metrics.RecordStoreCall("insert", time.Since(start))
	if err != nil {
		c.logger.Error().Err(err).Str("complaint_id", fb.ComplaintID).Msg("failed to store feedback")
		return apperrors.Unavailable("failed to submit feedback", err)
	}

	if c.bus != nil {
		event := events.NewEvent(events.FeedbackSubmitted, eventSource, fb.ComplaintID, fb)
		if err := c.bus.Publish(ctx, event); err != nil {
			c.logger.Warn().Err(err).Str("complaint_id", fb.ComplaintID).Msg("failed to publish feedback event")
		}
	}

	c.sendFeedbackEmail(ctx, complaint, fb)
	return nil
}

func (c *Cache) sendFeedbackEmail(ctx context.Context, complaint *domain.Complaint, fb domain.Feedback) {
	if c.functions == nil || c.cfg.FeedbackRecipient == "" {
		return
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
	defer cancel()
	_, err := c.functions.Invoke(callCtx, c.cfg.EmailFunction, FeedbackEmail(c.cfg.FeedbackRecipient, complaint, fb))
	metrics.RecordEmail("feedback", err)
	if err != nil {
		c.logger.Warn().Err(err).Str("complaint_id", complaint.ID).Msg("feedback email failed")
	}
}

// FeedbackEmail renders the feedback notification.
func FeedbackEmail(to string, complaint *domain.Complaint, fb domain.Feedback) EmailPayload {
	comment := fb.Comment
	if comment == "" {
		comment = "(none)"
	}
	body := fmt.Sprintf(
		"<h2>New feedback on complaint %s</h2>"+
			"<p><strong>Title:</strong> %s</p>"+
			"<p><strong>Rating:</strong> %d/5</p>"+
			"<p><strong>Satisfaction:</strong> %s</p>"+
			"<p><strong>Comment:</strong> %s</p>",
		html.EscapeString(complaint.ID),
		html.EscapeString(complaint.Title),
		fb.Rating,
		html.EscapeString(fb.Satisfaction),
		html.EscapeString(comment),
	)
	return EmailPayload{
		To:      to,
		Subject: fmt.Sprintf("Feedback received for complaint %s", complaint.ID),
		HTML:    body,
	}
}
