package notification

import (
	"time"

	"github.com/visible-governance/platform/internal/complaint/domain"
)

// Notification tells a citizen that one of their complaints changed status
type Notification struct {
	ID                string                    `json:"id"`
	UserID            string                    `json:"user_id,omitempty"`
	ComplaintID       string                    `json:"complaint_id"`
	ComplaintTitle    string                    `json:"complaint_title,omitempty"`
	Status            domain.Status             `json:"status"`
	Message           string                    `json:"message"`
	Read              bool                      `json:"read"`
	CreatedAt         time.Time                 `json:"created_at"`
	ResolutionDetails *domain.ResolutionDetails `json:"resolution_details,omitempty"`
}

// DeliveryStatus represents email delivery status
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// Delivery tracks the email copy of a notification
type Delivery struct {
	NotificationID string         `json:"notification_id"`
	UserID         string         `json:"user_id"`
	Recipient      string         `json:"recipient,omitempty"`
	Subject        string         `json:"subject"`
	Body           string         `json:"body"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Stats represents notification statistics
type Stats struct {
	Total        int64   `json:"total"`
	Unread       int64   `json:"unread"`
	EmailsSent   int64   `json:"emails_sent"`
	EmailsFailed int64   `json:"emails_failed"`
	DeliveryRate float64 `json:"delivery_rate"`
}
