package notification

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/visible-governance/platform/internal/remotestore"
)

// EmailProvider delivers the email copy of a notification
type EmailProvider interface {
	Send(ctx context.Context, delivery *Delivery) error
}

// emailPayload is the body the email function expects
type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// FunctionEmailProvider sends email through a named remote function
type FunctionEmailProvider struct {
	functions remotestore.Functions
	name      string
}

// NewFunctionEmailProvider creates a provider invoking the function name
func NewFunctionEmailProvider(functions remotestore.Functions, name string) *FunctionEmailProvider {
	return &FunctionEmailProvider{functions: functions, name: name}
}

func (p *FunctionEmailProvider) Send(ctx context.Context, delivery *Delivery) error {
	if delivery.Recipient == "" {
		return fmt.Errorf("no email address provided")
	}
	_, err := p.functions.Invoke(ctx, p.name, emailPayload{
		To:      delivery.Recipient,
		Subject: delivery.Subject,
		HTML:    "<p>" + html.EscapeString(delivery.Body) + "</p>",
	})
	return err
}

// MockEmailProvider records deliveries for testing
type MockEmailProvider struct {
	mu        sync.RWMutex
	sent      []*Delivery
	failures  int
	sendDelay time.Duration
}

// NewMockEmailProvider creates a new mock email provider
func NewMockEmailProvider() *MockEmailProvider {
	return &MockEmailProvider{}
}

func (p *MockEmailProvider) Send(ctx context.Context, delivery *Delivery) error {
	if p.sendDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.sendDelay):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return fmt.Errorf("mock send failure")
	}
	if delivery.Recipient == "" {
		return fmt.Errorf("no email address provided")
	}
	copied := *delivery
	p.sent = append(p.sent, &copied)
	return nil
}

// FailNext makes the next n sends fail
func (p *MockEmailProvider) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
}

// SetSendDelay sets artificial delay for Send
func (p *MockEmailProvider) SetSendDelay(delay time.Duration) {
	p.sendDelay = delay
}

// Sent returns all delivered emails
func (p *MockEmailProvider) Sent() []*Delivery {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Delivery(nil), p.sent...)
}

// LogProvider writes emails to the log instead of sending them (for development)
type LogProvider struct {
	logger zerolog.Logger
}

// NewLogProvider creates a log-only provider
func NewLogProvider(logger zerolog.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Send(ctx context.Context, delivery *Delivery) error {
	p.logger.Info().
		Str("notification_id", delivery.NotificationID).
		Str("to", delivery.Recipient).
		Str("subject", delivery.Subject).
		Msg("email notification")
	return nil
}
