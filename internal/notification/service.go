// Package notification turns complaint status changes from the realtime feed
// into in-app notifications, transient alerts and email copies.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/visible-governance/platform/internal/alert"
	"github.com/visible-governance/platform/internal/complaint/cache"
	"github.com/visible-governance/platform/internal/complaint/domain"
	"github.com/visible-governance/platform/internal/remotestore"
	"github.com/visible-governance/platform/internal/shared/metrics"
)

// Alert titles
const (
	TitleResolved     = "Complaint Resolved"
	TitleStatusUpdate = "Status Update"
)

// Alerts shows transient pop-ups
type Alerts interface {
	Push(a alert.Alert) alert.Alert
}

// ServiceConfig holds service configuration
type ServiceConfig struct {
	Workers       int
	BufferSize    int
	RetryAttempts int
	RetryDelay    time.Duration
	SendTimeout   time.Duration
	Backoff       remotestore.Backoff
}

// DefaultServiceConfig returns default configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Workers:       2,
		BufferSize:    256,
		RetryAttempts: 3,
		RetryDelay:    2 * time.Second,
		SendTimeout:   10 * time.Second,
		Backoff:       remotestore.DefaultBackoff,
	}
}

// Service is the notification fan-out listener
type Service struct {
	store     remotestore.Store
	alerts    Alerts
	email     EmailProvider
	directory remotestore.Directory
	config    ServiceConfig
	logger    zerolog.Logger
	now       func() time.Time

	// State
	mu            sync.RWMutex
	notifications []*Notification
	deliveries    map[string]*Delivery
	stats         Stats
	lastMilli     int64
	seq           int

	// Processing
	emailCh chan *Delivery

	// Lifecycle
	started    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	supervisor *remotestore.Supervisor
}

// NewService creates a new notification service. email and directory may be
// nil, which disables email copies.
func NewService(
	store remotestore.Store,
	alerts Alerts,
	email EmailProvider,
	directory remotestore.Directory,
	config ServiceConfig,
	logger zerolog.Logger,
) *Service {
	def := DefaultServiceConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = def.RetryAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = def.RetryDelay
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = def.SendTimeout
	}
	return &Service{
		store:      store,
		alerts:     alerts,
		email:      email,
		directory:  directory,
		config:     config,
		logger:     logger,
		now:        time.Now,
		deliveries: make(map[string]*Delivery),
		emailCh:    make(chan *Delivery, config.BufferSize),
	}
}

// Start subscribes to complaint status changes and starts the email workers
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("service already started")
	}
	s.started = true
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	if s.email != nil {
		for i := 0; i < s.config.Workers; i++ {
			s.wg.Add(1)
			go s.worker(ctx, stopCh)
		}
	}

	supervisor := remotestore.NewSupervisor(func(ctx context.Context) (remotestore.Subscription, error) {
		return s.store.SubscribeChanges(ctx, remotestore.TableComplaints, remotestore.EventFilter{
			Type:    remotestore.EventUpdate,
			Filters: []remotestore.Filter{remotestore.Neq("status", string(domain.StatusPending))},
		}, s.HandleChange)
	}, s.config.Backoff, s.logger.With().Str("subscriber", "complaint-updates").Logger())
	supervisor.OnReconnect = func(int, time.Duration, error) {
		metrics.RecordReconnect("notification")
	}
	s.mu.Lock()
	s.supervisor = supervisor
	s.mu.Unlock()
	supervisor.Start(ctx)

	return nil
}

// Stop releases the subscription and stops the email workers
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("service not started")
	}
	s.started = false
	supervisor, stopCh := s.supervisor, s.stopCh
	s.supervisor, s.stopCh = nil, nil
	s.mu.Unlock()

	supervisor.Stop()
	close(stopCh)
	s.wg.Wait()

	return nil
}

// State reports the subscription lifecycle state
func (s *Service) State() remotestore.SubscriptionState {
	s.mu.RLock()
	started, supervisor := s.started, s.supervisor
	s.mu.RUnlock()
	if !started || supervisor == nil {
		return remotestore.StateUnsubscribed
	}
	return supervisor.State()
}

// HandleChange turns one complaint update into a notification
func (s *Service) HandleChange(ctx context.Context, ev remotestore.ChangeEvent) {
	complaint, err := cache.FromRow(ev.New)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ignoring malformed complaint update")
		return
	}
	if complaint.Status == domain.StatusPending {
		return
	}

	n := Derive(complaint, s.now())

	s.mu.Lock()
	n.ID = s.nextIDLocked(n.CreatedAt)
	s.notifications = append([]*Notification{n}, s.notifications...)
	s.stats.Total++
	s.mu.Unlock()

	metrics.RecordNotification(string(n.Status))
	s.logger.Info().
		Str("notification_id", n.ID).
		Str("complaint_id", n.ComplaintID).
		Str("status", string(n.Status)).
		Msg("notification created")

	if s.alerts != nil {
		a := alert.Alert{
			Kind:        alert.KindInfo,
			Title:       TitleStatusUpdate,
			Message:     n.Message,
			ComplaintID: n.ComplaintID,
			UserID:      n.UserID,
		}
		if n.Status == domain.StatusResolved {
			a.Kind = alert.KindSuccess
			a.Title = TitleResolved
		}
		s.alerts.Push(a)
		metrics.RecordAlert(string(a.Kind))
	}

	s.enqueueEmail(n)
}

// Derive builds the notification for a complaint that changed status. The
// resolution details come from the latest timeline entry.
func Derive(c *domain.Complaint, now time.Time) *Notification {
	n := &Notification{
		UserID:         c.UserID,
		ComplaintID:    c.ID,
		ComplaintTitle: c.Title,
		Status:         c.Status,
		Message:        Message(c),
		CreatedAt:      now,
	}
	if latest, ok := c.LatestEntry(); ok && latest.Details != nil {
		details := *latest.Details
		n.ResolutionDetails = &details
	}
	return n
}

// Message derives the notification text for a complaint's current status
func Message(c *domain.Complaint) string {
	if c.Status != domain.StatusResolved {
		return fmt.Sprintf(`Status of complaint "%s" has been updated to %s`, c.Title, c.Status)
	}

	department := c.Department
	var details *domain.ResolutionDetails
	if latest, ok := c.LatestEntry(); ok && latest.Details != nil {
		details = latest.Details
		if details.Department != "" {
			department = details.Department
		}
	}
	msg := fmt.Sprintf(`Your complaint "%s" has been resolved by %s`, c.Title, department)
	if details != nil && details.ActionTaken != "" {
		msg += ". Action taken: " + details.ActionTaken
	}
	return msg
}

// nextIDLocked returns notif-<unix ms>, suffixed when several notifications
// share a millisecond. mu must be held.
func (s *Service) nextIDLocked(now time.Time) string {
	ms := now.UnixMilli()
	if ms == s.lastMilli {
		s.seq++
		return fmt.Sprintf("notif-%d-%d", ms, s.seq)
	}
	s.lastMilli = ms
	s.seq = 0
	return fmt.Sprintf("notif-%d", ms)
}

// List returns every notification, most recent first
func (s *Service) List() []Notification {
	return s.collect(func(*Notification) bool { return true })
}

// ForUser returns the notifications addressed to userID, most recent first
func (s *Service) ForUser(userID string) []Notification {
	return s.collect(func(n *Notification) bool { return n.UserID == userID })
}

func (s *Service) collect(keep func(*Notification) bool) []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		if keep(n) {
			out = append(out, *n)
		}
	}
	return out
}

// Get returns a notification by ID
func (s *Service) Get(id string) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.notifications {
		if n.ID == id {
			return *n, true
		}
	}
	return Notification{}, false
}

// MarkRead marks one notification read. Unknown IDs are ignored.
func (s *Service) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if n.ID == id {
			n.Read = true
			return true
		}
	}
	return false
}

// MarkAllRead marks every notification read and returns how many changed
func (s *Service) MarkAllRead() int {
	return s.markAll(func(*Notification) bool { return true })
}

// MarkAllReadFor marks userID's notifications read
func (s *Service) MarkAllReadFor(userID string) int {
	return s.markAll(func(n *Notification) bool { return n.UserID == userID })
}

func (s *Service) markAll(match func(*Notification) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, n := range s.notifications {
		if match(n) && !n.Read {
			n.Read = true
			changed++
		}
	}
	return changed
}

// UnreadCount returns the number of unread notifications
func (s *Service) UnreadCount() int {
	return len(s.collect(func(n *Notification) bool { return !n.Read }))
}

// UnreadCountFor returns userID's unread notifications
func (s *Service) UnreadCountFor(userID string) int {
	return len(s.collect(func(n *Notification) bool { return n.UserID == userID && !n.Read }))
}

// GetStats returns notification statistics
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := s.stats
	for _, n := range s.notifications {
		if !n.Read {
			stats.Unread++
		}
	}
	if done := stats.EmailsSent + stats.EmailsFailed; done > 0 {
		stats.DeliveryRate = float64(stats.EmailsSent) / float64(done)
	}
	return stats
}

// Delivery returns the email delivery record of a notification
func (s *Service) Delivery(notificationID string) (Delivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[notificationID]
	if !ok {
		return Delivery{}, false
	}
	return *d, true
}

// enqueueEmail hands the notification to the email workers. Anonymous
// complaints have no recipient and are skipped.
func (s *Service) enqueueEmail(n *Notification) {
	if s.email == nil || n.UserID == "" {
		return
	}

	d := &Delivery{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Subject:        fmt.Sprintf("Update on your complaint %s", n.ComplaintID),
		Body:           n.Message,
		Status:         DeliveryPending,
		CreatedAt:      n.CreatedAt,
	}
	s.mu.Lock()
	s.deliveries[n.ID] = d
	s.mu.Unlock()

	select {
	case s.emailCh <- d:
	default:
		s.finish(d, DeliveryFailed, errors.New("email buffer full"))
	}
}

// worker processes deliveries from the channel until stop is closed
func (s *Service) worker(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case d := <-s.emailCh:
			s.deliver(ctx, d)
		}
	}
}

func (s *Service) deliver(ctx context.Context, d *Delivery) {
	recipient, err := s.resolveRecipient(ctx, d.UserID)
	if err != nil {
		s.logger.Debug().Err(err).Str("user_id", d.UserID).Msg("no email recipient, skipping")
		s.finish(d, DeliverySkipped, err)
		return
	}

	s.mu.Lock()
	d.Recipient = recipient
	msg := *d
	s.mu.Unlock()

	err = remotestore.Retry(ctx, s.config.RetryAttempts, s.config.RetryDelay, func(ctx context.Context) error {
		s.mu.Lock()
		d.Attempts++
		s.mu.Unlock()

		sendCtx, cancel := context.WithTimeout(ctx, s.config.SendTimeout)
		defer cancel()
		return s.email.Send(sendCtx, &msg)
	})
	metrics.RecordEmail("status_change", err)
	if err != nil {
		s.logger.Warn().Err(err).Str("notification_id", d.NotificationID).Msg("email notification failed")
		s.finish(d, DeliveryFailed, err)
		return
	}
	s.finish(d, DeliverySent, nil)
}

func (s *Service) resolveRecipient(ctx context.Context, userID string) (string, error) {
	if s.directory == nil {
		return "", errors.New("no user directory configured")
	}
	user, err := s.directory.LookupUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.Email == "" {
		return "", fmt.Errorf("user %s has no email", userID)
	}
	return user.Email, nil
}

func (s *Service) finish(d *Delivery, status DeliveryStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Status = status
	if err != nil {
		d.ErrorMessage = err.Error()
	}
	switch status {
	case DeliverySent:
		now := s.now()
		d.SentAt = &now
		s.stats.EmailsSent++
	case DeliveryFailed:
		s.stats.EmailsFailed++
	}
}
