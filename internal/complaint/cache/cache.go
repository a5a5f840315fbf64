// Package cache keeps an in-memory mirror of complaint records consistent
// with the remote store. Writes go to the store first; the mirror follows by
// merging the changed row, by a full refetch, or from the change feed.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/visible-governance/platform/internal/alert"
	"github.com/visible-governance/platform/internal/complaint/domain"
	"github.com/visible-governance/platform/internal/remotestore"
	"github.com/visible-governance/platform/internal/shared/auth"
	apperrors "github.com/visible-governance/platform/internal/shared/errors"
	"github.com/visible-governance/platform/internal/shared/events"
	"github.com/visible-governance/platform/internal/shared/metrics"
)

// MsgUpdateFailed is the alert raised when an update cannot be applied.
const MsgUpdateFailed = "Failed to update complaint"

const eventSource = "complaint-cache"

// Alerts receives user-visible failure messages.
type Alerts interface {
	Error(message string) alert.Alert
}

// Config tunes the cache.
type Config struct {
	RequestTimeout    time.Duration
	RefreshRetries    int
	RetryBackoff      time.Duration
	FullRefresh       bool
	AppendRetries     int
	EmailFunction     string
	FeedbackRecipient string
	Backoff           remotestore.Backoff
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		RefreshRetries: 3,
		RetryBackoff:   200 * time.Millisecond,
		AppendRetries:  5,
		EmailFunction:  "send-email",
		Backoff:        remotestore.DefaultBackoff,
	}
}

// Cache is the complaint state cache.
type Cache struct {
	store     remotestore.Store
	functions remotestore.Functions
	bus       events.EventBus
	alerts    Alerts
	ids       *domain.IDGenerator
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time

	mu         sync.RWMutex
	complaints []domain.Complaint
	loaded     bool
	lastErr    error

	feedMu sync.Mutex
	feed   *remotestore.Supervisor
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithIDGenerator replaces the complaint id generator.
func WithIDGenerator(ids *domain.IDGenerator) Option {
	return func(c *Cache) { c.ids = ids }
}

// WithEventBus publishes complaint events to bus.
func WithEventBus(bus events.EventBus) Option {
	return func(c *Cache) { c.bus = bus }
}

// New creates a cache over client. The mirror is empty until ListAll or Start.
func New(client remotestore.Client, alerts Alerts, cfg Config, logger zerolog.Logger, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.RefreshRetries <= 0 {
		cfg.RefreshRetries = def.RefreshRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.AppendRetries <= 0 {
		cfg.AppendRetries = def.AppendRetries
	}
	if cfg.EmailFunction == "" {
		cfg.EmailFunction = def.EmailFunction
	}

	c := &Cache{
		store:     client.Store,
		functions: client.Functions,
		alerts:    alerts,
		ids:       domain.NewIDGenerator(),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start loads the mirror and follows the complaints change feed until Stop.
// A failed initial load is recorded in Err and does not prevent the feed.
func (c *Cache) Start(ctx context.Context) {
	if _, err := c.ListAll(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("initial complaint load failed")
	}

	c.feedMu.Lock()
	defer c.feedMu.Unlock()
	if c.feed != nil {
		return
	}

	feed := remotestore.NewSupervisor(func(ctx context.Context) (remotestore.Subscription, error) {
		return c.store.SubscribeChanges(ctx, remotestore.TableComplaints,
			remotestore.EventFilter{Type: remotestore.EventAll},
			func(_ context.Context, ev remotestore.ChangeEvent) { c.Apply(ev) })
	}, c.cfg.Backoff, c.logger.With().Str("subscriber", "complaints").Logger())

	feed.OnReconnect = func(int, time.Duration, error) {
		metrics.RecordReconnect("complaint-cache")
	}
	resumed := false
	feed.OnStateChange = func(state remotestore.SubscriptionState) {
		if state != remotestore.StateActive {
			return
		}
		// events may have been missed while the feed was down
		if resumed {
			go func() {
				if _, err := c.ListAll(ctx); err != nil {
					c.logger.Warn().Err(err).Msg("refresh after resubscribe failed")
				}
			}()
		}
		resumed = true
	}
	feed.Start(ctx)
	c.feed = feed
}

// Stop ends the change feed subscription.
func (c *Cache) Stop() {
	c.feedMu.Lock()
	feed := c.feed
	c.feed = nil
	c.feedMu.Unlock()

	if feed != nil {
		feed.Stop()
	}
}

// FeedState reports the change feed lifecycle state.
func (c *Cache) FeedState() remotestore.SubscriptionState {
	c.feedMu.Lock()
	defer c.feedMu.Unlock()
	if c.feed == nil {
		return remotestore.StateUnsubscribed
	}
	return c.feed.State()
}

// ListAll fetches every complaint, newest first, and replaces the mirror.
// On failure the mirror is left unchanged and the error is kept for Err.
func (c *Cache) ListAll(ctx context.Context) ([]domain.Complaint, error) {
	var rows []remotestore.Row
	err := remotestore.Retry(ctx, c.cfg.RefreshRetries, c.cfg.RetryBackoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		start := time.Now()
		var err error
		rows, err = c.store.Select(callCtx, remotestore.TableComplaints, remotestore.Query{
			Order: []remotestore.Order{{Column: "created_at"}},
		})
		metrics.RecordStoreCall("select", time.Since(start))
		return err
	})
	if err != nil {
		err = apperrors.Unavailable("failed to fetch complaints", err)
		c.logger.Error().Err(err).Msg("failed to fetch complaints")
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		metrics.RecordRefresh(false, 0)
		return nil, err
	}

	complaints := make([]domain.Complaint, 0, len(rows))
	for _, row := range rows {
		complaint, err := FromRow(row)
		if err != nil {
			c.logger.Warn().Err(err).Msg("skipping malformed complaint row")
			continue
		}
		complaints = append(complaints, *complaint)
	}
	sortNewestFirst(complaints)

	c.mu.Lock()
	c.complaints = complaints
	c.loaded = true
	c.lastErr = nil
	c.mu.Unlock()

	metrics.RecordRefresh(true, len(complaints))
	return cloneAll(complaints), nil
}

// Create validates input, files a new complaint and returns its id.
func (c *Cache) Create(ctx context.Context, input domain.NewComplaintInput) (string, error) {
	if err := input.Validate(); err != nil {
		return "", err
	}

	complaint, err := domain.NewComplaint(c.ids.Next(), input, c.now().UTC())
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	start := time.Now()
	err = c.store.Insert(callCtx, remotestore.TableComplaints, ToRow(complaint))
	metrics.RecordStoreCall("insert", time.Since(start))
	if err != nil {
		c.logger.Error().Err(err).Str("complaint_id", complaint.ID).Msg("failed to create complaint")
		if errors.Is(err, remotestore.ErrDuplicateKey) {
			return "", apperrors.Conflict(fmt.Sprintf("complaint id %s already exists", complaint.ID))
		}
		return "", apperrors.Unavailable("failed to create complaint", err)
	}

	c.resync(ctx, complaint)
	metrics.RecordComplaintCreated(complaint.Department, string(complaint.Priority))
	c.publish(ctx, events.ComplaintFiled, complaint)

	c.logger.Info().
		Str("complaint_id", complaint.ID).
		Str("department", complaint.Department).
		Bool("anonymous", complaint.Anonymous).
		Msg("complaint filed")
	return complaint.ID, nil
}

// Get reads one complaint from the store. A missing complaint is reported
// as found == false with a nil error.
func (c *Cache) Get(ctx context.Context, id string) (*domain.Complaint, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	rows, err := c.store.Select(callCtx, remotestore.TableComplaints, remotestore.Query{
		Filters: []remotestore.Filter{remotestore.Eq("id", id)},
		Limit:   1,
	})
	metrics.RecordStoreCall("select", time.Since(start))
	if err != nil {
		c.logger.Error().Err(err).Str("complaint_id", id).Msg("failed to fetch complaint")
		return nil, false, apperrors.Unavailable("failed to fetch complaint", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}

	complaint, err := FromRow(rows[0])
	if err != nil {
		c.logger.Error().Err(err).Str("complaint_id", id).Msg("malformed complaint")
		return nil, false, apperrors.Internal(err)
	}
	return complaint, true, nil
}

// Update applies fields to a complaint. It returns false and raises a
// user-visible alert when the update could not be applied.
func (c *Cache) Update(ctx context.Context, id string, fields UpdateFields) bool {
	if _, err := c.Modify(ctx, id, fields); err != nil {
		if c.alerts != nil {
			c.alerts.Error(MsgUpdateFailed)
		}
		return false
	}
	return true
}

// UpdateStatus moves a complaint to status on behalf of department's admin.
func (c *Cache) UpdateStatus(ctx context.Context, id string, status domain.Status, department string) bool {
	return c.Update(ctx, id, StatusFields(status, department, c.now().UTC()))
}

// Resolve marks a complaint resolved with the given resolution details.
func (c *Cache) Resolve(ctx context.Context, id string, details domain.ResolutionDetails) bool {
	fields, err := ResolutionFields(details, c.now().UTC())
	if err != nil {
		c.logger.Warn().Err(err).Str("complaint_id", id).Msg("invalid resolution")
		if c.alerts != nil {
			c.alerts.Error(MsgUpdateFailed)
		}
		return false
	}
	return c.Update(ctx, id, fields)
}

// Modify applies fields and returns the updated complaint. Timeline entries
// are appended under optimistic concurrency: the write only succeeds if the
// stored version is the one that was read, and is retried otherwise.
func (c *Cache) Modify(ctx context.Context, id string, fields UpdateFields) (*domain.Complaint, error) {
	if fields.Status != nil && !fields.Status.Valid() {
		metrics.RecordComplaintUpdate("invalid")
		return nil, apperrors.BadRequest(domain.ErrInvalidStatus.Error())
	}

	for attempt := 1; attempt <= c.cfg.AppendRetries; attempt++ {
		current, found, err := c.Get(ctx, id)
		if err != nil {
			metrics.RecordComplaintUpdate("error")
			return nil, err
		}
		if !found {
			metrics.RecordComplaintUpdate("not_found")
			c.logger.Warn().Str("complaint_id", id).Msg("update of unknown complaint")
			return nil, apperrors.NotFound("complaint", id)
		}
		if err := domain.CheckTransition(current, fields.status(), fields.AppendTimeline); err != nil {
			metrics.RecordComplaintUpdate("invalid")
			c.logger.Warn().Err(err).Str("complaint_id", id).Msg("rejected complaint update")
			return nil, apperrors.Validation(err.Error(), map[string]string{"status": err.Error()})
		}

		patch := fields.patch(current, c.now().UTC())
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		start := time.Now()
		n, err := c.store.Update(callCtx, remotestore.TableComplaints, patch,
			remotestore.Eq("id", id), remotestore.Eq("version", current.Version))
		metrics.RecordStoreCall("update", time.Since(start))
		cancel()
		if err != nil {
			metrics.RecordComplaintUpdate("error")
			c.logger.Error().Err(err).Str("complaint_id", id).Msg("failed to update complaint")
			return nil, apperrors.Unavailable("failed to update complaint", err)
		}
		if n == 0 {
			metrics.RecordAppendConflict()
			c.logger.Debug().Str("complaint_id", id).Int("attempt", attempt).Int64("version", current.Version).
				Msg("complaint changed concurrently, retrying")
			continue
		}

		updated := applyPatch(current, fields, patch)
		c.resync(ctx, updated)
		metrics.RecordComplaintUpdate("ok")
		c.publishUpdate(ctx, current, updated)
		return updated, nil
	}

	metrics.RecordComplaintUpdate("conflict")
	c.logger.Error().Str("complaint_id", id).Int("attempts", c.cfg.AppendRetries).Msg("gave up after repeated write conflicts")
	return nil, apperrors.Conflict("complaint was modified concurrently")
}

// Apply merges a change feed event into the mirror. Events for other tables,
// malformed rows and rows older than the mirrored version are ignored.
func (c *Cache) Apply(ev remotestore.ChangeEvent) {
	if ev.Table != remotestore.TableComplaints || ev.New == nil {
		return
	}
	complaint, err := FromRow(ev.New)
	if err != nil {
		c.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("ignoring malformed change event")
		return
	}
	c.merge(*complaint)
}

// Snapshot returns a copy of the mirror, newest first.
func (c *Cache) Snapshot() []domain.Complaint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneAll(c.complaints)
}

// Lookup returns the mirrored complaint with id.
func (c *Cache) Lookup(id string) (*domain.Complaint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.complaints {
		if c.complaints[i].ID == id {
			return c.complaints[i].Clone(), true
		}
	}
	return nil, false
}

// ForDepartment returns the mirrored complaints routed to department.
func (c *Cache) ForDepartment(department string) []domain.Complaint {
	return c.filter(func(cp *domain.Complaint) bool { return cp.Department == department })
}

// ForUser returns the mirrored complaints filed by userID.
func (c *Cache) ForUser(userID string) []domain.Complaint {
	return c.filter(func(cp *domain.Complaint) bool { return cp.UserID != "" && cp.UserID == userID })
}

// Stats computes dashboard statistics over the mirror.
func (c *Cache) Stats() domain.Stats {
	return domain.ComputeStats(c.Snapshot(), c.now())
}

// Loaded reports whether the mirror has been filled at least once.
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Err returns the error of the last failed refresh, or nil after a
// successful one.
func (c *Cache) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Cache) filter(keep func(*domain.Complaint) bool) []domain.Complaint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []domain.Complaint
	for i := range c.complaints {
		if keep(&c.complaints[i]) {
			out = append(out, *c.complaints[i].Clone())
		}
	}
	return out
}

// resync brings the mirror up to date after a successful write.
func (c *Cache) resync(ctx context.Context, written *domain.Complaint) {
	if c.cfg.FullRefresh {
		// the write already succeeded; a failed refetch only leaves the
		// mirror stale and is recorded in Err
		_, _ = c.ListAll(ctx)
		return
	}

	stored, found, err := c.Get(ctx, written.ID)
	switch {
	case err != nil:
		c.logger.Warn().Err(err).Str("complaint_id", written.ID).Msg("re-read after write failed, merging local copy")
		c.merge(*written)
	case found:
		c.merge(*stored)
	default:
		c.merge(*written)
	}
}

// merge inserts or replaces a complaint, keeping newest-first order.
func (c *Cache) merge(complaint domain.Complaint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.complaints {
		if c.complaints[i].ID != complaint.ID {
			continue
		}
		if c.complaints[i].Version > complaint.Version {
			return
		}
		c.complaints[i] = *complaint.Clone()
		return
	}

	idx := sort.Search(len(c.complaints), func(i int) bool {
		return c.complaints[i].CreatedAt.Before(complaint.CreatedAt)
	})
	c.complaints = append(c.complaints, domain.Complaint{})
	copy(c.complaints[idx+1:], c.complaints[idx:])
	c.complaints[idx] = *complaint.Clone()
	metrics.RecordMirrorSize(len(c.complaints))
}

func (c *Cache) publishUpdate(ctx context.Context, before, after *domain.Complaint) {
	c.publish(ctx, events.ComplaintUpdated, after)
	if before.Status == after.Status {
		return
	}
	if after.Status == domain.StatusResolved {
		c.publish(ctx, events.ComplaintResolved, after)
		return
	}
	c.publish(ctx, events.ComplaintStatusChanged, after)
}

func (c *Cache) publish(ctx context.Context, eventType string, complaint *domain.Complaint) {
	if c.bus == nil {
		return
	}
	event := events.NewEvent(eventType, eventSource, complaint.ID, complaint)
	if user := auth.GetUser(ctx); user != nil {
		event = event.WithActor(user.ID, user.Role)
	} else if complaint.Anonymous {
		event = event.WithActor("", "anonymous")
	}
	if err := c.bus.Publish(ctx, event); err != nil {
		c.logger.Warn().Err(err).Str("event_type", eventType).Str("complaint_id", complaint.ID).Msg("failed to publish event")
	}
}

// applyPatch returns current with fields applied, matching what the store
// now holds.
func applyPatch(current *domain.Complaint, fields UpdateFields, patch remotestore.Row) *domain.Complaint {
	out := current.Clone()
	if fields.Title != nil {
		out.Title = *fields.Title
	}
	if fields.Description != nil {
		out.Description = *fields.Description
	}
	if fields.Category != nil {
		out.Category = *fields.Category
	}
	if fields.Department != nil {
		out.Department = *fields.Department
	}
	if fields.Location != nil {
		out.Location = *fields.Location
	}
	if fields.Status != nil {
		out.Status = *fields.Status
	}
	if fields.Priority != nil {
		out.Priority = *fields.Priority
	}
	if fields.AssignedTo != nil {
		out.AssignedTo = *fields.AssignedTo
	}
	if fields.Evidence != nil {
		out.Evidence = append([]string{}, fields.Evidence...)
	}
	out.Timeline = append(out.Timeline, fields.AppendTimeline...)
	out.Version = patch["version"].(int64)
	if ts, err := time.Parse(time.RFC3339Nano, patch["updated_at"].(string)); err == nil {
		out.UpdatedAt = ts
	}
	return out
}

func sortNewestFirst(complaints []domain.Complaint) {
	sort.SliceStable(complaints, func(i, j int) bool {
		return complaints[i].CreatedAt.After(complaints[j].CreatedAt)
	})
}

func cloneAll(complaints []domain.Complaint) []domain.Complaint {
	out := make([]domain.Complaint, len(complaints))
	for i := range complaints {
		out[i] = *complaints[i].Clone()
	}
	return out
}
