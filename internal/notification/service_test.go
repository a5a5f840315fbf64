package notification

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visible-governance/platform/internal/alert"
	"github.com/visible-governance/platform/internal/complaint/cache"
	"github.com/visible-governance/platform/internal/complaint/domain"
	"github.com/visible-governance/platform/internal/remotestore"
	"github.com/visible-governance/platform/internal/remotestore/memory"
	"github.com/visible-governance/platform/internal/shared/auth"
)

func testConfig() ServiceConfig {
	return ServiceConfig{
		Workers:       1,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		SendTimeout:   time.Second,
		Backoff:       remotestore.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
	}
}

func newComplaint(t *testing.T, id, title, userID string) *domain.Complaint {
	t.Helper()
	c, err := domain.NewComplaint(id, domain.NewComplaintInput{
		Title:       title,
		Description: "Road repair paid twice",
		Category:    "Bribery",
		Department:  "Roads",
		Location:    "Sector 4",
		Priority:    domain.PriorityMedium,
		UserID:      userID,
	}, time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return c
}

func resolvedComplaint(t *testing.T, details *domain.ResolutionDetails) *domain.Complaint {
	t.Helper()
	c := newComplaint(t, "VG-2024-ab12", "Pothole Bribe", "user-1")
	c.Status = domain.StatusResolved
	c.Timeline = append(c.Timeline, domain.TimelineEntry{
		Date: time.Now(), Action: "Complaint resolved", By: "Officer", Details: details,
	})
	return c
}

func TestMessageResolved(t *testing.T) {
	c := resolvedComplaint(t, &domain.ResolutionDetails{Department: "Public Works"})
	assert.Equal(t, `Your complaint "Pothole Bribe" has been resolved by Public Works`, Message(c))

	c = resolvedComplaint(t, &domain.ResolutionDetails{Department: "Public Works", ActionTaken: "Contractor fined"})
	assert.Equal(t, `Your complaint "Pothole Bribe" has been resolved by Public Works. Action taken: Contractor fined`, Message(c))
}

func TestMessageResolvedFallsBackToComplaintDepartment(t *testing.T) {
	c := resolvedComplaint(t, nil)
	assert.Equal(t, `Your complaint "Pothole Bribe" has been resolved by Roads`, Message(c))
}

func TestMessageStatusUpdate(t *testing.T) {
	c := newComplaint(t, "VG-2024-ab12", "Pothole Bribe", "")
	c.Status = domain.StatusInProgress
	assert.Equal(t, `Status of complaint "Pothole Bribe" has been updated to in-progress`, Message(c))
}

func TestDeriveCopiesResolutionDetails(t *testing.T) {
	details := &domain.ResolutionDetails{Department: "Public Works", ActionTaken: "Fined", ResolutionDate: "2024-07-10"}
	now := time.Date(2024, 7, 11, 0, 0, 0, 0, time.UTC)

	n := Derive(resolvedComplaint(t, details), now)
	assert.Equal(t, "VG-2024-ab12", n.ComplaintID)
	assert.Equal(t, "Pothole Bribe", n.ComplaintTitle)
	assert.Equal(t, "user-1", n.UserID)
	assert.False(t, n.Read)
	assert.Equal(t, now, n.CreatedAt)
	require.NotNil(t, n.ResolutionDetails)
	assert.Equal(t, *details, *n.ResolutionDetails)
	assert.NotSame(t, details, n.ResolutionDetails)
}

type listenerFixture struct {
	service *Service
	backend *memory.Backend
	alerts  *alert.Hub
	email   *MockEmailProvider
}

func newListener(t *testing.T, withEmail bool) *listenerFixture {
	t.Helper()
	f := &listenerFixture{
		backend: memory.New(auth.NewIssuer("test-secret", time.Hour)),
		alerts:  alert.NewHub(time.Minute),
	}
	t.Cleanup(f.alerts.Close)

	var email EmailProvider
	if withEmail {
		f.email = NewMockEmailProvider()
		email = f.email
	}
	f.service = NewService(f.backend.Store, f.alerts, email, f.backend.Auth, testConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, f.service.Start(ctx))
	t.Cleanup(func() { _ = f.service.Stop() })
	f.waitActive(t)
	return f
}

func (f *listenerFixture) waitActive(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.service.State() == remotestore.StateActive && f.backend.Store.Subscribers() == 1
	}, time.Second, 5*time.Millisecond)
}

func (f *listenerFixture) insert(t *testing.T, c *domain.Complaint) {
	t.Helper()
	require.NoError(t, f.backend.Store.Insert(context.Background(), remotestore.TableComplaints, cache.ToRow(c)))
}

func (f *listenerFixture) setStatus(t *testing.T, id string, status domain.Status) {
	t.Helper()
	n, err := f.backend.Store.Update(context.Background(), remotestore.TableComplaints,
		remotestore.Row{"status": string(status)}, remotestore.Eq("id", id))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestListenerNotifiesOnStatusChange(t *testing.T) {
	f := newListener(t, false)
	f.insert(t, newComplaint(t, "VG-2024-ab12", "Pothole Bribe", "user-1"))
	f.setStatus(t, "VG-2024-ab12", domain.StatusInProgress)

	require.Eventually(t, func() bool { return len(f.service.List()) == 1 }, time.Second, 5*time.Millisecond)
	n := f.service.List()[0]
	assert.Regexp(t, `^notif-\d+(-\d+)?$`, n.ID)
	assert.Equal(t, `Status of complaint "Pothole Bribe" has been updated to in-progress`, n.Message)
	assert.Equal(t, 1, f.service.UnreadCount())
	assert.Equal(t, 1, f.service.UnreadCountFor("user-1"))
	assert.Zero(t, f.service.UnreadCountFor("user-2"))

	active := f.alerts.Active()
	require.Len(t, active, 1)
	assert.Equal(t, TitleStatusUpdate, active[0].Title)
	assert.Equal(t, n.Message, active[0].Message)
	assert.Equal(t, alert.KindInfo, active[0].Kind)
	assert.Equal(t, "user-1", active[0].UserID)

	assert.True(t, f.service.MarkRead(n.ID))
	assert.Zero(t, f.service.UnreadCount())
	assert.False(t, f.service.MarkRead("notif-unknown"))
}

func TestListenerIgnoresPendingAndInserts(t *testing.T) {
	f := newListener(t, false)
	f.insert(t, newComplaint(t, "VG-2024-ab12", "Pothole Bribe", "user-1"))
	_, err := f.backend.Store.Update(context.Background(), remotestore.TableComplaints,
		remotestore.Row{"title": "Pothole Bribe (edited)"}, remotestore.Eq("id", "VG-2024-ab12"))
	require.NoError(t, err)

	f.setStatus(t, "VG-2024-ab12", domain.StatusRejected)
	require.Eventually(t, func() bool { return len(f.service.List()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusRejected, f.service.List()[0].Status)
}

func TestListenerResolvedAlert(t *testing.T) {
	f := newListener(t, false)
	c := newComplaint(t, "VG-2024-ab12", "Pothole Bribe", "user-1")
	f.insert(t, c)

	entry, err := domain.ResolutionEntry(domain.ResolutionDetails{
		ActionTaken: "Contractor fined", OfficerName: "A. Menon", ResolutionDate: "2024-07-10", Department: "Public Works",
	}, time.Now())
	require.NoError(t, err)
	_, err = f.backend.Store.Update(context.Background(), remotestore.TableComplaints, remotestore.Row{
		"status":   string(domain.StatusResolved),
		"timeline": append(c.Timeline, entry),
	}, remotestore.Eq("id", c.ID))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.alerts.Active()) == 1 }, time.Second, 5*time.Millisecond)
	a := f.alerts.Active()[0]
	assert.Equal(t, TitleResolved, a.Title)
	assert.Equal(t, alert.KindSuccess, a.Kind)
	assert.Equal(t, `Your complaint "Pothole Bribe" has been resolved by Public Works. Action taken: Contractor fined`, a.Message)

	n := f.service.List()[0]
	require.NotNil(t, n.ResolutionDetails)
	assert.Equal(t, "A. Menon", n.ResolutionDetails.OfficerName)
}

func TestNotificationsMostRecentFirstWithUniqueIDs(t *testing.T) {
	s := NewService(memory.NewStore(), nil, nil, nil, testConfig(), zerolog.Nop())
	fixed := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	for _, id := range []string{"VG-2024-aaaa", "VG-2024-bbbb", "VG-2024-cccc"} {
		c := newComplaint(t, id, id, "user-1")
		c.Status = domain.StatusInProgress
		s.HandleChange(context.Background(), remotestore.ChangeEvent{
			Table: remotestore.TableComplaints, Type: remotestore.EventUpdate, New: cache.ToRow(c),
		})
	}

	list := s.List()
	require.Len(t, list, 3)
	ms := fixed.UnixMilli()
	assert.Equal(t, []string{"VG-2024-cccc", "VG-2024-bbbb", "VG-2024-aaaa"},
		[]string{list[0].ComplaintID, list[1].ComplaintID, list[2].ComplaintID})
	assert.Equal(t, []string{
		"notif-" + itoa(ms) + "-2",
		"notif-" + itoa(ms) + "-1",
		"notif-" + itoa(ms),
	}, []string{list[0].ID, list[1].ID, list[2].ID})

	assert.Equal(t, 3, s.MarkAllRead())
	assert.Zero(t, s.UnreadCount())
	assert.Zero(t, s.MarkAllRead())
	assert.Equal(t, int64(3), s.GetStats().Total)
}

func TestMarkAllReadForUser(t *testing.T) {
	s := NewService(memory.NewStore(), nil, nil, nil, testConfig(), zerolog.Nop())
	for i, user := range []string{"user-1", "user-2", "user-1"} {
		c := newComplaint(t, "VG-2024-000"+itoa(int64(i)), "t", user)
		c.Status = domain.StatusInProgress
		s.HandleChange(context.Background(), remotestore.ChangeEvent{New: cache.ToRow(c)})
	}

	assert.Equal(t, 2, s.MarkAllReadFor("user-1"))
	assert.Equal(t, 1, s.UnreadCount())
	assert.Len(t, s.ForUser("user-2"), 1)
}

func TestMalformedUpdateIgnored(t *testing.T) {
	s := NewService(memory.NewStore(), nil, nil, nil, testConfig(), zerolog.Nop())
	s.HandleChange(context.Background(), remotestore.ChangeEvent{New: remotestore.Row{"id": "VG-2024-x", "status": "resolved"}})
	assert.Empty(t, s.List())
}

func TestListenerResubscribesAfterDrop(t *testing.T) {
	f := newListener(t, false)
	f.insert(t, newComplaint(t, "VG-2024-ab12", "Pothole Bribe", "user-1"))

	f.backend.Store.DropSubscriptions()
	f.waitActive(t)

	f.setStatus(t, "VG-2024-ab12", domain.StatusInProgress)
	require.Eventually(t, func() bool { return len(f.service.List()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestListenerRetriesFailedSubscribe(t *testing.T) {
	backend := memory.New(auth.NewIssuer("test-secret", time.Hour))
	backend.Store.FailNext(memory.OpSubscribe, remotestore.ErrSubscriptionDropped)
	s := NewService(backend.Store, nil, nil, nil, testConfig(), zerolog.Nop())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Eventually(t, func() bool {
		return s.State() == remotestore.StateActive
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, backend.Store.Calls(memory.OpSubscribe))
}

func TestStopReleasesSubscription(t *testing.T) {
	backend := memory.New(auth.NewIssuer("test-secret", time.Hour))
	s := NewService(backend.Store, nil, nil, nil, testConfig(), zerolog.Nop())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return backend.Store.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.Zero(t, backend.Store.Subscribers())
	assert.Equal(t, remotestore.StateUnsubscribed, s.State())
	assert.Error(t, s.Stop())
}

func TestRestartDeliversEmail(t *testing.T) {
	backend := memory.New(auth.NewIssuer("test-secret", time.Hour))
	email := NewMockEmailProvider()
	s := NewService(backend.Store, nil, email, backend.Auth, testConfig(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool {
		return s.State() == remotestore.StateActive && backend.Store.Subscribers() == 1
	}, time.Second, 5*time.Millisecond)

	client, err := backend.Auth.Client(ctx, "")
	require.NoError(t, err)
	session, err := client.SignUp(ctx, "citizen@example.com", "hunter22", map[string]any{"name": "Asha"})
	require.NoError(t, err)
	c := newComplaint(t, "VG-2024-ab12", "Pothole Bribe", session.User.ID)
	require.NoError(t, backend.Store.Insert(ctx, remotestore.TableComplaints, cache.ToRow(c)))
	_, err = backend.Store.Update(ctx, remotestore.TableComplaints,
		remotestore.Row{"status": string(domain.StatusInProgress)}, remotestore.Eq("id", c.ID))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(email.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.NotPanics(t, func() { require.NoError(t, s.Stop()) })
	assert.Zero(t, backend.Store.Subscribers())
}

func TestEmailCopySent(t *testing.T) {
	f := newListener(t, true)
	client, err := f.backend.Auth.Client(context.Background(), "")
	require.NoError(t, err)
	session, err := client.SignUp(context.Background(), "citizen@example.com", "hunter22", map[string]any{"name": "Asha"})
	require.NoError(t, err)

	f.email.FailNext(1)
	f.insert(t, newComplaint(t, "VG-2024-ab12", "Pothole Bribe", session.User.ID))
	f.setStatus(t, "VG-2024-ab12", domain.StatusInProgress)

	require.Eventually(t, func() bool { return len(f.email.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	sent := f.email.Sent()[0]
	assert.Equal(t, "citizen@example.com", sent.Recipient)
	assert.Equal(t, "Update on your complaint VG-2024-ab12", sent.Subject)

	n := f.service.List()[0]
	require.Eventually(t, func() bool {
		d, ok := f.service.Delivery(n.ID)
		return ok && d.Status == DeliverySent
	}, time.Second, 5*time.Millisecond)
	d, _ := f.service.Delivery(n.ID)
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, int64(1), f.service.GetStats().EmailsSent)
}

func TestEmailFailureKeepsNotification(t *testing.T) {
	f := newListener(t, true)
	f.email.FailNext(10)
	f.insert(t, newComplaint(t, "VG-2024-ab12", "Pothole Bribe", "user-without-account"))
	f.setStatus(t, "VG-2024-ab12", domain.StatusInProgress)

	require.Eventually(t, func() bool { return len(f.service.List()) == 1 }, time.Second, 5*time.Millisecond)
	n := f.service.List()[0]
	require.Eventually(t, func() bool {
		d, ok := f.service.Delivery(n.ID)
		return ok && d.Status == DeliverySkipped
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.email.Sent())
	assert.Equal(t, 1, f.service.UnreadCount())
}

func TestAnonymousComplaintHasNoEmail(t *testing.T) {
	f := newListener(t, true)
	c := newComplaint(t, "VG-2024-ab12", "Pothole Bribe", "")
	f.insert(t, c)
	f.setStatus(t, c.ID, domain.StatusInProgress)

	require.Eventually(t, func() bool { return len(f.service.List()) == 1 }, time.Second, 5*time.Millisecond)
	_, ok := f.service.Delivery(f.service.List()[0].ID)
	assert.False(t, ok)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
