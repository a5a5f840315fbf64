package activity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visible-governance/platform/internal/complaint/cache"
	"github.com/visible-governance/platform/internal/complaint/domain"
	"github.com/visible-governance/platform/internal/remotestore/memory"
	"github.com/visible-governance/platform/internal/shared/auth"
	"github.com/visible-governance/platform/internal/shared/events"
)

func newCache(t *testing.T, bus events.EventBus) *cache.Cache {
	t.Helper()
	backend := memory.New(auth.NewIssuer("test-secret", time.Hour))
	return cache.New(backend.Client(), nil, cache.Config{RetryBackoff: time.Millisecond}, zerolog.Nop(), cache.WithEventBus(bus))
}

func fileComplaint(ctx context.Context, t *testing.T, c *cache.Cache) string {
	t.Helper()
	id, err := c.Create(ctx, domain.NewComplaintInput{
		Title:       "Bribe for licence",
		Description: "Inspector demanded cash",
		Category:    "Bribery",
		Department:  "Transport",
		Location:    "Central depot",
		Priority:    domain.PriorityHigh,
		UserID:      "user-1",
	})
	require.NoError(t, err)
	return id
}

func TestLogRecordsComplaintLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewMemoryBus(zerolog.Nop())
	log := NewLog(bus, 0, zerolog.Nop())
	require.NoError(t, log.Start(ctx))

	c := newCache(t, bus)
	id := fileComplaint(ctx, t, c)
	require.True(t, c.UpdateStatus(ctx, id, domain.StatusInProgress, ""))
	require.True(t, c.Resolve(ctx, id, domain.ResolutionDetails{
		ActionTaken:    "Inspector suspended",
		OfficerName:    "R. Iyer",
		ResolutionDate: "2024-07-10",
	}))

	counts := log.Counts()
	assert.Equal(t, 1, counts[events.ComplaintFiled])
	assert.Equal(t, 1, counts[events.ComplaintStatusChanged])
	assert.Equal(t, 1, counts[events.ComplaintResolved])
	assert.Equal(t, 2, counts[events.ComplaintUpdated])

	resolved := log.Recent(10, events.ComplaintResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, id, resolved[0].ComplaintID)
	assert.Equal(t, string(domain.StatusResolved), resolved[0].Status)
	assert.Equal(t, "Transport", resolved[0].Department)

	changed := log.Recent(10, events.ComplaintStatusChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, string(domain.StatusInProgress), changed[0].Status)

	all := log.Recent(10, "")
	require.Len(t, all, 5)
	assert.Equal(t, events.ComplaintFiled, all[len(all)-1].Type)
}

func TestLogDecodesMapPayloads(t *testing.T) {
	bus := events.NewMemoryBus(zerolog.Nop())
	log := NewLog(bus, 0, zerolog.Nop())
	require.NoError(t, log.Start(context.Background()))

	// Events read back from KurrentDB carry their data as a JSON object.
	event := events.NewEvent(events.FeedbackSubmitted, "complaint-cache", "", map[string]any{
		"complaint_id": "VG-2024-ab12",
		"rating":       float64(4),
	}).WithActor("user-1", "citizen")
	require.NoError(t, bus.Publish(context.Background(), event))

	entries := log.Recent(1, "")
	require.Len(t, entries, 1)
	assert.Equal(t, "VG-2024-ab12", entries[0].ComplaintID)
	assert.Equal(t, 4, entries[0].Rating)
	assert.Equal(t, "citizen", entries[0].ActorType)
}

func TestLogIgnoresOtherEvents(t *testing.T) {
	bus := events.NewMemoryBus(zerolog.Nop())
	log := NewLog(bus, 0, zerolog.Nop())
	require.NoError(t, log.Start(context.Background()))

	require.NoError(t, bus.Publish(context.Background(), events.NewEvent("identity.login", "auth", "user-1", nil)))
	assert.Empty(t, log.Recent(10, ""))
}

func TestLogIsBounded(t *testing.T) {
	bus := events.NewMemoryBus(zerolog.Nop())
	log := NewLog(bus, 3, zerolog.Nop())
	require.NoError(t, log.Start(context.Background()))

	for _, id := range []string{"VG-2024-0001", "VG-2024-0002", "VG-2024-0003", "VG-2024-0004", "VG-2024-0005"} {
		require.NoError(t, bus.Publish(context.Background(), events.NewEvent(events.ComplaintFiled, "complaint-cache", id, nil)))
	}

	entries := log.Recent(10, "")
	require.Len(t, entries, 3)
	assert.Equal(t, "VG-2024-0005", entries[0].ComplaintID)
	assert.Equal(t, "VG-2024-0003", entries[2].ComplaintID)
	assert.Equal(t, 5, log.Counts()[events.ComplaintFiled])
}

func TestLogStopsWithContext(t *testing.T) {
	bus := events.NewMemoryBus(zerolog.Nop())
	log := NewLog(bus, 0, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, log.Start(ctx))
	cancel()

	require.NoError(t, bus.Publish(context.Background(), events.NewEvent(events.ComplaintFiled, "complaint-cache", "VG-2024-0001", nil)))
	assert.Empty(t, log.Recent(10, ""))
}

func TestHandlerRequiresAdmin(t *testing.T) {
	bus := events.NewMemoryBus(zerolog.Nop())
	log := NewLog(bus, 0, zerolog.Nop())
	require.NoError(t, log.Start(context.Background()))
	require.NoError(t, bus.Publish(context.Background(), events.NewEvent(events.ComplaintFiled, "complaint-cache", "VG-2024-0001", nil)))

	issuer := auth.NewIssuer("test-secret", time.Hour)
	r := chi.NewRouter()
	r.Use(auth.OptionalMiddleware(issuer))
	r.Mount("/activity", NewHandler(log).Routes())

	get := func(path string, user *auth.User) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if user != nil {
			token, _, err := issuer.Issue(*user)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, get("/activity/", nil).Code)
	assert.Equal(t, http.StatusForbidden, get("/activity/", &auth.User{ID: "user-1", Role: "citizen"}).Code)

	admin := &auth.User{ID: "admin-1", Role: "admin", Department: "Transport"}
	assert.Equal(t, http.StatusBadRequest, get("/activity/?limit=zero", admin).Code)

	rec := get("/activity/?limit=5", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []Entry        `json:"entries"`
		Total   int            `json:"total"`
		Counts  map[string]int `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, "VG-2024-0001", body.Entries[0].ComplaintID)
	assert.Equal(t, 1, body.Counts[events.ComplaintFiled])
}
