package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visible-governance/platform/internal/alert"
	"github.com/visible-governance/platform/internal/complaint/cache"
	"github.com/visible-governance/platform/internal/complaint/domain"
	"github.com/visible-governance/platform/internal/remotestore/memory"
	"github.com/visible-governance/platform/internal/shared/auth"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	router *chi.Mux
	issuer *auth.Issuer
	cache  *cache.Cache
	clock  *clock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	issuer := auth.NewIssuer("test-secret", time.Hour)
	backend := memory.New(issuer)
	hub := alert.NewHub(time.Minute)
	t.Cleanup(hub.Close)

	clk := &clock{now: time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)}
	c := cache.New(backend.Client(), hub, cache.Config{RetryBackoff: time.Millisecond}, zerolog.Nop(), cache.WithClock(clk.Now))
	r := chi.NewRouter()
	r.Use(auth.OptionalMiddleware(issuer))
	r.Mount("/complaints", NewHandler(c, WithClock(clk.Now)).Routes())
	return &testServer{router: r, issuer: issuer, cache: c, clock: clk}
}

func (s *testServer) token(t *testing.T, user auth.User) string {
	t.Helper()
	token, _, err := s.issuer.Issue(user)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

var (
	citizen = auth.User{ID: "user-1", Email: "citizen@example.com", Role: "citizen"}
	admin   = auth.User{ID: "admin-1", Email: "admin@example.gov", Role: "admin", Department: "Transport"}
)

func complaintBody() map[string]any {
	return map[string]any{
		"title":       "Bribe for licence",
		"description": "Inspector demanded cash",
		"category":    "Bribery",
		"department":  "Transport",
		"location":    "Central depot",
		"priority":    "medium",
	}
}

func TestCreateAndFetchComplaint(t *testing.T) {
	s := newTestServer(t)
	token := s.token(t, citizen)

	rec := s.do(t, http.MethodPost, "/complaints/", token, complaintBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created CreateComplaintResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = s.do(t, http.MethodGet, "/complaints/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "user-1", got["user_id"])
	assert.Equal(t, "pending", got["status"])
	assert.EqualValues(t, 30, got["days_left"])
	assert.Equal(t, false, got["overdue"])

	// Partial days count as whole days elapsed.
	s.clock.Advance(36 * time.Hour)
	rec = s.do(t, http.MethodGet, "/complaints/"+created.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.EqualValues(t, 28, got["days_left"])

	s.clock.Advance(30 * 24 * time.Hour)
	rec = s.do(t, http.MethodGet, "/complaints/"+created.ID, token, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.EqualValues(t, -2, got["days_left"])
	assert.Equal(t, true, got["overdue"])

	rec = s.do(t, http.MethodGet, "/complaints/", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
}

func TestCreateComplaintValidation(t *testing.T) {
	s := newTestServer(t)
	body := complaintBody()
	delete(body, "title")

	rec := s.do(t, http.MethodPost, "/complaints/", "", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp struct {
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "is required", resp.Details["title"])
}

func TestGetMissingComplaint(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/complaints/VG-2024-none", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRequiresAuthentication(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/complaints/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminWorkflow(t *testing.T) {
	s := newTestServer(t)
	id, err := s.cache.Create(context.Background(), domain.NewComplaintInput{
		Title: "t", Description: "d", Category: "c", Department: "Transport", Location: "l", Priority: domain.PriorityLow,
	})
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/complaints/"+id+"/status", s.token(t, citizen), UpdateStatusRequest{Status: domain.StatusInProgress})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	adminToken := s.token(t, admin)
	rec = s.do(t, http.MethodPost, "/complaints/"+id+"/status", adminToken, UpdateStatusRequest{Status: domain.StatusInProgress})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/complaints/"+id+"/status", adminToken, UpdateStatusRequest{Status: domain.StatusResolved})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/complaints/"+id+"/resolve", adminToken, domain.ResolutionDetails{
		ActionTaken: "Inspector transferred", OfficerName: "K. Rao", ResolutionDate: "2024-08-01",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resolved ComplaintResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, domain.StatusResolved, resolved.Status)
	require.Len(t, resolved.Timeline, 3)
	assert.Equal(t, "Transport Admin", resolved.Timeline[1].By)
	require.NotNil(t, resolved.ResolutionDetails)
	assert.Equal(t, "Transport", resolved.ResolutionDetails.Department)

	rec = s.do(t, http.MethodGet, "/complaints/?status=resolved", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
}

func TestSubmitFeedbackEndpoint(t *testing.T) {
	s := newTestServer(t)
	id, err := s.cache.Create(context.Background(), domain.NewComplaintInput{
		Title: "t", Description: "d", Category: "c", Department: "Transport", Location: "l", Priority: domain.PriorityLow,
	})
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/complaints/"+id+"/feedback", "", map[string]any{"rating": 5, "satisfaction": "satisfied"})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/complaints/"+id+"/feedback", "", map[string]any{"rating": 0, "satisfaction": "satisfied"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/complaints/stats", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
