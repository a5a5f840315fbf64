package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	identity "github.com/visible-governance/platform/internal/auth"
	"github.com/visible-governance/platform/internal/remotestore/memory"
	"github.com/visible-governance/platform/internal/shared/auth"
	"github.com/visible-governance/platform/internal/shared/config"
	"github.com/visible-governance/platform/internal/shared/events"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Store.Backend = "memory"
	cfg.KurrentDB.Enabled = false
	cfg.Realtime.BackoffInitial = 10 * time.Millisecond
	return cfg
}

func TestRouterEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApp(ctx, testConfig(t), false)
	require.NoError(t, err)
	defer app.Close()
	require.NoError(t, app.Activity.Start(ctx))
	app.Complaints.Start(ctx)
	require.NoError(t, app.Notifications.Start(ctx))
	defer app.Notifications.Stop()

	srv := httptest.NewServer(app.Router())
	defer srv.Close()

	post := func(path, body, token string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("/api/v1/auth/signup", `{"email":"ana@example.com","password":"secret123","name":"Ana"}`, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var session identity.SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	resp.Body.Close()

	resp = post("/api/v1/complaints/", `{"title":"Broken streetlight","description":"Dark for a week","category":"Infrastructure","department":"Public Works","location":"Main St","priority":"high"}`, session.AccessToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Regexp(t, `^VG-\d{4}-[0-9a-f]{4}$`, created.ID)

	filed := app.Activity.Recent(10, events.ComplaintFiled)
	require.Len(t, filed, 1)
	assert.Equal(t, created.ID, filed[0].ComplaintID)
	assert.Equal(t, session.User.ID, filed[0].ActorID)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIdentityConfig(t *testing.T) {
	cfg := testConfig(t)
	idCfg, err := identityConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, identity.PolicyLoginOverride, idCfg.Policy)
	assert.Nil(t, idCfg.Registry)

	cfg.Auth.RolePolicy = "registry"
	cfg.Auth.RoleRegistryPath = "/does/not/exist.yaml"
	_, err = identityConfig(cfg)
	assert.Error(t, err)
}

func TestSeedAdmins(t *testing.T) {
	ctx := context.Background()
	issuer := auth.NewIssuer("test-secret", time.Hour)
	mem := memory.NewAuth(issuer)

	registry, err := identity.NewRegistry(
		identity.RegistryEntry{Email: "roads@city.gov", Name: "Roads", Departments: []string{"Roads"}, Password: "secret123"},
		identity.RegistryEntry{Email: "nopass@city.gov", Departments: []string{"Health"}},
	)
	require.NoError(t, err)

	created, err := seedAdmins(ctx, mem, registry)
	require.NoError(t, err)
	assert.Equal(t, []string{"roads@city.gov"}, created)

	meta, ok := mem.Metadata("roads@city.gov")
	require.True(t, ok)
	assert.Equal(t, "admin", meta["role"])
	assert.Equal(t, "Roads", meta["department"])
	_, ok = mem.Metadata("nopass@city.gov")
	assert.False(t, ok)

	// A second run leaves existing accounts alone.
	created, err = seedAdmins(ctx, mem, registry)
	require.NoError(t, err)
	assert.Empty(t, created)
}
