// ABOUTME: Tests for the HTTP health and API endpoints
// ABOUTME: Exercises handlers through the proxy's HTTP mux with and without JWT auth

package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentmux/internal/auth"
	"github.com/2389/agentmux/internal/config"
	"github.com/2389/agentmux/internal/keys"
	"github.com/2389/agentmux/internal/store"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// newHTTPProxy builds a proxy with the HTTP server configured but not running.
func newHTTPProxy(t *testing.T, backends []string, mutate func(cfg *configMutation)) *Proxy {
	t.Helper()

	dir := socketDir(t)
	cfg := testConfig(t, dir, backends...)
	m := &configMutation{}
	if mutate != nil {
		mutate(m)
	}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Auth.JWTSecret = m.jwtSecret
	cfg.Database.Path = m.dbPath

	p, err := New(cfg, "v-test", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { p.closeStore() })
	require.NotNil(t, p.httpServer)
	return p
}

// startHTTPProxy runs a proxy over a two-key and a one-key backend with the
// HTTP server configured. Handlers are reached through serve.
func startHTTPProxy(t *testing.T) (*Proxy, *config.Config) {
	t.Helper()

	dir := socketDir(t)
	serveKeyring(t, filepath.Join(dir, "a.sock"), newKeyring(t, 2, "a"))
	serveKeyring(t, filepath.Join(dir, "b.sock"), newKeyring(t, 1, "b"))

	cfg := testConfig(t, dir, filepath.Join(dir, "a.sock"), filepath.Join(dir, "b.sock"))
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	p, err := New(cfg, "v-test", testLogger())
	require.NoError(t, err)
	startProxy(t, p)
	return p, cfg
}

// activeSessions fetches /api/status once the proxy tracks want sessions.
func activeSessions(t *testing.T, p *Proxy, want int) []SessionInfo {
	t.Helper()

	require.Eventually(t, func() bool { return p.sessions.count() == want }, 5*time.Second, 10*time.Millisecond)
	rec := serve(p, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Len(t, status.ActiveSessions, want)
	return status.ActiveSessions
}

type configMutation struct {
	jwtSecret string
	dbPath    string
}

func serve(p *Proxy, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	p.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	p := newHTTPProxy(t, []string{"/nowhere.sock"}, nil)

	rec := serve(p, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReadyEndpoint(t *testing.T) {
	dir := socketDir(t)
	live := filepath.Join(dir, "a.sock")
	serveKeyring(t, live, newKeyring(t, 2, "a"))

	t.Run("all backends up", func(t *testing.T) {
		p := newHTTPProxy(t, []string{live}, nil)
		rec := serve(p, http.MethodGet, "/health/ready", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready (1 backends, 2 identities)", rec.Body.String())
	})

	t.Run("one backend down", func(t *testing.T) {
		p := newHTTPProxy(t, []string{live, filepath.Join(dir, "down.sock")}, nil)
		rec := serve(p, http.MethodGet, "/health/ready", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "backend 1")
		assert.Contains(t, rec.Body.String(), "down.sock")
		assert.NotContains(t, rec.Body.String(), "backend 0")
	})
}

func TestStatusEndpoint(t *testing.T) {
	p := newHTTPProxy(t, []string{"/run/a.sock", "tcp://127.0.0.1:7447"}, nil)

	rec := serve(p, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "v-test", status.Version)
	assert.Equal(t, []string{"unix:///run/a.sock", "tcp://127.0.0.1:7447"}, status.Backends)
	assert.True(t, strings.HasPrefix(status.Listen, "unix://"))
	assert.False(t, status.Audit)
	assert.Empty(t, status.ActiveSessions)

	rec = serve(p, http.MethodPost, "/api/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAPIRequiresTokenWhenSecretConfigured(t *testing.T) {
	p := newHTTPProxy(t, []string{"/run/a.sock"}, func(m *configMutation) {
		m.jwtSecret = testJWTSecret
	})

	rec := serve(p, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.NewJWTVerifier([]byte(testJWTSecret)).Generate("ops", time.Minute)
	require.NoError(t, err)
	rec = serve(p, http.MethodGet, "/api/status", token)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health checks stay open.
	rec = serve(p, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditEndpoint_Disabled(t *testing.T) {
	p := newHTTPProxy(t, []string{"/run/a.sock"}, nil)

	rec := serve(p, http.MethodGet, "/api/audit", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "audit log disabled")
}

func TestAuditEndpoint_ListsEvents(t *testing.T) {
	p := newHTTPProxy(t, []string{"/run/a.sock"}, func(m *configMutation) {
		m.dbPath = filepath.Join(t.TempDir(), "audit.db")
	})
	require.NotNil(t, p.store)

	ctx := context.Background()
	for _, e := range []*store.SignEvent{
		{SessionID: "s1", Fingerprint: "SHA256:a", KeyType: "ssh-ed25519", Backend: 0, BackendAddr: "unix:///run/a.sock", Outcome: store.SignOK},
		{SessionID: "s1", Fingerprint: "SHA256:b", KeyType: "ssh-ed25519", Backend: -1, Outcome: store.SignNotRecognized, Error: "key not recognized"},
	} {
		require.NoError(t, p.store.RecordSign(ctx, e))
	}

	rec := serve(p, http.MethodGet, "/api/audit?outcome=not_recognized", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AuditResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "SHA256:b", resp.Events[0].Fingerprint)
	assert.Equal(t, -1, resp.Events[0].Backend)
	assert.Equal(t, "key not recognized", resp.Events[0].Error)

	rec = serve(p, http.MethodGet, "/api/audit?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Events, 1)
}

func TestAuditEndpoint_RejectsBadQuery(t *testing.T) {
	p := newHTTPProxy(t, []string{"/run/a.sock"}, func(m *configMutation) {
		m.dbPath = filepath.Join(t.TempDir(), "audit.db")
	})

	for _, q := range []string{"outcome=maybe", "since=yesterday", "limit=-1", "limit=ten"} {
		t.Run(q, func(t *testing.T) {
			rec := serve(p, http.MethodGet, "/api/audit?"+q, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestStatusEndpoint_ReportsSessionRoutes(t *testing.T) {
	p, cfg := startHTTPProxy(t)
	client := dialProxy(t, cfg)

	sessions := activeSessions(t, p, 1)
	assert.Empty(t, sessions[0].Routes, "no listing yet")

	identities, err := client.List()
	require.NoError(t, err)
	require.Len(t, identities, 3)

	sessions = activeSessions(t, p, 1)
	want := map[string]int{
		keys.FingerprintBlob(identities[0].Blob): 0,
		keys.FingerprintBlob(identities[1].Blob): 0,
		keys.FingerprintBlob(identities[2].Blob): 1,
	}
	assert.Equal(t, want, sessions[0].Routes)
}
