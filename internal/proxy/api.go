// ABOUTME: HTTP handlers for health checks and the status API
// ABOUTME: Implements /health, /health/ready, /api/status and /api/audit

package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/2389/agentmux/internal/store"
)

// readyProbeTimeout bounds the backend probes behind /health/ready.
const readyProbeTimeout = 5 * time.Second

// SessionInfo is the JSON form of an active session.
type SessionInfo struct {
	ID        string `json:"id"`
	Remote    string `json:"remote"`
	StartedAt string `json:"started_at"`
	// Routes maps key fingerprints to backend indexes as of the session's
	// last identity listing.
	Routes map[string]int `json:"routes"`
}

// StatusResponse is the JSON response for GET /api/status.
type StatusResponse struct {
	Version        string        `json:"version"`
	Listen         string        `json:"listen"`
	Tailnet        string        `json:"tailnet,omitempty"`
	Backends       []string      `json:"backends"`
	Audit          bool          `json:"audit"`
	Uptime         string        `json:"uptime"`
	ActiveSessions []SessionInfo `json:"active_sessions"`
	TotalSessions  int64         `json:"total_sessions"`
	FailedSessions int64         `json:"failed_sessions"`
}

// SignEventResponse is the JSON form of an audited sign request.
type SignEventResponse struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	Fingerprint string `json:"fingerprint"`
	KeyType     string `json:"key_type"`
	Backend     int    `json:"backend"`
	BackendAddr string `json:"backend_addr,omitempty"`
	Flags       uint32 `json:"flags"`
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// AuditResponse is the JSON response for GET /api/audit.
type AuditResponse struct {
	Events []SignEventResponse `json:"events"`
}

// handleHealth returns 200 OK if the server is alive.
func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when every backend answers a listing.
func (p *Proxy) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
	defer cancel()

	results := p.factory.Probe(ctx)

	var failures []string
	identities := 0
	for _, res := range results {
		if !res.OK() {
			failures = append(failures, fmt.Sprintf("backend %d (%s): %v", res.Index, res.Descriptor, res.Err))
			continue
		}
		identities += res.Identities
	}

	if len(failures) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(strings.Join(failures, "\n")))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d backends, %d identities)", len(results), identities)
}

// handleStatus handles GET /api/status requests.
func (p *Proxy) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	descriptors := p.factory.Descriptors()
	backends := make([]string, len(descriptors))
	for i, d := range descriptors {
		backends[i] = d.String()
	}

	active := p.sessions.list()
	sessions := make([]SessionInfo, len(active))
	for i, s := range active {
		sessions[i] = SessionInfo{
			ID:        s.ID,
			Remote:    s.Remote,
			StartedAt: s.StartedAt.UTC().Format(time.RFC3339),
			Routes:    s.mux.Routes(),
		}
	}

	response := StatusResponse{
		Version:        p.version,
		Listen:         p.config.ListenDescriptor.String(),
		Backends:       backends,
		Audit:          p.store != nil,
		ActiveSessions: sessions,
		TotalSessions:  p.totalSessions.Load(),
		FailedSessions: p.failedSessions.Load(),
	}
	if addr := p.AgentAddr(); addr != nil && addr.Network() == "tcp" {
		response.Listen = "tcp://" + addr.String()
	}
	if p.config.Tailscale.Enabled {
		response.Tailnet = fmt.Sprintf("%s:%d", p.config.Tailscale.Hostname, p.config.Tailscale.Port)
	}
	if !p.startedAt.IsZero() {
		response.Uptime = time.Since(p.startedAt).Round(time.Second).String()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// handleAudit handles GET /api/audit requests.
// Supports ?session=, ?fingerprint=, ?outcome=, ?since= (RFC 3339) and ?limit=.
func (p *Proxy) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if p.store == nil {
		p.sendJSONError(w, http.StatusNotFound, "audit log disabled")
		return
	}

	filter, err := parseAuditFilter(r)
	if err != nil {
		p.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := p.store.ListSignEvents(r.Context(), filter)
	if err != nil {
		p.logger.Error("listing sign events", "error", err)
		p.sendJSONError(w, http.StatusInternalServerError, "failed to list sign events")
		return
	}

	response := AuditResponse{Events: make([]SignEventResponse, len(events))}
	for i, e := range events {
		response.Events[i] = SignEventResponse{
			ID:          e.ID,
			SessionID:   e.SessionID,
			Fingerprint: e.Fingerprint,
			KeyType:     e.KeyType,
			Backend:     e.Backend,
			BackendAddr: e.BackendAddr,
			Flags:       e.Flags,
			Outcome:     string(e.Outcome),
			Error:       e.Error,
			Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// parseAuditFilter builds a SignEventFilter from query parameters.
func parseAuditFilter(r *http.Request) (store.SignEventFilter, error) {
	q := r.URL.Query()
	var f store.SignEventFilter

	if v := q.Get("session"); v != "" {
		f.SessionID = &v
	}
	if v := q.Get("fingerprint"); v != "" {
		f.Fingerprint = &v
	}
	if v := q.Get("outcome"); v != "" {
		outcome := store.SignOutcome(v)
		if !slices.Contains(store.ValidSignOutcomes, outcome) {
			return f, fmt.Errorf("invalid outcome %q", v)
		}
		f.Outcome = &outcome
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid since %q: expected RFC 3339", v)
		}
		f.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = limit
	}
	return f, nil
}

// sendJSONError writes a JSON error response.
func (p *Proxy) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
