// ABOUTME: Client connection handling and the registry of active sessions
// ABOUTME: Each accepted connection gets its own backend connections and mux agent

package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/ssh/agent"

	"github.com/2389/agentmux/internal/backend"
	"github.com/2389/agentmux/internal/mux"
	"github.com/2389/agentmux/internal/store"
)

// activeSession is a client connection currently being served.
type activeSession struct {
	ID        string
	Remote    string
	StartedAt time.Time
	conn      net.Conn
	mux       *mux.Agent
}

// sessionRegistry tracks active sessions.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*activeSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*activeSession)}
}

func (r *sessionRegistry) add(s *activeSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *sessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// list returns the active sessions, oldest first.
func (r *sessionRegistry) list() []activeSession {
	r.mu.Lock()
	out := make([]activeSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// closeAll closes every client connection.
func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		_ = s.conn.Close()
	}
}

// serveAgents accepts client connections on ln until it is closed.
func (p *Proxy) serveAgents(ctx context.Context, ln net.Listener, errCh chan<- error) {
	p.logger.Info("agent listener ready", "addr", ln.Addr().String(), "network", ln.Addr().Network())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			errCh <- err
			return
		}

		p.conns.Add(1)
		go func() {
			defer p.conns.Done()
			p.handleConn(ctx, conn)
		}()
	}
}

// remoteAddr describes the peer of conn. Unix socket peers are labelled by
// their credentials when the platform reports them. Otherwise an unnamed
// peer ("" or "@" on linux) is described by the listener address.
func remoteAddr(conn net.Conn) string {
	if cred := peerCred(conn); cred != "" {
		return cred
	}
	if addr := conn.RemoteAddr(); addr != nil {
		if name := addr.String(); name != "" && name != "@" {
			return name
		}
	}
	if addr := conn.LocalAddr(); addr != nil {
		return addr.Network() + ":" + addr.String()
	}
	return "unknown"
}

// handleConn serves one client until it disconnects. A client whose backends
// cannot all be reached is disconnected without affecting other clients.
func (p *Proxy) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := remoteAddr(conn)
	p.totalSessions.Add(1)

	session, err := p.factory.NewSession(ctx)
	if err != nil {
		p.failedSessions.Add(1)
		p.logger.Error("creating session", "remote", remote, "error", err)
		return
	}
	defer func() {
		if err := session.Close(); err != nil {
			p.logger.Warn("closing session", "session_id", session.ID, "error", err)
		}
	}()

	logger := p.logger.With("session_id", session.ID)
	active := &activeSession{ID: session.ID, Remote: remote, StartedAt: time.Now(), conn: conn, mux: session.Mux()}
	p.sessions.add(active)
	defer p.sessions.remove(session.ID)

	served := session.Agent()
	if p.store != nil {
		p.recordSessionStart(ctx, session, active)
		defer p.recordSessionEnd(ctx, session.ID)
		served = newAuditAgent(ctx, session.ID, served, session.Mux(), p.factory.Descriptors(), p.store, logger)
	}

	logger.Info("session started", "remote", remote)
	err = agent.ServeAgent(served, conn)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		logger.Warn("session ended with error", "error", err)
	}
	logger.Info("session ended", "duration", time.Since(active.StartedAt).Round(time.Millisecond))
}

func (p *Proxy) recordSessionStart(ctx context.Context, session *backend.Session, active *activeSession) {
	recordCtx, cancel := recordContext(ctx)
	defer cancel()

	err := p.store.RecordSessionStart(recordCtx, &store.Session{
		ID:        session.ID,
		Remote:    active.Remote,
		Backends:  session.Mux().Backends(),
		StartedAt: active.StartedAt,
	})
	if err != nil {
		p.logger.Warn("recording session start", "session_id", session.ID, "error", err)
	}
}

func (p *Proxy) recordSessionEnd(ctx context.Context, id string) {
	recordCtx, cancel := recordContext(ctx)
	defer cancel()

	if err := p.store.RecordSessionEnd(recordCtx, id, time.Now()); err != nil {
		p.logger.Warn("recording session end", "session_id", id, "error", err)
	}
}
