// ABOUTME: Session factory that dials every backend agent for each client connection
// ABOUTME: and assembles the connections into a mux agent

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh/agent"

	"github.com/2389/agentmux/internal/mux"
)

// ErrTailnetUnavailable indicates a tailnet descriptor without a tailnet dialer.
var ErrTailnetUnavailable = errors.New("tailnet backend requires tailscale to be enabled")

// Dialer opens connections to backend agents. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	Descriptors []Descriptor

	// Dialer is used for unix and tcp descriptors. Defaults to a net.Dialer
	// with DialTimeout.
	Dialer Dialer

	// TailnetDialer is used for tailnet descriptors. Nil disables them.
	TailnetDialer Dialer

	DialTimeout time.Duration

	// IdentityCacheTTL wraps each session agent in a mux.CachedAgent when positive.
	IdentityCacheTTL time.Duration

	Logger *slog.Logger
}

// Factory creates sessions. It is safe for concurrent use; it holds no
// per-session state.
type Factory struct {
	descriptors []Descriptor
	dialer      Dialer
	tailnet     Dialer
	dialTimeout time.Duration
	cacheTTL    time.Duration
	logger      *slog.Logger
}

// NewFactory creates a Factory from cfg.
func NewFactory(cfg FactoryConfig) *Factory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: cfg.DialTimeout}
	}
	return &Factory{
		descriptors: append([]Descriptor(nil), cfg.Descriptors...),
		dialer:      dialer,
		tailnet:     cfg.TailnetDialer,
		dialTimeout: cfg.DialTimeout,
		cacheTTL:    cfg.IdentityCacheTTL,
		logger:      logger,
	}
}

// Descriptors returns the configured backends in order.
func (f *Factory) Descriptors() []Descriptor {
	return append([]Descriptor(nil), f.descriptors...)
}

// Session is one client connection's set of backend connections and the
// agent multiplexing them.
type Session struct {
	ID string

	conns  []net.Conn
	mux    *mux.Agent
	agent  agent.ExtendedAgent
	cancel context.CancelFunc
}

// Agent returns the agent to serve to the client.
func (s *Session) Agent() agent.ExtendedAgent {
	return s.agent
}

// Mux returns the underlying multiplexer.
func (s *Session) Mux() *mux.Agent {
	return s.mux
}

// Close abandons in-flight requests and closes every backend connection.
func (s *Session) Close() error {
	s.cancel()
	var errs []error
	for _, conn := range s.conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewSession dials every backend in order. If any dial fails, the connections
// already opened are closed and the error names the failing backend.
func (f *Factory) NewSession(ctx context.Context) (*Session, error) {
	sessionCtx, cancel := context.WithCancel(ctx)
	id := uuid.New().String()
	logger := f.logger.With("session_id", id)

	conns := make([]net.Conn, 0, len(f.descriptors))
	backends := make([]mux.Backend, 0, len(f.descriptors))
	for index, d := range f.descriptors {
		conn, err := f.dial(ctx, d)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			cancel()
			return nil, fmt.Errorf("connecting to backend %d (%s): %w", index, d, err)
		}
		conns = append(conns, conn)
		backends = append(backends, agent.NewClient(conn))
	}

	m := mux.New(sessionCtx, backends, logger.With("component", "mux"))
	var served agent.ExtendedAgent = m
	if f.cacheTTL > 0 {
		served = mux.NewCachedAgent(m, f.cacheTTL, nil)
	}

	logger.Debug("session created", "backends", len(conns))
	return &Session{
		ID:     id,
		conns:  conns,
		mux:    m,
		agent:  served,
		cancel: cancel,
	}, nil
}

// dial connects to one descriptor, honouring the configured dial timeout.
func (f *Factory) dial(ctx context.Context, d Descriptor) (net.Conn, error) {
	dialer := f.dialer
	if d.Scheme == SchemeTailnet {
		if f.tailnet == nil {
			return nil, ErrTailnetUnavailable
		}
		dialer = f.tailnet
	}

	if f.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.dialTimeout)
		defer cancel()
	}
	return dialer.DialContext(ctx, d.Network(), d.Address)
}
