// ABOUTME: Proxy orchestrator that serves the multiplexed agent to clients
// ABOUTME: Owns listener and server lifecycle, from startup to graceful shutdown

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/agentmux/internal/auth"
	"github.com/2389/agentmux/internal/backend"
	"github.com/2389/agentmux/internal/config"
	"github.com/2389/agentmux/internal/store"
)

// shutdownTimeout bounds graceful shutdown of the HTTP and gRPC servers.
const shutdownTimeout = 5 * time.Second

// Proxy serves one multiplexed agent session per client connection.
type Proxy struct {
	config   *config.Config
	version  string
	factory  *backend.Factory
	store    store.Store // nil when auditing is disabled
	sessions *sessionRegistry
	logger   *slog.Logger

	httpServer   *http.Server // nil when server.http_addr is empty
	grpcServer   *grpc.Server // nil when server.grpc_addr is empty
	healthServer *health.Server
	tsnetServer  *tsnet.Server // nil when tailscale is disabled

	// conns tracks per-connection goroutines so shutdown can wait for them.
	conns     sync.WaitGroup
	startedAt time.Time
	listenMu  sync.Mutex
	agentAddr net.Addr

	totalSessions  atomic.Int64
	failedSessions atomic.Int64
}

// initStore opens the audit store, or returns nil when auditing is disabled.
// AGENTMUX_DB_PATH overrides database.path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AGENTMUX_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		return nil, nil
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the gRPC server carrying the standard health service.
func createGRPCServer(healthServer *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, healthServer)
	return server
}

// registerHTTPRoutes registers health and API routes, with bearer auth on
// the API when a JWT secret is configured.
func (p *Proxy) registerHTTPRoutes(mux *http.ServeMux) {
	// Health endpoints - no auth required
	mux.HandleFunc("/health", p.handleHealth)
	mux.HandleFunc("/health/ready", p.handleReady)

	if p.config.Auth.JWTSecret != "" {
		verifier := auth.NewJWTVerifier([]byte(p.config.Auth.JWTSecret))
		authMiddleware := auth.HTTPAuthMiddleware(verifier, p.logger.With("component", "http-auth"))
		mux.Handle("/api/status", authMiddleware(http.HandlerFunc(p.handleStatus)))
		mux.Handle("/api/audit", authMiddleware(http.HandlerFunc(p.handleAudit)))
		p.logger.Info("HTTP auth middleware enabled")
		return
	}

	mux.HandleFunc("/api/status", p.handleStatus)
	mux.HandleFunc("/api/audit", p.handleAudit)
	p.logger.Warn("HTTP auth disabled - no jwt_secret configured")
}

// New creates a Proxy for cfg. cfg must have been finalized by config.Load
// or Config.Finalize.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Proxy, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		config:   cfg,
		version:  version,
		store:    s,
		sessions: newSessionRegistry(),
		logger:   logger.With("component", "proxy"),
	}

	var tailnet backend.Dialer
	if cfg.Tailscale.Enabled {
		p.tsnetServer, err = newTailscaleServer(cfg.Tailscale)
		if err != nil {
			p.closeStore()
			return nil, err
		}
		tailnet = tailnetDialer{server: p.tsnetServer}
	}

	p.factory = backend.NewFactory(backend.FactoryConfig{
		Descriptors:      cfg.BackendDescriptors,
		TailnetDialer:    tailnet,
		DialTimeout:      cfg.Agent.DialTimeout,
		IdentityCacheTTL: cfg.Agent.IdentityCacheTTL,
		Logger:           logger.With("component", "factory"),
	})

	if cfg.Server.HTTPAddr != "" {
		mux := http.NewServeMux()
		p.registerHTTPRoutes(mux)
		p.httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if cfg.Server.GRPCAddr != "" {
		p.healthServer = health.NewServer()
		p.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		p.grpcServer = createGRPCServer(p.healthServer)
	}

	return p, nil
}

// Factory returns the session factory.
func (p *Proxy) Factory() *backend.Factory {
	return p.factory
}

// AgentAddr returns the address the agent listener is bound to, or nil
// before Run has started listening.
func (p *Proxy) AgentAddr() net.Addr {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()
	return p.agentAddr
}

// listeners holds everything Run serves.
type listeners struct {
	agents []net.Listener
	http   net.Listener
	grpc   net.Listener
}

func (l *listeners) closeAll() {
	for _, ln := range l.agents {
		_ = ln.Close()
	}
	if l.http != nil {
		_ = l.http.Close()
	}
	if l.grpc != nil {
		_ = l.grpc.Close()
	}
}

// setupListeners binds the agent listener, the tailnet agent listener when
// tailscale is enabled, and the optional status servers.
func (p *Proxy) setupListeners(ctx context.Context) (*listeners, error) {
	l := &listeners{}

	agentLn, err := listenAgent(p.config.ListenDescriptor)
	if err != nil {
		return nil, err
	}
	l.agents = append(l.agents, agentLn)
	p.listenMu.Lock()
	p.agentAddr = agentLn.Addr()
	p.listenMu.Unlock()

	if p.tsnetServer != nil {
		tsLn, err := p.listenTailnet(ctx)
		if err != nil {
			l.closeAll()
			return nil, err
		}
		l.agents = append(l.agents, tsLn)
	}

	if p.httpServer != nil {
		l.http, err = net.Listen("tcp", p.config.Server.HTTPAddr)
		if err != nil {
			l.closeAll()
			return nil, fmt.Errorf("listening on HTTP address: %w", err)
		}
	}

	if p.grpcServer != nil {
		l.grpc, err = net.Listen("tcp", p.config.Server.GRPCAddr)
		if err != nil {
			l.closeAll()
			return nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return l, nil
}

// startServers starts every server in its own goroutine, returning the error channel.
func (p *Proxy) startServers(ctx context.Context, l *listeners) chan error {
	errCh := make(chan error, len(l.agents)+2)

	for _, ln := range l.agents {
		go p.serveAgents(ctx, ln, errCh)
	}

	if l.http != nil {
		go func() {
			p.logger.Info("HTTP server listening", "addr", l.http.Addr().String())
			if err := p.httpServer.Serve(l.http); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	if l.grpc != nil {
		go func() {
			p.logger.Info("gRPC server listening", "addr", l.grpc.Addr().String())
			if err := p.grpcServer.Serve(l.grpc); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (p *Proxy) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		p.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		p.logger.Error("server error", "error", err)
		p.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (p *Proxy) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		p.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts serving and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown, or the first server error.
func (p *Proxy) Run(ctx context.Context) error {
	p.startedAt = time.Now()
	p.logger.Info("starting agentmux",
		"listen", p.config.ListenDescriptor.String(),
		"backends", len(p.config.BackendDescriptors),
		"audit", p.store != nil,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	l, err := p.setupListeners(runCtx)
	if err != nil {
		p.closeStore()
		return err
	}

	errCh := p.startServers(runCtx, l)
	if p.healthServer != nil {
		p.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	serverErr := p.waitForShutdownSignal(runCtx, errCh)

	// Abandon in-flight backend requests before closing listeners.
	cancel()
	shutdownErr := p.gracefulShutdown(l)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (p *Proxy) gracefulShutdown(l *listeners) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return p.shutdown(ctx, l)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (p *Proxy) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		p.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		p.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (p *Proxy) shutdown(ctx context.Context, l *listeners) error {
	p.logger.Info("shutting down agentmux", "active_sessions", p.sessions.count())

	var errs []error
	if p.healthServer != nil {
		p.healthServer.Shutdown()
	}

	for _, ln := range l.agents {
		errs = appendCloseError(errs, "agent listener close", ln.Close())
	}
	removeSocket(p.config.ListenDescriptor, p.logger)

	// Closing client connections ends their ServeAgent loops.
	p.sessions.closeAll()
	p.waitForConns(ctx)

	if p.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", p.httpServer.Shutdown(ctx))
	}
	if p.grpcServer != nil {
		p.shutdownGRPCServer(ctx)
	}

	if p.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", p.tsnetServer.Close())
	}
	if p.store != nil {
		errs = appendCloseError(errs, "store close", p.store.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// waitForConns waits for connection goroutines to finish or ctx to end.
func (p *Proxy) waitForConns(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		p.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("timed out waiting for sessions to close")
	}
}

func (p *Proxy) closeStore() {
	if p.store != nil {
		_ = p.store.Close()
	}
}
