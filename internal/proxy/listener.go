// ABOUTME: Agent listener setup for unix sockets and TCP, including the tailnet
// ABOUTME: Also adapts a tsnet server into a backend dialer for tailnet backends

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/agentmux/internal/backend"
	"github.com/2389/agentmux/internal/config"
)

// listenAgent binds the client-facing agent listener. A unix socket left
// behind by a previous run is removed first, and the new socket is made
// accessible to its owner only.
func listenAgent(d backend.Descriptor) (net.Listener, error) {
	if d.Scheme != backend.SchemeUnix {
		ln, err := net.Listen(d.Network(), d.Address)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", d, err)
		}
		return ln, nil
	}

	if err := removeStaleSocket(d.Address); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(d.Address); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating socket directory: %w", err)
		}
	}

	ln, err := net.Listen("unix", d.Address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", d, err)
	}
	// Removal is handled at shutdown so a restart can reuse the path.
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	if err := os.Chmod(d.Address, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}
	return ln, nil
}

// removeStaleSocket removes path if it is a socket. Anything else at path is
// left alone and reported.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking socket path: %w", err)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("socket path %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	return nil
}

// removeSocket deletes the unix socket file at shutdown.
func removeSocket(d backend.Descriptor, logger *slog.Logger) {
	if d.Scheme != backend.SchemeUnix {
		return
	}
	if err := os.Remove(d.Address); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("removing agent socket", "path", d.Address, "error", err)
	}
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "agentmux", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
// An empty key is allowed once the node has state from an earlier login.
func resolveTailscaleAuthKey(configured string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv("TS_AUTHKEY")
}

// newTailscaleServer builds, but does not start, the tsnet node.
func newTailscaleServer(tsCfg config.TailscaleConfig) (*tsnet.Server, error) {
	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	return &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   resolveTailscaleAuthKey(tsCfg.AuthKey),
	}, nil
}

// listenTailnet brings the tsnet node up and listens for agent clients on
// the configured tailnet port.
func (p *Proxy) listenTailnet(ctx context.Context) (net.Listener, error) {
	tsCfg := p.config.Tailscale

	p.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "ephemeral", tsCfg.Ephemeral)
	status, err := p.tsnetServer.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	p.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := p.tsnetServer.Listen("tcp", ":"+strconv.Itoa(tsCfg.Port))
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale agent port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (p *Proxy) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		p.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	p.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// tailnetDialer dials tailnet backends through the proxy's tsnet node.
type tailnetDialer struct {
	server *tsnet.Server
}

func (d tailnetDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.server.Dial(ctx, network, address)
}
