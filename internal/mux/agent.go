// ABOUTME: Multiplexing ssh-agent that fans identity listings out to all backends
// ABOUTME: and routes sign requests to the backend that owns the requested key

package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/sync/errgroup"

	"github.com/2389/agentmux/internal/keys"
)

// ErrKeyNotRecognized indicates a sign request for a key that no backend
// advertised in the last successful listing.
var ErrKeyNotRecognized = errors.New("key not recognized")

// ErrOperationUnsupported is returned for key management requests. The mux
// holds no keys of its own.
var ErrOperationUnsupported = errors.New("operation not supported by agent multiplexer")

// Backend is one upstream agent session. Every agent.ExtendedAgent, including
// *Agent itself, satisfies it.
type Backend interface {
	List() ([]*agent.Key, error)
	SignWithFlags(key ssh.PublicKey, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error)
	Extension(extensionType string, contents []byte) ([]byte, error)
}

// Agent multiplexes a fixed, ordered set of backends. Requests from its
// client arrive one at a time. The table pointer is atomic so that Routes may
// be read from other goroutines, such as the status API.
type Agent struct {
	ctx      context.Context
	backends []Backend
	table    atomic.Pointer[Table]
	logger   *slog.Logger
}

var _ agent.ExtendedAgent = (*Agent)(nil)

// New creates an Agent over backends. ctx bounds the lifetime of the client
// session: a listing still waiting on backends when ctx ends is abandoned.
func New(ctx context.Context, backends []Backend, logger *slog.Logger) *Agent {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		ctx:      ctx,
		backends: backends,
		logger:   logger,
	}
	a.table.Store(NewTable())
	return a
}

// Backends returns the number of configured backends.
func (a *Agent) Backends() int {
	return len(a.backends)
}

// Routes returns the current routing table keyed by key fingerprint.
func (a *Agent) Routes() map[string]int {
	return a.table.Load().Fingerprints()
}

// Route returns the backend index key is routed to by the current table.
func (a *Agent) Route(key ssh.PublicKey) (int, bool) {
	return a.table.Load().Lookup(key)
}

// List returns the identities of all backends, backend 0's first. It fails if
// any backend fails, leaving the routing table as it was.
func (a *Agent) List() ([]*agent.Key, error) {
	listings := make([][]*agent.Key, len(a.backends))

	var g errgroup.Group
	for index, backend := range a.backends {
		g.Go(func() error {
			identities, err := backend.List()
			if err != nil {
				return fmt.Errorf("backend %d: listing identities: %w", index, err)
			}
			listings[index] = identities
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case <-a.ctx.Done():
		a.logger.Warn("identity listing abandoned", "error", a.ctx.Err())
		return nil, a.ctx.Err()
	case err := <-done:
		if err != nil {
			a.logger.Warn("identity listing failed", "error", err)
			return nil, err
		}
	}

	table := BuildTable(listings)
	a.table.Store(table)

	merged := make([]*agent.Key, 0, table.Len())
	for _, listing := range listings {
		merged = append(merged, listing...)
	}

	a.logger.Debug("identities listed",
		"backends", len(a.backends),
		"identities", len(merged),
		"routes", table.Len(),
	)
	return merged, nil
}

// Sign signs data with the backend that advertised key.
func (a *Agent) Sign(key ssh.PublicKey, data []byte) (*ssh.Signature, error) {
	return a.SignWithFlags(key, data, 0)
}

// SignWithFlags forwards the request unchanged to the backend owning key.
// Backend errors are returned as is.
func (a *Agent) SignWithFlags(key ssh.PublicKey, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error) {
	index, ok := a.table.Load().Lookup(key)
	if !ok {
		a.logger.Info("sign request for unrouted key", "fingerprint", keys.Fingerprint(key))
		return nil, ErrKeyNotRecognized
	}

	a.logger.Debug("sign request",
		"fingerprint", keys.Fingerprint(key),
		"backend", index,
		"flags", flags,
		"data_len", len(data),
	)
	sig, err := a.backends[index].SignWithFlags(key, data, flags)
	if err != nil {
		a.logger.Warn("backend sign failed", "backend", index, "error", err)
		return nil, err
	}
	a.logger.Debug("sign response", "backend", index)
	return sig, nil
}

// Extension forwards the request to the first backend. Any failure there,
// including an unsupported extension, yields a nil response and no error.
func (a *Agent) Extension(extensionType string, contents []byte) ([]byte, error) {
	if len(a.backends) == 0 {
		return nil, nil
	}

	a.logger.Debug("extension request", "type", extensionType)
	response, err := a.backends[0].Extension(extensionType, contents)
	if err != nil {
		a.logger.Debug("extension not handled", "type", extensionType, "error", err)
		return nil, nil
	}
	a.logger.Debug("extension response", "type", extensionType, "len", len(response))
	return response, nil
}

// Signers returns signers for every identity the backends currently hold.
// Each signer signs through the routing table.
func (a *Agent) Signers() ([]ssh.Signer, error) {
	identities, err := a.List()
	if err != nil {
		return nil, err
	}

	signers := make([]ssh.Signer, 0, len(identities))
	for _, identity := range identities {
		pubkey, err := ssh.ParsePublicKey(identity.Blob)
		if err != nil {
			return nil, fmt.Errorf("parsing identity %q: %w", identity.Comment, err)
		}
		signers = append(signers, &routedSigner{agent: a, pub: pubkey})
	}
	return signers, nil
}

// Add is not supported.
func (a *Agent) Add(agent.AddedKey) error { return ErrOperationUnsupported }

// Remove is not supported.
func (a *Agent) Remove(ssh.PublicKey) error { return ErrOperationUnsupported }

// RemoveAll is not supported.
func (a *Agent) RemoveAll() error { return ErrOperationUnsupported }

// Lock is not supported.
func (a *Agent) Lock([]byte) error { return ErrOperationUnsupported }

// Unlock is not supported.
func (a *Agent) Unlock([]byte) error { return ErrOperationUnsupported }

type routedSigner struct {
	agent *Agent
	pub   ssh.PublicKey
}

func (s *routedSigner) PublicKey() ssh.PublicKey {
	return s.pub
}

func (s *routedSigner) Sign(_ io.Reader, data []byte) (*ssh.Signature, error) {
	return s.agent.Sign(s.pub, data)
}
