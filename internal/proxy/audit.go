// ABOUTME: Agent decorator that records every sign request in the audit store
// ABOUTME: Recording failures are logged and never affect the signature returned

package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/2389/agentmux/internal/backend"
	"github.com/2389/agentmux/internal/keys"
	"github.com/2389/agentmux/internal/mux"
	"github.com/2389/agentmux/internal/store"
)

// recordTimeout bounds a single audit write.
const recordTimeout = 5 * time.Second

// recordContext detaches audit writes from session cancellation so that
// events produced during shutdown are still written.
func recordContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

// router reports which backend a key is routed to. *mux.Agent satisfies it.
type router interface {
	Route(key ssh.PublicKey) (int, bool)
}

// auditAgent wraps a session agent and records sign outcomes.
type auditAgent struct {
	agent.ExtendedAgent

	ctx         context.Context
	sessionID   string
	routes      router
	descriptors []backend.Descriptor
	store       store.Store
	logger      *slog.Logger
}

var _ agent.ExtendedAgent = (*auditAgent)(nil)

func newAuditAgent(ctx context.Context, sessionID string, inner agent.ExtendedAgent, routes router, descriptors []backend.Descriptor, s store.Store, logger *slog.Logger) *auditAgent {
	return &auditAgent{
		ExtendedAgent: inner,
		ctx:           ctx,
		sessionID:     sessionID,
		routes:        routes,
		descriptors:   descriptors,
		store:         s,
		logger:        logger,
	}
}

func (a *auditAgent) Sign(key ssh.PublicKey, data []byte) (*ssh.Signature, error) {
	return a.SignWithFlags(key, data, 0)
}

func (a *auditAgent) SignWithFlags(key ssh.PublicKey, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error) {
	// Signing never changes the routing table, so the route seen here is the
	// one the mux uses.
	index, routed := a.routes.Route(key)

	sig, err := a.ExtendedAgent.SignWithFlags(key, data, flags)
	a.record(key, index, routed, flags, err)
	return sig, err
}

func (a *auditAgent) record(key ssh.PublicKey, index int, routed bool, flags agent.SignatureFlags, signErr error) {
	event := &store.SignEvent{
		SessionID:   a.sessionID,
		Fingerprint: keys.Fingerprint(key),
		KeyType:     key.Type(),
		Backend:     -1,
		Flags:       uint32(flags),
		Outcome:     outcomeOf(signErr),
	}
	if routed {
		event.Backend = index
		if index < len(a.descriptors) {
			event.BackendAddr = a.descriptors[index].String()
		}
	}
	if signErr != nil {
		event.Error = signErr.Error()
	}

	ctx, cancel := recordContext(a.ctx)
	defer cancel()
	if err := a.store.RecordSign(ctx, event); err != nil {
		a.logger.Warn("recording sign event", "fingerprint", event.Fingerprint, "error", err)
	}
}

// outcomeOf classifies a sign result.
func outcomeOf(err error) store.SignOutcome {
	switch {
	case err == nil:
		return store.SignOK
	case errors.Is(err, mux.ErrKeyNotRecognized):
		return store.SignNotRecognized
	default:
		return store.SignFailed
	}
}
