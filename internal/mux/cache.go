// ABOUTME: Optional decorator that serves repeated identity listings from memory
// ABOUTME: Routing still uses the table built by the last real listing

package mux

import (
	"errors"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// CachedAgent wraps an Agent and reuses a successful listing for ttl.
// Like Agent it belongs to a single client session and is not locked.
type CachedAgent struct {
	*Agent

	ttl       time.Duration
	now       func() time.Time
	cached    []*agent.Key
	fetchedAt time.Time
	valid     bool
}

var _ agent.ExtendedAgent = (*CachedAgent)(nil)

// NewCachedAgent wraps inner. now may be nil, in which case time.Now is used.
func NewCachedAgent(inner *Agent, ttl time.Duration, now func() time.Time) *CachedAgent {
	if now == nil {
		now = time.Now
	}
	return &CachedAgent{
		Agent: inner,
		ttl:   ttl,
		now:   now,
	}
}

// List returns the cached listing while it is younger than the TTL and
// otherwise lists through the wrapped Agent. Failures are never cached.
func (c *CachedAgent) List() ([]*agent.Key, error) {
	if c.valid && c.now().Sub(c.fetchedAt) < c.ttl {
		c.logger.Debug("identity listing served from cache", "age", c.now().Sub(c.fetchedAt))
		return append([]*agent.Key(nil), c.cached...), nil
	}

	identities, err := c.Agent.List()
	if err != nil {
		c.valid = false
		return nil, err
	}

	c.cached = identities
	c.fetchedAt = c.now()
	c.valid = true
	return append([]*agent.Key(nil), identities...), nil
}

// Sign is SignWithFlags with no flags.
func (c *CachedAgent) Sign(key ssh.PublicKey, data []byte) (*ssh.Signature, error) {
	return c.SignWithFlags(key, data, 0)
}

// SignWithFlags signs through the wrapped Agent. A key the table does not
// know drops the cached listing, so the client's next listing picks up keys
// added to a backend since the last real one.
func (c *CachedAgent) SignWithFlags(key ssh.PublicKey, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error) {
	sig, err := c.Agent.SignWithFlags(key, data, flags)
	if errors.Is(err, ErrKeyNotRecognized) {
		c.Invalidate()
	}
	return sig, err
}

// Invalidate drops the cached listing so the next List reaches the backends.
func (c *CachedAgent) Invalidate() {
	c.valid = false
	c.cached = nil
}
