// ABOUTME: Tests for the sign audit decorator
// ABOUTME: Uses in-memory keyrings behind a mux agent and the mock store

package proxy

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/2389/agentmux/internal/backend"
	"github.com/2389/agentmux/internal/keys"
	"github.com/2389/agentmux/internal/mux"
	"github.com/2389/agentmux/internal/store"
)

func newAuditFixture(t *testing.T) (*auditAgent, *store.MockStore, []*agent.Key) {
	t.Helper()

	k0 := newKeyring(t, 1, "zero").(agent.ExtendedAgent)
	k1 := newKeyring(t, 1, "one").(agent.ExtendedAgent)
	m := mux.New(context.Background(), []mux.Backend{k0, k1}, testLogger())

	identities, err := m.List()
	require.NoError(t, err)

	descriptors, err := backend.ParseDescriptors([]string{"/run/zero.sock", "tcp://127.0.0.1:7447"})
	require.NoError(t, err)

	s := store.NewMockStore()
	a := newAuditAgent(context.Background(), "sess-1", m, m, descriptors, s, testLogger())
	return a, s, identities
}

func TestAuditAgent_RecordsSuccess(t *testing.T) {
	a, s, identities := newAuditFixture(t)

	pub, err := ssh.ParsePublicKey(identities[1].Blob)
	require.NoError(t, err)
	sig, err := a.Sign(pub, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, pub.Verify([]byte("data"), sig))

	events := s.SignEvents()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "sess-1", e.SessionID)
	assert.Equal(t, keys.Fingerprint(pub), e.Fingerprint)
	assert.Equal(t, ssh.KeyAlgoED25519, e.KeyType)
	assert.Equal(t, 1, e.Backend)
	assert.Equal(t, "tcp://127.0.0.1:7447", e.BackendAddr)
	assert.Equal(t, store.SignOK, e.Outcome)
	assert.Empty(t, e.Error)
}

func TestAuditAgent_RecordsUnrecognizedKey(t *testing.T) {
	a, s, _ := newAuditFixture(t)

	raw, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	stranger, err := ssh.NewPublicKey(raw)
	require.NoError(t, err)

	_, err = a.Sign(stranger, []byte("data"))
	assert.ErrorIs(t, err, mux.ErrKeyNotRecognized)

	events := s.SignEvents()
	require.Len(t, events, 1)
	assert.Equal(t, store.SignNotRecognized, events[0].Outcome)
	assert.Equal(t, -1, events[0].Backend)
	assert.Empty(t, events[0].BackendAddr)
	assert.Equal(t, "key not recognized", events[0].Error)
}

func TestAuditAgent_StoreFailureDoesNotFailSign(t *testing.T) {
	a, s, identities := newAuditFixture(t)
	s.SignErr = errors.New("disk full")

	pub, err := ssh.ParsePublicKey(identities[0].Blob)
	require.NoError(t, err)
	sig, err := a.Sign(pub, []byte("data"))
	require.NoError(t, err)
	assert.NotNil(t, sig)
	assert.Empty(t, s.SignEvents())
}

func TestAuditAgent_PassesThroughOtherOperations(t *testing.T) {
	a, s, _ := newAuditFixture(t)

	identities, err := a.List()
	require.NoError(t, err)
	assert.Len(t, identities, 2)

	resp, err := a.Extension("query", nil)
	assert.NoError(t, err)
	assert.Nil(t, resp)

	assert.ErrorIs(t, a.RemoveAll(), mux.ErrOperationUnsupported)
	assert.Empty(t, s.SignEvents(), "only signs are audited")
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, store.SignOK, outcomeOf(nil))
	assert.Equal(t, store.SignNotRecognized, outcomeOf(mux.ErrKeyNotRecognized))
	assert.Equal(t, store.SignFailed, outcomeOf(errors.New("agent: failure")))
}
