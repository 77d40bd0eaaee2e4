// ABOUTME: Tests for the identity listing cache decorator
// ABOUTME: Checks TTL expiry and that failed listings are never cached

package mux

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh/agent"
)

// fakeClock is a manually advanced clock for cache tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestCachedAgent_ServesWithinTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	a := newMockBackend("a", newTestKey(t, "k1"))
	cached := NewCachedAgent(newTestAgent(a), time.Second, clock.Now)

	first, err := cached.List()
	require.NoError(t, err)

	clock.Advance(500 * time.Millisecond)
	second, err := cached.List()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	list, _, _ := a.calls()
	assert.Equal(t, 1, list)
}

func TestCachedAgent_RefreshesAfterTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	k1 := newTestKey(t, "k1")
	k2 := newTestKey(t, "k2")
	a := newMockBackend("a", k1)
	cached := NewCachedAgent(newTestAgent(a), time.Second, clock.Now)

	_, err := cached.List()
	require.NoError(t, err)

	a.mu.Lock()
	a.keys = []*agent.Key{k1, k2}
	a.mu.Unlock()

	clock.Advance(time.Second)
	identities, err := cached.List()
	require.NoError(t, err)
	assert.Len(t, identities, 2)

	list, _, _ := a.calls()
	assert.Equal(t, 2, list)
}

func TestCachedAgent_DoesNotCacheFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	a := newMockBackend("a", newTestKey(t, "k1"))
	a.listErr = errors.New("temporarily unavailable")
	cached := NewCachedAgent(newTestAgent(a), time.Minute, clock.Now)

	_, err := cached.List()
	require.Error(t, err)

	a.mu.Lock()
	a.listErr = nil
	a.mu.Unlock()

	identities, err := cached.List()
	require.NoError(t, err)
	assert.Len(t, identities, 1)

	list, _, _ := a.calls()
	assert.Equal(t, 2, list)
}

func TestCachedAgent_Invalidate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	a := newMockBackend("a", newTestKey(t, "k1"))
	cached := NewCachedAgent(newTestAgent(a), time.Hour, clock.Now)

	_, err := cached.List()
	require.NoError(t, err)
	cached.Invalidate()
	_, err = cached.List()
	require.NoError(t, err)

	list, _, _ := a.calls()
	assert.Equal(t, 2, list)
}

func TestCachedAgent_ReturnsCopies(t *testing.T) {
	a := newMockBackend("a", newTestKey(t, "k1"), newTestKey(t, "k2"))
	cached := NewCachedAgent(newTestAgent(a), time.Hour, nil)

	first, err := cached.List()
	require.NoError(t, err)
	first[0] = nil

	second, err := cached.List()
	require.NoError(t, err)
	assert.NotNil(t, second[0])
}

func TestCachedAgent_SignUsesRoutingTable(t *testing.T) {
	k1 := newTestKey(t, "k1")
	k2 := newTestKey(t, "k2")
	a := newMockBackend("a", k1)
	b := newMockBackend("b", k2)
	cached := NewCachedAgent(newTestAgent(a, b), time.Hour, nil)

	_, err := cached.List()
	require.NoError(t, err)
	_, err = cached.List()
	require.NoError(t, err)

	sig, err := cached.Sign(publicKey(t, k2), []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), sig.Blob)

	resp, err := cached.Extension("query", nil)
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestCachedAgent_UnknownKeySignDropsCache(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	k1 := newTestKey(t, "k1")
	k2 := newTestKey(t, "k2")
	a := newMockBackend("a", k1)
	cached := NewCachedAgent(newTestAgent(a), time.Hour, clock.Now)

	_, err := cached.List()
	require.NoError(t, err)

	a.mu.Lock()
	a.keys = []*agent.Key{k1, k2}
	a.mu.Unlock()

	_, err = cached.Sign(publicKey(t, k2), []byte("data"))
	require.ErrorIs(t, err, ErrKeyNotRecognized)

	identities, err := cached.List()
	require.NoError(t, err)
	assert.Len(t, identities, 2, "listing after an unknown key reaches the backend")

	sig, err := cached.Sign(publicKey(t, k2), []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), sig.Blob)

	list, _, _ := a.calls()
	assert.Equal(t, 2, list)
}

func TestCachedAgent_BackendSignErrorKeepsCache(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	k1 := newTestKey(t, "k1")
	a := newMockBackend("a", k1)
	a.signErr = errors.New("user declined")
	cached := NewCachedAgent(newTestAgent(a), time.Hour, clock.Now)

	_, err := cached.List()
	require.NoError(t, err)
	_, err = cached.Sign(publicKey(t, k1), []byte("data"))
	require.EqualError(t, err, "user declined")

	_, err = cached.List()
	require.NoError(t, err)
	list, _, _ := a.calls()
	assert.Equal(t, 1, list)
}
