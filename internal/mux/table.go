// ABOUTME: Routing table mapping public keys to the backend that advertised them
// ABOUTME: Rebuilt wholesale from each successful identity listing

package mux

import (
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/2389/agentmux/internal/keys"
)

// Table maps the wire encoding of a public key to a backend index.
// A Table is never modified after it is built.
type Table struct {
	routes map[string]int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{routes: make(map[string]int)}
}

// BuildTable builds a table from per-backend listings, where listings[i] is
// what backend i reported. Later backends override earlier ones for the same key.
func BuildTable(listings [][]*agent.Key) *Table {
	t := NewTable()
	for index, listing := range listings {
		for _, key := range listing {
			t.routes[string(key.Marshal())] = index
		}
	}
	return t
}

// Lookup returns the backend index owning key.
func (t *Table) Lookup(key ssh.PublicKey) (int, bool) {
	index, ok := t.routes[string(key.Marshal())]
	return index, ok
}

// Len returns the number of routed keys.
func (t *Table) Len() int {
	return len(t.routes)
}

// Fingerprints returns a copy of the table keyed by SHA256 fingerprint.
func (t *Table) Fingerprints() map[string]int {
	out := make(map[string]int, len(t.routes))
	for blob, index := range t.routes {
		out[keys.FingerprintBlob([]byte(blob))] = index
	}
	return out
}
