// Package mux presents several upstream ssh-agents as a single agent.
//
// # Overview
//
// An Agent holds an ordered set of backends (one connected session per
// upstream agent) and a routing table that remembers which backend advertised
// which public key:
//
//	a := mux.New(ctx, []mux.Backend{agentA, agentB}, logger)
//	keys, err := a.List()                 // fan-out to every backend
//	sig, err := a.Sign(keys[0], data)     // routed to the owning backend
//
// # Identity Listing
//
// List calls every backend concurrently and waits for all of them. A single
// failing backend fails the whole listing; clients are never told about a key
// the proxy cannot later sign with. On success the routing table is rebuilt
// from scratch and the identities are returned in backend order.
//
// # Routing
//
// Sign looks the requested key up in the table built by the last successful
// List. Unknown keys fail with ErrKeyNotRecognized without contacting any
// backend. When two backends report the same key, the later backend owns it.
//
// # Extensions
//
// Extension requests always go to the first backend. A failure there is
// reported to the client as an empty success rather than an error.
//
// # Caching
//
// CachedAgent is an optional decorator that serves repeated listings from
// memory for a short window. The routing logic itself never expires entries.
//
// # Thread Safety
//
// An Agent belongs to exactly one client connection. The agent protocol
// serializes requests on that connection, so the routing table is not locked.
package mux
