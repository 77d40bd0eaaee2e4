// Package store persists the agentmux audit trail using SQLite.
//
// # Records
//
//   - Session: one client connection, with its remote address, the number of
//     backends dialled for it, and its start and end times
//   - SignEvent: one sign request, with the key fingerprint, the backend it was
//     routed to (-1 when the key was not recognized), and its outcome
//
// Only metadata is stored. The data being signed and the resulting
// signatures never reach the store.
//
// # Implementations
//
// SQLiteStore uses modernc.org/sqlite (pure Go, no cgo) in WAL mode. The
// schema is created on open. MockStore is an in-memory implementation for
// tests in other packages.
//
// # Listing
//
// ListSignEvents returns events newest first. Every filter field is optional;
// a nil field matches everything. The limit defaults to 100 and is capped at
// 1000.
package store
