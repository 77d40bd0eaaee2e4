// ABOUTME: Store interface and data types for agentmux audit persistence
// ABOUTME: Defines session and sign event records and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// SignOutcome is the result of one sign request.
type SignOutcome string

const (
	SignOK            SignOutcome = "ok"
	SignNotRecognized SignOutcome = "not_recognized"
	SignFailed        SignOutcome = "error"
)

// ValidSignOutcomes lists all valid outcomes.
var ValidSignOutcomes = []SignOutcome{SignOK, SignNotRecognized, SignFailed}

// Session records one client connection to the proxy.
type Session struct {
	ID        string
	Remote    string // client address as reported by the listener
	Backends  int    // number of backend connections opened for it
	StartedAt time.Time
	EndedAt   *time.Time // nil while the session is active
}

// SignEvent records one sign request passing through the proxy.
type SignEvent struct {
	ID          string // UUID v4
	SessionID   string
	Fingerprint string // SHA256 fingerprint of the requested key
	KeyType     string
	Backend     int    // routed backend index, -1 when the key was not routed
	BackendAddr string // descriptor of the routed backend, empty when not routed
	Flags       uint32
	Outcome     SignOutcome
	Error       string
	Timestamp   time.Time
}

// SignEventFilter specifies filtering options for listing sign events.
type SignEventFilter struct {
	SessionID   *string
	Fingerprint *string
	Outcome     *SignOutcome
	Since       *time.Time
	Limit       int // max results (default 100, max 1000)
}

// Store persists the audit trail.
type Store interface {
	RecordSessionStart(ctx context.Context, s *Session) error
	RecordSessionEnd(ctx context.Context, id string, endedAt time.Time) error
	GetSession(ctx context.Context, id string) (*Session, error)

	RecordSign(ctx context.Context, e *SignEvent) error
	ListSignEvents(ctx context.Context, f SignEventFilter) ([]SignEvent, error)

	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
