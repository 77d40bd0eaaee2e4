// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by session ID
	events   []SignEvent         // in insertion order

	// SignErr, when set, is returned by RecordSign.
	SignErr error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
	}
}

// RecordSessionStart stores a session.
func (m *MockStore) RecordSessionStart(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return errors.New("session already exists")
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	stored := *s
	m.sessions[s.ID] = &stored
	return nil
}

// RecordSessionEnd marks a session as ended.
func (m *MockStore) RecordSessionEnd(_ context.Context, id string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	t := endedAt.UTC()
	s.EndedAt = &t
	return nil
}

// GetSession returns a copy of the stored session.
func (m *MockStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s
	return &out, nil
}

// RecordSign appends a sign event.
func (m *MockStore) RecordSign(_ context.Context, e *SignEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SignErr != nil {
		return m.SignErr
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.events = append(m.events, *e)
	return nil
}

// ListSignEvents returns matching events newest first.
func (m *MockStore) ListSignEvents(_ context.Context, f SignEventFilter) ([]SignEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []SignEvent{}
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if f.SessionID != nil && e.SessionID != *f.SessionID {
			continue
		}
		if f.Fingerprint != nil && e.Fingerprint != *f.Fingerprint {
			continue
		}
		if f.Outcome != nil && e.Outcome != *f.Outcome {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		result = append(result, e)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})

	if limit := normalizeLimit(f.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// SignEvents returns every recorded sign event in insertion order.
func (m *MockStore) SignEvents() []SignEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SignEvent(nil), m.events...)
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
