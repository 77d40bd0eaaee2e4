// ABOUTME: Tests for the in-memory MockStore
// ABOUTME: Checks that it filters and orders like the SQLite store

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockStore_Sessions(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	if err := m.RecordSessionStart(ctx, &Session{ID: "s1", Backends: 3}); err != nil {
		t.Fatalf("RecordSessionStart failed: %v", err)
	}
	if err := m.RecordSessionStart(ctx, &Session{ID: "s1"}); err == nil {
		t.Error("expected duplicate session to fail")
	}
	if err := m.RecordSessionEnd(ctx, "s1", time.Now()); err != nil {
		t.Fatalf("RecordSessionEnd failed: %v", err)
	}

	got, err := m.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Backends != 3 || got.EndedAt == nil {
		t.Errorf("unexpected session: %+v", got)
	}

	if _, err := m.GetSession(ctx, "s2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMockStore_ListSignEvents(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, outcome := range []SignOutcome{SignOK, SignFailed, SignOK} {
		e := &SignEvent{SessionID: "s1", Outcome: outcome, Timestamp: base.Add(time.Duration(i) * time.Second)}
		if err := m.RecordSign(ctx, e); err != nil {
			t.Fatalf("RecordSign failed: %v", err)
		}
	}

	got, err := m.ListSignEvents(ctx, SignEventFilter{Outcome: ptr(SignOK)})
	if err != nil {
		t.Fatalf("ListSignEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if !got[0].Timestamp.After(got[1].Timestamp) {
		t.Error("events should be newest first")
	}

	m.SignErr = errors.New("disk full")
	if err := m.RecordSign(ctx, &SignEvent{}); err == nil {
		t.Error("expected SignErr to be returned")
	}
	if len(m.SignEvents()) != 3 {
		t.Errorf("failed record should not be stored")
	}
}
