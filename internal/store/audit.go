// ABOUTME: Sign event audit log entity and store methods
// ABOUTME: Records the key used and the backend that signed with it

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordSign appends a sign event to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) RecordSign(ctx context.Context, e *SignEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO sign_events (id, session_id, fingerprint, key_type, backend, backend_addr, flags, outcome, error, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.SessionID,
		e.Fingerprint,
		e.KeyType,
		e.Backend,
		e.BackendAddr,
		e.Flags,
		string(e.Outcome),
		nullString(e.Error),
		formatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting sign event: %w", err)
	}

	s.logger.Debug("recorded sign event",
		"id", e.ID,
		"session_id", e.SessionID,
		"fingerprint", e.Fingerprint,
		"outcome", e.Outcome,
	)
	return nil
}

const signEventsQuery = `
	SELECT id, session_id, fingerprint, key_type, backend, backend_addr, flags, outcome, error, ts
	FROM sign_events
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR session_id = ?)
	  AND (? IS NULL OR fingerprint = ?)
	  AND (? IS NULL OR outcome = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// scanSignEvent scans a row into a SignEvent.
func scanSignEvent(scanner interface{ Scan(dest ...any) error }) (SignEvent, error) {
	var e SignEvent
	var outcome, ts string
	var errText sql.NullString

	if err := scanner.Scan(
		&e.ID,
		&e.SessionID,
		&e.Fingerprint,
		&e.KeyType,
		&e.Backend,
		&e.BackendAddr,
		&e.Flags,
		&outcome,
		&errText,
		&ts,
	); err != nil {
		return e, fmt.Errorf("scanning sign event: %w", err)
	}

	e.Outcome = SignOutcome(outcome)
	e.Error = errText.String
	var err error
	if e.Timestamp, err = parseTime(ts); err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}
	return e, nil
}

// ListSignEvents returns sign events matching the filter, newest first.
func (s *SQLiteStore) ListSignEvents(ctx context.Context, f SignEventFilter) ([]SignEvent, error) {
	limit := normalizeLimit(f.Limit)

	var since, outcome *string
	if f.Since != nil {
		v := formatTime(*f.Since)
		since = &v
	}
	if f.Outcome != nil {
		v := string(*f.Outcome)
		outcome = &v
	}

	rows, err := s.db.QueryContext(ctx, signEventsQuery,
		since, since,
		f.SessionID, f.SessionID,
		f.Fingerprint, f.Fingerprint,
		outcome, outcome,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sign events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []SignEvent{}
	for rows.Next() {
		e, err := scanSignEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sign events: %w", err)
	}
	return events, nil
}
