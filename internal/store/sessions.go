// ABOUTME: Session records for client connections served by the proxy
// ABOUTME: Tracks when each connection started and ended and how many backends it used

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RecordSessionStart stores a new session. StartedAt defaults to now.
func (s *SQLiteStore) RecordSessionStart(ctx context.Context, sess *Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, remote, backends, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Remote, sess.Backends, formatTime(sess.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// RecordSessionEnd marks a session as ended.
func (s *SQLiteStore) RecordSessionEnd(ctx context.Context, id string, endedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ?`,
		formatTime(endedAt), id,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var startedAt string
	var endedAt sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, remote, backends, started_at, ended_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Remote, &sess.Backends, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		sess.EndedAt = &t
	}
	return &sess, nil
}
