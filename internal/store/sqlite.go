// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session and sign event persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so that timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			remote     TEXT NOT NULL,
			backends   INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			ended_at   TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);

		CREATE TABLE IF NOT EXISTS sign_events (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			fingerprint  TEXT NOT NULL,
			key_type     TEXT NOT NULL,
			backend      INTEGER NOT NULL,
			backend_addr TEXT NOT NULL,
			flags        INTEGER NOT NULL,
			outcome      TEXT NOT NULL,
			error        TEXT,
			ts           TEXT NOT NULL,

			CHECK (outcome IN ('ok', 'not_recognized', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_sign_events_ts ON sign_events(ts);
		CREATE INDEX IF NOT EXISTS idx_sign_events_session ON sign_events(session_id);
		CREATE INDEX IF NOT EXISTS idx_sign_events_fingerprint ON sign_events(fingerprint);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// nullString converts empty strings to NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
