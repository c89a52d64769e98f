// Package store persists delivered-alert records, subscriptions, and small
// process state in SQLite. Every operation is a self-contained short-lived
// statement; nothing here assumes an ambient transaction, so the ingestion
// loop and command handlers can interleave freely.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 1

// Store wraps the SQLite database behind the dedup, subscription, and
// process-state operations.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	clock  clockwork.Clock
}

// Open opens (creating if needed) the database at path, enables WAL, and
// applies any pending schema migrations.
func Open(path string, logger *slog.Logger, clock clockwork.Clock) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrateSchema(db, path); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger, clock: clock}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Stats holds the record counts surfaced on /statusz and the status command.
type Stats struct {
	PostedAlerts  int64 `json:"posted_alerts"`
	Subscriptions int64 `json:"subscriptions"`
}

// Stats returns row counts for the two main tables.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM posted_alerts").Scan(&st.PostedAlerts); err != nil {
		return Stats{}, fmt.Errorf("counting posted alerts: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subscriptions").Scan(&st.Subscriptions); err != nil {
		return Stats{}, fmt.Errorf("counting subscriptions: %w", err)
	}
	return st, nil
}

func migrateSchema(db *sql.DB, path string) error {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)

	var version int
	switch {
	case err == sql.ErrNoRows:
		version = 0
	case err != nil:
		return fmt.Errorf("checking schema_version table: %w", err)
	default:
		err = db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
		if err == sql.ErrNoRows {
			version = 0
		} else if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than this build supports (max %d); delete %s to start fresh",
			version, currentSchemaVersion, path)
	}

	if version < 1 {
		if err := applyV1(db); err != nil {
			return fmt.Errorf("applying schema v1: %w", err)
		}
	}
	return nil
}

func applyV1(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS posted_alerts (
			nws_id TEXT PRIMARY KEY,
			first_posted_utc TEXT NOT NULL,
			last_updated_utc TEXT NOT NULL,
			delivery_message_id TEXT,
			event_type TEXT,
			severity TEXT,
			expires_utc TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_posted_first ON posted_alerts (first_posted_utc)`,
		// event_type '' is the wildcard. It must not be NULL: SQLite treats
		// NULLs as distinct in the primary-key index, which would let
		// re-subscribing insert duplicate wildcard rows.
		`CREATE TABLE IF NOT EXISTS subscriptions (
			subscriber_id INTEGER NOT NULL,
			location_code TEXT NOT NULL COLLATE NOCASE,
			event_type TEXT NOT NULL DEFAULT '' COLLATE NOCASE,
			subscribed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (subscriber_id, location_code, event_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sub_location_event ON subscriptions (location_code, event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_sub_subscriber ON subscriptions (subscriber_id)`,
		`CREATE TABLE IF NOT EXISTS bot_state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
		`DELETE FROM schema_version`,
		`INSERT INTO schema_version (version) VALUES (1)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt[:min(len(stmt), 40)], err)
		}
	}
	return nil
}
