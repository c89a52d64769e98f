package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetState reads a process-state value. ok is false when the key is unset.
func (s *Store) GetState(ctx context.Context, key string) (value string, ok bool, err error) {
	var raw sql.NullString
	err = s.db.QueryRowContext(ctx, "SELECT value FROM bot_state WHERE key = ?", key).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading state %q: %w", key, err)
	}
	return raw.String, raw.Valid, nil
}

// SetState upserts a process-state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO bot_state (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("writing state %q: %w", key, err)
	}
	return nil
}
