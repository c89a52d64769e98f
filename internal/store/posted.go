package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/couchcryptid/nws-alert-relay/internal/domain"
)

// PostedAlert is the durable record of one delivered alert.
type PostedAlert struct {
	NWSID             string
	FirstPostedUTC    time.Time
	LastUpdatedUTC    time.Time
	DeliveryMessageID string // opaque transport handle, empty when the send returned none
	EventType         string
	Severity          string
	ExpiresUTC        *time.Time
}

// HasPosted reports whether an alert ID has already been delivered.
func (s *Store) HasPosted(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM posted_alerts WHERE nws_id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking posted alert %s: %w", id, err)
	}
	return true, nil
}

// RecordPost upserts the delivery record for an alert: insert on first
// delivery, or update the mutable fields when the same ID is re-observed.
func (s *Store) RecordPost(ctx context.Context, alert domain.Alert, messageID string, isUpdate bool) error {
	now := s.clock.Now().UTC().Format(time.RFC3339)
	expires := formatExpires(alert.Expires)

	var err error
	if isUpdate {
		_, err = s.db.ExecContext(ctx,
			`UPDATE posted_alerts SET last_updated_utc = ?, delivery_message_id = ?, expires_utc = ? WHERE nws_id = ?`,
			now, nullable(messageID), expires, alert.ID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO posted_alerts
			 (nws_id, first_posted_utc, last_updated_utc, delivery_message_id, event_type, severity, expires_utc)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			alert.ID, now, now, nullable(messageID), alert.EventType, alert.Severity, expires)
	}
	if err != nil {
		return fmt.Errorf("recording alert %s: %w", alert.ID, err)
	}
	return nil
}

// PurgeOlderThan deletes delivery records first posted before the cutoff and
// returns the number removed.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM posted_alerts WHERE datetime(first_posted_utc) < datetime(?)",
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("purging posted alerts: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged alerts: %w", err)
	}
	return count, nil
}

// EventTypeCount pairs an event type with the number of alerts delivered for it.
type EventTypeCount struct {
	EventType string
	Count     int64
}

// EventTypeCounts returns delivered-alert totals grouped by event type,
// busiest first, clamped to limit rows.
func (s *Store) EventTypeCounts(ctx context.Context, limit int) ([]EventTypeCount, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT COALESCE(event_type, ''), COUNT(*) FROM posted_alerts GROUP BY event_type ORDER BY COUNT(*) DESC, event_type LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("counting event types: %w", err)
	}
	defer rows.Close()

	var counts []EventTypeCount
	for rows.Next() {
		var c EventTypeCount
		if err := rows.Scan(&c.EventType, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning event type count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// RecentPosts returns the most recently delivered alerts, newest first.
func (s *Store) RecentPosts(ctx context.Context, limit int) ([]PostedAlert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT nws_id, first_posted_utc, last_updated_utc, delivery_message_id, event_type, severity, expires_utc
		 FROM posted_alerts ORDER BY datetime(first_posted_utc) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent alerts: %w", err)
	}
	defer rows.Close()

	var posts []PostedAlert
	for rows.Next() {
		var (
			p                     PostedAlert
			first, last           string
			messageID, expiresRaw sql.NullString
			eventType, severity   sql.NullString
		)
		if err := rows.Scan(&p.NWSID, &first, &last, &messageID, &eventType, &severity, &expiresRaw); err != nil {
			return nil, fmt.Errorf("scanning recent alert: %w", err)
		}
		p.FirstPostedUTC, _ = time.Parse(time.RFC3339, first)
		p.LastUpdatedUTC, _ = time.Parse(time.RFC3339, last)
		p.DeliveryMessageID = messageID.String
		p.EventType = eventType.String
		p.Severity = severity.String
		if expiresRaw.Valid && expiresRaw.String != "" {
			if t, err := time.Parse(time.RFC3339, expiresRaw.String); err == nil {
				p.ExpiresUTC = &t
			}
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func formatExpires(expires *time.Time) any {
	if expires == nil {
		return nil
	}
	return expires.UTC().Format(time.RFC3339)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
