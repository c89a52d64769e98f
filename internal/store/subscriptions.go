package store

import (
	"context"
	"fmt"
	"strings"
)

// Subscription ties a subscriber to a location code and, optionally, one
// event type. An empty EventType means "all event types at this location".
type Subscription struct {
	SubscriberID int64
	LocationCode string
	EventType    string
}

// Subscribe inserts a subscription. Re-subscribing to an identical tuple is a
// no-op. Location codes are stored upper-cased, event types lower-cased; the
// wildcard is the empty string so the composite primary key deduplicates it.
func (s *Store) Subscribe(ctx context.Context, subscriberID int64, locationCode, eventType string) error {
	code := strings.ToUpper(strings.TrimSpace(locationCode))
	if code == "" {
		return fmt.Errorf("location code is required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO subscriptions (subscriber_id, location_code, event_type) VALUES (?, ?, ?)",
		subscriberID, code, normalizeEvent(eventType))
	if err != nil {
		return fmt.Errorf("adding subscription %d/%s: %w", subscriberID, code, err)
	}
	return nil
}

// Unsubscribe removes one subscription tuple and returns how many rows were
// deleted (0 when the subscriber did not hold it).
func (s *Store) Unsubscribe(ctx context.Context, subscriberID int64, locationCode, eventType string) (int64, error) {
	code := strings.ToUpper(strings.TrimSpace(locationCode))

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM subscriptions WHERE subscriber_id = ? AND location_code = ? AND event_type = ?",
		subscriberID, code, normalizeEvent(eventType))
	if err != nil {
		return 0, fmt.Errorf("removing subscription %d/%s: %w", subscriberID, code, err)
	}
	return res.RowsAffected()
}

// UnsubscribeAll removes every subscription held by one subscriber.
func (s *Store) UnsubscribeAll(ctx context.Context, subscriberID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE subscriber_id = ?", subscriberID)
	if err != nil {
		return 0, fmt.Errorf("removing subscriptions for %d: %w", subscriberID, err)
	}
	return res.RowsAffected()
}

// ListSubscriptions returns a subscriber's subscriptions ordered by location
// code, then event type.
func (s *Store) ListSubscriptions(ctx context.Context, subscriberID int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT location_code, event_type FROM subscriptions WHERE subscriber_id = ? ORDER BY location_code, event_type",
		subscriberID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions for %d: %w", subscriberID, err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub := Subscription{SubscriberID: subscriberID}
		if err := rows.Scan(&sub.LocationCode, &sub.EventType); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// MatchSubscribers resolves an alert's geocodes and event type to the set of
// subscriber IDs to mention: a subscriber matches when they hold a
// subscription for any of the codes whose event type is either unset
// (wildcard) or equals the alert's event type case-insensitively. An alert
// with no geocodes matches nobody.
func (s *Store) MatchSubscribers(ctx context.Context, geocodes []string, eventType string) (map[int64]struct{}, error) {
	matched := make(map[int64]struct{})
	if len(geocodes) == 0 {
		return matched, nil
	}

	placeholders := strings.Repeat("?,", len(geocodes)-1) + "?"
	args := make([]any, 0, len(geocodes)+1)
	for _, code := range geocodes {
		args = append(args, strings.ToUpper(code))
	}
	args = append(args, normalizeEvent(eventType))

	query := fmt.Sprintf(
		"SELECT DISTINCT subscriber_id FROM subscriptions WHERE location_code IN (%s) AND (event_type = ? OR event_type = '')",
		placeholders)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("matching subscribers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning subscriber id: %w", err)
		}
		matched[id] = struct{}{}
	}
	return matched, rows.Err()
}

func normalizeEvent(eventType string) string {
	return strings.ToLower(strings.TrimSpace(eventType))
}
