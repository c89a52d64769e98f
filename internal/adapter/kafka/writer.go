// Package kafka publishes delivered alerts to an optional firehose topic so
// downstream consumers can react to the same alerts the chat channel sees.
// The firehose is feature-flagged and disabled by default; delivery to chat
// never depends on it.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/nws-alert-relay/internal/domain"
)

// Writer produces delivered-alert records to the firehose topic.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the firehose topic.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishDelivered emits one record per delivered alert, keyed by alert ID so
// re-deliveries of the same alert land in the same partition.
func (w *Writer) PublishDelivered(ctx context.Context, alert domain.Alert, messageID string) error {
	msg, err := serializeDelivery(alert, messageID, time.Now().UTC())
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, msg)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// deliveryRecord is the firehose wire format.
type deliveryRecord struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	EventType   string     `json:"event_type"`
	Severity    string     `json:"severity"`
	Certainty   string     `json:"certainty"`
	Urgency     string     `json:"urgency"`
	Expires     *time.Time `json:"expires,omitempty"`
	Geocodes    []string   `json:"geocodes,omitempty"`
	MessageID   string     `json:"message_id,omitempty"`
	DeliveredAt time.Time  `json:"delivered_at"`
}

func serializeDelivery(alert domain.Alert, messageID string, deliveredAt time.Time) (kafkago.Message, error) {
	rec := deliveryRecord{
		ID:          alert.ID,
		Title:       alert.Title,
		EventType:   alert.EventType,
		Severity:    alert.Severity,
		Certainty:   alert.Certainty,
		Urgency:     alert.Urgency,
		Expires:     alert.Expires,
		Geocodes:    alert.Geocodes,
		MessageID:   messageID,
		DeliveredAt: deliveredAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize delivered alert: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(alert.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(alert.EventType)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
	}, nil
}
