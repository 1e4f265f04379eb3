package store

import (
	"context"
	"fmt"
	"time"
)

// WebhookDelivery is the audit row for one delivery attempt.
type WebhookDelivery struct {
	DeliveryID string    `json:"deliveryId"`
	AgentID    string    `json:"agentId"`
	Event      string    `json:"event"`
	EventID    string    `json:"eventId"`
	URL        string    `json:"url"`
	Attempt    int       `json:"attempt"`
	Status     string    `json:"status"`
	HTTPStatus int       `json:"httpStatus,omitempty"`
	Error      string    `json:"error,omitempty"`
	SignedBody string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Webhook delivery attempt outcomes.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliverySkipped   = "skipped"
)

// InsertWebhookDelivery appends one attempt row.
func (s *Store) InsertWebhookDelivery(ctx context.Context, d *WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (
		delivery_id, agent_id, event, event_id, url, attempt, status,
		http_status, error, signed_body, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DeliveryID, d.AgentID, d.Event, d.EventID, d.URL, d.Attempt,
		d.Status, d.HTTPStatus, d.Error, d.SignedBody, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

// ListWebhookDeliveries returns the newest attempt rows up to limit.
func (s *Store) ListWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT delivery_id, agent_id, event,
		event_id, url, attempt, status, http_status, error, signed_body, created_at
		FROM webhook_deliveries ORDER BY created_at DESC, delivery_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deliveries []WebhookDelivery
	for rows.Next() {
		var (
			d         WebhookDelivery
			createdAt string
		)
		if err := rows.Scan(&d.DeliveryID, &d.AgentID, &d.Event, &d.EventID, &d.URL,
			&d.Attempt, &d.Status, &d.HTTPStatus, &d.Error, &d.SignedBody, &createdAt); err != nil {
			return nil, err
		}
		d.CreatedAt = parseTime(createdAt)
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}
