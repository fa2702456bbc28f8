package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

const webhookEventColumns = `id, stripe_event_id, type, order_id, status, error, payload, attempts, created_at, updated_at, processed_at`

func scanWebhookEvent(row rowScanner) (WebhookEvent, error) {
	var i WebhookEvent
	err := row.Scan(
		&i.ID,
		&i.StripeEventID,
		&i.Type,
		&i.OrderID,
		&i.Status,
		&i.Error,
		&i.Payload,
		&i.Attempts,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.ProcessedAt,
	)
	return i, err
}

// Duplicate event ids return sql.ErrNoRows.
const insertWebhookEvent = `
INSERT INTO webhook_events (stripe_event_id, type, payload)
VALUES ($1, $2, $3)
ON CONFLICT (stripe_event_id) DO NOTHING
RETURNING ` + webhookEventColumns

type InsertWebhookEventParams struct {
	StripeEventID string
	Type          string
	Payload       pqtype.NullRawMessage
}

func (q *Queries) InsertWebhookEvent(ctx context.Context, arg InsertWebhookEventParams) (WebhookEvent, error) {
	return scanWebhookEvent(q.db.QueryRowContext(ctx, insertWebhookEvent, arg.StripeEventID, arg.Type, arg.Payload))
}

const reclaimStaleWebhookEvent = `
UPDATE webhook_events
SET attempts = attempts + 1, updated_at = now()
WHERE stripe_event_id = $1 AND status = 'processing' AND updated_at < $2
RETURNING ` + webhookEventColumns

type ReclaimStaleWebhookEventParams struct {
	StripeEventID string
	StaleBefore   time.Time
}

func (q *Queries) ReclaimStaleWebhookEvent(ctx context.Context, arg ReclaimStaleWebhookEventParams) (WebhookEvent, error) {
	return scanWebhookEvent(q.db.QueryRowContext(ctx, reclaimStaleWebhookEvent, arg.StripeEventID, arg.StaleBefore))
}

const finishWebhookEvent = `
UPDATE webhook_events
SET status = $2,
    order_id = COALESCE($3, order_id),
    error = $4,
    processed_at = now(),
    updated_at = now()
WHERE stripe_event_id = $1
RETURNING ` + webhookEventColumns

type FinishWebhookEventParams struct {
	StripeEventID string
	Status        WebhookEventStatus
	OrderID       uuid.NullUUID
	Error         sql.NullString
}

func (q *Queries) FinishWebhookEvent(ctx context.Context, arg FinishWebhookEventParams) (WebhookEvent, error) {
	return scanWebhookEvent(q.db.QueryRowContext(ctx, finishWebhookEvent, arg.StripeEventID, arg.Status, arg.OrderID, arg.Error))
}

const listWebhookEventsByStatus = `SELECT ` + webhookEventColumns + `
FROM webhook_events WHERE status = $1
ORDER BY created_at DESC
LIMIT $2`

type ListWebhookEventsByStatusParams struct {
	Status WebhookEventStatus
	Limit  int32
}

func (q *Queries) ListWebhookEventsByStatus(ctx context.Context, arg ListWebhookEventsByStatusParams) ([]WebhookEvent, error) {
	rows, err := q.db.QueryContext(ctx, listWebhookEventsByStatus, arg.Status, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []WebhookEvent
	for rows.Next() {
		i, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
