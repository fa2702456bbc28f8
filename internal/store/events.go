package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/nyashahama/licensekeys-backend/internal/db"
)

// BeginEvent inserts the webhook event row in processing status. It is the
// idempotence gate: a second call with the same event id returns
// ErrDuplicateEvent and must not be followed by side effects.
func (s *Store) BeginEvent(ctx context.Context, eventID, eventType string, payload []byte) error {
	params := db.InsertWebhookEventParams{
		StripeEventID: eventID,
		Type:          eventType,
	}
	if len(payload) > 0 {
		params.Payload = pqtype.NullRawMessage{RawMessage: payload, Valid: true}
	}

	_, err := s.q.InsertWebhookEvent(ctx, params)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("BeginEvent: %w", err)
	}
	return nil
}

// ReclaimStaleEvent takes over an event row left in processing since before
// staleBefore, typically by a crashed handler. It reports false when the row
// is terminal or still fresh.
func (s *Store) ReclaimStaleEvent(ctx context.Context, eventID string, staleBefore time.Time) (bool, error) {
	_, err := s.q.ReclaimStaleWebhookEvent(ctx, db.ReclaimStaleWebhookEventParams{
		StripeEventID: eventID,
		StaleBefore:   staleBefore,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ReclaimStaleEvent: %w", err)
	}
	return true, nil
}

// EventOutcome is the terminal state written to a webhook event row.
type EventOutcome struct {
	Status  db.WebhookEventStatus
	OrderID uuid.UUID // uuid.Nil when no order was resolved
	Detail  string
}

func (s *Store) FinishEvent(ctx context.Context, eventID string, out EventOutcome) error {
	_, err := s.q.FinishWebhookEvent(ctx, db.FinishWebhookEventParams{
		StripeEventID: eventID,
		Status:        out.Status,
		OrderID:       uuid.NullUUID{UUID: out.OrderID, Valid: out.OrderID != uuid.Nil},
		Error:         nullString(out.Detail),
	})
	if err != nil {
		return fmt.Errorf("FinishEvent: %w", notFound(err))
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, status db.WebhookEventStatus, limit int32) ([]db.WebhookEvent, error) {
	return s.q.ListWebhookEventsByStatus(ctx, db.ListWebhookEventsByStatusParams{Status: status, Limit: limit})
}
