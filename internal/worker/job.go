package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nyashahama/licensekeys-backend/internal/db"
	"github.com/nyashahama/licensekeys-backend/internal/fulfillment"
	"github.com/nyashahama/licensekeys-backend/internal/notify"
)

// Job retries the fulfillment of one paid order.
type Job struct {
	store   fulfillment.Store
	fulfill *fulfillment.Service
	logger  *slog.Logger
}

func NewJob(st fulfillment.Store, fulfill *fulfillment.Service, logger *slog.Logger) *Job {
	return &Job{store: st, fulfill: fulfill, logger: logger}
}

// Run fulfills whatever the order still lacks:
//
//  1. Load the order; anything no longer paid is skipped.
//  2. Fulfill the remaining items (licenses + stock).
//  3. Deliver the keys. The dedupe key is order-scoped, so a second retry
//     after a successful delivery sends nothing.
//
// Errors go back to the Runner, which retries up to MaxRetries times before
// flagging the order for an operator.
func (j *Job) Run(ctx context.Context, orderID uuid.UUID) error {
	log := j.logger.With("order_id", orderID)
	log.Info("job: starting")

	// ── 1. Load ───────────────────────────────────────────────────────────────
	order, err := j.store.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("job: get order: %w", err)
	}
	if order.Status != db.OrderStatusPaid {
		log.Info("job: order no longer paid, skipping", "status", order.Status)
		return nil
	}
	if order.FulfillmentStatus == db.FulfillmentStatusFulfilled {
		log.Debug("job: already fulfilled")
		return nil
	}

	items, err := j.store.ListOrderItems(ctx, orderID)
	if err != nil {
		return fmt.Errorf("job: list items: %w", err)
	}

	// ── 2. Fulfill ────────────────────────────────────────────────────────────
	if err := j.fulfill.Fulfill(ctx, order, items); err != nil {
		return fmt.Errorf("job: %w", err)
	}

	// ── 3. Deliver ────────────────────────────────────────────────────────────
	res, err := j.fulfill.DeliverLicenses(ctx, order, items, notify.OrderKey(order.ID, notify.KindLicenseDelivery))
	if err != nil {
		// Fulfillment is recorded; a failed send is not retried automatically.
		log.Error("job: license delivery failed", "error", err)
		return nil
	}
	log.Info("job: completed", "email_skipped", res.Skipped, "message_id", res.MessageID)
	return nil
}
