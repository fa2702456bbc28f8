package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nyashahama/licensekeys-backend/internal/db"
	"github.com/nyashahama/licensekeys-backend/internal/email"
	"github.com/nyashahama/licensekeys-backend/internal/fulfillment"
	"github.com/nyashahama/licensekeys-backend/internal/notify"
	"github.com/nyashahama/licensekeys-backend/internal/store"
	"github.com/nyashahama/licensekeys-backend/internal/stripe"
)

// guestUserIDs are metadata values that do not name an account.
var guestUserIDs = map[string]bool{"": true, "guest": true, "anonymous": true}

// ─── CHECKOUT SESSION COMPLETED ──────────────────────────────────────────────

// handleSessionCompleted moves the order to paid and performs the paid-order
// side effects:
//
//  1. Parse the session and resolve the order from its metadata.
//  2. Reject a session that is not the one bound to the order.
//  3. Bind the paying account to the order when the order has none.
//  4. Mark the order paid (conditional on pending/failed and the session).
//  5. Send the payment confirmation.
//  6. Claim licenses and decrement stock for every item.
//  7. Deliver the license keys with the invoice attached.
//  8. Notify the store admin.
//
// Email failures never change the outcome; they are appended to the detail.
//
// resumed is set when a stale delivery of the same event is taken over. An
// order that attempt already marked paid then continues at step 5; the
// event-scoped dedupe keys keep the emails single.
func (r *Reconciler) handleSessionCompleted(ctx context.Context, event stripe.Event, resumed bool) store.EventOutcome {
	// ── 1. Resolve the order ──────────────────────────────────────────────────
	sess, err := stripe.ParseCompletedSession(event)
	if err != nil {
		var mf *stripe.MissingFieldError
		if errors.As(err, &mf) {
			return failed(uuid.Nil, "missing_field: "+mf.Field)
		}
		return failed(uuid.Nil, err.Error())
	}

	order, err := r.store.GetOrder(ctx, sess.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return failed(uuid.Nil, fmt.Sprintf("order_not_found: %s", sess.OrderID))
	}
	if err != nil {
		return failed(sess.OrderID, fmt.Sprintf("load order: %v", err))
	}

	// ── 2. Session must match ─────────────────────────────────────────────────
	if order.StripeSessionID.Valid && order.StripeSessionID.String != sess.ID {
		return failed(order.ID, fmt.Sprintf("session_mismatch: order bound to %s, event carries %s",
			order.StripeSessionID.String, sess.ID))
	}

	// ── 3. Bind the account ───────────────────────────────────────────────────
	if !guestUserIDs[sess.UserID] {
		if order.UserID.Valid && order.UserID.String != sess.UserID {
			return failed(order.ID, "user_mismatch")
		}
		if !order.UserID.Valid {
			if _, err := r.store.BindOrderUser(ctx, order.ID, sess.UserID); err != nil {
				if errors.Is(err, store.ErrUserMismatch) {
					return failed(order.ID, "user_mismatch")
				}
				return failed(order.ID, fmt.Sprintf("bind user: %v", err))
			}
		}
	}

	if order.Status == db.OrderStatusPaid {
		if resumed && order.FulfillmentStatus == db.FulfillmentStatusPending {
			return r.afterPaid(ctx, event, order, sess.Email)
		}
		return processed(order.ID, "already_paid")
	}

	if sess.PaymentStatus == stripe.PaymentUnpaid {
		// Delayed payment methods complete the session before the money
		// arrives; async_payment_succeeded follows.
		return processed(order.ID, "awaiting_async_payment")
	}

	// ── 4. Mark paid ──────────────────────────────────────────────────────────
	paid, err := r.store.MarkOrderPaid(ctx, order.ID, sess.ID, sess.PaymentIntentID)
	switch {
	case errors.Is(err, store.ErrSessionMismatch):
		return failed(order.ID, "session_mismatch")
	case errors.Is(err, store.ErrStatusConflict):
		if paid.Status == db.OrderStatusPaid {
			return processed(order.ID, "already_paid")
		}
		return processed(order.ID, fmt.Sprintf("order is %s, not marked paid", paid.Status))
	case err != nil:
		return failed(order.ID, fmt.Sprintf("mark paid: %v", err))
	}
	return r.afterPaid(ctx, event, paid, sess.Email)
}

func (r *Reconciler) afterPaid(ctx context.Context, event stripe.Event, paid db.Order, sessionEmail string) store.EventOutcome {
	if paid.Email == "" {
		paid.Email = sessionEmail
	}

	var n notes
	items, err := r.store.ListOrderItems(ctx, paid.ID)
	if err != nil {
		r.scheduleRetry(ctx, paid.ID)
		return failed(paid.ID, fmt.Sprintf("list items: %v", err))
	}
	summary := fulfillment.Summary(r.cfg.StoreName, paid, items)

	// ── 5. Payment confirmation ───────────────────────────────────────────────
	subject, body := email.PaymentConfirmation(summary)
	r.notify(ctx, &n, notify.Message{
		DedupeKey: notify.EventKey(event.ID, notify.KindPaymentConfirmation),
		Kind:      notify.KindPaymentConfirmation,
		To:        paid.Email,
		Subject:   subject,
		HTML:      body,
	})

	// ── 6. Fulfill ────────────────────────────────────────────────────────────
	if err := r.fulfill.Fulfill(ctx, paid, items); err != nil {
		r.scheduleRetry(ctx, paid.ID)
		n.add("fulfillment: %v", err)
		return failed(paid.ID, n.String())
	}

	// ── 7. License delivery ───────────────────────────────────────────────────
	if _, err := r.fulfill.DeliverLicenses(ctx, paid, items,
		notify.EventKey(event.ID, notify.KindLicenseDelivery)); err != nil {
		n.add("%s: %v", notify.KindLicenseDelivery, err)
	}

	// ── 8. Admin notification ─────────────────────────────────────────────────
	if r.cfg.AdminEmail != "" {
		subject, body := email.SaleAlert(summary)
		r.notify(ctx, &n, notify.Message{
			DedupeKey: notify.EventKey(event.ID, notify.KindSaleNotification),
			Kind:      notify.KindSaleNotification,
			To:        r.cfg.AdminEmail,
			Subject:   subject,
			HTML:      body,
		})
	}

	return processed(paid.ID, n.String())
}

func (r *Reconciler) notify(ctx context.Context, n *notes, m notify.Message) {
	if _, err := r.notifier.Send(ctx, m); err != nil {
		r.log.Warn("reconcile: notification failed", "dedupe_key", m.DedupeKey, "error", err)
		n.add("%s: %v", m.Kind, err)
	}
}

func (r *Reconciler) scheduleRetry(ctx context.Context, orderID uuid.UUID) {
	if r.retries == nil {
		return
	}
	if err := r.retries.Enqueue(ctx, orderID); err != nil {
		// The poller picks up failed fulfillments on its next tick.
		r.log.Warn("reconcile: enqueue fulfillment retry", "order_id", orderID, "error", err)
	}
}

// ─── REFUNDS ─────────────────────────────────────────────────────────────────

func (r *Reconciler) handleChargeRefunded(ctx context.Context, event stripe.Event) store.EventOutcome {
	charge, err := stripe.ParseCharge(event)
	if err != nil {
		return failed(uuid.Nil, err.Error())
	}

	order, err := r.store.FindOrderByPayment(ctx, charge.PaymentIntentID, charge.ID)
	if errors.Is(err, store.ErrNotFound) {
		return processed(uuid.Nil, "no order for charge "+charge.ID)
	}
	if err != nil {
		return failed(uuid.Nil, fmt.Sprintf("find order: %v", err))
	}

	if !charge.Refunded {
		return processed(order.ID, fmt.Sprintf("partial refund %d of %d, order unchanged",
			charge.AmountRefunded, charge.Amount))
	}

	var n notes
	if _, err := r.store.MarkOrderRefunded(ctx, order.ID, "charge_refunded", charge.ID); err != nil {
		if !errors.Is(err, store.ErrStatusConflict) {
			return failed(order.ID, fmt.Sprintf("mark refunded: %v", err))
		}
		n.add("order was %s", order.Status)
	}
	if err := r.revoke(ctx, order.ID, true); err != nil {
		return failed(order.ID, err.Error())
	}
	return processed(order.ID, n.String())
}

// ─── DISPUTES ────────────────────────────────────────────────────────────────

func (r *Reconciler) handleDisputeCreated(ctx context.Context, event stripe.Event) store.EventOutcome {
	dispute, err := stripe.ParseDispute(event)
	if err != nil {
		return failed(uuid.Nil, err.Error())
	}
	order, err := r.store.FindOrderByPayment(ctx, dispute.PaymentIntentID, dispute.ChargeID)
	if errors.Is(err, store.ErrNotFound) {
		return processed(uuid.Nil, "no order for dispute "+dispute.ID)
	}
	if err != nil {
		return failed(uuid.Nil, fmt.Sprintf("find order: %v", err))
	}

	var n notes
	if _, err := r.store.MarkOrderDisputed(ctx, order.ID, dispute.Reason, dispute.Status, dispute.ChargeID); err != nil {
		if !errors.Is(err, store.ErrStatusConflict) {
			return failed(order.ID, fmt.Sprintf("mark disputed: %v", err))
		}
		n.add("order was %s", order.Status)
	}
	// Keys stay revoked until the dispute is won.
	if err := r.revoke(ctx, order.ID, true); err != nil {
		return failed(order.ID, err.Error())
	}
	return processed(order.ID, n.String())
}

func (r *Reconciler) handleDisputeClosed(ctx context.Context, event stripe.Event) store.EventOutcome {
	dispute, err := stripe.ParseDispute(event)
	if err != nil {
		return failed(uuid.Nil, err.Error())
	}
	order, err := r.store.FindOrderByPayment(ctx, dispute.PaymentIntentID, dispute.ChargeID)
	if errors.Is(err, store.ErrNotFound) {
		return processed(uuid.Nil, "no order for dispute "+dispute.ID)
	}
	if err != nil {
		return failed(uuid.Nil, fmt.Sprintf("find order: %v", err))
	}

	switch dispute.Status {
	case stripe.DisputeWon, stripe.DisputeWarningClosed:
		if _, err := r.store.ResolveDispute(ctx, order.ID, db.OrderStatusPaid, dispute.Status); err != nil {
			if errors.Is(err, store.ErrStatusConflict) {
				return processed(order.ID, fmt.Sprintf("dispute %s but order is %s", dispute.Status, order.Status))
			}
			return failed(order.ID, fmt.Sprintf("resolve dispute: %v", err))
		}
		if err := r.revoke(ctx, order.ID, false); err != nil {
			return failed(order.ID, err.Error())
		}
		return processed(order.ID, "")

	case stripe.DisputeLost:
		var n notes
		if _, err := r.store.ResolveDispute(ctx, order.ID, db.OrderStatusRefunded, dispute.Status); err != nil {
			if !errors.Is(err, store.ErrStatusConflict) {
				return failed(order.ID, fmt.Sprintf("resolve dispute: %v", err))
			}
			n.add("order was %s", order.Status)
		}
		if err := r.revoke(ctx, order.ID, true); err != nil {
			return failed(order.ID, err.Error())
		}
		return processed(order.ID, n.String())

	default:
		return processed(order.ID, "unhandled dispute status "+dispute.Status)
	}
}

func (r *Reconciler) revoke(ctx context.Context, orderID uuid.UUID, revoked bool) error {
	n, err := r.store.SetLicensesRevoked(ctx, orderID, revoked)
	if err != nil {
		return fmt.Errorf("set licenses revoked=%t: %w", revoked, err)
	}
	r.log.Info("reconcile: licenses updated", "order_id", orderID, "revoked", revoked, "count", n)
	return nil
}
