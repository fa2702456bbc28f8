package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/nyashahama/licensekeys-backend/internal/store"
	stripeinternal "github.com/nyashahama/licensekeys-backend/internal/stripe"
)

// reuse looks for the user's latest pending order with the same cart.
//
//   - no pending order: ok=false, proceed to create one.
//   - pending without a session id: a concurrent request is still creating it
//     (ErrOrderInFlight) unless it is older than InFlightGrace, in which case
//     it is abandoned and marked failed.
//   - session already paid or complete: ErrOrderInFlight; the webhook will
//     settle it and the order must not be discarded.
//   - session payable and order within ReuseWindow: hand back its URL.
//   - anything else is stale: expire the session at Stripe if it is still
//     open, then discard the order and its items.
func (o *Orchestrator) reuse(ctx context.Context, userID, fingerprint string) (Result, bool, error) {
	existing, err := o.store.LatestPendingOrder(ctx, userID, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("checkout: find pending order: %w", err)
	}

	now := o.cfg.Now()
	age := now.Sub(existing.CreatedAt)
	log := o.log.With("order_id", existing.ID, "user_id", userID)

	if !existing.StripeSessionID.Valid {
		if age < o.cfg.InFlightGrace {
			return Result{}, false, ErrOrderInFlight
		}
		if err := o.store.MarkOrderFailed(ctx, existing.ID, "superseded"); err != nil && !errors.Is(err, store.ErrStatusConflict) {
			return Result{}, false, fmt.Errorf("checkout: supersede order: %w", err)
		}
		log.Info("checkout: abandoned order superseded", "age", age)
		return Result{}, false, nil
	}

	pctx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
	defer cancel()

	sessionID := existing.StripeSessionID.String
	session, err := o.stripe.GetCheckoutSession(pctx, sessionID)
	if err != nil {
		return Result{}, false, fmt.Errorf("checkout: fetch session %s: %w", sessionID, err)
	}

	if session.Status == stripeinternal.SessionComplete || session.PaymentStatus == stripeinternal.PaymentPaid ||
		session.PaymentStatus == stripeinternal.PaymentNoPaymentRequired {
		return Result{}, false, ErrOrderInFlight
	}

	if age <= o.cfg.ReuseWindow && session.Payable(now) {
		log.Info("checkout: session reused", "session_id", sessionID)
		return Result{SessionURL: session.URL, OrderID: existing.ID, Reused: true}, true, nil
	}

	if session.Status == stripeinternal.SessionOpen {
		// Never leave two payable sessions for one cart.
		if err := o.stripe.ExpireCheckoutSession(pctx, sessionID); err != nil {
			return Result{}, false, fmt.Errorf("checkout: expire stale session %s: %w", sessionID, err)
		}
	}

	if err := o.store.DiscardPendingOrder(ctx, existing.ID); err != nil && !errors.Is(err, store.ErrStatusConflict) {
		return Result{}, false, fmt.Errorf("checkout: discard stale order: %w", err)
	}
	log.Info("checkout: stale order discarded", "session_id", sessionID, "session_status", session.Status, "age", age)
	return Result{}, false, nil
}
