// Package stripe defines the interface for Stripe API calls and webhook
// verification, and parses the event payloads the reconciler consumes.
package stripe

import (
	"context"
	"encoding/json"
	"time"
)

// ─── TYPES ────────────────────────────────────────────────────────────────────

// Checkout Session status values as reported by Stripe.
const (
	SessionOpen     = "open"
	SessionComplete = "complete"
	SessionExpired  = "expired"

	PaymentPaid              = "paid"
	PaymentUnpaid            = "unpaid"
	PaymentNoPaymentRequired = "no_payment_required"
)

// Metadata keys written on every Checkout Session and its PaymentIntent.
const (
	MetaOrderID = "order_id"
	MetaUserID  = "user_id"
)

// LineItem is one priced line shown on the hosted payment page.
type LineItem struct {
	Name       string
	UnitAmount int64 // minor units
	Quantity   int64
}

// CreateCheckoutSessionParams holds the inputs for a hosted Checkout Session.
type CreateCheckoutSessionParams struct {
	OrderID    string
	UserID     string
	Email      string
	Currency   string
	SuccessURL string
	CancelURL  string
	LineItems  []LineItem
	ExpiresAt  time.Time
	// IdempotencyKey makes a retried create return the same session.
	IdempotencyKey string
}

// CheckoutSession is the subset of a Stripe Checkout Session callers need.
type CheckoutSession struct {
	ID            string
	URL           string
	Status        string
	PaymentStatus string
	ExpiresAt     time.Time
}

// Payable reports whether a buyer can still complete payment on the session.
func (s CheckoutSession) Payable(now time.Time) bool {
	return s.Status == SessionOpen && s.PaymentStatus == PaymentUnpaid && now.Before(s.ExpiresAt)
}

// Event is a verified Stripe webhook event. DataRaw contains the raw JSON of
// the event's data.object so handlers can unmarshal only what they need.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	DataRaw json.RawMessage
}

// ─── CLIENT INTERFACE ─────────────────────────────────────────────────────────

// Client is the interface the checkout and reconcile packages use for all
// Stripe calls. The concrete implementation wraps the official stripe-go SDK.
// Tests inject a stub.
type Client interface {
	CreateCheckoutSession(ctx context.Context, p CreateCheckoutSessionParams) (CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error)

	// ExpireCheckoutSession closes an open session so it can no longer be
	// paid. Expiring a session that is already expired is not an error.
	ExpireCheckoutSession(ctx context.Context, sessionID string) error

	// VerifyWebhook validates the Stripe-Signature header and returns the
	// parsed event. Returns an error if the signature is invalid or expired.
	VerifyWebhook(payload []byte, sigHeader string, secret string) (Event, error)
}
