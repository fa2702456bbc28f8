package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// stripeClient is the concrete implementation of Client backed by the
// official stripe-go SDK. Construct it with NewClient.
//
// The secret key lives on the SDK client instance, never on the package-level
// stripe.Key, so concurrent requests share no mutable state.
type stripeClient struct {
	sc *stripe.Client
}

// NewClient returns a Client backed by the Stripe SDK.
// secretKey is your STRIPE_SECRET_KEY env var.
func NewClient(secretKey string, opts ...stripe.ClientOption) Client {
	return &stripeClient{sc: stripe.NewClient(secretKey, opts...)}
}

func (c *stripeClient) CreateCheckoutSession(ctx context.Context, p CreateCheckoutSessionParams) (CheckoutSession, error) {
	meta := map[string]string{MetaOrderID: p.OrderID}
	if p.UserID != "" {
		meta[MetaUserID] = p.UserID
	}

	items := make([]*stripe.CheckoutSessionCreateLineItemParams, 0, len(p.LineItems))
	for _, li := range p.LineItems {
		items = append(items, &stripe.CheckoutSessionCreateLineItemParams{
			PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
				Currency:   stripe.String(p.Currency),
				UnitAmount: stripe.Int64(li.UnitAmount),
				ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
					Name: stripe.String(li.Name),
				},
			},
			Quantity: stripe.Int64(li.Quantity),
		})
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.OrderID),
		LineItems:         items,
		ExpiresAt:         stripe.Int64(p.ExpiresAt.Unix()),
		Metadata:          meta,
		// Copy the ids onto the PaymentIntent so charge and dispute events,
		// which only carry the PI, can be traced back to the order.
		PaymentIntentData: &stripe.CheckoutSessionCreatePaymentIntentDataParams{
			Metadata: meta,
		},
	}
	if p.Email != "" {
		params.CustomerEmail = stripe.String(p.Email)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	s, err := c.sc.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return toCheckoutSession(s), nil
}

func (c *stripeClient) GetCheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error) {
	s, err := c.sc.V1CheckoutSessions.Retrieve(ctx, sessionID, &stripe.CheckoutSessionRetrieveParams{})
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: get checkout session %s: %w", sessionID, err)
	}
	return toCheckoutSession(s), nil
}

func (c *stripeClient) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	if _, err := c.sc.V1CheckoutSessions.Expire(ctx, sessionID, &stripe.CheckoutSessionExpireParams{}); err != nil {
		// Stripe rejects expiring a session that is no longer open; the
		// caller only cares that it cannot be paid.
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == 400 {
			current, getErr := c.GetCheckoutSession(ctx, sessionID)
			if getErr == nil && current.Status != SessionOpen {
				return nil
			}
		}
		return fmt.Errorf("stripe: expire checkout session %s: %w", sessionID, err)
	}
	return nil
}

// VerifyWebhook validates the Stripe-Signature header and returns the parsed
// event. Returns an error if the signature is invalid or the tolerance window
// (300 seconds by default in the Stripe SDK) has expired.
func (c *stripeClient) VerifyWebhook(payload []byte, sigHeader string, secret string) (Event, error) {
	stripeEvent, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("stripe: webhook verification failed: %w", err)
	}

	var raw []byte
	if stripeEvent.Data != nil {
		raw = stripeEvent.Data.Raw
	}
	return Event{
		ID:      stripeEvent.ID,
		Type:    string(stripeEvent.Type),
		Created: time.Unix(stripeEvent.Created, 0).UTC(),
		DataRaw: raw,
	}, nil
}

func toCheckoutSession(s *stripe.CheckoutSession) CheckoutSession {
	return CheckoutSession{
		ID:            s.ID,
		URL:           s.URL,
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
		ExpiresAt:     time.Unix(s.ExpiresAt, 0).UTC(),
	}
}
