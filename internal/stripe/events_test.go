package stripe_test

import (
	"encoding/json"
	"errors"
	"testing"

	stripeinternal "github.com/nyashahama/licensekeys-backend/internal/stripe"
)

func event(t *testing.T, typ string, obj map[string]any) stripeinternal.Event {
	t.Helper()
	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatal(err)
	}
	return stripeinternal.Event{ID: "evt_test", Type: typ, DataRaw: raw}
}

// ─── ParseCompletedSession ───────────────────────────────────────────────────

func TestParseCompletedSession_Success(t *testing.T) {
	ev := event(t, stripeinternal.EventCheckoutSessionCompleted, map[string]any{
		"id":             "cs_test_1",
		"object":         "checkout.session",
		"payment_status": "paid",
		"payment_intent": "pi_123",
		"amount_total":   37980,
		"currency":       "eur",
		"customer_details": map[string]any{
			"email": "buyer@example.com",
		},
		"metadata": map[string]any{
			"order_id": "6f1c1c62-4ad1-4c71-9d4a-0d3a3f0c9d11",
			"user_id":  "user_42",
		},
	})

	s, err := stripeinternal.ParseCompletedSession(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ID != "cs_test_1" || s.PaymentIntentID != "pi_123" {
		t.Errorf("unexpected ids: %+v", s)
	}
	if s.OrderID.String() != "6f1c1c62-4ad1-4c71-9d4a-0d3a3f0c9d11" {
		t.Errorf("order id = %s", s.OrderID)
	}
	if s.UserID != "user_42" {
		t.Errorf("user id = %q", s.UserID)
	}
	if s.Email != "buyer@example.com" {
		t.Errorf("expected email from customer_details, got %q", s.Email)
	}
}

func TestParseCompletedSession_ExpandedPaymentIntent(t *testing.T) {
	ev := event(t, stripeinternal.EventCheckoutSessionCompleted, map[string]any{
		"id":             "cs_test_1",
		"payment_intent": map[string]any{"id": "pi_expanded", "object": "payment_intent"},
		"metadata":       map[string]any{"order_id": "6f1c1c62-4ad1-4c71-9d4a-0d3a3f0c9d11"},
	})

	s, err := stripeinternal.ParseCompletedSession(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.PaymentIntentID != "pi_expanded" {
		t.Errorf("expected pi_expanded, got %q", s.PaymentIntentID)
	}
}

func TestParseCompletedSession_MissingOrderID(t *testing.T) {
	for name, meta := range map[string]map[string]any{
		"absent":    {},
		"malformed": {"order_id": "not-a-uuid"},
	} {
		t.Run(name, func(t *testing.T) {
			ev := event(t, stripeinternal.EventCheckoutSessionCompleted, map[string]any{
				"id":       "cs_test_1",
				"metadata": meta,
			})
			_, err := stripeinternal.ParseCompletedSession(ev)
			var mf *stripeinternal.MissingFieldError
			if !errors.As(err, &mf) {
				t.Fatalf("expected MissingFieldError, got %v", err)
			}
			if mf.Field != "metadata.order_id" {
				t.Errorf("field = %q", mf.Field)
			}
		})
	}
}

func TestParseCompletedSession_MalformedJSONReturnsError(t *testing.T) {
	ev := stripeinternal.Event{DataRaw: json.RawMessage(`{bad json`)}
	if _, err := stripeinternal.ParseCompletedSession(ev); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

// ─── ParseCharge ─────────────────────────────────────────────────────────────

func TestParseCharge_PartialRefund(t *testing.T) {
	ev := event(t, stripeinternal.EventChargeRefunded, map[string]any{
		"id":              "ch_1",
		"payment_intent":  "pi_1",
		"amount":          37980,
		"amount_refunded": 18990,
		"refunded":        false,
	})

	c, err := stripeinternal.ParseCharge(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Refunded {
		t.Error("partial refund reported as full")
	}
	if c.AmountRefunded != 18990 || c.PaymentIntentID != "pi_1" {
		t.Errorf("unexpected charge: %+v", c)
	}
}

func TestParseCharge_MissingIDReturnsError(t *testing.T) {
	ev := event(t, stripeinternal.EventChargeRefunded, map[string]any{"payment_intent": "pi_1"})
	if _, err := stripeinternal.ParseCharge(ev); err == nil {
		t.Error("expected error when id is missing")
	}
}

// ─── ParseDispute ────────────────────────────────────────────────────────────

func TestParseDispute_Success(t *testing.T) {
	ev := event(t, stripeinternal.EventChargeDisputeClosed, map[string]any{
		"id":     "dp_1",
		"charge": map[string]any{"id": "ch_1"},
		"reason": "fraudulent",
		"status": "lost",
	})

	d, err := stripeinternal.ParseDispute(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ChargeID != "ch_1" || d.Status != stripeinternal.DisputeLost || d.Reason != "fraudulent" {
		t.Errorf("unexpected dispute: %+v", d)
	}
}

func TestParseDispute_NoChargeReturnsError(t *testing.T) {
	ev := event(t, stripeinternal.EventChargeDisputeCreated, map[string]any{"id": "dp_1"})
	_, err := stripeinternal.ParseDispute(ev)
	var mf *stripeinternal.MissingFieldError
	if !errors.As(err, &mf) {
		t.Fatalf("expected MissingFieldError, got %v", err)
	}
}
