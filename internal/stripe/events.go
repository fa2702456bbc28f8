package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Event types the reconciler acts on.
const (
	EventCheckoutSessionCompleted      = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventChargeRefunded                = "charge.refunded"
	EventChargeDisputeCreated          = "charge.dispute.created"
	EventChargeDisputeClosed           = "charge.dispute.closed"
)

// MissingFieldError reports a required field absent from an event object.
type MissingFieldError struct {
	EventID string
	Field   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("stripe: event %s is missing %s", e.EventID, e.Field)
}

// expandableID decodes a Stripe reference that is either a bare id string or
// an expanded object carrying an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// ─── CHECKOUT SESSION ────────────────────────────────────────────────────────

// CompletedSession is the data.object of checkout.session.completed and
// checkout.session.async_payment_succeeded.
type CompletedSession struct {
	ID              string
	PaymentStatus   string
	PaymentIntentID string
	Email           string
	AmountTotal     int64
	Currency        string
	OrderID         uuid.UUID
	UserID          string
}

// ParseCompletedSession extracts the session fields and the order/user ids
// from its metadata. A missing or malformed order_id is a *MissingFieldError.
func ParseCompletedSession(event Event) (CompletedSession, error) {
	var obj struct {
		ID                string            `json:"id"`
		PaymentStatus     string            `json:"payment_status"`
		PaymentIntent     expandableID      `json:"payment_intent"`
		ClientReferenceID string            `json:"client_reference_id"`
		CustomerEmail     string            `json:"customer_email"`
		AmountTotal       int64             `json:"amount_total"`
		Currency          string            `json:"currency"`
		Metadata          map[string]string `json:"metadata"`
		CustomerDetails   *struct {
			Email string `json:"email"`
		} `json:"customer_details"`
	}
	if err := json.Unmarshal(event.DataRaw, &obj); err != nil {
		return CompletedSession{}, fmt.Errorf("stripe: unmarshal checkout session: %w", err)
	}
	if obj.ID == "" {
		return CompletedSession{}, &MissingFieldError{EventID: event.ID, Field: "id"}
	}

	rawOrderID := obj.Metadata[MetaOrderID]
	if rawOrderID == "" {
		rawOrderID = obj.ClientReferenceID
	}
	if rawOrderID == "" {
		return CompletedSession{}, &MissingFieldError{EventID: event.ID, Field: "metadata." + MetaOrderID}
	}
	orderID, err := uuid.Parse(rawOrderID)
	if err != nil {
		return CompletedSession{}, &MissingFieldError{EventID: event.ID, Field: "metadata." + MetaOrderID}
	}

	email := obj.CustomerEmail
	if email == "" && obj.CustomerDetails != nil {
		email = obj.CustomerDetails.Email
	}

	return CompletedSession{
		ID:              obj.ID,
		PaymentStatus:   obj.PaymentStatus,
		PaymentIntentID: string(obj.PaymentIntent),
		Email:           email,
		AmountTotal:     obj.AmountTotal,
		Currency:        obj.Currency,
		OrderID:         orderID,
		UserID:          obj.Metadata[MetaUserID],
	}, nil
}

// ─── CHARGE ──────────────────────────────────────────────────────────────────

// Charge is the data.object of charge.refunded.
type Charge struct {
	ID              string
	PaymentIntentID string
	Amount          int64
	AmountRefunded  int64
	// Refunded is true only when the charge is fully refunded.
	Refunded bool
}

func ParseCharge(event Event) (Charge, error) {
	var obj struct {
		ID             string       `json:"id"`
		PaymentIntent  expandableID `json:"payment_intent"`
		Amount         int64        `json:"amount"`
		AmountRefunded int64        `json:"amount_refunded"`
		Refunded       bool         `json:"refunded"`
	}
	if err := json.Unmarshal(event.DataRaw, &obj); err != nil {
		return Charge{}, fmt.Errorf("stripe: unmarshal charge: %w", err)
	}
	if obj.ID == "" {
		return Charge{}, &MissingFieldError{EventID: event.ID, Field: "id"}
	}
	return Charge{
		ID:              obj.ID,
		PaymentIntentID: string(obj.PaymentIntent),
		Amount:          obj.Amount,
		AmountRefunded:  obj.AmountRefunded,
		Refunded:        obj.Refunded,
	}, nil
}

// ─── DISPUTE ─────────────────────────────────────────────────────────────────

// Terminal dispute statuses.
const (
	DisputeWon           = "won"
	DisputeWarningClosed = "warning_closed"
	DisputeLost          = "lost"
)

// Dispute is the data.object of charge.dispute.*.
type Dispute struct {
	ID              string
	ChargeID        string
	PaymentIntentID string
	Reason          string
	Status          string
}

func ParseDispute(event Event) (Dispute, error) {
	var obj struct {
		ID            string       `json:"id"`
		Charge        expandableID `json:"charge"`
		PaymentIntent expandableID `json:"payment_intent"`
		Reason        string       `json:"reason"`
		Status        string       `json:"status"`
	}
	if err := json.Unmarshal(event.DataRaw, &obj); err != nil {
		return Dispute{}, fmt.Errorf("stripe: unmarshal dispute: %w", err)
	}
	if obj.ID == "" {
		return Dispute{}, &MissingFieldError{EventID: event.ID, Field: "id"}
	}
	if obj.Charge == "" && obj.PaymentIntent == "" {
		return Dispute{}, &MissingFieldError{EventID: event.ID, Field: "charge"}
	}
	return Dispute{
		ID:              obj.ID,
		ChargeID:        string(obj.Charge),
		PaymentIntentID: string(obj.PaymentIntent),
		Reason:          obj.Reason,
		Status:          obj.Status,
	}, nil
}
