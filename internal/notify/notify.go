// Package notify sends transactional emails at most once per dedupe key.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nyashahama/licensekeys-backend/internal/email"
	"github.com/nyashahama/licensekeys-backend/internal/store"
)

// Message kinds. The kind is the last segment of every dedupe key.
const (
	KindPaymentConfirmation = "payment_confirmation"
	KindLicenseDelivery     = "license_delivery"
	KindSaleNotification    = "sale_notification"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 8 * time.Second

var ErrNoRecipient = errors.New("notify: message has no recipient")

// EventKey scopes a dedupe key to a provider event, e.g.
// "stripe:evt_123:license_delivery".
func EventKey(eventID, kind string) string {
	return "stripe:" + eventID + ":" + kind
}

// OrderKey scopes a dedupe key to an order, for sends that are not driven by
// a single event (fulfillment retries).
func OrderKey(orderID uuid.UUID, kind string) string {
	return "order:" + orderID.String() + ":" + kind
}

// Store is the email log the dispatcher claims keys in.
type Store interface {
	ClaimEmail(ctx context.Context, dedupeKey, kind, recipient, subject string) error
	MarkEmailSent(ctx context.Context, dedupeKey, providerMessageID string) error
	MarkEmailFailed(ctx context.Context, dedupeKey, detail string) error
}

type Message struct {
	DedupeKey   string
	Kind        string
	To          string
	Subject     string
	HTML        string
	Attachments []email.Attachment
}

// Result reports what Send did. Skipped means the dedupe key was already
// used and the provider was not contacted.
type Result struct {
	Skipped   bool
	MessageID string
}

type Dispatcher struct {
	store   Store
	sender  email.Sender
	timeout time.Duration
	log     *slog.Logger
}

func NewDispatcher(st Store, sender email.Sender, log *slog.Logger) *Dispatcher {
	return &Dispatcher{store: st, sender: sender, timeout: DefaultTimeout, log: log}
}

// Send claims m.DedupeKey and, if the claim is new, delivers the message.
//
// The claim is never released: a key whose send failed stays failed and a
// later Send with the same key is skipped. Remediation is manual.
func (d *Dispatcher) Send(ctx context.Context, m Message) (Result, error) {
	if m.To == "" {
		return Result{}, ErrNoRecipient
	}

	err := d.store.ClaimEmail(ctx, m.DedupeKey, m.Kind, m.To, m.Subject)
	if errors.Is(err, store.ErrDuplicateEmail) {
		d.log.Debug("notify: duplicate send skipped", "dedupe_key", m.DedupeKey)
		return Result{Skipped: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("notify: claim %s: %w", m.DedupeKey, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	id, sendErr := d.sender.Send(sendCtx, email.Message{
		To:             m.To,
		Subject:        m.Subject,
		HTML:           m.HTML,
		Attachments:    m.Attachments,
		IdempotencyKey: m.DedupeKey,
	})
	// The outcome is recorded even when the caller's context ran out.
	logCtx := context.WithoutCancel(ctx)
	if sendErr != nil {
		if err := d.store.MarkEmailFailed(logCtx, m.DedupeKey, sendErr.Error()); err != nil {
			d.log.Error("notify: mark email failed", "dedupe_key", m.DedupeKey, "error", err)
		}
		return Result{}, fmt.Errorf("notify: send %s: %w", m.DedupeKey, sendErr)
	}

	if err := d.store.MarkEmailSent(logCtx, m.DedupeKey, id); err != nil {
		// The mail went out; only the log row is stale.
		d.log.Warn("notify: mark email sent", "dedupe_key", m.DedupeKey, "error", err)
	}
	d.log.Info("notify: email sent", "dedupe_key", m.DedupeKey, "kind", m.Kind, "message_id", id)
	return Result{MessageID: id}, nil
}
