package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nyashahama/licensekeys-backend/internal/email"
	"github.com/nyashahama/licensekeys-backend/internal/stripe"
)

// ValidSignature is the only Stripe-Signature header FakeStripe accepts.
const ValidSignature = "t=1,v1=valid"

// FakeStripe is an in-memory stripe.Client. Sessions live in a map and can be
// moved between states with Complete and Expire.
type FakeStripe struct {
	mu sync.Mutex

	Now func() time.Time

	FailCreate error
	FailGet    error
	FailExpire error

	sessions map[string]*stripe.CheckoutSession
	created  []stripe.CreateCheckoutSessionParams
	expired  []string
	seq      int
}

func NewFakeStripe() *FakeStripe {
	return &FakeStripe{Now: time.Now, sessions: make(map[string]*stripe.CheckoutSession)}
}

func (f *FakeStripe) CreateCheckoutSession(_ context.Context, p stripe.CreateCheckoutSessionParams) (stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate != nil {
		return stripe.CheckoutSession{}, f.FailCreate
	}
	f.seq++
	id := fmt.Sprintf("cs_test_%d", f.seq)
	s := &stripe.CheckoutSession{
		ID:            id,
		URL:           "https://checkout.stripe.test/c/pay/" + id,
		Status:        stripe.SessionOpen,
		PaymentStatus: stripe.PaymentUnpaid,
		ExpiresAt:     p.ExpiresAt,
	}
	f.sessions[id] = s
	f.created = append(f.created, p)
	return *s, nil
}

func (f *FakeStripe) GetCheckoutSession(_ context.Context, sessionID string) (stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailGet != nil {
		return stripe.CheckoutSession{}, f.FailGet
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return stripe.CheckoutSession{}, fmt.Errorf("stripe: get checkout session %s: no such session", sessionID)
	}
	return *s, nil
}

func (f *FakeStripe) ExpireCheckoutSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailExpire != nil {
		return f.FailExpire
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return fmt.Errorf("stripe: expire checkout session %s: no such session", sessionID)
	}
	if s.Status == stripe.SessionOpen {
		s.Status = stripe.SessionExpired
		f.expired = append(f.expired, sessionID)
	}
	return nil
}

// VerifyWebhook accepts ValidSignature and parses payload as a Stripe event
// envelope.
func (f *FakeStripe) VerifyWebhook(payload []byte, sigHeader string, _ string) (stripe.Event, error) {
	if sigHeader != ValidSignature {
		return stripe.Event{}, errors.New("stripe: webhook verification failed: bad signature")
	}
	var env struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return stripe.Event{}, fmt.Errorf("stripe: webhook verification failed: %w", err)
	}
	return stripe.Event{
		ID:      env.ID,
		Type:    env.Type,
		Created: time.Unix(env.Created, 0).UTC(),
		DataRaw: env.Data.Object,
	}, nil
}

// Complete marks a session as paid, as Stripe does when the buyer pays.
func (f *FakeStripe) Complete(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.Status = stripe.SessionComplete
		s.PaymentStatus = stripe.PaymentPaid
	}
}

// Expire lets a session lapse without going through ExpireCheckoutSession.
func (f *FakeStripe) Expire(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.Status = stripe.SessionExpired
	}
}

// Created returns the params of every session created so far.
func (f *FakeStripe) Created() []stripe.CreateCheckoutSessionParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stripe.CreateCheckoutSessionParams(nil), f.created...)
}

// ExpiredByCall returns the ids expired through ExpireCheckoutSession.
func (f *FakeStripe) ExpiredByCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.expired...)
}

// EventPayload builds a Stripe event envelope around obj.
func EventPayload(id, eventType string, obj any) []byte {
	b, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": obj},
	})
	if err != nil {
		panic(err)
	}
	return b
}

// ─── EMAIL ───────────────────────────────────────────────────────────────────

// RecordingSender is an email.Sender that keeps every message.
type RecordingSender struct {
	mu   sync.Mutex
	Err  error
	sent []email.Message
}

func (r *RecordingSender) Send(ctx context.Context, msg email.Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.Err != nil {
		return "", r.Err
	}
	r.sent = append(r.sent, msg)
	return fmt.Sprintf("msg_%d", len(r.sent)), nil
}

func (r *RecordingSender) Sent() []email.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]email.Message(nil), r.sent...)
}
