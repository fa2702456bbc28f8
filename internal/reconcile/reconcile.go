// Package reconcile turns verified Stripe webhook events into order state.
//
// Every event is recorded in webhook_events before it is acted on, and the
// record carries the terminal status. Handlers never return errors to the
// HTTP layer: once the signature checks out the event is acknowledged, and
// anything that went wrong lives in the event record for an operator.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nyashahama/licensekeys-backend/internal/db"
	"github.com/nyashahama/licensekeys-backend/internal/fulfillment"
	"github.com/nyashahama/licensekeys-backend/internal/notify"
	"github.com/nyashahama/licensekeys-backend/internal/store"
	"github.com/nyashahama/licensekeys-backend/internal/stripe"
	"github.com/nyashahama/licensekeys-backend/internal/worker"
)

var ErrInvalidSignature = errors.New("reconcile: invalid webhook signature")

// maxDetail caps the error text stored on an event record.
const maxDetail = 1000

// Store is everything the reconciler reads or writes.
type Store interface {
	fulfillment.Store
	notify.Store

	BeginEvent(ctx context.Context, eventID, eventType string, payload []byte) error
	ReclaimStaleEvent(ctx context.Context, eventID string, staleBefore time.Time) (bool, error)
	FinishEvent(ctx context.Context, eventID string, out store.EventOutcome) error

	FindOrderByPayment(ctx context.Context, paymentIntentID, chargeID string) (db.Order, error)
	BindOrderUser(ctx context.Context, id uuid.UUID, userID string) (db.Order, error)
	MarkOrderPaid(ctx context.Context, id uuid.UUID, sessionID, paymentIntentID string) (db.Order, error)
	MarkOrderRefunded(ctx context.Context, id uuid.UUID, reason, chargeID string) (db.Order, error)
	MarkOrderDisputed(ctx context.Context, id uuid.UUID, reason, disputeStatus, chargeID string) (db.Order, error)
	ResolveDispute(ctx context.Context, id uuid.UUID, status db.OrderStatus, disputeStatus string) (db.Order, error)
	SetLicensesRevoked(ctx context.Context, orderID uuid.UUID, revoked bool) (int64, error)
}

// Limiter throttles event processing; see ratelimit.Keyed.
type Limiter interface {
	Allow(key string) (bool, time.Duration)
}

type Config struct {
	WebhookSecret string
	StoreName     string
	// AdminEmail receives the sale notification. Empty disables it.
	AdminEmail string
	// StaleAfter is how long an event may sit in "processing" before a
	// redelivery is allowed to take it over.
	StaleAfter time.Duration
	Now        func() time.Time
}

func DefaultConfig() Config {
	return Config{
		StoreName:  "License Store",
		StaleAfter: 5 * time.Minute,
		Now:        time.Now,
	}
}

// Result describes how an event was handled. Status is empty when the event
// was acknowledged without being recorded (duplicate or degraded store).
type Result struct {
	EventID   string
	Type      string
	Status    db.WebhookEventStatus
	OrderID   uuid.UUID
	Detail    string
	Duplicate bool
	Degraded  bool
}

type Reconciler struct {
	store    Store
	stripe   stripe.Client
	fulfill  *fulfillment.Service
	notifier *notify.Dispatcher
	retries  worker.Enqueuer
	limiter  Limiter
	cfg      Config
	log      *slog.Logger
}

// New wires a Reconciler. retries and limiter may be nil.
func New(
	st Store,
	sc stripe.Client,
	fulfill *fulfillment.Service,
	notifier *notify.Dispatcher,
	retries worker.Enqueuer,
	limiter Limiter,
	cfg Config,
	logger *slog.Logger,
) *Reconciler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Reconciler{
		store:    st,
		stripe:   sc,
		fulfill:  fulfill,
		notifier: notifier,
		retries:  retries,
		limiter:  limiter,
		cfg:      cfg,
		log:      logger,
	}
}

// Process verifies and handles one webhook delivery. The only error it
// returns is ErrInvalidSignature; every other outcome is acknowledged.
func (r *Reconciler) Process(ctx context.Context, payload []byte, sigHeader string) (Result, error) {
	if sigHeader == "" {
		return Result{}, fmt.Errorf("%w: missing Stripe-Signature header", ErrInvalidSignature)
	}
	event, err := r.stripe.VerifyWebhook(payload, sigHeader, r.cfg.WebhookSecret)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	res := Result{EventID: event.ID, Type: event.Type}
	log := r.log.With("event_id", event.ID, "event_type", event.Type)

	// ── 1. Claim the event ────────────────────────────────────────────────────
	resumed := false
	err = r.store.BeginEvent(ctx, event.ID, event.Type, payload)
	switch {
	case errors.Is(err, store.ErrDuplicateEvent):
		reclaimed, rerr := r.store.ReclaimStaleEvent(ctx, event.ID, r.cfg.Now().Add(-r.cfg.StaleAfter))
		if rerr != nil {
			log.Error("reconcile: reclaim stale event", "error", rerr)
		}
		if !reclaimed {
			log.Info("reconcile: duplicate event acknowledged")
			res.Duplicate = true
			return res, nil
		}
		log.Warn("reconcile: reclaimed stale event")
		resumed = true
	case err != nil:
		// Without the event record there is no idempotence guarantee, so
		// nothing is applied. Stripe will not redeliver an acked event.
		log.Error("reconcile: event store unavailable, acknowledging without processing", "error", err)
		res.Degraded = true
		return res, nil
	}

	// ── 2. Throttle ───────────────────────────────────────────────────────────
	if r.limiter != nil {
		if ok, _ := r.limiter.Allow("stripe"); !ok {
			log.Warn("reconcile: event dropped by rate limit")
			return r.finish(ctx, res, store.EventOutcome{
				Status: db.WebhookEventStatusDropped,
				Detail: "rate_limited",
			}), nil
		}
	}

	// ── 3. Dispatch ───────────────────────────────────────────────────────────
	out := r.dispatch(ctx, event, resumed)
	if out.Status == db.WebhookEventStatusFailed {
		log.Error("reconcile: event failed", "order_id", out.OrderID, "detail", out.Detail)
	} else {
		log.Info("reconcile: event processed", "order_id", out.OrderID, "detail", out.Detail)
	}
	return r.finish(ctx, res, out), nil
}

func (r *Reconciler) finish(ctx context.Context, res Result, out store.EventOutcome) Result {
	out.Detail = truncate(out.Detail, maxDetail)
	if err := r.store.FinishEvent(context.WithoutCancel(ctx), res.EventID, out); err != nil {
		r.log.Error("reconcile: record event outcome", "event_id", res.EventID, "status", out.Status, "error", err)
	}
	res.Status = out.Status
	res.OrderID = out.OrderID
	res.Detail = out.Detail
	return res
}

func (r *Reconciler) dispatch(ctx context.Context, event stripe.Event, resumed bool) (out store.EventOutcome) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("reconcile: handler panic", "event_id", event.ID, "panic", p)
			out = failed(out.OrderID, fmt.Sprintf("panic: %v", p))
		}
	}()

	switch event.Type {
	case stripe.EventCheckoutSessionCompleted, stripe.EventCheckoutAsyncPaymentSucceeded:
		return r.handleSessionCompleted(ctx, event, resumed)
	case stripe.EventChargeRefunded:
		return r.handleChargeRefunded(ctx, event)
	case stripe.EventChargeDisputeCreated:
		return r.handleDisputeCreated(ctx, event)
	case stripe.EventChargeDisputeClosed:
		return r.handleDisputeClosed(ctx, event)
	default:
		return processed(uuid.Nil, "ignored event type")
	}
}

// ─── HELPERS ─────────────────────────────────────────────────────────────────

func processed(orderID uuid.UUID, detail string) store.EventOutcome {
	return store.EventOutcome{Status: db.WebhookEventStatusProcessed, OrderID: orderID, Detail: detail}
}

func failed(orderID uuid.UUID, detail string) store.EventOutcome {
	return store.EventOutcome{Status: db.WebhookEventStatusFailed, OrderID: orderID, Detail: detail}
}

// notes collects non-fatal problems into the event detail.
type notes []string

func (n *notes) add(format string, args ...any) {
	*n = append(*n, fmt.Sprintf(format, args...))
}

func (n notes) String() string { return strings.Join(n, "; ") }

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
