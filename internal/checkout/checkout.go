// Package checkout turns a cart into a payable Stripe Checkout Session.
//
// The orchestrator owns pricing: line items sent to Stripe mirror the
// server-computed quote exactly. A user re-submitting the same cart while an
// earlier session is still payable gets that session back instead of a new
// order.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nyashahama/licensekeys-backend/internal/auth"
	"github.com/nyashahama/licensekeys-backend/internal/cart"
	"github.com/nyashahama/licensekeys-backend/internal/db"
	"github.com/nyashahama/licensekeys-backend/internal/pricing"
	"github.com/nyashahama/licensekeys-backend/internal/store"
	stripeinternal "github.com/nyashahama/licensekeys-backend/internal/stripe"
)

// ─── ERRORS ──────────────────────────────────────────────────────────────────

var (
	ErrUnauthorized = errors.New("checkout: unauthenticated")

	// ErrOrderInFlight means another order for the same cart is being created
	// or has been paid and is waiting for its webhook.
	ErrOrderInFlight = errors.New("checkout: an order for this cart is already in progress")
)

// RateLimitError is returned when the caller's IP or user bucket is empty.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("checkout: rate limited, retry after %s", e.RetryAfter)
}

// ─── DEPENDENCIES ────────────────────────────────────────────────────────────

// Store is the order persistence the orchestrator needs. *store.Store
// satisfies it.
type Store interface {
	pricing.Catalog
	LatestPendingOrder(ctx context.Context, userID, fingerprint string) (db.Order, error)
	CreateOrder(ctx context.Context, p store.NewOrder) (db.Order, error)
	InsertOrderItems(ctx context.Context, orderID uuid.UUID, items []store.NewOrderItem) error
	SetCheckoutSession(ctx context.Context, id uuid.UUID, sessionID string) error
	MarkOrderFailed(ctx context.Context, id uuid.UUID, reason string) error
	DiscardPendingOrder(ctx context.Context, id uuid.UUID) error
}

// Limiter is a keyed rate limiter; see ratelimit.Keyed.
type Limiter interface {
	Allow(key string) (bool, time.Duration)
}

type Config struct {
	Currency   string
	SuccessURL string
	CancelURL  string

	// ReuseWindow bounds how old a pending order may be and still have its
	// session handed back. SessionTTL is the absolute expiry given to new
	// Stripe sessions. The two are independent.
	ReuseWindow time.Duration
	SessionTTL  time.Duration

	// ProviderTimeout bounds each Stripe call. Defaults to 10s.
	ProviderTimeout time.Duration

	// InFlightGrace is how long a pending order without a session id is
	// assumed to belong to a concurrent request. Defaults to 30s.
	InFlightGrace time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// ─── REQUEST / RESULT ────────────────────────────────────────────────────────

type Shipping struct {
	Name    string          `json:"name"`
	Address json.RawMessage `json:"address"`
}

type Request struct {
	User     *auth.User // nil when the caller is not signed in
	ClientIP string
	Lines    []cart.Line
	Shipping *Shipping
}

type Result struct {
	SessionURL string
	OrderID    uuid.UUID
	Reused     bool
}

// ─── ORCHESTRATOR ────────────────────────────────────────────────────────────

type Orchestrator struct {
	store   Store
	pricing *pricing.Engine
	stripe  stripeinternal.Client
	ipLim   Limiter
	userLim Limiter
	cfg     Config
	log     *slog.Logger
}

func New(st Store, sc stripeinternal.Client, ipLim, userLim Limiter, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if cfg.InFlightGrace == 0 {
		cfg.InFlightGrace = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		store:   st,
		pricing: pricing.NewEngine(st),
		stripe:  sc,
		ipLim:   ipLim,
		userLim: userLim,
		cfg:     cfg,
		log:     logger,
	}
}

// CreateSession returns a payable session URL for the caller's cart.
//
// Errors the caller can act on are ErrUnauthorized, *RateLimitError,
// *cart.ValidationError, the pricing sentinels and ErrOrderInFlight.
// Anything else is an infrastructure failure; any order created along the
// way has been marked failed before it is returned.
func (o *Orchestrator) CreateSession(ctx context.Context, req Request) (Result, error) {
	if req.User == nil || req.User.ID == "" {
		return Result{}, ErrUnauthorized
	}
	user := *req.User

	if ok, wait := o.ipLim.Allow("ip:" + req.ClientIP); !ok {
		return Result{}, &RateLimitError{RetryAfter: wait}
	}
	if ok, wait := o.userLim.Allow("user:" + user.ID); !ok {
		return Result{}, &RateLimitError{RetryAfter: wait}
	}

	lines, err := cart.Normalize(req.Lines)
	if err != nil {
		return Result{}, err
	}
	fingerprint := cart.Fingerprint(lines)

	if res, ok, err := o.reuse(ctx, user.ID, fingerprint); err != nil || ok {
		return res, err
	}

	quote, err := o.pricing.Quote(ctx, lines)
	if err != nil {
		return Result{}, err
	}

	newOrder := store.NewOrder{
		UserID:          user.ID,
		Email:           user.Email,
		Currency:        o.cfg.Currency,
		TotalAmount:     quote.Total,
		CartFingerprint: fingerprint,
	}
	if req.Shipping != nil {
		newOrder.ShippingName = req.Shipping.Name
		newOrder.ShippingAddress = req.Shipping.Address
	}

	order, err := o.store.CreateOrder(ctx, newOrder)
	if errors.Is(err, store.ErrActiveOrderExists) {
		// A concurrent request with the same cart won the insert.
		res, ok, err := o.reuse(ctx, user.ID, fingerprint)
		if err != nil || ok {
			return res, err
		}
		return Result{}, ErrOrderInFlight
	}
	if err != nil {
		return Result{}, fmt.Errorf("checkout: create order: %w", err)
	}
	log := o.log.With("order_id", order.ID, "user_id", user.ID)

	items := make([]store.NewOrderItem, 0, len(quote.Lines))
	for _, l := range quote.Lines {
		items = append(items, store.NewOrderItem{
			ProductID:     l.ProductID,
			VariantID:     l.VariantID,
			ProductName:   l.ProductName,
			VariantName:   l.VariantName,
			LicenseBacked: l.LicenseBacked,
			Quantity:      int32(l.Quantity),
			UnitPrice:     l.UnitPrice,
		})
	}
	if err := o.store.InsertOrderItems(ctx, order.ID, items); err != nil {
		o.compensate(ctx, log, order.ID, "item_insert_failed")
		return Result{}, fmt.Errorf("checkout: insert order items: %w", err)
	}

	session, err := o.createProviderSession(ctx, order, user, quote)
	if err != nil {
		o.compensate(ctx, log, order.ID, "session_create_failed")
		return Result{}, err
	}

	// The webhook finds the order through session metadata, so a lost
	// session id only costs the reuse fast path.
	if err := o.store.SetCheckoutSession(ctx, order.ID, session.ID); err != nil {
		log.Warn("checkout: persist session id", "session_id", session.ID, "error", err)
	}

	log.Info("checkout: session created",
		"session_id", session.ID,
		"total", quote.Total,
		"currency", o.cfg.Currency,
		"lines", len(quote.Lines),
	)
	return Result{SessionURL: session.URL, OrderID: order.ID}, nil
}

func (o *Orchestrator) createProviderSession(ctx context.Context, order db.Order, user auth.User, quote pricing.Quote) (stripeinternal.CheckoutSession, error) {
	lineItems := make([]stripeinternal.LineItem, 0, len(quote.Lines))
	for _, l := range quote.Lines {
		name := l.ProductName
		if l.VariantName != "" {
			name += " (" + l.VariantName + ")"
		}
		lineItems = append(lineItems, stripeinternal.LineItem{
			Name:       name,
			UnitAmount: l.UnitPrice,
			Quantity:   int64(l.Quantity),
		})
	}

	pctx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
	defer cancel()

	session, err := o.stripe.CreateCheckoutSession(pctx, stripeinternal.CreateCheckoutSessionParams{
		OrderID:        order.ID.String(),
		UserID:         user.ID,
		Email:          user.Email,
		Currency:       o.cfg.Currency,
		SuccessURL:     o.cfg.SuccessURL,
		CancelURL:      o.cfg.CancelURL,
		LineItems:      lineItems,
		ExpiresAt:      o.cfg.Now().Add(o.cfg.SessionTTL),
		IdempotencyKey: "checkout-session:" + order.ID.String(),
	})
	if err != nil {
		return stripeinternal.CheckoutSession{}, fmt.Errorf("checkout: create stripe session: %w", err)
	}
	return session, nil
}

// compensate marks a half-created order failed. It runs even if the request
// context is already canceled.
func (o *Orchestrator) compensate(ctx context.Context, log *slog.Logger, orderID uuid.UUID, reason string) {
	if err := o.store.MarkOrderFailed(context.WithoutCancel(ctx), orderID, reason); err != nil {
		log.Error("checkout: compensation failed", "reason", reason, "error", err)
		return
	}
	log.Warn("checkout: order compensated", "reason", reason)
}
