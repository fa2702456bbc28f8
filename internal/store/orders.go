package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/nyashahama/licensekeys-backend/internal/db"
)

// ─── INPUT TYPES ─────────────────────────────────────────────────────────────

// NewOrder is everything the checkout orchestrator knows when it creates a
// pending order.
type NewOrder struct {
	UserID          string
	Email           string
	Currency        string
	TotalAmount     int64
	CartFingerprint string
	ShippingName    string
	ShippingAddress json.RawMessage // nil when the cart ships nothing
}

// NewOrderItem is one priced line snapshotted onto the order.
type NewOrderItem struct {
	ProductID     string
	VariantID     string
	ProductName   string
	VariantName   string
	LicenseBacked bool
	Quantity      int32
	UnitPrice     int64
}

// ─── REFERENCE ───────────────────────────────────────────────────────────────

const referenceAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewReference returns a human-readable order reference such as
// MS-20261019-7K2QXM.
func NewReference(now time.Time) (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("store: generate reference: %w", err)
	}
	suffix := make([]byte, len(b))
	for i, v := range b {
		suffix[i] = referenceAlphabet[int(v)%len(referenceAlphabet)]
	}
	return "MS-" + now.UTC().Format("20060102") + "-" + string(suffix), nil
}

// ─── ORDERS ──────────────────────────────────────────────────────────────────

const referenceAttempts = 3

// CreateOrder inserts a pending order. ErrActiveOrderExists means another
// pending order already holds the same user and cart fingerprint.
func (s *Store) CreateOrder(ctx context.Context, p NewOrder) (db.Order, error) {
	params := db.CreateOrderParams{
		UserID:          nullString(p.UserID),
		Email:           p.Email,
		Currency:        p.Currency,
		TotalAmount:     p.TotalAmount,
		CartFingerprint: p.CartFingerprint,
		ShippingName:    nullString(p.ShippingName),
	}
	if len(p.ShippingAddress) > 0 {
		params.ShippingAddress = pqtype.NullRawMessage{RawMessage: p.ShippingAddress, Valid: true}
	}

	for attempt := 1; ; attempt++ {
		ref, err := NewReference(time.Now())
		if err != nil {
			return db.Order{}, err
		}
		params.Reference = ref

		order, err := s.q.CreateOrder(ctx, params)
		switch {
		case err == nil:
			return order, nil
		case errors.Is(err, sql.ErrNoRows):
			return db.Order{}, ErrActiveOrderExists
		case isReferenceCollision(err) && attempt < referenceAttempts:
			continue
		default:
			return db.Order{}, fmt.Errorf("CreateOrder: %w", err)
		}
	}
}

func isReferenceCollision(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "orders_reference_key"
}

// InsertOrderItems writes all items for an order in one transaction: either
// every line is stored or none is.
func (s *Store) InsertOrderItems(ctx context.Context, orderID uuid.UUID, items []NewOrderItem) error {
	return s.withTx(ctx, func(ctx context.Context, q db.Querier) error {
		for _, it := range items {
			if _, err := q.CreateOrderItem(ctx, db.CreateOrderItemParams{
				OrderID:       orderID,
				ProductID:     it.ProductID,
				VariantID:     it.VariantID,
				ProductName:   it.ProductName,
				VariantName:   it.VariantName,
				LicenseBacked: it.LicenseBacked,
				Quantity:      it.Quantity,
				UnitPrice:     it.UnitPrice,
			}); err != nil {
				return fmt.Errorf("InsertOrderItems: %s/%s: %w", it.ProductID, it.VariantID, err)
			}
		}
		return nil
	})
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (db.Order, error) {
	order, err := s.q.GetOrderByID(ctx, id)
	if err != nil {
		return db.Order{}, notFound(err)
	}
	return order, nil
}

func (s *Store) ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]db.OrderItem, error) {
	return s.q.ListOrderItems(ctx, orderID)
}

// LatestPendingOrder returns the newest pending order for the user and cart.
func (s *Store) LatestPendingOrder(ctx context.Context, userID, fingerprint string) (db.Order, error) {
	order, err := s.q.GetLatestPendingOrder(ctx, db.GetLatestPendingOrderParams{
		UserID:          userID,
		CartFingerprint: fingerprint,
	})
	if err != nil {
		return db.Order{}, notFound(err)
	}
	return order, nil
}

// FindOrderByPayment looks an order up by payment intent first, then by
// charge id. Either argument may be empty.
func (s *Store) FindOrderByPayment(ctx context.Context, paymentIntentID, chargeID string) (db.Order, error) {
	if paymentIntentID != "" {
		order, err := s.q.GetOrderByPaymentIntent(ctx, paymentIntentID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return db.Order{}, fmt.Errorf("FindOrderByPayment: by payment intent: %w", err)
		}
	}
	if chargeID != "" {
		order, err := s.q.GetOrderByCharge(ctx, chargeID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return db.Order{}, fmt.Errorf("FindOrderByPayment: by charge: %w", err)
		}
	}
	return db.Order{}, ErrNotFound
}

func (s *Store) SetCheckoutSession(ctx context.Context, id uuid.UUID, sessionID string) error {
	if _, err := s.q.SetOrderCheckoutSession(ctx, db.SetOrderCheckoutSessionParams{
		ID:              id,
		StripeSessionID: sessionID,
	}); err != nil {
		return fmt.Errorf("SetCheckoutSession: %w", notFound(err))
	}
	return nil
}

// MarkOrderFailed moves a pending order to failed. An order that already left
// pending is reported as ErrStatusConflict.
func (s *Store) MarkOrderFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.q.MarkOrderFailed(ctx, db.MarkOrderFailedParams{ID: id, FailureReason: reason})
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStatusConflict
	}
	if err != nil {
		return fmt.Errorf("MarkOrderFailed: %w", err)
	}
	return nil
}

// DiscardPendingOrder deletes a stale pending order and its items. Orders
// that have already left pending are kept and ErrStatusConflict is returned.
func (s *Store) DiscardPendingOrder(ctx context.Context, id uuid.UUID) error {
	return s.withTx(ctx, func(ctx context.Context, q db.Querier) error {
		if _, err := q.DeleteOrderItems(ctx, id); err != nil {
			return fmt.Errorf("DiscardPendingOrder: delete items: %w", err)
		}
		n, err := q.DeletePendingOrder(ctx, id)
		if err != nil {
			return fmt.Errorf("DiscardPendingOrder: delete order: %w", err)
		}
		if n == 0 {
			// Rolls back the item delete as well.
			return ErrStatusConflict
		}
		return nil
	})
}

// BindOrderUser records the owning user on an order that has none. Binding
// the same user twice is a no-op; a different existing owner is
// ErrUserMismatch.
func (s *Store) BindOrderUser(ctx context.Context, id uuid.UUID, userID string) (db.Order, error) {
	order, err := s.q.BindOrderUser(ctx, db.BindOrderUserParams{ID: id, UserID: userID})
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return db.Order{}, fmt.Errorf("BindOrderUser: %w", err)
	}

	current, err := s.GetOrder(ctx, id)
	if err != nil {
		return db.Order{}, err
	}
	if current.UserID.Valid && current.UserID.String != userID {
		return current, ErrUserMismatch
	}
	return current, nil
}

// MarkOrderPaid transitions a pending (or compensated-failed) order to paid.
// When the update matches nothing the current row decides the error:
// ErrSessionMismatch for a different recorded session, ErrStatusConflict
// otherwise (already paid, refunded or disputed). The current order is
// returned alongside either error.
func (s *Store) MarkOrderPaid(ctx context.Context, id uuid.UUID, sessionID, paymentIntentID string) (db.Order, error) {
	order, err := s.q.MarkOrderPaid(ctx, db.MarkOrderPaidParams{
		ID:                    id,
		StripeSessionID:       sessionID,
		StripePaymentIntentID: nullString(paymentIntentID),
	})
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return db.Order{}, fmt.Errorf("MarkOrderPaid: %w", err)
	}

	current, err := s.GetOrder(ctx, id)
	if err != nil {
		return db.Order{}, err
	}
	if current.StripeSessionID.Valid && current.StripeSessionID.String != sessionID {
		return current, ErrSessionMismatch
	}
	return current, ErrStatusConflict
}

func (s *Store) MarkOrderRefunded(ctx context.Context, id uuid.UUID, reason, chargeID string) (db.Order, error) {
	order, err := s.q.MarkOrderRefunded(ctx, db.MarkOrderRefundedParams{
		ID:             id,
		RefundReason:   reason,
		StripeChargeID: nullString(chargeID),
	})
	if errors.Is(err, sql.ErrNoRows) {
		return db.Order{}, ErrStatusConflict
	}
	if err != nil {
		return db.Order{}, fmt.Errorf("MarkOrderRefunded: %w", err)
	}
	return order, nil
}

func (s *Store) MarkOrderDisputed(ctx context.Context, id uuid.UUID, reason, disputeStatus, chargeID string) (db.Order, error) {
	order, err := s.q.MarkOrderDisputed(ctx, db.MarkOrderDisputedParams{
		ID:             id,
		DisputeReason:  reason,
		DisputeStatus:  disputeStatus,
		StripeChargeID: nullString(chargeID),
	})
	if errors.Is(err, sql.ErrNoRows) {
		return db.Order{}, ErrStatusConflict
	}
	if err != nil {
		return db.Order{}, fmt.Errorf("MarkOrderDisputed: %w", err)
	}
	return order, nil
}

// ResolveDispute moves a paid or disputed order to status (paid when the
// dispute was won, refunded when lost). A won dispute also restores an order
// that was refunded while the dispute was open.
func (s *Store) ResolveDispute(ctx context.Context, id uuid.UUID, status db.OrderStatus, disputeStatus string) (db.Order, error) {
	order, err := s.q.ResolveOrderDispute(ctx, db.ResolveOrderDisputeParams{
		ID:            id,
		Status:        status,
		DisputeStatus: disputeStatus,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return db.Order{}, ErrStatusConflict
	}
	if err != nil {
		return db.Order{}, fmt.Errorf("ResolveDispute: %w", err)
	}
	return order, nil
}
