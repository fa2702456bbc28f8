package db

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

const orderColumns = `id, reference, user_id, email, status, currency, total_amount, cart_fingerprint,
	stripe_session_id, stripe_payment_intent_id, stripe_charge_id, failure_reason, refund_reason,
	dispute_reason, dispute_status, fulfillment_status, fulfillment_error, shipping_name,
	shipping_address, created_at, updated_at, paid_at, refunded_at`

func scanOrder(row rowScanner) (Order, error) {
	var i Order
	err := row.Scan(
		&i.ID,
		&i.Reference,
		&i.UserID,
		&i.Email,
		&i.Status,
		&i.Currency,
		&i.TotalAmount,
		&i.CartFingerprint,
		&i.StripeSessionID,
		&i.StripePaymentIntentID,
		&i.StripeChargeID,
		&i.FailureReason,
		&i.RefundReason,
		&i.DisputeReason,
		&i.DisputeStatus,
		&i.FulfillmentStatus,
		&i.FulfillmentError,
		&i.ShippingName,
		&i.ShippingAddress,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.PaidAt,
		&i.RefundedAt,
	)
	return i, err
}

func (q *Queries) queryOrders(ctx context.Context, query string, args ...interface{}) ([]Order, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Order
	for rows.Next() {
		i, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// ON CONFLICT hits the partial unique index on pending (user_id,
// cart_fingerprint); the conflicting insert returns sql.ErrNoRows.
const createOrder = `
INSERT INTO orders (reference, user_id, email, currency, total_amount, cart_fingerprint, shipping_name, shipping_address)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id, cart_fingerprint) WHERE status = 'pending' DO NOTHING
RETURNING ` + orderColumns

type CreateOrderParams struct {
	Reference       string
	UserID          sql.NullString
	Email           string
	Currency        string
	TotalAmount     int64
	CartFingerprint string
	ShippingName    sql.NullString
	ShippingAddress pqtype.NullRawMessage
}

func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error) {
	row := q.db.QueryRowContext(ctx, createOrder,
		arg.Reference,
		arg.UserID,
		arg.Email,
		arg.Currency,
		arg.TotalAmount,
		arg.CartFingerprint,
		arg.ShippingName,
		arg.ShippingAddress,
	)
	return scanOrder(row)
}

const createOrderItem = `
INSERT INTO order_items (order_id, product_id, variant_id, product_name, variant_name, license_backed, quantity, unit_price)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, order_id, product_id, variant_id, product_name, variant_name, license_backed, quantity, unit_price, fulfilled_at, created_at
`

type CreateOrderItemParams struct {
	OrderID       uuid.UUID
	ProductID     string
	VariantID     string
	ProductName   string
	VariantName   string
	LicenseBacked bool
	Quantity      int32
	UnitPrice     int64
}

func (q *Queries) CreateOrderItem(ctx context.Context, arg CreateOrderItemParams) (OrderItem, error) {
	row := q.db.QueryRowContext(ctx, createOrderItem,
		arg.OrderID,
		arg.ProductID,
		arg.VariantID,
		arg.ProductName,
		arg.VariantName,
		arg.LicenseBacked,
		arg.Quantity,
		arg.UnitPrice,
	)
	return scanOrderItem(row)
}

const getOrderByID = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

func (q *Queries) GetOrderByID(ctx context.Context, id uuid.UUID) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, getOrderByID, id))
}

const getOrderByPaymentIntent = `SELECT ` + orderColumns + `
FROM orders WHERE stripe_payment_intent_id = $1
ORDER BY created_at DESC LIMIT 1`

func (q *Queries) GetOrderByPaymentIntent(ctx context.Context, stripePaymentIntentID string) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, getOrderByPaymentIntent, stripePaymentIntentID))
}

const getOrderByCharge = `SELECT ` + orderColumns + `
FROM orders WHERE stripe_charge_id = $1
ORDER BY created_at DESC LIMIT 1`

func (q *Queries) GetOrderByCharge(ctx context.Context, stripeChargeID string) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, getOrderByCharge, stripeChargeID))
}

const getLatestPendingOrder = `SELECT ` + orderColumns + `
FROM orders
WHERE user_id = $1 AND cart_fingerprint = $2 AND status = 'pending'
ORDER BY created_at DESC
LIMIT 1`

type GetLatestPendingOrderParams struct {
	UserID          string
	CartFingerprint string
}

func (q *Queries) GetLatestPendingOrder(ctx context.Context, arg GetLatestPendingOrderParams) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, getLatestPendingOrder, arg.UserID, arg.CartFingerprint))
}

const setOrderCheckoutSession = `
UPDATE orders SET stripe_session_id = $2, updated_at = now()
WHERE id = $1
RETURNING ` + orderColumns

type SetOrderCheckoutSessionParams struct {
	ID              uuid.UUID
	StripeSessionID string
}

func (q *Queries) SetOrderCheckoutSession(ctx context.Context, arg SetOrderCheckoutSessionParams) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, setOrderCheckoutSession, arg.ID, arg.StripeSessionID))
}

const markOrderFailed = `
UPDATE orders SET status = 'failed', failure_reason = $2, updated_at = now()
WHERE id = $1 AND status = 'pending'
RETURNING ` + orderColumns

type MarkOrderFailedParams struct {
	ID            uuid.UUID
	FailureReason string
}

func (q *Queries) MarkOrderFailed(ctx context.Context, arg MarkOrderFailedParams) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, markOrderFailed, arg.ID, arg.FailureReason))
}

const deletePendingOrder = `DELETE FROM orders WHERE id = $1 AND status = 'pending'`

func (q *Queries) DeletePendingOrder(ctx context.Context, id uuid.UUID) (int64, error) {
	result, err := q.db.ExecContext(ctx, deletePendingOrder, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const deleteOrderItems = `DELETE FROM order_items WHERE order_id = $1`

func (q *Queries) DeleteOrderItems(ctx context.Context, orderID uuid.UUID) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteOrderItems, orderID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const bindOrderUser = `
UPDATE orders SET user_id = $2, updated_at = now()
WHERE id = $1 AND user_id IS NULL
RETURNING ` + orderColumns

type BindOrderUserParams struct {
	ID     uuid.UUID
	UserID string
}

func (q *Queries) BindOrderUser(ctx context.Context, arg BindOrderUserParams) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, bindOrderUser, arg.ID, arg.UserID))
}

// A failed order can still be paid: its session may have completed after the
// checkout compensation ran. A different recorded session id blocks the update.
const markOrderPaid = `
UPDATE orders
SET status = 'paid',
    stripe_session_id = $2,
    stripe_payment_intent_id = COALESCE($3, stripe_payment_intent_id),
    failure_reason = NULL,
    paid_at = now(),
    updated_at = now()
WHERE id = $1
  AND status IN ('pending', 'failed')
  AND (stripe_session_id IS NULL OR stripe_session_id = $2)
RETURNING ` + orderColumns

type MarkOrderPaidParams struct {
	ID                    uuid.UUID
	StripeSessionID       string
	StripePaymentIntentID sql.NullString
}

func (q *Queries) MarkOrderPaid(ctx context.Context, arg MarkOrderPaidParams) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, markOrderPaid, arg.ID, arg.StripeSessionID, arg.StripePaymentIntentID))
}

const markOrderRefunded = `
UPDATE orders
SET status = 'refunded',
    refund_reason = $2,
    stripe_charge_id = COALESCE($3, stripe_charge_id),
    refunded_at = now(),
    updated_at = now()
WHERE id = $1 AND status IN ('paid', 'disputed')
RETURNING ` + orderColumns

type MarkOrderRefundedParams struct {
	ID             uuid.UUID
	RefundReason   string
	StripeChargeID sql.NullString
}

func (q *Queries) MarkOrderRefunded(ctx context.Context, arg MarkOrderRefundedParams) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, markOrderRefunded, arg.ID, arg.RefundReason, arg.StripeChargeID))
}

const markOrderDisputed = `
UPDATE orders
SET status = 'disputed',
    dispute_reason = $2,
    dispute_status = $3,
    stripe_charge_id = COALESCE($4, stripe_charge_id),
    updated_at = now()
WHERE id = $1 AND status IN ('paid', 'disputed')
RETURNING ` + orderColumns

type MarkOrderDisputedParams struct {
	ID             uuid.UUID
	DisputeReason  string
	DisputeStatus  string
	StripeChargeID sql.NullString
}

func (q *Queries) MarkOrderDisputed(ctx context.Context, arg MarkOrderDisputedParams) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, markOrderDisputed, arg.ID, arg.DisputeReason, arg.DisputeStatus, arg.StripeChargeID))
}

// A won dispute also reverses an earlier refund: refunded -> paid.
const resolveOrderDispute = `
UPDATE orders
SET status = $2::order_status,
    dispute_status = $3,
    refunded_at = CASE WHEN $2::order_status = 'refunded' THEN now() ELSE NULL END,
    refund_reason = CASE WHEN $2::order_status = 'refunded' THEN 'dispute_lost' ELSE NULL END,
    updated_at = now()
WHERE id = $1
  AND (status IN ('paid', 'disputed') OR ($2::order_status = 'paid' AND status = 'refunded'))
RETURNING ` + orderColumns

type ResolveOrderDisputeParams struct {
	ID            uuid.UUID
	Status        OrderStatus
	DisputeStatus string
}

func (q *Queries) ResolveOrderDispute(ctx context.Context, arg ResolveOrderDisputeParams) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, resolveOrderDispute, arg.ID, arg.Status, arg.DisputeStatus))
}

const orderItemColumns = `id, order_id, product_id, variant_id, product_name, variant_name, license_backed, quantity, unit_price, fulfilled_at, created_at`

func scanOrderItem(row rowScanner) (OrderItem, error) {
	var i OrderItem
	err := row.Scan(
		&i.ID,
		&i.OrderID,
		&i.ProductID,
		&i.VariantID,
		&i.ProductName,
		&i.VariantName,
		&i.LicenseBacked,
		&i.Quantity,
		&i.UnitPrice,
		&i.FulfilledAt,
		&i.CreatedAt,
	)
	return i, err
}

const listOrderItems = `SELECT ` + orderItemColumns + ` FROM order_items WHERE order_id = $1 ORDER BY created_at, id`

func (q *Queries) ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]OrderItem, error) {
	rows, err := q.db.QueryContext(ctx, listOrderItems, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []OrderItem
	for rows.Next() {
		i, err := scanOrderItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const markOrderItemFulfilled = `UPDATE order_items SET fulfilled_at = now() WHERE id = $1 AND fulfilled_at IS NULL`

func (q *Queries) MarkOrderItemFulfilled(ctx context.Context, id uuid.UUID) (int64, error) {
	result, err := q.db.ExecContext(ctx, markOrderItemFulfilled, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const setOrderFulfillment = `
UPDATE orders SET fulfillment_status = $2, fulfillment_error = $3, updated_at = now()
WHERE id = $1
RETURNING ` + orderColumns

type SetOrderFulfillmentParams struct {
	ID                uuid.UUID
	FulfillmentStatus FulfillmentStatus
	FulfillmentError  sql.NullString
}

func (q *Queries) SetOrderFulfillment(ctx context.Context, arg SetOrderFulfillmentParams) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, setOrderFulfillment, arg.ID, arg.FulfillmentStatus, arg.FulfillmentError))
}

const listOrdersAwaitingFulfillment = `SELECT ` + orderColumns + `
FROM orders
WHERE status = 'paid' AND fulfillment_status = 'failed'
ORDER BY paid_at
LIMIT $1`

func (q *Queries) ListOrdersAwaitingFulfillment(ctx context.Context, limit int32) ([]Order, error) {
	return q.queryOrders(ctx, listOrdersAwaitingFulfillment, limit)
}

const resetOrderFulfillment = `
UPDATE orders SET fulfillment_status = 'failed', updated_at = now()
WHERE id = $1 AND fulfillment_status = 'needs_attention'
RETURNING ` + orderColumns

func (q *Queries) ResetOrderFulfillment(ctx context.Context, id uuid.UUID) (Order, error) {
	return scanOrder(q.db.QueryRowContext(ctx, resetOrderFulfillment, id))
}
