package db

import (
	"context"

	"github.com/google/uuid"
)

type Querier interface {
	// Catalog
	ListProductsByIDs(ctx context.Context, ids []string) ([]Product, error)
	ListVariantsByIDs(ctx context.Context, ids []string) ([]ProductVariant, error)
	DecrementInventory(ctx context.Context, arg DecrementInventoryParams) (int32, error)

	// Orders
	CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error)
	CreateOrderItem(ctx context.Context, arg CreateOrderItemParams) (OrderItem, error)
	GetOrderByID(ctx context.Context, id uuid.UUID) (Order, error)
	GetOrderByPaymentIntent(ctx context.Context, stripePaymentIntentID string) (Order, error)
	GetOrderByCharge(ctx context.Context, stripeChargeID string) (Order, error)
	GetLatestPendingOrder(ctx context.Context, arg GetLatestPendingOrderParams) (Order, error)
	SetOrderCheckoutSession(ctx context.Context, arg SetOrderCheckoutSessionParams) (Order, error)
	MarkOrderFailed(ctx context.Context, arg MarkOrderFailedParams) (Order, error)
	DeletePendingOrder(ctx context.Context, id uuid.UUID) (int64, error)
	DeleteOrderItems(ctx context.Context, orderID uuid.UUID) (int64, error)
	BindOrderUser(ctx context.Context, arg BindOrderUserParams) (Order, error)
	MarkOrderPaid(ctx context.Context, arg MarkOrderPaidParams) (Order, error)
	MarkOrderRefunded(ctx context.Context, arg MarkOrderRefundedParams) (Order, error)
	MarkOrderDisputed(ctx context.Context, arg MarkOrderDisputedParams) (Order, error)
	ResolveOrderDispute(ctx context.Context, arg ResolveOrderDisputeParams) (Order, error)
	ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]OrderItem, error)
	MarkOrderItemFulfilled(ctx context.Context, id uuid.UUID) (int64, error)
	SetOrderFulfillment(ctx context.Context, arg SetOrderFulfillmentParams) (Order, error)
	ListOrdersAwaitingFulfillment(ctx context.Context, limit int32) ([]Order, error)
	ResetOrderFulfillment(ctx context.Context, id uuid.UUID) (Order, error)

	// Licenses
	AssignLicenses(ctx context.Context, arg AssignLicensesParams) ([]License, error)
	SetOrderLicensesRevoked(ctx context.Context, arg SetOrderLicensesRevokedParams) (int64, error)
	ListActiveLicensesByOrder(ctx context.Context, orderID uuid.UUID) ([]License, error)
	InsertLicense(ctx context.Context, arg InsertLicenseParams) (int64, error)

	// Webhook events
	InsertWebhookEvent(ctx context.Context, arg InsertWebhookEventParams) (WebhookEvent, error)
	ReclaimStaleWebhookEvent(ctx context.Context, arg ReclaimStaleWebhookEventParams) (WebhookEvent, error)
	FinishWebhookEvent(ctx context.Context, arg FinishWebhookEventParams) (WebhookEvent, error)
	ListWebhookEventsByStatus(ctx context.Context, arg ListWebhookEventsByStatusParams) ([]WebhookEvent, error)

	// Email log
	InsertEmailLog(ctx context.Context, arg InsertEmailLogParams) (EmailLog, error)
	MarkEmailSent(ctx context.Context, arg MarkEmailSentParams) (EmailLog, error)
	MarkEmailFailed(ctx context.Context, arg MarkEmailFailedParams) (EmailLog, error)
}
