package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sqlc-dev/pqtype"
)

// ─── ENUMS ────────────────────────────────────────────────────────────────────

type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusRefunded OrderStatus = "refunded"
	OrderStatusDisputed OrderStatus = "disputed"
	OrderStatusFailed   OrderStatus = "failed"
)

func (e *OrderStatus) Scan(src interface{}) error {
	return scanEnum((*string)(e), src, "OrderStatus")
}

type FulfillmentStatus string

const (
	FulfillmentStatusPending        FulfillmentStatus = "pending"
	FulfillmentStatusFulfilled      FulfillmentStatus = "fulfilled"
	FulfillmentStatusFailed         FulfillmentStatus = "failed"
	FulfillmentStatusNeedsAttention FulfillmentStatus = "needs_attention"
)

func (e *FulfillmentStatus) Scan(src interface{}) error {
	return scanEnum((*string)(e), src, "FulfillmentStatus")
}

type WebhookEventStatus string

const (
	WebhookEventStatusProcessing WebhookEventStatus = "processing"
	WebhookEventStatusProcessed  WebhookEventStatus = "processed"
	WebhookEventStatusFailed     WebhookEventStatus = "failed"
	WebhookEventStatusDropped    WebhookEventStatus = "dropped"
)

func (e *WebhookEventStatus) Scan(src interface{}) error {
	return scanEnum((*string)(e), src, "WebhookEventStatus")
}

type EmailStatus string

const (
	EmailStatusPending EmailStatus = "pending"
	EmailStatusSent    EmailStatus = "sent"
	EmailStatusFailed  EmailStatus = "failed"
)

func (e *EmailStatus) Scan(src interface{}) error {
	return scanEnum((*string)(e), src, "EmailStatus")
}

func scanEnum(dst *string, src interface{}, name string) error {
	switch s := src.(type) {
	case []byte:
		*dst = string(s)
	case string:
		*dst = s
	default:
		return fmt.Errorf("unsupported scan type for %s: %T", name, src)
	}
	return nil
}

// ─── TABLES ───────────────────────────────────────────────────────────────────

type Product struct {
	ID            string
	Name          string
	BasePrice     decimal.Decimal
	PromoPrice    decimal.NullDecimal
	LicenseBacked bool
	Stock         int32
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ProductVariant struct {
	ID            string
	ProductID     string
	Name          string
	PriceModifier decimal.Decimal
	Active        bool
}

type Order struct {
	ID                    uuid.UUID
	Reference             string
	UserID                sql.NullString
	Email                 string
	Status                OrderStatus
	Currency              string
	TotalAmount           int64
	CartFingerprint       string
	StripeSessionID       sql.NullString
	StripePaymentIntentID sql.NullString
	StripeChargeID        sql.NullString
	FailureReason         sql.NullString
	RefundReason          sql.NullString
	DisputeReason         sql.NullString
	DisputeStatus         sql.NullString
	FulfillmentStatus     FulfillmentStatus
	FulfillmentError      sql.NullString
	ShippingName          sql.NullString
	ShippingAddress       pqtype.NullRawMessage
	CreatedAt             time.Time
	UpdatedAt             time.Time
	PaidAt                sql.NullTime
	RefundedAt            sql.NullTime
}

type OrderItem struct {
	ID            uuid.UUID
	OrderID       uuid.UUID
	ProductID     string
	VariantID     string
	ProductName   string
	VariantName   string
	LicenseBacked bool
	Quantity      int32
	UnitPrice     int64
	FulfilledAt   sql.NullTime
	CreatedAt     time.Time
}

type License struct {
	ID         uuid.UUID
	ProductID  string
	KeyCode    string
	OrderID    uuid.NullUUID
	IsUsed     bool
	Revoked    bool
	AssignedAt sql.NullTime
	CreatedAt  time.Time
}

type WebhookEvent struct {
	ID            uuid.UUID
	StripeEventID string
	Type          string
	OrderID       uuid.NullUUID
	Status        WebhookEventStatus
	Error         sql.NullString
	Payload       pqtype.NullRawMessage
	Attempts      int32
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ProcessedAt   sql.NullTime
}

type EmailLog struct {
	ID                uuid.UUID
	DedupeKey         string
	Kind              string
	Recipient         string
	Subject           string
	Status            EmailStatus
	ProviderMessageID sql.NullString
	Error             sql.NullString
	CreatedAt         time.Time
	SentAt            sql.NullTime
}
