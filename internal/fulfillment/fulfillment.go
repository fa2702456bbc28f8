// Package fulfillment applies the post-payment side effects of an order:
// license claims, stock decrements and the license delivery email. The
// webhook reconciler and the retry worker both go through it.
package fulfillment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nyashahama/licensekeys-backend/internal/db"
	"github.com/nyashahama/licensekeys-backend/internal/email"
	"github.com/nyashahama/licensekeys-backend/internal/invoice"
	"github.com/nyashahama/licensekeys-backend/internal/notify"
)

// Store is the persistence fulfillment needs. *store.Store satisfies it.
type Store interface {
	GetOrder(ctx context.Context, id uuid.UUID) (db.Order, error)
	ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]db.OrderItem, error)
	FulfillItem(ctx context.Context, item db.OrderItem) (bool, error)
	SetFulfillment(ctx context.Context, id uuid.UUID, status db.FulfillmentStatus, detail string) error
	ListActiveLicenses(ctx context.Context, orderID uuid.UUID) ([]db.License, error)
}

// Invoicer renders the proof-of-purchase document.
type Invoicer interface {
	Render(ctx context.Context, s invoice.Summary) ([]byte, error)
}

type Service struct {
	store     Store
	notifier  *notify.Dispatcher
	invoices  Invoicer
	storeName string
	log       *slog.Logger
}

func NewService(st Store, notifier *notify.Dispatcher, invoices Invoicer, storeName string, logger *slog.Logger) *Service {
	return &Service{store: st, notifier: notifier, invoices: invoices, storeName: storeName, log: logger}
}

// FulfillItems fulfills every item not yet fulfilled. It stops at the first
// failure; items fulfilled before it stay fulfilled, so a retry resumes where
// this call stopped.
func (s *Service) FulfillItems(ctx context.Context, items []db.OrderItem) error {
	for _, it := range items {
		if it.FulfilledAt.Valid {
			continue
		}
		applied, err := s.store.FulfillItem(ctx, it)
		if err != nil {
			return fmt.Errorf("fulfillment: item %s (%s x%d): %w", it.ID, it.ProductID, it.Quantity, err)
		}
		if applied {
			s.log.Info("fulfillment: item fulfilled",
				"order_id", it.OrderID,
				"product_id", it.ProductID,
				"quantity", it.Quantity,
				"license_backed", it.LicenseBacked,
			)
		}
	}
	return nil
}

// Fulfill fulfills the order's items and records the order-level outcome.
func (s *Service) Fulfill(ctx context.Context, order db.Order, items []db.OrderItem) error {
	if err := s.FulfillItems(ctx, items); err != nil {
		if serr := s.store.SetFulfillment(ctx, order.ID, db.FulfillmentStatusFailed, err.Error()); serr != nil {
			s.log.Error("fulfillment: record failure", "order_id", order.ID, "error", serr)
		}
		return err
	}
	if err := s.store.SetFulfillment(ctx, order.ID, db.FulfillmentStatusFulfilled, ""); err != nil {
		return fmt.Errorf("fulfillment: record success: %w", err)
	}
	return nil
}

// DeliverLicenses emails every active license bound to the order in one
// message, with the invoice attached when it renders. Orders without
// licenses (physical media only) send nothing.
func (s *Service) DeliverLicenses(ctx context.Context, order db.Order, items []db.OrderItem, dedupeKey string) (notify.Result, error) {
	licenses, err := s.store.ListActiveLicenses(ctx, order.ID)
	if err != nil {
		return notify.Result{}, fmt.Errorf("fulfillment: list licenses: %w", err)
	}
	if len(licenses) == 0 {
		return notify.Result{Skipped: true}, nil
	}

	names := make(map[string]string, len(items))
	for _, it := range items {
		names[it.ProductID] = it.ProductName
	}
	keys := make([]email.LicenseKey, 0, len(licenses))
	for _, l := range licenses {
		keys = append(keys, email.LicenseKey{ProductName: names[l.ProductID], Key: l.KeyCode})
	}

	summary := Summary(s.storeName, order, items)
	subject, body := email.LicenseDelivery(summary, keys)

	msg := notify.Message{
		DedupeKey: dedupeKey,
		Kind:      notify.KindLicenseDelivery,
		To:        order.Email,
		Subject:   subject,
		HTML:      body,
	}

	// A missing invoice must not hold back the keys.
	if s.invoices != nil {
		pdf, err := s.invoices.Render(ctx, InvoiceSummary(s.storeName, order, items))
		if err != nil {
			s.log.Warn("fulfillment: invoice render failed, sending without attachment",
				"order_id", order.ID, "error", err)
		} else {
			msg.Attachments = []email.Attachment{{Filename: invoice.Filename(order.Reference), Content: pdf}}
		}
	}

	return s.notifier.Send(ctx, msg)
}

// Summary maps an order and its items onto the email template data.
func Summary(storeName string, order db.Order, items []db.OrderItem) email.OrderSummary {
	lines := make([]email.OrderLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, email.OrderLine{
			ProductName: it.ProductName,
			VariantName: it.VariantName,
			Quantity:    it.Quantity,
			UnitAmount:  it.UnitPrice,
		})
	}
	return email.OrderSummary{
		StoreName: storeName,
		Reference: order.Reference,
		Email:     order.Email,
		Currency:  order.Currency,
		Total:     order.TotalAmount,
		Lines:     lines,
		PaidAt:    order.PaidAt.Time,
	}
}

func InvoiceSummary(storeName string, order db.Order, items []db.OrderItem) invoice.Summary {
	lines := make([]invoice.Line, 0, len(items))
	for _, it := range items {
		name := it.ProductName
		if it.VariantName != "" {
			name += " (" + it.VariantName + ")"
		}
		lines = append(lines, invoice.Line{Name: name, Quantity: it.Quantity, UnitAmount: it.UnitPrice})
	}
	return invoice.Summary{
		StoreName: storeName,
		Reference: order.Reference,
		Email:     order.Email,
		Currency:  order.Currency,
		Lines:     lines,
		Total:     order.TotalAmount,
		PaidAt:    order.PaidAt.Time,
	}
}
