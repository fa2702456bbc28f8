package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nyashahama/licensekeys-backend/internal/db"
)

// FulfillItem applies the paid side effects of one order item in a single
// transaction:
//
//  1. Stamps fulfilled_at, guarded by fulfilled_at IS NULL. The row lock also
//     serialises concurrent attempts on the same item.
//  2. Claims Quantity unassigned licenses when the product is license-backed.
//  3. Decrements product stock by Quantity.
//
// A short license claim returns ErrInsufficientLicenses and a failed stock
// decrement ErrInsufficientStock; both roll the whole item back. An item that
// is already fulfilled is a no-op and reports applied=false.
func (s *Store) FulfillItem(ctx context.Context, item db.OrderItem) (applied bool, err error) {
	err = s.withTx(ctx, func(ctx context.Context, q db.Querier) error {
		n, err := q.MarkOrderItemFulfilled(ctx, item.ID)
		if err != nil {
			return fmt.Errorf("FulfillItem: mark fulfilled: %w", err)
		}
		if n == 0 {
			return nil
		}

		if item.LicenseBacked {
			claimed, err := q.AssignLicenses(ctx, db.AssignLicensesParams{
				ProductID: item.ProductID,
				OrderID:   item.OrderID,
				Quantity:  item.Quantity,
			})
			if err != nil {
				return fmt.Errorf("FulfillItem: assign licenses: %w", err)
			}
			if len(claimed) < int(item.Quantity) {
				return fmt.Errorf("%w: product %s wanted %d, claimed %d",
					ErrInsufficientLicenses, item.ProductID, item.Quantity, len(claimed))
			}
		}

		if _, err := q.DecrementInventory(ctx, db.DecrementInventoryParams{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		}); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: product %s quantity %d", ErrInsufficientStock, item.ProductID, item.Quantity)
			}
			return fmt.Errorf("FulfillItem: decrement inventory: %w", err)
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// SetFulfillment records the order-level fulfillment outcome. detail is
// stored as the fulfillment error; pass "" to clear it.
func (s *Store) SetFulfillment(ctx context.Context, id uuid.UUID, status db.FulfillmentStatus, detail string) error {
	if _, err := s.q.SetOrderFulfillment(ctx, db.SetOrderFulfillmentParams{
		ID:                id,
		FulfillmentStatus: status,
		FulfillmentError:  nullString(detail),
	}); err != nil {
		return fmt.Errorf("SetFulfillment: %w", notFound(err))
	}
	return nil
}

// ListOrdersAwaitingFulfillment returns paid orders whose fulfillment failed
// and is still eligible for automatic retry.
func (s *Store) ListOrdersAwaitingFulfillment(ctx context.Context, limit int32) ([]db.Order, error) {
	return s.q.ListOrdersAwaitingFulfillment(ctx, limit)
}

// ResetFulfillment moves a needs_attention order back to failed so the
// retry worker picks it up again.
func (s *Store) ResetFulfillment(ctx context.Context, id uuid.UUID) (db.Order, error) {
	order, err := s.q.ResetOrderFulfillment(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return db.Order{}, ErrStatusConflict
	}
	if err != nil {
		return db.Order{}, fmt.Errorf("ResetFulfillment: %w", err)
	}
	return order, nil
}
