package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nyashahama/licensekeys-backend/internal/db"
)

// SetLicensesRevoked flips the revoked flag on every license bound to the
// order. Licenses already in the requested state are untouched, so repeating
// the call is a no-op and reports 0.
func (s *Store) SetLicensesRevoked(ctx context.Context, orderID uuid.UUID, revoked bool) (int64, error) {
	n, err := s.q.SetOrderLicensesRevoked(ctx, db.SetOrderLicensesRevokedParams{
		OrderID: orderID,
		Revoked: revoked,
	})
	if err != nil {
		return 0, fmt.Errorf("SetLicensesRevoked: %w", err)
	}
	return n, nil
}

// ListActiveLicenses returns the non-revoked licenses bound to the order.
func (s *Store) ListActiveLicenses(ctx context.Context, orderID uuid.UUID) ([]db.License, error) {
	return s.q.ListActiveLicensesByOrder(ctx, orderID)
}

// ImportResult counts the outcome of a bulk license import.
type ImportResult struct {
	Inserted int
	Skipped  int
}

// ImportLicenses provisions keys for a product in one transaction. Keys that
// already exist for the product are skipped.
func (s *Store) ImportLicenses(ctx context.Context, productID string, keys []string) (ImportResult, error) {
	var res ImportResult
	err := s.withTx(ctx, func(ctx context.Context, q db.Querier) error {
		for _, k := range keys {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			n, err := q.InsertLicense(ctx, db.InsertLicenseParams{ProductID: productID, KeyCode: k})
			if err != nil {
				return fmt.Errorf("ImportLicenses: insert: %w", err)
			}
			if n == 0 {
				res.Skipped++
				continue
			}
			res.Inserted++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	return res, nil
}
