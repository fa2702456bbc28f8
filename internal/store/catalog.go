package store

import (
	"context"

	"github.com/nyashahama/licensekeys-backend/internal/db"
)

// ListProductsByIDs and ListVariantsByIDs are the pricing engine's catalog
// reads: one query each, whatever the cart size.
func (s *Store) ListProductsByIDs(ctx context.Context, ids []string) ([]db.Product, error) {
	return s.q.ListProductsByIDs(ctx, ids)
}

func (s *Store) ListVariantsByIDs(ctx context.Context, ids []string) ([]db.ProductVariant, error) {
	return s.q.ListVariantsByIDs(ctx, ids)
}
