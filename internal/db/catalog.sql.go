package db

import (
	"context"

	"github.com/lib/pq"
)

const listProductsByIDs = `
SELECT id, name, base_price, promo_price, license_backed, stock, active, created_at, updated_at
FROM products
WHERE id = ANY($1::text[])
`

func (q *Queries) ListProductsByIDs(ctx context.Context, ids []string) ([]Product, error) {
	rows, err := q.db.QueryContext(ctx, listProductsByIDs, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Product
	for rows.Next() {
		var i Product
		if err := rows.Scan(
			&i.ID,
			&i.Name,
			&i.BasePrice,
			&i.PromoPrice,
			&i.LicenseBacked,
			&i.Stock,
			&i.Active,
			&i.CreatedAt,
			&i.UpdatedAt,
		); err != nil {
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

const listVariantsByIDs = `
SELECT id, product_id, name, price_modifier, active
FROM product_variants
WHERE id = ANY($1::text[])
`

func (q *Queries) ListVariantsByIDs(ctx context.Context, ids []string) ([]ProductVariant, error) {
	rows, err := q.db.QueryContext(ctx, listVariantsByIDs, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ProductVariant
	for rows.Next() {
		var i ProductVariant
		if err := rows.Scan(
			&i.ID,
			&i.ProductID,
			&i.Name,
			&i.PriceModifier,
			&i.Active,
		); err != nil {
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

// Returns sql.ErrNoRows when stock is insufficient; stock never goes negative.
const decrementInventory = `
UPDATE products
SET stock = stock - $2, updated_at = now()
WHERE id = $1 AND stock >= $2
RETURNING stock
`

type DecrementInventoryParams struct {
	ProductID string
	Quantity  int32
}

func (q *Queries) DecrementInventory(ctx context.Context, arg DecrementInventoryParams) (int32, error) {
	row := q.db.QueryRowContext(ctx, decrementInventory, arg.ProductID, arg.Quantity)
	var stock int32
	err := row.Scan(&stock)
	return stock, err
}
