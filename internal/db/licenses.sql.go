package db

import (
	"context"

	"github.com/google/uuid"
)

const licenseColumns = `id, product_id, key_code, order_id, is_used, revoked, assigned_at, created_at`

func scanLicense(row rowScanner) (License, error) {
	var i License
	err := row.Scan(
		&i.ID,
		&i.ProductID,
		&i.KeyCode,
		&i.OrderID,
		&i.IsUsed,
		&i.Revoked,
		&i.AssignedAt,
		&i.CreatedAt,
	)
	return i, err
}

func (q *Queries) queryLicenses(ctx context.Context, query string, args ...interface{}) ([]License, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []License
	for rows.Next() {
		i, err := scanLicense(rows)
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

// Claims up to $3 unassigned keys. SKIP LOCKED lets concurrent claims for the
// same product proceed on disjoint rows; callers must run this inside a
// transaction and roll back when fewer than $3 rows come back.
const assignLicenses = `
WITH picked AS (
    SELECT id FROM licenses
    WHERE product_id = $1 AND order_id IS NULL AND is_used = FALSE
    ORDER BY created_at, id
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
UPDATE licenses l
SET order_id = $2, is_used = TRUE, assigned_at = now()
FROM picked
WHERE l.id = picked.id
RETURNING l.id, l.product_id, l.key_code, l.order_id, l.is_used, l.revoked, l.assigned_at, l.created_at
`

type AssignLicensesParams struct {
	ProductID string
	OrderID   uuid.UUID
	Quantity  int32
}

func (q *Queries) AssignLicenses(ctx context.Context, arg AssignLicensesParams) ([]License, error) {
	return q.queryLicenses(ctx, assignLicenses, arg.ProductID, arg.OrderID, arg.Quantity)
}

const setOrderLicensesRevoked = `UPDATE licenses SET revoked = $2 WHERE order_id = $1 AND revoked <> $2`

type SetOrderLicensesRevokedParams struct {
	OrderID uuid.UUID
	Revoked bool
}

func (q *Queries) SetOrderLicensesRevoked(ctx context.Context, arg SetOrderLicensesRevokedParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, setOrderLicensesRevoked, arg.OrderID, arg.Revoked)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const listActiveLicensesByOrder = `SELECT ` + licenseColumns + `
FROM licenses WHERE order_id = $1 AND revoked = FALSE
ORDER BY product_id, assigned_at, id`

func (q *Queries) ListActiveLicensesByOrder(ctx context.Context, orderID uuid.UUID) ([]License, error) {
	return q.queryLicenses(ctx, listActiveLicensesByOrder, orderID)
}

const insertLicense = `
INSERT INTO licenses (product_id, key_code) VALUES ($1, $2)
ON CONFLICT (product_id, key_code) DO NOTHING`

type InsertLicenseParams struct {
	ProductID string
	KeyCode   string
}

func (q *Queries) InsertLicense(ctx context.Context, arg InsertLicenseParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, insertLicense, arg.ProductID, arg.KeyCode)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
