// Package db is the query layer over Postgres. It follows the shape sqlc
// produces (DBTX, Queries, WithTx, a Querier interface) so the store and
// handlers can swap a transaction-scoped Querier for the pool-scoped one.
package db

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// New returns Queries bound to db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries implements Querier.
type Queries struct {
	db DBTX
}

// WithTx returns a copy of q whose statements run inside tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// rowScanner is the common subset of *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

var _ Querier = (*Queries)(nil)
