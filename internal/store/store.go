// Package store wraps db.Querier with transaction support and groups the
// write operations whose atomicity the checkout and webhook flows rely on:
// conditional status transitions, license claims, inventory decrements and
// the unique-key idempotence gates for webhook events and emails.
//
// Single-query reads that need no error translation (ListOrderItems,
// ListProductsByIDs, etc.) can be called directly on Q().
//
// Dependency rule: store imports db only. It never imports api, checkout,
// reconcile, worker or email.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nyashahama/licensekeys-backend/internal/db"
)

// ─── ERRORS ──────────────────────────────────────────────────────────────────

var (
	// ErrNotFound is returned when a lookup by id, payment intent or charge
	// matches no order.
	ErrNotFound = errors.New("store: not found")

	// ErrActiveOrderExists is returned by CreateOrder when another pending
	// order already holds the same (user, cart fingerprint) pair.
	ErrActiveOrderExists = errors.New("store: pending order already exists for cart")

	// ErrStatusConflict is returned when a conditional status transition did
	// not match any row because the order is in a different state.
	ErrStatusConflict = errors.New("store: order status does not allow transition")

	// ErrSessionMismatch is returned by MarkOrderPaid when the order already
	// records a different checkout session id.
	ErrSessionMismatch = errors.New("store: checkout session id mismatch")

	// ErrUserMismatch is returned by BindOrderUser when the order belongs to
	// another user.
	ErrUserMismatch = errors.New("store: order bound to a different user")

	ErrDuplicateEvent       = errors.New("store: webhook event already recorded")
	ErrDuplicateEmail       = errors.New("store: email dedupe key already used")
	ErrInsufficientLicenses = errors.New("store: insufficient unassigned licenses")
	ErrInsufficientStock    = errors.New("store: insufficient stock")
)

// Store holds a *sql.DB for starting transactions and a db.Querier for
// executing queries outside of transactions. The operation files (orders.go,
// fulfillment.go, events.go, email.go, licenses.go) attach methods to it.
type Store struct {
	// pool is the raw connection pool, used only to begin transactions.
	pool *sql.DB

	// q is the Querier used for non-transactional calls.
	q db.Querier
}

// New creates a Store from a live connection pool. The pool must already be
// open and verified (e.g. via db.PingContext) before calling New.
func New(pool *sql.DB, q db.Querier) *Store {
	return &Store{pool: pool, q: q}
}

// Q exposes the underlying Querier for single-query reads.
//
//	items, err := s.Q().ListOrderItems(ctx, orderID)
func (s *Store) Q() db.Querier {
	return s.q
}

// txQuerier is a function that receives a transactional Querier and returns an
// error. Returning a non-nil error causes withTx to roll back automatically.
type txQuerier func(ctx context.Context, q db.Querier) error

// withTx begins a transaction, passes a Querier scoped to that transaction to
// fn, and commits on success or rolls back on any error (including panics).
//
// Read committed is enough here: every multi-step operation is built from
// row-locking conditional updates (FOR UPDATE SKIP LOCKED claims, guarded
// UPDATE ... WHERE), never from a read followed by a blind write.
func (s *Store) withTx(ctx context.Context, fn txQuerier) error {
	tx, err := s.pool.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}

	// Roll back on panic so the connection is never left in a broken state.
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	txQ := s.q.(*db.Queries).WithTx(tx)

	if err := fn(ctx, txQ); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: fn error: %w; rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return nil
}

// notFound translates sql.ErrNoRows into ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
