// Package testutil provides in-memory doubles shared by the package tests.
package testutil

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sqlc-dev/pqtype"

	"github.com/nyashahama/licensekeys-backend/internal/db"
	"github.com/nyashahama/licensekeys-backend/internal/store"
)

// MemStore is an in-memory twin of *store.Store. Every method holds one
// mutex for its whole body, which gives the same all-or-nothing and
// conditional-update behaviour the Postgres queries provide.
type MemStore struct {
	mu sync.Mutex

	// Now stamps created/updated times. Tests replace it to age rows.
	Now func() time.Time

	// Fault injection. A non-nil error is returned by the matching method
	// before any state changes.
	FailItemInsert  error
	FailCreateOrder error
	FailBeginEvent  error
	FailFulfill     error
	FailFinishEvent error
	FailMarkPaid    error
	FailSetSession  error
	FailCatalog     error

	products map[string]db.Product
	variants map[string]db.ProductVariant
	orders   map[uuid.UUID]*db.Order
	items    map[uuid.UUID][]*db.OrderItem
	licenses []*db.License
	events   map[string]*db.WebhookEvent
	emails   map[string]*db.EmailLog

	// CatalogQueries counts ListProductsByIDs and ListVariantsByIDs calls.
	CatalogQueries int
}

func NewMemStore() *MemStore {
	return &MemStore{
		Now:      time.Now,
		products: make(map[string]db.Product),
		variants: make(map[string]db.ProductVariant),
		orders:   make(map[uuid.UUID]*db.Order),
		items:    make(map[uuid.UUID][]*db.OrderItem),
		events:   make(map[string]*db.WebhookEvent),
		emails:   make(map[string]*db.EmailLog),
	}
}

// ─── SEEDING & INSPECTION ────────────────────────────────────────────────────

// AddProduct seeds an active product with a single variant of the same
// price and returns the variant id ("<productID>-key").
func (m *MemStore) AddProduct(id, name, price string, licenseBacked bool, stock int32) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[id] = db.Product{
		ID:            id,
		Name:          name,
		BasePrice:     decimal.RequireFromString(price),
		LicenseBacked: licenseBacked,
		Stock:         stock,
		Active:        true,
	}
	vid := id + "-key"
	m.variants[vid] = db.ProductVariant{ID: vid, ProductID: id, Name: "Digital key", Active: true}
	return vid
}

func (m *MemStore) AddVariant(v db.ProductVariant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variants[v.ID] = v
}

// AddLicenses seeds unassigned keys for a product.
func (m *MemStore) AddLicenses(productID string, keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.licenses = append(m.licenses, &db.License{
			ID:        uuid.New(),
			ProductID: productID,
			KeyCode:   k,
			CreatedAt: m.Now(),
		})
	}
}

// SeedOrder creates a pending eur order holding items and returns it.
func (m *MemStore) SeedOrder(userID, email string, items ...store.NewOrderItem) db.Order {
	var total int64
	for _, it := range items {
		total += it.UnitPrice * int64(it.Quantity)
	}
	ctx := context.Background()
	o, err := m.CreateOrder(ctx, store.NewOrder{
		UserID:          userID,
		Email:           email,
		Currency:        "eur",
		TotalAmount:     total,
		CartFingerprint: uuid.NewString(),
	})
	if err != nil {
		panic(err)
	}
	if err := m.InsertOrderItems(ctx, o.ID, items); err != nil {
		panic(err)
	}
	return o
}

func (m *MemStore) Stock(productID string) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[productID].Stock
}

// Order returns a copy of the order, or false if it does not exist.
func (m *MemStore) Order(id uuid.UUID) (db.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return db.Order{}, false
	}
	return *o, true
}

// Orders returns every order, oldest first.
func (m *MemStore) Orders() []db.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]db.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetOrder overwrites an order row, for arranging states a flow cannot reach.
func (m *MemStore) SetOrder(o db.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = &o
}

// LicensesFor returns copies of every license bound to the order.
func (m *MemStore) LicensesFor(orderID uuid.UUID) []db.License {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.License
	for _, l := range m.licenses {
		if l.OrderID.Valid && l.OrderID.UUID == orderID {
			out = append(out, *l)
		}
	}
	return out
}

func (m *MemStore) Event(eventID string) (db.WebhookEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return db.WebhookEvent{}, false
	}
	return *e, true
}

// AgeEvent moves an event's updated_at back by d.
func (m *MemStore) AgeEvent(eventID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[eventID]; ok {
		e.UpdatedAt = e.UpdatedAt.Add(-d)
	}
}

// Emails returns every email log row keyed by dedupe key.
func (m *MemStore) Emails() map[string]db.EmailLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]db.EmailLog, len(m.emails))
	for k, e := range m.emails {
		out[k] = *e
	}
	return out
}

// ─── CATALOG ─────────────────────────────────────────────────────────────────

func (m *MemStore) ListProductsByIDs(_ context.Context, ids []string) ([]db.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CatalogQueries++
	if m.FailCatalog != nil {
		return nil, m.FailCatalog
	}
	var out []db.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemStore) ListVariantsByIDs(_ context.Context, ids []string) ([]db.ProductVariant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CatalogQueries++
	if m.FailCatalog != nil {
		return nil, m.FailCatalog
	}
	var out []db.ProductVariant
	for _, id := range ids {
		if v, ok := m.variants[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// ─── ORDERS ──────────────────────────────────────────────────────────────────

func (m *MemStore) CreateOrder(_ context.Context, p store.NewOrder) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreateOrder != nil {
		return db.Order{}, m.FailCreateOrder
	}
	for _, o := range m.orders {
		if o.Status == db.OrderStatusPending && o.UserID.Valid && o.UserID.String == p.UserID &&
			o.CartFingerprint == p.CartFingerprint {
			return db.Order{}, store.ErrActiveOrderExists
		}
	}

	now := m.Now()
	ref, err := store.NewReference(now)
	if err != nil {
		return db.Order{}, err
	}
	o := &db.Order{
		ID:                uuid.New(),
		Reference:         ref,
		UserID:            nullString(p.UserID),
		Email:             p.Email,
		Status:            db.OrderStatusPending,
		Currency:          p.Currency,
		TotalAmount:       p.TotalAmount,
		CartFingerprint:   p.CartFingerprint,
		FulfillmentStatus: db.FulfillmentStatusPending,
		ShippingName:      nullString(p.ShippingName),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if len(p.ShippingAddress) > 0 {
		o.ShippingAddress = pqtype.NullRawMessage{RawMessage: json.RawMessage(p.ShippingAddress), Valid: true}
	}
	m.orders[o.ID] = o
	return *o, nil
}

func (m *MemStore) InsertOrderItems(_ context.Context, orderID uuid.UUID, items []store.NewOrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailItemInsert != nil {
		return m.FailItemInsert
	}
	if _, ok := m.orders[orderID]; !ok {
		return fmt.Errorf("InsertOrderItems: order %s: %w", orderID, store.ErrNotFound)
	}
	now := m.Now()
	for _, it := range items {
		m.items[orderID] = append(m.items[orderID], &db.OrderItem{
			ID:            uuid.New(),
			OrderID:       orderID,
			ProductID:     it.ProductID,
			VariantID:     it.VariantID,
			ProductName:   it.ProductName,
			VariantName:   it.VariantName,
			LicenseBacked: it.LicenseBacked,
			Quantity:      it.Quantity,
			UnitPrice:     it.UnitPrice,
			CreatedAt:     now,
		})
	}
	return nil
}

func (m *MemStore) GetOrder(_ context.Context, id uuid.UUID) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return db.Order{}, store.ErrNotFound
	}
	return *o, nil
}

func (m *MemStore) ListOrderItems(_ context.Context, orderID uuid.UUID) ([]db.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]db.OrderItem, 0, len(m.items[orderID]))
	for _, it := range m.items[orderID] {
		out = append(out, *it)
	}
	return out, nil
}

func (m *MemStore) LatestPendingOrder(_ context.Context, userID, fingerprint string) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *db.Order
	for _, o := range m.orders {
		if o.Status != db.OrderStatusPending || !o.UserID.Valid || o.UserID.String != userID ||
			o.CartFingerprint != fingerprint {
			continue
		}
		if latest == nil || o.CreatedAt.After(latest.CreatedAt) {
			latest = o
		}
	}
	if latest == nil {
		return db.Order{}, store.ErrNotFound
	}
	return *latest, nil
}

func (m *MemStore) FindOrderByPayment(_ context.Context, paymentIntentID, chargeID string) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if paymentIntentID != "" && o.StripePaymentIntentID.Valid && o.StripePaymentIntentID.String == paymentIntentID {
			return *o, nil
		}
	}
	for _, o := range m.orders {
		if chargeID != "" && o.StripeChargeID.Valid && o.StripeChargeID.String == chargeID {
			return *o, nil
		}
	}
	return db.Order{}, store.ErrNotFound
}

func (m *MemStore) SetCheckoutSession(_ context.Context, id uuid.UUID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSetSession != nil {
		return m.FailSetSession
	}
	o, ok := m.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	o.StripeSessionID = nullString(sessionID)
	o.UpdatedAt = m.Now()
	return nil
}

func (m *MemStore) MarkOrderFailed(_ context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != db.OrderStatusPending {
		return store.ErrStatusConflict
	}
	o.Status = db.OrderStatusFailed
	o.FailureReason = nullString(reason)
	o.UpdatedAt = m.Now()
	return nil
}

func (m *MemStore) DiscardPendingOrder(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != db.OrderStatusPending {
		return store.ErrStatusConflict
	}
	delete(m.orders, id)
	delete(m.items, id)
	return nil
}

func (m *MemStore) BindOrderUser(_ context.Context, id uuid.UUID, userID string) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return db.Order{}, store.ErrNotFound
	}
	if !o.UserID.Valid {
		o.UserID = nullString(userID)
		o.UpdatedAt = m.Now()
		return *o, nil
	}
	if o.UserID.String != userID {
		return *o, store.ErrUserMismatch
	}
	return *o, nil
}

func (m *MemStore) MarkOrderPaid(_ context.Context, id uuid.UUID, sessionID, paymentIntentID string) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailMarkPaid != nil {
		return db.Order{}, m.FailMarkPaid
	}
	o, ok := m.orders[id]
	if !ok {
		return db.Order{}, store.ErrNotFound
	}
	sessionOK := !o.StripeSessionID.Valid || o.StripeSessionID.String == sessionID
	if (o.Status == db.OrderStatusPending || o.Status == db.OrderStatusFailed) && sessionOK {
		now := m.Now()
		o.Status = db.OrderStatusPaid
		o.StripeSessionID = nullString(sessionID)
		if paymentIntentID != "" {
			o.StripePaymentIntentID = nullString(paymentIntentID)
		}
		o.FailureReason = sql.NullString{}
		o.PaidAt = sql.NullTime{Time: now, Valid: true}
		o.UpdatedAt = now
		return *o, nil
	}
	if !sessionOK {
		return *o, store.ErrSessionMismatch
	}
	return *o, store.ErrStatusConflict
}

func (m *MemStore) MarkOrderRefunded(_ context.Context, id uuid.UUID, reason, chargeID string) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || (o.Status != db.OrderStatusPaid && o.Status != db.OrderStatusDisputed) {
		return db.Order{}, store.ErrStatusConflict
	}
	now := m.Now()
	o.Status = db.OrderStatusRefunded
	o.RefundReason = nullString(reason)
	if chargeID != "" {
		o.StripeChargeID = nullString(chargeID)
	}
	o.RefundedAt = sql.NullTime{Time: now, Valid: true}
	o.UpdatedAt = now
	return *o, nil
}

func (m *MemStore) MarkOrderDisputed(_ context.Context, id uuid.UUID, reason, disputeStatus, chargeID string) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || (o.Status != db.OrderStatusPaid && o.Status != db.OrderStatusDisputed) {
		return db.Order{}, store.ErrStatusConflict
	}
	o.Status = db.OrderStatusDisputed
	o.DisputeReason = nullString(reason)
	o.DisputeStatus = nullString(disputeStatus)
	if chargeID != "" {
		o.StripeChargeID = nullString(chargeID)
	}
	o.UpdatedAt = m.Now()
	return *o, nil
}

func (m *MemStore) ResolveDispute(_ context.Context, id uuid.UUID, status db.OrderStatus, disputeStatus string) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return db.Order{}, store.ErrStatusConflict
	}
	switch {
	case o.Status == db.OrderStatusPaid, o.Status == db.OrderStatusDisputed:
	case o.Status == db.OrderStatusRefunded && status == db.OrderStatusPaid:
	default:
		return db.Order{}, store.ErrStatusConflict
	}
	now := m.Now()
	o.Status = status
	o.DisputeStatus = nullString(disputeStatus)
	if status == db.OrderStatusRefunded {
		o.RefundedAt = sql.NullTime{Time: now, Valid: true}
		o.RefundReason = nullString("dispute_lost")
	} else {
		o.RefundedAt = sql.NullTime{}
		o.RefundReason = sql.NullString{}
	}
	o.UpdatedAt = now
	return *o, nil
}

// ─── FULFILLMENT ─────────────────────────────────────────────────────────────

func (m *MemStore) FulfillItem(_ context.Context, item db.OrderItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFulfill != nil {
		return false, m.FailFulfill
	}

	var row *db.OrderItem
	for _, it := range m.items[item.OrderID] {
		if it.ID == item.ID {
			row = it
		}
	}
	if row == nil {
		return false, fmt.Errorf("FulfillItem: item %s: %w", item.ID, store.ErrNotFound)
	}
	if row.FulfilledAt.Valid {
		return false, nil
	}

	var free []*db.License
	if row.LicenseBacked {
		for _, l := range m.licenses {
			if l.ProductID == row.ProductID && !l.OrderID.Valid && !l.IsUsed {
				free = append(free, l)
			}
			if len(free) == int(row.Quantity) {
				break
			}
		}
		if len(free) < int(row.Quantity) {
			return false, fmt.Errorf("%w: product %s wanted %d, claimed %d",
				store.ErrInsufficientLicenses, row.ProductID, row.Quantity, len(free))
		}
	}
	p, ok := m.products[row.ProductID]
	if !ok || p.Stock < row.Quantity {
		return false, fmt.Errorf("%w: product %s quantity %d", store.ErrInsufficientStock, row.ProductID, row.Quantity)
	}

	now := m.Now()
	for _, l := range free {
		l.OrderID = uuid.NullUUID{UUID: row.OrderID, Valid: true}
		l.IsUsed = true
		l.AssignedAt = sql.NullTime{Time: now, Valid: true}
	}
	p.Stock -= row.Quantity
	m.products[row.ProductID] = p
	row.FulfilledAt = sql.NullTime{Time: now, Valid: true}
	return true, nil
}

func (m *MemStore) SetFulfillment(_ context.Context, id uuid.UUID, status db.FulfillmentStatus, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	o.FulfillmentStatus = status
	o.FulfillmentError = nullString(detail)
	o.UpdatedAt = m.Now()
	return nil
}

func (m *MemStore) ListOrdersAwaitingFulfillment(_ context.Context, limit int32) ([]db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.Order
	for _, o := range m.orders {
		if o.Status == db.OrderStatusPaid && o.FulfillmentStatus == db.FulfillmentStatusFailed {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.Time.Before(out[j].PaidAt.Time) })
	if len(out) > int(limit) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) ResetFulfillment(_ context.Context, id uuid.UUID) (db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.FulfillmentStatus != db.FulfillmentStatusNeedsAttention {
		return db.Order{}, store.ErrStatusConflict
	}
	o.FulfillmentStatus = db.FulfillmentStatusFailed
	o.UpdatedAt = m.Now()
	return *o, nil
}

// ─── LICENSES ────────────────────────────────────────────────────────────────

func (m *MemStore) SetLicensesRevoked(_ context.Context, orderID uuid.UUID, revoked bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, l := range m.licenses {
		if l.OrderID.Valid && l.OrderID.UUID == orderID && l.Revoked != revoked {
			l.Revoked = revoked
			n++
		}
	}
	return n, nil
}

func (m *MemStore) ListActiveLicenses(_ context.Context, orderID uuid.UUID) ([]db.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.License
	for _, l := range m.licenses {
		if l.OrderID.Valid && l.OrderID.UUID == orderID && !l.Revoked {
			out = append(out, *l)
		}
	}
	return out, nil
}

// ─── WEBHOOK EVENTS ──────────────────────────────────────────────────────────

func (m *MemStore) BeginEvent(_ context.Context, eventID, eventType string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailBeginEvent != nil {
		return m.FailBeginEvent
	}
	if _, ok := m.events[eventID]; ok {
		return store.ErrDuplicateEvent
	}
	now := m.Now()
	e := &db.WebhookEvent{
		ID:            uuid.New(),
		StripeEventID: eventID,
		Type:          eventType,
		Status:        db.WebhookEventStatusProcessing,
		Attempts:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(payload) > 0 {
		e.Payload = pqtype.NullRawMessage{RawMessage: append(json.RawMessage(nil), payload...), Valid: true}
	}
	m.events[eventID] = e
	return nil
}

func (m *MemStore) ReclaimStaleEvent(_ context.Context, eventID string, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok || e.Status != db.WebhookEventStatusProcessing || !e.UpdatedAt.Before(staleBefore) {
		return false, nil
	}
	e.Attempts++
	e.UpdatedAt = m.Now()
	return true, nil
}

func (m *MemStore) FinishEvent(_ context.Context, eventID string, out store.EventOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFinishEvent != nil {
		return m.FailFinishEvent
	}
	e, ok := m.events[eventID]
	if !ok {
		return store.ErrNotFound
	}
	now := m.Now()
	e.Status = out.Status
	if out.OrderID != uuid.Nil {
		e.OrderID = uuid.NullUUID{UUID: out.OrderID, Valid: true}
	}
	e.Error = nullString(out.Detail)
	e.ProcessedAt = sql.NullTime{Time: now, Valid: true}
	e.UpdatedAt = now
	return nil
}

func (m *MemStore) ListEvents(_ context.Context, status db.WebhookEventStatus, limit int32) ([]db.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.WebhookEvent
	for _, e := range m.events {
		if e.Status == status {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > int(limit) {
		out = out[:limit]
	}
	return out, nil
}

// ─── EMAIL LOG ───────────────────────────────────────────────────────────────

func (m *MemStore) ClaimEmail(_ context.Context, dedupeKey, kind, recipient, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emails[dedupeKey]; ok {
		return store.ErrDuplicateEmail
	}
	m.emails[dedupeKey] = &db.EmailLog{
		ID:        uuid.New(),
		DedupeKey: dedupeKey,
		Kind:      kind,
		Recipient: recipient,
		Subject:   subject,
		Status:    db.EmailStatusPending,
		CreatedAt: m.Now(),
	}
	return nil
}

func (m *MemStore) MarkEmailSent(_ context.Context, dedupeKey, providerMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emails[dedupeKey]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = db.EmailStatusSent
	e.ProviderMessageID = nullString(providerMessageID)
	e.SentAt = sql.NullTime{Time: m.Now(), Valid: true}
	return nil
}

func (m *MemStore) MarkEmailFailed(_ context.Context, dedupeKey, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emails[dedupeKey]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = db.EmailStatusFailed
	e.Error = nullString(detail)
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
