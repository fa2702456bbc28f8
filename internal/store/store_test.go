package store_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/nyashahama/licensekeys-backend/internal/db"
	"github.com/nyashahama/licensekeys-backend/internal/store"
)

// ─── TEST INFRASTRUCTURE ──────────────────────────────────────────────────────

// openTestDB returns a *sql.DB from DATABASE_URL. Skips if the env var is
// not set so the test suite still passes in CI without a Postgres instance.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping store integration tests")
	}
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if err := pool.PingContext(context.Background()); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

// fixture is a product with one variant and its own id namespace, so tests
// can run in parallel against a shared database.
type fixture struct {
	pool      *sql.DB
	st        *store.Store
	productID string
	variantID string
}

func newFixture(t *testing.T, stock int, licenseBacked bool) fixture {
	t.Helper()
	pool := openTestDB(t)
	ctx := context.Background()

	suffix := strings.ToLower(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	f := fixture{
		pool:      pool,
		st:        store.New(pool, db.New(pool)),
		productID: "test-product-" + suffix,
		variantID: "test-variant-" + suffix,
	}

	if _, err := pool.ExecContext(ctx,
		`INSERT INTO products (id, name, base_price, license_backed, stock) VALUES ($1, $2, 99.00, $3, $4)`,
		f.productID, "Office Test "+suffix, licenseBacked, stock); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	if _, err := pool.ExecContext(ctx,
		`INSERT INTO product_variants (id, product_id, name) VALUES ($1, $2, 'Digital key')`,
		f.variantID, f.productID); err != nil {
		t.Fatalf("seed variant: %v", err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = pool.ExecContext(ctx, `DELETE FROM licenses WHERE product_id = $1`, f.productID)
		_, _ = pool.ExecContext(ctx,
			`DELETE FROM orders WHERE id IN (SELECT order_id FROM order_items WHERE product_id = $1)`, f.productID)
		_, _ = pool.ExecContext(ctx, `DELETE FROM product_variants WHERE id = $1`, f.variantID)
		_, _ = pool.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, f.productID)
	})
	return f
}

// seedOrder creates a pending order holding qty units of the fixture product.
func (f fixture) seedOrder(t *testing.T, userID string, qty int32) (db.Order, []db.OrderItem) {
	t.Helper()
	ctx := context.Background()

	order, err := f.st.CreateOrder(ctx, store.NewOrder{
		UserID:          userID,
		Email:           "buyer@example.com",
		Currency:        "eur",
		TotalAmount:     int64(qty) * 9900,
		CartFingerprint: "fp-" + f.productID,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	t.Cleanup(func() { _, _ = f.pool.ExecContext(context.Background(), `DELETE FROM orders WHERE id = $1`, order.ID) })

	if err := f.st.InsertOrderItems(ctx, order.ID, []store.NewOrderItem{{
		ProductID:     f.productID,
		VariantID:     f.variantID,
		ProductName:   "Office Test",
		VariantName:   "Digital key",
		LicenseBacked: true,
		Quantity:      qty,
		UnitPrice:     9900,
	}}); err != nil {
		t.Fatalf("InsertOrderItems: %v", err)
	}
	items, err := f.st.ListOrderItems(ctx, order.ID)
	if err != nil {
		t.Fatalf("ListOrderItems: %v", err)
	}
	return order, items
}

func (f fixture) importKeys(t *testing.T, n int) {
	t.Helper()
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("KEY-%s-%03d", f.productID, i)
	}
	if _, err := f.st.ImportLicenses(context.Background(), f.productID, keys); err != nil {
		t.Fatalf("ImportLicenses: %v", err)
	}
}

func (f fixture) stock(t *testing.T) int {
	t.Helper()
	var n int
	if err := f.pool.QueryRowContext(context.Background(),
		`SELECT stock FROM products WHERE id = $1`, f.productID).Scan(&n); err != nil {
		t.Fatalf("read stock: %v", err)
	}
	return n
}

// ─── NewReference ─────────────────────────────────────────────────────────────

func TestNewReference_Format(t *testing.T) {
	now := time.Date(2026, 10, 19, 23, 30, 0, 0, time.UTC)
	re := regexp.MustCompile(`^MS-20261019-[0-9A-HJKMNP-TV-Z]{6}$`)
	for i := 0; i < 50; i++ {
		ref, err := store.NewReference(now)
		if err != nil {
			t.Fatalf("NewReference: %v", err)
		}
		if !re.MatchString(ref) {
			t.Fatalf("reference %q does not match %s", ref, re)
		}
	}
}

// ─── Orders ───────────────────────────────────────────────────────────────────

func TestCreateOrder_SecondPendingForSameCartConflicts(t *testing.T) {
	f := newFixture(t, 10, true)
	f.seedOrder(t, "user-dup-"+f.productID, 1)

	_, err := f.st.CreateOrder(context.Background(), store.NewOrder{
		UserID:          "user-dup-" + f.productID,
		Email:           "buyer@example.com",
		Currency:        "eur",
		TotalAmount:     9900,
		CartFingerprint: "fp-" + f.productID,
	})
	if !errors.Is(err, store.ErrActiveOrderExists) {
		t.Fatalf("expected ErrActiveOrderExists, got %v", err)
	}
}

func TestMarkOrderPaid_SessionMismatchAndRepeat(t *testing.T) {
	f := newFixture(t, 10, true)
	ctx := context.Background()
	order, _ := f.seedOrder(t, "user-paid-"+f.productID, 1)

	if err := f.st.SetCheckoutSession(ctx, order.ID, "cs_test_"+f.productID); err != nil {
		t.Fatalf("SetCheckoutSession: %v", err)
	}

	if _, err := f.st.MarkOrderPaid(ctx, order.ID, "cs_other", "pi_x"); !errors.Is(err, store.ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch, got %v", err)
	}

	paid, err := f.st.MarkOrderPaid(ctx, order.ID, "cs_test_"+f.productID, "pi_test_"+f.productID)
	if err != nil {
		t.Fatalf("MarkOrderPaid: %v", err)
	}
	if paid.Status != db.OrderStatusPaid || !paid.PaidAt.Valid {
		t.Errorf("status=%s paid_at valid=%v", paid.Status, paid.PaidAt.Valid)
	}

	again, err := f.st.MarkOrderPaid(ctx, order.ID, "cs_test_"+f.productID, "pi_test_"+f.productID)
	if !errors.Is(err, store.ErrStatusConflict) {
		t.Fatalf("second MarkOrderPaid: expected ErrStatusConflict, got %v", err)
	}
	if again.Status != db.OrderStatusPaid {
		t.Errorf("current order should be returned with the conflict, got status %q", again.Status)
	}

	found, err := f.st.FindOrderByPayment(ctx, "pi_test_"+f.productID, "")
	if err != nil || found.ID != order.ID {
		t.Fatalf("FindOrderByPayment: id=%s err=%v", found.ID, err)
	}
}

func TestDiscardPendingOrder_KeepsPaidOrders(t *testing.T) {
	f := newFixture(t, 10, true)
	ctx := context.Background()

	pending, _ := f.seedOrder(t, "user-discard-"+f.productID, 1)
	if err := f.st.DiscardPendingOrder(ctx, pending.ID); err != nil {
		t.Fatalf("DiscardPendingOrder: %v", err)
	}
	if _, err := f.st.GetOrder(ctx, pending.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after discard, got %v", err)
	}

	paid, _ := f.seedOrder(t, "user-discard-"+f.productID, 1)
	if err := f.st.SetCheckoutSession(ctx, paid.ID, "cs_discard_"+f.productID); err != nil {
		t.Fatalf("SetCheckoutSession: %v", err)
	}
	if _, err := f.st.MarkOrderPaid(ctx, paid.ID, "cs_discard_"+f.productID, ""); err != nil {
		t.Fatalf("MarkOrderPaid: %v", err)
	}
	if err := f.st.DiscardPendingOrder(ctx, paid.ID); !errors.Is(err, store.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	items, err := f.st.ListOrderItems(ctx, paid.ID)
	if err != nil || len(items) != 1 {
		t.Fatalf("paid order items must survive the rejected discard: n=%d err=%v", len(items), err)
	}
}

func TestBindOrderUser(t *testing.T) {
	f := newFixture(t, 10, true)
	ctx := context.Background()
	order, _ := f.seedOrder(t, "", 1)

	bound, err := f.st.BindOrderUser(ctx, order.ID, "alice")
	if err != nil || bound.UserID.String != "alice" {
		t.Fatalf("first bind: user=%q err=%v", bound.UserID.String, err)
	}
	if _, err := f.st.BindOrderUser(ctx, order.ID, "alice"); err != nil {
		t.Fatalf("rebinding the same user should be a no-op: %v", err)
	}
	if _, err := f.st.BindOrderUser(ctx, order.ID, "mallory"); !errors.Is(err, store.ErrUserMismatch) {
		t.Fatalf("expected ErrUserMismatch, got %v", err)
	}
}

// ─── Fulfillment ──────────────────────────────────────────────────────────────

func TestFulfillItem_AssignsLicensesAndDecrementsOnce(t *testing.T) {
	f := newFixture(t, 5, true)
	ctx := context.Background()
	f.importKeys(t, 3)
	order, items := f.seedOrder(t, "user-fulfil-"+f.productID, 2)

	applied, err := f.st.FulfillItem(ctx, items[0])
	if err != nil || !applied {
		t.Fatalf("FulfillItem: applied=%v err=%v", applied, err)
	}
	applied, err = f.st.FulfillItem(ctx, items[0])
	if err != nil || applied {
		t.Fatalf("second FulfillItem must be a no-op: applied=%v err=%v", applied, err)
	}

	if got := f.stock(t); got != 3 {
		t.Errorf("stock: got %d, want 3", got)
	}
	lic, err := f.st.ListActiveLicenses(ctx, order.ID)
	if err != nil {
		t.Fatalf("ListActiveLicenses: %v", err)
	}
	if len(lic) != 2 {
		t.Fatalf("licenses: got %d, want 2", len(lic))
	}
	for _, l := range lic {
		if !l.IsUsed || !l.AssignedAt.Valid {
			t.Errorf("license %s not marked used", l.ID)
		}
	}
}

func TestFulfillItem_ShortLicensePoolRollsBack(t *testing.T) {
	f := newFixture(t, 5, true)
	ctx := context.Background()
	f.importKeys(t, 1)
	order, items := f.seedOrder(t, "user-short-"+f.productID, 2)

	_, err := f.st.FulfillItem(ctx, items[0])
	if !errors.Is(err, store.ErrInsufficientLicenses) {
		t.Fatalf("expected ErrInsufficientLicenses, got %v", err)
	}
	if got := f.stock(t); got != 5 {
		t.Errorf("stock must be untouched after rollback: got %d", got)
	}
	lic, _ := f.st.ListActiveLicenses(ctx, order.ID)
	if len(lic) != 0 {
		t.Errorf("no license should stay assigned, got %d", len(lic))
	}
	after, _ := f.st.ListOrderItems(ctx, order.ID)
	if after[0].FulfilledAt.Valid {
		t.Error("item must not be marked fulfilled after rollback")
	}
}

func TestFulfillItem_InsufficientStock(t *testing.T) {
	f := newFixture(t, 1, true)
	f.importKeys(t, 5)
	_, items := f.seedOrder(t, "user-stock-"+f.productID, 2)

	if _, err := f.st.FulfillItem(context.Background(), items[0]); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if got := f.stock(t); got != 1 {
		t.Errorf("stock: got %d, want 1", got)
	}
}

func TestFulfillItem_ConcurrentOrdersNeverShareKeys(t *testing.T) {
	f := newFixture(t, 100, true)
	ctx := context.Background()
	f.importKeys(t, 6)

	const orders = 3
	var items []db.OrderItem
	var ids []uuid.UUID
	for i := 0; i < orders; i++ {
		o, it := f.seedOrder(t, fmt.Sprintf("user-race-%d-%s", i, f.productID), 2)
		ids = append(ids, o.ID)
		items = append(items, it[0])
	}

	var wg sync.WaitGroup
	errs := make([]error, orders)
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.st.FulfillItem(ctx, items[i])
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, id := range ids {
		if errs[i] != nil {
			t.Fatalf("order %d: %v", i, errs[i])
		}
		lic, err := f.st.ListActiveLicenses(ctx, id)
		if err != nil {
			t.Fatalf("ListActiveLicenses: %v", err)
		}
		if len(lic) != 2 {
			t.Errorf("order %d: got %d licenses", i, len(lic))
		}
		for _, l := range lic {
			if seen[l.KeyCode] {
				t.Errorf("key %s assigned twice", l.KeyCode)
			}
			seen[l.KeyCode] = true
		}
	}
}

func TestResetFulfillment_OnlyFromNeedsAttention(t *testing.T) {
	f := newFixture(t, 5, true)
	ctx := context.Background()
	order, _ := f.seedOrder(t, "user-reset-"+f.productID, 1)

	if _, err := f.st.ResetFulfillment(ctx, order.ID); !errors.Is(err, store.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict for a pending fulfillment, got %v", err)
	}
	if err := f.st.SetFulfillment(ctx, order.ID, db.FulfillmentStatusNeedsAttention, "out of keys"); err != nil {
		t.Fatalf("SetFulfillment: %v", err)
	}
	reset, err := f.st.ResetFulfillment(ctx, order.ID)
	if err != nil {
		t.Fatalf("ResetFulfillment: %v", err)
	}
	if reset.FulfillmentStatus != db.FulfillmentStatusFailed {
		t.Errorf("fulfillment status: got %q", reset.FulfillmentStatus)
	}
}

// ─── Licenses ─────────────────────────────────────────────────────────────────

func TestImportLicenses_SkipsExistingAndBlank(t *testing.T) {
	f := newFixture(t, 0, true)
	ctx := context.Background()

	res, err := f.st.ImportLicenses(ctx, f.productID, []string{"A-1", "A-2", "  ", "A-1"})
	if err != nil {
		t.Fatalf("ImportLicenses: %v", err)
	}
	if res.Inserted != 2 || res.Skipped != 1 {
		t.Errorf("first import: %+v", res)
	}

	res, err = f.st.ImportLicenses(ctx, f.productID, []string{"A-2", "A-3"})
	if err != nil {
		t.Fatalf("ImportLicenses: %v", err)
	}
	if res.Inserted != 1 || res.Skipped != 1 {
		t.Errorf("second import: %+v", res)
	}
}

func TestSetLicensesRevoked_Idempotent(t *testing.T) {
	f := newFixture(t, 5, true)
	ctx := context.Background()
	f.importKeys(t, 2)
	order, items := f.seedOrder(t, "user-revoke-"+f.productID, 2)
	if _, err := f.st.FulfillItem(ctx, items[0]); err != nil {
		t.Fatalf("FulfillItem: %v", err)
	}

	n, err := f.st.SetLicensesRevoked(ctx, order.ID, true)
	if err != nil || n != 2 {
		t.Fatalf("revoke: n=%d err=%v", n, err)
	}
	n, err = f.st.SetLicensesRevoked(ctx, order.ID, true)
	if err != nil || n != 0 {
		t.Fatalf("repeat revoke: n=%d err=%v", n, err)
	}
	lic, _ := f.st.ListActiveLicenses(ctx, order.ID)
	if len(lic) != 0 {
		t.Errorf("revoked licenses must not be listed as active, got %d", len(lic))
	}
	if n, _ := f.st.SetLicensesRevoked(ctx, order.ID, false); n != 2 {
		t.Errorf("reinstate: n=%d", n)
	}
}

// ─── Webhook events and email log ─────────────────────────────────────────────

func TestBeginEvent_DuplicateAndReclaim(t *testing.T) {
	pool := openTestDB(t)
	ctx := context.Background()
	st := store.New(pool, db.New(pool))

	eventID := "evt_test_" + uuid.NewString()
	t.Cleanup(func() { _, _ = pool.ExecContext(ctx, `DELETE FROM webhook_events WHERE stripe_event_id = $1`, eventID) })

	if err := st.BeginEvent(ctx, eventID, "checkout.session.completed", []byte(`{"id":"x"}`)); err != nil {
		t.Fatalf("BeginEvent: %v", err)
	}
	if err := st.BeginEvent(ctx, eventID, "checkout.session.completed", nil); !errors.Is(err, store.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	ok, err := st.ReclaimStaleEvent(ctx, eventID, time.Now().Add(-time.Hour))
	if err != nil || ok {
		t.Fatalf("fresh event must not be reclaimed: ok=%v err=%v", ok, err)
	}
	ok, err = st.ReclaimStaleEvent(ctx, eventID, time.Now().Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("stale event should be reclaimed: ok=%v err=%v", ok, err)
	}

	if err := st.FinishEvent(ctx, eventID, store.EventOutcome{Status: db.WebhookEventStatusProcessed}); err != nil {
		t.Fatalf("FinishEvent: %v", err)
	}
	ok, err = st.ReclaimStaleEvent(ctx, eventID, time.Now().Add(time.Hour))
	if err != nil || ok {
		t.Fatalf("processed event must not be reclaimed: ok=%v err=%v", ok, err)
	}
}

func TestClaimEmail_DedupeKey(t *testing.T) {
	pool := openTestDB(t)
	ctx := context.Background()
	st := store.New(pool, db.New(pool))

	key := "license:" + uuid.NewString()
	t.Cleanup(func() { _, _ = pool.ExecContext(ctx, `DELETE FROM email_log WHERE dedupe_key = $1`, key) })

	if err := st.ClaimEmail(ctx, key, "license", "buyer@example.com", "Your keys"); err != nil {
		t.Fatalf("ClaimEmail: %v", err)
	}
	if err := st.MarkEmailFailed(ctx, key, "provider down"); err != nil {
		t.Fatalf("MarkEmailFailed: %v", err)
	}
	if err := st.ClaimEmail(ctx, key, "license", "buyer@example.com", "Your keys"); !errors.Is(err, store.ErrDuplicateEmail) {
		t.Fatalf("a failed send still holds the key: got %v", err)
	}
}

func TestResolveDispute_WonReversesRefund(t *testing.T) {
	f := newFixture(t, 5, true)
	ctx := context.Background()
	order, _ := f.seedOrder(t, "user-dispute-"+f.productID, 1)
	if err := f.st.SetCheckoutSession(ctx, order.ID, "cs_dispute_"+f.productID); err != nil {
		t.Fatalf("SetCheckoutSession: %v", err)
	}
	if _, err := f.st.MarkOrderPaid(ctx, order.ID, "cs_dispute_"+f.productID, ""); err != nil {
		t.Fatalf("MarkOrderPaid: %v", err)
	}
	if _, err := f.st.MarkOrderRefunded(ctx, order.ID, "requested_by_customer", "ch_"+f.productID); err != nil {
		t.Fatalf("MarkOrderRefunded: %v", err)
	}

	if _, err := f.st.ResolveDispute(ctx, order.ID, db.OrderStatusRefunded, "lost"); !errors.Is(err, store.ErrStatusConflict) {
		t.Fatalf("lost on a refunded order: expected ErrStatusConflict, got %v", err)
	}

	won, err := f.st.ResolveDispute(ctx, order.ID, db.OrderStatusPaid, "won")
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if won.Status != db.OrderStatusPaid || won.RefundedAt.Valid || won.RefundReason.Valid {
		t.Errorf("status=%s refunded_at=%v refund_reason=%q", won.Status, won.RefundedAt.Valid, won.RefundReason.String)
	}
}
