package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyashahama/licensekeys-backend/internal/db"
	"github.com/nyashahama/licensekeys-backend/internal/fulfillment"
	"github.com/nyashahama/licensekeys-backend/internal/invoice"
	"github.com/nyashahama/licensekeys-backend/internal/notify"
	"github.com/nyashahama/licensekeys-backend/internal/store"
	"github.com/nyashahama/licensekeys-backend/internal/testutil"
)

// ─── STUBS ────────────────────────────────────────────────────────────────────

type stubJob struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *stubJob) Run(_ context.Context, _ uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func newTestRunner(job Runnable, st Store) *Runner {
	return NewRunner(job, st, RunnerConfig{
		Workers:    1,
		MaxRetries: 3,
		Backoff:    func(int) time.Duration { return 0 },
	}, testutil.DiscardLogger())
}

func seedPaid(t *testing.T, st *testutil.MemStore, quantity int32) db.Order {
	t.Helper()
	st.AddProduct("win11-pro", "Windows 11 Pro", "189.90", true, 10)
	o := st.SeedOrder("user-1", "buyer@example.com", store.NewOrderItem{
		ProductID:     "win11-pro",
		VariantID:     "win11-pro-key",
		ProductName:   "Windows 11 Pro",
		VariantName:   "Digital key",
		LicenseBacked: true,
		Quantity:      quantity,
		UnitPrice:     18990,
	})
	paid, err := st.MarkOrderPaid(context.Background(), o.ID, "cs_test_1", "pi_1")
	require.NoError(t, err)
	return paid
}

// ─── RUNNER ───────────────────────────────────────────────────────────────────

func TestRunWithRetry_SucceedsAfterFailures(t *testing.T) {
	st := testutil.NewMemStore()
	o := seedPaid(t, st, 1)
	job := &stubJob{errs: []error{errors.New("boom"), errors.New("boom")}}
	r := newTestRunner(job, st)

	r.runWithRetry(context.Background(), o.ID, r.logger)

	assert.Equal(t, 3, job.calls)
	got, _ := st.Order(o.ID)
	assert.NotEqual(t, db.FulfillmentStatusNeedsAttention, got.FulfillmentStatus)
}

func TestRunWithRetry_FlagsOrderAfterMaxRetries(t *testing.T) {
	st := testutil.NewMemStore()
	o := seedPaid(t, st, 1)
	job := &stubJob{errs: []error{errors.New("a"), errors.New("b"), errors.New("no keys left")}}
	r := newTestRunner(job, st)

	r.runWithRetry(context.Background(), o.ID, r.logger)

	assert.Equal(t, 3, job.calls)
	got, _ := st.Order(o.ID)
	assert.Equal(t, db.FulfillmentStatusNeedsAttention, got.FulfillmentStatus)
	assert.Equal(t, "no keys left", got.FulfillmentError.String)
}

func TestEnqueue_DeduplicatesInflightOrders(t *testing.T) {
	r := newTestRunner(&stubJob{}, testutil.NewMemStore())
	id := uuid.New()

	require.NoError(t, r.Enqueue(context.Background(), id))
	require.NoError(t, r.Enqueue(context.Background(), id))
	assert.Len(t, r.queue, 1)
}

func TestEnqueue_FullQueueReturnsError(t *testing.T) {
	r := newTestRunner(&stubJob{}, testutil.NewMemStore())
	for i := 0; i < cap(r.queue); i++ {
		require.NoError(t, r.Enqueue(context.Background(), uuid.New()))
	}

	extra := uuid.New()
	assert.Error(t, r.Enqueue(context.Background(), extra))
	// A rejected id can be enqueued again later.
	<-r.queue
	assert.NoError(t, r.Enqueue(context.Background(), extra))
}

func TestPollOnce_EnqueuesFailedFulfillments(t *testing.T) {
	st := testutil.NewMemStore()
	o := seedPaid(t, st, 1)
	require.NoError(t, st.SetFulfillment(context.Background(), o.ID, db.FulfillmentStatusFailed, "no keys"))
	r := newTestRunner(&stubJob{}, st)

	r.pollOnce(context.Background())
	r.pollOnce(context.Background())

	require.Len(t, r.queue, 1)
	assert.Equal(t, o.ID, <-r.queue)
}

// ─── JOB ──────────────────────────────────────────────────────────────────────

func newTestJob(st *testutil.MemStore, sender *testutil.RecordingSender) *Job {
	log := testutil.DiscardLogger()
	svc := fulfillment.NewService(st, notify.NewDispatcher(st, sender, log), invoice.NewRenderer(), "Test Store", log)
	return NewJob(st, svc, log)
}

func TestJob_RetryFulfillsOnceKeysArrive(t *testing.T) {
	st := testutil.NewMemStore()
	sender := &testutil.RecordingSender{}
	o := seedPaid(t, st, 2)
	st.AddLicenses("win11-pro", "AAAAA-1")
	job := newTestJob(st, sender)

	err := job.Run(context.Background(), o.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrInsufficientLicenses)
	got, _ := st.Order(o.ID)
	assert.Equal(t, db.FulfillmentStatusFailed, got.FulfillmentStatus)
	assert.Equal(t, int32(10), st.Stock("win11-pro"))

	st.AddLicenses("win11-pro", "AAAAA-2")
	require.NoError(t, job.Run(context.Background(), o.ID))

	got, _ = st.Order(o.ID)
	assert.Equal(t, db.FulfillmentStatusFulfilled, got.FulfillmentStatus)
	assert.Equal(t, int32(8), st.Stock("win11-pro"))
	assert.Len(t, st.LicensesFor(o.ID), 2)

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].HTML, "AAAAA-1")
	assert.Contains(t, sent[0].HTML, "AAAAA-2")
	require.Len(t, sent[0].Attachments, 1)
	assert.Contains(t, st.Emails(), notify.OrderKey(o.ID, notify.KindLicenseDelivery))

	// A further run is a no-op.
	require.NoError(t, job.Run(context.Background(), o.ID))
	assert.Len(t, sender.Sent(), 1)
	assert.Equal(t, int32(8), st.Stock("win11-pro"))
}

func TestJob_SkipsOrdersNoLongerPaid(t *testing.T) {
	st := testutil.NewMemStore()
	sender := &testutil.RecordingSender{}
	o := seedPaid(t, st, 1)
	_, err := st.MarkOrderRefunded(context.Background(), o.ID, "requested_by_customer", "ch_1")
	require.NoError(t, err)
	st.AddLicenses("win11-pro", "AAAAA-1")

	require.NoError(t, newTestJob(st, sender).Run(context.Background(), o.ID))
	assert.Empty(t, st.LicensesFor(o.ID))
	assert.Empty(t, sender.Sent())
}
