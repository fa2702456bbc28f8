// Package worker retries order fulfillment in the background. It is decoupled
// from the webhook path: the reconciler holds a worker.Enqueuer and calls
// Enqueue when a paid order could not be fulfilled inline.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nyashahama/licensekeys-backend/internal/db"
)

// ─── ENQUEUER INTERFACE ───────────────────────────────────────────────────────

// Enqueuer is the narrow interface the reconciler uses to hand off a failed
// fulfillment. The concrete implementation is *Runner.
type Enqueuer interface {
	Enqueue(ctx context.Context, orderID uuid.UUID) error
}

// Runnable is the unit of work the Runner retries. *Job implements it.
type Runnable interface {
	Run(ctx context.Context, orderID uuid.UUID) error
}

// Store is what the Runner needs beyond the job itself.
type Store interface {
	ListOrdersAwaitingFulfillment(ctx context.Context, limit int32) ([]db.Order, error)
	SetFulfillment(ctx context.Context, id uuid.UUID, status db.FulfillmentStatus, detail string) error
}

// ─── RUNNER ───────────────────────────────────────────────────────────────────

// RunnerConfig holds tuning parameters for the Runner. Zero fields fall back
// to DefaultRunnerConfig.
type RunnerConfig struct {
	// Workers is the number of concurrent job goroutines. Default: 3.
	Workers int

	// PollInterval is how often the poller looks for failed fulfillments the
	// channel never saw (enqueue dropped, process restarted). Default: 30s.
	PollInterval time.Duration

	// JobTimeout is the per-attempt deadline. Default: 1 minute.
	JobTimeout time.Duration

	// MaxRetries is the number of attempts before the order is flagged
	// needs_attention. Default: 3.
	MaxRetries int

	// PollBatch caps how many orders one poll enqueues. Default: 50.
	PollBatch int32

	// Backoff returns the wait after a failed attempt. Default: 2s, 4s, 8s…
	Backoff func(attempt int) time.Duration
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:      3,
		PollInterval: 30 * time.Second,
		JobTimeout:   time.Minute,
		MaxRetries:   3,
		PollBatch:    50,
		Backoff:      func(attempt int) time.Duration { return time.Duration(1<<attempt) * time.Second },
	}
}

// Runner manages a pool of worker goroutines fed by an in-process channel
// (fast path) and a database poller (recovery path).
type Runner struct {
	job    Runnable
	store  Store
	cfg    RunnerConfig
	logger *slog.Logger

	queue chan uuid.UUID
	wg    sync.WaitGroup

	// inflight holds order ids queued or running, so the poller and the
	// webhook path do not run the same order twice at once.
	mu       sync.Mutex
	inflight map[uuid.UUID]bool
}

// NewRunner constructs a Runner. Call Start() to begin processing.
func NewRunner(job Runnable, st Store, cfg RunnerConfig, logger *slog.Logger) *Runner {
	def := DefaultRunnerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = def.PollBatch
	}
	if cfg.Backoff == nil {
		cfg.Backoff = def.Backoff
	}

	return &Runner{
		job:      job,
		store:    st,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan uuid.UUID, cfg.Workers*2),
		inflight: make(map[uuid.UUID]bool),
	}
}

// Enqueue pushes orderID onto the channel without blocking. A full queue is
// an error; the poller will find the order later.
func (r *Runner) Enqueue(_ context.Context, orderID uuid.UUID) error {
	if !r.claim(orderID) {
		r.logger.Debug("worker: order already queued", "order_id", orderID)
		return nil
	}
	select {
	case r.queue <- orderID:
		r.logger.Info("worker: enqueued order", "order_id", orderID)
		return nil
	default:
		r.release(orderID)
		return errors.New("worker: queue is full, order will be picked up by poller")
	}
}

func (r *Runner) claim(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[id] {
		return false
	}
	r.inflight[id] = true
	return true
}

func (r *Runner) release(id uuid.UUID) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

// Start launches the worker pool and the poller and blocks until ctx is
// cancelled:
//
//	go runner.Start(ctx)
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("worker: starting", "workers", r.cfg.Workers, "poll_interval", r.cfg.PollInterval)

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.work(ctx, i)
	}

	r.wg.Add(1)
	go r.poll(ctx)

	r.wg.Wait()
	r.logger.Info("worker: stopped")
}

func (r *Runner) work(ctx context.Context, id int) {
	defer r.wg.Done()
	log := r.logger.With("worker_id", id)
	log.Info("worker: goroutine started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker: goroutine stopping")
			return
		case orderID := <-r.queue:
			r.runWithRetry(ctx, orderID, log)
			r.release(orderID)
		}
	}
}

func (r *Runner) poll(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	// Once at startup for anything left over from before a restart.
	r.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	orders, err := r.store.ListOrdersAwaitingFulfillment(ctx, r.cfg.PollBatch)
	if err != nil {
		r.logger.Error("worker: poll failed", "error", err)
		return
	}
	for _, o := range orders {
		if !r.claim(o.ID) {
			continue
		}
		select {
		case r.queue <- o.ID:
			r.logger.Debug("worker: poller enqueued order", "order_id", o.ID)
		default:
			// Queue full; next poll cycle.
			r.release(o.ID)
			return
		}
	}
}

// runWithRetry runs the job up to MaxRetries times, then flags the order
// needs_attention so the poller stops picking it up.
func (r *Runner) runWithRetry(ctx context.Context, orderID uuid.UUID, log *slog.Logger) {
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
		lastErr = r.job.Run(jobCtx, orderID)
		cancel()

		if lastErr == nil {
			log.Info("worker: job completed", "order_id", orderID, "attempt", attempt)
			return
		}

		log.Warn("worker: job attempt failed",
			"order_id", orderID,
			"attempt", attempt,
			"max", r.cfg.MaxRetries,
			"error", lastErr,
		)

		if attempt < r.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.Backoff(attempt)):
			}
		}
	}

	log.Error("worker: fulfillment needs attention", "order_id", orderID, "error", lastErr)
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.SetFulfillment(failCtx, orderID, db.FulfillmentStatusNeedsAttention, lastErr.Error()); err != nil {
		log.Error("worker: flag order", "order_id", orderID, "error", err)
	}
}
