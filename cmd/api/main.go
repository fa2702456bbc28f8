package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/soheilhy/cmux"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nyashahama/licensekeys-backend/internal/api"
	"github.com/nyashahama/licensekeys-backend/internal/auth"
	"github.com/nyashahama/licensekeys-backend/internal/checkout"
	"github.com/nyashahama/licensekeys-backend/internal/config"
	"github.com/nyashahama/licensekeys-backend/internal/db"
	"github.com/nyashahama/licensekeys-backend/internal/email"
	"github.com/nyashahama/licensekeys-backend/internal/fulfillment"
	"github.com/nyashahama/licensekeys-backend/internal/invoice"
	"github.com/nyashahama/licensekeys-backend/internal/notify"
	"github.com/nyashahama/licensekeys-backend/internal/ratelimit"
	"github.com/nyashahama/licensekeys-backend/internal/reconcile"
	"github.com/nyashahama/licensekeys-backend/internal/store"
	stripeinternal "github.com/nyashahama/licensekeys-backend/internal/stripe"
	"github.com/nyashahama/licensekeys-backend/internal/worker"
)

func main() {
	// ── Logger ────────────────────────────────────────────────────────────────
	// JSON in production, pretty text in development.
	var logger *slog.Logger
	if os.Getenv("ENV") == "production" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// ── Config ────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Info("config loaded", "env", cfg.Env, "port", cfg.Port, "currency", cfg.Currency)

	// ── Database ──────────────────────────────────────────────────────────────
	pool, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	st := store.New(pool, db.New(pool))

	// ── Providers ─────────────────────────────────────────────────────────────
	stripeClient := stripeinternal.NewClient(cfg.StripeSecretKey)
	mailer := email.NewResendClient(cfg.ResendAPIKey, cfg.EmailFromAddr, cfg.EmailFromName)
	notifier := notify.NewDispatcher(st, mailer, logger)
	fulfiller := fulfillment.NewService(st, notifier, invoice.NewRenderer(), cfg.StoreName, logger)

	// ── Rate limits ───────────────────────────────────────────────────────────
	ipLimiter := ratelimit.PerMinute(cfg.CheckoutPerMinute)
	userLimiter := ratelimit.PerMinute(cfg.CheckoutPerMinute)
	var webhookLimiter reconcile.Limiter
	var webhookKeyed *ratelimit.Keyed
	if cfg.WebhookRatePerSecond > 0 {
		webhookKeyed = ratelimit.New(rate.Limit(cfg.WebhookRatePerSecond), cfg.WebhookRatePerSecond*2)
		webhookLimiter = webhookKeyed
	}

	// ── Worker ────────────────────────────────────────────────────────────────
	var (
		runner  *worker.Runner
		retries worker.Enqueuer
	)
	if cfg.WorkerEnabled {
		runner = worker.NewRunner(worker.NewJob(st, fulfiller, logger), st, worker.RunnerConfig{
			Workers:      cfg.WorkerCount,
			PollInterval: cfg.PollInterval,
			JobTimeout:   cfg.JobTimeout,
			MaxRetries:   cfg.MaxRetries,
		}, logger)
		retries = runner
	}

	// ── Domain services ───────────────────────────────────────────────────────
	orchestrator := checkout.New(st, stripeClient, ipLimiter, userLimiter, checkout.Config{
		Currency:    cfg.Currency,
		SuccessURL:  cfg.SuccessURL,
		CancelURL:   cfg.CancelURL,
		ReuseWindow: cfg.ReuseWindow,
		SessionTTL:  cfg.SessionTTL,
	}, logger)

	reconciler := reconcile.New(st, stripeClient, fulfiller, notifier, retries, webhookLimiter, reconcile.Config{
		WebhookSecret: cfg.StripeWebhookSecret,
		StoreName:     cfg.StoreName,
		AdminEmail:    cfg.AdminEmail,
		StaleAfter:    cfg.WebhookStaleAfter,
	}, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.NewServer(
		orchestrator,
		reconciler,
		st,
		auth.NewVerifier(cfg.JWTSecret),
		api.Config{
			Env:                 cfg.Env,
			AllowedOrigin:       cfg.BaseURL,
			CookieName:          cfg.CookieName,
			WebhookMaxBodyBytes: cfg.WebhookMaxBodyBytes,
		},
		logger,
	)

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// ── gRPC health on the same port ──────────────────────────────────────────
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	lis, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	mux := cmux.New(lis)
	grpcL := mux.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := mux.Match(cmux.Any())

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	// Root context cancelled by OS signal. Worker and servers all respect it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan struct{})
	if runner != nil {
		go func() {
			runner.Start(ctx)
			close(workerDone)
		}()
	} else {
		close(workerDone)
		logger.Info("fulfillment worker disabled")
	}

	go sweepLimiters(ctx, ipLimiter, userLimiter, webhookKeyed)

	serverErr := make(chan error, 3)
	go func() {
		if err := grpcSrv.Serve(grpcL); err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, cmux.ErrListenerClosed) {
			serverErr <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		if err := srv.Serve(httpL); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			serverErr <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("server listening", "addr", lis.Addr().String())
		if err := mux.Serve(); err != nil && !errors.Is(err, cmux.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			serverErr <- fmt.Errorf("cmux: %w", err)
		}
	}()

	// Block until either a signal arrives or a server dies unexpectedly.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	healthSrv.Shutdown() // NOT_SERVING for load balancers

	// Give in-flight HTTP requests up to 20 seconds to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	grpcSrv.GracefulStop()
	mux.Close()

	<-workerDone
	logger.Info("shutdown complete")
	return nil
}

// sweepLimiters evicts idle rate-limit buckets so per-IP state stays bounded.
func sweepLimiters(ctx context.Context, limiters ...*ratelimit.Keyed) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range limiters {
				if l != nil {
					l.Sweep(10 * time.Minute)
				}
			}
		}
	}
}

// openDB opens the connection pool and verifies it is reachable.
func openDB(dsn string) (*sql.DB, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(10)
	pool.SetConnMaxLifetime(5 * time.Minute)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}
