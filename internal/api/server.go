// Package api implements the storefront's HTTP layer. Handlers are methods on
// *Server. Each handler file is responsible for one resource group and only
// imports the dependencies it actually uses.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nyashahama/licensekeys-backend/internal/auth"
	"github.com/nyashahama/licensekeys-backend/internal/checkout"
	"github.com/nyashahama/licensekeys-backend/internal/db"
	"github.com/nyashahama/licensekeys-backend/internal/reconcile"
)

// Config holds values read from environment variables at startup.
type Config struct {
	// Env is "production", "staging", or "development".
	Env string

	// AllowedOrigin is the storefront origin allowed by CORS in production.
	AllowedOrigin string

	// CookieName is the session cookie set by the auth provider.
	CookieName string

	// WebhookMaxBodyBytes caps Stripe webhook payloads.
	WebhookMaxBodyBytes int64
}

// ─── DEPENDENCIES ─────────────────────────────────────────────────────────────

// CheckoutService is implemented by *checkout.Orchestrator.
type CheckoutService interface {
	CreateSession(ctx context.Context, req checkout.Request) (checkout.Result, error)
}

// WebhookProcessor is implemented by *reconcile.Reconciler.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, sigHeader string) (reconcile.Result, error)
}

// OrderReader is implemented by *store.Store.
type OrderReader interface {
	GetOrder(ctx context.Context, id uuid.UUID) (db.Order, error)
	ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]db.OrderItem, error)
}

// TokenVerifier is implemented by *auth.Verifier.
type TokenVerifier interface {
	Verify(token string) (auth.User, error)
}

// Server holds all shared dependencies. Each handler file attaches methods to
// this type and uses only the fields it needs.
type Server struct {
	checkout CheckoutService
	webhooks WebhookProcessor
	orders   OrderReader
	tokens   TokenVerifier

	cfg    Config
	logger *slog.Logger
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to pass to http.Server.
func NewServer(
	co CheckoutService,
	wh WebhookProcessor,
	orders OrderReader,
	tokens TokenVerifier,
	cfg Config,
	logger *slog.Logger,
) http.Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = "session"
	}
	if cfg.WebhookMaxBodyBytes <= 0 {
		cfg.WebhookMaxBodyBytes = 256 << 10
	}
	s := &Server{
		checkout: co,
		webhooks: wh,
		orders:   orders,
		tokens:   tokens,
		cfg:      cfg,
		logger:   logger,
	}

	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(middleware.Timeout(30 * time.Second))

	// ── Health ────────────────────────────────────────────────────────────────
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// ── API ───────────────────────────────────────────────────────────────────
	r.Route("/api", func(r chi.Router) {

		// Stripe webhook: no session auth, the signature is checked inside.
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			// The orchestrator rejects anonymous callers itself.
			r.Post("/checkout/session", s.handleCreateCheckoutSession)

			r.With(s.requireUser).Get("/orders/{orderID}", s.handleGetOrder)
		})
	})

	return r
}
