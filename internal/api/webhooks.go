package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/nyashahama/licensekeys-backend/internal/reconcile"
)

// ─── POST /api/webhooks/stripe ────────────────────────────────────────────────

// handleStripeWebhook is the entry point for all Stripe webhook deliveries.
//
// Oversized bodies and bad signatures are the only non-2xx answers. Once the
// signature verifies the event is acknowledged whatever happens next; the
// outcome is recorded in webhook_events instead, so Stripe never retries a
// delivery that already reached the reconciler.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.WebhookMaxBodyBytes

	// ── 1. Size-limit before and after reading ───────────────────────────────
	if r.ContentLength > limit {
		respondErr(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			respondErr(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		respondErr(w, http.StatusBadRequest, "could not read request body")
		return
	}
	if int64(len(payload)) > limit {
		respondErr(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	// ── 2. Verify + reconcile on the raw bytes ────────────────────────────────
	res, err := s.webhooks.Process(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, reconcile.ErrInvalidSignature) {
		s.logger.Warn("webhook: invalid signature", "error", err, logField(r))
		respondErr(w, http.StatusBadRequest, "invalid webhook signature")
		return
	}
	if err != nil {
		s.logger.Error("webhook: unexpected error, acknowledging", "error", err, logField(r))
	}

	s.logger.Debug("webhook: acknowledged",
		"event_id", res.EventID,
		"type", res.Type,
		"status", res.Status,
		"duplicate", res.Duplicate,
		"degraded", res.Degraded,
		logField(r),
	)
	respond(w, http.StatusOK, map[string]bool{"received": true})
}
