package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/nyashahama/licensekeys-backend/internal/auth"
	"github.com/nyashahama/licensekeys-backend/internal/cart"
	"github.com/nyashahama/licensekeys-backend/internal/checkout"
	"github.com/nyashahama/licensekeys-backend/internal/pricing"
	"github.com/nyashahama/licensekeys-backend/internal/store"
)

// ─── POST /api/checkout/session ───────────────────────────────────────────────

// Clients send only ids and quantities. Unknown fields, prices included, are
// rejected by decode.
type createCheckoutRequest struct {
	Items    []cart.Line        `json:"items"`
	Shipping *checkout.Shipping `json:"shipping,omitempty"`
}

type createCheckoutResponse struct {
	SessionURL string    `json:"session_url"`
	OrderID    uuid.UUID `json:"order_id"`
	// Reused is true when an open session for the same cart was returned
	// instead of a new one.
	Reused bool `json:"reused"`
}

// handleCreateCheckoutSession prices the cart server-side and returns a Stripe
// Checkout URL. Repeated submissions of the same cart within the reuse window
// return the same URL.
func (s *Server) handleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req createCheckoutRequest
	if !decode(w, r, &req) {
		return
	}

	creq := checkout.Request{
		ClientIP: clientIP(r),
		Lines:    req.Items,
		Shipping: req.Shipping,
	}
	if u, ok := auth.UserFrom(r.Context()); ok {
		creq.User = &u
	}

	res, err := s.checkout.CreateSession(r.Context(), creq)
	if err != nil {
		s.respondCheckoutErr(w, r, err)
		return
	}

	respond(w, http.StatusOK, createCheckoutResponse{
		SessionURL: res.SessionURL,
		OrderID:    res.OrderID,
		Reused:     res.Reused,
	})
}

// respondCheckoutErr maps orchestrator errors onto HTTP statuses. Anything
// unrecognised is a 500 with no detail.
func (s *Server) respondCheckoutErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rateErr  *checkout.RateLimitError
		validErr *cart.ValidationError
	)
	switch {
	case errors.Is(err, checkout.ErrUnauthorized):
		respondErr(w, http.StatusUnauthorized, "sign in required")

	case errors.As(err, &rateErr):
		secs := int(math.Ceil(rateErr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		respondErr(w, http.StatusTooManyRequests, "too many checkout attempts, retry later")

	case errors.As(err, &validErr):
		respond(w, http.StatusBadRequest, map[string]string{
			"error": validErr.Message,
			"field": validErr.Field,
		})

	case errors.Is(err, pricing.ErrInvalidCart), errors.Is(err, pricing.ErrInvalidVariantForProduct):
		respondErr(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, pricing.ErrProductNotFound), errors.Is(err, pricing.ErrVariantNotFound):
		respondErr(w, http.StatusNotFound, err.Error())

	case errors.Is(err, checkout.ErrOrderInFlight), errors.Is(err, store.ErrActiveOrderExists):
		respondErr(w, http.StatusConflict, "a checkout for this cart is already in progress")

	default:
		s.respondInternalErr(w, r, fmt.Errorf("create checkout session: %w", err))
	}
}
