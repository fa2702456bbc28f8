package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nyashahama/licensekeys-backend/internal/auth"
	"github.com/nyashahama/licensekeys-backend/internal/db"
	"github.com/nyashahama/licensekeys-backend/internal/store"
)

// ─── GET /api/orders/:orderID ─────────────────────────────────────────────────

type orderItemResponse struct {
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id"`
	ProductName string `json:"product_name"`
	VariantName string `json:"variant_name,omitempty"`
	Quantity    int32  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

type orderResponse struct {
	ID                uuid.UUID            `json:"id"`
	Reference         string               `json:"reference"`
	Status            db.OrderStatus       `json:"status"`
	FulfillmentStatus db.FulfillmentStatus `json:"fulfillment_status"`
	Currency          string               `json:"currency"`
	Total             int64                `json:"total"`
	CreatedAt         time.Time            `json:"created_at"`
	PaidAt            *time.Time           `json:"paid_at,omitempty"`
	Items             []orderItemResponse  `json:"items"`
}

// handleGetOrder lets the success page poll an order until the webhook has
// marked it paid. Unknown orders and orders owned by someone else are both
// 404 so ids cannot be probed.
func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		respondErr(w, http.StatusBadRequest, "invalid order_id")
		return
	}
	user, _ := auth.UserFrom(r.Context())

	order, err := s.orders.GetOrder(r.Context(), orderID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && (!order.UserID.Valid || order.UserID.String != user.ID)) {
		respondErr(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("get order: %w", err))
		return
	}

	items, err := s.orders.ListOrderItems(r.Context(), orderID)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("list order items: %w", err))
		return
	}

	resp := orderResponse{
		ID:                order.ID,
		Reference:         order.Reference,
		Status:            order.Status,
		FulfillmentStatus: order.FulfillmentStatus,
		Currency:          order.Currency,
		Total:             order.TotalAmount,
		CreatedAt:         order.CreatedAt,
		Items:             make([]orderItemResponse, 0, len(items)),
	}
	if order.PaidAt.Valid {
		t := order.PaidAt.Time
		resp.PaidAt = &t
	}
	for _, it := range items {
		resp.Items = append(resp.Items, orderItemResponse{
			ProductID:   it.ProductID,
			VariantID:   it.VariantID,
			ProductName: it.ProductName,
			VariantName: it.VariantName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		})
	}

	respond(w, http.StatusOK, resp)
}
