package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/ucp-merchant/internal/domain/order"
)

type updateOrderRequest struct {
	LineItems []order.LineUpdate `json:"lineItems"`
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, o)
}

// updateOrder records fulfillment progress. Only per-line fulfilled and
// cancelled quantities can change.
func (h *Handler) updateOrder(w http.ResponseWriter, r *http.Request) {
	var req updateOrderRequest
	if err := h.decodeJSON(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.orders.UpdateFulfillment(r.Context(), chi.URLParam(r, "id"), req.LineItems)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, o)
}
