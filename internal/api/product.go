package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/product"
)

// listProducts returns every product in the catalog.
func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.products.List(r.Context())
	if err != nil {
		writeError(w, r, errors.Wrap(err, "list products"))
		return
	}
	if products == nil {
		products = []product.Product{}
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"products": products})
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.products.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, product.ErrNotFound) {
			writeError(w, r, apperr.NotFound("product", id))
			return
		}
		writeError(w, r, errors.Wrap(err, "get product"))
		return
	}
	respondJSON(w, r, http.StatusOK, p)
}
