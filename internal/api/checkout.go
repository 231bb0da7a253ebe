package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/checkout"
	"github.com/xenking/ucp-merchant/internal/domain/commerce"
	"github.com/xenking/ucp-merchant/internal/domain/order"
	"github.com/xenking/ucp-merchant/internal/domain/payment"
)

type createCheckoutRequest struct {
	LineItems       []checkout.ItemInput `json:"lineItems"`
	Customer        *commerce.Customer   `json:"customer,omitempty"`
	ShippingAddress *commerce.Address    `json:"shippingAddress,omitempty"`
	BillingAddress  *commerce.Address    `json:"billingAddress,omitempty"`
	PaymentMethod   string               `json:"paymentMethod,omitempty"`
}

// updateCheckoutRequest is a partial update. Each present field becomes one
// command; a status of CANCELLED cancels the session after the other changes.
type updateCheckoutRequest struct {
	Customer                 *commerce.Customer `json:"customer,omitempty"`
	ShippingAddress          *commerce.Address  `json:"shippingAddress,omitempty"`
	BillingAddress           *commerce.Address  `json:"billingAddress,omitempty"`
	SelectedShippingOptionID *string            `json:"selectedShippingOptionId,omitempty"`
	PaymentMethod            *string            `json:"paymentMethod,omitempty"`
	Status                   *checkout.Status   `json:"status,omitempty"`
}

func (req updateCheckoutRequest) commands() ([]checkout.Command, error) {
	var cmds []checkout.Command
	if req.Customer != nil {
		cmds = append(cmds, checkout.SetCustomer{Customer: *req.Customer})
	}
	if req.ShippingAddress != nil {
		cmds = append(cmds, checkout.SetShippingAddress{Address: *req.ShippingAddress})
	}
	if req.BillingAddress != nil {
		cmds = append(cmds, checkout.SetBillingAddress{Address: *req.BillingAddress})
	}
	if req.SelectedShippingOptionID != nil {
		cmds = append(cmds, checkout.SelectShippingOption{OptionID: *req.SelectedShippingOptionID})
	}
	if req.PaymentMethod != nil {
		cmds = append(cmds, checkout.SetPaymentMethod{Method: *req.PaymentMethod})
	}
	if req.Status != nil {
		if *req.Status != checkout.StatusCancelled {
			return nil, apperr.Validation("status", "only %s can be requested", checkout.StatusCancelled)
		}
		cmds = append(cmds, checkout.Cancel{})
	}
	return cmds, nil
}

type applyDiscountRequest struct {
	Code string `json:"code"`
}

type completeCheckoutRequest struct {
	PaymentMethod string `json:"paymentMethod,omitempty"`
}

// completeResponse is returned by the complete endpoint. Order is absent
// while the payment requires buyer action.
type completeResponse struct {
	Status           string            `json:"status"`
	Session          *checkout.Session `json:"session"`
	Order            *order.Order      `json:"order,omitempty"`
	PaymentIntent    *payment.Intent   `json:"paymentIntent,omitempty"`
	AlreadyCompleted bool              `json:"alreadyCompleted,omitempty"`
}

const (
	completeStatusCompleted      = "completed"
	completeStatusRequiresAction = "requires_action"
)

func (h *Handler) createCheckout(w http.ResponseWriter, r *http.Request) {
	var req createCheckoutRequest
	if err := h.decodeJSON(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.checkouts.Create(r.Context(), checkout.CreateParams{
		Items:           req.LineItems,
		Customer:        req.Customer,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		PaymentMethod:   req.PaymentMethod,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusCreated, s)
}

func (h *Handler) getCheckout(w http.ResponseWriter, r *http.Request) {
	s, err := h.checkouts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, s)
}

func (h *Handler) updateCheckout(w http.ResponseWriter, r *http.Request) {
	var req updateCheckoutRequest
	if err := h.decodeJSON(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	cmds, err := req.commands()
	if err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.checkouts.Update(r.Context(), chi.URLParam(r, "id"), cmds...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, s)
}

func (h *Handler) shippingOptions(w http.ResponseWriter, r *http.Request) {
	options, err := h.checkouts.ShippingOptions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"shippingOptions": options})
}

func (h *Handler) applyDiscount(w http.ResponseWriter, r *http.Request) {
	var req applyDiscountRequest
	if err := h.decodeJSON(w, r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.checkouts.ApplyDiscount(r.Context(), chi.URLParam(r, "id"), req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, s)
}

func (h *Handler) removeDiscount(w http.ResponseWriter, r *http.Request) {
	s, err := h.checkouts.RemoveDiscount(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "discountId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, s)
}

func (h *Handler) paymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.checkouts.PaymentMethods(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, methods)
}

// completeCheckout answers 200 with the order, or 202 when the provider
// needs the buyer to act before the payment can be authorized.
func (h *Handler) completeCheckout(w http.ResponseWriter, r *http.Request) {
	var req completeCheckoutRequest
	if err := h.decodeJSON(w, r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.checkouts.Complete(r.Context(), chi.URLParam(r, "id"), req.PaymentMethod)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := completeResponse{
		Status:           completeStatusCompleted,
		Session:          res.Session,
		Order:            res.Order,
		PaymentIntent:    res.Intent,
		AlreadyCompleted: res.AlreadyCompleted,
	}
	status := http.StatusOK
	if res.Order == nil {
		out.Status = completeStatusRequiresAction
		status = http.StatusAccepted
	}
	respondJSON(w, r, status, out)
}
