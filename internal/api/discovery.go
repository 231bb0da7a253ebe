package api

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"

	"github.com/xenking/ucp-merchant/internal/domain/payment"
)

// ProtocolVersion is the UCP revision this server speaks.
const ProtocolVersion = "2026-01-11"

// Capabilities advertised in the discovery profile.
var Capabilities = []string{
	"dev.ucp.shopping.checkout",
	"dev.ucp.shopping.discount",
	"dev.ucp.shopping.fulfillment",
	"dev.ucp.shopping.order",
}

// SecurityProfile tells agents which guard headers the server expects.
type SecurityProfile struct {
	SigningRequired     bool   `json:"signingRequired"`
	TimestampHeader     string `json:"timestampHeader,omitempty"`
	SignatureHeader     string `json:"signatureHeader,omitempty"`
	IdempotencyHeader   string `json:"idempotencyHeader"`
	IdempotencyRequired bool   `json:"idempotencyRequired"`
}

// MerchantInfo identifies the store.
type MerchantInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// PaymentHandlerInfo describes the active payment provider.
type PaymentHandlerInfo struct {
	Name    string                     `json:"name"`
	Methods []payment.MethodDescriptor `json:"methods"`
}

// Profile is the discovery document served at /.well-known/ucp.
type Profile struct {
	Version         string               `json:"version"`
	Merchant        MerchantInfo         `json:"merchant"`
	Currency        string               `json:"currency"`
	Capabilities    []string             `json:"capabilities"`
	PaymentHandlers []PaymentHandlerInfo `json:"paymentHandlers"`
	Security        SecurityProfile      `json:"security"`
}

const profileCacheKey = "profile"

func (h *Handler) discovery(w http.ResponseWriter, r *http.Request) {
	p, err := h.profiles.Get(r.Context(), profileCacheKey, h.loadProfile)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	respondJSON(w, r, http.StatusOK, p)
}

func (h *Handler) loadProfile(ctx context.Context) (*Profile, error) {
	methods, err := h.payments.AvailableMethods(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "available payment methods")
	}
	sec := h.cfg.Security
	if sec.IdempotencyHeader == "" {
		sec.IdempotencyHeader = "Idempotency-Key"
	}
	return &Profile{
		Version:      h.cfg.Version,
		Merchant:     MerchantInfo{ID: h.cfg.MerchantID, Name: h.cfg.MerchantName},
		Currency:     h.cfg.Currency,
		Capabilities: Capabilities,
		PaymentHandlers: []PaymentHandlerInfo{
			{Name: h.payments.Name(), Methods: methods},
		},
		Security: sec,
	}, nil
}
