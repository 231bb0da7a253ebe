package api

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/payment"
)

// WebhookSignatureHeader carries the provider's "t=<unix>,v1=<hex>" signature.
const WebhookSignatureHeader = "Webhook-Signature"

type webhookAck struct {
	Received bool   `json:"received"`
	EventID  string `json:"eventId"`
}

// paymentWebhook accepts provider notifications. The payload is verified by
// the payment handler itself, so the request-signing and idempotency guards
// do not apply here.
func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, r, apperr.Validation("body", "unreadable request body"))
		return
	}
	ev, err := h.payments.ParseWebhookEvent(r.Context(), body, r.Header.Get(WebhookSignatureHeader))
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			zctx.From(r.Context()).Warn("Webhook rejected", zap.Error(err))
			writeError(w, r, &apperr.AuthError{Reason: "invalid webhook signature"})
			return
		}
		writeError(w, r, apperr.Invalid("body", err))
		return
	}

	zctx.From(r.Context()).Info("Payment webhook received",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("intent_id", ev.IntentID),
		zap.String("status", string(ev.Status)),
	)
	respondJSON(w, r, http.StatusOK, webhookAck{Received: true, EventID: ev.ID})
}
