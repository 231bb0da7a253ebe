// Package simulator implements a deterministic in-process payment.Handler.
//
// Outcomes depend only on the payment method token:
//
//	tok_visa, tok_mastercard   authorized
//	tok_decline                failed (card_declined)
//	tok_insufficient_funds     failed (insufficient_funds)
//	tok_3ds                    requires_action; confirming again authorizes
//
// Saved methods ("pm_...") resolve to the token they were saved with.
package simulator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/payment"
	"github.com/xenking/ucp-merchant/internal/money"
	"github.com/xenking/ucp-merchant/pkg/signature"
)

// Tokens understood by the simulator.
const (
	TokenVisa              = "tok_visa"
	TokenMastercard        = "tok_mastercard"
	TokenDecline           = "tok_decline"
	TokenInsufficientFunds = "tok_insufficient_funds"
	Token3DS               = "tok_3ds"
)

// Config tunes the simulator.
type Config struct {
	// FailAll declines every confirmation.
	FailAll bool
	// RequireAction sends every first confirmation through requires_action.
	RequireAction bool
	// DeclineMessage overrides the message of declined confirmations.
	DeclineMessage string
	// WebhookSecret signs and verifies webhook events.
	WebhookSecret string
}

// Handler is the simulated provider.
type Handler struct {
	cfg      Config
	signer   *signature.Signer
	verifier *signature.Verifier
	now      func() time.Time

	mu      sync.Mutex
	intents map[string]*payment.Intent
	byKey   map[string]string
	// challenged marks intents that were already sent through requires_action.
	challenged map[string]bool
	saved      map[string][]savedMethod
}

type savedMethod struct {
	method payment.Method
	token  string
}

var _ payment.Handler = (*Handler)(nil)

// New creates a simulator.
func New(cfg Config) *Handler {
	h := &Handler{
		cfg:        cfg,
		now:        time.Now,
		intents:    make(map[string]*payment.Intent),
		byKey:      make(map[string]string),
		challenged: make(map[string]bool),
		saved:      make(map[string][]savedMethod),
	}
	if cfg.WebhookSecret != "" {
		h.signer = signature.NewSigner([]byte(cfg.WebhookSecret))
		h.verifier, _ = signature.NewVerifier([]byte(cfg.WebhookSecret), 5*time.Minute)
	}
	return h
}

func (h *Handler) Name() string { return "simulator" }

func (h *Handler) AvailableMethods(_ context.Context) ([]payment.MethodDescriptor, error) {
	return []payment.MethodDescriptor{
		{Type: "card", Label: "Credit or debit card", Brands: []string{"visa", "mastercard"}},
	}, nil
}

func (h *Handler) CreatePaymentIntent(_ context.Context, params payment.CreateParams) (*payment.Intent, error) {
	if !params.Amount.IsPositive() {
		return nil, apperr.Validation("amount", "must be positive")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if params.IdempotencyKey != "" {
		if id, ok := h.byKey[params.IdempotencyKey]; ok {
			return h.intents[id].Clone(), nil
		}
	}

	id := "pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	intent := payment.NewIntent(id, params.CheckoutSessionID, id+"_secret_"+uuid.NewString()[:8], params.Amount, h.now())
	h.intents[id] = intent
	if params.IdempotencyKey != "" {
		h.byKey[params.IdempotencyKey] = id
	}
	return intent.Clone(), nil
}

func (h *Handler) ConfirmPayment(_ context.Context, intentID, method string) (*payment.Intent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	intent, err := h.get(intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status == payment.StatusAuthorized && intent.PaymentMethod == method {
		return intent.Clone(), nil
	}

	token := h.resolve(method)
	now := h.now()

	switch {
	case h.cfg.FailAll:
		err = intent.Fail("card_declined", h.declineMessage("Your card was declined."), now)
	case token == TokenDecline:
		err = intent.Fail("card_declined", h.declineMessage("Your card was declined."), now)
	case token == TokenInsufficientFunds:
		err = intent.Fail("insufficient_funds", h.declineMessage("Your card has insufficient funds."), now)
	case token == Token3DS || h.cfg.RequireAction:
		if intent.Status == payment.StatusRequiresAction || h.challenged[intent.ID] {
			err = intent.Authorize(method, now)
			break
		}
		h.challenged[intent.ID] = true
		err = intent.RequireAction(method, payment.NextAction{
			Type:        "redirect_to_url",
			RedirectURL: "https://simulator.invalid/3ds/" + intent.ID,
		}, now)
	case token == TokenVisa || token == TokenMastercard:
		err = intent.Authorize(method, now)
	default:
		err = intent.Fail("invalid_payment_method", "Unknown payment method "+method+".", now)
	}
	if err != nil {
		return nil, err
	}
	return intent.Clone(), nil
}

func (h *Handler) CapturePayment(_ context.Context, intentID string, amount *money.Money) (*payment.Intent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	intent, err := h.get(intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status == payment.StatusCaptured && amount == nil {
		return intent.Clone(), nil
	}
	capture := intent.AuthorizedAmount
	if amount != nil {
		capture = *amount
	}
	if err := intent.Capture(capture, h.now()); err != nil {
		return nil, err
	}
	return intent.Clone(), nil
}

func (h *Handler) CancelPayment(_ context.Context, intentID string) (*payment.Intent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	intent, err := h.get(intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status == payment.StatusCancelled {
		return intent.Clone(), nil
	}
	if err := intent.Cancel(h.now()); err != nil {
		return nil, err
	}
	return intent.Clone(), nil
}

func (h *Handler) Refund(_ context.Context, intentID string, amount *money.Money) (*payment.Intent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	intent, err := h.get(intentID)
	if err != nil {
		return nil, err
	}
	refund := amount
	if refund == nil {
		balance, err := intent.CapturedAmount.Sub(intent.RefundedAmount)
		if err != nil {
			return nil, err
		}
		refund = &balance
	}
	if err := intent.Refund(*refund, h.now()); err != nil {
		return nil, err
	}
	return intent.Clone(), nil
}

func (h *Handler) GetPaymentIntent(_ context.Context, intentID string) (*payment.Intent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	intent, err := h.get(intentID)
	if err != nil {
		return nil, err
	}
	return intent.Clone(), nil
}

// SaveMethod stores token as a reusable method for customerID.
func (h *Handler) SaveMethod(customerID, token, brand, last4 string) payment.Method {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := payment.Method{
		ID:         "pm_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		CustomerID: customerID,
		Type:       "card",
		Brand:      brand,
		Last4:      last4,
	}
	h.saved[customerID] = append(h.saved[customerID], savedMethod{method: m, token: token})
	return m
}

func (h *Handler) SavedPaymentMethods(_ context.Context, customerID string) ([]payment.Method, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]payment.Method, 0, len(h.saved[customerID]))
	for _, s := range h.saved[customerID] {
		out = append(out, s.method)
	}
	return out, nil
}

func (h *Handler) DeletePaymentMethod(_ context.Context, customerID, methodID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	methods := h.saved[customerID]
	for i, s := range methods {
		if s.method.ID == methodID {
			h.saved[customerID] = append(methods[:i], methods[i+1:]...)
			return nil
		}
	}
	return apperr.NotFound("payment method", methodID)
}

// SignedEvent builds a webhook payload and signature header for the intent's
// current status.
func (h *Handler) SignedEvent(intentID string) (payload []byte, header string, err error) {
	if h.signer == nil {
		return nil, "", errors.New("webhook secret not configured")
	}
	intent, err := h.GetPaymentIntent(context.Background(), intentID)
	if err != nil {
		return nil, "", err
	}
	payload = payment.EncodeWebhookEvent(&payment.WebhookEvent{
		ID:        "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Type:      payment.EventTypeFor(intent.Status),
		IntentID:  intent.ID,
		Status:    intent.Status,
		CreatedAt: h.now(),
	})
	return payload, h.signer.Header(payload), nil
}

func (h *Handler) ParseWebhookEvent(_ context.Context, payload []byte, sig string) (*payment.WebhookEvent, error) {
	if h.verifier != nil {
		if err := h.verifier.VerifyHeader(sig, payload); err != nil {
			return nil, errors.Wrap(payment.ErrInvalidSignature, err.Error())
		}
	}
	return payment.DecodeWebhookEvent(payload)
}

func (h *Handler) get(id string) (*payment.Intent, error) {
	intent, ok := h.intents[id]
	if !ok {
		return nil, apperr.NotFound("payment intent", id)
	}
	return intent, nil
}

func (h *Handler) resolve(method string) string {
	if !strings.HasPrefix(method, "pm_") {
		return method
	}
	for _, methods := range h.saved {
		for _, s := range methods {
			if s.method.ID == method {
				return s.token
			}
		}
	}
	return method
}

func (h *Handler) declineMessage(def string) string {
	if h.cfg.DeclineMessage != "" {
		return h.cfg.DeclineMessage
	}
	return def
}
