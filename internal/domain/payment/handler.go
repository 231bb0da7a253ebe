// Package payment defines the payment handler contract and the canonical
// payment intent state machine shared by every provider.
package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/ucp-merchant/internal/money"
)

// ErrAmbiguous is returned when a provider call timed out or the connection
// dropped after the request may have been processed. The caller must
// reconcile with GetPaymentIntent instead of assuming failure.
var ErrAmbiguous = errors.New("payment provider outcome unknown")

// ErrInvalidSignature is returned by ParseWebhookEvent for unauthenticated
// payloads.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// MethodDescriptor advertises a payment method type the merchant accepts.
type MethodDescriptor struct {
	Type   string   `json:"type"`
	Label  string   `json:"label"`
	Brands []string `json:"brands,omitempty"`
}

// Method is a tokenized payment method saved for a customer.
type Method struct {
	ID         string `json:"id"`
	CustomerID string `json:"customerId"`
	Type       string `json:"type"`
	Brand      string `json:"brand,omitempty"`
	Last4      string `json:"last4,omitempty"`
}

// CreateParams are the inputs of CreatePaymentIntent.
type CreateParams struct {
	CheckoutSessionID string
	Amount            money.Money
	CustomerID        string
	// IdempotencyKey is forwarded to providers that support it.
	IdempotencyKey string
}

// WebhookEvent is a provider notification about an intent.
type WebhookEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	IntentID  string    `json:"intentId"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Handler is the capability set every payment provider implements. The
// implementation is chosen once at construction.
type Handler interface {
	// Name identifies the provider in discovery and logs.
	Name() string
	AvailableMethods(ctx context.Context) ([]MethodDescriptor, error)
	CreatePaymentIntent(ctx context.Context, params CreateParams) (*Intent, error)
	// ConfirmPayment attempts authorization. A provider decline is reported
	// through the returned intent's status, not the error.
	ConfirmPayment(ctx context.Context, intentID, method string) (*Intent, error)
	// CapturePayment settles amount, or the full authorized amount when nil.
	CapturePayment(ctx context.Context, intentID string, amount *money.Money) (*Intent, error)
	CancelPayment(ctx context.Context, intentID string) (*Intent, error)
	// Refund returns amount, or the full remaining balance when nil.
	Refund(ctx context.Context, intentID string, amount *money.Money) (*Intent, error)
	GetPaymentIntent(ctx context.Context, intentID string) (*Intent, error)
	SavedPaymentMethods(ctx context.Context, customerID string) ([]Method, error)
	DeletePaymentMethod(ctx context.Context, customerID, methodID string) error
	ParseWebhookEvent(ctx context.Context, payload []byte, signature string) (*WebhookEvent, error)
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches the caller's idempotency key so providers that
// support it can derive per-operation keys.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKey returns the key attached by WithIdempotencyKey.
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}
