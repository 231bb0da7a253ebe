// Package gateway adapts a Stripe-style REST payment provider to
// payment.Handler.
//
// Mutating calls are never retried here; the provider deduplicates them by
// Idempotency-Key and the caller reconciles ambiguous outcomes through
// GetPaymentIntent, the only call retried with backoff.
package gateway

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/payment"
	"github.com/xenking/ucp-merchant/internal/money"
	"github.com/xenking/ucp-merchant/pkg/signature"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("payment provider unavailable")

// Config holds the provider connection settings.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	// Methods lists the payment method types advertised to buyers.
	Methods []string
	// Timeout bounds every provider call.
	Timeout time.Duration
	// MaxReadRetries bounds GetPaymentIntent attempts.
	MaxReadRetries uint
}

// Client is the gateway payment.Handler.
type Client struct {
	cfg      Config
	base     *url.URL
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[[]byte]
	verifier *signature.Verifier
	lg       *zap.Logger
}

var _ payment.Handler = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the logger used for breaker state changes.
func WithLogger(lg *zap.Logger) Option {
	return func(cl *Client) { cl.lg = lg }
}

// New creates a gateway client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, errors.New("gateway: base url and api key are required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxReadRetries == 0 {
		cfg.MaxReadRetries = 4
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []string{"card"}
	}

	c := &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{},
		lg:   zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	if cfg.WebhookSecret != "" {
		if c.verifier, err = signature.NewVerifier([]byte(cfg.WebhookSecret), 5*time.Minute); err != nil {
			return nil, err
		}
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client errors and declines say nothing about provider health.
		IsSuccessful: func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.status < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.lg.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c, nil
}

func (c *Client) Name() string { return "gateway" }

// Check reports ErrUnavailable while the circuit breaker is open.
func (c *Client) Check(context.Context) error {
	if c.breaker.State() == gobreaker.StateOpen {
		return ErrUnavailable
	}
	return nil
}

func (c *Client) AvailableMethods(_ context.Context) ([]payment.MethodDescriptor, error) {
	out := make([]payment.MethodDescriptor, 0, len(c.cfg.Methods))
	for _, m := range c.cfg.Methods {
		d := payment.MethodDescriptor{Type: m, Label: m}
		if m == "card" {
			d.Label = "Credit or debit card"
			d.Brands = []string{"visa", "mastercard", "amex"}
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Client) CreatePaymentIntent(ctx context.Context, params payment.CreateParams) (*payment.Intent, error) {
	body := encodeObj(func(e *jx.Encoder) {
		e.FieldStart("amount")
		e.Str(params.Amount.AmountString())
		e.FieldStart("currency")
		e.Str(params.Amount.Currency)
		if params.CustomerID != "" {
			e.FieldStart("customer")
			e.Str(params.CustomerID)
		}
		e.FieldStart("capture_method")
		e.Str("manual")
		e.FieldStart("metadata")
		e.ObjStart()
		e.FieldStart("checkout_session_id")
		e.Str(params.CheckoutSessionID)
		e.ObjEnd()
	})
	key := params.IdempotencyKey
	if key == "" {
		key = opKey(ctx, "create")
	}
	return c.intentCall(ctx, http.MethodPost, "/v1/payment_intents", key, body)
}

func (c *Client) ConfirmPayment(ctx context.Context, intentID, method string) (*payment.Intent, error) {
	body := encodeObj(func(e *jx.Encoder) {
		e.FieldStart("payment_method")
		e.Str(method)
	})
	return c.intentCall(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(intentID)+"/confirm", opKey(ctx, "confirm"), body)
}

func (c *Client) CapturePayment(ctx context.Context, intentID string, amount *money.Money) (*payment.Intent, error) {
	body := encodeObj(func(e *jx.Encoder) {
		if amount != nil {
			e.FieldStart("amount_to_capture")
			e.Str(amount.AmountString())
		}
	})
	return c.intentCall(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(intentID)+"/capture", opKey(ctx, "capture"), body)
}

func (c *Client) CancelPayment(ctx context.Context, intentID string) (*payment.Intent, error) {
	return c.intentCall(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(intentID)+"/cancel", opKey(ctx, "cancel"), nil)
}

func (c *Client) Refund(ctx context.Context, intentID string, amount *money.Money) (*payment.Intent, error) {
	body := encodeObj(func(e *jx.Encoder) {
		e.FieldStart("payment_intent")
		e.Str(intentID)
		if amount != nil {
			e.FieldStart("amount")
			e.Str(amount.AmountString())
		}
	})
	if _, err := c.call(ctx, http.MethodPost, "/v1/refunds", opKey(ctx, "refund"), body); err != nil {
		return nil, err
	}
	return c.GetPaymentIntent(ctx, intentID)
}

// GetPaymentIntent is a pure read and is retried with exponential backoff on
// transport errors and 5xx responses.
func (c *Client) GetPaymentIntent(ctx context.Context, intentID string) (*payment.Intent, error) {
	path := "/v1/payment_intents/" + url.PathEscape(intentID)
	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		data, err := c.call(ctx, http.MethodGet, path, "", nil)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return data, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.cfg.MaxReadRetries),
		backoff.WithMaxElapsedTime(c.cfg.Timeout),
	)
	if err != nil {
		return nil, err
	}
	return decodeIntent(data)
}

func (c *Client) SavedPaymentMethods(ctx context.Context, customerID string) ([]payment.Method, error) {
	data, err := c.call(ctx, http.MethodGet, "/v1/customers/"+url.PathEscape(customerID)+"/payment_methods", "", nil)
	if err != nil {
		return nil, err
	}
	return decodeMethods(data)
}

func (c *Client) DeletePaymentMethod(ctx context.Context, customerID, methodID string) error {
	_, err := c.call(ctx, http.MethodDelete,
		"/v1/customers/"+url.PathEscape(customerID)+"/payment_methods/"+url.PathEscape(methodID), "", nil)
	return err
}

func (c *Client) ParseWebhookEvent(_ context.Context, payload []byte, sig string) (*payment.WebhookEvent, error) {
	if c.verifier == nil {
		return nil, errors.Wrap(payment.ErrInvalidSignature, "webhook secret not configured")
	}
	if err := c.verifier.VerifyHeader(sig, payload); err != nil {
		return nil, errors.Wrapf(payment.ErrInvalidSignature, "%v", err)
	}
	return payment.DecodeWebhookEvent(payload)
}

func (c *Client) intentCall(ctx context.Context, method, path, key string, body []byte) (*payment.Intent, error) {
	data, err := c.call(ctx, method, path, key, body)
	if err != nil {
		return nil, err
	}
	return decodeIntent(data)
}

// statusError is a non-2xx provider response.
type statusError struct {
	status int
	apiError
}

func (e *statusError) Error() string {
	return "gateway: status " + http.StatusText(e.status) + ": " + e.Message
}

// call performs one request through the circuit breaker and maps failures
// into the apperr taxonomy.
func (c *Client) call(ctx context.Context, method, path, key string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	data, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, method, path, key, body)
	})
	if err == nil {
		return data, nil
	}

	var se *statusError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	case errors.As(err, &se):
		return nil, mapStatus(se, path)
	case method != http.MethodGet && isAmbiguous(err):
		return nil, errors.Wrapf(payment.ErrAmbiguous, "%s %s: %v", method, path, err)
	default:
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
}

func (c *Client) do(ctx context.Context, method, path, key string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 300 {
		return nil, &statusError{status: resp.StatusCode, apiError: decodeAPIError(data)}
	}
	return data, nil
}

func mapStatus(se *statusError, path string) error {
	switch {
	case se.status == http.StatusNotFound:
		return apperr.NotFound("gateway resource", path)
	case se.status == http.StatusConflict:
		return &apperr.InvalidTransitionError{Entity: "payment intent", From: se.Code, To: se.Message}
	case se.status == http.StatusPaymentRequired:
		return &apperr.PaymentFailedError{DeclineCode: se.Code, Message: se.Message}
	case se.status == http.StatusTooManyRequests:
		return &apperr.RateLimitedError{RetryAfter: time.Second}
	case se.status < 500:
		return apperr.Validation("payment", "%s", se.Message)
	default:
		return se
	}
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= 500
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.Canceled) {
		return false
	}
	return apperr.Retryable(err)
}

func isAmbiguous(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// opKey derives a per-operation provider key from the caller's key so each
// step of one request is deduplicated independently.
func opKey(ctx context.Context, op string) string {
	key := payment.IdempotencyKey(ctx)
	if key == "" {
		return ""
	}
	return key + ":" + op
}
