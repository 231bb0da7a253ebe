package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/commerce"
	"github.com/xenking/ucp-merchant/internal/domain/discount"
	"github.com/xenking/ucp-merchant/internal/domain/order"
	"github.com/xenking/ucp-merchant/internal/domain/payment"
	"github.com/xenking/ucp-merchant/internal/domain/product"
	"github.com/xenking/ucp-merchant/internal/money"
	"github.com/xenking/ucp-merchant/pkg/keylock"
)

// Publisher is notified after an order has been created.
type Publisher interface {
	OrderCreated(ctx context.Context, o *order.Order) error
}

// Options tunes the Manager. Zero values select defaults.
type Options struct {
	MerchantID string
	Currency   string
	// TaxRate is a flat percentage of the subtotal applied at creation.
	TaxRate        decimal.Decimal
	SessionTTL     time.Duration
	PaymentTimeout time.Duration
	Shipping       ShippingCatalog
	Publisher      Publisher
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
	Now            func() time.Time
}

// Manager owns checkout sessions. All mutations of one session are
// serialized through a per-session lock.
type Manager struct {
	store     Store
	orders    order.Repository
	products  product.Repository
	discounts *discount.Engine
	payments  payment.Handler
	shipping  ShippingCatalog
	publisher Publisher
	locks     *keylock.Locker

	merchantID     string
	currency       string
	taxRate        decimal.Decimal
	ttl            time.Duration
	paymentTimeout time.Duration
	now            func() time.Time

	tracer          trace.Tracer
	completed       metric.Int64Counter
	paymentFailures metric.Int64Counter
	duration        metric.Float64Histogram
}

// NewManager wires a Manager.
func NewManager(
	store Store,
	orders order.Repository,
	products product.Repository,
	discounts *discount.Engine,
	payments payment.Handler,
	opts Options,
) (*Manager, error) {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 6 * time.Hour
	}
	if opts.PaymentTimeout <= 0 {
		opts.PaymentTimeout = 30 * time.Second
	}
	if opts.Shipping == nil {
		opts.Shipping = DefaultShipping(opts.Currency)
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = noop.NewMeterProvider()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = tracenoop.NewTracerProvider()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	m := &Manager{
		store:          store,
		orders:         orders,
		products:       products,
		discounts:      discounts,
		payments:       payments,
		shipping:       opts.Shipping,
		publisher:      opts.Publisher,
		locks:          keylock.New(),
		merchantID:     opts.MerchantID,
		currency:       opts.Currency,
		taxRate:        opts.TaxRate,
		ttl:            opts.SessionTTL,
		paymentTimeout: opts.PaymentTimeout,
		now:            opts.Now,
		tracer:         opts.TracerProvider.Tracer("ucp/checkout"),
	}

	meter := opts.MeterProvider.Meter("ucp/checkout")
	var err error
	if m.completed, err = meter.Int64Counter("ucp.checkout.completed",
		metric.WithDescription("Checkout sessions completed with an order"),
	); err != nil {
		return nil, errors.Wrap(err, "completed counter")
	}
	if m.paymentFailures, err = meter.Int64Counter("ucp.checkout.payment_failures",
		metric.WithDescription("Payment failures during checkout completion"),
	); err != nil {
		return nil, errors.Wrap(err, "payment failures counter")
	}
	if m.duration, err = meter.Float64Histogram("ucp.checkout.complete.duration",
		metric.WithDescription("Duration of the complete transaction"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, errors.Wrap(err, "duration histogram")
	}
	return m, nil
}

// ItemInput is a requested product line.
type ItemInput struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// CreateParams are the inputs of Create.
type CreateParams struct {
	Items           []ItemInput
	Customer        *commerce.Customer
	ShippingAddress *commerce.Address
	BillingAddress  *commerce.Address
	PaymentMethod   string
}

// Create prices the requested items from the catalog and opens a session.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Session, error) {
	if len(p.Items) == 0 {
		return nil, apperr.Validation("lineItems", "at least one line item is required")
	}
	ids := make([]string, len(p.Items))
	for i, item := range p.Items {
		if item.Quantity <= 0 {
			return nil, apperr.Validation("quantity", "must be greater than 0 for product %s", item.ProductID)
		}
		ids[i] = item.ProductID
	}

	fetched, err := m.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, pr := range fetched {
		byID[pr.ID] = pr
	}

	lines := make([]commerce.LineItem, 0, len(p.Items))
	for _, item := range p.Items {
		pr, ok := byID[item.ProductID]
		if !ok {
			return nil, apperr.Invalid("lineItems", errors.Wrap(product.ErrNotFound, item.ProductID))
		}
		if !pr.Available {
			return nil, apperr.Validation("lineItems", "product %s is not available", pr.ID)
		}
		if pr.Price.Currency != m.currency {
			return nil, apperr.Invalid("lineItems", &money.MismatchError{Left: m.currency, Right: pr.Price.Currency})
		}
		li, err := commerce.NewLineItem("li_"+uuid.NewString()[:8], pr.ID, pr.Name, item.Quantity, pr.Price)
		if err != nil {
			return nil, err
		}
		lines = append(lines, li)
	}

	cart, err := commerce.NewCart(m.currency, lines)
	if err != nil {
		return nil, err
	}
	if m.taxRate.IsPositive() {
		tax := money.FromDecimal(cart.Subtotal.Amount.Mul(m.taxRate).Div(decimal.NewFromInt(100)), m.currency).Round(2)
		cart.Tax = &tax
		if err := cart.Recalculate(); err != nil {
			return nil, err
		}
	}

	now := m.now()
	s := &Session{
		ID:               "cs_" + uuid.NewString(),
		MerchantID:       m.merchantID,
		Status:           StatusPending,
		Cart:             cart,
		AppliedDiscounts: []discount.Applied{},
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(m.ttl),
	}

	var cmds []Command
	if p.Customer != nil {
		cmds = append(cmds, SetCustomer{Customer: *p.Customer})
	}
	if p.ShippingAddress != nil {
		cmds = append(cmds, SetShippingAddress{Address: *p.ShippingAddress})
	}
	if p.BillingAddress != nil {
		cmds = append(cmds, SetBillingAddress{Address: *p.BillingAddress})
	}
	if p.PaymentMethod != "" {
		cmds = append(cmds, SetPaymentMethod{Method: p.PaymentMethod})
	}
	for _, c := range cmds {
		if err := c.apply(ctx, m, s); err != nil {
			return nil, err
		}
	}
	s.refreshReadiness()

	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	zctx.From(ctx).Info("Checkout session created",
		zap.String("session_id", s.ID),
		zap.String("total", s.Cart.Total.String()),
	)
	return s, nil
}

// Get returns a session. Expired sessions are reported as not found.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.load(ctx, id)
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Expired(m.now()) {
		return nil, apperr.NotFound("checkout session", id)
	}
	return s, nil
}

// mutate runs f on a copy of the session under its lock and saves the result
// only when f succeeds.
func (m *Manager) mutate(ctx context.Context, id string, f func(s *Session) error) (*Session, error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := f(next); err != nil {
		return nil, err
	}
	next.refreshReadiness()
	next.UpdatedAt = m.now()
	if err := m.store.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return next, nil
}

// Update applies commands in order. Either all apply or the session is left
// untouched.
func (m *Manager) Update(ctx context.Context, id string, cmds ...Command) (*Session, error) {
	if len(cmds) == 0 {
		return nil, apperr.Validation("", "no changes requested")
	}
	var prev Status
	s, err := m.mutate(ctx, id, func(s *Session) error {
		prev = s.Status
		for _, c := range cmds {
			if _, ok := c.(Cancel); !ok && !s.Status.Editable() {
				return notEditable(s)
			}
			if err := c.apply(ctx, m, s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.Status == StatusCancelled && prev != StatusCancelled {
		m.releaseIntent(ctx, s)
		zctx.From(ctx).Info("Checkout session cancelled", zap.String("session_id", s.ID))
	}
	return s, nil
}

// Cancel abandons a PENDING or READY session.
func (m *Manager) Cancel(ctx context.Context, id string) (*Session, error) {
	return m.Update(ctx, id, Cancel{})
}

// releaseIntent voids a still cancellable intent left by an earlier attempt.
func (m *Manager) releaseIntent(ctx context.Context, s *Session) {
	if s.PaymentIntentID == "" {
		return
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.paymentTimeout)
	defer cancel()
	intent, err := m.payments.GetPaymentIntent(callCtx, s.PaymentIntentID)
	if err != nil || !intent.Status.CanTransitionTo(payment.StatusCancelled) {
		return
	}
	if _, err := m.payments.CancelPayment(callCtx, intent.ID); err != nil {
		zctx.From(ctx).Warn("Cancel stale payment intent",
			zap.String("session_id", s.ID),
			zap.String("intent_id", intent.ID),
			zap.Error(err),
		)
	}
}

// ApplyDiscount validates code and records the computed amount.
func (m *Manager) ApplyDiscount(ctx context.Context, id, code string) (*Session, error) {
	return m.mutate(ctx, id, func(s *Session) error {
		if !s.Status.Editable() {
			return notEditable(s)
		}
		applied, err := m.discounts.Apply(ctx, s.Cart, s.AppliedDiscounts, code)
		if err != nil {
			return err
		}
		s.AppliedDiscounts = append(s.AppliedDiscounts, applied)
		return m.syncDiscount(s)
	})
}

// RemoveDiscount reverses a previously applied discount by its recorded
// amount.
func (m *Manager) RemoveDiscount(ctx context.Context, id, discountID string) (*Session, error) {
	return m.mutate(ctx, id, func(s *Session) error {
		if !s.Status.Editable() {
			return notEditable(s)
		}
		_, rest, err := discount.Remove(s.AppliedDiscounts, discountID)
		if err != nil {
			return err
		}
		s.AppliedDiscounts = rest
		return m.syncDiscount(s)
	})
}

func notEditable(s *Session) error {
	return &apperr.InvalidTransitionError{
		Entity: "checkout session " + s.ID,
		From:   s.Status.String(),
		To:     "modified",
	}
}

func (m *Manager) syncDiscount(s *Session) error {
	total, err := discount.Total(s.Cart.Currency, s.AppliedDiscounts)
	if err != nil {
		return err
	}
	if err := s.Cart.SetDiscount(total); err != nil {
		return err
	}
	return s.Cart.Validate()
}

// ShippingOptions lists the options selectable for a session.
func (m *Manager) ShippingOptions(ctx context.Context, id string) ([]commerce.ShippingOption, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.shipping.Options(ctx, s)
}

// PaymentMethods lists accepted method types and the customer's saved
// methods.
type PaymentMethods struct {
	Available []payment.MethodDescriptor `json:"available"`
	Saved     []payment.Method           `json:"saved"`
}

// PaymentMethods returns the methods usable for a session.
func (m *Manager) PaymentMethods(ctx context.Context, id string) (*PaymentMethods, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, m.paymentTimeout)
	defer cancel()

	available, err := m.payments.AvailableMethods(callCtx)
	if err != nil {
		return nil, errors.Wrap(err, "available methods")
	}
	out := &PaymentMethods{Available: available, Saved: []payment.Method{}}
	if s.Customer != nil && s.Customer.ID != "" {
		saved, err := m.payments.SavedPaymentMethods(callCtx, s.Customer.ID)
		if err != nil {
			return nil, errors.Wrap(err, "saved methods")
		}
		out.Saved = saved
	}
	return out, nil
}

// SweepExpired deletes non-terminal sessions past their expiry and returns
// how many were removed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list sessions")
	}
	now := m.now()
	removed := 0
	for _, s := range sessions {
		if !s.Expired(now) {
			continue
		}
		ok, err := m.sweepOne(ctx, s.ID, now)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// sweepOne deletes the session if, once locked, it is still expired and not
// mid-payment. The listed copy may be stale.
func (m *Manager) sweepOne(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	s, err := m.store.Get(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "reload session %s", id)
	}
	if !s.Expired(now) || s.Status == StatusProcessing {
		return false, nil
	}
	m.releaseIntent(ctx, s)
	if err := m.store.Delete(ctx, id); err != nil {
		return false, errors.Wrapf(err, "delete session %s", id)
	}
	return true, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.SweepExpired(ctx)
			if err != nil {
				zctx.From(ctx).Warn("Sweep expired sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				zctx.From(ctx).Info("Expired sessions removed", zap.Int("count", n))
			}
		}
	}
}
