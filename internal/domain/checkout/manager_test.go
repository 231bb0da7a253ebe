package checkout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/checkout"
	"github.com/xenking/ucp-merchant/internal/domain/commerce"
	"github.com/xenking/ucp-merchant/internal/domain/discount"
	"github.com/xenking/ucp-merchant/internal/domain/order"
	"github.com/xenking/ucp-merchant/internal/domain/payment"
	"github.com/xenking/ucp-merchant/internal/domain/product"
	"github.com/xenking/ucp-merchant/internal/money"
	"github.com/xenking/ucp-merchant/internal/payment/simulator"
	"github.com/xenking/ucp-merchant/internal/storage/memory"
)

// --- Mock implementations ---

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	orders []string
}

func (p *recordingPublisher) OrderCreated(_ context.Context, o *order.Order) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = append(p.orders, o.ID)
	return nil
}

// failingStore fails the atomic completion step.
type failingStore struct {
	checkout.Store
	err error
}

func (s failingStore) Complete(context.Context, *checkout.Session, *order.Order) error {
	return s.err
}

// intentSaveFailStore fails the first save that records a payment intent on
// a PROCESSING session.
type intentSaveFailStore struct {
	checkout.Store
	err    error
	failed bool
}

func (s *intentSaveFailStore) Save(ctx context.Context, sess *checkout.Session) error {
	if !s.failed && sess.Status == checkout.StatusProcessing && sess.PaymentIntentID != "" {
		s.failed = true
		return s.err
	}
	return s.Store.Save(ctx, sess)
}

// staleListStore serves List from a snapshot taken earlier.
type staleListStore struct {
	checkout.Store
	snapshot []*checkout.Session
}

func (s *staleListStore) List(ctx context.Context) ([]*checkout.Session, error) {
	if s.snapshot != nil {
		return s.snapshot, nil
	}
	return s.Store.List(ctx)
}

// flakyHandler wraps the simulator to inject provider faults.
type flakyHandler struct {
	*simulator.Handler
	ambiguousCapture bool
	refundErr        error
	captured         []string
}

func (h *flakyHandler) CapturePayment(ctx context.Context, id string, amount *money.Money) (*payment.Intent, error) {
	h.captured = append(h.captured, id)
	intent, err := h.Handler.CapturePayment(ctx, id, amount)
	if err == nil && h.ambiguousCapture {
		return nil, payment.ErrAmbiguous
	}
	return intent, err
}

func (h *flakyHandler) Refund(ctx context.Context, id string, amount *money.Money) (*payment.Intent, error) {
	if h.refundErr != nil {
		return nil, h.refundErr
	}
	return h.Handler.Refund(ctx, id, amount)
}

// --- Fixture ---

type fixture struct {
	mgr       *checkout.Manager
	provider  *memory.Provider
	payments  payment.Handler
	publisher *recordingPublisher
	clock     *clock
}

type fixtureConfig struct {
	payments payment.Handler
	store    func(checkout.Store) checkout.Store
	taxRate  decimal.Decimal
}

var testProducts = []product.Product{
	{ID: "widget", Name: "Widget", Price: money.MustNew("25.00", "USD"), Available: true},
	{ID: "gadget", Name: "Gadget", Price: money.MustNew("50.00", "USD"), Available: true},
	{ID: "retired", Name: "Retired", Price: money.MustNew("5.00", "USD"), Available: false},
	{ID: "euro", Name: "Euro thing", Price: money.MustNew("5.00", "EUR"), Available: true},
}

var testRules = []discount.Rule{
	{ID: "d_save20", Code: "SAVE20", Type: discount.TypePercentage, Value: decimal.NewFromInt(20), Description: "20% off"},
	{ID: "d_ten", Code: "TENOFF", Type: discount.TypeFixedAmount, Value: decimal.NewFromInt(10), Currency: "USD"},
}

func newFixture(t *testing.T, opts ...func(*fixtureConfig)) *fixture {
	t.Helper()
	cfg := fixtureConfig{payments: simulator.New(simulator.Config{})}
	for _, o := range opts {
		o(&cfg)
	}

	provider := memory.New(testProducts, testRules)
	store := provider.Sessions()
	if cfg.store != nil {
		store = cfg.store(store)
	}
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}

	mgr, err := checkout.NewManager(
		store,
		provider.Orders(),
		provider.Products(),
		discount.NewEngine(provider.Discounts()),
		cfg.payments,
		checkout.Options{
			MerchantID: "merchant_test",
			Currency:   "USD",
			TaxRate:    cfg.taxRate,
			SessionTTL: time.Hour,
			Publisher:  pub,
			Now:        clk.Now,
		},
	)
	require.NoError(t, err)
	return &fixture{mgr: mgr, provider: provider, payments: cfg.payments, publisher: pub, clock: clk}
}

var testAddress = commerce.Address{Line1: "1 Market St", City: "San Francisco", PostalCode: "94105", Country: "US"}

// readySession creates a session for items that has everything Complete
// needs except the shipping option, which is then set to optionID.
func (f *fixture) readySession(t *testing.T, method, optionID string, items ...checkout.ItemInput) *checkout.Session {
	t.Helper()
	ctx := context.Background()
	addr := testAddress
	s, err := f.mgr.Create(ctx, checkout.CreateParams{
		Items:           items,
		Customer:        &commerce.Customer{ID: "cus_1", Email: "buyer@example.com"},
		ShippingAddress: &addr,
		PaymentMethod:   method,
	})
	require.NoError(t, err)
	s, err = f.mgr.Update(ctx, s.ID, checkout.SelectShippingOption{OptionID: optionID})
	require.NoError(t, err)
	return s
}

func TestManager_Create(t *testing.T) {
	tests := []struct {
		name    string
		items   []checkout.ItemInput
		wantErr error
		total   string
	}{
		{
			name:  "priced from catalog",
			items: []checkout.ItemInput{{ProductID: "widget", Quantity: 2}, {ProductID: "gadget", Quantity: 1}},
			total: "100.00",
		},
		{
			name:    "no items",
			wantErr: apperr.ErrValidation,
		},
		{
			name:    "zero quantity",
			items:   []checkout.ItemInput{{ProductID: "widget", Quantity: 0}},
			wantErr: apperr.ErrValidation,
		},
		{
			name:    "unknown product",
			items:   []checkout.ItemInput{{ProductID: "nope", Quantity: 1}},
			wantErr: apperr.ErrValidation,
		},
		{
			name:    "unavailable product",
			items:   []checkout.ItemInput{{ProductID: "retired", Quantity: 1}},
			wantErr: apperr.ErrValidation,
		},
		{
			name:    "currency mismatch",
			items:   []checkout.ItemInput{{ProductID: "euro", Quantity: 1}},
			wantErr: apperr.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s, err := f.mgr.Create(context.Background(), checkout.CreateParams{Items: tt.items})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, checkout.StatusPending, s.Status)
			assert.Equal(t, "merchant_test", s.MerchantID)
			assert.Equal(t, tt.total, s.Cart.Total.AmountString())
			assert.Equal(t, f.clock.Now().Add(time.Hour), s.ExpiresAt)
			assert.ElementsMatch(t, []string{"shippingAddress", "selectedShippingOption", "paymentMethod"}, s.Missing())
		})
	}
}

func TestManager_CreateAppliesTax(t *testing.T) {
	f := newFixture(t, func(c *fixtureConfig) { c.taxRate = decimal.RequireFromString("8.25") })

	s, err := f.mgr.Create(context.Background(), checkout.CreateParams{
		Items: []checkout.ItemInput{{ProductID: "gadget", Quantity: 1}},
	})
	require.NoError(t, err)
	require.NotNil(t, s.Cart.Tax)
	assert.Equal(t, "4.13", s.Cart.Tax.AmountString())
	assert.Equal(t, "54.13", s.Cart.Total.AmountString())
}

func TestManager_BecomesReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Create(ctx, checkout.CreateParams{Items: []checkout.ItemInput{{ProductID: "widget", Quantity: 1}}})
	require.NoError(t, err)
	require.Equal(t, checkout.StatusPending, s.Status)

	s, err = f.mgr.Update(ctx, s.ID,
		checkout.SetShippingAddress{Address: testAddress},
		checkout.SelectShippingOption{OptionID: "standard"},
	)
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusPending, s.Status)
	assert.Equal(t, []string{"paymentMethod"}, s.Missing())

	s, err = f.mgr.Update(ctx, s.ID, checkout.SetPaymentMethod{Method: simulator.TokenVisa})
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusReady, s.Status)
	assert.Equal(t, "30.00", s.Cart.Total.AmountString())
}

func TestManager_ExpressShipping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Create(ctx, checkout.CreateParams{Items: []checkout.ItemInput{{ProductID: "gadget", Quantity: 2}}})
	require.NoError(t, err)
	require.Equal(t, "100.00", s.Cart.Total.AmountString())

	s, err = f.mgr.Update(ctx, s.ID, checkout.SelectShippingOption{OptionID: "express"})
	require.NoError(t, err)
	assert.Equal(t, "112.99", s.Cart.Total.AmountString())
	require.NotNil(t, s.ShippingOption)
	assert.Equal(t, "express", s.ShippingOption.ID)

	// Switching replaces the shipping charge instead of adding to it.
	s, err = f.mgr.Update(ctx, s.ID, checkout.SelectShippingOption{OptionID: "standard"})
	require.NoError(t, err)
	assert.Equal(t, "105.00", s.Cart.Total.AmountString())
}

func TestManager_UpdateIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Create(ctx, checkout.CreateParams{Items: []checkout.ItemInput{{ProductID: "widget", Quantity: 1}}})
	require.NoError(t, err)

	_, err = f.mgr.Update(ctx, s.ID,
		checkout.SetShippingAddress{Address: testAddress},
		checkout.SelectShippingOption{OptionID: "teleport"},
	)
	require.ErrorIs(t, err, apperr.ErrValidation)

	got, err := f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ShippingAddress)
	assert.Nil(t, got.ShippingOption)
}

func TestManager_Discounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Create(ctx, checkout.CreateParams{Items: []checkout.ItemInput{{ProductID: "gadget", Quantity: 2}}})
	require.NoError(t, err)

	s, err = f.mgr.ApplyDiscount(ctx, s.ID, "save20")
	require.NoError(t, err)
	assert.Equal(t, "80.00", s.Cart.Total.AmountString())
	require.Len(t, s.AppliedDiscounts, 1)
	assert.Equal(t, "20.00", s.AppliedDiscounts[0].Amount.AmountString())

	_, err = f.mgr.ApplyDiscount(ctx, s.ID, "SAVE20")
	require.ErrorIs(t, err, discount.ErrAlreadyApplied)

	_, err = f.mgr.ApplyDiscount(ctx, s.ID, "BOGUS")
	require.ErrorIs(t, err, apperr.ErrValidation)

	s, err = f.mgr.ApplyDiscount(ctx, s.ID, "TENOFF")
	require.NoError(t, err)
	assert.Equal(t, "70.00", s.Cart.Total.AmountString())

	s, err = f.mgr.RemoveDiscount(ctx, s.ID, "d_save20")
	require.NoError(t, err)
	assert.Equal(t, "90.00", s.Cart.Total.AmountString())

	s, err = f.mgr.RemoveDiscount(ctx, s.ID, "d_ten")
	require.NoError(t, err)
	assert.Equal(t, "100.00", s.Cart.Total.AmountString())
	assert.Empty(t, s.AppliedDiscounts)

	_, err = f.mgr.RemoveDiscount(ctx, s.ID, "d_ten")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestManager_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.readySession(t, simulator.TokenVisa, "standard", checkout.ItemInput{ProductID: "widget", Quantity: 1})
	require.Equal(t, checkout.StatusReady, s.Status)

	s, err := f.mgr.Cancel(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusCancelled, s.Status)

	_, err = f.mgr.Cancel(ctx, s.ID)
	var te *apperr.InvalidTransitionError
	require.ErrorAs(t, err, &te)

	_, err = f.mgr.Update(ctx, s.ID, checkout.SetPaymentMethod{Method: simulator.TokenVisa})
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	_, err = f.mgr.ApplyDiscount(ctx, s.ID, "SAVE20")
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)

	_, err = f.mgr.Complete(ctx, s.ID, "")
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
}

func TestManager_Expiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Create(ctx, checkout.CreateParams{Items: []checkout.ItemInput{{ProductID: "widget", Quantity: 1}}})
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	_, err = f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	_, err = f.mgr.Get(ctx, s.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.mgr.Update(ctx, s.ID, checkout.SetPaymentMethod{Method: simulator.TokenVisa})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestManager_SweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.mgr.Create(ctx, checkout.CreateParams{Items: []checkout.ItemInput{{ProductID: "widget", Quantity: 1}}})
	require.NoError(t, err)
	f.clock.Advance(45 * time.Minute)
	fresh, err := f.mgr.Create(ctx, checkout.CreateParams{Items: []checkout.ItemInput{{ProductID: "widget", Quantity: 1}}})
	require.NoError(t, err)
	f.clock.Advance(20 * time.Minute)

	n, err := f.mgr.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.provider.Sessions().Get(ctx, old.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.mgr.Get(ctx, fresh.ID)
	require.NoError(t, err)
}

func TestManager_SweepExpired_SkipsSessionCompletedAfterList(t *testing.T) {
	stale := &staleListStore{}
	f := newFixture(t, func(c *fixtureConfig) {
		c.store = func(inner checkout.Store) checkout.Store {
			stale.Store = inner
			return stale
		}
	})
	ctx := context.Background()

	s := f.readySession(t, simulator.TokenVisa, "standard", checkout.ItemInput{ProductID: "widget", Quantity: 1})
	snapshot, err := stale.Store.List(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	require.Equal(t, checkout.StatusReady, snapshot[0].Status)
	stale.snapshot = snapshot

	res, err := f.mgr.Complete(ctx, s.ID, "")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	n, err := f.mgr.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusCompleted, got.Status)
	assert.Equal(t, res.Order.ID, got.OrderID)
}

func TestManager_PaymentMethods(t *testing.T) {
	sim := simulator.New(simulator.Config{})
	saved := sim.SaveMethod("cus_1", simulator.TokenVisa, "visa", "4242")
	f := newFixture(t, func(c *fixtureConfig) { c.payments = sim })
	ctx := context.Background()

	s := f.readySession(t, saved.ID, "standard", checkout.ItemInput{ProductID: "widget", Quantity: 1})

	methods, err := f.mgr.PaymentMethods(ctx, s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, methods.Available)
	require.Len(t, methods.Saved, 1)
	assert.Equal(t, "4242", methods.Saved[0].Last4)

	options, err := f.mgr.ShippingOptions(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, options, 2)
}
