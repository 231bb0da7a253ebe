package checkout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/checkout"
	"github.com/xenking/ucp-merchant/internal/domain/order"
	"github.com/xenking/ucp-merchant/internal/domain/payment"
	"github.com/xenking/ucp-merchant/internal/payment/simulator"
)

func TestComplete_CreatesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.readySession(t, simulator.TokenVisa, "express", checkout.ItemInput{ProductID: "gadget", Quantity: 2})
	s, err := f.mgr.ApplyDiscount(ctx, s.ID, "SAVE20")
	require.NoError(t, err)
	require.Equal(t, "92.99", s.Cart.Total.AmountString())

	res, err := f.mgr.Complete(ctx, s.ID, "")
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.False(t, res.AlreadyCompleted)

	assert.Equal(t, checkout.StatusCompleted, res.Session.Status)
	assert.Equal(t, res.Order.ID, res.Session.OrderID)
	assert.Equal(t, order.StatusConfirmed, res.Order.Status)
	assert.Equal(t, "92.99", res.Order.Totals.Total.AmountString())
	require.Len(t, res.Order.Payments, 1)
	assert.Equal(t, "simulator", res.Order.Payments[0].Provider)
	assert.Equal(t, "92.99", res.Order.Payments[0].Amount.AmountString())
	assert.Equal(t, payment.StatusCaptured, res.Intent.Status)

	intent, err := f.payments.GetPaymentIntent(ctx, res.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCaptured, intent.Status)
	assert.True(t, intent.CapturedAmount.Equal(res.Order.Totals.Total))

	rule, err := f.provider.Discounts().FindByCode(ctx, "SAVE20")
	require.NoError(t, err)
	assert.Equal(t, 1, rule.Uses)
	assert.Equal(t, []string{res.Order.ID}, f.publisher.orders)

	stored, err := f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusCompleted, stored.Status)
}

func TestComplete_SecondCallReturnsSameOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.readySession(t, simulator.TokenVisa, "standard", checkout.ItemInput{ProductID: "widget", Quantity: 1})
	first, err := f.mgr.Complete(ctx, s.ID, "")
	require.NoError(t, err)

	second, err := f.mgr.Complete(ctx, s.ID, "")
	require.NoError(t, err)
	assert.True(t, second.AlreadyCompleted)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Len(t, f.publisher.orders, 1)
}

func TestComplete_ConcurrentCallsProduceOneOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.readySession(t, simulator.TokenVisa, "standard", checkout.ItemInput{ProductID: "widget", Quantity: 3})

	const n = 10
	var (
		wg      sync.WaitGroup
		results = make([]*checkout.CompleteResult, n)
		errs    = make([]error, n)
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.mgr.Complete(ctx, s.ID, "")
		}()
	}
	wg.Wait()

	var fresh int
	orderIDs := make(map[string]struct{})
	for i := range n {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i].Order)
		orderIDs[results[i].Order.ID] = struct{}{}
		if !results[i].AlreadyCompleted {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Len(t, orderIDs, 1)
	assert.Len(t, f.publisher.orders, 1)
}

func TestComplete_NotReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.mgr.Create(ctx, checkout.CreateParams{Items: []checkout.ItemInput{{ProductID: "widget", Quantity: 1}}})
	require.NoError(t, err)

	_, err = f.mgr.Complete(ctx, s.ID, simulator.TokenVisa)
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "shippingAddress")

	got, err := f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusPending, got.Status)
	assert.Equal(t, simulator.TokenVisa, got.PaymentMethod)
}

func TestComplete_PaymentMethodSuppliedAtCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.readySession(t, "", "standard", checkout.ItemInput{ProductID: "widget", Quantity: 1})
	require.Equal(t, checkout.StatusPending, s.Status)

	res, err := f.mgr.Complete(ctx, s.ID, simulator.TokenMastercard)
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.Equal(t, simulator.TokenMastercard, res.Order.Payments[0].Method)
}

func TestComplete_Declines(t *testing.T) {
	tests := []struct {
		name        string
		cfg         simulator.Config
		method      string
		declineCode string
	}{
		{name: "fail all", cfg: simulator.Config{FailAll: true}, method: simulator.TokenVisa, declineCode: "card_declined"},
		{name: "declined card", method: simulator.TokenDecline, declineCode: "card_declined"},
		{name: "insufficient funds", method: simulator.TokenInsufficientFunds, declineCode: "insufficient_funds"},
		{name: "unknown method", method: "tok_bogus", declineCode: "invalid_payment_method"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *fixtureConfig) { c.payments = simulator.New(tt.cfg) })
			ctx := context.Background()

			s := f.readySession(t, tt.method, "standard", checkout.ItemInput{ProductID: "widget", Quantity: 1})

			res, err := f.mgr.Complete(ctx, s.ID, "")
			require.Nil(t, res)
			var pf *apperr.PaymentFailedError
			require.ErrorAs(t, err, &pf)
			require.ErrorIs(t, err, apperr.ErrPaymentFailed)
			assert.Equal(t, tt.declineCode, pf.DeclineCode)
			require.NotEmpty(t, pf.IntentID)

			intent, err := f.payments.GetPaymentIntent(ctx, pf.IntentID)
			require.NoError(t, err)
			assert.Equal(t, payment.StatusFailed, intent.Status)

			got, err := f.mgr.Get(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, checkout.StatusReady, got.Status)
			assert.Empty(t, got.OrderID)

			_, err = f.provider.Orders().GetBySession(ctx, s.ID)
			require.ErrorIs(t, err, apperr.ErrNotFound)
			assert.Empty(t, f.publisher.orders)
		})
	}
}

func TestComplete_RetryAfterDeclineUsesNewIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.readySession(t, simulator.TokenDecline, "standard", checkout.ItemInput{ProductID: "widget", Quantity: 1})
	_, err := f.mgr.Complete(ctx, s.ID, "")
	var pf *apperr.PaymentFailedError
	require.ErrorAs(t, err, &pf)

	res, err := f.mgr.Complete(ctx, s.ID, simulator.TokenVisa)
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.NotEqual(t, pf.IntentID, res.Intent.ID)
}

func TestComplete_RequiresAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.readySession(t, simulator.Token3DS, "standard", checkout.ItemInput{ProductID: "widget", Quantity: 1})

	res, err := f.mgr.Complete(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Nil(t, res.Order)
	require.NotNil(t, res.Intent)
	assert.Equal(t, payment.StatusRequiresAction, res.Intent.Status)
	require.NotNil(t, res.Intent.NextAction)
	assert.NotEmpty(t, res.Intent.NextAction.RedirectURL)

	got, err := f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusReady, got.Status)
	assert.Equal(t, res.Intent.ID, got.PaymentIntentID)

	done, err := f.mgr.Complete(ctx, s.ID, "")
	require.NoError(t, err)
	require.NotNil(t, done.Order)
	assert.Equal(t, res.Intent.ID, done.Intent.ID)
}

func TestComplete_AmountChangeReplacesIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.readySession(t, simulator.Token3DS, "standard", checkout.ItemInput{ProductID: "gadget", Quantity: 1})
	res, err := f.mgr.Complete(ctx, s.ID, "")
	require.NoError(t, err)
	stale := res.Intent.ID

	_, err = f.mgr.ApplyDiscount(ctx, s.ID, "TENOFF")
	require.NoError(t, err)

	res, err = f.mgr.Complete(ctx, s.ID, simulator.TokenVisa)
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.NotEqual(t, stale, res.Intent.ID)
	assert.Equal(t, "45.00", res.Order.Payments[0].Amount.AmountString())

	old, err := f.payments.GetPaymentIntent(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, old.Status)
}

func TestComplete_AmbiguousCaptureReconciles(t *testing.T) {
	h := &flakyHandler{Handler: simulator.New(simulator.Config{}), ambiguousCapture: true}
	f := newFixture(t, func(c *fixtureConfig) { c.payments = h })
	ctx := context.Background()

	s := f.readySession(t, simulator.TokenVisa, "standard", checkout.ItemInput{ProductID: "widget", Quantity: 1})

	res, err := f.mgr.Complete(ctx, s.ID, "")
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.Equal(t, payment.StatusCaptured, res.Intent.Status)
	assert.Len(t, h.captured, 1)
}

func TestComplete_PersistFailureRefunds(t *testing.T) {
	h := &flakyHandler{Handler: simulator.New(simulator.Config{})}
	storeErr := errors.New("disk full")
	f := newFixture(t, func(c *fixtureConfig) {
		c.payments = h
		c.store = func(s checkout.Store) checkout.Store { return failingStore{Store: s, err: storeErr} }
	})
	ctx := context.Background()

	s := f.readySession(t, simulator.TokenVisa, "standard", checkout.ItemInput{ProductID: "widget", Quantity: 1})

	_, err := f.mgr.Complete(ctx, s.ID, "")
	require.ErrorIs(t, err, storeErr)
	require.Len(t, h.captured, 1)

	intent, err := f.payments.GetPaymentIntent(ctx, h.captured[0])
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, intent.Status)

	got, err := f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusReady, got.Status)
	assert.Empty(t, got.PaymentIntentID)
	assert.Empty(t, got.OrderID)
	assert.Empty(t, f.publisher.orders)
}

func TestComplete_PersistAndRefundFailureMarksFailed(t *testing.T) {
	h := &flakyHandler{Handler: simulator.New(simulator.Config{}), refundErr: errors.New("provider down")}
	storeErr := errors.New("disk full")
	f := newFixture(t, func(c *fixtureConfig) {
		c.payments = h
		c.store = func(s checkout.Store) checkout.Store { return failingStore{Store: s, err: storeErr} }
	})
	ctx := context.Background()

	s := f.readySession(t, simulator.TokenVisa, "standard", checkout.ItemInput{ProductID: "widget", Quantity: 1})

	_, err := f.mgr.Complete(ctx, s.ID, "")
	require.ErrorIs(t, err, storeErr)

	got, err := f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusFailed, got.Status)
	assert.NotEmpty(t, got.FailureReason)

	_, err = f.mgr.Complete(ctx, s.ID, "")
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
}

func TestComplete_StoreFailureIsNotPaymentFailure(t *testing.T) {
	storeErr := errors.New("connection reset")
	store := &intentSaveFailStore{err: storeErr}
	f := newFixture(t, func(c *fixtureConfig) {
		c.store = func(s checkout.Store) checkout.Store {
			store.Store = s
			return store
		}
	})
	ctx := context.Background()

	s := f.readySession(t, simulator.TokenVisa, "standard", checkout.ItemInput{ProductID: "widget", Quantity: 1})

	_, err := f.mgr.Complete(ctx, s.ID, "")
	require.ErrorIs(t, err, storeErr)
	assert.NotErrorIs(t, err, apperr.ErrPaymentFailed)

	got, err := f.mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.StatusReady, got.Status)
	assert.NotEmpty(t, got.PaymentIntentID)

	res, err := f.mgr.Complete(ctx, s.ID, "")
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.Equal(t, got.PaymentIntentID, res.Intent.ID)
}

func TestComplete_ExpiredSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.readySession(t, simulator.TokenVisa, "standard", checkout.ItemInput{ProductID: "widget", Quantity: 1})
	f.clock.Advance(2 * time.Hour)

	_, err := f.mgr.Complete(ctx, s.ID, "")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestComplete_CompletedSessionIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.readySession(t, simulator.TokenVisa, "standard", checkout.ItemInput{ProductID: "widget", Quantity: 1})
	_, err := f.mgr.Complete(ctx, s.ID, "")
	require.NoError(t, err)

	_, err = f.mgr.Cancel(ctx, s.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
	_, err = f.mgr.Update(ctx, s.ID, checkout.SelectShippingOption{OptionID: "express"})
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
	_, err = f.mgr.RemoveDiscount(ctx, s.ID, "d_save20")
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
}
