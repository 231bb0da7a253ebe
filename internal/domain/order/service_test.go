package order

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/commerce"
	"github.com/xenking/ucp-merchant/internal/domain/payment"
	"github.com/xenking/ucp-merchant/internal/money"
)

// --- Mock implementations ---

type mockOrderRepo struct {
	byID      map[string]*Order
	updated   *Order
	updateErr error
}

func newMockOrderRepo(orders ...*Order) *mockOrderRepo {
	m := &mockOrderRepo{byID: make(map[string]*Order)}
	for _, o := range orders {
		m.byID[o.ID] = o
	}
	return m
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	m.byID[o.ID] = o
	return nil
}

func (m *mockOrderRepo) Get(_ context.Context, id string) (*Order, error) {
	o, ok := m.byID[id]
	if !ok {
		return nil, apperr.NotFound("order", id)
	}
	cp := *o
	cp.LineItems = append([]LineItem(nil), o.LineItems...)
	return &cp, nil
}

func (m *mockOrderRepo) GetBySession(_ context.Context, sessionID string) (*Order, error) {
	for _, o := range m.byID {
		if o.CheckoutSessionID == sessionID {
			return o, nil
		}
	}
	return nil, apperr.NotFound("order", sessionID)
}

func (m *mockOrderRepo) Update(_ context.Context, o *Order) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updated = o
	m.byID[o.ID] = o
	return nil
}

// --- Helpers ---

func usd(v string) money.Money { return money.MustNew(v, "USD") }

func newTestOrder(t *testing.T) *Order {
	t.Helper()
	a, err := commerce.NewLineItem("li_a", "p1", "Widget", 3, usd("10.00"))
	require.NoError(t, err)
	b, err := commerce.NewLineItem("li_b", "p2", "Gadget", 1, usd("25.00"))
	require.NoError(t, err)
	cart, err := commerce.NewCart("USD", []commerce.LineItem{a, b})
	require.NoError(t, err)

	o, err := New(Params{
		CheckoutSessionID: "cs_1",
		MerchantID:        "m_1",
		Cart:              cart,
		Payment:           Payment{IntentID: "pi_1", Provider: "simulator", Amount: cart.Total, Status: payment.StatusCaptured},
	})
	require.NoError(t, err)
	return o
}

// --- Tests ---

func TestNew(t *testing.T) {
	o := newTestOrder(t)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, StatusConfirmed, o.Status)
	assert.Equal(t, "55.00", o.Totals.Total.AmountString())
	require.Len(t, o.LineItems, 2)
	assert.Equal(t, "li_a", o.LineItems[0].ID)
	require.Len(t, o.Payments, 1)
}

func TestNew_RequiresCapturedPayment(t *testing.T) {
	li, err := commerce.NewLineItem("li_a", "p1", "Widget", 1, usd("10.00"))
	require.NoError(t, err)
	cart, err := commerce.NewCart("USD", []commerce.LineItem{li})
	require.NoError(t, err)

	_, err = New(Params{
		CheckoutSessionID: "cs_1",
		Cart:              cart,
		Payment:           Payment{IntentID: "pi_1", Status: payment.StatusAuthorized},
	})
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = New(Params{Cart: cart})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestNew_CopiesCart(t *testing.T) {
	li, err := commerce.NewLineItem("li_a", "p1", "Widget", 1, usd("10.00"))
	require.NoError(t, err)
	cart, err := commerce.NewCart("USD", []commerce.LineItem{li})
	require.NoError(t, err)

	o, err := New(Params{CheckoutSessionID: "cs_1", Cart: cart, Payment: Payment{Status: payment.StatusCaptured}})
	require.NoError(t, err)

	require.NoError(t, cart.SetShipping(usd("5.00")))
	cart.Items[0].Quantity = 7
	assert.Equal(t, "10.00", o.Totals.Total.AmountString())
	assert.Equal(t, 1, o.LineItems[0].Quantity)
}

func TestUpdateFulfillment(t *testing.T) {
	tests := []struct {
		name       string
		steps      [][]LineUpdate
		wantStatus Status
		wantErr    error
	}{
		{
			name:       "partial",
			steps:      [][]LineUpdate{{{LineItemID: "li_a", Fulfilled: 1}}},
			wantStatus: StatusPartiallyFulfilled,
		},
		{
			name: "fully fulfilled across updates",
			steps: [][]LineUpdate{
				{{LineItemID: "li_a", Fulfilled: 2}},
				{{LineItemID: "li_a", Fulfilled: 3}, {LineItemID: "li_b", Fulfilled: 1}},
			},
			wantStatus: StatusFulfilled,
		},
		{
			name:       "fulfilled with some cancelled",
			steps:      [][]LineUpdate{{{LineItemID: "li_a", Fulfilled: 2, Cancelled: 1}, {LineItemID: "li_b", Cancelled: 1}}},
			wantStatus: StatusFulfilled,
		},
		{
			name:       "everything cancelled",
			steps:      [][]LineUpdate{{{LineItemID: "li_a", Cancelled: 3}, {LineItemID: "li_b", Cancelled: 1}}},
			wantStatus: StatusCancelled,
		},
		{
			name:    "exceeds quantity",
			steps:   [][]LineUpdate{{{LineItemID: "li_a", Fulfilled: 2, Cancelled: 2}}},
			wantErr: apperr.ErrValidation,
		},
		{
			name: "counter decrease",
			steps: [][]LineUpdate{
				{{LineItemID: "li_a", Fulfilled: 2}},
				{{LineItemID: "li_a", Fulfilled: 1}},
			},
			wantErr: apperr.ErrValidation,
		},
		{
			name:    "unknown line",
			steps:   [][]LineUpdate{{{LineItemID: "li_zzz", Fulfilled: 1}}},
			wantErr: apperr.ErrNotFound,
		},
		{
			name: "fulfilled order is final",
			steps: [][]LineUpdate{
				{{LineItemID: "li_a", Fulfilled: 3}, {LineItemID: "li_b", Fulfilled: 1}},
				{{LineItemID: "li_a", Fulfilled: 3}},
			},
			wantErr: apperr.ErrInvalidStateTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrder(t)
			repo := newMockOrderRepo(o)
			svc := NewService(repo)

			var (
				got *Order
				err error
			)
			for _, step := range tt.steps {
				if got, err = svc.UpdateFulfillment(context.Background(), o.ID, step); err != nil {
					break
				}
			}
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantStatus, repo.byID[o.ID].Status)
		})
	}
}

func TestUpdateFulfillment_AllOrNothing(t *testing.T) {
	o := newTestOrder(t)
	repo := newMockOrderRepo(o)
	svc := NewService(repo)

	_, err := svc.UpdateFulfillment(context.Background(), o.ID, []LineUpdate{
		{LineItemID: "li_a", Fulfilled: 1},
		{LineItemID: "li_b", Fulfilled: 5},
	})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Nil(t, repo.updated)
	assert.Zero(t, repo.byID[o.ID].LineItems[0].FulfilledQuantity)
}

func TestUpdateFulfillment_RepoError(t *testing.T) {
	o := newTestOrder(t)
	repo := newMockOrderRepo(o)
	repo.updateErr = errors.New("db down")
	svc := NewService(repo)

	_, err := svc.UpdateFulfillment(context.Background(), o.ID, []LineUpdate{{LineItemID: "li_a", Fulfilled: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update order")
}

func TestGet_NotFound(t *testing.T) {
	svc := NewService(newMockOrderRepo())
	_, err := svc.Get(context.Background(), "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)
}
