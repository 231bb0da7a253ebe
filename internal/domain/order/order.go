package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/commerce"
	"github.com/xenking/ucp-merchant/internal/domain/discount"
	"github.com/xenking/ucp-merchant/internal/domain/payment"
	"github.com/xenking/ucp-merchant/internal/money"
)

// ErrAlreadyExists is returned when a checkout session already has an order.
var ErrAlreadyExists = errors.New("order already exists for checkout session")

// Status is derived from per-line fulfillment counters.
type Status string

const (
	StatusConfirmed          Status = "confirmed"
	StatusPartiallyFulfilled Status = "partially_fulfilled"
	StatusFulfilled          Status = "fulfilled"
	StatusCancelled          Status = "cancelled"
)

// LineItem is an ordered product line with fulfillment progress.
type LineItem struct {
	commerce.LineItem
	FulfilledQuantity int `json:"fulfilledQuantity"`
	CancelledQuantity int `json:"cancelledQuantity"`
}

// Totals freezes the cart amounts at completion.
type Totals struct {
	Subtotal money.Money  `json:"subtotal"`
	Tax      *money.Money `json:"tax,omitempty"`
	Shipping *money.Money `json:"shipping,omitempty"`
	Discount *money.Money `json:"discount,omitempty"`
	Total    money.Money  `json:"total"`
}

// Payment records a settled payment intent.
type Payment struct {
	IntentID   string         `json:"intentId"`
	Provider   string         `json:"provider"`
	Method     string         `json:"method,omitempty"`
	Amount     money.Money    `json:"amount"`
	Status     payment.Status `json:"status"`
	CapturedAt *time.Time     `json:"capturedAt,omitempty"`
}

// Order is the immutable record of a completed checkout. Only fulfillment
// counters, Status and UpdatedAt change after creation.
type Order struct {
	ID                string                   `json:"id"`
	CheckoutSessionID string                   `json:"checkoutSessionId"`
	MerchantID        string                   `json:"merchantId"`
	Currency          string                   `json:"currency"`
	Customer          *commerce.Customer       `json:"customer,omitempty"`
	ShippingAddress   *commerce.Address        `json:"shippingAddress,omitempty"`
	BillingAddress    *commerce.Address        `json:"billingAddress,omitempty"`
	ShippingOption    *commerce.ShippingOption `json:"shippingOption,omitempty"`
	LineItems         []LineItem               `json:"lineItems"`
	Discounts         []discount.Applied       `json:"discounts,omitempty"`
	Totals            Totals                   `json:"totals"`
	Payments          []Payment                `json:"payments"`
	Status            Status                   `json:"status"`
	CreatedAt         time.Time                `json:"createdAt"`
	UpdatedAt         time.Time                `json:"updatedAt"`
}

// Params carries everything a completed checkout contributes to its order.
type Params struct {
	CheckoutSessionID string
	MerchantID        string
	Cart              *commerce.Cart
	Customer          *commerce.Customer
	ShippingAddress   *commerce.Address
	BillingAddress    *commerce.Address
	ShippingOption    *commerce.ShippingOption
	Discounts         []discount.Applied
	Payment           Payment
	Now               time.Time
}

// New materializes an order from a completed checkout. The cart is copied so
// later changes to the session cannot leak into the order.
func New(p Params) (*Order, error) {
	if p.CheckoutSessionID == "" {
		return nil, apperr.Validation("checkoutSessionId", "required")
	}
	if p.Cart == nil {
		return nil, apperr.Validation("cart", "required")
	}
	if err := p.Cart.Validate(); err != nil {
		return nil, errors.Wrap(err, "cart")
	}
	if !p.Payment.Status.Settled() {
		return nil, apperr.Validation("payment", "intent %s is %s, not captured", p.Payment.IntentID, p.Payment.Status)
	}

	cart := p.Cart.Clone()
	items := make([]LineItem, len(cart.Items))
	for i, li := range cart.Items {
		items[i] = LineItem{LineItem: li}
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	return &Order{
		ID:                uuid.NewString(),
		CheckoutSessionID: p.CheckoutSessionID,
		MerchantID:        p.MerchantID,
		Currency:          cart.Currency,
		Customer:          p.Customer,
		ShippingAddress:   p.ShippingAddress,
		BillingAddress:    p.BillingAddress,
		ShippingOption:    p.ShippingOption,
		LineItems:         items,
		Discounts:         append([]discount.Applied(nil), p.Discounts...),
		Totals: Totals{
			Subtotal: cart.Subtotal,
			Tax:      cart.Tax,
			Shipping: cart.Shipping,
			Discount: cart.Discount,
			Total:    cart.Total,
		},
		Payments:  []Payment{p.Payment},
		Status:    StatusConfirmed,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// LineUpdate sets the absolute fulfilled and cancelled counts of one line.
type LineUpdate struct {
	LineItemID string `json:"lineItemId"`
	Fulfilled  int    `json:"fulfilledQuantity"`
	Cancelled  int    `json:"cancelledQuantity"`
}

// ApplyFulfillment validates and applies updates. Counters never decrease
// and fulfilled plus cancelled never exceeds the ordered quantity. Either all
// updates apply or none do.
func (o *Order) ApplyFulfillment(updates []LineUpdate, now time.Time) error {
	if len(updates) == 0 {
		return apperr.Validation("lineItems", "at least one update is required")
	}
	if o.Status == StatusCancelled || o.Status == StatusFulfilled {
		return apperr.InvalidTransition("order "+o.ID, o.Status, StatusPartiallyFulfilled)
	}

	next := append([]LineItem(nil), o.LineItems...)
	for _, u := range updates {
		idx := -1
		for i := range next {
			if next[i].ID == u.LineItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return apperr.NotFound("order line item", u.LineItemID)
		}
		li := &next[idx]
		switch {
		case u.Fulfilled < li.FulfilledQuantity:
			return apperr.Validation("fulfilledQuantity", "line %s cannot decrease from %d to %d", li.ID, li.FulfilledQuantity, u.Fulfilled)
		case u.Cancelled < li.CancelledQuantity:
			return apperr.Validation("cancelledQuantity", "line %s cannot decrease from %d to %d", li.ID, li.CancelledQuantity, u.Cancelled)
		case u.Fulfilled+u.Cancelled > li.Quantity:
			return apperr.Validation("lineItems", "line %s: fulfilled %d + cancelled %d exceeds quantity %d", li.ID, u.Fulfilled, u.Cancelled, li.Quantity)
		}
		li.FulfilledQuantity = u.Fulfilled
		li.CancelledQuantity = u.Cancelled
	}

	o.LineItems = next
	o.Status = deriveStatus(next)
	o.UpdatedAt = now
	return nil
}

func (s Status) String() string { return string(s) }

func deriveStatus(items []LineItem) Status {
	var ordered, fulfilled, cancelled int
	for _, li := range items {
		ordered += li.Quantity
		fulfilled += li.FulfilledQuantity
		cancelled += li.CancelledQuantity
	}
	switch {
	case cancelled == ordered:
		return StatusCancelled
	case fulfilled+cancelled == ordered:
		return StatusFulfilled
	case fulfilled > 0 || cancelled > 0:
		return StatusPartiallyFulfilled
	default:
		return StatusConfirmed
	}
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create fails with ErrAlreadyExists when the session already has an order.
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetBySession(ctx context.Context, checkoutSessionID string) (*Order, error)
	Update(ctx context.Context, order *Order) error
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	out := *o
	out.LineItems = append([]LineItem(nil), o.LineItems...)
	out.Discounts = append([]discount.Applied(nil), o.Discounts...)
	out.Payments = append([]Payment(nil), o.Payments...)
	if o.Customer != nil {
		c := *o.Customer
		out.Customer = &c
	}
	if o.ShippingAddress != nil {
		a := *o.ShippingAddress
		out.ShippingAddress = &a
	}
	if o.BillingAddress != nil {
		a := *o.BillingAddress
		out.BillingAddress = &a
	}
	if o.ShippingOption != nil {
		s := *o.ShippingOption
		out.ShippingOption = &s
	}
	return &out
}
