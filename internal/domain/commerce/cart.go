// Package commerce holds the value types shared by checkout sessions and
// orders.
package commerce

import (
	"github.com/go-faster/errors"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/money"
)

// LineItem is one product line in a cart.
type LineItem struct {
	ID         string      `json:"id"`
	ProductID  string      `json:"productId"`
	Name       string      `json:"name"`
	Quantity   int         `json:"quantity"`
	UnitPrice  money.Money `json:"unitPrice"`
	TotalPrice money.Money `json:"totalPrice"`
}

// NewLineItem computes TotalPrice from the unit price and quantity.
func NewLineItem(id, productID, name string, quantity int, unitPrice money.Money) (LineItem, error) {
	if quantity <= 0 {
		return LineItem{}, apperr.Validation("quantity", "must be greater than 0 for product %s", productID)
	}
	if unitPrice.IsNegative() {
		return LineItem{}, apperr.Validation("unitPrice", "must not be negative for product %s", productID)
	}
	return LineItem{
		ID:         id,
		ProductID:  productID,
		Name:       name,
		Quantity:   quantity,
		UnitPrice:  unitPrice,
		TotalPrice: unitPrice.Mul(int64(quantity)),
	}, nil
}

// Cart is the priced content of a checkout session.
type Cart struct {
	Items    []LineItem   `json:"items"`
	Currency string       `json:"currency"`
	Subtotal money.Money  `json:"subtotal"`
	Tax      *money.Money `json:"tax,omitempty"`
	Shipping *money.Money `json:"shipping,omitempty"`
	Discount *money.Money `json:"discount,omitempty"`
	Total    money.Money  `json:"total"`
}

// NewCart builds a cart from line items and computes subtotal and total.
func NewCart(currency string, items []LineItem) (*Cart, error) {
	if len(items) == 0 {
		return nil, apperr.Validation("lineItems", "at least one line item is required")
	}
	c := &Cart{Items: items, Currency: currency}
	if err := c.Recalculate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Recalculate derives Subtotal from the lines and Total from the components.
// All arithmetic is exact, so repeated calls never drift.
func (c *Cart) Recalculate() error {
	subtotal := money.Zero(c.Currency)
	for _, item := range c.Items {
		var err error
		if subtotal, err = subtotal.Add(item.TotalPrice); err != nil {
			return errors.Wrapf(err, "line %s", item.ID)
		}
	}
	c.Subtotal = subtotal

	total := subtotal
	for _, add := range []*money.Money{c.Tax, c.Shipping} {
		if add == nil {
			continue
		}
		var err error
		if total, err = total.Add(*add); err != nil {
			return err
		}
	}
	if c.Discount != nil {
		var err error
		if total, err = total.Sub(*c.Discount); err != nil {
			return err
		}
	}
	c.Total = total
	return nil
}

// DiscountTotal returns the discount component, zero when absent.
func (c *Cart) DiscountTotal() money.Money {
	if c.Discount == nil {
		return money.Zero(c.Currency)
	}
	return *c.Discount
}

// SetShipping replaces the shipping component and recomputes the total.
func (c *Cart) SetShipping(price money.Money) error {
	c.Shipping = &price
	return c.Recalculate()
}

// SetDiscount replaces the discount component and recomputes the total.
// A zero discount clears the field.
func (c *Cart) SetDiscount(amount money.Money) error {
	if amount.IsZero() {
		c.Discount = nil
	} else {
		c.Discount = &amount
	}
	return c.Recalculate()
}

// TotalQuantity sums quantities over all lines.
func (c *Cart) TotalQuantity() int {
	n := 0
	for _, item := range c.Items {
		n += item.Quantity
	}
	return n
}

// Item looks up a line by id.
func (c *Cart) Item(id string) (LineItem, bool) {
	for _, item := range c.Items {
		if item.ID == id {
			return item, true
		}
	}
	return LineItem{}, false
}

// Validate checks the cart invariants within a one cent tolerance.
func (c *Cart) Validate() error {
	sum := money.Zero(c.Currency)
	for _, item := range c.Items {
		if item.Quantity <= 0 {
			return apperr.Validation("quantity", "line %s has non-positive quantity", item.ID)
		}
		if !item.UnitPrice.Mul(int64(item.Quantity)).Equal(item.TotalPrice) {
			return apperr.Validation("totalPrice", "line %s total does not equal unit price times quantity", item.ID)
		}
		var err error
		if sum, err = sum.Add(item.TotalPrice); err != nil {
			return err
		}
	}
	if !money.WithinTolerance(sum, c.Subtotal) {
		return apperr.Validation("subtotal", "subtotal %s does not match line sum %s", c.Subtotal, sum)
	}

	expected := c.Subtotal
	for _, add := range []*money.Money{c.Tax, c.Shipping} {
		if add == nil {
			continue
		}
		var err error
		if expected, err = expected.Add(*add); err != nil {
			return err
		}
	}
	if c.Discount != nil {
		var err error
		if expected, err = expected.Sub(*c.Discount); err != nil {
			return err
		}
	}
	if !money.WithinTolerance(expected, c.Total) {
		return apperr.Validation("total", "total %s does not match components %s", c.Total, expected)
	}
	if c.Total.IsNegative() {
		return apperr.Validation("total", "total must not be negative")
	}
	return nil
}

// Clone returns a deep copy.
func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	out := *c
	out.Items = append([]LineItem(nil), c.Items...)
	out.Tax = clonePtr(c.Tax)
	out.Shipping = clonePtr(c.Shipping)
	out.Discount = clonePtr(c.Discount)
	return &out
}

func clonePtr(m *money.Money) *money.Money {
	if m == nil {
		return nil
	}
	v := *m
	return &v
}
