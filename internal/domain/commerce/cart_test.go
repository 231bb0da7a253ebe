package commerce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/money"
)

func usd(v string) money.Money { return money.MustNew(v, "USD") }

func mustLine(t *testing.T, id string, qty int, price string) LineItem {
	t.Helper()
	li, err := NewLineItem(id, "prod-"+id, "Item "+id, qty, usd(price))
	require.NoError(t, err)
	return li
}

func TestNewLineItem(t *testing.T) {
	li, err := NewLineItem("li1", "p1", "Widget", 3, usd("9.99"))
	require.NoError(t, err)
	assert.Equal(t, "29.97", li.TotalPrice.AmountString())

	_, err = NewLineItem("li2", "p1", "Widget", 0, usd("9.99"))
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestNewCart_Empty(t *testing.T) {
	_, err := NewCart("USD", nil)
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCart_Invariants(t *testing.T) {
	c, err := NewCart("USD", []LineItem{
		mustLine(t, "a", 2, "10.00"),
		mustLine(t, "b", 1, "80.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, "100.00", c.Subtotal.AmountString())
	assert.Equal(t, "100.00", c.Total.AmountString())

	tax := usd("8.25")
	c.Tax = &tax
	require.NoError(t, c.SetShipping(usd("12.99")))
	require.NoError(t, c.SetDiscount(usd("20.00")))

	assert.Equal(t, "101.24", c.Total.AmountString())
	require.NoError(t, c.Validate())

	require.NoError(t, c.SetDiscount(money.Zero("USD")))
	assert.Nil(t, c.Discount)
	assert.Equal(t, "121.24", c.Total.AmountString())
}

func TestCart_ValidateDetectsCorruption(t *testing.T) {
	c, err := NewCart("USD", []LineItem{mustLine(t, "a", 1, "10.00")})
	require.NoError(t, err)

	c.Total = usd("11.00")
	require.ErrorIs(t, c.Validate(), apperr.ErrValidation)

	c.Total = usd("10.01")
	require.NoError(t, c.Validate(), "one cent tolerance")

	c.Items[0].TotalPrice = usd("9.00")
	require.ErrorIs(t, c.Validate(), apperr.ErrValidation)
}

func TestCart_ValidateCurrencyMismatch(t *testing.T) {
	c, err := NewCart("USD", []LineItem{mustLine(t, "a", 1, "10.00")})
	require.NoError(t, err)

	eur := money.MustNew("5.00", "EUR")
	c.Shipping = &eur
	require.ErrorIs(t, c.Validate(), money.ErrCurrencyMismatch)

	c.Shipping = nil
	c.Discount = &eur
	require.ErrorIs(t, c.Validate(), money.ErrCurrencyMismatch)
}

func TestCart_Clone(t *testing.T) {
	c, err := NewCart("USD", []LineItem{mustLine(t, "a", 1, "10.00")})
	require.NoError(t, err)
	require.NoError(t, c.SetShipping(usd("5.00")))

	cp := c.Clone()
	require.NoError(t, cp.SetShipping(usd("7.00")))
	cp.Items[0].Quantity = 9

	assert.Equal(t, "15.00", c.Total.AmountString())
	assert.Equal(t, 1, c.Items[0].Quantity)
}

func TestAddress_Validate(t *testing.T) {
	ok := Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
	require.NoError(t, ok.Validate("shippingAddress"))

	bad := ok
	bad.Country = "USA"
	err := bad.Validate("shippingAddress")
	var vErr *apperr.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "shippingAddress.country", vErr.Field)
}
