package discount

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/ucp-merchant/internal/domain/commerce"
	"github.com/xenking/ucp-merchant/internal/money"
)

var hundred = decimal.NewFromInt(100)

// Compute calculates the discount for rule against cart, ignoring any other
// discounts already on the cart. For TypeFreeLowestItem the id of the line
// that was made free is returned as well.
func Compute(rule *Rule, cart *commerce.Cart) (money.Money, string, error) {
	if rule.MinItems > 0 && cart.TotalQuantity() < rule.MinItems {
		return money.Money{}, "", ErrInvalidCode
	}

	switch rule.Type {
	case TypePercentage:
		if rule.Value.IsNegative() || rule.Value.GreaterThan(hundred) {
			return money.Money{}, "", errors.Errorf("percentage %s out of range", rule.Value)
		}
		amount := cart.Subtotal.Amount.Mul(rule.Value).Div(hundred)
		return floorAtZero(money.FromDecimal(amount, cart.Currency)).Round(2), "", nil

	case TypeFixedAmount:
		if rule.Currency != "" && rule.Currency != cart.Currency {
			return money.Money{}, "", ErrInvalidCode
		}
		amount := decimal.Min(rule.Value, cart.Subtotal.Amount)
		return floorAtZero(money.FromDecimal(amount, cart.Currency)).Round(2), "", nil

	case TypeFreeLowestItem:
		item, ok := lowestUnitPrice(cart.Items)
		if !ok {
			return money.Zero(cart.Currency), "", nil
		}
		return floorAtZero(item.UnitPrice).Round(2), item.ID, nil

	default:
		return money.Money{}, "", errors.Errorf("unsupported discount type: %q", rule.Type)
	}
}

func floorAtZero(m money.Money) money.Money {
	if m.IsNegative() {
		return money.Zero(m.Currency)
	}
	return m
}

// lowestUnitPrice returns the line with the lowest unit price. The first line
// wins ties.
func lowestUnitPrice(items []commerce.LineItem) (commerce.LineItem, bool) {
	if len(items) == 0 {
		return commerce.LineItem{}, false
	}
	lowest := items[0]
	for _, item := range items[1:] {
		if item.UnitPrice.Amount.LessThan(lowest.UnitPrice.Amount) {
			lowest = item
		}
	}
	return lowest, true
}
