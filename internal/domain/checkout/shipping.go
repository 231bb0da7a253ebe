package checkout

import (
	"context"

	"github.com/xenking/ucp-merchant/internal/domain/commerce"
	"github.com/xenking/ucp-merchant/internal/money"
)

// ShippingCatalog lists the delivery options available to a session.
type ShippingCatalog interface {
	Options(ctx context.Context, s *Session) ([]commerce.ShippingOption, error)
}

// StaticShipping offers the same options to every session whose currency
// matches.
type StaticShipping []commerce.ShippingOption

func (st StaticShipping) Options(_ context.Context, s *Session) ([]commerce.ShippingOption, error) {
	out := make([]commerce.ShippingOption, 0, len(st))
	for _, o := range st {
		if s.Cart != nil && o.Price.Currency != s.Cart.Currency {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// DefaultShipping returns standard and express options in currency.
func DefaultShipping(currency string) StaticShipping {
	return StaticShipping{
		{ID: "standard", Label: "Standard shipping", Price: money.MustNew("5.00", currency), EstimatedDays: 5},
		{ID: "express", Label: "Express shipping", Price: money.MustNew("12.99", currency), EstimatedDays: 1},
	}
}
