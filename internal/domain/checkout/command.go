package checkout

import (
	"context"
	"strings"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/commerce"
)

// Command is one explicit mutation of a session. The set is closed: only the
// types in this file implement it.
type Command interface {
	apply(ctx context.Context, m *Manager, s *Session) error
}

// SetShippingAddress replaces the shipping address.
type SetShippingAddress struct {
	Address commerce.Address
}

func (c SetShippingAddress) apply(_ context.Context, _ *Manager, s *Session) error {
	if err := c.Address.Validate("shippingAddress"); err != nil {
		return err
	}
	addr := c.Address
	s.ShippingAddress = &addr
	return nil
}

// SetBillingAddress replaces the billing address.
type SetBillingAddress struct {
	Address commerce.Address
}

func (c SetBillingAddress) apply(_ context.Context, _ *Manager, s *Session) error {
	if err := c.Address.Validate("billingAddress"); err != nil {
		return err
	}
	addr := c.Address
	s.BillingAddress = &addr
	return nil
}

// SelectShippingOption stores the option and adds its price to the total.
type SelectShippingOption struct {
	OptionID string
}

func (c SelectShippingOption) apply(ctx context.Context, m *Manager, s *Session) error {
	options, err := m.shipping.Options(ctx, s)
	if err != nil {
		return err
	}
	for _, o := range options {
		if o.ID != c.OptionID {
			continue
		}
		if err := s.Cart.SetShipping(o.Price); err != nil {
			return apperr.Invalid("selectedShippingOption", err)
		}
		opt := o
		s.ShippingOption = &opt
		return nil
	}
	return apperr.Validation("selectedShippingOption", "unknown shipping option %q", c.OptionID)
}

// SetCustomer replaces the buyer details.
type SetCustomer struct {
	Customer commerce.Customer
}

func (c SetCustomer) apply(_ context.Context, _ *Manager, s *Session) error {
	if err := c.Customer.Validate(); err != nil {
		return err
	}
	cust := c.Customer
	s.Customer = &cust
	return nil
}

// SetPaymentMethod records the token used by Complete.
type SetPaymentMethod struct {
	Method string
}

func (c SetPaymentMethod) apply(_ context.Context, _ *Manager, s *Session) error {
	method := strings.TrimSpace(c.Method)
	if method == "" {
		return apperr.Validation("paymentMethod", "required")
	}
	s.PaymentMethod = method
	return nil
}

// Cancel abandons the session. It is legal only from PENDING or READY.
type Cancel struct{}

func (Cancel) apply(_ context.Context, _ *Manager, s *Session) error {
	if !s.Status.Editable() {
		return apperr.InvalidTransition("checkout session "+s.ID, s.Status, StatusCancelled)
	}
	s.Status = StatusCancelled
	return nil
}
