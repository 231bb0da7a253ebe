// Package discount prices promotion codes against a cart and tracks their
// redemption limits.
package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/ucp-merchant/internal/money"
)

// Type enumerates the supported discount strategies.
type Type string

const (
	// TypePercentage takes a percentage (0-100) of the subtotal.
	TypePercentage Type = "PERCENTAGE"
	// TypeFixedAmount takes a fixed amount, capped at the subtotal.
	TypeFixedAmount Type = "FIXED_AMOUNT"
	// TypeFreeLowestItem removes the unit price of the cheapest line.
	TypeFreeLowestItem Type = "FREE_LOWEST_ITEM"
)

func (t Type) Valid() bool {
	switch t {
	case TypePercentage, TypeFixedAmount, TypeFreeLowestItem:
		return true
	default:
		return false
	}
}

var (
	// ErrInvalidCode is returned when a code is unknown or the cart does not
	// satisfy the rule's minimum item requirement.
	ErrInvalidCode = errors.New("invalid discount code")
	// ErrAlreadyApplied is returned when the same discount is applied twice
	// to one session.
	ErrAlreadyApplied = errors.New("discount already applied")
	// ErrExpired is returned when a rule is outside its valid time window.
	ErrExpired = errors.New("discount expired")
	// ErrUsageLimitReached is returned when a rule has exhausted its uses.
	ErrUsageLimitReached = errors.New("discount usage limit reached")
	// ErrCapReached is returned when earlier discounts already cover the
	// whole subtotal.
	ErrCapReached = errors.New("combined discount already equals the subtotal")
	// ErrNotCombinable is returned when an exclusive rule would stack.
	ErrNotCombinable = errors.New("discount cannot be combined with other discounts")
)

// Rule defines a discount's behaviour and eligibility constraints.
type Rule struct {
	ID          string
	Code        string
	Type        Type
	Value       decimal.Decimal
	Currency    string
	MinItems    int
	Description string
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	MaxUses     int
	Uses        int
	Exclusive   bool
}

// Applied records a discount exactly as computed, so removal restores the
// same amount instead of recomputing it.
type Applied struct {
	DiscountID  string      `json:"discountId"`
	Code        string      `json:"code"`
	Type        Type        `json:"type"`
	Amount      money.Money `json:"amount"`
	LineItemID  string      `json:"lineItemId,omitempty"`
	Description string      `json:"description,omitempty"`
	Exclusive   bool        `json:"exclusive,omitempty"`
}

// Repository provides lookup and mutation of discount rules.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Rule, error)
	ListCodes(ctx context.Context) ([]string, error)
	IncrementUses(ctx context.Context, code string) error
}

// Total sums the recorded amounts.
func Total(currency string, applied []Applied) (money.Money, error) {
	total := money.Zero(currency)
	for _, a := range applied {
		var err error
		if total, err = total.Add(a.Amount); err != nil {
			return money.Money{}, err
		}
	}
	return total, nil
}
