package discount

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/commerce"
	"github.com/xenking/ucp-merchant/internal/money"
)

const filterFPRate = 0.001

// Engine computes and reverses promotional adjustments to a cart.
type Engine struct {
	repo   Repository
	filter atomic.Pointer[bloom.BloomFilter]
	now    func() time.Time
}

// NewEngine creates an Engine backed by repo.
func NewEngine(repo Repository) *Engine {
	return &Engine{repo: repo, now: time.Now}
}

// NormalizeCode upper-cases and trims a user supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// RefreshFilter rebuilds the bloom prefilter from every code in the
// repository. Until it is first called, all lookups go to the repository.
func (e *Engine) RefreshFilter(ctx context.Context) error {
	codes, err := e.repo.ListCodes(ctx)
	if err != nil {
		return errors.Wrap(err, "list discount codes")
	}
	n := uint(len(codes))
	if n < 1000 {
		n = 1000
	}
	f := bloom.NewWithEstimates(n, filterFPRate)
	for _, c := range codes {
		f.AddString(NormalizeCode(c))
	}
	e.filter.Store(f)
	return nil
}

// Apply validates code against the cart and the discounts already applied to
// it, and returns the adjustment to record. The returned amount is clamped so
// the combined discount never exceeds the subtotal.
func (e *Engine) Apply(ctx context.Context, cart *commerce.Cart, applied []Applied, code string) (Applied, error) {
	code = NormalizeCode(code)
	if code == "" {
		return Applied{}, apperr.Validation("code", "required")
	}
	if f := e.filter.Load(); f != nil && !f.TestString(code) {
		return Applied{}, apperr.Invalid("code", ErrInvalidCode)
	}

	rule, err := e.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrInvalidCode) {
			return Applied{}, apperr.Invalid("code", ErrInvalidCode)
		}
		return Applied{}, errors.Wrap(err, "lookup discount")
	}

	for _, a := range applied {
		if a.DiscountID == rule.ID || a.Code == NormalizeCode(rule.Code) {
			return Applied{}, apperr.Invalid("code", ErrAlreadyApplied)
		}
		if a.Exclusive {
			return Applied{}, apperr.Invalid("code", ErrNotCombinable)
		}
	}
	if rule.Exclusive && len(applied) > 0 {
		return Applied{}, apperr.Invalid("code", ErrNotCombinable)
	}

	if err := e.checkEligible(rule); err != nil {
		return Applied{}, apperr.Invalid("code", err)
	}

	amount, lineID, err := Compute(rule, cart)
	if err != nil {
		if errors.Is(err, ErrInvalidCode) {
			return Applied{}, apperr.Invalid("code", err)
		}
		return Applied{}, errors.Wrapf(err, "compute discount %s", rule.Code)
	}

	already, err := Total(cart.Currency, applied)
	if err != nil {
		return Applied{}, err
	}
	remaining, err := cart.Subtotal.Sub(already)
	if err != nil {
		return Applied{}, err
	}
	if amount, err = money.Min(amount, remaining); err != nil {
		return Applied{}, err
	}
	if !amount.IsPositive() {
		return Applied{}, apperr.Invalid("code", ErrCapReached)
	}

	return Applied{
		DiscountID:  rule.ID,
		Code:        NormalizeCode(rule.Code),
		Type:        rule.Type,
		Amount:      amount,
		LineItemID:  lineID,
		Description: rule.Description,
		Exclusive:   rule.Exclusive,
	}, nil
}

func (e *Engine) checkEligible(rule *Rule) error {
	now := e.now()
	if rule.ValidFrom != nil && now.Before(*rule.ValidFrom) {
		return ErrExpired
	}
	if rule.ValidUntil != nil && now.After(*rule.ValidUntil) {
		return ErrExpired
	}
	if rule.MaxUses > 0 && rule.Uses >= rule.MaxUses {
		return ErrUsageLimitReached
	}
	return nil
}

// Remove drops discountID from applied and returns the removed record along
// with the remaining list. The caller restores exactly removed.Amount.
func Remove(applied []Applied, discountID string) (Applied, []Applied, error) {
	for i, a := range applied {
		if a.DiscountID != discountID {
			continue
		}
		rest := make([]Applied, 0, len(applied)-1)
		rest = append(rest, applied[:i]...)
		rest = append(rest, applied[i+1:]...)
		return a, rest, nil
	}
	return Applied{}, applied, apperr.NotFound("applied discount", discountID)
}

// Redeem increments the usage counter of every applied rule. It is called
// once an order has been created.
func (e *Engine) Redeem(ctx context.Context, applied []Applied) error {
	for _, a := range applied {
		if err := e.repo.IncrementUses(ctx, a.Code); err != nil {
			return errors.Wrapf(err, "increment uses for %s", a.Code)
		}
	}
	return nil
}
