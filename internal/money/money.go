// Package money implements exact decimal amounts tagged with an ISO 4217
// currency code.
package money

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrCurrencyMismatch is returned by arithmetic between two amounts in
	// different currencies.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrInvalidAmount is returned when an amount string is not a plain decimal.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidCurrency is returned for anything but a 3-letter uppercase code.
	ErrInvalidCurrency = errors.New("invalid currency")
)

var (
	amountPattern   = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
	tolerance       = decimal.New(1, -2)
)

// MismatchError carries both currencies of a failed operation.
type MismatchError struct {
	Left, Right string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("currency mismatch: %s vs %s", e.Left, e.Right)
}

// Is reports ErrCurrencyMismatch.
func (e *MismatchError) Is(target error) bool {
	return target == ErrCurrencyMismatch
}

// Money is an exact decimal amount in a single currency.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// New parses amount as an exact decimal string.
func New(amount, currency string) (Money, error) {
	if !amountPattern.MatchString(amount) {
		return Money{}, errors.Wrapf(ErrInvalidAmount, "%q", amount)
	}
	if !currencyPattern.MatchString(currency) {
		return Money{}, errors.Wrapf(ErrInvalidCurrency, "%q", currency)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, errors.Wrapf(ErrInvalidAmount, "%q", amount)
	}
	return Money{Amount: d, Currency: currency}, nil
}

// MustNew is like New but panics on invalid input. Intended for constants
// and tests.
func MustNew(amount, currency string) Money {
	m, err := New(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDecimal wraps an already parsed decimal.
func FromDecimal(d decimal.Decimal, currency string) Money {
	return Money{Amount: d, Currency: currency}
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

func (m Money) check(o Money) error {
	if m.Currency != o.Currency {
		return &MismatchError{Left: m.Currency, Right: o.Currency}
	}
	return nil
}

// Add returns m + o.
func (m Money) Add(o Money) (Money, error) {
	if err := m.check(o); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Add(o.Amount), Currency: m.Currency}, nil
}

// Sub returns m - o.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.check(o); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Sub(o.Amount), Currency: m.Currency}, nil
}

// Cmp compares m and o: -1 if m < o, 0 if equal, +1 if m > o.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.check(o); err != nil {
		return 0, err
	}
	return m.Amount.Cmp(o.Amount), nil
}

// Mul multiplies the amount by an integer quantity.
func (m Money) Mul(qty int64) Money {
	return Money{Amount: m.Amount.Mul(decimal.NewFromInt(qty)), Currency: m.Currency}
}

// Neg returns -m.
func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// Round rounds the amount to the given number of fractional digits
// (half away from zero).
func (m Money) Round(places int32) Money {
	return Money{Amount: m.Amount.Round(places), Currency: m.Currency}
}

// Equal reports whether m and o have the same currency and numeric value.
func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

func (m Money) IsZero() bool     { return m.Amount.IsZero() }
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

// Min returns the smaller of a and b.
func Min(a, b Money) (Money, error) {
	c, err := a.Cmp(b)
	if err != nil {
		return Money{}, err
	}
	if c <= 0 {
		return a, nil
	}
	return b, nil
}

// Sum adds all amounts, starting from zero in currency.
func Sum(currency string, amounts ...Money) (Money, error) {
	total := Zero(currency)
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

// WithinTolerance reports whether a and b share a currency and differ by at
// most one cent.
func WithinTolerance(a, b Money) bool {
	if a.Currency != b.Currency {
		return false
	}
	return a.Amount.Sub(b.Amount).Abs().LessThanOrEqual(tolerance)
}

// AmountString renders the amount with at least two fractional digits and
// never drops precision.
func (m Money) AmountString() string {
	if m.Amount.Exponent() >= -2 {
		return m.Amount.StringFixed(2)
	}
	return m.Amount.String()
}

func (m Money) String() string {
	return m.AmountString() + " " + m.Currency
}

type wireMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// MarshalJSON encodes m as {"amount":"100.00","currency":"USD"}.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMoney{Amount: m.AmountString(), Currency: m.Currency})
}

// UnmarshalJSON decodes and validates the wire form.
func (m *Money) UnmarshalJSON(data []byte) error {
	var w wireMoney
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "decode money")
	}
	parsed, err := New(w.Amount, w.Currency)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
