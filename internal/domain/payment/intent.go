package payment

import (
	"time"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/money"
)

// Status is the lifecycle state of a payment intent.
type Status string

const (
	StatusPending           Status = "pending"
	StatusRequiresAction    Status = "requires_action"
	StatusAuthorized        Status = "authorized"
	StatusCaptured          Status = "captured"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusRefunded          Status = "refunded"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

func (s Status) String() string { return string(s) }

var transitions = map[Status][]Status{
	StatusPending:           {StatusAuthorized, StatusFailed, StatusRequiresAction, StatusCancelled},
	StatusRequiresAction:    {StatusAuthorized, StatusFailed, StatusCancelled},
	StatusAuthorized:        {StatusCaptured, StatusCancelled},
	StatusCaptured:          {StatusRefunded, StatusPartiallyRefunded},
	StatusPartiallyRefunded: {StatusRefunded, StatusPartiallyRefunded},
}

// CanTransitionTo reports whether s -> to is a legal edge.
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions exist.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Settled reports whether money has been captured.
func (s Status) Settled() bool {
	return s == StatusCaptured || s == StatusPartiallyRefunded || s == StatusRefunded
}

// NextAction describes what the buyer must do to continue a
// requires_action intent.
type NextAction struct {
	Type        string `json:"type"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}

// Intent is one attempt to move money for a checkout session.
//
// Handlers own intents. Mutations go through the methods below so every
// implementation enforces the same transition table and amount limits.
type Intent struct {
	ID                string      `json:"id"`
	Status            Status      `json:"status"`
	Amount            money.Money `json:"amount"`
	AuthorizedAmount  money.Money `json:"authorizedAmount"`
	CapturedAmount    money.Money `json:"capturedAmount"`
	RefundedAmount    money.Money `json:"refundedAmount"`
	CheckoutSessionID string      `json:"checkoutSessionId"`
	ClientSecret      string      `json:"clientSecret,omitempty"`
	PaymentMethod     string      `json:"paymentMethod,omitempty"`
	ErrorMessage      string      `json:"errorMessage,omitempty"`
	DeclineCode       string      `json:"declineCode,omitempty"`
	NextAction        *NextAction `json:"nextAction,omitempty"`
	CapturedAt        *time.Time  `json:"capturedAt,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// NewIntent returns a pending intent for amount.
func NewIntent(id, sessionID, clientSecret string, amount money.Money, now time.Time) *Intent {
	zero := money.Zero(amount.Currency)
	return &Intent{
		ID:                id,
		Status:            StatusPending,
		Amount:            amount,
		AuthorizedAmount:  zero,
		CapturedAmount:    zero,
		RefundedAmount:    zero,
		CheckoutSessionID: sessionID,
		ClientSecret:      clientSecret,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (i *Intent) transition(to Status, now time.Time) error {
	if !i.Status.CanTransitionTo(to) {
		return apperr.InvalidTransition("payment intent "+i.ID, i.Status, to)
	}
	i.Status = to
	i.UpdatedAt = now
	return nil
}

// Authorize reserves the full intent amount.
func (i *Intent) Authorize(method string, now time.Time) error {
	if err := i.transition(StatusAuthorized, now); err != nil {
		return err
	}
	i.PaymentMethod = method
	i.AuthorizedAmount = i.Amount
	i.NextAction = nil
	i.ErrorMessage = ""
	i.DeclineCode = ""
	return nil
}

// RequireAction parks the intent until the buyer completes action.
func (i *Intent) RequireAction(method string, action NextAction, now time.Time) error {
	if err := i.transition(StatusRequiresAction, now); err != nil {
		return err
	}
	i.PaymentMethod = method
	i.NextAction = &action
	return nil
}

// Fail records the provider's decline.
func (i *Intent) Fail(declineCode, message string, now time.Time) error {
	if err := i.transition(StatusFailed, now); err != nil {
		return err
	}
	i.DeclineCode = declineCode
	i.ErrorMessage = message
	i.NextAction = nil
	return nil
}

// Capture settles amount, which must not exceed the authorized amount.
func (i *Intent) Capture(amount money.Money, now time.Time) error {
	if i.Status != StatusAuthorized {
		return apperr.InvalidTransition("payment intent "+i.ID, i.Status, StatusCaptured)
	}
	if !amount.IsPositive() {
		return apperr.Validation("amount", "capture amount must be positive")
	}
	cmp, err := amount.Cmp(i.AuthorizedAmount)
	if err != nil {
		return apperr.Invalid("amount", err)
	}
	if cmp > 0 {
		return apperr.Validation("amount", "capture %s exceeds authorized %s", amount, i.AuthorizedAmount)
	}
	if err := i.transition(StatusCaptured, now); err != nil {
		return err
	}
	i.CapturedAmount = amount
	i.CapturedAt = &now
	return nil
}

// Refund returns amount to the buyer. Partial refunds leave the intent
// partially_refunded while a balance remains.
func (i *Intent) Refund(amount money.Money, now time.Time) error {
	if !amount.IsPositive() {
		return apperr.Validation("amount", "refund amount must be positive")
	}
	balance, err := i.CapturedAmount.Sub(i.RefundedAmount)
	if err != nil {
		return err
	}
	cmp, err := amount.Cmp(balance)
	if err != nil {
		return apperr.Invalid("amount", err)
	}
	if cmp > 0 {
		return apperr.Validation("amount", "refund %s exceeds refundable balance %s", amount, balance)
	}
	to := StatusPartiallyRefunded
	if cmp == 0 {
		to = StatusRefunded
	}
	if err := i.transition(to, now); err != nil {
		return err
	}
	i.RefundedAmount, _ = i.RefundedAmount.Add(amount)
	return nil
}

// Cancel voids the intent before capture.
func (i *Intent) Cancel(now time.Time) error {
	if err := i.transition(StatusCancelled, now); err != nil {
		return err
	}
	i.NextAction = nil
	return nil
}

// Clone returns a copy safe to hand to callers.
func (i *Intent) Clone() *Intent {
	out := *i
	if i.NextAction != nil {
		na := *i.NextAction
		out.NextAction = &na
	}
	if i.CapturedAt != nil {
		t := *i.CapturedAt
		out.CapturedAt = &t
	}
	return &out
}
