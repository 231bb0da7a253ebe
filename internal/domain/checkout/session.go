// Package checkout implements the checkout session state machine and the
// completion transaction that turns a session into a paid order.
package checkout

import (
	"context"
	"strings"
	"time"

	"github.com/xenking/ucp-merchant/internal/domain/commerce"
	"github.com/xenking/ucp-merchant/internal/domain/discount"
	"github.com/xenking/ucp-merchant/internal/domain/order"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusReady      Status = "READY"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
)

func (s Status) String() string { return string(s) }

// IsTerminal reports whether the session is archived.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Editable reports whether commands may mutate the session.
func (s Status) Editable() bool {
	return s == StatusPending || s == StatusReady
}

// Session is a time-bounded in-progress purchase.
type Session struct {
	ID               string                   `json:"id"`
	MerchantID       string                   `json:"merchantId"`
	Status           Status                   `json:"status"`
	Cart             *commerce.Cart           `json:"cart"`
	Customer         *commerce.Customer       `json:"customer,omitempty"`
	ShippingAddress  *commerce.Address        `json:"shippingAddress,omitempty"`
	BillingAddress   *commerce.Address        `json:"billingAddress,omitempty"`
	ShippingOption   *commerce.ShippingOption `json:"selectedShippingOption,omitempty"`
	PaymentMethod    string                   `json:"paymentMethod,omitempty"`
	AppliedDiscounts []discount.Applied       `json:"appliedDiscounts"`
	PaymentIntentID  string                   `json:"paymentIntentId,omitempty"`
	OrderID          string                   `json:"orderId,omitempty"`
	FailureReason    string                   `json:"failureReason,omitempty"`
	CreatedAt        time.Time                `json:"createdAt"`
	UpdatedAt        time.Time                `json:"updatedAt"`
	ExpiresAt        time.Time                `json:"expiresAt"`
}

// Missing lists the fields still required before the session is READY.
func (s *Session) Missing() []string {
	var missing []string
	if s.ShippingAddress == nil {
		missing = append(missing, "shippingAddress")
	}
	if s.ShippingOption == nil {
		missing = append(missing, "selectedShippingOption")
	}
	if s.PaymentMethod == "" {
		missing = append(missing, "paymentMethod")
	}
	return missing
}

// refreshReadiness moves an editable session between PENDING and READY.
func (s *Session) refreshReadiness() {
	if !s.Status.Editable() {
		return
	}
	if len(s.Missing()) == 0 {
		s.Status = StatusReady
	} else {
		s.Status = StatusPending
	}
}

// Expired reports whether a non-terminal session outlived its TTL.
func (s *Session) Expired(now time.Time) bool {
	return !s.Status.IsTerminal() && !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

func (s *Session) missingReason() string {
	return "session is not ready, missing " + strings.Join(s.Missing(), ", ")
}

// Clone returns a deep copy so commands can be applied all-or-nothing.
func (s *Session) Clone() *Session {
	out := *s
	out.Cart = s.Cart.Clone()
	out.AppliedDiscounts = append([]discount.Applied(nil), s.AppliedDiscounts...)
	if s.Customer != nil {
		c := *s.Customer
		out.Customer = &c
	}
	if s.ShippingAddress != nil {
		a := *s.ShippingAddress
		out.ShippingAddress = &a
	}
	if s.BillingAddress != nil {
		a := *s.BillingAddress
		out.BillingAddress = &a
	}
	if s.ShippingOption != nil {
		o := *s.ShippingOption
		out.ShippingOption = &o
	}
	return &out
}

// Store persists sessions.
//
// Sessions in a terminal status are archived: they stay readable through Get
// but no longer appear in List.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	// List returns active (non-archived) sessions.
	List(ctx context.Context) ([]*Session, error)
	// Complete persists o and the COMPLETED session in one atomic step. It
	// fails with order.ErrAlreadyExists if the session already has an order.
	Complete(ctx context.Context, s *Session, o *order.Order) error
}
