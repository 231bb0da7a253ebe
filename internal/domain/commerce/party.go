package commerce

import (
	"strings"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/money"
)

// Address is a postal address.
type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// Validate checks the fields required to ship or bill.
func (a Address) Validate(field string) error {
	switch {
	case strings.TrimSpace(a.Line1) == "":
		return apperr.Validation(field+".line1", "required")
	case strings.TrimSpace(a.City) == "":
		return apperr.Validation(field+".city", "required")
	case strings.TrimSpace(a.PostalCode) == "":
		return apperr.Validation(field+".postalCode", "required")
	case len(a.Country) != 2:
		return apperr.Validation(field+".country", "must be a 2-letter ISO code")
	}
	return nil
}

// Customer identifies the buyer.
type Customer struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

func (c Customer) Validate() error {
	if !strings.Contains(c.Email, "@") {
		return apperr.Validation("customer.email", "must be a valid email address")
	}
	return nil
}

// ShippingOption is a delivery method the merchant offers.
type ShippingOption struct {
	ID            string      `json:"id"`
	Label         string      `json:"label"`
	Price         money.Money `json:"price"`
	EstimatedDays int         `json:"estimatedDays,omitempty"`
}
