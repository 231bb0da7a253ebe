// Package catalog loads the merchant's products, discount rules and shipping
// options from YAML. A demo catalog is embedded for local runs and tests.
package catalog

import (
	_ "embed"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/yaml"
	"github.com/shopspring/decimal"

	"github.com/xenking/ucp-merchant/internal/domain/checkout"
	"github.com/xenking/ucp-merchant/internal/domain/commerce"
	"github.com/xenking/ucp-merchant/internal/domain/discount"
	"github.com/xenking/ucp-merchant/internal/domain/product"
	"github.com/xenking/ucp-merchant/internal/money"
)

//go:embed seed.yaml
var seed []byte

// Merchant identifies the store.
type Merchant struct {
	ID       string
	Name     string
	Currency string
}

// Catalog is everything the merchant sells and offers.
type Catalog struct {
	Merchant  Merchant
	Products  []product.Product
	Discounts []discount.Rule
	Shipping  checkout.StaticShipping
}

type fileMerchant struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Currency string `yaml:"currency"`
}

type fileProduct struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Price       string `yaml:"price"`
	Currency    string `yaml:"currency"`
	Category    string `yaml:"category"`
	ImageURL    string `yaml:"imageUrl"`
	Available   *bool  `yaml:"available"`
}

type fileDiscount struct {
	ID          string     `yaml:"id"`
	Code        string     `yaml:"code"`
	Type        string     `yaml:"type"`
	Value       string     `yaml:"value"`
	Currency    string     `yaml:"currency"`
	MinItems    int        `yaml:"minItems"`
	MaxUses     int        `yaml:"maxUses"`
	ValidFrom   *time.Time `yaml:"validFrom"`
	ValidUntil  *time.Time `yaml:"validUntil"`
	Exclusive   bool       `yaml:"exclusive"`
	Description string     `yaml:"description"`
}

type fileShipping struct {
	ID            string `yaml:"id"`
	Label         string `yaml:"label"`
	Price         string `yaml:"price"`
	EstimatedDays int    `yaml:"estimatedDays"`
}

type file struct {
	Merchant  fileMerchant   `yaml:"merchant"`
	Products  []fileProduct  `yaml:"products"`
	Discounts []fileDiscount `yaml:"discounts"`
	Shipping  []fileShipping `yaml:"shipping"`
}

// Default returns the embedded demo catalog.
func Default() (*Catalog, error) {
	return Parse(seed)
}

// Load reads the catalog at path, or the embedded one when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog")
	}
	c, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return c, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decode yaml")
	}
	if f.Merchant.Currency == "" {
		f.Merchant.Currency = "USD"
	}
	c := &Catalog{Merchant: Merchant(f.Merchant)}

	seen := make(map[string]struct{}, len(f.Products))
	for i, fp := range f.Products {
		if fp.ID == "" || fp.Name == "" {
			return nil, errors.Errorf("products[%d]: id and name are required", i)
		}
		if _, dup := seen[fp.ID]; dup {
			return nil, errors.Errorf("products[%d]: duplicate id %q", i, fp.ID)
		}
		seen[fp.ID] = struct{}{}

		currency := fp.Currency
		if currency == "" {
			currency = f.Merchant.Currency
		}
		price, err := money.New(fp.Price, currency)
		if err != nil {
			return nil, errors.Wrapf(err, "products[%d] price", i)
		}
		if price.IsNegative() {
			return nil, errors.Errorf("products[%d]: negative price", i)
		}
		c.Products = append(c.Products, product.Product{
			ID:          fp.ID,
			Name:        fp.Name,
			Description: fp.Description,
			Price:       price,
			Category:    fp.Category,
			ImageURL:    fp.ImageURL,
			Available:   fp.Available == nil || *fp.Available,
		})
	}

	codes := make(map[string]struct{}, len(f.Discounts))
	for i, fd := range f.Discounts {
		rule, err := fd.rule(f.Merchant.Currency)
		if err != nil {
			return nil, errors.Wrapf(err, "discounts[%d]", i)
		}
		if _, dup := codes[rule.Code]; dup {
			return nil, errors.Errorf("discounts[%d]: duplicate code %q", i, rule.Code)
		}
		codes[rule.Code] = struct{}{}
		c.Discounts = append(c.Discounts, rule)
	}

	for i, fs := range f.Shipping {
		if fs.ID == "" {
			return nil, errors.Errorf("shipping[%d]: id is required", i)
		}
		price, err := money.New(fs.Price, f.Merchant.Currency)
		if err != nil {
			return nil, errors.Wrapf(err, "shipping[%d] price", i)
		}
		c.Shipping = append(c.Shipping, commerce.ShippingOption{
			ID:            fs.ID,
			Label:         fs.Label,
			Price:         price,
			EstimatedDays: fs.EstimatedDays,
		})
	}
	if len(c.Shipping) == 0 {
		c.Shipping = checkout.DefaultShipping(f.Merchant.Currency)
	}
	return c, nil
}

func (fd fileDiscount) rule(defaultCurrency string) (discount.Rule, error) {
	rule := discount.Rule{
		ID:          fd.ID,
		Code:        discount.NormalizeCode(fd.Code),
		Type:        discount.Type(fd.Type),
		Currency:    fd.Currency,
		MinItems:    fd.MinItems,
		MaxUses:     fd.MaxUses,
		ValidFrom:   fd.ValidFrom,
		ValidUntil:  fd.ValidUntil,
		Exclusive:   fd.Exclusive,
		Description: fd.Description,
	}
	if rule.Code == "" {
		return rule, errors.New("code is required")
	}
	if rule.ID == "" {
		rule.ID = "d_" + rule.Code
	}
	if !rule.Type.Valid() {
		return rule, errors.Errorf("unknown type %q", fd.Type)
	}
	if fd.Value != "" {
		v, err := decimal.NewFromString(fd.Value)
		if err != nil {
			return rule, errors.Wrap(err, "value")
		}
		rule.Value = v
	}
	switch rule.Type {
	case discount.TypePercentage:
		if rule.Value.IsNegative() || rule.Value.GreaterThan(decimal.NewFromInt(100)) {
			return rule, errors.Errorf("percentage %s outside 0-100", rule.Value)
		}
	case discount.TypeFixedAmount:
		if !rule.Value.IsPositive() {
			return rule, errors.New("fixed amount must be positive")
		}
		if rule.Currency == "" {
			rule.Currency = defaultCurrency
		}
	}
	return rule, nil
}
