package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ucp-merchant/internal/domain/discount"
)

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "ucp-demo-store", c.Merchant.ID)
	assert.Equal(t, "USD", c.Merchant.Currency)
	require.NotEmpty(t, c.Products)

	byID := make(map[string]bool)
	for _, p := range c.Products {
		byID[p.ID] = p.Available
		assert.Equal(t, "USD", p.Price.Currency)
	}
	assert.True(t, byID["classic-tee"])
	assert.False(t, byID["vintage-cap"])

	codes := make(map[string]discount.Rule)
	for _, r := range c.Discounts {
		codes[r.Code] = r
	}
	require.Contains(t, codes, "SAVE20")
	assert.Equal(t, discount.TypePercentage, codes["SAVE20"].Type)
	assert.Equal(t, "20", codes["SAVE20"].Value.String())
	assert.Equal(t, "USD", codes["WELCOME10"].Currency)
	assert.True(t, codes["FREEITEM"].Exclusive)

	require.Len(t, c.Shipping, 2)
	assert.Equal(t, "express", c.Shipping[1].ID)
	assert.Equal(t, "12.99", c.Shipping[1].Price.AmountString())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"bad yaml", "products: [", "decode yaml"},
		{"missing name", "products:\n  - id: a\n    price: \"1.00\"\n", "id and name are required"},
		{"duplicate product", "products:\n  - {id: a, name: A, price: \"1.00\"}\n  - {id: a, name: B, price: \"2.00\"}\n", "duplicate id"},
		{"float-ish price", "products:\n  - {id: a, name: A, price: \"1e3\"}\n", "price"},
		{"unknown type", "discounts:\n  - {code: X, type: BOGUS}\n", "unknown type"},
		{"percentage range", "discounts:\n  - {code: X, type: PERCENTAGE, value: \"120\"}\n", "outside 0-100"},
		{"fixed zero", "discounts:\n  - {code: X, type: FIXED_AMOUNT, value: \"0\"}\n", "must be positive"},
		{"duplicate code", "discounts:\n  - {code: x, type: PERCENTAGE, value: \"5\"}\n  - {code: X, type: PERCENTAGE, value: \"5\"}\n", "duplicate code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `
merchant: {id: m1, currency: EUR}
products:
  - {id: mug, name: Mug, price: "9.5"}
discounts:
  - {code: " five ", type: FIXED_AMOUNT, value: "5"}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "EUR", c.Products[0].Price.Currency)
	assert.Equal(t, "9.50", c.Products[0].Price.AmountString())
	assert.Equal(t, "FIVE", c.Discounts[0].Code)
	assert.Equal(t, "d_FIVE", c.Discounts[0].ID)
	assert.Equal(t, "EUR", c.Discounts[0].Currency)
	// No shipping section falls back to the defaults.
	assert.Len(t, c.Shipping, 2)
	assert.Equal(t, "EUR", c.Shipping[0].Price.Currency)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
