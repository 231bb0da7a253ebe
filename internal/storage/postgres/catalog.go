package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/ucp-merchant/internal/domain/discount"
	"github.com/xenking/ucp-merchant/internal/domain/product"
	"github.com/xenking/ucp-merchant/internal/money"
)

const (
	productColumns = `id, name, description, price, currency, category, image_url, available`

	listProductsSQL     = `SELECT ` + productColumns + ` FROM products ORDER BY id`
	getProductByIDSQL   = `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`

	upsertProductSQL = `INSERT INTO products (` + productColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description,
			price = EXCLUDED.price, currency = EXCLUDED.currency,
			category = EXCLUDED.category, image_url = EXCLUDED.image_url,
			available = EXCLUDED.available`

	discountColumns = `id, code, type, value, currency, min_items, description,
		valid_from, valid_until, max_uses, uses, exclusive`

	getDiscountByCodeSQL = `SELECT ` + discountColumns + `
		FROM discounts WHERE code = $1 AND active = TRUE`

	listDiscountCodesSQL = `SELECT code FROM discounts WHERE active = TRUE ORDER BY code`

	incrementDiscountUsesSQL = `UPDATE discounts SET uses = uses + 1 WHERE code = $1`

	// Uses are left alone on conflict so re-seeding keeps redemption counts.
	upsertDiscountSQL = `INSERT INTO discounts (id, code, type, value, currency, min_items, description,
			valid_from, valid_until, max_uses, exclusive)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (code) DO UPDATE SET
			type = EXCLUDED.type, value = EXCLUDED.value, currency = EXCLUDED.currency,
			min_items = EXCLUDED.min_items, description = EXCLUDED.description,
			valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until,
			max_uses = EXCLUDED.max_uses, exclusive = EXCLUDED.exclusive, active = TRUE`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// List returns all products ordered by ID.
func (r *ProductRepository) List(ctx context.Context) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, listProductsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns the products that exist among ids.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p        product.Product
		price    decimal.Decimal
		currency string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &price, &currency, &p.Category, &p.ImageURL, &p.Available)
	p.Price = money.FromDecimal(price, currency)
	return p, err
}

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository. Codes are stored
// normalized.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// FindByCode returns discount.ErrInvalidCode for unknown or inactive codes.
func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (*discount.Rule, error) {
	code = discount.NormalizeCode(code)
	rows, err := r.pool.Query(ctx, getDiscountByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding discount %q: %w", code, err)
	}
	rule, err := pgx.CollectExactlyOneRow(rows, scanRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrInvalidCode
		}
		return nil, fmt.Errorf("finding discount %q: %w", code, err)
	}
	return &rule, nil
}

func (r *DiscountRepository) ListCodes(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, listDiscountCodesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing discount codes: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// IncrementUses atomically bumps the redemption counter.
func (r *DiscountRepository) IncrementUses(ctx context.Context, code string) error {
	code = discount.NormalizeCode(code)
	tag, err := r.pool.Exec(ctx, incrementDiscountUsesSQL, code)
	if err != nil {
		return fmt.Errorf("incrementing uses for discount %q: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrInvalidCode
	}
	return nil
}

func scanRule(row pgx.CollectableRow) (discount.Rule, error) {
	var (
		rule       discount.Rule
		typ        string
		minItems   int32
		validFrom  *time.Time
		validUntil *time.Time
		maxUses    int32
		uses       int32
	)
	err := row.Scan(
		&rule.ID, &rule.Code, &typ, &rule.Value, &rule.Currency, &minItems, &rule.Description,
		&validFrom, &validUntil, &maxUses, &uses, &rule.Exclusive,
	)
	rule.Type = discount.Type(typ)
	rule.MinItems = int(minItems)
	rule.ValidFrom = validFrom
	rule.ValidUntil = validUntil
	rule.MaxUses = int(maxUses)
	rule.Uses = int(uses)
	return rule, err
}

// UpsertProducts inserts or updates products in one batch.
func UpsertProducts(ctx context.Context, pool *pgxpool.Pool, products []product.Product) error {
	batch := &pgx.Batch{}
	for _, p := range products {
		batch.Queue(upsertProductSQL,
			p.ID, p.Name, p.Description, p.Price.Amount, p.Price.Currency, p.Category, p.ImageURL, p.Available)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting %d products: %w", len(products), err)
	}
	return nil
}

// UpsertDiscounts inserts or updates rules in one batch, keyed by the
// normalized code. Existing usage counters are preserved.
func UpsertDiscounts(ctx context.Context, pool *pgxpool.Pool, rules []discount.Rule) error {
	batch := &pgx.Batch{}
	for _, r := range rules {
		batch.Queue(upsertDiscountSQL,
			r.ID, discount.NormalizeCode(r.Code), string(r.Type), r.Value, r.Currency, r.MinItems,
			r.Description, r.ValidFrom, r.ValidUntil, r.MaxUses, r.Exclusive)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting %d discounts: %w", len(rules), err)
	}
	return nil
}
