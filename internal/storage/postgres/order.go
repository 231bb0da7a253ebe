package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/order"
)

const (
	insertOrderSQL = `INSERT INTO orders (id, checkout_session_id, status, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`

	getOrderSQL = `SELECT data FROM orders WHERE id = $1`

	getOrderBySessionSQL = `SELECT data FROM orders WHERE checkout_session_id = $1`

	updateOrderSQL = `UPDATE orders SET status = $2, data = $3, updated_at = $4 WHERE id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository. The order document is stored
// as JSONB; status and session id are mirrored into columns.
type OrderRepository struct {
	q querier
}

// Create inserts a new order. It returns order.ErrAlreadyExists when the
// checkout session already has one.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return insertOrder(ctx, r.q, o)
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.getOne(ctx, getOrderSQL, id, "order")
}

func (r *OrderRepository) GetBySession(ctx context.Context, sessionID string) (*order.Order, error) {
	return r.getOne(ctx, getOrderBySessionSQL, sessionID, "order for checkout session")
}

// Update stores fulfillment changes.
func (r *OrderRepository) Update(ctx context.Context, o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshaling order %q: %w", o.ID, err)
	}
	tag, err := r.q.Exec(ctx, updateOrderSQL, o.ID, string(o.Status), data, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("order", o.ID)
	}
	return nil
}

func (r *OrderRepository) getOne(ctx context.Context, sql, key, resource string) (*order.Order, error) {
	rows, err := r.q.Query(ctx, sql, key)
	if err != nil {
		return nil, fmt.Errorf("getting %s %q: %w", resource, key, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound(resource, key)
		}
		return nil, fmt.Errorf("getting %s %q: %w", resource, key, err)
	}
	return o, nil
}

func insertOrder(ctx context.Context, q querier, o *order.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshaling order %q: %w", o.ID, err)
	}
	tag, err := q.Exec(ctx, insertOrderSQL,
		o.ID, o.CheckoutSessionID, string(o.Status), data, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrAlreadyExists
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("unmarshaling order: %w", err)
	}
	return &o, nil
}
