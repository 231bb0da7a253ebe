package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/checkout"
	"github.com/xenking/ucp-merchant/internal/domain/order"
)

const (
	insertSessionSQL = `INSERT INTO checkout_sessions
		(id, status, data, created_at, updated_at, expires_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	updateSessionSQL = `UPDATE checkout_sessions
		SET status = $2, data = $3, updated_at = $4, expires_at = $5, archived_at = $6
		WHERE id = $1`

	getSessionSQL = `SELECT data FROM checkout_sessions WHERE id = $1`

	listActiveSessionsSQL = `SELECT data FROM checkout_sessions
		WHERE archived_at IS NULL ORDER BY created_at`

	deleteSessionSQL = `DELETE FROM checkout_sessions WHERE id = $1`
)

var _ checkout.Store = (*SessionStore)(nil)

// SessionStore implements checkout.Store. Terminal sessions get archived_at
// set and drop out of List.
type SessionStore struct {
	pool *pgxpool.Pool
}

func (r *SessionStore) Create(ctx context.Context, s *checkout.Session) error {
	row, err := sessionRow(s)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, insertSessionSQL,
		s.ID, row.status, row.data, s.CreatedAt, s.UpdatedAt, row.expiresAt, row.archivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Validation("id", "session %s already exists", s.ID)
		}
		return fmt.Errorf("creating checkout session %q: %w", s.ID, err)
	}
	return nil
}

func (r *SessionStore) Get(ctx context.Context, id string) (*checkout.Session, error) {
	rows, err := r.pool.Query(ctx, getSessionSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting checkout session %q: %w", id, err)
	}
	s, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("checkout session", id)
		}
		return nil, fmt.Errorf("getting checkout session %q: %w", id, err)
	}
	return s, nil
}

func (r *SessionStore) Save(ctx context.Context, s *checkout.Session) error {
	return saveSession(ctx, r.pool, s)
}

func (r *SessionStore) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, deleteSessionSQL, id); err != nil {
		return fmt.Errorf("deleting checkout session %q: %w", id, err)
	}
	return nil
}

func (r *SessionStore) List(ctx context.Context) ([]*checkout.Session, error) {
	rows, err := r.pool.Query(ctx, listActiveSessionsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing checkout sessions: %w", err)
	}
	return pgx.CollectRows(rows, scanSession)
}

// Complete inserts the order and saves the session in one transaction. The
// unique checkout_session_id constraint turns a second order into
// order.ErrAlreadyExists.
func (r *SessionStore) Complete(ctx context.Context, s *checkout.Session, o *order.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertOrder(ctx, tx, o); err != nil {
		return err
	}
	if err := saveSession(ctx, tx, s); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing completion of %q: %w", s.ID, err)
	}
	return nil
}

func saveSession(ctx context.Context, q querier, s *checkout.Session) error {
	row, err := sessionRow(s)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, updateSessionSQL,
		s.ID, row.status, row.data, s.UpdatedAt, row.expiresAt, row.archivedAt)
	if err != nil {
		return fmt.Errorf("saving checkout session %q: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("checkout session", s.ID)
	}
	return nil
}

type sessionColumns struct {
	status     string
	data       []byte
	expiresAt  *time.Time
	archivedAt *time.Time
}

func sessionRow(s *checkout.Session) (sessionColumns, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return sessionColumns{}, fmt.Errorf("marshaling checkout session %q: %w", s.ID, err)
	}
	row := sessionColumns{status: string(s.Status), data: data}
	if !s.ExpiresAt.IsZero() {
		row.expiresAt = &s.ExpiresAt
	}
	if s.Status.IsTerminal() {
		row.archivedAt = &s.UpdatedAt
	}
	return row, nil
}

func scanSession(row pgx.CollectableRow) (*checkout.Session, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var s checkout.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling checkout session: %w", err)
	}
	return &s, nil
}
