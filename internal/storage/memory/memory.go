// Package memory implements storage.Provider on process memory.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/domain/checkout"
	"github.com/xenking/ucp-merchant/internal/domain/discount"
	"github.com/xenking/ucp-merchant/internal/domain/order"
	"github.com/xenking/ucp-merchant/internal/domain/product"
	"github.com/xenking/ucp-merchant/internal/storage"
)

var _ storage.Provider = (*Provider)(nil)

type state struct {
	mu sync.RWMutex

	sessions map[string]*checkout.Session
	// archive holds sessions in a terminal status.
	archive map[string]*checkout.Session

	orders    map[string]*order.Order
	bySession map[string]string

	products    map[string]product.Product
	productIDs  []string
	discounts   map[string]*discount.Rule
	discountIDs []string
}

// Provider stores everything in maps guarded by one lock.
type Provider struct {
	st *state
}

// New returns a provider seeded with the given catalog.
func New(products []product.Product, rules []discount.Rule) *Provider {
	st := &state{
		sessions:  make(map[string]*checkout.Session),
		archive:   make(map[string]*checkout.Session),
		orders:    make(map[string]*order.Order),
		bySession: make(map[string]string),
		products:  make(map[string]product.Product),
		discounts: make(map[string]*discount.Rule),
	}
	for _, p := range products {
		if _, ok := st.products[p.ID]; !ok {
			st.productIDs = append(st.productIDs, p.ID)
		}
		st.products[p.ID] = p
	}
	for _, r := range rules {
		code := discount.NormalizeCode(r.Code)
		if _, ok := st.discounts[code]; !ok {
			st.discountIDs = append(st.discountIDs, code)
		}
		rule := r
		st.discounts[code] = &rule
	}
	return &Provider{st: st}
}

func (p *Provider) Sessions() checkout.Store       { return (*Sessions)(p.st) }
func (p *Provider) Orders() order.Repository       { return (*Orders)(p.st) }
func (p *Provider) Products() product.Repository   { return (*Products)(p.st) }
func (p *Provider) Discounts() discount.Repository { return (*Discounts)(p.st) }

func (p *Provider) Ping(context.Context) error { return nil }
func (p *Provider) Close() error               { return nil }

// Sessions implements checkout.Store.
type Sessions state

var _ checkout.Store = (*Sessions)(nil)

func (s *Sessions) Create(_ context.Context, sess *checkout.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return apperr.Validation("id", "session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *Sessions) Get(_ context.Context, id string) (*checkout.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Clone(), nil
	}
	if sess, ok := s.archive[id]; ok {
		return sess.Clone(), nil
	}
	return nil, apperr.NotFound("checkout session", id)
}

func (s *Sessions) Save(_ context.Context, sess *checkout.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, active := s.sessions[sess.ID]
	_, archived := s.archive[sess.ID]
	if !active && !archived {
		return apperr.NotFound("checkout session", sess.ID)
	}
	(*state)(s).put(sess.Clone())
	return nil
}

func (s *Sessions) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.archive, id)
	return nil
}

func (s *Sessions) List(_ context.Context) ([]*checkout.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*checkout.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	slices.SortFunc(out, func(a, b *checkout.Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Sessions) Complete(_ context.Context, sess *checkout.Session, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bySession[o.CheckoutSessionID]; ok {
		return order.ErrAlreadyExists
	}
	s.orders[o.ID] = o.Clone()
	s.bySession[o.CheckoutSessionID] = o.ID
	(*state)(s).put(sess.Clone())
	return nil
}

// put stores sess in the active or archive map depending on its status.
// Callers hold the write lock.
func (st *state) put(sess *checkout.Session) {
	if sess.Status.IsTerminal() {
		delete(st.sessions, sess.ID)
		st.archive[sess.ID] = sess
		return
	}
	delete(st.archive, sess.ID)
	st.sessions[sess.ID] = sess
}

// Orders implements order.Repository.
type Orders state

var _ order.Repository = (*Orders)(nil)

func (r *Orders) Create(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySession[o.CheckoutSessionID]; ok {
		return order.ErrAlreadyExists
	}
	r.orders[o.ID] = o.Clone()
	r.bySession[o.CheckoutSessionID] = o.ID
	return nil
}

func (r *Orders) Get(_ context.Context, id string) (*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, apperr.NotFound("order", id)
	}
	return o.Clone(), nil
}

func (r *Orders) GetBySession(_ context.Context, sessionID string) (*order.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySession[sessionID]
	if !ok {
		return nil, apperr.NotFound("order for checkout session", sessionID)
	}
	return r.orders[id].Clone(), nil
}

func (r *Orders) Update(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; !ok {
		return apperr.NotFound("order", o.ID)
	}
	r.orders[o.ID] = o.Clone()
	return nil
}

// Products implements product.Repository.
type Products state

var _ product.Repository = (*Products)(nil)

func (r *Products) List(_ context.Context) ([]product.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]product.Product, 0, len(r.productIDs))
	for _, id := range r.productIDs {
		out = append(out, r.products[id])
	}
	return out, nil
}

func (r *Products) GetByID(_ context.Context, id string) (*product.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

func (r *Products) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Discounts implements discount.Repository.
type Discounts state

var _ discount.Repository = (*Discounts)(nil)

func (r *Discounts) FindByCode(_ context.Context, code string) (*discount.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.discounts[discount.NormalizeCode(code)]
	if !ok {
		return nil, discount.ErrInvalidCode
	}
	out := *rule
	return &out, nil
}

func (r *Discounts) ListCodes(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.discountIDs), nil
}

func (r *Discounts) IncrementUses(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.discounts[discount.NormalizeCode(code)]
	if !ok {
		return discount.ErrInvalidCode
	}
	rule.Uses++
	return nil
}
