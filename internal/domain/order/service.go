package order

import (
	"context"
	"fmt"
	"time"

	"github.com/xenking/ucp-merchant/pkg/keylock"
)

// Service exposes order reads and fulfillment updates.
type Service struct {
	orders Repository
	locks  *keylock.Locker
	now    func() time.Time
}

// NewService creates an order Service.
func NewService(orders Repository) *Service {
	return &Service{
		orders: orders,
		locks:  keylock.New(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the order with id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// UpdateFulfillment applies line updates under a per-order lock and persists
// the result.
func (s *Service) UpdateFulfillment(ctx context.Context, id string, updates []LineUpdate) (*Order, error) {
	unlock, err := s.locks.Lock(ctx, "order:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if err := o.ApplyFulfillment(updates, s.now()); err != nil {
		return nil, err
	}
	if err := s.orders.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}
	return o, nil
}
