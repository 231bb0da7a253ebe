// Package storage defines the persistence boundary of the merchant service.
package storage

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xenking/ucp-merchant/internal/domain/checkout"
	"github.com/xenking/ucp-merchant/internal/domain/discount"
	"github.com/xenking/ucp-merchant/internal/domain/order"
	"github.com/xenking/ucp-merchant/internal/domain/product"
)

// Provider groups the repositories of one backend.
type Provider interface {
	Sessions() checkout.Store
	Orders() order.Repository
	Products() product.Repository
	Discounts() discount.Repository
	Ping(ctx context.Context) error
	Close() error
}

type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

// CapabilityCache memoizes slow lookups such as the discovery profile for a
// fixed TTL. Concurrent misses for one key share a single load.
type CapabilityCache[T any] struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]cacheEntry[T]
}

// NewCapabilityCache returns a cache whose entries live for ttl.
func NewCapabilityCache[T any](ttl time.Duration) *CapabilityCache[T] {
	return &CapabilityCache[T]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry[T]),
	}
}

// Get returns the cached value for key or calls load to fill it. Errors are
// not cached.
func (c *CapabilityCache[T]) Get(ctx context.Context, key string, load func(ctx context.Context) (T, error)) (T, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		return e.value, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry[T]{value: v, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate drops key.
func (c *CapabilityCache[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
