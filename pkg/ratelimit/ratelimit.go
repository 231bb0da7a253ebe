// Package ratelimit provides fixed-window request counters.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// Store counts hits per key in fixed windows.
type Store interface {
	// Incr records one hit for key and returns the count in the current
	// window and the time the window resets.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

type window struct {
	count int64
	start time.Time
}

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

func (s *MemoryStore) Incr(_ context.Context, key string, size time.Duration) (int64, time.Time, error) {
	now := s.now()
	start := now.Truncate(size)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !w.start.Equal(start) {
		w = &window{start: start}
		s.windows[key] = w
	}
	w.count++
	return w.count, start.Add(size), nil
}

// Cleanup drops counters whose window ended before now.
func (s *MemoryStore) Cleanup(size time.Duration) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.windows {
		if !now.Before(w.start.Add(size)) {
			delete(s.windows, key)
		}
	}
}

// StartCleanup runs Cleanup every 2x window until ctx is cancelled.
func (s *MemoryStore) StartCleanup(ctx context.Context, size time.Duration) {
	go func() {
		ticker := time.NewTicker(2 * size)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Cleanup(size)
			}
		}
	}()
}

// Len reports the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// RedisStore shares counters across replicas through Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore returns a store that namespaces keys with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Incr(ctx context.Context, key string, size time.Duration) (int64, time.Time, error) {
	now := s.now()
	start := now.Truncate(size)
	resetAt := start.Add(size)
	rk := s.prefix + ":" + key + ":" + start.UTC().Format("20060102T150405")

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, rk)
	pipe.PExpire(ctx, rk, resetAt.Sub(now)+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, errors.Wrap(err, "redis incr")
	}
	return incr.Val(), resetAt, nil
}
