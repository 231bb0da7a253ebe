// Package idempotency stores the outcome of requests keyed by a client
// supplied idempotency key.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key is unknown or expired.
var ErrNotFound = errors.New("idempotency key not found")

// State of an entry.
type State string

const (
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
)

// Entry is the recorded outcome for one key.
type Entry struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	State       State     `json:"state"`
	Status      int       `json:"status,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store persists entries.
type Store interface {
	// Reserve atomically claims key with an in-flight entry. If the key
	// already exists the stored entry is returned and reserved is false.
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (existing *Entry, reserved bool, err error)
	// Complete records the final response of a reserved key.
	Complete(ctx context.Context, e *Entry) error
	// Release forgets key so the request may be retried.
	Release(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (*Entry, error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (*Entry, bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && now.Before(e.ExpiresAt) {
		cp := *e
		return &cp, false, nil
	}
	s.entries[key] = &Entry{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateInFlight,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	return nil, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[e.Key]
	if !ok {
		return ErrNotFound
	}
	cp := *e
	cp.State = StateCompleted
	cp.CreatedAt = cur.CreatedAt
	cp.ExpiresAt = cur.ExpiresAt
	s.entries[e.Key] = &cp
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !now.Before(e.ExpiresAt) {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// Cleanup drops expired entries.
func (s *MemoryStore) Cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if !now.Before(e.ExpiresAt) {
			delete(s.entries, k)
		}
	}
}

// RedisStore keeps entries in Redis so replicas share them.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore returns a store that namespaces keys with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(k string) string { return s.prefix + ":" + k }

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*Entry, bool, error) {
	now := s.now()
	e := &Entry{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateInFlight,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, false, errors.Wrap(err, "marshal entry")
	}
	ok, err := s.client.SetNX(ctx, s.key(key), data, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "redis setnx")
	}
	if ok {
		return nil, true, nil
	}
	existing, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// Expired between SETNX and GET.
		return s.Reserve(ctx, key, fingerprint, ttl)
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, e *Entry) error {
	cur, err := s.Get(ctx, e.Key)
	if err != nil {
		return err
	}
	cp := *e
	cp.State = StateCompleted
	cp.CreatedAt = cur.CreatedAt
	cp.ExpiresAt = cur.ExpiresAt
	data, err := json.Marshal(&cp)
	if err != nil {
		return errors.Wrap(err, "marshal entry")
	}
	ttl := cp.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.key(e.Key), data, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "unmarshal entry")
	}
	return &e, nil
}

const boltBucket = "idempotency"

// BoltStore keeps entries in an embedded BoltDB file so they survive
// restarts of a single-node deployment.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create bucket")
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (*Entry, bool, error) {
	var (
		existing *Entry
		reserved bool
	)
	now := s.now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if v := b.Get([]byte(key)); v != nil {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if now.Before(e.ExpiresAt) {
				existing = &e
				return nil
			}
		}
		data, err := json.Marshal(&Entry{
			Key:         key,
			Fingerprint: fingerprint,
			State:       StateInFlight,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		})
		if err != nil {
			return err
		}
		reserved = true
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "bolt reserve")
	}
	return existing, reserved, nil
}

func (s *BoltStore) Complete(_ context.Context, e *Entry) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		v := b.Get([]byte(e.Key))
		if v == nil {
			return ErrNotFound
		}
		var cur Entry
		if err := json.Unmarshal(v, &cur); err != nil {
			return err
		}
		cp := *e
		cp.State = StateCompleted
		cp.CreatedAt = cur.CreatedAt
		cp.ExpiresAt = cur.ExpiresAt
		data, err := json.Marshal(&cp)
		if err != nil {
			return err
		}
		return b.Put([]byte(e.Key), data)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return errors.Wrap(err, "bolt complete")
	}
	return err
}

func (s *BoltStore) Release(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Delete([]byte(key))
	})
}

func (s *BoltStore) Get(_ context.Context, key string) (*Entry, error) {
	var e *Entry
	now := s.now()
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(boltBucket)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		var out Entry
		if err := json.Unmarshal(v, &out); err != nil {
			return err
		}
		if !now.Before(out.ExpiresAt) {
			return ErrNotFound
		}
		e = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Cleanup deletes expired entries.
func (s *BoltStore) Cleanup() error {
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil || !now.Before(e.ExpiresAt) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
