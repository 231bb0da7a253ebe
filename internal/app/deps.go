package app

import (
	"context"
	"io"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/ucp-merchant/internal/catalog"
	"github.com/xenking/ucp-merchant/internal/domain/checkout"
	"github.com/xenking/ucp-merchant/internal/domain/payment"
	"github.com/xenking/ucp-merchant/internal/events"
	"github.com/xenking/ucp-merchant/internal/payment/gateway"
	"github.com/xenking/ucp-merchant/internal/payment/simulator"
	"github.com/xenking/ucp-merchant/internal/storage"
	"github.com/xenking/ucp-merchant/internal/storage/memory"
	"github.com/xenking/ucp-merchant/internal/storage/postgres"
	"github.com/xenking/ucp-merchant/pkg/health"
	"github.com/xenking/ucp-merchant/pkg/idempotency"
	"github.com/xenking/ucp-merchant/pkg/ratelimit"
)

// openStorage returns the PostgreSQL provider when a database URL is
// configured and the in-memory provider seeded from the catalog otherwise.
func openStorage(ctx context.Context, lg *zap.Logger, cfg *Config, cat *catalog.Catalog) (storage.Provider, error) {
	if cfg.DatabaseURL == "" {
		lg.Info("Using in-memory storage",
			zap.Int("products", len(cat.Products)),
			zap.Int("discounts", len(cat.Discounts)),
		)
		return memory.New(cat.Products, cat.Discounts), nil
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	lg.Info("Using PostgreSQL storage")
	return postgres.New(pool), nil
}

// newPayments builds the configured provider and, for remote providers, a
// readiness check.
func newPayments(lg *zap.Logger, cfg *Config) (payment.Handler, health.CheckFunc, error) {
	switch cfg.Payment.Provider {
	case ProviderGateway:
		c, err := gateway.New(gateway.Config{
			BaseURL:       cfg.Payment.Gateway.BaseURL,
			APIKey:        cfg.Payment.Gateway.APIKey,
			WebhookSecret: cfg.Payment.Gateway.WebhookSecret,
			Methods:       cfg.Payment.Gateway.Methods,
			Timeout:       cfg.Payment.Timeout,
		}, gateway.WithLogger(lg.Named("gateway")))
		if err != nil {
			return nil, nil, errors.Wrap(err, "create gateway client")
		}
		return c, c.Check, nil
	default:
		return simulator.New(simulator.Config{
			FailAll:        cfg.Payment.Simulator.FailAll,
			RequireAction:  cfg.Payment.Simulator.RequireAction,
			DeclineMessage: cfg.Payment.Simulator.DeclineMessage,
			WebhookSecret:  cfg.Payment.Simulator.WebhookSecret,
		}), nil, nil
	}
}

// cachedMethods serves AvailableMethods from a TTL cache. Accepted method
// types change only with provider configuration.
type cachedMethods struct {
	payment.Handler
	cache *storage.CapabilityCache[[]payment.MethodDescriptor]
}

func withCachedMethods(h payment.Handler, ttl time.Duration) payment.Handler {
	return &cachedMethods{Handler: h, cache: storage.NewCapabilityCache[[]payment.MethodDescriptor](ttl)}
}

func (c *cachedMethods) AvailableMethods(ctx context.Context) ([]payment.MethodDescriptor, error) {
	return c.cache.Get(ctx, "methods", c.Handler.AvailableMethods)
}

// publisher is a checkout.Publisher that owns a connection.
type publisher interface {
	checkout.Publisher
	io.Closer
}

type noopPublisher struct{ events.Noop }

func (noopPublisher) Close() error { return nil }

func newPublisher(lg *zap.Logger, cfg *Config) publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		return noopPublisher{}
	}
	lg.Info("Publishing order events to Kafka",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
	)
	return events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
}

func newRedis(cfg *Config) redis.UniversalClient {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// idempotencyStore is an entry store together with its periodic cleanup and
// release of resources.
type idempotencyStore struct {
	idempotency.Store
	cleanup func() error
	close   func() error
}

func newIdempotencyStore(cfg *Config, rdb redis.UniversalClient) (*idempotencyStore, error) {
	switch cfg.Idempotency.Backend {
	case BackendRedis:
		return &idempotencyStore{
			Store: idempotency.NewRedisStore(rdb, "ucp:idem"),
			close: func() error { return nil },
		}, nil
	case BackendBolt:
		s, err := idempotency.OpenBolt(cfg.Idempotency.BoltPath)
		if err != nil {
			return nil, errors.Wrap(err, "open idempotency store")
		}
		return &idempotencyStore{Store: s, cleanup: s.Cleanup, close: s.Close}, nil
	default:
		s := idempotency.NewMemoryStore()
		return &idempotencyStore{
			Store:   s,
			cleanup: func() error { s.Cleanup(); return nil },
			close:   func() error { return nil },
		}, nil
	}
}

func newRateLimitStore(cfg *Config, rdb redis.UniversalClient) ratelimit.Store {
	if cfg.RateLimit.Backend == BackendRedis {
		return ratelimit.NewRedisStore(rdb, "ucp:rl")
	}
	return ratelimit.NewMemoryStore()
}

// every runs fn each interval until ctx is done, logging failures.
func every(ctx context.Context, lg *zap.Logger, interval time.Duration, task string, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				lg.Warn("Periodic task failed", zap.String("task", task), zap.Error(err))
			}
		}
	}
}
