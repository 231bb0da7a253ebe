package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Config holds the complete application configuration, loadable from
// environment variables (UCP_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	MerchantID  string `default:"" usage:"Merchant identifier advertised in discovery (defaults to the catalog's)" flag:"merchant-id"`
	Currency    string `default:"" usage:"Store currency (defaults to the catalog's)"`
	DatabaseURL string `usage:"PostgreSQL connection URL (UCP_DATABASE_URL or DATABASE_URL); in-memory storage when empty" flag:"database-url"`
	CatalogFile string `default:"" usage:"Catalog YAML file; the embedded demo catalog when empty" flag:"catalog-file"`
	TaxRate     string `default:"0" usage:"Flat tax percentage applied to the subtotal" flag:"tax-rate"`
	// MerchantAPIKeys guard back-office endpoints such as order fulfillment.
	MerchantAPIKeys []string `usage:"API keys accepted for order fulfillment updates" flag:"merchant-api-keys"`

	Session     SessionConfig
	Payment     PaymentConfig
	Signing     SigningConfig
	Idempotency IdempotencyConfig
	RateLimit   RateLimitConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// SessionConfig controls checkout session lifetime.
type SessionConfig struct {
	TTL           time.Duration `default:"6h" usage:"Lifetime of a non-terminal checkout session"`
	SweepInterval time.Duration `default:"1m" usage:"How often expired sessions are removed" flag:"session-sweep-interval"`
}

// PaymentConfig selects and tunes the payment provider.
type PaymentConfig struct {
	Provider  string        `default:"simulator" usage:"Payment provider: simulator or gateway"`
	Timeout   time.Duration `default:"30s" usage:"Timeout of every provider call"`
	Gateway   GatewayConfig
	Simulator SimulatorConfig
}

// GatewayConfig holds the REST gateway connection settings.
type GatewayConfig struct {
	BaseURL       string   `usage:"Gateway base URL" flag:"gateway-base-url"`
	APIKey        string   `usage:"Gateway secret key" flag:"gateway-api-key"`
	WebhookSecret string   `usage:"Secret verifying gateway webhooks" flag:"gateway-webhook-secret"`
	Methods       []string `default:"card" usage:"Payment method types advertised to buyers" flag:"gateway-methods"`
}

// SimulatorConfig tunes the deterministic provider.
type SimulatorConfig struct {
	FailAll        bool   `default:"false" usage:"Decline every confirmation" flag:"simulator-fail-all"`
	RequireAction  bool   `default:"false" usage:"Send every first confirmation through requires_action" flag:"simulator-require-action"`
	DeclineMessage string `default:"" usage:"Message of declined confirmations" flag:"simulator-decline-message"`
	WebhookSecret  string `default:"" usage:"Secret signing simulator webhooks" flag:"simulator-webhook-secret"`
}

// SigningConfig controls HMAC request signing.
type SigningConfig struct {
	Enabled         bool          `default:"false" usage:"Require signed mutating requests" flag:"signing-enabled"`
	Secret          string        `usage:"HMAC secret shared with agents" flag:"signing-secret"`
	Tolerance       time.Duration `default:"5m" usage:"Maximum timestamp age" flag:"signing-tolerance"`
	TimestampHeader string        `default:"X-UCP-Timestamp" usage:"Timestamp header" flag:"signing-timestamp-header"`
	SignatureHeader string        `default:"X-UCP-Signature" usage:"Signature header" flag:"signing-signature-header"`
}

// IdempotencyConfig controls the idempotency guard.
type IdempotencyConfig struct {
	Required bool          `default:"false" usage:"Reject mutating requests without an Idempotency-Key" flag:"idempotency-required"`
	TTL      time.Duration `default:"24h" usage:"How long keys and responses are kept" flag:"idempotency-ttl"`
	Backend  string        `default:"memory" usage:"Entry store: memory, redis or bolt" flag:"idempotency-backend"`
	BoltPath string        `default:"idempotency.db" usage:"BoltDB file for the bolt backend" flag:"idempotency-bolt-path"`
}

// RateLimitConfig controls the per-client fixed window rate limiter.
type RateLimitConfig struct {
	Max     int           `default:"100" usage:"Max requests per window"`
	Window  time.Duration `default:"1m"  usage:"Rate limit window duration"`
	Backend string        `default:"memory" usage:"Counter store: memory or redis" flag:"ratelimit-backend"`
}

// RedisConfig is shared by the redis-backed stores.
type RedisConfig struct {
	Addr     string `default:"" usage:"Redis address (host:port)" flag:"redis-addr"`
	Password string `default:"" usage:"Redis password" flag:"redis-password"`
	DB       int    `default:"0" usage:"Redis database" flag:"redis-db"`
}

// KafkaConfig enables order event publishing when brokers are set.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka brokers; events are not published when empty" flag:"kafka-brokers"`
	Topic   string   `default:"ucp.orders" usage:"Topic for order events" flag:"kafka-topic"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

const (
	ProviderSimulator = "simulator"
	ProviderGateway   = "gateway"

	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
)

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "UCP",
		Files:     []string{"config.yaml", "/etc/ucp/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	if _, err := c.taxRate(); err != nil {
		return err
	}
	switch c.Payment.Provider {
	case ProviderSimulator:
	case ProviderGateway:
		if c.Payment.Gateway.BaseURL == "" || c.Payment.Gateway.APIKey == "" {
			return errors.New("gateway provider requires payment.gateway.baseurl and payment.gateway.apikey")
		}
	default:
		return errors.Errorf("unknown payment provider %q", c.Payment.Provider)
	}
	if c.Signing.Enabled && c.Signing.Secret == "" {
		return errors.New("request signing is enabled but no secret is set: set UCP_SIGNING_SECRET")
	}
	if c.Signing.Enabled && c.Signing.Tolerance <= 0 {
		return errors.New("signing tolerance must be positive")
	}
	if c.Session.TTL <= 0 || c.Session.SweepInterval <= 0 {
		return errors.New("session ttl and sweep interval must be positive")
	}

	switch c.Idempotency.Backend {
	case BackendMemory, BackendBolt:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis idempotency backend requires redis.addr")
		}
	default:
		return errors.Errorf("unknown idempotency backend %q", c.Idempotency.Backend)
	}
	if c.Idempotency.Backend == BackendBolt && c.Idempotency.BoltPath == "" {
		return errors.New("bolt idempotency backend requires idempotency.boltpath")
	}

	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis rate limit backend requires redis.addr")
		}
	default:
		return errors.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit max and window must be positive")
	}
	return nil
}

func (c *Config) taxRate() (decimal.Decimal, error) {
	if c.TaxRate == "" {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(c.TaxRate)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "parse tax rate")
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, errors.Errorf("tax rate %s outside 0-100", rate)
	}
	return rate, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's UCP_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
