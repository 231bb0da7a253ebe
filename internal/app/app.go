package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/ucp-merchant/internal/api"
	"github.com/xenking/ucp-merchant/internal/catalog"
	"github.com/xenking/ucp-merchant/internal/domain/checkout"
	"github.com/xenking/ucp-merchant/internal/domain/discount"
	"github.com/xenking/ucp-merchant/internal/domain/order"
	"github.com/xenking/ucp-merchant/internal/domain/payment"
	"github.com/xenking/ucp-merchant/pkg/health"
	"github.com/xenking/ucp-merchant/pkg/httpmiddleware"
	"github.com/xenking/ucp-merchant/pkg/signature"
)

const (
	discountRefreshInterval = 5 * time.Minute
	idempotencyCleanup      = 10 * time.Minute
	paymentMethodsTTL       = 5 * time.Minute
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return errors.Wrap(err, "load catalog")
	}
	merchantID := firstNonEmpty(cfg.MerchantID, cat.Merchant.ID)
	currency := firstNonEmpty(cfg.Currency, cat.Merchant.Currency)
	taxRate, err := cfg.taxRate()
	if err != nil {
		return err
	}

	provider, err := openStorage(ctx, lg, cfg, cat)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			lg.Warn("Close storage", zap.Error(err))
		}
	}()

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("storage", 5*time.Second, health.PingCheck("storage", provider))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	rdb := newRedis(cfg)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
		healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	payments, paymentCheck, err := newPayments(lg, cfg)
	if err != nil {
		return err
	}
	if paymentCheck != nil {
		healthSvc.AddReadinessCheck("payments", time.Second, paymentCheck)
	}
	payments = withCachedMethods(payments, paymentMethodsTTL)

	pub := newPublisher(lg, cfg)
	defer func() {
		if err := pub.Close(); err != nil {
			lg.Warn("Close event publisher", zap.Error(err))
		}
	}()

	// Domain services.
	discounts := discount.NewEngine(provider.Discounts())
	if err := discounts.RefreshFilter(ctx); err != nil {
		lg.Warn("Discount code filter not built", zap.Error(err))
	}
	go every(ctx, lg, discountRefreshInterval, "discount-filter", discounts.RefreshFilter)

	checkouts, err := checkout.NewManager(
		provider.Sessions(),
		provider.Orders(),
		provider.Products(),
		discounts,
		payments,
		checkout.Options{
			MerchantID:     merchantID,
			Currency:       currency,
			TaxRate:        taxRate,
			SessionTTL:     cfg.Session.TTL,
			PaymentTimeout: cfg.Payment.Timeout,
			Shipping:       cat.Shipping,
			Publisher:      pub,
			MeterProvider:  m.MeterProvider(),
			TracerProvider: m.TracerProvider(),
		},
	)
	if err != nil {
		return errors.Wrap(err, "create checkout manager")
	}
	go checkouts.RunSweeper(ctx, cfg.Session.SweepInterval)

	orders := order.NewService(provider.Orders())

	// HTTP handlers.
	h := api.NewHandler(
		api.HandlerConfig{
			MerchantID:      merchantID,
			MerchantName:    cat.Merchant.Name,
			Currency:        currency,
			MerchantAPIKeys: cfg.MerchantAPIKeys,
			Security: api.SecurityProfile{
				SigningRequired:     cfg.Signing.Enabled,
				TimestampHeader:     cfg.Signing.TimestampHeader,
				SignatureHeader:     cfg.Signing.SignatureHeader,
				IdempotencyHeader:   httpmiddleware.IdempotencyKeyHeader,
				IdempotencyRequired: cfg.Idempotency.Required,
			},
		},
		checkouts,
		orders,
		provider.Products(),
		payments,
	)

	router := h.Router()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	routeFinder := httpmiddleware.MakeRouteFinder(router)

	idem, err := newIdempotencyStore(cfg, rdb)
	if err != nil {
		return err
	}
	defer func() {
		if err := idem.close(); err != nil {
			lg.Warn("Close idempotency store", zap.Error(err))
		}
	}()
	if idem.cleanup != nil {
		go every(ctx, lg, idempotencyCleanup, "idempotency-cleanup", func(context.Context) error {
			return idem.cleanup()
		})
	}

	guards, err := requestGuards(cfg, idem)
	if err != nil {
		return err
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	middlewares := []httpmiddleware.Middleware{
		httpmiddleware.Recovery(),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.Instrument("ucp-merchant", routeFinder, m),
		httpmiddleware.LogRequests(routeFinder),
		httpmiddleware.Labeler(routeFinder),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins: cfg.CORS.Origins,
			AllowHeaders: []string{
				"Content-Type",
				"Authorization",
				httpmiddleware.IdempotencyKeyHeader,
				cfg.Signing.TimestampHeader,
				cfg.Signing.SignatureHeader,
				api.APIKeyHeader,
				"X-Request-ID",
			},
			ExposeHeaders:    []string{"Retry-After", "X-Request-ID", httpmiddleware.IdempotentReplayedHeader},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
			Store:  newRateLimitStore(cfg, rdb),
		}),
	}
	middlewares = append(middlewares, guards...)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Payment.Timeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           httpmiddleware.Wrap(router, middlewares...),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening",
		zap.String("addr", cfg.Addr),
		zap.String("merchant", merchantID),
		zap.String("payments", payments.Name()),
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// requestGuards returns the signature and idempotency middlewares. Provider
// webhooks carry their own signature and are exempt from both.
func requestGuards(cfg *Config, idem *idempotencyStore) ([]httpmiddleware.Middleware, error) {
	var guards []httpmiddleware.Middleware
	if cfg.Signing.Enabled {
		v, err := signature.NewVerifier([]byte(cfg.Signing.Secret), cfg.Signing.Tolerance)
		if err != nil {
			return nil, errors.Wrap(err, "create signature verifier")
		}
		guards = append(guards, httpmiddleware.Signature(httpmiddleware.SignatureConfig{
			Verifier:        v,
			TimestampHeader: cfg.Signing.TimestampHeader,
			SignatureHeader: cfg.Signing.SignatureHeader,
			Skip:            isWebhook,
		}))
	}
	guards = append(guards, httpmiddleware.Idempotency(httpmiddleware.IdempotencyConfig{
		Store:    idem,
		TTL:      cfg.Idempotency.TTL,
		Required: cfg.Idempotency.Required,
		Skip:     isWebhook,
		WithKey:  payment.WithIdempotencyKey,
	}))
	return guards, nil
}

func isWebhook(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/webhooks/")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
