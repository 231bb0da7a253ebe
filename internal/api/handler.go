// Package api implements the merchant REST surface on top of the checkout,
// order and catalog services.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/ucp-merchant/internal/domain/checkout"
	"github.com/xenking/ucp-merchant/internal/domain/commerce"
	"github.com/xenking/ucp-merchant/internal/domain/order"
	"github.com/xenking/ucp-merchant/internal/domain/payment"
	"github.com/xenking/ucp-merchant/internal/domain/product"
	"github.com/xenking/ucp-merchant/internal/storage"
)

// Checkouts is the checkout session manager as seen by the HTTP layer.
type Checkouts interface {
	Create(ctx context.Context, p checkout.CreateParams) (*checkout.Session, error)
	Get(ctx context.Context, id string) (*checkout.Session, error)
	Update(ctx context.Context, id string, cmds ...checkout.Command) (*checkout.Session, error)
	ApplyDiscount(ctx context.Context, id, code string) (*checkout.Session, error)
	RemoveDiscount(ctx context.Context, id, discountID string) (*checkout.Session, error)
	ShippingOptions(ctx context.Context, id string) ([]commerce.ShippingOption, error)
	PaymentMethods(ctx context.Context, id string) (*checkout.PaymentMethods, error)
	Complete(ctx context.Context, id, paymentMethod string) (*checkout.CompleteResult, error)
}

// Orders reads orders and records fulfillment progress.
type Orders interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	UpdateFulfillment(ctx context.Context, id string, updates []order.LineUpdate) (*order.Order, error)
}

var (
	_ Checkouts = (*checkout.Manager)(nil)
	_ Orders    = (*order.Service)(nil)
)

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	MerchantID   string
	MerchantName string
	Currency     string
	// Version is advertised in the discovery profile.
	Version string
	// MerchantAPIKeys guard order fulfillment updates. When empty the
	// endpoint is open.
	MerchantAPIKeys []string
	// DiscoveryTTL bounds how long the discovery profile is cached.
	DiscoveryTTL time.Duration
	Security     SecurityProfile
	// MaxBodyBytes bounds JSON request bodies.
	MaxBodyBytes int64
}

// Handler serves the REST endpoints, delegating business logic to the
// injected services.
type Handler struct {
	checkouts Checkouts
	orders    Orders
	products  product.Repository
	payments  payment.Handler

	cfg       HandlerConfig
	keyHashes [][]byte
	profiles  *storage.CapabilityCache[*Profile]
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg HandlerConfig,
	checkouts Checkouts,
	orders Orders,
	products product.Repository,
	payments payment.Handler,
) *Handler {
	if cfg.Version == "" {
		cfg.Version = ProtocolVersion
	}
	if cfg.DiscoveryTTL <= 0 {
		cfg.DiscoveryTTL = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handler{
		checkouts: checkouts,
		orders:    orders,
		products:  products,
		payments:  payments,
		cfg:       cfg,
		keyHashes: hashKeys(cfg.MerchantAPIKeys),
		profiles:  storage.NewCapabilityCache[*Profile](cfg.DiscoveryTTL),
	}
}

// Mount registers every route on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/.well-known/ucp", h.discovery)

	r.Get("/products", h.listProducts)
	r.Get("/products/{id}", h.getProduct)

	r.Post("/checkout", h.createCheckout)
	r.Get("/checkout/{id}", h.getCheckout)
	r.Patch("/checkout/{id}", h.updateCheckout)
	r.Get("/checkout/{id}/shipping-options", h.shippingOptions)
	r.Post("/checkout/{id}/discount", h.applyDiscount)
	r.Delete("/checkout/{id}/discount/{discountId}", h.removeDiscount)
	r.Get("/checkout/{id}/payment-methods", h.paymentMethods)
	r.Post("/checkout/{id}/complete", h.completeCheckout)

	r.Get("/orders/{id}", h.getOrder)
	r.With(h.requireMerchantKey).Patch("/orders/{id}", h.updateOrder)

	r.Post("/webhooks/payments", h.paymentWebhook)
}

// Router returns a chi router with all routes mounted.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})
	h.Mount(r)
	return r
}
