package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumenshop/api/internal/payments"
	"github.com/lumenshop/api/internal/platform/config"
	platformstorage "github.com/lumenshop/api/internal/platform/storage"
	"github.com/lumenshop/api/internal/repositories"
	"github.com/lumenshop/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Catalog    services.CatalogService
	Cart       services.CartService
	Orders     services.OrderService
	Payments   services.PaymentService
	Calculator services.CheckoutCalculator
	System     services.SystemService
}

// Deps carries the external collaborators the container wires into services.
type Deps struct {
	Config          config.Config
	Registry        repositories.Registry
	PaymentProvider payments.Provider
	Publisher       services.OrderEventPublisher
	ImageSigner     *platformstorage.Client
	Logger          *zap.Logger
	Build           services.BuildInfo
	Clock           func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Build        services.BuildInfo
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory registries and stub providers.
func NewContainer(ctx context.Context, deps Deps) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.PaymentProvider == nil {
		return nil, errors.New("payment provider is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	svc, err := buildServices(deps, clock)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       deps.Config,
		Repositories: deps.Registry,
		Services:     svc,
		Build:        deps.Build,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(deps Deps, clock func() time.Time) (Services, error) {
	var svc Services
	reg := deps.Registry
	cfg := deps.Config

	calculator, err := services.NewCheckoutCalculator(services.CheckoutPolicy{
		TaxRateBasisPoints: cfg.Checkout.TaxRateBasisPoints,
		ShippingFlat:       cfg.Checkout.ShippingFlat,
		Currency:           cfg.Checkout.Currency,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout calculator: %w", err)
	}
	svc.Calculator = calculator

	catalogDeps := services.CatalogServiceDeps{
		Repository:      reg.Products(),
		ImageBucket:     cfg.Storage.ProductImagesBucket,
		Clock:           clock,
		DefaultCurrency: cfg.Checkout.Currency,
		Logger:          eventLogger(deps.Logger, "catalog"),
	}
	if deps.ImageSigner != nil {
		catalogDeps.ImageSigner = deps.ImageSigner
	}
	catalogSvc, err := services.NewCatalogService(catalogDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build catalog service: %w", err)
	}
	svc.Catalog = catalogSvc

	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Repository:      reg.Carts(),
		Products:        reg.Products(),
		Clock:           clock,
		DefaultCurrency: cfg.Checkout.Currency,
		Logger:          eventLogger(deps.Logger, "cart"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:          reg.Orders(),
		Carts:           reg.Carts(),
		Products:        reg.Products(),
		WebhookEvents:   reg.WebhookEvents(),
		Counters:        reg.Counters(),
		UnitOfWork:      reg,
		Calculator:      calculator,
		Publisher:       deps.Publisher,
		Clock:           clock,
		DefaultCurrency: cfg.Checkout.Currency,
		Logger:          eventLogger(deps.Logger, "orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Provider:      deps.PaymentProvider,
		Carts:         reg.Carts(),
		Orders:        reg.Orders(),
		WebhookEvents: reg.WebhookEvents(),
		Calculator:    calculator,
		Publisher:     deps.Publisher,
		Clock:         clock,
		Currency:      cfg.Checkout.Currency,
		Logger:        eventLogger(deps.Logger, "payments"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

// eventLogger adapts a zap logger to the event/fields callback the services accept.
func eventLogger(logger *zap.Logger, name string) func(context.Context, string, map[string]any) {
	if logger == nil {
		return nil
	}
	named := logger.Named(name)
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		named.Debug(event, zFields...)
	}
}
