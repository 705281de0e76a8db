package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/lumenshop/api/internal/platform/firestore"
	"github.com/lumenshop/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry interface.
type Registry struct {
	provider *pfirestore.Provider

	products *ProductRepository
	carts    *CartRepository
	orders   *OrderRepository
	events   *WebhookEventRepository
	counters *CounterRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the repository registry over a shared provider. The
// health repository is injected because its probe set reaches beyond Firestore.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("repository registry: firestore provider is required")
	}
	if health == nil {
		return nil, errors.New("repository registry: health repository is required")
	}

	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	events, err := NewWebhookEventRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider: provider,
		products: products,
		carts:    carts,
		orders:   orders,
		events:   events,
		counters: counters,
		health:   health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Products() repositories.ProductRepository { return r.products }

func (r *Registry) Carts() repositories.CartRepository { return r.carts }

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) WebhookEvents() repositories.WebhookEventRepository { return r.events }

func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn inside a Firestore transaction. Repository writes made
// through the callback context join the transaction; Firestore requires all
// reads to happen before the first write.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("repository registry not initialised")
	}
	if fn == nil {
		return errors.New("repository registry: transaction func is required")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(withTx(ctx, tx))
	})
}
