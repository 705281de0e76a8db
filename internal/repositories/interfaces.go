package repositories

import (
	"context"
	"time"

	domain "github.com/lumenshop/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Carts() CartRepository
	Orders() OrderRepository
	WebhookEvents() WebhookEventRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository stores catalog entries. Writes come from catalog
// administration only; carts and orders treat the collection as read-only.
type ProductRepository interface {
	Upsert(ctx context.Context, product domain.Product) (domain.Product, error)
	Delete(ctx context.Context, productID string) error
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindBySlug(ctx context.Context, slug string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	List(ctx context.Context, filter ProductListFilter) (domain.CursorPage[domain.Product], error)
}

// CartRepository owns cart persistence with optimistic locking guarantees.
// The cart document id equals the owning user id.
type CartRepository interface {
	UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	ReplaceLines(ctx context.Context, userID string, lines []domain.CartLine) (domain.Cart, error)
	ClearLines(ctx context.Context, userID string) (domain.Cart, error)
}

// OrderRepository persists order documents and provides query helpers for
// users and admins.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	Delete(ctx context.Context, orderID string) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentIntentID(ctx context.Context, intentID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// WebhookEventRepository is the ledger of received payment provider events,
// keyed by the provider's event id.
type WebhookEventRepository interface {
	// Record persists the event if its id has not been seen before. The
	// returned bool is false when the event id already exists.
	Record(ctx context.Context, record domain.WebhookEventRecord) (bool, error)
	FindUnmatchedByIntent(ctx context.Context, intentID string) (domain.WebhookEventRecord, error)
	MarkApplied(ctx context.Context, eventID string, appliedAt time.Time) error
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// CounterConfig adjusts a counter's step size, bound, and current position.
// Nil pointer fields leave the stored value untouched.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type ProductListFilter struct {
	Keyword     string
	InStockOnly bool
	Pagination  domain.Pagination
}

type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	SortOrder  domain.SortOrder
	Pagination domain.Pagination
}
