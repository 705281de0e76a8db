package services

import (
	"context"
	"time"

	domain "github.com/lumenshop/api/internal/domain"
	"github.com/lumenshop/api/internal/platform/auth"
	"github.com/lumenshop/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	Product            = domain.Product
	Cart               = domain.Cart
	CartLine           = domain.CartLine
	CheckoutTotals     = domain.CheckoutTotals
	PaymentStatus      = domain.PaymentStatus
	OrderStatus        = domain.OrderStatus
	ShippingAddress    = domain.ShippingAddress
	OrderLine          = domain.OrderLine
	PaymentResult      = domain.PaymentResult
	Order              = domain.Order
	WebhookEventRecord = domain.WebhookEventRecord
	SystemHealthReport = domain.SystemHealthReport
)

// CatalogService manages the product catalog for public listing and admin upkeep.
type CatalogService interface {
	ListProducts(ctx context.Context, filter ProductListFilter) (domain.CursorPage[Product], error)
	GetProduct(ctx context.Context, productID string) (Product, error)
	GetProductBySlug(ctx context.Context, slug string) (Product, error)
	UpsertProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
	DeleteProduct(ctx context.Context, cmd DeleteProductCommand) error
	ProductImageURL(ctx context.Context, productID string) (string, error)
}

// CartService manages the per-user cart: one cart per user, priced from catalog
// snapshots taken at mutation time.
type CartService interface {
	GetCart(ctx context.Context, userID string) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error)
	UpdateItem(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	ClearCart(ctx context.Context, userID string) error
}

// CheckoutCalculator derives priced totals from cart lines. Implementations
// must be pure: no I/O, identical inputs produce identical outputs wherever
// the calculation runs.
type CheckoutCalculator interface {
	Totals(lines []CartLine) (CheckoutTotals, error)
}

// OrderService encapsulates order creation and the read/patch flows around it.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	ListOrders(ctx context.Context, cmd ListOrdersCommand) (domain.CursorPage[Order], error)
	ListUserOrders(ctx context.Context, cmd ListUserOrdersCommand) ([]Order, error)
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	DeleteOrder(ctx context.Context, cmd DeleteOrderCommand) error
}

// PaymentService fronts the payment provider and reconciles its webhook
// events against orders.
type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntentResult, error)
	HandleWebhook(ctx context.Context, cmd WebhookCommand) (WebhookOutcome, error)
}

// SystemService aggregates utility endpoints such as readiness probes.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// BuildInfo carries build metadata reported by the health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// OrderEvent is the message published when an order changes state.
type OrderEvent struct {
	Type            string    `json:"type"`
	OrderID         string    `json:"orderId"`
	OrderNumber     string    `json:"orderNumber"`
	UserID          string    `json:"userId"`
	PaymentIntentID string    `json:"paymentIntentId,omitempty"`
	TotalPrice      int64     `json:"totalPrice"`
	Currency        string    `json:"currency"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// Order event types.
const (
	OrderEventCreated       = "order.created"
	OrderEventPaid          = "order.paid"
	OrderEventPaymentFailed = "order.payment_failed"
	OrderEventStatusChanged = "order.status_changed"
)

// OrderEventPublisher accepts order lifecycle notifications for downstream processing.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error)
}

// Command and DTO definitions ------------------------------------------------

type ProductListFilter struct {
	Keyword     string
	InStockOnly bool
	Pagination
}

type UpsertProductCommand struct {
	Actor       *auth.Identity
	ProductID   string
	Name        string
	Slug        string
	Description string
	Price       int64
	Currency    string
	DiscountPct int
	InStock     bool
	ImagePath   string
	Attributes  map[string]string
}

type DeleteProductCommand struct {
	Actor     *auth.Identity
	ProductID string
}

type AddCartItemCommand struct {
	UserID    string
	ProductID string
	Quantity  int
}

type UpdateCartItemCommand struct {
	UserID    string
	ProductID string
	Quantity  int
}

type RemoveCartItemCommand struct {
	UserID    string
	ProductID string
}

type CreateOrderCommand struct {
	Actor           *auth.Identity
	ShippingAddress ShippingAddress
	PaymentMethod   string
	PaymentIntentID string
}

type ListOrdersCommand struct {
	Actor  *auth.Identity
	Filter repositories.OrderListFilter
}

type ListUserOrdersCommand struct {
	Actor  *auth.Identity
	UserID string
}

type GetOrderCommand struct {
	Actor   *auth.Identity
	OrderID string
}

// UpdateOrderStatusCommand is an admin partial patch: nil pointers and an
// empty status leave the stored value untouched; at least one field must be
// set.
type UpdateOrderStatusCommand struct {
	Actor         *auth.Identity
	OrderID       string
	Status        OrderStatus
	IsPaid        *bool
	IsDelivered   *bool
	PaymentStatus *PaymentStatus
}

type DeleteOrderCommand struct {
	Actor   *auth.Identity
	OrderID string
}

// CreatePaymentIntentCommand opens a provider intent for the caller's cart.
// The amount is always derived server-side from the cart and the shared
// calculator; clients never supply it.
type CreatePaymentIntentCommand struct {
	UserID         string
	ReceiptEmail   string
	IdempotencyKey string
}

// WebhookCommand carries the untouched request payload; signature checks run
// over these exact bytes.
type WebhookCommand struct {
	Payload   []byte
	Signature string
}

// WebhookOutcome reports how a verified webhook event was handled.
type WebhookOutcome struct {
	EventID string
	Status  domain.WebhookEventStatus
}

// PaymentIntentResult carries the provider handle the client confirms against.
type PaymentIntentResult struct {
	IntentID     string
	ClientSecret string
	Amount       int64
	Currency     string
}
