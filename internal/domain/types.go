package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// CursorPage wraps a page of results together with the token for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Product is a catalog entry. Prices are minor currency units and are
// authoritative; carts and orders snapshot them at interaction time.
type Product struct {
	ID             string
	Name           string
	Slug           string
	Description    string
	Price          int64
	Currency       string
	DiscountPct    int
	InStock        bool
	Rating         float64
	SalesCount     int64
	ImagePath      string
	SearchKeywords []string
	Attributes     map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CartLine is one product entry in a user's cart. UnitPrice is the price
// snapshot taken when the line was last added or updated.
type CartLine struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int
	ImagePath string
}

// Cart holds the mutable shopping state for a single user. The document id
// equals the owning user id, so each user has at most one cart.
type Cart struct {
	ID       string
	UserID   string
	Currency string
	Lines    []CartLine
	// Revision is the storage update time observed when the cart was read.
	// Writes carry it back as an optimistic concurrency precondition; zero
	// means the cart has never been stored.
	Revision  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CheckoutTotals is the priced breakdown of a cart snapshot. All amounts are
// minor currency units so identical inputs always produce identical outputs.
type CheckoutTotals struct {
	ItemsPrice    int64
	ShippingPrice int64
	TaxPrice      int64
	TotalPrice    int64
}

// PaymentStatus tracks the payment lifecycle of an order.
type PaymentStatus string

const (
	// PaymentStatusPending indicates no terminal payment outcome has arrived.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates the payment provider confirmed the charge.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed indicates the payment provider reported a failure.
	PaymentStatusFailed PaymentStatus = "failed"
)

// OrderStatus tracks the fulfillment lifecycle of an order, distinct from
// payment status.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusShipped    OrderStatus = "Shipped"
	OrderStatusDelivered  OrderStatus = "Delivered"
	OrderStatusCancelled  OrderStatus = "Cancelled"
)

// ShippingAddress is the destination captured at order creation.
type ShippingAddress struct {
	Address    string
	City       string
	PostalCode string
	Country    string
}

// OrderLine is an immutable historical record of one purchased product,
// snapshotted at order creation and never re-derived from the catalog.
type OrderLine struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int
	ImagePath string
}

// PaymentResult records the payment provider's terminal outcome for an order.
type PaymentResult struct {
	TransactionID string
	Status        string
	UpdateTime    time.Time
	ReceiptEmail  string
}

// Order is the immutable-once-created purchase record. Only the status block
// (payment status, fulfillment status, flags and their timestamps) mutates
// after creation.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Lines           []OrderLine
	ShippingAddress ShippingAddress
	Totals          CheckoutTotals
	Currency        string
	PaymentMethod   string
	PaymentStatus   PaymentStatus
	IsPaid          bool
	PaidAt          *time.Time
	IsDelivered     bool
	DeliveredAt     *time.Time
	Status          OrderStatus
	PaymentIntentID string
	PaymentResult   *PaymentResult
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsTerminal reports whether the fulfillment status admits no further
// transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// WebhookEventStatus classifies how a received payment event was handled.
type WebhookEventStatus string

const (
	// WebhookEventApplied means the event was matched to an order and applied.
	WebhookEventApplied WebhookEventStatus = "applied"
	// WebhookEventUnmatched means no order carried the event's intent id when
	// it arrived; it is retained for deferred reconciliation.
	WebhookEventUnmatched WebhookEventStatus = "unmatched"
	// WebhookEventIgnored means the event type is outside the reconciler's
	// interest and was acknowledged without effect.
	WebhookEventIgnored WebhookEventStatus = "ignored"
)

// WebhookEventRecord is the ledger entry for one received payment event,
// keyed by the provider's event id for redelivery dedup.
type WebhookEventRecord struct {
	EventID       string
	IntentID      string
	Type          string
	Status        WebhookEventStatus
	TransactionID string
	OutcomeStatus string
	ReceiptEmail  string
	ReceivedAt    time.Time
	AppliedAt     *time.Time
}

// SystemHealthReport summarises dependency health for readiness probes.
type SystemHealthReport struct {
	Status     string
	CheckedAt  time.Time
	Components map[string]string
}
