package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/lumenshop/api/internal/domain"
	"github.com/lumenshop/api/internal/platform/auth"
	"github.com/lumenshop/api/internal/repositories"
)

var (
	errOrderOrdersRequired     = errors.New("order service: order repository is required")
	errOrderCartsRequired      = errors.New("order service: cart repository is required")
	errOrderCalculatorRequired = errors.New("order service: checkout calculator is required")
	errOrderClockRequired      = errors.New("order service: clock is required")
)

// ErrOrderInvalidInput indicates the caller supplied invalid input.
var ErrOrderInvalidInput = errors.New("order service: invalid input")

// ErrOrderNotFound indicates the requested order does not exist.
var ErrOrderNotFound = errors.New("order service: not found")

// ErrOrderForbidden indicates the caller may not act on this order.
var ErrOrderForbidden = errors.New("order service: forbidden")

// ErrOrderConflict indicates a concurrent modification was detected.
var ErrOrderConflict = errors.New("order service: conflict")

// ErrOrderUnavailable indicates a backend failure.
var ErrOrderUnavailable = errors.New("order service: unavailable")

const orderNumberCounter = "orders"

// OrderServiceDeps wires persistence, pricing and eventing for order flows.
type OrderServiceDeps struct {
	Orders            repositories.OrderRepository
	Carts             repositories.CartRepository
	Products          productFinder
	WebhookEvents     repositories.WebhookEventRepository
	Counters          repositories.CounterRepository
	UnitOfWork        repositories.UnitOfWork
	Calculator        CheckoutCalculator
	Publisher         OrderEventPublisher
	Clock             func() time.Time
	IDGenerator       func() string
	OrderNumberPrefix string
	DefaultCurrency   string
	Logger            func(context.Context, string, map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	carts      repositories.CartRepository
	products   productFinder
	events     repositories.WebhookEventRepository
	counters   repositories.CounterRepository
	uow        repositories.UnitOfWork
	calculator CheckoutCalculator
	publisher  OrderEventPublisher
	now        func() time.Time
	newID      func() string
	prefix     string
	currency   string
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService constructs an OrderService enforcing dependency validation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errOrderOrdersRequired
	}
	if deps.Carts == nil {
		return nil, errOrderCartsRequired
	}
	if deps.Calculator == nil {
		return nil, errOrderCalculatorRequired
	}
	if deps.Clock == nil {
		return nil, errOrderClockRequired
	}

	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	prefix := strings.TrimSpace(deps.OrderNumberPrefix)
	if prefix == "" {
		prefix = "LS"
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "USD"
	}

	return &orderService{
		orders:     deps.Orders,
		carts:      deps.Carts,
		products:   deps.Products,
		events:     deps.WebhookEvents,
		counters:   deps.Counters,
		uow:        deps.UnitOfWork,
		calculator: deps.Calculator,
		publisher:  deps.Publisher,
		now:        func() time.Time { return deps.Clock().UTC() },
		newID:      newID,
		prefix:     prefix,
		currency:   currency,
		logger:     logger,
	}, nil
}

// CreateOrder turns the caller's cart into an immutable order. The order
// insert and the cart clear happen in one transaction so a crash never leaves
// a stale cart behind a placed order.
func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if cmd.Actor == nil || strings.TrimSpace(cmd.Actor.UID) == "" {
		return Order{}, ErrOrderForbidden
	}
	userID := cmd.Actor.UID

	if err := validateShippingAddress(cmd.ShippingAddress); err != nil {
		return Order{}, err
	}

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return Order{}, fmt.Errorf("%w: no order items", ErrOrderInvalidInput)
		}
		return Order{}, s.translateRepoError(err)
	}
	if len(cart.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: no order items", ErrOrderInvalidInput)
	}

	lines, err := s.snapshotLines(ctx, cart.Lines)
	if err != nil {
		return Order{}, err
	}

	totals, err := s.calculator.Totals(lines2cart(lines))
	if err != nil {
		if errors.Is(err, ErrCheckoutPriceMissing) || errors.Is(err, ErrCheckoutInvalidInput) {
			return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return Order{}, ErrOrderUnavailable
	}

	now := s.now()
	order := domain.Order{
		ID:              s.newID(),
		OrderNumber:     s.nextOrderNumber(ctx, now),
		UserID:          userID,
		Lines:           lines,
		ShippingAddress: cmd.ShippingAddress,
		Totals:          totals,
		Currency:        strings.ToUpper(strings.TrimSpace(firstNonEmpty(cart.Currency, s.currency))),
		PaymentMethod:   strings.TrimSpace(cmd.PaymentMethod),
		PaymentStatus:   domain.PaymentStatusPending,
		Status:          domain.OrderStatusPending,
		PaymentIntentID: strings.TrimSpace(cmd.PaymentIntentID),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	write := func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return err
		}
		if _, err := s.carts.ClearLines(txCtx, userID); err != nil && !isRepoNotFound(err) {
			return err
		}
		return nil
	}
	if s.uow != nil {
		err = s.uow.RunInTx(ctx, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}

	order = s.replayPendingPaymentEvent(ctx, order)

	s.publish(ctx, OrderEventCreated, order)
	return order, nil
}

// replayPendingPaymentEvent applies a webhook event that arrived before the
// order existed. Events land in the ledger as unmatched; the first order
// carrying their intent id picks them up here.
func (s *orderService) replayPendingPaymentEvent(ctx context.Context, order domain.Order) domain.Order {
	if s.events == nil || order.PaymentIntentID == "" {
		return order
	}

	record, err := s.events.FindUnmatchedByIntent(ctx, order.PaymentIntentID)
	if err != nil {
		if !isRepoNotFound(err) {
			s.logger(ctx, "order.payment_replay_lookup_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
		return order
	}

	now := s.now()
	updated := ApplyPaymentOutcome(order, PaymentOutcome{
		Succeeded:     record.Status == domain.WebhookEventUnmatched && record.OutcomeStatus == string(domain.PaymentStatusPaid),
		TransactionID: record.TransactionID,
		ReceiptEmail:  record.ReceiptEmail,
		At:            now,
	})

	if err := s.orders.Update(ctx, updated); err != nil {
		s.logger(ctx, "order.payment_replay_update_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return order
	}
	if err := s.events.MarkApplied(ctx, record.EventID, now); err != nil {
		s.logger(ctx, "order.payment_replay_mark_failed", map[string]any{
			"orderId": order.ID,
			"eventId": record.EventID,
			"error":   err.Error(),
		})
	}

	s.logger(ctx, "order.payment_event_replayed", map[string]any{
		"orderId": updated.ID,
		"eventId": record.EventID,
		"paid":    updated.IsPaid,
	})
	if updated.IsPaid {
		s.publish(ctx, OrderEventPaid, updated)
	} else {
		s.publish(ctx, OrderEventPaymentFailed, updated)
	}
	return updated
}

// ListOrders is the admin view over all orders.
func (s *orderService) ListOrders(ctx context.Context, cmd ListOrdersCommand) (domain.CursorPage[Order], error) {
	if !auth.CanPerform(cmd.Actor, auth.ActionOrderList, auth.Resource{Kind: "order"}) {
		return domain.CursorPage[Order]{}, ErrOrderForbidden
	}
	page, err := s.orders.List(ctx, cmd.Filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.translateRepoError(err)
	}
	return page, nil
}

// ListUserOrders returns the user's order history, newest first. Line
// snapshots missing display fields are backfilled from the current catalog.
func (s *orderService) ListUserOrders(ctx context.Context, cmd ListUserOrdersCommand) ([]Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" && cmd.Actor != nil {
		userID = cmd.Actor.UID
	}
	if userID == "" {
		return nil, ErrOrderInvalidInput
	}
	if !auth.CanPerform(cmd.Actor, auth.ActionOrderRead, auth.Resource{Kind: "order", OwnerID: userID}) {
		return nil, ErrOrderForbidden
	}

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:    userID,
		SortOrder: domain.SortDesc,
	})
	if err != nil {
		return nil, s.translateRepoError(err)
	}

	orders := page.Items
	s.backfillLineSnapshots(ctx, orders)
	return orders, nil
}

func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, ErrOrderInvalidInput
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}
	if !auth.CanPerform(cmd.Actor, auth.ActionOrderRead, auth.Resource{Kind: "order", ID: order.ID, OwnerID: order.UserID}) {
		return Order{}, ErrOrderForbidden
	}
	return order, nil
}

// UpdateOrderStatus applies an admin partial patch over the fulfillment
// status and the payment flags. Any admin-supplied status is accepted; the
// lifecycle is advisory, not a state machine.
func (s *orderService) UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	if !auth.CanPerform(cmd.Actor, auth.ActionOrderUpdate, auth.Resource{Kind: "order", ID: cmd.OrderID}) {
		return Order{}, ErrOrderForbidden
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, ErrOrderInvalidInput
	}
	if cmd.Status == "" && cmd.IsPaid == nil && cmd.IsDelivered == nil && cmd.PaymentStatus == nil {
		return Order{}, fmt.Errorf("%w: no fields to update", ErrOrderInvalidInput)
	}
	if cmd.Status != "" && !validOrderStatus(cmd.Status) {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}
	if cmd.PaymentStatus != nil && !validPaymentStatus(*cmd.PaymentStatus) {
		return Order{}, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, *cmd.PaymentStatus)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}

	now := s.now()
	if cmd.Status != "" {
		order.Status = cmd.Status
		if cmd.Status == domain.OrderStatusDelivered {
			order.IsDelivered = true
			ts := now
			order.DeliveredAt = &ts
		}
	}
	if cmd.IsPaid != nil {
		order.IsPaid = *cmd.IsPaid
		if *cmd.IsPaid {
			ts := now
			order.PaidAt = &ts
		} else {
			order.PaidAt = nil
		}
	}
	if cmd.IsDelivered != nil {
		order.IsDelivered = *cmd.IsDelivered
		if *cmd.IsDelivered {
			ts := now
			order.DeliveredAt = &ts
		} else {
			order.DeliveredAt = nil
		}
	}
	if cmd.PaymentStatus != nil {
		order.PaymentStatus = *cmd.PaymentStatus
	}
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, s.translateRepoError(err)
	}

	s.publish(ctx, OrderEventStatusChanged, order)
	return order, nil
}

func (s *orderService) DeleteOrder(ctx context.Context, cmd DeleteOrderCommand) error {
	if !auth.CanPerform(cmd.Actor, auth.ActionOrderDelete, auth.Resource{Kind: "order", ID: cmd.OrderID}) {
		return ErrOrderForbidden
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return ErrOrderInvalidInput
	}
	if err := s.orders.Delete(ctx, orderID); err != nil {
		return s.translateRepoError(err)
	}
	return nil
}

// snapshotLines freezes the purchased lines from the cart snapshot. Unit
// prices are never re-read from the catalog: the cart refreshed them on every
// mutation and the payment intent was priced from the same numbers. The
// catalog join only backfills display fields the snapshot is missing.
func (s *orderService) snapshotLines(ctx context.Context, cartLines []domain.CartLine) ([]domain.OrderLine, error) {
	ids := make([]string, 0, len(cartLines))
	for _, line := range cartLines {
		ids = append(ids, line.ProductID)
	}

	var catalog map[string]domain.Product
	if s.products != nil {
		found, err := s.products.FindByIDs(ctx, ids)
		if err != nil {
			if !isRepoNotFound(err) {
				return nil, s.translateRepoError(err)
			}
		} else {
			catalog = found
		}
	}

	lines := make([]domain.OrderLine, 0, len(cartLines))
	for _, line := range cartLines {
		out := domain.OrderLine{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			ImagePath: line.ImagePath,
		}
		if product, ok := catalog[line.ProductID]; ok {
			if out.Name == "" {
				out.Name = product.Name
			}
			if out.ImagePath == "" {
				out.ImagePath = product.ImagePath
			}
		}
		lines = append(lines, out)
	}
	return lines, nil
}

// backfillLineSnapshots fills missing display fields from the current catalog.
// Best effort: lookup failures leave the stored snapshot as is.
func (s *orderService) backfillLineSnapshots(ctx context.Context, orders []domain.Order) {
	if s.products == nil {
		return
	}

	missing := map[string]struct{}{}
	for _, order := range orders {
		for _, line := range order.Lines {
			if line.Name == "" || line.ImagePath == "" {
				missing[line.ProductID] = struct{}{}
			}
		}
	}
	if len(missing) == 0 {
		return
	}

	ids := make([]string, 0, len(missing))
	for id := range missing {
		ids = append(ids, id)
	}
	catalog, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		s.logger(ctx, "order.snapshot_backfill_failed", map[string]any{"error": err.Error()})
		return
	}

	for oi := range orders {
		for li := range orders[oi].Lines {
			line := &orders[oi].Lines[li]
			product, ok := catalog[line.ProductID]
			if !ok {
				continue
			}
			if line.Name == "" {
				line.Name = product.Name
			}
			if line.ImagePath == "" {
				line.ImagePath = product.ImagePath
			}
		}
	}
}

func (s *orderService) nextOrderNumber(ctx context.Context, now time.Time) string {
	if s.counters == nil {
		return fmt.Sprintf("%s-%d-%s", s.prefix, now.Year(), s.newID())
	}
	seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		s.logger(ctx, "order.counter_failed", map[string]any{"error": err.Error()})
		return fmt.Sprintf("%s-%d-%s", s.prefix, now.Year(), s.newID())
	}
	return fmt.Sprintf("%s-%d-%06d", s.prefix, now.Year(), seq)
}

func (s *orderService) publish(ctx context.Context, eventType string, order domain.Order) {
	if s.publisher == nil {
		return
	}
	event := OrderEvent{
		Type:            eventType,
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		PaymentIntentID: order.PaymentIntentID,
		TotalPrice:      order.Totals.TotalPrice,
		Currency:        order.Currency,
		OccurredAt:      s.now(),
	}
	if _, err := s.publisher.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{
			"orderId": order.ID,
			"type":    eventType,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsConflict():
			return ErrOrderConflict
		case repoErr.IsUnavailable():
			return ErrOrderUnavailable
		}
	}
	return ErrOrderUnavailable
}

func validateShippingAddress(addr domain.ShippingAddress) error {
	if strings.TrimSpace(addr.Address) == "" {
		return fmt.Errorf("%w: shipping address is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(addr.City) == "" {
		return fmt.Errorf("%w: shipping city is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(addr.PostalCode) == "" {
		return fmt.Errorf("%w: shipping postal code is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(addr.Country) == "" {
		return fmt.Errorf("%w: shipping country is required", ErrOrderInvalidInput)
	}
	return nil
}

func validOrderStatus(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusShipped,
		domain.OrderStatusDelivered, domain.OrderStatusCancelled:
		return true
	}
	return false
}

func validPaymentStatus(status domain.PaymentStatus) bool {
	switch status {
	case domain.PaymentStatusPending, domain.PaymentStatusPaid, domain.PaymentStatusFailed:
		return true
	}
	return false
}

// lines2cart views order lines as cart lines for the shared calculator.
func lines2cart(lines []domain.OrderLine) []domain.CartLine {
	out := make([]domain.CartLine, len(lines))
	for i, line := range lines {
		out[i] = domain.CartLine{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			ImagePath: line.ImagePath,
		}
	}
	return out
}

// PaymentOutcome is a terminal provider result applied to an order.
type PaymentOutcome struct {
	Succeeded     bool
	TransactionID string
	ReceiptEmail  string
	At            time.Time
}

// ApplyPaymentOutcome mutates the order's payment block for a terminal
// provider result. Idempotent: re-applying the same outcome changes nothing
// material.
func ApplyPaymentOutcome(order domain.Order, outcome PaymentOutcome) domain.Order {
	at := outcome.At.UTC()
	order.PaymentResult = &domain.PaymentResult{
		TransactionID: outcome.TransactionID,
		UpdateTime:    at,
		ReceiptEmail:  outcome.ReceiptEmail,
	}
	if outcome.Succeeded {
		order.PaymentStatus = domain.PaymentStatusPaid
		order.PaymentResult.Status = string(domain.PaymentStatusPaid)
		order.IsPaid = true
		ts := at
		order.PaidAt = &ts
	} else {
		order.PaymentStatus = domain.PaymentStatusFailed
		order.PaymentResult.Status = string(domain.PaymentStatusFailed)
		order.IsPaid = false
		order.PaidAt = nil
	}
	order.UpdatedAt = at
	return order
}
