package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/lumenshop/api/internal/domain"
	"github.com/lumenshop/api/internal/platform/auth"
	"github.com/lumenshop/api/internal/repositories"
)

type stubOrderRepo struct {
	orders    map[string]domain.Order
	listResp  domain.CursorPage[domain.Order]
	listErr   error
	lastList  repositories.OrderListFilter
	insertErr error
	updateErr error
	updated   []domain.Order
	deleted   []string
}

func newStubOrderRepo() *stubOrderRepo {
	return &stubOrderRepo{orders: map[string]domain.Order{}}
}

func (r *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.orders[order.ID] = order
	return nil
}

func (r *stubOrderRepo) Update(ctx context.Context, order domain.Order) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.orders[order.ID] = order
	r.updated = append(r.updated, order)
	return nil
}

func (r *stubOrderRepo) Delete(ctx context.Context, orderID string) error {
	if _, ok := r.orders[orderID]; !ok {
		return stubRepoError{notFound: true}
	}
	delete(r.orders, orderID)
	r.deleted = append(r.deleted, orderID)
	return nil
}

func (r *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, stubRepoError{notFound: true}
	}
	return order, nil
}

func (r *stubOrderRepo) FindByPaymentIntentID(ctx context.Context, intentID string) (domain.Order, error) {
	for _, order := range r.orders {
		if order.PaymentIntentID == intentID && intentID != "" {
			return order, nil
		}
	}
	return domain.Order{}, stubRepoError{notFound: true}
}

func (r *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.lastList = filter
	if r.listErr != nil {
		return domain.CursorPage[domain.Order]{}, r.listErr
	}
	return r.listResp, nil
}

type stubWebhookEventRepo struct {
	records   map[string]domain.WebhookEventRecord
	unmatched map[string]domain.WebhookEventRecord
	applied   []string
	recordErr error
}

func newStubWebhookEventRepo() *stubWebhookEventRepo {
	return &stubWebhookEventRepo{
		records:   map[string]domain.WebhookEventRecord{},
		unmatched: map[string]domain.WebhookEventRecord{},
	}
}

func (r *stubWebhookEventRepo) Record(ctx context.Context, record domain.WebhookEventRecord) (bool, error) {
	if r.recordErr != nil {
		return false, r.recordErr
	}
	if _, ok := r.records[record.EventID]; ok {
		return false, nil
	}
	r.records[record.EventID] = record
	if record.Status == domain.WebhookEventUnmatched {
		r.unmatched[record.IntentID] = record
	}
	return true, nil
}

func (r *stubWebhookEventRepo) FindUnmatchedByIntent(ctx context.Context, intentID string) (domain.WebhookEventRecord, error) {
	record, ok := r.unmatched[intentID]
	if !ok {
		return domain.WebhookEventRecord{}, stubRepoError{notFound: true}
	}
	return record, nil
}

func (r *stubWebhookEventRepo) MarkApplied(ctx context.Context, eventID string, appliedAt time.Time) error {
	record, ok := r.records[eventID]
	if !ok {
		return stubRepoError{notFound: true}
	}
	record.Status = domain.WebhookEventApplied
	ts := appliedAt
	record.AppliedAt = &ts
	r.records[eventID] = record
	delete(r.unmatched, record.IntentID)
	r.applied = append(r.applied, eventID)
	return nil
}

type stubCounterRepo struct {
	next int64
	err  error
}

func (r *stubCounterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.next += step
	return r.next, nil
}

type stubUnitOfWork struct {
	calls int
	err   error
}

func (u *stubUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	u.calls++
	if u.err != nil {
		return u.err
	}
	return fn(ctx)
}

type stubPublisher struct {
	events []OrderEvent
	err    error
}

func (p *stubPublisher) PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, event)
	return "msg-1", nil
}

type orderServiceFixture struct {
	orders   *stubOrderRepo
	carts    *stubCartRepo
	products *stubProductFinder
	events   *stubWebhookEventRepo
	counters *stubCounterRepo
	uow      *stubUnitOfWork
	pub      *stubPublisher
	svc      OrderService
}

func newOrderServiceFixture(t *testing.T) *orderServiceFixture {
	t.Helper()
	f := &orderServiceFixture{
		orders:   newStubOrderRepo(),
		carts:    newStubCartRepo(),
		products: &stubProductFinder{products: map[string]domain.Product{}},
		events:   newStubWebhookEventRepo(),
		counters: &stubCounterRepo{},
		uow:      &stubUnitOfWork{},
		pub:      &stubPublisher{},
	}
	calc, err := NewCheckoutCalculator(CheckoutPolicy{TaxRateBasisPoints: 1000, Currency: "USD"})
	if err != nil {
		t.Fatalf("NewCheckoutCalculator returned error: %v", err)
	}
	f.svc, err = NewOrderService(OrderServiceDeps{
		Orders:        f.orders,
		Carts:         f.carts,
		Products:      f.products,
		WebhookEvents: f.events,
		Counters:      f.counters,
		UnitOfWork:    f.uow,
		Calculator:    calc,
		Publisher:     f.pub,
		Clock:         func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
		IDGenerator:   func() string { return "01HORDER" },
	})
	if err != nil {
		t.Fatalf("NewOrderService returned error: %v", err)
	}
	return f
}

func userIdentity(uid string) *auth.Identity {
	return &auth.Identity{UID: uid, Roles: []string{auth.RoleUser}}
}

func testAddress() domain.ShippingAddress {
	return domain.ShippingAddress{Address: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
}

func seedCart(f *orderServiceFixture, userID string, lines ...domain.CartLine) {
	f.carts.carts[userID] = domain.Cart{ID: userID, UserID: userID, Currency: "USD", Lines: lines}
}

func TestCreateOrderFromCart(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedCart(f, "user-1",
		domain.CartLine{ProductID: "p1", Name: "Desk Lamp", UnitPrice: 2500, Quantity: 2},
	)

	order, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		Actor:           userIdentity("user-1"),
		ShippingAddress: testAddress(),
		PaymentMethod:   "card",
		PaymentIntentID: "pi_123",
	})
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}

	if order.OrderNumber != "LS-2025-000001" {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if order.PaymentStatus != domain.PaymentStatusPending || order.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected initial statuses: %+v", order)
	}
	if order.Totals.ItemsPrice != 5000 || order.Totals.TaxPrice != 500 || order.Totals.TotalPrice != 5500 {
		t.Fatalf("unexpected totals %+v", order.Totals)
	}
	if f.uow.calls != 1 {
		t.Fatalf("expected transactional write, got %d calls", f.uow.calls)
	}
	if got := f.carts.carts["user-1"].Lines; len(got) != 0 {
		t.Fatalf("expected cart cleared, got %+v", got)
	}
	if len(f.pub.events) != 1 || f.pub.events[0].Type != OrderEventCreated {
		t.Fatalf("expected order.created event, got %+v", f.pub.events)
	}
}

func TestCreateOrderEmptyCart(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedCart(f, "user-1")

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		Actor:           userIdentity("user-1"),
		ShippingAddress: testAddress(),
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestCreateOrderMissingCart(t *testing.T) {
	f := newOrderServiceFixture(t)

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		Actor:           userIdentity("user-1"),
		ShippingAddress: testAddress(),
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestCreateOrderValidatesShippingAddress(t *testing.T) {
	cases := []struct {
		name string
		addr domain.ShippingAddress
	}{
		{name: "missing address", addr: domain.ShippingAddress{City: "Springfield", PostalCode: "12345", Country: "US"}},
		{name: "missing city", addr: domain.ShippingAddress{Address: "1 Main St", PostalCode: "12345", Country: "US"}},
		{name: "missing postal code", addr: domain.ShippingAddress{Address: "1 Main St", City: "Springfield", Country: "US"}},
		{name: "missing country", addr: domain.ShippingAddress{Address: "1 Main St", City: "Springfield", PostalCode: "12345"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newOrderServiceFixture(t)
			seedCart(f, "user-1", domain.CartLine{ProductID: "p1", UnitPrice: 100, Quantity: 1})

			_, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
				Actor:           userIdentity("user-1"),
				ShippingAddress: tc.addr,
			})
			if !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
			}
		})
	}
}

func TestCreateOrderKeepsSubmittedSnapshotPrices(t *testing.T) {
	f := newOrderServiceFixture(t)
	f.products.products["p1"] = domain.Product{ID: "p1", Name: "Desk Lamp v2", Price: 2600, ImagePath: "catalog/products/p1/images/new.png"}
	seedCart(f, "user-1",
		domain.CartLine{ProductID: "p1", Name: "Desk Lamp", UnitPrice: 2500, Quantity: 1},
		domain.CartLine{ProductID: "p2", Name: "Retired Chair", UnitPrice: 9900, Quantity: 1},
	)

	order, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		Actor:           userIdentity("user-1"),
		ShippingAddress: testAddress(),
	})
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}

	// A catalog price change between intent and order creation must not move
	// the order total away from the amount the intent already charged.
	if order.Lines[0].UnitPrice != 2500 || order.Lines[0].Name != "Desk Lamp" {
		t.Fatalf("expected submitted snapshot for p1, got %+v", order.Lines[0])
	}
	if order.Lines[0].ImagePath != "catalog/products/p1/images/new.png" {
		t.Fatalf("expected image backfilled from catalog, got %+v", order.Lines[0])
	}
	if order.Lines[1].Name != "Retired Chair" || order.Lines[1].UnitPrice != 9900 {
		t.Fatalf("expected cart snapshot carried for delisted p2, got %+v", order.Lines[1])
	}
	if order.Totals.ItemsPrice != 12400 {
		t.Fatalf("expected items priced from snapshot (12400), got %d", order.Totals.ItemsPrice)
	}
}

func TestCreateOrderReplaysUnmatchedPaymentEvent(t *testing.T) {
	f := newOrderServiceFixture(t)
	seedCart(f, "user-1", domain.CartLine{ProductID: "p1", UnitPrice: 5000, Quantity: 1})
	f.events.unmatched["pi_123"] = domain.WebhookEventRecord{
		EventID:       "evt_1",
		IntentID:      "pi_123",
		Status:        domain.WebhookEventUnmatched,
		OutcomeStatus: string(domain.PaymentStatusPaid),
		TransactionID: "ch_1",
		ReceiptEmail:  "buyer@example.com",
	}
	f.events.records["evt_1"] = f.events.unmatched["pi_123"]

	order, err := f.svc.CreateOrder(context.Background(), CreateOrderCommand{
		Actor:           userIdentity("user-1"),
		ShippingAddress: testAddress(),
		PaymentIntentID: "pi_123",
	})
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}

	if !order.IsPaid || order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected order marked paid via replay, got %+v", order)
	}
	if order.PaymentResult == nil || order.PaymentResult.TransactionID != "ch_1" {
		t.Fatalf("expected payment result from ledger, got %+v", order.PaymentResult)
	}
	if len(f.events.applied) != 1 || f.events.applied[0] != "evt_1" {
		t.Fatalf("expected event marked applied, got %v", f.events.applied)
	}

	var sawPaid bool
	for _, event := range f.pub.events {
		if event.Type == OrderEventPaid {
			sawPaid = true
		}
	}
	if !sawPaid {
		t.Fatalf("expected order.paid event, got %+v", f.pub.events)
	}
}

func TestListOrdersAdminOnly(t *testing.T) {
	f := newOrderServiceFixture(t)

	_, err := f.svc.ListOrders(context.Background(), ListOrdersCommand{Actor: userIdentity("user-1")})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}

	if _, err := f.svc.ListOrders(context.Background(), ListOrdersCommand{Actor: adminIdentity()}); err != nil {
		t.Fatalf("admin ListOrders returned error: %v", err)
	}
}

func TestListUserOrdersNewestFirstAndBackfill(t *testing.T) {
	f := newOrderServiceFixture(t)
	f.products.products["p1"] = domain.Product{ID: "p1", Name: "Desk Lamp", ImagePath: "catalog/products/p1/images/a.png"}
	f.orders.listResp = domain.CursorPage[domain.Order]{Items: []domain.Order{
		{ID: "o2", UserID: "user-1", Lines: []domain.OrderLine{{ProductID: "p1", Quantity: 1, UnitPrice: 100}}},
	}}

	orders, err := f.svc.ListUserOrders(context.Background(), ListUserOrdersCommand{Actor: userIdentity("user-1"), UserID: "user-1"})
	if err != nil {
		t.Fatalf("ListUserOrders returned error: %v", err)
	}

	if f.orders.lastList.UserID != "user-1" || f.orders.lastList.SortOrder != domain.SortDesc {
		t.Fatalf("unexpected list filter %+v", f.orders.lastList)
	}
	line := orders[0].Lines[0]
	if line.Name != "Desk Lamp" || line.ImagePath != "catalog/products/p1/images/a.png" {
		t.Fatalf("expected backfilled snapshot, got %+v", line)
	}
}

func TestListUserOrdersForbiddenForOtherUser(t *testing.T) {
	f := newOrderServiceFixture(t)

	_, err := f.svc.ListUserOrders(context.Background(), ListUserOrdersCommand{Actor: userIdentity("user-1"), UserID: "user-2"})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestGetOrderOwnerAndAdmin(t *testing.T) {
	f := newOrderServiceFixture(t)
	f.orders.orders["o1"] = domain.Order{ID: "o1", UserID: "user-1"}

	if _, err := f.svc.GetOrder(context.Background(), GetOrderCommand{Actor: userIdentity("user-1"), OrderID: "o1"}); err != nil {
		t.Fatalf("owner GetOrder returned error: %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), GetOrderCommand{Actor: adminIdentity(), OrderID: "o1"}); err != nil {
		t.Fatalf("admin GetOrder returned error: %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), GetOrderCommand{Actor: userIdentity("user-2"), OrderID: "o1"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), GetOrderCommand{Actor: adminIdentity(), OrderID: "missing"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	f := newOrderServiceFixture(t)
	f.orders.orders["o1"] = domain.Order{ID: "o1", UserID: "user-1", Status: domain.OrderStatusPending}

	order, err := f.svc.UpdateOrderStatus(context.Background(), UpdateOrderStatusCommand{
		Actor:   adminIdentity(),
		OrderID: "o1",
		Status:  domain.OrderStatusDelivered,
	})
	if err != nil {
		t.Fatalf("UpdateOrderStatus returned error: %v", err)
	}
	if order.Status != domain.OrderStatusDelivered || !order.IsDelivered || order.DeliveredAt == nil {
		t.Fatalf("expected delivered flags set, got %+v", order)
	}
	if len(f.pub.events) != 1 || f.pub.events[0].Type != OrderEventStatusChanged {
		t.Fatalf("expected status change event, got %+v", f.pub.events)
	}
}

func TestUpdateOrderStatusRejectsUnknownStatus(t *testing.T) {
	f := newOrderServiceFixture(t)
	f.orders.orders["o1"] = domain.Order{ID: "o1"}

	_, err := f.svc.UpdateOrderStatus(context.Background(), UpdateOrderStatusCommand{
		Actor:   adminIdentity(),
		OrderID: "o1",
		Status:  domain.OrderStatus("Lost"),
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestUpdateOrderStatusPatchesPaymentFlags(t *testing.T) {
	f := newOrderServiceFixture(t)
	f.orders.orders["o1"] = domain.Order{ID: "o1", UserID: "user-1", Status: domain.OrderStatusShipped, PaymentStatus: domain.PaymentStatusPending}

	paid := true
	status := domain.PaymentStatusPaid
	order, err := f.svc.UpdateOrderStatus(context.Background(), UpdateOrderStatusCommand{
		Actor:         adminIdentity(),
		OrderID:       "o1",
		IsPaid:        &paid,
		PaymentStatus: &status,
	})
	if err != nil {
		t.Fatalf("UpdateOrderStatus returned error: %v", err)
	}
	if order.Status != domain.OrderStatusShipped {
		t.Fatalf("expected fulfillment status untouched, got %q", order.Status)
	}
	if !order.IsPaid || order.PaidAt == nil {
		t.Fatalf("expected paid flags set, got %+v", order)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected payment status paid, got %q", order.PaymentStatus)
	}
}

func TestUpdateOrderStatusClearsDeliveredFlag(t *testing.T) {
	f := newOrderServiceFixture(t)
	at := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	f.orders.orders["o1"] = domain.Order{ID: "o1", IsDelivered: true, DeliveredAt: &at}

	delivered := false
	order, err := f.svc.UpdateOrderStatus(context.Background(), UpdateOrderStatusCommand{
		Actor:       adminIdentity(),
		OrderID:     "o1",
		IsDelivered: &delivered,
	})
	if err != nil {
		t.Fatalf("UpdateOrderStatus returned error: %v", err)
	}
	if order.IsDelivered || order.DeliveredAt != nil {
		t.Fatalf("expected delivered flags cleared, got %+v", order)
	}
}

func TestUpdateOrderStatusRejectsEmptyPatch(t *testing.T) {
	f := newOrderServiceFixture(t)
	f.orders.orders["o1"] = domain.Order{ID: "o1"}

	_, err := f.svc.UpdateOrderStatus(context.Background(), UpdateOrderStatusCommand{
		Actor:   adminIdentity(),
		OrderID: "o1",
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestUpdateOrderStatusRejectsUnknownPaymentStatus(t *testing.T) {
	f := newOrderServiceFixture(t)
	f.orders.orders["o1"] = domain.Order{ID: "o1"}

	bad := domain.PaymentStatus("refunded")
	_, err := f.svc.UpdateOrderStatus(context.Background(), UpdateOrderStatusCommand{
		Actor:         adminIdentity(),
		OrderID:       "o1",
		PaymentStatus: &bad,
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestUpdateOrderStatusForbiddenForUser(t *testing.T) {
	f := newOrderServiceFixture(t)

	_, err := f.svc.UpdateOrderStatus(context.Background(), UpdateOrderStatusCommand{
		Actor:   userIdentity("user-1"),
		OrderID: "o1",
		Status:  domain.OrderStatusShipped,
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestDeleteOrderAdminOnly(t *testing.T) {
	f := newOrderServiceFixture(t)
	f.orders.orders["o1"] = domain.Order{ID: "o1"}

	if err := f.svc.DeleteOrder(context.Background(), DeleteOrderCommand{Actor: userIdentity("user-1"), OrderID: "o1"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
	if err := f.svc.DeleteOrder(context.Background(), DeleteOrderCommand{Actor: adminIdentity(), OrderID: "o1"}); err != nil {
		t.Fatalf("admin DeleteOrder returned error: %v", err)
	}
	if err := f.svc.DeleteOrder(context.Background(), DeleteOrderCommand{Actor: adminIdentity(), OrderID: "o1"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestApplyPaymentOutcomeIdempotent(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	order := domain.Order{ID: "o1", PaymentStatus: domain.PaymentStatusPending}

	outcome := PaymentOutcome{Succeeded: true, TransactionID: "ch_1", At: at}
	first := ApplyPaymentOutcome(order, outcome)
	second := ApplyPaymentOutcome(first, outcome)

	if !second.IsPaid || second.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid order, got %+v", second)
	}
	if !second.PaidAt.Equal(*first.PaidAt) || second.PaymentResult.TransactionID != first.PaymentResult.TransactionID {
		t.Fatalf("re-applying the outcome changed the order: %+v vs %+v", first, second)
	}
}
