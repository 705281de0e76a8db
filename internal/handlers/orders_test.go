package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/lumenshop/api/internal/domain"
	"github.com/lumenshop/api/internal/services"
)

type stubOrderService struct {
	order domain.Order
	list  domain.CursorPage[domain.Order]
	mine  []domain.Order
	err   error

	created       []services.CreateOrderCommand
	listCommands  []services.ListOrdersCommand
	statusUpdates []services.UpdateOrderStatusCommand
	deletes       []services.DeleteOrderCommand
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
	s.created = append(s.created, cmd)
	if s.err != nil {
		return domain.Order{}, s.err
	}
	return s.order, nil
}

func (s *stubOrderService) ListOrders(ctx context.Context, cmd services.ListOrdersCommand) (domain.CursorPage[domain.Order], error) {
	s.listCommands = append(s.listCommands, cmd)
	if s.err != nil {
		return domain.CursorPage[domain.Order]{}, s.err
	}
	return s.list, nil
}

func (s *stubOrderService) ListUserOrders(ctx context.Context, cmd services.ListUserOrdersCommand) ([]domain.Order, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.mine, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, cmd services.GetOrderCommand) (domain.Order, error) {
	if s.err != nil {
		return domain.Order{}, s.err
	}
	return s.order, nil
}

func (s *stubOrderService) UpdateOrderStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
	s.statusUpdates = append(s.statusUpdates, cmd)
	if s.err != nil {
		return domain.Order{}, s.err
	}
	return s.order, nil
}

func (s *stubOrderService) DeleteOrder(ctx context.Context, cmd services.DeleteOrderCommand) error {
	s.deletes = append(s.deletes, cmd)
	return s.err
}

var _ services.OrderService = (*stubOrderService)(nil)

func newOrderRouter(orders services.OrderService) chi.Router {
	r := chi.NewRouter()
	NewOrderHandlers(nil, orders).Routes(r)
	return r
}

func TestCreateOrderForwardsCommand(t *testing.T) {
	orders := &stubOrderService{order: domain.Order{ID: "o1", OrderNumber: "LS-2025-000001", UserID: "user-1"}}
	router := newOrderRouter(orders)

	body := `{"shipping_address":{"address":"12 Elm Street","city":"Springfield","postal_code":"62704","country":"US"},"payment_method":"card","payment_intent_id":"pi_123"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodPost, "/", body, "user-1"))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(orders.created) != 1 {
		t.Fatalf("expected one create command, got %d", len(orders.created))
	}
	cmd := orders.created[0]
	if cmd.Actor == nil || cmd.Actor.UID != "user-1" {
		t.Fatalf("expected actor user-1, got %+v", cmd.Actor)
	}
	if cmd.ShippingAddress.City != "Springfield" || cmd.PaymentIntentID != "pi_123" {
		t.Fatalf("unexpected command %+v", cmd)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.OrderNumber != "LS-2025-000001" {
		t.Fatalf("unexpected payload %+v", resp.Order)
	}
}

func TestCreateOrderRequiresBody(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodPost, "/", "", "user-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestListMyOrders(t *testing.T) {
	orders := &stubOrderService{mine: []domain.Order{
		{ID: "o2", OrderNumber: "LS-2025-000002"},
		{ID: "o1", OrderNumber: "LS-2025-000001"},
	}}
	router := newOrderRouter(orders)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodGet, "/", "", "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Orders) != 2 || resp.Orders[0].ID != "o2" {
		t.Fatalf("unexpected payload %+v", resp.Orders)
	}
}

func TestGetOrderErrorMapping(t *testing.T) {
	cases := map[string]struct {
		err  error
		code int
	}{
		"forbidden": {services.ErrOrderForbidden, http.StatusForbidden},
		"not_found": {services.ErrOrderNotFound, http.StatusNotFound},
		"invalid":   {services.ErrOrderInvalidInput, http.StatusBadRequest},
	}
	for name, tc := range cases {
		router := newOrderRouter(&stubOrderService{err: tc.err})
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, authenticatedRequest(http.MethodGet, "/o1", "", "user-1"))
		if rr.Code != tc.code {
			t.Errorf("%s: expected %d, got %d", name, tc.code, rr.Code)
		}
	}
}

func TestOrdersRequireIdentity(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
