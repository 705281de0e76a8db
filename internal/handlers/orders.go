package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/lumenshop/api/internal/domain"
	"github.com/lumenshop/api/internal/platform/auth"
	"github.com/lumenshop/api/internal/platform/httpx"
	"github.com/lumenshop/api/internal/services"
)

const maxOrderBodySize = 32 * 1024

// OrderHandlers exposes authenticated order endpoints for the current user.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs handlers enforcing Firebase authentication
// before invoking the order service.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes wires the /orders endpoints onto the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listMyOrders)
	r.Get("/{orderID}", h.getOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		Actor: identity,
		ShippingAddress: domain.ShippingAddress{
			Address:    req.ShippingAddress.Address,
			City:       req.ShippingAddress.City,
			PostalCode: req.ShippingAddress.PostalCode,
			Country:    req.ShippingAddress.Country,
		},
		PaymentMethod:   req.PaymentMethod,
		PaymentIntentID: req.PaymentIntentID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listMyOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	orders, err := h.orders.ListUserOrders(ctx, services.ListUserOrdersCommand{Actor: identity})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		items = append(items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{Orders: items})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{
		Actor:   identity,
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "order request failed", http.StatusInternalServerError))
	}
}

type createOrderRequest struct {
	ShippingAddress shippingAddressPayload `json:"shipping_address"`
	PaymentMethod   string                 `json:"payment_method"`
	PaymentIntentID string                 `json:"payment_intent_id"`
}

type shippingAddressPayload struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
}

type orderListResponse struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID              string                 `json:"id"`
	OrderNumber     string                 `json:"order_number"`
	UserID          string                 `json:"user_id"`
	Items           []orderLinePayload     `json:"items"`
	ShippingAddress shippingAddressPayload `json:"shipping_address"`
	ItemsPrice      int64                  `json:"items_price"`
	ShippingPrice   int64                  `json:"shipping_price"`
	TaxPrice        int64                  `json:"tax_price"`
	TotalPrice      int64                  `json:"total_price"`
	Currency        string                 `json:"currency"`
	PaymentMethod   string                 `json:"payment_method,omitempty"`
	PaymentStatus   string                 `json:"payment_status"`
	IsPaid          bool                   `json:"is_paid"`
	PaidAt          string                 `json:"paid_at,omitempty"`
	IsDelivered     bool                   `json:"is_delivered"`
	DeliveredAt     string                 `json:"delivered_at,omitempty"`
	Status          string                 `json:"status"`
	PaymentIntentID string                 `json:"payment_intent_id,omitempty"`
	PaymentResult   *paymentResultPayload  `json:"payment_result,omitempty"`
	CreatedAt       string                 `json:"created_at,omitempty"`
	UpdatedAt       string                 `json:"updated_at,omitempty"`
}

type orderLinePayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	ImagePath string `json:"image_path,omitempty"`
}

type paymentResultPayload struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	UpdateTime    string `json:"update_time,omitempty"`
	ReceiptEmail  string `json:"receipt_email,omitempty"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderLinePayload, 0, len(order.Lines))
	for _, line := range order.Lines {
		items = append(items, orderLinePayload{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			ImagePath: line.ImagePath,
		})
	}

	payload := orderPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Items:       items,
		ShippingAddress: shippingAddressPayload{
			Address:    order.ShippingAddress.Address,
			City:       order.ShippingAddress.City,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
		},
		ItemsPrice:      order.Totals.ItemsPrice,
		ShippingPrice:   order.Totals.ShippingPrice,
		TaxPrice:        order.Totals.TaxPrice,
		TotalPrice:      order.Totals.TotalPrice,
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		PaymentMethod:   order.PaymentMethod,
		PaymentStatus:   string(order.PaymentStatus),
		IsPaid:          order.IsPaid,
		PaidAt:          formatTimePointer(order.PaidAt),
		IsDelivered:     order.IsDelivered,
		DeliveredAt:     formatTimePointer(order.DeliveredAt),
		Status:          string(order.Status),
		PaymentIntentID: order.PaymentIntentID,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}
	if order.PaymentResult != nil {
		payload.PaymentResult = &paymentResultPayload{
			TransactionID: order.PaymentResult.TransactionID,
			Status:        order.PaymentResult.Status,
			UpdateTime:    formatTime(order.PaymentResult.UpdateTime),
			ReceiptEmail:  order.PaymentResult.ReceiptEmail,
		}
	}
	return payload
}
