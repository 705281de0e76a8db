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
	"github.com/lumenshop/api/internal/repositories"
	"github.com/lumenshop/api/internal/services"
)

const (
	maxAdminBodySize      = 64 * 1024
	defaultOrderPageSize  = 25
	maxAdminOrderPageSize = 100
)

// AdminHandlers exposes the staff-only catalog and order management endpoints.
// Route-level role gating is a first filter; the services enforce the same
// policy again on every call.
type AdminHandlers struct {
	authn   *auth.Authenticator
	catalog services.CatalogService
	orders  services.OrderService
}

// NewAdminHandlers constructs the admin endpoint handlers.
func NewAdminHandlers(authn *auth.Authenticator, catalog services.CatalogService, orders services.OrderService) *AdminHandlers {
	return &AdminHandlers{
		authn:   authn,
		catalog: catalog,
		orders:  orders,
	}
}

// Routes wires the /admin endpoints onto the provided router.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Post("/products", h.createProduct)
	r.Put("/products/{productID}", h.updateProduct)
	r.Delete("/products/{productID}", h.deleteProduct)

	r.Get("/orders", h.listOrders)
	r.Patch("/orders/{orderID}/status", h.updateOrderStatus)
	r.Delete("/orders/{orderID}", h.deleteOrder)
}

func (h *AdminHandlers) createProduct(w http.ResponseWriter, r *http.Request) {
	h.upsertProduct(w, r, "")
}

func (h *AdminHandlers) updateProduct(w http.ResponseWriter, r *http.Request) {
	h.upsertProduct(w, r, strings.TrimSpace(chi.URLParam(r, "productID")))
}

func (h *AdminHandlers) upsertProduct(w http.ResponseWriter, r *http.Request, productID string) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req upsertProductRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	product, err := h.catalog.UpsertProduct(ctx, services.UpsertProductCommand{
		Actor:       identity,
		ProductID:   productID,
		Name:        req.Name,
		Slug:        req.Slug,
		Description: req.Description,
		Price:       req.Price,
		Currency:    req.Currency,
		DiscountPct: req.DiscountPct,
		InStock:     req.InStock,
		ImagePath:   req.ImagePath,
		Attributes:  req.Attributes,
	})
	if err != nil {
		h.writeCatalogError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if productID == "" {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, productResponse{Product: buildProductPayload(product)})
}

func (h *AdminHandlers) deleteProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	err := h.catalog.DeleteProduct(ctx, services.DeleteProductCommand{
		Actor:     identity,
		ProductID: strings.TrimSpace(chi.URLParam(r, "productID")),
	})
	if err != nil {
		h.writeCatalogError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	filter := repositoriesOrderFilterFromQuery(r)
	page, err := h.orders.ListOrders(ctx, services.ListOrdersCommand{
		Actor:  identity,
		Filter: filter,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Orders:        items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *AdminHandlers) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req updateOrderStatusRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	cmd := services.UpdateOrderStatusCommand{
		Actor:       identity,
		OrderID:     strings.TrimSpace(chi.URLParam(r, "orderID")),
		Status:      domain.OrderStatus(strings.TrimSpace(req.Status)),
		IsPaid:      req.IsPaid,
		IsDelivered: req.IsDelivered,
	}
	if req.PaymentStatus != nil {
		ps := domain.PaymentStatus(strings.TrimSpace(*req.PaymentStatus))
		cmd.PaymentStatus = &ps
	}

	order, err := h.orders.UpdateOrderStatus(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	err := h.orders.DeleteOrder(ctx, services.DeleteOrderCommand{
		Actor:   identity,
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *AdminHandlers) decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return false
	}
	return true
}

func (h *AdminHandlers) writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCatalogInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed", http.StatusForbidden))
	case errors.Is(err, services.ErrCatalogNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCatalogUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "catalog request failed", http.StatusInternalServerError))
	}
}

func repositoriesOrderFilterFromQuery(r *http.Request) repositories.OrderListFilter {
	filter := repositories.OrderListFilter{
		UserID:     strings.TrimSpace(r.URL.Query().Get("user_id")),
		SortOrder:  domain.SortDesc,
		Pagination: paginationFromQuery(r, defaultOrderPageSize, maxAdminOrderPageSize),
	}
	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("sort")), "asc") {
		filter.SortOrder = domain.SortAsc
	}
	for _, raw := range r.URL.Query()["status"] {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			filter.Status = append(filter.Status, domain.OrderStatus(trimmed))
		}
	}
	return filter
}

type upsertProductRequest struct {
	Name        string            `json:"name"`
	Slug        string            `json:"slug"`
	Description string            `json:"description"`
	Price       int64             `json:"price"`
	Currency    string            `json:"currency"`
	DiscountPct int               `json:"discount_pct"`
	InStock     bool              `json:"in_stock"`
	ImagePath   string            `json:"image_path"`
	Attributes  map[string]string `json:"attributes"`
}

// updateOrderStatusRequest is a partial patch: absent fields leave the stored
// value untouched.
type updateOrderStatusRequest struct {
	Status        string  `json:"status"`
	IsPaid        *bool   `json:"is_paid"`
	IsDelivered   *bool   `json:"is_delivered"`
	PaymentStatus *string `json:"payment_status"`
}
