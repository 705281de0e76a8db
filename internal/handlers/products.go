package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/lumenshop/api/internal/domain"
	"github.com/lumenshop/api/internal/platform/httpx"
	"github.com/lumenshop/api/internal/services"
)

const (
	defaultProductPageSize = 24
	maxProductPageSize     = 100
)

// ProductHandlers exposes the public, read-only catalog endpoints.
type ProductHandlers struct {
	catalog services.CatalogService
}

// NewProductHandlers constructs the public catalog handlers.
func NewProductHandlers(catalog services.CatalogService) *ProductHandlers {
	return &ProductHandlers{catalog: catalog}
}

// Routes wires the /products endpoints onto the provided router.
func (h *ProductHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listProducts)
	r.Get("/{productID}", h.getProduct)
	r.Get("/{productID}/image", h.getProductImage)
	r.Get("/slug/{slug}", h.getProductBySlug)
}

func (h *ProductHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	filter := services.ProductListFilter{
		Keyword:     strings.TrimSpace(r.URL.Query().Get("q")),
		InStockOnly: parseBoolQuery(r, "in_stock"),
		Pagination:  paginationFromQuery(r, defaultProductPageSize, maxProductPageSize),
	}

	page, err := h.catalog.ListProducts(ctx, filter)
	if err != nil {
		h.writeCatalogError(ctx, w, err)
		return
	}

	items := make([]productPayload, 0, len(page.Items))
	for _, product := range page.Items {
		items = append(items, buildProductPayload(product))
	}
	writeJSONResponse(w, http.StatusOK, productListResponse{
		Products:      items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *ProductHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	product, err := h.catalog.GetProduct(ctx, productID)
	if err != nil {
		h.writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *ProductHandlers) getProductBySlug(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	slug := strings.TrimSpace(chi.URLParam(r, "slug"))
	product, err := h.catalog.GetProductBySlug(ctx, slug)
	if err != nil {
		h.writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *ProductHandlers) getProductImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	url, err := h.catalog.ProductImageURL(ctx, productID)
	if err != nil {
		h.writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, productImageResponse{URL: url})
}

func (h *ProductHandlers) writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCatalogInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCatalogForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed", http.StatusForbidden))
	case errors.Is(err, services.ErrCatalogUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "catalog request failed", http.StatusInternalServerError))
	}
}

func parseBoolQuery(r *http.Request, key string) bool {
	value := strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key)))
	return value == "1" || value == "true" || value == "yes"
}

type productListResponse struct {
	Products      []productPayload `json:"products"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type productResponse struct {
	Product productPayload `json:"product"`
}

type productImageResponse struct {
	URL string `json:"url"`
}

type productPayload struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Slug        string            `json:"slug"`
	Description string            `json:"description,omitempty"`
	Price       int64             `json:"price"`
	Currency    string            `json:"currency"`
	DiscountPct int               `json:"discount_pct,omitempty"`
	InStock     bool              `json:"in_stock"`
	Rating      float64           `json:"rating"`
	SalesCount  int64             `json:"sales_count"`
	ImagePath   string            `json:"image_path,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	CreatedAt   string            `json:"created_at,omitempty"`
	UpdatedAt   string            `json:"updated_at,omitempty"`
}

func buildProductPayload(product domain.Product) productPayload {
	return productPayload{
		ID:          product.ID,
		Name:        product.Name,
		Slug:        product.Slug,
		Description: product.Description,
		Price:       product.Price,
		Currency:    strings.ToUpper(strings.TrimSpace(product.Currency)),
		DiscountPct: product.DiscountPct,
		InStock:     product.InStock,
		Rating:      product.Rating,
		SalesCount:  product.SalesCount,
		ImagePath:   product.ImagePath,
		Attributes:  product.Attributes,
		CreatedAt:   formatTime(product.CreatedAt),
		UpdatedAt:   formatTime(product.UpdatedAt),
	}
}
