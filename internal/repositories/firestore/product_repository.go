package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/lumenshop/api/internal/domain"
	pfirestore "github.com/lumenshop/api/internal/platform/firestore"
	"github.com/lumenshop/api/internal/repositories"
)

const productsCollection = "products"

type productDocument struct {
	Name           string            `firestore:"name"`
	Slug           string            `firestore:"slug"`
	Description    string            `firestore:"description"`
	Price          int64             `firestore:"price"`
	Currency       string            `firestore:"currency"`
	DiscountPct    int               `firestore:"discountPct"`
	InStock        bool              `firestore:"inStock"`
	Rating         float64           `firestore:"rating"`
	SalesCount     int64             `firestore:"salesCount"`
	ImagePath      string            `firestore:"imagePath,omitempty"`
	SearchKeywords []string          `firestore:"searchKeywords"`
	Attributes     map[string]string `firestore:"attributes,omitempty"`
	CreatedAt      time.Time         `firestore:"createdAt"`
	UpdatedAt      time.Time         `firestore:"updatedAt"`
}

// ProductRepository persists catalog entries.
type ProductRepository struct {
	base *pfirestore.BaseRepository[productDocument]
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &ProductRepository{base: base}, nil
}

// Upsert writes the full product document keyed by product id.
func (r *ProductRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID := strings.TrimSpace(product.ID)
	if productID == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}

	doc := encodeProductDocument(product)
	result, err := r.base.Set(ctx, productID, doc)
	if err != nil {
		return domain.Product{}, err
	}
	return decodeProductDocument(productID, doc, doc.CreatedAt, result.UpdateTime), nil
}

// Delete removes the product document. Deleting an absent product is not an error.
func (r *ProductRepository) Delete(ctx context.Context, productID string) error {
	if r == nil || r.base == nil {
		return errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return errors.New("product repository: product id is required")
	}
	ref, err := r.base.DocumentRef(ctx, productID)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("products.delete", err)
	}
	return nil
}

// FindByID fetches a single product.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}
	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return decodeProductDocument(productID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// FindBySlug resolves a product by its unique slug.
func (r *ProductRepository) FindBySlug(ctx context.Context, slug string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return domain.Product{}, errors.New("product repository: slug is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("slug", "==", slug).Limit(1)
	})
	if err != nil {
		return domain.Product{}, err
	}
	if len(docs) == 0 {
		return domain.Product{}, pfirestore.WrapError("products.find_by_slug", status.Error(codes.NotFound, "product not found"))
	}
	doc := docs[0]
	return decodeProductDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// FindByIDs fetches several products at once. Missing ids are simply absent
// from the result map.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("product repository not initialised")
	}

	found := make(map[string]domain.Product, len(productIDs))
	for _, productID := range productIDs {
		productID = strings.TrimSpace(productID)
		if productID == "" {
			continue
		}
		if _, ok := found[productID]; ok {
			continue
		}
		doc, err := r.base.Get(ctx, productID)
		if err != nil {
			if isNotFoundError(err) {
				continue
			}
			return nil, err
		}
		found[productID] = decodeProductDocument(productID, doc.Data, doc.CreateTime, doc.UpdateTime)
	}
	return found, nil
}

// List returns a page of products ordered by most recent creation. Keyword
// search matches the folded search keyword index.
func (r *ProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Product]{}, errors.New("product repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Product]{}, fmt.Errorf("product repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	keyword := strings.ToLower(strings.TrimSpace(filter.Keyword))

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if keyword != "" {
			q = q.Where("searchKeywords", "array-contains", keyword)
		}
		if filter.InStockOnly {
			q = q.Where("inStock", "==", true)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Product]{}, err
	}

	nextToken := ""
	if limit > 0 && len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		tokenTime := last.Data.CreatedAt
		if tokenTime.IsZero() {
			tokenTime = last.CreateTime
		}
		nextToken = encodeListToken(tokenTime, last.ID)
		docs = docs[:len(docs)-1]
	}

	items := make([]domain.Product, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeProductDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
	}

	return domain.CursorPage[domain.Product]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

func encodeProductDocument(product domain.Product) productDocument {
	createdAt := product.CreatedAt.UTC()
	updatedAt := product.UpdatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	return productDocument{
		Name:           strings.TrimSpace(product.Name),
		Slug:           strings.ToLower(strings.TrimSpace(product.Slug)),
		Description:    product.Description,
		Price:          product.Price,
		Currency:       strings.ToUpper(strings.TrimSpace(product.Currency)),
		DiscountPct:    product.DiscountPct,
		InStock:        product.InStock,
		Rating:         product.Rating,
		SalesCount:     product.SalesCount,
		ImagePath:      strings.TrimSpace(product.ImagePath),
		SearchKeywords: cloneStrings(product.SearchKeywords),
		Attributes:     cloneStringMap(product.Attributes),
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}
}

func decodeProductDocument(id string, doc productDocument, createdAt, updatedAt time.Time) domain.Product {
	return domain.Product{
		ID:             strings.TrimSpace(id),
		Name:           strings.TrimSpace(doc.Name),
		Slug:           strings.ToLower(strings.TrimSpace(doc.Slug)),
		Description:    doc.Description,
		Price:          doc.Price,
		Currency:       strings.ToUpper(strings.TrimSpace(doc.Currency)),
		DiscountPct:    doc.DiscountPct,
		InStock:        doc.InStock,
		Rating:         doc.Rating,
		SalesCount:     doc.SalesCount,
		ImagePath:      strings.TrimSpace(doc.ImagePath),
		SearchKeywords: cloneStrings(doc.SearchKeywords),
		Attributes:     cloneStringMap(doc.Attributes),
		CreatedAt:      chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt:      chooseTime(doc.UpdatedAt, updatedAt),
	}
}

func cloneStringMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dup := make(map[string]string, len(src))
	for k, v := range src {
		dup[k] = v
	}
	return dup
}
