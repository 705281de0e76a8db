package services

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	domain "github.com/lumenshop/api/internal/domain"
	"github.com/lumenshop/api/internal/platform/auth"
	"github.com/lumenshop/api/internal/platform/storage"
	"github.com/lumenshop/api/internal/repositories"
)

type stubProductRepo struct {
	products map[string]domain.Product
	listResp domain.CursorPage[domain.Product]
	listErr  error
	lastList repositories.ProductListFilter
	upserted []domain.Product
	deleted  []string
}

func newStubProductRepo() *stubProductRepo {
	return &stubProductRepo{products: map[string]domain.Product{}}
}

func (r *stubProductRepo) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	r.products[product.ID] = product
	r.upserted = append(r.upserted, product)
	return product, nil
}

func (r *stubProductRepo) Delete(ctx context.Context, productID string) error {
	if _, ok := r.products[productID]; !ok {
		return stubRepoError{notFound: true}
	}
	delete(r.products, productID)
	r.deleted = append(r.deleted, productID)
	return nil
}

func (r *stubProductRepo) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	product, ok := r.products[productID]
	if !ok {
		return domain.Product{}, stubRepoError{notFound: true}
	}
	return product, nil
}

func (r *stubProductRepo) FindBySlug(ctx context.Context, slug string) (domain.Product, error) {
	for _, product := range r.products {
		if product.Slug == slug {
			return product, nil
		}
	}
	return domain.Product{}, stubRepoError{notFound: true}
}

func (r *stubProductRepo) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if product, ok := r.products[id]; ok {
			out[id] = product
		}
	}
	return out, nil
}

func (r *stubProductRepo) List(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	r.lastList = filter
	if r.listErr != nil {
		return domain.CursorPage[domain.Product]{}, r.listErr
	}
	return r.listResp, nil
}

type stubImageSigner struct {
	lastBucket string
	lastObject string
	url        string
	err        error
}

func (s *stubImageSigner) SignDownload(ctx context.Context, bucket, object string, opts storage.DownloadOptions) (storage.SignedDownload, error) {
	s.lastBucket = bucket
	s.lastObject = object
	if s.err != nil {
		return storage.SignedDownload{}, s.err
	}
	return storage.SignedDownload{URL: s.url}, nil
}

func adminIdentity() *auth.Identity {
	return &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}}
}

func newTestCatalogService(t *testing.T, repo *stubProductRepo, signer *stubImageSigner) CatalogService {
	t.Helper()
	deps := CatalogServiceDeps{
		Repository:  repo,
		Clock:       func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
		IDGenerator: func() string { return "01HGENERATED" },
	}
	if signer != nil {
		deps.ImageSigner = signer
		deps.ImageBucket = "lumenshop-product-images"
	}
	svc, err := NewCatalogService(deps)
	if err != nil {
		t.Fatalf("NewCatalogService returned error: %v", err)
	}
	return svc
}

func TestListProductsFoldsKeyword(t *testing.T) {
	repo := newStubProductRepo()
	svc := newTestCatalogService(t, repo, nil)

	_, err := svc.ListProducts(context.Background(), ProductListFilter{Keyword: "  Café "})
	if err != nil {
		t.Fatalf("ListProducts returned error: %v", err)
	}
	if repo.lastList.Keyword != "cafe" {
		t.Fatalf("expected folded keyword, got %q", repo.lastList.Keyword)
	}
}

func TestUpsertProductRequiresCatalogWrite(t *testing.T) {
	svc := newTestCatalogService(t, newStubProductRepo(), nil)

	_, err := svc.UpsertProduct(context.Background(), UpsertProductCommand{
		Actor: &auth.Identity{UID: "user-1", Roles: []string{auth.RoleUser}},
		Name:  "Desk Lamp",
		Price: 2500,
	})
	if !errors.Is(err, ErrCatalogForbidden) {
		t.Fatalf("expected ErrCatalogForbidden, got %v", err)
	}
}

func TestUpsertProductSanitisesAndIndexes(t *testing.T) {
	repo := newStubProductRepo()
	svc := newTestCatalogService(t, repo, nil)

	product, err := svc.UpsertProduct(context.Background(), UpsertProductCommand{
		Actor:       adminIdentity(),
		Name:        "Café Desk Lamp",
		Description: `Warm light <script>alert("x")</script> for late nights`,
		Price:       2500,
		InStock:     true,
		Attributes:  map[string]string{" color ": " brass ", "": "dropped"},
	})
	if err != nil {
		t.Fatalf("UpsertProduct returned error: %v", err)
	}

	if product.ID != "01HGENERATED" {
		t.Fatalf("expected generated id, got %q", product.ID)
	}
	if product.Slug != "cafe-desk-lamp" {
		t.Fatalf("unexpected slug %q", product.Slug)
	}
	if strings.Contains(product.Description, "<script>") {
		t.Fatalf("description was not sanitised: %q", product.Description)
	}
	if !reflect.DeepEqual(product.Attributes, map[string]string{"color": "brass"}) {
		t.Fatalf("unexpected attributes %v", product.Attributes)
	}

	hasKeyword := func(k string) bool {
		for _, kw := range product.SearchKeywords {
			if kw == k {
				return true
			}
		}
		return false
	}
	if !hasKeyword("cafe") || !hasKeyword("lamp") {
		t.Fatalf("expected folded keywords, got %v", product.SearchKeywords)
	}
	if hasKeyword("script") {
		t.Fatalf("keywords built from unsanitised text: %v", product.SearchKeywords)
	}
}

func TestUpsertProductPreservesCreatedAtAndRating(t *testing.T) {
	repo := newStubProductRepo()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.products["p1"] = domain.Product{ID: "p1", Name: "Old", Slug: "old", Price: 100, Rating: 4.5, SalesCount: 12, CreatedAt: created}
	svc := newTestCatalogService(t, repo, nil)

	product, err := svc.UpsertProduct(context.Background(), UpsertProductCommand{
		Actor:     adminIdentity(),
		ProductID: "p1",
		Name:      "New Name",
		Price:     200,
	})
	if err != nil {
		t.Fatalf("UpsertProduct returned error: %v", err)
	}
	if !product.CreatedAt.Equal(created) {
		t.Fatalf("expected CreatedAt preserved, got %v", product.CreatedAt)
	}
	if product.Rating != 4.5 || product.SalesCount != 12 {
		t.Fatalf("expected rating and sales preserved, got %+v", product)
	}
}

func TestUpsertProductValidatesInput(t *testing.T) {
	svc := newTestCatalogService(t, newStubProductRepo(), nil)

	cases := map[string]UpsertProductCommand{
		"missing name":     {Actor: adminIdentity(), Price: 100},
		"zero price":       {Actor: adminIdentity(), Name: "Lamp", Price: 0},
		"discount too big": {Actor: adminIdentity(), Name: "Lamp", Price: 100, DiscountPct: 150},
		"bad slug":         {Actor: adminIdentity(), Name: "Lamp", Price: 100, Slug: "Bad Slug!"},
	}
	for name, cmd := range cases {
		if _, err := svc.UpsertProduct(context.Background(), cmd); !errors.Is(err, ErrCatalogInvalidInput) {
			t.Errorf("%s: expected ErrCatalogInvalidInput, got %v", name, err)
		}
	}
}

func TestDeleteProductRequiresAdmin(t *testing.T) {
	repo := newStubProductRepo()
	repo.products["p1"] = domain.Product{ID: "p1"}
	svc := newTestCatalogService(t, repo, nil)

	err := svc.DeleteProduct(context.Background(), DeleteProductCommand{
		Actor:     &auth.Identity{UID: "user-1", Roles: []string{auth.RoleUser}},
		ProductID: "p1",
	})
	if !errors.Is(err, ErrCatalogForbidden) {
		t.Fatalf("expected ErrCatalogForbidden, got %v", err)
	}

	if err := svc.DeleteProduct(context.Background(), DeleteProductCommand{Actor: adminIdentity(), ProductID: "p1"}); err != nil {
		t.Fatalf("DeleteProduct returned error: %v", err)
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != "p1" {
		t.Fatalf("expected p1 deleted, got %v", repo.deleted)
	}
}

func TestGetProductBySlug(t *testing.T) {
	repo := newStubProductRepo()
	repo.products["p1"] = domain.Product{ID: "p1", Slug: "desk-lamp"}
	svc := newTestCatalogService(t, repo, nil)

	product, err := svc.GetProductBySlug(context.Background(), "desk-lamp")
	if err != nil {
		t.Fatalf("GetProductBySlug returned error: %v", err)
	}
	if product.ID != "p1" {
		t.Fatalf("unexpected product %+v", product)
	}

	if _, err := svc.GetProductBySlug(context.Background(), "missing"); !errors.Is(err, ErrCatalogNotFound) {
		t.Fatalf("expected ErrCatalogNotFound, got %v", err)
	}
}

func TestProductImageURL(t *testing.T) {
	repo := newStubProductRepo()
	repo.products["p1"] = domain.Product{ID: "p1", ImagePath: "catalog/products/p1/images/hero.png"}
	signer := &stubImageSigner{url: "https://storage.example.com/signed"}
	svc := newTestCatalogService(t, repo, signer)

	url, err := svc.ProductImageURL(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ProductImageURL returned error: %v", err)
	}
	if url != "https://storage.example.com/signed" {
		t.Fatalf("unexpected url %q", url)
	}
	if signer.lastBucket != "lumenshop-product-images" || signer.lastObject != "catalog/products/p1/images/hero.png" {
		t.Fatalf("unexpected signing request %q %q", signer.lastBucket, signer.lastObject)
	}
}

func TestProductImageURLMissingImage(t *testing.T) {
	repo := newStubProductRepo()
	repo.products["p1"] = domain.Product{ID: "p1"}
	svc := newTestCatalogService(t, repo, &stubImageSigner{url: "u"})

	if _, err := svc.ProductImageURL(context.Background(), "p1"); !errors.Is(err, ErrCatalogNotFound) {
		t.Fatalf("expected ErrCatalogNotFound, got %v", err)
	}
}

func TestUpsertProductExpandsBareImageName(t *testing.T) {
	repo := newStubProductRepo()
	svc := newTestCatalogService(t, repo, nil)

	product, err := svc.UpsertProduct(context.Background(), UpsertProductCommand{
		Actor:     adminIdentity(),
		Name:      "Desk Lamp",
		Price:     2500,
		ImagePath: "hero.png",
	})
	if err != nil {
		t.Fatalf("UpsertProduct returned error: %v", err)
	}
	if product.ImagePath != "catalog/products/01HGENERATED/images/hero.png" {
		t.Fatalf("unexpected image path %q", product.ImagePath)
	}

	product, err = svc.UpsertProduct(context.Background(), UpsertProductCommand{
		Actor:     adminIdentity(),
		ProductID: product.ID,
		Name:      "Desk Lamp",
		Price:     2500,
		ImagePath: "catalog/products/custom/images/other.png",
	})
	if err != nil {
		t.Fatalf("UpsertProduct returned error: %v", err)
	}
	if product.ImagePath != "catalog/products/custom/images/other.png" {
		t.Fatalf("expected explicit path stored verbatim, got %q", product.ImagePath)
	}
}
