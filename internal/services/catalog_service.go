package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/lumenshop/api/internal/domain"
	"github.com/lumenshop/api/internal/platform/auth"
	"github.com/lumenshop/api/internal/platform/storage"
	"github.com/lumenshop/api/internal/platform/textutil"
	"github.com/lumenshop/api/internal/repositories"
)

var (
	errCatalogRepositoryRequired = errors.New("catalog service: repository is required")
	errCatalogClockRequired      = errors.New("catalog service: clock is required")
)

// ErrCatalogInvalidInput indicates the caller supplied invalid input.
var ErrCatalogInvalidInput = errors.New("catalog service: invalid input")

// ErrCatalogForbidden indicates the caller may not perform catalog writes.
var ErrCatalogForbidden = errors.New("catalog service: forbidden")

// ErrCatalogNotFound indicates the requested product does not exist.
var ErrCatalogNotFound = errors.New("catalog service: not found")

// ErrCatalogUnavailable indicates a backend failure.
var ErrCatalogUnavailable = errors.New("catalog service: unavailable")

type imageURLSigner interface {
	SignDownload(ctx context.Context, bucket, object string, opts storage.DownloadOptions) (storage.SignedDownload, error)
}

// CatalogServiceDeps wires persistence and asset signing for catalog operations.
type CatalogServiceDeps struct {
	Repository      repositories.ProductRepository
	ImageSigner     imageURLSigner
	ImageBucket     string
	ImageURLExpiry  time.Duration
	Clock           func() time.Time
	IDGenerator     func() string
	DefaultCurrency string
	Logger          func(context.Context, string, map[string]any)
}

type catalogService struct {
	repo        repositories.ProductRepository
	signer      imageURLSigner
	bucket      string
	urlExpiry   time.Duration
	now         func() time.Time
	newID       func() string
	currency    string
	logger      func(context.Context, string, map[string]any)
	sanitizer   *bluemonday.Policy
	slugPattern *regexp.Regexp
}

// NewCatalogService constructs a CatalogService enforcing dependency validation.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Repository == nil {
		return nil, errCatalogRepositoryRequired
	}
	if deps.Clock == nil {
		return nil, errCatalogClockRequired
	}

	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "USD"
	}

	expiry := deps.ImageURLExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	return &catalogService{
		repo:        deps.Repository,
		signer:      deps.ImageSigner,
		bucket:      strings.TrimSpace(deps.ImageBucket),
		urlExpiry:   expiry,
		now:         func() time.Time { return deps.Clock().UTC() },
		newID:       newID,
		currency:    currency,
		logger:      logger,
		sanitizer:   bluemonday.UGCPolicy(),
		slugPattern: regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`),
	}, nil
}

// ListProducts returns a page of catalog entries. Keyword filtering matches
// the folded search keywords stored with each product.
func (s *catalogService) ListProducts(ctx context.Context, filter ProductListFilter) (domain.CursorPage[Product], error) {
	repoFilter := repositories.ProductListFilter{
		Keyword:     textutil.FoldKeyword(filter.Keyword),
		InStockOnly: filter.InStockOnly,
		Pagination:  filter.Pagination,
	}
	page, err := s.repo.List(ctx, repoFilter)
	if err != nil {
		return domain.CursorPage[Product]{}, s.translateRepoError(err)
	}
	return page, nil
}

func (s *catalogService) GetProduct(ctx context.Context, productID string) (Product, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return Product{}, ErrCatalogInvalidInput
	}
	product, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return Product{}, s.translateRepoError(err)
	}
	return product, nil
}

func (s *catalogService) GetProductBySlug(ctx context.Context, slug string) (Product, error) {
	trimmed := strings.TrimSpace(slug)
	if trimmed == "" {
		return Product{}, ErrCatalogInvalidInput
	}
	product, err := s.repo.FindBySlug(ctx, trimmed)
	if err != nil {
		return Product{}, s.translateRepoError(err)
	}
	return product, nil
}

// UpsertProduct creates or updates a catalog entry. Descriptions pass through
// an HTML sanitiser and search keywords are rebuilt from the folded name and
// description on every write.
func (s *catalogService) UpsertProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error) {
	if !auth.CanPerform(cmd.Actor, auth.ActionCatalogWrite, auth.Resource{Kind: "product", ID: cmd.ProductID}) {
		return Product{}, ErrCatalogForbidden
	}

	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return Product{}, fmt.Errorf("%w: name is required", ErrCatalogInvalidInput)
	}
	if cmd.Price <= 0 {
		return Product{}, fmt.Errorf("%w: price must be greater than zero", ErrCatalogInvalidInput)
	}
	if cmd.DiscountPct < 0 || cmd.DiscountPct > 100 {
		return Product{}, fmt.Errorf("%w: discount must be between 0 and 100", ErrCatalogInvalidInput)
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}

	slug := strings.TrimSpace(cmd.Slug)
	if slug == "" {
		slug = slugify(name)
	}
	if !s.slugPattern.MatchString(slug) {
		return Product{}, fmt.Errorf("%w: slug must contain lowercase letters, digits and hyphens only", ErrCatalogInvalidInput)
	}

	description := s.sanitizer.Sanitize(strings.TrimSpace(cmd.Description))
	now := s.now()

	product := domain.Product{
		ID:          strings.TrimSpace(cmd.ProductID),
		Name:        name,
		Slug:        slug,
		Description: description,
		Price:       cmd.Price,
		Currency:    currency,
		DiscountPct: cmd.DiscountPct,
		InStock:     cmd.InStock,
		Attributes:  textutil.NormalizeStringMap(cmd.Attributes),
		UpdatedAt:   now,
	}
	product.SearchKeywords = textutil.Keywords(name + " " + description)

	if product.ID == "" {
		product.ID = s.newID()
		product.CreatedAt = now
	} else {
		existing, err := s.repo.FindByID(ctx, product.ID)
		if err != nil {
			if !isRepoNotFound(err) {
				return Product{}, s.translateRepoError(err)
			}
			product.CreatedAt = now
		} else {
			product.CreatedAt = existing.CreatedAt
			product.Rating = existing.Rating
			product.SalesCount = existing.SalesCount
		}
	}

	// A bare file name expands to the canonical object key under the product;
	// a path with slashes is stored verbatim.
	imagePath := strings.TrimSpace(cmd.ImagePath)
	if imagePath != "" && !strings.Contains(imagePath, "/") {
		built, err := storage.BuildObjectPath(storage.PurposeProductImage, storage.PathParams{
			ProductID: product.ID,
			FileName:  imagePath,
		})
		if err != nil {
			return Product{}, fmt.Errorf("%w: %v", ErrCatalogInvalidInput, err)
		}
		imagePath = built
	}
	product.ImagePath = imagePath

	saved, err := s.repo.Upsert(ctx, product)
	if err != nil {
		return Product{}, s.translateRepoError(err)
	}

	s.logger(ctx, "catalog.product_upserted", map[string]any{
		"productId": saved.ID,
		"slug":      saved.Slug,
		"actor":     cmd.Actor.UID,
	})
	return saved, nil
}

func (s *catalogService) DeleteProduct(ctx context.Context, cmd DeleteProductCommand) error {
	if !auth.CanPerform(cmd.Actor, auth.ActionCatalogWrite, auth.Resource{Kind: "product", ID: cmd.ProductID}) {
		return ErrCatalogForbidden
	}
	id := strings.TrimSpace(cmd.ProductID)
	if id == "" {
		return ErrCatalogInvalidInput
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return s.translateRepoError(err)
	}
	s.logger(ctx, "catalog.product_deleted", map[string]any{
		"productId": id,
		"actor":     cmd.Actor.UID,
	})
	return nil
}

// ProductImageURL issues a short-lived signed download URL for the product's
// stored image.
func (s *catalogService) ProductImageURL(ctx context.Context, productID string) (string, error) {
	if s.signer == nil || s.bucket == "" {
		return "", ErrCatalogUnavailable
	}

	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(product.ImagePath) == "" {
		return "", fmt.Errorf("%w: product %s has no image", ErrCatalogNotFound, product.ID)
	}

	result, err := s.signer.SignDownload(ctx, s.bucket, product.ImagePath, storage.DownloadOptions{
		ExpiresIn:      s.urlExpiry,
		AllowAnonymous: true,
	})
	if err != nil {
		s.logger(ctx, "catalog.image_url_failed", map[string]any{
			"productId": product.ID,
			"error":     err.Error(),
		})
		return "", ErrCatalogUnavailable
	}
	return result.URL, nil
}

func slugify(name string) string {
	folded := textutil.FoldKeyword(name)
	var b strings.Builder
	lastHyphen := true
	for _, r := range folded {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func (s *catalogService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCatalogNotFound
		case repoErr.IsConflict():
			return fmt.Errorf("%w: conflicting write", ErrCatalogInvalidInput)
		case repoErr.IsUnavailable():
			return ErrCatalogUnavailable
		}
	}
	return ErrCatalogUnavailable
}
