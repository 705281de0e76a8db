package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/lumenshop/api/internal/domain"
	"github.com/lumenshop/api/internal/repositories"
)

var (
	errCartRepositoryRequired = errors.New("cart service: repository is required")
	errCartProductsRequired   = errors.New("cart service: product repository is required")
	errCartClockRequired      = errors.New("cart service: clock is required")
)

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartUnavailable indicates the cart service cannot fulfil the request due to missing dependencies or backend issues.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartNotFound indicates the referenced cart line or product does not exist.
var ErrCartNotFound = errors.New("cart service: not found")

// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
var ErrCartConflict = errors.New("cart service: conflict")

type productFinder interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
}

// CartServiceDeps wires the repository and catalog dependencies for cart operations.
type CartServiceDeps struct {
	Repository      repositories.CartRepository
	Products        productFinder
	Clock           func() time.Time
	DefaultCurrency string
	Logger          func(context.Context, string, map[string]any)
}

type cartService struct {
	repo     repositories.CartRepository
	products productFinder
	now      func() time.Time
	currency string
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Products == nil {
		return nil, errCartProductsRequired
	}
	if deps.Clock == nil {
		return nil, errCartClockRequired
	}

	defaultCurrency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		repo:     deps.Repository,
		products: deps.Products,
		now:      func() time.Time { return deps.Clock().UTC() },
		currency: defaultCurrency,
		logger:   logger,
	}, nil
}

// GetCart loads the cart for the user. A user without a stored cart gets an
// empty one; callers never see a missing-cart error.
func (s *cartService) GetCart(ctx context.Context, userID string) (Cart, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return Cart{}, ErrCartInvalidInput
	}

	cart, err := s.repo.GetCart(ctx, uid)
	if err != nil {
		if isRepoNotFound(err) {
			return s.emptyCart(uid), nil
		}
		return Cart{}, s.translateRepoError(err)
	}
	return s.normaliseCart(cart, uid), nil
}

// AddItem adds a product to the cart, summing quantities when the product is
// already present. The product must exist and be in stock. The line snapshot
// (name, price, image) is refreshed from the catalog on every call.
func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return Cart{}, ErrCartInvalidInput
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product_id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be greater than zero", ErrCartInvalidInput)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, fmt.Errorf("%w: product %s", ErrCartNotFound, productID)
		}
		return Cart{}, s.translateRepoError(err)
	}
	if !product.InStock {
		return Cart{}, fmt.Errorf("%w: product %s is out of stock", ErrCartInvalidInput, productID)
	}

	cart, err := s.loadOrNewCart(ctx, uid)
	if err != nil {
		return Cart{}, err
	}

	lines := cloneCartLines(cart.Lines)
	idx := indexOfCartLine(lines, productID)
	if idx >= 0 {
		lines[idx].Quantity += cmd.Quantity
		lines[idx] = refreshLineSnapshot(lines[idx], product)
	} else {
		lines = append(lines, domain.CartLine{
			ProductID: product.ID,
			Name:      product.Name,
			UnitPrice: product.Price,
			Quantity:  cmd.Quantity,
			ImagePath: product.ImagePath,
		})
	}

	return s.saveLines(ctx, cart, uid, lines)
}

// UpdateItem sets the absolute quantity of a cart line, refreshing its price
// snapshot. A quantity of zero or less removes the line.
func (s *cartService) UpdateItem(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return Cart{}, ErrCartInvalidInput
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product_id is required", ErrCartInvalidInput)
	}

	cart, err := s.loadOrNewCart(ctx, uid)
	if err != nil {
		return Cart{}, err
	}

	lines := cloneCartLines(cart.Lines)
	idx := indexOfCartLine(lines, productID)
	if idx < 0 {
		return Cart{}, fmt.Errorf("%w: product %s is not in the cart", ErrCartNotFound, productID)
	}

	if cmd.Quantity <= 0 {
		lines = append(lines[:idx], lines[idx+1:]...)
		return s.saveLines(ctx, cart, uid, lines)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			// Product was removed from the catalog; keep the stored snapshot.
			lines[idx].Quantity = cmd.Quantity
			return s.saveLines(ctx, cart, uid, lines)
		}
		return Cart{}, s.translateRepoError(err)
	}

	lines[idx].Quantity = cmd.Quantity
	lines[idx] = refreshLineSnapshot(lines[idx], product)
	return s.saveLines(ctx, cart, uid, lines)
}

// RemoveItem deletes a line from the cart. Removing an absent product is a
// no-op, not an error.
func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return Cart{}, ErrCartInvalidInput
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product_id is required", ErrCartInvalidInput)
	}

	cart, err := s.repo.GetCart(ctx, uid)
	if err != nil {
		if isRepoNotFound(err) {
			return s.emptyCart(uid), nil
		}
		return Cart{}, s.translateRepoError(err)
	}
	cart = s.normaliseCart(cart, uid)

	lines := cloneCartLines(cart.Lines)
	idx := indexOfCartLine(lines, productID)
	if idx < 0 {
		return cart, nil
	}

	lines = append(lines[:idx], lines[idx+1:]...)
	return s.saveLines(ctx, cart, uid, lines)
}

// ClearCart empties the cart, leaving the document in place. Clearing a cart
// that was never stored is a not-found error.
func (s *cartService) ClearCart(ctx context.Context, userID string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return ErrCartInvalidInput
	}

	if _, err := s.repo.ClearLines(ctx, uid); err != nil {
		return s.translateRepoError(err)
	}
	return nil
}

func (s *cartService) loadOrNewCart(ctx context.Context, userID string) (domain.Cart, error) {
	cart, err := s.repo.GetCart(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return s.emptyCart(userID), nil
		}
		return domain.Cart{}, s.translateRepoError(err)
	}
	return s.normaliseCart(cart, userID), nil
}

func (s *cartService) saveLines(ctx context.Context, cart domain.Cart, userID string, lines []domain.CartLine) (Cart, error) {
	now := s.now()
	cart.Lines = lines
	cart.UpdatedAt = now
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}

	saved, err := s.repo.UpsertCart(ctx, cart)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	return s.normaliseCart(saved, userID), nil
}

func (s *cartService) emptyCart(userID string) domain.Cart {
	now := s.now()
	return domain.Cart{
		ID:        userID,
		UserID:    userID,
		Currency:  s.currency,
		Lines:     []domain.CartLine{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *cartService) normaliseCart(cart domain.Cart, userID string) domain.Cart {
	if cart.ID = strings.TrimSpace(cart.ID); cart.ID == "" {
		cart.ID = userID
	}
	cart.UserID = strings.TrimSpace(firstNonEmpty(cart.UserID, userID))
	cart.Currency = strings.ToUpper(strings.TrimSpace(firstNonEmpty(cart.Currency, s.currency)))
	if cart.Lines == nil {
		cart.Lines = []domain.CartLine{}
	}
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = s.now()
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = s.now()
	}
	return cart
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCartNotFound
		case repoErr.IsConflict():
			return ErrCartConflict
		case repoErr.IsUnavailable():
			return ErrCartUnavailable
		}
	}
	return ErrCartUnavailable
}

func refreshLineSnapshot(line domain.CartLine, product domain.Product) domain.CartLine {
	line.Name = product.Name
	line.UnitPrice = product.Price
	line.ImagePath = product.ImagePath
	return line
}

func cloneCartLines(lines []domain.CartLine) []domain.CartLine {
	if len(lines) == 0 {
		return []domain.CartLine{}
	}
	dup := make([]domain.CartLine, len(lines))
	copy(dup, lines)
	return dup
}

func indexOfCartLine(lines []domain.CartLine, productID string) int {
	target := strings.TrimSpace(productID)
	if target == "" {
		return -1
	}
	for i, line := range lines {
		if strings.EqualFold(strings.TrimSpace(line.ProductID), target) {
			return i
		}
	}
	return -1
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}
