package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/lumenshop/api/internal/domain"
)

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return "stub repository error" }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

type stubCartRepo struct {
	carts    map[string]domain.Cart
	getErr   error
	saveErr  error
	clearErr error
	saved    []domain.Cart
}

func newStubCartRepo() *stubCartRepo {
	return &stubCartRepo{carts: map[string]domain.Cart{}}
}

func (r *stubCartRepo) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if r.getErr != nil {
		return domain.Cart{}, r.getErr
	}
	cart, ok := r.carts[userID]
	if !ok {
		return domain.Cart{}, stubRepoError{notFound: true}
	}
	return cart, nil
}

func (r *stubCartRepo) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r.saveErr != nil {
		return domain.Cart{}, r.saveErr
	}
	r.carts[cart.UserID] = cart
	r.saved = append(r.saved, cart)
	return cart, nil
}

func (r *stubCartRepo) ReplaceLines(ctx context.Context, userID string, lines []domain.CartLine) (domain.Cart, error) {
	cart := r.carts[userID]
	cart.Lines = lines
	r.carts[userID] = cart
	return cart, nil
}

func (r *stubCartRepo) ClearLines(ctx context.Context, userID string) (domain.Cart, error) {
	if r.clearErr != nil {
		return domain.Cart{}, r.clearErr
	}
	cart, ok := r.carts[userID]
	if !ok {
		return domain.Cart{}, stubRepoError{notFound: true}
	}
	cart.Lines = []domain.CartLine{}
	r.carts[userID] = cart
	return cart, nil
}

type stubProductFinder struct {
	products map[string]domain.Product
	err      error
}

func (f *stubProductFinder) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if f.err != nil {
		return domain.Product{}, f.err
	}
	product, ok := f.products[productID]
	if !ok {
		return domain.Product{}, stubRepoError{notFound: true}
	}
	return product, nil
}

func (f *stubProductFinder) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if product, ok := f.products[id]; ok {
			out[id] = product
		}
	}
	return out, nil
}

func newTestCartService(t *testing.T, repo *stubCartRepo, products *stubProductFinder) CartService {
	t.Helper()
	svc, err := NewCartService(CartServiceDeps{
		Repository:      repo,
		Products:        products,
		Clock:           func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
		DefaultCurrency: "USD",
	})
	if err != nil {
		t.Fatalf("NewCartService returned error: %v", err)
	}
	return svc
}

func TestGetCartReturnsEmptyCartWhenMissing(t *testing.T) {
	svc := newTestCartService(t, newStubCartRepo(), &stubProductFinder{})

	cart, err := svc.GetCart(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetCart returned error: %v", err)
	}
	if cart.UserID != "user-1" || cart.ID != "user-1" {
		t.Fatalf("unexpected cart identity: %+v", cart)
	}
	if len(cart.Lines) != 0 {
		t.Fatalf("expected empty lines, got %d", len(cart.Lines))
	}
	if cart.Currency != "USD" {
		t.Fatalf("expected default currency, got %q", cart.Currency)
	}
}

func TestAddItemCreatesLineWithCatalogSnapshot(t *testing.T) {
	repo := newStubCartRepo()
	products := &stubProductFinder{products: map[string]domain.Product{
		"p1": {ID: "p1", Name: "Desk Lamp", Price: 2500, InStock: true, ImagePath: "catalog/products/p1/images/lamp.png"},
	}}
	svc := newTestCartService(t, repo, products)

	cart, err := svc.AddItem(context.Background(), AddCartItemCommand{UserID: "user-1", ProductID: "p1", Quantity: 2})
	if err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}

	if len(cart.Lines) != 1 {
		t.Fatalf("expected one line, got %d", len(cart.Lines))
	}
	line := cart.Lines[0]
	if line.Quantity != 2 || line.UnitPrice != 2500 || line.Name != "Desk Lamp" {
		t.Fatalf("unexpected line snapshot: %+v", line)
	}
	if len(repo.saved) != 1 {
		t.Fatalf("expected one persisted write, got %d", len(repo.saved))
	}
}

func TestAddItemSumsQuantityAndRefreshesSnapshot(t *testing.T) {
	repo := newStubCartRepo()
	repo.carts["user-1"] = domain.Cart{
		ID:     "user-1",
		UserID: "user-1",
		Lines: []domain.CartLine{
			{ProductID: "p1", Name: "Old Name", UnitPrice: 1000, Quantity: 1},
		},
	}
	products := &stubProductFinder{products: map[string]domain.Product{
		"p1": {ID: "p1", Name: "Desk Lamp", Price: 2500, InStock: true},
	}}
	svc := newTestCartService(t, repo, products)

	cart, err := svc.AddItem(context.Background(), AddCartItemCommand{UserID: "user-1", ProductID: "p1", Quantity: 3})
	if err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}

	line := cart.Lines[0]
	if line.Quantity != 4 {
		t.Fatalf("expected summed quantity 4, got %d", line.Quantity)
	}
	if line.UnitPrice != 2500 || line.Name != "Desk Lamp" {
		t.Fatalf("expected refreshed snapshot, got %+v", line)
	}
}

func TestAddItemRejectsOutOfStockProduct(t *testing.T) {
	repo := newStubCartRepo()
	products := &stubProductFinder{products: map[string]domain.Product{
		"p1": {ID: "p1", Name: "Desk Lamp", Price: 2500, InStock: false},
	}}
	svc := newTestCartService(t, repo, products)

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{UserID: "user-1", ProductID: "p1", Quantity: 1})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput, got %v", err)
	}
	if len(repo.saved) != 0 {
		t.Fatalf("expected no cart write, got %d", len(repo.saved))
	}
}

func TestAddItemUnknownProduct(t *testing.T) {
	svc := newTestCartService(t, newStubCartRepo(), &stubProductFinder{})

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{UserID: "user-1", ProductID: "missing", Quantity: 1})
	if !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got %v", err)
	}
}

func TestAddItemRejectsNonPositiveQuantity(t *testing.T) {
	svc := newTestCartService(t, newStubCartRepo(), &stubProductFinder{})

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{UserID: "user-1", ProductID: "p1", Quantity: 0})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput, got %v", err)
	}
}

func TestUpdateItemSetsQuantityAndRefreshesPrice(t *testing.T) {
	repo := newStubCartRepo()
	repo.carts["user-1"] = domain.Cart{
		ID:     "user-1",
		UserID: "user-1",
		Lines: []domain.CartLine{
			{ProductID: "p1", Name: "Desk Lamp", UnitPrice: 1000, Quantity: 5},
		},
	}
	products := &stubProductFinder{products: map[string]domain.Product{
		"p1": {ID: "p1", Name: "Desk Lamp", Price: 1200},
	}}
	svc := newTestCartService(t, repo, products)

	cart, err := svc.UpdateItem(context.Background(), UpdateCartItemCommand{UserID: "user-1", ProductID: "p1", Quantity: 2})
	if err != nil {
		t.Fatalf("UpdateItem returned error: %v", err)
	}
	line := cart.Lines[0]
	if line.Quantity != 2 {
		t.Fatalf("expected quantity 2, got %d", line.Quantity)
	}
	if line.UnitPrice != 1200 {
		t.Fatalf("expected refreshed unit price 1200, got %d", line.UnitPrice)
	}
}

func TestUpdateItemZeroQuantityRemovesLine(t *testing.T) {
	repo := newStubCartRepo()
	repo.carts["user-1"] = domain.Cart{
		ID:     "user-1",
		UserID: "user-1",
		Lines: []domain.CartLine{
			{ProductID: "p1", UnitPrice: 1000, Quantity: 5},
			{ProductID: "p2", UnitPrice: 500, Quantity: 1},
		},
	}
	svc := newTestCartService(t, repo, &stubProductFinder{})

	cart, err := svc.UpdateItem(context.Background(), UpdateCartItemCommand{UserID: "user-1", ProductID: "p1", Quantity: 0})
	if err != nil {
		t.Fatalf("UpdateItem returned error: %v", err)
	}
	if len(cart.Lines) != 1 || cart.Lines[0].ProductID != "p2" {
		t.Fatalf("expected only p2 to remain, got %+v", cart.Lines)
	}
}

func TestUpdateItemMissingLine(t *testing.T) {
	repo := newStubCartRepo()
	repo.carts["user-1"] = domain.Cart{ID: "user-1", UserID: "user-1"}
	svc := newTestCartService(t, repo, &stubProductFinder{})

	_, err := svc.UpdateItem(context.Background(), UpdateCartItemCommand{UserID: "user-1", ProductID: "p1", Quantity: 2})
	if !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got %v", err)
	}
}

func TestUpdateItemKeepsSnapshotWhenProductDelisted(t *testing.T) {
	repo := newStubCartRepo()
	repo.carts["user-1"] = domain.Cart{
		ID:     "user-1",
		UserID: "user-1",
		Lines: []domain.CartLine{
			{ProductID: "p1", Name: "Desk Lamp", UnitPrice: 1000, Quantity: 5},
		},
	}
	svc := newTestCartService(t, repo, &stubProductFinder{})

	cart, err := svc.UpdateItem(context.Background(), UpdateCartItemCommand{UserID: "user-1", ProductID: "p1", Quantity: 3})
	if err != nil {
		t.Fatalf("UpdateItem returned error: %v", err)
	}
	line := cart.Lines[0]
	if line.Quantity != 3 || line.UnitPrice != 1000 || line.Name != "Desk Lamp" {
		t.Fatalf("expected stored snapshot retained, got %+v", line)
	}
}

func TestRemoveItemIsIdempotent(t *testing.T) {
	repo := newStubCartRepo()
	repo.carts["user-1"] = domain.Cart{
		ID:     "user-1",
		UserID: "user-1",
		Lines: []domain.CartLine{
			{ProductID: "p1", UnitPrice: 1000, Quantity: 1},
		},
	}
	svc := newTestCartService(t, repo, &stubProductFinder{})

	cart, err := svc.RemoveItem(context.Background(), RemoveCartItemCommand{UserID: "user-1", ProductID: "p1"})
	if err != nil {
		t.Fatalf("RemoveItem returned error: %v", err)
	}
	if len(cart.Lines) != 0 {
		t.Fatalf("expected empty cart, got %+v", cart.Lines)
	}

	cart, err = svc.RemoveItem(context.Background(), RemoveCartItemCommand{UserID: "user-1", ProductID: "p1"})
	if err != nil {
		t.Fatalf("second RemoveItem returned error: %v", err)
	}
	if len(cart.Lines) != 0 {
		t.Fatalf("expected empty cart after repeat removal, got %+v", cart.Lines)
	}
}

func TestRemoveItemMissingCartReturnsEmptyCart(t *testing.T) {
	svc := newTestCartService(t, newStubCartRepo(), &stubProductFinder{})

	cart, err := svc.RemoveItem(context.Background(), RemoveCartItemCommand{UserID: "user-1", ProductID: "p1"})
	if err != nil {
		t.Fatalf("RemoveItem returned error: %v", err)
	}
	if len(cart.Lines) != 0 {
		t.Fatalf("expected empty cart, got %+v", cart.Lines)
	}
}

func TestClearCartMissingCartReturnsNotFound(t *testing.T) {
	svc := newTestCartService(t, newStubCartRepo(), &stubProductFinder{})

	err := svc.ClearCart(context.Background(), "user-1")
	if !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got %v", err)
	}
}

func TestAddItemCarriesReadRevisionToWrite(t *testing.T) {
	repo := newStubCartRepo()
	revision := time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC)
	repo.carts["user-1"] = domain.Cart{
		ID:       "user-1",
		UserID:   "user-1",
		Revision: revision,
		Lines: []domain.CartLine{
			{ProductID: "p1", Name: "Desk Lamp", UnitPrice: 1000, Quantity: 1},
		},
	}
	products := &stubProductFinder{products: map[string]domain.Product{
		"p1": {ID: "p1", Name: "Desk Lamp", Price: 1000, InStock: true},
	}}
	svc := newTestCartService(t, repo, products)

	if _, err := svc.AddItem(context.Background(), AddCartItemCommand{UserID: "user-1", ProductID: "p1", Quantity: 1}); err != nil {
		t.Fatalf("AddItem returned error: %v", err)
	}

	if len(repo.saved) != 1 {
		t.Fatalf("expected one persisted write, got %d", len(repo.saved))
	}
	if !repo.saved[0].Revision.Equal(revision) {
		t.Fatalf("expected write to carry read revision %v, got %v", revision, repo.saved[0].Revision)
	}
}

func TestAddItemConcurrentWriteSurfacesConflict(t *testing.T) {
	repo := newStubCartRepo()
	repo.saveErr = stubRepoError{conflict: true}
	products := &stubProductFinder{products: map[string]domain.Product{
		"p1": {ID: "p1", Name: "Desk Lamp", Price: 1000, InStock: true},
	}}
	svc := newTestCartService(t, repo, products)

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{UserID: "user-1", ProductID: "p1", Quantity: 1})
	if !errors.Is(err, ErrCartConflict) {
		t.Fatalf("expected ErrCartConflict, got %v", err)
	}
}

func TestCartServiceTranslatesRepositoryErrors(t *testing.T) {
	repo := newStubCartRepo()
	repo.getErr = stubRepoError{unavailable: true}
	svc := newTestCartService(t, repo, &stubProductFinder{products: map[string]domain.Product{
		"p1": {ID: "p1", Price: 100},
	}})

	_, err := svc.GetCart(context.Background(), "user-1")
	if !errors.Is(err, ErrCartUnavailable) {
		t.Fatalf("expected ErrCartUnavailable, got %v", err)
	}
}
