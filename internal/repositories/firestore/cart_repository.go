package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/lumenshop/api/internal/domain"
	pfirestore "github.com/lumenshop/api/internal/platform/firestore"
	"github.com/lumenshop/api/internal/repositories"
)

const cartsCollection = "carts"

type cartLineDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
	ImagePath string `firestore:"imagePath,omitempty"`
}

type cartDocument struct {
	UserID    string             `firestore:"userId"`
	Currency  string             `firestore:"currency"`
	Lines     []cartLineDocument `firestore:"lines"`
	CreatedAt time.Time          `firestore:"createdAt"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

// CartRepository persists carts keyed by the owning user id.
type CartRepository struct {
	base *pfirestore.BaseRepository[cartDocument]
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection, nil, nil)
	return &CartRepository{base: base}, nil
}

// UpsertCart writes the cart document. A cart read from storage carries its
// revision back here; the write then requires the document to be unchanged
// since that read, so concurrent read-modify-write cycles surface as conflict
// errors instead of silently losing lines. A zero revision means the cart was
// never stored and the write must create the document. When a transaction is
// carried on the context the write joins it and the transaction provides the
// isolation instead.
func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	userID := strings.TrimSpace(cart.UserID)
	if userID == "" {
		userID = strings.TrimSpace(cart.ID)
	}
	if userID == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc := encodeCartDocument(cart)
	ref, err := r.base.DocumentRef(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}

	if tx, ok := txFrom(ctx); ok {
		if err := tx.Set(ref, doc); err != nil {
			return domain.Cart{}, pfirestore.WrapError("carts.upsert", err)
		}
		saved := decodeCartDocument(userID, doc, doc.CreatedAt, doc.UpdatedAt)
		return saved, nil
	}

	if cart.Revision.IsZero() {
		result, err := ref.Create(ctx, doc)
		if err != nil {
			return domain.Cart{}, pfirestore.WrapError("carts.create", err)
		}
		saved := decodeCartDocument(userID, doc, doc.CreatedAt, result.UpdateTime)
		saved.Revision = result.UpdateTime
		return saved, nil
	}

	result, err := ref.Update(ctx, []firestore.Update{
		{Path: "userId", Value: doc.UserID},
		{Path: "currency", Value: doc.Currency},
		{Path: "lines", Value: doc.Lines},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	}, firestore.LastUpdateTime(cart.Revision))
	if err != nil {
		return domain.Cart{}, pfirestore.WrapError("carts.upsert", err)
	}
	saved := decodeCartDocument(userID, doc, doc.CreatedAt, result.UpdateTime)
	saved.Revision = result.UpdateTime
	return saved, nil
}

// GetCart fetches the cart for the user. Missing documents surface as a
// not-found repository error.
func (r *CartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}
	doc, err := r.base.Get(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}
	cart := decodeCartDocument(userID, doc.Data, doc.CreateTime, doc.UpdateTime)
	cart.Revision = doc.UpdateTime
	return cart, nil
}

// ReplaceLines swaps the line set without touching the rest of the document.
func (r *CartRepository) ReplaceLines(ctx context.Context, userID string, lines []domain.CartLine) (domain.Cart, error) {
	return r.writeLines(ctx, userID, lines, "carts.replace_lines")
}

// ClearLines empties the cart while keeping the document in place. Clearing a
// cart that was never stored surfaces as a not-found error.
func (r *CartRepository) ClearLines(ctx context.Context, userID string) (domain.Cart, error) {
	return r.writeLines(ctx, userID, nil, "carts.clear_lines")
}

func (r *CartRepository) writeLines(ctx context.Context, userID string, lines []domain.CartLine, op string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	now := time.Now().UTC()
	updates := []firestore.Update{
		{Path: "lines", Value: encodeCartLines(lines)},
		{Path: "updatedAt", Value: now},
	}

	ref, err := r.base.DocumentRef(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}

	if tx, ok := txFrom(ctx); ok {
		if err := tx.Update(ref, updates); err != nil {
			return domain.Cart{}, pfirestore.WrapError(op, err)
		}
		return domain.Cart{ID: userID, UserID: userID, Lines: fromCartLineDocuments(encodeCartLines(lines)), UpdatedAt: now}, nil
	}

	// Update requires the document to exist, so a never-stored cart comes
	// back as not found.
	if _, err := ref.Update(ctx, updates); err != nil {
		return domain.Cart{}, pfirestore.WrapError(op, err)
	}
	return r.GetCart(ctx, userID)
}

func encodeCartDocument(cart domain.Cart) cartDocument {
	createdAt := cart.CreatedAt.UTC()
	updatedAt := cart.UpdatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	userID := strings.TrimSpace(cart.UserID)
	if userID == "" {
		userID = strings.TrimSpace(cart.ID)
	}
	return cartDocument{
		UserID:    userID,
		Currency:  strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Lines:     encodeCartLines(cart.Lines),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

func encodeCartLines(lines []domain.CartLine) []cartLineDocument {
	docs := make([]cartLineDocument, 0, len(lines))
	for _, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			continue
		}
		docs = append(docs, cartLineDocument{
			ProductID: productID,
			Name:      strings.TrimSpace(line.Name),
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			ImagePath: strings.TrimSpace(line.ImagePath),
		})
	}
	return docs
}

func fromCartLineDocuments(docs []cartLineDocument) []domain.CartLine {
	lines := make([]domain.CartLine, 0, len(docs))
	for _, doc := range docs {
		lines = append(lines, domain.CartLine{
			ProductID: doc.ProductID,
			Name:      doc.Name,
			UnitPrice: doc.UnitPrice,
			Quantity:  doc.Quantity,
			ImagePath: doc.ImagePath,
		})
	}
	return lines
}

func decodeCartDocument(id string, doc cartDocument, createdAt, updatedAt time.Time) domain.Cart {
	userID := strings.TrimSpace(doc.UserID)
	if userID == "" {
		userID = strings.TrimSpace(id)
	}
	return domain.Cart{
		ID:        strings.TrimSpace(id),
		UserID:    userID,
		Currency:  strings.ToUpper(strings.TrimSpace(doc.Currency)),
		Lines:     fromCartLineDocuments(doc.Lines),
		CreatedAt: chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt: chooseTime(doc.UpdatedAt, updatedAt),
	}
}
