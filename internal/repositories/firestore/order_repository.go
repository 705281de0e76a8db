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

const ordersCollection = "orders"

type orderLineDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
	ImagePath string `firestore:"imagePath,omitempty"`
}

type shippingAddressDocument struct {
	Address    string `firestore:"address"`
	City       string `firestore:"city"`
	PostalCode string `firestore:"postalCode,omitempty"`
	Country    string `firestore:"country"`
}

type orderTotalsDocument struct {
	ItemsPrice    int64 `firestore:"itemsPrice"`
	ShippingPrice int64 `firestore:"shippingPrice"`
	TaxPrice      int64 `firestore:"taxPrice"`
	TotalPrice    int64 `firestore:"totalPrice"`
}

type paymentResultDocument struct {
	TransactionID string    `firestore:"transactionId"`
	Status        string    `firestore:"status"`
	UpdateTime    time.Time `firestore:"updateTime"`
	ReceiptEmail  string    `firestore:"receiptEmail,omitempty"`
}

type orderDocument struct {
	OrderNumber     string                  `firestore:"orderNumber"`
	UserID          string                  `firestore:"userId"`
	Lines           []orderLineDocument     `firestore:"lines"`
	ShippingAddress shippingAddressDocument `firestore:"shippingAddress"`
	Totals          orderTotalsDocument     `firestore:"totals"`
	Currency        string                  `firestore:"currency"`
	PaymentMethod   string                  `firestore:"paymentMethod"`
	PaymentStatus   string                  `firestore:"paymentStatus"`
	IsPaid          bool                    `firestore:"isPaid"`
	PaidAt          *time.Time              `firestore:"paidAt,omitempty"`
	IsDelivered     bool                    `firestore:"isDelivered"`
	DeliveredAt     *time.Time              `firestore:"deliveredAt,omitempty"`
	Status          string                  `firestore:"status"`
	PaymentIntentID string                  `firestore:"paymentIntentId,omitempty"`
	PaymentResult   *paymentResultDocument  `firestore:"paymentResult,omitempty"`
	CreatedAt       time.Time               `firestore:"createdAt"`
	UpdatedAt       time.Time               `firestore:"updatedAt"`
}

// OrderRepository persists order documents.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{base: base}, nil
}

// Insert stores a new order. The id must be unique. When a transaction is
// carried on the context the write joins it.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}

	ref, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	doc := encodeOrderDocument(order)

	if tx, ok := txFrom(ctx); ok {
		if err := tx.Create(ref, doc); err != nil {
			return pfirestore.WrapError("orders.insert", err)
		}
		return nil
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update replaces the persisted order state with the provided snapshot.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	_, err := r.base.Set(ctx, orderID, encodeOrderDocument(order))
	return err
}

// Delete removes the order document.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	ref, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("orders.delete", err)
	}
	return nil
}

// FindByID fetches a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrderDocument(orderID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// FindByPaymentIntentID resolves the order carrying the given payment intent.
func (r *OrderRepository) FindByPaymentIntentID(ctx context.Context, intentID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return domain.Order{}, errors.New("order repository: payment intent id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentIntentId", "==", intentID).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.find_by_intent", status.Error(codes.NotFound, "order not found"))
	}
	doc := docs[0]
	return decodeOrderDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// List returns a page of orders ordered by creation time.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	direction := firestore.Asc
	if filter.SortOrder == domain.SortDesc {
		direction = firestore.Desc
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("order repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	userID := strings.TrimSpace(filter.UserID)
	statuses := make([]string, 0, len(filter.Status))
	for _, s := range filter.Status {
		if trimmed := strings.TrimSpace(string(s)); trimmed != "" {
			statuses = append(statuses, trimmed)
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if userID != "" {
			q = q.Where("userId", "==", userID)
		}
		if len(statuses) == 1 {
			q = q.Where("status", "==", statuses[0])
		} else if len(statuses) > 1 {
			// Firestore in clause supports up to 10 values.
			if len(statuses) > 10 {
				statuses = statuses[:10]
			}
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", direction).OrderBy(firestore.DocumentID, direction)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
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

	items := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeOrderDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
	}

	return domain.CursorPage[domain.Order]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

func encodeOrderDocument(order domain.Order) orderDocument {
	createdAt := order.CreatedAt.UTC()
	updatedAt := order.UpdatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	lines := make([]orderLineDocument, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, orderLineDocument{
			ProductID: strings.TrimSpace(line.ProductID),
			Name:      strings.TrimSpace(line.Name),
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			ImagePath: strings.TrimSpace(line.ImagePath),
		})
	}

	doc := orderDocument{
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		UserID:      strings.TrimSpace(order.UserID),
		Lines:       lines,
		ShippingAddress: shippingAddressDocument{
			Address:    strings.TrimSpace(order.ShippingAddress.Address),
			City:       strings.TrimSpace(order.ShippingAddress.City),
			PostalCode: strings.TrimSpace(order.ShippingAddress.PostalCode),
			Country:    strings.TrimSpace(order.ShippingAddress.Country),
		},
		Totals: orderTotalsDocument{
			ItemsPrice:    order.Totals.ItemsPrice,
			ShippingPrice: order.Totals.ShippingPrice,
			TaxPrice:      order.Totals.TaxPrice,
			TotalPrice:    order.Totals.TotalPrice,
		},
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		PaymentMethod:   strings.TrimSpace(order.PaymentMethod),
		PaymentStatus:   string(order.PaymentStatus),
		IsPaid:          order.IsPaid,
		PaidAt:          normalizeTimePointer(order.PaidAt),
		IsDelivered:     order.IsDelivered,
		DeliveredAt:     normalizeTimePointer(order.DeliveredAt),
		Status:          string(order.Status),
		PaymentIntentID: strings.TrimSpace(order.PaymentIntentID),
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
	if order.PaymentResult != nil {
		doc.PaymentResult = &paymentResultDocument{
			TransactionID: strings.TrimSpace(order.PaymentResult.TransactionID),
			Status:        strings.TrimSpace(order.PaymentResult.Status),
			UpdateTime:    order.PaymentResult.UpdateTime.UTC(),
			ReceiptEmail:  strings.TrimSpace(order.PaymentResult.ReceiptEmail),
		}
	}
	return doc
}

func decodeOrderDocument(id string, doc orderDocument, createdAt, updatedAt time.Time) domain.Order {
	lines := make([]domain.OrderLine, 0, len(doc.Lines))
	for _, line := range doc.Lines {
		lines = append(lines, domain.OrderLine{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			ImagePath: line.ImagePath,
		})
	}

	order := domain.Order{
		ID:          strings.TrimSpace(id),
		OrderNumber: strings.TrimSpace(doc.OrderNumber),
		UserID:      strings.TrimSpace(doc.UserID),
		Lines:       lines,
		ShippingAddress: domain.ShippingAddress{
			Address:    doc.ShippingAddress.Address,
			City:       doc.ShippingAddress.City,
			PostalCode: doc.ShippingAddress.PostalCode,
			Country:    doc.ShippingAddress.Country,
		},
		Totals: domain.CheckoutTotals{
			ItemsPrice:    doc.Totals.ItemsPrice,
			ShippingPrice: doc.Totals.ShippingPrice,
			TaxPrice:      doc.Totals.TaxPrice,
			TotalPrice:    doc.Totals.TotalPrice,
		},
		Currency:        strings.ToUpper(strings.TrimSpace(doc.Currency)),
		PaymentMethod:   strings.TrimSpace(doc.PaymentMethod),
		PaymentStatus:   domain.PaymentStatus(doc.PaymentStatus),
		IsPaid:          doc.IsPaid,
		PaidAt:          normalizeTimePointer(doc.PaidAt),
		IsDelivered:     doc.IsDelivered,
		DeliveredAt:     normalizeTimePointer(doc.DeliveredAt),
		Status:          domain.OrderStatus(doc.Status),
		PaymentIntentID: strings.TrimSpace(doc.PaymentIntentID),
		CreatedAt:       chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt:       chooseTime(doc.UpdatedAt, updatedAt),
	}
	if doc.PaymentResult != nil {
		order.PaymentResult = &domain.PaymentResult{
			TransactionID: doc.PaymentResult.TransactionID,
			Status:        doc.PaymentResult.Status,
			UpdateTime:    doc.PaymentResult.UpdateTime,
			ReceiptEmail:  doc.PaymentResult.ReceiptEmail,
		}
	}
	return order
}
