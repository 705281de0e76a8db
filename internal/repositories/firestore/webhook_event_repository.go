package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/lumenshop/api/internal/domain"
	pfirestore "github.com/lumenshop/api/internal/platform/firestore"
	"github.com/lumenshop/api/internal/repositories"
)

const webhookEventsCollection = "webhookEvents"

type webhookEventDocument struct {
	IntentID      string     `firestore:"intentId,omitempty"`
	Type          string     `firestore:"type"`
	Status        string     `firestore:"status"`
	TransactionID string     `firestore:"transactionId,omitempty"`
	OutcomeStatus string     `firestore:"outcomeStatus,omitempty"`
	ReceiptEmail  string     `firestore:"receiptEmail,omitempty"`
	ReceivedAt    time.Time  `firestore:"receivedAt"`
	AppliedAt     *time.Time `firestore:"appliedAt,omitempty"`
}

// WebhookEventRepository is the Firestore-backed ledger of received payment
// provider events. The document id is the provider's event id, which makes
// redelivery dedup a create-precondition check.
type WebhookEventRepository struct {
	base *pfirestore.BaseRepository[webhookEventDocument]
}

var _ repositories.WebhookEventRepository = (*WebhookEventRepository)(nil)

// NewWebhookEventRepository constructs a Firestore-backed webhook event ledger.
func NewWebhookEventRepository(provider *pfirestore.Provider) (*WebhookEventRepository, error) {
	if provider == nil {
		return nil, errors.New("webhook event repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[webhookEventDocument](provider, webhookEventsCollection, nil, nil)
	return &WebhookEventRepository{base: base}, nil
}

// Record persists the event unless its id was seen before. Returns false when
// the event id already exists.
func (r *WebhookEventRepository) Record(ctx context.Context, record domain.WebhookEventRecord) (bool, error) {
	if r == nil || r.base == nil {
		return false, errors.New("webhook event repository not initialised")
	}
	eventID := strings.TrimSpace(record.EventID)
	if eventID == "" {
		return false, errors.New("webhook event repository: event id is required")
	}

	ref, err := r.base.DocumentRef(ctx, eventID)
	if err != nil {
		return false, err
	}
	doc := encodeWebhookEventDocument(record)
	if _, err := ref.Create(ctx, doc); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return false, nil
		}
		return false, pfirestore.WrapError("webhook_events.record", err)
	}
	return true, nil
}

// FindUnmatchedByIntent returns the most recent unmatched event carrying the
// given payment intent id.
func (r *WebhookEventRepository) FindUnmatchedByIntent(ctx context.Context, intentID string) (domain.WebhookEventRecord, error) {
	if r == nil || r.base == nil {
		return domain.WebhookEventRecord{}, errors.New("webhook event repository not initialised")
	}
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return domain.WebhookEventRecord{}, errors.New("webhook event repository: intent id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.
			Where("intentId", "==", intentID).
			Where("status", "==", string(domain.WebhookEventUnmatched)).
			OrderBy("receivedAt", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return domain.WebhookEventRecord{}, err
	}
	if len(docs) == 0 {
		return domain.WebhookEventRecord{}, pfirestore.WrapError("webhook_events.find_unmatched", status.Error(codes.NotFound, "no unmatched event"))
	}
	doc := docs[0]
	return decodeWebhookEventDocument(doc.ID, doc.Data), nil
}

// MarkApplied transitions a ledger entry to applied.
func (r *WebhookEventRepository) MarkApplied(ctx context.Context, eventID string, appliedAt time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("webhook event repository not initialised")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return errors.New("webhook event repository: event id is required")
	}

	appliedAt = appliedAt.UTC()
	updates := []firestore.Update{
		{Path: "status", Value: string(domain.WebhookEventApplied)},
		{Path: "appliedAt", Value: appliedAt},
	}
	if _, err := r.base.Update(ctx, eventID, updates); err != nil {
		return err
	}
	return nil
}

func encodeWebhookEventDocument(record domain.WebhookEventRecord) webhookEventDocument {
	receivedAt := record.ReceivedAt.UTC()
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	return webhookEventDocument{
		IntentID:      strings.TrimSpace(record.IntentID),
		Type:          strings.TrimSpace(record.Type),
		Status:        string(record.Status),
		TransactionID: strings.TrimSpace(record.TransactionID),
		OutcomeStatus: strings.TrimSpace(record.OutcomeStatus),
		ReceiptEmail:  strings.TrimSpace(record.ReceiptEmail),
		ReceivedAt:    receivedAt,
		AppliedAt:     normalizeTimePointer(record.AppliedAt),
	}
}

func decodeWebhookEventDocument(id string, doc webhookEventDocument) domain.WebhookEventRecord {
	return domain.WebhookEventRecord{
		EventID:       strings.TrimSpace(id),
		IntentID:      doc.IntentID,
		Type:          doc.Type,
		Status:        domain.WebhookEventStatus(doc.Status),
		TransactionID: doc.TransactionID,
		OutcomeStatus: doc.OutcomeStatus,
		ReceiptEmail:  doc.ReceiptEmail,
		ReceivedAt:    doc.ReceivedAt,
		AppliedAt:     normalizeTimePointer(doc.AppliedAt),
	}
}
