package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection          = "idempotency_keys"
	defaultTransactionAttempts = 5
	defaultDeleteBatch         = 100
)

// FirestoreOption customises the FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection holding idempotency entries.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.collection = name
		}
	}
}

// WithTransactionAttempts configures how often contended claims are retried.
func WithTransactionAttempts(attempts int) FirestoreOption {
	return func(store *FirestoreStore) {
		if attempts > 0 {
			store.attempts = attempts
		}
	}
}

// FirestoreStore implements Store on Google Cloud Firestore. Claims run in
// transactions so two racing requests cannot both see the key as fresh.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	attempts   int
}

// NewFirestoreStore constructs a Firestore-backed idempotency store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{
		client:     client,
		collection: defaultCollection,
		attempts:   defaultTransactionAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *FirestoreStore) ref(key string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(entryID(key))
}

func (s *FirestoreStore) maxAttempts() int {
	if s.attempts <= 0 {
		return 1
	}
	return s.attempts
}

// Begin claims the key, replaying or rejecting based on the stored entry.
func (s *FirestoreStore) Begin(ctx context.Context, key, digest string, now time.Time, ttl time.Duration) (Ticket, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.ref(key)

	var ticket Ticket
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			doc := docFromEntry(newInFlightEntry(key, digest, now, ttl))
			if err := tx.Set(ref, doc); err != nil {
				return err
			}
			ticket = Ticket{Result: BeginFresh, Entry: doc.toEntry()}
			return nil
		}

		var doc entryDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		entry := doc.toEntry()
		if entryExpired(entry, now) {
			// Retention lapsed; the key is free to claim again.
			doc = docFromEntry(newInFlightEntry(key, digest, now, ttl))
			if err := tx.Set(ref, doc); err != nil {
				return err
			}
			ticket = Ticket{Result: BeginFresh, Entry: doc.toEntry()}
			return nil
		}
		if entry.Digest != digest {
			return ErrDigestMismatch
		}

		if entry.State == StateDone {
			ticket = Ticket{Result: BeginReplay, Entry: entry}
		} else {
			ticket = Ticket{Result: BeginInFlight, Entry: entry}
		}
		return nil
	}, firestore.MaxAttempts(s.maxAttempts()))

	return ticket, err
}

// Complete stores the response for later replays.
func (s *FirestoreStore) Complete(ctx context.Context, key, digest string, resp CapturedResponse, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.ref(key)

	header := storableHeader(resp.Header)
	var body []byte
	if len(resp.Body) > 0 {
		body = append([]byte(nil), resp.Body...)
	}

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		var doc entryDoc
		switch {
		case err == nil:
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if doc.Digest != digest {
				return ErrDigestMismatch
			}
			if doc.FirstSeen.IsZero() {
				doc.FirstSeen = now
			}
		case status.Code(err) == codes.NotFound:
			doc = entryDoc{Key: key, Digest: digest, FirstSeen: now}
		default:
			return err
		}

		doc.State = string(StateDone)
		doc.HTTPStatus = resp.Status
		doc.Header = header
		doc.Body = body
		doc.LastWrite = now
		doc.ExpiresAt = now.Add(ttl)
		return tx.Set(ref, doc)
	}, firestore.MaxAttempts(s.maxAttempts()))
}

// Abandon drops the claim so a later attempt can retry.
func (s *FirestoreStore) Abandon(ctx context.Context, key, _ string) error {
	_, err := s.ref(key).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// DeleteExpired removes up to limit entries whose retention has lapsed.
func (s *FirestoreStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	if limit <= 0 {
		limit = defaultDeleteBatch
	}

	query := s.client.Collection(s.collection).Where("expires_at", "<=", now).Limit(limit)
	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	writer := s.client.BulkWriter(ctx)
	removed := 0
	for _, doc := range docs {
		if _, err := writer.Delete(doc.Ref); err != nil {
			writer.End()
			return removed, err
		}
		removed++
	}
	writer.End()
	return removed, nil
}

type entryDoc struct {
	Key        string              `firestore:"key"`
	Digest     string              `firestore:"digest"`
	State      string              `firestore:"state"`
	HTTPStatus int                 `firestore:"http_status"`
	Header     map[string][]string `firestore:"header"`
	Body       []byte              `firestore:"body"`
	FirstSeen  time.Time           `firestore:"first_seen"`
	LastWrite  time.Time           `firestore:"last_write"`
	ExpiresAt  time.Time           `firestore:"expires_at"`
}

func docFromEntry(entry Entry) entryDoc {
	return entryDoc{
		Key:        entry.Key,
		Digest:     entry.Digest,
		State:      string(entry.State),
		HTTPStatus: entry.HTTPStatus,
		Header:     entry.Header,
		Body:       entry.Body,
		FirstSeen:  entry.FirstSeen,
		LastWrite:  entry.LastWrite,
		ExpiresAt:  entry.ExpiresAt,
	}
}

func (d entryDoc) toEntry() Entry {
	return Entry{
		Key:        d.Key,
		Digest:     d.Digest,
		State:      State(d.State),
		HTTPStatus: d.HTTPStatus,
		Header:     d.Header,
		Body:       d.Body,
		FirstSeen:  d.FirstSeen,
		LastWrite:  d.LastWrite,
		ExpiresAt:  d.ExpiresAt,
	}
}
