package payments

import (
	"context"
	"errors"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
)

// Normalised webhook event kinds. Providers map their native event names onto
// these; anything else surfaces as EventIgnored.
type EventType string

const (
	EventPaymentSucceeded EventType = "payment_intent.succeeded"
	EventPaymentFailed    EventType = "payment_intent.payment_failed"
	EventIgnored          EventType = "ignored"
)

// ErrSignatureVerification is returned when a webhook payload fails signature
// checks. It must never be treated as a transient error.
var ErrSignatureVerification = errors.New("payments: webhook signature verification failed")

// ErrProviderUnavailable is returned when the PSP rejects or cannot serve a request.
var ErrProviderUnavailable = errors.New("payments: provider unavailable")

// IntentRequest captures the payload required to open a payment intent.
type IntentRequest struct {
	Amount         int64
	Currency       string
	UserID         string
	ReceiptEmail   string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent is the provider-side handle the client confirms against.
type Intent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       Status
}

// Event is a verified, normalised webhook notification.
type Event struct {
	ID            string
	Type          EventType
	IntentID      string
	TransactionID string
	Status        Status
	Amount        int64
	Currency      string
	ReceiptEmail  string
	OccurredAt    time.Time
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error)
	// VerifyWebhook checks the signature over the exact payload bytes and
	// parses the event. Callers must not decode or re-serialise the body
	// before handing it over.
	VerifyWebhook(payload []byte, signature string) (Event, error)
	LookupIntent(ctx context.Context, intentID string) (Intent, error)
}
