package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type constructEventFunc func(payload []byte, header, secret string) (stripe.Event, error)

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time

	// Test seams. When nil the real Stripe client and webhook verifier are used.
	Intents        stripePaymentIntentAPI
	ConstructEvent constructEventFunc
}

// StripeProvider implements the Provider interface using Stripe APIs.
type StripeProvider struct {
	intents       stripePaymentIntentAPI
	webhookSecret string
	construct     constructEventFunc
	clock         func() time.Time
	logger        StripeLogger
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	intents := cfg.Intents
	if intents == nil {
		sc := client.New(apiKey, cfg.Backends)
		intents = sc.PaymentIntents
	}

	construct := cfg.ConstructEvent
	if construct == nil {
		construct = webhook.ConstructEvent
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		intents:       intents,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		construct:     construct,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreatePaymentIntent opens a Stripe Payment Intent and returns its client secret.
func (p *StripeProvider) CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 {
		return Intent{}, errors.New("stripe: amount must be greater than zero")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if email := strings.TrimSpace(req.ReceiptEmail); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}

	params.Metadata = make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}
	if uid := strings.TrimSpace(req.UserID); uid != "" {
		params.Metadata["userId"] = uid
	}

	intent, err := p.intents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: create payment intent: %v", ErrProviderUnavailable, err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})

	return stripeIntent(intent), nil
}

// VerifyWebhook validates the Stripe signature over the raw payload and
// normalises the event.
func (p *StripeProvider) VerifyWebhook(payload []byte, signature string) (Event, error) {
	if p == nil {
		return Event{}, errors.New("stripe: provider is nil")
	}

	event, err := p.construct(payload, signature, p.webhookSecret)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}

	occurredAt := p.clock()
	if event.Created != 0 {
		occurredAt = time.Unix(event.Created, 0).UTC()
	}

	out := Event{
		ID:         event.ID,
		Type:       EventIgnored,
		OccurredAt: occurredAt,
	}

	switch event.Type {
	case "payment_intent.succeeded":
		out.Type = EventPaymentSucceeded
		out.Status = StatusSucceeded
	case "payment_intent.payment_failed":
		out.Type = EventPaymentFailed
		out.Status = StatusFailed
	default:
		return out, nil
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return Event{}, fmt.Errorf("stripe: decode webhook payment intent: %w", err)
	}

	out.IntentID = intent.ID
	out.Amount = intent.Amount
	out.Currency = strings.ToUpper(string(intent.Currency))
	out.ReceiptEmail = intent.ReceiptEmail
	if charge := intent.LatestCharge; charge != nil {
		out.TransactionID = charge.ID
		if out.ReceiptEmail == "" {
			out.ReceiptEmail = charge.ReceiptEmail
		}
	}
	if out.TransactionID == "" {
		out.TransactionID = intent.ID
	}

	return out, nil
}

// LookupIntent retrieves a Stripe Payment Intent for reconciliation.
func (p *StripeProvider) LookupIntent(ctx context.Context, intentID string) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := p.intents.Get(intentID, params)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: lookup payment intent: %v", ErrProviderUnavailable, err)
	}
	return stripeIntent(intent), nil
}

func stripeIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}

	return Intent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
		Status:       status,
	}
}
