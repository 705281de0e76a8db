package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/lumenshop/api/internal/domain"
	"github.com/lumenshop/api/internal/payments"
	"github.com/lumenshop/api/internal/repositories"
)

var (
	errPaymentProviderRequired   = errors.New("payment service: provider is required")
	errPaymentCartsRequired      = errors.New("payment service: cart repository is required")
	errPaymentOrdersRequired     = errors.New("payment service: order repository is required")
	errPaymentEventsRequired     = errors.New("payment service: webhook event repository is required")
	errPaymentCalculatorRequired = errors.New("payment service: checkout calculator is required")
	errPaymentClockRequired      = errors.New("payment service: clock is required")
)

// ErrPaymentInvalidInput indicates the caller supplied invalid input.
var ErrPaymentInvalidInput = errors.New("payment service: invalid input")

// ErrPaymentSignature indicates a webhook payload failed signature verification.
var ErrPaymentSignature = errors.New("payment service: signature verification failed")

// ErrPaymentProvider indicates the payment provider rejected or could not serve a request.
var ErrPaymentProvider = errors.New("payment service: provider error")

// ErrPaymentUnavailable indicates a backend failure unrelated to the provider.
var ErrPaymentUnavailable = errors.New("payment service: unavailable")

// PaymentServiceDeps wires the PSP adapter, persistence and eventing for
// payment flows.
type PaymentServiceDeps struct {
	Provider      payments.Provider
	Carts         repositories.CartRepository
	Orders        repositories.OrderRepository
	WebhookEvents repositories.WebhookEventRepository
	Calculator    CheckoutCalculator
	Publisher     OrderEventPublisher
	Clock         func() time.Time
	Currency      string
	Logger        func(context.Context, string, map[string]any)
}

type paymentService struct {
	provider   payments.Provider
	carts      repositories.CartRepository
	orders     repositories.OrderRepository
	events     repositories.WebhookEventRepository
	calculator CheckoutCalculator
	publisher  OrderEventPublisher
	now        func() time.Time
	currency   string
	logger     func(context.Context, string, map[string]any)
}

// NewPaymentService constructs a PaymentService enforcing dependency validation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Provider == nil {
		return nil, errPaymentProviderRequired
	}
	if deps.Carts == nil {
		return nil, errPaymentCartsRequired
	}
	if deps.Orders == nil {
		return nil, errPaymentOrdersRequired
	}
	if deps.WebhookEvents == nil {
		return nil, errPaymentEventsRequired
	}
	if deps.Calculator == nil {
		return nil, errPaymentCalculatorRequired
	}
	if deps.Clock == nil {
		return nil, errPaymentClockRequired
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "USD"
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		provider:   deps.Provider,
		carts:      deps.Carts,
		orders:     deps.Orders,
		events:     deps.WebhookEvents,
		calculator: deps.Calculator,
		publisher:  deps.Publisher,
		now:        func() time.Time { return deps.Clock().UTC() },
		currency:   currency,
		logger:     logger,
	}, nil
}

// CreatePaymentIntent prices the caller's cart with the shared calculator and
// opens a provider intent tagged with the user id.
func (s *paymentService) CreatePaymentIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntentResult, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return PaymentIntentResult{}, ErrPaymentInvalidInput
	}

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return PaymentIntentResult{}, fmt.Errorf("%w: cart is empty", ErrPaymentInvalidInput)
		}
		return PaymentIntentResult{}, ErrPaymentUnavailable
	}
	if len(cart.Lines) == 0 {
		return PaymentIntentResult{}, fmt.Errorf("%w: cart is empty", ErrPaymentInvalidInput)
	}

	totals, err := s.calculator.Totals(cart.Lines)
	if err != nil {
		return PaymentIntentResult{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	}

	currency := strings.ToUpper(strings.TrimSpace(firstNonEmpty(cart.Currency, s.currency)))
	intent, err := s.provider.CreatePaymentIntent(ctx, payments.IntentRequest{
		Amount:         totals.TotalPrice,
		Currency:       currency,
		UserID:         userID,
		ReceiptEmail:   strings.TrimSpace(cmd.ReceiptEmail),
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
	})
	if err != nil {
		s.logger(ctx, "payment.intent_failed", map[string]any{
			"userId": userID,
			"error":  err.Error(),
		})
		return PaymentIntentResult{}, fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}

	s.logger(ctx, "payment.intent_created", map[string]any{
		"userId":        userID,
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
	})

	return PaymentIntentResult{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
	}, nil
}

// HandleWebhook verifies the provider signature over the raw payload and
// reconciles the event against orders. Unmatched events stay in the ledger
// for replay; redeliveries of an already-recorded event are acknowledged
// without effect.
func (s *paymentService) HandleWebhook(ctx context.Context, cmd WebhookCommand) (WebhookOutcome, error) {
	event, err := s.provider.VerifyWebhook(cmd.Payload, cmd.Signature)
	if err != nil {
		if errors.Is(err, payments.ErrSignatureVerification) {
			return WebhookOutcome{}, fmt.Errorf("%w: %v", ErrPaymentSignature, err)
		}
		return WebhookOutcome{}, fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}

	now := s.now()

	if event.Type == payments.EventIgnored {
		if _, err := s.events.Record(ctx, domain.WebhookEventRecord{
			EventID:    event.ID,
			Type:       string(event.Type),
			Status:     domain.WebhookEventIgnored,
			ReceivedAt: now,
		}); err != nil {
			s.logger(ctx, "payment.webhook_record_failed", map[string]any{
				"eventId": event.ID,
				"error":   err.Error(),
			})
		}
		return WebhookOutcome{EventID: event.ID, Status: domain.WebhookEventIgnored}, nil
	}

	outcomeStatus := domain.PaymentStatusFailed
	if event.Type == payments.EventPaymentSucceeded {
		outcomeStatus = domain.PaymentStatusPaid
	}

	// Resolve the order before touching the ledger so transient lookup
	// failures surface as retryable errors instead of consuming the event id.
	order, findErr := s.orders.FindByPaymentIntentID(ctx, event.IntentID)
	if findErr != nil && !isRepoNotFound(findErr) {
		return WebhookOutcome{}, ErrPaymentUnavailable
	}
	matched := findErr == nil

	record := domain.WebhookEventRecord{
		EventID:       event.ID,
		IntentID:      event.IntentID,
		Type:          string(event.Type),
		Status:        domain.WebhookEventUnmatched,
		TransactionID: event.TransactionID,
		OutcomeStatus: string(outcomeStatus),
		ReceiptEmail:  event.ReceiptEmail,
		ReceivedAt:    now,
	}

	fresh, err := s.events.Record(ctx, record)
	if err != nil {
		return WebhookOutcome{}, ErrPaymentUnavailable
	}
	if !fresh {
		s.logger(ctx, "payment.webhook_duplicate", map[string]any{
			"eventId":       event.ID,
			"paymentIntent": event.IntentID,
		})
		return WebhookOutcome{EventID: event.ID, Status: domain.WebhookEventIgnored}, nil
	}

	if !matched {
		s.logger(ctx, "payment.webhook_unmatched", map[string]any{
			"eventId":       event.ID,
			"paymentIntent": event.IntentID,
			"type":          event.Type,
		})
		return WebhookOutcome{EventID: event.ID, Status: domain.WebhookEventUnmatched}, nil
	}

	updated := ApplyPaymentOutcome(order, PaymentOutcome{
		Succeeded:     outcomeStatus == domain.PaymentStatusPaid,
		TransactionID: event.TransactionID,
		ReceiptEmail:  event.ReceiptEmail,
		At:            now,
	})
	if err := s.orders.Update(ctx, updated); err != nil {
		s.logger(ctx, "payment.webhook_apply_failed", map[string]any{
			"eventId": event.ID,
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return WebhookOutcome{}, ErrPaymentUnavailable
	}
	if err := s.events.MarkApplied(ctx, event.ID, now); err != nil {
		s.logger(ctx, "payment.webhook_mark_failed", map[string]any{
			"eventId": event.ID,
			"error":   err.Error(),
		})
	}

	s.logger(ctx, "payment.webhook_applied", map[string]any{
		"eventId": event.ID,
		"orderId": updated.ID,
		"paid":    updated.IsPaid,
	})

	if s.publisher != nil {
		eventType := OrderEventPaymentFailed
		if updated.IsPaid {
			eventType = OrderEventPaid
		}
		if _, err := s.publisher.PublishOrderEvent(ctx, OrderEvent{
			Type:            eventType,
			OrderID:         updated.ID,
			OrderNumber:     updated.OrderNumber,
			UserID:          updated.UserID,
			PaymentIntentID: updated.PaymentIntentID,
			TotalPrice:      updated.Totals.TotalPrice,
			Currency:        updated.Currency,
			OccurredAt:      now,
		}); err != nil {
			s.logger(ctx, "payment.event_publish_failed", map[string]any{
				"orderId": updated.ID,
				"error":   err.Error(),
			})
		}
	}

	return WebhookOutcome{EventID: event.ID, Status: domain.WebhookEventApplied}, nil
}
