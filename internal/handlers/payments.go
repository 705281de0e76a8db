package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lumenshop/api/internal/platform/auth"
	"github.com/lumenshop/api/internal/platform/httpx"
	"github.com/lumenshop/api/internal/services"
)

const (
	maxPaymentBodySize = 16 * 1024
	// Webhook payloads are provider-controlled; Stripe caps event bodies well
	// below this.
	maxWebhookBodySize = 512 * 1024

	signatureHeader = "Stripe-Signature"
)

// PaymentHandlers exposes the authenticated payment intent endpoint.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	payments services.PaymentService
	limiter  rateLimiter
}

// PaymentOption customises the payment handlers.
type PaymentOption func(*PaymentHandlers)

// WithPaymentRateLimit bounds how many intents a single user may open per window.
func WithPaymentRateLimit(limit int, window time.Duration) PaymentOption {
	return func(h *PaymentHandlers) {
		h.limiter = newRequestLimiter(limit, window, nil)
	}
}

// NewPaymentHandlers constructs handlers for payment intent creation.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService, opts ...PaymentOption) *PaymentHandlers {
	h := &PaymentHandlers{
		authn:    authn,
		payments: payments,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /payments endpoints onto the provided router.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/intent", h.createIntent)
}

func (h *PaymentHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many payment attempts; retry later", http.StatusTooManyRequests))
		return
	}

	var req createIntentRequest
	if body, err := readLimitedBody(r, maxPaymentBodySize); err == nil {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
			return
		}
	} else if !errors.Is(err, errEmptyBody) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.payments.CreatePaymentIntent(ctx, services.CreatePaymentIntentCommand{
		UserID:         identity.UID,
		ReceiptEmail:   strings.TrimSpace(req.ReceiptEmail),
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, createIntentResponse{
		IntentID:     result.IntentID,
		ClientSecret: result.ClientSecret,
		Amount:       result.Amount,
		Currency:     result.Currency,
	})
}

// WebhookHandlers receives payment provider callbacks. The raw request body
// is handed to the service untouched; signature verification runs over those
// exact bytes.
type WebhookHandlers struct {
	payments services.PaymentService
	limiter  rateLimiter
}

// WebhookOption customises the webhook handlers.
type WebhookOption func(*WebhookHandlers)

// WithWebhookRateLimit bounds deliveries per source address per window.
func WithWebhookRateLimit(limit int, window time.Duration) WebhookOption {
	return func(h *WebhookHandlers) {
		h.limiter = newRequestLimiter(limit, window, nil)
	}
}

// NewWebhookHandlers constructs handlers for provider webhook deliveries.
func NewWebhookHandlers(payments services.PaymentService, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{payments: payments}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /webhooks endpoints onto the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(remoteAddrKey(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many webhook deliveries", http.StatusTooManyRequests))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}
	if int64(len(payload)) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook payload exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	outcome, err := h.payments.HandleWebhook(ctx, services.WebhookCommand{
		Payload:   payload,
		Signature: r.Header.Get(signatureHeader),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, webhookResponse{
		EventID: outcome.EventID,
		Status:  string(outcome.Status),
	})
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
	// The provider's message passes through so clients can show an
	// actionable failure reason before retrying.
	case errors.Is(err, services.ErrPaymentProvider):
		httpx.WriteError(ctx, w, httpx.NewError("payment_provider_error", err.Error(), http.StatusInternalServerError))
	case errors.Is(err, services.ErrPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "payment request failed", http.StatusInternalServerError))
	}
}

func remoteAddrKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

type createIntentRequest struct {
	ReceiptEmail string `json:"receipt_email"`
}

type createIntentResponse struct {
	IntentID     string `json:"intent_id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

type webhookResponse struct {
	EventID string `json:"event_id,omitempty"`
	Status  string `json:"status"`
}
