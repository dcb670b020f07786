package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Kzarr-e/kzarre-backend/internal/domain"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/httpx"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/idempotency"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/requestctx"
	"github.com/Kzarr-e/kzarre-backend/internal/services"
)

const (
	maxWebhookBodySize = 256 * 1024

	webhookProviderStripe  = "stripe"
	webhookProviderCourier = "courier"

	webhookMeterName = "github.com/Kzarr-e/kzarre-backend/internal/handlers/webhooks"
)

// ConstructStripeEvent verifies the Stripe signature and parses the event.
type ConstructStripeEvent func(payload []byte, header, secret string) (stripe.Event, error)

// WebhookHandlersDeps bundles collaborators for the webhook ingress.
type WebhookHandlersDeps struct {
	Lifecycle    services.LifecycleService
	Events       idempotency.EventStore
	StripeSecret string
	// CourierGuard authenticates courier callbacks, typically the HMAC
	// validator middleware. Nil leaves the route unauthenticated.
	CourierGuard   func(http.Handler) http.Handler
	EventTTL       time.Duration
	Clock          func() time.Time
	ConstructEvent ConstructStripeEvent
	Meter          metric.Meter
}

// WebhookHandlers receives provider callbacks and dispatches them into the
// order lifecycle. Redelivered events are acknowledged without side effects.
type WebhookHandlers struct {
	lifecycle      services.LifecycleService
	events         idempotency.EventStore
	stripeSecret   string
	courierGuard   func(http.Handler) http.Handler
	eventTTL       time.Duration
	clock          func() time.Time
	constructEvent ConstructStripeEvent

	processed         metric.Int64Counter
	processedEnabled  bool
	duplicated        metric.Int64Counter
	duplicatedEnabled bool
}

// NewWebhookHandlers constructs webhook handlers from the given dependencies.
func NewWebhookHandlers(deps WebhookHandlersDeps) (*WebhookHandlers, error) {
	if deps.Lifecycle == nil {
		return nil, errors.New("webhook handlers: lifecycle service is required")
	}
	if deps.Events == nil {
		return nil, errors.New("webhook handlers: event store is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	ttl := deps.EventTTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}

	construct := deps.ConstructEvent
	if construct == nil {
		construct = webhook.ConstructEvent
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(webhookMeterName)
	}
	processed, processedErr := meter.Int64Counter(
		"webhooks.events.processed",
		metric.WithDescription("Count of webhook events dispatched into the order lifecycle"),
	)
	duplicated, duplicatedErr := meter.Int64Counter(
		"webhooks.events.duplicated",
		metric.WithDescription("Count of webhook event redeliveries acknowledged without side effects"),
	)

	return &WebhookHandlers{
		lifecycle:         deps.Lifecycle,
		events:            deps.Events,
		stripeSecret:      strings.TrimSpace(deps.StripeSecret),
		courierGuard:      deps.CourierGuard,
		eventTTL:          ttl,
		clock:             func() time.Time { return clock().UTC() },
		constructEvent:    construct,
		processed:         processed,
		processedEnabled:  processedErr == nil,
		duplicated:        duplicated,
		duplicatedEnabled: duplicatedErr == nil,
	}, nil
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payment", h.paymentWebhook)
	if h.courierGuard != nil {
		r.With(h.courierGuard).Post("/courier", h.courierWebhook)
		return
	}
	r.Post("/courier", h.courierWebhook)
}

type stripeObjectData struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

func (h *WebhookHandlers) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.stripeSecret == "" {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "payment webhook secret not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(w, r, err)
		return
	}

	event, err := h.constructEvent(body, r.Header.Get("Stripe-Signature"), h.stripeSecret)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	}

	claimed, err := h.events.Claim(ctx, webhookProviderStripe, event.ID, h.clock(), h.eventTTL)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_store_unavailable", "event store unavailable", http.StatusServiceUnavailable))
		return
	}
	if !claimed {
		h.countDuplicated(r, webhookProviderStripe, string(event.Type))
		writeJSONResponse(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
		return
	}

	if err := h.dispatchStripeEvent(r, event); err != nil {
		// Transient failure: release the claim so the provider retry can run.
		_ = h.events.Release(ctx, webhookProviderStripe, event.ID)
		httpx.WriteError(ctx, w, httpx.NewError("webhook_processing_failed", "temporary failure, retry later", http.StatusBadGateway))
		return
	}

	h.countProcessed(r, webhookProviderStripe, string(event.Type))
	writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
}

// dispatchStripeEvent routes the event to the lifecycle engine. Business
// no-ops (already processed, state conflicts, unknown references) return nil
// so the provider stops retrying; only transient failures propagate.
func (h *WebhookHandlers) dispatchStripeEvent(r *http.Request, event stripe.Event) error {
	ctx := r.Context()

	var object stripeObjectData
	if event.Data != nil && len(event.Data.Raw) > 0 {
		if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
			h.logEvent(r, "webhooks.stripe.payload.invalid", string(event.Type), err)
			return nil
		}
	}

	orderID := strings.TrimSpace(object.Metadata["order_id"])
	paymentID := strings.TrimSpace(object.PaymentIntent)
	if paymentID == "" && strings.HasPrefix(object.ID, "pi_") {
		paymentID = object.ID
	}

	var err error
	switch event.Type {
	case "checkout.session.completed", "payment_intent.succeeded":
		if orderID == "" {
			order, findErr := h.lifecycle.FindOrderByPaymentID(ctx, paymentID)
			if findErr != nil {
				err = findErr
				break
			}
			orderID = order.ID
		}
		_, err = h.lifecycle.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
			OrderID:   orderID,
			PaymentID: paymentID,
			Method:    domain.PaymentMethodOnline,
		})
	case "checkout.session.expired", "payment_intent.payment_failed":
		if orderID == "" {
			order, findErr := h.lifecycle.FindOrderByPaymentID(ctx, paymentID)
			if findErr != nil {
				err = findErr
				break
			}
			orderID = order.ID
		}
		_, err = h.lifecycle.CancelOrPaymentFail(ctx, services.CancelCommand{
			OrderID: orderID,
			Reason:  "payment " + string(event.Type),
		})
	case "charge.refunded":
		if paymentID == "" {
			h.logEvent(r, "webhooks.stripe.refund.unreferenced", string(event.Type), nil)
			return nil
		}
		_, err = h.lifecycle.MarkRefundedByProvider(ctx, paymentID)
	default:
		// Unsubscribed event types are acknowledged silently.
		return nil
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, services.ErrAlreadyProcessed),
		errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrOrderNotFound):
		h.logEvent(r, "webhooks.stripe.noop", string(event.Type), err)
		return nil
	default:
		return err
	}
}

type courierWebhookRequest struct {
	TrackingID  string `json:"tracking_id"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	OccurredAt  string `json:"occurred_at,omitempty"`
	EventID     string `json:"event_id,omitempty"`
}

func (h *WebhookHandlers) courierWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req courierWebhookRequest
	if err := decodeJSONBody(r, maxWebhookBodySize, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	tracking := strings.TrimSpace(req.TrackingID)
	status := domain.ShipmentStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if tracking == "" || status == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "tracking_id and status are required", http.StatusBadRequest))
		return
	}

	// Couriers that send event IDs get dedup; the rest rely on the
	// lifecycle engine's own idempotency.
	eventID := strings.TrimSpace(req.EventID)
	if eventID != "" {
		claimed, err := h.events.Claim(ctx, webhookProviderCourier, eventID, h.clock(), h.eventTTL)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("webhook_store_unavailable", "event store unavailable", http.StatusServiceUnavailable))
			return
		}
		if !claimed {
			h.countDuplicated(r, webhookProviderCourier, string(status))
			writeJSONResponse(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
			return
		}
	}

	var occurredAt time.Time
	if raw := strings.TrimSpace(req.OccurredAt); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "occurred_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		occurredAt = ts
	}

	var err error
	if strings.EqualFold(strings.TrimSpace(req.Type), "reverse") {
		if status == domain.ShipmentStatusReturned {
			_, err = h.lifecycle.CompleteReturn(ctx, tracking)
		}
	} else {
		_, err = h.lifecycle.UpdateShipmentStatus(ctx, services.UpdateShipmentStatusCommand{
			TrackingID:  tracking,
			Status:      status,
			Description: req.Description,
			OccurredAt:  occurredAt,
		})
	}

	switch {
	case err == nil:
		h.countProcessed(r, webhookProviderCourier, string(status))
		writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
	case errors.Is(err, services.ErrAlreadyProcessed),
		errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrOrderNotFound):
		h.logEvent(r, "webhooks.courier.noop", string(status), err)
		writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
	default:
		if eventID != "" {
			_ = h.events.Release(ctx, webhookProviderCourier, eventID)
		}
		httpx.WriteError(ctx, w, httpx.NewError("webhook_processing_failed", "temporary failure, retry later", http.StatusBadGateway))
	}
}

func (h *WebhookHandlers) countProcessed(r *http.Request, provider, eventType string) {
	if !h.processedEnabled {
		return
	}
	h.processed.Add(r.Context(), 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("event_type", eventType),
	))
}

func (h *WebhookHandlers) countDuplicated(r *http.Request, provider, eventType string) {
	if !h.duplicatedEnabled {
		return
	}
	h.duplicated.Add(r.Context(), 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("event_type", eventType),
	))
}

func (h *WebhookHandlers) logEvent(r *http.Request, event, eventType string, err error) {
	logger := requestctx.Logger(r.Context()).Sugar()
	if err != nil {
		logger.Infow(event, "eventType", eventType, "error", err.Error())
		return
	}
	logger.Infow(event, "eventType", eventType)
}
