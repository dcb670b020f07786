package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
	refunds  stripeRefundAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clock    func() time.Time
	Clients  *stripeClients
}

// StripeGateway implements Gateway using Stripe hosted checkout and refunds.
type StripeGateway struct {
	api    stripeClients
	clock  func() time.Time
	logger StripeLogger
}

// NewStripeGateway constructs a Stripe Gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			intents:  sc.PaymentIntents,
			refunds:  sc.Refunds,
		}
	}

	if clients.sessions == nil || clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api: clients,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession creates a Stripe Checkout session for the order.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if g == nil {
		return CheckoutSession{}, errors.New("stripe: gateway is nil")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	metadata := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.OrderID != "" {
		metadata["order_id"] = req.OrderID
	}
	if req.OrderNumber != "" {
		metadata["order_number"] = req.OrderNumber
	}
	params.Metadata = metadata
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: metadata,
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items)+1)
	for _, item := range req.Items {
		line := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max64(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(defaultString(item.Currency, req.Currency))),
				UnitAmount: stripe.Int64(item.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		}
		if item.Description != "" {
			line.PriceData.ProductData.Description = stripe.String(item.Description)
		}
		if item.SKU != "" {
			line.PriceData.ProductData.Metadata = map[string]string{"sku": item.SKU}
		}
		lineItems = append(lineItems, line)
	}
	if req.DeliveryFee > 0 {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.DeliveryFee),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Delivery"),
				},
			},
		})
	}
	if len(lineItems) == 0 {
		return CheckoutSession{}, errors.New("stripe: checkout session requires at least one line item")
	}
	params.LineItems = lineItems

	session, err := g.api.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, g.wrapError("create checkout session", err)
	}

	paymentID := ""
	if session.PaymentIntent != nil {
		paymentID = session.PaymentIntent.ID
	}

	g.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":   session.ID,
		"paymentId":   paymentID,
		"orderNumber": req.OrderNumber,
	})

	expiresAt := g.clock().Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return CheckoutSession{
		ID:          session.ID,
		Provider:    "stripe",
		RedirectURL: session.URL,
		PaymentID:   paymentID,
		ExpiresAt:   expiresAt,
	}, nil
}

// RetrievePaymentStatus fetches the payment intent and maps it to the neutral status.
func (g *StripeGateway) RetrievePaymentStatus(ctx context.Context, paymentID string) (PaymentDetails, error) {
	if g == nil {
		return PaymentDetails{}, errors.New("stripe: gateway is nil")
	}
	if strings.TrimSpace(paymentID) == "" {
		return PaymentDetails{}, fmt.Errorf("%w: empty payment id", ErrPaymentNotFound)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	intent, err := g.api.intents.Get(paymentID, params)
	if err != nil {
		return PaymentDetails{}, g.wrapError("retrieve payment intent", err)
	}
	return stripePaymentDetails(intent), nil
}

// CreateRefund issues a refund for the captured payment intent.
func (g *StripeGateway) CreateRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	if g == nil {
		return Refund{}, errors.New("stripe: gateway is nil")
	}
	if strings.TrimSpace(req.PaymentID) == "" {
		return Refund{}, fmt.Errorf("%w: empty payment id", ErrPaymentNotFound)
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	refund, err := g.api.refunds.New(params)
	if err != nil {
		return Refund{}, g.wrapError("create refund", err)
	}

	g.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"refundId":  refund.ID,
		"paymentId": req.PaymentID,
		"amount":    refund.Amount,
	})

	return Refund{
		ID:        refund.ID,
		PaymentID: req.PaymentID,
		Amount:    refund.Amount,
		Status:    string(refund.Status),
	}, nil
}

func (g *StripeGateway) wrapError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripe.ErrorCodeResourceMissing, stripeErr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s: %v", ErrPaymentNotFound, op, err)
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests, stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
		}
		return fmt.Errorf("stripe: %s: %w", op, err)
	}
	// Transport-level failures never reached Stripe.
	return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
}

func stripePaymentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}

	failureMsg := ""
	if intent.LastPaymentError != nil {
		failureMsg = intent.LastPaymentError.Msg
		if intent.Status != stripe.PaymentIntentStatusSucceeded {
			status = StatusFailed
		}
	}

	if charge := intent.LatestCharge; charge != nil {
		if charge.Refunded || (charge.AmountRefunded >= charge.Amount && charge.Amount > 0) {
			status = StatusRefunded
		}
	}

	currency := strings.ToUpper(string(intent.Currency))
	if currency == "" && intent.LatestCharge != nil {
		currency = strings.ToUpper(string(intent.LatestCharge.Currency))
	}

	return PaymentDetails{
		Provider:   "stripe",
		PaymentID:  intent.ID,
		Status:     status,
		Amount:     intent.Amount,
		Currency:   currency,
		FailureMsg: failureMsg,
	}
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
