package payments

import (
	"context"
	"errors"
	"time"
)

// PaymentStatus is the gateway-neutral view of a payment's state.
type PaymentStatus string

const (
	// StatusPending indicates the payment has not reached a terminal state yet.
	StatusPending PaymentStatus = "pending"
	// StatusSucceeded indicates the payment was captured.
	StatusSucceeded PaymentStatus = "succeeded"
	// StatusFailed indicates the payment failed or was cancelled at the provider.
	StatusFailed PaymentStatus = "failed"
	// StatusRefunded indicates the payment was fully refunded.
	StatusRefunded PaymentStatus = "refunded"
)

var (
	// ErrGatewayUnavailable signals a transient provider outage. Callers may retry.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrPaymentNotFound signals the referenced payment does not exist at the provider.
	ErrPaymentNotFound = errors.New("payments: payment not found")
)

// CheckoutItem is a single purchasable line in a checkout session.
type CheckoutItem struct {
	Name        string
	Description string
	SKU         string
	Amount      int64
	Quantity    int64
	Currency    string
}

// CheckoutSessionRequest describes the hosted checkout session to create.
type CheckoutSessionRequest struct {
	OrderID        string
	OrderNumber    string
	Currency       string
	Items          []CheckoutItem
	DeliveryFee    int64
	SuccessURL     string
	CancelURL      string
	CustomerEmail  string
	IdempotencyKey string
	Metadata       map[string]string
}

// CheckoutSession is the created hosted checkout session.
type CheckoutSession struct {
	ID          string
	Provider    string
	RedirectURL string
	PaymentID   string
	ExpiresAt   time.Time
}

// PaymentDetails reports the provider's view of a payment.
type PaymentDetails struct {
	Provider   string
	PaymentID  string
	Status     PaymentStatus
	Amount     int64
	Currency   string
	FailureMsg string
}

// RefundRequest describes a refund against a captured payment.
type RefundRequest struct {
	PaymentID      string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// Refund is the provider's record of an issued refund.
type Refund struct {
	ID        string
	PaymentID string
	Amount    int64
	Status    string
}

// Gateway abstracts the payment service provider used for checkout, status
// lookups during reconciliation, and refunds.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	RetrievePaymentStatus(ctx context.Context, paymentID string) (PaymentDetails, error)
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
}
