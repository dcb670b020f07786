package services

import (
	"context"
	"time"

	"github.com/Kzarr-e/kzarre-backend/internal/domain"
	"github.com/Kzarr-e/kzarre-backend/internal/repositories"
)

// OrderEvent captures metadata for emitted order lifecycle events.
type OrderEvent struct {
	Type        string             `json:"type"`
	OrderID     string             `json:"orderId"`
	OrderNumber string             `json:"orderNumber"`
	UserID      string             `json:"userId,omitempty"`
	Status      domain.OrderStatus `json:"status,omitempty"`
	PaymentID   string             `json:"paymentId,omitempty"`
	TrackingID  string             `json:"trackingId,omitempty"`
	OccurredAt  time.Time          `json:"occurredAt"`
}

// OrderEventPublisher publishes order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error)
}

// CreateOrderLine is one requested line at checkout.
type CreateOrderLine struct {
	ProductID string
	Quantity  int
	Variant   domain.Variant
}

// CreateOrderCommand creates a pending_payment order from the buyer's basket.
type CreateOrderCommand struct {
	UserID        string
	Lines         []CreateOrderLine
	Address       domain.Address
	PaymentMethod domain.PaymentMethod
}

// BeginPaymentCommand starts an online payment for a pending order.
type BeginPaymentCommand struct {
	OrderID       string
	CustomerEmail string
}

// CheckoutRedirect carries the gateway handoff returned to the buyer.
type CheckoutRedirect struct {
	Order       domain.Order
	SessionID   string
	RedirectURL string
}

// ConfirmPaymentCommand marks an order paid and commits stock.
type ConfirmPaymentCommand struct {
	OrderID   string
	PaymentID string
	Method    domain.PaymentMethod
}

// CancelCommand cancels an order or records a payment failure; Cancel selects
// the terminal status (cancelled vs failed).
type CancelCommand struct {
	OrderID string
	Cancel  bool
	Reason  string
}

// CreateShipmentCommand books a forward shipment for a paid order.
type CreateShipmentCommand struct {
	OrderID     string
	CourierSlug string
}

// UpdateShipmentStatusCommand applies a courier tracking update. Either
// OrderID or TrackingID identifies the order.
type UpdateShipmentStatusCommand struct {
	OrderID     string
	TrackingID  string
	Status      domain.ShipmentStatus
	Description string
	OccurredAt  time.Time
}

// RequestReturnCommand opens a return request on a delivered order.
type RequestReturnCommand struct {
	OrderID string
	Reason  string
}

// ApproveReturnCommand approves a return and books the reverse pickup.
type ApproveReturnCommand struct {
	OrderID           string
	CourierSlug       string
	RestockOnApproval bool
}

// DenyReturnCommand rejects a pending return request.
type DenyReturnCommand struct {
	OrderID string
	Reason  string
}

// RefundCommand refunds a settled order through the gateway.
type RefundCommand struct {
	OrderID string
	Reason  string
}

// ListOrdersQuery filters order listings for buyers and admins.
type ListOrdersQuery struct {
	UserID    string
	Status    []domain.OrderStatus
	From      *time.Time
	To        *time.Time
	PageSize  int
	PageToken string
}

// LifecycleService drives the order state machine from checkout to refund.
type LifecycleService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	BeginPayment(ctx context.Context, cmd BeginPaymentCommand) (CheckoutRedirect, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (domain.Order, error)
	CancelOrPaymentFail(ctx context.Context, cmd CancelCommand) (domain.Order, error)
	CreateShipment(ctx context.Context, cmd CreateShipmentCommand) (domain.Order, error)
	RetryLabel(ctx context.Context, orderID string) (domain.Order, error)
	UpdateShipmentStatus(ctx context.Context, cmd UpdateShipmentStatusCommand) (domain.Order, error)
	RequestReturn(ctx context.Context, cmd RequestReturnCommand) (domain.Order, error)
	ApproveReturn(ctx context.Context, cmd ApproveReturnCommand) (domain.Order, error)
	DenyReturn(ctx context.Context, cmd DenyReturnCommand) (domain.Order, error)
	CompleteReturn(ctx context.Context, trackingID string) (domain.Order, error)
	Refund(ctx context.Context, cmd RefundCommand) (domain.Order, error)
	MarkRefundedByProvider(ctx context.Context, paymentID string) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	FindOrderByPaymentID(ctx context.Context, paymentID string) (domain.Order, error)
	ListOrders(ctx context.Context, query ListOrdersQuery) (domain.CursorPage[domain.Order], error)
}

// UpsertCourierPartnerCommand creates or replaces a carrier configuration.
type UpsertCourierPartnerCommand struct {
	Partner domain.CourierPartner
}

// CourierAdminService manages carrier configurations for operators.
type CourierAdminService interface {
	UpsertPartner(ctx context.Context, cmd UpsertCourierPartnerCommand) (domain.CourierPartner, error)
	GetPartner(ctx context.Context, slug string) (domain.CourierPartner, error)
	ListPartners(ctx context.Context) ([]domain.CourierPartner, error)
}

// noopUnitOfWork runs the callback without a transactional boundary; tests
// and partial wirings use it.
type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

var _ repositories.UnitOfWork = noopUnitOfWork{}
