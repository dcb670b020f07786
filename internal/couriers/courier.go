package couriers

import (
	"context"
	"errors"

	"github.com/Kzarr-e/kzarre-backend/internal/domain"
)

// ErrCourierUnavailable signals a transient courier API outage. Callers may retry later.
var ErrCourierUnavailable = errors.New("couriers: courier unavailable")

// ErrShipmentNotFound signals the referenced shipment is unknown to the courier.
var ErrShipmentNotFound = errors.New("couriers: shipment not found")

// ParcelItem is a single line handed to the courier for manifesting.
type ParcelItem struct {
	SKU      string `json:"sku"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

// ShipmentRequest describes a forward shipment to book with the courier.
type ShipmentRequest struct {
	OrderID     string
	OrderNumber string
	Items       []ParcelItem
	Address     domain.Address
	CODAmount   int64
	Currency    string
}

// ReverseShipmentRequest describes a return pickup from the customer.
type ReverseShipmentRequest struct {
	OrderID     string
	OrderNumber string
	ReturnID    string
	Items       []ParcelItem
	Address     domain.Address
	Reason      string
}

// ShipmentResult reports the courier's booking outcome. A booking accepted
// without a tracking ID yet is reported as label pending, not an error.
type ShipmentResult struct {
	TrackingID string
	LabelURL   string
	Status     domain.ShipmentStatus
}

// LabelResult reports a purchased or refreshed label.
type LabelResult struct {
	TrackingID string
	LabelURL   string
}

// Client is a booking client bound to one courier partner.
type Client interface {
	CreateShipment(ctx context.Context, req ShipmentRequest) (ShipmentResult, error)
	BuyLabel(ctx context.Context, trackingID string) (LabelResult, error)
	CreateReverseShipment(ctx context.Context, req ReverseShipmentRequest) (ShipmentResult, error)
	CancelShipment(ctx context.Context, trackingID string) error
}
