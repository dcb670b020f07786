package domain

import (
	"strings"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage wraps a page of results together with the token for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPendingPayment indicates the order awaits payment completion.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusPaid indicates payment succeeded and stock has been committed.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusFailed indicates payment failed or expired; stock is restored.
	OrderStatusFailed OrderStatus = "failed"
	// OrderStatusCancelled indicates the buyer or an operator cancelled before payment.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusShipped indicates a shipment with a tracking number exists.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the courier confirmed delivery.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusRefunded indicates the payment was refunded in full.
	OrderStatusRefunded OrderStatus = "refunded"
)

// PaymentMethod enumerates how an order is settled.
type PaymentMethod string

const (
	// PaymentMethodOnline settles through the payment gateway.
	PaymentMethodOnline PaymentMethod = "online"
	// PaymentMethodCOD settles cash on delivery.
	PaymentMethodCOD PaymentMethod = "cod"
)

// Variant identifies the size/color combination a line item was purchased in.
type Variant struct {
	Size  string `firestore:"size,omitempty"`
	Color string `firestore:"color,omitempty"`
}

// OrderLineItem snapshots a purchased product at checkout time.
type OrderLineItem struct {
	ProductRef string  `firestore:"productRef"`
	SKU        string  `firestore:"sku,omitempty"`
	Name       string  `firestore:"name"`
	Quantity   int     `firestore:"quantity"`
	UnitPrice  int64   `firestore:"unitPrice"`
	Variant    Variant `firestore:"variant,omitempty"`
}

// Total returns the line total in minor currency units.
func (i OrderLineItem) Total() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// Address captures the shipping destination snapshot stored with the order.
type Address struct {
	Name       string `firestore:"name"`
	Phone      string `firestore:"phone,omitempty"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
}

// ShipmentStatus enumerates courier-reported shipment states.
type ShipmentStatus string

const (
	// ShipmentStatusLabelPending indicates the courier accepted the shipment but no label exists yet.
	ShipmentStatusLabelPending ShipmentStatus = "label_pending"
	// ShipmentStatusLabelCreated indicates a label and tracking number exist.
	ShipmentStatusLabelCreated ShipmentStatus = "label_created"
	// ShipmentStatusPickedUp indicates the courier collected the parcel.
	ShipmentStatusPickedUp ShipmentStatus = "picked_up"
	// ShipmentStatusInTransit indicates the parcel is moving through the network.
	ShipmentStatusInTransit ShipmentStatus = "in_transit"
	// ShipmentStatusOutForDelivery indicates last-mile delivery is underway.
	ShipmentStatusOutForDelivery ShipmentStatus = "out_for_delivery"
	// ShipmentStatusDelivered indicates the parcel reached the buyer.
	ShipmentStatusDelivered ShipmentStatus = "delivered"
	// ShipmentStatusException indicates the courier flagged a problem needing review.
	ShipmentStatusException ShipmentStatus = "exception"
	// ShipmentStatusReturnInitiated indicates a reverse pickup was booked.
	ShipmentStatusReturnInitiated ShipmentStatus = "return_initiated"
	// ShipmentStatusReturned indicates the reverse shipment arrived back.
	ShipmentStatusReturned ShipmentStatus = "returned"
)

// Valid reports whether the status is one of the known shipment states.
func (s ShipmentStatus) Valid() bool {
	switch s {
	case ShipmentStatusLabelPending, ShipmentStatusLabelCreated,
		ShipmentStatusPickedUp, ShipmentStatusInTransit,
		ShipmentStatusOutForDelivery, ShipmentStatusDelivered,
		ShipmentStatusException, ShipmentStatusReturnInitiated,
		ShipmentStatusReturned:
		return true
	}
	return false
}

// ShipmentEvent records one entry in the shipment history timeline.
type ShipmentEvent struct {
	Status      ShipmentStatus `firestore:"status"`
	Description string         `firestore:"description,omitempty"`
	OccurredAt  time.Time      `firestore:"occurredAt"`
}

// Shipment stores fulfillment data embedded in the order document.
type Shipment struct {
	Carrier     string          `firestore:"carrier"`
	TrackingID  string          `firestore:"trackingId,omitempty"`
	LabelURL    string          `firestore:"labelUrl,omitempty"`
	Status      ShipmentStatus  `firestore:"status"`
	History     []ShipmentEvent `firestore:"history,omitempty"`
	ShippedAt   *time.Time      `firestore:"shippedAt,omitempty"`
	DeliveredAt *time.Time      `firestore:"deliveredAt,omitempty"`
}

// ReturnStatus enumerates the lifecycle of a return request.
type ReturnStatus string

const (
	// ReturnStatusRequested indicates the buyer asked for a return.
	ReturnStatusRequested ReturnStatus = "requested"
	// ReturnStatusApproved indicates an operator approved the return and booked reverse pickup.
	ReturnStatusApproved ReturnStatus = "approved"
	// ReturnStatusDenied indicates an operator rejected the return.
	ReturnStatusDenied ReturnStatus = "denied"
	// ReturnStatusCompleted indicates the goods arrived back and stock was restored.
	ReturnStatusCompleted ReturnStatus = "completed"
)

// ReturnSLA carries the deadlines promised for a reverse shipment.
type ReturnSLA struct {
	PickupBy   time.Time `firestore:"pickupBy"`
	CompleteBy time.Time `firestore:"completeBy"`
}

// ReturnRecord tracks a return request embedded in the order document.
type ReturnRecord struct {
	ID                string       `firestore:"id"`
	Status            ReturnStatus `firestore:"status"`
	Reason            string       `firestore:"reason,omitempty"`
	RestockOnApproval bool         `firestore:"restockOnApproval"`
	RestockedAt       *time.Time   `firestore:"restockedAt,omitempty"`
	RequestedAt       time.Time    `firestore:"requestedAt"`
	ApprovedAt        *time.Time   `firestore:"approvedAt,omitempty"`
	ClosedAt          *time.Time   `firestore:"closedAt,omitempty"`
	ReverseShipment   *Shipment    `firestore:"reverseShipment,omitempty"`
	SLA               *ReturnSLA   `firestore:"sla,omitempty"`
}

// Order is the aggregate root for the fulfilment lifecycle.
type Order struct {
	ID            string          `firestore:"id"`
	OrderNumber   string          `firestore:"orderNumber"`
	UserID        string          `firestore:"userId"`
	Items         []OrderLineItem `firestore:"items"`
	Address       Address         `firestore:"address"`
	Amount        int64           `firestore:"amount"`
	Currency      string          `firestore:"currency"`
	Status        OrderStatus     `firestore:"status"`
	StockReduced  bool            `firestore:"stockReduced"`
	PaymentMethod PaymentMethod   `firestore:"paymentMethod"`
	PaymentID     *string         `firestore:"paymentId,omitempty"`
	RefundID      *string         `firestore:"refundId,omitempty"`
	FailureReason *string         `firestore:"failureReason,omitempty"`
	ManualReview  bool            `firestore:"manualReview"`
	Shipment      *Shipment       `firestore:"shipment,omitempty"`
	Return        *ReturnRecord   `firestore:"return,omitempty"`
	Version       int64           `firestore:"version"`
	CreatedAt     time.Time       `firestore:"createdAt"`
	UpdatedAt     time.Time       `firestore:"updatedAt"`
	PaidAt        *time.Time      `firestore:"paidAt,omitempty"`
	ShippedAt     *time.Time      `firestore:"shippedAt,omitempty"`
	DeliveredAt   *time.Time      `firestore:"deliveredAt,omitempty"`
	CanceledAt    *time.Time      `firestore:"canceledAt,omitempty"`
	RefundedAt    *time.Time      `firestore:"refundedAt,omitempty"`
}

// HasTracking reports whether the order has a shipment with a tracking number.
func (o Order) HasTracking() bool {
	return o.Shipment != nil && strings.TrimSpace(o.Shipment.TrackingID) != ""
}

// ProductVariant tracks per size/color stock for a product.
type ProductVariant struct {
	SKU   string `firestore:"sku,omitempty"`
	Size  string `firestore:"size"`
	Color string `firestore:"color,omitempty"`
	Stock int    `firestore:"stock"`
}

// Product is the catalog entry stock is tracked against.
type Product struct {
	ID            string           `firestore:"id"`
	SKU           string           `firestore:"sku,omitempty"`
	Name          string           `firestore:"name"`
	Price         int64            `firestore:"price"`
	Currency      string           `firestore:"currency,omitempty"`
	StockQuantity int              `firestore:"stockQuantity"`
	Variants      []ProductVariant `firestore:"variants,omitempty"`
	UpdatedAt     time.Time        `firestore:"updatedAt"`
}

// MatchVariant locates the variant matching the requested size and color. Size
// must always match; color is only compared when the request specifies one.
// The boolean reports whether a variant was found.
func (p Product) MatchVariant(want Variant) (int, bool) {
	size := strings.TrimSpace(want.Size)
	if size == "" {
		return -1, false
	}
	color := strings.TrimSpace(want.Color)
	for i, v := range p.Variants {
		if !strings.EqualFold(strings.TrimSpace(v.Size), size) {
			continue
		}
		if color != "" && !strings.EqualFold(strings.TrimSpace(v.Color), color) {
			continue
		}
		return i, true
	}
	return -1, false
}

// HasVariants reports whether stock is tracked per variant rather than flat.
func (p Product) HasVariants() bool {
	return len(p.Variants) > 0
}

// CourierAuthScheme enumerates how requests to a courier API are authenticated.
type CourierAuthScheme string

const (
	// CourierAuthAPIKey sends the credential in a configurable header.
	CourierAuthAPIKey CourierAuthScheme = "api_key"
	// CourierAuthBearer sends the credential as a bearer token.
	CourierAuthBearer CourierAuthScheme = "bearer"
	// CourierAuthBasic sends username/password via HTTP basic auth.
	CourierAuthBasic CourierAuthScheme = "basic"
	// CourierAuthOAuth2 exchanges client credentials for a bearer token.
	CourierAuthOAuth2 CourierAuthScheme = "oauth2"
)

// CourierAuth is the typed credential configuration for a courier partner.
type CourierAuth struct {
	Scheme       CourierAuthScheme `firestore:"scheme"`
	Header       string            `firestore:"header,omitempty"`
	Key          string            `firestore:"key,omitempty"`
	Token        string            `firestore:"token,omitempty"`
	Username     string            `firestore:"username,omitempty"`
	Password     string            `firestore:"password,omitempty"`
	TokenURL     string            `firestore:"tokenUrl,omitempty"`
	ClientID     string            `firestore:"clientId,omitempty"`
	ClientSecret string            `firestore:"clientSecret,omitempty"`
}

// CourierEndpoints lists the API paths exposed by a courier partner.
type CourierEndpoints struct {
	CreateShipment string `firestore:"createShipment"`
	BuyLabel       string `firestore:"buyLabel,omitempty"`
	Tracking       string `firestore:"tracking,omitempty"`
	Cancel         string `firestore:"cancel,omitempty"`
	Rates          string `firestore:"rates,omitempty"`
}

// CourierEnvironment selects which base URL a courier client targets.
type CourierEnvironment string

const (
	// CourierEnvironmentSandbox targets the courier's test API.
	CourierEnvironmentSandbox CourierEnvironment = "sandbox"
	// CourierEnvironmentProduction targets the courier's live API.
	CourierEnvironmentProduction CourierEnvironment = "production"
)

// CourierBaseURLs holds per-environment API hosts.
type CourierBaseURLs struct {
	Sandbox    string `firestore:"sandbox,omitempty"`
	Production string `firestore:"production,omitempty"`
}

// CourierPartner is the persisted configuration for one shipping carrier.
type CourierPartner struct {
	Slug        string             `firestore:"slug"`
	Name        string             `firestore:"name"`
	Enabled     bool               `firestore:"enabled"`
	Environment CourierEnvironment `firestore:"environment"`
	BaseURLs    CourierBaseURLs    `firestore:"baseUrls"`
	Auth        CourierAuth        `firestore:"auth"`
	Endpoints   CourierEndpoints   `firestore:"endpoints"`
	Currency    string             `firestore:"currency,omitempty"`
	UpdatedAt   time.Time          `firestore:"updatedAt"`
}

// BaseURL resolves the API host for the partner's configured environment.
func (c CourierPartner) BaseURL() string {
	if c.Environment == CourierEnvironmentProduction {
		return strings.TrimSpace(c.BaseURLs.Production)
	}
	return strings.TrimSpace(c.BaseURLs.Sandbox)
}
