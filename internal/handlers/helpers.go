package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Kzarr-e/kzarre-backend/internal/couriers"
	"github.com/Kzarr-e/kzarre-backend/internal/domain"
	"github.com/Kzarr-e/kzarre-backend/internal/payments"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/httpx"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/pagination"
	"github.com/Kzarr-e/kzarre-backend/internal/services"
)

var errBodyTooLarge = errors.New("request body too large")

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	limited := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func decodeJSONBody(r *http.Request, limit int64, dst any) error {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTimeParam(value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func parseStatusFilters(values []string) []domain.OrderStatus {
	var statuses []domain.OrderStatus
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(part)))
			if status == "" {
				continue
			}
			statuses = append(statuses, status)
		}
	}
	return statuses
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	UserID      string `json:"user_id"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Amount      int64  `json:"amount"`
	CreatedAt   string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID            string             `json:"id"`
	OrderNumber   string             `json:"order_number"`
	UserID        string             `json:"user_id"`
	Status        string             `json:"status"`
	Currency      string             `json:"currency"`
	Amount        int64              `json:"amount"`
	PaymentMethod string             `json:"payment_method"`
	PaymentID     string             `json:"payment_id,omitempty"`
	RefundID      string             `json:"refund_id,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	ManualReview  bool               `json:"manual_review,omitempty"`
	Items         []orderItemPayload `json:"items"`
	Address       addressPayload     `json:"address"`
	Shipment      *shipmentPayload   `json:"shipment,omitempty"`
	Return        *returnPayload     `json:"return,omitempty"`
	CreatedAt     string             `json:"created_at"`
	UpdatedAt     string             `json:"updated_at,omitempty"`
	PaidAt        string             `json:"paid_at,omitempty"`
	ShippedAt     string             `json:"shipped_at,omitempty"`
	DeliveredAt   string             `json:"delivered_at,omitempty"`
	CanceledAt    string             `json:"canceled_at,omitempty"`
	RefundedAt    string             `json:"refunded_at,omitempty"`
}

type orderItemPayload struct {
	ProductRef string `json:"product_ref"`
	SKU        string `json:"sku,omitempty"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unit_price"`
	Total      int64  `json:"total"`
	Size       string `json:"size,omitempty"`
	Color      string `json:"color,omitempty"`
}

type addressPayload struct {
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type shipmentPayload struct {
	Carrier     string                 `json:"carrier"`
	TrackingID  string                 `json:"tracking_id,omitempty"`
	LabelURL    string                 `json:"label_url,omitempty"`
	Status      string                 `json:"status"`
	History     []shipmentEventPayload `json:"history,omitempty"`
	ShippedAt   string                 `json:"shipped_at,omitempty"`
	DeliveredAt string                 `json:"delivered_at,omitempty"`
}

type shipmentEventPayload struct {
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	OccurredAt  string `json:"occurred_at"`
}

type returnPayload struct {
	ID              string           `json:"id"`
	Status          string           `json:"status"`
	Reason          string           `json:"reason,omitempty"`
	RequestedAt     string           `json:"requested_at"`
	ApprovedAt      string           `json:"approved_at,omitempty"`
	ClosedAt        string           `json:"closed_at,omitempty"`
	RestockedAt     string           `json:"restocked_at,omitempty"`
	PickupBy        string           `json:"pickup_by,omitempty"`
	CompleteBy      string           `json:"complete_by,omitempty"`
	ReverseShipment *shipmentPayload `json:"reverse_shipment,omitempty"`
}

func buildOrderSummary(order domain.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Currency:    strings.ToUpper(order.Currency),
		Amount:      order.Amount,
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Status:        string(order.Status),
		Currency:      strings.ToUpper(order.Currency),
		Amount:        order.Amount,
		PaymentMethod: string(order.PaymentMethod),
		ManualReview:  order.ManualReview,
		Items:         make([]orderItemPayload, 0, len(order.Items)),
		Address:       buildAddressPayload(order.Address),
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
		PaidAt:        formatTimePtr(order.PaidAt),
		ShippedAt:     formatTimePtr(order.ShippedAt),
		DeliveredAt:   formatTimePtr(order.DeliveredAt),
		CanceledAt:    formatTimePtr(order.CanceledAt),
		RefundedAt:    formatTimePtr(order.RefundedAt),
	}

	if order.PaymentID != nil {
		payload.PaymentID = *order.PaymentID
	}
	if order.RefundID != nil {
		payload.RefundID = *order.RefundID
	}
	if order.FailureReason != nil {
		payload.FailureReason = *order.FailureReason
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductRef: item.ProductRef,
			SKU:        item.SKU,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total(),
			Size:       item.Variant.Size,
			Color:      item.Variant.Color,
		})
	}

	if order.Shipment != nil {
		shipment := buildShipmentPayload(*order.Shipment)
		payload.Shipment = &shipment
	}
	if order.Return != nil {
		ret := buildReturnPayload(*order.Return)
		payload.Return = &ret
	}
	return payload
}

func buildAddressPayload(addr domain.Address) addressPayload {
	return addressPayload{
		Name:       addr.Name,
		Phone:      addr.Phone,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
	}
}

func buildShipmentPayload(shipment domain.Shipment) shipmentPayload {
	payload := shipmentPayload{
		Carrier:     shipment.Carrier,
		TrackingID:  shipment.TrackingID,
		LabelURL:    shipment.LabelURL,
		Status:      string(shipment.Status),
		ShippedAt:   formatTimePtr(shipment.ShippedAt),
		DeliveredAt: formatTimePtr(shipment.DeliveredAt),
	}
	for _, event := range shipment.History {
		payload.History = append(payload.History, shipmentEventPayload{
			Status:      string(event.Status),
			Description: event.Description,
			OccurredAt:  formatTime(event.OccurredAt),
		})
	}
	return payload
}

func buildReturnPayload(ret domain.ReturnRecord) returnPayload {
	payload := returnPayload{
		ID:          ret.ID,
		Status:      string(ret.Status),
		Reason:      ret.Reason,
		RequestedAt: formatTime(ret.RequestedAt),
		ApprovedAt:  formatTimePtr(ret.ApprovedAt),
		ClosedAt:    formatTimePtr(ret.ClosedAt),
		RestockedAt: formatTimePtr(ret.RestockedAt),
	}
	if ret.SLA != nil {
		payload.PickupBy = formatTime(ret.SLA.PickupBy)
		payload.CompleteBy = formatTime(ret.SLA.CompleteBy)
	}
	if ret.ReverseShipment != nil {
		shipment := buildShipmentPayload(*ret.ReverseShipment)
		payload.ReverseShipment = &shipment
	}
	return payload
}

// writeLifecycleError maps service sentinels onto the JSON error envelope.
// ErrAlreadyProcessed is deliberately absent; callers turn it into a success
// response before reaching here.
func writeLifecycleError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrLifecycleInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, pagination.ErrInvalidPageToken):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_page_token", "page token is not valid", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrDuplicateReturn),
		errors.Is(err, services.ErrAlreadyShipped),
		errors.Is(err, services.ErrMissingPaymentReference),
		errors.Is(err, services.ErrLifecycleConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, payments.ErrGatewayUnavailable),
		errors.Is(err, couriers.ErrCourierUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("provider_unavailable", "external provider unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
