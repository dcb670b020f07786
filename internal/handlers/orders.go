package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Kzarr-e/kzarre-backend/internal/domain"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/httpx"
	"github.com/Kzarr-e/kzarre-backend/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 64 * 1024

	createOrderRateLimit  = 30
	createOrderRateWindow = time.Minute
)

type createOrderRequest struct {
	UserID        string                   `json:"user_id"`
	PaymentMethod string                   `json:"payment_method"`
	Lines         []createOrderLineRequest `json:"items"`
	Address       addressPayload           `json:"address"`
}

type createOrderLineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
}

type beginPaymentRequest struct {
	CustomerEmail string `json:"customer_email,omitempty"`
}

type checkoutRedirectResponse struct {
	Order       orderPayload `json:"order"`
	SessionID   string       `json:"session_id,omitempty"`
	RedirectURL string       `json:"redirect_url,omitempty"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason,omitempty"`
}

type refundOrderRequest struct {
	Reason string `json:"reason,omitempty"`
}

type returnOrderRequest struct {
	Reason string `json:"reason,omitempty"`
}

// OrderHandlers exposes the buyer-facing checkout endpoints.
type OrderHandlers struct {
	lifecycle services.LifecycleService
	limiter   rateLimiter
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(lifecycle services.LifecycleService) *OrderHandlers {
	return &OrderHandlers{
		lifecycle: lifecycle,
		limiter:   newSimpleRateLimiter(createOrderRateLimit, createOrderRateWindow, nil),
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/pay", h.beginPayment)
	r.Post("/{orderID}/cod", h.confirmCOD)
	r.Post("/{orderID}/cancel", h.cancelOrder)
	r.Post("/{orderID}/refund", h.refundOrder)
	r.Post("/{orderID}/return", h.requestReturn)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createOrderRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	if h.limiter != nil && !h.limiter.Allow(strings.TrimSpace(req.UserID)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many orders, slow down", http.StatusTooManyRequests))
		return
	}

	cmd := services.CreateOrderCommand{
		UserID:        req.UserID,
		PaymentMethod: domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		Address: domain.Address{
			Name:       req.Address.Name,
			Phone:      req.Address.Phone,
			Line1:      req.Address.Line1,
			Line2:      req.Address.Line2,
			City:       req.Address.City,
			State:      req.Address.State,
			PostalCode: req.Address.PostalCode,
			Country:    req.Address.Country,
		},
	}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, services.CreateOrderLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Variant:   domain.Variant{Size: line.Size, Color: line.Color},
		})
	}

	order, err := h.lifecycle.CreateOrder(ctx, cmd)
	if err != nil {
		writeLifecycleError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	listQuery := services.ListOrdersQuery{
		UserID:    strings.TrimSpace(query.Get("user_id")),
		Status:    parseStatusFilters(query["status"]),
		PageToken: strings.TrimSpace(query.Get("page_token")),
		PageSize:  defaultOrderPageSize,
	}

	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		listQuery.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		listQuery.To = &ts
	}
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			listQuery.PageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			listQuery.PageSize = maxOrderPageSize
		default:
			listQuery.PageSize = size
		}
	}

	page, err := h.lifecycle.ListOrders(ctx, listQuery)
	if err != nil {
		writeLifecycleError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	order, err := h.lifecycle.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeLifecycleError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) beginPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req beginPaymentRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	redirect, err := h.lifecycle.BeginPayment(ctx, services.BeginPaymentCommand{
		OrderID:       chi.URLParam(r, "orderID"),
		CustomerEmail: req.CustomerEmail,
	})
	if err != nil && !errors.Is(err, services.ErrAlreadyProcessed) {
		writeLifecycleError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, checkoutRedirectResponse{
		Order:       buildOrderPayload(redirect.Order),
		SessionID:   redirect.SessionID,
		RedirectURL: redirect.RedirectURL,
	})
}

func (h *OrderHandlers) confirmCOD(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	order, err := h.lifecycle.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Method:  domain.PaymentMethodCOD,
	})
	if err != nil && !errors.Is(err, services.ErrAlreadyProcessed) {
		writeLifecycleError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req cancelOrderRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	order, err := h.lifecycle.CancelOrPaymentFail(ctx, services.CancelCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Cancel:  true,
		Reason:  req.Reason,
	})
	if err != nil && !errors.Is(err, services.ErrAlreadyProcessed) {
		writeLifecycleError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req refundOrderRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	order, err := h.lifecycle.Refund(ctx, services.RefundCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  req.Reason,
	})
	if err != nil && !errors.Is(err, services.ErrAlreadyProcessed) {
		writeLifecycleError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) requestReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req returnOrderRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	order, err := h.lifecycle.RequestReturn(ctx, services.RequestReturnCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  req.Reason,
	})
	if err != nil {
		writeLifecycleError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func writeBodyError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if errors.Is(err, errBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
}
