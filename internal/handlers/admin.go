package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Kzarr-e/kzarre-backend/internal/domain"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/httpx"
	"github.com/Kzarr-e/kzarre-backend/internal/services"
)

const maxAdminBodySize = 64 * 1024

type createShipmentRequest struct {
	CourierSlug string `json:"courier_slug,omitempty"`
}

type updateShipmentRequest struct {
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	OccurredAt  string `json:"occurred_at,omitempty"`
}

type updateReturnRequest struct {
	Action      string `json:"action"`
	CourierSlug string `json:"courier_slug,omitempty"`
	Restock     bool   `json:"restock,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type courierPartnerRequest struct {
	Name        string           `json:"name"`
	Enabled     bool             `json:"enabled"`
	Environment string           `json:"environment"`
	BaseURLs    courierBaseURLs  `json:"base_urls"`
	Auth        courierAuth      `json:"auth"`
	Endpoints   courierEndpoints `json:"endpoints"`
	Currency    string           `json:"currency,omitempty"`
}

type courierBaseURLs struct {
	Sandbox    string `json:"sandbox,omitempty"`
	Production string `json:"production,omitempty"`
}

type courierAuth struct {
	Scheme       string `json:"scheme"`
	Header       string `json:"header,omitempty"`
	Key          string `json:"key,omitempty"`
	Token        string `json:"token,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type courierEndpoints struct {
	CreateShipment string `json:"create_shipment"`
	BuyLabel       string `json:"buy_label,omitempty"`
	Tracking       string `json:"tracking,omitempty"`
	Cancel         string `json:"cancel,omitempty"`
	Rates          string `json:"rates,omitempty"`
}

type courierPartnerResponse struct {
	Partner courierPartnerPayload `json:"partner"`
}

type courierPartnerListResponse struct {
	Items []courierPartnerPayload `json:"items"`
}

type courierPartnerPayload struct {
	Slug        string           `json:"slug"`
	Name        string           `json:"name"`
	Enabled     bool             `json:"enabled"`
	Environment string           `json:"environment"`
	BaseURLs    courierBaseURLs  `json:"base_urls"`
	AuthScheme  string           `json:"auth_scheme"`
	Endpoints   courierEndpoints `json:"endpoints"`
	Currency    string           `json:"currency,omitempty"`
	UpdatedAt   string           `json:"updated_at,omitempty"`
}

// AdminHandlers exposes operator endpoints for fulfilment and carrier management.
type AdminHandlers struct {
	lifecycle services.LifecycleService
	couriers  services.CourierAdminService
}

// NewAdminHandlers constructs a new AdminHandlers instance.
func NewAdminHandlers(lifecycle services.LifecycleService, couriers services.CourierAdminService) *AdminHandlers {
	return &AdminHandlers{
		lifecycle: lifecycle,
		couriers:  couriers,
	}
}

// Routes registers the /admin endpoints. Authentication is applied as group
// middleware by the router.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders", h.listOrders)
	r.Post("/orders/{orderID}/ship", h.createShipment)
	r.Patch("/orders/{orderID}/shipment", h.updateShipment)
	r.Post("/orders/{orderID}/retry-label", h.retryLabel)
	r.Get("/returns", h.listReturns)
	r.Patch("/returns/{orderID}", h.updateReturn)
	r.Get("/couriers", h.listCouriers)
	r.Get("/couriers/{slug}", h.getCourier)
	r.Put("/couriers/{slug}", h.upsertCourier)
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	listQuery := services.ListOrdersQuery{
		UserID:    strings.TrimSpace(query.Get("user_id")),
		Status:    parseStatusFilters(query["status"]),
		PageToken: strings.TrimSpace(query.Get("page_token")),
		PageSize:  defaultOrderPageSize,
	}
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		if size, err := strconv.Atoi(raw); err == nil && size > 0 {
			if size > maxOrderPageSize {
				size = maxOrderPageSize
			}
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

func (h *AdminHandlers) createShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createShipmentRequest
	if err := decodeJSONBody(r, maxAdminBodySize, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	order, err := h.lifecycle.CreateShipment(ctx, services.CreateShipmentCommand{
		OrderID:     chi.URLParam(r, "orderID"),
		CourierSlug: req.CourierSlug,
	})
	if err != nil {
		writeLifecycleError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) updateShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req updateShipmentRequest
	if err := decodeJSONBody(r, maxAdminBodySize, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	cmd := services.UpdateShipmentStatusCommand{
		OrderID:     chi.URLParam(r, "orderID"),
		Status:      domain.ShipmentStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Description: req.Description,
	}
	if raw := strings.TrimSpace(req.OccurredAt); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "occurred_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.OccurredAt = ts
	}

	order, err := h.lifecycle.UpdateShipmentStatus(ctx, cmd)
	if err != nil && !errors.Is(err, services.ErrAlreadyProcessed) {
		writeLifecycleError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) retryLabel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	order, err := h.lifecycle.RetryLabel(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeLifecycleError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) listReturns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	// Returns live on the order document, so this lists delivered or refunded
	// orders and keeps the ones carrying a return record.
	listQuery := services.ListOrdersQuery{
		Status:    []domain.OrderStatus{domain.OrderStatusDelivered, domain.OrderStatusRefunded},
		PageToken: strings.TrimSpace(query.Get("page_token")),
		PageSize:  maxOrderPageSize,
	}
	page, err := h.lifecycle.ListOrders(ctx, listQuery)
	if err != nil {
		writeLifecycleError(ctx, w, err)
		return
	}

	wantStatus := strings.ToLower(strings.TrimSpace(query.Get("status")))
	items := make([]orderSummaryPayload, 0)
	for _, order := range page.Items {
		if order.Return == nil {
			continue
		}
		if wantStatus != "" && string(order.Return.Status) != wantStatus {
			continue
		}
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *AdminHandlers) updateReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req updateReturnRequest
	if err := decodeJSONBody(r, maxAdminBodySize, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	orderID := chi.URLParam(r, "orderID")
	var (
		order domain.Order
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "approve":
		order, err = h.lifecycle.ApproveReturn(ctx, services.ApproveReturnCommand{
			OrderID:           orderID,
			CourierSlug:       req.CourierSlug,
			RestockOnApproval: req.Restock,
		})
	case "deny":
		order, err = h.lifecycle.DenyReturn(ctx, services.DenyReturnCommand{
			OrderID: orderID,
			Reason:  req.Reason,
		})
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "action must be approve or deny", http.StatusBadRequest))
		return
	}
	if err != nil && !errors.Is(err, services.ErrAlreadyProcessed) {
		writeLifecycleError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) listCouriers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	partners, err := h.couriers.ListPartners(ctx)
	if err != nil {
		writeCourierError(ctx, w, err)
		return
	}

	items := make([]courierPartnerPayload, 0, len(partners))
	for _, partner := range partners {
		items = append(items, buildCourierPartnerPayload(partner))
	}
	writeJSONResponse(w, http.StatusOK, courierPartnerListResponse{Items: items})
}

func (h *AdminHandlers) getCourier(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	partner, err := h.couriers.GetPartner(ctx, chi.URLParam(r, "slug"))
	if err != nil {
		writeCourierError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, courierPartnerResponse{Partner: buildCourierPartnerPayload(partner)})
}

func (h *AdminHandlers) upsertCourier(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req courierPartnerRequest
	if err := decodeJSONBody(r, maxAdminBodySize, &req); err != nil {
		writeBodyError(w, r, err)
		return
	}

	partner, err := h.couriers.UpsertPartner(ctx, services.UpsertCourierPartnerCommand{
		Partner: domain.CourierPartner{
			Slug:        chi.URLParam(r, "slug"),
			Name:        req.Name,
			Enabled:     req.Enabled,
			Environment: domain.CourierEnvironment(strings.ToLower(strings.TrimSpace(req.Environment))),
			BaseURLs: domain.CourierBaseURLs{
				Sandbox:    req.BaseURLs.Sandbox,
				Production: req.BaseURLs.Production,
			},
			Auth: domain.CourierAuth{
				Scheme:       domain.CourierAuthScheme(strings.ToLower(strings.TrimSpace(req.Auth.Scheme))),
				Header:       req.Auth.Header,
				Key:          req.Auth.Key,
				Token:        req.Auth.Token,
				Username:     req.Auth.Username,
				Password:     req.Auth.Password,
				TokenURL:     req.Auth.TokenURL,
				ClientID:     req.Auth.ClientID,
				ClientSecret: req.Auth.ClientSecret,
			},
			Endpoints: domain.CourierEndpoints{
				CreateShipment: req.Endpoints.CreateShipment,
				BuyLabel:       req.Endpoints.BuyLabel,
				Tracking:       req.Endpoints.Tracking,
				Cancel:         req.Endpoints.Cancel,
				Rates:          req.Endpoints.Rates,
			},
			Currency: req.Currency,
		},
	})
	if err != nil {
		writeCourierError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, courierPartnerResponse{Partner: buildCourierPartnerPayload(partner)})
}

func buildCourierPartnerPayload(partner domain.CourierPartner) courierPartnerPayload {
	return courierPartnerPayload{
		Slug:        partner.Slug,
		Name:        partner.Name,
		Enabled:     partner.Enabled,
		Environment: string(partner.Environment),
		BaseURLs: courierBaseURLs{
			Sandbox:    partner.BaseURLs.Sandbox,
			Production: partner.BaseURLs.Production,
		},
		AuthScheme: string(partner.Auth.Scheme),
		Endpoints: courierEndpoints{
			CreateShipment: partner.Endpoints.CreateShipment,
			BuyLabel:       partner.Endpoints.BuyLabel,
			Tracking:       partner.Endpoints.Tracking,
			Cancel:         partner.Endpoints.Cancel,
			Rates:          partner.Endpoints.Rates,
		},
		Currency:  partner.Currency,
		UpdatedAt: formatTime(partner.UpdatedAt),
	}
}

func writeCourierError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCourierInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCourierNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("courier_not_found", "courier partner not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("courier_error", "failed to process courier request", http.StatusInternalServerError))
	}
}
