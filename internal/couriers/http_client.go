package couriers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Kzarr-e/kzarre-backend/internal/domain"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 1 << 20
)

// Logger defines the logging contract for courier client operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// HTTPClient talks to one courier partner's REST API as configured in the
// partner document.
type HTTPClient struct {
	partner domain.CourierPartner
	http    *http.Client
	logger  Logger
	timeout time.Duration

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// HTTPClientOption customises the HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPDoer overrides the underlying http.Client, primarily for tests.
func WithHTTPDoer(c *http.Client) HTTPClientOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

// WithLogger sets the logger callback.
func WithLogger(logger Logger) HTTPClientOption {
	return func(h *HTTPClient) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithRequestTimeout bounds each courier API call.
func WithRequestTimeout(d time.Duration) HTTPClientOption {
	return func(h *HTTPClient) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHTTPClient builds a client for the given partner configuration.
func NewHTTPClient(partner domain.CourierPartner, opts ...HTTPClientOption) (*HTTPClient, error) {
	if strings.TrimSpace(partner.Slug) == "" {
		return nil, errors.New("couriers: partner slug is required")
	}
	if strings.TrimSpace(partner.BaseURL()) == "" {
		return nil, fmt.Errorf("couriers: partner %s has no base url for environment %s", partner.Slug, partner.Environment)
	}

	client := &HTTPClient{
		partner: partner,
		http:    &http.Client{},
		logger:  func(context.Context, string, map[string]any) {},
		timeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

type createShipmentPayload struct {
	OrderNumber string             `json:"order_number"`
	Consignee   consigneePayload   `json:"consignee"`
	Items       []ParcelItem       `json:"items"`
	CODAmount   int64              `json:"cod_amount,omitempty"`
	Currency    string             `json:"currency,omitempty"`
	Reverse     bool               `json:"reverse,omitempty"`
	ReturnID    string             `json:"return_id,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

type consigneePayload struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type shipmentResponse struct {
	TrackingID string `json:"tracking_id"`
	LabelURL   string `json:"label_url"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// CreateShipment books a forward shipment. When the courier accepts the
// booking without assigning a tracking ID yet, the result carries the
// label pending status for later retry.
func (h *HTTPClient) CreateShipment(ctx context.Context, req ShipmentRequest) (ShipmentResult, error) {
	payload := createShipmentPayload{
		OrderNumber: req.OrderNumber,
		Consignee:   consigneeFromAddress(req.Address),
		Items:       req.Items,
		CODAmount:   req.CODAmount,
		Currency:    req.Currency,
	}

	var resp shipmentResponse
	if err := h.post(ctx, h.partner.Endpoints.CreateShipment, payload, &resp); err != nil {
		return ShipmentResult{}, err
	}

	result := shipmentResultFromResponse(resp)
	h.logger(ctx, "couriers.shipment.created", map[string]any{
		"courier":     h.partner.Slug,
		"orderNumber": req.OrderNumber,
		"trackingId":  result.TrackingID,
		"status":      string(result.Status),
	})
	return result, nil
}

// BuyLabel purchases or refreshes the label for a booked shipment.
func (h *HTTPClient) BuyLabel(ctx context.Context, trackingID string) (LabelResult, error) {
	if strings.TrimSpace(trackingID) == "" {
		return LabelResult{}, fmt.Errorf("%w: empty tracking id", ErrShipmentNotFound)
	}

	payload := map[string]string{"tracking_id": trackingID}
	var resp shipmentResponse
	if err := h.post(ctx, h.partner.Endpoints.BuyLabel, payload, &resp); err != nil {
		return LabelResult{}, err
	}

	tracking := resp.TrackingID
	if tracking == "" {
		tracking = trackingID
	}

	h.logger(ctx, "couriers.label.purchased", map[string]any{
		"courier":    h.partner.Slug,
		"trackingId": tracking,
	})
	return LabelResult{TrackingID: tracking, LabelURL: resp.LabelURL}, nil
}

// CreateReverseShipment books a return pickup from the customer address.
func (h *HTTPClient) CreateReverseShipment(ctx context.Context, req ReverseShipmentRequest) (ShipmentResult, error) {
	payload := createShipmentPayload{
		OrderNumber: req.OrderNumber,
		Consignee:   consigneeFromAddress(req.Address),
		Items:       req.Items,
		Reverse:     true,
		ReturnID:    req.ReturnID,
		Reason:      req.Reason,
	}

	endpoint := h.partner.Endpoints.CreateShipment
	var resp shipmentResponse
	if err := h.post(ctx, endpoint, payload, &resp); err != nil {
		return ShipmentResult{}, err
	}

	result := shipmentResultFromResponse(resp)
	h.logger(ctx, "couriers.reverse_shipment.created", map[string]any{
		"courier":    h.partner.Slug,
		"returnId":   req.ReturnID,
		"trackingId": result.TrackingID,
	})
	return result, nil
}

// CancelShipment cancels a booked shipment before pickup.
func (h *HTTPClient) CancelShipment(ctx context.Context, trackingID string) error {
	if strings.TrimSpace(trackingID) == "" {
		return fmt.Errorf("%w: empty tracking id", ErrShipmentNotFound)
	}
	payload := map[string]string{"tracking_id": trackingID}
	return h.post(ctx, h.partner.Endpoints.Cancel, payload, nil)
}

func (h *HTTPClient) post(ctx context.Context, endpoint string, payload any, out any) error {
	if strings.TrimSpace(endpoint) == "" {
		return fmt.Errorf("couriers: partner %s endpoint not configured", h.partner.Slug)
	}

	target, err := url.JoinPath(h.partner.BaseURL(), endpoint)
	if err != nil {
		return fmt.Errorf("couriers: build url: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("couriers: marshal payload: %w", err)
	}

	// One retry on transport failures and 5xx responses.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, h.timeout)
		status, respBody, err := h.doOnce(reqCtx, target, body)
		cancel()

		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		switch {
		case status >= http.StatusOK && status < http.StatusMultipleChoices:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("couriers: decode response: %w", err)
			}
			return nil
		case status == http.StatusNotFound:
			return fmt.Errorf("%w: %s returned 404", ErrShipmentNotFound, h.partner.Slug)
		case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
			lastErr = fmt.Errorf("status %d", status)
			continue
		default:
			return fmt.Errorf("couriers: %s rejected request with status %d: %s", h.partner.Slug, status, truncate(respBody, 256))
		}
	}

	return fmt.Errorf("%w: %s: %v", ErrCourierUnavailable, h.partner.Slug, lastErr)
}

func (h *HTTPClient) doOnce(ctx context.Context, target string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := h.authorize(ctx, req); err != nil {
		return 0, nil, err
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// authorize attaches partner credentials to the outgoing request. The oauth2
// scheme needs the client's token cache; the static schemes go through
// applyAuth directly.
func (h *HTTPClient) authorize(ctx context.Context, req *http.Request) error {
	if h.partner.Auth.Scheme == domain.CourierAuthOAuth2 {
		token, err := h.oauthToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
	return applyAuth(req, h.partner.Auth)
}

// oauthToken returns a cached client-credentials token, refreshing it when
// less than a minute of validity remains.
func (h *HTTPClient) oauthToken(ctx context.Context) (string, error) {
	auth := h.partner.Auth
	if auth.TokenURL == "" || auth.ClientID == "" || auth.ClientSecret == "" {
		return "", errors.New("couriers: oauth2 auth requires token url and client credentials")
	}

	h.tokenMu.Lock()
	defer h.tokenMu.Unlock()
	if h.accessToken != "" && time.Now().Before(h.tokenExpiry.Add(-time.Minute)) {
		return h.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", auth.ClientID)
	form.Set("client_secret", auth.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, auth.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: token request: %v", ErrCourierUnavailable, h.partner.Slug, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s: token endpoint returned %d", ErrCourierUnavailable, h.partner.Slug, resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("couriers: %s: decode token response: %w", h.partner.Slug, err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("couriers: %s: token response missing access_token", h.partner.Slug)
	}

	h.accessToken = payload.AccessToken
	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 300
	}
	h.tokenExpiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return h.accessToken, nil
}

func applyAuth(req *http.Request, auth domain.CourierAuth) error {
	switch auth.Scheme {
	case domain.CourierAuthAPIKey:
		header := auth.Header
		if header == "" {
			header = "X-Api-Key"
		}
		if auth.Key == "" {
			return errors.New("couriers: api key auth requires a key")
		}
		req.Header.Set(header, auth.Key)
	case domain.CourierAuthBearer:
		if auth.Token == "" {
			return errors.New("couriers: bearer auth requires a token")
		}
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case domain.CourierAuthBasic:
		if auth.Username == "" {
			return errors.New("couriers: basic auth requires a username")
		}
		credentials := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		req.Header.Set("Authorization", "Basic "+credentials)
	case "":
		return errors.New("couriers: auth scheme not configured")
	default:
		return fmt.Errorf("couriers: unsupported auth scheme %q", auth.Scheme)
	}
	return nil
}

func consigneeFromAddress(addr domain.Address) consigneePayload {
	return consigneePayload{
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

func shipmentResultFromResponse(resp shipmentResponse) ShipmentResult {
	status := domain.ShipmentStatusLabelCreated
	if strings.TrimSpace(resp.TrackingID) == "" {
		status = domain.ShipmentStatusLabelPending
	}
	return ShipmentResult{
		TrackingID: strings.TrimSpace(resp.TrackingID),
		LabelURL:   strings.TrimSpace(resp.LabelURL),
		Status:     status,
	}
}

func truncate(b []byte, limit int) string {
	s := string(b)
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
