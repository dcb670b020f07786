package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Kzarr-e/kzarre-backend/internal/couriers"
	"github.com/Kzarr-e/kzarre-backend/internal/domain"
	"github.com/Kzarr-e/kzarre-backend/internal/payments"
	"github.com/Kzarr-e/kzarre-backend/internal/repositories"
)

var testNow = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

type stubRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return e.msg }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

func notFoundErr(msg string) error { return &stubRepoError{msg: msg, notFound: true} }
func conflictErr(msg string) error { return &stubRepoError{msg: msg, conflict: true} }

type stubOrderRepo struct {
	orders map[string]domain.Order
}

func newStubOrderRepo(orders ...domain.Order) *stubOrderRepo {
	repo := &stubOrderRepo{orders: make(map[string]domain.Order)}
	for _, order := range orders {
		repo.orders[order.ID] = order
	}
	return repo
}

func (r *stubOrderRepo) Insert(_ context.Context, order domain.Order) error {
	if _, exists := r.orders[order.ID]; exists {
		return conflictErr("order exists")
	}
	r.orders[order.ID] = order
	return nil
}

func (r *stubOrderRepo) Update(_ context.Context, order domain.Order) error {
	stored, ok := r.orders[order.ID]
	if !ok {
		return notFoundErr("order not found")
	}
	if stored.Version != order.Version {
		return conflictErr("version mismatch")
	}
	order.Version++
	r.orders[order.ID] = order
	return nil
}

func (r *stubOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, notFoundErr("order not found")
	}
	return order, nil
}

func (r *stubOrderRepo) FindByPaymentID(_ context.Context, paymentID string) (domain.Order, error) {
	for _, order := range r.orders {
		if order.PaymentID != nil && *order.PaymentID == paymentID {
			return order, nil
		}
	}
	return domain.Order{}, notFoundErr("order not found")
}

func (r *stubOrderRepo) FindByTrackingID(_ context.Context, trackingID string) (domain.Order, error) {
	for _, order := range r.orders {
		if order.Shipment != nil && order.Shipment.TrackingID == trackingID {
			return order, nil
		}
	}
	return domain.Order{}, notFoundErr("order not found")
}

func (r *stubOrderRepo) FindByReverseTrackingID(_ context.Context, trackingID string) (domain.Order, error) {
	for _, order := range r.orders {
		if order.Return != nil && order.Return.ReverseShipment != nil &&
			order.Return.ReverseShipment.TrackingID == trackingID {
			return order, nil
		}
	}
	return domain.Order{}, notFoundErr("order not found")
}

func (r *stubOrderRepo) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	var page domain.CursorPage[domain.Order]
	for _, order := range r.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		page.Items = append(page.Items, order)
	}
	return page, nil
}

type stubProductRepo struct {
	products     map[string]domain.Product
	deductCalls  int
	restoreCalls int
	deductErr    error
}

func newStubProductRepo(products ...domain.Product) *stubProductRepo {
	repo := &stubProductRepo{products: make(map[string]domain.Product)}
	for _, product := range products {
		repo.products[product.ID] = product
	}
	return repo
}

func (r *stubProductRepo) FindByID(_ context.Context, productID string) (domain.Product, error) {
	product, ok := r.products[productID]
	if !ok {
		return domain.Product{}, notFoundErr("product not found")
	}
	return product, nil
}

func (r *stubProductRepo) Upsert(_ context.Context, product domain.Product) error {
	r.products[product.ID] = product
	return nil
}

func (r *stubProductRepo) DeductStock(_ context.Context, adjustments []repositories.StockAdjustment) error {
	r.deductCalls++
	if r.deductErr != nil {
		return r.deductErr
	}
	for _, adj := range adjustments {
		product, ok := r.products[adj.ProductID]
		if !ok {
			return notFoundErr("product not found")
		}
		if product.HasVariants() {
			idx, matched := product.MatchVariant(adj.Variant)
			if !matched {
				return notFoundErr("variant not found")
			}
			if product.Variants[idx].Stock < adj.Quantity {
				return conflictErr("insufficient variant stock")
			}
			product.Variants[idx].Stock -= adj.Quantity
		} else {
			if product.StockQuantity < adj.Quantity {
				return conflictErr("insufficient stock")
			}
			product.StockQuantity -= adj.Quantity
		}
		r.products[adj.ProductID] = product
	}
	return nil
}

func (r *stubProductRepo) RestoreStock(_ context.Context, adjustments []repositories.StockAdjustment) error {
	r.restoreCalls++
	for _, adj := range adjustments {
		product, ok := r.products[adj.ProductID]
		if !ok {
			return notFoundErr("product not found")
		}
		if idx, matched := product.MatchVariant(adj.Variant); product.HasVariants() && matched {
			product.Variants[idx].Stock += adj.Quantity
		} else {
			product.StockQuantity += adj.Quantity
		}
		r.products[adj.ProductID] = product
	}
	return nil
}

type stubPartnerRepo struct {
	partners map[string]domain.CourierPartner
}

func newStubPartnerRepo(partners ...domain.CourierPartner) *stubPartnerRepo {
	repo := &stubPartnerRepo{partners: make(map[string]domain.CourierPartner)}
	for _, partner := range partners {
		repo.partners[partner.Slug] = partner
	}
	return repo
}

func (r *stubPartnerRepo) Upsert(_ context.Context, partner domain.CourierPartner) error {
	r.partners[partner.Slug] = partner
	return nil
}

func (r *stubPartnerRepo) FindBySlug(_ context.Context, slug string) (domain.CourierPartner, error) {
	partner, ok := r.partners[slug]
	if !ok {
		return domain.CourierPartner{}, notFoundErr("partner not found")
	}
	return partner, nil
}

func (r *stubPartnerRepo) FindEnabled(_ context.Context) (domain.CourierPartner, error) {
	for _, partner := range r.partners {
		if partner.Enabled {
			return partner, nil
		}
	}
	return domain.CourierPartner{}, notFoundErr("no enabled partner")
}

func (r *stubPartnerRepo) List(_ context.Context) ([]domain.CourierPartner, error) {
	out := make([]domain.CourierPartner, 0, len(r.partners))
	for _, partner := range r.partners {
		out = append(out, partner)
	}
	return out, nil
}

type stubCounterRepo struct {
	values map[string]int64
}

func (r *stubCounterRepo) Next(_ context.Context, counterID string, step int64) (int64, error) {
	if r.values == nil {
		r.values = make(map[string]int64)
	}
	if step <= 0 {
		step = 1
	}
	r.values[counterID] += step
	return r.values[counterID], nil
}

func (r *stubCounterRepo) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

type stubGateway struct {
	session    payments.CheckoutSession
	sessionErr error
	refund     payments.Refund
	refundErr  error
	refundReqs []payments.RefundRequest
}

func (g *stubGateway) CreateCheckoutSession(_ context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	if g.sessionErr != nil {
		return payments.CheckoutSession{}, g.sessionErr
	}
	return g.session, nil
}

func (g *stubGateway) RetrievePaymentStatus(context.Context, string) (payments.PaymentDetails, error) {
	return payments.PaymentDetails{}, nil
}

func (g *stubGateway) CreateRefund(_ context.Context, req payments.RefundRequest) (payments.Refund, error) {
	g.refundReqs = append(g.refundReqs, req)
	if g.refundErr != nil {
		return payments.Refund{}, g.refundErr
	}
	return g.refund, nil
}

type stubCourierClient struct {
	shipment    couriers.ShipmentResult
	shipmentErr error
	reverse     couriers.ShipmentResult
	reverseErr  error
	label       couriers.LabelResult
	labelErr    error
	onReverse   func()

	createCalls  int
	reverseCalls int
}

func (c *stubCourierClient) CreateShipment(context.Context, couriers.ShipmentRequest) (couriers.ShipmentResult, error) {
	c.createCalls++
	if c.shipmentErr != nil {
		return couriers.ShipmentResult{}, c.shipmentErr
	}
	return c.shipment, nil
}

func (c *stubCourierClient) BuyLabel(context.Context, string) (couriers.LabelResult, error) {
	if c.labelErr != nil {
		return couriers.LabelResult{}, c.labelErr
	}
	return c.label, nil
}

func (c *stubCourierClient) CreateReverseShipment(context.Context, couriers.ReverseShipmentRequest) (couriers.ShipmentResult, error) {
	c.reverseCalls++
	if c.onReverse != nil {
		c.onReverse()
	}
	if c.reverseErr != nil {
		return couriers.ShipmentResult{}, c.reverseErr
	}
	return c.reverse, nil
}

func (c *stubCourierClient) CancelShipment(context.Context, string) error { return nil }

type stubCourierSource struct {
	client *stubCourierClient
	err    error
}

func (s *stubCourierSource) ClientFor(domain.CourierPartner) (couriers.Client, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.client, nil
}

type recordingPublisher struct {
	events []OrderEvent
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) (string, error) {
	p.events = append(p.events, event)
	return fmt.Sprintf("msg-%d", len(p.events)), nil
}

func (p *recordingPublisher) types() []string {
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type lifecycleFixture struct {
	orders    *stubOrderRepo
	products  *stubProductRepo
	partners  *stubPartnerRepo
	gateway   *stubGateway
	courier   *stubCourierClient
	publisher *recordingPublisher
	service   LifecycleService
}

func newLifecycleFixture(t *testing.T, opts ...func(*LifecycleServiceDeps)) *lifecycleFixture {
	t.Helper()

	fixture := &lifecycleFixture{
		orders:    newStubOrderRepo(),
		products:  newStubProductRepo(),
		partners:  newStubPartnerRepo(enabledPartner()),
		gateway:   &stubGateway{},
		courier:   &stubCourierClient{},
		publisher: &recordingPublisher{},
	}

	counter := 0
	deps := LifecycleServiceDeps{
		Orders:   fixture.orders,
		Products: fixture.products,
		Partners: fixture.partners,
		Counters: &stubCounterRepo{},
		Gateway:  fixture.gateway,
		Couriers: &stubCourierSource{client: fixture.courier},
		Events:   fixture.publisher,
		Clock:    func() time.Time { return testNow },
		IDGenerator: func() string {
			counter++
			return fmt.Sprintf("TEST%026d", counter)[:26]
		},
		Checkout: CheckoutSettings{
			Currency:        "INR",
			DeliveryFee:     1500,
			FrontendBaseURL: "https://shop.kzarre.test",
			DefaultCourier:  "shipfast",
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}

	service, err := NewLifecycleService(deps)
	if err != nil {
		t.Fatalf("NewLifecycleService: %v", err)
	}
	fixture.service = service
	return fixture
}

func enabledPartner() domain.CourierPartner {
	return domain.CourierPartner{
		Slug:        "shipfast",
		Name:        "ShipFast",
		Enabled:     true,
		Environment: domain.CourierEnvironmentSandbox,
		BaseURLs:    domain.CourierBaseURLs{Sandbox: "https://sandbox.shipfast.test"},
		Auth:        domain.CourierAuth{Scheme: domain.CourierAuthAPIKey, Key: "k"},
		Endpoints:   domain.CourierEndpoints{CreateShipment: "/v1/shipments"},
		UpdatedAt:   testNow,
	}
}

func shirtProduct() domain.Product {
	return domain.Product{
		ID:       "prod_shirt",
		SKU:      "SHIRT",
		Name:     "Linen Shirt",
		Price:    250000,
		Currency: "INR",
		Variants: []domain.ProductVariant{
			{SKU: "SHIRT-M", Size: "M", Stock: 5},
			{SKU: "SHIRT-L", Size: "L", Stock: 0},
		},
	}
}

func pendingOrder() domain.Order {
	return domain.Order{
		ID:          "ord_1",
		OrderNumber: "KZ-2026-000001",
		UserID:      "user-1",
		Items: []domain.OrderLineItem{{
			ProductRef: "prod_shirt",
			SKU:        "SHIRT-M",
			Name:       "Linen Shirt",
			Quantity:   2,
			UnitPrice:  250000,
			Variant:    domain.Variant{Size: "M"},
		}},
		Address: domain.Address{
			Name: "Asha Rao", Line1: "14 MG Road", City: "Bengaluru",
			PostalCode: "560001", Country: "IN",
		},
		Amount:        501500,
		Currency:      "INR",
		Status:        domain.OrderStatusPendingPayment,
		PaymentMethod: domain.PaymentMethodOnline,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
	}
}

func paidOrder() domain.Order {
	order := pendingOrder()
	order.Status = domain.OrderStatusPaid
	order.StockReduced = true
	paymentID := "pi_1"
	order.PaymentID = &paymentID
	paidAt := testNow
	order.PaidAt = &paidAt
	return order
}

func shippedOrder() domain.Order {
	order := paidOrder()
	order.Status = domain.OrderStatusShipped
	shippedAt := testNow
	order.ShippedAt = &shippedAt
	order.Shipment = &domain.Shipment{
		Carrier:    "shipfast",
		TrackingID: "SF123",
		Status:     domain.ShipmentStatusLabelCreated,
		ShippedAt:  &shippedAt,
	}
	return order
}

func deliveredOrder() domain.Order {
	order := shippedOrder()
	order.Status = domain.OrderStatusDelivered
	deliveredAt := testNow
	order.DeliveredAt = &deliveredAt
	order.Shipment.Status = domain.ShipmentStatusDelivered
	order.Shipment.DeliveredAt = &deliveredAt
	return order
}

func TestCreateOrderSnapshotsProductsAndNumbersOrder(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.products.products["prod_shirt"] = shirtProduct()

	order, err := fixture.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID: "user-1",
		Lines: []CreateOrderLine{
			{ProductID: "prod_shirt", Quantity: 2, Variant: domain.Variant{Size: "M"}},
		},
		Address: pendingOrder().Address,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.OrderNumber != "KZ-2026-000001" {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("expected pending_payment, got %s", order.Status)
	}
	if order.Amount != 2*250000+1500 {
		t.Fatalf("expected subtotal plus delivery fee, got %d", order.Amount)
	}
	if order.Items[0].SKU != "SHIRT-M" || order.Items[0].Name != "Linen Shirt" {
		t.Fatalf("expected variant snapshot, got %+v", order.Items[0])
	}
	if order.StockReduced {
		t.Fatalf("stock must not be reduced at creation")
	}
	if got := fixture.publisher.types(); len(got) != 1 || got[0] != "order.created" {
		t.Fatalf("expected order.created event, got %v", got)
	}
}

func TestCreateOrderRejectsInsufficientVariantStock(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.products.products["prod_shirt"] = shirtProduct()

	_, err := fixture.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID: "user-1",
		Lines: []CreateOrderLine{
			{ProductID: "prod_shirt", Quantity: 1, Variant: domain.Variant{Size: "L"}},
		},
		Address: pendingOrder().Address,
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestCreateOrderRejectsUnknownVariant(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.products.products["prod_shirt"] = shirtProduct()

	_, err := fixture.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID: "user-1",
		Lines: []CreateOrderLine{
			{ProductID: "prod_shirt", Quantity: 1, Variant: domain.Variant{Size: "XXL"}},
		},
		Address: pendingOrder().Address,
	})
	if !errors.Is(err, ErrLifecycleInvalidInput) {
		t.Fatalf("expected ErrLifecycleInvalidInput, got %v", err)
	}
}

func TestBeginPaymentStoresGatewayReference(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.orders.orders["ord_1"] = pendingOrder()
	fixture.gateway.session = payments.CheckoutSession{
		ID:          "cs_1",
		RedirectURL: "https://checkout.stripe.com/cs_1",
		PaymentID:   "pi_1",
	}

	redirect, err := fixture.service.BeginPayment(context.Background(), BeginPaymentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("BeginPayment: %v", err)
	}
	if redirect.RedirectURL == "" || redirect.SessionID != "cs_1" {
		t.Fatalf("unexpected redirect %+v", redirect)
	}

	stored := fixture.orders.orders["ord_1"]
	if stored.PaymentID == nil || *stored.PaymentID != "pi_1" {
		t.Fatalf("expected payment id stored, got %+v", stored.PaymentID)
	}
}

func TestConfirmPaymentDeductsStockExactlyOnce(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.products.products["prod_shirt"] = shirtProduct()
	fixture.orders.orders["ord_1"] = pendingOrder()

	first, err := fixture.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:   "ord_1",
		PaymentID: "pi_1",
	})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if first.Status != domain.OrderStatusPaid || !first.StockReduced {
		t.Fatalf("expected paid order with stock reduced, got %+v", first)
	}
	if first.PaidAt == nil {
		t.Fatalf("expected PaidAt stamp")
	}

	second, err := fixture.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:   "ord_1",
		PaymentID: "pi_1",
	})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed on replay, got %v", err)
	}
	if second.Status != domain.OrderStatusPaid {
		t.Fatalf("replay must return the paid order")
	}

	if fixture.products.deductCalls != 1 {
		t.Fatalf("expected exactly one stock deduction, got %d", fixture.products.deductCalls)
	}
	if stock := fixture.products.products["prod_shirt"].Variants[0].Stock; stock != 3 {
		t.Fatalf("expected variant stock 3, got %d", stock)
	}
}

func TestConfirmPaymentInsufficientStockAborts(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.products.products["prod_shirt"] = shirtProduct()
	fixture.products.deductErr = conflictErr("insufficient stock")
	fixture.orders.orders["ord_1"] = pendingOrder()

	_, err := fixture.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:   "ord_1",
		PaymentID: "pi_1",
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if stored := fixture.orders.orders["ord_1"]; stored.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("order must stay pending, got %s", stored.Status)
	}
}

func TestConfirmPaymentAfterCancellationIsInvalid(t *testing.T) {
	fixture := newLifecycleFixture(t)
	cancelled := pendingOrder()
	cancelled.Status = domain.OrderStatusCancelled
	fixture.orders.orders["ord_1"] = cancelled

	_, err := fixture.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:   "ord_1",
		PaymentID: "pi_1",
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestConfirmPaymentRetriesAfterFailedAttempt(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.products.products["prod_shirt"] = shirtProduct()
	fixture.orders.orders["ord_1"] = pendingOrder()

	first, err := fixture.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:   "ord_1",
		PaymentID: "pi_1",
	})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if first.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", first.Status)
	}

	failed, err := fixture.service.CancelOrPaymentFail(context.Background(), CancelCommand{
		OrderID: "ord_1",
		Reason:  "card declined",
	})
	if err != nil {
		t.Fatalf("CancelOrPaymentFail: %v", err)
	}
	if failed.Status != domain.OrderStatusFailed || failed.StockReduced {
		t.Fatalf("expected failed order with stock restored, got %+v", failed)
	}
	if stock := fixture.products.products["prod_shirt"].Variants[0].Stock; stock != 5 {
		t.Fatalf("expected variant stock back to 5, got %d", stock)
	}

	// The provider retries the payment after the transient decline.
	retried, err := fixture.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:   "ord_1",
		PaymentID: "pi_1",
	})
	if err != nil {
		t.Fatalf("ConfirmPayment retry: %v", err)
	}
	if retried.Status != domain.OrderStatusPaid || !retried.StockReduced {
		t.Fatalf("expected paid order after retry, got %+v", retried)
	}
	if fixture.products.deductCalls != 2 || fixture.products.restoreCalls != 1 {
		t.Fatalf("expected deduct/restore/deduct, got %d deducts %d restores",
			fixture.products.deductCalls, fixture.products.restoreCalls)
	}
	if stock := fixture.products.products["prod_shirt"].Variants[0].Stock; stock != 3 {
		t.Fatalf("expected variant stock 3 after retry, got %d", stock)
	}
}

func TestCancelRestoresStockOnlyWhenReduced(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.products.products["prod_shirt"] = shirtProduct()

	// Not yet reduced: no restoration.
	fixture.orders.orders["ord_1"] = pendingOrder()
	order, err := fixture.service.CancelOrPaymentFail(context.Background(), CancelCommand{
		OrderID: "ord_1",
		Cancel:  true,
		Reason:  "buyer changed mind",
	})
	if err != nil {
		t.Fatalf("CancelOrPaymentFail: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled || order.CanceledAt == nil {
		t.Fatalf("expected cancelled order, got %+v", order)
	}
	if fixture.products.restoreCalls != 0 {
		t.Fatalf("expected no restore, got %d", fixture.products.restoreCalls)
	}

	// Reduced stock must be restored and the flag cleared.
	reduced := pendingOrder()
	reduced.ID = "ord_2"
	reduced.StockReduced = true
	fixture.orders.orders["ord_2"] = reduced
	order, err = fixture.service.CancelOrPaymentFail(context.Background(), CancelCommand{OrderID: "ord_2"})
	if err != nil {
		t.Fatalf("CancelOrPaymentFail reduced: %v", err)
	}
	if order.Status != domain.OrderStatusFailed || order.StockReduced {
		t.Fatalf("expected failed order with flag cleared, got %+v", order)
	}
	if fixture.products.restoreCalls != 1 {
		t.Fatalf("expected one restore, got %d", fixture.products.restoreCalls)
	}
}

func TestCancelPaidOrderIsInvalid(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.orders.orders["ord_1"] = paidOrder()

	_, err := fixture.service.CancelOrPaymentFail(context.Background(), CancelCommand{OrderID: "ord_1", Cancel: true})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCancelReplayIsAlreadyProcessed(t *testing.T) {
	fixture := newLifecycleFixture(t)
	failed := pendingOrder()
	failed.Status = domain.OrderStatusFailed
	fixture.orders.orders["ord_1"] = failed

	_, err := fixture.service.CancelOrPaymentFail(context.Background(), CancelCommand{OrderID: "ord_1"})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
	if fixture.products.restoreCalls != 0 {
		t.Fatalf("replay must not restore stock")
	}
}

func TestCreateShipmentMovesOrderToShipped(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.orders.orders["ord_1"] = paidOrder()
	fixture.courier.shipment = couriers.ShipmentResult{
		TrackingID: "SF123",
		LabelURL:   "https://labels/SF123.pdf",
		Status:     domain.ShipmentStatusLabelCreated,
	}

	order, err := fixture.service.CreateShipment(context.Background(), CreateShipmentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("CreateShipment: %v", err)
	}
	if order.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped, got %s", order.Status)
	}
	if order.Shipment == nil || order.Shipment.TrackingID != "SF123" || order.Shipment.Carrier != "shipfast" {
		t.Fatalf("unexpected shipment %+v", order.Shipment)
	}
	if order.ShippedAt == nil {
		t.Fatalf("expected ShippedAt stamp")
	}
}

func TestCreateShipmentLabelPendingKeepsOrderPaid(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.orders.orders["ord_1"] = paidOrder()
	fixture.courier.shipment = couriers.ShipmentResult{Status: domain.ShipmentStatusLabelPending}

	order, err := fixture.service.CreateShipment(context.Background(), CreateShipmentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("CreateShipment: %v", err)
	}
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("label pending must keep order paid, got %s", order.Status)
	}
	if order.Shipment == nil || order.Shipment.Status != domain.ShipmentStatusLabelPending {
		t.Fatalf("unexpected shipment %+v", order.Shipment)
	}

	// The retry re-books and promotes the order once tracking exists.
	fixture.courier.shipment = couriers.ShipmentResult{
		TrackingID: "SF999",
		Status:     domain.ShipmentStatusLabelCreated,
	}
	order, err = fixture.service.RetryLabel(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("RetryLabel: %v", err)
	}
	if order.Status != domain.OrderStatusShipped || order.Shipment.TrackingID != "SF999" {
		t.Fatalf("expected shipped with tracking after retry, got %+v", order)
	}
}

func TestCreateShipmentRejectsDuplicateTracking(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.orders.orders["ord_1"] = shippedOrder()

	_, err := fixture.service.CreateShipment(context.Background(), CreateShipmentCommand{OrderID: "ord_1"})
	if !errors.Is(err, ErrAlreadyShipped) {
		t.Fatalf("expected ErrAlreadyShipped, got %v", err)
	}
}

func TestCreateShipmentCourierFailureLeavesOrderPaid(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.orders.orders["ord_1"] = paidOrder()
	fixture.courier.shipmentErr = couriers.ErrCourierUnavailable

	_, err := fixture.service.CreateShipment(context.Background(), CreateShipmentCommand{OrderID: "ord_1"})
	if !errors.Is(err, couriers.ErrCourierUnavailable) {
		t.Fatalf("expected courier error, got %v", err)
	}
	if stored := fixture.orders.orders["ord_1"]; stored.Status != domain.OrderStatusPaid || stored.Shipment != nil {
		t.Fatalf("order must stay paid with no shipment, got %+v", stored)
	}
}

func TestUpdateShipmentStatusDelivered(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.orders.orders["ord_1"] = shippedOrder()

	at := testNow.Add(48 * time.Hour)
	order, err := fixture.service.UpdateShipmentStatus(context.Background(), UpdateShipmentStatusCommand{
		TrackingID: "SF123",
		Status:     domain.ShipmentStatusDelivered,
		OccurredAt: at,
	})
	if err != nil {
		t.Fatalf("UpdateShipmentStatus: %v", err)
	}
	if order.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered, got %s", order.Status)
	}
	if order.DeliveredAt == nil || !order.DeliveredAt.Equal(at) {
		t.Fatalf("expected DeliveredAt %v, got %v", at, order.DeliveredAt)
	}
	if got := len(order.Shipment.History); got == 0 {
		t.Fatalf("expected shipment history appended")
	}

	// A late duplicate callback is a no-op.
	_, err = fixture.service.UpdateShipmentStatus(context.Background(), UpdateShipmentStatusCommand{
		TrackingID: "SF123",
		Status:     domain.ShipmentStatusInTransit,
	})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed for late callback, got %v", err)
	}
}

func TestUpdateShipmentStatusExceptionFlagsManualReview(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.orders.orders["ord_1"] = shippedOrder()

	order, err := fixture.service.UpdateShipmentStatus(context.Background(), UpdateShipmentStatusCommand{
		OrderID:     "ord_1",
		Status:      domain.ShipmentStatusException,
		Description: "address unreachable",
	})
	if err != nil {
		t.Fatalf("UpdateShipmentStatus: %v", err)
	}
	if !order.ManualReview {
		t.Fatalf("expected manual review flag")
	}
	if order.Status != domain.OrderStatusShipped {
		t.Fatalf("exception must not change order status, got %s", order.Status)
	}
}

func TestUpdateShipmentStatusRejectsUnknownStatus(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.orders.orders["ord_1"] = shippedOrder()

	_, err := fixture.service.UpdateShipmentStatus(context.Background(), UpdateShipmentStatusCommand{
		OrderID: "ord_1",
		Status:  domain.ShipmentStatus("lost_in_space"),
	})
	if !errors.Is(err, ErrLifecycleInvalidInput) {
		t.Fatalf("expected ErrLifecycleInvalidInput, got %v", err)
	}
	if stored := fixture.orders.orders["ord_1"]; stored.Shipment.Status != domain.ShipmentStatusLabelCreated {
		t.Fatalf("order must not change on unknown status, got %s", stored.Shipment.Status)
	}
}

func TestReturnLifecycle(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.products.products["prod_shirt"] = shirtProduct()
	fixture.orders.orders["ord_1"] = deliveredOrder()
	fixture.courier.reverse = couriers.ShipmentResult{
		TrackingID: "SF-REV-1",
		Status:     domain.ShipmentStatusLabelCreated,
	}

	order, err := fixture.service.RequestReturn(context.Background(), RequestReturnCommand{
		OrderID: "ord_1",
		Reason:  "size mismatch",
	})
	if err != nil {
		t.Fatalf("RequestReturn: %v", err)
	}
	if order.Return == nil || order.Return.Status != domain.ReturnStatusRequested {
		t.Fatalf("expected requested return, got %+v", order.Return)
	}

	if _, err := fixture.service.RequestReturn(context.Background(), RequestReturnCommand{OrderID: "ord_1"}); !errors.Is(err, ErrDuplicateReturn) {
		t.Fatalf("expected ErrDuplicateReturn, got %v", err)
	}

	order, err = fixture.service.ApproveReturn(context.Background(), ApproveReturnCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("ApproveReturn: %v", err)
	}
	if order.Return.Status != domain.ReturnStatusApproved {
		t.Fatalf("expected approved return, got %s", order.Return.Status)
	}
	if order.Return.ReverseShipment == nil || order.Return.ReverseShipment.TrackingID != "SF-REV-1" {
		t.Fatalf("expected reverse shipment booked, got %+v", order.Return.ReverseShipment)
	}
	if order.Return.SLA == nil {
		t.Fatalf("expected SLA stamps")
	}
	if want := testNow.Add(48 * time.Hour); !order.Return.SLA.PickupBy.Equal(want) {
		t.Fatalf("expected pickup by %v, got %v", want, order.Return.SLA.PickupBy)
	}
	if want := testNow.Add(240 * time.Hour); !order.Return.SLA.CompleteBy.Equal(want) {
		t.Fatalf("expected complete by %v, got %v", want, order.Return.SLA.CompleteBy)
	}

	order, err = fixture.service.CompleteReturn(context.Background(), "SF-REV-1")
	if err != nil {
		t.Fatalf("CompleteReturn: %v", err)
	}
	if order.Return.Status != domain.ReturnStatusCompleted {
		t.Fatalf("expected completed return, got %s", order.Return.Status)
	}
	if order.Return.RestockedAt == nil || order.StockReduced {
		t.Fatalf("expected restock recorded, got %+v", order.Return)
	}
	if fixture.products.restoreCalls != 1 {
		t.Fatalf("expected one restore, got %d", fixture.products.restoreCalls)
	}

	// The courier may deliver the completion callback twice.
	_, err = fixture.service.CompleteReturn(context.Background(), "SF-REV-1")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed on replay, got %v", err)
	}
	if fixture.products.restoreCalls != 1 {
		t.Fatalf("replay must not restock again, got %d restores", fixture.products.restoreCalls)
	}
}

func TestApproveReturnRestocksExactlyOnce(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.products.products["prod_shirt"] = shirtProduct()
	order := deliveredOrder()
	order.Return = &domain.ReturnRecord{
		ID:          "ret_1",
		Status:      domain.ReturnStatusRequested,
		RequestedAt: testNow,
	}
	fixture.orders.orders["ord_1"] = order
	fixture.courier.reverse = couriers.ShipmentResult{
		TrackingID: "SF-REV-1",
		Status:     domain.ShipmentStatusLabelCreated,
	}

	approved, err := fixture.service.ApproveReturn(context.Background(), ApproveReturnCommand{
		OrderID:           "ord_1",
		RestockOnApproval: true,
	})
	if err != nil {
		t.Fatalf("ApproveReturn: %v", err)
	}
	if approved.Return.Status != domain.ReturnStatusApproved {
		t.Fatalf("expected approved return, got %s", approved.Return.Status)
	}
	if approved.Return.RestockedAt == nil || approved.StockReduced {
		t.Fatalf("expected restock recorded on approval, got %+v", approved.Return)
	}
	if stock := fixture.products.products["prod_shirt"].Variants[0].Stock; stock != 7 {
		t.Fatalf("expected variant stock 7 after restock, got %d", stock)
	}

	// The admin clicks approve twice; the second call must not restock again.
	_, err = fixture.service.ApproveReturn(context.Background(), ApproveReturnCommand{
		OrderID:           "ord_1",
		RestockOnApproval: true,
	})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed on repeat approval, got %v", err)
	}
	if fixture.products.restoreCalls != 1 {
		t.Fatalf("expected exactly one restore, got %d", fixture.products.restoreCalls)
	}
	if fixture.courier.reverseCalls != 1 {
		t.Fatalf("repeat approval must not book another reverse shipment, got %d", fixture.courier.reverseCalls)
	}
	if stock := fixture.products.products["prod_shirt"].Variants[0].Stock; stock != 7 {
		t.Fatalf("expected variant stock to stay 7, got %d", stock)
	}
}

func TestApproveReturnConcurrentApprovalDoesNotRestockAgain(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.products.products["prod_shirt"] = shirtProduct()
	order := deliveredOrder()
	order.Return = &domain.ReturnRecord{
		ID:          "ret_1",
		Status:      domain.ReturnStatusRequested,
		RequestedAt: testNow,
	}
	fixture.orders.orders["ord_1"] = order
	fixture.courier.reverse = couriers.ShipmentResult{TrackingID: "SF-REV-1"}

	// A second approval lands while the reverse shipment is being booked.
	fixture.courier.onReverse = func() {
		stored := fixture.orders.orders["ord_1"]
		restockedAt := testNow
		stored.Return.Status = domain.ReturnStatusApproved
		stored.Return.ApprovedAt = &restockedAt
		stored.Return.RestockedAt = &restockedAt
		stored.StockReduced = false
		fixture.orders.orders["ord_1"] = stored
	}

	_, err := fixture.service.ApproveReturn(context.Background(), ApproveReturnCommand{
		OrderID:           "ord_1",
		RestockOnApproval: true,
	})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed when approval already landed, got %v", err)
	}
	if fixture.products.restoreCalls != 0 {
		t.Fatalf("losing approval must not restock, got %d restores", fixture.products.restoreCalls)
	}
}

func TestRequestReturnRequiresDelivered(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.orders.orders["ord_1"] = shippedOrder()

	_, err := fixture.service.RequestReturn(context.Background(), RequestReturnCommand{OrderID: "ord_1"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestDenyReturnClosesRequest(t *testing.T) {
	fixture := newLifecycleFixture(t)
	order := deliveredOrder()
	order.Return = &domain.ReturnRecord{
		ID:          "ret_1",
		Status:      domain.ReturnStatusRequested,
		RequestedAt: testNow,
	}
	fixture.orders.orders["ord_1"] = order

	denied, err := fixture.service.DenyReturn(context.Background(), DenyReturnCommand{
		OrderID: "ord_1",
		Reason:  "outside return window",
	})
	if err != nil {
		t.Fatalf("DenyReturn: %v", err)
	}
	if denied.Return.Status != domain.ReturnStatusDenied || denied.Return.ClosedAt == nil {
		t.Fatalf("expected denied return, got %+v", denied.Return)
	}
}

func TestRefundRestoresStockAndRecordsRefund(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.products.products["prod_shirt"] = shirtProduct()
	fixture.orders.orders["ord_1"] = deliveredOrder()
	fixture.gateway.refund = payments.Refund{ID: "re_1", Status: "succeeded"}

	order, err := fixture.service.Refund(context.Background(), RefundCommand{
		OrderID: "ord_1",
		Reason:  "requested_by_customer",
	})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if order.Status != domain.OrderStatusRefunded || order.RefundedAt == nil {
		t.Fatalf("expected refunded order, got %+v", order)
	}
	if order.RefundID == nil || *order.RefundID != "re_1" {
		t.Fatalf("expected refund id recorded, got %+v", order.RefundID)
	}
	if order.StockReduced || fixture.products.restoreCalls != 1 {
		t.Fatalf("expected stock restored once, got %d", fixture.products.restoreCalls)
	}
	if len(fixture.gateway.refundReqs) != 1 || fixture.gateway.refundReqs[0].IdempotencyKey != "refund-ord_1" {
		t.Fatalf("expected idempotent gateway refund, got %+v", fixture.gateway.refundReqs)
	}

	// A second refund request is a no-op.
	_, err = fixture.service.Refund(context.Background(), RefundCommand{OrderID: "ord_1"})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
	if len(fixture.gateway.refundReqs) != 1 {
		t.Fatalf("replay must not hit the gateway again")
	}
}

func TestRefundSkipsRestockAfterCompletedReturn(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.products.products["prod_shirt"] = shirtProduct()
	order := deliveredOrder()
	restockedAt := testNow
	order.StockReduced = false
	order.Return = &domain.ReturnRecord{
		ID:          "ret_1",
		Status:      domain.ReturnStatusCompleted,
		RestockedAt: &restockedAt,
		RequestedAt: testNow,
	}
	fixture.orders.orders["ord_1"] = order
	fixture.gateway.refund = payments.Refund{ID: "re_2"}

	refunded, err := fixture.service.Refund(context.Background(), RefundCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refunded.Status != domain.OrderStatusRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}
	if fixture.products.restoreCalls != 0 {
		t.Fatalf("completed return already restocked; expected no restore, got %d", fixture.products.restoreCalls)
	}
}

func TestRefundRequiresPaymentReference(t *testing.T) {
	fixture := newLifecycleFixture(t)
	order := paidOrder()
	order.PaymentID = nil
	fixture.orders.orders["ord_1"] = order

	_, err := fixture.service.Refund(context.Background(), RefundCommand{OrderID: "ord_1"})
	if !errors.Is(err, ErrMissingPaymentReference) {
		t.Fatalf("expected ErrMissingPaymentReference, got %v", err)
	}
}

func TestRefundPendingOrderIsInvalid(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.orders.orders["ord_1"] = pendingOrder()

	_, err := fixture.service.Refund(context.Background(), RefundCommand{OrderID: "ord_1"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestMarkRefundedByProviderLooksUpPayment(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.products.products["prod_shirt"] = shirtProduct()
	fixture.orders.orders["ord_1"] = paidOrder()

	order, err := fixture.service.MarkRefundedByProvider(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("MarkRefundedByProvider: %v", err)
	}
	if order.Status != domain.OrderStatusRefunded {
		t.Fatalf("expected refunded, got %s", order.Status)
	}
	if fixture.products.restoreCalls != 1 {
		t.Fatalf("expected stock restored, got %d", fixture.products.restoreCalls)
	}

	// Replays keyed by the same payment reference are no-ops.
	_, err = fixture.service.MarkRefundedByProvider(context.Background(), "pi_1")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestAutoShipFailureFlagsManualReview(t *testing.T) {
	fixture := newLifecycleFixture(t, func(deps *LifecycleServiceDeps) {
		deps.Checkout.AutoShipOnPayment = true
	})
	fixture.products.products["prod_shirt"] = shirtProduct()
	fixture.orders.orders["ord_1"] = pendingOrder()
	fixture.courier.shipmentErr = couriers.ErrCourierUnavailable

	order, err := fixture.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:   "ord_1",
		PaymentID: "pi_1",
	})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("payment must succeed despite courier failure, got %s", order.Status)
	}
	if !order.ManualReview {
		t.Fatalf("expected manual review flag after auto-ship failure")
	}
}

func TestAutoShipBooksShipmentOnPayment(t *testing.T) {
	fixture := newLifecycleFixture(t, func(deps *LifecycleServiceDeps) {
		deps.Checkout.AutoShipOnPayment = true
	})
	fixture.products.products["prod_shirt"] = shirtProduct()
	fixture.orders.orders["ord_1"] = pendingOrder()
	fixture.courier.shipment = couriers.ShipmentResult{
		TrackingID: "SF123",
		Status:     domain.ShipmentStatusLabelCreated,
	}

	order, err := fixture.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID:   "ord_1",
		PaymentID: "pi_1",
	})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if order.Status != domain.OrderStatusShipped {
		t.Fatalf("expected auto-shipped order, got %s", order.Status)
	}
	if !strings.HasPrefix(order.OrderNumber, "KZ-") {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
}

func TestCODConfirmationSkipsGateway(t *testing.T) {
	fixture := newLifecycleFixture(t)
	fixture.products.products["prod_shirt"] = shirtProduct()
	order := pendingOrder()
	order.PaymentMethod = domain.PaymentMethodCOD
	fixture.orders.orders["ord_1"] = order

	confirmed, err := fixture.service.ConfirmPayment(context.Background(), ConfirmPaymentCommand{
		OrderID: "ord_1",
		Method:  domain.PaymentMethodCOD,
	})
	if err != nil {
		t.Fatalf("ConfirmPayment COD: %v", err)
	}
	if confirmed.Status != domain.OrderStatusPaid || confirmed.PaymentMethod != domain.PaymentMethodCOD {
		t.Fatalf("expected paid COD order, got %+v", confirmed)
	}
	if confirmed.PaymentID != nil {
		t.Fatalf("COD orders carry no gateway reference")
	}
}
