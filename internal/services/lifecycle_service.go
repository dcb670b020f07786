package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Kzarr-e/kzarre-backend/internal/couriers"
	"github.com/Kzarr-e/kzarre-backend/internal/domain"
	"github.com/Kzarr-e/kzarre-backend/internal/payments"
	"github.com/Kzarr-e/kzarre-backend/internal/repositories"
)

const (
	orderEventCreated         = "order.created"
	orderEventPaid            = "order.paid"
	orderEventPaymentFailed   = "order.payment.failed"
	orderEventCancelled       = "order.cancelled"
	orderEventShipped         = "order.shipped"
	orderEventShipmentUpdated = "order.shipment.updated"
	orderEventDelivered       = "order.delivered"
	orderEventReturnRequested = "order.return.requested"
	orderEventReturnApproved  = "order.return.approved"
	orderEventReturnDenied    = "order.return.denied"
	orderEventReturnCompleted = "order.return.completed"
	orderEventRefunded        = "order.refunded"

	orderIDPrefix  = "ord_"
	returnIDPrefix = "ret_"

	returnPickupSLA   = 2 * 24 * time.Hour
	returnCompleteSLA = 10 * 24 * time.Hour
)

var (
	// ErrLifecycleInvalidInput signals the caller provided invalid data.
	ErrLifecycleInvalidInput = errors.New("lifecycle: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("lifecycle: order not found")
	// ErrInvalidState indicates the operation is not legal from the order's current status.
	ErrInvalidState = errors.New("lifecycle: invalid status transition")
	// ErrAlreadyProcessed indicates the requested effect is already applied.
	// Callers treat it as success.
	ErrAlreadyProcessed = errors.New("lifecycle: already processed")
	// ErrAlreadyShipped indicates a tracked shipment already exists.
	ErrAlreadyShipped = errors.New("lifecycle: shipment already exists")
	// ErrInsufficientStock indicates stock cannot cover the requested quantities.
	ErrInsufficientStock = errors.New("lifecycle: insufficient stock")
	// ErrDuplicateReturn indicates the order already carries a return request.
	ErrDuplicateReturn = errors.New("lifecycle: return already requested")
	// ErrMissingPaymentReference indicates a refund was requested without a
	// stored gateway payment reference.
	ErrMissingPaymentReference = errors.New("lifecycle: missing payment reference")
	// ErrLifecycleConflict indicates a concurrent modification lost the race.
	ErrLifecycleConflict = errors.New("lifecycle: conflict")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPendingPayment: {domain.OrderStatusPaid, domain.OrderStatusFailed, domain.OrderStatusCancelled},
	domain.OrderStatusFailed:         {domain.OrderStatusPaid},
	domain.OrderStatusPaid:           {domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusRefunded},
	domain.OrderStatusShipped:        {domain.OrderStatusDelivered, domain.OrderStatusRefunded},
	domain.OrderStatusDelivered:      {domain.OrderStatusRefunded},
}

func canTransition(current, target domain.OrderStatus) bool {
	if current == target {
		return true
	}
	for _, next := range orderStateTransitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

// CourierClientSource yields booking clients for courier partner configurations.
type CourierClientSource interface {
	ClientFor(partner domain.CourierPartner) (couriers.Client, error)
}

// CheckoutSettings carries the configured commercial defaults.
type CheckoutSettings struct {
	Currency          string
	DeliveryFee       int64
	FrontendBaseURL   string
	DefaultCourier    string
	AutoShipOnPayment bool
}

// LifecycleServiceDeps bundles collaborators required to construct the lifecycle service.
type LifecycleServiceDeps struct {
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	Partners    repositories.CourierPartnerRepository
	Counters    repositories.CounterRepository
	Gateway     payments.Gateway
	Couriers    CourierClientSource
	UnitOfWork  repositories.UnitOfWork
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
	Checkout    CheckoutSettings
}

type lifecycleService struct {
	orders     repositories.OrderRepository
	products   repositories.ProductRepository
	partners   repositories.CourierPartnerRepository
	counters   repositories.CounterRepository
	gateway    payments.Gateway
	couriers   CourierClientSource
	unitOfWork repositories.UnitOfWork
	events     OrderEventPublisher
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
	checkout   CheckoutSettings
}

// NewLifecycleService wires dependencies into a concrete LifecycleService implementation.
func NewLifecycleService(deps LifecycleServiceDeps) (LifecycleService, error) {
	if deps.Orders == nil {
		return nil, errors.New("lifecycle service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("lifecycle service: product repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("lifecycle service: counter repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	checkout := deps.Checkout
	if checkout.Currency == "" {
		checkout.Currency = "INR"
	}

	return &lifecycleService{
		orders:     deps.Orders,
		products:   deps.Products,
		partners:   deps.Partners,
		counters:   deps.Counters,
		gateway:    deps.Gateway,
		couriers:   deps.Couriers,
		unitOfWork: unit,
		events:     deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		logger:   logger,
		checkout: checkout,
	}, nil
}

func (s *lifecycleService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return domain.Order{}, fmt.Errorf("%w: user id is required", ErrLifecycleInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order must contain at least one line", ErrLifecycleInvalidInput)
	}
	if err := validateAddress(cmd.Address); err != nil {
		return domain.Order{}, err
	}

	method := cmd.PaymentMethod
	if method == "" {
		method = domain.PaymentMethodOnline
	}
	if method != domain.PaymentMethodOnline && method != domain.PaymentMethodCOD {
		return domain.Order{}, fmt.Errorf("%w: unknown payment method %q", ErrLifecycleInvalidInput, method)
	}

	now := s.now()

	// Advisory stock check only; the deduction at payment confirmation is
	// authoritative.
	items := make([]domain.OrderLineItem, 0, len(cmd.Lines))
	var subtotal int64
	for i, line := range cmd.Lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return domain.Order{}, fmt.Errorf("%w: line %d missing product id", ErrLifecycleInvalidInput, i)
		}
		if line.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("%w: line %d quantity must be positive", ErrLifecycleInvalidInput, i)
		}

		product, err := s.products.FindByID(ctx, line.ProductID)
		if err != nil {
			return domain.Order{}, s.mapRepositoryError(err)
		}

		sku := product.SKU
		available := product.StockQuantity
		if product.HasVariants() {
			idx, ok := product.MatchVariant(line.Variant)
			if !ok {
				return domain.Order{}, fmt.Errorf("%w: product %s has no variant size=%q color=%q",
					ErrLifecycleInvalidInput, product.ID, line.Variant.Size, line.Variant.Color)
			}
			available = product.Variants[idx].Stock
			if product.Variants[idx].SKU != "" {
				sku = product.Variants[idx].SKU
			}
		}
		if available < line.Quantity {
			return domain.Order{}, fmt.Errorf("%w: product %s has %d units, need %d",
				ErrInsufficientStock, product.ID, available, line.Quantity)
		}

		item := domain.OrderLineItem{
			ProductRef: product.ID,
			SKU:        sku,
			Name:       product.Name,
			Quantity:   line.Quantity,
			UnitPrice:  product.Price,
			Variant:    line.Variant,
		}
		subtotal += item.Total()
		items = append(items, item)
	}

	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return domain.Order{}, err
	}

	order := domain.Order{
		ID:            orderIDPrefix + s.newID(),
		OrderNumber:   number,
		UserID:        userID,
		Items:         items,
		Address:       cmd.Address,
		Amount:        subtotal + s.checkout.DeliveryFee,
		Currency:      s.checkout.Currency,
		Status:        domain.OrderStatusPendingPayment,
		PaymentMethod: method,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventCreated,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      order.Status,
		OccurredAt:  now,
	})
	return order, nil
}

func (s *lifecycleService) BeginPayment(ctx context.Context, cmd BeginPaymentCommand) (CheckoutRedirect, error) {
	if s.gateway == nil {
		return CheckoutRedirect{}, errors.New("lifecycle service: payment gateway not configured")
	}

	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return CheckoutRedirect{}, err
	}
	if order.Status != domain.OrderStatusPendingPayment {
		if order.Status == domain.OrderStatusPaid {
			return CheckoutRedirect{Order: order}, ErrAlreadyProcessed
		}
		return CheckoutRedirect{}, fmt.Errorf("%w: cannot pay order in status %s", ErrInvalidState, order.Status)
	}
	if order.PaymentMethod != domain.PaymentMethodOnline {
		return CheckoutRedirect{}, fmt.Errorf("%w: order %s is cash on delivery", ErrInvalidState, order.ID)
	}

	req := payments.CheckoutSessionRequest{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Currency:       order.Currency,
		DeliveryFee:    s.checkout.DeliveryFee,
		SuccessURL:     s.frontendURL("/checkout/success", order.OrderNumber),
		CancelURL:      s.frontendURL("/checkout/cancel", order.OrderNumber),
		CustomerEmail:  strings.TrimSpace(cmd.CustomerEmail),
		IdempotencyKey: "checkout-" + order.ID,
	}
	for _, item := range order.Items {
		req.Items = append(req.Items, payments.CheckoutItem{
			Name:     item.Name,
			SKU:      item.SKU,
			Amount:   item.UnitPrice,
			Quantity: int64(item.Quantity),
			Currency: order.Currency,
		})
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutRedirect{}, err
	}

	if session.PaymentID != "" {
		paymentID := session.PaymentID
		order.PaymentID = &paymentID
		order.UpdatedAt = s.now()
		if err := s.orders.Update(ctx, order); err != nil {
			return CheckoutRedirect{}, s.mapRepositoryError(err)
		}
		order.Version++
	}

	return CheckoutRedirect{
		Order:       order,
		SessionID:   session.ID,
		RedirectURL: session.RedirectURL,
	}, nil
}

func (s *lifecycleService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrLifecycleInvalidInput)
	}

	now := s.now()
	var confirmed domain.Order

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		switch order.Status {
		case domain.OrderStatusPaid, domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusRefunded:
			confirmed = order
			return ErrAlreadyProcessed
		case domain.OrderStatusPendingPayment, domain.OrderStatusFailed:
			// failed orders stay confirmable; the provider may retry after a
			// transient decline
		default:
			return fmt.Errorf("%w: cannot confirm payment for order in status %s", ErrInvalidState, order.Status)
		}

		if !order.StockReduced {
			if err := s.products.DeductStock(txCtx, stockAdjustments(order.Items)); err != nil {
				return s.mapStockError(err)
			}
			order.StockReduced = true
		}

		if ref := strings.TrimSpace(cmd.PaymentID); ref != "" {
			order.PaymentID = &ref
		}
		if cmd.Method != "" {
			order.PaymentMethod = cmd.Method
		}
		order.Status = domain.OrderStatusPaid
		order.PaidAt = &now
		order.UpdatedAt = now

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		order.Version++
		confirmed = order
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return confirmed, err
		}
		return domain.Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventPaid,
		OrderID:     confirmed.ID,
		OrderNumber: confirmed.OrderNumber,
		UserID:      confirmed.UserID,
		Status:      confirmed.Status,
		PaymentID:   stringValue(confirmed.PaymentID),
		OccurredAt:  now,
	})

	if s.checkout.AutoShipOnPayment && confirmed.PaymentMethod == domain.PaymentMethodOnline {
		confirmed = s.autoShip(ctx, confirmed)
	}
	return confirmed, nil
}

// autoShip books the shipment right after payment. Booking failure never
// fails the payment confirmation; the order is flagged for manual review.
func (s *lifecycleService) autoShip(ctx context.Context, order domain.Order) domain.Order {
	shipped, err := s.CreateShipment(ctx, CreateShipmentCommand{
		OrderID:     order.ID,
		CourierSlug: s.checkout.DefaultCourier,
	})
	if err == nil {
		return shipped
	}

	s.logger(ctx, "lifecycle.autoship.failed", map[string]any{
		"orderId": order.ID,
		"error":   err.Error(),
	})
	if flagged, flagErr := s.flagManualReview(ctx, order.ID); flagErr == nil {
		return flagged
	}
	return order
}

func (s *lifecycleService) flagManualReview(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.ManualReview {
		return order, nil
	}
	order.ManualReview = true
	order.UpdatedAt = s.now()
	if err := s.orders.Update(ctx, order); err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	order.Version++
	return order, nil
}

func (s *lifecycleService) CancelOrPaymentFail(ctx context.Context, cmd CancelCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrLifecycleInvalidInput)
	}

	target := domain.OrderStatusFailed
	eventType := orderEventPaymentFailed
	if cmd.Cancel {
		target = domain.OrderStatusCancelled
		eventType = orderEventCancelled
	}

	now := s.now()
	var updated domain.Order

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		if order.Status == target {
			updated = order
			return ErrAlreadyProcessed
		}
		if order.Status != domain.OrderStatusPendingPayment {
			return fmt.Errorf("%w: cannot move order from %s to %s", ErrInvalidState, order.Status, target)
		}

		// Stock restoration and the status flip are one atomic unit.
		if order.StockReduced {
			if err := s.products.RestoreStock(txCtx, stockAdjustments(order.Items)); err != nil {
				return s.mapRepositoryError(err)
			}
			order.StockReduced = false
		}

		order.Status = target
		if reason := strings.TrimSpace(cmd.Reason); reason != "" {
			order.FailureReason = &reason
		}
		if cmd.Cancel {
			order.CanceledAt = &now
		}
		order.UpdatedAt = now

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		order.Version++
		updated = order
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return updated, err
		}
		return domain.Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:        eventType,
		OrderID:     updated.ID,
		OrderNumber: updated.OrderNumber,
		UserID:      updated.UserID,
		Status:      updated.Status,
		OccurredAt:  now,
	})
	return updated, nil
}

func (s *lifecycleService) CreateShipment(ctx context.Context, cmd CreateShipmentCommand) (domain.Order, error) {
	if s.couriers == nil {
		return domain.Order{}, errors.New("lifecycle service: courier clients not configured")
	}

	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.HasTracking() {
		return order, fmt.Errorf("%w: order %s already has tracking %s", ErrAlreadyShipped, order.ID, order.Shipment.TrackingID)
	}
	if order.Status != domain.OrderStatusPaid {
		return domain.Order{}, fmt.Errorf("%w: cannot ship order in status %s", ErrInvalidState, order.Status)
	}

	partner, err := s.resolvePartner(ctx, cmd.CourierSlug)
	if err != nil {
		return domain.Order{}, err
	}
	client, err := s.couriers.ClientFor(partner)
	if err != nil {
		return domain.Order{}, err
	}

	var codAmount int64
	if order.PaymentMethod == domain.PaymentMethodCOD {
		codAmount = order.Amount
	}

	// Courier failure leaves the order paid; the booking can be retried.
	result, err := client.CreateShipment(ctx, couriers.ShipmentRequest{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Items:       parcelItems(order.Items),
		Address:     order.Address,
		CODAmount:   codAmount,
		Currency:    order.Currency,
	})
	if err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	shipment := &domain.Shipment{
		Carrier:    partner.Slug,
		TrackingID: result.TrackingID,
		LabelURL:   result.LabelURL,
		Status:     result.Status,
		History: []domain.ShipmentEvent{{
			Status:     result.Status,
			OccurredAt: now,
		}},
	}

	eventType := orderEventShipmentUpdated
	if result.TrackingID != "" {
		order.Status = domain.OrderStatusShipped
		order.ShippedAt = &now
		shipment.ShippedAt = &now
		eventType = orderEventShipped
	}
	order.Shipment = shipment
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, order); err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	order.Version++

	s.publishEvent(ctx, OrderEvent{
		Type:        eventType,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      order.Status,
		TrackingID:  result.TrackingID,
		OccurredAt:  now,
	})
	return order, nil
}

func (s *lifecycleService) RetryLabel(ctx context.Context, orderID string) (domain.Order, error) {
	if s.couriers == nil {
		return domain.Order{}, errors.New("lifecycle service: courier clients not configured")
	}

	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Shipment == nil {
		return domain.Order{}, fmt.Errorf("%w: order %s has no shipment to retry", ErrInvalidState, order.ID)
	}

	partner, err := s.resolvePartner(ctx, order.Shipment.Carrier)
	if err != nil {
		return domain.Order{}, err
	}
	client, err := s.couriers.ClientFor(partner)
	if err != nil {
		return domain.Order{}, err
	}

	now := s.now()

	if order.Shipment.TrackingID == "" {
		// Booking was accepted without a tracking number; re-book.
		var codAmount int64
		if order.PaymentMethod == domain.PaymentMethodCOD {
			codAmount = order.Amount
		}
		result, err := client.CreateShipment(ctx, couriers.ShipmentRequest{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			Items:       parcelItems(order.Items),
			Address:     order.Address,
			CODAmount:   codAmount,
			Currency:    order.Currency,
		})
		if err != nil {
			return domain.Order{}, err
		}
		order.Shipment.TrackingID = result.TrackingID
		order.Shipment.LabelURL = result.LabelURL
		order.Shipment.Status = result.Status
		order.Shipment.History = append(order.Shipment.History, domain.ShipmentEvent{
			Status:     result.Status,
			OccurredAt: now,
		})
		if result.TrackingID != "" && order.Status == domain.OrderStatusPaid {
			order.Status = domain.OrderStatusShipped
			order.ShippedAt = &now
			order.Shipment.ShippedAt = &now
		}
	} else {
		label, err := client.BuyLabel(ctx, order.Shipment.TrackingID)
		if err != nil {
			return domain.Order{}, err
		}
		order.Shipment.LabelURL = label.LabelURL
		if order.Shipment.Status == domain.ShipmentStatusLabelPending {
			order.Shipment.Status = domain.ShipmentStatusLabelCreated
		}
	}

	order.UpdatedAt = now
	if err := s.orders.Update(ctx, order); err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	order.Version++
	return order, nil
}

func (s *lifecycleService) UpdateShipmentStatus(ctx context.Context, cmd UpdateShipmentStatusCommand) (domain.Order, error) {
	if cmd.Status == "" {
		return domain.Order{}, fmt.Errorf("%w: shipment status is required", ErrLifecycleInvalidInput)
	}
	if !cmd.Status.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown shipment status %q", ErrLifecycleInvalidInput, cmd.Status)
	}

	order, err := s.findForShipmentUpdate(ctx, cmd)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Shipment == nil {
		return domain.Order{}, fmt.Errorf("%w: order %s has no shipment", ErrInvalidState, order.ID)
	}
	if order.Status == domain.OrderStatusDelivered && cmd.Status != domain.ShipmentStatusException {
		// Late or out-of-order courier callbacks after delivery are no-ops.
		return order, ErrAlreadyProcessed
	}

	now := s.now()
	occurredAt := cmd.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	order.Shipment.Status = cmd.Status
	order.Shipment.History = append(order.Shipment.History, domain.ShipmentEvent{
		Status:      cmd.Status,
		Description: strings.TrimSpace(cmd.Description),
		OccurredAt:  occurredAt,
	})

	eventType := orderEventShipmentUpdated
	switch cmd.Status {
	case domain.ShipmentStatusDelivered:
		if !canTransition(order.Status, domain.OrderStatusDelivered) {
			return domain.Order{}, fmt.Errorf("%w: cannot deliver order in status %s", ErrInvalidState, order.Status)
		}
		order.Status = domain.OrderStatusDelivered
		order.DeliveredAt = &occurredAt
		order.Shipment.DeliveredAt = &occurredAt
		eventType = orderEventDelivered
	case domain.ShipmentStatusException:
		order.ManualReview = true
	case domain.ShipmentStatusPickedUp, domain.ShipmentStatusInTransit, domain.ShipmentStatusOutForDelivery:
		if order.Status == domain.OrderStatusPaid && order.HasTracking() {
			order.Status = domain.OrderStatusShipped
			order.ShippedAt = &occurredAt
			order.Shipment.ShippedAt = &occurredAt
		}
	}
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, order); err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	order.Version++

	s.publishEvent(ctx, OrderEvent{
		Type:        eventType,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      order.Status,
		TrackingID:  order.Shipment.TrackingID,
		OccurredAt:  occurredAt,
	})
	return order, nil
}

func (s *lifecycleService) findForShipmentUpdate(ctx context.Context, cmd UpdateShipmentStatusCommand) (domain.Order, error) {
	if id := strings.TrimSpace(cmd.OrderID); id != "" {
		return s.GetOrder(ctx, id)
	}
	tracking := strings.TrimSpace(cmd.TrackingID)
	if tracking == "" {
		return domain.Order{}, fmt.Errorf("%w: order id or tracking id is required", ErrLifecycleInvalidInput)
	}
	order, err := s.orders.FindByTrackingID(ctx, tracking)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *lifecycleService) RequestReturn(ctx context.Context, cmd RequestReturnCommand) (domain.Order, error) {
	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status != domain.OrderStatusDelivered {
		return domain.Order{}, fmt.Errorf("%w: returns require a delivered order, got %s", ErrInvalidState, order.Status)
	}
	if order.Return != nil {
		return order, fmt.Errorf("%w: order %s", ErrDuplicateReturn, order.ID)
	}

	now := s.now()
	order.Return = &domain.ReturnRecord{
		ID:          returnIDPrefix + s.newID(),
		Status:      domain.ReturnStatusRequested,
		Reason:      strings.TrimSpace(cmd.Reason),
		RequestedAt: now,
	}
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, order); err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	order.Version++

	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventReturnRequested,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      order.Status,
		OccurredAt:  now,
	})
	return order, nil
}

func (s *lifecycleService) ApproveReturn(ctx context.Context, cmd ApproveReturnCommand) (domain.Order, error) {
	if s.couriers == nil {
		return domain.Order{}, errors.New("lifecycle service: courier clients not configured")
	}

	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Return == nil {
		return domain.Order{}, fmt.Errorf("%w: order %s has no return request", ErrInvalidState, order.ID)
	}
	switch order.Return.Status {
	case domain.ReturnStatusRequested:
		// proceed
	case domain.ReturnStatusApproved:
		return order, ErrAlreadyProcessed
	default:
		return domain.Order{}, fmt.Errorf("%w: return is %s", ErrInvalidState, order.Return.Status)
	}

	slug := strings.TrimSpace(cmd.CourierSlug)
	if slug == "" && order.Shipment != nil {
		slug = order.Shipment.Carrier
	}
	partner, err := s.resolvePartner(ctx, slug)
	if err != nil {
		return domain.Order{}, err
	}
	client, err := s.couriers.ClientFor(partner)
	if err != nil {
		return domain.Order{}, err
	}

	result, err := client.CreateReverseShipment(ctx, couriers.ReverseShipmentRequest{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		ReturnID:    order.Return.ID,
		Items:       parcelItems(order.Items),
		Address:     order.Address,
		Reason:      order.Return.Reason,
	})
	if err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	var approved domain.Order

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, order.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if current.Return == nil {
			return fmt.Errorf("%w: order %s has no return request", ErrInvalidState, current.ID)
		}
		switch current.Return.Status {
		case domain.ReturnStatusRequested:
			// proceed
		case domain.ReturnStatusApproved:
			approved = current
			return ErrAlreadyProcessed
		default:
			return fmt.Errorf("%w: return is %s", ErrInvalidState, current.Return.Status)
		}

		current.Return.Status = domain.ReturnStatusApproved
		current.Return.ApprovedAt = &now
		current.Return.RestockOnApproval = cmd.RestockOnApproval
		current.Return.ReverseShipment = &domain.Shipment{
			Carrier:    partner.Slug,
			TrackingID: result.TrackingID,
			LabelURL:   result.LabelURL,
			Status:     domain.ShipmentStatusReturnInitiated,
			History: []domain.ShipmentEvent{{
				Status:     domain.ShipmentStatusReturnInitiated,
				OccurredAt: now,
			}},
		}
		current.Return.SLA = &domain.ReturnSLA{
			PickupBy:   now.Add(returnPickupSLA),
			CompleteBy: now.Add(returnCompleteSLA),
		}
		if current.Shipment != nil {
			current.Shipment.History = append(current.Shipment.History, domain.ShipmentEvent{
				Status:     domain.ShipmentStatusReturnInitiated,
				OccurredAt: now,
			})
		}

		// Restock exactly once, keyed off RestockedAt. The restock and the
		// status flip must land together or not at all.
		if cmd.RestockOnApproval && current.Return.RestockedAt == nil && current.StockReduced {
			if err := s.products.RestoreStock(txCtx, stockAdjustments(current.Items)); err != nil {
				return s.mapRepositoryError(err)
			}
			current.Return.RestockedAt = &now
			current.StockReduced = false
		}

		current.UpdatedAt = now
		if err := s.orders.Update(txCtx, current); err != nil {
			return s.mapRepositoryError(err)
		}
		current.Version++
		approved = current
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return approved, err
		}
		return domain.Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventReturnApproved,
		OrderID:     approved.ID,
		OrderNumber: approved.OrderNumber,
		UserID:      approved.UserID,
		Status:      approved.Status,
		TrackingID:  result.TrackingID,
		OccurredAt:  now,
	})
	return approved, nil
}

func (s *lifecycleService) DenyReturn(ctx context.Context, cmd DenyReturnCommand) (domain.Order, error) {
	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Return == nil {
		return domain.Order{}, fmt.Errorf("%w: order %s has no return request", ErrInvalidState, order.ID)
	}
	switch order.Return.Status {
	case domain.ReturnStatusRequested:
		// proceed
	case domain.ReturnStatusDenied:
		return order, ErrAlreadyProcessed
	default:
		return domain.Order{}, fmt.Errorf("%w: return is %s", ErrInvalidState, order.Return.Status)
	}

	now := s.now()
	order.Return.Status = domain.ReturnStatusDenied
	order.Return.ClosedAt = &now
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		order.Return.Reason = reason
	}
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, order); err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	order.Version++

	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventReturnDenied,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      order.Status,
		OccurredAt:  now,
	})
	return order, nil
}

func (s *lifecycleService) CompleteReturn(ctx context.Context, trackingID string) (domain.Order, error) {
	tracking := strings.TrimSpace(trackingID)
	if tracking == "" {
		return domain.Order{}, fmt.Errorf("%w: tracking id is required", ErrLifecycleInvalidInput)
	}

	located, err := s.orders.FindByReverseTrackingID(ctx, tracking)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	now := s.now()
	var completed domain.Order

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, located.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.Return == nil || order.Return.ReverseShipment == nil {
			return fmt.Errorf("%w: order %s has no reverse shipment", ErrInvalidState, order.ID)
		}
		switch order.Return.Status {
		case domain.ReturnStatusApproved:
			// proceed
		case domain.ReturnStatusCompleted:
			completed = order
			return ErrAlreadyProcessed
		default:
			return fmt.Errorf("%w: return is %s", ErrInvalidState, order.Return.Status)
		}

		// Restock exactly once, keyed off RestockedAt.
		if order.Return.RestockedAt == nil && order.StockReduced {
			if err := s.products.RestoreStock(txCtx, stockAdjustments(order.Items)); err != nil {
				return s.mapRepositoryError(err)
			}
			order.Return.RestockedAt = &now
			order.StockReduced = false
		}

		order.Return.Status = domain.ReturnStatusCompleted
		order.Return.ClosedAt = &now
		order.Return.ReverseShipment.Status = domain.ShipmentStatusReturned
		order.Return.ReverseShipment.History = append(order.Return.ReverseShipment.History, domain.ShipmentEvent{
			Status:     domain.ShipmentStatusReturned,
			OccurredAt: now,
		})
		order.UpdatedAt = now

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		order.Version++
		completed = order
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return completed, err
		}
		return domain.Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventReturnCompleted,
		OrderID:     completed.ID,
		OrderNumber: completed.OrderNumber,
		UserID:      completed.UserID,
		Status:      completed.Status,
		TrackingID:  tracking,
		OccurredAt:  now,
	})
	return completed, nil
}

func (s *lifecycleService) Refund(ctx context.Context, cmd RefundCommand) (domain.Order, error) {
	if s.gateway == nil {
		return domain.Order{}, errors.New("lifecycle service: payment gateway not configured")
	}

	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status == domain.OrderStatusRefunded {
		return order, ErrAlreadyProcessed
	}
	if !canTransition(order.Status, domain.OrderStatusRefunded) {
		return domain.Order{}, fmt.Errorf("%w: cannot refund order in status %s", ErrInvalidState, order.Status)
	}
	if order.PaymentID == nil || strings.TrimSpace(*order.PaymentID) == "" {
		return domain.Order{}, fmt.Errorf("%w: order %s", ErrMissingPaymentReference, order.ID)
	}

	refund, err := s.gateway.CreateRefund(ctx, payments.RefundRequest{
		PaymentID:      *order.PaymentID,
		Reason:         cmd.Reason,
		IdempotencyKey: "refund-" + order.ID,
	})
	if err != nil {
		return domain.Order{}, err
	}

	return s.finalizeRefund(ctx, order.ID, refund.ID)
}

func (s *lifecycleService) MarkRefundedByProvider(ctx context.Context, paymentID string) (domain.Order, error) {
	ref := strings.TrimSpace(paymentID)
	if ref == "" {
		return domain.Order{}, fmt.Errorf("%w: payment id is required", ErrLifecycleInvalidInput)
	}

	order, err := s.orders.FindByPaymentID(ctx, ref)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return s.finalizeRefund(ctx, order.ID, "")
}

// finalizeRefund restores stock and flips the order to refunded in one
// transaction. Restoration is skipped when a completed return already put the
// units back.
func (s *lifecycleService) finalizeRefund(ctx context.Context, orderID, refundID string) (domain.Order, error) {
	now := s.now()
	var refunded domain.Order

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.Status == domain.OrderStatusRefunded {
			refunded = order
			return ErrAlreadyProcessed
		}
		if !canTransition(order.Status, domain.OrderStatusRefunded) {
			return fmt.Errorf("%w: cannot refund order in status %s", ErrInvalidState, order.Status)
		}

		alreadyRestocked := order.Return != nil && order.Return.RestockedAt != nil
		if order.StockReduced && !alreadyRestocked {
			if err := s.products.RestoreStock(txCtx, stockAdjustments(order.Items)); err != nil {
				return s.mapRepositoryError(err)
			}
			order.StockReduced = false
		}

		order.Status = domain.OrderStatusRefunded
		order.RefundedAt = &now
		if refundID != "" {
			id := refundID
			order.RefundID = &id
		}
		order.UpdatedAt = now

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		order.Version++
		refunded = order
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return refunded, err
		}
		return domain.Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:        orderEventRefunded,
		OrderID:     refunded.ID,
		OrderNumber: refunded.OrderNumber,
		UserID:      refunded.UserID,
		Status:      refunded.Status,
		PaymentID:   stringValue(refunded.PaymentID),
		OccurredAt:  now,
	})
	return refunded, nil
}

func (s *lifecycleService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrLifecycleInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *lifecycleService) FindOrderByPaymentID(ctx context.Context, paymentID string) (domain.Order, error) {
	ref := strings.TrimSpace(paymentID)
	if ref == "" {
		return domain.Order{}, fmt.Errorf("%w: payment id is required", ErrLifecycleInvalidInput)
	}
	order, err := s.orders.FindByPaymentID(ctx, ref)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *lifecycleService) ListOrders(ctx context.Context, query ListOrdersQuery) (domain.CursorPage[domain.Order], error) {
	filter := repositories.OrderListFilter{
		UserID: strings.TrimSpace(query.UserID),
		Status: query.Status,
		DateRange: domain.RangeQuery[time.Time]{
			From: query.From,
			To:   query.To,
		},
		Pagination: domain.Pagination{
			PageSize:  query.PageSize,
			PageToken: query.PageToken,
		},
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *lifecycleService) resolvePartner(ctx context.Context, slug string) (domain.CourierPartner, error) {
	if s.partners == nil {
		return domain.CourierPartner{}, errors.New("lifecycle service: courier partner repository not configured")
	}
	if trimmed := strings.TrimSpace(slug); trimmed != "" {
		partner, err := s.partners.FindBySlug(ctx, trimmed)
		if err != nil {
			return domain.CourierPartner{}, s.mapRepositoryError(err)
		}
		return partner, nil
	}
	if fallback := strings.TrimSpace(s.checkout.DefaultCourier); fallback != "" {
		partner, err := s.partners.FindBySlug(ctx, fallback)
		if err == nil {
			return partner, nil
		}
	}
	partner, err := s.partners.FindEnabled(ctx)
	if err != nil {
		return domain.CourierPartner{}, s.mapRepositoryError(err)
	}
	return partner, nil
}

func (s *lifecycleService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	counterID := fmt.Sprintf("orders-%04d", now.Year())
	seq, err := s.counters.Next(ctx, counterID, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("KZ-%04d-%06d", now.Year(), seq), nil
}

func (s *lifecycleService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrLifecycleConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("lifecycle: repository unavailable: %w", err)
		}
	}
	return err
}

func (s *lifecycleService) mapStockError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsConflict() {
		return fmt.Errorf("%w: %v", ErrInsufficientStock, err)
	}
	return s.mapRepositoryError(err)
}

func (s *lifecycleService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *lifecycleService) now() time.Time {
	return s.clock()
}

func (s *lifecycleService) frontendURL(path, orderNumber string) string {
	base := strings.TrimRight(s.checkout.FrontendBaseURL, "/")
	return base + path + "?order=" + orderNumber
}

func (s *lifecycleService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "lifecycle.event.publish.failed", map[string]any{
			"type":    event.Type,
			"orderId": event.OrderID,
			"error":   err.Error(),
		})
	}
}

func validateAddress(addr domain.Address) error {
	switch {
	case strings.TrimSpace(addr.Name) == "":
		return fmt.Errorf("%w: address name is required", ErrLifecycleInvalidInput)
	case strings.TrimSpace(addr.Line1) == "":
		return fmt.Errorf("%w: address line1 is required", ErrLifecycleInvalidInput)
	case strings.TrimSpace(addr.City) == "":
		return fmt.Errorf("%w: address city is required", ErrLifecycleInvalidInput)
	case strings.TrimSpace(addr.PostalCode) == "":
		return fmt.Errorf("%w: address postal code is required", ErrLifecycleInvalidInput)
	case strings.TrimSpace(addr.Country) == "":
		return fmt.Errorf("%w: address country is required", ErrLifecycleInvalidInput)
	}
	return nil
}

func stockAdjustments(items []domain.OrderLineItem) []repositories.StockAdjustment {
	adjustments := make([]repositories.StockAdjustment, 0, len(items))
	for _, item := range items {
		adjustments = append(adjustments, repositories.StockAdjustment{
			ProductID: item.ProductRef,
			Variant:   item.Variant,
			Quantity:  item.Quantity,
		})
	}
	return adjustments
}

func parcelItems(items []domain.OrderLineItem) []couriers.ParcelItem {
	parcels := make([]couriers.ParcelItem, 0, len(items))
	for _, item := range items {
		parcels = append(parcels, couriers.ParcelItem{
			SKU:      item.SKU,
			Name:     item.Name,
			Quantity: item.Quantity,
			Price:    item.UnitPrice,
		})
	}
	return parcels
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
