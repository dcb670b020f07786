package handlers

import (
	"context"
	"time"

	"github.com/Kzarr-e/kzarre-backend/internal/domain"
	"github.com/Kzarr-e/kzarre-backend/internal/services"
)

var handlerTestNow = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

// stubLifecycle implements services.LifecycleService with per-method hooks.
// Unset hooks return the zero order so tests only wire what they exercise.
type stubLifecycle struct {
	createOrder          func(services.CreateOrderCommand) (domain.Order, error)
	beginPayment         func(services.BeginPaymentCommand) (services.CheckoutRedirect, error)
	confirmPayment       func(services.ConfirmPaymentCommand) (domain.Order, error)
	cancelOrFail         func(services.CancelCommand) (domain.Order, error)
	createShipment       func(services.CreateShipmentCommand) (domain.Order, error)
	retryLabel           func(string) (domain.Order, error)
	updateShipmentStatus func(services.UpdateShipmentStatusCommand) (domain.Order, error)
	requestReturn        func(services.RequestReturnCommand) (domain.Order, error)
	approveReturn        func(services.ApproveReturnCommand) (domain.Order, error)
	denyReturn           func(services.DenyReturnCommand) (domain.Order, error)
	completeReturn       func(string) (domain.Order, error)
	refund               func(services.RefundCommand) (domain.Order, error)
	markRefunded         func(string) (domain.Order, error)
	getOrder             func(string) (domain.Order, error)
	findByPaymentID      func(string) (domain.Order, error)
	listOrders           func(services.ListOrdersQuery) (domain.CursorPage[domain.Order], error)
}

func (s *stubLifecycle) CreateOrder(_ context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
	if s.createOrder == nil {
		return domain.Order{}, nil
	}
	return s.createOrder(cmd)
}

func (s *stubLifecycle) BeginPayment(_ context.Context, cmd services.BeginPaymentCommand) (services.CheckoutRedirect, error) {
	if s.beginPayment == nil {
		return services.CheckoutRedirect{}, nil
	}
	return s.beginPayment(cmd)
}

func (s *stubLifecycle) ConfirmPayment(_ context.Context, cmd services.ConfirmPaymentCommand) (domain.Order, error) {
	if s.confirmPayment == nil {
		return domain.Order{}, nil
	}
	return s.confirmPayment(cmd)
}

func (s *stubLifecycle) CancelOrPaymentFail(_ context.Context, cmd services.CancelCommand) (domain.Order, error) {
	if s.cancelOrFail == nil {
		return domain.Order{}, nil
	}
	return s.cancelOrFail(cmd)
}

func (s *stubLifecycle) CreateShipment(_ context.Context, cmd services.CreateShipmentCommand) (domain.Order, error) {
	if s.createShipment == nil {
		return domain.Order{}, nil
	}
	return s.createShipment(cmd)
}

func (s *stubLifecycle) RetryLabel(_ context.Context, orderID string) (domain.Order, error) {
	if s.retryLabel == nil {
		return domain.Order{}, nil
	}
	return s.retryLabel(orderID)
}

func (s *stubLifecycle) UpdateShipmentStatus(_ context.Context, cmd services.UpdateShipmentStatusCommand) (domain.Order, error) {
	if s.updateShipmentStatus == nil {
		return domain.Order{}, nil
	}
	return s.updateShipmentStatus(cmd)
}

func (s *stubLifecycle) RequestReturn(_ context.Context, cmd services.RequestReturnCommand) (domain.Order, error) {
	if s.requestReturn == nil {
		return domain.Order{}, nil
	}
	return s.requestReturn(cmd)
}

func (s *stubLifecycle) ApproveReturn(_ context.Context, cmd services.ApproveReturnCommand) (domain.Order, error) {
	if s.approveReturn == nil {
		return domain.Order{}, nil
	}
	return s.approveReturn(cmd)
}

func (s *stubLifecycle) DenyReturn(_ context.Context, cmd services.DenyReturnCommand) (domain.Order, error) {
	if s.denyReturn == nil {
		return domain.Order{}, nil
	}
	return s.denyReturn(cmd)
}

func (s *stubLifecycle) CompleteReturn(_ context.Context, trackingID string) (domain.Order, error) {
	if s.completeReturn == nil {
		return domain.Order{}, nil
	}
	return s.completeReturn(trackingID)
}

func (s *stubLifecycle) Refund(_ context.Context, cmd services.RefundCommand) (domain.Order, error) {
	if s.refund == nil {
		return domain.Order{}, nil
	}
	return s.refund(cmd)
}

func (s *stubLifecycle) MarkRefundedByProvider(_ context.Context, paymentID string) (domain.Order, error) {
	if s.markRefunded == nil {
		return domain.Order{}, nil
	}
	return s.markRefunded(paymentID)
}

func (s *stubLifecycle) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	if s.getOrder == nil {
		return domain.Order{}, nil
	}
	return s.getOrder(orderID)
}

func (s *stubLifecycle) FindOrderByPaymentID(_ context.Context, paymentID string) (domain.Order, error) {
	if s.findByPaymentID == nil {
		return domain.Order{}, nil
	}
	return s.findByPaymentID(paymentID)
}

func (s *stubLifecycle) ListOrders(_ context.Context, query services.ListOrdersQuery) (domain.CursorPage[domain.Order], error) {
	if s.listOrders == nil {
		return domain.CursorPage[domain.Order]{}, nil
	}
	return s.listOrders(query)
}

var _ services.LifecycleService = (*stubLifecycle)(nil)

type stubCourierAdmin struct {
	upsert func(services.UpsertCourierPartnerCommand) (domain.CourierPartner, error)
	get    func(string) (domain.CourierPartner, error)
	list   func() ([]domain.CourierPartner, error)
}

func (s *stubCourierAdmin) UpsertPartner(_ context.Context, cmd services.UpsertCourierPartnerCommand) (domain.CourierPartner, error) {
	if s.upsert == nil {
		return domain.CourierPartner{}, nil
	}
	return s.upsert(cmd)
}

func (s *stubCourierAdmin) GetPartner(_ context.Context, slug string) (domain.CourierPartner, error) {
	if s.get == nil {
		return domain.CourierPartner{}, nil
	}
	return s.get(slug)
}

func (s *stubCourierAdmin) ListPartners(context.Context) ([]domain.CourierPartner, error) {
	if s.list == nil {
		return nil, nil
	}
	return s.list()
}

var _ services.CourierAdminService = (*stubCourierAdmin)(nil)

func sampleOrder(status domain.OrderStatus) domain.Order {
	paymentID := "pi_1"
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
		Status:        status,
		PaymentMethod: domain.PaymentMethodOnline,
		PaymentID:     &paymentID,
		CreatedAt:     handlerTestNow,
		UpdatedAt:     handlerTestNow,
	}
}
