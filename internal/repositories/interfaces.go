package repositories

import (
	"context"
	"time"

	domain "github.com/Kzarr-e/kzarre-backend/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order documents and provides query helpers for buyers and admins.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	// Update persists the order, guarding on Version for optimistic concurrency.
	// Implementations return a conflict RepositoryError when the stored version differs.
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentID(ctx context.Context, paymentID string) (domain.Order, error)
	FindByTrackingID(ctx context.Context, trackingID string) (domain.Order, error)
	FindByReverseTrackingID(ctx context.Context, trackingID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// StockAdjustment describes one line's stock delta applied inside a transaction.
type StockAdjustment struct {
	ProductID string
	Variant   domain.Variant
	Quantity  int
}

// ProductRepository manages catalog documents and transactional stock movements.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	Upsert(ctx context.Context, product domain.Product) error
	// DeductStock decrements stock for every adjustment or none. A conflict
	// RepositoryError is returned when any line would drive stock negative.
	DeductStock(ctx context.Context, adjustments []StockAdjustment) error
	// RestoreStock adds the quantities back, clamping nothing; restores always succeed
	// unless the product document vanished.
	RestoreStock(ctx context.Context, adjustments []StockAdjustment) error
}

// CourierPartnerRepository stores carrier configurations keyed by slug.
type CourierPartnerRepository interface {
	Upsert(ctx context.Context, partner domain.CourierPartner) error
	FindBySlug(ctx context.Context, slug string) (domain.CourierPartner, error)
	FindEnabled(ctx context.Context) (domain.CourierPartner, error)
	List(ctx context.Context) ([]domain.CourierPartner, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
