package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Kzarr-e/kzarre-backend/internal/domain"
	pfirestore "github.com/Kzarr-e/kzarre-backend/internal/platform/firestore"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/pagination"
	"github.com/Kzarr-e/kzarre-backend/internal/repositories"
)

const ordersCollection = "orders"

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

type orderDocument struct {
	OrderNumber   string                 `firestore:"orderNumber"`
	UserID        string                 `firestore:"userId"`
	Items         []domain.OrderLineItem `firestore:"items"`
	Address       domain.Address         `firestore:"address"`
	Amount        int64                  `firestore:"amount"`
	Currency      string                 `firestore:"currency"`
	Status        domain.OrderStatus     `firestore:"status"`
	StockReduced  bool                   `firestore:"stockReduced"`
	PaymentMethod domain.PaymentMethod   `firestore:"paymentMethod"`
	PaymentID     *string                `firestore:"paymentId,omitempty"`
	RefundID      *string                `firestore:"refundId,omitempty"`
	FailureReason *string                `firestore:"failureReason,omitempty"`
	ManualReview  bool                   `firestore:"manualReview"`
	Shipment      *domain.Shipment       `firestore:"shipment,omitempty"`
	Return        *domain.ReturnRecord   `firestore:"return,omitempty"`
	Version       int64                  `firestore:"version"`
	CreatedAt     time.Time              `firestore:"createdAt"`
	UpdatedAt     time.Time              `firestore:"updatedAt"`
	PaidAt        *time.Time             `firestore:"paidAt,omitempty"`
	ShippedAt     *time.Time             `firestore:"shippedAt,omitempty"`
	DeliveredAt   *time.Time             `firestore:"deliveredAt,omitempty"`
	CanceledAt    *time.Time             `firestore:"canceledAt,omitempty"`
	RefundedAt    *time.Time             `firestore:"refundedAt,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	return orderDocument{
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Items:         order.Items,
		Address:       order.Address,
		Amount:        order.Amount,
		Currency:      order.Currency,
		Status:        order.Status,
		StockReduced:  order.StockReduced,
		PaymentMethod: order.PaymentMethod,
		PaymentID:     order.PaymentID,
		RefundID:      order.RefundID,
		FailureReason: order.FailureReason,
		ManualReview:  order.ManualReview,
		Shipment:      order.Shipment,
		Return:        order.Return,
		Version:       order.Version,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
		PaidAt:        order.PaidAt,
		ShippedAt:     order.ShippedAt,
		DeliveredAt:   order.DeliveredAt,
		CanceledAt:    order.CanceledAt,
		RefundedAt:    order.RefundedAt,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	return domain.Order{
		ID:            id,
		OrderNumber:   d.OrderNumber,
		UserID:        d.UserID,
		Items:         d.Items,
		Address:       d.Address,
		Amount:        d.Amount,
		Currency:      d.Currency,
		Status:        d.Status,
		StockReduced:  d.StockReduced,
		PaymentMethod: d.PaymentMethod,
		PaymentID:     d.PaymentID,
		RefundID:      d.RefundID,
		FailureReason: d.FailureReason,
		ManualReview:  d.ManualReview,
		Shipment:      d.Shipment,
		Return:        d.Return,
		Version:       d.Version,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		PaidAt:        d.PaidAt,
		ShippedAt:     d.ShippedAt,
		DeliveredAt:   d.DeliveredAt,
		CanceledAt:    d.CanceledAt,
		RefundedAt:    d.RefundedAt,
	}
}

// OrderRepository implements repositories.OrderRepository backed by Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{
		provider: provider,
		orders:   base,
	}, nil
}

// Insert creates the order document, failing with a conflict when the ID exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return fmt.Errorf("firestore orders: order id is required")
	}

	if tx, ok := pfirestore.TransactionFrom(ctx); ok {
		ref, err := r.orders.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		return pfirestore.WrapError("orders.insert", tx.Create(ref, newOrderDocument(order)))
	}

	_, err := r.orders.Create(ctx, id, newOrderDocument(order))
	return err
}

// Update persists the order inside a transaction, guarding on Version. The
// stored version must equal order.Version; the write lands with Version+1.
// When joining an ambient unit of work the write relies on the transaction's
// own read conflict detection instead of re-reading after writes.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return fmt.Errorf("firestore orders: order id is required")
	}

	if tx, ok := pfirestore.TransactionFrom(ctx); ok {
		doc := newOrderDocument(order)
		doc.Version = order.Version + 1
		ref, err := r.orders.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		return pfirestore.WrapError("orders.update", tx.Set(ref, doc))
	}

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return pfirestore.NewNotFoundError("orders.update", fmt.Errorf("order %s not found", id))
		}
		if err != nil {
			return pfirestore.WrapError("orders.update", err)
		}

		var current orderDocument
		if err := snapshot.DataTo(&current); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", id, err)
		}
		if current.Version != order.Version {
			return pfirestore.NewConflictError("orders.update",
				fmt.Errorf("order %s version mismatch: have %d want %d", id, current.Version, order.Version))
		}

		doc := newOrderDocument(order)
		doc.Version = order.Version + 1
		return tx.Set(ref, doc)
	})
}

// FindByID fetches an order by its document ID, joining an ambient unit of
// work when one is active.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)

	if tx, ok := pfirestore.TransactionFrom(ctx); ok {
		ref, err := r.orders.DocumentRef(ctx, id)
		if err != nil {
			return domain.Order{}, err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return domain.Order{}, pfirestore.WrapError("orders.get", err)
		}
		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return domain.Order{}, fmt.Errorf("firestore orders decode %s: %w", id, err)
		}
		return doc.toDomain(id), nil
	}

	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByPaymentID looks up the order holding the given gateway payment reference.
func (r *OrderRepository) FindByPaymentID(ctx context.Context, paymentID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.findByPaymentId", func(q firestore.Query) firestore.Query {
		return q.Where("paymentId", "==", strings.TrimSpace(paymentID)).Limit(1)
	})
}

// FindByTrackingID looks up the order whose shipment carries the tracking number.
func (r *OrderRepository) FindByTrackingID(ctx context.Context, trackingID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.findByTrackingId", func(q firestore.Query) firestore.Query {
		return q.Where("shipment.trackingId", "==", strings.TrimSpace(trackingID)).Limit(1)
	})
}

// FindByReverseTrackingID looks up the order whose return pickup carries the
// tracking number.
func (r *OrderRepository) FindByReverseTrackingID(ctx context.Context, trackingID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.findByReverseTrackingId", func(q firestore.Query) firestore.Query {
		return q.Where("return.reverseShipment.trackingId", "==", strings.TrimSpace(trackingID)).Limit(1)
	})
}

func (r *OrderRepository) findOne(ctx context.Context, op string, build pfirestore.QueryBuilder) (domain.Order, error) {
	docs, err := r.orders.Query(ctx, build)
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.NewNotFoundError(op, errors.New("no matching order"))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// List returns orders newest first, filtered and cursor paged.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = defaultOrderPageSize
	}
	if pageSize > maxOrderPageSize {
		pageSize = maxOrderPageSize
	}

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if userID := strings.TrimSpace(filter.UserID); userID != "" {
			q = q.Where("userId", "==", userID)
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", *filter.DateRange.From)
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<=", *filter.DateRange.To)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	for i, doc := range docs {
		if i == pageSize {
			last := docs[pageSize-1]
			page.NextPageToken = pagination.EncodeToken(pagination.Cursor{
				CreatedAt: last.Data.CreatedAt,
				ID:        last.ID,
			})
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}
