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
	"github.com/Kzarr-e/kzarre-backend/internal/repositories"
)

const productsCollection = "products"

type productDocument struct {
	SKU           string                  `firestore:"sku,omitempty"`
	Name          string                  `firestore:"name"`
	Price         int64                   `firestore:"price"`
	Currency      string                  `firestore:"currency,omitempty"`
	StockQuantity int                     `firestore:"stockQuantity"`
	Variants      []domain.ProductVariant `firestore:"variants,omitempty"`
	UpdatedAt     time.Time               `firestore:"updatedAt"`
}

func newProductDocument(product domain.Product) productDocument {
	return productDocument{
		SKU:           product.SKU,
		Name:          product.Name,
		Price:         product.Price,
		Currency:      product.Currency,
		StockQuantity: product.StockQuantity,
		Variants:      product.Variants,
		UpdatedAt:     product.UpdatedAt,
	}
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:            id,
		SKU:           d.SKU,
		Name:          d.Name,
		Price:         d.Price,
		Currency:      d.Currency,
		StockQuantity: d.StockQuantity,
		Variants:      d.Variants,
		UpdatedAt:     d.UpdatedAt,
	}
}

// ProductRepository implements repositories.ProductRepository backed by Firestore.
// Stock movements run inside transactions so concurrent checkouts never drive
// inventory negative.
type ProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &ProductRepository{
		provider: provider,
		products: base,
	}, nil
}

// FindByID fetches one catalog entry.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.products.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Upsert writes the product document under its ID.
func (r *ProductRepository) Upsert(ctx context.Context, product domain.Product) error {
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return errors.New("firestore products: product id is required")
	}
	doc := newProductDocument(product)
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	_, err := r.products.Set(ctx, id, doc)
	return err
}

// DeductStock decrements stock for every adjustment atomically. When any line
// lacks sufficient stock the whole transaction aborts with a conflict error.
func (r *ProductRepository) DeductStock(ctx context.Context, adjustments []repositories.StockAdjustment) error {
	return r.applyStock(ctx, "products.deductStock", adjustments, false)
}

// RestoreStock adds quantities back. When a previously purchased variant no
// longer exists the quantity lands on the product's flat stock instead of
// being dropped.
func (r *ProductRepository) RestoreStock(ctx context.Context, adjustments []repositories.StockAdjustment) error {
	return r.applyStock(ctx, "products.restoreStock", adjustments, true)
}

func (r *ProductRepository) applyStock(ctx context.Context, op string, adjustments []repositories.StockAdjustment, restore bool) error {
	if r == nil || r.provider == nil {
		return errors.New("product repository not initialised")
	}
	if len(adjustments) == 0 {
		return nil
	}
	for _, adj := range adjustments {
		if strings.TrimSpace(adj.ProductID) == "" {
			return fmt.Errorf("firestore products: adjustment missing product id")
		}
		if adj.Quantity <= 0 {
			return fmt.Errorf("firestore products: adjustment quantity must be positive, got %d", adj.Quantity)
		}
	}

	// Preserve first-seen ordering so reads stay deterministic across retries.
	grouped := make(map[string][]repositories.StockAdjustment)
	productIDs := make([]string, 0, len(adjustments))
	for _, adj := range adjustments {
		id := strings.TrimSpace(adj.ProductID)
		if _, seen := grouped[id]; !seen {
			productIDs = append(productIDs, id)
		}
		grouped[id] = append(grouped[id], adj)
	}

	now := time.Now().UTC()

	apply := func(ctx context.Context, tx *firestore.Transaction) error {
		type pendingWrite struct {
			ref *firestore.DocumentRef
			doc productDocument
		}
		writes := make([]pendingWrite, 0, len(productIDs))

		// All reads happen before any write.
		for _, productID := range productIDs {
			ref, err := r.products.DocumentRef(ctx, productID)
			if err != nil {
				return err
			}

			snapshot, err := tx.Get(ref)
			if status.Code(err) == codes.NotFound {
				return pfirestore.NewNotFoundError(op, fmt.Errorf("product %s not found", productID))
			}
			if err != nil {
				return pfirestore.WrapError(op, err)
			}

			var doc productDocument
			if err := snapshot.DataTo(&doc); err != nil {
				return fmt.Errorf("firestore products decode %s: %w", productID, err)
			}

			for _, adj := range grouped[productID] {
				if err := applyAdjustment(&doc, productID, adj, restore, op); err != nil {
					return err
				}
			}
			doc.UpdatedAt = now
			writes = append(writes, pendingWrite{ref: ref, doc: doc})
		}

		for _, w := range writes {
			if err := tx.Set(w.ref, w.doc); err != nil {
				return pfirestore.WrapError(op, err)
			}
		}
		return nil
	}

	// Join an ambient unit of work so stock movements and the order status
	// flip commit together.
	if tx, ok := pfirestore.TransactionFrom(ctx); ok {
		return apply(ctx, tx)
	}
	return r.provider.RunTransaction(ctx, apply)
}

func applyAdjustment(doc *productDocument, productID string, adj repositories.StockAdjustment, restore bool, op string) error {
	product := doc.toDomain(productID)

	if product.HasVariants() {
		idx, ok := product.MatchVariant(adj.Variant)
		if !ok {
			if restore {
				// The variant was removed since purchase; keep the units on flat stock.
				doc.StockQuantity += adj.Quantity
				return nil
			}
			return pfirestore.NewNotFoundError(op,
				fmt.Errorf("product %s has no variant size=%q color=%q", productID, adj.Variant.Size, adj.Variant.Color))
		}
		if restore {
			doc.Variants[idx].Stock += adj.Quantity
			return nil
		}
		if doc.Variants[idx].Stock < adj.Quantity {
			return pfirestore.NewConflictError(op,
				fmt.Errorf("product %s variant size=%q has %d units, need %d",
					productID, adj.Variant.Size, doc.Variants[idx].Stock, adj.Quantity))
		}
		doc.Variants[idx].Stock -= adj.Quantity
		return nil
	}

	if restore {
		doc.StockQuantity += adj.Quantity
		return nil
	}
	if doc.StockQuantity < adj.Quantity {
		return pfirestore.NewConflictError(op,
			fmt.Errorf("product %s has %d units, need %d", productID, doc.StockQuantity, adj.Quantity))
	}
	doc.StockQuantity -= adj.Quantity
	return nil
}
