package firestore

import (
	"context"

	"cloud.google.com/go/firestore"
)

type txContextKey struct{}

// WithTransaction returns a context carrying the active transaction so that
// repository calls made inside a unit of work join it instead of opening
// their own.
func WithTransaction(ctx context.Context, tx *firestore.Transaction) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TransactionFrom extracts the transaction placed on the context by a unit of
// work, if any.
func TransactionFrom(ctx context.Context) (*firestore.Transaction, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*firestore.Transaction)
	return tx, ok
}

// RunInTx implements the repositories unit-of-work contract. The callback runs
// inside one Firestore transaction; transaction-aware repositories pick it up
// from the context. Firestore requires every read inside the transaction to
// happen before the first write.
func (p *Provider) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(WithTransaction(ctx, tx))
	})
}
