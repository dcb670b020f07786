package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection  = "webhookEvents"
	defaultMaxAttempts = 5
)

// FirestoreOption customises the FirestoreStore behaviour.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection name used to store processed events.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.collection = name
		}
	}
}

// WithMaxAttempts configures the transaction retry attempts.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(store *FirestoreStore) {
		if attempts > 0 {
			store.maxAttempts = attempts
		}
	}
}

// FirestoreStore implements EventStore backed by Google Cloud Firestore.
type FirestoreStore struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
}

// NewFirestoreStore constructs a Firestore-backed event store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{
		client:      client,
		collection:  defaultCollection,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

type firestoreEvent struct {
	Provider    string    `firestore:"provider"`
	EventID     string    `firestore:"event_id"`
	ProcessedAt time.Time `firestore:"processed_at"`
	ExpiresAt   time.Time `firestore:"expires_at"`
}

// Claim implements EventStore using a transactional create-if-absent.
func (s *FirestoreStore) Claim(ctx context.Context, provider, eventID string, now time.Time, ttl time.Duration) (bool, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.client.Collection(s.collection).Doc(eventDocID(provider, eventID))
	attempts := s.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	claimed := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				claimed = true
				return tx.Set(ref, firestoreEvent{
					Provider:    provider,
					EventID:     eventID,
					ProcessedAt: now,
					ExpiresAt:   now.Add(ttl),
				})
			}
			return err
		}

		var record firestoreEvent
		if err := snap.DataTo(&record); err != nil {
			return err
		}

		if !record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt) {
			// Retention expired, the event may be processed again.
			claimed = true
			return tx.Set(ref, firestoreEvent{
				Provider:    provider,
				EventID:     eventID,
				ProcessedAt: now,
				ExpiresAt:   now.Add(ttl),
			})
		}

		claimed = false
		return nil
	}, firestore.MaxAttempts(attempts))

	return claimed, err
}

// Release implements EventStore.
func (s *FirestoreStore) Release(ctx context.Context, provider, eventID string) error {
	ref := s.client.Collection(s.collection).Doc(eventDocID(provider, eventID))
	_, err := ref.Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// CleanupExpired removes expired event records up to the provided limit.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	if limit <= 0 {
		limit = 100
	}

	query := s.client.Collection(s.collection).Where("expires_at", "<=", now).Limit(limit)
	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	batch := s.client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, err
	}

	return len(docs), nil
}
