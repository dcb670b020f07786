package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps processed event IDs in memory. Suitable for tests and
// single-instance local development only.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]EventRecord
}

// NewMemoryStore constructs an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]EventRecord)}
}

// Claim implements EventStore.
func (s *MemoryStore) Claim(_ context.Context, provider, eventID string, now time.Time, ttl time.Duration) (bool, error) {
	if provider == "" || eventID == "" {
		return false, errors.New("idempotency: provider and event id are required")
	}
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	key := eventDocID(provider, eventID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[key]; ok {
		if existing.ExpiresAt.After(now) {
			return false, nil
		}
	}

	s.records[key] = EventRecord{
		Provider:    provider,
		EventID:     eventID,
		ProcessedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	return true, nil
}

// Release implements EventStore.
func (s *MemoryStore) Release(_ context.Context, provider, eventID string) error {
	key := eventDocID(provider, eventID)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// CleanupExpired implements EventStore.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, record := range s.records {
		if removed >= limit {
			break
		}
		if !record.ExpiresAt.After(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}
