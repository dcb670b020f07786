package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// DefaultTTL is the default retention for processed webhook event records.
const DefaultTTL = 72 * time.Hour

// EventRecord captures a processed webhook event.
type EventRecord struct {
	Provider    string
	EventID     string
	ProcessedAt time.Time
	ExpiresAt   time.Time
}

// EventStore tracks webhook event IDs so redeliveries become no-ops.
//
// Claim reserves the event for processing. The boolean reports whether the
// caller won the claim; false means the event was already handled and must be
// acknowledged without side effects. Release drops a claim after a transient
// processing failure so the provider's retry can run again.
type EventStore interface {
	Claim(ctx context.Context, provider, eventID string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, provider, eventID string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

func eventDocID(provider, eventID string) string {
	composite := strings.TrimSpace(provider) + "/" + strings.TrimSpace(eventID)
	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:])
}
