package handlers

import (
	"strings"
	"sync"
	"time"
)

// rateLimiter throttles checkout traffic per user. A nil limiter means
// throttling is off and every request passes.
type rateLimiter interface {
	Allow(key string) bool
}

// simpleRateLimiter counts order submissions in fixed windows keyed by user.
// Guests without a user id share the anonymous bucket.
type simpleRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

type rateBucket struct {
	count     int
	windowEnd time.Time
}

func newSimpleRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &simpleRateLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		buckets: make(map[string]*rateBucket),
	}
}

// Allow reports whether another order may be created under the key right now.
func (l *simpleRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}

	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.buckets[key]
	if bucket == nil || now.After(bucket.windowEnd) {
		l.dropStaleBuckets(now)
		l.buckets[key] = &rateBucket{count: 1, windowEnd: now.Add(l.window)}
		return true
	}

	if bucket.count >= l.limit {
		return false
	}
	bucket.count++
	return true
}

// dropStaleBuckets evicts buckets whose window has passed. Called with the
// lock held, only when a new window opens, so steady traffic never pays for it.
func (l *simpleRateLimiter) dropStaleBuckets(now time.Time) {
	for key, bucket := range l.buckets {
		if now.After(bucket.windowEnd) {
			delete(l.buckets, key)
		}
	}
}
