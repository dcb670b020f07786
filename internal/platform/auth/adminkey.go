package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

const defaultAdminKeyHeader = "X-Admin-Key"

// AdminKeyGuard protects operator endpoints with a shared API key.
type AdminKeyGuard struct {
	key     string
	header  string
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// AdminKeyOption customises the guard.
type AdminKeyOption func(*AdminKeyGuard)

// WithAdminKeyHeader overrides the header carrying the key.
func WithAdminKeyHeader(header string) AdminKeyOption {
	return func(g *AdminKeyGuard) {
		if strings.TrimSpace(header) != "" {
			g.header = header
		}
	}
}

// WithAdminKeyLogger sets the guard logger.
func WithAdminKeyLogger(logger Logger) AdminKeyOption {
	return func(g *AdminKeyGuard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithAdminKeyMetrics sets the metrics recorder.
func WithAdminKeyMetrics(metrics MetricsRecorder) AdminKeyOption {
	return func(g *AdminKeyGuard) {
		g.metrics = metrics
	}
}

// NewAdminKeyGuard constructs a guard for the configured key. An empty key
// disables the guarded routes entirely rather than leaving them open.
func NewAdminKeyGuard(key string, opts ...AdminKeyOption) *AdminKeyGuard {
	guard := &AdminKeyGuard{
		key:    strings.TrimSpace(key),
		header: defaultAdminKeyHeader,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(guard)
		}
	}
	return guard
}

// Require enforces the admin key on every request passing through.
func (g *AdminKeyGuard) Require() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := g.now()
			ctx := r.Context()

			if g.key == "" {
				g.record(ctx, false, "key_not_configured", start)
				respondAuthError(w, http.StatusServiceUnavailable, "admin_unavailable", "admin key not configured")
				return
			}

			presented := strings.TrimSpace(r.Header.Get(g.header))
			if presented == "" {
				g.record(ctx, false, "key_missing", start)
				respondAuthError(w, http.StatusUnauthorized, "admin_key_missing", "admin key header missing")
				return
			}

			if subtle.ConstantTimeCompare([]byte(presented), []byte(g.key)) != 1 {
				if g.logger != nil {
					g.logger.Printf("auth: admin key rejected for %s %s", r.Method, r.URL.Path)
				}
				g.record(ctx, false, "key_mismatch", start)
				respondAuthError(w, http.StatusForbidden, "admin_key_invalid", "admin key invalid")
				return
			}

			g.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r)
		})
	}
}

func (g *AdminKeyGuard) record(ctx context.Context, success bool, reason string, start time.Time) {
	if g == nil || g.metrics == nil {
		return
	}
	g.metrics.RecordVerification(ctx, "admin_key", success, reason, g.now().Sub(start))
}
