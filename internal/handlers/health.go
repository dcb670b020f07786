package handlers

import (
	"context"
	"net/http"
	"time"
)

// ReadinessCheck probes one dependency. A nil error means ready.
type ReadinessCheck func(ctx context.Context) error

type namedCheck struct {
	name  string
	check ReadinessCheck
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	startedAt time.Time
	clock     func() time.Time
	checks    []namedCheck
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// WithHealthClock injects a custom clock, primarily for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthStartedAt overrides the process start time used for uptime reporting.
func WithHealthStartedAt(t time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if !t.IsZero() {
			h.startedAt = t
		}
	}
}

// WithReadinessCheck registers a named dependency probe for /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) HealthOption {
	return func(h *HealthHandlers) {
		if name != "" && check != nil {
			h.checks = append(h.checks, namedCheck{name: name, check: check})
		}
	}
}

// NewHealthHandlers constructs the health handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		startedAt: time.Now().UTC(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.startedAt).String(),
		"timestamp": now.Format(time.RFC3339),
	})
}

// Readyz runs the registered dependency probes and reports aggregate readiness.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.clock().UTC()

	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	var details []string

	for _, c := range h.checks {
		if err := c.check(ctx); err != nil {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			checks[c.name] = "failed"
			details = append(details, c.name+": "+err.Error())
			continue
		}
		checks[c.name] = "ok"
	}

	payload := map[string]any{
		"status":    status,
		"timestamp": now.Format(time.RFC3339),
	}
	if len(checks) > 0 {
		payload["checks"] = checks
	}
	if len(details) > 0 {
		payload["details"] = details
	}
	writeJSONResponse(w, httpStatus, payload)
}
