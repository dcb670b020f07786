package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHealthzReportsUptime(t *testing.T) {
	started := handlerTestNow.Add(-90 * time.Second)
	h := NewHealthHandlers(
		WithHealthStartedAt(started),
		WithHealthClock(func() time.Time { return handlerTestNow }),
	)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", payload["status"])
	}
	if payload["uptime"] != "1m30s" {
		t.Fatalf("uptime = %v, want 1m30s", payload["uptime"])
	}
}

func TestReadyzAllChecksPass(t *testing.T) {
	h := NewHealthHandlers(
		WithReadinessCheck("firestore", func(context.Context) error { return nil }),
		WithReadinessCheck("pubsub", func(context.Context) error { return nil }),
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"firestore":"ok"`) {
		t.Fatalf("check result missing: %s", rec.Body.String())
	}
}

func TestReadyzFailedCheckDegrades(t *testing.T) {
	h := NewHealthHandlers(
		WithReadinessCheck("firestore", func(context.Context) error { return nil }),
		WithReadinessCheck("pubsub", func(context.Context) error {
			return errors.New("broker unreachable")
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"status":"degraded"`) {
		t.Fatalf("status field not degraded: %s", body)
	}
	if !strings.Contains(body, "pubsub: broker unreachable") {
		t.Fatalf("failure detail missing: %s", body)
	}
}
