package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
)

func TestHealthServerReady(t *testing.T) {
	reg := prometheus.NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "health_test_total",
		Help: "Test counter.",
	})

	reg.MustRegister(counter)
	counter.Inc()

	s := NewHealthServer(":0", HealthServerOptions{Gatherer: reg})

	dbErr := errors.New("connection refused")

	s.AddReadyFunction("api", func(_ context.Context) error {
		return nil
	})
	s.AddReadyFunction("db", func(_ context.Context) error {
		return dbErr
	})

	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, httptest.NewRequest(
		http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}

	var result map[string]ReadyResult

	err := json.Unmarshal(rec.Body.Bytes(), &result)
	if err != nil {
		t.Fatalf("failed to decode ready response: %v", err)
	}

	want := map[string]ReadyResult{
		"api": {Ok: true},
		"db":  {Ok: false, Error: "connection refused"},
	}

	if diff := cmp.Diff(want, result); diff != "" {
		t.Fatalf("ready result mismatch (-want +got):\n%s", diff)
	}

	rec = httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, httptest.NewRequest(
		http.MethodGet, "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "health_test_total 1") {
		t.Fatalf("metrics response is missing the counter:\n%s",
			rec.Body.String())
	}

	rec = httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, httptest.NewRequest(
		http.MethodGet, "/debug/pprof/", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected pprof to be disabled, got status %d", rec.Code)
	}
}
