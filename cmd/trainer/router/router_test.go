package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wattlab/demandcast/pkg/runstore"
)

func testMux(t *testing.T, staleAfter time.Duration) (*runstore.MemoryStore, *http.ServeMux) {
	t.Helper()
	store := runstore.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return store, SetupRoutes(store, staleAfter, logger)
}

func TestHealthEndpoint(t *testing.T) {
	_, mux := testMux(t, 2*time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); body != "OK" {
		t.Errorf("body = %q, want %q", body, "OK")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, mux := testMux(t, 2*time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("Content-Type header should be set for metrics endpoint")
	}
}

func TestGetRunStats_MissingRun(t *testing.T) {
	_, mux := testMux(t, 2*time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/run/current", nil)
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestGetRunStats_InvalidName(t *testing.T) {
	_, mux := testMux(t, 2*time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/run/current?run=bad%20name", nil)
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestGetRunStats_NotFound(t *testing.T) {
	_, mux := testMux(t, 2*time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/run/current?run=nonexistent", nil)
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestGetRunStats_Success(t *testing.T) {
	store, mux := testMux(t, 2*time.Minute)

	want := runstore.RunStats{
		Run:          "household-2026",
		Epoch:        12,
		TrainLoss:    0.031,
		ValLoss:      0.044,
		BestValLoss:  0.041,
		BestEpoch:    9,
		LearningRate: 1e-4,
		Phase:        runstore.PhaseTraining,
		UpdatedAt:    time.Now(),
	}
	if err := store.Put(context.Background(), want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/run/current?run=household-2026", nil)
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("X-Demandcast-Stale"); got != "" {
		t.Errorf("fresh stats carried stale header %q", got)
	}

	var got runstore.RunStats
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Epoch != want.Epoch || got.ValLoss != want.ValLoss || got.Phase != want.Phase {
		t.Errorf("body = %+v, want %+v", got, want)
	}
}

func TestGetRunStats_Stale(t *testing.T) {
	store, mux := testMux(t, time.Minute)

	stats := runstore.RunStats{
		Run:       "stuck-run",
		Epoch:     3,
		Phase:     runstore.PhaseTraining,
		UpdatedAt: time.Now().Add(-5 * time.Minute),
	}
	if err := store.Put(context.Background(), stats); err != nil {
		t.Fatalf("Put: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/run/current?run=stuck-run", nil)
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("X-Demandcast-Stale"); got != "true" {
		t.Errorf("stale header = %q, want true", got)
	}
}
