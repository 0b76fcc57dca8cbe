// Package router configures HTTP routes for the trainer's HTTP API.
//
// The trainer exposes an HTTP server on port 8082 (configurable) that
// provides live run statistics, health checks, and Prometheus metrics.
//
// Routes configured:
//   - GET /run/current?run=<name> - Retrieve the latest stats of a run
//   - GET /healthz - Health check endpoint (returns 200 OK)
//   - GET /metrics - Prometheus metrics endpoint
//
// When the returned stats have not been updated within the stale threshold
// the response carries an X-Demandcast-Stale header, so dashboards can tell
// a stuck run apart from a slow one.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wattlab/demandcast/pkg/httpx"
	"github.com/wattlab/demandcast/pkg/runstore"
)

var runNameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]{0,251}[a-zA-Z0-9])?$`)

// SetupRoutes configures HTTP endpoints for the trainer.
func SetupRoutes(store runstore.Store, staleAfter time.Duration, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/healthz", httpx.HealthHandler())
	mux.HandleFunc("/run/current", handleGetRunStats(store, staleAfter, logger))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// handleGetRunStats returns a handler for GET /run/current?run=<name>.
func handleGetRunStats(store runstore.Store, staleAfter time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := r.URL.Query().Get("run")
		if run == "" {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "run parameter required")
			return
		}

		if !runNameRegex.MatchString(run) {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid run name format")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		stats, found, err := store.GetLatest(ctx, run)
		if err != nil {
			logger.Error("failed to get run stats", "run", run, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}

		if !found {
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("stats not found for run %q", run))
			return
		}

		if staleAfter > 0 && time.Since(stats.UpdatedAt) > staleAfter {
			w.Header().Set("X-Demandcast-Stale", "true")
		}

		if err := httpx.WriteJSON(w, http.StatusOK, stats); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}
