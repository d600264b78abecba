package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/models"
)

const defaultSlowQueryLimit = 10

// QueryTelemetry is the read side of query instrumentation.
type QueryTelemetry interface {
	Stats(n int) models.QueryStats
	Snapshot() models.MetricsSnapshot
	Registry() *prometheus.Registry
}

// ViewRefresher lists and refreshes derived views.
type ViewRefresher interface {
	Views() []models.DerivedView
	Refresh(ctx context.Context, name string) error
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Queries models.QueryStats      `json:"queries"`
	Metrics models.MetricsSnapshot `json:"metrics"`
}

// ObservabilityHandler serves query statistics, Prometheus metrics and
// derived view maintenance.
type ObservabilityHandler struct {
	telemetry QueryTelemetry
	views     ViewRefresher
	logger    *zap.Logger
}

// NewObservabilityHandler creates a new ObservabilityHandler.
func NewObservabilityHandler(telemetry QueryTelemetry, views ViewRefresher, logger *zap.Logger) *ObservabilityHandler {
	return &ObservabilityHandler{telemetry: telemetry, views: views, logger: logger}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *ObservabilityHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stats", h.Stats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.telemetry.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /views", h.ListViews)
	mux.HandleFunc("POST /views/{name}/refresh", h.RefreshView)
}

// Stats handles GET /stats?slow=N.
func (h *ObservabilityHandler) Stats(w http.ResponseWriter, r *http.Request) {
	n := defaultSlowQueryLimit
	if v := r.URL.Query().Get("slow"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_slow", "slow must be a non-negative integer"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		n = parsed
	}

	writeOK(w, h.logger, StatsResponse{
		Queries: h.telemetry.Stats(n),
		Metrics: h.telemetry.Snapshot(),
	})
}

// ListViews handles GET /views.
func (h *ObservabilityHandler) ListViews(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.logger, h.views.Views())
}

// RefreshView handles POST /views/{name}/refresh.
func (h *ObservabilityHandler) RefreshView(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.views.Refresh(r.Context(), name); err != nil {
		writeServiceError(w, h.logger, "Failed to refresh view", err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Message: "View refreshed",
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
