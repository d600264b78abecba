package handlers

import (
	"net/http"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/adapters/datasource"
	"github.com/feemaster/feemaster-engine/pkg/config"
)

// PoolStatsReporter exposes connection pool occupancy.
type PoolStatsReporter interface {
	Stats() datasource.PoolStats
}

// BackendReporter names the backend that would serve the next query.
type BackendReporter interface {
	ActiveBackend() string
}

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// HealthResponse reports whether a backend can serve queries.
type HealthResponse struct {
	Status  string                `json:"status"`
	Backend string                `json:"backend,omitempty"`
	Pool    *datasource.PoolStats `json:"pool,omitempty"`
}

// HealthHandler handles health check and ping endpoints.
type HealthHandler struct {
	cfg      *config.Config
	pool     PoolStatsReporter
	backends BackendReporter
	logger   *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. pool may be nil when no
// relational store is configured.
func NewHealthHandler(cfg *config.Config, pool PoolStatsReporter, backends BackendReporter, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, pool: pool, backends: backends, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
}

// Health handles GET /health. It answers 503 when neither backend is ready.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if h.backends != nil {
		resp.Backend = h.backends.ActiveBackend()
		if resp.Backend == "" {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	if h.pool != nil {
		stats := h.pool.Stats()
		resp.Pool = &stats
	}

	if err := WriteJSON(w, status, resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "feemaster-engine",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
