package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/models"
	"github.com/feemaster/feemaster-engine/pkg/services"
)

// DashboardQueries is the read-only dashboard surface.
type DashboardQueries interface {
	GetDashboardStats(ctx context.Context) (*models.DashboardStats, error)
	GetRecentActivities(ctx context.Context, limit int) ([]map[string]any, error)
	GetFinancialSummary(ctx context.Context, from, to *time.Time) (*models.FinancialSummary, error)
	GetCurrentAcademicContext(ctx context.Context) (*models.AcademicContext, error)
	GetSchoolSettings(ctx context.Context) (*models.SchoolSettings, error)
	ListPayments(ctx context.Context, filters models.PaymentFilters, page, perPage int) (*models.PaymentPage, error)
	GetPaymentTrends(ctx context.Context, period string) (*models.PaymentTrends, error)
}

var _ DashboardQueries = (*services.DashboardService)(nil)

// DashboardHandler serves dashboard and payment listing reads.
type DashboardHandler struct {
	dashboard DashboardQueries
	logger    *zap.Logger
}

// NewDashboardHandler creates a new dashboard handler.
func NewDashboardHandler(dashboard DashboardQueries, logger *zap.Logger) *DashboardHandler {
	return &DashboardHandler{dashboard: dashboard, logger: logger}
}

// RegisterRoutes registers the dashboard handler's routes on the given mux.
func (h *DashboardHandler) RegisterRoutes(mux *http.ServeMux) {
	base := "/api/dashboard"

	mux.HandleFunc("GET "+base+"/stats", h.Stats)
	mux.HandleFunc("GET "+base+"/recent-activities", h.RecentActivities)
	mux.HandleFunc("GET "+base+"/financial-summary", h.FinancialSummary)
	mux.HandleFunc("GET "+base+"/academic-context", h.AcademicContext)
	mux.HandleFunc("GET "+base+"/payment-trends", h.PaymentTrends)
	mux.HandleFunc("GET /api/school-settings", h.SchoolSettings)
	mux.HandleFunc("GET /api/payments", h.ListPayments)
}

// Stats handles GET /api/dashboard/stats
func (h *DashboardHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dashboard.GetDashboardStats(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "Failed to load dashboard stats", err)
		return
	}
	writeOK(w, h.logger, stats)
}

// RecentActivities handles GET /api/dashboard/recent-activities?limit=N
func (h *DashboardHandler) RecentActivities(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", services.DefaultRecentActivities)
	if err != nil {
		writeServiceError(w, h.logger, "Invalid request", err)
		return
	}

	activities, err := h.dashboard.GetRecentActivities(r.Context(), limit)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to load recent activities", err)
		return
	}
	writeOK(w, h.logger, activities)
}

// FinancialSummary handles GET /api/dashboard/financial-summary?from=&to=
func (h *DashboardHandler) FinancialSummary(w http.ResponseWriter, r *http.Request) {
	from, err := queryDate(r, "from")
	if err != nil {
		writeServiceError(w, h.logger, "Invalid request", err)
		return
	}
	to, err := queryDate(r, "to")
	if err != nil {
		writeServiceError(w, h.logger, "Invalid request", err)
		return
	}

	summary, err := h.dashboard.GetFinancialSummary(r.Context(), from, to)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to load financial summary", err)
		return
	}
	writeOK(w, h.logger, summary)
}

// AcademicContext handles GET /api/dashboard/academic-context
func (h *DashboardHandler) AcademicContext(w http.ResponseWriter, r *http.Request) {
	ac, err := h.dashboard.GetCurrentAcademicContext(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "Failed to load academic context", err)
		return
	}
	writeOK(w, h.logger, ac)
}

// PaymentTrends handles GET /api/dashboard/payment-trends?period=month
func (h *DashboardHandler) PaymentTrends(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "month"
	}

	trends, err := h.dashboard.GetPaymentTrends(r.Context(), period)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to load payment trends", err)
		return
	}
	writeOK(w, h.logger, trends)
}

// SchoolSettings handles GET /api/school-settings
func (h *DashboardHandler) SchoolSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.dashboard.GetSchoolSettings(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "Failed to load school settings", err)
		return
	}
	writeOK(w, h.logger, settings)
}

// ListPayments handles GET /api/payments
func (h *DashboardHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := models.PaymentFilters{
		StudentID:     q.Get("student_id"),
		PaymentStatus: q.Get("status"),
		PaymentMethod: q.Get("method"),
	}

	var err error
	if filters.From, err = queryDate(r, "from"); err != nil {
		writeServiceError(w, h.logger, "Invalid request", err)
		return
	}
	if filters.To, err = queryDate(r, "to"); err != nil {
		writeServiceError(w, h.logger, "Invalid request", err)
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeServiceError(w, h.logger, "Invalid request", err)
		return
	}
	perPage, err := queryInt(r, "per_page", 20)
	if err != nil {
		writeServiceError(w, h.logger, "Invalid request", err)
		return
	}

	result, err := h.dashboard.ListPayments(r.Context(), filters, page, perPage)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to list payments", err)
		return
	}
	writeOK(w, h.logger, result)
}
