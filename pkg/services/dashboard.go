package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/config"
	"github.com/feemaster/feemaster-engine/pkg/models"
	"github.com/feemaster/feemaster-engine/pkg/sql"
)

const (
	DefaultAcademicYear     = "2024/2025"
	DefaultAcademicTerm     = "Term 1"
	DefaultRecentActivities = 10
	MaxRecentActivities     = 50
	MaxPaymentsPerPage      = 100
)

const recentActivitiesQuery = `SELECT
	p.id,
	p.payment_date AS datetime,
	s.first_name || ' ' || s.last_name AS student_name,
	s.student_id,
	UPPER(LEFT(s.first_name, 1)) || UPPER(LEFT(s.last_name, 1)) AS initials,
	'Payment' AS payment_type,
	p.amount,
	DATE(p.payment_date) AS date,
	p.payment_status AS status
FROM payments p
JOIN students s ON p.student_id = s.id
ORDER BY p.payment_date DESC
LIMIT $1`

const financialSummaryQuery = `SELECT
	COALESCE(SUM(CASE WHEN payment_status = 'completed' THEN amount ELSE 0 END), 0) AS collected,
	COALESCE(SUM(CASE WHEN payment_status = 'pending' THEN amount ELSE 0 END), 0) AS pending,
	COUNT(CASE WHEN payment_status = 'completed' THEN 1 END) AS completed_count,
	COUNT(CASE WHEN payment_status = 'pending' THEN 1 END) AS pending_count
FROM payments`

// DashboardService answers the school dashboard's read paths. Aggregates are
// computed in SQL when the relational store is available and from plain
// filtered reads otherwise.
type DashboardService struct {
	executor QueryExecutor
	views    *ViewManager
	school   config.SchoolConfig
	location *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

// NewDashboardService creates a dashboard service. Month boundaries are
// computed in the school's configured timezone.
func NewDashboardService(executor QueryExecutor, views *ViewManager, school config.SchoolConfig, logger *zap.Logger) *DashboardService {
	logger = logger.Named("dashboard")
	loc, err := time.LoadLocation(school.Timezone)
	if err != nil {
		logger.Warn("Unknown school timezone, using UTC",
			zap.String("timezone", school.Timezone),
			zap.Error(err))
		loc = time.UTC
	}
	return &DashboardService{
		executor: executor,
		views:    views,
		school:   school,
		location: loc,
		now:      time.Now,
		logger:   logger,
	}
}

// GetDashboardStats collects the headline numbers concurrently. A section
// that fails is logged, reported in Degraded and left at its default.
func (s *DashboardService) GetDashboardStats(ctx context.Context) (*models.DashboardStats, error) {
	monthStart, monthEnd := s.currentMonth()
	stats := &models.DashboardStats{
		RecentActivities:    []map[string]any{},
		CurrentAcademicYear: DefaultAcademicYear,
		CurrentAcademicTerm: DefaultAcademicTerm,
	}

	var (
		mu       sync.Mutex
		degraded []string
	)
	section := func(name string, fn func() error) func() error {
		return func() error {
			if err := fn(); err != nil {
				s.logger.Warn("Dashboard section unavailable",
					zap.String("section", name),
					zap.Error(err))
				mu.Lock()
				degraded = append(degraded, name)
				mu.Unlock()
			}
			return nil
		}
	}

	var g errgroup.Group
	g.Go(section("total_students", func() (err error) {
		stats.TotalStudents, err = s.count(ctx, "students", map[string]any{"status": "active"})
		return err
	}))
	g.Go(section("total_collections", func() (err error) {
		stats.TotalCollections, err = s.sum(ctx, "payments", "amount", map[string]any{
			"payment_status":    "completed",
			"payment_date__gte": monthStart,
			"payment_date__lte": monthEnd,
		})
		return err
	}))
	g.Go(section("pending_payments", func() (err error) {
		stats.PendingPayments, err = s.sum(ctx, "student_fees", "amount", map[string]any{"is_paid": false})
		return err
	}))
	g.Go(section("receipts_generated", func() (err error) {
		stats.ReceiptsGenerated, err = s.count(ctx, "payment_receipts", map[string]any{
			"created_at__gte": monthStart,
			"created_at__lte": monthEnd,
		})
		return err
	}))
	g.Go(section("recent_activities", func() (err error) {
		stats.RecentActivities, err = s.GetRecentActivities(ctx, DefaultRecentActivities)
		return err
	}))
	g.Go(section("academic_context", func() error {
		ac, err := s.GetCurrentAcademicContext(ctx)
		if err != nil {
			return err
		}
		if name, ok := ac.AcademicYear["year_name"].(string); ok && name != "" {
			stats.CurrentAcademicYear = name
		}
		if name, ok := ac.AcademicTerm["term_name"].(string); ok && name != "" {
			stats.CurrentAcademicTerm = name
		}
		return nil
	}))
	_ = g.Wait()

	if total := stats.TotalCollections + stats.PendingPayments; total > 0 {
		stats.CollectionRate = stats.TotalCollections / total * 100
	}
	stats.Degraded = sortedCopy(degraded)
	return stats, nil
}

// GetRecentActivities returns the latest payments with student names,
// newest first. limit is clamped to [1, MaxRecentActivities].
func (s *DashboardService) GetRecentActivities(ctx context.Context, limit int) ([]map[string]any, error) {
	limit = min(max(limit, 1), MaxRecentActivities)

	if supportsRaw(s.executor) {
		result := s.executor.ExecuteRaw(ctx, recentActivitiesQuery, []any{limit})
		if result.Success {
			return result.Rows, nil
		}
		if result.ErrorKind != apperrors.KindUnsupportedOperation {
			return nil, result.Err()
		}
	}

	req := &models.QueryRequest{
		Table:     "payments",
		Operation: models.OperationSelect,
		Relations: []string{"students"},
		OrderBy:   &models.OrderBy{Field: "payment_date", Descending: true},
		Limit:     models.IntPtr(limit),
	}
	result := s.executor.Execute(ctx, req)
	if result.ErrorKind == apperrors.KindUnsupportedOperation {
		req.Relations = nil
		result = s.executor.Execute(ctx, req)
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return result.Rows, nil
}

// GetFinancialSummary totals completed and pending payments, optionally
// bounded by payment date. Either bound may be nil.
func (s *DashboardService) GetFinancialSummary(ctx context.Context, from, to *time.Time) (*models.FinancialSummary, error) {
	summary := &models.FinancialSummary{From: from, To: to}

	var (
		conds []string
		args  []any
	)
	if from != nil {
		args = append(args, *from)
		conds = append(conds, fmt.Sprintf("payment_date >= $%d", len(args)))
	}
	if to != nil {
		args = append(args, *to)
		conds = append(conds, fmt.Sprintf("payment_date <= $%d", len(args)))
	}
	query := financialSummaryQuery
	if len(conds) > 0 {
		query += "\nWHERE " + strings.Join(conds, " AND ")
	}

	result := &models.QueryResult{ErrorKind: apperrors.KindUnsupportedOperation}
	if supportsRaw(s.executor) {
		result = s.executor.ExecuteRaw(ctx, query, args)
	}
	switch {
	case result.Success:
		row := result.First()
		summary.Collected = toFloat64(row["collected"])
		summary.Outstanding = toFloat64(row["pending"])
		summary.CompletedCount = toInt64(row["completed_count"])
		summary.PendingCount = toInt64(row["pending_count"])
	case result.ErrorKind == apperrors.KindUnsupportedOperation:
		filters := map[string]any{"payment_status__in": []string{"completed", "pending"}}
		if from != nil {
			filters["payment_date__gte"] = *from
		}
		if to != nil {
			filters["payment_date__lte"] = *to
		}
		rows, err := s.selectRows(ctx, "payments", []string{"amount", "payment_status"}, filters)
		if err != nil {
			return nil, fmt.Errorf("failed to load payments: %w", err)
		}
		for _, r := range rows {
			switch r["payment_status"] {
			case "completed":
				summary.Collected += toFloat64(r["amount"])
				summary.CompletedCount++
			case "pending":
				summary.Outstanding += toFloat64(r["amount"])
				summary.PendingCount++
			}
		}
	default:
		return nil, fmt.Errorf("failed to compute financial summary: %w", result.Err())
	}

	summary.TotalRevenue = summary.Collected + summary.Outstanding
	if summary.TotalRevenue > 0 {
		summary.CollectionRate = summary.Collected / summary.TotalRevenue * 100
	}
	return summary, nil
}

// GetCurrentAcademicContext returns the academic year and term flagged as
// current and active.
func (s *DashboardService) GetCurrentAcademicContext(ctx context.Context) (*models.AcademicContext, error) {
	current := map[string]any{"is_current": true, "is_active": true}

	years, err := s.selectRows(ctx, "academic_years", []string{"id", "year_name"}, current)
	if err != nil {
		return nil, fmt.Errorf("failed to load academic year: %w", err)
	}
	terms, err := s.selectRows(ctx, "academic_terms", []string{"id", "term_name", "academic_year_id"}, current)
	if err != nil {
		return nil, fmt.Errorf("failed to load academic term: %w", err)
	}

	ac := &models.AcademicContext{}
	if len(years) > 0 {
		ac.AcademicYear = years[0]
	}
	if len(terms) > 0 {
		ac.AcademicTerm = terms[0]
	}
	return ac, nil
}

// GetSchoolSettings reads the school_settings row with its current year and
// term names, falling back to the configured defaults when there is none.
func (s *DashboardService) GetSchoolSettings(ctx context.Context) (*models.SchoolSettings, error) {
	req := &models.QueryRequest{
		Table:     "school_settings",
		Operation: models.OperationSelect,
		Relations: []string{"academic_years", "academic_terms"},
		Limit:     models.IntPtr(1),
	}
	result := s.executor.Execute(ctx, req)
	if result.ErrorKind == apperrors.KindUnsupportedOperation {
		req.Relations = nil
		result = s.executor.Execute(ctx, req)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to load school settings: %w", err)
	}

	row := result.First()
	if row == nil {
		return &models.SchoolSettings{
			SchoolName: s.school.Name,
			Email:      s.school.Email,
			Phone:      s.school.Phone,
			Address:    s.school.Address,
			Currency:   s.school.Currency,
			Timezone:   s.school.Timezone,
			Source:     "defaults",
		}, nil
	}

	settings := &models.SchoolSettings{
		SchoolName: stringOr(row["school_name"], s.school.Name),
		Email:      stringOr(row["email"], s.school.Email),
		Phone:      stringOr(row["phone"], s.school.Phone),
		Address:    stringOr(row["address"], s.school.Address),
		Currency:   stringOr(row["currency"], s.school.Currency),
		Timezone:   stringOr(row["timezone"], s.school.Timezone),
		Source:     "database",
	}
	if year, ok := row["academic_years"].(map[string]any); ok {
		settings.CurrentAcademicYear = stringOr(year["year_name"], "")
	}
	if term, ok := row["academic_terms"].(map[string]any); ok {
		settings.CurrentAcademicTerm = stringOr(term["term_name"], "")
	}
	return settings, nil
}

// ListPayments pages through the payment_details view, newest first.
func (s *DashboardService) ListPayments(ctx context.Context, filters models.PaymentFilters, page, perPage int) (*models.PaymentPage, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: page must be at least 1", apperrors.ErrParse)
	}
	if perPage < 1 || perPage > MaxPaymentsPerPage {
		return nil, fmt.Errorf("%w: per_page must be between 1 and %d", apperrors.ErrParse, MaxPaymentsPerPage)
	}

	view, ok := s.views.View(PaymentDetailsView)
	if !ok {
		return nil, fmt.Errorf("%w: view %s is not registered", apperrors.ErrNotFound, PaymentDetailsView)
	}

	where := s.paymentFilters(filters)
	result := s.views.Read(ctx, PaymentDetailsView, where, ReadOptions{
		OrderBy: &models.OrderBy{Field: "payment_date", Descending: true},
		Limit:   models.IntPtr(perPage),
		Offset:  models.IntPtr((page - 1) * perPage),
	})
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}

	total, err := s.count(ctx, view.PhysicalName(), where)
	if err != nil {
		return nil, fmt.Errorf("failed to count payments: %w", err)
	}

	return &models.PaymentPage{
		Data:       result.Rows,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: int((total + int64(perPage) - 1) / int64(perPage)),
	}, nil
}

func (s *DashboardService) paymentFilters(f models.PaymentFilters) map[string]any {
	where := make(map[string]any)
	if f.StudentID != "" {
		where["student_id"] = f.StudentID
	}
	if f.PaymentStatus != "" {
		where["payment_status"] = f.PaymentStatus
	}
	if f.PaymentMethod != "" {
		where["payment_method"] = f.PaymentMethod
	}
	if f.From != nil {
		where["payment_date__gte"] = s.startOfDay(*f.From)
	}
	if f.To != nil {
		where["payment_date__lte"] = s.startOfDay(*f.To).AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return where
}

// GetPaymentTrends returns monthly trends from the payment_trends view for
// the period ending today: "week", "month", "quarter" or "year".
func (s *DashboardService) GetPaymentTrends(ctx context.Context, period string) (*models.PaymentTrends, error) {
	days := map[string]int{"week": 7, "month": 30, "quarter": 90, "year": 365}
	n, ok := days[period]
	if !ok {
		return nil, fmt.Errorf("%w: unknown period %q", apperrors.ErrParse, period)
	}

	to := s.now().In(s.location)
	from := to.AddDate(0, 0, -n)
	// Trend rows are keyed by the first of the month.
	fromMonth := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, s.location)

	result := s.views.Read(ctx, PaymentTrendsView,
		map[string]any{"period__gte": fromMonth, "period__lte": to},
		ReadOptions{OrderBy: &models.OrderBy{Field: "period"}})
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read payment trends: %w", err)
	}

	trends := &models.PaymentTrends{From: from, To: to, Months: make([]models.PaymentTrend, 0, len(result.Rows))}
	var completed float64
	for _, r := range result.Rows {
		m := models.PaymentTrend{
			Period:           r["period"],
			TransactionCount: toInt64(r["transaction_count"]),
			CompletedAmount:  toFloat64(r["completed_amount"]),
			PendingAmount:    toFloat64(r["pending_amount"]),
			AvgAmount:        toFloat64(r["avg_amount"]),
			CompletedCount:   toInt64(r["completed_count"]),
			FailedCount:      toInt64(r["failed_count"]),
		}
		trends.Months = append(trends.Months, m)
		trends.TotalAmount += m.CompletedAmount
		trends.TotalTransactions += m.TransactionCount
		completed += float64(m.CompletedCount)
	}
	// Weighted by completed payments, not by month.
	if completed > 0 {
		trends.AvgTransactionValue = trends.TotalAmount / completed
	}
	if trends.TotalTransactions > 0 {
		trends.SuccessRate = completed / float64(trends.TotalTransactions) * 100
	}
	return trends, nil
}

// count returns COUNT(*) over table rows matching filters. Without a
// relational store it counts the ids a filtered read returns.
func (s *DashboardService) count(ctx context.Context, table string, filters map[string]any) (int64, error) {
	req, err := selectRequest(table, filters)
	if err != nil {
		return 0, err
	}
	stmt, err := sql.BuildCount(req)
	if err != nil {
		return 0, err
	}

	if supportsRaw(s.executor) {
		result := s.executor.ExecuteRaw(ctx, stmt.SQL, stmt.Args)
		if result.Success {
			return toInt64(result.First()["total"]), nil
		}
		if result.ErrorKind != apperrors.KindUnsupportedOperation {
			return 0, result.Err()
		}
	}

	req.Projection = []string{"id"}
	result := s.executor.Execute(ctx, req)
	if err := result.Err(); err != nil {
		return 0, err
	}
	return int64(len(result.Rows)), nil
}

// sum returns the total of field over matching rows, with the same fallback
// as count.
func (s *DashboardService) sum(ctx context.Context, table, field string, filters map[string]any) (float64, error) {
	req, err := selectRequest(table, filters)
	if err != nil {
		return 0, err
	}
	stmt, err := sql.BuildAggregate(req, sql.AggregateSum, field)
	if err != nil {
		return 0, err
	}

	if supportsRaw(s.executor) {
		result := s.executor.ExecuteRaw(ctx, stmt.SQL, stmt.Args)
		if result.Success {
			return toFloat64(result.First()["total"]), nil
		}
		if result.ErrorKind != apperrors.KindUnsupportedOperation {
			return 0, result.Err()
		}
	}

	req.Projection = []string{field}
	result := s.executor.Execute(ctx, req)
	if err := result.Err(); err != nil {
		return 0, err
	}
	var total float64
	for _, r := range result.Rows {
		total += toFloat64(r[field])
	}
	return total, nil
}

func (s *DashboardService) selectRows(ctx context.Context, table string, projection []string, filters map[string]any) ([]map[string]any, error) {
	result := s.executor.Execute(ctx, &models.QueryRequest{
		Table:      table,
		Operation:  models.OperationSelect,
		Projection: projection,
		Filters:    filters,
	})
	if err := result.Err(); err != nil {
		return nil, err
	}
	return result.Rows, nil
}

// currentMonth returns the first and last instant of the current month in
// the school's timezone.
func (s *DashboardService) currentMonth() (time.Time, time.Time) {
	now := s.now().In(s.location)
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.location)
	return start, start.AddDate(0, 1, 0).Add(-time.Nanosecond)
}

func (s *DashboardService) startOfDay(t time.Time) time.Time {
	t = t.In(s.location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.location)
}

func selectRequest(table string, filters map[string]any) (*models.QueryRequest, error) {
	predicates, err := sql.Translate(filters)
	if err != nil {
		return nil, err
	}
	return &models.QueryRequest{Table: table, Operation: models.OperationSelect, Predicates: predicates}, nil
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
