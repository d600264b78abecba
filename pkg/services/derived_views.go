package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/models"
)

const (
	PaymentTrendsView  = "payment_trends"
	PaymentDetailsView = "payment_details"
)

// BuiltinViews returns the aggregate views the dashboard reads from.
func BuiltinViews() []models.DerivedView {
	return []models.DerivedView{
		{
			Name:        PaymentTrendsView,
			Version:     1,
			Description: "Monthly payment totals by status",
			Definition: `SELECT
	DATE_TRUNC('month', payment_date) AS period,
	COUNT(*) AS transaction_count,
	COALESCE(SUM(CASE WHEN payment_status = 'completed' THEN amount ELSE 0 END), 0) AS completed_amount,
	COALESCE(SUM(CASE WHEN payment_status = 'pending' THEN amount ELSE 0 END), 0) AS pending_amount,
	COALESCE(AVG(CASE WHEN payment_status = 'completed' THEN amount END), 0) AS avg_amount,
	COUNT(CASE WHEN payment_status = 'completed' THEN 1 END) AS completed_count,
	COUNT(CASE WHEN payment_status = 'failed' THEN 1 END) AS failed_count
FROM payments
GROUP BY DATE_TRUNC('month', payment_date)`,
			UniqueKey: []string{"period"},
		},
		{
			Name:        PaymentDetailsView,
			Version:     2,
			Description: "Payments with student, receipt and fee allocation details",
			Definition: `SELECT
	p.*,
	s.student_id AS student_number,
	s.first_name || ' ' || s.last_name AS student_name,
	s.grade,
	pr.receipt_number AS receipt_issued,
	pr.file_url AS receipt_url,
	COALESCE(
		json_agg(json_build_object(
			'fee_type_name', ft.name,
			'fee_type', ft.fee_type,
			'allocated_amount', pa.amount
		)) FILTER (WHERE pa.id IS NOT NULL),
		'[]'
	) AS fee_allocations
FROM payments p
JOIN students s ON p.student_id = s.id
LEFT JOIN LATERAL (
	SELECT receipt_number, file_url
	FROM payment_receipts
	WHERE payment_id = p.id
	ORDER BY created_at DESC, receipt_number DESC
	LIMIT 1
) pr ON true
LEFT JOIN payment_allocations pa ON p.id = pa.payment_id
LEFT JOIN student_fees sf ON pa.student_fee_id = sf.id
LEFT JOIN fee_types ft ON sf.fee_type_id = ft.id
GROUP BY p.id, s.student_id, s.first_name, s.last_name, s.grade, pr.receipt_number, pr.file_url`,
			UniqueKey: []string{"id"},
			Indexes:   []string{"payment_date", "payment_status"},
		},
	}
}

// viewFile is the YAML layout read by LoadViewDefinitions.
type viewFile struct {
	Views []models.DerivedView `yaml:"views"`
}

// LoadViewDefinitions reads additional view definitions from a YAML file.
func LoadViewDefinitions(path string) ([]models.DerivedView, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read view definitions: %w", err)
	}
	var f viewFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse view definitions: %w", err)
	}
	for i := range f.Views {
		if err := f.Views[i].Validate(); err != nil {
			return nil, fmt.Errorf("view definition %d: %w", i, err)
		}
	}
	return f.Views, nil
}

// ReadOptions shapes a derived view read.
type ReadOptions struct {
	Projection []string
	OrderBy    *models.OrderBy
	Limit      *int
	Offset     *int
}

// ViewManager creates, refreshes and reads materialised views through a
// QueryExecutor. Refreshes run CONCURRENTLY so readers keep seeing the
// previous contents until the new ones are committed.
type ViewManager struct {
	executor QueryExecutor
	logger   *zap.Logger

	mu      sync.RWMutex
	views   map[string]*models.DerivedView
	ensured map[string]bool

	// inflight coalesces concurrent Ensure and Refresh calls per view.
	inflight singleflight.Group
}

// NewViewManager creates a manager with no registered views.
func NewViewManager(executor QueryExecutor, logger *zap.Logger) *ViewManager {
	return &ViewManager{
		executor: executor,
		logger:   logger.Named("views"),
		views:    make(map[string]*models.DerivedView),
		ensured:  make(map[string]bool),
	}
}

// Register adds or replaces a view definition without touching the database.
// Replacing a definition with a different version forgets its ensured state.
func (m *ViewManager) Register(def models.DerivedView) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrParse, err)
	}
	def.LastRefreshedAt = nil
	def.LastError = ""

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.views[def.Name]; ok {
		if old.PhysicalName() == def.PhysicalName() {
			def.LastRefreshedAt = old.LastRefreshedAt
			def.LastError = old.LastError
		} else {
			delete(m.ensured, def.Name)
		}
	}
	m.views[def.Name] = &def
	return nil
}

// EnsureView registers def and creates it if absent.
func (m *ViewManager) EnsureView(ctx context.Context, def models.DerivedView) error {
	if err := m.Register(def); err != nil {
		return err
	}
	return m.Ensure(ctx, def.Name)
}

// Ensure creates the named view and its indexes if they do not exist yet.
// It is idempotent in the database and skips the round-trips entirely once
// the view has been ensured by this manager. Concurrent calls for the same
// view share one set of statements.
func (m *ViewManager) Ensure(ctx context.Context, name string) error {
	def, err := m.lookup(name)
	if err != nil {
		return err
	}
	if m.isEnsured(name) {
		return nil
	}
	if !supportsRaw(m.executor) {
		return fmt.Errorf("%w: view %s needs the relational store", apperrors.ErrUnsupportedOperation, name)
	}

	return m.coalesce(ctx, "ensure:"+name, func(ctx context.Context) error {
		return m.ensure(ctx, name, def)
	})
}

func (m *ViewManager) ensure(ctx context.Context, name string, def models.DerivedView) error {
	if m.isEnsured(name) {
		return nil
	}

	for _, stmt := range ensureStatements(def) {
		if err := m.executor.ExecuteRaw(ctx, stmt, nil).Err(); err != nil {
			return fmt.Errorf("failed to ensure view %s: %w", name, err)
		}
	}

	m.mu.Lock()
	if cur, ok := m.views[name]; ok && cur.PhysicalName() == def.PhysicalName() {
		m.ensured[name] = true
	}
	m.mu.Unlock()

	m.logger.Info("Derived view ensured",
		zap.String("view", name),
		zap.String("relation", def.PhysicalName()))
	return nil
}

func (m *ViewManager) isEnsured(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ensured[name]
}

// coalesce runs fn once per key for all concurrent callers. fn gets a context
// detached from the first caller's cancellation and bounded by
// DefaultRefreshTimeout, so one caller giving up does not fail the others.
// Each caller still stops waiting when its own ctx is done.
func (m *ViewManager) coalesce(ctx context.Context, key string, fn func(context.Context) error) error {
	ch := m.inflight.DoChan(key, func() (any, error) {
		workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultRefreshTimeout)
		defer cancel()
		return nil, fn(workCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			m.logger.Debug("Joined in-flight view operation", zap.String("key", key))
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func ensureStatements(def models.DerivedView) []string {
	phys := def.PhysicalName()
	stmts := []string{
		fmt.Sprintf("CREATE MATERIALIZED VIEW IF NOT EXISTS %s AS\n%s\nWITH DATA", phys, def.Definition),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
			phys, strings.Join(def.UniqueKey, "_"), phys, strings.Join(def.UniqueKey, ", ")),
	}
	for _, col := range def.Indexes {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", phys, col, phys, col))
	}
	return stmts
}

// Refresh recomputes the named view. Concurrent calls for the same view share
// one refresh, which keeps running when the caller that started it goes away. A failed refresh leaves the previous contents and
// LastRefreshedAt untouched.
func (m *ViewManager) Refresh(ctx context.Context, name string) error {
	if _, err := m.lookup(name); err != nil {
		return err
	}

	if !supportsRaw(m.executor) {
		return fmt.Errorf("%w: view %s needs the relational store", apperrors.ErrUnsupportedOperation, name)
	}

	return m.coalesce(ctx, "refresh:"+name, func(ctx context.Context) error {
		return m.refresh(ctx, name)
	})
}

func (m *ViewManager) refresh(ctx context.Context, name string) error {
	if err := m.Ensure(ctx, name); err != nil {
		m.recordRefresh(name, err)
		return err
	}

	def, err := m.lookup(name)
	if err != nil {
		return err
	}

	start := time.Now()
	err = m.executor.ExecuteRaw(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY "+def.PhysicalName(), nil).Err()
	if err != nil {
		err = fmt.Errorf("failed to refresh view %s: %w", name, err)
	}
	m.recordRefresh(name, err)

	if err != nil {
		m.logger.Warn("Derived view refresh failed, keeping previous contents",
			zap.String("view", name),
			zap.Error(err))
		return err
	}
	m.logger.Info("Derived view refreshed",
		zap.String("view", name),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (m *ViewManager) recordRefresh(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.views[name]
	if !ok {
		return
	}
	if err != nil {
		v.LastError = err.Error()
		return
	}
	now := time.Now().UTC()
	v.LastRefreshedAt = &now
	v.LastError = ""
}

// RefreshAll refreshes every registered view and joins their errors.
func (m *ViewManager) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, v := range m.Views() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := m.Refresh(ctx, v.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnsureAll ensures every registered view and joins their errors.
func (m *ViewManager) EnsureAll(ctx context.Context) error {
	var errs []error
	for _, v := range m.Views() {
		if err := m.Ensure(ctx, v.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Read queries the named view through the executor. The view is ensured
// first when the relational store is available; document stores are read
// as-is since they cannot run DDL.
func (m *ViewManager) Read(ctx context.Context, name string, filters map[string]any, opts ReadOptions) *models.QueryResult {
	def, err := m.lookup(name)
	if err != nil {
		return models.Failure(err)
	}

	if err := m.Ensure(ctx, name); err != nil && !errors.Is(err, apperrors.ErrUnsupportedOperation) {
		return models.Failure(err)
	}

	return m.executor.Execute(ctx, &models.QueryRequest{
		Table:      def.PhysicalName(),
		Operation:  models.OperationSelect,
		Filters:    filters,
		Projection: opts.Projection,
		OrderBy:    opts.OrderBy,
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	})
}

// View returns a copy of the named definition.
func (m *ViewManager) View(name string) (models.DerivedView, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.views[name]
	if !ok {
		return models.DerivedView{}, false
	}
	return copyView(v), true
}

// Views returns copies of all registered definitions sorted by name.
func (m *ViewManager) Views() []models.DerivedView {
	m.mu.RLock()
	out := make([]models.DerivedView, 0, len(m.views))
	for _, v := range m.views {
		out = append(out, copyView(v))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *ViewManager) lookup(name string) (models.DerivedView, error) {
	v, ok := m.View(name)
	if !ok {
		return models.DerivedView{}, fmt.Errorf("%w: view %q is not registered", apperrors.ErrNotFound, name)
	}
	return v, nil
}

func copyView(v *models.DerivedView) models.DerivedView {
	out := *v
	out.UniqueKey = append([]string(nil), v.UniqueKey...)
	out.Indexes = append([]string(nil), v.Indexes...)
	if v.LastRefreshedAt != nil {
		t := *v.LastRefreshedAt
		out.LastRefreshedAt = &t
	}
	return out
}
