package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/models"
	"github.com/feemaster/feemaster-engine/pkg/sql"
)

// scriptedExecutor records every call and answers through optional hooks.
type scriptedExecutor struct {
	mu     sync.Mutex
	raws   []string
	params [][]any
	reqs   []*models.QueryRequest

	onRaw    func(text string, params []any) *models.QueryResult
	onRawCtx func(ctx context.Context, text string) *models.QueryResult
	onExec   func(req *models.QueryRequest) *models.QueryResult

	// noRaw makes SupportsRaw report a store without raw statements.
	noRaw bool
}

func (e *scriptedExecutor) Execute(ctx context.Context, req *models.QueryRequest) *models.QueryResult {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	hook := e.onExec
	e.mu.Unlock()
	if hook != nil {
		return hook(req)
	}
	return &models.QueryResult{Success: true, Rows: []map[string]any{}}
}

func (e *scriptedExecutor) ExecuteRaw(ctx context.Context, text string, params []any) *models.QueryResult {
	e.mu.Lock()
	e.raws = append(e.raws, text)
	e.params = append(e.params, params)
	hook, ctxHook := e.onRaw, e.onRawCtx
	e.mu.Unlock()
	if ctxHook != nil {
		return ctxHook(ctx, text)
	}
	if hook != nil {
		return hook(text, params)
	}
	return &models.QueryResult{Success: true, Rows: []map[string]any{}}
}

func (e *scriptedExecutor) SupportsRaw() bool { return !e.noRaw }

func (e *scriptedExecutor) rawCalls(prefix string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, r := range e.raws {
		if strings.HasPrefix(r, prefix) {
			out = append(out, r)
		}
	}
	return out
}

func testView() models.DerivedView {
	return models.DerivedView{
		Name:       "fee_totals",
		Version:    2,
		Definition: "SELECT fee_type_id, SUM(amount) AS total FROM student_fees GROUP BY fee_type_id",
		UniqueKey:  []string{"fee_type_id"},
		Indexes:    []string{"total"},
	}
}

func TestViewManager_EnsureIsIdempotent(t *testing.T) {
	exec := &scriptedExecutor{}
	m := NewViewManager(exec, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, m.EnsureView(ctx, testView()))
	require.NoError(t, m.Ensure(ctx, "fee_totals"))

	require.Len(t, exec.raws, 3)
	assert.True(t, strings.HasPrefix(exec.raws[0], "CREATE MATERIALIZED VIEW IF NOT EXISTS fee_totals_v2 AS"))
	assert.True(t, strings.HasSuffix(exec.raws[0], "WITH DATA"))
	assert.Equal(t, "CREATE UNIQUE INDEX IF NOT EXISTS idx_fee_totals_v2_fee_type_id ON fee_totals_v2 (fee_type_id)", exec.raws[1])
	assert.Equal(t, "CREATE INDEX IF NOT EXISTS idx_fee_totals_v2_total ON fee_totals_v2 (total)", exec.raws[2])
}

func TestViewManager_VersionBumpRecreates(t *testing.T) {
	exec := &scriptedExecutor{}
	m := NewViewManager(exec, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, m.EnsureView(ctx, testView()))
	v3 := testView()
	v3.Version = 3
	require.NoError(t, m.EnsureView(ctx, v3))

	creates := exec.rawCalls("CREATE MATERIALIZED VIEW")
	require.Len(t, creates, 2)
	assert.Contains(t, creates[1], "fee_totals_v3")
}

func TestViewManager_RegisterRejectsInvalid(t *testing.T) {
	m := NewViewManager(&scriptedExecutor{}, zaptest.NewLogger(t))

	bad := testView()
	bad.UniqueKey = nil
	assert.ErrorIs(t, m.Register(bad), apperrors.ErrParse)

	bad = testView()
	bad.Name = "fee totals"
	assert.ErrorIs(t, m.Register(bad), apperrors.ErrParse)
}

func TestViewManager_Refresh(t *testing.T) {
	exec := &scriptedExecutor{}
	m := NewViewManager(exec, zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, m.Register(testView()))

	require.NoError(t, m.Refresh(ctx, "fee_totals"))

	assert.Len(t, exec.rawCalls("CREATE MATERIALIZED VIEW"), 1, "refresh ensures the view first")
	assert.Equal(t, []string{"REFRESH MATERIALIZED VIEW CONCURRENTLY fee_totals_v2"}, exec.rawCalls("REFRESH"))
	v, ok := m.View("fee_totals")
	require.True(t, ok)
	require.NotNil(t, v.LastRefreshedAt)
	assert.Empty(t, v.LastError)
}

func TestViewManager_RefreshFailureKeepsPreviousState(t *testing.T) {
	exec := &scriptedExecutor{}
	m := NewViewManager(exec, zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, m.Register(testView()))
	require.NoError(t, m.Refresh(ctx, "fee_totals"))
	before, _ := m.View("fee_totals")

	exec.mu.Lock()
	exec.onRaw = func(text string, params []any) *models.QueryResult {
		return models.Failure(apperrors.NewBackendError("postgres", "", "raw", errors.New("could not obtain lock")))
	}
	exec.mu.Unlock()

	err := m.Refresh(ctx, "fee_totals")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBackend)

	after, _ := m.View("fee_totals")
	assert.Equal(t, before.LastRefreshedAt, after.LastRefreshedAt)
	assert.Contains(t, after.LastError, "could not obtain lock")
	for _, r := range exec.rawCalls("") {
		assert.NotContains(t, r, "DROP")
	}
}

func TestViewManager_ConcurrentRefreshesCoalesce(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := &scriptedExecutor{}
	exec.onRaw = func(text string, params []any) *models.QueryResult {
		if strings.HasPrefix(text, "REFRESH") {
			once.Do(func() { close(started) })
			<-release
		}
		return &models.QueryResult{Success: true, Rows: []map[string]any{}}
	}
	m := NewViewManager(exec, zaptest.NewLogger(t))
	require.NoError(t, m.EnsureView(context.Background(), testView()))

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	refresh := func() {
		defer wg.Done()
		errs <- m.Refresh(context.Background(), "fee_totals")
	}

	wg.Add(1)
	go refresh()
	<-started
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go refresh()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, exec.rawCalls("REFRESH"), 1)
}

func TestViewManager_ConcurrentEnsuresCoalesce(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := &scriptedExecutor{}
	exec.onRaw = func(text string, params []any) *models.QueryResult {
		if strings.HasPrefix(text, "CREATE MATERIALIZED VIEW") {
			once.Do(func() { close(started) })
			<-release
		}
		return &models.QueryResult{Success: true, Rows: []map[string]any{}}
	}
	m := NewViewManager(exec, zaptest.NewLogger(t))
	require.NoError(t, m.Register(testView()))

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	ensure := func() {
		defer wg.Done()
		errs <- m.Ensure(context.Background(), "fee_totals")
	}

	wg.Add(1)
	go ensure()
	<-started
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go ensure()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, exec.rawCalls("CREATE MATERIALIZED VIEW"), 1)
	assert.Len(t, exec.rawCalls("CREATE UNIQUE INDEX"), 1)
}

func TestViewManager_RefreshOutlivesCallerCancellation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var (
		mu          sync.Mutex
		workErr     error
		hadDeadline bool
	)
	exec := &scriptedExecutor{}
	exec.onRawCtx = func(ctx context.Context, text string) *models.QueryResult {
		if strings.HasPrefix(text, "REFRESH") {
			first := false
			once.Do(func() {
				first = true
				close(started)
			})
			<-release
			if first {
				mu.Lock()
				workErr = ctx.Err()
				_, hadDeadline = ctx.Deadline()
				mu.Unlock()
			}
			if err := ctx.Err(); err != nil {
				return models.Failure(err)
			}
		}
		return &models.QueryResult{Success: true, Rows: []map[string]any{}}
	}
	m := NewViewManager(exec, zaptest.NewLogger(t))
	require.NoError(t, m.EnsureView(context.Background(), testView()))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- m.Refresh(ctx, "fee_totals") }()
	<-started

	second := make(chan error, 1)
	go func() { second <- m.Refresh(context.Background(), "fee_totals") }()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	close(release)
	require.NoError(t, <-second)

	mu.Lock()
	defer mu.Unlock()
	assert.NoError(t, workErr, "the shared refresh keeps running after its first caller leaves")
	assert.True(t, hadDeadline)
	v, _ := m.View("fee_totals")
	assert.NotNil(t, v.LastRefreshedAt)
	assert.Empty(t, v.LastError)
}

func TestViewManager_DocumentStoreSkipsDDL(t *testing.T) {
	exec := &scriptedExecutor{noRaw: true}
	m := NewViewManager(exec, zaptest.NewLogger(t))
	require.NoError(t, m.Register(testView()))

	assert.ErrorIs(t, m.Ensure(context.Background(), "fee_totals"), apperrors.ErrUnsupportedOperation)
	assert.ErrorIs(t, m.Refresh(context.Background(), "fee_totals"), apperrors.ErrUnsupportedOperation)
	assert.Empty(t, exec.rawCalls(""))

	result := m.Read(context.Background(), "fee_totals", nil, ReadOptions{})
	assert.True(t, result.Success)
	assert.Empty(t, exec.rawCalls(""))
}

func TestViewManager_RefreshUnknownView(t *testing.T) {
	m := NewViewManager(&scriptedExecutor{}, zaptest.NewLogger(t))
	err := m.Refresh(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestViewManager_RefreshAll(t *testing.T) {
	exec := &scriptedExecutor{}
	exec.onRaw = func(text string, params []any) *models.QueryResult {
		if strings.Contains(text, "REFRESH MATERIALIZED VIEW CONCURRENTLY payment_trends_v1") {
			return models.Failure(apperrors.NewBackendError("postgres", "", "raw", errors.New("boom")))
		}
		return &models.QueryResult{Success: true, Rows: []map[string]any{}}
	}
	m := NewViewManager(exec, zaptest.NewLogger(t))
	for _, v := range BuiltinViews() {
		require.NoError(t, m.Register(v))
	}

	err := m.RefreshAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payment_trends")

	details, _ := m.View(PaymentDetailsView)
	assert.NotNil(t, details.LastRefreshedAt, "one failing view does not block the others")
	trends, _ := m.View(PaymentTrendsView)
	assert.Nil(t, trends.LastRefreshedAt)
}

func TestViewManager_Read(t *testing.T) {
	exec := &scriptedExecutor{}
	exec.onExec = func(req *models.QueryRequest) *models.QueryResult {
		return &models.QueryResult{Success: true, Rows: []map[string]any{{"id": "p1"}}}
	}
	m := NewViewManager(exec, zaptest.NewLogger(t))
	require.NoError(t, m.Register(BuiltinViews()[1]))

	result := m.Read(context.Background(), PaymentDetailsView,
		map[string]any{"payment_status": "completed", "amount__gte": 100},
		ReadOptions{OrderBy: &models.OrderBy{Field: "payment_date", Descending: true}, Limit: models.IntPtr(10)})

	require.True(t, result.Success)
	require.Len(t, exec.reqs, 1)
	req := exec.reqs[0]
	assert.Equal(t, "payment_details_v2", req.Table)
	assert.Equal(t, models.OperationSelect, req.Operation)
	assert.Equal(t, map[string]any{"payment_status": "completed", "amount__gte": 100}, req.Filters)
	assert.Equal(t, 10, *req.Limit)
	assert.Len(t, exec.rawCalls("CREATE MATERIALIZED VIEW"), 1)
}

func TestViewManager_ReadOnDocumentStore(t *testing.T) {
	exec := &scriptedExecutor{}
	exec.onRaw = func(text string, params []any) *models.QueryResult {
		return models.Failure(apperrors.ErrUnsupportedOperation)
	}
	m := NewViewManager(exec, zaptest.NewLogger(t))
	require.NoError(t, m.Register(testView()))

	result := m.Read(context.Background(), "fee_totals", nil, ReadOptions{})
	assert.True(t, result.Success)
	require.Len(t, exec.reqs, 1)
	assert.Equal(t, "fee_totals_v2", exec.reqs[0].Table)
}

func TestViewManager_ReadErrors(t *testing.T) {
	m := NewViewManager(&scriptedExecutor{}, zaptest.NewLogger(t))
	require.NoError(t, m.Register(testView()))

	result := m.Read(context.Background(), "missing", nil, ReadOptions{})
	assert.Equal(t, apperrors.KindNotFound, result.ErrorKind)
}

func TestViewManager_ReadRejectsUnknownFilterSuffix(t *testing.T) {
	logger := zaptest.NewLogger(t)
	rel := newStub("postgres", sql.DialectRelational)
	queries := NewQueryService(NewQueryDispatcher(DispatcherConfig{Relational: rel}, logger), instrumentationConfig(), nil, logger)
	m := NewViewManager(queries, logger)
	require.NoError(t, m.Register(testView()))
	require.NoError(t, m.Ensure(context.Background(), "fee_totals"))
	runs := rel.runs.Load()

	result := m.Read(context.Background(), "fee_totals", map[string]any{"total__gt": 5}, ReadOptions{})

	assert.False(t, result.Success)
	assert.Equal(t, apperrors.KindParse, result.ErrorKind)
	assert.Equal(t, runs, rel.runs.Load(), "nothing reaches the backend")
	assert.Equal(t, 1.0, testutil.ToFloat64(queries.queriesTotal.WithLabelValues("select", "error")))
}

func TestLoadViewDefinitions(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "views.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
views:
  - name: outstanding_by_grade
    version: 1
    description: Unpaid fees per grade
    definition: |
      SELECT s.grade, SUM(sf.amount - sf.paid_amount) AS outstanding
      FROM student_fees sf JOIN students s ON s.id = sf.student_id
      WHERE sf.is_paid = false
      GROUP BY s.grade
    unique_key: [grade]
`), 0644))

	views, err := LoadViewDefinitions(good)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "outstanding_by_grade", views[0].Name)
	assert.Equal(t, []string{"grade"}, views[0].UniqueKey)
	assert.Contains(t, views[0].Definition, "GROUP BY s.grade")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("views:\n  - name: broken\n    definition: SELECT 1\n"), 0644))
	_, err = LoadViewDefinitions(bad)
	assert.Error(t, err)

	_, err = LoadViewDefinitions(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestBuiltinViewsAreValid(t *testing.T) {
	for _, v := range BuiltinViews() {
		assert.NoError(t, v.Validate(), v.Name)
	}
}

func TestViewScheduler(t *testing.T) {
	exec := &scriptedExecutor{}
	m := NewViewManager(exec, zaptest.NewLogger(t))
	require.NoError(t, m.Register(testView()))

	_, err := NewViewScheduler(m, "every fifteen minutes", zaptest.NewLogger(t))
	assert.Error(t, err)

	s, err := NewViewScheduler(m, "@every 1s", zaptest.NewLogger(t))
	require.NoError(t, err)
	s.Start()
	assert.False(t, s.NextRun().IsZero())

	require.Eventually(t, func() bool {
		return len(exec.rawCalls("REFRESH")) > 0
	}, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
