package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/adapters/datasource"
	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/logging"
	"github.com/feemaster/feemaster-engine/pkg/models"
	"github.com/feemaster/feemaster-engine/pkg/sql"
)

// QueryExecutor is the data-access entry point used by handlers, the view
// manager and dashboard queries. Failures are reported in the result, never
// returned as a Go error.
type QueryExecutor interface {
	// Execute runs a structured request against the selected backend.
	Execute(ctx context.Context, req *models.QueryRequest) *models.QueryResult

	// ExecuteRaw runs one validated SQL statement with bound parameters.
	// Only the relational backend can serve it.
	ExecuteRaw(ctx context.Context, text string, params []any) *models.QueryResult
}

// RawStatementSupporter is implemented by executors that can tell up front
// whether ExecuteRaw would reach a backend able to run it.
type RawStatementSupporter interface {
	SupportsRaw() bool
}

// supportsRaw treats executors that cannot tell as raw-capable.
func supportsRaw(e QueryExecutor) bool {
	if s, ok := e.(RawStatementSupporter); ok {
		return s.SupportsRaw()
	}
	return true
}

// DispatcherConfig holds the backends a QueryDispatcher chooses between.
// Either may be nil.
type DispatcherConfig struct {
	Relational datasource.Backend
	Document   datasource.Backend
}

// QueryDispatcher routes requests to the relational backend while it is
// ready and to the document backend otherwise.
type QueryDispatcher struct {
	relational datasource.Backend
	document   datasource.Backend
	logger     *zap.Logger
}

var _ QueryExecutor = (*QueryDispatcher)(nil)

// NewQueryDispatcher creates a dispatcher over the configured backends.
func NewQueryDispatcher(cfg DispatcherConfig, logger *zap.Logger) *QueryDispatcher {
	return &QueryDispatcher{
		relational: cfg.Relational,
		document:   cfg.Document,
		logger:     logger.Named("dispatcher"),
	}
}

// ActiveBackend returns the name of the backend the next request would use,
// or "" when none is available.
func (d *QueryDispatcher) ActiveBackend() string {
	b, err := d.selectBackend()
	if err != nil {
		return ""
	}
	return b.Name()
}

func (d *QueryDispatcher) selectBackend() (datasource.Backend, error) {
	if d.relational != nil && d.relational.Ready() {
		return d.relational, nil
	}
	if d.document != nil && d.document.Ready() {
		return d.document, nil
	}
	return nil, apperrors.ErrNoBackendAvailable
}

// Execute validates, renders and runs req.
func (d *QueryDispatcher) Execute(ctx context.Context, req *models.QueryRequest) (result *models.QueryResult) {
	if req == nil {
		return models.Failure(fmt.Errorf("%w: nil request", apperrors.ErrParse))
	}

	backendName := ""
	defer d.recoverPanic(&result, &backendName, req.Table, string(req.Operation))

	req, err := resolveFilters(req)
	if err != nil {
		return models.Failure(err)
	}

	if err := req.Validate(); err != nil {
		return models.Failure(err)
	}

	backend, err := d.selectBackend()
	if err != nil {
		return models.Failure(err)
	}
	backendName = backend.Name()

	if err := d.checkRelations(backend, req); err != nil {
		return models.Failure(err)
	}

	stmt, err := sql.Build(req, backend.Dialect())
	if err != nil {
		return models.Failure(err)
	}

	if hits := sql.ScreenRequest(req); len(hits) > 0 {
		d.logInjectionHits(hits, req.Table, string(req.Operation))
	}

	rs, err := backend.Run(ctx, stmt)
	if err != nil {
		err = apperrors.NewBackendError(backendName, req.Table, string(req.Operation), err)
		d.logger.Debug("Query failed",
			zap.String("backend", backendName),
			zap.String("table", req.Table),
			zap.String("operation", string(req.Operation)),
			zap.String("error", logging.SanitizeError(err)))
		failure := models.Failure(err)
		failure.Backend = backendName
		failure.Statement = stmt.String()
		return failure
	}

	return success(rs, backendName, stmt.String())
}

// resolveFilters translates the suffix filter map into predicates on a copy
// of req, leaving the caller's request untouched.
func resolveFilters(req *models.QueryRequest) (*models.QueryRequest, error) {
	if len(req.Filters) == 0 {
		return req, nil
	}
	predicates, err := sql.Translate(req.Filters)
	if err != nil {
		return nil, err
	}
	resolved := *req
	resolved.Predicates = append(append([]models.Predicate(nil), req.Predicates...), predicates...)
	resolved.Filters = nil
	return &resolved, nil
}

// checkRelations applies the embedded-relation rules: a catalogued expansion
// needs a backend that can embed, an uncatalogued one is refused by document
// backends and degrades to the literal projection on the relational path.
func (d *QueryDispatcher) checkRelations(backend datasource.Backend, req *models.QueryRequest) error {
	if len(req.Relations) == 0 {
		return nil
	}
	if _, ok := sql.LookupRelations(req.Table, req.Relations); ok {
		if !backend.Capabilities().Relations {
			return fmt.Errorf("%w: %s backend cannot expand relations %v of %s",
				apperrors.ErrUnsupportedOperation, backend.Name(), req.Relations, req.Table)
		}
		return nil
	}
	if backend.Dialect() == sql.DialectDocument {
		return fmt.Errorf("%w: no relation expansion %v for %s",
			apperrors.ErrUnsupportedOperation, req.Relations, req.Table)
	}
	d.logger.Warn("Relation expansion not catalogued, using literal projection",
		zap.String("table", req.Table),
		zap.Strings("relations", req.Relations))
	return nil
}

// SupportsRaw reports whether the relational backend is ready and runs raw
// statements.
func (d *QueryDispatcher) SupportsRaw() bool {
	if d.relational == nil || !d.relational.Ready() {
		return false
	}
	_, ok := d.relational.(datasource.RawRunner)
	return ok && d.relational.Capabilities().RawStatements
}

// ExecuteRaw validates text as a single statement and runs it on the
// relational backend.
func (d *QueryDispatcher) ExecuteRaw(ctx context.Context, text string, params []any) (result *models.QueryResult) {
	backendName := ""
	defer d.recoverPanic(&result, &backendName, "", string(models.OperationRaw))

	normalized, err := sql.ValidateRawStatement(text)
	if err != nil {
		return models.Failure(err)
	}

	if d.relational == nil || !d.relational.Ready() {
		if d.document != nil && d.document.Ready() {
			return models.Failure(fmt.Errorf("%w: raw statements need the relational backend, only %s is available",
				apperrors.ErrUnsupportedOperation, d.document.Name()))
		}
		return models.Failure(apperrors.ErrNoBackendAvailable)
	}
	backendName = d.relational.Name()

	runner, ok := d.relational.(datasource.RawRunner)
	if !ok || !d.relational.Capabilities().RawStatements {
		return models.Failure(fmt.Errorf("%w: %s backend does not run raw statements",
			apperrors.ErrUnsupportedOperation, backendName))
	}

	if hits := sql.ScreenParams(params); len(hits) > 0 {
		d.logInjectionHits(hits, "", string(models.OperationRaw))
	}

	rs, err := runner.RunRaw(ctx, normalized, params)
	if err != nil {
		err = apperrors.NewBackendError(backendName, "", string(models.OperationRaw), err)
		d.logger.Debug("Raw statement failed",
			zap.String("statement", logging.SanitizeQuery(normalized)),
			zap.String("error", logging.SanitizeError(err)))
		failure := models.Failure(err)
		failure.Backend = backendName
		failure.Statement = normalized
		return failure
	}

	return success(rs, backendName, normalized)
}

func (d *QueryDispatcher) recoverPanic(result **models.QueryResult, backend *string, table, operation string) {
	r := recover()
	if r == nil {
		return
	}
	name := *backend
	if name == "" {
		name = "dispatcher"
	}
	err := apperrors.NewBackendError(name, table, operation, fmt.Errorf("panic: %v", r))
	d.logger.Error("Recovered panic during query execution",
		zap.String("backend", name),
		zap.String("table", table),
		zap.String("operation", operation),
		zap.Any("panic", r))
	*result = models.Failure(err)
	(*result).Backend = *backend
}

func (d *QueryDispatcher) logInjectionHits(hits []*sql.InjectionCheckResult, table, operation string) {
	for _, h := range hits {
		d.logger.Warn("Suspicious operand bound as parameter",
			zap.String("table", table),
			zap.String("operation", operation),
			zap.String("field", h.Field),
			zap.String("fingerprint", h.Fingerprint))
	}
}

func success(rs *datasource.ResultSet, backend, statement string) *models.QueryResult {
	if rs == nil {
		rs = &datasource.ResultSet{}
	}
	rows := rs.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	return &models.QueryResult{
		Success:   true,
		Columns:   rs.Columns,
		Rows:      rows,
		Backend:   backend,
		Statement: statement,
	}
}
