package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/adapters/datasource"
	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/logging"
	"github.com/feemaster/feemaster-engine/pkg/sql"
)

// BackendName identifies the relational backend in logs and metrics.
const BackendName = "postgres"

// Backend executes relational statements on connections leased from a
// ConnectionPool. Each statement holds its connection only for its own
// round-trip.
type Backend struct {
	pool   *datasource.ConnectionPool
	logger *zap.Logger
}

var (
	_ datasource.Backend   = (*Backend)(nil)
	_ datasource.RawRunner = (*Backend)(nil)
)

// NewBackend creates a relational backend over pool.
func NewBackend(pool *datasource.ConnectionPool, logger *zap.Logger) *Backend {
	return &Backend{
		pool:   pool,
		logger: logger.Named(BackendName),
	}
}

func (b *Backend) Name() string { return BackendName }

func (b *Backend) Dialect() sql.Dialect { return sql.DialectRelational }

func (b *Backend) Ready() bool { return b.pool != nil && b.pool.Ready() }

func (b *Backend) Capabilities() datasource.Capabilities {
	return datasource.Capabilities{Relations: true, RawStatements: true}
}

// Pool returns the underlying connection pool.
func (b *Backend) Pool() *datasource.ConnectionPool { return b.pool }

// Run executes a relational statement with its bound arguments.
func (b *Backend) Run(ctx context.Context, stmt *sql.Statement) (*datasource.ResultSet, error) {
	if stmt == nil || stmt.Dialect != sql.DialectRelational {
		return nil, fmt.Errorf("%w: postgres backend needs a relational statement", apperrors.ErrUnsupportedOperation)
	}

	var rs *datasource.ResultSet
	err := b.pool.WithConn(ctx, func(ctx context.Context, conn datasource.Conn) error {
		rows, err := conn.Query(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return err
		}
		rs, err = collectRows(rows)
		return err
	})
	if err != nil {
		b.logger.Debug("statement failed",
			zap.String("table", stmt.Table),
			zap.String("operation", string(stmt.Operation)),
			zap.String("sql", logging.SanitizeQuery(stmt.SQL)),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, apperrors.NewBackendError(BackendName, stmt.Table, string(stmt.Operation), err)
	}
	return rs, nil
}

// RunRaw executes one validated statement with positional ($n) parameters.
// Statements that return no rows (DDL, REFRESH) report RowsAffected only.
func (b *Backend) RunRaw(ctx context.Context, text string, params []any) (*datasource.ResultSet, error) {
	normalized, err := sql.ValidateRawStatement(text)
	if err != nil {
		return nil, err
	}

	var rs *datasource.ResultSet
	err = b.pool.WithConn(ctx, func(ctx context.Context, conn datasource.Conn) error {
		rows, err := conn.Query(ctx, normalized, params...)
		if err != nil {
			return err
		}
		rs, err = collectRows(rows)
		return err
	})
	if err != nil {
		return nil, apperrors.NewBackendError(BackendName, "", "raw", err)
	}
	return rs, nil
}

// Ping verifies a pooled connection is alive.
func (b *Backend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// collectRows drains rows into a ResultSet, normalising driver types.
// pgx defers execution errors until rows are consumed, so rows are always
// iterated even when the statement has no result columns.
func collectRows(rows pgx.Rows) (*datasource.ResultSet, error) {
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	rs := &datasource.ResultSet{
		Columns: make([]string, len(fieldDescs)),
		Rows:    make([]map[string]any, 0),
	}
	for i, fd := range fieldDescs {
		rs.Columns[i] = fd.Name
	}

	for rows.Next() {
		if len(fieldDescs) == 0 {
			continue
		}
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}

		rowMap := make(map[string]any, len(rs.Columns))
		for i, col := range rs.Columns {
			rowMap[col] = normalizeValue(values[i])
		}
		rs.Rows = append(rs.Rows, rowMap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	rs.RowsAffected = rows.CommandTag().RowsAffected()
	return rs, nil
}

// normalizeValue converts pgx wire types into JSON-friendly Go values.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case time.Time:
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
