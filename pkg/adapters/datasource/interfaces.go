package datasource

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/feemaster/feemaster-engine/pkg/sql"
)

// Conn is one physical relational connection. *pgx.Conn satisfies it.
type Conn interface {
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	IsClosed() bool
}

// Dialer opens a new physical connection.
type Dialer func(ctx context.Context) (Conn, error)

// ResultSet contains the rows a backend produced for one statement.
type ResultSet struct {
	Columns      []string         `json:"columns"`
	Rows         []map[string]any `json:"rows"`
	RowsAffected int64            `json:"rows_affected"`
}

// Capabilities describes what a backend can serve beyond plain filtered CRUD.
type Capabilities struct {
	// Relations is true when the backend can expand catalogued embedded relations.
	Relations bool
	// RawStatements is true when the backend implements RawRunner.
	RawStatements bool
}

// Backend executes rendered statements. Implementations are selected once at
// construction time and must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs and metrics ("postgres", "postgrest", ...).
	Name() string

	// Dialect is the statement shape Run accepts.
	Dialect() sql.Dialect

	// Ready reports whether the backend is initialised and accepting work.
	Ready() bool

	Capabilities() Capabilities

	// Run executes a statement rendered for Dialect().
	Run(ctx context.Context, stmt *sql.Statement) (*ResultSet, error)
}

// RawRunner executes validated raw statements with positional parameters.
type RawRunner interface {
	RunRaw(ctx context.Context, text string, params []any) (*ResultSet, error)
}

// DocumentClient executes document-dialect call chains against a managed store.
type DocumentClient interface {
	// Execute runs the chain and returns the affected or selected records.
	Execute(ctx context.Context, chain *sql.Chain) ([]map[string]any, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases client resources.
	Close() error
}
