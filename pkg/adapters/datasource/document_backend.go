package datasource

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/sql"
)

// DocumentBackend adapts a DocumentClient to the Backend interface.
type DocumentBackend struct {
	name   string
	client DocumentClient
	caps   Capabilities
	ready  atomic.Bool
	logger *zap.Logger
}

var _ Backend = (*DocumentBackend)(nil)

// NewDocumentBackend wraps client. The backend starts ready; call SetReady
// to take it out of rotation.
func NewDocumentBackend(name string, client DocumentClient, caps Capabilities, logger *zap.Logger) *DocumentBackend {
	// Document clients never serve raw SQL.
	caps.RawStatements = false
	b := &DocumentBackend{
		name:   name,
		client: client,
		caps:   caps,
		logger: logger.Named("document").With(zap.String("backend", name)),
	}
	b.ready.Store(client != nil)
	return b
}

func (b *DocumentBackend) Name() string { return b.name }

func (b *DocumentBackend) Dialect() sql.Dialect { return sql.DialectDocument }

func (b *DocumentBackend) Ready() bool { return b.client != nil && b.ready.Load() }

func (b *DocumentBackend) Capabilities() Capabilities { return b.caps }

// SetReady toggles whether the dispatcher may select this backend.
func (b *DocumentBackend) SetReady(ready bool) {
	b.ready.Store(ready && b.client != nil)
}

// Client returns the wrapped client.
func (b *DocumentBackend) Client() DocumentClient { return b.client }

// Run executes the statement's call chain.
func (b *DocumentBackend) Run(ctx context.Context, stmt *sql.Statement) (*ResultSet, error) {
	if stmt == nil || stmt.Dialect != sql.DialectDocument || stmt.Chain == nil {
		return nil, fmt.Errorf("%w: %s backend needs a document statement", apperrors.ErrUnsupportedOperation, b.name)
	}

	rows, err := b.client.Execute(ctx, stmt.Chain)
	if err != nil {
		return nil, apperrors.NewBackendError(b.name, stmt.Table, string(stmt.Operation), err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}

	rs := &ResultSet{Columns: columnsOf(rows), Rows: rows}
	if stmt.Chain.Operation() != sql.MethodSelect {
		rs.RowsAffected = int64(len(rows))
	}
	return rs, nil
}

// Ping checks the underlying store.
func (b *DocumentBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}

// Close releases the client and marks the backend not ready.
func (b *DocumentBackend) Close() error {
	b.ready.Store(false)
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// columnsOf returns the sorted union of keys across rows.
func columnsOf(rows []map[string]any) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
