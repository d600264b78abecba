package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/feemaster/feemaster-engine/pkg/adapters/datasource"
	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/models"
	"github.com/feemaster/feemaster-engine/pkg/sql"
)

func seededClient(t *testing.T) *Client {
	t.Helper()
	return NewClient(map[string][]map[string]any{
		"students": {
			{"id": "s1", "first_name": "Chanda", "last_name": "Mwale", "grade": "8", "status": "active"},
			{"id": "s2", "first_name": "Mutale", "last_name": "Banda", "grade": "8", "status": "inactive"},
			{"id": "s3", "first_name": "Bwalya", "last_name": "Phiri", "grade": "9", "status": "active"},
		},
		"payments": {
			{"id": "p1", "amount": 150.0, "payment_status": "completed"},
			{"id": "p2", "amount": 80, "payment_status": "pending"},
			{"id": "p3", "amount": 300, "payment_status": "completed", "transaction_reference": "MM-1"},
		},
	}, zaptest.NewLogger(t))
}

func run(t *testing.T, c *Client, req *models.QueryRequest, filters map[string]any) ([]map[string]any, error) {
	t.Helper()
	preds, err := sql.Translate(filters)
	require.NoError(t, err)
	req.Predicates = preds
	stmt, err := sql.Build(req, sql.DialectDocument)
	require.NoError(t, err)
	return c.Execute(context.Background(), stmt.Chain)
}

func ids(rows []map[string]any) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i], _ = r["id"].(string)
	}
	return out
}

func TestClient_SelectFilters(t *testing.T) {
	c := seededClient(t)

	tests := []struct {
		name    string
		table   string
		filters map[string]any
		want    []string
	}{
		{name: "equality", table: "students", filters: map[string]any{"grade": "8"}, want: []string{"s1", "s2"}},
		{name: "neq", table: "students", filters: map[string]any{"status__neq": "active"}, want: []string{"s2"}},
		{name: "gte mixed numeric types", table: "payments", filters: map[string]any{"amount__gte": 100}, want: []string{"p1", "p3"}},
		{name: "lte", table: "payments", filters: map[string]any{"amount__lte": 150}, want: []string{"p1", "p2"}},
		{name: "like is case sensitive", table: "students", filters: map[string]any{"last_name__like": "ban"}, want: []string{}},
		{name: "ilike", table: "students", filters: map[string]any{"last_name__ilike": "ban"}, want: []string{"s2"}},
		{name: "in", table: "students", filters: map[string]any{"first_name__in": []string{"Chanda", "Bwalya"}}, want: []string{"s1", "s3"}},
		{name: "is null", table: "payments", filters: map[string]any{"transaction_reference": nil}, want: []string{"p1", "p2"}},
		{name: "conjunction", table: "students", filters: map[string]any{"grade": "8", "status": "active"}, want: []string{"s1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := run(t, c, &models.QueryRequest{Table: tt.table, Operation: models.OperationSelect}, tt.filters)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(rows))
		})
	}
}

func TestClient_SelectOrderPageProject(t *testing.T) {
	c := seededClient(t)

	rows, err := run(t, c, &models.QueryRequest{
		Table:      "payments",
		Operation:  models.OperationSelect,
		Projection: []string{"id", "amount"},
		OrderBy:    &models.OrderBy{Field: "amount", Descending: true},
		Limit:      models.IntPtr(2),
		Offset:     models.IntPtr(1),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"id": "p1", "amount": 150.0}, {"id": "p2", "amount": 80}}, rows)
}

func TestClient_Mutations(t *testing.T) {
	c := seededClient(t)

	inserted, err := run(t, c, &models.QueryRequest{
		Table:     "students",
		Operation: models.OperationInsert,
		Payload:   map[string]any{"first_name": "Natasha", "grade": "8", "status": "active"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.NotEmpty(t, inserted[0]["id"])
	assert.NotNil(t, inserted[0]["created_at"])

	updated, err := run(t, c, &models.QueryRequest{
		Table:     "students",
		Operation: models.OperationUpdate,
		Payload:   map[string]any{"section": "B"},
	}, map[string]any{"grade": "8"})
	require.NoError(t, err)
	assert.Len(t, updated, 3)
	for _, r := range c.Rows("students") {
		if r["grade"] == "8" {
			assert.Equal(t, "B", r["section"])
		} else {
			assert.Nil(t, r["section"])
		}
	}

	deleted, err := run(t, c, &models.QueryRequest{Table: "students", Operation: models.OperationDelete},
		map[string]any{"status": "inactive"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids(deleted))
	assert.Len(t, c.Rows("students"), 3)
}

func TestClient_RelationsUnsupported(t *testing.T) {
	c := seededClient(t)
	_, err := run(t, c, &models.QueryRequest{Table: "students", Operation: models.OperationSelect, Relations: []string{"parents"}}, nil)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedOperation)
}

func TestClient_CloseAndPing(t *testing.T) {
	c := seededClient(t)
	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Close())
	assert.Error(t, c.Ping(context.Background()))
}

func TestLoadSeedAndRegistration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	seed := `
fee_types:
  - id: f1
    name: Tuition
    amount: 1500
    is_active: true
  - id: f2
    name: Transport
    amount: 300
    is_active: false
`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0644))

	factory := datasource.NewDocumentBackendFactory(zaptest.NewLogger(t))
	backend, err := factory.NewDocumentBackend(context.Background(), "memory", map[string]any{"seed_path": path})
	require.NoError(t, err)

	stmt, err := sql.Build(&models.QueryRequest{
		Table:      "fee_types",
		Operation:  models.OperationSelect,
		Predicates: []models.Predicate{{Field: "is_active", Operator: models.OpEQ, Value: true}},
	}, sql.DialectDocument)
	require.NoError(t, err)

	rs, err := backend.Run(context.Background(), stmt)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, "Tuition", rs.Rows[0]["name"])
	assert.Equal(t, []string{"amount", "id", "is_active", "name"}, rs.Columns)
}
