package sql

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/models"
)

func selectRequest(t *testing.T, table string, filters map[string]any) *models.QueryRequest {
	t.Helper()
	preds, err := Translate(filters)
	require.NoError(t, err)
	return &models.QueryRequest{Table: table, Operation: models.OperationSelect, Predicates: preds}
}

func TestBuild_RelationalUsesBoundParameters(t *testing.T) {
	req := selectRequest(t, "payments", map[string]any{"amount__gte": 100})

	stmt, err := Build(req, DialectRelational)
	require.NoError(t, err)

	assert.Equal(t, DialectRelational, stmt.Dialect)
	assert.Contains(t, stmt.SQL, `FROM "payments"`)
	assert.Contains(t, stmt.SQL, `"amount" >= $1`)
	assert.NotContains(t, stmt.SQL, "100")
	require.Len(t, stmt.Args, 1)
	assert.EqualValues(t, 100, stmt.Args[0])
}

func TestBuild_DocumentChainMirrorsPredicates(t *testing.T) {
	req := selectRequest(t, "payments", map[string]any{"amount__gte": 100})

	stmt, err := Build(req, DialectDocument)
	require.NoError(t, err)
	require.NotNil(t, stmt.Chain)

	assert.Equal(t, "payments", stmt.Chain.Table)
	assert.Equal(t, []Call{
		{Method: MethodSelect, Args: []any{"*"}},
		{Method: MethodGTE, Args: []any{"amount", 100}},
	}, stmt.Chain.Calls)
	assert.Equal(t, `payments.select("*").gte("amount", ?)`, stmt.String())
}

func TestBuild_RelationalNeverInterpolatesStrings(t *testing.T) {
	req := selectRequest(t, "students", map[string]any{
		"last_name__ilike": "'; DROP TABLE students; --",
		"grade__in":        []string{"7", "8"},
		"status":           "active",
	})
	req.OrderBy = &models.OrderBy{Field: "last_name", Descending: true}
	req.Limit = models.IntPtr(20)
	req.Offset = models.IntPtr(40)

	stmt, err := Build(req, DialectRelational)
	require.NoError(t, err)

	assert.NotContains(t, stmt.SQL, "DROP")
	assert.NotContains(t, stmt.SQL, "active")
	assert.Contains(t, stmt.SQL, `"grade" IN ($1, $2)`)
	assert.Contains(t, stmt.SQL, `"last_name" ILIKE $3`)
	assert.Contains(t, stmt.SQL, `"status" = $4`)
	assert.Contains(t, stmt.SQL, `ORDER BY "last_name" DESC`)
	assert.Contains(t, stmt.SQL, "LIMIT")
	assert.Contains(t, stmt.SQL, "OFFSET")
	require.GreaterOrEqual(t, len(stmt.Args), 4)
	assert.Equal(t, "%'; DROP TABLE students; --%", stmt.Args[2])
}

func TestBuild_RelationalMutations(t *testing.T) {
	preds, err := Translate(map[string]any{"id": "p-1"})
	require.NoError(t, err)

	t.Run("insert", func(t *testing.T) {
		stmt, err := Build(&models.QueryRequest{
			Table:     "payments",
			Operation: models.OperationInsert,
			Payload:   map[string]any{"amount": 250, "payment_method": "cash"},
		}, DialectRelational)
		require.NoError(t, err)
		assert.Contains(t, stmt.SQL, `INSERT INTO "payments"`)
		assert.Contains(t, stmt.SQL, "RETURNING *")
		assert.NotContains(t, stmt.SQL, "cash")
		assert.Len(t, stmt.Args, 2)
	})

	t.Run("update", func(t *testing.T) {
		stmt, err := Build(&models.QueryRequest{
			Table:      "payments",
			Operation:  models.OperationUpdate,
			Predicates: preds,
			Payload:    map[string]any{"payment_status": "completed"},
		}, DialectRelational)
		require.NoError(t, err)
		assert.Contains(t, stmt.SQL, `UPDATE "payments" SET "payment_status"=$1`)
		assert.Contains(t, stmt.SQL, `"id" = $2`)
		assert.Contains(t, stmt.SQL, "RETURNING *")
		assert.Equal(t, []any{"completed", "p-1"}, stmt.Args)
	})

	t.Run("delete", func(t *testing.T) {
		stmt, err := Build(&models.QueryRequest{
			Table:      "payments",
			Operation:  models.OperationDelete,
			Predicates: preds,
		}, DialectRelational)
		require.NoError(t, err)
		assert.Contains(t, stmt.SQL, `DELETE FROM "payments"`)
		assert.Contains(t, stmt.SQL, `"id" = $1`)
		assert.Equal(t, []any{"p-1"}, stmt.Args)
	})

	t.Run("delete without filters is rejected", func(t *testing.T) {
		_, err := Build(&models.QueryRequest{Table: "payments", Operation: models.OperationDelete}, DialectRelational)
		assert.ErrorIs(t, err, apperrors.ErrUnsupportedOperation)
	})
}

func TestBuild_NullEquality(t *testing.T) {
	req := selectRequest(t, "payments", map[string]any{"transaction_reference": nil})

	rel, err := Build(req, DialectRelational)
	require.NoError(t, err)
	assert.Contains(t, rel.SQL, `"transaction_reference" IS NULL`)
	assert.Empty(t, rel.Args)

	doc, err := Build(req, DialectDocument)
	require.NoError(t, err)
	assert.Equal(t, Call{Method: MethodIs, Args: []any{"transaction_reference", nil}}, doc.Chain.Calls[1])
}

func TestBuild_RelationCatalog(t *testing.T) {
	req := &models.QueryRequest{
		Table:     "students",
		Operation: models.OperationSelect,
		Relations: []string{"parents"},
	}

	rel, err := Build(req, DialectRelational)
	require.NoError(t, err)
	assert.True(t, rel.RelationsExpanded)
	assert.Contains(t, rel.SQL, "students.*")
	assert.Contains(t, rel.SQL, "AS parent_student_links")

	doc, err := Build(req, DialectDocument)
	require.NoError(t, err)
	assert.True(t, doc.RelationsExpanded)
	assert.Equal(t, []any{"*,parent_student_links(parent_id,relationship,is_primary_contact,parents(*))"}, doc.Chain.Calls[0].Args)
}

func TestBuild_RelationCatalogMissFallsBackToProjection(t *testing.T) {
	req := &models.QueryRequest{
		Table:      "students",
		Operation:  models.OperationSelect,
		Projection: []string{"id", "first_name"},
		Relations:  []string{"payments"},
	}

	rel, err := Build(req, DialectRelational)
	require.NoError(t, err)
	assert.False(t, rel.RelationsExpanded)
	assert.Contains(t, rel.SQL, `SELECT "id", "first_name" FROM "students"`)

	doc, err := Build(req, DialectDocument)
	require.NoError(t, err)
	assert.False(t, doc.RelationsExpanded)
	assert.Equal(t, []any{"id,first_name"}, doc.Chain.Calls[0].Args)
}

func TestLookupRelations_OrderInsensitive(t *testing.T) {
	a, ok := LookupRelations("school_settings", []string{"academic_years", "academic_terms"})
	require.True(t, ok)
	b, ok := LookupRelations("school_settings", []string{"academic_terms", "academic_years", "academic_terms"})
	require.True(t, ok)
	assert.Same(t, a, b)

	_, ok = LookupRelations("school_settings", []string{"academic_terms"})
	assert.False(t, ok)
	_, ok = LookupRelations("payments", nil)
	assert.False(t, ok)
}

func TestBuild_DocumentPaginationAndMutations(t *testing.T) {
	req := selectRequest(t, "students", map[string]any{"grade": "8"})
	req.OrderBy = &models.OrderBy{Field: "last_name"}
	req.Limit = models.IntPtr(10)
	req.Offset = models.IntPtr(5)

	stmt, err := Build(req, DialectDocument)
	require.NoError(t, err)
	assert.Equal(t, []Call{
		{Method: MethodSelect, Args: []any{"*"}},
		{Method: MethodEQ, Args: []any{"grade", "8"}},
		{Method: MethodOrder, Args: []any{"last_name", false}},
		{Method: MethodLimit, Args: []any{10}},
		{Method: MethodOffset, Args: []any{5}},
	}, stmt.Chain.Calls)

	upd, err := Build(&models.QueryRequest{
		Table:      "students",
		Operation:  models.OperationUpdate,
		Predicates: req.Predicates,
		Payload:    map[string]any{"status": "graduated"},
	}, DialectDocument)
	require.NoError(t, err)
	assert.Equal(t, MethodUpdate, upd.Chain.Operation())
	assert.Equal(t, map[string]any{"status": "graduated"}, upd.Chain.Calls[0].Payload())
	assert.Len(t, upd.Chain.Filters(), 1)
	assert.Equal(t, `students.update({status}).eq("grade", ?)`, upd.String())
}

func TestBuild_RejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  *models.QueryRequest
		want error
	}{
		{"nil", nil, apperrors.ErrParse},
		{"bad table", &models.QueryRequest{Table: "students;--", Operation: models.OperationSelect}, apperrors.ErrParse},
		{"insert without payload", &models.QueryRequest{Table: "students", Operation: models.OperationInsert}, apperrors.ErrParse},
		{"select with payload", &models.QueryRequest{Table: "students", Operation: models.OperationSelect, Payload: map[string]any{"a": 1}}, apperrors.ErrParse},
		{"negative limit", &models.QueryRequest{Table: "students", Operation: models.OperationSelect, Limit: models.IntPtr(-1)}, apperrors.ErrParse},
		{"bad projection", &models.QueryRequest{Table: "students", Operation: models.OperationSelect, Projection: []string{"count(*)"}}, apperrors.ErrParse},
		{"update everything", &models.QueryRequest{Table: "students", Operation: models.OperationUpdate, Payload: map[string]any{"a": 1}}, apperrors.ErrUnsupportedOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.req, DialectRelational)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBuildCount(t *testing.T) {
	req := selectRequest(t, "payment_details_v1", map[string]any{"payment_status": "completed", "amount__gte": 50})
	req.Limit = models.IntPtr(10)
	req.OrderBy = &models.OrderBy{Field: "payment_date", Descending: true}

	stmt, err := BuildCount(req)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(stmt.SQL, `SELECT COUNT(*) AS total FROM "payment_details_v1" WHERE`), stmt.SQL)
	assert.Contains(t, stmt.SQL, `"amount" >= $1`)
	assert.Contains(t, stmt.SQL, `"payment_status" = $2`)
	assert.NotContains(t, stmt.SQL, "LIMIT")
	assert.NotContains(t, stmt.SQL, "ORDER BY")
	require.Len(t, stmt.Args, 2)
	assert.EqualValues(t, 50, stmt.Args[0])
	assert.Equal(t, "completed", stmt.Args[1])

	_, err = BuildCount(&models.QueryRequest{Table: "payments", Operation: models.OperationDelete})
	assert.ErrorIs(t, err, apperrors.ErrParse)
}

func TestBuildAggregate_Sum(t *testing.T) {
	req := selectRequest(t, "student_fees", map[string]any{"is_paid": false})

	stmt, err := BuildAggregate(req, AggregateSum, "amount")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stmt.SQL, `SELECT COALESCE(SUM("amount"), 0) AS total FROM "student_fees" WHERE`), stmt.SQL)
	assert.Contains(t, stmt.SQL, `"is_paid" = $1`)
	assert.Equal(t, []any{false}, stmt.Args)

	_, err = BuildAggregate(req, AggregateSum, "amount); DROP TABLE students; --")
	assert.ErrorIs(t, err, apperrors.ErrParse)

	_, err = BuildAggregate(req, Aggregate("median"), "amount")
	assert.ErrorIs(t, err, apperrors.ErrParse)
}
