package sql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/models"
)

func TestTranslate_RecognizedSuffixes(t *testing.T) {
	preds, err := Translate(map[string]any{
		"grade":            "8",
		"amount__gte":      100,
		"amount__lte":      500.5,
		"status__neq":      "inactive",
		"first_name__like": "Jo",
		"last_name__ilike": "ban",
		"grade__in":        []string{"7", "8"},
		"student_id__eq":   "S-001",
	})
	require.NoError(t, err)
	require.Len(t, preds, 8)

	// Sorted key order.
	assert.Equal(t, []models.Predicate{
		{Field: "amount", Operator: models.OpGTE, Value: 100},
		{Field: "amount", Operator: models.OpLTE, Value: 500.5},
		{Field: "first_name", Operator: models.OpLike, Value: "%Jo%"},
		{Field: "grade", Operator: models.OpEQ, Value: "8"},
		{Field: "grade", Operator: models.OpIn, Value: []any{"7", "8"}},
		{Field: "last_name", Operator: models.OpILike, Value: "%ban%"},
		{Field: "status", Operator: models.OpNEQ, Value: "inactive"},
		{Field: "student_id", Operator: models.OpEQ, Value: "S-001"},
	}, preds)
}

func TestTranslate_Empty(t *testing.T) {
	preds, err := Translate(nil)
	require.NoError(t, err)
	assert.Empty(t, preds)
}

func TestTranslate_UnknownOperatorFailsClosed(t *testing.T) {
	for _, key := range []string{"amount__gt", "amount__between", "name__contains"} {
		t.Run(key, func(t *testing.T) {
			preds, err := Translate(map[string]any{"grade": "8", key: 1})
			require.Error(t, err)
			assert.Nil(t, preds)
			assert.ErrorIs(t, err, apperrors.ErrUnknownOperator)
			assert.ErrorIs(t, err, apperrors.ErrParse)
			assert.Equal(t, apperrors.KindParse, apperrors.Classify(err))
		})
	}
}

func TestTranslate_AmbiguousField(t *testing.T) {
	_, err := Translate(map[string]any{"fee__type__eq": "tuition"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAmbiguousField)
	assert.ErrorIs(t, err, apperrors.ErrParse)
}

func TestTranslate_MalformedKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty field", "__gte"},
		{"empty suffix", "amount__"},
		{"invalid identifier", "amount; drop"},
		{"leading digit", "1amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Translate(map[string]any{tt.key: 1})
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrParse)
		})
	}
}

func TestTranslate_InOperand(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    []any
		wantErr bool
	}{
		{"string slice", []string{"a", "b"}, []any{"a", "b"}, false},
		{"int slice", []int{1, 2, 3}, []any{1, 2, 3}, false},
		{"any slice", []any{"x", 2}, []any{"x", 2}, false},
		{"array", [2]string{"p", "q"}, []any{"p", "q"}, false},
		{"scalar string", "8", nil, true},
		{"scalar int", 8, nil, true},
		{"bytes", []byte("ab"), nil, true},
		{"empty slice", []string{}, nil, true},
		{"nil", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			preds, err := Translate(map[string]any{"grade__in": tt.value})
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, apperrors.ErrInvalidOperand)
				return
			}
			require.NoError(t, err)
			require.Len(t, preds, 1)
			assert.Equal(t, tt.want, preds[0].Value)
		})
	}
}

func TestTranslate_NilEquality(t *testing.T) {
	preds, err := Translate(map[string]any{"transaction_reference": nil})
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, models.OpEQ, preds[0].Operator)
	assert.Nil(t, preds[0].Value)

	_, err = Translate(map[string]any{"amount__gte": nil})
	assert.ErrorIs(t, err, apperrors.ErrInvalidOperand)
}

func TestParseOrderBy(t *testing.T) {
	tests := []struct {
		in      string
		want    *models.OrderBy
		wantErr bool
	}{
		{"", nil, false},
		{"payment_date", &models.OrderBy{Field: "payment_date"}, false},
		{"-payment_date", &models.OrderBy{Field: "payment_date", Descending: true}, false},
		{"payment_date.desc", &models.OrderBy{Field: "payment_date", Descending: true}, false},
		{"payment_date.asc", &models.OrderBy{Field: "payment_date"}, false},
		{"payment date", nil, true},
		{"-", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOrderBy(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
