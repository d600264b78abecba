package sql

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/models"
)

// FilterSeparator splits a filter key into field and operator suffix.
const FilterSeparator = "__"

var suffixOperators = map[string]models.Operator{
	"eq":    models.OpEQ,
	"neq":   models.OpNEQ,
	"gte":   models.OpGTE,
	"lte":   models.OpLTE,
	"like":  models.OpLike,
	"ilike": models.OpILike,
	"in":    models.OpIn,
}

// Translate parses an operator-suffixed filter map ("amount__gte": 100) into
// predicates. Keys are processed in sorted order so the result is stable.
//
// A key without a separator is an equality test. A field that still contains
// the separator after splitting off the suffix is ambiguous and rejected, as
// is any suffix that is not a known operator.
func Translate(filters map[string]any) ([]models.Predicate, error) {
	if len(filters) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	predicates := make([]models.Predicate, 0, len(keys))
	for _, key := range keys {
		p, err := translateOne(key, filters[key])
		if err != nil {
			return nil, err
		}
		predicates = append(predicates, p)
	}
	return predicates, nil
}

func translateOne(key string, value any) (models.Predicate, error) {
	field, op := key, models.OpEQ

	if idx := strings.LastIndex(key, FilterSeparator); idx >= 0 {
		field = key[:idx]
		suffix := key[idx+len(FilterSeparator):]
		if field == "" || suffix == "" {
			return models.Predicate{}, fmt.Errorf("%w: malformed filter key %q", apperrors.ErrParse, key)
		}
		if strings.Contains(field, FilterSeparator) {
			return models.Predicate{}, fmt.Errorf("%w: %q", apperrors.ErrAmbiguousField, key)
		}
		known, ok := suffixOperators[suffix]
		if !ok {
			return models.Predicate{}, fmt.Errorf("%w: %q in filter %q", apperrors.ErrUnknownOperator, suffix, key)
		}
		op = known
	}

	if !models.IsIdentifier(field) {
		return models.Predicate{}, fmt.Errorf("%w: invalid field name %q", apperrors.ErrParse, field)
	}

	switch op {
	case models.OpLike, models.OpILike:
		if value == nil {
			return models.Predicate{}, fmt.Errorf("%w: %s on %q needs a value", apperrors.ErrInvalidOperand, op, field)
		}
		value = fmt.Sprintf("%%%v%%", value)
	case models.OpIn:
		values, err := sequenceOperand(value)
		if err != nil {
			return models.Predicate{}, fmt.Errorf("%w (field %q)", err, field)
		}
		value = values
	case models.OpGTE, models.OpLTE:
		if value == nil {
			return models.Predicate{}, fmt.Errorf("%w: %s on %q needs a value", apperrors.ErrInvalidOperand, op, field)
		}
	}

	return models.Predicate{Field: field, Operator: op, Value: value}, nil
}

// sequenceOperand flattens a slice or array operand into []any.
func sequenceOperand(value any) ([]any, error) {
	if value == nil {
		return nil, fmt.Errorf("%w: in requires a list, got nil", apperrors.ErrInvalidOperand)
	}
	if vs, ok := value.([]any); ok {
		if len(vs) == 0 {
			return nil, fmt.Errorf("%w: in requires a non-empty list", apperrors.ErrInvalidOperand)
		}
		return vs, nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: in requires a list, got %T", apperrors.ErrInvalidOperand, value)
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, fmt.Errorf("%w: in requires a list, got bytes", apperrors.ErrInvalidOperand)
	}
	if rv.Len() == 0 {
		return nil, fmt.Errorf("%w: in requires a non-empty list", apperrors.ErrInvalidOperand)
	}

	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

// ParseOrderBy accepts "field", "-field", "field.desc" or "field.asc".
func ParseOrderBy(s string) (*models.OrderBy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	order := &models.OrderBy{Field: s}
	switch {
	case strings.HasPrefix(s, "-"):
		order.Field, order.Descending = s[1:], true
	case strings.HasSuffix(strings.ToLower(s), ".desc"):
		order.Field, order.Descending = s[:len(s)-len(".desc")], true
	case strings.HasSuffix(strings.ToLower(s), ".asc"):
		order.Field = s[:len(s)-len(".asc")]
	}

	if !models.IsIdentifier(order.Field) {
		return nil, fmt.Errorf("%w: invalid order field %q", apperrors.ErrParse, s)
	}
	return order, nil
}
