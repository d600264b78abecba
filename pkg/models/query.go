package models

import (
	"fmt"
	"regexp"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
)

// Operation is the kind of statement a QueryRequest issues.
type Operation string

const (
	OperationSelect Operation = "select"
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	// OperationRaw labels statements issued through ExecuteRaw.
	OperationRaw Operation = "raw"
)

// ParseOperation accepts the lower-case names used by route handlers.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OperationSelect, OperationInsert, OperationUpdate, OperationDelete:
		return op, nil
	}
	return "", fmt.Errorf("%w: unknown operation %q", apperrors.ErrParse, s)
}

// RequiresPayload reports whether the operation carries a field/value payload.
func (o Operation) RequiresPayload() bool {
	return o == OperationInsert || o == OperationUpdate
}

// Operator is a predicate comparison.
type Operator string

const (
	OpEQ    Operator = "eq"
	OpNEQ   Operator = "neq"
	OpGTE   Operator = "gte"
	OpLTE   Operator = "lte"
	OpLike  Operator = "like"
	OpILike Operator = "ilike"
	OpIn    Operator = "in"
)

// Predicate is a single field/operator/value condition. Predicates in a
// request are combined with AND.
type Predicate struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// OrderBy sorts results on one field.
type OrderBy struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending"`
}

// QueryRequest describes one data-access call. Filters holds the suffix
// filter map ("amount__gte") and is translated by the dispatcher into extra
// Predicates. Treat a request as immutable once issued.
type QueryRequest struct {
	Table      string         `json:"table"`
	Operation  Operation      `json:"operation"`
	Predicates []Predicate    `json:"predicates,omitempty"`
	Filters    map[string]any `json:"filters,omitempty"`
	Projection []string       `json:"projection,omitempty"`
	Relations  []string       `json:"relations,omitempty"`
	OrderBy    *OrderBy       `json:"order_by,omitempty"`
	Limit      *int           `json:"limit,omitempty"`
	Offset     *int           `json:"offset,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// IsIdentifier reports whether s is a plain (optionally schema-qualified) identifier.
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Validate checks the request shape before any backend is contacted.
func (r *QueryRequest) Validate() error {
	if !IsIdentifier(r.Table) {
		return fmt.Errorf("%w: invalid table name %q", apperrors.ErrParse, r.Table)
	}

	switch r.Operation {
	case OperationSelect, OperationInsert, OperationUpdate, OperationDelete:
	default:
		return fmt.Errorf("%w: unknown operation %q", apperrors.ErrParse, r.Operation)
	}

	if r.Operation.RequiresPayload() && len(r.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", apperrors.ErrParse, r.Operation)
	}
	if !r.Operation.RequiresPayload() && len(r.Payload) > 0 {
		return fmt.Errorf("%w: %s does not accept a payload", apperrors.ErrParse, r.Operation)
	}
	for field := range r.Payload {
		if !IsIdentifier(field) {
			return fmt.Errorf("%w: invalid payload field %q", apperrors.ErrParse, field)
		}
	}

	if r.Operation == OperationInsert && len(r.Predicates) > 0 {
		return fmt.Errorf("%w: insert does not accept filters", apperrors.ErrParse)
	}
	if (r.Operation == OperationUpdate || r.Operation == OperationDelete) && len(r.Predicates) == 0 {
		return fmt.Errorf("%w: %s without filters would touch every row", apperrors.ErrUnsupportedOperation, r.Operation)
	}

	for _, p := range r.Predicates {
		if !IsIdentifier(p.Field) {
			return fmt.Errorf("%w: invalid filter field %q", apperrors.ErrParse, p.Field)
		}
	}
	if r.OrderBy != nil && !IsIdentifier(r.OrderBy.Field) {
		return fmt.Errorf("%w: invalid order field %q", apperrors.ErrParse, r.OrderBy.Field)
	}
	if r.Limit != nil && *r.Limit < 0 {
		return fmt.Errorf("%w: limit must be non-negative", apperrors.ErrParse)
	}
	if r.Offset != nil && *r.Offset < 0 {
		return fmt.Errorf("%w: offset must be non-negative", apperrors.ErrParse)
	}
	if r.Operation != OperationSelect && (r.Limit != nil || r.Offset != nil || r.OrderBy != nil) {
		return fmt.Errorf("%w: ordering and pagination apply to select only", apperrors.ErrParse)
	}
	return nil
}

// QueryResult is the normalised outcome of every call into the data-access
// layer. Failures are reported through Success/Error, never as a Go error.
type QueryResult struct {
	Success   bool             `json:"success"`
	Columns   []string         `json:"columns,omitempty"`
	Rows      []map[string]any `json:"data"`
	Error     string           `json:"error,omitempty"`
	ErrorKind apperrors.Kind   `json:"error_kind,omitempty"`

	// Backend and Statement describe what ran; they are for instrumentation
	// and never serialised to callers.
	Backend   string `json:"-"`
	Statement string `json:"-"`
}

// Failure builds an unsuccessful result from err.
func Failure(err error) *QueryResult {
	return &QueryResult{
		Success:   false,
		Rows:      []map[string]any{},
		Error:     err.Error(),
		ErrorKind: apperrors.Classify(err),
	}
}

// Err returns nil for a successful result and an error carrying the failure
// kind otherwise.
func (r *QueryResult) Err() error {
	if r == nil {
		return &apperrors.ResultError{Kind: apperrors.KindBackend, Message: "no result"}
	}
	if r.Success {
		return nil
	}
	kind := r.ErrorKind
	if kind == apperrors.KindNone {
		kind = apperrors.KindBackend
	}
	return &apperrors.ResultError{Kind: kind, Message: r.Error}
}

// First returns the first row, or nil when there are none.
func (r *QueryResult) First() map[string]any {
	if r == nil || len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// IntPtr is a convenience for optional limit/offset values.
func IntPtr(v int) *int {
	return &v
}
