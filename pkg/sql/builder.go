package sql

import (
	"fmt"
	"sort"
	"strings"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"
	"github.com/doug-martin/goqu/v8/exp"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/models"
)

// Dialect is the statement shape a backend accepts.
type Dialect string

const (
	DialectRelational Dialect = "relational"
	DialectDocument   Dialect = "document"
)

var psql = goqu.Dialect("postgres")

// Statement is a rendered QueryRequest. Relational statements carry SQL with
// $n placeholders and the bound values in Args; document statements carry a
// Chain of client calls.
type Statement struct {
	Dialect   Dialect
	Table     string
	Operation models.Operation

	SQL  string
	Args []any

	Chain *Chain

	// RelationsExpanded is false when relations were requested but the
	// catalog has no entry for them.
	RelationsExpanded bool
}

// String renders the statement for logs. Bound values never appear in it.
func (s *Statement) String() string {
	if s == nil {
		return ""
	}
	if s.Dialect == DialectDocument && s.Chain != nil {
		return s.Chain.String()
	}
	return s.SQL
}

// Build renders req for the given dialect.
func Build(req *models.QueryRequest, dialect Dialect) (*Statement, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", apperrors.ErrParse)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := validateProjection(req.Projection); err != nil {
		return nil, err
	}

	switch dialect {
	case DialectRelational:
		return buildRelational(req)
	case DialectDocument:
		return buildDocument(req)
	default:
		return nil, fmt.Errorf("%w: unknown dialect %q", apperrors.ErrUnsupportedOperation, dialect)
	}
}

// Aggregate is a single-value aggregate BuildAggregate can render.
type Aggregate string

const (
	AggregateCount Aggregate = "count"
	AggregateSum   Aggregate = "sum"
)

// BuildAggregate renders a relational statement returning one row with a
// "total" column: COUNT(*) or COALESCE(SUM(field), 0) over the rows a select
// request would match. Projection, ordering and pagination are ignored.
func BuildAggregate(req *models.QueryRequest, agg Aggregate, field string) (*Statement, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", apperrors.ErrParse)
	}
	if req.Operation != models.OperationSelect {
		return nil, fmt.Errorf("%w: %s applies to select only", apperrors.ErrParse, agg)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var selection exp.LiteralExpression
	switch agg {
	case AggregateCount:
		selection = goqu.L("COUNT(*) AS total")
	case AggregateSum:
		if !models.IsIdentifier(field) {
			return nil, fmt.Errorf("%w: invalid sum field %q", apperrors.ErrParse, field)
		}
		selection = goqu.L("COALESCE(SUM(?), 0) AS total", goqu.I(field))
	default:
		return nil, fmt.Errorf("%w: unknown aggregate %q", apperrors.ErrParse, agg)
	}

	where := make([]exp.Expression, 0, len(req.Predicates))
	for _, p := range req.Predicates {
		e, err := predicateExpression(p)
		if err != nil {
			return nil, err
		}
		where = append(where, e)
	}

	query, args, err := psql.From(req.Table).Prepared(true).
		Select(selection).
		Where(where...).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("%w: render %s on %s: %v", apperrors.ErrParse, agg, req.Table, err)
	}
	return &Statement{
		Dialect:           DialectRelational,
		Table:             req.Table,
		Operation:         models.OperationSelect,
		SQL:               query,
		Args:              args,
		RelationsExpanded: true,
	}, nil
}

// BuildCount is BuildAggregate with AggregateCount.
func BuildCount(req *models.QueryRequest) (*Statement, error) {
	return BuildAggregate(req, AggregateCount, "")
}

func validateProjection(fields []string) error {
	for _, f := range fields {
		if f == "*" {
			continue
		}
		if !models.IsIdentifier(f) {
			return fmt.Errorf("%w: invalid projection field %q", apperrors.ErrParse, f)
		}
	}
	return nil
}

func isStar(projection []string) bool {
	return len(projection) == 0 || (len(projection) == 1 && projection[0] == "*")
}

func buildRelational(req *models.QueryRequest) (*Statement, error) {
	stmt := &Statement{
		Dialect:           DialectRelational,
		Table:             req.Table,
		Operation:         req.Operation,
		RelationsExpanded: len(req.Relations) == 0,
	}

	where := make([]exp.Expression, 0, len(req.Predicates))
	for _, p := range req.Predicates {
		e, err := predicateExpression(p)
		if err != nil {
			return nil, err
		}
		where = append(where, e)
	}

	var (
		query string
		args  []any
		err   error
	)

	switch req.Operation {
	case models.OperationSelect:
		var cols []any
		if rel, ok := LookupRelations(req.Table, req.Relations); ok {
			stmt.RelationsExpanded = true
			if isStar(req.Projection) {
				cols = append(cols, goqu.L(unqualified(req.Table)+".*"))
			} else {
				for _, f := range req.Projection {
					cols = append(cols, goqu.I(f))
				}
			}
			for _, c := range rel.Columns {
				cols = append(cols, c)
			}
		} else if !isStar(req.Projection) {
			for _, f := range req.Projection {
				cols = append(cols, goqu.I(f))
			}
		} else {
			cols = append(cols, goqu.L("*"))
		}

		ds := psql.From(req.Table).Prepared(true).Select(cols...).Where(where...)
		if req.OrderBy != nil {
			if req.OrderBy.Descending {
				ds = ds.Order(goqu.I(req.OrderBy.Field).Desc())
			} else {
				ds = ds.Order(goqu.I(req.OrderBy.Field).Asc())
			}
		}
		if req.Limit != nil {
			if *req.Limit == 0 {
				// goqu treats LIMIT 0 as "no limit".
				ds = ds.Where(goqu.L("FALSE"))
			} else {
				ds = ds.Limit(uint(*req.Limit))
			}
		}
		if req.Offset != nil && *req.Offset > 0 {
			ds = ds.Offset(uint(*req.Offset))
		}
		query, args, err = ds.ToSQL()

	case models.OperationInsert:
		query, args, err = psql.Insert(req.Table).Prepared(true).
			Rows(goqu.Record(req.Payload)).
			Returning(goqu.L("*")).
			ToSQL()

	case models.OperationUpdate:
		query, args, err = psql.Update(req.Table).Prepared(true).
			Set(goqu.Record(req.Payload)).
			Where(where...).
			Returning(goqu.L("*")).
			ToSQL()

	case models.OperationDelete:
		query, args, err = psql.Delete(req.Table).Prepared(true).
			Where(where...).
			Returning(goqu.L("*")).
			ToSQL()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: render %s on %s: %v", apperrors.ErrParse, req.Operation, req.Table, err)
	}

	stmt.SQL = query
	stmt.Args = args
	return stmt, nil
}

func predicateExpression(p models.Predicate) (exp.Expression, error) {
	col := goqu.I(p.Field)
	// goqu renders boolean equality as IS TRUE/IS FALSE, which cannot take a
	// placeholder; compare with = and <> instead so the value stays bound.
	_, isBool := p.Value.(bool)
	switch p.Operator {
	case models.OpEQ:
		if p.Value == nil {
			return col.IsNull(), nil
		}
		if isBool {
			return goqu.L("? = ?", col, p.Value), nil
		}
		return col.Eq(p.Value), nil
	case models.OpNEQ:
		if p.Value == nil {
			return col.IsNotNull(), nil
		}
		if isBool {
			return goqu.L("? <> ?", col, p.Value), nil
		}
		return col.Neq(p.Value), nil
	case models.OpGTE:
		return col.Gte(p.Value), nil
	case models.OpLTE:
		return col.Lte(p.Value), nil
	case models.OpLike:
		return col.Like(p.Value), nil
	case models.OpILike:
		return col.ILike(p.Value), nil
	case models.OpIn:
		values, err := sequenceOperand(p.Value)
		if err != nil {
			return nil, err
		}
		return col.In(values), nil
	}
	return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownOperator, p.Operator)
}

func unqualified(table string) string {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[i+1:]
	}
	return table
}

// Method names used in document call chains.
const (
	MethodSelect = "select"
	MethodInsert = "insert"
	MethodUpdate = "update"
	MethodDelete = "delete"
	MethodEQ     = "eq"
	MethodNEQ    = "neq"
	MethodGTE    = "gte"
	MethodLTE    = "lte"
	MethodLike   = "like"
	MethodILike  = "ilike"
	MethodIn     = "in"
	MethodIs     = "is"
	MethodOrder  = "order"
	MethodLimit  = "limit"
	MethodOffset = "offset"
)

// Call is one step of a document client chain.
type Call struct {
	Method string
	Args   []any
}

// IsFilter reports whether the call restricts the row set.
func (c Call) IsFilter() bool {
	switch c.Method {
	case MethodEQ, MethodNEQ, MethodGTE, MethodLTE, MethodLike, MethodILike, MethodIn, MethodIs:
		return true
	}
	return false
}

// Field returns the first argument of a filter or order call.
func (c Call) Field() string {
	if len(c.Args) == 0 {
		return ""
	}
	s, _ := c.Args[0].(string)
	return s
}

// Value returns the second argument of a filter call.
func (c Call) Value() any {
	if len(c.Args) < 2 {
		return nil
	}
	return c.Args[1]
}

// Int returns the argument of a limit or offset call.
func (c Call) Int() int {
	if len(c.Args) == 0 {
		return 0
	}
	n, _ := c.Args[0].(int)
	return n
}

// Payload returns the argument of an insert or update call.
func (c Call) Payload() map[string]any {
	if len(c.Args) == 0 {
		return nil
	}
	m, _ := c.Args[0].(map[string]any)
	return m
}

// Chain is the ordered list of calls a document client executes against Table.
type Chain struct {
	Table string
	Calls []Call
}

func (c *Chain) add(method string, args ...any) {
	c.Calls = append(c.Calls, Call{Method: method, Args: args})
}

// Operation reports the leading verb of the chain.
func (c *Chain) Operation() string {
	if len(c.Calls) == 0 {
		return ""
	}
	return c.Calls[0].Method
}

// Filters returns the filter calls in order.
func (c *Chain) Filters() []Call {
	var out []Call
	for _, call := range c.Calls {
		if call.IsFilter() {
			out = append(out, call)
		}
	}
	return out
}

// Find returns the first call with the given method.
func (c *Chain) Find(method string) (Call, bool) {
	for _, call := range c.Calls {
		if call.Method == method {
			return call, true
		}
	}
	return Call{}, false
}

// String renders the chain with bound values masked, e.g.
// payments.select("*").gte("amount", ?).limit(10).
func (c *Chain) String() string {
	var b strings.Builder
	b.WriteString(c.Table)
	for _, call := range c.Calls {
		b.WriteByte('.')
		b.WriteString(call.Method)
		b.WriteByte('(')
		switch {
		case call.IsFilter():
			fmt.Fprintf(&b, "%q, ?", call.Field())
		case call.Method == MethodInsert || call.Method == MethodUpdate:
			keys := make([]string, 0, len(call.Payload()))
			for k := range call.Payload() {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString("{" + strings.Join(keys, ", ") + "}")
		default:
			for i, a := range call.Args {
				if i > 0 {
					b.WriteString(", ")
				}
				if s, ok := a.(string); ok {
					fmt.Fprintf(&b, "%q", s)
				} else {
					fmt.Fprintf(&b, "%v", a)
				}
			}
		}
		b.WriteByte(')')
	}
	return b.String()
}

func buildDocument(req *models.QueryRequest) (*Statement, error) {
	stmt := &Statement{
		Dialect:           DialectDocument,
		Table:             req.Table,
		Operation:         req.Operation,
		RelationsExpanded: len(req.Relations) == 0,
	}
	chain := &Chain{Table: req.Table}

	switch req.Operation {
	case models.OperationSelect:
		projection := "*"
		if !isStar(req.Projection) {
			projection = strings.Join(req.Projection, ",")
		}
		if rel, ok := LookupRelations(req.Table, req.Relations); ok {
			stmt.RelationsExpanded = true
			projection += "," + rel.Embed
		}
		chain.add(MethodSelect, projection)
	case models.OperationInsert:
		chain.add(MethodInsert, copyPayload(req.Payload))
	case models.OperationUpdate:
		chain.add(MethodUpdate, copyPayload(req.Payload))
	case models.OperationDelete:
		chain.add(MethodDelete)
	}

	for _, p := range req.Predicates {
		switch p.Operator {
		case models.OpEQ:
			if p.Value == nil {
				chain.add(MethodIs, p.Field, nil)
			} else {
				chain.add(MethodEQ, p.Field, p.Value)
			}
		case models.OpNEQ:
			if p.Value == nil {
				return nil, fmt.Errorf("%w: neq null filter on %q", apperrors.ErrUnsupportedOperation, p.Field)
			}
			chain.add(MethodNEQ, p.Field, p.Value)
		case models.OpGTE:
			chain.add(MethodGTE, p.Field, p.Value)
		case models.OpLTE:
			chain.add(MethodLTE, p.Field, p.Value)
		case models.OpLike:
			chain.add(MethodLike, p.Field, p.Value)
		case models.OpILike:
			chain.add(MethodILike, p.Field, p.Value)
		case models.OpIn:
			values, err := sequenceOperand(p.Value)
			if err != nil {
				return nil, err
			}
			chain.add(MethodIn, p.Field, values)
		default:
			return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownOperator, p.Operator)
		}
	}

	if req.OrderBy != nil {
		chain.add(MethodOrder, req.OrderBy.Field, req.OrderBy.Descending)
	}
	if req.Limit != nil {
		chain.add(MethodLimit, *req.Limit)
	}
	if req.Offset != nil {
		chain.add(MethodOffset, *req.Offset)
	}

	stmt.Chain = chain
	return stmt, nil
}

func copyPayload(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
