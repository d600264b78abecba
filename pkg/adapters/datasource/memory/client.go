// Package memory provides an in-process document client. It evaluates call
// chains against seeded tables and backs local development and tests.
package memory

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/feemaster/feemaster-engine/pkg/adapters/datasource"
	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/sql"
)

// Client stores rows per table in memory.
type Client struct {
	mu     sync.RWMutex
	tables map[string][]map[string]any
	closed bool
	logger *zap.Logger
}

var _ datasource.DocumentClient = (*Client)(nil)

// NewClient creates a client seeded with copies of the given rows.
func NewClient(seed map[string][]map[string]any, logger *zap.Logger) *Client {
	c := &Client{
		tables: make(map[string][]map[string]any, len(seed)),
		logger: logger,
	}
	for table, rows := range seed {
		for _, r := range rows {
			c.tables[table] = append(c.tables[table], copyRow(r))
		}
	}
	return c
}

// LoadSeed reads a YAML document mapping table names to row lists.
func LoadSeed(path string) (map[string][]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed map[string][]map[string]any
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return seed, nil
}

// Execute evaluates chain against the in-memory table.
func (c *Client) Execute(ctx context.Context, chain *sql.Chain) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if chain == nil || len(chain.Calls) == 0 {
		return nil, fmt.Errorf("%w: empty call chain", apperrors.ErrParse)
	}

	c.logger.Debug("executing chain", zap.String("chain", chain.String()))

	matchers, err := compileFilters(chain.Filters())
	if err != nil {
		return nil, err
	}

	lead := chain.Calls[0]
	switch lead.Method {
	case sql.MethodSelect:
		return c.selectRows(chain, lead, matchers)
	case sql.MethodInsert:
		return c.insert(chain.Table, lead.Payload()), nil
	case sql.MethodUpdate:
		return c.update(chain.Table, lead.Payload(), matchers), nil
	case sql.MethodDelete:
		return c.delete(chain.Table, matchers), nil
	default:
		return nil, fmt.Errorf("%w: chain starts with %q", apperrors.ErrUnsupportedOperation, lead.Method)
	}
}

func (c *Client) selectRows(chain *sql.Chain, lead sql.Call, matchers []matcher) ([]map[string]any, error) {
	projection := "*"
	if len(lead.Args) > 0 {
		projection, _ = lead.Args[0].(string)
	}
	if strings.Contains(projection, "(") {
		return nil, fmt.Errorf("%w: memory store cannot embed related tables", apperrors.ErrUnsupportedOperation)
	}

	c.mu.RLock()
	out := make([]map[string]any, 0)
	for _, row := range c.tables[chain.Table] {
		if matchAll(row, matchers) {
			out = append(out, copyRow(row))
		}
	}
	c.mu.RUnlock()

	if call, ok := chain.Find(sql.MethodOrder); ok {
		desc := len(call.Args) > 1 && call.Args[1] == true
		field := call.Field()
		sort.SliceStable(out, func(i, j int) bool {
			if desc {
				return compare(out[j][field], out[i][field]) < 0
			}
			return compare(out[i][field], out[j][field]) < 0
		})
	}
	if call, ok := chain.Find(sql.MethodOffset); ok {
		n := min(call.Int(), len(out))
		out = out[n:]
	}
	if call, ok := chain.Find(sql.MethodLimit); ok {
		out = out[:min(call.Int(), len(out))]
	}

	if projection != "*" && projection != "" {
		fields := strings.Split(projection, ",")
		for i, row := range out {
			projected := make(map[string]any, len(fields))
			for _, f := range fields {
				if v, ok := row[f]; ok {
					projected[f] = v
				}
			}
			out[i] = projected
		}
	}
	return out, nil
}

func (c *Client) insert(table string, payload map[string]any) []map[string]any {
	row := copyRow(payload)
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.NewString()
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = time.Now().UTC()
	}

	c.mu.Lock()
	c.tables[table] = append(c.tables[table], row)
	c.mu.Unlock()

	return []map[string]any{copyRow(row)}
}

func (c *Client) update(table string, payload map[string]any, matchers []matcher) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]any, 0)
	for _, row := range c.tables[table] {
		if !matchAll(row, matchers) {
			continue
		}
		for k, v := range payload {
			row[k] = v
		}
		out = append(out, copyRow(row))
	}
	return out
}

func (c *Client) delete(table string, matchers []matcher) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.tables[table][:0]
	removed := make([]map[string]any, 0)
	for _, row := range c.tables[table] {
		if matchAll(row, matchers) {
			removed = append(removed, row)
			continue
		}
		kept = append(kept, row)
	}
	c.tables[table] = kept
	return removed
}

// Rows returns a copy of every row in table.
func (c *Client) Rows(table string) []map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]map[string]any, len(c.tables[table]))
	for i, r := range c.tables[table] {
		out[i] = copyRow(r)
	}
	return out
}

func (c *Client) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type matcher func(row map[string]any) bool

func compileFilters(filters []sql.Call) ([]matcher, error) {
	out := make([]matcher, 0, len(filters))
	for _, call := range filters {
		field, want := call.Field(), call.Value()
		switch call.Method {
		case sql.MethodEQ:
			out = append(out, func(r map[string]any) bool { return r[field] != nil && compare(r[field], want) == 0 })
		case sql.MethodNEQ:
			out = append(out, func(r map[string]any) bool { return r[field] != nil && compare(r[field], want) != 0 })
		case sql.MethodGTE:
			out = append(out, func(r map[string]any) bool { return r[field] != nil && compare(r[field], want) >= 0 })
		case sql.MethodLTE:
			out = append(out, func(r map[string]any) bool { return r[field] != nil && compare(r[field], want) <= 0 })
		case sql.MethodLike, sql.MethodILike:
			re, err := likePattern(fmt.Sprint(want), call.Method == sql.MethodILike)
			if err != nil {
				return nil, err
			}
			out = append(out, func(r map[string]any) bool {
				s, ok := r[field].(string)
				return ok && re.MatchString(s)
			})
		case sql.MethodIn:
			values, ok := want.([]any)
			if !ok || len(values) == 0 {
				return nil, fmt.Errorf("%w: in filter on %q needs a non-empty list", apperrors.ErrInvalidOperand, field)
			}
			out = append(out, func(r map[string]any) bool {
				for _, v := range values {
					if r[field] != nil && compare(r[field], v) == 0 {
						return true
					}
				}
				return false
			})
		case sql.MethodIs:
			out = append(out, func(r map[string]any) bool { return r[field] == nil })
		default:
			return nil, fmt.Errorf("%w: memory store cannot apply %q", apperrors.ErrUnsupportedOperation, call.Method)
		}
	}
	return out, nil
}

func matchAll(row map[string]any, matchers []matcher) bool {
	for _, m := range matchers {
		if !m(row) {
			return false
		}
	}
	return true
}

// likePattern converts a SQL LIKE pattern into an anchored regexp.
func likePattern(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if caseInsensitive {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: bad like pattern: %v", apperrors.ErrInvalidOperand, err)
	}
	return re, nil
}

// compare orders two values. Numbers compare numerically, times
// chronologically and everything else by string form. nil sorts last.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}

	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func copyRow(r map[string]any) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
