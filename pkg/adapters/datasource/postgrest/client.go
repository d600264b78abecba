// Package postgrest provides a document client for Supabase-style PostgREST APIs.
package postgrest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	postgrestgo "github.com/supabase-community/postgrest-go"
	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/adapters/datasource"
	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/retry"
	"github.com/feemaster/feemaster-engine/pkg/sql"
)

// DefaultTimeout is the maximum time to wait for one PostgREST response.
const DefaultTimeout = 30 * time.Second

// restPath is where Supabase mounts PostgREST.
const restPath = "rest/v1"

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// Config contains PostgREST connection options.
type Config struct {
	URL        string
	ServiceKey string
	Timeout    time.Duration
}

// FromMap creates a Config from a generic config map.
func FromMap(m map[string]any) (*Config, error) {
	cfg := &Config{Timeout: DefaultTimeout}

	if u, ok := m["url"].(string); ok && u != "" {
		cfg.URL = u
	} else {
		return nil, fmt.Errorf("url is required")
	}
	if key, ok := m["service_key"].(string); ok {
		cfg.ServiceKey = key
	}
	if timeout, ok := m["timeout"].(time.Duration); ok && timeout > 0 {
		cfg.Timeout = timeout
	}
	return cfg, nil
}

// Error is a non-2xx PostgREST response.
type Error struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("postgrest status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("postgrest status %d: %s", e.Status, e.Message)
}

// StatusCode lets the retry package classify the failure.
func (e *Error) StatusCode() int { return e.Status }

// Client executes call chains through postgrest-go. Every call gets its own
// postgrest-go client bound to the caller's context; all of them share one
// HTTP transport.
type Client struct {
	restURL    string
	serviceKey string
	timeout    time.Duration
	transport  *http.Transport
	retry      *retry.Config
	logger     *zap.Logger
}

var _ datasource.DocumentClient = (*Client)(nil)

// NewClient creates a PostgREST client.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	restURL, err := buildURL(cfg.URL, restPath)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &Client{
		restURL:    restURL,
		serviceKey: cfg.ServiceKey,
		timeout:    timeout,
		transport:  transport,
		retry:      retry.DefaultConfig(),
		logger:     logger,
	}, nil
}

// Execute runs chain as one HTTP request. Reads are retried on transient
// failures; mutations are sent once.
func (c *Client) Execute(ctx context.Context, chain *sql.Chain) ([]map[string]any, error) {
	rest, rt := c.session()
	fb, read, err := buildRequest(rest, chain)
	if err != nil {
		return nil, err
	}

	do := func() ([]map[string]any, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		rt.ctx = attemptCtx

		body, _, err := fb.Execute()
		if err != nil {
			return nil, c.responseError(chain.Table, err)
		}
		return decodeRows(body)
	}

	if !read {
		return do()
	}

	var rows []map[string]any
	err = retry.DoIfRetryable(ctx, c.retry, func() error {
		var err error
		rows, err = do()
		return err
	})
	return rows, err
}

// Ping sends a HEAD request to the REST root with the configured key.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rest, rt := c.session()
	rt.ctx = ctx
	if _, _, err := rest.From("").Select("", "", true).Execute(); err != nil {
		return c.responseError("", err)
	}
	return nil
}

// Close releases idle HTTP connections.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// session returns a fresh postgrest-go client. postgrest-go records some
// failures on the client itself, so clients are never shared across calls.
func (c *Client) session() (*postgrestgo.Client, *contextTransport) {
	rest := postgrestgo.NewClient(c.restURL, "public", nil).
		SetApiKey(c.serviceKey).
		SetAuthToken(c.serviceKey)
	rt := &contextTransport{ctx: context.Background(), base: c.transport}
	rest.Transport.Parent = rt
	return rest, rt
}

func (c *Client) responseError(table string, err error) error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		c.logger.Debug("postgrest returned error",
			zap.String("table", table),
			zap.Int("status", apiErr.Status),
			zap.String("code", apiErr.Code))
		return apiErr
	}
	return fmt.Errorf("failed to call postgrest: %w", err)
}

// contextTransport binds requests to the caller's context and turns error
// responses into *Error so the HTTP status survives for retry decisions.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req.WithContext(t.ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusBadRequest {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &Error{Status: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return nil, apiErr
}

func decodeRows(body []byte) ([]map[string]any, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return []map[string]any{}, nil
	}
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return rows, nil
}

// buildRequest maps the chain onto a postgrest-go builder. read reports
// whether the request is a select and may be retried.
func buildRequest(rest *postgrestgo.Client, chain *sql.Chain) (fb *postgrestgo.FilterBuilder, read bool, err error) {
	if chain == nil || len(chain.Calls) == 0 {
		return nil, false, fmt.Errorf("%w: empty call chain", apperrors.ErrParse)
	}

	q := rest.From(chain.Table)
	lead := chain.Calls[0]
	switch lead.Method {
	case sql.MethodSelect:
		columns := "*"
		if len(lead.Args) > 0 {
			columns = fmt.Sprint(lead.Args[0])
		}
		fb, read = q.Select(columns, "", false), true
	case sql.MethodInsert, sql.MethodUpdate:
		// Encoded here so a bad payload never reaches postgrest-go, which
		// would leave its builder half-built.
		body, err := json.Marshal(lead.Payload())
		if err != nil {
			return nil, false, fmt.Errorf("%w: payload is not JSON-encodable: %v", apperrors.ErrInvalidOperand, err)
		}
		if lead.Method == sql.MethodInsert {
			fb = q.Insert(json.RawMessage(body), false, "", "representation", "")
		} else {
			fb = q.Update(json.RawMessage(body), "representation", "")
		}
	case sql.MethodDelete:
		fb = q.Delete("representation", "")
	default:
		return nil, false, fmt.Errorf("%w: chain starts with %q", apperrors.ErrUnsupportedOperation, lead.Method)
	}

	if err := applyCalls(fb, chain.Calls[1:]); err != nil {
		return nil, false, err
	}
	return fb, read, nil
}

// filterSet adds column filters to a builder. postgrest-go keeps one filter
// per column, so a second filter on the same column (a date range, say) goes
// into an and=(...) group instead.
type filterSet struct {
	fb   *postgrestgo.FilterBuilder
	seen map[string]bool
	and  []string
}

func (s *filterSet) add(column, operator, value string) {
	if !s.seen[column] {
		s.seen[column] = true
		s.fb.Filter(column, operator, value)
		return
	}
	if operator != "in" {
		value = quoteListItem(value)
	}
	s.and = append(s.and, column+"."+operator+"."+value)
}

// applyCalls renders the chain's filters, ordering and paging.
func applyCalls(fb *postgrestgo.FilterBuilder, calls []sql.Call) error {
	filters := &filterSet{fb: fb, seen: make(map[string]bool)}
	var limit, offset *int

	for _, call := range calls {
		switch call.Method {
		case sql.MethodEQ, sql.MethodNEQ, sql.MethodGTE, sql.MethodLTE:
			filters.add(call.Field(), call.Method, formatValue(call.Value()))
		case sql.MethodLike, sql.MethodILike:
			filters.add(call.Field(), call.Method, strings.ReplaceAll(formatValue(call.Value()), "%", "*"))
		case sql.MethodIn:
			values, ok := call.Value().([]any)
			if !ok || len(values) == 0 {
				return fmt.Errorf("%w: in filter on %q needs a non-empty list", apperrors.ErrInvalidOperand, call.Field())
			}
			items := make([]string, len(values))
			for i, v := range values {
				items[i] = quoteListItem(formatValue(v))
			}
			filters.add(call.Field(), "in", "("+strings.Join(items, ",")+")")
		case sql.MethodIs:
			filters.add(call.Field(), "is", "null")
		case sql.MethodOrder:
			desc := false
			if len(call.Args) > 1 {
				desc, _ = call.Args[1].(bool)
			}
			fb.Order(call.Field(), &postgrestgo.OrderOpts{Ascending: !desc})
		case sql.MethodLimit:
			n := call.Int()
			limit = &n
		case sql.MethodOffset:
			n := call.Int()
			offset = &n
		default:
			return fmt.Errorf("%w: postgrest cannot apply %q", apperrors.ErrUnsupportedOperation, call.Method)
		}
	}

	if len(filters.and) > 0 {
		fb.And(strings.Join(filters.and, ","), "")
	}

	switch {
	case offset != nil && limit != nil:
		fb.Range(*offset, *offset+*limit-1, "")
	case limit != nil:
		fb.Limit(*limit, "")
	case offset != nil:
		// postgrest-go only sets an offset as part of a range.
		fb.Range(*offset, math.MaxInt32, "")
	}
	return nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case time.Time:
		return val.Format(time.RFC3339)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// quoteListItem double-quotes values that contain PostgREST list delimiters.
func quoteListItem(s string) string {
	if strings.ContainsAny(s, `,()"`) {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return s
}

// buildURL constructs a URL by parsing the base and joining path segments.
func buildURL(baseURL string, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)
	return u.String(), nil
}
