// Package dynamodb provides a document client backed by Amazon DynamoDB.
// Each logical table maps to one DynamoDB table (optionally prefixed) keyed by
// a single string partition attribute.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	sdk "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/adapters/datasource"
	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/sql"
)

// DefaultKeyAttribute is the partition key used when none is configured.
const DefaultKeyAttribute = "id"

// API is the subset of the DynamoDB client used here. *dynamodb.Client
// satisfies it.
type API interface {
	Scan(ctx context.Context, params *sdk.ScanInput, optFns ...func(*sdk.Options)) (*sdk.ScanOutput, error)
	PutItem(ctx context.Context, params *sdk.PutItemInput, optFns ...func(*sdk.Options)) (*sdk.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *sdk.UpdateItemInput, optFns ...func(*sdk.Options)) (*sdk.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *sdk.DeleteItemInput, optFns ...func(*sdk.Options)) (*sdk.DeleteItemOutput, error)
	ListTables(ctx context.Context, params *sdk.ListTablesInput, optFns ...func(*sdk.Options)) (*sdk.ListTablesOutput, error)
}

// Config contains DynamoDB connection options.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // local DynamoDB or LocalStack
	TablePrefix     string
	KeyAttribute    string
}

// FromMap creates a Config from a generic config map.
func FromMap(m map[string]any) (*Config, error) {
	cfg := &Config{KeyAttribute: DefaultKeyAttribute}

	if region, ok := m["region"].(string); ok && region != "" {
		cfg.Region = region
	} else {
		return nil, fmt.Errorf("region is required")
	}
	if v, ok := m["access_key_id"].(string); ok {
		cfg.AccessKeyID = v
	}
	if v, ok := m["secret_access_key"].(string); ok {
		cfg.SecretAccessKey = v
	}
	if v, ok := m["endpoint"].(string); ok {
		cfg.Endpoint = v
	}
	if v, ok := m["table_prefix"].(string); ok {
		cfg.TablePrefix = v
	}
	if v, ok := m["key_attribute"].(string); ok && v != "" {
		cfg.KeyAttribute = v
	}
	return cfg, nil
}

// Client executes call chains with Scan, PutItem, UpdateItem and DeleteItem.
// Filtering is pushed into the scan's FilterExpression; ordering and paging
// are applied to the scanned result.
type Client struct {
	api    API
	cfg    Config
	logger *zap.Logger
}

var _ datasource.DocumentClient = (*Client)(nil)

// NewClient loads AWS configuration and creates a client. Static credentials
// are used when both keys are set; otherwise the default chain applies.
func NewClient(ctx context.Context, cfg *Config, logger *zap.Logger) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	api := sdk.NewFromConfig(awsCfg, func(o *sdk.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("DynamoDB client initialized",
		zap.String("region", cfg.Region),
		zap.String("table_prefix", cfg.TablePrefix))

	return NewClientWithAPI(api, cfg, logger), nil
}

// NewClientWithAPI wraps an existing DynamoDB API implementation.
func NewClientWithAPI(api API, cfg *Config, logger *zap.Logger) *Client {
	c := &Client{api: api, cfg: *cfg, logger: logger}
	if c.cfg.KeyAttribute == "" {
		c.cfg.KeyAttribute = DefaultKeyAttribute
	}
	return c
}

func (c *Client) tableName(table string) string {
	return c.cfg.TablePrefix + table
}

// Execute runs chain against the table named by chain.Table.
func (c *Client) Execute(ctx context.Context, chain *sql.Chain) ([]map[string]any, error) {
	if chain == nil || len(chain.Calls) == 0 {
		return nil, fmt.Errorf("%w: empty call chain", apperrors.ErrParse)
	}

	lead := chain.Calls[0]
	switch lead.Method {
	case sql.MethodSelect:
		return c.selectItems(ctx, chain, lead)
	case sql.MethodInsert:
		return c.putItem(ctx, chain.Table, lead.Payload())
	case sql.MethodUpdate:
		return c.updateItems(ctx, chain, lead.Payload())
	case sql.MethodDelete:
		return c.deleteItems(ctx, chain)
	default:
		return nil, fmt.Errorf("%w: chain starts with %q", apperrors.ErrUnsupportedOperation, lead.Method)
	}
}

func (c *Client) selectItems(ctx context.Context, chain *sql.Chain, lead sql.Call) ([]map[string]any, error) {
	projection := "*"
	if len(lead.Args) > 0 {
		projection, _ = lead.Args[0].(string)
	}
	if strings.Contains(projection, "(") {
		return nil, fmt.Errorf("%w: dynamodb cannot embed related tables", apperrors.ErrUnsupportedOperation)
	}

	items, err := c.scan(ctx, chain)
	if err != nil {
		return nil, err
	}

	if call, ok := chain.Find(sql.MethodOrder); ok {
		desc := false
		if len(call.Args) > 1 {
			desc, _ = call.Args[1].(bool)
		}
		sortItems(items, call.Field(), desc)
	}
	if call, ok := chain.Find(sql.MethodOffset); ok {
		if n := call.Int(); n < len(items) {
			items = items[n:]
		} else {
			items = items[:0]
		}
	}
	if call, ok := chain.Find(sql.MethodLimit); ok {
		if n := call.Int(); n < len(items) {
			items = items[:n]
		}
	}

	if projection != "*" && projection != "" {
		fields := strings.Split(projection, ",")
		for i, item := range items {
			projected := make(map[string]any, len(fields))
			for _, f := range fields {
				f = strings.TrimSpace(f)
				if v, ok := item[f]; ok {
					projected[f] = v
				}
			}
			items[i] = projected
		}
	}
	return items, nil
}

// scan reads every page matching the chain's filters.
func (c *Client) scan(ctx context.Context, chain *sql.Chain) ([]map[string]any, error) {
	filter, err := buildFilterExpression(chain.Filters())
	if err != nil {
		return nil, err
	}

	input := &sdk.ScanInput{TableName: aws.String(c.tableName(chain.Table))}
	if filter.expression != "" {
		input.FilterExpression = aws.String(filter.expression)
		input.ExpressionAttributeNames = filter.names
		input.ExpressionAttributeValues = filter.values
	}

	items := make([]map[string]any, 0)
	for {
		out, err := c.api.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		var page []map[string]any
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal items: %w", err)
		}
		items = append(items, page...)

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	c.logger.Debug("scan complete",
		zap.String("table", *input.TableName),
		zap.Int("items", len(items)))
	return items, nil
}

func (c *Client) putItem(ctx context.Context, table string, payload map[string]any) ([]map[string]any, error) {
	item := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		item[k] = v
	}
	if _, ok := item[c.cfg.KeyAttribute]; !ok {
		item[c.cfg.KeyAttribute] = uuid.NewString()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal item: %v", apperrors.ErrInvalidOperand, err)
	}

	_, err = c.api.PutItem(ctx, &sdk.PutItemInput{
		TableName:                aws.String(c.tableName(table)),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]string{"#k": c.cfg.KeyAttribute},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return nil, fmt.Errorf("item with %s %v already exists: %w", c.cfg.KeyAttribute, item[c.cfg.KeyAttribute], apperrors.ErrConflict)
		}
		return nil, fmt.Errorf("PutItem failed: %w", err)
	}
	return []map[string]any{item}, nil
}

// updateItems applies payload to every item matching the chain's filters.
func (c *Client) updateItems(ctx context.Context, chain *sql.Chain, payload map[string]any) ([]map[string]any, error) {
	if _, ok := payload[c.cfg.KeyAttribute]; ok {
		return nil, fmt.Errorf("%w: cannot update key attribute %q", apperrors.ErrUnsupportedOperation, c.cfg.KeyAttribute)
	}

	updateExpr, names, values, err := buildUpdateExpression(payload)
	if err != nil {
		return nil, err
	}
	names["#k"] = c.cfg.KeyAttribute

	matched, err := c.scan(ctx, chain)
	if err != nil {
		return nil, err
	}

	updated := make([]map[string]any, 0, len(matched))
	for _, item := range matched {
		key, err := c.keyOf(item)
		if err != nil {
			return nil, err
		}
		out, err := c.api.UpdateItem(ctx, &sdk.UpdateItemInput{
			TableName:                 aws.String(c.tableName(chain.Table)),
			Key:                       key,
			UpdateExpression:          aws.String(updateExpr),
			ConditionExpression:       aws.String("attribute_exists(#k)"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ReturnValues:              types.ReturnValueAllNew,
		})
		if err != nil {
			var cfe *types.ConditionalCheckFailedException
			if errors.As(err, &cfe) {
				// Deleted between scan and update.
				continue
			}
			return nil, fmt.Errorf("UpdateItem failed: %w", err)
		}
		var row map[string]any
		if err := attributevalue.UnmarshalMap(out.Attributes, &row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item: %w", err)
		}
		updated = append(updated, row)
	}
	return updated, nil
}

func (c *Client) deleteItems(ctx context.Context, chain *sql.Chain) ([]map[string]any, error) {
	matched, err := c.scan(ctx, chain)
	if err != nil {
		return nil, err
	}

	deleted := make([]map[string]any, 0, len(matched))
	for _, item := range matched {
		key, err := c.keyOf(item)
		if err != nil {
			return nil, err
		}
		if _, err := c.api.DeleteItem(ctx, &sdk.DeleteItemInput{
			TableName: aws.String(c.tableName(chain.Table)),
			Key:       key,
		}); err != nil {
			return nil, fmt.Errorf("failed to delete item in DynamoDB: %w", err)
		}
		deleted = append(deleted, item)
	}
	return deleted, nil
}

func (c *Client) keyOf(item map[string]any) (map[string]types.AttributeValue, error) {
	v, ok := item[c.cfg.KeyAttribute]
	if !ok {
		return nil, fmt.Errorf("item has no %q key attribute", c.cfg.KeyAttribute)
	}
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	return map[string]types.AttributeValue{c.cfg.KeyAttribute: av}, nil
}

// Ping lists at most one table to confirm credentials and endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.ListTables(ctx, &sdk.ListTablesInput{Limit: aws.Int32(1)})
	return err
}

func (c *Client) Close() error { return nil }

type filterExpression struct {
	expression string
	names      map[string]string
	values     map[string]types.AttributeValue
}

// buildFilterExpression renders filter calls as a DynamoDB condition using
// #nN placeholders for names and :vN for values.
func buildFilterExpression(filters []sql.Call) (filterExpression, error) {
	fe := filterExpression{
		names:  make(map[string]string),
		values: make(map[string]types.AttributeValue),
	}
	clauses := make([]string, 0, len(filters))

	for i, call := range filters {
		name := fmt.Sprintf("#n%d", i)
		value := fmt.Sprintf(":v%d", i)
		fe.names[name] = call.Field()

		var clause string
		switch call.Method {
		case sql.MethodEQ, sql.MethodNEQ, sql.MethodGTE, sql.MethodLTE:
			av, err := marshalOperand(call)
			if err != nil {
				return fe, err
			}
			fe.values[value] = av
			clause = fmt.Sprintf("%s %s %s", name, comparator(call.Method), value)
		case sql.MethodLike:
			s, ok := call.Value().(string)
			if !ok {
				return fe, fmt.Errorf("%w: like on %q needs a string", apperrors.ErrInvalidOperand, call.Field())
			}
			needle := strings.TrimSuffix(strings.TrimPrefix(s, "%"), "%")
			if strings.ContainsAny(needle, "%_") {
				return fe, fmt.Errorf("%w: dynamodb supports substring matches only", apperrors.ErrUnsupportedOperation)
			}
			fe.values[value] = &types.AttributeValueMemberS{Value: needle}
			clause = fmt.Sprintf("contains(%s, %s)", name, value)
		case sql.MethodILike:
			return fe, fmt.Errorf("%w: dynamodb has no case-insensitive match", apperrors.ErrUnsupportedOperation)
		case sql.MethodIn:
			items, ok := call.Value().([]any)
			if !ok || len(items) == 0 {
				return fe, fmt.Errorf("%w: in filter on %q needs a non-empty list", apperrors.ErrInvalidOperand, call.Field())
			}
			placeholders := make([]string, len(items))
			for j, item := range items {
				av, err := attributevalue.Marshal(item)
				if err != nil {
					return fe, fmt.Errorf("%w: %v", apperrors.ErrInvalidOperand, err)
				}
				ph := fmt.Sprintf("%s_%d", value, j)
				fe.values[ph] = av
				placeholders[j] = ph
			}
			clause = fmt.Sprintf("%s IN (%s)", name, strings.Join(placeholders, ", "))
		case sql.MethodIs:
			fe.values[value] = &types.AttributeValueMemberS{Value: "NULL"}
			clause = fmt.Sprintf("(attribute_not_exists(%s) OR attribute_type(%s, %s))", name, name, value)
		default:
			return fe, fmt.Errorf("%w: dynamodb cannot apply %q", apperrors.ErrUnsupportedOperation, call.Method)
		}
		clauses = append(clauses, clause)
	}

	fe.expression = strings.Join(clauses, " AND ")
	return fe, nil
}

func marshalOperand(call sql.Call) (types.AttributeValue, error) {
	av, err := attributevalue.Marshal(call.Value())
	if err != nil {
		return nil, fmt.Errorf("%w: %s on %q: %v", apperrors.ErrInvalidOperand, call.Method, call.Field(), err)
	}
	return av, nil
}

func comparator(method string) string {
	switch method {
	case sql.MethodNEQ:
		return "<>"
	case sql.MethodGTE:
		return ">="
	case sql.MethodLTE:
		return "<="
	default:
		return "="
	}
}

// buildUpdateExpression transforms a map of field->value into a SET
// expression with sorted, deterministic placeholders.
func buildUpdateExpression(updates map[string]any) (string, map[string]string, map[string]types.AttributeValue, error) {
	if len(updates) == 0 {
		return "", nil, nil, fmt.Errorf("%w: no updates provided", apperrors.ErrParse)
	}

	fields := make([]string, 0, len(updates))
	for f := range updates {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	setClauses := make([]string, 0, len(fields))
	names := make(map[string]string, len(fields))
	values := make(map[string]types.AttributeValue, len(fields))
	for i, field := range fields {
		name := fmt.Sprintf("#f%d", i)
		value := fmt.Sprintf(":u%d", i)
		av, err := attributevalue.Marshal(updates[field])
		if err != nil {
			return "", nil, nil, fmt.Errorf("%w: field %q: %v", apperrors.ErrInvalidOperand, field, err)
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", name, value))
		names[name] = field
		values[value] = av
	}
	return "SET " + strings.Join(setClauses, ", "), names, values, nil
}

// sortItems orders items on field. Missing values sort last in either direction.
func sortItems(items []map[string]any, field string, desc bool) {
	sort.SliceStable(items, func(i, j int) bool {
		a, aok := items[i][field]
		b, bok := items[j][field]
		switch {
		case !aok || a == nil:
			return false
		case !bok || b == nil:
			return true
		}
		if desc {
			return less(b, a)
		}
		return less(a, b)
	})
}

func less(a, b any) bool {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return !av && bv
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}
