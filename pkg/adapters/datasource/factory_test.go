package datasource

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
	"github.com/feemaster/feemaster-engine/pkg/models"
	"github.com/feemaster/feemaster-engine/pkg/sql"
)

// stubClient returns canned rows and records the last chain it saw.
type stubClient struct {
	rows   []map[string]any
	err    error
	last   *sql.Chain
	closed bool
}

func (c *stubClient) Execute(ctx context.Context, chain *sql.Chain) ([]map[string]any, error) {
	c.last = chain
	return c.rows, c.err
}

func (c *stubClient) Ping(ctx context.Context) error { return c.err }

func (c *stubClient) Close() error {
	c.closed = true
	return nil
}

func registerStub(t *testing.T, clientType string, client *stubClient, factoryErr error) {
	t.Helper()
	Register(DocumentClientRegistration{
		Info: DocumentClientInfo{
			Type:         clientType,
			DisplayName:  "Stub",
			Capabilities: Capabilities{Relations: true, RawStatements: true},
		},
		Factory: func(ctx context.Context, config map[string]any, logger *zap.Logger) (DocumentClient, error) {
			if factoryErr != nil {
				return nil, factoryErr
			}
			return client, nil
		},
	})
}

func documentStatement(t *testing.T, req *models.QueryRequest) *sql.Statement {
	t.Helper()
	stmt, err := sql.Build(req, sql.DialectDocument)
	require.NoError(t, err)
	return stmt
}

func TestDocumentBackendFactory_NewDocumentBackend(t *testing.T) {
	client := &stubClient{}
	registerStub(t, "stub-factory", client, nil)

	factory := NewDocumentBackendFactory(zaptest.NewLogger(t))
	backend, err := factory.NewDocumentBackend(context.Background(), "stub-factory", nil)
	require.NoError(t, err)

	assert.Equal(t, "stub-factory", backend.Name())
	assert.Equal(t, sql.DialectDocument, backend.Dialect())
	assert.True(t, backend.Ready())
	assert.True(t, backend.Capabilities().Relations)
	assert.False(t, backend.Capabilities().RawStatements, "document backends never serve raw SQL")
	assert.Same(t, client, backend.Client())

	var found bool
	for _, info := range factory.ListTypes() {
		if info.Type == "stub-factory" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDocumentBackendFactory_Errors(t *testing.T) {
	factory := NewDocumentBackendFactory(zaptest.NewLogger(t))

	_, err := factory.NewDocumentBackend(context.Background(), "not-compiled-in", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedOperation)

	boom := errors.New("missing api key")
	registerStub(t, "stub-broken", nil, boom)
	_, err = factory.NewDocumentBackend(context.Background(), "stub-broken", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "stub-broken")
}

func TestRegisteredClients_SortedByType(t *testing.T) {
	registerStub(t, "stub-zz", &stubClient{}, nil)
	registerStub(t, "stub-aa", &stubClient{}, nil)

	clients := RegisteredClients()
	for i := 1; i < len(clients); i++ {
		assert.LessOrEqual(t, clients[i-1].Type, clients[i].Type)
	}
	assert.True(t, IsRegistered("stub-aa"))
	assert.False(t, IsRegistered("stub-missing"))
}

func TestDocumentBackend_Run(t *testing.T) {
	client := &stubClient{rows: []map[string]any{
		{"id": "s1", "grade": "8"},
		{"id": "s2", "first_name": "Chanda"},
	}}
	backend := NewDocumentBackend("stub", client, Capabilities{}, zaptest.NewLogger(t))

	rs, err := backend.Run(context.Background(), documentStatement(t, &models.QueryRequest{
		Table:     "students",
		Operation: models.OperationSelect,
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"first_name", "grade", "id"}, rs.Columns)
	assert.Len(t, rs.Rows, 2)
	assert.Zero(t, rs.RowsAffected)
	require.NotNil(t, client.last)
	assert.Equal(t, "students", client.last.Table)

	client.rows = []map[string]any{{"id": "s3"}}
	rs, err = backend.Run(context.Background(), documentStatement(t, &models.QueryRequest{
		Table:     "students",
		Operation: models.OperationInsert,
		Payload:   map[string]any{"id": "s3"},
	}))
	require.NoError(t, err)
	assert.EqualValues(t, 1, rs.RowsAffected)
}

func TestDocumentBackend_RunErrors(t *testing.T) {
	client := &stubClient{}
	backend := NewDocumentBackend("stub", client, Capabilities{}, zaptest.NewLogger(t))

	_, err := backend.Run(context.Background(), &sql.Statement{Dialect: sql.DialectRelational, SQL: "SELECT 1"})
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedOperation)

	client.err = errors.New("connection reset")
	_, err = backend.Run(context.Background(), documentStatement(t, &models.QueryRequest{
		Table:     "payments",
		Operation: models.OperationSelect,
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBackend)
	assert.Equal(t, apperrors.KindBackend, apperrors.Classify(err))
}

func TestDocumentBackend_ReadinessAndClose(t *testing.T) {
	client := &stubClient{}
	backend := NewDocumentBackend("stub", client, Capabilities{}, zaptest.NewLogger(t))
	require.True(t, backend.Ready())

	backend.SetReady(false)
	assert.False(t, backend.Ready())
	backend.SetReady(true)
	assert.True(t, backend.Ready())

	require.NoError(t, backend.Close())
	assert.False(t, backend.Ready())
	assert.True(t, client.closed)

	empty := NewDocumentBackend("empty", nil, Capabilities{}, zaptest.NewLogger(t))
	assert.False(t, empty.Ready())
	empty.SetReady(true)
	assert.False(t, empty.Ready())
	assert.NoError(t, empty.Close())
}
