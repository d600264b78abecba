package datasource

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/apperrors"
)

// DocumentBackendFactory builds document backends from the registry.
type DocumentBackendFactory interface {
	// NewDocumentBackend creates and wraps a client of the given type.
	NewDocumentBackend(ctx context.Context, clientType string, config map[string]any) (*DocumentBackend, error)

	// ListTypes returns info for all registered client types.
	ListTypes() []DocumentClientInfo
}

type registryFactory struct {
	logger *zap.Logger
}

// NewDocumentBackendFactory returns a factory that uses the global registry.
func NewDocumentBackendFactory(logger *zap.Logger) DocumentBackendFactory {
	return &registryFactory{logger: logger}
}

func (f *registryFactory) NewDocumentBackend(ctx context.Context, clientType string, config map[string]any) (*DocumentBackend, error) {
	reg, ok := GetRegistration(clientType)
	if !ok {
		return nil, fmt.Errorf("%w: document client type %q is not compiled in", apperrors.ErrUnsupportedOperation, clientType)
	}
	client, err := reg.Factory(ctx, config, f.logger.Named(clientType))
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", clientType, err)
	}
	return NewDocumentBackend(clientType, client, reg.Info.Capabilities, f.logger), nil
}

func (f *registryFactory) ListTypes() []DocumentClientInfo {
	return RegisteredClients()
}
