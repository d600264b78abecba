package postgrest

import (
	"context"

	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.DocumentClientRegistration{
		Info: datasource.DocumentClientInfo{
			Type:         "postgrest",
			DisplayName:  "Supabase PostgREST",
			Description:  "Managed Postgres exposed through the PostgREST HTTP API",
			Capabilities: datasource.Capabilities{Relations: true},
		},
		Factory: func(ctx context.Context, config map[string]any, logger *zap.Logger) (datasource.DocumentClient, error) {
			cfg, err := FromMap(config)
			if err != nil {
				return nil, err
			}
			return NewClient(cfg, logger)
		},
	})
}
