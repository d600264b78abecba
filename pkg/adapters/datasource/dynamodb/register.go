package dynamodb

import (
	"context"

	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.DocumentClientRegistration{
		Info: datasource.DocumentClientInfo{
			Type:        "dynamodb",
			DisplayName: "Amazon DynamoDB",
			Description: "One DynamoDB table per logical table, keyed by a string partition attribute",
		},
		Factory: func(ctx context.Context, config map[string]any, logger *zap.Logger) (datasource.DocumentClient, error) {
			cfg, err := FromMap(config)
			if err != nil {
				return nil, err
			}
			return NewClient(ctx, cfg, logger)
		},
	})
}
