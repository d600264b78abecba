package memory

import (
	"context"

	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.DocumentClientRegistration{
		Info: datasource.DocumentClientInfo{
			Type:        "memory",
			DisplayName: "In-memory store",
			Description: "Process-local tables for development and tests, optionally seeded from YAML",
		},
		Factory: func(ctx context.Context, config map[string]any, logger *zap.Logger) (datasource.DocumentClient, error) {
			var seed map[string][]map[string]any
			if path, ok := config["seed_path"].(string); ok && path != "" {
				var err error
				if seed, err = LoadSeed(path); err != nil {
					return nil, err
				}
			}
			return NewClient(seed, logger), nil
		},
	})
}
