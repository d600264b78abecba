package datasource

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/logging"
	"github.com/feemaster/feemaster-engine/pkg/retry"
)

// NewPostgresDialer returns a Dialer that opens pgx connections to connString.
// A positive statementTimeout is applied server side to every connection.
// Transient connect failures are retried with backoff; authentication and
// configuration errors fail immediately.
func NewPostgresDialer(connString string, statementTimeout time.Duration, logger *zap.Logger) (Dialer, error) {
	connConfig, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %s", logging.SanitizeError(err))
	}
	if statementTimeout > 0 {
		connConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(statementTimeout.Milliseconds(), 10)
	}
	if connConfig.RuntimeParams["application_name"] == "" {
		connConfig.RuntimeParams["application_name"] = "feemaster-engine"
	}

	return func(ctx context.Context) (Conn, error) {
		var conn *pgx.Conn
		err := retry.DoIfRetryable(ctx, retry.DefaultConfig(), func() error {
			c, err := pgx.ConnectConfig(ctx, connConfig.Copy())
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			logger.Error("failed to open postgres connection",
				zap.String("host", connConfig.Host),
				zap.String("database", connConfig.Database),
				zap.String("error", logging.SanitizeError(err)),
			)
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		logger.Debug("opened postgres connection",
			zap.String("host", connConfig.Host),
			zap.String("database", connConfig.Database),
		)
		return conn, nil
	}, nil
}
