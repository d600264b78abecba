package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/adapters/datasource"
	_ "github.com/feemaster/feemaster-engine/pkg/adapters/datasource/dynamodb"
	_ "github.com/feemaster/feemaster-engine/pkg/adapters/datasource/memory"
	"github.com/feemaster/feemaster-engine/pkg/adapters/datasource/postgres"
	_ "github.com/feemaster/feemaster-engine/pkg/adapters/datasource/postgrest"
	"github.com/feemaster/feemaster-engine/pkg/config"
	"github.com/feemaster/feemaster-engine/pkg/database"
	"github.com/feemaster/feemaster-engine/pkg/handlers"
	"github.com/feemaster/feemaster-engine/pkg/logging"
	"github.com/feemaster/feemaster-engine/pkg/middleware"
	"github.com/feemaster/feemaster-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server exited", zap.String("error", logging.SanitizeError(err)))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Env),
		zap.Bool("database", cfg.Database.Enabled()),
		zap.String("document_backend", cfg.Document.Backend),
		zap.Int("pool_max_size", cfg.Pool.MaxSize))

	var dispatcherCfg services.DispatcherConfig

	// Relational store. A pool that cannot open at startup is dropped so the
	// document store, when configured, serves alone.
	var pool *datasource.ConnectionPool
	if cfg.Database.Enabled() {
		p, err := openPool(ctx, cfg, logger)
		switch {
		case err == nil:
			pool = p
			defer func() { _ = pool.Close() }()
			dispatcherCfg.Relational = postgres.NewBackend(pool, logger)
		case cfg.Document.Backend != "":
			logger.Warn("Relational store unavailable, continuing with document store",
				zap.String("error", logging.SanitizeError(err)))
		default:
			return err
		}
	}

	if cfg.Document.Backend != "" {
		factory := datasource.NewDocumentBackendFactory(logger)
		doc, err := factory.NewDocumentBackend(ctx, cfg.Document.Backend, cfg.Document.ClientConfig())
		if err != nil {
			return fmt.Errorf("failed to create document backend: %w", err)
		}
		defer func() { _ = doc.Close() }()
		dispatcherCfg.Document = doc
	}

	dispatcher := services.NewQueryDispatcher(dispatcherCfg, logger)

	// A nil *ConnectionPool must not reach the interface parameter.
	var poolStats services.PoolStatsProvider
	var healthPool handlers.PoolStatsReporter
	if pool != nil {
		poolStats = pool
		healthPool = pool
	}
	queries := services.NewQueryService(dispatcher, cfg.Instrumentation, poolStats, logger)

	views, err := buildViews(ctx, cfg, queries, dispatcherCfg.Relational != nil, logger)
	if err != nil {
		return err
	}

	scheduler, err := services.NewViewScheduler(views, cfg.Views.RefreshSchedule, logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		scheduler.Stop(stopCtx)
	}()

	dashboard := services.NewDashboardService(queries, views, cfg.School, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, healthPool, dispatcher, logger).RegisterRoutes(mux)
	handlers.NewObservabilityHandler(queries, views, logger).RegisterRoutes(mux)
	handlers.NewDashboardHandler(dashboard, logger).RegisterRoutes(mux)

	httpLogger := logger.Named("http")
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(httpLogger)(middleware.Recoverer(httpLogger)(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		}
	}()

	logger.Info("Starting feemaster-engine",
		zap.String("addr", srv.Addr),
		zap.String("active_backend", dispatcher.ActiveBackend()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func openPool(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*datasource.ConnectionPool, error) {
	connStr := cfg.Database.URL
	if connStr == "" {
		connStr = postgres.FromDatabaseConfig(cfg.Database).ConnectionString()
	}

	if cfg.Database.RunMigrations {
		if err := database.Migrate(connStr, cfg.Database.MigrationsPath, logger); err != nil {
			return nil, err
		}
	}

	dial, err := datasource.NewPostgresDialer(connStr, cfg.Database.StatementTimeout, logger)
	if err != nil {
		return nil, err
	}

	pool := datasource.NewConnectionPool(datasource.PoolConfig{
		MinSize:         cfg.Pool.MinSize,
		MaxSize:         cfg.Pool.MaxSize,
		MaxIdleLifetime: cfg.Pool.MaxIdleLifetime,
		AcquireTimeout:  cfg.Pool.AcquireTimeout,
	}, dial, logger)

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pool.Open(openCtx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to open connection pool: %w", err)
	}
	return pool, nil
}

func buildViews(ctx context.Context, cfg *config.Config, executor services.QueryExecutor, relational bool, logger *zap.Logger) (*services.ViewManager, error) {
	views := services.NewViewManager(executor, logger)

	defs := services.BuiltinViews()
	if cfg.Views.DefinitionsPath != "" {
		extra, err := services.LoadViewDefinitions(cfg.Views.DefinitionsPath)
		if err != nil {
			return nil, err
		}
		defs = append(defs, extra...)
	}
	for _, def := range defs {
		if err := views.Register(def); err != nil {
			return nil, fmt.Errorf("view %s: %w", def.Name, err)
		}
	}

	if cfg.Views.EnsureOnStartup && relational {
		if err := views.EnsureAll(ctx); err != nil {
			logger.Warn("Some derived views could not be created", zap.Error(err))
		}
	}
	return views, nil
}
