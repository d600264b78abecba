package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// ConfigFile is the optional YAML file read by Load.
const ConfigFile = "config.yaml"

// Config holds all configuration for feemaster-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:""`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Relational store (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Connection pool sizing for the relational store
	Pool PoolConfig `yaml:"pool"`

	// Managed document store, used when the relational store is absent or not ready
	Document DocumentConfig `yaml:"document"`

	Instrumentation InstrumentationConfig `yaml:"instrumentation"`

	Views ViewsConfig `yaml:"views"`

	// School defaults returned when no school_settings row exists
	School SchoolConfig `yaml:"school"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	URL              string        `yaml:"-" env:"DATABASE_URL"` // Secret - may embed a password
	Host             string        `yaml:"host" env:"PGHOST" env-default:""`
	Port             int           `yaml:"port" env:"PGPORT" env-default:"5432"`
	User             string        `yaml:"user" env:"PGUSER" env-default:"feemaster"`
	Password         string        `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database         string        `yaml:"database" env:"PGDATABASE" env-default:"feemaster"`
	SSLMode          string        `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	StatementTimeout time.Duration `yaml:"statement_timeout" env:"DB_STATEMENT_TIMEOUT" env-default:"30s"`
	RunMigrations    bool          `yaml:"run_migrations" env:"DB_RUN_MIGRATIONS" env-default:"false"`
	MigrationsPath   string        `yaml:"migrations_path" env:"DB_MIGRATIONS_PATH" env-default:"migrations"`
}

// Enabled reports whether a relational store is configured.
func (c *DatabaseConfig) Enabled() bool {
	return c.URL != "" || c.Host != ""
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MinSize         int           `yaml:"min_size" env:"DB_POOL_MIN_SIZE" env-default:"1"`
	MaxSize         int           `yaml:"max_size" env:"DB_POOL_MAX_SIZE" env-default:"10"`
	MaxIdleLifetime time.Duration `yaml:"max_idle_lifetime" env:"DB_POOL_MAX_IDLE_LIFETIME" env-default:"5m"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout" env:"DB_POOL_ACQUIRE_TIMEOUT" env-default:"5s"`
}

// DocumentConfig selects and configures the document client.
type DocumentConfig struct {
	// Backend is one of "postgrest", "dynamodb", "memory" or empty for none.
	Backend string `yaml:"backend" env:"DOCUMENT_BACKEND" env-default:""`

	SupabaseURL        string `yaml:"supabase_url" env:"SUPABASE_URL" env-default:""`
	SupabaseServiceKey string `yaml:"-" env:"SUPABASE_SERVICE_KEY"` // Secret - not in YAML

	AWSRegion          string `yaml:"aws_region" env:"AWS_REGION" env-default:""`
	AWSAccessKeyID     string `yaml:"-" env:"AWS_ACCESS_KEY_ID"`     // Secret - not in YAML
	AWSSecretAccessKey string `yaml:"-" env:"AWS_SECRET_ACCESS_KEY"` // Secret - not in YAML
	DynamoDBEndpoint   string `yaml:"dynamodb_endpoint" env:"DYNAMODB_ENDPOINT" env-default:""`
	DynamoDBPrefix     string `yaml:"dynamodb_table_prefix" env:"DYNAMODB_TABLE_PREFIX" env-default:""`
	DynamoDBKey        string `yaml:"dynamodb_key_attribute" env:"DYNAMODB_KEY_ATTRIBUTE" env-default:"id"`

	MemorySeedPath string `yaml:"memory_seed_path" env:"MEMORY_SEED_PATH" env-default:""`
}

// ClientConfig returns the settings map handed to the registered client
// factory for the selected backend.
func (c *DocumentConfig) ClientConfig() map[string]any {
	switch c.Backend {
	case "postgrest":
		return map[string]any{
			"url":         c.SupabaseURL,
			"service_key": c.SupabaseServiceKey,
		}
	case "dynamodb":
		return map[string]any{
			"region":            c.AWSRegion,
			"access_key_id":     c.AWSAccessKeyID,
			"secret_access_key": c.AWSSecretAccessKey,
			"endpoint":          c.DynamoDBEndpoint,
			"table_prefix":      c.DynamoDBPrefix,
			"key_attribute":     c.DynamoDBKey,
		}
	case "memory":
		return map[string]any{"seed_path": c.MemorySeedPath}
	default:
		return map[string]any{}
	}
}

// InstrumentationConfig holds query telemetry settings.
type InstrumentationConfig struct {
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" env:"SLOW_QUERY_THRESHOLD" env-default:"1s"`
	QueryLogCapacity   int           `yaml:"query_log_capacity" env:"QUERY_LOG_CAPACITY" env-default:"1000"`
	MetricsNamespace   string        `yaml:"metrics_namespace" env:"METRICS_NAMESPACE" env-default:"feemaster"`
}

// ViewsConfig holds derived view settings.
type ViewsConfig struct {
	RefreshSchedule string `yaml:"refresh_schedule" env:"VIEWS_REFRESH_SCHEDULE" env-default:"@every 15m"`
	DefinitionsPath string `yaml:"definitions_path" env:"VIEWS_DEFINITIONS_PATH" env-default:""`
	EnsureOnStartup bool   `yaml:"ensure_on_startup" env:"VIEWS_ENSURE_ON_STARTUP" env-default:"true"`
}

// SchoolConfig holds the fallback school settings.
type SchoolConfig struct {
	Name     string `yaml:"name" env:"SCHOOL_NAME" env-default:"FeeMaster School"`
	Email    string `yaml:"email" env:"SCHOOL_EMAIL" env-default:""`
	Phone    string `yaml:"phone" env:"SCHOOL_PHONE" env-default:""`
	Address  string `yaml:"address" env:"SCHOOL_ADDRESS" env-default:""`
	Currency string `yaml:"currency" env:"SCHOOL_CURRENCY" env-default:"ZMW"`
	Timezone string `yaml:"timezone" env:"SCHOOL_TIMEZONE" env-default:"Africa/Lusaka"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// A .env file in the working directory is loaded first when present; variables
// already set in the process environment win over it.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(ConfigFile); err == nil {
		if err := cleanenv.ReadConfig(ConfigFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", ConfigFile, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validate checks cross-field constraints that tags cannot express.
func (c *Config) validate() error {
	if c.Pool.MaxSize < 1 {
		return fmt.Errorf("pool max_size must be at least 1, got %d", c.Pool.MaxSize)
	}
	if c.Pool.MinSize < 0 || c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("pool min_size must be between 0 and max_size (%d), got %d", c.Pool.MaxSize, c.Pool.MinSize)
	}
	if c.Instrumentation.QueryLogCapacity < 1 {
		return fmt.Errorf("query_log_capacity must be positive, got %d", c.Instrumentation.QueryLogCapacity)
	}

	switch c.Document.Backend {
	case "", "memory":
	case "postgrest":
		if c.Document.SupabaseURL == "" {
			return fmt.Errorf("SUPABASE_URL is required for the postgrest document backend")
		}
	case "dynamodb":
		if c.Document.AWSRegion == "" {
			return fmt.Errorf("AWS_REGION is required for the dynamodb document backend")
		}
	default:
		return fmt.Errorf("unknown document backend %q", c.Document.Backend)
	}

	if !c.Database.Enabled() && c.Document.Backend == "" {
		return fmt.Errorf("no storage configured: set DATABASE_URL/PGHOST or DOCUMENT_BACKEND")
	}
	return nil
}
