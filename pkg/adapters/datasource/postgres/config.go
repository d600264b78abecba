package postgres

import (
	"fmt"
	"net/url"

	"github.com/feemaster/feemaster-engine/pkg/config"
)

// Config contains PostgreSQL connection options.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"
}

// DefaultPort returns the default PostgreSQL port.
func DefaultPort() int {
	return 5432
}

// DefaultSSLMode returns the default SSL mode.
func DefaultSSLMode() string {
	return "require"
}

// FromDatabaseConfig converts the application database settings.
func FromDatabaseConfig(db config.DatabaseConfig) *Config {
	cfg := &Config{
		Host:     db.Host,
		Port:     db.Port,
		User:     db.User,
		Password: db.Password,
		Database: db.Database,
		SSLMode:  db.SSLMode,
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort()
	}
	return cfg
}

// ConnectionString builds a PostgreSQL URL with proper escaping.
// User-provided fields are URL-escaped so passwords containing @, /, # or ?
// survive URL parsing. Inside Docker, localhost resolves to host.docker.internal.
func (c *Config) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = DefaultSSLMode()
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort()
	}

	host := config.ResolveHostForDocker(c.Host)

	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		host,
		port,
		url.QueryEscape(c.Database),
		sslMode,
	)
}
