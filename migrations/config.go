package main

import (
	"fmt"
	"strings"

	"github.com/incidentd-io/incidentd/internal/config"
)

// defaultMigrationTable matches the golang-migrate default so existing
// deployments keep their history.
const defaultMigrationTable = "schema_migrations"

// Config holds migration tool configuration loaded from ENV.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the table golang-migrate uses to track applied
	// versions.
	MigrationTable string
}

// LoadConfig loads migration configuration from environment variables.
// DATABASE_URL is required; there is no sane default for it.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", defaultMigrationTable),
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL cannot be empty")
	}

	return cfg, nil
}

// String returns a representation safe for logging: the database password,
// if any, is masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskPassword(c.DatabaseURL), c.MigrationTable)
}

// maskPassword replaces the password portion of a connection URL with "***".
// URLs without userinfo pass through unchanged.
func maskPassword(url string) string {
	schemeEnd := strings.Index(url, "://")
	if schemeEnd == -1 {
		return url
	}

	authority := url[schemeEnd+3:]
	if end := strings.IndexAny(authority, "/?#"); end != -1 {
		authority = authority[:end]
	}

	// Last @ separates userinfo from host, in case the password contains @
	at := strings.LastIndex(authority, "@")
	if at == -1 {
		return url
	}

	userInfo := authority[:at]

	colon := strings.Index(userInfo, ":")
	if colon == -1 || colon == len(userInfo)-1 {
		return url
	}

	prefixLen := schemeEnd + 3 + colon

	return url[:prefixLen] + ":***" + url[schemeEnd+3+at:]
}
