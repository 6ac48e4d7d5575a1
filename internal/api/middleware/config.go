// Package middleware provides HTTP middleware components for the incidentd API.
package middleware

import (
	"time"

	"github.com/incidentd-io/incidentd/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for three tiers:
//   - Global: Applied to all requests
//   - Per-source: Applied to webhook deliveries, keyed by source kind
//   - Query: Applied to read endpoints (incident list, summary)
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	// Rate limits (requests per second)
	GlobalRPS int // Default: 100
	SourceRPS int // Default: 50
	QueryRPS  int // Default: 25

	// Optional burst capacity overrides (0 = compute automatically as 2 × rate)
	GlobalBurst int
	SourceBurst int
	QueryBurst  int

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxSources      int           // Default: 100
}

// LoadConfig loads middleware config from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("INCIDENTD_GLOBAL_RPS", defaultGlobalRPS),
		SourceRPS: config.GetEnvInt("INCIDENTD_SOURCE_RPS", defaultSourceRPS),
		QueryRPS:  config.GetEnvInt("INCIDENTD_QUERY_RPS", defaultQueryRPS),

		GlobalBurst: config.GetEnvInt("INCIDENTD_GLOBAL_BURST", 0),
		SourceBurst: config.GetEnvInt("INCIDENTD_SOURCE_BURST", 0),
		QueryBurst:  config.GetEnvInt("INCIDENTD_QUERY_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"INCIDENTD_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("INCIDENTD_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxSources:  config.GetEnvInt("INCIDENTD_RATE_LIMIT_MAX_SOURCES", maxSources),
	}
}
