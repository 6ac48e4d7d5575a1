// Package rca provides the client for the external root-cause analysis
// collaborator. The analysis endpoint is a black box: text in, structured
// result out, with a bounded timeout. Analysis failure never blocks ticket
// creation; a degraded placeholder result is returned instead.
package rca

import (
	"fmt"
	"time"

	"github.com/incidentd-io/incidentd/internal/config"
)

// Config holds RCA client configuration loaded from ENV.
type Config struct {
	// Endpoint is the analysis collaborator URL. Empty disables analysis:
	// every incident gets the degraded placeholder result.
	Endpoint string

	// APIKey authenticates against the analysis endpoint. Sent as a bearer
	// token when non-empty.
	APIKey string

	// Timeout bounds the analysis call so the webhook caller is not left
	// waiting indefinitely.
	Timeout time.Duration
}

// defaultTimeout keeps the enrichment call within webhook-friendly bounds.
const defaultTimeout = 8 * time.Second

// LoadConfig loads RCA client configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Endpoint: config.GetEnvStr("INCIDENTD_RCA_ENDPOINT", ""),
		APIKey:   config.GetEnvStr("INCIDENTD_RCA_API_KEY", ""),
		Timeout:  config.GetEnvDuration("INCIDENTD_RCA_TIMEOUT", defaultTimeout),
	}
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("rca timeout must be positive, got %s", c.Timeout)
	}

	return nil
}
