// Package classify derives priority, SLA deadline, and ownership for
// normalized incident drafts using fixed severity tables and configurable
// resource-to-team routing rules.
package classify

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/incidentd-io/incidentd/internal/config"
)

type (
	// Owner describes the team responsible for a matched resource.
	Owner struct {
		Team string `yaml:"team"`

		// Contact is the team's notification address. Derived from the team
		// name when empty.
		Contact string `yaml:"contact"`

		//nolint:tagliatelle // snake_case is intentional for YAML config files
		CostCenter string `yaml:"cost_center"`
	}

	// Rule routes resources whose name contains Pattern (case-insensitive)
	// to an owner. First matching rule wins, so order matters.
	Rule struct {
		Pattern string `yaml:"pattern"`
		Owner   `yaml:",inline"`
	}

	// Config holds ownership routing rules loaded from .incidentd.yaml.
	Config struct {
		Default Owner  `yaml:"default"`
		Rules   []Rule `yaml:"rules"`
	}
)

// DefaultConfigPath is the default location for the routing configuration
// file. Uses hidden file format following common tool conventions.
const DefaultConfigPath = ".incidentd.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "INCIDENTD_ROUTING_CONFIG_PATH"

// DefaultConfig returns the built-in routing table used when no config file
// is present. Patterns match substrings of the resource name.
func DefaultConfig() *Config {
	return &Config{
		Default: Owner{Team: "Operations", CostCenter: "CC-OPS-001"},
		Rules: []Rule{
			{Pattern: "finance", Owner: Owner{Team: "Finance", CostCenter: "CC-FIN-001"}},
			{Pattern: "data", Owner: Owner{Team: "DataEngineering", CostCenter: "CC-DATA-001"}},
			{Pattern: "analytics", Owner: Owner{Team: "DataEngineering", CostCenter: "CC-DATA-001"}},
			{Pattern: "etl", Owner: Owner{Team: "DataEngineering", CostCenter: "CC-DATA-001"}},
			{Pattern: "sales", Owner: Owner{Team: "Sales", CostCenter: "CC-SALES-001"}},
			{Pattern: "hr", Owner: Owner{Team: "HR", CostCenter: "CC-HR-001"}},
			{Pattern: "marketing", Owner: Owner{Team: "Marketing", CostCenter: "CC-MKT-001"}},
			{Pattern: "mkt", Owner: Owner{Team: "Marketing", CostCenter: "CC-MKT-001"}},
			{Pattern: "ml", Owner: Owner{Team: "MachineLearning", CostCenter: "CC-ML-001"}},
			{Pattern: "model", Owner: Owner{Team: "MachineLearning", CostCenter: "CC-ML-001"}},
		},
	}
}

// LoadConfig loads routing configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns the built-in default config (not error) if the file doesn't
//     exist - routing overrides are optional
//   - Returns the default config + logs warning if YAML is invalid
//     (graceful degradation)
//   - Returns the populated config on success
//
// This graceful degradation ensures the server can start even without a
// routing file configured.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Routing config file not found, using built-in defaults",
				slog.String("path", path))

			return DefaultConfig(), nil
		}

		// Other read errors (permissions, etc.) - log warning and continue
		slog.Warn("Failed to read routing config file, using built-in defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultConfig(), nil
	}

	// Empty file is valid - just default routing
	if len(data) == 0 {
		return DefaultConfig(), nil
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Invalid YAML - log warning and continue with defaults
		slog.Warn("Failed to parse routing config file, using built-in defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultConfig(), nil
	}

	if cfg.Default.Team == "" {
		cfg.Default = DefaultConfig().Default
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path specified in the
// INCIDENTD_ROUTING_CONFIG_PATH environment variable. Falls back to
// ".incidentd.yaml" in the current directory if not set.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}

// contact returns the owner's notification address, deriving one from the
// team name when not explicitly configured.
func (o Owner) contact() string {
	if o.Contact != "" {
		return o.Contact
	}

	return strings.ToLower(o.Team) + "@company.com"
}
