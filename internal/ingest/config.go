// Package ingest consumes failure events from the message bus and feeds
// them through the same pipeline as the webhook endpoints. Sources that
// cannot deliver webhooks publish their failure payloads to a Kafka topic
// instead; both paths converge on identical dedup and fan-out semantics.
package ingest

import (
	"fmt"
	"time"

	"github.com/incidentd-io/incidentd/internal/config"
)

// Config holds Kafka consumer configuration loaded from ENV.
type Config struct {
	// Brokers is the Kafka bootstrap broker list. Empty disables the
	// consumer entirely.
	Brokers []string

	// Topic carries the failure event payloads.
	Topic string

	// GroupID is the consumer group; all service replicas share it so
	// each event is processed once.
	GroupID string

	// MaxWait bounds how long a fetch blocks waiting for new events.
	MaxWait time.Duration
}

const (
	defaultTopic   = "failure-events"
	defaultGroupID = "incidentd"
	defaultMaxWait = 3 * time.Second
)

// LoadConfig loads Kafka consumer configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("INCIDENTD_KAFKA_BROKERS", "")),
		Topic:   config.GetEnvStr("INCIDENTD_KAFKA_TOPIC", defaultTopic),
		GroupID: config.GetEnvStr("INCIDENTD_KAFKA_GROUP_ID", defaultGroupID),
		MaxWait: config.GetEnvDuration("INCIDENTD_KAFKA_MAX_WAIT", defaultMaxWait),
	}
}

// Enabled reports whether a broker list was configured.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// Validate checks config invariants. Only meaningful when Enabled.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty")
	}

	if c.Topic == "" {
		return fmt.Errorf("kafka topic cannot be empty")
	}

	if c.GroupID == "" {
		return fmt.Errorf("kafka group id cannot be empty")
	}

	if c.MaxWait <= 0 {
		return fmt.Errorf("kafka max wait must be positive, got %s", c.MaxWait)
	}

	return nil
}
