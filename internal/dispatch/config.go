// Package dispatch fans a newly created ticket out to the downstream
// channels: the external ticketing system, the chat webhook, the audit
// store, and the live dashboard feed. Channels are independent; one
// channel failing never blocks or rolls back the others, and the ticket
// itself is already durable before dispatch starts.
package dispatch

import (
	"fmt"
	"time"

	"github.com/incidentd-io/incidentd/internal/config"
)

// Config holds fan-out configuration loaded from ENV.
type Config struct {
	// TicketingEndpoint receives ticket creation requests. Empty disables
	// the channel.
	TicketingEndpoint string

	// TicketingAPIKey authenticates against the ticketing endpoint. Sent
	// as a bearer token when non-empty.
	TicketingAPIKey string

	// ChatWebhookURL receives formatted notification messages. Empty
	// disables the channel.
	ChatWebhookURL string

	// AuditEndpoint is the object-store base URL where raw payloads are
	// archived. Empty disables the channel.
	AuditEndpoint string

	// MaxRetries is the number of retries after the initial attempt,
	// per channel.
	MaxRetries int

	// RetryBackoff is the initial delay between attempts. It doubles
	// after every failed attempt.
	RetryBackoff time.Duration

	// SettleWait bounds how long Dispatch blocks the caller waiting for
	// channels to settle. Channels still in flight after the wait keep
	// running in the background.
	SettleWait time.Duration

	// HTTPTimeout bounds each individual channel request.
	HTTPTimeout time.Duration
}

const (
	defaultMaxRetries   = 2
	defaultRetryBackoff = 250 * time.Millisecond
	defaultSettleWait   = 10 * time.Second
	defaultHTTPTimeout  = 5 * time.Second
)

// LoadConfig loads fan-out configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		TicketingEndpoint: config.GetEnvStr("INCIDENTD_TICKETING_ENDPOINT", ""),
		TicketingAPIKey:   config.GetEnvStr("INCIDENTD_TICKETING_API_KEY", ""),
		ChatWebhookURL:    config.GetEnvStr("INCIDENTD_CHAT_WEBHOOK_URL", ""),
		AuditEndpoint:     config.GetEnvStr("INCIDENTD_AUDIT_ENDPOINT", ""),
		MaxRetries:        config.GetEnvInt("INCIDENTD_DISPATCH_MAX_RETRIES", defaultMaxRetries),
		RetryBackoff:      config.GetEnvDuration("INCIDENTD_DISPATCH_RETRY_BACKOFF", defaultRetryBackoff),
		SettleWait:        config.GetEnvDuration("INCIDENTD_DISPATCH_SETTLE_WAIT", defaultSettleWait),
		HTTPTimeout:       config.GetEnvDuration("INCIDENTD_DISPATCH_HTTP_TIMEOUT", defaultHTTPTimeout),
	}
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("dispatch max retries must not be negative, got %d", c.MaxRetries)
	}

	if c.RetryBackoff <= 0 {
		return fmt.Errorf("dispatch retry backoff must be positive, got %s", c.RetryBackoff)
	}

	if c.SettleWait <= 0 {
		return fmt.Errorf("dispatch settle wait must be positive, got %s", c.SettleWait)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("dispatch http timeout must be positive, got %s", c.HTTPTimeout)
	}

	return nil
}
