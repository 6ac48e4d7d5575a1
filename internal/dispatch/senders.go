package dispatch

import (
	"github.com/incidentd-io/incidentd/internal/broadcast"
	"github.com/incidentd-io/incidentd/internal/metrics"
)

// NewSenders builds the channel senders enabled by config. Channels with
// no endpoint configured are left out of the fan-out entirely.
func NewSenders(cfg *Config, hub *broadcast.Hub, m *metrics.Metrics) []Sender {
	senders := make([]Sender, 0, 4)

	if cfg.TicketingEndpoint != "" {
		senders = append(senders, NewTicketingSender(cfg.TicketingEndpoint, cfg.TicketingAPIKey, cfg.HTTPTimeout))
	}

	if cfg.ChatWebhookURL != "" {
		senders = append(senders, NewChatSender(cfg.ChatWebhookURL, cfg.HTTPTimeout))
	}

	if cfg.AuditEndpoint != "" {
		senders = append(senders, NewAuditSender(cfg.AuditEndpoint, cfg.HTTPTimeout))
	}

	if hub != nil {
		senders = append(senders, NewDashboardSender(hub, m))
	}

	return senders
}
