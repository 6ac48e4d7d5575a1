package dispatch

import (
	"context"

	"github.com/incidentd-io/incidentd/internal/broadcast"
	"github.com/incidentd-io/incidentd/internal/incident"
	"github.com/incidentd-io/incidentd/internal/metrics"
)

// DashboardSender pushes new-ticket events onto the in-process broadcast
// hub feeding live dashboard subscribers. Delivery is best-effort by
// construction: no subscribers, or a slow subscriber dropping the event,
// is still a success.
type DashboardSender struct {
	hub     *broadcast.Hub
	metrics *metrics.Metrics
}

var _ Sender = (*DashboardSender)(nil)

// NewDashboardSender creates the dashboard channel sender. m may be nil.
func NewDashboardSender(hub *broadcast.Hub, m *metrics.Metrics) *DashboardSender {
	return &DashboardSender{hub: hub, metrics: m}
}

// Channel identifies the dashboard channel.
func (s *DashboardSender) Channel() incident.Channel {
	return incident.ChannelDashboard
}

// Send broadcasts the new-ticket event. It never fails.
func (s *DashboardSender) Send(_ context.Context, inc *incident.Incident, _ []byte) (string, error) {
	delivered := s.hub.Broadcast(broadcast.Event{
		Kind:          broadcast.EventNewTicket,
		IncidentID:    inc.ID,
		CorrelationID: inc.CorrelationID,
		Severity:      string(inc.Severity),
		Priority:      string(inc.Priority),
		Status:        string(inc.Status),
	})

	if s.metrics != nil && delivered > 0 {
		s.metrics.BroadcastDelivered.Add(float64(delivered))
	}

	return "", nil
}
