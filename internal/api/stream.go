package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/incidentd-io/incidentd/internal/api/middleware"
)

// heartbeatInterval keeps idle stream connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// handleIncidentStream handles GET /api/v1/incidents/stream.
//
// Streams new-ticket and status-update events as Server-Sent Events.
// Delivery is best-effort: a subscriber that falls behind misses events
// rather than applying backpressure to the pipeline, and the dashboard
// reconciles by re-fetching the incident list on reconnect. Connections
// are also bounded by the server write timeout; EventSource clients
// reconnect automatically.
func (s *Server) handleIncidentStream(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.hub == nil {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(
			http.StatusServiceUnavailable,
			"Service Unavailable",
			"Event streaming is not enabled",
		))

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Streaming is not supported by this connection"))

		return
	}

	subscriberID, events := s.hub.Subscribe()
	defer s.hub.Unsubscribe(subscriberID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Open the stream immediately so clients see the connection succeed
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.logger.Info("event stream subscriber connected",
		"correlation_id", correlationID,
		"subscriber_id", subscriberID,
	)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("event stream subscriber disconnected",
				"subscriber_id", subscriberID,
			)

			return

		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case event, open := <-events:
			if !open {
				// Hub closed during shutdown
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("failed to marshal stream event",
					"subscriber_id", subscriberID,
					"error", err.Error(),
				)

				continue
			}

			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
			flusher.Flush()
		}
	}
}
