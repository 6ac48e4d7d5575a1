// Package broadcast maintains the set of live dashboard subscribers and
// pushes incident events to all of them as they happen.
//
// Delivery is best-effort and fire-and-forget per subscriber: a slow or
// disconnected subscriber never blocks broadcast to the others and never
// applies backpressure to the dispatcher. Missed events are not persisted;
// dashboards reconcile through the query interface on (re)connect.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize bounds how far one subscriber may fall behind before
// events are dropped for it.
const subscriberBufferSize = 16

// Event kinds pushed to subscribers.
const (
	EventNewTicket    = "new_ticket"
	EventStatusUpdate = "status_update"
)

type (
	// Event is the payload pushed to dashboard subscribers.
	Event struct {
		Kind          string `json:"event"`
		IncidentID    string `json:"ticketId"`
		CorrelationID string `json:"correlationId,omitempty"`
		Severity      string `json:"severity,omitempty"`
		Priority      string `json:"priority,omitempty"`
		Status        string `json:"status,omitempty"`
	}

	// Hub is the concurrency-safe subscriber registry. Safe for concurrent
	// Subscribe, Unsubscribe, and Broadcast.
	Hub struct {
		mu          sync.RWMutex
		subscribers map[string]chan Event
		closed      bool
		logger      *slog.Logger
	}
)

// NewHub creates an empty hub. A nil logger falls back to the default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		subscribers: make(map[string]chan Event),
		logger:      logger,
	}
}

// Subscribe registers a new subscriber and returns its id and receive
// channel. The channel is closed on Unsubscribe or hub Close.
func (h *Hub) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)

		return id, ch
	}

	h.subscribers[id] = ch

	h.logger.Debug("dashboard subscriber connected",
		slog.String("subscriber_id", id),
		slog.Int("subscribers", len(h.subscribers)),
	)

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call for
// unknown or already removed ids.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subscribers[id]
	if !ok {
		return
	}

	delete(h.subscribers, id)
	close(ch)

	h.logger.Debug("dashboard subscriber disconnected",
		slog.String("subscriber_id", id),
		slog.Int("subscribers", len(h.subscribers)),
	)
}

// Broadcast pushes the event to every subscriber without blocking. When a
// subscriber's buffer is full the event is dropped for that subscriber only.
// Returns the number of subscribers that received the event.
func (h *Hub) Broadcast(event Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0

	for id, ch := range h.subscribers {
		select {
		case ch <- event:
			delivered++
		default:
			h.logger.Debug("dropping event for slow subscriber",
				slog.String("subscriber_id", id),
				slog.String("event", event.Kind),
				slog.String("incident_id", event.IncidentID),
			)
		}
	}

	return delivered
}

// Len returns the current subscriber count.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subscribers)
}

// Close disconnects all subscribers. Subsequent Subscribe calls return a
// closed channel and Broadcast becomes a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}
