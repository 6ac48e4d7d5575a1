package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/incidentd-io/incidentd/internal/incident"
)

// maxChannelResponseBytes bounds how much of a channel response is read.
const maxChannelResponseBytes = 1 << 20

// TicketingSender creates a ticket in the external ticketing system and
// returns the id the system assigned.
type TicketingSender struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

var _ Sender = (*TicketingSender)(nil)

// NewTicketingSender creates the ticketing channel sender.
func NewTicketingSender(endpoint, apiKey string, timeout time.Duration) *TicketingSender {
	return &TicketingSender{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// Channel identifies the ticketing channel.
func (s *TicketingSender) Channel() incident.Channel {
	return incident.ChannelTicketSystem
}

// ticketRequest is the creation payload sent to the ticketing system.
type ticketRequest struct {
	TicketID      string   `json:"ticketId"`
	CorrelationID string   `json:"correlationId"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Severity      string   `json:"severity"`
	Priority      string   `json:"priority"`
	OwnerTeam     string   `json:"ownerTeam"`
	OwnerContact  string   `json:"ownerContact"`
	CostCenter    string   `json:"costCenter"`
	SLADeadline   string   `json:"slaDeadline"`
	Recommends    []string `json:"recommendations,omitempty"`
}

// ticketResponse carries the id assigned by the ticketing system.
type ticketResponse struct {
	ID string `json:"id"`
}

// Send creates the external ticket. The returned ref is the external
// ticket id, written back onto the stored incident by the dispatcher.
func (s *TicketingSender) Send(ctx context.Context, inc *incident.Incident, _ []byte) (string, error) {
	body, err := json.Marshal(ticketRequest{
		TicketID:      inc.ID,
		CorrelationID: inc.CorrelationID,
		Title:         fmt.Sprintf("[%s] %s: %s", inc.Priority, inc.ResourceName, inc.RCA.ErrorClassification),
		Description:   inc.RCA.RootCause,
		Severity:      string(inc.Severity),
		Priority:      string(inc.Priority),
		OwnerTeam:     inc.OwnerTeam,
		OwnerContact:  inc.OwnerContact,
		CostCenter:    inc.CostCenter,
		SLADeadline:   inc.SLADeadline.UTC().Format(time.RFC3339),
		Recommends:    inc.RCA.Recommendations,
	})
	if err != nil {
		return "", fmt.Errorf("marshal ticket request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build ticket request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ticketing request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("ticketing system returned status %d", resp.StatusCode)
	}

	var parsed ticketResponse

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxChannelResponseBytes)).Decode(&parsed); err != nil {
		// The ticket was created; a missing or malformed id only costs
		// the write-back.
		return "", nil
	}

	return parsed.ID, nil
}
