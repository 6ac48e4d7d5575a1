package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/incidentd-io/incidentd/internal/incident"
)

// AuditSender archives the raw source payload in the audit object store,
// keyed by delivery date and ticket id so the original bytes can be
// replayed during post-incident review.
type AuditSender struct {
	endpoint string
	client   *http.Client
}

var _ Sender = (*AuditSender)(nil)

// NewAuditSender creates the audit channel sender.
func NewAuditSender(endpoint string, timeout time.Duration) *AuditSender {
	return &AuditSender{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

// Channel identifies the audit channel.
func (s *AuditSender) Channel() incident.Channel {
	return incident.ChannelAudit
}

// Send uploads the raw payload bytes untouched. The returned ref is the
// object name, written back onto the stored incident by the dispatcher.
func (s *AuditSender) Send(ctx context.Context, inc *incident.Incident, rawPayload []byte) (string, error) {
	objectName := auditObjectName(inc)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.endpoint+"/"+objectName, bytes.NewReader(rawPayload))
	if err != nil {
		return "", fmt.Errorf("build audit request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("audit store request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("audit store returned status %d", resp.StatusCode)
	}

	return objectName, nil
}

// auditObjectName keys archived payloads by creation date and ticket id.
func auditObjectName(inc *incident.Incident) string {
	return fmt.Sprintf("%s/%s-payload.json", inc.CreatedAt.UTC().Format("2006-01-02"), inc.ID)
}
