package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/incidentd-io/incidentd/internal/incident"
)

// ChatSender posts a formatted notification message to the team chat
// webhook.
type ChatSender struct {
	webhookURL string
	client     *http.Client
}

var _ Sender = (*ChatSender)(nil)

// NewChatSender creates the chat channel sender.
func NewChatSender(webhookURL string, timeout time.Duration) *ChatSender {
	return &ChatSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

// Channel identifies the chat channel.
func (s *ChatSender) Channel() incident.Channel {
	return incident.ChannelChat
}

// chatMessage is the webhook payload. The text field is what chat
// products render; everything of interest is folded into it.
type chatMessage struct {
	Text string `json:"text"`
}

// Send posts the notification message. Chat assigns no reference.
func (s *ChatSender) Send(ctx context.Context, inc *incident.Incident, _ []byte) (string, error) {
	body, err := json.Marshal(chatMessage{Text: formatChatText(inc)})
	if err != nil {
		return "", fmt.Errorf("marshal chat message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("chat webhook returned status %d", resp.StatusCode)
	}

	return "", nil
}

// formatChatText renders the human-facing notification line block.
func formatChatText(inc *incident.Incident) string {
	var b strings.Builder

	fmt.Fprintf(&b, ":rotating_light: [%s/%s] %s\n", inc.Priority, inc.Severity, inc.ID)
	fmt.Fprintf(&b, "Resource: %s (%s)\n", inc.ResourceName, inc.SourceKind)
	fmt.Fprintf(&b, "Run: %s\n", inc.CorrelationID)
	fmt.Fprintf(&b, "Owner: %s <%s>\n", inc.OwnerTeam, inc.OwnerContact)

	if inc.RCA.ErrorClassification != "" {
		fmt.Fprintf(&b, "Classification: %s (confidence %.2f)\n", inc.RCA.ErrorClassification, inc.RCA.Confidence)
	}

	fmt.Fprintf(&b, "Root cause: %s\n", inc.RCA.RootCause)

	for _, rec := range inc.RCA.Recommendations {
		fmt.Fprintf(&b, "- %s\n", rec)
	}

	fmt.Fprintf(&b, "SLA deadline: %s", inc.SLADeadline.UTC().Format(time.RFC3339))

	return b.String()
}
