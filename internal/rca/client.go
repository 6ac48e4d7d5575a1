package rca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/incidentd-io/incidentd/internal/incident"
)

// DegradedRootCause is the placeholder root cause used when analysis is
// unavailable. A ticket without analysis is still more useful than no ticket.
const DegradedRootCause = "Automated analysis unavailable"

// maxResponseBytes caps how much of the analysis response is read.
const maxResponseBytes = 1 << 20

type (
	// Analyzer produces a root-cause analysis for raw error text.
	// Implementations must never fail the pipeline: on any error a degraded
	// result is returned instead.
	Analyzer interface {
		Analyze(ctx context.Context, rawErrorText string) incident.RCAResult
	}

	// Client calls the external analysis endpoint over HTTP.
	Client struct {
		cfg        *Config
		httpClient *http.Client
		logger     *slog.Logger
	}

	// analyzeRequest is the wire format sent to the analysis endpoint.
	analyzeRequest struct {
		Text string `json:"text"`
	}

	// analyzeResponse is the wire format returned by the analysis endpoint.
	analyzeResponse struct {
		RootCause           string   `json:"rootCause"`
		ErrorClassification string   `json:"errorClassification"`
		Severity            string   `json:"severity"`
		Confidence          float64  `json:"confidence"`
		Recommendations     []string `json:"recommendations"`
		AffectedEntity      string   `json:"affectedEntity"`
	}
)

// Compile-time interface check.
var _ Analyzer = (*Client)(nil)

// NewClient creates an RCA client. The HTTP client timeout is taken from the
// config so every call is bounded even if the caller passes a background
// context.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Analyze calls the analysis endpoint and maps its result onto the incident
// domain. On timeout, transport error, non-200 status, or a malformed
// response body, a degraded result is returned and a warning logged; the
// caller proceeds with ticket creation either way.
func (c *Client) Analyze(ctx context.Context, rawErrorText string) incident.RCAResult {
	if c.cfg.Endpoint == "" {
		c.logger.Debug("rca endpoint not configured, returning degraded result")

		return DegradedResult()
	}

	start := time.Now()

	result, err := c.call(ctx, rawErrorText)
	if err != nil {
		c.logger.Warn("rca analysis degraded",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)

		return DegradedResult()
	}

	c.logger.Debug("rca analysis completed",
		slog.String("classification", result.ErrorClassification),
		slog.Float64("confidence", result.Confidence),
		slog.Duration("elapsed", time.Since(start)),
	)

	return result
}

func (c *Client) call(ctx context.Context, rawErrorText string) (incident.RCAResult, error) {
	body, err := json.Marshal(analyzeRequest{Text: rawErrorText})
	if err != nil {
		return incident.RCAResult{}, fmt.Errorf("marshal analyze request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return incident.RCAResult{}, fmt.Errorf("build analyze request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return incident.RCAResult{}, fmt.Errorf("analyze call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return incident.RCAResult{}, fmt.Errorf("analyze call returned status %d", resp.StatusCode)
	}

	var decoded analyzeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&decoded); err != nil {
		return incident.RCAResult{}, fmt.Errorf("decode analyze response: %w", err)
	}

	if decoded.RootCause == "" {
		return incident.RCAResult{}, fmt.Errorf("analyze response missing root cause")
	}

	return incident.RCAResult{
		RootCause:           decoded.RootCause,
		ErrorClassification: decoded.ErrorClassification,
		Severity:            normalizeSeverity(decoded.Severity),
		Confidence:          clampConfidence(decoded.Confidence),
		Recommendations:     decoded.Recommendations,
		AffectedEntity:      decoded.AffectedEntity,
	}, nil
}

// DegradedResult is the placeholder used when analysis is unavailable.
func DegradedResult() incident.RCAResult {
	return incident.RCAResult{
		RootCause:           DegradedRootCause,
		ErrorClassification: "Unknown",
		Confidence:          0,
		Degraded:            true,
	}
}

// normalizeSeverity maps free-form severity labels onto the domain enum.
// Unknown labels map to empty so classification applies its own default.
func normalizeSeverity(s string) incident.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return incident.SeverityLow
	case "medium":
		return incident.SeverityMedium
	case "high":
		return incident.SeverityHigh
	case "critical":
		return incident.SeverityCritical
	}

	return ""
}

// clampConfidence bounds confidence to [0, 1]. Confidence is advisory only.
func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}

	if c > 1 {
		return 1
	}

	return c
}
