// Package middleware provides HTTP middleware components for the incidentd API.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// Authentication errors are never detailed to the caller; a generic
// message prevents probing for which part of the key was wrong.
const authFailureDetail = "Invalid or missing API key"

// publicEndpoints holds paths that bypass authentication and rate
// limiting, such as health probes. Registered once during route setup.
var (
	publicEndpointsMu sync.RWMutex
	publicEndpoints   = make(map[string]struct{})
)

// RegisterPublicEndpoint marks a path as exempt from authentication.
// Only health and monitoring endpoints should ever be registered here.
func RegisterPublicEndpoint(path string) {
	publicEndpointsMu.Lock()
	defer publicEndpointsMu.Unlock()

	publicEndpoints[path] = struct{}{}
}

// IsPublicEndpoint reports whether the path bypasses authentication.
func IsPublicEndpoint(path string) bool {
	publicEndpointsMu.RLock()
	defer publicEndpointsMu.RUnlock()

	_, ok := publicEndpoints[path]

	return ok
}

// extractAPIKey extracts the API key from request headers. It checks the
// X-Api-Key header first (primary), then falls back to Authorization:
// Bearer (secondary).
//
// Keys containing newlines are rejected to prevent header injection.
func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return validateAPIKey(apiKey)
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return validateAPIKey(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return "", false
}

// validateAPIKey validates and cleans an API key value.
func validateAPIKey(key string) (string, bool) {
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}

	return key, true
}

// WebhookAuth creates an authentication middleware that validates the
// shared webhook key with a constant-time comparison. Monitoring sources
// are configured with one shared key per deployment; there is no
// per-caller identity.
func WebhookAuth(key string, logger *slog.Logger) func(http.Handler) http.Handler {
	expected := []byte(key)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			presented, found := extractAPIKey(r)
			if !found || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				correlationID := GetCorrelationID(r.Context())

				logger.Warn("rejected unauthenticated request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
				)

				if err := writeRFC7807Error(w, r, http.StatusUnauthorized, authFailureDetail, correlationID); err != nil {
					logger.Error("failed to write auth error response",
						slog.String("correlation_id", correlationID),
						slog.String("error", err.Error()),
					)

					http.Error(w, authFailureDetail, http.StatusUnauthorized)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRFC7807Error writes a minimal RFC 7807 problem response from
// inside the middleware chain, where the api package error helpers are
// not importable.
func writeRFC7807Error(w http.ResponseWriter, r *http.Request, status int, detail, correlationID string) error {
	problem := struct {
		Type          string `json:"type"`
		Title         string `json:"title"`
		Status        int    `json:"status"`
		Detail        string `json:"detail"`
		Instance      string `json:"instance"`
		CorrelationID string `json:"correlationId"`
	}{
		Type:          fmt.Sprintf("https://incidentd.io/problems/%d", status),
		Title:         http.StatusText(status),
		Status:        status,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(problem)
}
