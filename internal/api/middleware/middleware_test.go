package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestCorrelationIDGeneratesWhenMissing(t *testing.T) {
	var captured string

	handler := CorrelationID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil))

	assert.NotEmpty(t, captured)
	assert.Equal(t, captured, rec.Header().Get("X-Correlation-ID"))
}

func TestCorrelationIDHonoursCallerHeader(t *testing.T) {
	var captured string

	handler := CorrelationID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil)
	req.Header.Set("X-Correlation-ID", "caller-supplied-id")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "caller-supplied-id", captured)
	assert.Equal(t, "caller-supplied-id", rec.Header().Get("X-Correlation-ID"))
}

func TestGetCorrelationIDWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	assert.Equal(t, "unknown", GetCorrelationID(req.Context()))
}

func TestRecoveryConvertsPanicToProblemResponse(t *testing.T) {
	handler := Recovery(testLogger())(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "https://incidentd.io/problems/500")
}

func TestWebhookAuthAcceptsValidKey(t *testing.T) {
	handler := WebhookAuth("topsecret", testLogger())(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/job-run", nil)
	req.Header.Set("X-Api-Key", "topsecret")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookAuthAcceptsBearerToken(t *testing.T) {
	handler := WebhookAuth("topsecret", testLogger())(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/job-run", nil)
	req.Header.Set("Authorization", "Bearer topsecret")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookAuthRejectsWrongKey(t *testing.T) {
	handler := WebhookAuth("topsecret", testLogger())(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/job-run", nil)
	req.Header.Set("X-Api-Key", "wrong")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestWebhookAuthRejectsMissingKey(t *testing.T) {
	handler := WebhookAuth("topsecret", testLogger())(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/job-run", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookAuthRejectsKeyWithNewline(t *testing.T) {
	_, ok := validateAPIKey("key\nwith-newline")

	assert.False(t, ok)
}

func TestWebhookAuthBypassesPublicEndpoints(t *testing.T) {
	RegisterPublicEndpoint("/test-auth-bypass-ping")

	handler := WebhookAuth("topsecret", testLogger())(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test-auth-bypass-ping", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func testRateLimiterConfig() *Config {
	return &Config{
		GlobalRPS:       1000,
		SourceRPS:       2,
		QueryRPS:        2,
		CleanupInterval: time.Minute,
		IdleTimeout:     time.Hour,
		MaxSources:      100,
	}
}

func TestRateLimiterEnforcesPerSourceLimit(t *testing.T) {
	rl := NewInMemoryRateLimiter(testRateLimiterConfig())
	defer rl.Close()

	// Burst is 2 × rate = 4 requests before the bucket empties
	for i := 0; i < 4; i++ {
		assert.True(t, rl.Allow("job-run"), "request %d within burst", i)
	}

	assert.False(t, rl.Allow("job-run"), "burst exhausted")

	// A different source has its own bucket
	assert.True(t, rl.Allow("pipeline-run"))
}

func TestRateLimiterQueryTier(t *testing.T) {
	rl := NewInMemoryRateLimiter(testRateLimiterConfig())
	defer rl.Close()

	for i := 0; i < 4; i++ {
		assert.True(t, rl.Allow(""))
	}

	assert.False(t, rl.Allow(""))
}

func TestSourceKindFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/webhooks/job-run", "job-run"},
		{"/api/v1/webhooks/pipeline-run", "pipeline-run"},
		{"/api/v1/webhooks/generic/extra", "generic"},
		{"/api/v1/incidents", ""},
		{"/ping", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, sourceKindFromPath(tt.path), tt.path)
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:       1,
		SourceRPS:       1,
		QueryRPS:        1,
		GlobalBurst:     1,
		SourceBurst:     1,
		QueryBurst:      1,
		CleanupInterval: time.Minute,
		IdleTimeout:     time.Hour,
		MaxSources:      100,
	})
	defer rl.Close()

	handler := RateLimit(rl, testLogger())(okHandler())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "application/problem+json", second.Header().Get("Content-Type"))
}

func TestRateLimitBypassesPublicEndpoints(t *testing.T) {
	RegisterPublicEndpoint("/test-ratelimit-bypass-ping")

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS:       1,
		SourceRPS:       1,
		QueryRPS:        1,
		GlobalBurst:     1,
		SourceBurst:     1,
		QueryBurst:      1,
		CleanupInterval: time.Minute,
		IdleTimeout:     time.Hour,
		MaxSources:      100,
	})
	defer rl.Close()

	handler := RateLimit(rl, testLogger())(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test-ratelimit-bypass-ping", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

type corsConfig struct{}

func (corsConfig) GetAllowedOrigins() []string { return []string{"*"} }
func (corsConfig) GetAllowedMethods() []string { return []string{"GET", "POST", "PATCH"} }
func (corsConfig) GetAllowedHeaders() []string { return []string{"Content-Type", "X-Api-Key"} }
func (corsConfig) GetMaxAge() int              { return 3600 }

func TestCORSSetsHeaders(t *testing.T) {
	handler := CORS(corsConfig{})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/incidents", nil))

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, PATCH", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "3600", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORSHandlesPreflight(t *testing.T) {
	handler := CORS(corsConfig{})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/incidents", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestApplyOrdersMiddlewareFirstOptionOutermost(t *testing.T) {
	var order []string

	tag := func(name string) Option {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Apply(okHandler(), tag("outer"), tag("middle"), tag("inner"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "middle", "inner"}, order)
}

func TestRequestLoggerPreservesStatusCode(t *testing.T) {
	handler := RequestLogger(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}
