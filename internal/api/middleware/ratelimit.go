// Package middleware provides HTTP middleware components for the incidentd API.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	maxSources                 int     = 100
	defaultGlobalRPS           int     = 100
	defaultSourceRPS           int     = 50
	defaultQueryRPS            int     = 25
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour

	webhookPathPrefix = "/api/v1/webhooks/"
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	//
	// The current implementation uses in-memory token buckets, which is
	// sufficient for single-node deployments. The interface keeps the
	// door open for a distributed limiter without touching the chain.
	RateLimiter interface {
		// Allow checks if a request should be allowed based on rate limits.
		// Returns true if allowed, false if rate limited.
		//
		// For webhook deliveries, sourceKind identifies the monitoring
		// source. For query endpoints, sourceKind is empty.
		Allow(sourceKind string) bool
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate.
	//
	// Provides three-tier rate limiting:
	// 1. Global limit (applied to all requests)
	// 2. Per-source limit (webhook deliveries, keyed by source kind)
	// 3. Query limit (dashboard and API reads)
	//
	// A webhook storm from one monitoring source exhausts its own bucket
	// without starving the other sources or the read API.
	//
	// Memory cleanup runs periodically; sources idle longer than
	// IdleTimeout are removed.
	InMemoryRateLimiter struct {
		global    *rate.Limiter
		perSource map[string]*sourceLimiter
		query     *rate.Limiter

		mu            sync.RWMutex
		cleanupTicker *time.Ticker
		done          chan struct{}

		// Configuration (stored for creating new source limiters and cleanup)
		sourceRPS       int
		sourceBurst     int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxSources      int
	}

	// sourceLimiter tracks rate limit state for a single monitoring source.
	// Includes last access time for memory cleanup.
	sourceLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a new in-memory rate limiter with
// three-tier limits. Burst capacity is computed automatically as 2 × rate
// unless overridden in config.
//
// Example:
//
//	rl := NewInMemoryRateLimiter(&Config{
//	    GlobalRPS: 100,
//	    SourceRPS: 50,
//	    QueryRPS:  25,
//	})
//	defer rl.Close()
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	globalBurst := computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)
	sourceBurst := computeBurstCapacity(config.SourceRPS, config.SourceBurst)
	queryBurst := computeBurstCapacity(config.QueryRPS, config.QueryBurst)

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), globalBurst),
		perSource:       make(map[string]*sourceLimiter),
		query:           rate.NewLimiter(rate.Limit(config.QueryRPS), queryBurst),
		done:            make(chan struct{}),
		sourceRPS:       config.SourceRPS,
		sourceBurst:     sourceBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxSources:      config.MaxSources,
	}

	rl.startCleanup()

	return rl
}

// computeBurstCapacity returns the override when set, otherwise 2 × rate.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow checks if a request should be allowed based on rate limits.
// Implements the RateLimiter interface.
//
// Rate limiting is enforced in two steps:
// 1. Global limit (all requests)
// 2. Per-source limit (webhook deliveries) OR query limit (reads)
func (rl *InMemoryRateLimiter) Allow(sourceKind string) bool {
	// Global limit first, fail fast
	if !rl.global.Allow() {
		return false
	}

	if sourceKind == "" {
		return rl.query.Allow()
	}

	rl.mu.RLock()
	sl, ok := rl.perSource[sourceKind]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		// Double-check after acquiring write lock (avoid race)
		if sl, ok = rl.perSource[sourceKind]; !ok {
			sl = &sourceLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.sourceRPS), rl.sourceBurst),
				lastAccess: time.Now(),
			}

			rl.perSource[sourceKind] = sl

			// Source kinds are a small fixed set in practice; growth here
			// means callers are inventing kinds and deserves a warning.
			currentCount := len(rl.perSource)
			threshold := int(float64(rl.maxSources) * thresholdMultiplier)

			if currentCount >= threshold {
				slog.Warn("rate limiter approaching max sources limit",
					"current_sources", currentCount,
					"max_sources", rl.maxSources,
					"threshold_percent", thresholdPercentage,
				)
			}
		}

		rl.mu.Unlock()
	}

	sl.mu.Lock()
	sl.lastAccess = time.Now()
	sl.mu.Unlock()

	return sl.limiter.Allow()
}

// Close stops the cleanup goroutine and releases resources.
//
// Close is not part of the RateLimiter interface; use type assertion:
//
//	if closer, ok := limiter.(io.Closer); ok {
//	    closer.Close()
//	}
func (rl *InMemoryRateLimiter) Close() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)
}

// startCleanup starts a background goroutine that periodically removes
// stale source limiters.
func (rl *InMemoryRateLimiter) startCleanup() {
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes source limiters that haven't been accessed recently.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for sourceKind, sl := range rl.perSource {
		sl.mu.Lock()
		lastAccess := sl.lastAccess
		sl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perSource, sourceKind)
		}
	}
}

// sourceKindFromPath extracts the webhook source kind from the request
// path, or empty for non-webhook endpoints.
func sourceKindFromPath(path string) string {
	if !strings.HasPrefix(path, webhookPathPrefix) {
		return ""
	}

	kind := strings.TrimPrefix(path, webhookPathPrefix)
	if idx := strings.IndexByte(kind, '/'); idx >= 0 {
		kind = kind[:idx]
	}

	return kind
}

// RateLimit returns a middleware that enforces rate limits on incoming
// requests. Public endpoints (health probes) bypass the limiter entirely.
//
// When a request exceeds the rate limit, the middleware returns a 429
// (Too Many Requests) response in RFC 7807 format.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			if !limiter.Allow(sourceKindFromPath(r.URL.Path)) {
				correlationID := GetCorrelationID(r.Context())

				detail := "Rate limit exceeded. Please retry after some time."
				if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
					logger.Error("failed to write response with RFC 7807 error format",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)

					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
