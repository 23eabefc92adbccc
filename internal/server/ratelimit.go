package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiterConfig holds configuration for rate limiting.
type RateLimiterConfig struct {
	// Per-IP limits for general requests.
	GeneralRequestsPerMin int
	// Per-IP limits for report submission endpoints.
	ReportRequestsPerMin int
	// Per-user report submission limits.
	UserReportsPerHour int
	UserReportsPerDay  int
	// CleanupInterval is how often stale buckets are purged.
	CleanupInterval time.Duration
}

// DefaultRateLimiterConfig returns sensible defaults. The general limit
// leaves room for the issue list's 30 second refresh and map panning.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRequestsPerMin: 120,
		ReportRequestsPerMin:  10,
		UserReportsPerHour:    10,
		UserReportsPerDay:     30,
		CleanupInterval:       5 * time.Minute,
	}
}

// tokenBucket implements a simple token bucket rate limiter.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens float64, refillRate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) stale(ttl time.Duration) bool {
	return time.Since(b.lastRefill) > ttl
}

// RateLimiter provides per-IP and per-user rate limiting.
type RateLimiter struct {
	config RateLimiterConfig

	ipBuckets   sync.Map // map[string]*tokenBucket (keyed by IP)
	userBuckets sync.Map // map[string]*userRateState (keyed by userID)

	mu     sync.Mutex
	stopCh chan struct{}
}

// userRateState tracks per-user rate limits using separate hourly and daily
// token buckets.
type userRateState struct {
	hourly *tokenBucket
	daily  *tokenBucket
}

// NewRateLimiter creates a new RateLimiter and starts a background cleanup
// goroutine. Call Stop() to release resources.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config: config,
		stopCh: make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Stop halts the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

func (rl *RateLimiter) cleanup() {
	interval := rl.config.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			ttl := 10 * time.Minute
			rl.ipBuckets.Range(func(key, value any) bool {
				if b, ok := value.(*tokenBucket); ok && b.stale(ttl) {
					rl.ipBuckets.Delete(key)
				}
				return true
			})
			rl.userBuckets.Range(func(key, value any) bool {
				if s, ok := value.(*userRateState); ok && s.hourly.stale(ttl) && s.daily.stale(ttl) {
					rl.userBuckets.Delete(key)
				}
				return true
			})
		}
	}
}

// AllowIP checks whether a request from the given IP is allowed under the
// general per-IP rate limit. Returns true if allowed.
func (rl *RateLimiter) AllowIP(ip string, perMinLimit int) bool {
	rate := float64(perMinLimit) / 60.0
	maxTokens := float64(perMinLimit)

	val, _ := rl.ipBuckets.LoadOrStore(ip, newTokenBucket(maxTokens, rate))
	bucket := val.(*tokenBucket)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return bucket.allow()
}

// AllowUserReport checks whether a user is allowed to submit a report under
// per-user hourly and daily limits. Returns true if allowed.
func (rl *RateLimiter) AllowUserReport(userID string) bool {
	hourlyRate := float64(rl.config.UserReportsPerHour) / 3600.0
	dailyRate := float64(rl.config.UserReportsPerDay) / 86400.0

	val, _ := rl.userBuckets.LoadOrStore(userID, &userRateState{
		hourly: newTokenBucket(float64(rl.config.UserReportsPerHour), hourlyRate),
		daily:  newTokenBucket(float64(rl.config.UserReportsPerDay), dailyRate),
	})
	state := val.(*userRateState)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !state.hourly.allow() {
		return false
	}
	if !state.daily.allow() {
		return false
	}
	return true
}

// IPRateLimitMiddleware returns middleware that enforces per-IP rate limits
// on all requests. It returns 429 Too Many Requests when the limit is exceeded.
func IPRateLimitMiddleware(rl *RateLimiter, perMinLimit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)
			if !rl.AllowIP(ip, perMinLimit) {
				writeJSONError(w, http.StatusTooManyRequests, "Too Many Requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ReportLimiter decides whether a caller may create another issue.
type ReportLimiter interface {
	// AllowReport reports whether the caller identified by key may submit.
	// When it may not, retryAfter says how long to wait, if known.
	AllowReport(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// AllowReport implements ReportLimiter with the in-process hourly and
// daily buckets.
func (rl *RateLimiter) AllowReport(_ context.Context, key string) (bool, time.Duration, error) {
	return rl.AllowUserReport(key), 0, nil
}

// RedisReportLimiter counts reports per caller in fixed daily windows
// shared by every gateway replica.
type RedisReportLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// NewRedisReportLimiter allows limit reports per caller per window.
func NewRedisReportLimiter(client *redis.Client, limit int, window time.Duration) *RedisReportLimiter {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &RedisReportLimiter{client: client, limit: int64(limit), window: window}
}

// AllowReport implements ReportLimiter.
func (l *RedisReportLimiter) AllowReport(ctx context.Context, key string) (bool, time.Duration, error) {
	k := "civicgw:reports:" + key
	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incrementing report count: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("setting report window: %w", err)
		}
	}
	if count <= l.limit {
		return true, 0, nil
	}
	ttl, err := l.client.TTL(ctx, k).Result()
	if err != nil || ttl < 0 {
		return false, 0, nil
	}
	return false, ttl, nil
}

// ReportRateLimitMiddleware returns middleware that enforces stricter per-IP
// rate limits on report submission endpoints, then the per-caller report
// allowance. A limiter error lets the request through.
func ReportRateLimitMiddleware(rl *RateLimiter, reports ReportLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)
			if !rl.AllowIP(ip, rl.config.ReportRequestsPerMin) {
				writeJSONError(w, http.StatusTooManyRequests, "Too Many Requests")
				return
			}
			if reports != nil {
				ok, retryAfter, err := reports.AllowReport(r.Context(), callerKey(r))
				if err != nil {
					logger.Warn("report limiter unavailable", "error", err,
						"request_id", RequestIDFromContext(r.Context()))
				} else if !ok {
					if retryAfter > 0 {
						w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
					}
					writeJSONError(w, http.StatusTooManyRequests, "Report limit reached. Please try again later.")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client IP from the request, preferring the
// leftmost X-Forwarded-For entry when the gateway sits behind a proxy.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := range xff {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}

	// Strip port from RemoteAddr.
	addr := r.RemoteAddr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
