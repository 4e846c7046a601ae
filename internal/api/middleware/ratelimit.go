package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/metrics"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/store"
)

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Requests int64
	Window   time.Duration
	PerIP    bool // key on client IP instead of wallet
}

// RateLimiter implements fixed-window rate limiting backed by Redis
// counters. With no Redis wired, it passes everything through.
type RateLimiter struct {
	redis  *store.RedisStore
	limits map[string]RateLimit
	logger zerolog.Logger
}

// NewRateLimiter creates a rate limiter with the relay's endpoint limits.
func NewRateLimiter(redis *store.RedisStore, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		redis:  redis,
		logger: logger,
		limits: map[string]RateLimit{
			"POST /register":           {Requests: 10, Window: time.Hour, PerIP: true},
			"POST /relay/send":         {Requests: 120, Window: time.Minute},
			"GET /relay/fetch":         {Requests: 120, Window: time.Minute},
			"POST /relay/ack":          {Requests: 120, Window: time.Minute},
			"POST /relay/purge":        {Requests: 10, Window: time.Minute},
			"POST /presence/heartbeat": {Requests: 60, Window: time.Minute},
			"GET /conversations":       {Requests: 240, Window: time.Minute},
		},
	}
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.redis == nil {
			next.ServeHTTP(w, r)
			return
		}

		limit, endpoint := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		subject := r.Header.Get(WalletHeader)
		if limit.PerIP || subject == "" {
			subject = RealIP(r)
		}

		count, err := rl.redis.IncrRate(r.Context(), endpoint, subject, limit.Window)
		if err != nil {
			// Redis trouble never takes the relay down with it.
			rl.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("rate counter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		remaining := limit.Requests - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit.Requests, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > limit.Requests {
			metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(limit.Window.Seconds())))

			rl.logger.Warn().
				Str("endpoint", endpoint).
				Str("subject", subject).
				Int64("count", count).
				Msg("rate limit exceeded")

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit finds the matching rate limit for a request.
func (rl *RateLimiter) findLimit(r *http.Request) (*RateLimit, string) {
	key := r.Method + " " + r.URL.Path

	for pattern, limit := range rl.limits {
		if strings.HasPrefix(key, pattern) {
			l := limit // Copy to avoid pointer issues
			return &l, pattern
		}
	}
	return nil, ""
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
