package middleware

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"backoffice-backend/internal/cache"
)

// Policy is a fixed-window limit keyed by client IP.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration

	// OnLimited, if set, is called for every rejected request.
	OnLimited func(r *http.Request)
}

func LoginPolicy(limit int) Policy {
	if limit <= 0 {
		limit = 5
	}
	return Policy{Name: "login", Limit: limit, Window: time.Minute}
}

func WebhookPolicy(limit int, window time.Duration) Policy {
	return Policy{Name: "webhook", Limit: limit, Window: window}
}

// RateLimit rejects requests past the policy limit with 429 and a
// Retry-After header. Cache errors let the request through.
func RateLimit(cacheClient cache.Client, policy Policy, log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("ratelimit").With(zap.String("policy", policy.Name))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			key := "rl:" + policy.Name + ":" + ip
			count, err := cacheClient.IncrWithTTL(r.Context(), key, policy.Window)
			if err != nil {
				log.Warn("rate limit counter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			remaining := policy.Limit - int(count)
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if count > int64(policy.Limit) {
				retryAfter := retryAfterSeconds(r.Context(), cacheClient, key, policy.Window)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				if policy.OnLimited != nil {
					policy.OnLimited(r)
				}
				log.Debug("rate limit exceeded", zap.String("ip", ip), zap.Int64("count", count))
				writeTooManyRequests(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Throttle bounds the overall request rate of the wrapped handler with a
// token bucket shared by all callers.
func Throttle(rps float64, burst int, onLimited func(r *http.Request)) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Reserve()
			if !res.OK() {
				writeThrottled(w, r, time.Second, onLimited)
				return
			}
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				writeThrottled(w, r, delay, onLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeThrottled(w http.ResponseWriter, r *http.Request, delay time.Duration, onLimited func(r *http.Request)) {
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
	if onLimited != nil {
		onLimited(r)
	}
	writeTooManyRequests(w)
}

func retryAfterSeconds(ctx context.Context, cacheClient cache.Client, key string, window time.Duration) int {
	ttl, err := cacheClient.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		ttl = window
	}
	secs := int(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeTooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
