package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backoffice-backend/internal/cache"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func request(h http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/clerk", nil)
	req.RemoteAddr = ip + ":51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_FixedWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mem := cache.NewMemoryCache().WithClock(func() time.Time { return now })

	limited := 0
	policy := Policy{Name: "test", Limit: 3, Window: time.Minute, OnLimited: func(*http.Request) { limited++ }}
	h := RateLimit(mem, policy, nil)(okHandler())

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		rec = request(h, "10.0.0.1")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = request(h, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
	assert.Equal(t, 1, limited)

	assert.Equal(t, http.StatusOK, request(h, "10.0.0.2").Code, "other clients have their own window")

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusOK, request(h, "10.0.0.1").Code, "window resets")
}

type brokenCache struct{ cache.Client }

func (brokenCache) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func TestRateLimit_FailsOpen(t *testing.T) {
	h := RateLimit(brokenCache{}, Policy{Name: "test", Limit: 1, Window: time.Minute}, nil)(okHandler())
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, request(h, "10.0.0.1").Code)
	}
}

func TestThrottle(t *testing.T) {
	limited := 0
	h := Throttle(0.001, 2, func(*http.Request) { limited++ })(okHandler())

	assert.Equal(t, http.StatusOK, request(h, "10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, request(h, "10.0.0.2").Code)

	rec := request(h, "10.0.0.3")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, limited)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}
