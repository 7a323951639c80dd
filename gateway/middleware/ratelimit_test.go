package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"admin": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	handler := limiter.Middleware("admin")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusTooManyRequests, res.Code)
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"admin": {RequestsPerMinute: 60, Burst: 1},
	}, nil)
	handler := limiter.Middleware("admin")(okHandler())

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
		req.Header.Set("X-Forwarded-For", ip+", 192.0.2.1")
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		require.Equal(t, http.StatusOK, res.Code, ip)
	}
}

func TestRateLimiterPassesUnknownKeys(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("admin")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, res.Code)
	}
}
