package routes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"dnseed/gateway/middleware"
	"dnseed/p2p"
	"dnseed/p2p/addrpool"
	"dnseed/p2p/wire"
	"dnseed/storage"
)

type fixedStorage storage.WriterStats

func (f fixedStorage) Stats() storage.WriterStats { return storage.WriterStats(f) }

func newTestRouter(t *testing.T, limits map[string]middleware.RateLimit) (http.Handler, *addrpool.Pool) {
	t.Helper()
	pool := addrpool.New(addrpool.Config{GoodScore: -10})
	for _, s := range []string{"8.8.8.8:8806", "9.9.9.9:8806", "[2001:4860::8888]:8806"} {
		ep, err := wire.ParseEndpoint(s)
		require.NoError(t, err)
		pool.AddObserved(ep, wire.NodeNetwork)
	}
	pool.AddTrusted(wire.NewEndpoint(netip.MustParseAddr("1.1.1.1"), 8806))

	handler, err := New(Config{
		Pool:          pool,
		Stats:         &p2p.RunStats{},
		Storage:       fixedStorage{Inserts: 4},
		InstanceID:    "test-instance",
		RateLimiter:   middleware.NewRateLimiter(limits, nil),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true}, nil),
	})
	require.NoError(t, err)
	return handler, pool
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	res := httptest.NewRecorder()
	h.ServeHTTP(res, httptest.NewRequest(method, target, nil))
	return res
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := newTestRouter(t, nil)
	res := do(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "ok", res.Body.String())

	do(t, h, http.MethodGet, "/v1/pool")
	res = do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "dnseed_admin_requests_total")
}

func TestStatsAndPool(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	res := do(t, h, http.MethodGet, "/v1/stats")
	require.Equal(t, http.StatusOK, res.Code)
	var stats statsResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &stats))
	require.Equal(t, "test-instance", stats.InstanceID)
	require.NotNil(t, stats.Storage)
	require.Equal(t, uint64(4), stats.Storage.Inserts)

	res = do(t, h, http.MethodGet, "/v1/pool")
	require.Equal(t, http.StatusOK, res.Code)
	var pool poolResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &pool))
	require.Equal(t, 4, pool.Addresses)
	require.Equal(t, -10, pool.GoodScore)
}

func TestAddressesLimit(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	res := do(t, h, http.MethodGet, "/v1/addresses?limit=2")
	require.Equal(t, http.StatusOK, res.Code)
	var out []addressJSON
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
	require.Len(t, out, 2)

	res = do(t, h, http.MethodGet, "/v1/addresses?limit=0")
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAddressLookupAndDelete(t *testing.T) {
	h, pool := newTestRouter(t, nil)

	res := do(t, h, http.MethodGet, "/v1/addresses/8.8.8.8:8806")
	require.Equal(t, http.StatusOK, res.Code)
	var entry entryJSON
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &entry))
	require.Equal(t, "8.8.8.8:8806", entry.Address)
	require.False(t, entry.Confident)

	res = do(t, h, http.MethodDelete, "/v1/addresses/8.8.8.8:8806")
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, 3, pool.Len())

	res = do(t, h, http.MethodDelete, "/v1/addresses/8.8.8.8:8806")
	require.Equal(t, http.StatusNotFound, res.Code)

	res = do(t, h, http.MethodDelete, "/v1/addresses/1.1.1.1:8806")
	require.Equal(t, http.StatusConflict, res.Code)

	res = do(t, h, http.MethodDelete, "/v1/addresses/%5B2001:4860::8888%5D:8806")
	require.Equal(t, http.StatusNoContent, res.Code)

	res = do(t, h, http.MethodGet, "/v1/addresses/not-an-endpoint")
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestAdminRateLimit(t *testing.T) {
	h, _ := newTestRouter(t, RateLimits(6))
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/pool").Code)
	require.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/v1/pool").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz").Code)
}

func TestNewRequiresPoolAndStats(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = Handler(Config{Pool: addrpool.New(addrpool.Config{}), Stats: &p2p.RunStats{}})
	require.NoError(t, err)
}
