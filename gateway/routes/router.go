package routes

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dnseed/gateway/middleware"
	"dnseed/observability/logging"
	"dnseed/p2p"
	"dnseed/p2p/addrpool"
	"dnseed/p2p/wire"
	"dnseed/storage"
)

const (
	defaultAddressLimit = 64
	maxAddressLimit     = 1000
	rateLimitKey        = "admin"
)

// AddressPool is the part of the address pool the admin surface reads and
// prunes.
type AddressPool interface {
	Len() int
	GoodScore() int
	ConfidenceHeight() int32
	NetTimeOffset() time.Duration
	SampleGoodAddresses(maxCount, threshold int) []wire.AddressEntry
	Get(ep wire.Endpoint) (addrpool.Entry, bool)
	Delete(ep wire.Endpoint) bool
}

type RunStats interface {
	Snapshot() p2p.StatsSnapshot
}

type StorageStats interface {
	Stats() storage.WriterStats
}

type Config struct {
	Pool          AddressPool
	Stats         RunStats
	Storage       StorageStats
	InstanceID    string
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Logger        *slog.Logger
}

// RateLimits returns the limiter table for a per-client request budget.
func RateLimits(requestsPerMinute float64) map[string]middleware.RateLimit {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := int(requestsPerMinute / 6)
	if burst < 1 {
		burst = 1
	}
	return map[string]middleware.RateLimit{
		rateLimitKey: {RequestsPerMinute: requestsPerMinute, Burst: burst},
	}
}

// New builds the admin router.
func New(cfg Config) (http.Handler, error) {
	if cfg.Pool == nil || cfg.Stats == nil {
		return nil, errors.New("admin: pool and run stats are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &handlers{cfg: cfg, logger: cfg.Logger.With(slog.String("component", "admin_http"))}

	r := chi.NewRouter()
	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	r.Route("/v1", func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware(rateLimitKey))
		}
		sr.Get("/stats", h.stats)
		sr.Get("/pool", h.pool)
		sr.Get("/addresses", h.addresses)
		sr.Get("/addresses/{endpoint}", h.address)
		sr.Delete("/addresses/{endpoint}", h.deleteAddress)
	})
	return r, nil
}

// Handler wraps New with OpenTelemetry server instrumentation.
func Handler(cfg Config) (http.Handler, error) {
	router, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return otelhttp.NewHandler(router, "dnseed-admin"), nil
}

type handlers struct {
	cfg    Config
	logger *slog.Logger
}

type statsResponse struct {
	InstanceID string               `json:"instance_id,omitempty"`
	Run        p2p.StatsSnapshot    `json:"run"`
	Storage    *storage.WriterStats `json:"storage,omitempty"`
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{InstanceID: h.cfg.InstanceID, Run: h.cfg.Stats.Snapshot()}
	if h.cfg.Storage != nil {
		st := h.cfg.Storage.Stats()
		resp.Storage = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

type poolResponse struct {
	Addresses         int     `json:"addresses"`
	GoodScore         int     `json:"good_score"`
	ConfidenceHeight  int32   `json:"confidence_height"`
	TimeOffsetSeconds float64 `json:"time_offset_seconds"`
}

func (h *handlers) pool(w http.ResponseWriter, r *http.Request) {
	p := h.cfg.Pool
	writeJSON(w, http.StatusOK, poolResponse{
		Addresses:         p.Len(),
		GoodScore:         p.GoodScore(),
		ConfidenceHeight:  p.ConfidenceHeight(),
		TimeOffsetSeconds: p.NetTimeOffset().Seconds(),
	})
}

type addressJSON struct {
	Address  string `json:"address"`
	Services uint64 `json:"services"`
}

func (h *handlers) addresses(w http.ResponseWriter, r *http.Request) {
	limit := defaultAddressLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAddressLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxAddressLimit))
			return
		}
		limit = n
	}
	sample := h.cfg.Pool.SampleGoodAddresses(limit, h.cfg.Pool.GoodScore())
	out := make([]addressJSON, 0, len(sample))
	for _, entry := range sample {
		out = append(out, addressJSON{Address: entry.Endpoint.String(), Services: entry.Services})
	}
	writeJSON(w, http.StatusOK, out)
}

type entryJSON struct {
	Address              string    `json:"address"`
	Services             uint64    `json:"services"`
	Score                int       `json:"score"`
	Confident            bool      `json:"confident"`
	StartingHeight       int32     `json:"starting_height"`
	LastProbe            time.Time `json:"last_probe,omitempty"`
	ProbeIntervalSeconds float64   `json:"probe_interval_seconds"`
	ProbeCount           uint64    `json:"probe_count"`
}

func (h *handlers) address(w http.ResponseWriter, r *http.Request) {
	ep, ok := endpointParam(w, r)
	if !ok {
		return
	}
	entry, found := h.cfg.Pool.Get(ep)
	if !found {
		writeError(w, http.StatusNotFound, "unknown address")
		return
	}
	writeJSON(w, http.StatusOK, entryJSON{
		Address:              entry.Endpoint.String(),
		Services:             entry.Services,
		Score:                entry.Score,
		Confident:            entry.Confident,
		StartingHeight:       entry.StartingHeight,
		LastProbe:            entry.LastProbe,
		ProbeIntervalSeconds: entry.ProbeInterval.Seconds(),
		ProbeCount:           entry.ProbeCount,
	})
}

func (h *handlers) deleteAddress(w http.ResponseWriter, r *http.Request) {
	ep, ok := endpointParam(w, r)
	if !ok {
		return
	}
	entry, found := h.cfg.Pool.Get(ep)
	switch {
	case !found:
		writeError(w, http.StatusNotFound, "unknown address")
		return
	case entry.Confident:
		writeError(w, http.StatusConflict, "trusted addresses cannot be deleted")
		return
	}
	if !h.cfg.Pool.Delete(ep) {
		writeError(w, http.StatusNotFound, "unknown address")
		return
	}
	h.logger.Info("Address deleted by operator", logging.MaskField("peer_address", ep.String()))
	w.WriteHeader(http.StatusNoContent)
}

func endpointParam(w http.ResponseWriter, r *http.Request) (wire.Endpoint, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, "endpoint"))
	if err == nil {
		var ep wire.Endpoint
		if ep, err = wire.ParseEndpoint(raw); err == nil {
			return ep, true
		}
	}
	writeError(w, http.StatusBadRequest, "endpoint must be ip:port or [ip]:port")
	return wire.Endpoint{}, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
