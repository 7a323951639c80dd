package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"dnseed/p2p/wire"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	sessions       *prometheus.GaugeVec
	work           *prometheus.CounterVec
	connectFailure prometheus.Counter
	frames         *prometheus.CounterVec
	violations     *prometheus.CounterVec
	pauses         prometheus.Counter
	overflows      prometheus.Counter
	throttled      prometheus.Counter
	poolSize       prometheus.Gauge
	confHeight     prometheus.Gauge

	meter        metric.Meter
	workCounter  metric.Int64Counter
	frameCounter metric.Int64Counter
}

func metrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dnseed_p2p_sessions",
				Help: "Live peer sessions by direction.",
			}, []string{"direction"}),
			work: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "dnseed_p2p_work_total",
				Help: "Finished peer sessions by direction and result.",
			}, []string{"direction", "result"}),
			connectFailure: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "dnseed_p2p_connect_failures_total",
				Help: "Outbound dials that never connected.",
			}),
			frames: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "dnseed_p2p_frames_total",
				Help: "Network channel frames by direction and command.",
			}, []string{"direction", "command"}),
			violations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "dnseed_p2p_protocol_violations_total",
				Help: "Sessions closed for protocol violations, by state.",
			}, []string{"state"}),
			pauses: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "dnseed_p2p_read_pauses_total",
				Help: "Times a connection reader paused on backpressure.",
			}),
			overflows: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "dnseed_p2p_queue_overflows_total",
				Help: "Shard queue posts that timed out.",
			}),
			throttled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "dnseed_p2p_inbound_throttled_total",
				Help: "Inbound connections closed by the per-address accept limit.",
			}),
			poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "dnseed_pool_addresses",
				Help: "Known addresses in the pool.",
			}),
			confHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "dnseed_pool_confidence_height",
				Help: "Mean starting height reported by trusted addresses.",
			}),
		}
		prometheus.MustRegister(nm.sessions, nm.work, nm.connectFailure, nm.frames,
			nm.violations, nm.pauses, nm.overflows, nm.throttled, nm.poolSize, nm.confHeight)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("dnseed/p2p")
	work, err := meter.Int64Counter("dnseed.p2p.work")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("dnseed/p2p")
		work, _ = fallback.Int64Counter("dnseed.p2p.work")
		meter = fallback
	}
	frames, err := meter.Int64Counter("dnseed.p2p.frames")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("dnseed/p2p")
		frames, _ = fallback.Int64Counter("dnseed.p2p.frames")
		meter = fallback
	}
	m.meter = meter
	m.workCounter = work
	m.frameCounter = frames
}

func (m *networkMetrics) recordFrame(direction string, cmd wire.Command) {
	if m == nil {
		return
	}
	label := cmd.String()
	m.frames.WithLabelValues(direction, label).Inc()
	if m.frameCounter != nil {
		m.frameCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("command", label),
		))
	}
}

func (m *networkMetrics) recordWork(direction string, success bool) {
	if m == nil {
		return
	}
	result := "fail"
	if success {
		result = "success"
	}
	m.work.WithLabelValues(direction, result).Inc()
	if m.workCounter != nil {
		m.workCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("result", result),
		))
	}
}

func (m *networkMetrics) recordConnectFailure() {
	if m != nil {
		m.connectFailure.Inc()
	}
}

func (m *networkMetrics) recordViolation(state PeerState) {
	if m != nil {
		m.violations.WithLabelValues(state.String()).Inc()
	}
}

func (m *networkMetrics) recordPause() {
	if m != nil {
		m.pauses.Inc()
	}
}

func (m *networkMetrics) recordQueueOverflow() {
	if m != nil {
		m.overflows.Inc()
	}
}

func (m *networkMetrics) recordInboundThrottled() {
	if m != nil {
		m.throttled.Inc()
	}
}

func (m *networkMetrics) observeSessions(in, out int64) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues("inbound").Set(float64(in))
	m.sessions.WithLabelValues("outbound").Set(float64(out))
}

func (m *networkMetrics) observePool(size int, height int32) {
	if m == nil {
		return
	}
	m.poolSize.Set(float64(size))
	m.confHeight.Set(float64(height))
}
