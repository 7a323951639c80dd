package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type processMetrics struct {
	buildInfo *prometheus.GaugeVec
	started   prometheus.Gauge
	up        *prometheus.GaugeVec
}

var (
	processMetricsOnce sync.Once
	processRegistry    *processMetrics
)

// Process returns the lazily-initialised registry describing the running
// seeder: its build, start time and which components are serving.
func Process() *processMetrics {
	processMetricsOnce.Do(func() {
		processRegistry = &processMetrics{
			buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "dnseed",
				Name:      "build_info",
				Help:      "Constant 1, labelled with the build version, network and instance id.",
			}, []string{"version", "network", "instance"}),
			started: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "dnseed",
				Name:      "start_time_seconds",
				Help:      "Unix time the seeder started.",
			}),
			up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "dnseed",
				Name:      "component_up",
				Help:      "1 while a component is serving, 0 once it has stopped.",
			}, []string{"component"}),
		}
		prometheus.MustRegister(processRegistry.buildInfo, processRegistry.started, processRegistry.up)
	})
	return processRegistry
}

// RecordStart publishes the build labels and the start time.
func (m *processMetrics) RecordStart(version, network, instance string, at time.Time) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, network, instance).Set(1)
	m.started.Set(float64(at.Unix()))
}

// ComponentUp flags a component as serving or stopped.
func (m *processMetrics) ComponentUp(component string, up bool) {
	if m == nil {
		return
	}
	value := 0.0
	if up {
		value = 1
	}
	m.up.WithLabelValues(component).Set(value)
}
