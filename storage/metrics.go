package storage

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce   sync.Once
	sharedMetrics *storageMetrics
)

type storageMetrics struct {
	events *prometheus.CounterVec
}

func metrics() *storageMetrics {
	metricsOnce.Do(func() {
		m := &storageMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "dnseed_storage_events_total",
				Help: "Address persistence events by kind and outcome.",
			}, []string{"kind", "outcome"}),
		}
		prometheus.MustRegister(m.events)
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *storageMetrics) recordEvent(kind EventKind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind.String(), outcome).Inc()
}
