package seeds

import (
	"sync"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesOnce sync.Once
	queries     *prometheus.CounterVec
)

func recordQuery(qtype string, rcode int) {
	queriesOnce.Do(func() {
		queries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnseed_dns_queries_total",
			Help: "DNS queries answered by type and response code.",
		}, []string{"type", "rcode"})
		prometheus.MustRegister(queries)
	})
	queries.WithLabelValues(qtype, dns.RcodeToString[rcode]).Inc()
}
