package dht

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routingTableSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dht",
			Subsystem: "node",
			Name:      "routing_table_size",
			Help:      "Number of entries currently held in the routing table",
		},
		[]string{"stack"},
	)

	lookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dht",
			Subsystem: "node",
			Name:      "lookups_total",
			Help:      "Total number of lookup tasks started by kind",
		},
		[]string{"stack", "kind"},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dht",
			Subsystem: "node",
			Name:      "requests_total",
			Help:      "Total number of inbound requests handled by method and result",
		},
		[]string{"stack", "method", "result"},
	)
)

// Metrics binds the package's shared Prometheus vectors to one
// instance's stack label (v4 or v6), so a Runner's pair of Node
// instances report distinguishable series without double-registering
// collectors.
type Metrics struct {
	stack string
}

func newMetrics() *Metrics {
	return &Metrics{stack: "unknown"}
}

func (m *Metrics) setStack(isIPv6 bool) {
	if isIPv6 {
		m.stack = "v6"
	} else {
		m.stack = "v4"
	}
}

func (m *Metrics) observeRoutingTableSize(n int) {
	routingTableSize.WithLabelValues(m.stack).Set(float64(n))
}

func (m *Metrics) recordLookup(kind string) {
	lookupsTotal.WithLabelValues(m.stack, kind).Inc()
}

func (m *Metrics) recordRequest(method, result string) {
	requestsTotal.WithLabelValues(m.stack, method, result).Inc()
}
