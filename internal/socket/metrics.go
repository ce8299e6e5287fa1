package socket

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricSocketConnections   = "socket_connections_active"
	MetricSocketSlowConsumers = "socket_slow_consumer_closes_total"
)

// Metrics contains Prometheus metrics for websocket connections.
type Metrics struct {
	connections   prometheus.Gauge
	slowConsumers prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricSocketConnections,
			Help: "Number of websocket connections currently attached",
		}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSocketSlowConsumers,
			Help: "Total number of connections closed because their outbound queue filled up",
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.connections, m.slowConsumers}
}

// SetConnections records the number of attached connections.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// IncSlowConsumers increments the slow consumer counter.
func (m *Metrics) IncSlowConsumers() {
	if m == nil {
		return
	}
	m.slowConsumers.Inc()
}
