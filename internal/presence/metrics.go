package presence

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricPresenceJoins          = "presence_joins_total"
	MetricPresenceDepartures     = "presence_departures_total"
	MetricPresenceActive         = "presence_active_participants"
	MetricPresenceEventsRelayed  = "presence_events_relayed_total"
	MetricPresenceEventsRejected = "presence_events_rejected_total"
	MetricPresenceDeliveryErrors = "presence_delivery_errors_total"
	MetricPresenceEvictions      = "presence_janitor_evictions_total"
)

// Metrics contains Prometheus metrics for the presence relay.
// All operations are thread-safe, and every method is a no-op on a nil receiver.
type Metrics struct {
	joins          prometheus.Counter
	departures     *prometheus.CounterVec
	active         prometheus.Gauge
	eventsRelayed  *prometheus.CounterVec
	eventsRejected *prometheus.CounterVec
	deliveryErrors prometheus.Counter
	evictions      prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPresenceJoins,
			Help: "Total number of successful room joins",
		}),
		departures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPresenceDepartures,
			Help: "Total number of room departures by reason",
		}, []string{"reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPresenceActive,
			Help: "Number of participants currently registered in any room",
		}),
		eventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPresenceEventsRelayed,
			Help: "Total number of accepted inbound events by event name",
		}, []string{"event"}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPresenceEventsRejected,
			Help: "Total number of rejected inbound events by error code",
		}, []string{"code"}),
		deliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPresenceDeliveryErrors,
			Help: "Total number of outbound events that could not be handed to a connection",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPresenceEvictions,
			Help: "Total number of participants evicted for inactivity",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
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
	return []prometheus.Collector{
		m.joins,
		m.departures,
		m.active,
		m.eventsRelayed,
		m.eventsRejected,
		m.deliveryErrors,
		m.evictions,
	}
}

// IncJoins increments the joins counter.
func (m *Metrics) IncJoins() {
	if m == nil {
		return
	}
	m.joins.Inc()
}

// IncDepartures increments the departures counter for reason.
func (m *Metrics) IncDepartures(reason string) {
	if m == nil {
		return
	}
	m.departures.WithLabelValues(reason).Inc()
}

// SetActive records the current registry size.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

// IncEventsRelayed increments the accepted events counter for event.
func (m *Metrics) IncEventsRelayed(event string) {
	if m == nil {
		return
	}
	m.eventsRelayed.WithLabelValues(event).Inc()
}

// IncEventsRejected increments the rejected events counter for code.
func (m *Metrics) IncEventsRejected(code string) {
	if m == nil {
		return
	}
	m.eventsRejected.WithLabelValues(code).Inc()
}

// IncDeliveryErrors increments the delivery errors counter.
func (m *Metrics) IncDeliveryErrors() {
	if m == nil {
		return
	}
	m.deliveryErrors.Inc()
}

// IncEvictions increments the janitor evictions counter.
func (m *Metrics) IncEvictions() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}
