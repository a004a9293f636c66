package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	AttachTotal       *prometheus.CounterVec
	DetachTotal       *prometheus.CounterVec
	StaleEventsTotal  *prometheus.CounterVec
	ResyncTotal       *prometheus.CounterVec
	ReattachFailures  prometheus.Counter
	SessionsByState   *prometheus.GaugeVec
	InboundEventTotal *prometheus.CounterVec
}

// New creates the instruments on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.AttachTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termlink_attach_total",
			Help: "Attach attempts by transport and result",
		},
		[]string{"transport", "result"},
	)

	m.DetachTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termlink_detach_total",
			Help: "Completed detaches by transport and whether the user asked for them",
		},
		[]string{"transport", "explicit"},
	)

	m.StaleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termlink_stale_events_total",
			Help: "Lifecycle events discarded as stale",
		},
		[]string{"event"},
	)

	m.ResyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termlink_resync_total",
			Help: "Resynchronization runs by result",
		},
		[]string{"result"},
	)

	m.ReattachFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "termlink_reattach_failures_total",
			Help: "Sessions that could not be re-attached after a reconnect",
		},
	)

	m.SessionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "termlink_sessions",
			Help: "Tracked sessions by attachment state",
		},
		[]string{"state"},
	)

	m.InboundEventTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termlink_inbound_events_total",
			Help: "Events processed by the dispatcher by kind",
		},
		[]string{"kind"},
	)

	m.registry.MustRegister(
		m.AttachTotal,
		m.DetachTotal,
		m.StaleEventsTotal,
		m.ResyncTotal,
		m.ReattachFailures,
		m.SessionsByState,
		m.InboundEventTotal,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Attach(transport, result string) {
	if m == nil {
		return
	}
	m.AttachTotal.WithLabelValues(transport, result).Inc()
}

func (m *Metrics) Detach(transport string, explicit bool) {
	if m == nil {
		return
	}
	label := "false"
	if explicit {
		label = "true"
	}
	m.DetachTotal.WithLabelValues(transport, label).Inc()
}

func (m *Metrics) StaleEvent(event string) {
	if m == nil {
		return
	}
	m.StaleEventsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) Resync(result string) {
	if m == nil {
		return
	}
	m.ResyncTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ReattachFailed() {
	if m == nil {
		return
	}
	m.ReattachFailures.Inc()
}

// SetSessionStates replaces the per-state gauge values.
func (m *Metrics) SetSessionStates(counts map[string]int) {
	if m == nil {
		return
	}
	m.SessionsByState.Reset()
	for state, n := range counts {
		m.SessionsByState.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) InboundEvent(kind string) {
	if m == nil {
		return
	}
	m.InboundEventTotal.WithLabelValues(kind).Inc()
}
