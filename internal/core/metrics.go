package core

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Relays           *prometheus.CounterVec
	ActiveRelays     prometheus.Gauge
	Deltas           prometheus.Counter
	UpstreamFailures *prometheus.CounterVec
}

// NewMetrics registers the relay collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_relays_total",
			Help: "Answer relays by outcome.",
		}, []string{"outcome"}),
		ActiveRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_relays",
			Help: "Relays currently polling the conversation store.",
		}),
		Deltas: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_upstream_deltas_total",
			Help: "Text deltas folded into assistant messages.",
		}),
		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_upstream_failures_total",
			Help: "Upstream calls that produced no answer, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.Relays, m.ActiveRelays, m.Deltas, m.UpstreamFailures)
	return m
}

// The helpers below tolerate a nil *Metrics so components can run unobserved.

func (m *Metrics) delta() {
	if m != nil {
		m.Deltas.Inc()
	}
}

func (m *Metrics) upstreamFailure(reason string) {
	if m != nil {
		m.UpstreamFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) relayDone(outcome string) {
	if m != nil {
		m.Relays.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) relayActive(delta float64) {
	if m != nil {
		m.ActiveRelays.Add(delta)
	}
}
