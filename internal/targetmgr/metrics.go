package targetmgr

import (
	"github.com/dmdmdm-nz/reachd/internal/reachability"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors the manager keeps current.
type Metrics struct {
	transitions    *prometheus.CounterVec
	status         *prometheus.GaugeVec
	observers      prometheus.Gauge
	listenFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reachd",
			Name:      "status_transitions_total",
			Help:      "Reachability status transitions by target and new status.",
		}, []string{"target", "status"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reachd",
			Name:      "observer_status",
			Help:      "Current status per target: 0 not reachable, 1 wifi, 2 wwan.",
		}, []string{"target"}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reachd",
			Name:      "observers",
			Help:      "Number of registered observers.",
		}),
		listenFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reachd",
			Name:      "listen_failures_total",
			Help:      "Observers that could not start listening.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.status, m.observers, m.listenFailures)
	}
	return m
}

func (m *Metrics) setStatus(target string, s reachability.Status) {
	m.status.WithLabelValues(target).Set(float64(s))
}

func (m *Metrics) transition(target string, s reachability.Status) {
	m.transitions.WithLabelValues(target, s.String()).Inc()
	m.setStatus(target, s)
}

func (m *Metrics) forget(target string) {
	m.status.DeleteLabelValues(target)
}
