package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the orchestrator's prometheus collectors.
type Metrics struct {
	state         *prometheus.GaugeVec
	restarts      *prometheus.CounterVec
	probeFailures *prometheus.CounterVec
	probeLatency  *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. A nil reg uses a private
// registry so repeated construction in one process does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gryffen_stack_service_state",
			Help: "1 for the current state of each service, 0 otherwise",
		}, []string{"service", "state"}),
		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gryffen_stack_service_restarts_total",
			Help: "Service restarts by the restart policy",
		}, []string{"service"}),
		probeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gryffen_stack_probe_failures_total",
			Help: "Failed health probes",
		}, []string{"service"}),
		probeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gryffen_stack_probe_duration_seconds",
			Help:    "Health probe duration",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"service"}),
	}
}

func (m *Metrics) setState(service string, state State) {
	for _, s := range AllStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(service, string(s)).Set(v)
	}
}
