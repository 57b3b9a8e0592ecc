package deploy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the pipeline's prometheus collectors.
type Metrics struct {
	stages        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	releases      *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg, or a private registry when nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		stages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gryffen_pipeline_stages_total",
			Help: "Pipeline stages by final status",
		}, []string{"stage", "status"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gryffen_pipeline_stage_duration_seconds",
			Help:    "Pipeline stage duration",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"stage"}),
		releases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gryffen_pipeline_releases_total",
			Help: "Releases by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observeStage(r StageResult) {
	m.stages.WithLabelValues(r.Name, string(r.Status)).Inc()
	if !r.Started.IsZero() {
		m.stageDuration.WithLabelValues(r.Name).Observe(r.Duration().Seconds())
	}
}
