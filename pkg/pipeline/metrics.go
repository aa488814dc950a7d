package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates pipeline observations. Stage durations are labeled
// by stage and outcome so a failed build is never hidden inside the
// success histogram.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	deployments   *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors on reg. Pass
// prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "servergem",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage", "outcome"}),
		deployments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servergem",
			Subsystem: "pipeline",
			Name:      "deployments_total",
			Help:      "Deployment runs by final outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observeStage(stage string, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

func (m *Metrics) observeDeployment(outcome string) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(outcome).Inc()
}
