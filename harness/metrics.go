package harness

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rgt_harness"

// metrics are registered on a per-run registry and exported once as a
// text file when the run ends.
type metrics struct {
	registry *prometheus.Registry
	groups   *prometheus.CounterVec
	duration prometheus.Histogram
	inFlight prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		groups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "groups_total",
			Help:      "Application groups finished, by state",
		}, []string{"state"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "group_duration_seconds",
			Help:      "Wall time of one application group",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "groups_in_flight",
			Help:      "Application groups currently running",
		}),
	}
	m.registry.MustRegister(m.groups, m.duration, m.inFlight)
	return m
}

func (m *metrics) observe(o Outcome) {
	m.groups.WithLabelValues(string(o.State)).Inc()
	m.duration.Observe(o.Duration.Seconds())
}

func (m *metrics) write(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
