package metadata

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "offline_cache"

// Metrics holds the prometheus collectors fed by Recorder.
type Metrics struct {
	fetches   *prometheus.CounterVec
	fetchTime prometheus.Histogram
	served    *prometheus.CounterVec
	lifecycle *prometheus.CounterVec
	errors    *prometheus.CounterVec
	artifacts *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "network_fetches_total",
			Help:      "Network fetches by HTTP status class.",
		}, []string{"status_class"}),
		fetchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "network_fetch_duration_seconds",
			Help:      "Duration of network fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_served_total",
			Help:      "Fetch event responses by source.",
		}, []string{"source"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events by phase and result.",
		}, []string{"phase", "result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Recorded errors by package and cause.",
		}, []string{"package", "cause"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_written_total",
			Help:      "Cache artifacts written by kind.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{m.fetches, m.fetchTime, m.served, m.lifecycle, m.errors, m.artifacts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func statusClass(status int) string {
	if status <= 0 {
		return "none"
	}
	return strconv.Itoa(status/100) + "xx"
}
