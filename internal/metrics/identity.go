package metrics

import "github.com/prometheus/client_golang/prometheus"

// IdentityMetrics holds Prometheus metrics for identity service lookups.
type IdentityMetrics struct {
	Requests       *prometheus.CounterVec
	Duration       prometheus.Histogram
	BreakerState   prometheus.Gauge
	BreakerChanges *prometheus.CounterVec
}

// NewIdentityMetrics creates and registers identity client metrics on the given registry.
func NewIdentityMetrics(reg prometheus.Registerer) *IdentityMetrics {
	m := &IdentityMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "requests_total",
			Help:      "Total number of identity lookups, by result.",
		}, []string{"result"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "request_duration_seconds",
			Help:      "Duration of identity lookups in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "circuit_breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		BreakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Circuit breaker state transitions, by new state.",
		}, []string{"state"}),
	}

	reg.MustRegister(m.Requests, m.Duration, m.BreakerState, m.BreakerChanges)
	return m
}
