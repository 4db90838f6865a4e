package metrics

import "github.com/prometheus/client_golang/prometheus"

// HeartbeatMetrics holds Prometheus metrics for the group heartbeat.
type HeartbeatMetrics struct {
	Beats   prometheus.Counter
	Skipped prometheus.Counter
	Emits   *prometheus.CounterVec
	Errors  *prometheus.CounterVec
}

// NewHeartbeatMetrics creates and registers heartbeat metrics on the given registry.
func NewHeartbeatMetrics(reg prometheus.Registerer) *HeartbeatMetrics {
	m := &HeartbeatMetrics{
		Beats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "beats_total",
			Help:      "Total number of heartbeat ticks that emitted pings.",
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "skipped_total",
			Help:      "Total number of heartbeat ticks skipped because this instance is not the leader.",
		}),
		Emits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "emits_total",
			Help:      "Total number of group pings emitted, by group.",
		}, []string{"group"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "errors_total",
			Help:      "Total number of failed group pings, by group.",
		}, []string{"group"}),
	}

	reg.MustRegister(m.Beats, m.Skipped, m.Emits, m.Errors)
	return m
}
