package metrics

import "github.com/prometheus/client_golang/prometheus"

// GatewayMetrics holds Prometheus metrics for socket connections and group membership.
type GatewayMetrics struct {
	ActiveConnections   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	GroupMembers        *prometheus.GaugeVec
	MessagesSent        *prometheus.CounterVec
	SlowClientsEvicted  prometheus.Counter
	CommandChannelDepth prometheus.Gauge
	AuthAttempts        *prometheus.CounterVec
}

// NewGatewayMetrics creates and registers gateway metrics on the given registry.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "active_connections",
			Help:      "Number of registered socket connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "connections_total",
			Help:      "Total number of socket connections accepted.",
		}),
		GroupMembers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "group_members",
			Help:      "Number of connections joined to each group.",
		}, []string{"group"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_sent_total",
			Help:      "Total number of events queued to clients, by event.",
		}, []string{"event"}),
		SlowClientsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "slow_clients_evicted_total",
			Help:      "Total number of clients disconnected because their send buffer was full.",
		}),
		CommandChannelDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "command_channel_depth",
			Help:      "Current depth of the registry command channel.",
		}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication attempts, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectionsTotal,
		m.GroupMembers,
		m.MessagesSent,
		m.SlowClientsEvicted,
		m.CommandChannelDepth,
		m.AuthAttempts,
	)
	return m
}
