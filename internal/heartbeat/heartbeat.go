// Package heartbeat emits a fixed ping message to every group on a timer.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/posrelay/internal/domain"
	"github.com/pscheid92/posrelay/internal/metrics"
)

// Heartbeat publishes "<group>-ping" to waiters, managers and admins once per interval,
// whether or not the groups have members.
type Heartbeat struct {
	publisher domain.GroupPublisher
	clock     clockwork.Clock
	interval  time.Duration
	message   string
	leader    domain.LeaderGate
	metrics   *metrics.HeartbeatMetrics
}

func New(publisher domain.GroupPublisher, clock clockwork.Clock, interval time.Duration, message string, m *metrics.HeartbeatMetrics) *Heartbeat {
	return &Heartbeat{
		publisher: publisher,
		clock:     clock,
		interval:  interval,
		message:   message,
		metrics:   m,
	}
}

// WithLeaderGate makes the heartbeat skip beats while gate reports this instance
// is not the leader.
func (h *Heartbeat) WithLeaderGate(gate domain.LeaderGate) *Heartbeat {
	h.leader = gate
	return h
}

// Run starts the heartbeat loop. It blocks until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	slog.Info("Heartbeat started", "interval", h.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Heartbeat stopped")
			return
		case <-ticker.Chan():
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	if h.leader != nil && !h.leader.Leading() {
		h.metrics.Skipped.Inc()
		return
	}

	h.metrics.Beats.Inc()
	for _, g := range domain.Groups {
		if err := h.publisher.PublishToGroup(ctx, g, g.PingEvent(), h.message); err != nil {
			h.metrics.Errors.WithLabelValues(string(g)).Inc()
			slog.WarnContext(ctx, "Heartbeat emit failed", "group", string(g), "error", err)
			continue
		}
		h.metrics.Emits.WithLabelValues(string(g)).Inc()
	}
}
