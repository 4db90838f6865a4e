package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/posrelay/internal/domain"
	"github.com/pscheid92/posrelay/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// LeaderKey is the Redis key holding the heartbeat leader's instance ID.
	LeaderKey        = "posrelay:heartbeat:leader"
	defaultLeaderTTL = 15 * time.Second
	defaultRenewal   = 5 * time.Second
)

// ErrNotLeader is returned by Renew when another instance holds the lease.
var ErrNotLeader = errors.New("not leader")

var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// LeaderElection holds a SETNX lease with a TTL. The holder renews it periodically;
// if it stops renewing, the key expires and another instance takes over.
type LeaderElection struct {
	rdb        *goredis.Client
	clock      clockwork.Clock
	instanceID string
	key        string
	ttl        time.Duration
	renewEvery time.Duration
	leading    atomic.Bool
	metrics    *metrics.RelayMetrics
}

var _ domain.LeaderGate = (*LeaderElection)(nil)

func NewLeaderElection(rdb *goredis.Client, clock clockwork.Clock, instanceID string, m *metrics.RelayMetrics) *LeaderElection {
	return &LeaderElection{
		rdb:        rdb,
		clock:      clock,
		instanceID: instanceID,
		key:        LeaderKey,
		ttl:        defaultLeaderTTL,
		renewEvery: defaultRenewal,
		metrics:    m,
	}
}

// Leading reports the cached leadership state as of the last election round.
func (l *LeaderElection) Leading() bool {
	return l.leading.Load()
}

// TryAcquire attempts to take the lease. Returns true if this instance is now the leader.
func (l *LeaderElection) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	return ok, nil
}

// Renew extends the lease if this instance still holds it.
func (l *LeaderElection) Renew(ctx context.Context) error {
	res, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew leader lock: %w", err)
	}
	if res == 0 {
		return ErrNotLeader
	}
	return nil
}

// Release gives up the lease if this instance still holds it.
func (l *LeaderElection) Release(ctx context.Context) error {
	l.setLeading(false)
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}

// Run campaigns for and keeps the lease until ctx is cancelled.
func (l *LeaderElection) Run(ctx context.Context) {
	ticker := l.clock.NewTicker(l.renewEvery)
	defer ticker.Stop()

	l.round(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.round(ctx)
		}
	}
}

func (l *LeaderElection) round(ctx context.Context) {
	if l.Leading() {
		err := l.Renew(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		slog.Warn("Lost heartbeat leadership", "instance_id", l.instanceID, "error", err)
		l.setLeading(false)
		if !errors.Is(err, ErrNotLeader) {
			return
		}
	}

	ok, err := l.TryAcquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("Leader election failed", "error", err)
		}
		return
	}
	if ok {
		slog.Info("Acquired heartbeat leadership", "instance_id", l.instanceID)
		l.setLeading(true)
	}
}

func (l *LeaderElection) setLeading(leading bool) {
	was := l.leading.Swap(leading)
	if was == leading {
		return
	}
	if leading {
		l.metrics.Leader.Set(1)
		l.metrics.Elections.WithLabelValues("acquired").Inc()
	} else {
		l.metrics.Leader.Set(0)
		l.metrics.Elections.WithLabelValues("lost").Inc()
	}
}
