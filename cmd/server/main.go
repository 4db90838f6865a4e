package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/posrelay/internal/config"
	"github.com/pscheid92/posrelay/internal/gateway"
	"github.com/pscheid92/posrelay/internal/heartbeat"
	"github.com/pscheid92/posrelay/internal/identity"
	"github.com/pscheid92/posrelay/internal/metrics"
	"github.com/pscheid92/posrelay/internal/platform/logging"
	"github.com/pscheid92/posrelay/internal/platform/version"
	"github.com/pscheid92/posrelay/internal/relay"
	"github.com/pscheid92/posrelay/internal/server"
	goredis "github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

// relayMode holds the Redis-backed pieces that only exist when REDIS_URL is set.
type relayMode struct {
	client     *goredis.Client
	publisher  *relay.Publisher
	subscriber *relay.Subscriber
	leader     *relay.LeaderElection
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func setupRelay(ctx context.Context, cfg *config.Config, clock clockwork.Clock, registry *gateway.Registry, m *metrics.RelayMetrics) *relayMode {
	client, err := relay.NewClient(ctx, cfg.RedisURL, clock, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	return &relayMode{
		client:     client,
		publisher:  relay.NewPublisher(client, m),
		subscriber: relay.NewSubscriber(client, registry, m),
		leader:     relay.NewLeaderElection(client, clock, instanceID(), m),
	}
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "version", version.Get().String(), "env", cfg.AppEnv, "port", cfg.Port, "relay", cfg.RelayEnabled())

	reg := metrics.NewRegistry()
	gatewayMetrics := metrics.NewGatewayMetrics(reg)

	identityClient, err := identity.NewClient(cfg.IdentityURL, cfg.IdentityTimeout, metrics.NewIdentityMetrics(reg))
	if err != nil {
		slog.Error("Failed to create identity client", "error", err)
		os.Exit(1)
	}

	registry := gateway.NewRegistry(clock, gatewayMetrics)
	gw := gateway.New(registry, identityClient, cfg.WelcomeMessage, gatewayMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var background sync.WaitGroup
	runBackground := func(fn func(context.Context)) {
		background.Add(1)
		go func() {
			defer background.Done()
			fn(ctx)
		}()
	}

	heartbeatMetrics := metrics.NewHeartbeatMetrics(reg)

	var (
		srv *server.Server
		rm  *relayMode
		hb  *heartbeat.Heartbeat
	)
	if cfg.RelayEnabled() {
		rm = setupRelay(ctx, cfg, clock, registry, metrics.NewRelayMetrics(reg))

		subscriberDone, err := rm.subscriber.Start(ctx)
		if err != nil {
			slog.Error("Failed to start relay subscriber", "error", err)
			os.Exit(1)
		}
		runBackground(func(context.Context) { <-subscriberDone })
		runBackground(rm.leader.Run)

		// Every instance delivers relayed pings; only the leader emits them.
		hb = heartbeat.New(rm.publisher, clock, cfg.HeartbeatInterval, cfg.HeartbeatMessage, heartbeatMetrics).
			WithLeaderGate(rm.leader)
		srv = server.NewServer(cfg, gw, rm.client, reg, clock)
	} else {
		hb = heartbeat.New(registry, clock, cfg.HeartbeatInterval, cfg.HeartbeatMessage, heartbeatMetrics)
		// Pass nil explicitly to avoid a typed-nil interface in the readiness probe.
		srv = server.NewServer(cfg, gw, nil, reg, clock)
	}

	runBackground(hb.Run)

	done := runGracefulShutdown(srv, cancel, &background, rm, registry)

	if err := srv.Start(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}

func runGracefulShutdown(srv *server.Server, cancel context.CancelFunc, background *sync.WaitGroup, rm *relayMode, registry *gateway.Registry) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		cancel()
		background.Wait()

		if rm != nil {
			if err := rm.leader.Release(shutdownCtx); err != nil {
				slog.Error("Failed to release heartbeat leadership", "error", err)
			}
			if err := rm.client.Close(); err != nil {
				slog.Error("Failed to close Redis client", "error", err)
			}
		}

		registry.Stop()
		close(done)
	}()

	return done
}
