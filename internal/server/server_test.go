package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/posrelay/internal/config"
	"github.com/pscheid92/posrelay/internal/domain"
	"github.com/pscheid92/posrelay/internal/gateway"
	"github.com/pscheid92/posrelay/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:              "test",
		Port:                "0",
		WelcomeMessage:      "hello man",
		HeartbeatMessage:    "Hello there",
		MaxConnections:      100,
		MaxConnectionsPerIP: 100,
		ConnectionRate:      100,
		ConnectionBurst:     100,
	}
}

type mockRedisClient struct {
	pingErr error
}

func (m *mockRedisClient) Ping(ctx context.Context) *goredis.StatusCmd {
	cmd := goredis.NewStatusCmd(ctx)
	if m.pingErr != nil {
		cmd.SetErr(m.pingErr)
	} else {
		cmd.SetVal("PONG")
	}
	return cmd
}

type stubIdentity struct {
	mu      sync.Mutex
	results map[string]domain.AuthResult
}

func (s *stubIdentity) Authenticate(_ context.Context, creds domain.Credentials) (domain.AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[creds.User+"/"+creds.Key]
	if !ok {
		return domain.AuthResult{}, domain.ErrAuthRejected
	}
	return result, nil
}

type testEnv struct {
	server   *Server
	registry *gateway.Registry
	url      string
}

// newTestEnv wires a server to a real gateway and registry. A nil redis client
// runs the server in single-instance mode.
func newTestEnv(t *testing.T, cfg *config.Config, identity domain.IdentityService, redis redisPinger) *testEnv {
	t.Helper()

	clock := clockwork.NewRealClock()
	reg := prometheus.NewRegistry()
	gwMetrics := metrics.NewGatewayMetrics(reg)

	registry := gateway.NewRegistry(clock, gwMetrics)
	t.Cleanup(registry.Stop)

	gw := gateway.New(registry, identity, cfg.WelcomeMessage, gwMetrics)
	srv := NewServer(cfg, gw, redis, reg, clock)

	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)

	return &testEnv{
		server:   srv,
		registry: registry,
		url:      ts.URL,
	}
}

func (e *testEnv) socketURL() string {
	return "ws" + strings.TrimPrefix(e.url, "http") + "/socket"
}
