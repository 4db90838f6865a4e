package relay

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/posrelay/internal/domain"
	"github.com/pscheid92/posrelay/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	testRedisURL   string
	redisContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	redisContainer, err = redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	code := m.Run()
	if err := redisContainer.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
	}
	os.Exit(code)
}

func newTestMetrics() *metrics.RelayMetrics {
	return metrics.NewRelayMetrics(prometheus.NewRegistry())
}

func setupTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	rdb, err := NewClient(ctx, testRedisURL, clockwork.NewRealClock(), newTestMetrics())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = rdb.FlushAll(context.Background()).Err()
		_ = rdb.Close()
	})
	return rdb
}

type recordedEmit struct {
	Group domain.Group
	Event string
	Data  string
}

type recordingPublisher struct {
	mu    sync.Mutex
	emits []recordedEmit
}

func (r *recordingPublisher) PublishToGroup(_ context.Context, group domain.Group, event string, data any) error {
	encoded := ""
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		encoded = string(raw)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.emits = append(r.emits, recordedEmit{Group: group, Event: event, Data: encoded})
	return nil
}

func (r *recordingPublisher) getEmits() []recordedEmit {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]recordedEmit, len(r.emits))
	copy(result, r.emits)
	return result
}
