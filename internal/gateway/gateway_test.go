package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/posrelay/internal/domain"
	"github.com/pscheid92/posrelay/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIdentity struct {
	mu      sync.Mutex
	results map[string]domain.AuthResult
	err     error
	block   chan struct{}
	calls   []domain.Credentials
}

func (f *fakeIdentity) Authenticate(ctx context.Context, creds domain.Credentials) (domain.AuthResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, creds)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.AuthResult{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.AuthResult{}, f.err
	}
	result, ok := f.results[creds.User+"/"+creds.Key]
	if !ok {
		return domain.AuthResult{}, fmt.Errorf("%w: status 401", domain.ErrAuthRejected)
	}
	return result, nil
}

func (f *fakeIdentity) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type gatewayHarness struct {
	registry *Registry
	metrics  *metrics.GatewayMetrics
	url      string
}

func newGatewayHarness(t *testing.T, identity domain.IdentityService) *gatewayHarness {
	t.Helper()

	m := metrics.NewGatewayMetrics(prometheus.NewRegistry())
	registry := NewRegistry(clockwork.NewRealClock(), m)
	t.Cleanup(registry.Stop)

	gw := New(registry, identity, "hello man", m)

	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = gw.Serve(context.Background(), conn)
	}))
	t.Cleanup(server.Close)

	return &gatewayHarness{
		registry: registry,
		metrics:  m,
		url:      "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (h *gatewayHarness) dial(t *testing.T) *ws.Conn {
	t.Helper()
	conn, _, err := ws.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	env := readEnvelope(t, conn)
	require.Equal(t, domain.EventWelcome, env.Event)
	return conn
}

func sendEvent(t *testing.T, conn *ws.Conn, event string, data any) {
	t.Helper()
	frame, err := EncodeEvent(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(ws.TextMessage, frame))
}

func waitForGroupSize(r *Registry, group domain.Group, expected int) bool {
	for i := 0; i < 200; i++ {
		if r.GroupSize(group) == expected {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestGateway_SendsWelcome(t *testing.T) {
	h := newGatewayHarness(t, &fakeIdentity{})

	conn, _, err := ws.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	env := readEnvelope(t, conn)
	assert.Equal(t, domain.EventWelcome, env.Event)
	assert.JSONEq(t, `"hello man"`, string(env.Data))
	assert.True(t, waitForConnections(h.registry, 1))
}

func TestGateway_SuccessJoinsExactGroups(t *testing.T) {
	identity := &fakeIdentity{results: map[string]domain.AuthResult{
		"anna/123456": {IsWaiter: true, IsAdmin: true},
	}}
	h := newGatewayHarness(t, identity)
	conn := h.dial(t)

	sendEvent(t, conn, domain.EventAuthenticateRequest, domain.Credentials{User: "anna", Key: "123456"})

	env := readEnvelope(t, conn)
	assert.Equal(t, domain.EventAuthenticateResult, env.Event)
	assert.JSONEq(t, `"success"`, string(env.Data))

	// Groups are joined before success is sent.
	assert.Equal(t, 1, h.registry.GroupSize(domain.GroupWaiters))
	assert.Equal(t, 0, h.registry.GroupSize(domain.GroupManagers))
	assert.Equal(t, 1, h.registry.GroupSize(domain.GroupAdmins))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.AuthAttempts.WithLabelValues("success")))

	expectNoFrame(t, conn, 100*time.Millisecond)
}

func TestGateway_SuccessWithNoFlagsJoinsNothing(t *testing.T) {
	identity := &fakeIdentity{results: map[string]domain.AuthResult{"bob/1": {}}}
	h := newGatewayHarness(t, identity)
	conn := h.dial(t)

	sendEvent(t, conn, domain.EventAuthenticateRequest, domain.Credentials{User: "bob", Key: "1"})

	env := readEnvelope(t, conn)
	assert.JSONEq(t, `"success"`, string(env.Data))
	for _, g := range domain.Groups {
		assert.Equal(t, 0, h.registry.GroupSize(g))
	}
}

func TestGateway_RejectedSendsFailAndCloses(t *testing.T) {
	h := newGatewayHarness(t, &fakeIdentity{})
	conn := h.dial(t)

	sendEvent(t, conn, domain.EventAuthenticateRequest, domain.Credentials{User: "eve", Key: "000000"})

	env := readEnvelope(t, conn)
	assert.Equal(t, domain.EventAuthenticateResult, env.Event)
	assert.JSONEq(t, `"fail"`, string(env.Data))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, ws.IsCloseError(err, ws.CloseNormalClosure))

	assert.True(t, waitForConnections(h.registry, 0))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.AuthAttempts.WithLabelValues("rejected")))
}

func TestGateway_UnavailableSendsFail(t *testing.T) {
	identity := &fakeIdentity{err: fmt.Errorf("%w: connection refused", domain.ErrIdentityUnavailable)}
	h := newGatewayHarness(t, identity)
	conn := h.dial(t)

	sendEvent(t, conn, domain.EventAuthenticateRequest, domain.Credentials{User: "anna", Key: "1"})

	env := readEnvelope(t, conn)
	assert.JSONEq(t, `"fail"`, string(env.Data))
	assert.True(t, waitForConnections(h.registry, 0))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.AuthAttempts.WithLabelValues("unavailable")))
}

func TestGateway_MalformedCredentialsFail(t *testing.T) {
	identity := &fakeIdentity{}
	h := newGatewayHarness(t, identity)
	conn := h.dial(t)

	sendEvent(t, conn, domain.EventAuthenticateRequest, map[string]string{"user": "anna"})

	env := readEnvelope(t, conn)
	assert.JSONEq(t, `"fail"`, string(env.Data))
	assert.Equal(t, 0, identity.callCount())
}

func TestGateway_RepeatedAuthIsAdditive(t *testing.T) {
	identity := &fakeIdentity{results: map[string]domain.AuthResult{
		"anna/1": {IsWaiter: true},
		"anna/2": {IsManager: true},
	}}
	h := newGatewayHarness(t, identity)
	conn := h.dial(t)

	sendEvent(t, conn, domain.EventAuthenticateRequest, domain.Credentials{User: "anna", Key: "1"})
	assert.JSONEq(t, `"success"`, string(readEnvelope(t, conn).Data))

	sendEvent(t, conn, domain.EventAuthenticateRequest, domain.Credentials{User: "anna", Key: "2"})
	assert.JSONEq(t, `"success"`, string(readEnvelope(t, conn).Data))

	assert.Equal(t, 1, h.registry.GroupSize(domain.GroupWaiters))
	assert.Equal(t, 1, h.registry.GroupSize(domain.GroupManagers))
}

func TestGateway_IgnoresMalformedAndUnknownFrames(t *testing.T) {
	identity := &fakeIdentity{results: map[string]domain.AuthResult{"anna/1": {IsWaiter: true}}}
	h := newGatewayHarness(t, identity)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`{"data":"no event"}`)))
	sendEvent(t, conn, "order_created", map[string]int{"id": 7})

	sendEvent(t, conn, domain.EventAuthenticateRequest, domain.Credentials{User: "anna", Key: "1"})
	env := readEnvelope(t, conn)
	assert.Equal(t, domain.EventAuthenticateResult, env.Event)
	assert.JSONEq(t, `"success"`, string(env.Data))
}

func TestGateway_UngroupedClientGetsNoPings(t *testing.T) {
	identity := &fakeIdentity{results: map[string]domain.AuthResult{"anna/1": {IsAdmin: true}}}
	h := newGatewayHarness(t, identity)

	admin := h.dial(t)
	lurker := h.dial(t)

	sendEvent(t, admin, domain.EventAuthenticateRequest, domain.Credentials{User: "anna", Key: "1"})
	readEnvelope(t, admin)

	for _, g := range domain.Groups {
		require.NoError(t, h.registry.PublishToGroup(context.Background(), g, g.PingEvent(), "Hello there"))
	}

	env := readEnvelope(t, admin)
	assert.Equal(t, "admins-ping", env.Event)
	expectNoFrame(t, lurker, 100*time.Millisecond)
}

func TestGateway_DisconnectEventClosesAndLeavesGroups(t *testing.T) {
	identity := &fakeIdentity{results: map[string]domain.AuthResult{"anna/1": {IsWaiter: true, IsManager: true}}}
	h := newGatewayHarness(t, identity)
	conn := h.dial(t)

	sendEvent(t, conn, domain.EventAuthenticateRequest, domain.Credentials{User: "anna", Key: "1"})
	readEnvelope(t, conn)
	require.Equal(t, 1, h.registry.GroupSize(domain.GroupWaiters))

	sendEvent(t, conn, domain.EventDisconnect, nil)

	require.True(t, waitForConnections(h.registry, 0))
	assert.True(t, waitForGroupSize(h.registry, domain.GroupWaiters, 0))
	assert.True(t, waitForGroupSize(h.registry, domain.GroupManagers, 0))

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestGateway_ClientCloseCancelsPendingAuth(t *testing.T) {
	identity := &fakeIdentity{block: make(chan struct{})}
	h := newGatewayHarness(t, identity)
	conn := h.dial(t)

	sendEvent(t, conn, domain.EventAuthenticateRequest, domain.Credentials{User: "anna", Key: "1"})
	require.Eventually(t, func() bool { return identity.callCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())

	assert.True(t, waitForConnections(h.registry, 0))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.AuthAttempts.WithLabelValues("unavailable")))
}
