package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnPair(t *testing.T) (server *ws.Conn, client *ws.Conn) {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *ws.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(srv.Close)

	clientConn, _, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}

func TestClientWriter_WritesQueuedFrames(t *testing.T) {
	server, client := newTestConnPair(t)
	cw := newClientWriter(server, clockwork.NewRealClock())
	t.Cleanup(cw.stop)

	require.True(t, cw.enqueue(outbound{data: []byte(`{"event":"a"}`)}))
	require.True(t, cw.enqueue(outbound{data: []byte(`{"event":"b"}`)}))

	for _, want := range []string{`{"event":"a"}`, `{"event":"b"}`} {
		require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
		msgType, frame, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, ws.TextMessage, msgType)
		assert.Equal(t, want, string(frame))
	}
}

func TestClientWriter_EnqueueFullBuffer(t *testing.T) {
	cw := &clientWriter{sendChannel: make(chan outbound, 1)}

	assert.True(t, cw.enqueue(outbound{data: []byte("1")}))
	assert.False(t, cw.enqueue(outbound{data: []byte("2")}))
}

func TestClientWriter_FinalFrameThenClose(t *testing.T) {
	server, client := newTestConnPair(t)
	cw := newClientWriter(server, clockwork.NewRealClock())

	require.True(t, cw.enqueue(outbound{data: []byte(`{"event":"bye"}`), closeReason: "done"}))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"event":"bye"}`, string(frame))

	_, _, err = client.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "done", closeErr.Text)

	// The run loop has exited; stop must not block.
	cw.stop()
}

func TestClientWriter_SendsPings(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	server, client := newTestConnPair(t)
	cw := newClientWriter(server, clock)
	t.Cleanup(cw.stop)

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(pingInterval)

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}

func TestClientWriter_GracefulStopSendsReason(t *testing.T) {
	server, client := newTestConnPair(t)
	cw := newClientWriter(server, clockwork.NewRealClock())

	cw.stopGraceful("Server shutting down")

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.CloseNormalClosure, closeErr.Code)
	assert.Contains(t, closeErr.Text, "shutting down")
}

func TestClientWriter_ConcurrentStop(t *testing.T) {
	server, _ := newTestConnPair(t)
	cw := newClientWriter(server, clockwork.NewRealClock())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cw.stop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent stop calls deadlocked")
	}
}
