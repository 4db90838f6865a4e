package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pscheid92/posrelay/internal/domain"
	"github.com/pscheid92/posrelay/internal/metrics"
	"github.com/pscheid92/posrelay/internal/platform/correlation"
)

const maxFrameSize = 4096

// Gateway runs the per-connection session: welcome, authentication and group assignment.
type Gateway struct {
	registry *Registry
	identity domain.IdentityService
	welcome  string
	metrics  *metrics.GatewayMetrics
}

func New(registry *Registry, identity domain.IdentityService, welcome string, m *metrics.GatewayMetrics) *Gateway {
	return &Gateway{
		registry: registry,
		identity: identity,
		welcome:  welcome,
		metrics:  m,
	}
}

// Serve owns conn until the client disconnects, the server disconnects it, or ctx ends.
// It registers the connection, sends the welcome event and reads client events.
// Authentication runs on its own goroutine so the read loop keeps going.
func (g *Gateway) Serve(ctx context.Context, conn *websocket.Conn) error {
	id := uuid.New()
	ctx, cancel := context.WithCancel(correlation.WithConnectionID(ctx, id.String()))
	defer cancel()

	if err := g.registry.Register(id, conn); err != nil {
		_ = conn.Close()
		return err
	}

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		g.registry.Unregister(id)
		slog.DebugContext(ctx, "Connection closed")
	}()

	slog.DebugContext(ctx, "Connection opened", "remote_addr", conn.RemoteAddr().String())

	if err := g.registry.Send(id, domain.EventWelcome, g.welcome); err != nil {
		return err
	}

	conn.SetReadLimit(maxFrameSize)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "Unexpected close", "error", err)
			}
			return nil
		}

		env, err := DecodeEnvelope(frame)
		if err != nil {
			slog.WarnContext(ctx, "Ignoring malformed frame", "error", err)
			continue
		}

		switch env.Event {
		case domain.EventAuthenticateRequest:
			creds, err := decodeCredentials(env.Data)
			if err != nil {
				slog.WarnContext(ctx, "Malformed credentials", "error", err)
				g.metrics.AuthAttempts.WithLabelValues("malformed").Inc()
				g.fail(ctx, id)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				g.authenticate(ctx, id, creds)
			}()

		case domain.EventDisconnect:
			slog.DebugContext(ctx, "Client requested disconnect")
			return nil

		default:
			slog.InfoContext(ctx, "Ignoring unknown event", "event", env.Event)
		}
	}
}

var errEmptyCredentials = errors.New("user and key are required")

func decodeCredentials(data json.RawMessage) (domain.Credentials, error) {
	var creds domain.Credentials
	if len(data) == 0 {
		return creds, errEmptyCredentials
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, err
	}
	if creds.User == "" || creds.Key == "" {
		return creds, errEmptyCredentials
	}
	return creds, nil
}

// authenticate checks the credentials with the identity service and joins the connection
// to its groups before reporting success. Any failure reports fail and disconnects.
func (g *Gateway) authenticate(ctx context.Context, id uuid.UUID, creds domain.Credentials) {
	result, err := g.identity.Authenticate(ctx, creds)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, domain.ErrAuthRejected):
			g.metrics.AuthAttempts.WithLabelValues("rejected").Inc()
			slog.InfoContext(ctx, "Authentication rejected", "user", creds.User)
		default:
			g.metrics.AuthAttempts.WithLabelValues("unavailable").Inc()
			slog.WarnContext(ctx, "Identity service unavailable", "user", creds.User, "error", err)
		}
		g.fail(ctx, id)
		return
	}

	groups := result.Groups()
	if len(groups) > 0 {
		if err := g.registry.Join(id, groups...); err != nil {
			slog.WarnContext(ctx, "Group join failed", "error", err)
			return
		}
	}

	if err := g.registry.Send(id, domain.EventAuthenticateResult, domain.AuthSuccess); err != nil {
		slog.DebugContext(ctx, "Could not deliver auth result", "error", err)
		return
	}
	g.metrics.AuthAttempts.WithLabelValues("success").Inc()
	slog.InfoContext(ctx, "Authenticated", "user", creds.User, "groups", groups)
}

func (g *Gateway) fail(ctx context.Context, id uuid.UUID) {
	err := g.registry.Disconnect(id, domain.EventAuthenticateResult, domain.AuthFail, "authentication failed")
	if err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
		slog.WarnContext(ctx, "Could not disconnect client", "error", err)
	}
}
