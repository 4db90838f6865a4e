package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pscheid92/posrelay/internal/domain"
	"github.com/pscheid92/posrelay/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// GroupChannel is the Redis pub/sub channel carrying group events between instances.
const GroupChannel = "posrelay:groups"

type groupMessage struct {
	Group domain.Group    `json:"group"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Publisher implements domain.GroupPublisher by publishing to GroupChannel.
// Delivery to local members happens in the Subscriber, on every instance including this one.
type Publisher struct {
	rdb     *goredis.Client
	metrics *metrics.RelayMetrics
}

var _ domain.GroupPublisher = (*Publisher)(nil)

func NewPublisher(rdb *goredis.Client, m *metrics.RelayMetrics) *Publisher {
	return &Publisher{rdb: rdb, metrics: m}
}

func (p *Publisher) PublishToGroup(ctx context.Context, group domain.Group, event string, data any) error {
	if !group.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownGroup, group)
	}

	msg := groupMessage{Group: group, Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		msg.Data = raw
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}

	if err := p.rdb.Publish(ctx, GroupChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish group event: %w", err)
	}
	p.metrics.Published.Inc()
	return nil
}

// Subscriber delivers group events received from GroupChannel to the local registry.
type Subscriber struct {
	rdb     *goredis.Client
	local   domain.GroupPublisher
	metrics *metrics.RelayMetrics
}

func NewSubscriber(rdb *goredis.Client, local domain.GroupPublisher, m *metrics.RelayMetrics) *Subscriber {
	return &Subscriber{rdb: rdb, local: local, metrics: m}
}

// Start subscribes and waits for the subscription to be confirmed, then delivers
// messages in the background until ctx is cancelled. The returned channel closes
// when delivery stops.
func (s *Subscriber) Start(ctx context.Context) (<-chan struct{}, error) {
	pubsub := s.rdb.Subscribe(ctx, GroupChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", GroupChannel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			_ = pubsub.Close()
		}()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok || msg == nil {
					return
				}
				s.handleMessage(ctx, msg.Payload)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done, nil
}

func (s *Subscriber) handleMessage(ctx context.Context, payload string) {
	var msg groupMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || !msg.Group.Valid() || msg.Event == "" {
		s.metrics.Invalid.Inc()
		slog.Warn("Invalid relay message", "payload_size", len(payload), "error", err)
		return
	}
	s.metrics.Received.Inc()

	var data any
	if len(msg.Data) > 0 {
		data = msg.Data
	}
	if err := s.local.PublishToGroup(ctx, msg.Group, msg.Event, data); err != nil {
		slog.Warn("Local delivery of relay message failed", "group", string(msg.Group), "event", msg.Event, "error", err)
	}
}
