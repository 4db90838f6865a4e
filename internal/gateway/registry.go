package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/posrelay/internal/domain"
	"github.com/pscheid92/posrelay/internal/metrics"
)

const (
	commandTimeout      = 5 * time.Second
	stopTimeout         = 10 * time.Second
	commandChannelSize  = 256
	channelDepthWarning = 200
)

type member struct {
	writer *clientWriter
	groups map[domain.Group]struct{}
}

// registryCmd is the command interface for the Registry actor.
type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type registerCmd struct {
	baseRegistryCmd
	id           uuid.UUID
	connection   *websocket.Conn
	errorChannel chan error
}

type unregisterCmd struct {
	baseRegistryCmd
	id uuid.UUID
}

type joinCmd struct {
	baseRegistryCmd
	id           uuid.UUID
	groups       []domain.Group
	errorChannel chan error
}

type sendCmd struct {
	baseRegistryCmd
	id           uuid.UUID
	event        string
	frame        outbound
	errorChannel chan error
}

type publishCmd struct {
	baseRegistryCmd
	group domain.Group
	event string
	data  []byte
}

type membershipCmd struct {
	baseRegistryCmd
	id           uuid.UUID
	replyChannel chan []domain.Group
}

type groupSizeCmd struct {
	baseRegistryCmd
	group        domain.Group
	replyChannel chan int
}

type connectionCountCmd struct {
	baseRegistryCmd
	replyChannel chan int
}

type stopCmd struct {
	baseRegistryCmd
}

// Registry tracks live socket connections keyed by connection ID, each with its set
// of group memberships. All state is owned by the run goroutine.
type Registry struct {
	cmdCh   chan registryCmd
	clock   clockwork.Clock
	members map[uuid.UUID]*member
	groups  map[domain.Group]map[uuid.UUID]struct{}
	metrics *metrics.GatewayMetrics
	done    chan struct{}
}

func NewRegistry(clock clockwork.Clock, m *metrics.GatewayMetrics) *Registry {
	r := &Registry{
		cmdCh:   make(chan registryCmd, commandChannelSize),
		clock:   clock,
		members: make(map[uuid.UUID]*member),
		groups:  make(map[domain.Group]map[uuid.UUID]struct{}),
		metrics: m,
		done:    make(chan struct{}),
	}
	for _, g := range domain.Groups {
		r.groups[g] = make(map[uuid.UUID]struct{})
		m.GroupMembers.WithLabelValues(string(g)).Set(0)
	}
	go r.run()
	return r
}

// Register adds a connection with no group memberships and starts its writer.
func (r *Registry) Register(id uuid.UUID, conn *websocket.Conn) error {
	errCh := make(chan error, 1)
	if err := r.submit(registerCmd{id: id, connection: conn, errorChannel: errCh}); err != nil {
		return err
	}
	return awaitReply(r, errCh, "register")
}

// Unregister removes a connection from every group and closes it.
func (r *Registry) Unregister(id uuid.UUID) {
	_ = r.submit(unregisterCmd{id: id})
}

// Join adds the connection to the given groups. Joins are additive.
func (r *Registry) Join(id uuid.UUID, groups ...domain.Group) error {
	for _, g := range groups {
		if !g.Valid() {
			return fmt.Errorf("%w: %q", domain.ErrUnknownGroup, g)
		}
	}

	errCh := make(chan error, 1)
	if err := r.submit(joinCmd{id: id, groups: groups, errorChannel: errCh}); err != nil {
		return err
	}
	return awaitReply(r, errCh, "join")
}

// Send queues a single event for one connection.
func (r *Registry) Send(id uuid.UUID, event string, data any) error {
	return r.send(id, event, data, "")
}

// Disconnect queues a final event for one connection, removes it from the registry and
// closes the socket once the event has been written.
func (r *Registry) Disconnect(id uuid.UUID, event string, data any, reason string) error {
	if reason == "" {
		reason = "disconnect"
	}
	return r.send(id, event, data, reason)
}

func (r *Registry) send(id uuid.UUID, event string, data any, closeReason string) error {
	frame, err := EncodeEvent(event, data)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	cmd := sendCmd{id: id, event: event, frame: outbound{data: frame, closeReason: closeReason}, errorChannel: errCh}
	if err := r.submit(cmd); err != nil {
		return err
	}
	return awaitReply(r, errCh, "send")
}

// PublishToGroup queues an event for every current member of group.
// A group without members is a no-op.
func (r *Registry) PublishToGroup(ctx context.Context, group domain.Group, event string, data any) error {
	if !group.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownGroup, group)
	}

	frame, err := EncodeEvent(event, data)
	if err != nil {
		return err
	}

	select {
	case r.cmdCh <- publishCmd{group: group, event: event, data: frame}:
		return nil
	case <-r.done:
		return domain.ErrRegistryStopped
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", group, ctx.Err())
	}
}

// Groups returns the memberships of a connection, and false if it is not registered.
func (r *Registry) Groups(id uuid.UUID) ([]domain.Group, bool) {
	replyCh := make(chan []domain.Group, 1)
	if err := r.submit(membershipCmd{id: id, replyChannel: replyCh}); err != nil {
		return nil, false
	}
	groups, err := awaitValue(r, replyCh)
	if err != nil || groups == nil {
		return nil, false
	}
	return groups, true
}

// GroupSize returns the number of connections joined to group, or -1 on timeout.
func (r *Registry) GroupSize(group domain.Group) int {
	replyCh := make(chan int, 1)
	if err := r.submit(groupSizeCmd{group: group, replyChannel: replyCh}); err != nil {
		return -1
	}
	n, err := awaitValue(r, replyCh)
	if err != nil {
		return -1
	}
	return n
}

// ConnectionCount returns the number of registered connections, or -1 on timeout.
func (r *Registry) ConnectionCount() int {
	replyCh := make(chan int, 1)
	if err := r.submit(connectionCountCmd{replyChannel: replyCh}); err != nil {
		return -1
	}
	n, err := awaitValue(r, replyCh)
	if err != nil {
		return -1
	}
	return n
}

// Stop closes every connection with a close frame and stops the actor.
// Blocks until the actor goroutine has exited or the stop timeout is reached.
func (r *Registry) Stop() {
	if err := r.submit(stopCmd{}); err != nil {
		return
	}

	timeout := r.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-r.done:
		slog.Info("Registry stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Registry stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (r *Registry) submit(cmd registryCmd) error {
	select {
	case r.cmdCh <- cmd:
		return nil
	case <-r.done:
		return domain.ErrRegistryStopped
	}
}

func awaitReply(r *Registry, errCh chan error, op string) error {
	err, waitErr := awaitValue(r, errCh)
	if waitErr != nil {
		return fmt.Errorf("%s: %w", op, waitErr)
	}
	return err
}

func awaitValue[T any](r *Registry, replyCh chan T) (T, error) {
	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	var zero T
	select {
	case v := <-replyCh:
		return v, nil
	case <-r.done:
		return zero, domain.ErrRegistryStopped
	case <-timer.Chan():
		return zero, fmt.Errorf("registry command timed out after %v", commandTimeout)
	}
}

func (r *Registry) run() {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Registry panic recovered", "panic", rec)
			r.closeAll("registry failure")
		}
	}()

	depthTicker := r.clock.NewTicker(time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(r.cmdCh)
			r.metrics.CommandChannelDepth.Set(float64(depth))
			if depth > channelDepthWarning {
				slog.Warn("Command channel near capacity", "depth", depth, "capacity", cap(r.cmdCh))
			}

		case cmd := <-r.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				r.handleRegister(c)
			case unregisterCmd:
				r.handleUnregister(c.id)
			case joinCmd:
				r.handleJoin(c)
			case sendCmd:
				r.handleSend(c)
			case publishCmd:
				r.handlePublish(c)
			case membershipCmd:
				c.replyChannel <- r.membership(c.id)
			case groupSizeCmd:
				c.replyChannel <- len(r.groups[c.group])
			case connectionCountCmd:
				c.replyChannel <- len(r.members)
			case stopCmd:
				r.handleStop()
				return
			default:
				slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (r *Registry) handleRegister(c registerCmd) {
	if _, exists := r.members[c.id]; exists {
		c.errorChannel <- fmt.Errorf("%w: %s", domain.ErrDuplicateConnection, c.id)
		return
	}

	r.members[c.id] = &member{
		writer: newClientWriter(c.connection, r.clock),
		groups: make(map[domain.Group]struct{}),
	}

	r.metrics.ActiveConnections.Set(float64(len(r.members)))
	r.metrics.ConnectionsTotal.Inc()
	slog.Debug("Connection registered", "connection_id", c.id.String(), "total_connections", len(r.members))
	c.errorChannel <- nil
}

// remove drops a member from the registry and every group it joined.
// The caller decides how its writer shuts down.
func (r *Registry) remove(id uuid.UUID) (*member, bool) {
	m, exists := r.members[id]
	if !exists {
		return nil, false
	}

	for g := range m.groups {
		delete(r.groups[g], id)
		r.metrics.GroupMembers.WithLabelValues(string(g)).Set(float64(len(r.groups[g])))
	}
	delete(r.members, id)
	r.metrics.ActiveConnections.Set(float64(len(r.members)))
	return m, true
}

func (r *Registry) handleUnregister(id uuid.UUID) {
	m, exists := r.remove(id)
	if !exists {
		return
	}
	m.writer.stop()
	slog.Debug("Connection unregistered", "connection_id", id.String(), "remaining_connections", len(r.members))
}

func (r *Registry) handleJoin(c joinCmd) {
	m, exists := r.members[c.id]
	if !exists {
		c.errorChannel <- fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, c.id)
		return
	}

	for _, g := range c.groups {
		if _, already := m.groups[g]; already {
			continue
		}
		m.groups[g] = struct{}{}
		r.groups[g][c.id] = struct{}{}
		r.metrics.GroupMembers.WithLabelValues(string(g)).Set(float64(len(r.groups[g])))
	}
	c.errorChannel <- nil
}

func (r *Registry) handleSend(c sendCmd) {
	m, exists := r.members[c.id]
	if !exists {
		c.errorChannel <- fmt.Errorf("%w: %s", domain.ErrConnectionNotFound, c.id)
		return
	}

	if c.frame.closeReason != "" {
		// The writer closes the socket itself after flushing the final frame.
		r.remove(c.id)
		if !m.writer.enqueue(c.frame) {
			m.writer.stop()
		}
		r.metrics.MessagesSent.WithLabelValues(c.event).Inc()
		c.errorChannel <- nil
		return
	}

	if !m.writer.enqueue(c.frame) {
		r.evict(c.id)
		c.errorChannel <- fmt.Errorf("%w: %s evicted as slow client", domain.ErrConnectionNotFound, c.id)
		return
	}
	r.metrics.MessagesSent.WithLabelValues(c.event).Inc()
	c.errorChannel <- nil
}

func (r *Registry) handlePublish(c publishCmd) {
	var slow []uuid.UUID
	delivered := 0
	for id := range r.groups[c.group] {
		if r.members[id].writer.enqueue(outbound{data: c.data}) {
			delivered++
		} else {
			slow = append(slow, id)
		}
	}

	for _, id := range slow {
		r.evict(id)
	}

	if delivered > 0 {
		r.metrics.MessagesSent.WithLabelValues(c.event).Add(float64(delivered))
	}
}

func (r *Registry) evict(id uuid.UUID) {
	slog.Warn("Disconnecting slow client", "connection_id", id.String())
	r.metrics.SlowClientsEvicted.Inc()
	r.handleUnregister(id)
}

func (r *Registry) membership(id uuid.UUID) []domain.Group {
	m, exists := r.members[id]
	if !exists {
		return nil
	}
	groups := make([]domain.Group, 0, len(m.groups))
	for _, g := range domain.Groups {
		if _, ok := m.groups[g]; ok {
			groups = append(groups, g)
		}
	}
	return groups
}

func (r *Registry) handleStop() {
	total := len(r.members)
	slog.Info("Registry shutting down", "connections", total)
	r.closeAll("Server shutting down")
	slog.Info("Registry shutdown complete", "disconnected_clients", total)
}

func (r *Registry) closeAll(reason string) {
	for id := range r.members {
		m, _ := r.remove(id)
		m.writer.stopGraceful(reason)
	}
	r.metrics.ActiveConnections.Set(0)
}
