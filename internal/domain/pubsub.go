package domain

import "context"

// GroupPublisher emits an event to every member of a group. Publishing to a group
// without members is a no-op, not an error.
type GroupPublisher interface {
	PublishToGroup(ctx context.Context, group Group, event string, data any) error
}

// LeaderGate reports whether this instance may run cluster-wide singleton work.
type LeaderGate interface {
	Leading() bool
}
