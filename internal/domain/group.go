package domain

import "fmt"

// Group is a named broadcast channel a connection can be a member of.
type Group string

const (
	GroupWaiters  Group = "waiters"
	GroupManagers Group = "managers"
	GroupAdmins   Group = "admins"
)

// Groups lists every group in heartbeat order.
var Groups = []Group{GroupWaiters, GroupManagers, GroupAdmins}

// PingEvent is the event name the heartbeat uses for this group, e.g. "waiters-ping".
func (g Group) PingEvent() string {
	return string(g) + "-ping"
}

func (g Group) Valid() bool {
	switch g {
	case GroupWaiters, GroupManagers, GroupAdmins:
		return true
	}
	return false
}

// ParseGroup returns the Group named s or ErrUnknownGroup.
func ParseGroup(s string) (Group, error) {
	g := Group(s)
	if !g.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownGroup, s)
	}
	return g, nil
}
