package domain

import "context"

// Credentials is the payload of an authenticate_request event.
type Credentials struct {
	User string `json:"user"`
	Key  string `json:"key"`
}

// AuthResult holds the role flags reported by the identity service.
type AuthResult struct {
	IsWaiter  bool `json:"is_waiter"`
	IsManager bool `json:"is_manager"`
	IsAdmin   bool `json:"is_admin"`
}

// Groups returns the groups matching exactly the true role flags.
func (r AuthResult) Groups() []Group {
	groups := make([]Group, 0, 3)
	if r.IsWaiter {
		groups = append(groups, GroupWaiters)
	}
	if r.IsManager {
		groups = append(groups, GroupManagers)
	}
	if r.IsAdmin {
		groups = append(groups, GroupAdmins)
	}
	return groups
}

// IdentityService validates a user/key pair against the external identity service.
// A rejected pair returns an error wrapping ErrAuthRejected; transport or decoding
// problems wrap ErrIdentityUnavailable.
type IdentityService interface {
	Authenticate(ctx context.Context, creds Credentials) (AuthResult, error)
}
