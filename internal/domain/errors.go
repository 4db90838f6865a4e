package domain

import "errors"

var (
	ErrAuthRejected        = errors.New("authentication rejected")
	ErrIdentityUnavailable = errors.New("identity service unavailable")
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrRegistryStopped     = errors.New("registry stopped")
	ErrUnknownGroup        = errors.New("unknown group")
)
