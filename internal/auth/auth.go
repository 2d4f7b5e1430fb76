// Package auth decides who may talk to the agent and what they may do.
// Principals are held in a whitelist file with role-based permission grants
// and optional per-principal guard rules.
package auth

import (
	"context"
	"time"
)

// Authenticator is the boundary the workflow consumes: is this sender allowed
// to interact, and which capabilities do they hold.
type Authenticator interface {
	Authenticate(ctx context.Context, rc Context) (bool, error)
	Permissions(ctx context.Context, user string) ([]string, error)
}

// Context carries the signals available to guard rules during authentication.
type Context struct {
	Address       string
	Hour          int
	MessageLength int
}

// NewContext builds the guard-rule signals for one inbound message at the
// current local hour.
func NewContext(address, message string) Context {
	return Context{
		Address:       address,
		Hour:          time.Now().Hour(),
		MessageLength: len(message),
	}
}
