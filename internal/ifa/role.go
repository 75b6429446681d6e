package ifa

import (
	"context"
	"fmt"
	"strings"

	"github.com/chaz8081/bleframework/internal/ble"
	"github.com/chaz8081/bleframework/internal/ble/session"
)

// Role is the local side of the attack.
type Role interface {
	Name() string
	// Open returns the session the stage works on. A central connects to
	// peer; a peripheral takes the connection a remote central established.
	Open(ctx context.Context, m *session.Manager, peer ble.Address) (*session.Session, error)
	// InitiatesSecurity reports whether the stage itself requests pairing.
	InitiatesSecurity() bool
}

type central struct{}

func (central) Name() string            { return "central" }
func (central) InitiatesSecurity() bool { return true }

func (central) Open(ctx context.Context, m *session.Manager, peer ble.Address) (*session.Session, error) {
	return m.Connect(ctx, peer)
}

type peripheral struct{}

func (peripheral) Name() string            { return "peripheral" }
func (peripheral) InitiatesSecurity() bool { return false }

func (peripheral) Open(ctx context.Context, m *session.Manager, _ ble.Address) (*session.Session, error) {
	return m.AwaitIncoming(ctx)
}

// The two roles.
var (
	Central    Role = central{}
	Peripheral Role = peripheral{}
)

// ParseRole parses "central" or "peripheral".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "central":
		return Central, nil
	case "peripheral", "periph":
		return Peripheral, nil
	}
	return nil, &ValidationError{Field: "role", Value: s, Reason: "want central or peripheral"}
}

func wrongRole(stage string, r Role) error {
	return fmt.Errorf("ifa: %s in %s role: %w", stage, r.Name(), ErrWrongRole)
}
