package ifa

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSnapshot matches every *NoSnapshotError.
	ErrNoSnapshot = errors.New("ifa: nothing saved")
	// ErrNoBond is returned by stage 4 when no bonding material exists for
	// the peer, so verification would turn into a fresh pairing.
	ErrNoBond = errors.New("ifa: no bonding material for peer")
	// ErrWrongRole is returned when a stage is invoked in a role it has no
	// path for.
	ErrWrongRole = errors.New("ifa: stage not available in this role")
)

// NoSnapshotError reports a restore with nothing saved.
type NoSnapshotError struct {
	What string // "identity" or "key snapshot"
}

func (e *NoSnapshotError) Error() string {
	return fmt.Sprintf("ifa: no %s saved", e.What)
}

func (e *NoSnapshotError) Is(target error) bool {
	return target == ErrNoSnapshot
}

// ValidationError reports operator input outside its allowed range.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ifa: invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// StackReloadError reports a failed step of the disable/enable/reload cycle.
type StackReloadError struct {
	Step string
	Err  error
}

func (e *StackReloadError) Error() string {
	return fmt.Sprintf("ifa: stack %s failed: %v", e.Step, e.Err)
}

func (e *StackReloadError) Unwrap() error { return e.Err }
