// Package lifecycle drives a cache generation through install and
// activation.
//
// Install pre-populates the static partition from a fixed manifest and is
// all or nothing. Activate deletes every partition that does not belong to
// the current version. The host calls both explicitly, and may send
// SKIP_WAITING and CACHE_URLS messages at any time.
package lifecycle

import (
	"errors"
	"fmt"
)

// State is a lifecycle stage.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInstalling    State = "installing"
	StateInstalled     State = "installed"
	StateActivating    State = "activating"
	StateActive        State = "active"
	StateTerminated    State = "terminated"
)

// ordinal is exported through the offline_lifecycle_state gauge.
func (s State) ordinal() float64 {
	switch s {
	case StateInstalling:
		return 1
	case StateInstalled:
		return 2
	case StateActivating:
		return 3
	case StateActive:
		return 4
	case StateTerminated:
		return 5
	default:
		return 0
	}
}

var (
	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("invalid lifecycle state")

	// ErrUnknownMessage is returned for host messages with an unknown type.
	ErrUnknownMessage = errors.New("unknown message type")
)

// InstallError reports the manifest asset that failed pre-population.
type InstallError struct {
	Asset string
	Err   error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install asset %s: %v", e.Asset, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// stateError wraps ErrInvalidState with the offending transition.
func stateError(op string, s State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, s)
}
