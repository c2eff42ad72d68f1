package review

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a [Controller].
type State int

const (
	Disconnected State = iota
	Connecting
	Configuring
	Active
	Stopping
	Stopped
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Configuring:
		return "configuring"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == Stopped || s == Errored }

// Sentinel errors.
var (
	ErrNotActive      = errors.New("review: session not active")
	ErrNoActiveCard   = errors.New("review: no card awaiting a rating")
	ErrNoDueCards     = errors.New("review: no cards due")
	ErrAlreadyStarted = errors.New("review: session already started")
	ErrReleased       = errors.New("review: controller stopped before start")
)

// ConfigError reports a session that cannot start because of its setup
// rather than a runtime failure.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("review: config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
