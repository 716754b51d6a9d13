package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/opd-ai/ecprelay/ecp"
)

// State is the coarse relay state shown to users.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrorKind classifies a relay failure.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindConnection covers unreachable devices, address problems and a
	// device refusing to relay.
	KindConnection
	// KindAuth means the device rejected authentication.
	KindAuth
	// KindInternal covers local failures such as socket binds or the sink.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConnection:
		return "connection"
	case KindAuth:
		return "auth"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Status is a relay's observable state.
type Status struct {
	State     State
	Kind      ErrorKind
	Err       error
	SessionID string
}

func (s Status) String() string {
	if s.State == StateError {
		return fmt.Sprintf("error(%s): %v", s.Kind, s.Err)
	}
	return s.State.String()
}

// code is the value exported on the relay state gauge.
func (s Status) code() int {
	return int(s.State)
}

// Classify maps a relay error to the status it produces. Cancellation is a
// clean stop and yields Idle.
func Classify(err error) Status {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return Status{State: StateIdle}
	case errors.Is(err, ecp.ErrAuthDenied):
		return Status{State: StateError, Kind: KindAuth, Err: err}
	case errors.Is(err, ecp.ErrConnectFailed),
		errors.Is(err, ecp.ErrBadInterfaceIP),
		errors.Is(err, ecp.ErrBadURL),
		errors.Is(err, ecp.ErrRelayStartFailed),
		errors.Is(err, ErrInvalidAddress):
		return Status{State: StateError, Kind: KindConnection, Err: err}
	default:
		return Status{State: StateError, Kind: KindInternal, Err: err}
	}
}
