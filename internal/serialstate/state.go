// Package serialstate implements the connection lifecycle of one cartridge
// link: a five-state machine that gates which serial operations are allowed
// and serialises command execution through the Busy state.
package serialstate

import (
	"errors"
	"fmt"
)

// State is the connection state of one device link.
type State int

const (
	Start State = iota
	Connectable
	Connected
	Busy
	ConnectionLost
)

func (s State) String() string {
	switch s {
	case Start:
		return "Start"
	case Connectable:
		return "Connectable"
	case Connected:
		return "Connected"
	case Busy:
		return "Busy"
	case ConnectionLost:
		return "ConnectionLost"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrNotPermitted is wrapped by every rejection of an operation that the
// current state does not allow.
var ErrNotPermitted = errors.New("cannot perform serial operations")

// ErrBusy is returned by a fail-fast acquisition while another command
// holds the link.
var ErrBusy = errors.New("device is busy")

func notPermitted(s State) error {
	return fmt.Errorf("%w in %s", ErrNotPermitted, s)
}

// transitions lists the legal targets for each state.
var transitions = map[State][]State{
	Start:          {Connectable},
	Connectable:    {Connected, Start, Busy},
	Connected:      {Busy, ConnectionLost, Connectable},
	Busy:           {Connected},
	ConnectionLost: {Connected},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Op is a state-scoped operation on the link.
type Op int

const (
	OpOpen Op = iota
	OpClose
	OpSetPort
	OpLock
	OpUnlock
	OpHealthCheck
	OpIO
	OpEnsureConnection
)

func (o Op) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpClose:
		return "close"
	case OpSetPort:
		return "set_port"
	case OpLock:
		return "lock"
	case OpUnlock:
		return "unlock"
	case OpHealthCheck:
		return "health_check"
	case OpIO:
		return "io"
	case OpEnsureConnection:
		return "ensure_connection"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

var permitted = map[State]map[Op]bool{
	Start: {},
	Connectable: {
		OpOpen: true, OpClose: true, OpSetPort: true, OpEnsureConnection: true,
	},
	Connected: {
		OpOpen: true, OpClose: true, OpLock: true, OpUnlock: true,
		OpHealthCheck: true, OpIO: true, OpEnsureConnection: true,
	},
	Busy: {
		OpOpen: true, OpLock: true, OpUnlock: true,
		OpHealthCheck: true, OpIO: true, OpEnsureConnection: true,
	},
	ConnectionLost: {
		OpOpen: true, OpHealthCheck: true, OpEnsureConnection: true,
	},
}

// Permits reports whether op may run in state s.
func Permits(s State, op Op) bool {
	return permitted[s][op]
}
