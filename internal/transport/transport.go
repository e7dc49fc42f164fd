// Package transport wraps a physical serial port: open/close, raw reads and
// writes, presence polling, and an event stream of connect/disconnect
// transitions.
package transport

import (
	"errors"
	"io"
	"time"
)

// ErrPortClosed is returned by every I/O call made while no port is open.
var ErrPortClosed = errors.New("port is closed")

// ErrNoPort is returned when no candidate port answered as a cartridge.
var ErrNoPort = errors.New("no cartridge port found")

// EventKind describes a presence transition observed by the transport.
type EventKind int

const (
	EventPortsFound EventKind = iota
	EventPortsLost
	EventConnected
	EventConnectionLost
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventPortsFound:
		return "ports_found"
	case EventPortsLost:
		return "ports_lost"
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection_lost"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one presence transition.
type Event struct {
	Kind      EventKind
	Port      string
	Timestamp time.Time
}

// Port is the subset of go.bug.st/serial's Port the transport uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// Opener opens the named port at the given baud rate.
type Opener func(name string, baud int) (Port, error)

// Lister returns the names of currently attached ports.
type Lister func() ([]string, error)

// Alerter receives user-facing notices.
type Alerter interface {
	Publish(msg string)
}

// PortHistory remembers ports that previously hosted a cartridge so they can
// be tried first.
type PortHistory interface {
	KnownPorts() []string
	Remember(port string)
}

// VersionChecker inspects the banner a full firmware prints when pinged.
type VersionChecker interface {
	Check(response string) bool
}
