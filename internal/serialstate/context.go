package serialstate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/transport"
)

const subscriberBuffer = 16

// Link is the transport the state machine drives. *transport.Serial
// satisfies it.
type Link interface {
	Port() string
	SetPort(name string)
	Open() error
	Close() error
	EnsureConnection(wait time.Duration) error
	Lock() error
	Unlock()
	StartHealthCheck()
	StopHealthCheck()
	Write(p []byte) error
	ReadTimeout(buf []byte, d time.Duration) (int, error)
	ReadAvailable(d time.Duration) ([]byte, error)
	ClearBuffers() error
	Events() <-chan transport.Event
	Dispose()
}

// Context owns the state of one device link. It is the single writer of
// that state; collaborators observe it through Subscribe.
type Context struct {
	link Link
	log  *zap.Logger

	mu    sync.Mutex
	state State
	idle  chan struct{} // closed when the link leaves Busy
	subs  map[chan State]struct{}

	done     chan struct{}
	wg       sync.WaitGroup
	disposed sync.Once
}

// New wraps link in a state machine starting at Start and begins
// following the link's presence events.
func New(link Link, log *zap.Logger) *Context {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Context{
		link:  link,
		log:   log.Named("state"),
		state: Start,
		subs:  make(map[chan State]struct{}),
		done:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.watch()
	return c
}

// Current returns the active state.
func (c *Context) Current() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Port returns the link's port name.
func (c *Context) Port() string { return c.link.Port() }

// TransitionTo moves to s when the move is legal. Illegal moves are logged
// and ignored; the machine never fails on them.
func (c *Context) TransitionTo(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionLocked(s)
}

// Subscribe returns a channel that first yields the current state and then
// every change. Slow subscribers miss intermediate states. The returned
// function unsubscribes and closes the channel.
func (c *Context) Subscribe() (<-chan State, func()) {
	ch := make(chan State, subscriberBuffer)
	c.mu.Lock()
	ch <- c.state
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			if _, ok := c.subs[ch]; ok {
				delete(c.subs, ch)
				close(ch)
			}
			c.mu.Unlock()
		})
	}
}

// ── Lifecycle operations ──────────────────────────────────────────────────

// SetPort selects the port to open.
func (c *Context) SetPort(name string) error {
	if err := c.guard(OpSetPort); err != nil {
		return err
	}
	c.link.SetPort(name)
	return nil
}

// Open connects the link. It is a no-op while Connected or Busy.
func (c *Context) Open() error {
	s := c.Current()
	if s == Connected || s == Busy {
		return nil
	}
	if !Permits(s, OpOpen) {
		return notPermitted(s)
	}
	if err := c.link.Open(); err != nil {
		return err
	}
	c.TransitionTo(Connected)
	c.link.StartHealthCheck()
	c.link.Unlock()
	return nil
}

// Close disconnects the link and returns to Connectable.
func (c *Context) Close() error {
	s := c.Current()
	if !Permits(s, OpClose) {
		return notPermitted(s)
	}
	c.link.StopHealthCheck()
	if err := c.link.Close(); err != nil {
		return err
	}
	c.TransitionTo(Connectable)
	return nil
}

// EnsureConnection reconnects the link if its port went away. Outside Busy a
// successful reconnect moves the machine to Connected.
func (c *Context) EnsureConnection(wait time.Duration) error {
	if err := c.guard(OpEnsureConnection); err != nil {
		return err
	}
	if err := c.link.EnsureConnection(wait); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Connectable, ConnectionLost:
		c.transitionLocked(Connected)
	}
	return nil
}

// Lock gives the caller exclusive use of the stream.
func (c *Context) Lock() error {
	if err := c.guard(OpLock); err != nil {
		return err
	}
	return c.link.Lock()
}

// Unlock resumes background logging of device output.
func (c *Context) Unlock() error {
	if err := c.guard(OpUnlock); err != nil {
		return err
	}
	c.link.Unlock()
	return nil
}

// StartHealthCheck resumes periodic liveness checks.
func (c *Context) StartHealthCheck() error {
	if err := c.guard(OpHealthCheck); err != nil {
		return err
	}
	c.link.StartHealthCheck()
	return nil
}

// StopHealthCheck pauses periodic liveness checks.
func (c *Context) StopHealthCheck() error {
	if err := c.guard(OpHealthCheck); err != nil {
		return err
	}
	c.link.StopHealthCheck()
	return nil
}

// ── Raw I/O passthrough ───────────────────────────────────────────────────

func (c *Context) Write(p []byte) error {
	if err := c.guard(OpIO); err != nil {
		return err
	}
	return c.link.Write(p)
}

func (c *Context) ReadTimeout(buf []byte, d time.Duration) (int, error) {
	if err := c.guard(OpIO); err != nil {
		return 0, err
	}
	return c.link.ReadTimeout(buf, d)
}

func (c *Context) ReadAvailable(d time.Duration) ([]byte, error) {
	if err := c.guard(OpIO); err != nil {
		return nil, err
	}
	return c.link.ReadAvailable(d)
}

func (c *Context) ClearBuffers() error {
	if err := c.guard(OpIO); err != nil {
		return err
	}
	return c.link.ClearBuffers()
}

// ── Mutual exclusion ──────────────────────────────────────────────────────

// Acquire moves the link to Busy. While another command holds it, Acquire
// either fails with ErrBusy (wait=false) or blocks until the link is
// released or ctx ends. Waiters are woken on release and race for the link.
func (c *Context) Acquire(ctx context.Context, wait bool) error {
	for {
		c.mu.Lock()
		if c.state != Busy {
			if !CanTransition(c.state, Busy) {
				err := notPermitted(c.state)
				c.mu.Unlock()
				return err
			}
			c.transitionLocked(Busy)
			c.mu.Unlock()
			return nil
		}
		if !wait {
			c.mu.Unlock()
			return ErrBusy
		}
		idle := c.idle
		c.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return notPermitted(c.Current())
		}
	}
}

// Release returns a Busy link to Connected.
func (c *Context) Release() {
	c.TransitionTo(Connected)
}

// Dispose stops following events, disposes the link and closes every
// subscriber channel.
func (c *Context) Dispose() {
	c.disposed.Do(func() {
		close(c.done)
		c.link.Dispose()
		c.wg.Wait()

		c.mu.Lock()
		defer c.mu.Unlock()
		for ch := range c.subs {
			close(ch)
		}
		c.subs = map[chan State]struct{}{}
	})
}

// ── internal ──────────────────────────────────────────────────────────────

func (c *Context) guard(op Op) error {
	s := c.Current()
	if !Permits(s, op) {
		return notPermitted(s)
	}
	return nil
}

// transitionLocked must be called with mu held.
func (c *Context) transitionLocked(to State) bool {
	from := c.state
	if from == to {
		return true
	}
	if !CanTransition(from, to) {
		c.log.Error("rejected state transition",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.String("port", c.link.Port()),
		)
		return false
	}
	c.state = to
	switch {
	case to == Busy:
		c.idle = make(chan struct{})
	case from == Busy && c.idle != nil:
		close(c.idle)
		c.idle = nil
	}
	c.log.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	for ch := range c.subs {
		select {
		case ch <- to:
		default:
		}
	}
	return true
}

// watch maps transport presence events onto transitions. A Busy link
// ignores them; the running command owns recovery.
func (c *Context) watch() {
	defer c.wg.Done()
	events := c.link.Events()
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handle(ev)
		}
	}
}

func (c *Context) handle(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case transport.EventPortsFound:
		if c.state == Start {
			c.transitionLocked(Connectable)
		}
	case transport.EventPortsLost:
		if c.state == Connectable {
			c.transitionLocked(Start)
		}
	case transport.EventConnected:
		if c.state == Start {
			c.transitionLocked(Connectable)
		}
		if c.state != Busy {
			c.transitionLocked(Connected)
		}
	case transport.EventConnectionLost:
		if c.state == Connected {
			c.transitionLocked(ConnectionLost)
		}
	case transport.EventDisconnected:
		if c.state == Connected {
			c.transitionLocked(Connectable)
		}
	}
}
