package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/protocol"
)

const (
	DefaultHealthCheckInterval = 3 * time.Second
	DefaultVerifyWait          = 200 * time.Millisecond
	eventChanSize              = 32
	readerTimeout              = 100 * time.Millisecond
	drainSliceTimeout          = 10 * time.Millisecond
	readBufSize                = 4096
)

// Config controls how a Serial finds and watches its port.
type Config struct {
	Port                string
	BaudRate            int
	HealthCheckInterval time.Duration
	VerifyWait          time.Duration
	// Verify pings the port on Open and only keeps it when the reply looks
	// like a cartridge. EnsureConnection always verifies.
	Verify bool
}

// Option customises a Serial.
type Option func(*Serial)

// WithOpener replaces the go.bug.st/serial opener.
func WithOpener(o Opener) Option { return func(s *Serial) { s.open = o } }

// WithLister replaces the port enumerator.
func WithLister(l Lister) Option { return func(s *Serial) { s.list = l } }

// WithAlerter routes connection notices to a.
func WithAlerter(a Alerter) Option { return func(s *Serial) { s.alerts = a } }

// WithPortHistory lets the serial prefer previously used ports.
func WithPortHistory(h PortHistory) Option { return func(s *Serial) { s.history = h } }

// WithVersionChecker inspects the firmware banner after each connection.
func WithVersionChecker(v VersionChecker) Option { return func(s *Serial) { s.version = v } }

// WithPortFilter makes EnsureConnection skip ports for which inUse reports
// true, typically ports already held by another cartridge.
func WithPortFilter(inUse func(port string) bool) Option { return func(s *Serial) { s.inUse = inUse } }

// Serial owns one physical port. All exported methods are safe for
// concurrent use, but reads are expected to come from one command at a time.
type Serial struct {
	cfg     Config
	open    Opener
	list    Lister
	log     *zap.Logger
	alerts  Alerter
	history PortHistory
	version VersionChecker
	inUse   func(port string) bool

	mu     sync.Mutex
	name   string
	port   Port
	scanMu sync.Mutex

	evMu     sync.Mutex
	events   chan Event
	link     EventKind
	hasPorts bool
	disposed bool

	health loop
	poll   loop
	reader loop
}

// NewSerial constructs a Serial without opening anything.
func NewSerial(cfg Config, log *zap.Logger, opts ...Option) *Serial {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.VerifyWait <= 0 {
		cfg.VerifyWait = DefaultVerifyWait
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Serial{
		cfg:    cfg,
		open:   OpenSerial,
		list:   ListPorts,
		log:    log.Named("serial"),
		name:   cfg.Port,
		events: make(chan Event, eventChanSize),
		link:   EventDisconnected,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Events delivers presence transitions. It is closed by Dispose.
func (s *Serial) Events() <-chan Event { return s.events }

// SetPort selects the port Open will use.
func (s *Serial) SetPort(name string) {
	if strings.TrimSpace(name) == "" {
		s.log.Error("set a port to get connected")
		return
	}
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Port returns the selected port name.
func (s *Serial) Port() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// IsOpen reports whether a port handle is held.
func (s *Serial) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// Open opens the selected port, or scans for one when none is selected.
func (s *Serial) Open() error {
	s.reader.stop()

	s.mu.Lock()
	if s.port != nil {
		s.mu.Unlock()
		return nil
	}
	name := s.name
	s.mu.Unlock()

	if name == "" {
		return s.EnsureConnection(0)
	}

	p, err := s.open(name, s.cfg.BaudRate)
	if err != nil {
		return err
	}
	if s.cfg.Verify {
		if _, err := s.verify(p, name, s.cfg.VerifyWait); err != nil {
			p.Close() //nolint:errcheck
			return err
		}
	}

	s.mu.Lock()
	s.port = p
	s.mu.Unlock()

	s.log.Info("port opened", zap.String("port", name))
	s.emit(EventConnected, name)
	return nil
}

// EnsureConnection keeps the current port when it is still attached;
// otherwise it scans attached ports, known ones first, and keeps the first
// that answers a ping like a cartridge. Scans are serialised, but Port and
// IsOpen stay available while one runs.
func (s *Serial) EnsureConnection(wait time.Duration) error {
	if wait <= 0 {
		wait = s.cfg.VerifyWait
	}
	s.reader.stop()

	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	s.mu.Lock()
	current, prev := s.port, s.name
	s.mu.Unlock()

	if current != nil && s.present(prev) {
		return nil
	}
	if current != nil {
		s.mu.Lock()
		if s.port == current {
			s.port = nil
		}
		s.mu.Unlock()
		current.Close() //nolint:errcheck
	}

	ports, err := s.list()
	if err != nil {
		return fmt.Errorf("transport: ensure connection: %w", err)
	}
	known := []string{prev}
	if s.history != nil {
		known = append(known, s.history.KnownPorts()...)
	}

	for _, name := range SortPorts(ports, known) {
		if s.inUse != nil && s.inUse(name) {
			continue
		}
		s.log.Debug("attempting to open", zap.String("port", name))
		p, err := s.open(name, s.cfg.BaudRate)
		if err != nil {
			s.log.Warn("unable to connect", zap.String("port", name), zap.Error(err))
			continue
		}
		if _, err := s.verify(p, name, wait); err != nil {
			s.log.Warn("version check failed", zap.String("port", name), zap.Error(err))
			p.Close() //nolint:errcheck
			continue
		}

		s.mu.Lock()
		if s.port != nil {
			// Open won the race while we were scanning.
			s.mu.Unlock()
			p.Close() //nolint:errcheck
			return nil
		}
		s.port, s.name = p, name
		s.mu.Unlock()

		s.log.Info("connected", zap.String("port", name))
		s.emit(EventConnected, name)
		return nil
	}
	return fmt.Errorf("transport: ensure connection to %q: %w", prev, ErrNoPort)
}

// Close releases the port handle.
func (s *Serial) Close() error {
	s.reader.stop()

	s.mu.Lock()
	p, name := s.port, s.name
	s.port = nil
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	s.log.Info("disconnecting", zap.String("port", name))
	err := p.Close()
	s.emit(EventDisconnected, name)
	if err != nil {
		return fmt.Errorf("transport: close %s: %w", name, err)
	}
	return nil
}

// ── I/O ───────────────────────────────────────────────────────────────────

// Write sends all of b.
func (s *Serial) Write(b []byte) error {
	p := s.current()
	if p == nil {
		return fmt.Errorf("transport: write: %w", ErrPortClosed)
	}
	for len(b) > 0 {
		n, err := p.Write(b)
		if err != nil {
			return s.ioErr("write", err)
		}
		b = b[n:]
	}
	return nil
}

// ReadTimeout reads up to len(buf) bytes, returning 0 when nothing arrived
// within d.
func (s *Serial) ReadTimeout(buf []byte, d time.Duration) (int, error) {
	p := s.current()
	if p == nil {
		return 0, fmt.Errorf("transport: read: %w", ErrPortClosed)
	}
	if err := p.SetReadTimeout(d); err != nil {
		return 0, s.ioErr("set read timeout", err)
	}
	n, err := p.Read(buf)
	if err != nil {
		return n, s.ioErr("read", err)
	}
	return n, nil
}

// ReadAvailable waits d and then drains everything buffered.
func (s *Serial) ReadAvailable(d time.Duration) ([]byte, error) {
	if d > 0 {
		time.Sleep(d)
	}
	var out []byte
	buf := make([]byte, readBufSize)
	for {
		n, err := s.ReadTimeout(buf, drainSliceTimeout)
		out = append(out, buf[:n]...)
		if err != nil {
			return out, err
		}
		if n == 0 {
			return out, nil
		}
	}
}

// ClearBuffers discards pending input and output. It is a no-op when closed.
func (s *Serial) ClearBuffers() error {
	p := s.current()
	if p == nil {
		return nil
	}
	if err := p.ResetInputBuffer(); err != nil {
		return s.ioErr("reset input", err)
	}
	if err := p.ResetOutputBuffer(); err != nil {
		return s.ioErr("reset output", err)
	}
	return nil
}

// Lock stops the background chatter reader and clears the buffers so a
// command owns the stream.
func (s *Serial) Lock() error {
	s.reader.stop()
	return s.ClearBuffers()
}

// Unlock restarts the background reader that logs unsolicited device output.
func (s *Serial) Unlock() {
	if !s.IsOpen() {
		return
	}
	s.reader.start(s.readChatter)
}

// ── Background loops ──────────────────────────────────────────────────────

// StartHealthCheck (re)starts the periodic liveness check.
func (s *Serial) StartHealthCheck() {
	s.health.start(func(ctx context.Context) {
		t := time.NewTicker(s.cfg.HealthCheckInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.checkHealth()
			}
		}
	})
}

// StopHealthCheck halts the liveness check and waits for it to exit.
func (s *Serial) StopHealthCheck() { s.health.stop() }

// StartPortPoll watches for ports appearing and disappearing until ctx ends
// or Dispose is called.
func (s *Serial) StartPortPoll(ctx context.Context) {
	s.poll.start(func(loopCtx context.Context) {
		s.pollPorts()
		t := time.NewTicker(s.cfg.HealthCheckInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-loopCtx.Done():
				return
			case <-t.C:
				s.pollPorts()
			}
		}
	})
}

// Dispose stops every loop, closes the port and the event channel.
func (s *Serial) Dispose() {
	s.health.stop()
	s.poll.stop()
	s.Close() //nolint:errcheck

	s.evMu.Lock()
	defer s.evMu.Unlock()
	if !s.disposed {
		s.disposed = true
		close(s.events)
	}
}

func (s *Serial) checkHealth() {
	s.mu.Lock()
	name, held := s.name, s.port != nil
	s.mu.Unlock()
	healthy := held && s.present(name)

	if healthy {
		s.emit(EventConnected, name)
		return
	}

	s.evMu.Lock()
	wasConnected := s.link == EventConnected
	s.evMu.Unlock()
	if wasConnected && s.alerts != nil {
		s.alerts.Publish(fmt.Sprintf("Connection to %s was lost.", name))
	}
	s.emit(EventConnectionLost, name)

	if err := s.EnsureConnection(0); err != nil {
		s.log.Warn("connection lost, retrying",
			zap.String("port", name),
			zap.Duration("retry_in", s.cfg.HealthCheckInterval),
			zap.Error(err),
		)
	}
}

func (s *Serial) pollPorts() {
	ports, err := s.list()
	if err != nil {
		s.log.Warn("list ports", zap.Error(err))
		return
	}
	s.evMu.Lock()
	had := s.hasPorts
	s.hasPorts = len(ports) > 0
	s.evMu.Unlock()

	switch {
	case len(ports) == 0 && had:
		s.log.Error("failed to find connectable ports, check the USB connection to the cartridge")
		s.emit(EventPortsLost, "")
	case len(ports) > 0 && !had:
		s.log.Info("located connectable ports", zap.Strings("ports", ports))
		s.emit(EventPortsFound, "")
	}
}

func (s *Serial) readChatter(ctx context.Context) {
	buf := make([]byte, readBufSize)
	for ctx.Err() == nil {
		n, err := s.ReadTimeout(buf, readerTimeout)
		if err != nil {
			if errors.Is(err, ErrPortClosed) {
				return
			}
			s.log.Debug("chatter read", zap.Error(err))
			continue
		}
		if text := strings.TrimSpace(string(buf[:n])); text != "" {
			s.log.Info("device output", zap.String("source", "device"), zap.String("text", text))
		}
	}
}

// ── internal ──────────────────────────────────────────────────────────────

func (s *Serial) current() Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// present reports whether name is attached. It does not touch mu.
func (s *Serial) present(name string) bool {
	ports, err := s.list()
	if err != nil {
		return true
	}
	for _, p := range ports {
		if p == name {
			return true
		}
	}
	return false
}

// verify pings p and classifies the banner it prints back.
func (s *Serial) verify(p Port, name string, wait time.Duration) (string, error) {
	p.ResetInputBuffer() //nolint:errcheck
	if _, err := p.Write(protocol.TokenPing.Bytes()); err != nil {
		return "", fmt.Errorf("transport: ping %s: %w", name, err)
	}
	time.Sleep(wait)
	resp := drainPort(p)
	if !IsCartResponse(resp) {
		return resp, fmt.Errorf("transport: %s did not answer as a cartridge", name)
	}

	lower := strings.ToLower(resp)
	switch {
	case strings.Contains(lower, "minimal"):
		s.alert(fmt.Sprintf("Detected TeensyROM minimal mode. You've been reconnected to %s", name))
	default:
		if s.history != nil {
			s.history.Remember(name)
		}
		s.alert(fmt.Sprintf("Connected to TeensyROM on %s", name))
		if s.version != nil && !strings.Contains(lower, "busy") {
			s.version.Check(resp)
		}
	}
	return resp, nil
}

func (s *Serial) alert(msg string) {
	if s.alerts != nil {
		s.alerts.Publish(msg)
	}
}

func (s *Serial) ioErr(op string, err error) error {
	if isDisconnect(err) {
		return fmt.Errorf("transport: %s: %w", op, ErrPortClosed)
	}
	return fmt.Errorf("transport: %s: %w", op, err)
}

// emit publishes an event. Repeated link-state events are collapsed so the
// health check does not flood subscribers.
func (s *Serial) emit(kind EventKind, port string) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.disposed {
		return
	}
	switch kind {
	case EventConnected, EventConnectionLost, EventDisconnected:
		if s.link == kind {
			return
		}
		s.link = kind
	}
	select {
	case s.events <- Event{Kind: kind, Port: port, Timestamp: time.Now().UTC()}:
	default:
		s.log.Warn("event channel full, dropping event", zap.Stringer("kind", kind))
	}
}

// IsCartResponse reports whether a ping or version reply came from a
// cartridge, including one that is busy.
func IsCartResponse(resp string) bool {
	lower := strings.ToLower(resp)
	return strings.Contains(lower, "teensyrom") || strings.Contains(lower, "busy")
}

func drainPort(p Port) string {
	var sb strings.Builder
	buf := make([]byte, readBufSize)
	p.SetReadTimeout(drainSliceTimeout) //nolint:errcheck
	for {
		n, err := p.Read(buf)
		sb.Write(buf[:n])
		if err != nil || n == 0 {
			return sb.String()
		}
	}
}

// loop is a restartable background goroutine.
type loop struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *loop) start(fn func(ctx context.Context)) {
	l.stop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	l.mu.Lock()
	l.cancel, l.done = cancel, done
	l.mu.Unlock()

	go func() {
		defer close(done)
		fn(ctx)
	}()
}

func (l *loop) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
