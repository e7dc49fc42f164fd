// Package devicetest provides a scripted in-memory cartridge that satisfies
// the serial link interfaces, so protocol flows can be exercised without
// hardware.
package devicetest

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/gg-glitch-88/cartlink/internal/protocol"
	"github.com/gg-glitch-88/cartlink/internal/transport"
)

// Step is one exchange: once the host has written Expect, Reply is queued
// for reading. A non-nil ReadErr makes reads fail after the queued bytes
// are consumed, until the next reconnect.
type Step struct {
	Expect  []byte
	Reply   []byte
	ReadErr error
}

// Device is a scripted cartridge. The zero value is not usable; call New.
type Device struct {
	mu       sync.Mutex
	port     string
	open     bool
	steps    []Step
	pending  []byte
	in       []byte
	readErr  error
	written  []byte
	problems []string
	events   chan transport.Event

	// OpenErr is returned by Open when set.
	OpenErr error
	// EnsureErrs are returned by successive EnsureConnection calls; once
	// exhausted, EnsureConnection succeeds.
	EnsureErrs []error
	// ReconnectReply is queued after every successful EnsureConnection.
	ReconnectReply []byte

	ensureCalls int
	lockCalls   int
	healthOn    bool
	disposed    bool
}

// New returns a Device on port with the given script.
func New(port string, steps ...Step) *Device {
	return &Device{
		port:   port,
		steps:  steps,
		events: make(chan transport.Event, 32),
	}
}

// Script appends further steps.
func (d *Device) Script(steps ...Step) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, steps...)
}

// Emit pushes a presence event as if the transport observed it.
func (d *Device) Emit(kind transport.EventKind) {
	d.events <- transport.Event{Kind: kind, Port: d.port, Timestamp: time.Now()}
}

// ── Link ──────────────────────────────────────────────────────────────────

func (d *Device) Port() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port
}

func (d *Device) SetPort(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.port = name
}

func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.open = true
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func (d *Device) EnsureConnection(time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureCalls++
	if len(d.EnsureErrs) > 0 {
		err := d.EnsureErrs[0]
		d.EnsureErrs = d.EnsureErrs[1:]
		if err != nil {
			return err
		}
	}
	d.open = true
	d.readErr = nil
	d.in = append(d.in, d.ReconnectReply...)
	return nil
}

func (d *Device) Lock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lockCalls++
	return nil
}

func (d *Device) Unlock() {}

func (d *Device) StartHealthCheck() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.healthOn = true
}

func (d *Device) StopHealthCheck() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.healthOn = false
}

func (d *Device) Write(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written = append(d.written, p...)
	d.pending = append(d.pending, p...)
	for len(d.steps) > 0 && len(d.pending) >= len(d.steps[0].Expect) {
		step := d.steps[0]
		n := len(step.Expect)
		if !bytes.Equal(d.pending[:n], step.Expect) {
			d.problems = append(d.problems,
				fmt.Sprintf("step expected % X, host wrote % X", step.Expect, d.pending[:n]))
		}
		d.pending = d.pending[n:]
		d.steps = d.steps[1:]
		d.in = append(d.in, step.Reply...)
		if step.ReadErr != nil {
			d.readErr = step.ReadErr
		}
	}
	return nil
}

func (d *Device) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	if len(d.in) > 0 {
		n := copy(buf, d.in)
		d.in = d.in[n:]
		d.mu.Unlock()
		return n, nil
	}
	err := d.readErr
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	time.Sleep(min(timeout, 2*time.Millisecond))
	return 0, nil
}

func (d *Device) ReadAvailable(time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.in) == 0 && d.readErr != nil {
		return nil, d.readErr
	}
	out := d.in
	d.in = nil
	return out, nil
}

func (d *Device) ClearBuffers() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.in = nil
	return nil
}

func (d *Device) Events() <-chan transport.Event { return d.events }

func (d *Device) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.disposed {
		d.disposed = true
		close(d.events)
	}
}

// ── Inspection ────────────────────────────────────────────────────────────

// Written returns every byte the host wrote.
func (d *Device) Written() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.written...)
}

// Problems lists script mismatches.
func (d *Device) Problems() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.problems...)
}

// Remaining is the number of unconsumed steps.
func (d *Device) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.steps)
}

// EnsureCalls counts EnsureConnection invocations.
func (d *Device) EnsureCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureCalls
}

// LockCalls counts Lock invocations.
func (d *Device) LockCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lockCalls
}

// HealthCheckRunning reports whether the health check is on.
func (d *Device) HealthCheckRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthOn
}

// ── Wire helpers ──────────────────────────────────────────────────────────

// Tok encodes a token.
func Tok(t protocol.Token) []byte { return t.Bytes() }

// Ack is the encoded Ack token.
func Ack() []byte { return protocol.TokenAck.Bytes() }

// Fail is the encoded Fail token followed by the device's text.
func Fail(text string) []byte {
	return append(protocol.TokenFail.Bytes(), text...)
}

// Uint encodes v in width bytes, most significant first.
func Uint(v uint32, width int) []byte {
	b := make([]byte, width)
	for i := 0; i < width; i++ {
		b[width-1-i] = byte(v >> (8 * i))
	}
	return b
}

// UintLE encodes v in width bytes, least significant first.
func UintLE(v uint32, width int) []byte {
	b := make([]byte, width)
	for i := 0; i < width; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

// Path encodes a storage selector and null-terminated path.
func Path(storage protocol.StorageType, path string) []byte {
	b := []byte{storage.Selector()}
	b = append(b, path...)
	return append(b, 0)
}

// Join concatenates byte slices.
func Join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
