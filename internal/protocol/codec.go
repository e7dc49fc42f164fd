package protocol

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultAckTimeout = 500 * time.Millisecond
	DefaultChunkSize  = 16 * 1024
	defaultFailDrain  = 100 * time.Millisecond
)

// Conn is the byte-level link the codec drives. Implementations own the
// physical port; the codec never retains the buffers it passes in.
type Conn interface {
	Write(p []byte) error
	// ReadTimeout reads up to len(buf) bytes, returning 0 when nothing
	// arrived within d.
	ReadTimeout(buf []byte, d time.Duration) (int, error)
	// ReadAvailable waits d and then returns whatever is buffered.
	ReadAvailable(d time.Duration) ([]byte, error)
	ClearBuffers() error
}

// Options tunes handshake timing and bulk transfer size.
type Options struct {
	AckTimeout time.Duration
	ChunkSize  int
	FailDrain  time.Duration
}

// Codec frames commands onto a Conn.
type Codec struct {
	conn Conn
	opts Options
	log  *zap.Logger
}

// NewCodec returns a Codec; zero option fields take their defaults.
func NewCodec(conn Conn, opts Options, log *zap.Logger) *Codec {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.FailDrain <= 0 {
		opts.FailDrain = defaultFailDrain
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Codec{conn: conn, opts: opts, log: log}
}

// Conn exposes the underlying link for stream readers.
func (c *Codec) Conn() Conn { return c.conn }

// ── Writes ────────────────────────────────────────────────────────────────

// SendToken writes a 2-byte token.
func (c *Codec) SendToken(t Token) error {
	if err := c.conn.Write(t.Bytes()); err != nil {
		return fmt.Errorf("protocol: send %s: %w", t, err)
	}
	return nil
}

// SendUint writes the low width bytes of v, most significant first.
func (c *Codec) SendUint(v uint32, width int) error {
	if width < 1 || width > 4 {
		return fmt.Errorf("protocol: invalid integer width %d", width)
	}
	b := make([]byte, width)
	for i := 0; i < width; i++ {
		b[width-1-i] = byte(v >> (8 * i))
	}
	if err := c.conn.Write(b); err != nil {
		return fmt.Errorf("protocol: send uint%d: %w", width*8, err)
	}
	return nil
}

// SendInt16 writes a signed short, high byte first.
func (c *Codec) SendInt16(v int16) error {
	return c.SendUint(uint32(uint16(v)), 2)
}

// SendString writes s followed by a null terminator.
func (c *Codec) SendString(s string) error {
	b := make([]byte, 0, len(s)+1)
	b = append(b, s...)
	b = append(b, 0)
	if err := c.conn.Write(b); err != nil {
		return fmt.Errorf("protocol: send string: %w", err)
	}
	return nil
}

// SendPath writes the storage selector followed by the null-terminated path.
func (c *Codec) SendPath(storage StorageType, path string) error {
	if err := c.SendUint(uint32(storage.Selector()), 1); err != nil {
		return err
	}
	return c.SendString(path)
}

// WriteChunked streams buf in ChunkSize pieces; the last piece is clipped.
func (c *Codec) WriteChunked(buf []byte) error {
	for sent := 0; sent < len(buf); {
		n := c.opts.ChunkSize
		if len(buf)-sent < n {
			n = len(buf) - sent
		}
		if err := c.conn.Write(buf[sent : sent+n]); err != nil {
			return fmt.Errorf("protocol: write chunk at %d: %w", sent, err)
		}
		sent += n
	}
	return nil
}

// ── Reads ─────────────────────────────────────────────────────────────────

// ReadFull reads exactly n bytes, tolerating partial reads, or fails with a
// *TimeoutError carrying what did arrive.
func (c *Codec) ReadFull(n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	deadline := time.Now().Add(timeout)
	got := 0
	for got < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &TimeoutError{Op: fmt.Sprintf("read %d bytes", n), Partial: buf[:got]}
		}
		k, err := c.conn.ReadTimeout(buf[got:], remaining)
		if err != nil {
			return nil, fmt.Errorf("protocol: read: %w", err)
		}
		got += k
	}
	return buf, nil
}

// ReadToken reads one token within timeout.
func (c *Codec) ReadToken(timeout time.Duration) (Token, error) {
	b, err := c.ReadFull(2, timeout)
	if err != nil {
		return TokenUnknown, err
	}
	return TokenFrom(b), nil
}

// ReadAck reads the reply to a handshake step. Ack and RetryLaunch are
// returned as-is. Fail becomes a *DeviceError holding the text the device
// printed after it; any other token is an *UnexpectedTokenError.
func (c *Codec) ReadAck() (Token, error) {
	t, err := c.ReadToken(c.opts.AckTimeout)
	if err != nil {
		return TokenUnknown, fmt.Errorf("protocol: read ack: %w", err)
	}
	switch t {
	case TokenAck, TokenRetryLaunch:
		c.log.Debug("ack received", zap.Stringer("token", t))
		return t, nil
	case TokenFail:
		msg := c.DrainString(c.opts.FailDrain)
		c.log.Warn("device reported failure", zap.String("message", msg))
		return t, &DeviceError{Token: t, Message: msg}
	default:
		return t, &UnexpectedTokenError{Got: t, Want: []Token{TokenAck, TokenRetryLaunch, TokenFail}}
	}
}

// ExpectAck is ReadAck that also rejects RetryLaunch.
func (c *Codec) ExpectAck() error {
	t, err := c.ReadAck()
	if err != nil {
		return err
	}
	if t != TokenAck {
		return &UnexpectedTokenError{Got: t, Want: []Token{TokenAck}}
	}
	return nil
}

// ReadUint reads a width-byte little-endian integer.
func (c *Codec) ReadUint(width int, timeout time.Duration) (uint32, error) {
	if width < 1 || width > 4 {
		return 0, fmt.Errorf("protocol: invalid integer width %d", width)
	}
	b, err := c.ReadFull(width, timeout)
	if err != nil {
		return 0, err
	}
	var v uint32
	for i := 0; i < width; i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v, nil
}

// DrainString waits d and returns whatever text is buffered.
func (c *Codec) DrainString(d time.Duration) string {
	b, err := c.conn.ReadAvailable(d)
	if err != nil {
		c.log.Debug("drain failed", zap.Error(err))
	}
	return string(b)
}

// ClearBuffers discards pending input and output.
func (c *Codec) ClearBuffers() error {
	if err := c.conn.ClearBuffers(); err != nil {
		return fmt.Errorf("protocol: clear buffers: %w", err)
	}
	return nil
}
