package listing

import (
	"fmt"
	"time"

	"github.com/gg-glitch-88/cartlink/internal/protocol"
)

const (
	DefaultStartTimeout = 500 * time.Millisecond
	DefaultTimeout      = 10 * time.Second

	readSlice = 10 * time.Millisecond
)

// Receive waits for StartDirectoryList and then accumulates the listing
// until the stream ends with EndDirectoryList. A stream ending in Fail is
// a *protocol.DeviceError carrying the text before the token. Running past
// timeout yields a *protocol.TimeoutError holding the partial buffer.
func Receive(c *protocol.Codec, startTimeout, timeout time.Duration) ([]byte, error) {
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start, err := c.ReadToken(startTimeout)
	if err != nil {
		return nil, fmt.Errorf("listing: wait for start: %w", err)
	}
	switch start {
	case protocol.TokenStartDirectoryList:
	case protocol.TokenFail:
		return nil, &protocol.DeviceError{Token: start, Message: c.DrainString(100 * time.Millisecond)}
	default:
		return nil, &protocol.UnexpectedTokenError{Got: start, Want: []protocol.Token{protocol.TokenStartDirectoryList}}
	}

	var (
		raw      []byte
		buf      = make([]byte, 4096)
		deadline = time.Now().Add(timeout)
	)
	for {
		if time.Now().After(deadline) {
			return nil, &protocol.TimeoutError{Op: "receive directory listing", Partial: raw}
		}
		n, err := c.Conn().ReadTimeout(buf, readSlice)
		if err != nil {
			return nil, fmt.Errorf("listing: read: %w", err)
		}
		if n == 0 {
			continue
		}
		raw = append(raw, buf[:n]...)
		if len(raw) < 2 {
			continue
		}
		switch protocol.TokenFrom(raw[len(raw)-2:]) {
		case protocol.TokenEndDirectoryList:
			return raw, nil
		case protocol.TokenFail:
			return nil, &protocol.DeviceError{Token: protocol.TokenFail, Message: string(raw[:len(raw)-2])}
		}
	}
}
