package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gg-glitch-88/cartlink/internal/protocol"
	"github.com/gg-glitch-88/cartlink/internal/transport"
)

// bannerPort prints banner when it receives the version check byte.
type bannerPort struct {
	mu      sync.Mutex
	banner  string
	in      []byte
	timeout time.Duration
	closed  bool
}

func (p *bannerPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bytes.Equal(b, []byte{protocol.VersionCheck}) {
		p.in = append(p.in, p.banner...)
	}
	return len(b), nil
}

func (p *bannerPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.in) == 0 {
		time.Sleep(p.timeout)
		return 0, nil
	}
	n := copy(b, p.in)
	p.in = p.in[n:]
	return n, nil
}

func (p *bannerPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *bannerPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
	return nil
}

func (p *bannerPort) ResetInputBuffer() error  { return nil }
func (p *bannerPort) ResetOutputBuffer() error { return nil }

type portSet struct {
	names []string
	ports map[string]*bannerPort
}

func newPortSet(banners ...[2]string) *portSet {
	s := &portSet{ports: make(map[string]*bannerPort)}
	for _, b := range banners {
		s.names = append(s.names, b[0])
		s.ports[b[0]] = &bannerPort{banner: b[1]}
	}
	return s
}

func (s *portSet) list() ([]string, error) { return s.names, nil }

func (s *portSet) open(name string, _ int) (transport.Port, error) {
	p, ok := s.ports[name]
	if !ok {
		return nil, fmt.Errorf("open %s: access denied", name)
	}
	return p, nil
}

func TestFinder_Discover(t *testing.T) {
	ports := newPortSet(
		[2]string{"COM1", "modem ready"},
		[2]string{"COM3", "TeensyROM v0.6.6"},
		[2]string{"COM4", "TeensyROM is busy"},
	)
	ports.names = append(ports.names, "COM9") // listed but cannot be opened

	f := NewFinder(0, nil, WithPorts(ports.list, ports.open), WithAnswerWait(5*time.Millisecond))
	found, err := f.Discover(t.Context())
	require.NoError(t, err)

	require.Len(t, found, 2)
	assert.Equal(t, "COM3", found[0].Port)
	assert.True(t, found[0].Info.Compatible)
	assert.Equal(t, "COM4", found[1].Port)
	assert.True(t, found[1].Info.Busy)
	for _, p := range ports.ports {
		assert.True(t, p.closed, "queried ports are closed again")
	}
}

func TestFinder_SkipsPorts(t *testing.T) {
	ports := newPortSet([2]string{"COM3", "TeensyROM v0.6.6"})
	f := NewFinder(0, nil, WithPorts(ports.list, ports.open), WithAnswerWait(time.Millisecond))

	found, err := f.Discover(t.Context(), "COM3")
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.False(t, ports.ports["COM3"].closed, "skipped port never opened")
}

func TestFinder_Cancelled(t *testing.T) {
	ports := newPortSet([2]string{"COM3", "TeensyROM v0.6.6"})
	f := NewFinder(0, nil, WithPorts(ports.list, ports.open))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := f.Discover(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFinder_ListError(t *testing.T) {
	boom := errors.New("enumerate failed")
	f := NewFinder(0, nil, WithPorts(func() ([]string, error) { return nil, boom }, nil))
	_, err := f.Discover(t.Context())
	assert.ErrorIs(t, err, boom)
}
