package commands_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gg-glitch-88/cartlink/internal/commands"
	"github.com/gg-glitch-88/cartlink/internal/devicetest"
	"github.com/gg-glitch-88/cartlink/internal/pipeline"
	"github.com/gg-glitch-88/cartlink/internal/serialstate"
	"github.com/gg-glitch-88/cartlink/internal/transport"
)

type alertLog struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alertLog) Publish(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

func (a *alertLog) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.msgs...)
}

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func (s *sleepLog) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

type harness struct {
	dev    *devicetest.Device
	link   *serialstate.Context
	disp   *commands.Dispatcher
	alerts *alertLog
	sleeps *sleepLog
	logs   *observer.ObservedLogs
}

func testOptions() commands.Options {
	o := commands.DefaultOptions()
	o.AckTimeout = 50 * time.Millisecond
	o.ListingTimeout = 200 * time.Millisecond
	o.TransferTimeout = 200 * time.Millisecond
	o.DuplicateDrain = time.Millisecond
	o.PollInterval = time.Millisecond
	o.PingWait = time.Millisecond
	return o
}

func newHarness(t *testing.T, steps ...devicetest.Step) *harness {
	t.Helper()
	dev := devicetest.New("COM5", steps...)
	link := serialstate.New(dev, nil)
	t.Cleanup(link.Dispose)

	states, unsub := link.Subscribe()
	dev.Emit(transport.EventConnected)
	waitFor(t, states, serialstate.Connected)
	unsub()

	core, logs := observer.New(zap.InfoLevel)
	h := &harness{dev: dev, link: link, alerts: &alertLog{}, sleeps: &sleepLog{}, logs: logs}
	pipe := pipeline.New(pipeline.SingleDevice{Link: link}, h.alerts, zap.New(core))
	h.disp = commands.NewDispatcher(pipe, testOptions(), h.alerts, nil, commands.WithSleep(h.sleeps.sleep))
	return h
}

func waitFor(t *testing.T, states <-chan serialstate.State, want serialstate.State) {
	t.Helper()
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("state %s never reached", want)
		}
	}
}

// done asserts the whole script ran and matched.
func (h *harness) done(t *testing.T) {
	t.Helper()
	require.Empty(t, h.dev.Problems())
	require.Zero(t, h.dev.Remaining(), "unconsumed steps")
	require.Equal(t, serialstate.Connected, h.link.Current())
}
