package serialstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gg-glitch-88/cartlink/internal/devicetest"
	"github.com/gg-glitch-88/cartlink/internal/transport"
)

var allStates = []State{Start, Connectable, Connected, Busy, ConnectionLost}

func newObserved(t *testing.T) (*Context, *devicetest.Device, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	dev := devicetest.New("COM3")
	c := New(dev, zap.New(core))
	t.Cleanup(c.Dispose)
	return c, dev, logs
}

// force puts the machine in s without going through the transition table.
func force(c *Context, s State) {
	c.mu.Lock()
	c.state = s
	if s == Busy {
		c.idle = make(chan struct{})
	}
	c.mu.Unlock()
}

func rejections(logs *observer.ObservedLogs) int {
	return logs.FilterMessage("rejected state transition").Len()
}

func TestTransitionTo_Table(t *testing.T) {
	legal := map[[2]State]bool{}
	for _, p := range [][2]State{
		{Start, Connectable},
		{Connectable, Connected}, {Connectable, Start}, {Connectable, Busy},
		{Connected, Busy}, {Connected, ConnectionLost}, {Connected, Connectable},
		{Busy, Connected},
		{ConnectionLost, Connected},
	} {
		legal[p] = true
	}
	for _, from := range allStates {
		for _, to := range allStates {
			if from == to {
				continue
			}
			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				c, _, logs := newObserved(t)
				force(c, from)

				c.TransitionTo(to)

				if legal[[2]State{from, to}] {
					assert.Equal(t, to, c.Current())
					assert.Zero(t, rejections(logs))
					return
				}
				assert.Equal(t, from, c.Current())
				require.Equal(t, 1, rejections(logs))
				entry := logs.FilterMessage("rejected state transition").All()[0]
				assert.Equal(t, zap.ErrorLevel, entry.Level)
				assert.Equal(t, from.String(), entry.ContextMap()["from"])
				assert.Equal(t, to.String(), entry.ContextMap()["to"])
			})
		}
	}
}

func TestTransitionTo_SameStateIsSilent(t *testing.T) {
	for _, s := range allStates {
		t.Run(s.String(), func(t *testing.T) {
			c, _, logs := newObserved(t)
			force(c, s)
			c.TransitionTo(s)
			assert.Equal(t, s, c.Current())
			assert.Zero(t, rejections(logs))
		})
	}
}

func TestGuardedOps_NotPermitted(t *testing.T) {
	c, _, _ := newObserved(t)

	err := c.Write([]byte{1})
	require.ErrorIs(t, err, ErrNotPermitted)
	assert.EqualError(t, err, "cannot perform serial operations in Start")

	_, err = c.ReadTimeout(make([]byte, 1), time.Millisecond)
	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.ErrorIs(t, c.Lock(), ErrNotPermitted)
	assert.ErrorIs(t, c.Open(), ErrNotPermitted)
	assert.ErrorIs(t, c.SetPort("COM9"), ErrNotPermitted)

	force(c, ConnectionLost)
	assert.ErrorIs(t, c.ClearBuffers(), ErrNotPermitted)
	assert.ErrorIs(t, c.Close(), ErrNotPermitted)
}

func TestOpen_FromConnectable(t *testing.T) {
	c, dev, _ := newObserved(t)
	force(c, Connectable)

	require.NoError(t, c.Open())
	assert.Equal(t, Connected, c.Current())
	assert.True(t, dev.HealthCheckRunning())

	// Already connected: no-op.
	dev.OpenErr = errors.New("should not be called")
	assert.NoError(t, c.Open())
}

func TestOpen_NoOpWhileBusy(t *testing.T) {
	c, dev, _ := newObserved(t)
	force(c, Busy)
	dev.OpenErr = errors.New("should not be called")
	assert.NoError(t, c.Open())
	assert.Equal(t, Busy, c.Current())
}

func TestClose_ReturnsToConnectable(t *testing.T) {
	c, dev, _ := newObserved(t)
	force(c, Connected)
	dev.StartHealthCheck()

	require.NoError(t, c.Close())
	assert.Equal(t, Connectable, c.Current())
	assert.False(t, dev.HealthCheckRunning())
}

func TestEnsureConnection_RecoversLostLink(t *testing.T) {
	c, dev, _ := newObserved(t)
	force(c, ConnectionLost)

	require.NoError(t, c.EnsureConnection(0))
	assert.Equal(t, Connected, c.Current())
	assert.Equal(t, 1, dev.EnsureCalls())
}

func TestEnsureConnection_StaysBusy(t *testing.T) {
	c, _, _ := newObserved(t)
	force(c, Busy)
	require.NoError(t, c.EnsureConnection(0))
	assert.Equal(t, Busy, c.Current())
}

func TestAcquire_FailFastWhileBusy(t *testing.T) {
	c, _, _ := newObserved(t)
	force(c, Connected)

	require.NoError(t, c.Acquire(t.Context(), false))
	assert.Equal(t, Busy, c.Current())
	assert.ErrorIs(t, c.Acquire(t.Context(), false), ErrBusy)
}

func TestAcquire_NotReachable(t *testing.T) {
	c, _, _ := newObserved(t)
	err := c.Acquire(t.Context(), true)
	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.Equal(t, Start, c.Current())
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	c, _, _ := newObserved(t)
	force(c, Connected)
	require.NoError(t, c.Acquire(t.Context(), true))

	acquired := make(chan error, 1)
	go func() { acquired <- c.Acquire(t.Context(), true) }()

	select {
	case <-acquired:
		t.Fatal("second acquire must wait while busy")
	case <-time.After(30 * time.Millisecond):
	}

	c.Release()
	select {
	case err := <-acquired:
		require.NoError(t, err)
		assert.Equal(t, Busy, c.Current())
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by release")
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	c, _, _ := newObserved(t)
	force(c, Busy)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Acquire(ctx, true), context.DeadlineExceeded)
}

func TestAcquire_Exclusive(t *testing.T) {
	c, _, _ := newObserved(t)
	force(c, Connected)

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Acquire(t.Context(), true); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			c.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, Connected, c.Current())
}

func TestEvents_DriveTransitions(t *testing.T) {
	c, dev, _ := newObserved(t)
	states, unsub := c.Subscribe()
	defer unsub()
	assert.Equal(t, Start, <-states)

	steps := []struct {
		kind transport.EventKind
		want State
	}{
		{transport.EventPortsFound, Connectable},
		{transport.EventConnected, Connected},
		{transport.EventConnectionLost, ConnectionLost},
		{transport.EventConnected, Connected},
		{transport.EventDisconnected, Connectable},
		{transport.EventPortsLost, Start},
	}
	for _, s := range steps {
		dev.Emit(s.kind)
		select {
		case got := <-states:
			assert.Equal(t, s.want, got, "after %s", s.kind)
		case <-time.After(time.Second):
			t.Fatalf("no state after %s", s.kind)
		}
	}
}

func TestEvents_IgnoredWhileBusy(t *testing.T) {
	c, dev, _ := newObserved(t)
	force(c, Busy)

	dev.Emit(transport.EventConnectionLost)
	dev.Emit(transport.EventConnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Busy, c.Current())
}

func TestSubscribe_MultipleConsumers(t *testing.T) {
	c, _, _ := newObserved(t)
	a, unsubA := c.Subscribe()
	b, unsubB := c.Subscribe()
	defer unsubB()

	<-a
	<-b
	c.TransitionTo(Connectable)
	assert.Equal(t, Connectable, <-a)
	assert.Equal(t, Connectable, <-b)

	unsubA()
	_, ok := <-a
	assert.False(t, ok)
	unsubA()
}

func TestDispose_ClosesSubscribers(t *testing.T) {
	dev := devicetest.New("COM3")
	c := New(dev, nil)
	ch, _ := c.Subscribe()
	<-ch

	c.Dispose()
	c.Dispose()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestPermits(t *testing.T) {
	tests := []struct {
		state State
		op    Op
		want  bool
	}{
		{Start, OpOpen, false},
		{Connectable, OpSetPort, true},
		{Connectable, OpIO, false},
		{Connected, OpIO, true},
		{Connected, OpSetPort, false},
		{Busy, OpClose, false},
		{Busy, OpIO, true},
		{ConnectionLost, OpEnsureConnection, true},
		{ConnectionLost, OpIO, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String()+"/"+tt.op.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Permits(tt.state, tt.op))
		})
	}
}
