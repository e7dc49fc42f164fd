package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEventBus_FanOut(t *testing.T) {
	bus := NewEventBus()
	a, unsubA := bus.Subscribe()
	b, unsubB := bus.Subscribe()
	defer unsubB()
	assert.Equal(t, 2, bus.Len())

	bus.PublishAlert("cart busy")
	for _, ch := range []<-chan Event{a, b} {
		evt := <-ch
		assert.Equal(t, EventAlert, evt.Type)
		assert.Equal(t, "cart busy", evt.Data)
		assert.False(t, evt.Timestamp.IsZero())
	}

	unsubA()
	unsubA()
	_, ok := <-a
	assert.False(t, ok)
	assert.Equal(t, 1, bus.Len())
}

func TestEventBus_DropsForSlowConsumer(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer*2; i++ {
		bus.PublishState(StateChange{Device: "abc", State: "Busy"})
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestEventBus_LogHook(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	core, _ := observer.New(zapcore.DebugLevel)
	log := zap.New(core, bus.LogHook(zapcore.WarnLevel)).Named("serial")

	log.Info("opened port")
	log.Warn("port lost")

	require.Len(t, ch, 1)
	evt := <-ch
	assert.Equal(t, EventLog, evt.Type)
	assert.Equal(t, LogLine{Level: "warn", Logger: "serial", Message: "port lost"}, evt.Data)
}

func TestAlerts_PublishesAndLogs(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.Subscribe()
	defer unsub()
	core, logs := observer.New(zapcore.DebugLevel)

	NewAlerts(bus, zap.New(core)).Publish("Detected a large file launch.")

	evt := <-ch
	assert.Equal(t, EventAlert, evt.Type)
	assert.Equal(t, "Detected a large file launch.", evt.Data)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "internal", logs.All()[0].ContextMap()["source"])
}
