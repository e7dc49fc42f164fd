package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EventType classifies an engine event for monitor clients.
type EventType string

const (
	EventState   EventType = "state"
	EventAlert   EventType = "alert"
	EventLog     EventType = "log"
	EventLaunch  EventType = "launch"
	EventDevices EventType = "devices"
)

// Event is the JSON envelope broadcast to monitor clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// StateChange reports a link moving to a new connection state.
type StateChange struct {
	Device string `json:"device"`
	Port   string `json:"port"`
	State  string `json:"state"`
}

// LogLine is a log entry mirrored to monitor clients.
type LogLine struct {
	Level   string `json:"level"`
	Logger  string `json:"logger,omitempty"`
	Message string `json:"message"`
}

const subscriberBuffer = 64

type subscriber struct {
	ch chan Event
}

// EventBus fans engine events out to every subscriber. Subscribers whose
// buffer is full miss events rather than stall the publisher.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a client. The returned function unsubscribes and
// closes the channel; calling it more than once is safe.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *EventBus) PublishState(c StateChange) { b.Publish(Event{Type: EventState, Data: c}) }
func (b *EventBus) PublishAlert(msg string)    { b.Publish(Event{Type: EventAlert, Data: msg}) }

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// LogHook mirrors log entries at or above min onto the bus. Pass it to
// logger.New once the bus exists.
func (b *EventBus) LogHook(min zapcore.Level) zap.Option {
	return zap.Hooks(func(e zapcore.Entry) error {
		if e.Level < min {
			return nil
		}
		b.Publish(Event{
			Type:      EventLog,
			Timestamp: e.Time.UTC(),
			Data:      LogLine{Level: e.Level.String(), Logger: e.LoggerName, Message: e.Message},
		})
		return nil
	})
}
