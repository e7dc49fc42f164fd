package gateway

import "go.uber.org/zap"

// Alerts delivers user-facing notices to monitor clients and the log.
type Alerts struct {
	bus *EventBus
	log *zap.Logger
}

func NewAlerts(bus *EventBus, log *zap.Logger) *Alerts {
	if log == nil {
		log = zap.NewNop()
	}
	return &Alerts{bus: bus, log: log.Named("alert")}
}

func (a *Alerts) Publish(msg string) {
	a.log.Warn(msg, zap.String("source", "internal"))
	a.bus.PublishAlert(msg)
}
