package adapters

import "go.uber.org/zap"

// LogAlerts writes user-facing notices to the log when no UI is attached.
type LogAlerts struct {
	log *zap.Logger
}

func NewLogAlerts(log *zap.Logger) *LogAlerts {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogAlerts{log: log.Named("alert")}
}

func (a *LogAlerts) Publish(msg string) {
	a.log.Warn(msg, zap.String("source", "internal"))
}
