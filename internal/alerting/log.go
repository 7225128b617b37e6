package alerting

import (
	"context"

	"go.uber.org/zap"
)

// LogChannel writes notifications to the service log. It is the fallback when
// no external channel is configured.
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("notify")}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, n Notification) error {
	fields := []zap.Field{zap.String("subject", n.Subject), zap.String("body", n.Body)}
	if n.Alert != nil {
		fields = append(fields,
			zap.String("alert_id", n.Alert.ID),
			zap.String("device_id", n.Alert.DeviceID))
	}
	c.logger.Warn("Notification", fields...)
	return nil
}
