package channels

import (
	"context"
	"log/slog"
)

// LogChannel writes alerts to the structured log. Used when no outbound
// channel is configured so dispatch state still advances in development.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger.With("component", "log-channel")}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(_ context.Context, alert Alert) error {
	l.logger.Info("alert",
		"track", alert.Track,
		"message_id", alert.MessageID,
		"source", alert.Source,
		"level", alert.Level.String(),
		"body", alert.Render())
	return nil
}
