package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

type cronLogger struct {
	logger *slog.Logger
}

// NewCronLogger routes cron's own messages to slog. Skipped ticks are logged at
// info, the rest of cron's scheduling chatter at debug.
func NewCronLogger(logger *slog.Logger) cron.Logger {
	return &cronLogger{logger: logger.With("component", "cron")}
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		l.logger.Info("advance tick skipped, previous run still in progress", keysAndValues...)
		return
	}
	l.logger.Debug(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
