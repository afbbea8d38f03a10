// Package notify delivers user-facing run notifications.
package notify

import "log/slog"

type Notifier interface {
	Info(title, msg string)
	Success(title, msg string)
	Warning(title, msg string)
	Error(title, msg string)
	Progress(title, msg string, percent float64)
}

// Log writes notifications to a structured logger.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify")}
}

func (l *Log) Info(title, msg string)    { l.logger.Info(msg, "title", title) }
func (l *Log) Success(title, msg string) { l.logger.Info(msg, "title", title, "outcome", "success") }
func (l *Log) Warning(title, msg string) { l.logger.Warn(msg, "title", title) }
func (l *Log) Error(title, msg string)   { l.logger.Error(msg, "title", title) }

func (l *Log) Progress(title, msg string, percent float64) {
	l.logger.Info(msg, "title", title, "percent", percent)
}

type Nop struct{}

func (Nop) Info(string, string)              {}
func (Nop) Success(string, string)           {}
func (Nop) Warning(string, string)           {}
func (Nop) Error(string, string)             {}
func (Nop) Progress(string, string, float64) {}
