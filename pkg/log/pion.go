package log

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// scopedLogger routes pion library logs into the package logger.
type scopedLogger struct {
	scope string
}

func (l *scopedLogger) emit(e *zerolog.Event, msg string) {
	e.Str("scope", l.scope).Msg(msg)
}

func (l *scopedLogger) Trace(msg string) { l.emit(log.Trace(), msg) }
func (l *scopedLogger) Tracef(format string, args ...interface{}) {
	l.emit(log.Trace(), fmt.Sprintf(format, args...))
}
func (l *scopedLogger) Debug(msg string) { l.emit(log.Debug(), msg) }
func (l *scopedLogger) Debugf(format string, args ...interface{}) {
	l.emit(log.Debug(), fmt.Sprintf(format, args...))
}
func (l *scopedLogger) Info(msg string) { l.emit(log.Info(), msg) }
func (l *scopedLogger) Infof(format string, args ...interface{}) {
	l.emit(log.Info(), fmt.Sprintf(format, args...))
}
func (l *scopedLogger) Warn(msg string) { l.emit(log.Warn(), msg) }
func (l *scopedLogger) Warnf(format string, args ...interface{}) {
	l.emit(log.Warn(), fmt.Sprintf(format, args...))
}
func (l *scopedLogger) Error(msg string) { l.emit(log.Error(), msg) }
func (l *scopedLogger) Errorf(format string, args ...interface{}) {
	l.emit(log.Error(), fmt.Sprintf(format, args...))
}

type loggerFactory struct{}

// NewLogger implements logging.LoggerFactory
func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &scopedLogger{scope: scope}
}

// NewLoggerFactory returns a pion LoggerFactory backed by the package logger.
func NewLoggerFactory() logging.LoggerFactory {
	return loggerFactory{}
}
