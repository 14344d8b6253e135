package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog's debug level; pion's trace output is only
// visible with a handler configured for it.
const levelTrace = slog.LevelDebug - 4

// NewLoggerFactory routes pion's leveled loggers into l, tagging each record
// with the pion scope (e.g. "ice", "dtls").
func NewLoggerFactory(l *slog.Logger) logging.LoggerFactory {
	if l == nil {
		l = slog.Default()
	}
	return slogLoggerFactory{log: l}
}

type slogLoggerFactory struct {
	log *slog.Logger
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveledLogger{log: f.log.With("pion_scope", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l slogLeveledLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l slogLeveledLogger) emitf(level slog.Level, format string, args ...interface{}) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l slogLeveledLogger) Trace(msg string) { l.emit(levelTrace, msg) }
func (l slogLeveledLogger) Tracef(format string, args ...interface{}) {
	l.emitf(levelTrace, format, args...)
}
func (l slogLeveledLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l slogLeveledLogger) Debugf(format string, args ...interface{}) {
	l.emitf(slog.LevelDebug, format, args...)
}
func (l slogLeveledLogger) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l slogLeveledLogger) Infof(format string, args ...interface{}) {
	l.emitf(slog.LevelInfo, format, args...)
}
func (l slogLeveledLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l slogLeveledLogger) Warnf(format string, args ...interface{}) {
	l.emitf(slog.LevelWarn, format, args...)
}
func (l slogLeveledLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l slogLeveledLogger) Errorf(format string, args ...interface{}) {
	l.emitf(slog.LevelError, format, args...)
}
