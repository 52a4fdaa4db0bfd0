// Package klogrus provides a logrus logger for a kworker Worker.
package klogrus

import (
	"github.com/sirupsen/logrus"

	"github.com/kwire/kworker/pkg/kworker"
)

// Logger provides the kworker.Logger interface for usage in
// kworker.WithLogger when initializing a worker.
type Logger struct {
	lr    logrus.FieldLogger
	level func() logrus.Level
}

// New returns a new Logger.
func New(lr *logrus.Logger) *Logger {
	return &Logger{lr, lr.GetLevel}
}

// NewFieldLogger returns a new Logger that logs through fl, which is usually
// a *logrus.Entry carrying fields common to every message. The log level is
// taken from the logrus.Logger fl writes to, if it can be determined, and is
// Info otherwise.
func NewFieldLogger(fl logrus.FieldLogger) *Logger {
	level := func() logrus.Level { return logrus.InfoLevel }
	switch fl := fl.(type) {
	case *logrus.Logger:
		level = fl.GetLevel
	case *logrus.Entry:
		level = fl.Logger.GetLevel
	}
	return &Logger{fl, level}
}

// Level is for the kworker.Logger interface.
func (l *Logger) Level() kworker.LogLevel {
	return logrusToKworkerLevel(l.level())
}

// Log is for the kworker.Logger interface.
func (l *Logger) Log(level kworker.LogLevel, msg string, keyvals ...any) {
	logrusLevel, levelMatched := kworkerToLogrusLevel(level)
	if !levelMatched {
		return
	}
	fields := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fields[k] = keyvals[i+1]
	}
	entry := l.lr.WithFields(fields)
	switch logrusLevel {
	case logrus.ErrorLevel:
		entry.Error(msg)
	case logrus.WarnLevel:
		entry.Warn(msg)
	case logrus.InfoLevel:
		entry.Info(msg)
	default:
		entry.Debug(msg)
	}
}

func kworkerToLogrusLevel(level kworker.LogLevel) (logrus.Level, bool) {
	switch level {
	case kworker.LogLevelError:
		return logrus.ErrorLevel, true
	case kworker.LogLevelWarn:
		return logrus.WarnLevel, true
	case kworker.LogLevelInfo:
		return logrus.InfoLevel, true
	case kworker.LogLevelDebug:
		return logrus.DebugLevel, true
	}
	return logrus.TraceLevel, false
}

func logrusToKworkerLevel(level logrus.Level) kworker.LogLevel {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return kworker.LogLevelError
	case logrus.WarnLevel:
		return kworker.LogLevelWarn
	case logrus.InfoLevel:
		return kworker.LogLevelInfo
	case logrus.DebugLevel, logrus.TraceLevel:
		return kworker.LogLevelDebug
	default:
		return kworker.LogLevelNone
	}
}
