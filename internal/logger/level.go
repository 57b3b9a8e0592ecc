package logger

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel is a level name as written in configuration.
type LogLevel string

const (
	LevelTrace LogLevel = "trace"
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// ParseLevel accepts logrus names and the uppercase names used by
// GRYFFEN_LOG_LEVEL (NOTSET, DEBUG, INFO, WARNING, ERROR, FATAL).
// NOTSET means log everything.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "NOTSET", "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARNING", "WARN":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL", "CRITICAL":
		return LevelFatal, nil
	}
	return "", fmt.Errorf("unknown log level %q", name)
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LevelTrace:
		return logrus.TraceLevel
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	case LevelFatal:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}
