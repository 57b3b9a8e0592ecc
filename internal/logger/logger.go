package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFormat selects the entry encoding.
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Config describes where and how entries are written.
type Config struct {
	Level      LogLevel  `json:"level"`
	Format     LogFormat `json:"format"`
	Output     string    `json:"output"`      // stdout, stderr, file
	Filename   string    `json:"filename"`    // used when Output is "file"
	MaxSize    int       `json:"max_size"`    // MB per file before rotation
	MaxAge     int       `json:"max_age"`     // days
	MaxBackups int       `json:"max_backups"` // rotated files kept
	Compress   bool      `json:"compress"`
	Caller     bool      `json:"caller"`
	Timestamp  bool      `json:"timestamp"`

	// Writer overrides Output when set. Tests use it to capture entries.
	Writer io.Writer `json:"-"`
}

// DefaultConfig is used by the global logger until Init is called.
var DefaultConfig = Config{
	Level:      LevelInfo,
	Format:     FormatJSON,
	Output:     "stdout",
	MaxSize:    100,
	MaxAge:     30,
	MaxBackups: 10,
	Compress:   true,
	Caller:     false,
	Timestamp:  true,
}

// Logger is the logging interface handed to every component.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})

	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger
	WithContext(ctx context.Context) Logger

	SetLevel(level LogLevel)
	GetLevel() LogLevel
	AddHook(hook logrus.Hook)
}

// StructuredLogger is the logrus-backed Logger.
type StructuredLogger struct {
	logger *logrus.Logger
	entry  *logrus.Entry
	config *Config
	mu     *sync.RWMutex
}

type ctxKey string

// RequestIDKey is the context key under which the request id travels.
const RequestIDKey ctxKey = "request_id"

// NewLogger builds a logger from config. Unknown levels fall back to info.
func NewLogger(config Config) Logger {
	logger := logrus.New()

	level, err := ParseLevel(string(config.Level))
	if err != nil {
		level = LevelInfo
	}
	config.Level = level
	logger.SetLevel(level.logrus())

	prettyfier := func(f *runtime.Frame) (string, string) {
		filename := filepath.Base(f.File)
		return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
	}
	if config.Format == FormatText {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    config.Timestamp,
			DisableTimestamp: !config.Timestamp,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: prettyfier,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			DisableTimestamp: !config.Timestamp,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: prettyfier,
		})
	}

	logger.SetOutput(openOutput(&config))
	logger.SetReportCaller(config.Caller)

	return &StructuredLogger{
		logger: logger,
		entry:  logrus.NewEntry(logger),
		config: &config,
		mu:     &sync.RWMutex{},
	}
}

func openOutput(config *Config) io.Writer {
	if config.Writer != nil {
		return config.Writer
	}
	switch config.Output {
	case "stderr":
		return os.Stderr
	case "file":
		if config.Filename == "" {
			config.Filename = "logs/gryffen.log"
		}
		if err := os.MkdirAll(filepath.Dir(config.Filename), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
			return os.Stdout
		}
		return &lumberjack.Logger{
			Filename:   config.Filename,
			MaxSize:    config.MaxSize,
			MaxAge:     config.MaxAge,
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
		}
	default:
		return os.Stdout
	}
}

func (l *StructuredLogger) Debug(msg string, fields ...interface{}) {
	l.logWithFields(logrus.DebugLevel, msg, fields...)
}

func (l *StructuredLogger) Info(msg string, fields ...interface{}) {
	l.logWithFields(logrus.InfoLevel, msg, fields...)
}

func (l *StructuredLogger) Warn(msg string, fields ...interface{}) {
	l.logWithFields(logrus.WarnLevel, msg, fields...)
}

func (l *StructuredLogger) Error(msg string, fields ...interface{}) {
	l.logWithFields(logrus.ErrorLevel, msg, fields...)
}

// Fatal logs and exits the process with status 1.
func (l *StructuredLogger) Fatal(msg string, fields ...interface{}) {
	l.logWithFields(logrus.FatalLevel, msg, fields...)
}

func (l *StructuredLogger) derive(entry *logrus.Entry) Logger {
	return &StructuredLogger{
		logger: l.logger,
		entry:  entry,
		config: l.config,
		mu:     l.mu,
	}
}

func (l *StructuredLogger) WithField(key string, value interface{}) Logger {
	return l.derive(l.entry.WithField(key, value))
}

func (l *StructuredLogger) WithFields(fields map[string]interface{}) Logger {
	return l.derive(l.entry.WithFields(fields))
}

func (l *StructuredLogger) WithError(err error) Logger {
	return l.derive(l.entry.WithError(err))
}

// WithContext copies the request id out of ctx when present.
func (l *StructuredLogger) WithContext(ctx context.Context) Logger {
	entry := l.entry.WithContext(ctx)
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		entry = entry.WithField(string(RequestIDKey), requestID)
	}
	return l.derive(entry)
}

func (l *StructuredLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()

	parsed, err := ParseLevel(string(level))
	if err != nil {
		return
	}
	l.logger.SetLevel(parsed.logrus())
	l.config.Level = parsed
}

func (l *StructuredLogger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config.Level
}

func (l *StructuredLogger) AddHook(hook logrus.Hook) {
	l.logger.AddHook(hook)
}

// logWithFields turns alternating key/value arguments into entry fields.
func (l *StructuredLogger) logWithFields(level logrus.Level, msg string, fields ...interface{}) {
	entry := l.entry
	if len(fields) > 1 {
		fieldMap := make(logrus.Fields, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			if key, ok := fields[i].(string); ok {
				fieldMap[key] = fields[i+1]
			}
		}
		if len(fieldMap) > 0 {
			entry = entry.WithFields(fieldMap)
		}
	}
	entry.Log(level, msg)
	if level == logrus.FatalLevel {
		l.logger.Exit(1)
	}
}

// Discard returns a logger that writes nowhere. Packages fall back to it
// when no logger is injected.
func Discard() Logger {
	return NewLogger(Config{Level: LevelFatal, Format: FormatJSON, Writer: io.Discard})
}

// HTTPRequestInfo describes one served request.
type HTTPRequestInfo struct {
	Method     string
	Path       string
	StatusCode int
	Latency    time.Duration
	ClientIP   string
	UserAgent  string
	BodySize   int
	RequestID  string
}

// LogHTTPRequest writes an access-log entry, escalating the level with the status.
func LogHTTPRequest(l Logger, info HTTPRequestInfo) {
	fields := map[string]interface{}{
		"method":      info.Method,
		"path":        info.Path,
		"status_code": info.StatusCode,
		"latency":     info.Latency.String(),
		"client_ip":   info.ClientIP,
		"user_agent":  info.UserAgent,
		"body_size":   info.BodySize,
	}
	if info.RequestID != "" {
		fields["request_id"] = info.RequestID
	}

	msg := fmt.Sprintf("%s %s - %d", info.Method, info.Path, info.StatusCode)
	entry := l.WithFields(fields)
	switch {
	case info.StatusCode >= 500:
		entry.Error(msg)
	case info.StatusCode >= 400:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
}
