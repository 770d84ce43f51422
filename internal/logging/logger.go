package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/austindbirch/harborbot/internal/tracing"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.MessageFieldName = "msg"
	zerolog.SetGlobalLevel(parseLevel(os.Getenv("LOG_LEVEL")))
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// LogEntry collects the correlation ids and fields of one log line
type LogEntry struct {
	logger       *Logger
	TraceID      string
	DeliveryID   string
	TaskType     string
	Installation int64
	Fields       map[string]any
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	zl      zerolog.Logger
	exit    func(int)
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout)
}

// NewWithWriter creates a logger writing JSON lines to w
func NewWithWriter(service string, w io.Writer) *Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	if service != "" {
		zl = zl.With().Str("service", service).Logger()
	}
	return &Logger{service: service, zl: zl, exit: os.Exit}
}

// Service returns the service name attached to every entry
func (l *Logger) Service() string { return l.service }

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.Plain()
	e.TraceID = tracing.GetTraceID(ctx)
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{logger: l}
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithDelivery sets the platform delivery ID for the log entry
func (e *LogEntry) WithDelivery(deliveryID string) *LogEntry {
	e.DeliveryID = deliveryID
	return e
}

// WithTask sets the task type for the log entry
func (e *LogEntry) WithTask(taskType string) *LogEntry {
	e.TaskType = taskType
	return e
}

// WithInstallation sets the app installation ID for the log entry
func (e *LogEntry) WithInstallation(id int64) *LogEntry {
	e.Installation = id
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.WithField(k, v)
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) { e.emit(zerolog.DebugLevel, message) }

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) { e.emitf(zerolog.DebugLevel, format, args...) }

// Info logs at info level
func (e *LogEntry) Info(message string) { e.emit(zerolog.InfoLevel, message) }

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) { e.emitf(zerolog.InfoLevel, format, args...) }

// Warn logs at warn level
func (e *LogEntry) Warn(message string) { e.emit(zerolog.WarnLevel, message) }

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) { e.emitf(zerolog.WarnLevel, format, args...) }

// Error logs at error level
func (e *LogEntry) Error(message string) { e.emit(zerolog.ErrorLevel, message) }

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) { e.emitf(zerolog.ErrorLevel, format, args...) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.emit(zerolog.FatalLevel, message)
	e.logger.exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.emitf(zerolog.FatalLevel, format, args...)
	e.logger.exit(1)
}

func (e *LogEntry) emitf(level zerolog.Level, format string, args ...any) {
	ev := e.event(level)
	if ev == nil {
		return
	}
	ev.Msgf(format, args...)
}

func (e *LogEntry) emit(level zerolog.Level, message string) {
	ev := e.event(level)
	if ev == nil {
		return
	}
	ev.Msg(message)
}

// event builds the zerolog event; fatal goes through WithLevel so zerolog
// itself does not exit before our exit hook runs.
func (e *LogEntry) event(level zerolog.Level) *zerolog.Event {
	ev := e.logger.zl.WithLevel(level)
	if ev == nil {
		return nil
	}
	if e.TraceID != "" {
		ev = ev.Str("trace_id", e.TraceID)
	}
	if e.DeliveryID != "" {
		ev = ev.Str("delivery_id", e.DeliveryID)
	}
	if e.TaskType != "" {
		ev = ev.Str("task_type", e.TaskType)
	}
	if e.Installation != 0 {
		ev = ev.Int64("installation_id", e.Installation)
	}
	if len(e.Fields) > 0 {
		ev = ev.Interface("fields", e.Fields)
	}
	return ev
}

// NSQLogger adapts a Logger to go-nsq's logger interface
type NSQLogger struct {
	L *Logger
}

// Output implements the go-nsq logger interface
func (n NSQLogger) Output(_ int, s string) error {
	n.L.Plain().WithField("component", "nsq").Debug(s)
	return nil
}

// Global convenience functions

var defaultLogger = New("harborbot")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger = New(service)
}
