package utils

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// StructuredLogger provides leveled logging with context fields.
// Fields are passed as maps so call sites read the same regardless of the
// output format.
type StructuredLogger struct {
	mu            sync.RWMutex
	base          *log.Logger
	contextFields map[string]interface{}
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool
	Timestamps    bool
	Prefix        string
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:      INFO,
		Output:     os.Stderr,
		Format:     FormatText,
		Timestamps: true,
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}
	if config.Level < DEBUG || config.Level > ERROR {
		return nil, fmt.Errorf("invalid log level: %d", config.Level)
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	base := log.NewWithOptions(out, log.Options{
		Level:           config.Level.charm(),
		Formatter:       config.Format.charm(),
		ReportTimestamp: config.Timestamps,
		TimeFormat:      time.DateTime,
		ReportCaller:    config.IncludeCaller,
		CallerOffset:    2,
		Prefix:          config.Prefix,
	})

	return &StructuredLogger{
		base:          base,
		contextFields: make(map[string]interface{}),
	}, nil
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *StructuredLogger {
	logger, _ := NewStructuredLogger(&StructuredLoggerConfig{Level: ERROR, Output: io.Discard})
	return logger
}

// WithField returns a new logger with an additional context field
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return sl.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a new logger with multiple context fields
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	newFields := make(map[string]interface{}, len(sl.contextFields)+len(fields))
	for k, v := range sl.contextFields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &StructuredLogger{
		base:          sl.base,
		contextFields: newFields,
	}
}

// WithComponent returns a logger with a component field
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return sl.WithField("component", component)
}

// SetLevel sets the log level. Loggers derived with WithField share it.
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.base.SetLevel(level.charm())
}

// GetLevel returns the current log level
func (sl *StructuredLogger) GetLevel() LogLevel {
	return fromCharm(sl.base.GetLevel())
}

func (sl *StructuredLogger) emit(level LogLevel, message string, fields map[string]interface{}) {
	if level.charm() < sl.base.GetLevel() {
		return
	}

	sl.mu.RLock()
	merged := make(map[string]interface{}, len(sl.contextFields)+len(fields))
	for k, v := range sl.contextFields {
		merged[k] = v
	}
	sl.mu.RUnlock()
	for k, v := range fields {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	keyvals := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		keyvals = append(keyvals, k, merged[k])
	}

	sl.base.Log(level.charm(), message, keyvals...)
}

func (sl *StructuredLogger) logWithFields(level LogLevel, message string, fieldMaps ...map[string]interface{}) {
	var fields map[string]interface{}
	if len(fieldMaps) > 0 && fieldMaps[0] != nil {
		fields = fieldMaps[0]
	}
	sl.emit(level, message, fields)
}

// Debug logs a debug message
func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.logWithFields(DEBUG, message, fields...)
}

// Info logs an info message
func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.logWithFields(INFO, message, fields...)
}

// Warn logs a warning message
func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.logWithFields(WARN, message, fields...)
}

// Error logs an error message
func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.logWithFields(ERROR, message, fields...)
}

// NewDefaultLogger returns an INFO level text logger on stderr
func NewDefaultLogger() *StructuredLogger {
	logger, _ := NewStructuredLogger(nil)
	return logger
}
