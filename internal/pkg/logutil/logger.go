package logutil

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name into a LogLevel, defaulting to INFO
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(name) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       LogLevel
	Format      string // "json" or "text"
	ServiceName string
}

// DefaultLogConfig provides sensible logging defaults
var DefaultLogConfig = LogConfig{
	Level:       INFO,
	Format:      "text",
	ServiceName: "turbochat",
}

// Logger provides structured logging functionality
type Logger struct {
	config LogConfig
	logger *log.Logger
}

// NewLogger creates a new logger with the specified configuration
func NewLogger(config LogConfig) *Logger {
	return &Logger{
		config: config,
		logger: log.New(os.Stderr, "", 0),
	}
}

// NewDefaultLogger creates a logger with default configuration
func NewDefaultLogger() *Logger {
	return NewLogger(DefaultLogConfig)
}

// Fields represents structured log fields
type Fields map[string]interface{}

// logMessage represents a structured log message
type logMessage struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Service   string `json:"service"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

// shouldLog determines if a message should be logged based on level
func (l *Logger) shouldLog(level LogLevel) bool {
	return level >= l.config.Level
}

// formatMessage formats a log message according to the configured format
func (l *Logger) formatMessage(level LogLevel, msg string, fields Fields) string {
	timestamp := time.Now().Format(time.RFC3339)

	if l.config.Format == "json" {
		encoded, err := json.Marshal(logMessage{
			Timestamp: timestamp,
			Level:     level.String(),
			Service:   l.config.ServiceName,
			Message:   msg,
			Fields:    fields,
		})
		if err == nil {
			return string(encoded)
		}
		// Fall through to text format on marshal failure
	}

	result := fmt.Sprintf("%s [%s] %s: %s", timestamp, level.String(), l.config.ServiceName, msg)
	if len(fields) > 0 {
		result += " |"
		for k, v := range fields {
			result += fmt.Sprintf(" %s=%v", k, v)
		}
	}
	return result
}

// log performs the actual logging
func (l *Logger) log(level LogLevel, msg string, fields Fields) {
	if !l.shouldLog(level) {
		return
	}

	l.logger.Println(l.formatMessage(level, msg, fields))

	if level == FATAL {
		os.Exit(1)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log(DEBUG, msg, firstField(fields))
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log(INFO, msg, firstField(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log(WARN, msg, firstField(fields))
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(ERROR, msg, firstField(fields))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, fields ...Fields) {
	l.log(FATAL, msg, firstField(fields))
}

func firstField(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// WithFields returns a logger with pre-set fields
func (l *Logger) WithFields(fields Fields) *FieldLogger {
	return &FieldLogger{
		logger: l,
		fields: fields,
	}
}

// FieldLogger is a logger with pre-set fields
type FieldLogger struct {
	logger *Logger
	fields Fields
}

// mergeFields merges pre-set fields with new fields
func (fl *FieldLogger) mergeFields(newFields []Fields) Fields {
	if len(newFields) == 0 {
		return fl.fields
	}
	merged := make(Fields, len(fl.fields)+len(newFields[0]))
	for k, v := range fl.fields {
		merged[k] = v
	}
	for k, v := range newFields[0] {
		merged[k] = v
	}
	return merged
}

// Debug logs a debug message with pre-set fields
func (fl *FieldLogger) Debug(msg string, fields ...Fields) {
	fl.logger.log(DEBUG, msg, fl.mergeFields(fields))
}

// Info logs an info message with pre-set fields
func (fl *FieldLogger) Info(msg string, fields ...Fields) {
	fl.logger.log(INFO, msg, fl.mergeFields(fields))
}

// Warn logs a warning message with pre-set fields
func (fl *FieldLogger) Warn(msg string, fields ...Fields) {
	fl.logger.log(WARN, msg, fl.mergeFields(fields))
}

// Error logs an error message with pre-set fields
func (fl *FieldLogger) Error(msg string, fields ...Fields) {
	fl.logger.log(ERROR, msg, fl.mergeFields(fields))
}
