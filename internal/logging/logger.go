// Package logging provides structured logging for the reputation engine.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// ParseLevel maps a config string to a Level, defaulting to INFO
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) Color() string {
	switch l {
	case DEBUG:
		return "\033[36m" // Cyan
	case INFO:
		return "\033[32m" // Green
	case WARN:
		return "\033[33m" // Yellow
	case ERROR:
		return "\033[31m" // Red
	default:
		return "\033[0m"
	}
}

// Logger is a structured logger
type Logger struct {
	level  Level
	output io.Writer
	mu     sync.Mutex
	fields map[string]interface{}
}

var defaultLogger = &Logger{
	level:  INFO,
	output: os.Stdout,
	fields: make(map[string]interface{}),
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	defaultLogger.level = level
}

// SetOutput sets the output writer
func SetOutput(w io.Writer) {
	defaultLogger.output = w
}

// WithField returns a logger with a field added
func WithField(key string, value interface{}) *Logger {
	return defaultLogger.WithField(key, value)
}

// WithFields returns a logger with multiple fields added
func WithFields(fields map[string]interface{}) *Logger {
	return defaultLogger.WithFields(fields)
}

// clone copies the logger with room for extra fields. Derived loggers never
// share a fields map with their parent.
func (l *Logger) clone(extra int) *Logger {
	out := &Logger{
		level:  l.level,
		output: l.output,
		fields: make(map[string]interface{}, len(l.fields)+extra),
	}
	for k, v := range l.fields {
		out.fields[k] = v
	}
	return out
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	out := l.clone(1)
	out.fields[key] = value
	return out
}

// WithFields adds multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	out := l.clone(len(fields))
	for k, v := range fields {
		out.fields[k] = v
	}
	return out
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	formatted := msg
	if len(args) > 0 {
		formatted = fmt.Sprintf(msg, args...)
	}

	// Fields are emitted in sorted key order so repeated lines diff cleanly
	var fieldsStr string
	if len(l.fields) > 0 {
		keys := make([]string, 0, len(l.fields))
		for k := range l.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fieldsStr = " |"
		for _, k := range keys {
			fieldsStr += fmt.Sprintf(" %s=%v", k, l.fields[k])
		}
	}

	fmt.Fprintf(l.output, "%s %s[%s]%s %s%s\n",
		time.Now().Format("15:04:05"), level.Color(), level.String(), "\033[0m",
		formatted, fieldsStr)
}

// Debug logs a debug message
func Debug(msg string, args ...interface{}) {
	defaultLogger.log(DEBUG, msg, args...)
}

// Info logs an info message
func Info(msg string, args ...interface{}) {
	defaultLogger.log(INFO, msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...interface{}) {
	defaultLogger.log(WARN, msg, args...)
}

// Error logs an error message
func Error(msg string, args ...interface{}) {
	defaultLogger.log(ERROR, msg, args...)
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log(ERROR, msg, args...) }
