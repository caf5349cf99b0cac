package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

// Field names shared by every component so log queries stay uniform
const (
	FieldComponent = "component"
	FieldServiceID = "service_id"
	FieldCycleID   = "cycle_id"
	FieldOp        = "op"
	FieldError     = "error"
)

// Init initializes the global logger with the specified log level
// logLevel should be one of: DEBUG, INFO, WARN, ERROR
// If invalid, defaults to INFO
func Init(logLevel string) {
	InitWithOutput(logLevel, os.Stdout)
}

// InitWithOutput is Init with an explicit destination
func InitWithOutput(logLevel string, out io.Writer) {
	log = logrus.New()
	log.SetOutput(out)

	// Set JSON formatter for structured logging
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		PrettyPrint:     false,
	})

	level, err := logrus.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = logrus.InfoLevel
		log.Warnf("Invalid log level '%s', defaulting to INFO", logLevel)
	}
	log.SetLevel(level)

	log.Debugf("Logger initialized with level: %s", level)
}

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	if log == nil {
		Init("INFO")
	}
	return log
}

// Debug logs a debug message
func Debug(args ...interface{}) {
	GetLogger().Debug(args...)
}

// Debugf logs a formatted debug message
func Debugf(format string, args ...interface{}) {
	GetLogger().Debugf(format, args...)
}

// Info logs an info message
func Info(args ...interface{}) {
	GetLogger().Info(args...)
}

// Infof logs a formatted info message
func Infof(format string, args ...interface{}) {
	GetLogger().Infof(format, args...)
}

// Warn logs a warning message
func Warn(args ...interface{}) {
	GetLogger().Warn(args...)
}

// Warnf logs a formatted warning message
func Warnf(format string, args ...interface{}) {
	GetLogger().Warnf(format, args...)
}

// Error logs an error message
func Error(args ...interface{}) {
	GetLogger().Error(args...)
}

// Errorf logs a formatted error message
func Errorf(format string, args ...interface{}) {
	GetLogger().Errorf(format, args...)
}

// Fatalf logs a formatted fatal message and exits
func Fatalf(format string, args ...interface{}) {
	GetLogger().Fatalf(format, args...)
}

// WithField returns a logger entry with a single field
func WithField(key string, value interface{}) *logrus.Entry {
	return GetLogger().WithField(key, value)
}

// WithFields returns a logger entry with multiple fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return GetLogger().WithFields(fields)
}

// ForComponent returns an entry tagged with the emitting component
func ForComponent(name string) *logrus.Entry {
	return GetLogger().WithField(FieldComponent, name)
}

// ForService returns an entry tagged with component and service id
func ForService(component, serviceID string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		FieldComponent: component,
		FieldServiceID: serviceID,
	})
}
