// Package logging provides the structured logger used throughout fedmgr.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the logger type used across the codebase.
type Logger = *logrus.Logger

// Fields is a set of structured logging fields.
type Fields = logrus.Fields

// NewLogger creates a JSON-formatted logger at the level named by
// FEDMGR_LOG_LEVEL (default info).
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(levelFromEnv())
	return logger
}

// NewLoggerWithComponent returns a logger with a fixed "component" field,
// used to tag which worker loop or subsystem emitted a line.
func NewLoggerWithComponent(component string) *logrus.Logger {
	base := NewLogger()
	return base.WithField("component", component).Logger
}

func levelFromEnv() logrus.Level {
	switch strings.ToLower(os.Getenv("FEDMGR_LOG_LEVEL")) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
