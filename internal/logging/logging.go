package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. Production output is JSON so log shippers
// can index structured fields; development keeps the human-readable format.
func New(level, environment string) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(ParseLevel(level))
	if environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// ParseLevel converts a string level to logrus.Level, defaulting to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
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
