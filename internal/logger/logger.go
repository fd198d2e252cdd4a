// Package logger builds the process-wide logrus logger.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config represents logger configuration
type Config struct {
	Level      string
	Format     string
	Service    string
	InstanceID string
	Output     io.Writer // Optional: defaults to os.Stdout if nil
}

// New creates a logger with the service and instance fields attached to every entry.
func New(cfg Config) *logrus.Entry {
	l := logrus.New()

	if cfg.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stdout)
	}

	l.SetLevel(ParseLevel(cfg.Level))

	fields := logrus.Fields{}
	if cfg.Service != "" {
		fields["service"] = cfg.Service
	}
	if cfg.InstanceID != "" {
		fields["instance_id"] = cfg.InstanceID
	}
	return l.WithFields(fields)
}

// ParseLevel maps a level name to a logrus level, defaulting to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
