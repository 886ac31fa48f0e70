// Package logging configures the logrus loggers used across the service.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Config controls log level, format and destination.
type Config struct {
	Level   string // trace|debug|info|warn|error (default info)
	Format  string // json|text (default json)
	Service string
	Output  io.Writer
}

// New builds a logger from cfg.
func New(cfg Config) (*logrus.Logger, error) {
	logger := logrus.New()
	if err := Configure(logger, cfg); err != nil {
		return nil, err
	}
	return logger, nil
}

// Configure applies cfg to an existing logger, typically logrus.StandardLogger().
func Configure(logger *logrus.Logger, cfg Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "time",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "msg",
			},
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: timestampFormat,
			FullTimestamp:   true,
		})
	default:
		return fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	level := logrus.InfoLevel
	if raw := strings.TrimSpace(cfg.Level); raw != "" {
		parsed, err := logrus.ParseLevel(raw)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	logger.SetLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	logger.SetOutput(out)

	if cfg.Service != "" {
		logger.AddHook(&defaultFieldsHook{fields: logrus.Fields{"service": cfg.Service}})
	}
	return nil
}

// defaultFieldsHook stamps every entry with fixed fields for log aggregation.
type defaultFieldsHook struct {
	fields logrus.Fields
}

func (h *defaultFieldsHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *defaultFieldsHook) Fire(entry *logrus.Entry) error {
	for k, v := range h.fields {
		if _, exists := entry.Data[k]; !exists {
			entry.Data[k] = v
		}
	}
	return nil
}
