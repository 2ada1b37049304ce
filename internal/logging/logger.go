// Package logging provides structured logging for Vocalis.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger output and verbosity.
type Config struct {
	Level      string // debug, info, warn, error
	File       string // empty = stdout only
	MaxSizeMB  int    // rotation threshold for the log file
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig returns the configuration used when Init is never called.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		MaxSizeMB:  20,
		MaxBackups: 3,
		MaxAgeDays: 14,
	}
}

var (
	global *logrus.Logger
	once   sync.Once
)

// Init initializes the global logger. Subsequent calls are no-ops.
func Init(cfg *Config) {
	once.Do(func() {
		global = build(cfg)
	})
}

// Get returns the global logger, initializing it with defaults if needed.
func Get() *logrus.Logger {
	if global == nil {
		Init(DefaultConfig())
	}
	return global
}

func build(cfg *Config) *logrus.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out = io.MultiWriter(os.Stdout, rotated)
	}
	logger.SetOutput(out)

	return logger
}

// Convenience functions using the global logger.

func Debug(message string, fields map[string]interface{}) {
	Get().WithFields(logrus.Fields(fields)).Debug(message)
}

func Info(message string, fields map[string]interface{}) {
	Get().WithFields(logrus.Fields(fields)).Info(message)
}

func Warn(message string, fields map[string]interface{}) {
	Get().WithFields(logrus.Fields(fields)).Warn(message)
}

func Error(message string, err error, fields map[string]interface{}) {
	entry := Get().WithFields(logrus.Fields(fields))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}
