// Package logging provides per-component structured loggers, adapted from
// the retrieval pack's logrus + lumberjack convention (bgp59/logger.go)
// rather than the teacher's bare log.Printf calls.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const componentField = "component"

// Config controls the shared root logger that every component logger is
// derived from.
type Config struct {
	UseJSON          bool
	Level            string
	LogFile          string
	LogFileMaxSizeMB int
	LogFileMaxBackups int
}

// DefaultConfig mirrors the pack's DefaultLoggerConfig defaults.
func DefaultConfig() Config {
	return Config{
		UseJSON:           true,
		Level:             "info",
		LogFile:           "",
		LogFileMaxSizeMB:  10,
		LogFileMaxBackups: 1,
	}
}

var root = newRoot(DefaultConfig())

func newRoot(cfg Config) *logrus.Logger {
	l := logrus.New()
	if cfg.UseJSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		l.SetLevel(level)
	}
	l.SetOutput(outputFor(cfg))
	return l
}

func outputFor(cfg Config) io.Writer {
	if cfg.LogFile == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogFileMaxSizeMB,
		MaxBackups: cfg.LogFileMaxBackups,
	}
}

// Configure replaces the root logger's behavior; call once at startup.
func Configure(cfg Config) {
	root = newRoot(cfg)
}

// For returns a component-scoped logger, e.g. logging.For("dispatcher").
func For(component string) *logrus.Entry {
	return root.WithField(componentField, component)
}
