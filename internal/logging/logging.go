// Package logging builds the component loggers used across tasksync.
//
// Every component logs through a standard *log.Logger with a bracketed
// prefix such as "[sync] ". Output goes to stderr, or to a size-rotated file
// when one is configured.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Mschirtzinger/tasksync/internal/config"
)

// Sink is the shared destination of all component loggers.
type Sink struct {
	w      io.Writer
	closer io.Closer
}

// Open returns a sink for cfg. An empty file name logs to stderr.
func Open(cfg config.LogConfig) *Sink {
	if cfg.File == "" {
		return &Sink{w: os.Stderr}
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return &Sink{w: rotated, closer: rotated}
}

// Discard returns a sink that drops everything.
func Discard() *Sink {
	return &Sink{w: io.Discard}
}

// Logger returns a logger for component, e.g. Logger("sync") prefixes lines
// with "[sync] ".
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.w, "["+component+"] ", log.LstdFlags)
}

// Writer returns the underlying destination.
func (s *Sink) Writer() io.Writer { return s.w }

// Close releases the log file, if any.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
