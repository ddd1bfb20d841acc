// Package logging provides the engine's structured logging setup: a
// logrus logger whose output is split between stdout and stderr based on
// level, so container log collectors can treat error streams with higher
// priority than routine ones.
package logging

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr when they carry
// "level=error" (or fatal/panic) and to stdout otherwise.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) ||
		bytes.Contains(p, []byte("level=fatal")) ||
		bytes.Contains(p, []byte("level=panic")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. Components should prefer a scoped
// logger from New or WithFields over logging through this directly.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(OutputSplitter{})
}

// Options configures a scoped logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // "json" or "text"
}

// New builds a logger configured per opts, still routed through
// OutputSplitter.
func New(opts Options) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(OutputSplitter{})

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if opts.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// Component returns a logger scoped with a "component" field, the
// pattern used throughout the scheduler, executor, and recovery loops
// to make interleaved goroutine output attributable.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}
