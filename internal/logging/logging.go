// Package logging builds the logrus loggers used across storesync.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// New returns a logger writing to out at the given level. format is "text"
// (the default, meant for a terminal) or "json".
func New(level, format string, out io.Writer) (*log.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	l := log.New()
	l.SetOutput(out)

	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	l.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&log.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
	return l, nil
}

// Discard returns a logger that drops everything. Components use it when the
// caller passes no logger.
func Discard() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

// OrDiscard returns l, or a discard logger when l is nil.
func OrDiscard(l log.FieldLogger) log.FieldLogger {
	if l == nil {
		return Discard()
	}
	return l
}
