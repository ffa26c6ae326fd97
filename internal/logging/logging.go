// Package logging constructs the shared activity loggers.
//
// Background components (queue drain, credential refresh, dashboard)
// log to a rotating file so interactive CLI output stays clean; the
// file is capped and aged out by lumberjack.
package logging

import (
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a logger with a "[component] " prefix writing to the
// rotating log file at path. An empty path falls back to stderr.
func New(component, path string) *log.Logger {
	prefix := "[" + component + "] "
	if path == "" {
		return log.New(os.Stderr, prefix, log.LstdFlags)
	}

	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    5, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	return log.New(writer, prefix, log.LstdFlags)
}
