// Package logging provides the leveled stderr logger matcha's core packages
// write through, gated by the MATCHA_LOG environment variable.
package logging

import (
	"io"
	"log"
	"os"
)

// Level is the verbosity of a Logger, read from MATCHA_LOG (off|info|debug).
type Level uint8

const (
	Off Level = iota
	Info
	Debug
)

// ParseLevel interprets the MATCHA_LOG value. Unrecognized or empty values
// fall back to Info, so build progress and registry refresh failures
// reach stderr unless MATCHA_LOG=off.
func ParseLevel(s string) Level {
	switch s {
	case "off":
		return Off
	case "debug":
		return Debug
	default:
		return Info
	}
}

// Logger is deliberately instantiable rather than package-level global
// state: its level is fixed when it is built, so one *Logger can be
// handed to every collaborator of an invocation and used from parallel
// pipeline requests without further synchronization.
type Logger struct {
	level Level
	out   *log.Logger
}

// New builds a Logger writing to w at the given level, prefixed like the
// teacher's "dep: " messages.
func New(w io.Writer, level Level) *Logger {
	return &Logger{level: level, out: log.New(w, "matcha: ", 0)}
}

// FromEnv builds a Logger from the MATCHA_LOG environment variable,
// writing to stderr.
func FromEnv() *Logger {
	return New(os.Stderr, ParseLevel(os.Getenv("MATCHA_LOG")))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l.level >= Info {
		l.out.Printf(format, args...)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.level >= Debug {
		l.out.Printf(format, args...)
	}
}
