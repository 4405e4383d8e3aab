// Package logging defines the logger contract injected into every component.
// Standard output is reserved for the JSON-RPC protocol, so all local log
// output goes to stderr; an optional mirror forwards entries to a remote
// sink such as Cloud Logging.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Severity classifies a log entry for mirrors that distinguish levels.
type Severity string

const (
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Logger is the interface components receive. Constructors take a Logger
// rather than reaching for package-level state.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Mirror receives a copy of every entry (except suppressed debug output).
// Implementations must tolerate concurrent calls.
type Mirror interface {
	Log(severity Severity, message string)
}

// StandardLogger writes to stderr through the stdlib logger and forwards
// entries to an optional mirror. The mirror and sanitizer are nil-able;
// every method works when they are absent.
type StandardLogger struct {
	std      *log.Logger
	verbose  bool
	mirror   Mirror
	sanitize func(string) string
}

// New returns a logger with the given prefix, e.g. "[engine] ".
func New(prefix string, verbose bool) *StandardLogger {
	return &StandardLogger{
		std:     log.New(os.Stderr, "["+prefix+"] ", log.LstdFlags),
		verbose: verbose,
	}
}

// WithMirror returns a copy of the logger that also forwards entries to m.
func (l *StandardLogger) WithMirror(m Mirror) *StandardLogger {
	clone := *l
	clone.mirror = m
	return &clone
}

// WithSanitizer returns a copy of the logger that passes every message
// through fn before it reaches the mirror. Local stderr output is not
// sanitized; it never leaves the machine.
func (l *StandardLogger) WithSanitizer(fn func(string) string) *StandardLogger {
	clone := *l
	clone.sanitize = fn
	return &clone
}

// WithPrefix returns a copy of the logger with a different prefix, keeping
// the mirror and sanitizer.
func (l *StandardLogger) WithPrefix(prefix string) *StandardLogger {
	clone := *l
	clone.std = log.New(os.Stderr, "["+prefix+"] ", log.LstdFlags)
	return &clone
}

func (l *StandardLogger) emit(sev Severity, msg string) {
	if l.mirror == nil {
		return
	}
	if l.sanitize != nil {
		msg = l.sanitize(msg)
	}
	l.mirror.Log(sev, msg)
}

// Debugf logs only when verbose mode is enabled. Debug entries are never
// mirrored.
func (l *StandardLogger) Debugf(format string, args ...interface{}) {
	if !l.verbose {
		return
	}
	l.std.Printf("Debug: %s", fmt.Sprintf(format, args...))
}

func (l *StandardLogger) Infof(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.std.Printf("%s", msg)
	l.emit(SeverityInfo, msg)
}

func (l *StandardLogger) Warnf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.std.Printf("Warning: %s", msg)
	l.emit(SeverityWarning, msg)
}

func (l *StandardLogger) Errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.std.Printf("Error: %s", msg)
	l.emit(SeverityError, msg)
}

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// Nop returns a logger that discards all output. Used in tests and for
// components whose logging is disabled.
func Nop() Logger {
	return nopLogger{}
}

var _ Logger = (*StandardLogger)(nil)
