// Package cfwlog is the structured-logging facade shared by every package in
// this module. It keeps the call shape the device/peer lifecycle code in the
// upstream tunnel core already expects (Verbosef for debug-level chatter,
// Errorf for failures that don't abort anything, Infof for lifecycle events)
// while delegating the actual formatting and level filtering to logrus.
package cfwlog

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a *logrus.Entry so call sites can attach a fixed field (a
// session key, peer role, component name) once and reuse it for the life of
// a goroutine.
type Logger struct {
	entry *logrus.Entry
}

var base = logrus.New()

func init() {
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetOutput(os.Stderr)
	if lvl := os.Getenv("CFW_LOG_LEVEL"); lvl != "" {
		SetLevel(lvl)
	}
}

// SetLevel parses a level name ("debug", "info", "warn", "error") and
// applies it to the shared base logger. Unknown names fall back to info.
func SetLevel(name string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(name))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)
}

// New returns a Logger tagged with the given component name, e.g. "carrier"
// or "session".
func New(component string) *Logger {
	return &Logger{entry: base.WithField("component", component)}
}

// With returns a derived Logger carrying an additional field, e.g. the
// session key or peer role. The original Logger is left unmodified.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// Infof logs a lifecycle event: accept, connect, clean session exit.
func (l *Logger) Infof(format string, args ...any) {
	l.entry.Infof(format, args...)
}

// Verbosef logs debug-level chatter: per-packet tracing, poll timeouts.
// Named to match the Verbosef call sites inherited from the device/peer
// lifecycle code this package replaces the logger for.
func (l *Logger) Verbosef(format string, args ...any) {
	l.entry.Debugf(format, args...)
}

// Errorf logs a failure that the caller is handling (session teardown,
// send failure) rather than crashing on.
func (l *Logger) Errorf(format string, args ...any) {
	l.entry.Errorf(format, args...)
}
