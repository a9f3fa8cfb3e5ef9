// Package flog is the ambient structured-logging seam for turbofiber.
//
// It wraps github.com/joeycumines/logiface, a structured logging facade,
// over a log/slog handler via
// github.com/joeycumines/logiface-slog, so every subsystem logs through
// one shared, swappable sink instead of calling the log package directly.
package flog

import (
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	logifaceslog "github.com/joeycumines/logiface-slog"
)

// Logger is the shared event type used throughout turbofiber.
type Logger = logiface.Logger[*logifaceslog.Event]

var current atomic.Pointer[Logger]

func init() {
	current.Store(newDefault())
}

func newDefault() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return logiface.New[*logifaceslog.Event](logifaceslog.NewLogger(handler))
}

// SetLogger replaces the process-wide logger. Intended for use at startup
// (e.g. to route turbofiber's logs into an application's own handler) or
// from tests that want to assert on emitted events.
func SetLogger(l *Logger) {
	if l == nil {
		l = newDefault()
	}
	current.Store(l)
}

// L returns the current process-wide logger.
func L() *Logger {
	return current.Load()
}
