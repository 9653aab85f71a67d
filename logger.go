package gal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// nopHandler discards records. Enabled reports false, so slog skips
// building attributes on the submit path.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr is the package logger; devices opened without WithLogger
// derive theirs from it.
var loggerPtr atomic.Pointer[slog.Logger]

func init() { loggerPtr.Store(newNopLogger()) }

// SetLogger replaces the package logger and hands it to the backend of
// every open device. gal is silent until SetLogger or WithLogger is used;
// nil restores silence. Devices already open keep their own logger.
//
// Log levels used by gal:
//   - [slog.LevelDebug]: object creation, submissions, fence waits
//   - [slog.LevelInfo]: device open and close, adapter selection
//   - [slog.LevelWarn]: leaked guards, objects released by Close
//
// Example:
//
//	gal.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	openMu.Lock()
	defer openMu.Unlock()
	for d := range openDevices {
		propagateLogger(d.backend, l)
	}
}

// Logger returns the package logger.
func Logger() *slog.Logger { return loggerPtr.Load() }

// loggerSetter is implemented by backends that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// propagateLogger hands l to b if b accepts a logger.
func propagateLogger(b any, l *slog.Logger) {
	if ls, ok := b.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}

// openDevices tracks open devices so SetLogger reaches their backends.
var (
	openMu      sync.Mutex
	openDevices = make(map[*Device]struct{})
)
