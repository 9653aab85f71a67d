package gal

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/gogpu/gal/backend/soft"
	"github.com/gogpu/gal/gpucore"
)

func TestDefaultLoggerDiscards(t *testing.T) {
	h := nopHandler{}
	if h.Handle(context.Background(), slog.Record{}) != nil {
		t.Error("nopHandler.Handle() returned an error")
	}
	for _, got := range []slog.Handler{h.WithAttrs([]slog.Attr{slog.Int("n", 1)}), h.WithGroup("g")} {
		if _, ok := got.(nopHandler); !ok {
			t.Errorf("derived handler = %T, want nopHandler", got)
		}
	}

	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })
	SetLogger(slog.Default())
	SetLogger(nil)
	for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if Logger().Enabled(context.Background(), level) {
			t.Errorf("Logger() after SetLogger(nil) enabled at %v", level)
		}
	}
}

func TestSetLoggerCapturesDeviceLogs(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })

	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	d, err := Open(WithBackendInstance(soft.New()), WithLabel("captured"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !strings.Contains(buf.String(), "label=captured") {
		t.Errorf("package logger missed the device logs:\n%s", buf.String())
	}
}

// loggingBackend records the logger handed to the backend.
type loggingBackend struct {
	gpucore.Backend

	mu     sync.Mutex
	logger *slog.Logger
}

func (b *loggingBackend) SetLogger(l *slog.Logger) {
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
}

func (b *loggingBackend) current() *slog.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logger
}

func TestOpenPropagatesLogger(t *testing.T) {
	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	b := &loggingBackend{Backend: soft.New()}

	d, err := Open(WithBackendInstance(b), WithLogger(custom))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer d.Close()

	if b.current() != custom {
		t.Error("Open did not pass the device logger to the backend")
	}
}

func TestSetLoggerPropagatesToOpenDevices(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })

	open := &loggingBackend{Backend: soft.New()}
	d, err := Open(WithBackendInstance(open))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	closed := &loggingBackend{Backend: soft.New()}
	d2, err := Open(WithBackendInstance(closed))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := d2.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	before := closed.current()

	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	SetLogger(custom)
	defer d.Close()

	if open.current() != custom {
		t.Error("SetLogger did not reach the backend of an open device")
	}
	if closed.current() != before {
		t.Error("SetLogger reached the backend of a closed device")
	}
}

func TestDeviceLogsWithID(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d, err := Open(WithBackendInstance(soft.New()), WithLogger(log))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer d.Close()

	if !strings.Contains(buf.String(), "device="+d.ID().String()) {
		t.Errorf("open log lacks the device id:\n%s", buf.String())
	}
	if d.Logger() == nil {
		t.Error("Logger() = nil")
	}
}

func TestSetLoggerWhileOpening(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d, err := Open(WithBackendInstance(soft.New()))
			if err != nil {
				t.Errorf("Open() error = %v", err)
				return
			}
			Logger().Debug("opened", "device", d.ID())
			_ = d.Close()
		}()
		go func() {
			defer wg.Done()
			SetLogger(slog.Default())
			SetLogger(nil)
		}()
	}
	wg.Wait()
}

func BenchmarkDisabledLog(b *testing.B) {
	l := Logger()
	b.ReportAllocs()
	for b.Loop() {
		l.Debug("submit", "batches", 1)
	}
}
