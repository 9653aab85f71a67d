package gal

import (
	"log/slog"
	"testing"
	"time"

	"github.com/gogpu/gal/backend/soft"
	"github.com/gogpu/gal/gpucore"
)

func applyOptions(opts ...Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func TestDefaultOptions(t *testing.T) {
	o := applyOptions()
	if o.fenceTimeout != DefaultFenceTimeout {
		t.Errorf("fenceTimeout = %v, want %v", o.fenceTimeout, DefaultFenceTimeout)
	}
	if o.raw != nil || o.logger != nil || len(o.backends) != 0 || len(o.queues) != 0 {
		t.Errorf("defaults = %+v, want zero values", o)
	}
}

func TestOptions(t *testing.T) {
	b := soft.New()
	log := slog.Default()
	o := applyOptions(
		WithBackend("vulkan"),
		WithBackend("soft"),
		WithBackendInstance(b),
		WithAdapter("intel"),
		WithQueues(gpucore.QueueRequest{Family: 0, Count: 1}),
		WithQueues(gpucore.QueueRequest{Family: 1, Count: 1}),
		WithValidation(true),
		WithLabel("main"),
		WithLogger(log),
		WithFenceTimeout(time.Second),
		WithFenceTimeout(0),
	)

	if len(o.backends) != 2 || o.backends[0] != "vulkan" || o.backends[1] != "soft" {
		t.Errorf("backends = %v, want [vulkan soft]", o.backends)
	}
	if o.raw != b {
		t.Error("WithBackendInstance not applied")
	}
	if o.adapter != "intel" || o.label != "main" || !o.validation {
		t.Errorf("adapter/label/validation = %q/%q/%v", o.adapter, o.label, o.validation)
	}
	if len(o.queues) != 2 {
		t.Errorf("queues = %+v, want 2 requests", o.queues)
	}
	if o.logger != log {
		t.Error("WithLogger not applied")
	}
	if o.fenceTimeout != time.Second {
		t.Errorf("fenceTimeout = %v, want 1s (a zero timeout is ignored)", o.fenceTimeout)
	}
}
