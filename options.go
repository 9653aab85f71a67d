package gal

import (
	"log/slog"
	"time"

	"github.com/gogpu/gal/gpucore"
)

// Option configures Open.
//
// Example:
//
//	// First available backend in priority order
//	dev, err := gal.Open()
//
//	// Force the software device with one graphics queue
//	dev, err := gal.Open(
//	    gal.WithBackend("soft"),
//	    gal.WithQueues(gpucore.QueueRequest{Family: 0, Count: 1}),
//	)
type Option func(*options)

// options holds the configuration of Open.
type options struct {
	backends     []string
	raw          gpucore.Backend
	adapter      string
	queues       []gpucore.QueueRequest
	validation   bool
	label        string
	logger       *slog.Logger
	fenceTimeout time.Duration
}

// DefaultFenceTimeout bounds fence waits done by gal itself (FrameRing,
// Close). Explicit Fence.Wait calls use their own timeout.
const DefaultFenceTimeout = 5 * time.Second

// defaultOptions returns the default Open options.
func defaultOptions() options {
	return options{
		fenceTimeout: DefaultFenceTimeout,
	}
}

// WithBackend lists backend names to try in order. Without it, Open uses
// the registry priority order.
func WithBackend(names ...string) Option {
	return func(o *options) {
		o.backends = append(o.backends, names...)
	}
}

// WithBackendInstance opens the device on an already constructed backend,
// bypassing the registry. Tests use it to configure the soft backend.
func WithBackendInstance(b gpucore.Backend) Option {
	return func(o *options) {
		o.raw = b
	}
}

// WithAdapter selects the first adapter whose name contains substr.
func WithAdapter(substr string) Option {
	return func(o *options) {
		o.adapter = substr
	}
}

// WithQueues limits the queues requested at device creation. By default
// every queue of every family is requested.
func WithQueues(reqs ...gpucore.QueueRequest) Option {
	return func(o *options) {
		o.queues = append(o.queues, reqs...)
	}
}

// WithValidation enables backend validation layers where supported.
func WithValidation(enabled bool) Option {
	return func(o *options) {
		o.validation = enabled
	}
}

// WithLabel names the device in logs and metrics.
func WithLabel(label string) Option {
	return func(o *options) {
		o.label = label
	}
}

// WithLogger sets the device logger. By default the device logs through
// the package logger set with SetLogger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithFenceTimeout bounds the fence waits gal performs internally.
func WithFenceTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fenceTimeout = d
		}
	}
}

// WithConfig applies a Config. Options given after it override its values.
func WithConfig(cfg *Config) Option {
	return func(o *options) {
		if cfg == nil {
			return
		}
		o.backends = append(o.backends, cfg.Backends...)
		if cfg.Adapter != "" {
			o.adapter = cfg.Adapter
		}
		if cfg.Label != "" {
			o.label = cfg.Label
		}
		o.validation = o.validation || cfg.Validation
		if cfg.FenceTimeout.Duration > 0 {
			o.fenceTimeout = cfg.FenceTimeout.Duration
		}
		for _, q := range cfg.Queues {
			o.queues = append(o.queues, gpucore.QueueRequest{Family: gpucore.FamilyID(q.Family), Count: q.Count})
		}
	}
}
