package gal

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gal/gpucore"
)

// handleState is the part of a guard shared with the device live set.
// It must not reference the Guard itself, otherwise the leak cleanup
// attached to the Guard could never run.
type handleState struct {
	seq      uint64
	kind     gpucore.ObjectKind
	label    string
	once     sync.Once
	released atomic.Bool
	destroy  func()
}

// release runs destroy exactly once and reports whether this call did it.
func (s *handleState) release() bool {
	did := false
	s.once.Do(func() {
		s.released.Store(true)
		if s.destroy != nil {
			s.destroy()
		}
		did = true
	})
	return did
}

// Guard owns one raw device handle and destroys it exactly once.
//
// Release may be called any number of times and from any goroutine; only
// the first call reaches the device. Get after Release panics with a
// *Fault. Device.Close releases every guard still alive.
//
// A guard that becomes unreachable without Release is reported as a leak
// through the package logger. The handle itself is then reclaimed by
// Device.Close.
type Guard[T gpucore.Handle] struct {
	dev   *Device
	raw   T
	state *handleState
}

// newGuard takes ownership of raw and registers it with the device live
// set. If the device is already closed, raw is destroyed and ErrClosed
// returned.
func newGuard[T gpucore.Handle](d *Device, raw T, label string, destroy func(T)) (*Guard[T], error) {
	st := &handleState{
		kind:    raw.Kind(),
		label:   label,
		destroy: func() { destroy(raw) },
	}
	if err := d.track(st); err != nil {
		st.release()
		return nil, err
	}

	g := &Guard[T]{dev: d, raw: raw, state: st}
	runtime.AddCleanup(g, func(st *handleState) {
		if !st.released.Load() {
			Logger().Warn("gal: guard leaked without Release",
				"kind", st.kind, "label", st.label, "seq", st.seq)
		}
	}, st)
	return g, nil
}

// borrowedGuard wraps a handle owned by another object, such as a surface
// image. It is not tracked by the device and releasing it destroys
// nothing.
func borrowedGuard[T gpucore.Handle](d *Device, raw T, label string) *Guard[T] {
	return &Guard[T]{dev: d, raw: raw, state: &handleState{kind: raw.Kind(), label: label}}
}

// Get returns the raw handle. It panics with a *Fault after Release.
func (g *Guard[T]) Get() T {
	if g.state.released.Load() {
		fault("Get", "%s %q used after release", g.state.kind, g.state.label)
	}
	return g.raw
}

// Release destroys the handle. Calls after the first are no-ops.
func (g *Guard[T]) Release() {
	if g.state.release() && g.state.seq != 0 {
		g.dev.untrack(g.state)
	}
}

// Released reports whether the handle was released.
func (g *Guard[T]) Released() bool {
	return g.state.released.Load()
}

// Label returns the debug label given at creation.
func (g *Guard[T]) Label() string {
	return g.state.label
}

// Device returns the owning device.
func (g *Guard[T]) Device() *Device {
	return g.dev
}
