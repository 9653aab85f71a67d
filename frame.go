// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gal

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/gal/gpucore"
)

// Releaser is anything Frame.Defer can release.
type Releaser interface {
	Release()
}

// Frame is one slot of a FrameRing. Its objects are reused every time
// the ring comes back to the slot.
type Frame struct {
	Index int

	// Fence must be attached to the last submission of the frame.
	Fence *Fence

	// ImageAvailable is meant for Surface.Acquire, RenderFinished for
	// the wait of Surface.Present.
	ImageAvailable *Semaphore
	RenderFinished *Semaphore

	Pool     *CommandPool
	Commands *CommandBuffer

	deferred []Releaser
}

// Defer releases r the next time the frame begins, once the GPU is done
// with the frame's previous submission.
func (f *Frame) Defer(r Releaser) {
	f.deferred = append(f.deferred, r)
}

func (f *Frame) runDeferred() {
	for _, r := range slices.Backward(f.deferred) {
		r.Release()
	}
	clear(f.deferred)
	f.deferred = f.deferred[:0]
}

func (f *Frame) release() {
	f.runDeferred()
	f.Pool.Release()
	f.ImageAvailable.Release()
	f.RenderFinished.Release()
	f.Fence.Release()
}

// FrameRing cycles through a fixed number of frames in flight.
//
//	ring, _ := gal.NewFrameRing(dev, 0, 2)
//	defer ring.Release()
//	for running {
//	    f, err := ring.Begin()
//	    ...
//	    f.Commands.Begin()
//	    ...
//	    f.Commands.Finish()
//	    q.Submit(gal.Submission{CommandBuffers: []*gal.CommandBuffer{f.Commands}, Fence: f.Fence})
//	}
type FrameRing struct {
	dev     *Device
	timeout time.Duration

	mu       sync.Mutex
	frames   []*Frame
	next     int
	count    uint64
	released bool
}

// NewFrameRing creates n frames (2 if n <= 0) whose pools serve family.
func NewFrameRing(d *Device, family gpucore.FamilyID, n int) (*FrameRing, error) {
	if n <= 0 {
		n = 2
	}
	r := &FrameRing{dev: d, timeout: d.fenceTimeout}
	for i := range n {
		f, err := newFrame(d, family, i)
		if err != nil {
			for _, f := range r.frames {
				f.release()
			}
			return nil, err
		}
		r.frames = append(r.frames, f)
	}
	d.log.Debug("gal: frame ring created", "frames", n, "family", family)
	return r, nil
}

func newFrame(d *Device, family gpucore.FamilyID, i int) (f *Frame, err error) {
	f = &Frame{Index: i}
	var created []Releaser
	defer func() {
		if err != nil {
			for _, r := range slices.Backward(created) {
				r.Release()
			}
		}
	}()

	if f.Fence, err = d.CreateFence(fmt.Sprintf("frame%d.fence", i), true); err != nil {
		return nil, err
	}
	created = append(created, f.Fence)
	if f.ImageAvailable, err = d.CreateSemaphore(fmt.Sprintf("frame%d.image_available", i)); err != nil {
		return nil, err
	}
	created = append(created, f.ImageAvailable)
	if f.RenderFinished, err = d.CreateSemaphore(fmt.Sprintf("frame%d.render_finished", i)); err != nil {
		return nil, err
	}
	created = append(created, f.RenderFinished)
	if f.Pool, err = d.CreateCommandPool(family, gpucore.PoolTransient); err != nil {
		return nil, err
	}
	created = append(created, f.Pool)
	if f.Commands, err = f.Pool.Allocate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Len returns the number of frames.
func (r *FrameRing) Len() int { return len(r.frames) }

// Count returns how many frames were begun.
func (r *FrameRing) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Begin moves to the next frame. It waits for the frame's previous
// submission, releases what was deferred on it, resets its command pool
// and resets its fence. It returns an error wrapping ErrFrameTimeout if
// the previous submission did not finish within the device fence
// timeout.
func (r *FrameRing) Begin() (*Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		fault("FrameRing.Begin", "frame ring used after release")
	}

	f := r.frames[r.next]
	if err := r.wait(f); err != nil {
		return nil, err
	}
	f.runDeferred()
	if err := f.Pool.Reset(); err != nil {
		return nil, err
	}
	if err := f.Fence.Reset(); err != nil {
		return nil, err
	}

	r.next = (r.next + 1) % len(r.frames)
	r.count++
	return f, nil
}

// wait blocks until the last submission of f completed. A fence that was
// never submitted since its last reset is not waited on.
func (r *FrameRing) wait(f *Frame) error {
	d := r.dev
	d.mu.Lock()
	inflight := f.Fence.inflight
	d.mu.Unlock()
	if !inflight {
		return nil
	}

	st, err := f.Fence.Wait(r.timeout)
	if err != nil {
		return err
	}
	if st == FenceTimeout {
		d.log.Warn("gal: frame fence timeout", "frame", f.Index, "timeout", r.timeout)
		return fmt.Errorf("%w: frame %d after %s", ErrFrameTimeout, f.Index, r.timeout)
	}
	return nil
}

// Release waits for every frame and releases all frame objects.
func (r *FrameRing) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.released = true

	var errs []error
	for _, f := range r.frames {
		if err := r.wait(f); err != nil {
			errs = append(errs, err)
			continue
		}
		f.release()
	}
	return errors.Join(errs...)
}
