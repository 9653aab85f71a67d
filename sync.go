package gal

import (
	"fmt"
	"time"

	"github.com/gogpu/gal/gpucore"
)

// Semaphore is a binary GPU-to-GPU signal. Each signal must be consumed
// by exactly one later wait; the device checks this at submit time.
type Semaphore struct {
	*Guard[gpucore.SemaphoreID]

	signaled bool // unconsumed signal; guarded by dev.mu
}

// CreateSemaphore creates an unsignaled semaphore.
func (d *Device) CreateSemaphore(label string) (*Semaphore, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	id, err := d.raw.CreateSemaphore()
	if err != nil {
		return nil, allocErr(gpucore.KindSemaphore, label, err)
	}
	g, err := newGuard(d, id, label, d.raw.DestroySemaphore)
	if err != nil {
		return nil, err
	}
	return &Semaphore{Guard: g}, nil
}

// Release destroys the semaphore. A pending signal is dropped.
func (s *Semaphore) Release() {
	d := s.dev
	d.mu.Lock()
	if s.signaled && !s.Released() {
		s.signaled = false
		d.pendingSignals--
	}
	d.mu.Unlock()
	s.Guard.Release()
}

// FenceStatus is the result of a fence query.
type FenceStatus uint8

// Fence states.
const (
	FenceUnsignaled FenceStatus = iota
	FenceSignaled
	FenceTimeout
)

func (s FenceStatus) String() string {
	switch s {
	case FenceUnsignaled:
		return "unsignaled"
	case FenceSignaled:
		return "signaled"
	case FenceTimeout:
		return "timeout"
	}
	return fmt.Sprintf("FenceStatus(%d)", uint8(s))
}

// Fence reports completion of a submission to the host. Observing a
// fence signaled retires the command buffers submitted with it.
type Fence struct {
	*Guard[gpucore.FenceID]

	inflight bool // submitted and not yet observed; guarded by dev.mu
	claimed  bool // held by a Submit inside the backend; guarded by dev.mu
}

// CreateFence creates a fence, optionally already signaled.
func (d *Device) CreateFence(label string, signaled bool) (*Fence, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	id, err := d.raw.CreateFence(signaled)
	if err != nil {
		return nil, allocErr(gpucore.KindFence, label, err)
	}
	g, err := newGuard(d, id, label, d.raw.DestroyFence)
	if err != nil {
		return nil, err
	}
	return &Fence{Guard: g}, nil
}

// Wait blocks until the fence signals or timeout elapses. A negative
// timeout waits forever. A fence that is neither signaled nor submitted
// cannot signal, so Wait returns FenceUnsignaled for it at once.
func (f *Fence) Wait(timeout time.Duration) (FenceStatus, error) {
	d := f.dev
	id := f.Get()

	d.mu.Lock()
	d.stats.fenceWaits++
	inflight := f.inflight
	d.mu.Unlock()
	if !inflight {
		signaled, err := d.raw.FenceStatus(id)
		switch {
		case err != nil:
			return FenceUnsignaled, fmt.Errorf("gal: wait fence %q: %w", f.Label(), err)
		case !signaled:
			return FenceUnsignaled, nil
		}
		return FenceSignaled, nil
	}

	signaled, err := d.raw.WaitFence(id, timeout)
	if err == nil && !signaled {
		d.mu.Lock()
		d.stats.fenceTimeouts++
		d.mu.Unlock()
	}

	if err != nil {
		return FenceUnsignaled, fmt.Errorf("gal: wait fence %q: %w", f.Label(), err)
	}
	if !signaled {
		return FenceTimeout, nil
	}
	d.retireFence(f)
	return FenceSignaled, nil
}

// Status polls the fence without blocking.
func (f *Fence) Status() (FenceStatus, error) {
	d := f.dev
	signaled, err := d.raw.FenceStatus(f.Get())
	if err != nil {
		return FenceUnsignaled, fmt.Errorf("gal: fence %q status: %w", f.Label(), err)
	}
	if !signaled {
		return FenceUnsignaled, nil
	}
	d.retireFence(f)
	return FenceSignaled, nil
}

// Reset returns the fence to unsignaled. Resetting a fence whose
// submission has not completed panics with a *Fault.
func (f *Fence) Reset() error {
	d := f.dev
	id := f.Get()

	d.mu.Lock()
	inflight, claimed := f.inflight, f.claimed
	d.mu.Unlock()
	if claimed {
		fault("Fence.Reset", "fence %q is being submitted", f.Label())
	}
	if inflight {
		signaled, err := d.raw.FenceStatus(id)
		if err != nil {
			return fmt.Errorf("gal: reset fence %q: %w", f.Label(), err)
		}
		if !signaled {
			fault("Fence.Reset", "fence %q is in flight", f.Label())
		}
		d.retireFence(f)
	}
	if err := d.raw.ResetFence(id); err != nil {
		return fmt.Errorf("gal: reset fence %q: %w", f.Label(), err)
	}
	return nil
}
