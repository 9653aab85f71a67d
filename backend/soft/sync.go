package soft

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gal/gpucore"
)

// semaphore is a binary semaphore. submitted tracks the host-side
// protocol (a signal must be submitted before the matching wait);
// signals and waits track execution on the queue workers.
type semaphore struct {
	submitted bool
	signals   uint64
	waits     uint64
}

// fence is signaled by a queue worker. ch is closed when signaled and
// replaced on reset.
type fence struct {
	signaled bool
	pending  bool
	ch       chan struct{}
}

func newFence(signaled bool) *fence {
	f := &fence{signaled: signaled, ch: make(chan struct{})}
	if signaled {
		close(f.ch)
	}
	return f
}

// errFencePending is returned when a fence in flight is reset or reused.
var errFencePending = errors.New("soft: fence is in flight")

// CreateSemaphore creates an unsignaled semaphore.
func (d *Device) CreateSemaphore() (gpucore.SemaphoreID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.SemaphoreID(d.newID())
	d.semaphores[id] = &semaphore{}
	return id, nil
}

// DestroySemaphore frees a semaphore.
func (d *Device) DestroySemaphore(id gpucore.SemaphoreID) {
	d.mu.Lock()
	delete(d.semaphores, id)
	d.mu.Unlock()
}

// CreateFence creates a fence, optionally already signaled.
func (d *Device) CreateFence(signaled bool) (gpucore.FenceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.FenceID(d.newID())
	d.fences[id] = newFence(signaled)
	return id, nil
}

// DestroyFence frees a fence.
func (d *Device) DestroyFence(id gpucore.FenceID) {
	d.mu.Lock()
	delete(d.fences, id)
	d.mu.Unlock()
}

// WaitFence blocks until the fence is signaled or timeout elapses.
// A negative timeout waits forever.
func (d *Device) WaitFence(id gpucore.FenceID, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	f, ok := d.fences[id]
	if !ok {
		d.mu.Unlock()
		return false, fmt.Errorf("soft: fence %d: %w", id, gpucore.ErrUnknownHandle)
	}
	signaled, ch := f.signaled, f.ch
	d.mu.Unlock()

	if signaled {
		return true, nil
	}
	if timeout == 0 {
		return false, nil
	}
	if timeout < 0 {
		<-ch
		return true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// FenceStatus reports whether the fence is signaled.
func (d *Device) FenceStatus(id gpucore.FenceID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fences[id]
	if !ok {
		return false, fmt.Errorf("soft: fence %d: %w", id, gpucore.ErrUnknownHandle)
	}
	return f.signaled, nil
}

// ResetFence returns a fence to the unsignaled state.
func (d *Device) ResetFence(id gpucore.FenceID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fences[id]
	if !ok {
		return fmt.Errorf("soft: fence %d: %w", id, gpucore.ErrUnknownHandle)
	}
	if f.pending {
		return errFencePending
	}
	if f.signaled {
		f.signaled = false
		f.ch = make(chan struct{})
	}
	return nil
}

// signalFence is called by a queue worker with d.mu held.
func (d *Device) signalFence(id gpucore.FenceID) {
	f, ok := d.fences[id]
	if !ok {
		return
	}
	f.pending = false
	if !f.signaled {
		f.signaled = true
		close(f.ch)
	}
}

// waitSemaphore blocks a queue worker until the semaphore was signaled
// more often than waited on, then consumes one signal.
func (d *Device) waitSemaphore(id gpucore.SemaphoreID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		s, ok := d.semaphores[id]
		if !ok || d.destroyed {
			return
		}
		if s.signals > s.waits {
			s.waits++
			return
		}
		d.cond.Wait()
	}
}

// signalSemaphore is called by a queue worker with d.mu held.
func (d *Device) signalSemaphore(id gpucore.SemaphoreID) {
	if s, ok := d.semaphores[id]; ok {
		s.signals++
		d.cond.Broadcast()
	}
}
