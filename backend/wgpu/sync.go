package wgpu

import (
	"fmt"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gal/gpucore"
)

// fencePoll is the interval WaitFence polls the queue at.
const fencePoll = 50 * time.Microsecond

// semaphore is pure bookkeeping: the HAL queue executes submissions in
// order, so a wait is always satisfied by the submission that signaled.
type semaphore struct {
	signaled bool
}

// fence is signaled explicitly or when the queue completes the
// submission index it was attached to. A zero index means the fence is
// not attached.
type fence struct {
	signaled bool
	index    uint64
}

// statusLocked refreshes and reports the fence state. d.mu must be held.
func (d *Device) statusLocked(f *fence) bool {
	if !f.signaled && f.index != 0 && d.queue.PollCompleted() >= f.index {
		f.signaled = true
		f.index = 0
	}
	return f.signaled
}

// === Semaphores and fences ===

// CreateSemaphore creates a binary semaphore.
func (d *Device) CreateSemaphore() (gpucore.SemaphoreID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.SemaphoreID(d.newID())
	d.semaphores[id] = &semaphore{}
	return id, nil
}

// DestroySemaphore destroys a semaphore.
func (d *Device) DestroySemaphore(id gpucore.SemaphoreID) {
	d.mu.Lock()
	delete(d.semaphores, id)
	d.mu.Unlock()
}

// CreateFence creates a fence.
func (d *Device) CreateFence(signaled bool) (gpucore.FenceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.FenceID(d.newID())
	d.fences[id] = &fence{signaled: signaled}
	return id, nil
}

// DestroyFence destroys a fence.
func (d *Device) DestroyFence(id gpucore.FenceID) {
	d.mu.Lock()
	delete(d.fences, id)
	d.mu.Unlock()
}

// FenceStatus reports whether the fence is signaled.
func (d *Device) FenceStatus(id gpucore.FenceID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := lookup(d.fences, id)
	if err != nil {
		return false, err
	}
	return d.statusLocked(f), nil
}

// WaitFence polls the queue until the fence signals or timeout elapses.
// A negative timeout waits forever.
func (d *Device) WaitFence(id gpucore.FenceID, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		done, err := d.FenceStatus(id)
		if err != nil || done {
			return done, err
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return false, nil
		}
		time.Sleep(fencePoll)
	}
}

// ResetFence returns the fence to the unsignaled state.
func (d *Device) ResetFence(id gpucore.FenceID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := lookup(d.fences, id)
	if err != nil {
		return err
	}
	*f = fence{}
	return nil
}

// === Queue ===

// Queue returns the single HAL queue.
func (d *Device) Queue(family gpucore.FamilyID, index int) (gpucore.QueueID, error) {
	if family != FamilyID || index != 0 {
		return 0, fmt.Errorf("wgpu: queue (%d, %d) does not exist", family, index)
	}
	return queueID, nil
}

// Submit hands the command buffers of every batch to the HAL queue in a
// single submission, so either all batches are queued or none is. Every
// fence takes that submission's index; a fence on a batch with no
// command buffer before it follows the previous submission.
func (d *Device) Submit(queue gpucore.QueueID, batches []gpucore.SubmitDesc) error {
	if queue != queueID {
		return fmt.Errorf("wgpu: queue %d: %w", queue, gpucore.ErrUnknownHandle)
	}
	var raws []hal.CommandBuffer
	// work[i] reports whether batches[:i+1] hold a command buffer.
	work := make([]bool, len(batches))
	d.mu.Lock()
	for i, b := range batches {
		for _, id := range b.CommandBuffers {
			cb, err := lookup(d.cmdBuffers, id)
			if err != nil {
				d.mu.Unlock()
				return err
			}
			if cb.done == nil {
				d.mu.Unlock()
				return fmt.Errorf("wgpu: submit %s: not executable", cb.label)
			}
			raws = append(raws, cb.done)
		}
		if err := d.checkSyncLocked(b); err != nil {
			d.mu.Unlock()
			return err
		}
		work[i] = len(raws) > 0
	}
	prev := d.lastSubmit
	d.mu.Unlock()

	idx := prev
	if len(raws) > 0 {
		var err error
		if idx, err = d.queue.Submit(raws); err != nil {
			return fmt.Errorf("wgpu: submit: %w", err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSubmit = max(d.lastSubmit, idx)
	for i, b := range batches {
		for _, w := range b.Wait {
			if s, ok := d.semaphores[w.Semaphore]; ok {
				s.signaled = false
			}
		}
		for _, id := range b.Signal {
			if s, ok := d.semaphores[id]; ok {
				s.signaled = true
			}
		}
		f, ok := d.fences[b.Fence]
		if !ok {
			continue
		}
		switch {
		case work[i]:
			f.index = idx
		case prev == 0:
			f.signaled = true
		default:
			f.index = prev
		}
	}
	return nil
}

// checkSyncLocked verifies the semaphores and fence of a batch exist.
func (d *Device) checkSyncLocked(b gpucore.SubmitDesc) error {
	for _, w := range b.Wait {
		if _, err := lookup(d.semaphores, w.Semaphore); err != nil {
			return err
		}
	}
	for _, s := range b.Signal {
		if _, err := lookup(d.semaphores, s); err != nil {
			return err
		}
	}
	if b.Fence != gpucore.InvalidID {
		if _, err := lookup(d.fences, b.Fence); err != nil {
			return err
		}
	}
	return nil
}

// QueueWaitIdle waits for the device; there is only one queue.
func (d *Device) QueueWaitIdle(queue gpucore.QueueID) error {
	if queue != queueID {
		return fmt.Errorf("wgpu: queue %d: %w", queue, gpucore.ErrUnknownHandle)
	}
	return d.WaitIdle()
}

// WaitIdle blocks until all submitted work completed.
func (d *Device) WaitIdle() error {
	if err := d.raw.WaitIdle(); err != nil {
		return fmt.Errorf("wgpu: wait idle: %w", err)
	}
	return nil
}
