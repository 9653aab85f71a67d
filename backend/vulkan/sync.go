//go:build vulkan

package vulkan

import (
	"fmt"
	"time"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/gal/gpucore"
)

// === Semaphores and fences ===

// CreateSemaphore creates a binary semaphore.
func (d *Device) CreateSemaphore() (gpucore.SemaphoreID, error) {
	var raw vk.Semaphore
	err := vk.Error(vk.CreateSemaphore(d.raw, &vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}, nil, &raw))
	if err != nil {
		return 0, fmt.Errorf("vulkan: create semaphore: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.SemaphoreID(d.newID())
	d.semaphores[id] = raw
	return id, nil
}

// DestroySemaphore destroys a semaphore.
func (d *Device) DestroySemaphore(id gpucore.SemaphoreID) {
	d.mu.Lock()
	s, ok := d.semaphores[id]
	delete(d.semaphores, id)
	d.mu.Unlock()
	if ok {
		vk.DestroySemaphore(d.raw, s, nil)
	}
}

// CreateFence creates a fence, optionally signaled.
func (d *Device) CreateFence(signaled bool) (gpucore.FenceID, error) {
	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	if signaled {
		info.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}
	var raw vk.Fence
	if err := vk.Error(vk.CreateFence(d.raw, &info, nil, &raw)); err != nil {
		return 0, fmt.Errorf("vulkan: create fence: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.FenceID(d.newID())
	d.fences[id] = raw
	return id, nil
}

// DestroyFence destroys a fence.
func (d *Device) DestroyFence(id gpucore.FenceID) {
	d.mu.Lock()
	f, ok := d.fences[id]
	delete(d.fences, id)
	d.mu.Unlock()
	if ok {
		vk.DestroyFence(d.raw, f, nil)
	}
}

func (d *Device) fence(id gpucore.FenceID) (vk.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lookup(d.fences, id)
}

// FenceStatus reports whether the fence is signaled.
func (d *Device) FenceStatus(id gpucore.FenceID) (bool, error) {
	f, err := d.fence(id)
	if err != nil {
		return false, err
	}
	switch res := vk.GetFenceStatus(d.raw, f); res {
	case vk.Success:
		return true, nil
	case vk.NotReady:
		return false, nil
	default:
		return false, fmt.Errorf("vulkan: fence status: %w", vk.Error(res))
	}
}

// WaitFence blocks until the fence signals or timeout elapses. A
// negative timeout waits forever.
func (d *Device) WaitFence(id gpucore.FenceID, timeout time.Duration) (bool, error) {
	f, err := d.fence(id)
	if err != nil {
		return false, err
	}
	ns := uint64(vk.MaxUint64)
	if timeout >= 0 {
		ns = uint64(timeout.Nanoseconds())
	}
	switch res := vk.WaitForFences(d.raw, 1, []vk.Fence{f}, vk.True, ns); res {
	case vk.Success:
		return true, nil
	case vk.Timeout:
		return false, nil
	default:
		return false, fmt.Errorf("vulkan: wait fence: %w", vk.Error(res))
	}
}

// ResetFence returns the fence to the unsignaled state.
func (d *Device) ResetFence(id gpucore.FenceID) error {
	f, err := d.fence(id)
	if err != nil {
		return err
	}
	if err := vk.Error(vk.ResetFences(d.raw, 1, []vk.Fence{f})); err != nil {
		return fmt.Errorf("vulkan: reset fence: %w", err)
	}
	return nil
}

// === Queues ===

// Queue returns the index-th queue opened on family.
func (d *Device) Queue(family gpucore.FamilyID, index int) (gpucore.QueueID, error) {
	ids := d.queues[family]
	if index < 0 || index >= len(ids) {
		return 0, fmt.Errorf("vulkan: queue (%d, %d) was not opened", family, index)
	}
	return ids[index], nil
}

func (d *Device) queue(id gpucore.QueueID) (vk.Queue, error) {
	q, ok := d.queueIDs[id]
	if !ok {
		return nil, fmt.Errorf("vulkan: queue %d: %w", id, gpucore.ErrUnknownHandle)
	}
	return q, nil
}

// Submit resolves every batch before submitting any, then hands them all
// to a single vkQueueSubmit. A failure after that call means the device
// is lost.
func (d *Device) Submit(queue gpucore.QueueID, batches []gpucore.SubmitDesc) error {
	q, err := d.queue(queue)
	if err != nil {
		return err
	}
	infos := make([]vk.SubmitInfo, len(batches))
	fences := make([]vk.Fence, len(batches))
	d.mu.Lock()
	for i, b := range batches {
		if infos[i], fences[i], err = d.submitInfoLocked(b); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	d.mu.Unlock()

	// A vkQueueSubmit carries one fence, so every batch goes in one call
	// with the last fence. Earlier fences follow in empty submissions,
	// which signal once that call completes.
	last := vk.NullFence
	var extra []vk.Fence
	for _, f := range fences {
		if f == vk.NullFence {
			continue
		}
		if last != vk.NullFence {
			extra = append(extra, last)
		}
		last = f
	}
	if err := vk.Error(vk.QueueSubmit(q, uint32(len(infos)), infos, last)); err != nil {
		return fmt.Errorf("vulkan: submit: %w", err)
	}
	for _, f := range extra {
		if err := vk.Error(vk.QueueSubmit(q, 0, nil, f)); err != nil {
			return fmt.Errorf("vulkan: submit fence: %w: %w", gpucore.ErrDeviceLost, err)
		}
	}
	return nil
}

// submitInfoLocked converts one batch. d.mu must be held.
func (d *Device) submitInfoLocked(b gpucore.SubmitDesc) (vk.SubmitInfo, vk.Fence, error) {
	info := vk.SubmitInfo{SType: vk.StructureTypeSubmitInfo}
	for _, id := range b.CommandBuffers {
		cb, err := lookup(d.cmdBuffers, id)
		if err != nil {
			return info, vk.NullFence, err
		}
		if !cb.executable {
			return info, vk.NullFence, fmt.Errorf("vulkan: submit %s: not executable", cb.label)
		}
		info.PCommandBuffers = append(info.PCommandBuffers, cb.raw)
	}
	for _, w := range b.Wait {
		s, err := lookup(d.semaphores, w.Semaphore)
		if err != nil {
			return info, vk.NullFence, err
		}
		info.PWaitSemaphores = append(info.PWaitSemaphores, s)
		info.PWaitDstStageMask = append(info.PWaitDstStageMask,
			vk.PipelineStageFlags(pipelineStage(w.Stage, vk.PipelineStageAllCommandsBit)))
	}
	for _, id := range b.Signal {
		s, err := lookup(d.semaphores, id)
		if err != nil {
			return info, vk.NullFence, err
		}
		info.PSignalSemaphores = append(info.PSignalSemaphores, s)
	}
	info.CommandBufferCount = uint32(len(info.PCommandBuffers))
	info.WaitSemaphoreCount = uint32(len(info.PWaitSemaphores))
	info.SignalSemaphoreCount = uint32(len(info.PSignalSemaphores))

	fence := vk.NullFence
	if b.Fence != gpucore.InvalidID {
		f, err := lookup(d.fences, b.Fence)
		if err != nil {
			return info, vk.NullFence, err
		}
		fence = f
	}
	return info, fence, nil
}

// QueueWaitIdle blocks until the queue has no pending work.
func (d *Device) QueueWaitIdle(queue gpucore.QueueID) error {
	q, err := d.queue(queue)
	if err != nil {
		return err
	}
	if err := vk.Error(vk.QueueWaitIdle(q)); err != nil {
		return fmt.Errorf("vulkan: queue wait idle: %w", err)
	}
	return nil
}

// WaitIdle blocks until every queue of the device is idle.
func (d *Device) WaitIdle() error {
	if err := vk.Error(vk.DeviceWaitIdle(d.raw)); err != nil {
		return fmt.Errorf("vulkan: wait idle: %w", err)
	}
	return nil
}
