package soft

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gal/gpucore"
)

// batch is one validated submission batch captured at submit time.
type batch struct {
	ops    []op
	wait   []gpucore.SemaphoreID
	signal []gpucore.SemaphoreID
	fence  gpucore.FenceID
}

// queue executes batches in submission order on its own goroutine.
type queue struct {
	id     gpucore.QueueID
	family gpucore.QueueFamily
	index  int
	device *Device

	mu      sync.Mutex
	cond    *sync.Cond
	pending []batch
	busy    bool
	closed  bool
	done    chan struct{}
}

func (d *Device) addQueue(fam gpucore.QueueFamily, index int) {
	q := &queue{
		id:     gpucore.QueueID(d.newID()),
		family: fam,
		index:  index,
		device: d,
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	d.mu.Lock()
	d.queues[q.id] = q
	d.queueIDs[queueKey{fam.ID, index}] = q.id
	d.mu.Unlock()

	go q.run()
}

func (q *queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		b := q.pending[0]
		q.pending = q.pending[1:]
		q.busy = true
		q.mu.Unlock()

		q.device.execute(b)

		q.mu.Lock()
		q.busy = false
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *queue) push(batches []batch) {
	q.mu.Lock()
	q.pending = append(q.pending, batches...)
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *queue) waitIdle() {
	q.mu.Lock()
	for (len(q.pending) > 0 || q.busy) && !q.closed {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

func (d *Device) execute(b batch) {
	for _, s := range b.wait {
		d.waitSemaphore(s)
	}
	if delay := d.adapter.backend.delay; delay > 0 {
		time.Sleep(delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range b.ops {
		o(d)
	}
	for _, s := range b.signal {
		d.signalSemaphore(s)
	}
	if b.fence != gpucore.InvalidID {
		d.signalFence(b.fence)
	}
	d.stats.Batches++
}

// Queue returns the queue created for (family, index) at Open.
func (d *Device) Queue(family gpucore.FamilyID, index int) (gpucore.QueueID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.queueIDs[queueKey{family, index}]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("soft: queue (%d, %d) was not requested: %w", family, index, gpucore.ErrUnknownHandle)
	}
	return id, nil
}

// Submit validates the batches, captures the recorded commands and hands
// them to the queue worker. Binary semaphore rules are enforced here: a
// wait needs a previously submitted signal, and a semaphore cannot be
// signaled twice without a wait in between.
func (d *Device) Submit(queueID gpucore.QueueID, batches []gpucore.SubmitDesc) error {
	d.mu.Lock()
	q, ok := d.queues[queueID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("soft: queue %d: %w", queueID, gpucore.ErrUnknownHandle)
	}
	if d.destroyed {
		d.mu.Unlock()
		return gpucore.ErrDeviceLost
	}

	out, err := d.captureLocked(q, batches)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	q.push(out)
	return nil
}

func (d *Device) captureLocked(q *queue, batches []gpucore.SubmitDesc) ([]batch, error) {
	// Validate everything first so a rejected submission changes nothing.
	submitted := make(map[gpucore.SemaphoreID]bool)
	state := func(id gpucore.SemaphoreID) (bool, error) {
		if v, ok := submitted[id]; ok {
			return v, nil
		}
		s, ok := d.semaphores[id]
		if !ok {
			return false, fmt.Errorf("soft: semaphore %d: %w", id, gpucore.ErrUnknownHandle)
		}
		return s.submitted, nil
	}
	fences := make(map[gpucore.FenceID]bool)

	for _, b := range batches {
		for _, cbID := range b.CommandBuffers {
			cb, ok := d.cmdBuffers[cbID]
			if !ok {
				return nil, fmt.Errorf("soft: command buffer %d: %w", cbID, gpucore.ErrUnknownHandle)
			}
			if cb.state != cbExecutable {
				return nil, fmt.Errorf("soft: command buffer %d is not executable", cbID)
			}
			if fam := d.pools[cb.pool].desc.Family; fam != q.family.ID {
				return nil, fmt.Errorf("soft: command buffer %d belongs to family %d, queue is family %d", cbID, fam, q.family.ID)
			}
		}
		for _, w := range b.Wait {
			signaled, err := state(w.Semaphore)
			if err != nil {
				return nil, err
			}
			if !signaled {
				return nil, fmt.Errorf("soft: wait on semaphore %d without a pending signal", w.Semaphore)
			}
			submitted[w.Semaphore] = false
		}
		for _, s := range b.Signal {
			signaled, err := state(s)
			if err != nil {
				return nil, err
			}
			if signaled {
				return nil, fmt.Errorf("soft: semaphore %d signaled twice without a wait", s)
			}
			submitted[s] = true
		}
		if b.Fence != gpucore.InvalidID {
			f, ok := d.fences[b.Fence]
			if !ok {
				return nil, fmt.Errorf("soft: fence %d: %w", b.Fence, gpucore.ErrUnknownHandle)
			}
			if f.signaled || f.pending || fences[b.Fence] {
				return nil, fmt.Errorf("soft: fence %d must be unsignaled and idle to submit", b.Fence)
			}
			fences[b.Fence] = true
		}
	}

	for id, v := range submitted {
		d.semaphores[id].submitted = v
	}
	out := make([]batch, 0, len(batches))
	for _, b := range batches {
		var ops []op
		for _, cbID := range b.CommandBuffers {
			ops = append(ops, d.cmdBuffers[cbID].ops...)
		}
		waits := make([]gpucore.SemaphoreID, len(b.Wait))
		for i, w := range b.Wait {
			waits[i] = w.Semaphore
		}
		if b.Fence != gpucore.InvalidID {
			d.fences[b.Fence].pending = true
		}
		out = append(out, batch{
			ops:    ops,
			wait:   waits,
			signal: append([]gpucore.SemaphoreID(nil), b.Signal...),
			fence:  b.Fence,
		})
	}
	return out, nil
}

// QueueWaitIdle blocks until the queue executed everything submitted.
func (d *Device) QueueWaitIdle(queueID gpucore.QueueID) error {
	d.mu.Lock()
	q, ok := d.queues[queueID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("soft: queue %d: %w", queueID, gpucore.ErrUnknownHandle)
	}
	q.waitIdle()
	return nil
}

// WaitIdle blocks until every queue is idle.
func (d *Device) WaitIdle() error {
	d.mu.Lock()
	queues := make([]*queue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()
	for _, q := range queues {
		q.waitIdle()
	}
	return nil
}
