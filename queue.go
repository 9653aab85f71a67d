package gal

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/gal/gpucore"
)

// Queue is a claimed device queue. Submissions on one Queue are
// serialized; submissions on different queues reach the backend
// concurrently.
//
// Release returns the queue to the device for another TakeQueue. The
// native queue lives as long as the device.
type Queue struct {
	dev    *Device
	family gpucore.QueueFamily
	index  int
	raw    gpucore.QueueID

	mu       sync.Mutex
	released bool // guarded by dev.mu
}

// SemaphoreWait makes a submission wait for a semaphore before Stage.
type SemaphoreWait struct {
	Semaphore *Semaphore
	Stage     gpucore.PipelineStage
}

// Submission is one batch of command buffers with its synchronization.
type Submission struct {
	// Queue must be nil or the queue Submit is called on.
	Queue          *Queue
	CommandBuffers []*CommandBuffer
	Wait           []SemaphoreWait
	Signal         []*Semaphore
	Fence          *Fence
}

// TakeQueue claims the lowest free queue of family. It fails with a
// *QueueUnavailableError when the family is exhausted or was not opened.
func (d *Device) TakeQueue(family gpucore.FamilyID) (*Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	i := slices.IndexFunc(d.families, func(fq *familyQueues) bool { return fq.family.ID == family })
	if i < 0 {
		return nil, &QueueUnavailableError{Family: family}
	}
	fq := d.families[i]
	idx := slices.Index(fq.taken, false)
	if idx < 0 {
		return nil, &QueueUnavailableError{Family: family, Count: len(fq.taken)}
	}
	fq.taken[idx] = true
	d.log.Debug("gal: queue taken", "family", family, "index", idx)
	return &Queue{dev: d, family: fq.family, index: idx, raw: fq.raw[idx]}, nil
}

// Release returns the queue to the device. Using the queue afterwards
// panics with a *Fault. Calls after the first are no-ops.
func (q *Queue) Release() {
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if q.released {
		return
	}
	q.released = true
	for _, fq := range d.families {
		if fq.family.ID == q.family.ID {
			fq.taken[q.index] = false
		}
	}
}

// Device returns the device the queue belongs to.
func (q *Queue) Device() *Device { return q.dev }

// Family returns the queue family ID.
func (q *Queue) Family() gpucore.FamilyID { return q.family.ID }

// Index returns the index of the queue within its family.
func (q *Queue) Index() int { return q.index }

// Caps returns the capabilities of the queue family.
func (q *Queue) Caps() gpucore.QueueCaps { return q.family.Caps }

// checkLocked faults when the queue or its device can no longer take
// work. d.mu must be held.
func (q *Queue) checkLocked(op string) {
	if q.released {
		fault(op, "queue (%d, %d) used after release", q.family.ID, q.index)
	}
	if q.dev.closed {
		fault(op, "device closed")
	}
}

func (q *Queue) check(op string) {
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	q.checkLocked(op)
}

// Submit hands the submissions to the queue in order.
//
// Every command buffer must be Executable and belong to a pool of this
// queue's family; it becomes Pending. Every waited semaphore must have
// an unconsumed signal, either from an earlier submission or from an
// earlier batch of this call; every signaled semaphore must not. The
// fence must be reset and not in flight. Violations panic with a *Fault
// before anything is submitted. A backend error leaves all state
// unchanged; backends queue either every batch or none, except after
// gpucore.ErrDeviceLost, when the device must be closed.
//
// The device lock is held only while the submissions are checked and
// while their bookkeeping is committed, so submissions on different
// queues reach the backend concurrently.
func (q *Queue) Submit(subs ...Submission) error {
	d := q.dev

	q.mu.Lock()
	defer q.mu.Unlock()

	c := q.claim(subs)
	if err := d.raw.Submit(q.raw, c.raw); err != nil {
		q.unclaim(c)
		return fmt.Errorf("gal: submit: %w", err)
	}
	q.commit(c)
	return nil
}

// claimed is what a Submit in progress holds between its checks and the
// backend call. Its command buffers are already Pending and its
// semaphores already carry their new signal state.
type claimed struct {
	subs   []Submission
	raw    []gpucore.SubmitDesc
	prev   map[*Semaphore]bool
	cbs    []*CommandBuffer
	fences []*Fence
}

// claim checks subs and reserves their objects so that a concurrent
// Submit on another queue cannot take them.
func (q *Queue) claim(subs []Submission) *claimed {
	const op = "Queue.Submit"
	d := q.dev

	d.mu.Lock()
	defer d.mu.Unlock()
	q.checkLocked(op)

	signaled := make(map[*Semaphore]bool)
	isSignaled := func(s *Semaphore) bool {
		if v, ok := signaled[s]; ok {
			return v
		}
		return s.signaled
	}
	c := &claimed{subs: subs, raw: make([]gpucore.SubmitDesc, len(subs)), prev: make(map[*Semaphore]bool)}
	seenCB := make(map[*CommandBuffer]bool)
	seenFence := make(map[*Fence]bool)

	for i, sub := range subs {
		if sub.Queue != nil && sub.Queue != q {
			fault(op, "submission %d targets queue (%d, %d), submitted on (%d, %d)",
				i, sub.Queue.family.ID, sub.Queue.index, q.family.ID, q.index)
		}
		for _, cb := range sub.CommandBuffers {
			id := cb.Get()
			if seenCB[cb] {
				fault(op, "command buffer %q submitted twice", cb.Label())
			}
			seenCB[cb] = true
			if st := cb.State(); st != StateExecutable {
				fault(op, "command buffer %q is %s, want %s", cb.Label(), st, StateExecutable)
			}
			if cb.pool.family != q.family.ID {
				fault(op, "command buffer %q belongs to family %d, queue family is %d",
					cb.Label(), cb.pool.family, q.family.ID)
			}
			c.raw[i].CommandBuffers = append(c.raw[i].CommandBuffers, id)
			c.cbs = append(c.cbs, cb)
		}
		for _, w := range sub.Wait {
			id := w.Semaphore.Get()
			if !isSignaled(w.Semaphore) {
				fault(op, "wait on semaphore %q without a pending signal", w.Semaphore.Label())
			}
			signaled[w.Semaphore] = false
			c.raw[i].Wait = append(c.raw[i].Wait, gpucore.SemaphoreWait{Semaphore: id, Stage: w.Stage})
		}
		for _, s := range sub.Signal {
			id := s.Get()
			if isSignaled(s) {
				fault(op, "semaphore %q signaled twice without a wait", s.Label())
			}
			signaled[s] = true
			c.raw[i].Signal = append(c.raw[i].Signal, id)
		}
		if f := sub.Fence; f != nil {
			id := f.Get()
			if f.inflight || f.claimed || seenFence[f] {
				fault(op, "fence %q is in flight", f.Label())
			}
			if done, err := d.raw.FenceStatus(id); err == nil && done {
				fault(op, "fence %q is signaled; reset it before reuse", f.Label())
			}
			seenFence[f] = true
			c.raw[i].Fence = id
			c.fences = append(c.fences, f)
		}
	}

	for s, v := range signaled {
		c.prev[s] = s.signaled
		d.setSignaledLocked(s, v)
	}
	for _, cb := range c.cbs {
		cb.setPending()
	}
	for _, f := range c.fences {
		f.claimed = true
	}
	d.submits.Add(1)
	return c
}

// unclaim undoes claim after the backend refused the submission.
func (q *Queue) unclaim(c *claimed) {
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	for s, v := range c.prev {
		d.setSignaledLocked(s, v)
	}
	for _, cb := range c.cbs {
		cb.unsetPending()
	}
	for _, f := range c.fences {
		f.claimed = false
	}
	d.submits.Done()
}

// commit records the accepted submission for retirement.
func (q *Queue) commit(c *claimed) {
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range c.subs {
		if sub.Fence != nil {
			sub.Fence.claimed = false
			sub.Fence.inflight = true
		}
		if len(sub.CommandBuffers) == 0 && sub.Fence == nil {
			continue
		}
		cbs := slices.Clone(sub.CommandBuffers)
		d.inflight = append(d.inflight, &submission{queue: q, fence: sub.Fence, cbs: cbs})
		d.stats.commandBufs += uint64(len(cbs))
	}
	d.stats.submissions += uint64(len(c.subs))
	d.submits.Done()
	d.log.Debug("gal: submitted", "family", q.family.ID, "queue", q.index, "batches", len(c.subs))
}

// setSignaledLocked sets the pending-signal state of s. d.mu must be
// held.
func (d *Device) setSignaledLocked(s *Semaphore, v bool) {
	switch {
	case v && !s.signaled:
		d.pendingSignals++
	case !v && s.signaled:
		d.pendingSignals--
	}
	s.signaled = v
}

// WaitIdle blocks until the queue finished its work and retires the
// submissions made on it.
func (q *Queue) WaitIdle() error {
	d := q.dev
	q.check("Queue.WaitIdle")
	if err := d.raw.QueueWaitIdle(q.raw); err != nil {
		return fmt.Errorf("gal: queue wait idle: %w", err)
	}
	d.retire(func(s *submission) bool { return s.queue == q })
	return nil
}

// Run records a one-off command buffer with record, submits it on q and
// waits for it to complete within the device fence timeout. The pool,
// buffer and fence it uses are released before Run returns.
func (q *Queue) Run(record func(cb *CommandBuffer)) error {
	d := q.dev
	pool, err := d.CreateCommandPool(q.family.ID, gpucore.PoolTransient)
	if err != nil {
		return err
	}
	defer pool.Release()
	cb, err := pool.Allocate()
	if err != nil {
		return err
	}
	fence, err := d.CreateFence("run", false)
	if err != nil {
		return err
	}
	defer fence.Release()

	if err := cb.Begin(); err != nil {
		return err
	}
	record(cb)
	if err := cb.Finish(); err != nil {
		return err
	}
	if err := q.Submit(Submission{CommandBuffers: []*CommandBuffer{cb}, Fence: fence}); err != nil {
		return err
	}
	st, err := fence.Wait(d.fenceTimeout)
	if err != nil {
		return err
	}
	if st != FenceSignaled {
		// The buffer is still pending; drain before the deferred
		// releases run.
		if err := q.WaitIdle(); err != nil {
			return err
		}
		return fmt.Errorf("gal: run on queue (%d, %d): %s after %s", q.family.ID, q.index, st, d.fenceTimeout)
	}
	return nil
}
