package gal

import (
	"fmt"
	"sync"

	"github.com/gogpu/gal/gpucore"
)

// DefaultPoolFlags are used when CreateCommandPool gets no flags.
const DefaultPoolFlags = gpucore.PoolTransient | gpucore.PoolResetIndividual

// CommandPool allocates command buffers for one queue family.
//
// A pool and its buffers must not be used from several goroutines at
// once; use one pool per recording thread.
type CommandPool struct {
	*Guard[gpucore.CommandPoolID]

	family gpucore.FamilyID
	caps   gpucore.QueueCaps
	flags  gpucore.CommandPoolFlags

	mu      sync.Mutex
	buffers []*CommandBuffer
	count   int
}

// CreateCommandPool creates a pool for family. Without flags the pool
// uses DefaultPoolFlags.
func (d *Device) CreateCommandPool(family gpucore.FamilyID, flags ...gpucore.CommandPoolFlags) (*CommandPool, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	var caps gpucore.QueueCaps
	found := false
	for _, fq := range d.families {
		if fq.family.ID == family {
			caps, found = fq.family.Caps, true
		}
	}
	if !found {
		return nil, &QueueUnavailableError{Family: family}
	}

	f := DefaultPoolFlags
	if len(flags) > 0 {
		f = 0
		for _, fl := range flags {
			f |= fl
		}
	}
	label := fmt.Sprintf("pool.family%d", family)
	id, err := d.raw.CreateCommandPool(&gpucore.CommandPoolDesc{Label: label, Family: family, Flags: f})
	if err != nil {
		return nil, allocErr(gpucore.KindCommandPool, label, err)
	}
	g, err := newGuard(d, id, label, d.raw.DestroyCommandPool)
	if err != nil {
		return nil, err
	}
	return &CommandPool{Guard: g, family: family, caps: caps, flags: f}, nil
}

// Family returns the queue family of the pool.
func (p *CommandPool) Family() gpucore.FamilyID { return p.family }

// Flags returns the pool flags.
func (p *CommandPool) Flags() gpucore.CommandPoolFlags { return p.flags }

// Allocate returns a new command buffer in the Initial state.
func (p *CommandPool) Allocate() (*CommandBuffer, error) {
	poolID := p.Get()
	d := p.dev
	id, err := d.raw.AllocateCommandBuffer(poolID)
	if err != nil {
		return nil, allocErr(gpucore.KindCommandBuffer, p.Label(), err)
	}

	p.mu.Lock()
	p.count++
	label := fmt.Sprintf("%s.cb%d", p.Label(), p.count)
	p.mu.Unlock()

	g, err := newGuard(d, id, label, func(id gpucore.CommandBufferID) {
		d.raw.FreeCommandBuffer(poolID, id)
	})
	if err != nil {
		return nil, err
	}
	cb := &CommandBuffer{Guard: g, pool: p}

	p.mu.Lock()
	p.buffers = append(p.buffers, cb)
	p.mu.Unlock()
	return cb, nil
}

// retireSignaled retires buffers whose fence signaled and faults if any
// buffer is still executing.
func (p *CommandPool) retireSignaled(op string) {
	d := p.dev
	p.mu.Lock()
	buffers := append([]*CommandBuffer(nil), p.buffers...)
	p.mu.Unlock()

	for _, cb := range buffers {
		if cb.Released() || cb.State() != StatePending {
			continue
		}
		d.mu.Lock()
		f, _ := d.pendingFence(cb)
		d.mu.Unlock()
		if f != nil && !f.Released() {
			if signaled, err := d.raw.FenceStatus(f.Get()); err == nil && signaled {
				d.retireFence(f)
				continue
			}
		}
		fault(op, "command buffer %q of pool %q is pending", cb.Label(), p.Label())
	}
}

// Reset returns every buffer of the pool to Initial. Buffers whose fence
// signaled are retired first; a buffer still executing panics with a
// *Fault.
func (p *CommandPool) Reset() error {
	const op = "CommandPool.Reset"
	id := p.Get()
	p.retireSignaled(op)

	if err := p.dev.raw.ResetCommandPool(id); err != nil {
		return fmt.Errorf("gal: reset pool %q: %w", p.Label(), err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cb := range p.buffers {
		cb.reset()
	}
	return nil
}

// Release frees the pool and every buffer allocated from it. A buffer
// still executing panics with a *Fault.
func (p *CommandPool) Release() {
	if p.Released() {
		return
	}
	p.retireSignaled("CommandPool.Release")

	p.mu.Lock()
	buffers := p.buffers
	p.buffers = nil
	p.mu.Unlock()
	for _, cb := range buffers {
		cb.Guard.Release()
	}
	p.Guard.Release()
}

// forget drops a released buffer from the pool.
func (p *CommandPool) forget(cb *CommandBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range p.buffers {
		if b == cb {
			p.buffers = append(p.buffers[:i], p.buffers[i+1:]...)
			return
		}
	}
}
