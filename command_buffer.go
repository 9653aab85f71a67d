package gal

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gal/gpucore"
)

// CommandBufferState is the recording state of a command buffer.
type CommandBufferState uint8

// Command buffer states.
const (
	StateInitial CommandBufferState = iota
	StateRecording
	StateExecutable
	StatePending
)

func (s CommandBufferState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateRecording:
		return "recording"
	case StateExecutable:
		return "executable"
	case StatePending:
		return "pending"
	}
	return fmt.Sprintf("CommandBufferState(%d)", uint8(s))
}

// CommandBuffer records GPU commands.
//
// Lifecycle: Begin moves Initial to Recording, Finish moves Recording to
// Executable, Queue.Submit moves Executable to Pending, and observing the
// submission fence signaled moves Pending back to Initial. Recording
// methods called in any state other than Recording panic with a *Fault,
// as do draws outside a render pass, copies inside one, and other
// protocol violations.
//
// A command buffer is recorded by one goroutine at a time.
type CommandBuffer struct {
	*Guard[gpucore.CommandBufferID]

	pool *CommandPool

	mu       sync.Mutex
	state    CommandBufferState
	dirty    bool // the raw buffer holds an old recording
	enc      gpucore.CommandEncoder
	pass     *RenderPass
	pipeline *Pipeline
}

// Framebuffer names the images a render pass instance draws into.
type Framebuffer struct {
	Colors     []*Image
	Depth      *Image
	Clear      []gputypes.Color
	ClearDepth float32

	// Area defaults to the extent of the first color image.
	Area gpucore.Rect
}

// BufferBarrier orders access to a range of a buffer.
type BufferBarrier struct {
	Buffer *Buffer
	Offset uint64
	Size   uint64
}

// ImageBarrier orders access to an image and transitions its layout.
type ImageBarrier struct {
	Image     *Image
	OldLayout gpucore.ImageLayout
	NewLayout gpucore.ImageLayout
}

// Barrier is a pipeline barrier.
type Barrier struct {
	SrcStage  gpucore.PipelineStage
	DstStage  gpucore.PipelineStage
	SrcAccess gpucore.Access
	DstAccess gpucore.Access
	Buffers   []BufferBarrier
	Images    []ImageBarrier
}

// State returns the current state.
func (cb *CommandBuffer) State() CommandBufferState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Pool returns the pool the buffer was allocated from.
func (cb *CommandBuffer) Pool() *CommandPool { return cb.pool }

// Begin starts recording. The buffer must be Initial. A buffer that was
// submitted before is reset first, which requires a pool created with
// PoolResetIndividual; otherwise reset the pool.
func (cb *CommandBuffer) Begin() error {
	const op = "CommandBuffer.Begin"
	id := cb.Get()
	d := cb.dev

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateInitial {
		fault(op, "command buffer %q is %s, want %s", cb.Label(), cb.state, StateInitial)
	}
	if cb.dirty {
		if cb.pool.flags&gpucore.PoolResetIndividual == 0 {
			fault(op, "command buffer %q was recorded before and its pool has no individual reset; reset the pool", cb.Label())
		}
		if err := d.raw.ResetCommandBuffer(id); err != nil {
			return fmt.Errorf("gal: begin %q: %w", cb.Label(), err)
		}
		cb.dirty = false
	}
	enc, err := d.raw.BeginCommandBuffer(id)
	if err != nil {
		return fmt.Errorf("gal: begin %q: %w", cb.Label(), err)
	}
	cb.enc = enc
	cb.state = StateRecording
	return nil
}

// Finish ends recording. An open render pass panics with a *Fault. A
// backend rejection returns the buffer to Initial.
func (cb *CommandBuffer) Finish() error {
	const op = "CommandBuffer.Finish"
	cb.Get()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.checkRecording(op)
	if cb.pass != nil {
		fault(op, "render pass %q is still open", cb.pass.Label())
	}
	err := cb.enc.End()
	cb.enc = nil
	cb.pipeline = nil
	if err != nil {
		cb.state = StateInitial
		return fmt.Errorf("gal: finish %q: %w", cb.Label(), err)
	}
	cb.state = StateExecutable
	cb.dirty = true
	return nil
}

// Reset returns the buffer to Initial. The pool must have been created
// with PoolResetIndividual. Resetting a buffer that is still executing
// panics with a *Fault.
func (cb *CommandBuffer) Reset() error {
	const op = "CommandBuffer.Reset"
	id := cb.Get()
	d := cb.dev
	if cb.pool.flags&gpucore.PoolResetIndividual == 0 {
		fault(op, "pool %q does not allow individual reset", cb.pool.Label())
	}

	if cb.State() == StatePending {
		d.mu.Lock()
		f, _ := d.pendingFence(cb)
		d.mu.Unlock()
		signaled := false
		if f != nil && !f.Released() {
			signaled, _ = d.raw.FenceStatus(f.Get())
		}
		if !signaled {
			fault(op, "command buffer %q is pending", cb.Label())
		}
		d.retireFence(f)
	}

	if err := d.raw.ResetCommandBuffer(id); err != nil {
		return fmt.Errorf("gal: reset %q: %w", cb.Label(), err)
	}
	cb.reset()
	return nil
}

// Release frees the buffer. Releasing a pending buffer panics with a
// *Fault.
func (cb *CommandBuffer) Release() {
	if cb.Released() {
		return
	}
	if cb.State() == StatePending {
		fault("CommandBuffer.Release", "command buffer %q is pending", cb.Label())
	}
	cb.Guard.Release()
	cb.pool.forget(cb)
}

// reset is called after the raw buffer was reset.
func (cb *CommandBuffer) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateInitial
	cb.dirty = false
	cb.enc = nil
	cb.pass = nil
	cb.pipeline = nil
}

// setPending is called by Queue.Submit.
func (cb *CommandBuffer) setPending() {
	cb.mu.Lock()
	cb.state = StatePending
	cb.mu.Unlock()
}

// unsetPending is called when the backend refused the submission.
func (cb *CommandBuffer) unsetPending() {
	cb.mu.Lock()
	if cb.state == StatePending {
		cb.state = StateExecutable
	}
	cb.mu.Unlock()
}

// retire is called when the submission holding cb completed.
func (cb *CommandBuffer) retire() {
	cb.mu.Lock()
	if cb.state == StatePending {
		cb.state = StateInitial
	}
	cb.mu.Unlock()
}

// checkRecording faults unless the buffer is Recording. cb.mu must be held.
func (cb *CommandBuffer) checkRecording(op string) {
	if cb.state != StateRecording {
		fault(op, "command buffer %q is %s, want %s", cb.Label(), cb.state, StateRecording)
	}
}

// record runs fn with the encoder after the state checks.
func (cb *CommandBuffer) record(op string, fn func(enc gpucore.CommandEncoder)) {
	cb.Get()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.checkRecording(op)
	fn(cb.enc)
}

// BeginRenderPass starts an instance of pass on fb. Nesting panics with a
// *Fault.
func (cb *CommandBuffer) BeginRenderPass(pass *RenderPass, fb Framebuffer) {
	const op = "CommandBuffer.BeginRenderPass"
	cb.record(op, func(enc gpucore.CommandEncoder) {
		if cb.pass != nil {
			fault(op, "render pass %q is already open", cb.pass.Label())
		}
		if len(fb.Colors) != len(pass.desc.Colors) {
			fault(op, "render pass %q has %d color attachments, framebuffer has %d",
				pass.Label(), len(pass.desc.Colors), len(fb.Colors))
		}
		begin := &gpucore.RenderPassBegin{
			RenderPass: pass.Get(),
			Area:       fb.Area,
			Clear:      fb.Clear,
			ClearDepth: fb.ClearDepth,
		}
		for i, img := range fb.Colors {
			if img.desc.Format != pass.desc.Colors[i].Format {
				fault(op, "color %d: image %q is %v, render pass %q expects %v",
					i, img.Label(), img.desc.Format, pass.Label(), pass.desc.Colors[i].Format)
			}
			begin.Colors = append(begin.Colors, img.Get())
		}
		if fb.Depth != nil {
			begin.Depth = fb.Depth.Get()
		}
		if begin.Area == (gpucore.Rect{}) && len(fb.Colors) > 0 {
			begin.Area = gpucore.Rect{Width: fb.Colors[0].desc.Width, Height: fb.Colors[0].desc.Height}
		}
		enc.BeginRenderPass(begin)
		cb.pass = pass
		cb.pipeline = nil
	})
}

// EndRenderPass ends the open render pass.
func (cb *CommandBuffer) EndRenderPass() {
	const op = "CommandBuffer.EndRenderPass"
	cb.record(op, func(enc gpucore.CommandEncoder) {
		if cb.pass == nil {
			fault(op, "no render pass is open")
		}
		enc.EndRenderPass()
		cb.pass = nil
		cb.pipeline = nil
	})
}

// BindPipeline binds p for the following draws. p must have been built
// for the open render pass.
func (cb *CommandBuffer) BindPipeline(p *Pipeline) {
	const op = "CommandBuffer.BindPipeline"
	cb.record(op, func(enc gpucore.CommandEncoder) {
		if cb.pass == nil {
			fault(op, "no render pass is open")
		}
		if p.pass != cb.pass {
			fault(op, "pipeline %q was built for render pass %q, open pass is %q",
				p.Label(), p.pass.Label(), cb.pass.Label())
		}
		enc.BindPipeline(p.Get())
		cb.pipeline = p
	})
}

// BindVertexBuffer binds buf to a vertex buffer slot.
func (cb *CommandBuffer) BindVertexBuffer(slot uint32, buf *Buffer, offset uint64) {
	cb.record("CommandBuffer.BindVertexBuffer", func(enc gpucore.CommandEncoder) {
		enc.BindVertexBuffer(slot, buf.Get(), offset)
	})
}

// BindIndexBuffer binds buf as the index buffer.
func (cb *CommandBuffer) BindIndexBuffer(buf *Buffer, offset uint64, format gpucore.IndexFormat) {
	cb.record("CommandBuffer.BindIndexBuffer", func(enc gpucore.CommandEncoder) {
		enc.BindIndexBuffer(buf.Get(), offset, format)
	})
}

// BindDescriptorSet binds set at index of the bound pipeline layout. The
// set must have been allocated with the layout the pipeline declares at
// index.
func (cb *CommandBuffer) BindDescriptorSet(index uint32, set *DescriptorSet) {
	const op = "CommandBuffer.BindDescriptorSet"
	cb.record(op, func(enc gpucore.CommandEncoder) {
		p := cb.pipeline
		if p == nil {
			fault(op, "no pipeline is bound")
		}
		if int(index) >= len(p.setLayouts) || p.setLayouts[index] != set.layout {
			fault(op, "descriptor set %q does not match layout %d of pipeline %q", set.Label(), index, p.Label())
		}
		enc.BindDescriptorSet(p.layout, index, set.Get())
	})
}

// PushConstants updates push constants. The range must lie inside a block
// the bound pipeline declares for all of stages.
func (cb *CommandBuffer) PushConstants(stages gpucore.ShaderStage, offset uint32, data []byte) {
	const op = "CommandBuffer.PushConstants"
	cb.record(op, func(enc gpucore.CommandEncoder) {
		p := cb.pipeline
		if p == nil {
			fault(op, "no pipeline is bound")
		}
		end := uint64(offset) + uint64(len(data))
		ok := false
		for _, r := range p.pushConstants {
			if r.Stages&stages == stages && offset >= r.Offset && end <= uint64(r.Offset)+uint64(r.Size) {
				ok = true
				break
			}
		}
		if !ok {
			fault(op, "range [%d, %d) for stages %b is not declared by pipeline %q", offset, end, stages, p.Label())
		}
		enc.PushConstants(p.layout, stages, offset, data)
	})
}

// SetViewport sets the viewport.
func (cb *CommandBuffer) SetViewport(v gpucore.Viewport) {
	cb.record("CommandBuffer.SetViewport", func(enc gpucore.CommandEncoder) {
		enc.SetViewport(v)
	})
}

// SetScissor sets the scissor rectangle.
func (cb *CommandBuffer) SetScissor(r gpucore.Rect) {
	cb.record("CommandBuffer.SetScissor", func(enc gpucore.CommandEncoder) {
		enc.SetScissor(r)
	})
}

func (cb *CommandBuffer) checkDraw(op string) {
	if cb.pass == nil {
		fault(op, "no render pass is open")
	}
	if cb.pipeline == nil {
		fault(op, "no pipeline is bound")
	}
}

// Draw draws non-indexed primitives.
func (cb *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	const op = "CommandBuffer.Draw"
	cb.record(op, func(enc gpucore.CommandEncoder) {
		cb.checkDraw(op)
		enc.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
	})
}

// DrawIndexed draws indexed primitives.
func (cb *CommandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	const op = "CommandBuffer.DrawIndexed"
	cb.record(op, func(enc gpucore.CommandEncoder) {
		cb.checkDraw(op)
		enc.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
	})
}

func (cb *CommandBuffer) checkTransfer(op string) {
	if cb.pass != nil {
		fault(op, "render pass %q is open", cb.pass.Label())
	}
}

// CopyBuffer copies regions from src to dst.
func (cb *CommandBuffer) CopyBuffer(src, dst *Buffer, regions ...gpucore.BufferCopy) {
	const op = "CommandBuffer.CopyBuffer"
	cb.record(op, func(enc gpucore.CommandEncoder) {
		cb.checkTransfer(op)
		for _, r := range regions {
			if !within(r.SrcOffset, r.Size, src.desc.Size) || !within(r.DstOffset, r.Size, dst.desc.Size) {
				fault(op, "region %+v out of bounds (%q is %d bytes, %q is %d bytes)",
					r, src.Label(), src.desc.Size, dst.Label(), dst.desc.Size)
			}
			if src == dst && r.SrcOffset < r.DstOffset+r.Size && r.DstOffset < r.SrcOffset+r.Size {
				fault(op, "region %+v overlaps itself", r)
			}
		}
		enc.CopyBuffer(src.Get(), dst.Get(), regions)
	})
}

// CopyBufferToImage copies a region of src into dst.
func (cb *CommandBuffer) CopyBufferToImage(src *Buffer, dst *Image, region gpucore.BufferImageCopy) {
	const op = "CommandBuffer.CopyBufferToImage"
	cb.record(op, func(enc gpucore.CommandEncoder) {
		cb.checkTransfer(op)
		dst.checkRegion(op, region)
		enc.CopyBufferToImage(src.Get(), dst.Get(), region)
	})
}

// CopyImageToBuffer copies a region of src into dst.
func (cb *CommandBuffer) CopyImageToBuffer(src *Image, dst *Buffer, region gpucore.BufferImageCopy) {
	const op = "CommandBuffer.CopyImageToBuffer"
	cb.record(op, func(enc gpucore.CommandEncoder) {
		cb.checkTransfer(op)
		src.checkRegion(op, region)
		enc.CopyImageToBuffer(src.Get(), dst.Get(), region)
	})
}

// Barrier records a pipeline barrier.
func (cb *CommandBuffer) Barrier(b Barrier) {
	const op = "CommandBuffer.Barrier"
	cb.record(op, func(enc gpucore.CommandEncoder) {
		cb.checkTransfer(op)
		raw := &gpucore.Barrier{
			SrcStage:  b.SrcStage,
			DstStage:  b.DstStage,
			SrcAccess: b.SrcAccess,
			DstAccess: b.DstAccess,
		}
		for _, bb := range b.Buffers {
			raw.Buffers = append(raw.Buffers, gpucore.BufferBarrier{Buffer: bb.Buffer.Get(), Offset: bb.Offset, Size: bb.Size})
		}
		for _, ib := range b.Images {
			raw.Images = append(raw.Images, gpucore.ImageBarrier{Image: ib.Image.Get(), OldLayout: ib.OldLayout, NewLayout: ib.NewLayout})
		}
		enc.PipelineBarrier(raw)
	})
}
