package soft

import (
	"errors"
	"fmt"

	"github.com/gogpu/gal/gpucore"
)

type cbState uint8

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
)

type commandPool struct {
	desc    gpucore.CommandPoolDesc
	caps    gpucore.QueueCaps
	buffers map[gpucore.CommandBufferID]struct{}
}

type commandBuffer struct {
	pool  gpucore.CommandPoolID
	state cbState
	ops   []op
}

// op is one recorded command. It runs on a queue worker with d.mu held.
type op func(d *Device)

// Command buffer errors.
var (
	errNotInitial   = errors.New("soft: command buffer is not in the initial state")
	errNoIndividual = errors.New("soft: command pool does not allow individual reset")
)

// CreateCommandPool creates a pool bound to one queue family.
func (d *Device) CreateCommandPool(desc *gpucore.CommandPoolDesc) (gpucore.CommandPoolID, error) {
	fam, ok := d.adapter.family(desc.Family)
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("soft: command pool %q: queue family %d does not exist", desc.Label, desc.Family)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.CommandPoolID(d.newID())
	d.pools[id] = &commandPool{
		desc:    *desc,
		caps:    fam.Caps,
		buffers: make(map[gpucore.CommandBufferID]struct{}),
	}
	return id, nil
}

// DestroyCommandPool frees a pool and every buffer allocated from it.
func (d *Device) DestroyCommandPool(id gpucore.CommandPoolID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[id]
	if !ok {
		return
	}
	for cb := range p.buffers {
		delete(d.cmdBuffers, cb)
	}
	delete(d.pools, id)
}

// ResetCommandPool returns every buffer of the pool to the initial state.
func (d *Device) ResetCommandPool(id gpucore.CommandPoolID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[id]
	if !ok {
		return fmt.Errorf("soft: command pool %d: %w", id, gpucore.ErrUnknownHandle)
	}
	for cbID := range p.buffers {
		cb := d.cmdBuffers[cbID]
		cb.state = cbInitial
		cb.ops = nil
	}
	return nil
}

// AllocateCommandBuffer allocates a buffer in the initial state.
func (d *Device) AllocateCommandBuffer(pool gpucore.CommandPoolID) (gpucore.CommandBufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[pool]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("soft: command pool %d: %w", pool, gpucore.ErrUnknownHandle)
	}
	id := gpucore.CommandBufferID(d.newID())
	d.cmdBuffers[id] = &commandBuffer{pool: pool}
	p.buffers[id] = struct{}{}
	return id, nil
}

// FreeCommandBuffer returns a buffer to its pool.
func (d *Device) FreeCommandBuffer(pool gpucore.CommandPoolID, id gpucore.CommandBufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pools[pool]; ok {
		delete(p.buffers, id)
	}
	delete(d.cmdBuffers, id)
}

// ResetCommandBuffer returns one buffer to the initial state.
func (d *Device) ResetCommandBuffer(id gpucore.CommandBufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.cmdBuffers[id]
	if !ok {
		return fmt.Errorf("soft: command buffer %d: %w", id, gpucore.ErrUnknownHandle)
	}
	if d.pools[cb.pool].desc.Flags&gpucore.PoolResetIndividual == 0 {
		return errNoIndividual
	}
	cb.state = cbInitial
	cb.ops = nil
	return nil
}

// BeginCommandBuffer starts recording into a buffer in the initial state.
func (d *Device) BeginCommandBuffer(id gpucore.CommandBufferID) (gpucore.CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.cmdBuffers[id]
	if !ok {
		return nil, fmt.Errorf("soft: command buffer %d: %w", id, gpucore.ErrUnknownHandle)
	}
	if cb.state != cbInitial {
		return nil, errNotInitial
	}
	cb.state = cbRecording
	return &encoder{
		device: d,
		id:     id,
		cb:     cb,
		caps:   d.pools[cb.pool].caps,
	}, nil
}

// encoder validates commands against the device tables at record time
// and appends them to the buffer. The first error is reported by End.
type encoder struct {
	device *Device
	id     gpucore.CommandBufferID
	cb     *commandBuffer
	caps   gpucore.QueueCaps

	err      error
	pass     *gpucore.RenderPassBegin
	pipeline *gpucore.RenderPipelineDesc
	ended    bool
}

func (e *encoder) fail(format string, args ...any) {
	if e.err == nil {
		e.err = fmt.Errorf("soft: command buffer %d: "+format, append([]any{e.id}, args...)...)
	}
}

func (e *encoder) record(o op) {
	e.cb.ops = append(e.cb.ops, o)
}

func (e *encoder) BeginRenderPass(begin *gpucore.RenderPassBegin) {
	if !e.caps.Has(gpucore.QueueGraphics) {
		e.fail("render pass on a queue family without graphics")
		return
	}
	if e.pass != nil {
		e.fail("nested render pass")
		return
	}

	d := e.device
	d.mu.Lock()
	desc, ok := d.passes[begin.RenderPass]
	var imgs []*image
	if ok {
		for _, id := range begin.Colors {
			imgs = append(imgs, d.images[id])
		}
	}
	d.mu.Unlock()

	if !ok {
		e.fail("render pass %d: %v", begin.RenderPass, gpucore.ErrUnknownHandle)
		return
	}
	if len(begin.Colors) != len(desc.Colors) {
		e.fail("render pass %q expects %d color images, got %d", desc.Label, len(desc.Colors), len(begin.Colors))
		return
	}
	for i, img := range imgs {
		if img == nil {
			e.fail("render pass %q color %d: %v", desc.Label, i, gpucore.ErrUnknownHandle)
			return
		}
		if img.desc.Format != desc.Colors[i].Format {
			e.fail("render pass %q color %d: image format %v, pass format %v",
				desc.Label, i, img.desc.Format, desc.Colors[i].Format)
			return
		}
	}

	cp := *begin
	cp.Colors = append([]gpucore.ImageID(nil), begin.Colors...)
	cp.Clear = append(cp.Clear[:0:0], begin.Clear...)
	e.pass = &cp
	e.pipeline = nil

	attachments := append([]gpucore.ColorAttachmentDesc(nil), desc.Colors...)
	e.record(func(d *Device) { d.beginPass(&cp, attachments) })
}

func (e *encoder) EndRenderPass() {
	if e.pass == nil {
		e.fail("end render pass without begin")
		return
	}
	begin := e.pass
	e.pass = nil
	e.pipeline = nil

	d := e.device
	d.mu.Lock()
	desc := d.passes[begin.RenderPass]
	d.mu.Unlock()
	if desc == nil {
		return
	}
	attachments := append([]gpucore.ColorAttachmentDesc(nil), desc.Colors...)
	e.record(func(d *Device) { d.endPass(begin, attachments) })
}

func (e *encoder) BindPipeline(pipeline gpucore.PipelineID) {
	d := e.device
	d.mu.Lock()
	p, ok := d.pipelines[pipeline]
	d.mu.Unlock()
	if !ok {
		e.fail("pipeline %d: %v", pipeline, gpucore.ErrUnknownHandle)
		return
	}
	if e.pass == nil {
		e.fail("bind pipeline outside a render pass")
		return
	}
	if p.RenderPass != e.pass.RenderPass {
		e.fail("pipeline %q built for render pass %d, bound in %d", p.Label, p.RenderPass, e.pass.RenderPass)
		return
	}
	e.pipeline = p
}

func (e *encoder) BindVertexBuffer(slot uint32, buf gpucore.BufferID, offset uint64) {
	if !e.knownBuffer(buf) {
		e.fail("vertex buffer %d: %v", buf, gpucore.ErrUnknownHandle)
	}
}

func (e *encoder) BindIndexBuffer(buf gpucore.BufferID, offset uint64, format gpucore.IndexFormat) {
	if !e.knownBuffer(buf) {
		e.fail("index buffer %d: %v", buf, gpucore.ErrUnknownHandle)
	}
}

func (e *encoder) BindDescriptorSet(layout gpucore.PipelineLayoutID, index uint32, set gpucore.DescriptorSetID) {
	d := e.device
	d.mu.Lock()
	l, lok := d.layouts[layout]
	s, sok := d.sets[set]
	d.mu.Unlock()
	if !lok || !sok {
		e.fail("descriptor set %d / layout %d: %v", set, layout, gpucore.ErrUnknownHandle)
		return
	}
	if int(index) >= len(l.SetLayouts) {
		e.fail("descriptor set index %d out of range (layout has %d)", index, len(l.SetLayouts))
		return
	}
	if l.SetLayouts[index] != s.Layout {
		e.fail("descriptor set %q has an incompatible layout for index %d", s.Label, index)
	}
}

func (e *encoder) PushConstants(layout gpucore.PipelineLayoutID, stages gpucore.ShaderStage, offset uint32, data []byte) {
	d := e.device
	d.mu.Lock()
	l, ok := d.layouts[layout]
	d.mu.Unlock()
	if !ok {
		e.fail("pipeline layout %d: %v", layout, gpucore.ErrUnknownHandle)
		return
	}
	end := uint64(offset) + uint64(len(data))
	for _, r := range l.PushConstants {
		if r.Stages&stages == stages && offset >= r.Offset && end <= uint64(r.Offset)+uint64(r.Size) {
			return
		}
	}
	e.fail("push constants [%d, %d) for stages %b not declared in layout %q", offset, end, stages, l.Label)
}

func (e *encoder) SetViewport(gpucore.Viewport) {}

func (e *encoder) SetScissor(gpucore.Rect) {}

func (e *encoder) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if e.pass == nil || e.pipeline == nil {
		e.fail("draw without a render pass and pipeline")
		return
	}
	e.record(func(d *Device) { d.stats.Draws++ })
}

func (e *encoder) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	e.Draw(indexCount, instanceCount, firstIndex, firstInstance)
}

func (e *encoder) CopyBuffer(src, dst gpucore.BufferID, regions []gpucore.BufferCopy) {
	if e.pass != nil {
		e.fail("copy inside a render pass")
		return
	}
	d := e.device
	d.mu.Lock()
	sb, sok := d.buffers[src]
	db, dok := d.buffers[dst]
	d.mu.Unlock()
	if !sok || !dok {
		e.fail("copy %d -> %d: %v", src, dst, gpucore.ErrUnknownHandle)
		return
	}
	for _, r := range regions {
		if !within(r.SrcOffset, r.Size, sb.desc.Size) || !within(r.DstOffset, r.Size, db.desc.Size) {
			e.fail("copy region %+v out of bounds", r)
			return
		}
		if src == dst && r.SrcOffset < r.DstOffset+r.Size && r.DstOffset < r.SrcOffset+r.Size {
			e.fail("copy region %+v overlaps itself", r)
			return
		}
	}
	regions = append([]gpucore.BufferCopy(nil), regions...)
	e.record(func(d *Device) { d.copyBuffer(src, dst, regions) })
}

func (e *encoder) CopyBufferToImage(src gpucore.BufferID, dst gpucore.ImageID, region gpucore.BufferImageCopy) {
	if e.checkImageCopy(src, dst, region) {
		e.record(func(d *Device) { d.copyBufferImage(src, dst, region, true) })
	}
}

func (e *encoder) CopyImageToBuffer(src gpucore.ImageID, dst gpucore.BufferID, region gpucore.BufferImageCopy) {
	if e.checkImageCopy(dst, src, region) {
		e.record(func(d *Device) { d.copyBufferImage(dst, src, region, false) })
	}
}

func (e *encoder) checkImageCopy(bufID gpucore.BufferID, imgID gpucore.ImageID, r gpucore.BufferImageCopy) bool {
	if e.pass != nil {
		e.fail("copy inside a render pass")
		return false
	}
	d := e.device
	d.mu.Lock()
	b, bok := d.buffers[bufID]
	img, iok := d.images[imgID]
	d.mu.Unlock()
	if !bok || !iok {
		e.fail("copy buffer %d / image %d: %v", bufID, imgID, gpucore.ErrUnknownHandle)
		return false
	}
	if !within(uint64(r.X), uint64(r.Width), uint64(img.desc.Width)) ||
		!within(uint64(r.Y), uint64(r.Height), uint64(img.desc.Height)) {
		e.fail("copy region %+v outside image %q", r, img.desc.Label)
		return false
	}
	span := uint64(rowPitch(r, img.bpp))*uint64(r.Height-1) + uint64(r.Width)*uint64(img.bpp)
	if r.Height > 0 && !within(r.BufferOffset, span, b.desc.Size) {
		e.fail("copy region %+v outside buffer %q", r, b.desc.Label)
		return false
	}
	return true
}

func (e *encoder) PipelineBarrier(b *gpucore.Barrier) {
	if e.pass != nil {
		e.fail("barrier inside a render pass")
		return
	}
	images := append([]gpucore.ImageBarrier(nil), b.Images...)
	if len(images) == 0 {
		return
	}
	e.record(func(d *Device) {
		for _, ib := range images {
			if img, ok := d.images[ib.Image]; ok {
				if ib.OldLayout != gpucore.LayoutUndefined && ib.OldLayout != img.layout {
					slogger().Warn("soft: barrier old layout mismatch",
						"image", img.desc.Label, "have", img.layout, "barrier", ib.OldLayout)
				}
				img.layout = ib.NewLayout
			}
		}
	})
}

func (e *encoder) End() error {
	if e.ended {
		return errors.New("soft: encoder already ended")
	}
	e.ended = true
	if e.pass != nil {
		e.fail("end with an open render pass")
	}

	d := e.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if e.err != nil {
		e.cb.state = cbInitial
		e.cb.ops = nil
		return e.err
	}
	e.cb.state = cbExecutable
	return nil
}

func (e *encoder) knownBuffer(id gpucore.BufferID) bool {
	d := e.device
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.buffers[id]
	return ok
}
