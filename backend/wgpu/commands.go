package wgpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gal/gpucore"
)

// Encoder errors. They surface from CommandEncoder.End.
var (
	// ErrSetNotReady is recorded when a descriptor set is bound before
	// every binding of its layout was written.
	ErrSetNotReady = errors.New("wgpu: descriptor set is incomplete")

	// ErrNoRenderPass is recorded when a draw-time command is issued
	// outside a render pass.
	ErrNoRenderPass = errors.New("wgpu: command requires an active render pass")
)

// commandPool groups command buffers of one family. The HAL has no
// pools; resetting the pool resets each buffer.
type commandPool struct {
	desc    gpucore.CommandPoolDesc
	buffers map[gpucore.CommandBufferID]struct{}
}

// commandBuffer owns one HAL encoder and the command buffer it produced.
type commandBuffer struct {
	pool      gpucore.CommandPoolID
	label     string
	enc       hal.CommandEncoder
	recording bool
	done      hal.CommandBuffer
}

// === Command pools ===

// CreateCommandPool creates a command pool.
func (d *Device) CreateCommandPool(desc *gpucore.CommandPoolDesc) (gpucore.CommandPoolID, error) {
	if desc.Family != FamilyID {
		return 0, fmt.Errorf("wgpu: command pool %q: queue family %d does not exist", desc.Label, desc.Family)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.CommandPoolID(d.newID())
	d.pools[id] = &commandPool{desc: *desc, buffers: make(map[gpucore.CommandBufferID]struct{})}
	return id, nil
}

// DestroyCommandPool destroys a pool and frees its buffers.
func (d *Device) DestroyCommandPool(id gpucore.CommandPoolID) {
	d.mu.Lock()
	p, ok := d.pools[id]
	delete(d.pools, id)
	var freed []*commandBuffer
	if ok {
		for cid := range p.buffers {
			freed = append(freed, d.cmdBuffers[cid])
			delete(d.cmdBuffers, cid)
		}
	}
	d.mu.Unlock()
	for _, cb := range freed {
		d.release(cb)
	}
}

// ResetCommandPool returns every buffer of the pool to the initial state.
func (d *Device) ResetCommandPool(id gpucore.CommandPoolID) error {
	d.mu.Lock()
	p, err := lookup(d.pools, id)
	var cbs []*commandBuffer
	if err == nil {
		for cid := range p.buffers {
			cbs = append(cbs, d.cmdBuffers[cid])
		}
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	for _, cb := range cbs {
		d.reset(cb)
	}
	return nil
}

// AllocateCommandBuffer creates a HAL command encoder for a new buffer.
func (d *Device) AllocateCommandBuffer(pool gpucore.CommandPoolID) (gpucore.CommandBufferID, error) {
	d.mu.Lock()
	p, err := lookup(d.pools, pool)
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	enc, err := d.raw.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: p.desc.Label})
	if err != nil {
		return 0, fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.CommandBufferID(d.newID())
	p.buffers[id] = struct{}{}
	d.cmdBuffers[id] = &commandBuffer{pool: pool, label: fmt.Sprintf("%s#%d", p.desc.Label, id), enc: enc}
	return id, nil
}

// FreeCommandBuffer frees one buffer of a pool.
func (d *Device) FreeCommandBuffer(pool gpucore.CommandPoolID, id gpucore.CommandBufferID) {
	d.mu.Lock()
	cb, ok := d.cmdBuffers[id]
	if ok && cb.pool == pool {
		delete(d.cmdBuffers, id)
		if p, ok := d.pools[pool]; ok {
			delete(p.buffers, id)
		}
	}
	d.mu.Unlock()
	if ok && cb.pool == pool {
		d.release(cb)
	}
}

// ResetCommandBuffer returns one buffer to the initial state.
func (d *Device) ResetCommandBuffer(id gpucore.CommandBufferID) error {
	d.mu.Lock()
	cb, err := lookup(d.cmdBuffers, id)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.reset(cb)
	return nil
}

// reset discards a recording in progress and frees the recorded buffer.
func (d *Device) reset(cb *commandBuffer) {
	if cb.recording {
		cb.enc.DiscardEncoding()
		cb.recording = false
	}
	if cb.done != nil {
		d.raw.FreeCommandBuffer(cb.done)
		cb.done = nil
	}
}

func (d *Device) release(cb *commandBuffer) {
	d.reset(cb)
	cb.enc.Destroy()
}

// BeginCommandBuffer starts a new recording. A previous recording is
// implicitly reset.
func (d *Device) BeginCommandBuffer(id gpucore.CommandBufferID) (gpucore.CommandEncoder, error) {
	d.mu.Lock()
	cb, err := lookup(d.cmdBuffers, id)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.reset(cb)
	if err := cb.enc.BeginEncoding(cb.label); err != nil {
		return nil, fmt.Errorf("wgpu: begin %s: %w", cb.label, err)
	}
	cb.recording = true
	return &encoder{dev: d, cb: cb}, nil
}

// encoder translates gpucore commands to HAL encoder calls. Lookup
// failures are recorded and reported by End.
type encoder struct {
	dev  *Device
	cb   *commandBuffer
	pass hal.RenderPassEncoder
	err  error
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// BeginRenderPass starts a HAL render pass on the image views.
func (e *encoder) BeginRenderPass(b *gpucore.RenderPassBegin) {
	d := e.dev
	d.mu.Lock()
	rp, err := e.renderPassLocked(b)
	d.mu.Unlock()
	if err != nil {
		e.fail(err)
		return
	}
	e.pass = e.cb.enc.BeginRenderPass(rp)
	if a := b.Area; a.Width > 0 && a.Height > 0 {
		e.pass.SetScissorRect(uint32(max(a.X, 0)), uint32(max(a.Y, 0)), a.Width, a.Height)
	}
}

func (e *encoder) renderPassLocked(b *gpucore.RenderPassBegin) (*hal.RenderPassDescriptor, error) {
	d := e.dev
	pass, err := lookup(d.passes, b.RenderPass)
	if err != nil {
		return nil, err
	}
	if len(b.Colors) != len(pass.Colors) {
		return nil, fmt.Errorf("wgpu: render pass %q has %d color attachments, %d images given",
			pass.Label, len(pass.Colors), len(b.Colors))
	}
	rp := &hal.RenderPassDescriptor{Label: pass.Label}
	for i, id := range b.Colors {
		img, err := lookup(d.images, id)
		if err != nil {
			return nil, err
		}
		a := hal.RenderPassColorAttachment{View: img.view, LoadOp: pass.Colors[i].LoadOp, StoreOp: pass.Colors[i].StoreOp}
		if i < len(b.Clear) {
			a.ClearValue = b.Clear[i]
		}
		rp.ColorAttachments = append(rp.ColorAttachments, a)
	}
	if pass.Depth != nil {
		img, err := lookup(d.images, b.Depth)
		if err != nil {
			return nil, err
		}
		rp.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:            img.view,
			DepthLoadOp:     pass.Depth.LoadOp,
			DepthStoreOp:    pass.Depth.StoreOp,
			DepthClearValue: b.ClearDepth,
		}
	}
	return rp, nil
}

// EndRenderPass ends the HAL render pass.
func (e *encoder) EndRenderPass() {
	if e.pass != nil {
		e.pass.End()
		e.pass = nil
	}
}

// renderPass returns the active pass or records ErrNoRenderPass.
func (e *encoder) renderPass(op string) hal.RenderPassEncoder {
	if e.pass == nil {
		e.fail(fmt.Errorf("%w: %s", ErrNoRenderPass, op))
	}
	return e.pass
}

// BindPipeline sets the render pipeline.
func (e *encoder) BindPipeline(id gpucore.PipelineID) {
	e.dev.mu.Lock()
	p, err := lookup(e.dev.pipelines, id)
	e.dev.mu.Unlock()
	if err != nil {
		e.fail(err)
		return
	}
	if rp := e.renderPass("bind pipeline"); rp != nil {
		rp.SetPipeline(p)
	}
}

// BindVertexBuffer binds a vertex buffer to a slot.
func (e *encoder) BindVertexBuffer(slot uint32, id gpucore.BufferID, offset uint64) {
	e.dev.mu.Lock()
	b, err := lookup(e.dev.buffers, id)
	e.dev.mu.Unlock()
	if err != nil {
		e.fail(err)
		return
	}
	if rp := e.renderPass("bind vertex buffer"); rp != nil {
		rp.SetVertexBuffer(slot, b.raw, offset)
	}
}

// BindIndexBuffer binds the index buffer.
func (e *encoder) BindIndexBuffer(id gpucore.BufferID, offset uint64, format gpucore.IndexFormat) {
	e.dev.mu.Lock()
	b, err := lookup(e.dev.buffers, id)
	e.dev.mu.Unlock()
	if err != nil {
		e.fail(err)
		return
	}
	f := gputypes.IndexFormatUint16
	if format == gpucore.IndexUint32 {
		f = gputypes.IndexFormatUint32
	}
	if rp := e.renderPass("bind index buffer"); rp != nil {
		rp.SetIndexBuffer(b.raw, f, offset)
	}
}

// BindDescriptorSet binds the bind group of a complete descriptor set.
func (e *encoder) BindDescriptorSet(_ gpucore.PipelineLayoutID, index uint32, id gpucore.DescriptorSetID) {
	e.dev.mu.Lock()
	set, err := lookup(e.dev.sets, id)
	var group hal.BindGroup
	if err == nil {
		group = set.raw
	}
	e.dev.mu.Unlock()
	if err != nil {
		e.fail(err)
		return
	}
	if group == nil {
		e.fail(fmt.Errorf("%w: %q", ErrSetNotReady, set.label))
		return
	}
	if rp := e.renderPass("bind descriptor set"); rp != nil {
		rp.SetBindGroup(index, group, nil)
	}
}

// PushConstants is not supported; layouts with push constants cannot
// be created.
func (e *encoder) PushConstants(gpucore.PipelineLayoutID, gpucore.ShaderStage, uint32, []byte) {
	e.fail(fmt.Errorf("wgpu: push constants: %w", gpucore.ErrUnsupported))
}

// SetViewport sets the viewport.
func (e *encoder) SetViewport(vp gpucore.Viewport) {
	if rp := e.renderPass("set viewport"); rp != nil {
		rp.SetViewport(vp.X, vp.Y, vp.Width, vp.Height, vp.MinDepth, vp.MaxDepth)
	}
}

// SetScissor sets the scissor rectangle.
func (e *encoder) SetScissor(r gpucore.Rect) {
	if rp := e.renderPass("set scissor"); rp != nil {
		rp.SetScissorRect(uint32(max(r.X, 0)), uint32(max(r.Y, 0)), r.Width, r.Height)
	}
}

// Draw records a non-indexed draw.
func (e *encoder) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if rp := e.renderPass("draw"); rp != nil {
		rp.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
	}
}

// DrawIndexed records an indexed draw.
func (e *encoder) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	if rp := e.renderPass("draw indexed"); rp != nil {
		rp.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
	}
}

// CopyBuffer records buffer-to-buffer copies.
func (e *encoder) CopyBuffer(src, dst gpucore.BufferID, regions []gpucore.BufferCopy) {
	e.dev.mu.Lock()
	s, err1 := lookup(e.dev.buffers, src)
	t, err2 := lookup(e.dev.buffers, dst)
	e.dev.mu.Unlock()
	if err := errors.Join(err1, err2); err != nil {
		e.fail(err)
		return
	}
	hc := make([]hal.BufferCopy, len(regions))
	for i, r := range regions {
		hc[i] = hal.BufferCopy{SrcOffset: r.SrcOffset, DstOffset: r.DstOffset, Size: r.Size}
	}
	e.cb.enc.CopyBufferToBuffer(s.raw, t.raw, hc)
}

// CopyBufferToImage records a buffer-to-image copy.
func (e *encoder) CopyBufferToImage(src gpucore.BufferID, dst gpucore.ImageID, r gpucore.BufferImageCopy) {
	e.dev.mu.Lock()
	b, err1 := lookup(e.dev.buffers, src)
	img, err2 := lookup(e.dev.images, dst)
	e.dev.mu.Unlock()
	if err := errors.Join(err1, err2); err != nil {
		e.fail(err)
		return
	}
	e.cb.enc.CopyBufferToTexture(b.raw, img.raw, []hal.BufferTextureCopy{textureCopy(img, r)})
}

// CopyImageToBuffer records an image-to-buffer copy.
func (e *encoder) CopyImageToBuffer(src gpucore.ImageID, dst gpucore.BufferID, r gpucore.BufferImageCopy) {
	e.dev.mu.Lock()
	img, err1 := lookup(e.dev.images, src)
	b, err2 := lookup(e.dev.buffers, dst)
	e.dev.mu.Unlock()
	if err := errors.Join(err1, err2); err != nil {
		e.fail(err)
		return
	}
	e.cb.enc.CopyTextureToBuffer(img.raw, b.raw, []hal.BufferTextureCopy{textureCopy(img, r)})
}

func textureCopy(img *image, r gpucore.BufferImageCopy) hal.BufferTextureCopy {
	bpr := r.BytesPerRow
	if bpr == 0 {
		bpr = r.Width * texelSize(img.desc.Format)
	}
	return hal.BufferTextureCopy{
		BufferLayout: hal.ImageDataLayout{Offset: r.BufferOffset, BytesPerRow: bpr, RowsPerImage: r.Height},
		TextureBase: hal.ImageCopyTexture{
			Texture: img.raw,
			Origin:  hal.Origin3D{X: r.X, Y: r.Y},
			Aspect:  gputypes.TextureAspectAll,
		},
		Size: hal.Extent3D{Width: r.Width, Height: r.Height, DepthOrArrayLayers: 1},
	}
}

// PipelineBarrier translates image layout transitions to texture usage
// transitions. Buffer barriers are implied by the HAL usage tracking.
func (e *encoder) PipelineBarrier(b *gpucore.Barrier) {
	if len(b.Images) == 0 {
		return
	}
	e.dev.mu.Lock()
	barriers := make([]hal.TextureBarrier, 0, len(b.Images))
	var err error
	for _, ib := range b.Images {
		var img *image
		if img, err = lookup(e.dev.images, ib.Image); err != nil {
			break
		}
		barriers = append(barriers, hal.TextureBarrier{
			Texture: img.raw,
			Range: hal.TextureRange{
				Aspect:          gputypes.TextureAspectAll,
				MipLevelCount:   max(img.desc.MipLevels, 1),
				ArrayLayerCount: 1,
			},
			Usage: hal.TextureUsageTransition{OldUsage: layoutUsage(ib.OldLayout), NewUsage: layoutUsage(ib.NewLayout)},
		})
	}
	e.dev.mu.Unlock()
	if err != nil {
		e.fail(err)
		return
	}
	e.cb.enc.TransitionTextures(barriers)
}

// End finishes the HAL encoding. A recorded failure discards it.
func (e *encoder) End() error {
	e.EndRenderPass()
	cb := e.cb
	cb.recording = false
	if e.err != nil {
		cb.enc.DiscardEncoding()
		return e.err
	}
	done, err := cb.enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end %s: %w", cb.label, err)
	}
	cb.done = done
	return nil
}

func layoutUsage(l gpucore.ImageLayout) gputypes.TextureUsage {
	switch l {
	case gpucore.LayoutGeneral:
		return gputypes.TextureUsageStorageBinding
	case gpucore.LayoutColorAttachment, gpucore.LayoutDepthAttachment, gpucore.LayoutPresent:
		return gputypes.TextureUsageRenderAttachment
	case gpucore.LayoutShaderReadOnly:
		return gputypes.TextureUsageTextureBinding
	case gpucore.LayoutTransferSrc:
		return gputypes.TextureUsageCopySrc
	case gpucore.LayoutTransferDst:
		return gputypes.TextureUsageCopyDst
	}
	return gputypes.TextureUsageNone
}

// texelSize returns the size in bytes of one texel of the color and
// depth formats gal creates.
func texelSize(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRG8Unorm, gputypes.TextureFormatR16Float:
		return 2
	case gputypes.TextureFormatRGBA16Float, gputypes.TextureFormatRG32Float:
		return 8
	case gputypes.TextureFormatRGBA32Float:
		return 16
	}
	return 4
}
