//go:build vulkan

package vulkan

import (
	"errors"
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/gal/gpucore"
)

// ErrNoRenderPass is recorded when a draw-time command is issued outside
// a render pass. It surfaces from CommandEncoder.End.
var ErrNoRenderPass = errors.New("vulkan: command requires an active render pass")

type commandPool struct {
	raw     vk.CommandPool
	desc    gpucore.CommandPoolDesc
	buffers map[gpucore.CommandBufferID]struct{}
}

// commandBuffer owns the framebuffers created while recording it; they
// live until the buffer is reset or freed.
type commandBuffer struct {
	pool         gpucore.CommandPoolID
	raw          vk.CommandBuffer
	label        string
	framebuffers []vk.Framebuffer
	executable   bool
}

// === Command pools ===

// CreateCommandPool creates a pool for one queue family. Buffers can
// always be reset individually.
func (d *Device) CreateCommandPool(desc *gpucore.CommandPoolDesc) (gpucore.CommandPoolID, error) {
	if _, ok := d.queues[desc.Family]; !ok {
		return 0, fmt.Errorf("vulkan: command pool %q: no queues opened on family %d", desc.Label, desc.Family)
	}
	flags := vk.CommandPoolCreateResetCommandBufferBit
	if desc.Flags&gpucore.PoolTransient != 0 {
		flags |= vk.CommandPoolCreateTransientBit
	}
	var raw vk.CommandPool
	err := vk.Error(vk.CreateCommandPool(d.raw, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(flags),
		QueueFamilyIndex: uint32(desc.Family),
	}, nil, &raw))
	if err != nil {
		return 0, fmt.Errorf("vulkan: create command pool %q: %w", desc.Label, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.CommandPoolID(d.newID())
	d.pools[id] = &commandPool{raw: raw, desc: *desc, buffers: make(map[gpucore.CommandBufferID]struct{})}
	return id, nil
}

// DestroyCommandPool destroys a pool, which frees its buffers.
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
	if !ok {
		return
	}
	for _, cb := range freed {
		d.destroyFramebuffers(cb)
	}
	vk.DestroyCommandPool(d.raw, p.raw, nil)
}

// ResetCommandPool resets every buffer of the pool.
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
	if err := vk.Error(vk.ResetCommandPool(d.raw, p.raw, 0)); err != nil {
		return fmt.Errorf("vulkan: reset command pool %q: %w", p.desc.Label, err)
	}
	for _, cb := range cbs {
		d.destroyFramebuffers(cb)
		cb.executable = false
	}
	return nil
}

// AllocateCommandBuffer allocates a primary command buffer.
func (d *Device) AllocateCommandBuffer(pool gpucore.CommandPoolID) (gpucore.CommandBufferID, error) {
	d.mu.Lock()
	p, err := lookup(d.pools, pool)
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	raws := make([]vk.CommandBuffer, 1)
	err = vk.Error(vk.AllocateCommandBuffers(d.raw, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        p.raw,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, raws))
	if err != nil {
		return 0, fmt.Errorf("vulkan: allocate command buffer in %q: %w", p.desc.Label, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.CommandBufferID(d.newID())
	p.buffers[id] = struct{}{}
	d.cmdBuffers[id] = &commandBuffer{pool: pool, raw: raws[0], label: fmt.Sprintf("%s#%d", p.desc.Label, id)}
	return id, nil
}

// FreeCommandBuffer frees one buffer of a pool.
func (d *Device) FreeCommandBuffer(pool gpucore.CommandPoolID, id gpucore.CommandBufferID) {
	d.mu.Lock()
	cb, ok := d.cmdBuffers[id]
	p, pok := d.pools[pool]
	ok = ok && pok && cb.pool == pool
	if ok {
		delete(d.cmdBuffers, id)
		delete(p.buffers, id)
	}
	d.mu.Unlock()
	if ok {
		d.destroyFramebuffers(cb)
		vk.FreeCommandBuffers(d.raw, p.raw, 1, []vk.CommandBuffer{cb.raw})
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
	if err := vk.Error(vk.ResetCommandBuffer(cb.raw, 0)); err != nil {
		return fmt.Errorf("vulkan: reset %s: %w", cb.label, err)
	}
	d.destroyFramebuffers(cb)
	cb.executable = false
	return nil
}

func (d *Device) destroyFramebuffers(cb *commandBuffer) {
	for _, fb := range cb.framebuffers {
		vk.DestroyFramebuffer(d.raw, fb, nil)
	}
	cb.framebuffers = nil
}

// BeginCommandBuffer starts recording. The pool's reset-individual flag
// makes the begin an implicit reset.
func (d *Device) BeginCommandBuffer(id gpucore.CommandBufferID) (gpucore.CommandEncoder, error) {
	d.mu.Lock()
	cb, err := lookup(d.cmdBuffers, id)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.destroyFramebuffers(cb)
	cb.executable = false
	err = vk.Error(vk.BeginCommandBuffer(cb.raw, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}))
	if err != nil {
		return nil, fmt.Errorf("vulkan: begin %s: %w", cb.label, err)
	}
	return &encoder{dev: d, cb: cb}, nil
}

// encoder records gpucore commands into a VkCommandBuffer. Lookup
// failures are recorded and reported by End.
type encoder struct {
	dev    *Device
	cb     *commandBuffer
	inPass bool
	err    error
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *encoder) requirePass(op string) bool {
	if !e.inPass {
		e.fail(fmt.Errorf("%w: %s", ErrNoRenderPass, op))
	}
	return e.inPass
}

// BeginRenderPass creates a framebuffer for the images and begins the
// pass. Viewport and scissor default to the render area.
func (e *encoder) BeginRenderPass(b *gpucore.RenderPassBegin) {
	d := e.dev
	d.mu.Lock()
	pass, err := lookup(d.passes, b.RenderPass)
	var views []vk.ImageView
	var clears []vk.ClearValue
	if err == nil && len(b.Colors) != len(pass.desc.Colors) {
		err = fmt.Errorf("vulkan: render pass %q has %d color attachments, %d images given",
			pass.desc.Label, len(pass.desc.Colors), len(b.Colors))
	}
	var width, height uint32
	if err == nil {
		for i, id := range b.Colors {
			var img *image
			if img, err = lookup(d.images, id); err != nil {
				break
			}
			width, height = img.desc.Width, img.desc.Height
			views = append(views, img.view)
			var c [4]float32
			if i < len(b.Clear) {
				cl := b.Clear[i]
				c = [4]float32{float32(cl.R), float32(cl.G), float32(cl.B), float32(cl.A)}
			}
			clears = append(clears, vk.NewClearValue(c[:]))
		}
	}
	if err == nil && pass.desc.Depth != nil {
		var img *image
		if img, err = lookup(d.images, b.Depth); err == nil {
			width, height = img.desc.Width, img.desc.Height
			views = append(views, img.view)
			clears = append(clears, vk.NewClearDepthStencil(b.ClearDepth, 0))
		}
	}
	d.mu.Unlock()
	if err != nil {
		e.fail(err)
		return
	}

	var fb vk.Framebuffer
	err = vk.Error(vk.CreateFramebuffer(d.raw, &vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      pass.raw,
		AttachmentCount: uint32(len(views)),
		PAttachments:    views,
		Width:           width,
		Height:          height,
		Layers:          1,
	}, nil, &fb))
	if err != nil {
		e.fail(fmt.Errorf("vulkan: create framebuffer for %q: %w", pass.desc.Label, err))
		return
	}
	e.cb.framebuffers = append(e.cb.framebuffers, fb)

	area := b.Area
	if area.Width == 0 || area.Height == 0 {
		area = gpucore.Rect{Width: width, Height: height}
	}
	vk.CmdBeginRenderPass(e.cb.raw, &vk.RenderPassBeginInfo{
		SType:           vk.StructureTypeRenderPassBeginInfo,
		RenderPass:      pass.raw,
		Framebuffer:     fb,
		RenderArea:      rect2D(area),
		ClearValueCount: uint32(len(clears)),
		PClearValues:    clears,
	}, vk.SubpassContentsInline)
	e.inPass = true
	e.SetViewport(gpucore.Viewport{
		X: float32(area.X), Y: float32(area.Y),
		Width: float32(area.Width), Height: float32(area.Height),
		MaxDepth: 1,
	})
	e.SetScissor(area)
}

// EndRenderPass ends the active render pass.
func (e *encoder) EndRenderPass() {
	if e.inPass {
		vk.CmdEndRenderPass(e.cb.raw)
		e.inPass = false
	}
}

// BindPipeline binds a graphics pipeline.
func (e *encoder) BindPipeline(id gpucore.PipelineID) {
	e.dev.mu.Lock()
	p, err := lookup(e.dev.pipelines, id)
	e.dev.mu.Unlock()
	if err != nil {
		e.fail(err)
		return
	}
	if e.requirePass("bind pipeline") {
		vk.CmdBindPipeline(e.cb.raw, vk.PipelineBindPointGraphics, p)
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
	vk.CmdBindVertexBuffers(e.cb.raw, slot, 1, []vk.Buffer{b.raw}, []vk.DeviceSize{vk.DeviceSize(offset)})
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
	t := vk.IndexTypeUint16
	if format == gpucore.IndexUint32 {
		t = vk.IndexTypeUint32
	}
	vk.CmdBindIndexBuffer(e.cb.raw, b.raw, vk.DeviceSize(offset), t)
}

// BindDescriptorSet binds a set at index of the pipeline layout.
func (e *encoder) BindDescriptorSet(layout gpucore.PipelineLayoutID, index uint32, id gpucore.DescriptorSetID) {
	e.dev.mu.Lock()
	l, err1 := lookup(e.dev.pipelineLayouts, layout)
	set, err2 := lookup(e.dev.sets, id)
	e.dev.mu.Unlock()
	if err := errors.Join(err1, err2); err != nil {
		e.fail(err)
		return
	}
	vk.CmdBindDescriptorSets(e.cb.raw, vk.PipelineBindPointGraphics, l, index, 1, []vk.DescriptorSet{set.raw}, 0, nil)
}

// PushConstants updates push-constant data.
func (e *encoder) PushConstants(layout gpucore.PipelineLayoutID, stages gpucore.ShaderStage, offset uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	e.dev.mu.Lock()
	l, err := lookup(e.dev.pipelineLayouts, layout)
	e.dev.mu.Unlock()
	if err != nil {
		e.fail(err)
		return
	}
	vk.CmdPushConstants(e.cb.raw, l, vk.ShaderStageFlags(shaderStages(stages)), offset, uint32(len(data)), unsafe.Pointer(&data[0]))
}

// SetViewport sets the dynamic viewport.
func (e *encoder) SetViewport(vp gpucore.Viewport) {
	if e.requirePass("set viewport") {
		vk.CmdSetViewport(e.cb.raw, 0, 1, []vk.Viewport{{
			X: vp.X, Y: vp.Y, Width: vp.Width, Height: vp.Height,
			MinDepth: vp.MinDepth, MaxDepth: vp.MaxDepth,
		}})
	}
}

// SetScissor sets the dynamic scissor rectangle.
func (e *encoder) SetScissor(r gpucore.Rect) {
	if e.requirePass("set scissor") {
		vk.CmdSetScissor(e.cb.raw, 0, 1, []vk.Rect2D{rect2D(r)})
	}
}

// Draw records a non-indexed draw.
func (e *encoder) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	if e.requirePass("draw") {
		vk.CmdDraw(e.cb.raw, vertexCount, instanceCount, firstVertex, firstInstance)
	}
}

// DrawIndexed records an indexed draw.
func (e *encoder) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	if e.requirePass("draw indexed") {
		vk.CmdDrawIndexed(e.cb.raw, indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
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
	vc := make([]vk.BufferCopy, len(regions))
	for i, r := range regions {
		vc[i] = vk.BufferCopy{SrcOffset: vk.DeviceSize(r.SrcOffset), DstOffset: vk.DeviceSize(r.DstOffset), Size: vk.DeviceSize(r.Size)}
	}
	vk.CmdCopyBuffer(e.cb.raw, s.raw, t.raw, uint32(len(vc)), vc)
}

// CopyBufferToImage records a copy into an image in the transfer
// destination layout.
func (e *encoder) CopyBufferToImage(src gpucore.BufferID, dst gpucore.ImageID, r gpucore.BufferImageCopy) {
	e.dev.mu.Lock()
	b, err1 := lookup(e.dev.buffers, src)
	img, err2 := lookup(e.dev.images, dst)
	e.dev.mu.Unlock()
	if err := errors.Join(err1, err2); err != nil {
		e.fail(err)
		return
	}
	vk.CmdCopyBufferToImage(e.cb.raw, b.raw, img.raw, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{imageCopy(img, r)})
}

// CopyImageToBuffer records a copy from an image in the transfer source
// layout.
func (e *encoder) CopyImageToBuffer(src gpucore.ImageID, dst gpucore.BufferID, r gpucore.BufferImageCopy) {
	e.dev.mu.Lock()
	img, err1 := lookup(e.dev.images, src)
	b, err2 := lookup(e.dev.buffers, dst)
	e.dev.mu.Unlock()
	if err := errors.Join(err1, err2); err != nil {
		e.fail(err)
		return
	}
	vk.CmdCopyImageToBuffer(e.cb.raw, img.raw, vk.ImageLayoutTransferSrcOptimal, b.raw, 1, []vk.BufferImageCopy{imageCopy(img, r)})
}

// imageCopy converts a region. Vulkan measures row length in texels.
func imageCopy(img *image, r gpucore.BufferImageCopy) vk.BufferImageCopy {
	var rowLength uint32
	if r.BytesPerRow != 0 {
		rowLength = r.BytesPerRow / formats[img.desc.Format].size
	}
	return vk.BufferImageCopy{
		BufferOffset:      vk.DeviceSize(r.BufferOffset),
		BufferRowLength:   rowLength,
		BufferImageHeight: 0,
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask: vk.ImageAspectFlags(img.aspect),
			LayerCount: 1,
		},
		ImageOffset: vk.Offset3D{X: int32(r.X), Y: int32(r.Y)},
		ImageExtent: vk.Extent3D{Width: r.Width, Height: r.Height, Depth: 1},
	}
}

// PipelineBarrier records a pipeline barrier with buffer and image
// memory barriers.
func (e *encoder) PipelineBarrier(b *gpucore.Barrier) {
	src, dst := vk.AccessFlags(access(b.SrcAccess)), vk.AccessFlags(access(b.DstAccess))
	e.dev.mu.Lock()
	var err error
	bufs := make([]vk.BufferMemoryBarrier, 0, len(b.Buffers))
	for _, bb := range b.Buffers {
		var buf *buffer
		if buf, err = lookup(e.dev.buffers, bb.Buffer); err != nil {
			break
		}
		size := vk.DeviceSize(vk.WholeSize)
		if bb.Size != 0 {
			size = vk.DeviceSize(bb.Size)
		}
		bufs = append(bufs, vk.BufferMemoryBarrier{
			SType:               vk.StructureTypeBufferMemoryBarrier,
			SrcAccessMask:       src,
			DstAccessMask:       dst,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Buffer:              buf.raw,
			Offset:              vk.DeviceSize(bb.Offset),
			Size:                size,
		})
	}
	imgs := make([]vk.ImageMemoryBarrier, 0, len(b.Images))
	for _, ib := range b.Images {
		if err != nil {
			break
		}
		var img *image
		if img, err = lookup(e.dev.images, ib.Image); err != nil {
			break
		}
		imgs = append(imgs, vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       src,
			DstAccessMask:       dst,
			OldLayout:           imageLayout(ib.OldLayout),
			NewLayout:           imageLayout(ib.NewLayout),
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               img.raw,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vk.ImageAspectFlags(img.aspect),
				LevelCount: max(img.desc.MipLevels, 1),
				LayerCount: 1,
			},
		})
	}
	e.dev.mu.Unlock()
	if err != nil {
		e.fail(err)
		return
	}
	vk.CmdPipelineBarrier(e.cb.raw,
		vk.PipelineStageFlags(pipelineStage(b.SrcStage, vk.PipelineStageTopOfPipeBit)),
		vk.PipelineStageFlags(pipelineStage(b.DstStage, vk.PipelineStageBottomOfPipeBit)),
		0, 0, nil, uint32(len(bufs)), bufs, uint32(len(imgs)), imgs)
}

// End ends the recording. A recorded failure is returned instead and
// leaves the buffer non-executable.
func (e *encoder) End() error {
	e.EndRenderPass()
	cb := e.cb
	if err := vk.Error(vk.EndCommandBuffer(cb.raw)); err != nil && e.err == nil {
		e.err = fmt.Errorf("vulkan: end %s: %w", cb.label, err)
	}
	if e.err != nil {
		return e.err
	}
	cb.executable = true
	return nil
}

func rect2D(r gpucore.Rect) vk.Rect2D {
	return vk.Rect2D{
		Offset: vk.Offset2D{X: r.X, Y: r.Y},
		Extent: vk.Extent2D{Width: r.Width, Height: r.Height},
	}
}

// pipelineStage converts a stage mask; an empty mask becomes def.
func pipelineStage(s gpucore.PipelineStage, def vk.PipelineStageFlagBits) vk.PipelineStageFlagBits {
	var out vk.PipelineStageFlagBits
	for _, m := range []struct {
		from gpucore.PipelineStage
		to   vk.PipelineStageFlagBits
	}{
		{gpucore.PipelineStageTopOfPipe, vk.PipelineStageTopOfPipeBit},
		{gpucore.PipelineStageVertexInput, vk.PipelineStageVertexInputBit},
		{gpucore.PipelineStageVertexShader, vk.PipelineStageVertexShaderBit},
		{gpucore.PipelineStageFragmentShader, vk.PipelineStageFragmentShaderBit},
		{gpucore.PipelineStageColorAttachmentOutput, vk.PipelineStageColorAttachmentOutputBit},
		{gpucore.PipelineStageTransfer, vk.PipelineStageTransferBit},
		{gpucore.PipelineStageBottomOfPipe, vk.PipelineStageBottomOfPipeBit},
		{gpucore.PipelineStageAllCommands, vk.PipelineStageAllCommandsBit},
	} {
		if s&m.from != 0 {
			out |= m.to
		}
	}
	if out == 0 {
		return def
	}
	return out
}

func access(a gpucore.Access) vk.AccessFlagBits {
	var out vk.AccessFlagBits
	for _, m := range []struct {
		from gpucore.Access
		to   vk.AccessFlagBits
	}{
		{gpucore.AccessTransferRead, vk.AccessTransferReadBit},
		{gpucore.AccessTransferWrite, vk.AccessTransferWriteBit},
		{gpucore.AccessShaderRead, vk.AccessShaderReadBit},
		{gpucore.AccessShaderWrite, vk.AccessShaderWriteBit},
		{gpucore.AccessColorAttachmentWrite, vk.AccessColorAttachmentWriteBit},
		{gpucore.AccessHostRead, vk.AccessHostReadBit},
		{gpucore.AccessHostWrite, vk.AccessHostWriteBit},
		{gpucore.AccessVertexRead, vk.AccessVertexAttributeReadBit},
		{gpucore.AccessUniformRead, vk.AccessUniformReadBit},
	} {
		if a&m.from != 0 {
			out |= m.to
		}
	}
	return out
}
