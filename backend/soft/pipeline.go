package soft

import (
	"fmt"
	"slices"

	"github.com/gogpu/gal/gpucore"
)

// CreateRenderPass records a render pass description.
func (d *Device) CreateRenderPass(desc *gpucore.RenderPassDesc) (gpucore.RenderPassID, error) {
	if len(desc.Colors) == 0 && desc.Depth == nil {
		return gpucore.InvalidID, fmt.Errorf("soft: render pass %q has no attachments", desc.Label)
	}
	for i, c := range desc.Colors {
		if bytesPerPixel(c.Format) == 0 {
			return gpucore.InvalidID, fmt.Errorf("soft: render pass %q: color %d format %v: %w",
				desc.Label, i, c.Format, gpucore.ErrUnsupported)
		}
	}
	cp := *desc
	cp.Colors = append([]gpucore.ColorAttachmentDesc(nil), desc.Colors...)

	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.RenderPassID(d.newID())
	d.passes[id] = &cp
	return id, nil
}

// DestroyRenderPass frees a render pass.
func (d *Device) DestroyRenderPass(id gpucore.RenderPassID) {
	d.mu.Lock()
	delete(d.passes, id)
	d.mu.Unlock()
}

// CreateDescriptorSetLayout records a layout, rejecting duplicate slots.
func (d *Device) CreateDescriptorSetLayout(desc *gpucore.DescriptorSetLayoutDesc) (gpucore.DescriptorSetLayoutID, error) {
	seen := make(map[uint32]bool, len(desc.Bindings))
	for _, b := range desc.Bindings {
		if seen[b.Binding] {
			return gpucore.InvalidID, fmt.Errorf("soft: layout %q: duplicate binding %d", desc.Label, b.Binding)
		}
		seen[b.Binding] = true
	}
	cp := *desc
	cp.Bindings = append([]gpucore.DescriptorBinding(nil), desc.Bindings...)

	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.DescriptorSetLayoutID(d.newID())
	d.setLayouts[id] = &cp
	return id, nil
}

// DestroyDescriptorSetLayout frees a layout.
func (d *Device) DestroyDescriptorSetLayout(id gpucore.DescriptorSetLayoutID) {
	d.mu.Lock()
	delete(d.setLayouts, id)
	d.mu.Unlock()
}

// CreateDescriptorSet checks every write against the layout slot type.
func (d *Device) CreateDescriptorSet(desc *gpucore.DescriptorSetDesc) (gpucore.DescriptorSetID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	layout, ok := d.setLayouts[desc.Layout]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("soft: descriptor set %q layout %d: %w", desc.Label, desc.Layout, gpucore.ErrUnknownHandle)
	}
	for _, w := range desc.Writes {
		slot, ok := findBinding(layout.Bindings, w.Binding)
		if !ok {
			return gpucore.InvalidID, fmt.Errorf("soft: descriptor set %q: binding %d not in layout", desc.Label, w.Binding)
		}
		if err := d.checkWrite(slot.Type, w); err != nil {
			return gpucore.InvalidID, fmt.Errorf("soft: descriptor set %q binding %d: %w", desc.Label, w.Binding, err)
		}
	}

	cp := *desc
	cp.Writes = append([]gpucore.DescriptorWrite(nil), desc.Writes...)
	id := gpucore.DescriptorSetID(d.newID())
	d.sets[id] = &cp
	return id, nil
}

func findBinding(bindings []gpucore.DescriptorBinding, slot uint32) (gpucore.DescriptorBinding, bool) {
	for _, b := range bindings {
		if b.Binding == slot {
			return b, true
		}
	}
	return gpucore.DescriptorBinding{}, false
}

func (d *Device) checkWrite(t gpucore.DescriptorType, w gpucore.DescriptorWrite) error {
	needBuffer := t == gpucore.DescriptorUniformBuffer || t == gpucore.DescriptorStorageBuffer
	needImage := t == gpucore.DescriptorTexture || t == gpucore.DescriptorCombinedImageSampler
	needSampler := t == gpucore.DescriptorSampler || t == gpucore.DescriptorCombinedImageSampler

	if needBuffer {
		b, ok := d.buffers[w.Buffer]
		if !ok {
			return fmt.Errorf("buffer %d: %w", w.Buffer, gpucore.ErrUnknownHandle)
		}
		if !within(w.Offset, w.Size, b.desc.Size) {
			return fmt.Errorf("buffer range of %d bytes at %d out of bounds (size %d)", w.Size, w.Offset, b.desc.Size)
		}
	}
	if needImage {
		if _, ok := d.images[w.Image]; !ok {
			return fmt.Errorf("image %d: %w", w.Image, gpucore.ErrUnknownHandle)
		}
	}
	if needSampler {
		if _, ok := d.samplers[w.Sampler]; !ok {
			return fmt.Errorf("sampler %d: %w", w.Sampler, gpucore.ErrUnknownHandle)
		}
	}
	return nil
}

// UpdateDescriptorSet replaces the resources bound at the written slots.
func (d *Device) UpdateDescriptorSet(id gpucore.DescriptorSetID, writes []gpucore.DescriptorWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.sets[id]
	if !ok {
		return fmt.Errorf("soft: descriptor set %d: %w", id, gpucore.ErrUnknownHandle)
	}
	layout, ok := d.setLayouts[set.Layout]
	if !ok {
		return fmt.Errorf("soft: descriptor set %q layout %d: %w", set.Label, set.Layout, gpucore.ErrUnknownHandle)
	}
	for _, w := range writes {
		slot, ok := findBinding(layout.Bindings, w.Binding)
		if !ok {
			return fmt.Errorf("soft: descriptor set %q: binding %d not in layout", set.Label, w.Binding)
		}
		if err := d.checkWrite(slot.Type, w); err != nil {
			return fmt.Errorf("soft: descriptor set %q binding %d: %w", set.Label, w.Binding, err)
		}
	}
	for _, w := range writes {
		i := slices.IndexFunc(set.Writes, func(old gpucore.DescriptorWrite) bool { return old.Binding == w.Binding })
		if i >= 0 {
			set.Writes[i] = w
		} else {
			set.Writes = append(set.Writes, w)
		}
	}
	return nil
}

// DestroyDescriptorSet frees a descriptor set.
func (d *Device) DestroyDescriptorSet(id gpucore.DescriptorSetID) {
	d.mu.Lock()
	delete(d.sets, id)
	d.mu.Unlock()
}

// CreatePipelineLayout records a pipeline layout.
func (d *Device) CreatePipelineLayout(desc *gpucore.PipelineLayoutDesc) (gpucore.PipelineLayoutID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	limits := d.adapter.backend.limits
	if uint32(len(desc.SetLayouts)) > limits.MaxBoundSets {
		return gpucore.InvalidID, fmt.Errorf("soft: pipeline layout %q: %d sets exceed limit %d",
			desc.Label, len(desc.SetLayouts), limits.MaxBoundSets)
	}
	for _, sl := range desc.SetLayouts {
		if _, ok := d.setLayouts[sl]; !ok {
			return gpucore.InvalidID, fmt.Errorf("soft: pipeline layout %q set layout %d: %w", desc.Label, sl, gpucore.ErrUnknownHandle)
		}
	}
	for _, pc := range desc.PushConstants {
		if pc.Offset+pc.Size > limits.MaxPushConstantSize {
			return gpucore.InvalidID, fmt.Errorf("soft: pipeline layout %q: push constants end at %d, limit %d",
				desc.Label, pc.Offset+pc.Size, limits.MaxPushConstantSize)
		}
	}

	cp := *desc
	cp.SetLayouts = append([]gpucore.DescriptorSetLayoutID(nil), desc.SetLayouts...)
	cp.PushConstants = append([]gpucore.PushConstantRange(nil), desc.PushConstants...)
	id := gpucore.PipelineLayoutID(d.newID())
	d.layouts[id] = &cp
	return id, nil
}

// DestroyPipelineLayout frees a pipeline layout.
func (d *Device) DestroyPipelineLayout(id gpucore.PipelineLayoutID) {
	d.mu.Lock()
	delete(d.layouts, id)
	d.mu.Unlock()
}

// CreateRenderPipeline validates the referenced objects and records the
// pipeline.
func (d *Device) CreateRenderPipeline(desc *gpucore.RenderPipelineDesc) (gpucore.PipelineID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.layouts[desc.Layout]; !ok {
		return gpucore.InvalidID, fmt.Errorf("soft: pipeline %q layout %d: %w", desc.Label, desc.Layout, gpucore.ErrUnknownHandle)
	}
	if _, ok := d.passes[desc.RenderPass]; !ok {
		return gpucore.InvalidID, fmt.Errorf("soft: pipeline %q render pass %d: %w", desc.Label, desc.RenderPass, gpucore.ErrUnknownHandle)
	}
	for _, st := range []gpucore.ShaderStageDesc{desc.Vertex, desc.Fragment} {
		if _, ok := d.shaders[st.Module]; !ok {
			return gpucore.InvalidID, fmt.Errorf("soft: pipeline %q shader %d: %w", desc.Label, st.Module, gpucore.ErrUnknownHandle)
		}
	}
	var attrs uint32
	for _, vb := range desc.Buffers {
		attrs += uint32(len(vb.Attributes))
	}
	if limit := d.adapter.backend.limits.MaxVertexAttributes; attrs > limit {
		return gpucore.InvalidID, fmt.Errorf("soft: pipeline %q: %d vertex attributes exceed limit %d", desc.Label, attrs, limit)
	}

	cp := *desc
	cp.Buffers = append([]gpucore.VertexLayout(nil), desc.Buffers...)
	id := gpucore.PipelineID(d.newID())
	d.pipelines[id] = &cp
	return id, nil
}

// DestroyPipeline frees a pipeline.
func (d *Device) DestroyPipeline(id gpucore.PipelineID) {
	d.mu.Lock()
	delete(d.pipelines, id)
	d.mu.Unlock()
}
