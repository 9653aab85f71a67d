// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"fmt"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gal/gpucore"
)

type setLayout struct {
	raw      hal.BindGroupLayout
	bindings []gpucore.DescriptorBinding
}

// descriptorSet collects writes until every binding of its layout is
// written, then holds a bind group for them.
type descriptorSet struct {
	label  string
	layout *setLayout
	writes map[uint32]gpucore.DescriptorWrite
	raw    hal.BindGroup
}

// === Render passes ===

// CreateRenderPass records the attachment description. The HAL has no
// render pass objects; the description is applied at BeginRenderPass
// and when building pipelines.
func (d *Device) CreateRenderPass(desc *gpucore.RenderPassDesc) (gpucore.RenderPassID, error) {
	cp := *desc
	cp.Colors = slices.Clone(desc.Colors)
	if desc.Depth != nil {
		depth := *desc.Depth
		cp.Depth = &depth
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.RenderPassID(d.newID())
	d.passes[id] = &cp
	return id, nil
}

// DestroyRenderPass forgets a render pass description.
func (d *Device) DestroyRenderPass(id gpucore.RenderPassID) {
	d.mu.Lock()
	delete(d.passes, id)
	d.mu.Unlock()
}

// === Descriptor sets ===

// CreateDescriptorSetLayout creates a bind group layout. Combined
// image samplers have no bind group equivalent.
func (d *Device) CreateDescriptorSetLayout(desc *gpucore.DescriptorSetLayoutDesc) (gpucore.DescriptorSetLayoutID, error) {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(desc.Bindings))
	for _, b := range desc.Bindings {
		e := gputypes.BindGroupLayoutEntry{Binding: b.Binding, Visibility: shaderStages(b.Stages)}
		switch b.Type {
		case gpucore.DescriptorTexture:
			e.Texture = &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			}
		case gpucore.DescriptorSampler:
			e.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}
		case gpucore.DescriptorUniformBuffer:
			e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}
		case gpucore.DescriptorStorageBuffer:
			e.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}
		default:
			return 0, fmt.Errorf("wgpu: layout %q binding %d: %s: %w", desc.Label, b.Binding, b.Type, gpucore.ErrUnsupported)
		}
		entries = append(entries, e)
	}
	raw, err := d.raw.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{Label: desc.Label, Entries: entries})
	if err != nil {
		return 0, fmt.Errorf("wgpu: create set layout %q: %w", desc.Label, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.DescriptorSetLayoutID(d.newID())
	d.setLayouts[id] = &setLayout{raw: raw, bindings: slices.Clone(desc.Bindings)}
	return id, nil
}

// DestroyDescriptorSetLayout destroys a bind group layout.
func (d *Device) DestroyDescriptorSetLayout(id gpucore.DescriptorSetLayoutID) {
	d.mu.Lock()
	l, ok := d.setLayouts[id]
	delete(d.setLayouts, id)
	d.mu.Unlock()
	if ok {
		d.raw.DestroyBindGroupLayout(l.raw)
	}
}

// CreateDescriptorSet creates a descriptor set and applies its writes.
func (d *Device) CreateDescriptorSet(desc *gpucore.DescriptorSetDesc) (gpucore.DescriptorSetID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, err := lookup(d.setLayouts, desc.Layout)
	if err != nil {
		return 0, err
	}
	set := &descriptorSet{label: desc.Label, layout: l, writes: make(map[uint32]gpucore.DescriptorWrite)}
	if err := d.applyWritesLocked(set, desc.Writes); err != nil {
		return 0, err
	}
	id := gpucore.DescriptorSetID(d.newID())
	d.sets[id] = set
	return id, nil
}

// UpdateDescriptorSet applies writes and rebuilds the bind group.
func (d *Device) UpdateDescriptorSet(id gpucore.DescriptorSetID, writes []gpucore.DescriptorWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, err := lookup(d.sets, id)
	if err != nil {
		return err
	}
	return d.applyWritesLocked(set, writes)
}

// applyWritesLocked records writes and, once every binding is written,
// replaces the bind group. d.mu must be held.
func (d *Device) applyWritesLocked(set *descriptorSet, writes []gpucore.DescriptorWrite) error {
	if len(writes) == 0 {
		return nil
	}
	for _, w := range writes {
		set.writes[w.Binding] = w
	}
	if len(set.writes) < len(set.layout.bindings) {
		return nil
	}

	entries := make([]gputypes.BindGroupEntry, 0, len(set.layout.bindings))
	for _, b := range set.layout.bindings {
		w, ok := set.writes[b.Binding]
		if !ok {
			return nil
		}
		res, err := d.bindingResourceLocked(b, w)
		if err != nil {
			return fmt.Errorf("wgpu: set %q binding %d: %w", set.label, b.Binding, err)
		}
		entries = append(entries, gputypes.BindGroupEntry{Binding: b.Binding, Resource: res})
	}
	raw, err := d.raw.CreateBindGroup(&hal.BindGroupDescriptor{Label: set.label, Layout: set.layout.raw, Entries: entries})
	if err != nil {
		return fmt.Errorf("wgpu: create bind group %q: %w", set.label, err)
	}
	if set.raw != nil {
		d.raw.DestroyBindGroup(set.raw)
	}
	set.raw = raw
	return nil
}

func (d *Device) bindingResourceLocked(b gpucore.DescriptorBinding, w gpucore.DescriptorWrite) (gputypes.BindingResource, error) {
	switch b.Type {
	case gpucore.DescriptorTexture:
		img, err := lookup(d.images, w.Image)
		if err != nil {
			return nil, err
		}
		return gputypes.TextureViewBinding{TextureView: img.view.NativeHandle()}, nil
	case gpucore.DescriptorSampler:
		s, err := lookup(d.samplers, w.Sampler)
		if err != nil {
			return nil, err
		}
		return gputypes.SamplerBinding{Sampler: s.NativeHandle()}, nil
	default:
		buf, err := lookup(d.buffers, w.Buffer)
		if err != nil {
			return nil, err
		}
		return gputypes.BufferBinding{Buffer: buf.raw.NativeHandle(), Offset: w.Offset, Size: w.Size}, nil
	}
}

// DestroyDescriptorSet destroys a descriptor set and its bind group.
func (d *Device) DestroyDescriptorSet(id gpucore.DescriptorSetID) {
	d.mu.Lock()
	set, ok := d.sets[id]
	delete(d.sets, id)
	d.mu.Unlock()
	if ok && set.raw != nil {
		d.raw.DestroyBindGroup(set.raw)
	}
}

// === Pipelines ===

// CreatePipelineLayout creates a pipeline layout. The HAL render pass
// encoder cannot push constants, so layouts with push-constant ranges
// are rejected.
func (d *Device) CreatePipelineLayout(desc *gpucore.PipelineLayoutDesc) (gpucore.PipelineLayoutID, error) {
	if len(desc.PushConstants) > 0 {
		return 0, fmt.Errorf("wgpu: layout %q: push constants: %w", desc.Label, gpucore.ErrUnsupported)
	}
	d.mu.Lock()
	groups := make([]hal.BindGroupLayout, len(desc.SetLayouts))
	for i, lid := range desc.SetLayouts {
		l, err := lookup(d.setLayouts, lid)
		if err != nil {
			d.mu.Unlock()
			return 0, err
		}
		groups[i] = l.raw
	}
	d.mu.Unlock()

	raw, err := d.raw.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{Label: desc.Label, BindGroupLayouts: groups})
	if err != nil {
		return 0, fmt.Errorf("wgpu: create pipeline layout %q: %w", desc.Label, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.PipelineLayoutID(d.newID())
	d.pipelineLayouts[id] = raw
	return id, nil
}

// DestroyPipelineLayout destroys a pipeline layout.
func (d *Device) DestroyPipelineLayout(id gpucore.PipelineLayoutID) {
	d.mu.Lock()
	l, ok := d.pipelineLayouts[id]
	delete(d.pipelineLayouts, id)
	d.mu.Unlock()
	if ok {
		d.raw.DestroyPipelineLayout(l)
	}
}

// CreateRenderPipeline creates a render pipeline whose color targets
// and depth state follow the render pass it was built for.
func (d *Device) CreateRenderPipeline(desc *gpucore.RenderPipelineDesc) (gpucore.PipelineID, error) {
	layout, pass, vs, fs, err := d.pipelineInputs(desc)
	if err != nil {
		return 0, err
	}
	return d.createRenderPipeline(desc, layout, pass, vs, fs)
}

func (d *Device) pipelineInputs(desc *gpucore.RenderPipelineDesc) (
	layout hal.PipelineLayout, pass *gpucore.RenderPassDesc, vs, fs hal.ShaderModule, err error,
) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if layout, err = lookup(d.pipelineLayouts, desc.Layout); err != nil {
		return
	}
	if pass, err = lookup(d.passes, desc.RenderPass); err != nil {
		return
	}
	if vs, err = lookup(d.modules, desc.Vertex.Module); err != nil {
		return
	}
	fs, err = lookup(d.modules, desc.Fragment.Module)
	return
}

func (d *Device) createRenderPipeline(desc *gpucore.RenderPipelineDesc, layout hal.PipelineLayout,
	pass *gpucore.RenderPassDesc, vs, fs hal.ShaderModule,
) (gpucore.PipelineID, error) {
	buffers := make([]gputypes.VertexBufferLayout, len(desc.Buffers))
	for i, vl := range desc.Buffers {
		attrs := make([]gputypes.VertexAttribute, len(vl.Attributes))
		for j, a := range vl.Attributes {
			attrs[j] = gputypes.VertexAttribute{Format: a.Format, Offset: uint64(a.Offset), ShaderLocation: a.Location}
		}
		buffers[i] = gputypes.VertexBufferLayout{
			ArrayStride: uint64(vl.Stride),
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes:  attrs,
		}
	}

	var blend *gputypes.BlendState
	if desc.Blend {
		b := gputypes.BlendStateAlpha()
		blend = &b
	}
	targets := make([]gputypes.ColorTargetState, len(pass.Colors))
	for i, c := range pass.Colors {
		targets[i] = gputypes.ColorTargetState{Format: c.Format, Blend: blend, WriteMask: gputypes.ColorWriteMaskAll}
	}

	pd := &hal.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: layout,
		Vertex: hal.VertexState{Module: vs, EntryPoint: desc.Vertex.EntryPoint, Buffers: buffers},
		Primitive: gputypes.PrimitiveState{
			Topology:  desc.Topology,
			FrontFace: gputypes.FrontFaceCCW,
			CullMode:  desc.CullMode,
		},
		Multisample: gputypes.MultisampleState{Count: max(desc.Samples, 1), Mask: ^uint64(0)},
		Fragment:    &hal.FragmentState{Module: fs, EntryPoint: desc.Fragment.EntryPoint, Targets: targets},
	}
	if pass.Depth != nil {
		pd.DepthStencil = &hal.DepthStencilState{
			Format:            pass.Depth.Format,
			DepthWriteEnabled: true,
			DepthCompare:      gputypes.CompareFunctionLess,
			StencilReadMask:   0xFF,
			StencilWriteMask:  0xFF,
		}
	}

	raw, err := d.raw.CreateRenderPipeline(pd)
	if err != nil {
		return 0, fmt.Errorf("wgpu: create pipeline %q: %w", desc.Label, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.PipelineID(d.newID())
	d.pipelines[id] = raw
	return id, nil
}

// DestroyPipeline destroys a render pipeline.
func (d *Device) DestroyPipeline(id gpucore.PipelineID) {
	d.mu.Lock()
	p, ok := d.pipelines[id]
	delete(d.pipelines, id)
	d.mu.Unlock()
	if ok {
		d.raw.DestroyRenderPipeline(p)
	}
}

func shaderStages(s gpucore.ShaderStage) gputypes.ShaderStages {
	var out gputypes.ShaderStages
	if s&gpucore.StageVertex != 0 {
		out |= gputypes.ShaderStageVertex
	}
	if s&gpucore.StageFragment != 0 {
		out |= gputypes.ShaderStageFragment
	}
	if s&gpucore.StageCompute != 0 {
		out |= gputypes.ShaderStageCompute
	}
	return out
}
