//go:build vulkan

package vulkan

import (
	"fmt"
	"slices"

	"github.com/gogpu/gputypes"
	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/gal/gpucore"
)

type renderPass struct {
	raw  vk.RenderPass
	desc gpucore.RenderPassDesc
}

type setLayout struct {
	raw      vk.DescriptorSetLayout
	bindings []gpucore.DescriptorBinding
}

// descriptorSet is allocated from its own pool so it can be destroyed
// independently of every other set.
type descriptorSet struct {
	label  string
	layout *setLayout
	pool   vk.DescriptorPool
	raw    vk.DescriptorSet
}

// === Render passes ===

// CreateRenderPass creates a single-subpass render pass. Depth
// attachments start undefined and end in the depth attachment layout.
func (d *Device) CreateRenderPass(desc *gpucore.RenderPassDesc) (gpucore.RenderPassID, error) {
	attachments := make([]vk.AttachmentDescription, 0, len(desc.Colors)+1)
	colorRefs := make([]vk.AttachmentReference, 0, len(desc.Colors))
	for i, c := range desc.Colors {
		f, ok := formats[c.Format]
		if !ok {
			return 0, fmt.Errorf("vulkan: render pass %q color %d: format %v: %w", desc.Label, i, c.Format, gpucore.ErrUnsupported)
		}
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         f.vk,
			Samples:        sampleCount(c.Samples),
			LoadOp:         loadOp(c.LoadOp),
			StoreOp:        storeOp(c.StoreOp),
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  imageLayout(c.InitialLayout),
			FinalLayout:    imageLayout(c.FinalLayout),
		})
		colorRefs = append(colorRefs, vk.AttachmentReference{
			Attachment: uint32(i),
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		})
	}
	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(colorRefs)),
		PColorAttachments:    colorRefs,
	}
	if dp := desc.Depth; dp != nil {
		f, ok := formats[dp.Format]
		if !ok || f.aspect != vk.ImageAspectDepthBit {
			return 0, fmt.Errorf("vulkan: render pass %q depth: format %v: %w", desc.Label, dp.Format, gpucore.ErrUnsupported)
		}
		initial := vk.ImageLayoutUndefined
		if dp.LoadOp == gputypes.LoadOpLoad {
			initial = vk.ImageLayoutDepthStencilAttachmentOptimal
		}
		attachments = append(attachments, vk.AttachmentDescription{
			Format:         f.vk,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         loadOp(dp.LoadOp),
			StoreOp:        storeOp(dp.StoreOp),
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  initial,
			FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
		})
		subpass.PDepthStencilAttachment = &vk.AttachmentReference{
			Attachment: uint32(len(attachments) - 1),
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
	}

	var raw vk.RenderPass
	err := vk.Error(vk.CreateRenderPass(d.raw, &vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
	}, nil, &raw))
	if err != nil {
		return 0, fmt.Errorf("vulkan: create render pass %q: %w", desc.Label, err)
	}

	cp := *desc
	cp.Colors = slices.Clone(desc.Colors)
	if desc.Depth != nil {
		depth := *desc.Depth
		cp.Depth = &depth
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.RenderPassID(d.newID())
	d.passes[id] = &renderPass{raw: raw, desc: cp}
	return id, nil
}

// DestroyRenderPass destroys a render pass.
func (d *Device) DestroyRenderPass(id gpucore.RenderPassID) {
	d.mu.Lock()
	p, ok := d.passes[id]
	delete(d.passes, id)
	d.mu.Unlock()
	if ok {
		vk.DestroyRenderPass(d.raw, p.raw, nil)
	}
}

// === Descriptor sets ===

// CreateDescriptorSetLayout creates a descriptor-set layout.
func (d *Device) CreateDescriptorSetLayout(desc *gpucore.DescriptorSetLayoutDesc) (gpucore.DescriptorSetLayoutID, error) {
	bindings := make([]vk.DescriptorSetLayoutBinding, len(desc.Bindings))
	for i, b := range desc.Bindings {
		bindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  descriptorType(b.Type),
			DescriptorCount: max(b.Count, 1),
			StageFlags:      vk.ShaderStageFlags(shaderStages(b.Stages)),
		}
	}
	var raw vk.DescriptorSetLayout
	err := vk.Error(vk.CreateDescriptorSetLayout(d.raw, &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}, nil, &raw))
	if err != nil {
		return 0, fmt.Errorf("vulkan: create set layout %q: %w", desc.Label, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.DescriptorSetLayoutID(d.newID())
	d.setLayouts[id] = &setLayout{raw: raw, bindings: slices.Clone(desc.Bindings)}
	return id, nil
}

// DestroyDescriptorSetLayout destroys a descriptor-set layout.
func (d *Device) DestroyDescriptorSetLayout(id gpucore.DescriptorSetLayoutID) {
	d.mu.Lock()
	l, ok := d.setLayouts[id]
	delete(d.setLayouts, id)
	d.mu.Unlock()
	if ok {
		vk.DestroyDescriptorSetLayout(d.raw, l.raw, nil)
	}
}

// CreateDescriptorSet allocates a set from a pool sized for its layout
// and applies its writes.
func (d *Device) CreateDescriptorSet(desc *gpucore.DescriptorSetDesc) (gpucore.DescriptorSetID, error) {
	d.mu.Lock()
	l, err := lookup(d.setLayouts, desc.Layout)
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}

	sizes := make([]vk.DescriptorPoolSize, 0, len(l.bindings))
	for _, b := range l.bindings {
		sizes = append(sizes, vk.DescriptorPoolSize{Type: descriptorType(b.Type), DescriptorCount: max(b.Count, 1)})
	}
	var pool vk.DescriptorPool
	err = vk.Error(vk.CreateDescriptorPool(d.raw, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       1,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}, nil, &pool))
	if err != nil {
		return 0, fmt.Errorf("vulkan: create descriptor pool for %q: %w", desc.Label, err)
	}
	var raw vk.DescriptorSet
	err = vk.Error(vk.AllocateDescriptorSets(d.raw, &vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{l.raw},
	}, &raw))
	if err != nil {
		vk.DestroyDescriptorPool(d.raw, pool, nil)
		return 0, fmt.Errorf("vulkan: allocate descriptor set %q: %w", desc.Label, err)
	}

	set := &descriptorSet{label: desc.Label, layout: l, pool: pool, raw: raw}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeSetLocked(set, desc.Writes); err != nil {
		vk.DestroyDescriptorPool(d.raw, pool, nil)
		return 0, err
	}
	id := gpucore.DescriptorSetID(d.newID())
	d.sets[id] = set
	return id, nil
}

// UpdateDescriptorSet applies writes to a set. The set must not be in
// use by pending command buffers.
func (d *Device) UpdateDescriptorSet(id gpucore.DescriptorSetID, writes []gpucore.DescriptorWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, err := lookup(d.sets, id)
	if err != nil {
		return err
	}
	return d.writeSetLocked(set, writes)
}

// writeSetLocked translates writes to VkWriteDescriptorSet. d.mu must
// be held.
func (d *Device) writeSetLocked(set *descriptorSet, writes []gpucore.DescriptorWrite) error {
	if len(writes) == 0 {
		return nil
	}
	out := make([]vk.WriteDescriptorSet, 0, len(writes))
	for _, w := range writes {
		i := slices.IndexFunc(set.layout.bindings, func(b gpucore.DescriptorBinding) bool { return b.Binding == w.Binding })
		if i < 0 {
			return fmt.Errorf("vulkan: set %q has no binding %d", set.label, w.Binding)
		}
		b := set.layout.bindings[i]
		vw := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set.raw,
			DstBinding:      w.Binding,
			DescriptorCount: 1,
			DescriptorType:  descriptorType(b.Type),
		}
		switch b.Type {
		case gpucore.DescriptorUniformBuffer, gpucore.DescriptorStorageBuffer:
			buf, err := lookup(d.buffers, w.Buffer)
			if err != nil {
				return err
			}
			size := vk.DeviceSize(vk.WholeSize)
			if w.Size != 0 {
				size = vk.DeviceSize(w.Size)
			}
			vw.PBufferInfo = []vk.DescriptorBufferInfo{{Buffer: buf.raw, Offset: vk.DeviceSize(w.Offset), Range: size}}
		default:
			var info vk.DescriptorImageInfo
			if b.Type != gpucore.DescriptorSampler {
				img, err := lookup(d.images, w.Image)
				if err != nil {
					return err
				}
				info.ImageView = img.view
				info.ImageLayout = vk.ImageLayoutShaderReadOnlyOptimal
			}
			if b.Type != gpucore.DescriptorTexture {
				s, err := lookup(d.samplers, w.Sampler)
				if err != nil {
					return err
				}
				info.Sampler = s
			}
			vw.PImageInfo = []vk.DescriptorImageInfo{info}
		}
		out = append(out, vw)
	}
	vk.UpdateDescriptorSets(d.raw, uint32(len(out)), out, 0, nil)
	return nil
}

// DestroyDescriptorSet destroys a set together with its pool.
func (d *Device) DestroyDescriptorSet(id gpucore.DescriptorSetID) {
	d.mu.Lock()
	set, ok := d.sets[id]
	delete(d.sets, id)
	d.mu.Unlock()
	if ok {
		vk.DestroyDescriptorPool(d.raw, set.pool, nil)
	}
}

// === Pipelines ===

// CreatePipelineLayout creates a pipeline layout with push constants.
func (d *Device) CreatePipelineLayout(desc *gpucore.PipelineLayoutDesc) (gpucore.PipelineLayoutID, error) {
	d.mu.Lock()
	layouts := make([]vk.DescriptorSetLayout, len(desc.SetLayouts))
	for i, lid := range desc.SetLayouts {
		l, err := lookup(d.setLayouts, lid)
		if err != nil {
			d.mu.Unlock()
			return 0, err
		}
		layouts[i] = l.raw
	}
	d.mu.Unlock()

	ranges := make([]vk.PushConstantRange, len(desc.PushConstants))
	for i, r := range desc.PushConstants {
		ranges[i] = vk.PushConstantRange{
			StageFlags: vk.ShaderStageFlags(shaderStages(r.Stages)),
			Offset:     r.Offset,
			Size:       r.Size,
		}
	}
	var raw vk.PipelineLayout
	err := vk.Error(vk.CreatePipelineLayout(d.raw, &vk.PipelineLayoutCreateInfo{
		SType:                  vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount:         uint32(len(layouts)),
		PSetLayouts:            layouts,
		PushConstantRangeCount: uint32(len(ranges)),
		PPushConstantRanges:    ranges,
	}, nil, &raw))
	if err != nil {
		return 0, fmt.Errorf("vulkan: create pipeline layout %q: %w", desc.Label, err)
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
		vk.DestroyPipelineLayout(d.raw, l, nil)
	}
}

// CreateRenderPipeline creates a graphics pipeline for subpass 0 of its
// render pass. Viewport and scissor are dynamic state.
func (d *Device) CreateRenderPipeline(desc *gpucore.RenderPipelineDesc) (gpucore.PipelineID, error) {
	d.mu.Lock()
	layout, err := lookup(d.pipelineLayouts, desc.Layout)
	var (
		pass   *renderPass
		vs, fs vk.ShaderModule
	)
	if err == nil {
		pass, err = lookup(d.passes, desc.RenderPass)
	}
	if err == nil {
		vs, err = lookup(d.modules, desc.Vertex.Module)
	}
	if err == nil {
		fs, err = lookup(d.modules, desc.Fragment.Module)
	}
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}

	var (
		bindings []vk.VertexInputBindingDescription
		attrs    []vk.VertexInputAttributeDescription
	)
	for i, vl := range desc.Buffers {
		bindings = append(bindings, vk.VertexInputBindingDescription{
			Binding:   uint32(i),
			Stride:    vl.Stride,
			InputRate: vk.VertexInputRateVertex,
		})
		for _, a := range vl.Attributes {
			f, ok := vertexFormat(a.Format)
			if !ok {
				return 0, fmt.Errorf("vulkan: pipeline %q: vertex format %v: %w", desc.Label, a.Format, gpucore.ErrUnsupported)
			}
			attrs = append(attrs, vk.VertexInputAttributeDescription{
				Location: a.Location,
				Binding:  uint32(i),
				Format:   f,
				Offset:   a.Offset,
			})
		}
	}

	blend := vk.PipelineColorBlendAttachmentState{ColorWriteMask: 0xF, BlendEnable: vk.False}
	if desc.Blend {
		blend.BlendEnable = vk.True
		blend.SrcColorBlendFactor = vk.BlendFactorSrcAlpha
		blend.DstColorBlendFactor = vk.BlendFactorOneMinusSrcAlpha
		blend.ColorBlendOp = vk.BlendOpAdd
		blend.SrcAlphaBlendFactor = vk.BlendFactorOne
		blend.DstAlphaBlendFactor = vk.BlendFactorOneMinusSrcAlpha
		blend.AlphaBlendOp = vk.BlendOpAdd
	}
	blends := make([]vk.PipelineColorBlendAttachmentState, len(pass.desc.Colors))
	for i := range blends {
		blends[i] = blend
	}

	info := vk.GraphicsPipelineCreateInfo{
		SType:      vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount: 2,
		PStages: []vk.PipelineShaderStageCreateInfo{
			{SType: vk.StructureTypePipelineShaderStageCreateInfo, Stage: vk.ShaderStageVertexBit, Module: vs, PName: entryPoint(desc.Vertex)},
			{SType: vk.StructureTypePipelineShaderStageCreateInfo, Stage: vk.ShaderStageFragmentBit, Module: fs, PName: entryPoint(desc.Fragment)},
		},
		PVertexInputState: &vk.PipelineVertexInputStateCreateInfo{
			SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
			VertexBindingDescriptionCount:   uint32(len(bindings)),
			PVertexBindingDescriptions:      bindings,
			VertexAttributeDescriptionCount: uint32(len(attrs)),
			PVertexAttributeDescriptions:    attrs,
		},
		PInputAssemblyState: &vk.PipelineInputAssemblyStateCreateInfo{
			SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
			Topology: topology(desc.Topology),
		},
		PViewportState: &vk.PipelineViewportStateCreateInfo{
			SType:         vk.StructureTypePipelineViewportStateCreateInfo,
			ViewportCount: 1,
			ScissorCount:  1,
		},
		PRasterizationState: &vk.PipelineRasterizationStateCreateInfo{
			SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
			PolygonMode: vk.PolygonModeFill,
			CullMode:    vk.CullModeFlags(cullMode(desc.CullMode)),
			FrontFace:   vk.FrontFaceCounterClockwise,
			LineWidth:   1,
		},
		PMultisampleState: &vk.PipelineMultisampleStateCreateInfo{
			SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
			RasterizationSamples: sampleCount(desc.Samples),
		},
		PColorBlendState: &vk.PipelineColorBlendStateCreateInfo{
			SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
			LogicOpEnable:   vk.False,
			AttachmentCount: uint32(len(blends)),
			PAttachments:    blends,
		},
		PDynamicState: &vk.PipelineDynamicStateCreateInfo{
			SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
			DynamicStateCount: 2,
			PDynamicStates:    []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor},
		},
		Layout:     layout,
		RenderPass: pass.raw,
	}
	if pass.desc.Depth != nil {
		info.PDepthStencilState = &vk.PipelineDepthStencilStateCreateInfo{
			SType:            vk.StructureTypePipelineDepthStencilStateCreateInfo,
			DepthTestEnable:  vk.True,
			DepthWriteEnable: vk.True,
			DepthCompareOp:   vk.CompareOpLess,
		}
	}

	pipelines := make([]vk.Pipeline, 1)
	err = vk.Error(vk.CreateGraphicsPipelines(d.raw, vk.PipelineCache(vk.NullHandle), 1,
		[]vk.GraphicsPipelineCreateInfo{info}, nil, pipelines))
	if err != nil {
		return 0, fmt.Errorf("vulkan: create pipeline %q: %w", desc.Label, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.PipelineID(d.newID())
	d.pipelines[id] = pipelines[0]
	return id, nil
}

// DestroyPipeline destroys a pipeline.
func (d *Device) DestroyPipeline(id gpucore.PipelineID) {
	d.mu.Lock()
	p, ok := d.pipelines[id]
	delete(d.pipelines, id)
	d.mu.Unlock()
	if ok {
		vk.DestroyPipeline(d.raw, p, nil)
	}
}

func entryPoint(s gpucore.ShaderStageDesc) string {
	if s.EntryPoint == "" {
		return cstr("main")
	}
	return cstr(s.EntryPoint)
}

func shaderStages(s gpucore.ShaderStage) vk.ShaderStageFlagBits {
	var out vk.ShaderStageFlagBits
	if s&gpucore.StageVertex != 0 {
		out |= vk.ShaderStageVertexBit
	}
	if s&gpucore.StageFragment != 0 {
		out |= vk.ShaderStageFragmentBit
	}
	if s&gpucore.StageCompute != 0 {
		out |= vk.ShaderStageComputeBit
	}
	return out
}

func descriptorType(t gpucore.DescriptorType) vk.DescriptorType {
	switch t {
	case gpucore.DescriptorTexture:
		return vk.DescriptorTypeSampledImage
	case gpucore.DescriptorSampler:
		return vk.DescriptorTypeSampler
	case gpucore.DescriptorCombinedImageSampler:
		return vk.DescriptorTypeCombinedImageSampler
	case gpucore.DescriptorStorageBuffer:
		return vk.DescriptorTypeStorageBuffer
	}
	return vk.DescriptorTypeUniformBuffer
}

func loadOp(op gputypes.LoadOp) vk.AttachmentLoadOp {
	switch op {
	case gputypes.LoadOpClear:
		return vk.AttachmentLoadOpClear
	case gputypes.LoadOpLoad:
		return vk.AttachmentLoadOpLoad
	}
	return vk.AttachmentLoadOpDontCare
}

func storeOp(op gputypes.StoreOp) vk.AttachmentStoreOp {
	if op == gputypes.StoreOpStore {
		return vk.AttachmentStoreOpStore
	}
	return vk.AttachmentStoreOpDontCare
}

func topology(t gputypes.PrimitiveTopology) vk.PrimitiveTopology {
	switch t {
	case gputypes.PrimitiveTopologyPointList:
		return vk.PrimitiveTopologyPointList
	case gputypes.PrimitiveTopologyLineList:
		return vk.PrimitiveTopologyLineList
	case gputypes.PrimitiveTopologyLineStrip:
		return vk.PrimitiveTopologyLineStrip
	case gputypes.PrimitiveTopologyTriangleStrip:
		return vk.PrimitiveTopologyTriangleStrip
	}
	return vk.PrimitiveTopologyTriangleList
}

func cullMode(m gputypes.CullMode) vk.CullModeFlagBits {
	switch m {
	case gputypes.CullModeFront:
		return vk.CullModeFrontBit
	case gputypes.CullModeBack:
		return vk.CullModeBackBit
	}
	return vk.CullModeNone
}

func vertexFormat(f gputypes.VertexFormat) (vk.Format, bool) {
	switch f {
	case gputypes.VertexFormatFloat32:
		return vk.FormatR32Sfloat, true
	case gputypes.VertexFormatFloat32x2:
		return vk.FormatR32g32Sfloat, true
	case gputypes.VertexFormatFloat32x3:
		return vk.FormatR32g32b32Sfloat, true
	case gputypes.VertexFormatFloat32x4:
		return vk.FormatR32g32b32a32Sfloat, true
	case gputypes.VertexFormatUint32:
		return vk.FormatR32Uint, true
	case gputypes.VertexFormatUnorm8x4:
		return vk.FormatR8g8b8a8Unorm, true
	}
	return vk.FormatUndefined, false
}

func imageLayout(l gpucore.ImageLayout) vk.ImageLayout {
	switch l {
	case gpucore.LayoutGeneral:
		return vk.ImageLayoutGeneral
	case gpucore.LayoutColorAttachment:
		return vk.ImageLayoutColorAttachmentOptimal
	case gpucore.LayoutDepthAttachment:
		return vk.ImageLayoutDepthStencilAttachmentOptimal
	case gpucore.LayoutShaderReadOnly:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case gpucore.LayoutTransferSrc:
		return vk.ImageLayoutTransferSrcOptimal
	case gpucore.LayoutTransferDst:
		return vk.ImageLayoutTransferDstOptimal
	case gpucore.LayoutPresent:
		return vk.ImageLayoutPresentSrc
	}
	return vk.ImageLayoutUndefined
}
