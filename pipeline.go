package gal

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gal/gpucore"
)

// VertexAttr is the format of one vertex attribute.
type VertexAttr uint8

// Vertex attribute formats.
const (
	Vec2 VertexAttr = iota + 1
	Vec4
)

// Format returns the vertex format of the attribute.
func (a VertexAttr) Format() gputypes.VertexFormat {
	if a == Vec4 {
		return gputypes.VertexFormatFloat32x4
	}
	return gputypes.VertexFormatFloat32x2
}

// Size returns the attribute size in bytes.
func (a VertexAttr) Size() uint32 {
	if a == Vec4 {
		return 16
	}
	return 8
}

func (a VertexAttr) String() string {
	switch a {
	case Vec2:
		return "vec2"
	case Vec4:
		return "vec4"
	}
	return fmt.Sprintf("VertexAttr(%d)", uint8(a))
}

// Pipeline is an immutable graphics pipeline. Rebuilding produces a new
// Pipeline; the old one stays valid until released.
type Pipeline struct {
	*Guard[gpucore.PipelineID]

	pass          *RenderPass
	setLayouts    []*DescriptorSetLayout
	layout        gpucore.PipelineLayoutID
	pushConstants []gpucore.PushConstantRange
	vertex        gpucore.VertexLayout
}

// RenderPass returns the render pass the pipeline was built for.
func (p *Pipeline) RenderPass() *RenderPass { return p.pass }

// PushConstants returns the declared push-constant blocks.
func (p *Pipeline) PushConstants() []gpucore.PushConstantRange {
	return append([]gpucore.PushConstantRange(nil), p.pushConstants...)
}

// VertexLayout returns the vertex buffer layout.
func (p *Pipeline) VertexLayout() gpucore.VertexLayout { return p.vertex }

// PipelineBuilder collects the state of a graphics pipeline. Setters
// return the builder for chaining; Build validates everything at once.
//
//	p, err := gal.NewPipelineBuilder("sprite").
//	    RenderPass(pass).
//	    VertexLayout(gal.Vec2, gal.Vec2).
//	    DescriptorSetLayout(textures).
//	    PushConstants(64, gpucore.StageVertex).
//	    Shaders(vs, fs).
//	    Blend(true).
//	    Build(dev)
type PipelineBuilder struct {
	label      string
	pass       *RenderPass
	attrs      []VertexAttr
	push       []gpucore.PushConstantRange
	pushEnd    uint32
	setLayouts []*DescriptorSetLayout
	vs, fs     *ShaderModule
	topology   gputypes.PrimitiveTopology
	cull       gputypes.CullMode
	blend      bool
}

// NewPipelineBuilder starts a pipeline drawing triangle lists without
// culling or blending.
func NewPipelineBuilder(label string) *PipelineBuilder {
	return &PipelineBuilder{
		label:    label,
		topology: gputypes.PrimitiveTopologyTriangleList,
		cull:     gputypes.CullModeNone,
	}
}

// RenderPass sets the render pass the pipeline renders in.
func (b *PipelineBuilder) RenderPass(p *RenderPass) *PipelineBuilder {
	b.pass = p
	return b
}

// VertexLayout sets the attributes of the single interleaved vertex
// buffer. Attribute i is at location i.
func (b *PipelineBuilder) VertexLayout(attrs ...VertexAttr) *PipelineBuilder {
	b.attrs = append([]VertexAttr(nil), attrs...)
	return b
}

// PushConstants appends a push-constant block of size bytes visible to
// stages. Blocks are laid out one after another on 4-byte boundaries.
func (b *PipelineBuilder) PushConstants(size uint32, stages gpucore.ShaderStage) *PipelineBuilder {
	offset := (b.pushEnd + 3) &^ 3
	b.push = append(b.push, gpucore.PushConstantRange{Stages: stages, Offset: offset, Size: size})
	b.pushEnd = offset + size
	return b
}

// DescriptorSetLayout appends the layout of the next descriptor set.
func (b *PipelineBuilder) DescriptorSetLayout(l *DescriptorSetLayout) *PipelineBuilder {
	b.setLayouts = append(b.setLayouts, l)
	return b
}

// Shaders sets the vertex and fragment modules.
func (b *PipelineBuilder) Shaders(vs, fs *ShaderModule) *PipelineBuilder {
	b.vs, b.fs = vs, fs
	return b
}

// Topology sets the primitive topology.
func (b *PipelineBuilder) Topology(t gputypes.PrimitiveTopology) *PipelineBuilder {
	b.topology = t
	return b
}

// CullMode sets face culling.
func (b *PipelineBuilder) CullMode(c gputypes.CullMode) *PipelineBuilder {
	b.cull = c
	return b
}

// Blend enables alpha blending on every color attachment.
func (b *PipelineBuilder) Blend(enabled bool) *PipelineBuilder {
	b.blend = enabled
	return b
}

func (b *PipelineBuilder) fail(reason string, args ...any) error {
	return &PipelineCreationError{Label: b.label, Reason: fmt.Sprintf(reason, args...)}
}

// vertexLayout lays the attributes out back to back.
func (b *PipelineBuilder) vertexLayout() gpucore.VertexLayout {
	var vl gpucore.VertexLayout
	for i, a := range b.attrs {
		vl.Attributes = append(vl.Attributes, gpucore.VertexAttribute{
			Location: uint32(i),
			Format:   a.Format(),
			Offset:   vl.Stride,
		})
		vl.Stride += a.Size()
	}
	return vl
}

// validate checks the collected state against itself and the device.
func (b *PipelineBuilder) validate(d *Device) error {
	switch {
	case b.pass == nil:
		return b.fail("no render pass")
	case b.pass.Released():
		return b.fail("render pass %q was released", b.pass.Label())
	case b.pass.Device() != d:
		return b.fail("render pass %q belongs to another device", b.pass.Label())
	}

	shaders := []struct {
		m    *ShaderModule
		kind ShaderKind
	}{{b.vs, ShaderVertex}, {b.fs, ShaderFragment}}
	for _, s := range shaders {
		switch {
		case s.m == nil:
			return b.fail("no %s shader", s.kind)
		case s.m.Released():
			return b.fail("%s shader %q was released", s.kind, s.m.Label())
		case s.m.Device() != d:
			return b.fail("%s shader %q belongs to another device", s.kind, s.m.Label())
		case s.m.kind != s.kind:
			return b.fail("shader %q is a %s shader, used as %s", s.m.Label(), s.m.kind, s.kind)
		case !s.m.hasEntry:
			return b.fail("%s shader %q has no %s entry point", s.kind, s.m.Label(), s.kind)
		}
	}

	for i, l := range b.setLayouts {
		switch {
		case l == nil:
			return b.fail("descriptor set layout %d is nil", i)
		case l.Released():
			return b.fail("descriptor set layout %d (%q) was released", i, l.Label())
		case l.Device() != d:
			return b.fail("descriptor set layout %q belongs to another device", l.Label())
		}
	}
	if limit := d.limits.MaxBoundSets; limit > 0 && uint32(len(b.setLayouts)) > limit {
		return b.fail("%d descriptor sets exceed the device limit of %d", len(b.setLayouts), limit)
	}

	// Every binding a shader declares must exist in the layout with the
	// same type and be visible to that shader's stage.
	for _, s := range shaders {
		for _, sb := range s.m.bindings {
			if int(sb.Set) >= len(b.setLayouts) {
				return b.fail("%s shader %q declares set %d binding %d, pipeline has %d sets",
					s.kind, s.m.Label(), sb.Set, sb.Binding, len(b.setLayouts))
			}
			lb, ok := b.setLayouts[sb.Set].binding(sb.Binding)
			if !ok {
				return b.fail("%s shader %q declares set %d binding %d, layout %q lacks it",
					s.kind, s.m.Label(), sb.Set, sb.Binding, b.setLayouts[sb.Set].Label())
			}
			if lb.Type != sb.Type {
				return b.fail("set %d binding %d is a %s slot, %s shader %q declares a %s",
					sb.Set, sb.Binding, lb.Type, s.kind, s.m.Label(), sb.Type)
			}
			if lb.Stages&s.kind.Stage() == 0 {
				return b.fail("set %d binding %d is not visible to the %s stage", sb.Set, sb.Binding, s.kind)
			}
		}
	}

	// Every layout slot must be declared by a shader that can see it.
	for set, l := range b.setLayouts {
		for _, lb := range l.bindings {
			used := false
			for _, s := range shaders {
				if lb.Stages&s.kind.Stage() == 0 {
					continue
				}
				for _, sb := range s.m.bindings {
					used = used || (sb.Set == uint32(set) && sb.Binding == lb.Binding)
				}
			}
			if !used {
				return b.fail("set %d binding %d (%s) is not declared by any shader visible to it",
					set, lb.Binding, lb.Type)
			}
		}
	}

	for _, loc := range b.vs.inputs {
		if int(loc) >= len(b.attrs) {
			return b.fail("vertex shader %q reads location %d, vertex layout provides %d attributes",
				b.vs.Label(), loc, len(b.attrs))
		}
	}
	if limit := d.limits.MaxVertexAttributes; limit > 0 && uint32(len(b.attrs)) > limit {
		return b.fail("%d vertex attributes exceed the device limit of %d", len(b.attrs), limit)
	}

	if b.pushEnd > d.limits.MaxPushConstantSize {
		return b.fail("push constants need %d bytes, device limit is %d", b.pushEnd, d.limits.MaxPushConstantSize)
	}
	for _, s := range shaders {
		if s.m.push && len(b.push) == 0 {
			return b.fail("%s shader %q uses push constants, none declared", s.kind, s.m.Label())
		}
	}
	return nil
}

// Build validates the collected state and creates the pipeline. Any
// mismatch between shaders, layouts and vertex input is reported as a
// *PipelineCreationError.
func (b *PipelineBuilder) Build(d *Device) (*Pipeline, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if err := b.validate(d); err != nil {
		return nil, err
	}

	layoutDesc := &gpucore.PipelineLayoutDesc{
		Label:         b.label,
		PushConstants: append([]gpucore.PushConstantRange(nil), b.push...),
	}
	for _, l := range b.setLayouts {
		layoutDesc.SetLayouts = append(layoutDesc.SetLayouts, l.Get())
	}
	layout, err := d.raw.CreatePipelineLayout(layoutDesc)
	if err != nil {
		return nil, &PipelineCreationError{Label: b.label, Reason: "backend rejected the layout", Err: err}
	}

	vl := b.vertexLayout()
	desc := &gpucore.RenderPipelineDesc{
		Label:      b.label,
		Layout:     layout,
		RenderPass: b.pass.Get(),
		Vertex:     gpucore.ShaderStageDesc{Module: b.vs.Get(), EntryPoint: b.vs.entryPoint},
		Fragment:   gpucore.ShaderStageDesc{Module: b.fs.Get(), EntryPoint: b.fs.entryPoint},
		Topology:   b.topology,
		CullMode:   b.cull,
		Blend:      b.blend,
		Samples:    1,
	}
	if len(vl.Attributes) > 0 {
		desc.Buffers = []gpucore.VertexLayout{vl}
	}
	if len(b.pass.desc.Colors) > 0 {
		desc.Samples = b.pass.desc.Colors[0].Samples
	}
	id, err := d.raw.CreateRenderPipeline(desc)
	if err != nil {
		d.raw.DestroyPipelineLayout(layout)
		return nil, &PipelineCreationError{Label: b.label, Reason: "backend rejected the pipeline", Err: err}
	}

	g, err := newGuard(d, id, b.label, func(id gpucore.PipelineID) {
		d.raw.DestroyPipeline(id)
		d.raw.DestroyPipelineLayout(layout)
	})
	if err != nil {
		return nil, err
	}
	d.log.Debug("gal: pipeline built", "label", b.label, "sets", len(b.setLayouts), "attributes", len(b.attrs))
	return &Pipeline{
		Guard:         g,
		pass:          b.pass,
		setLayouts:    append([]*DescriptorSetLayout(nil), b.setLayouts...),
		layout:        layout,
		pushConstants: layoutDesc.PushConstants,
		vertex:        vl,
	}, nil
}
