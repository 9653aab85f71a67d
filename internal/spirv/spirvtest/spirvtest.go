// Package spirvtest assembles small SPIR-V modules for tests.
//
// The modules declare entry points, vertex inputs and descriptor bindings
// with just enough structure for reflection and for backends that only
// validate the header. Each entry function loads the resources it uses and
// returns.
package spirvtest

import (
	"encoding/binary"

	"github.com/gogpu/gal/internal/spirv"
)

const (
	opName             = 5
	opMemoryModel      = 14
	opEntryPoint       = 15
	opCapability       = 17
	opTypeVoid         = 19
	opTypeFloat        = 22
	opTypeVector       = 23
	opTypeImage        = 25
	opTypeSampler      = 26
	opTypeSampledImage = 27
	opTypeStruct       = 30
	opTypePointer      = 32
	opTypeFunction     = 33
	opFunction         = 54
	opFunctionEnd      = 56
	opVariable         = 59
	opLoad             = 61
	opDecorate         = 71
	opLabel            = 248
	opReturn           = 253

	decorationBlock         = 2
	decorationLocation      = 30
	decorationBinding       = 33
	decorationDescriptorSet = 34

	storageUniformConstant = 0
	storageInput           = 1
	storageUniform         = 2
	storagePushConstant    = 9
	storageStorageBuffer   = 12
)

// Builder assembles a module.
type Builder struct {
	bound uint32

	void, fn, float, vec4 uint32

	entries   []*Entry
	resources []global
	push      *global
	names     []uint32
	decos   []uint32
	types   []uint32
}

// global is a module-scope resource variable.
type global struct {
	set, binding uint32
	v, typ       uint32
}

// Entry is an entry point under construction. Unless Use or
// UsePushConstants narrows it, an entry uses every resource of the module.
type Entry struct {
	b        *Builder
	stage    spirv.Stage
	name     string
	id       uint32
	inputs   []uint32
	explicit bool
	uses     []uint32
}

// New returns a builder with the shared scalar and function types.
func New() *Builder {
	b := &Builder{bound: 1}
	b.void = b.id()
	b.fn = b.id()
	b.float = b.id()
	b.vec4 = b.id()
	b.types = append(b.types, inst(opTypeVoid, b.void)...)
	b.types = append(b.types, inst(opTypeFunction, b.fn, b.void)...)
	b.types = append(b.types, inst(opTypeFloat, b.float, 32)...)
	b.types = append(b.types, inst(opTypeVector, b.vec4, b.float, 4)...)
	return b
}

func (b *Builder) id() uint32 {
	id := b.bound
	b.bound++
	return id
}

// EntryPoint adds an entry point.
func (b *Builder) EntryPoint(stage spirv.Stage, name string) *Entry {
	e := &Entry{b: b, stage: stage, name: name, id: b.id()}
	b.entries = append(b.entries, e)
	b.names = append(b.names, inst(opName, append([]uint32{e.id}, str(name)...)...)...)
	return e
}

// Input adds a vec4 input variable at location to the entry interface.
func (e *Entry) Input(location uint32) *Entry {
	b := e.b
	ptr := b.pointer(storageInput, b.vec4)
	v := b.variable(ptr, storageInput)
	b.decos = append(b.decos, inst(opDecorate, v, decorationLocation, location)...)
	e.inputs = append(e.inputs, v)
	return e
}

// Use makes the entry load the resource at (set, binding). The resource
// must already be declared.
func (e *Entry) Use(set, binding uint32) *Entry {
	e.explicit = true
	for _, g := range e.b.resources {
		if g.set == set && g.binding == binding {
			e.uses = append(e.uses, g.v)
		}
	}
	return e
}

// UsePushConstants makes the entry load the push-constant block.
func (e *Entry) UsePushConstants() *Entry {
	e.explicit = true
	if e.b.push != nil {
		e.uses = append(e.uses, e.b.push.v)
	}
	return e
}

// Texture declares a sampled 2D image at (set, binding).
func (b *Builder) Texture(set, binding uint32) *Builder {
	return b.resource(set, binding, storageUniformConstant, b.image())
}

// Sampler declares a sampler at (set, binding).
func (b *Builder) Sampler(set, binding uint32) *Builder {
	t := b.id()
	b.types = append(b.types, inst(opTypeSampler, t)...)
	return b.resource(set, binding, storageUniformConstant, t)
}

// CombinedImageSampler declares a sampled image at (set, binding).
func (b *Builder) CombinedImageSampler(set, binding uint32) *Builder {
	img := b.image()
	t := b.id()
	b.types = append(b.types, inst(opTypeSampledImage, t, img)...)
	return b.resource(set, binding, storageUniformConstant, t)
}

// UniformBuffer declares a uniform block at (set, binding).
func (b *Builder) UniformBuffer(set, binding uint32) *Builder {
	return b.resource(set, binding, storageUniform, b.block())
}

// StorageBuffer declares a storage block at (set, binding).
func (b *Builder) StorageBuffer(set, binding uint32) *Builder {
	return b.resource(set, binding, storageStorageBuffer, b.block())
}

// PushConstants declares a push-constant block.
func (b *Builder) PushConstants() *Builder {
	typ := b.block()
	ptr := b.pointer(storagePushConstant, typ)
	b.push = &global{v: b.variable(ptr, storagePushConstant), typ: typ}
	return b
}

func (b *Builder) resource(set, binding, storage, typ uint32) *Builder {
	ptr := b.pointer(storage, typ)
	v := b.variable(ptr, storage)
	b.decos = append(b.decos, inst(opDecorate, v, decorationDescriptorSet, set)...)
	b.decos = append(b.decos, inst(opDecorate, v, decorationBinding, binding)...)
	b.resources = append(b.resources, global{set: set, binding: binding, v: v, typ: typ})
	return b
}

func (b *Builder) image() uint32 {
	t := b.id()
	// 2D, not depth, not arrayed, single sample, sampled, unknown format
	b.types = append(b.types, inst(opTypeImage, t, b.float, 1, 0, 0, 0, 1, 0)...)
	return t
}

func (b *Builder) block() uint32 {
	t := b.id()
	b.types = append(b.types, inst(opTypeStruct, t, b.vec4)...)
	b.decos = append(b.decos, inst(opDecorate, t, decorationBlock)...)
	return t
}

func (b *Builder) pointer(storage, typ uint32) uint32 {
	p := b.id()
	b.types = append(b.types, inst(opTypePointer, p, storage, typ)...)
	return p
}

func (b *Builder) variable(ptr, storage uint32) uint32 {
	v := b.id()
	b.types = append(b.types, inst(opVariable, ptr, v, storage)...)
	return v
}

// Words returns the assembled module.
func (b *Builder) Words() []uint32 {
	words := []uint32{spirv.Magic, 0x00010000, 0, b.bound, 0}
	words = append(words, inst(opCapability, 1)...) // Shader
	words = append(words, inst(opMemoryModel, 0, 1)...)
	for _, e := range b.entries {
		ops := append([]uint32{uint32(e.stage), e.id}, str(e.name)...)
		ops = append(ops, e.inputs...)
		words = append(words, inst(opEntryPoint, ops...)...)
	}
	words = append(words, b.names...)
	words = append(words, b.decos...)
	words = append(words, b.types...)

	types := make(map[uint32]uint32) // variable -> pointee type
	var all []uint32
	for _, g := range b.resources {
		types[g.v] = g.typ
		all = append(all, g.v)
	}
	if b.push != nil {
		types[b.push.v] = b.push.typ
		all = append(all, b.push.v)
	}

	next := b.bound
	fresh := func() uint32 {
		next++
		return next - 1
	}
	for _, e := range b.entries {
		uses := all
		if e.explicit {
			uses = e.uses
		}
		words = append(words, inst(opFunction, b.void, e.id, 0, b.fn)...)
		words = append(words, inst(opLabel, fresh())...)
		for _, v := range uses {
			words = append(words, inst(opLoad, types[v], fresh(), v)...)
		}
		words = append(words, inst(opReturn)...)
		words = append(words, inst(opFunctionEnd)...)
	}
	words[3] = next
	return words
}

// Bytes returns the assembled module in little-endian byte order.
func (b *Builder) Bytes() []byte {
	words := b.Words()
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

// Vertex returns a module with a "vs_main" vertex entry point reading the
// given input locations.
func Vertex(locations ...uint32) *Builder {
	b := New()
	e := b.EntryPoint(spirv.StageVertex, "vs_main")
	for _, loc := range locations {
		e.Input(loc)
	}
	return b
}

// Fragment returns a module with an "fs_main" fragment entry point.
func Fragment() *Builder {
	b := New()
	b.EntryPoint(spirv.StageFragment, "fs_main")
	return b
}

func inst(op uint32, operands ...uint32) []uint32 {
	return append([]uint32{uint32(len(operands)+1)<<16 | op}, operands...)
}

// str packs a nul-terminated literal string.
func str(s string) []uint32 {
	out := make([]uint32, len(s)/4+1)
	for i := range len(s) {
		out[i/4] |= uint32(s[i]) << (8 * (i % 4))
	}
	return out
}
