package gal

import (
	"crypto/sha256"
	"fmt"

	"github.com/gogpu/naga"

	"github.com/gogpu/gal/gpucore"
	"github.com/gogpu/gal/internal/cache"
	"github.com/gogpu/gal/internal/spirv"
)

// compiled holds SPIR-V translated from WGSL, keyed by the source hash.
// Translation does not depend on the device, so the cache is shared.
var compiled = cache.New[[sha256.Size]byte, []uint32](128)

// ShaderCacheStats reports the WGSL compile cache counters.
type ShaderCacheStats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

// CompiledShaderStats returns the WGSL compile cache counters.
func CompiledShaderStats() ShaderCacheStats {
	s := compiled.Stats()
	return ShaderCacheStats{Entries: s.Len, Hits: s.Hits, Misses: s.Misses}
}

// ShaderKind is the pipeline stage a shader module is written for.
type ShaderKind uint8

// Shader kinds.
const (
	ShaderVertex ShaderKind = iota + 1
	ShaderFragment
)

func (k ShaderKind) String() string {
	switch k {
	case ShaderVertex:
		return "vertex"
	case ShaderFragment:
		return "fragment"
	}
	return fmt.Sprintf("ShaderKind(%d)", uint8(k))
}

func (k ShaderKind) spirvStage() spirv.Stage {
	if k == ShaderFragment {
		return spirv.StageFragment
	}
	return spirv.StageVertex
}

// Stage returns the shader stage flag of the kind.
func (k ShaderKind) Stage() gpucore.ShaderStage {
	if k == ShaderFragment {
		return gpucore.StageFragment
	}
	return gpucore.StageVertex
}

// ShaderBinding is a descriptor binding a shader declares.
type ShaderBinding struct {
	Set     uint32
	Binding uint32
	Type    gpucore.DescriptorType
}

// ShaderModule is a compiled shader with its reflected interface.
type ShaderModule struct {
	*Guard[gpucore.ShaderModuleID]

	kind       ShaderKind
	entryPoint string
	hasEntry   bool
	inputs     []uint32
	bindings   []ShaderBinding
	push       bool
}

// CompileShader compiles WGSL source to SPIR-V and creates a module.
// Compiler diagnostics are returned in a *ShaderCompileError. Identical
// sources are translated once per process.
func CompileShader(d *Device, label, source string, kind ShaderKind) (*ShaderModule, error) {
	words, err := compiled.GetOrCreate(sha256.Sum256([]byte(source)), func() ([]uint32, error) {
		code, err := naga.Compile(source)
		if err != nil {
			return nil, err
		}
		return spirv.Words(code)
	})
	if err != nil {
		return nil, &ShaderCompileError{Label: label, Kind: kind, Diagnostic: err.Error(), Err: err}
	}
	return ShaderFromSPIRV(d, label, words, kind)
}

// ShaderFromSPIRVBytes creates a module from little-endian SPIR-V bytes.
func ShaderFromSPIRVBytes(d *Device, label string, code []byte, kind ShaderKind) (*ShaderModule, error) {
	words, err := spirv.Words(code)
	if err != nil {
		return nil, &ShaderCompileError{Label: label, Kind: kind, Diagnostic: err.Error(), Err: err}
	}
	return ShaderFromSPIRV(d, label, words, kind)
}

// ShaderFromSPIRV creates a module from precompiled SPIR-V words.
func ShaderFromSPIRV(d *Device, label string, words []uint32, kind ShaderKind) (*ShaderModule, error) {
	if kind != ShaderVertex && kind != ShaderFragment {
		return nil, &ShaderCompileError{Label: label, Kind: kind, Diagnostic: "unknown shader kind"}
	}
	mod, err := spirv.Reflect(words)
	if err != nil {
		return nil, &ShaderCompileError{Label: label, Kind: kind, Diagnostic: err.Error(), Err: err}
	}
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	id, err := d.raw.CreateShaderModule(&gpucore.ShaderModuleDesc{Label: label, Stage: kind.Stage(), SPIRV: words})
	if err != nil {
		return nil, allocErr(gpucore.KindShaderModule, label, err)
	}
	g, err := newGuard(d, id, label, d.raw.DestroyShaderModule)
	if err != nil {
		return nil, err
	}

	// A module may hold entry points for several stages; only the one for
	// kind counts toward the pipeline interface.
	sm := &ShaderModule{Guard: g, kind: kind, push: mod.UsesPushConstants}
	bindings := mod.Bindings
	if ep, ok := mod.EntryPoint(kind.spirvStage()); ok {
		sm.entryPoint, sm.hasEntry, sm.inputs = ep.Name, true, ep.Inputs
		sm.push, bindings = ep.UsesPushConstants, ep.Bindings
	}
	for _, b := range bindings {
		sm.bindings = append(sm.bindings, ShaderBinding{Set: b.Set, Binding: b.Binding, Type: descriptorType(b.Kind)})
	}
	d.log.Debug("gal: shader module created", "label", label, "kind", kind,
		"entry", sm.entryPoint, "bindings", len(sm.bindings))
	return sm, nil
}

func descriptorType(k spirv.ResourceKind) gpucore.DescriptorType {
	switch k {
	case spirv.ResourceImage:
		return gpucore.DescriptorTexture
	case spirv.ResourceSampler:
		return gpucore.DescriptorSampler
	case spirv.ResourceSampledImage:
		return gpucore.DescriptorCombinedImageSampler
	case spirv.ResourceUniformBuffer:
		return gpucore.DescriptorUniformBuffer
	case spirv.ResourceStorageBuffer:
		return gpucore.DescriptorStorageBuffer
	}
	return 0
}

// Kind returns the shader kind.
func (m *ShaderModule) Kind() ShaderKind { return m.kind }

// EntryPoint returns the name of the entry point for the module's kind,
// or "" if it has none.
func (m *ShaderModule) EntryPoint() string { return m.entryPoint }

// Inputs returns the vertex input locations of the entry point.
func (m *ShaderModule) Inputs() []uint32 { return append([]uint32(nil), m.inputs...) }

// Bindings returns the descriptor bindings the module declares.
func (m *ShaderModule) Bindings() []ShaderBinding { return append([]ShaderBinding(nil), m.bindings...) }

// UsesPushConstants reports whether the module declares a push-constant
// block.
func (m *ShaderModule) UsesPushConstants() bool { return m.push }
