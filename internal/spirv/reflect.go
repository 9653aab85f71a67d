package spirv

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// Magic is the first word of every SPIR-V module.
const Magic = 0x07230203

// ErrInvalid is returned for data that is not a SPIR-V module.
var ErrInvalid = errors.New("spirv: invalid module")

// Opcodes, decorations, storage classes and execution models used by
// reflection. Values from the SPIR-V specification.
const (
	opName             = 5
	opEntryPoint       = 15
	opTypeImage        = 25
	opTypeSampler      = 26
	opTypeSampledImage = 27
	opTypeArray        = 28
	opTypeRuntimeArray = 29
	opTypeStruct       = 30
	opTypePointer      = 32
	opFunction         = 54
	opFunctionEnd      = 56
	opFunctionCall     = 57
	opVariable         = 59
	opImageTexelPtr    = 60
	opLoad             = 61
	opStore            = 62
	opCopyMemory       = 63
	opCopyMemorySized  = 64
	opAccessChain      = 65
	opInBoundsChain    = 66
	opPtrAccessChain   = 67
	opArrayLength      = 68
	opDecorate         = 71
	opCopyObject       = 83
	opAtomicLoad       = 227
	opAtomicStore      = 228
	opAtomicXor        = 242
	opAtomicFlagTest   = 318
	opAtomicFlagClear  = 319

	decorationBufferBlock   = 3
	decorationBuiltIn       = 11
	decorationLocation      = 30
	decorationBinding       = 33
	decorationDescriptorSet = 34

	storageUniformConstant = 0
	storageInput           = 1
	storageUniform         = 2
	storagePushConstant    = 9
	storageStorageBuffer   = 12
)

// Stage is a SPIR-V execution model.
type Stage uint32

// Execution models.
const (
	StageVertex   Stage = 0
	StageFragment Stage = 4
	StageCompute  Stage = 5
)

func (s Stage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	case StageCompute:
		return "compute"
	}
	return fmt.Sprintf("Stage(%d)", uint32(s))
}

// ResourceKind is the type of resource a binding refers to.
type ResourceKind uint8

// Resource kinds.
const (
	ResourceUnknown ResourceKind = iota
	ResourceImage
	ResourceSampler
	ResourceSampledImage
	ResourceUniformBuffer
	ResourceStorageBuffer
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceImage:
		return "image"
	case ResourceSampler:
		return "sampler"
	case ResourceSampledImage:
		return "sampled_image"
	case ResourceUniformBuffer:
		return "uniform_buffer"
	case ResourceStorageBuffer:
		return "storage_buffer"
	}
	return "unknown"
}

// EntryPoint is one entry point of a module.
type EntryPoint struct {
	Name  string
	Stage Stage

	// Inputs are the locations of the user-defined input variables in the
	// entry point interface, sorted ascending.
	Inputs []uint32

	// Bindings are the descriptor bindings reachable from the entry
	// point's call graph, sorted by set and binding.
	Bindings []Binding

	UsesPushConstants bool
}

// Binding is a descriptor binding declared by a module.
type Binding struct {
	Set     uint32
	Binding uint32
	Kind    ResourceKind
	Name    string
}

// Module is the reflected interface of a SPIR-V module. Bindings and
// UsesPushConstants cover every entry point.
type Module struct {
	Version           uint32
	EntryPoints       []EntryPoint
	Bindings          []Binding
	UsesPushConstants bool
}

// EntryPoint returns the first entry point for stage.
func (m *Module) EntryPoint(stage Stage) (EntryPoint, bool) {
	for _, ep := range m.EntryPoints {
		if ep.Stage == stage {
			return ep, true
		}
	}
	return EntryPoint{}, false
}

// Binding returns the binding at (set, binding).
func (m *Module) Binding(set, binding uint32) (Binding, bool) {
	for _, b := range m.Bindings {
		if b.Set == set && b.Binding == binding {
			return b, true
		}
	}
	return Binding{}, false
}

type variable struct {
	id      uint32
	typeID  uint32
	storage uint32
}

type decorations struct {
	set, binding, location uint32
	hasSet, hasBinding     bool
	hasLocation, builtIn   bool
	bufferBlock            bool
}

type rawEntryPoint struct {
	name  string
	stage Stage
	fn    uint32
	iface []uint32
}

// function records what one function body references.
type function struct {
	calls []uint32
	refs  []uint32
}

// pointerOperands returns the operands of a function-body instruction
// that may name a global variable.
func pointerOperands(op uint32, ops []uint32) []uint32 {
	at := func(i ...int) []uint32 {
		var out []uint32
		for _, j := range i {
			if j < len(ops) {
				out = append(out, ops[j])
			}
		}
		return out
	}
	switch {
	case op == opLoad, op == opAccessChain, op == opInBoundsChain, op == opPtrAccessChain,
		op == opImageTexelPtr, op == opArrayLength, op == opCopyObject:
		return at(2)
	case op == opStore, op == opCopyMemory, op == opCopyMemorySized:
		return at(0, 1)
	case op == opFunctionCall:
		if len(ops) > 3 {
			return ops[3:]
		}
	case op == opAtomicStore, op == opAtomicFlagClear:
		return at(0)
	case op >= opAtomicLoad && op <= opAtomicXor, op == opAtomicFlagTest:
		return at(2)
	}
	return nil
}

// Reflect decodes words into a Module.
func Reflect(words []uint32) (*Module, error) {
	if len(words) < 5 {
		return nil, fmt.Errorf("%w: %d words is shorter than the header", ErrInvalid, len(words))
	}
	if words[0] != Magic {
		return nil, fmt.Errorf("%w: magic %#08x", ErrInvalid, words[0])
	}

	names := make(map[uint32]string)
	decos := make(map[uint32]*decorations)
	pointers := make(map[uint32][2]uint32) // id -> (storage class, pointee)
	typeOps := make(map[uint32]uint32)     // id -> opcode
	elemTypes := make(map[uint32]uint32)   // array id -> element type
	var (
		vars    []variable
		entries []rawEntryPoint
		funcs   = make(map[uint32]*function)
		current *function
	)
	deco := func(id uint32) *decorations {
		d, ok := decos[id]
		if !ok {
			d = &decorations{}
			decos[id] = d
		}
		return d
	}

	for pc := 5; pc < len(words); {
		count := int(words[pc] >> 16)
		op := words[pc] & 0xffff
		if count == 0 || pc+count > len(words) {
			return nil, fmt.Errorf("%w: instruction at word %d has length %d", ErrInvalid, pc, count)
		}
		ops := words[pc+1 : pc+count]

		switch op {
		case opName:
			if len(ops) >= 1 {
				names[ops[0]], _ = literalString(ops[1:])
			}
		case opEntryPoint:
			if len(ops) >= 3 {
				name, n := literalString(ops[2:])
				entries = append(entries, rawEntryPoint{
					name:  name,
					stage: Stage(ops[0]),
					fn:    ops[1],
					iface: ops[2+n:],
				})
			}
		case opDecorate:
			if len(ops) >= 2 {
				d := deco(ops[0])
				switch ops[1] {
				case decorationBinding:
					if len(ops) >= 3 {
						d.binding, d.hasBinding = ops[2], true
					}
				case decorationDescriptorSet:
					if len(ops) >= 3 {
						d.set, d.hasSet = ops[2], true
					}
				case decorationLocation:
					if len(ops) >= 3 {
						d.location, d.hasLocation = ops[2], true
					}
				case decorationBuiltIn:
					d.builtIn = true
				case decorationBufferBlock:
					d.bufferBlock = true
				}
			}
		case opTypeImage, opTypeSampler, opTypeSampledImage, opTypeStruct:
			if len(ops) >= 1 {
				typeOps[ops[0]] = op
			}
		case opTypeArray, opTypeRuntimeArray:
			if len(ops) >= 2 {
				typeOps[ops[0]] = op
				elemTypes[ops[0]] = ops[1]
			}
		case opTypePointer:
			if len(ops) >= 3 {
				pointers[ops[0]] = [2]uint32{ops[1], ops[2]}
			}
		case opVariable:
			if current == nil && len(ops) >= 3 {
				vars = append(vars, variable{typeID: ops[0], id: ops[1], storage: ops[2]})
			}
		case opFunction:
			if len(ops) >= 2 {
				current = &function{}
				funcs[ops[1]] = current
			}
		case opFunctionEnd:
			current = nil
		}
		if current != nil {
			if op == opFunctionCall && len(ops) >= 3 {
				current.calls = append(current.calls, ops[2])
			}
			current.refs = append(current.refs, pointerOperands(op, ops)...)
		}
		pc += count
	}

	m := &Module{Version: words[1]}
	inputs := make(map[uint32]uint32)   // variable id -> location
	bindings := make(map[uint32]Binding) // variable id -> binding
	push := make(map[uint32]bool)

	for _, v := range vars {
		d := decos[v.id]
		switch v.storage {
		case storagePushConstant:
			push[v.id] = true
			m.UsesPushConstants = true
		case storageInput:
			if d != nil && d.hasLocation && !d.builtIn {
				inputs[v.id] = d.location
			}
		case storageUniformConstant, storageUniform, storageStorageBuffer:
			if d == nil || !d.hasBinding {
				continue
			}
			pointee := pointers[v.typeID][1]
			for typeOps[pointee] == opTypeArray || typeOps[pointee] == opTypeRuntimeArray {
				pointee = elemTypes[pointee]
			}
			b := Binding{
				Set:     d.set,
				Binding: d.binding,
				Kind:    resourceKind(v.storage, typeOps[pointee], decos[pointee]),
				Name:    names[v.id],
			}
			bindings[v.id] = b
			m.Bindings = append(m.Bindings, b)
		}
	}
	sortBindings(m.Bindings)

	for _, ep := range entries {
		out := EntryPoint{Name: ep.name, Stage: ep.stage}
		for _, id := range ep.iface {
			if loc, ok := inputs[id]; ok {
				out.Inputs = append(out.Inputs, loc)
			}
		}
		slices.Sort(out.Inputs)

		// Since SPIR-V 1.4 the interface lists every global the entry
		// point uses; earlier versions list only inputs and outputs.
		used := make(map[uint32]bool)
		for _, id := range ep.iface {
			used[id] = true
		}
		for _, id := range reachable(funcs, ep.fn) {
			used[id] = true
		}
		for id := range used {
			if b, ok := bindings[id]; ok {
				out.Bindings = append(out.Bindings, b)
			}
			out.UsesPushConstants = out.UsesPushConstants || push[id]
		}
		sortBindings(out.Bindings)
		m.EntryPoints = append(m.EntryPoints, out)
	}
	return m, nil
}

// reachable returns the ids referenced by entry and every function it
// calls, directly or not.
func reachable(funcs map[uint32]*function, entry uint32) []uint32 {
	var refs []uint32
	seen := map[uint32]bool{entry: true}
	queue := []uint32{entry}
	for len(queue) > 0 {
		f, ok := funcs[queue[0]]
		queue = queue[1:]
		if !ok {
			continue
		}
		refs = append(refs, f.refs...)
		for _, c := range f.calls {
			if !seen[c] {
				seen[c] = true
				queue = append(queue, c)
			}
		}
	}
	return refs
}

func sortBindings(bs []Binding) {
	slices.SortFunc(bs, func(a, b Binding) int {
		return cmp.Or(cmp.Compare(a.Set, b.Set), cmp.Compare(a.Binding, b.Binding))
	})
}

func resourceKind(storage, typeOp uint32, d *decorations) ResourceKind {
	switch typeOp {
	case opTypeImage:
		return ResourceImage
	case opTypeSampler:
		return ResourceSampler
	case opTypeSampledImage:
		return ResourceSampledImage
	case opTypeStruct:
		if storage == storageStorageBuffer || (d != nil && d.bufferBlock) {
			return ResourceStorageBuffer
		}
		if storage == storageUniform {
			return ResourceUniformBuffer
		}
	}
	return ResourceUnknown
}

// literalString decodes a nul-terminated string packed little-endian into
// words. It returns the string and the number of words it occupied.
func literalString(words []uint32) (string, int) {
	var b []byte
	for i, w := range words {
		for shift := 0; shift < 32; shift += 8 {
			c := byte(w >> shift)
			if c == 0 {
				return string(b), i + 1
			}
			b = append(b, c)
		}
	}
	return string(b), len(words)
}

// Words converts little-endian SPIR-V bytes into words.
func Words(data []byte) ([]uint32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of 4", ErrInvalid, len(data))
	}
	// SPIR-V is little-endian 32-bit words
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
	}
	return words, nil
}
