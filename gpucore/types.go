package gpucore

import "fmt"

// Resource IDs
//
// These opaque IDs represent GPU objects. Each backend maintains a
// mapping between IDs and its native objects.

// BufferID is an opaque handle to a GPU buffer.
type BufferID uint64

// ImageID is an opaque handle to a GPU image (texture).
type ImageID uint64

// SamplerID is an opaque handle to a sampler.
type SamplerID uint64

// ShaderModuleID is an opaque handle to a compiled shader module.
type ShaderModuleID uint64

// SemaphoreID is an opaque handle to a binary semaphore.
type SemaphoreID uint64

// FenceID is an opaque handle to a fence.
type FenceID uint64

// CommandPoolID is an opaque handle to a command pool.
type CommandPoolID uint64

// CommandBufferID is an opaque handle to a command buffer.
type CommandBufferID uint64

// RenderPassID is an opaque handle to a render pass description.
type RenderPassID uint64

// DescriptorSetLayoutID is an opaque handle to a descriptor-set layout.
type DescriptorSetLayoutID uint64

// DescriptorSetID is an opaque handle to a descriptor set.
type DescriptorSetID uint64

// PipelineLayoutID is an opaque handle to a pipeline layout.
type PipelineLayoutID uint64

// PipelineID is an opaque handle to a render pipeline.
type PipelineID uint64

// SurfaceID is an opaque handle to a presentable surface.
type SurfaceID uint64

// QueueID is an opaque handle to a native queue. Queues are owned by the
// device and are never destroyed individually.
type QueueID uint64

// InvalidID is the zero value, representing an invalid/null object.
const InvalidID = 0

// ObjectKind identifies the kind of object an ID refers to.
type ObjectKind uint8

// Object kinds.
const (
	KindBuffer ObjectKind = iota + 1
	KindImage
	KindSampler
	KindShaderModule
	KindSemaphore
	KindFence
	KindCommandPool
	KindCommandBuffer
	KindRenderPass
	KindDescriptorSetLayout
	KindDescriptorSet
	KindPipelineLayout
	KindPipeline
	KindSurface
)

// Kinds lists every destroyable object kind in creation-dependency order.
var Kinds = []ObjectKind{
	KindBuffer, KindImage, KindSampler, KindShaderModule,
	KindSemaphore, KindFence, KindCommandPool, KindCommandBuffer,
	KindRenderPass, KindDescriptorSetLayout, KindDescriptorSet,
	KindPipelineLayout, KindPipeline, KindSurface,
}

var kindNames = [...]string{
	KindBuffer:              "buffer",
	KindImage:               "image",
	KindSampler:             "sampler",
	KindShaderModule:        "shader_module",
	KindSemaphore:           "semaphore",
	KindFence:               "fence",
	KindCommandPool:         "command_pool",
	KindCommandBuffer:       "command_buffer",
	KindRenderPass:          "render_pass",
	KindDescriptorSetLayout: "descriptor_set_layout",
	KindDescriptorSet:       "descriptor_set",
	KindPipelineLayout:      "pipeline_layout",
	KindPipeline:            "pipeline",
	KindSurface:             "surface",
}

// String returns the snake_case name of the kind.
func (k ObjectKind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("ObjectKind(%d)", uint8(k))
}

// Handle is implemented by every destroyable ID type.
type Handle interface {
	comparable
	Kind() ObjectKind
	Raw() uint64
}

func (id BufferID) Kind() ObjectKind              { return KindBuffer }
func (id ImageID) Kind() ObjectKind               { return KindImage }
func (id SamplerID) Kind() ObjectKind             { return KindSampler }
func (id ShaderModuleID) Kind() ObjectKind        { return KindShaderModule }
func (id SemaphoreID) Kind() ObjectKind           { return KindSemaphore }
func (id FenceID) Kind() ObjectKind               { return KindFence }
func (id CommandPoolID) Kind() ObjectKind         { return KindCommandPool }
func (id CommandBufferID) Kind() ObjectKind       { return KindCommandBuffer }
func (id RenderPassID) Kind() ObjectKind          { return KindRenderPass }
func (id DescriptorSetLayoutID) Kind() ObjectKind { return KindDescriptorSetLayout }
func (id DescriptorSetID) Kind() ObjectKind       { return KindDescriptorSet }
func (id PipelineLayoutID) Kind() ObjectKind      { return KindPipelineLayout }
func (id PipelineID) Kind() ObjectKind            { return KindPipeline }
func (id SurfaceID) Kind() ObjectKind             { return KindSurface }

func (id BufferID) Raw() uint64              { return uint64(id) }
func (id ImageID) Raw() uint64               { return uint64(id) }
func (id SamplerID) Raw() uint64             { return uint64(id) }
func (id ShaderModuleID) Raw() uint64        { return uint64(id) }
func (id SemaphoreID) Raw() uint64           { return uint64(id) }
func (id FenceID) Raw() uint64               { return uint64(id) }
func (id CommandPoolID) Raw() uint64         { return uint64(id) }
func (id CommandBufferID) Raw() uint64       { return uint64(id) }
func (id RenderPassID) Raw() uint64          { return uint64(id) }
func (id DescriptorSetLayoutID) Raw() uint64 { return uint64(id) }
func (id DescriptorSetID) Raw() uint64       { return uint64(id) }
func (id PipelineLayoutID) Raw() uint64      { return uint64(id) }
func (id PipelineID) Raw() uint64            { return uint64(id) }
func (id SurfaceID) Raw() uint64             { return uint64(id) }

// FamilyID identifies a queue family on an adapter.
type FamilyID uint32

// QueueCaps is a bitmask of operations a queue family supports.
type QueueCaps uint32

// Queue capability flags.
const (
	QueueGraphics QueueCaps = 1 << iota
	QueueCompute
	QueueTransfer
	QueuePresent
)

// Has reports whether all bits of c2 are set in c.
func (c QueueCaps) Has(c2 QueueCaps) bool { return c&c2 == c2 }

// DeviceType classifies an adapter.
type DeviceType uint8

// Device types, ordered by selection preference (lower is preferred).
const (
	DeviceTypeDiscrete DeviceType = iota
	DeviceTypeIntegrated
	DeviceTypeVirtual
	DeviceTypeCPU
	DeviceTypeOther
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeDiscrete:
		return "discrete"
	case DeviceTypeIntegrated:
		return "integrated"
	case DeviceTypeVirtual:
		return "virtual"
	case DeviceTypeCPU:
		return "cpu"
	default:
		return "other"
	}
}

// ShaderStage is a bitmask of programmable pipeline stages.
type ShaderStage uint32

// Shader stages.
const (
	StageVertex ShaderStage = 1 << iota
	StageFragment
	StageCompute
)

// StageAllGraphics covers the vertex and fragment stages.
const StageAllGraphics = StageVertex | StageFragment

// PipelineStage is a bitmask of points in the pipeline where a
// semaphore wait or a barrier takes effect.
type PipelineStage uint32

// Pipeline stages.
const (
	PipelineStageTopOfPipe PipelineStage = 1 << iota
	PipelineStageVertexInput
	PipelineStageVertexShader
	PipelineStageFragmentShader
	PipelineStageColorAttachmentOutput
	PipelineStageTransfer
	PipelineStageBottomOfPipe
	PipelineStageAllCommands
)

// Access is a bitmask of memory access types used in barriers.
type Access uint32

// Access flags.
const (
	AccessTransferRead Access = 1 << iota
	AccessTransferWrite
	AccessShaderRead
	AccessShaderWrite
	AccessColorAttachmentWrite
	AccessHostRead
	AccessHostWrite
	AccessVertexRead
	AccessUniformRead
)

// ImageLayout is the memory layout an image is in.
type ImageLayout uint8

// Image layouts.
const (
	LayoutUndefined ImageLayout = iota
	LayoutGeneral
	LayoutColorAttachment
	LayoutDepthAttachment
	LayoutShaderReadOnly
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPresent
)

func (l ImageLayout) String() string {
	switch l {
	case LayoutUndefined:
		return "undefined"
	case LayoutGeneral:
		return "general"
	case LayoutColorAttachment:
		return "color_attachment"
	case LayoutDepthAttachment:
		return "depth_attachment"
	case LayoutShaderReadOnly:
		return "shader_read_only"
	case LayoutTransferSrc:
		return "transfer_src"
	case LayoutTransferDst:
		return "transfer_dst"
	case LayoutPresent:
		return "present"
	}
	return fmt.Sprintf("ImageLayout(%d)", uint8(l))
}

// DescriptorType is the kind of resource bound at a descriptor slot.
type DescriptorType uint8

// Descriptor types.
const (
	DescriptorTexture DescriptorType = iota + 1
	DescriptorSampler
	DescriptorCombinedImageSampler
	DescriptorUniformBuffer
	DescriptorStorageBuffer
)

func (t DescriptorType) String() string {
	switch t {
	case DescriptorTexture:
		return "texture"
	case DescriptorSampler:
		return "sampler"
	case DescriptorCombinedImageSampler:
		return "combined_image_sampler"
	case DescriptorUniformBuffer:
		return "uniform_buffer"
	case DescriptorStorageBuffer:
		return "storage_buffer"
	}
	return fmt.Sprintf("DescriptorType(%d)", uint8(t))
}

// CommandPoolFlags configure how command buffers of a pool are reset.
type CommandPoolFlags uint32

// Command pool flags.
const (
	// PoolTransient hints that buffers are short-lived and re-recorded often.
	PoolTransient CommandPoolFlags = 1 << iota

	// PoolResetIndividual allows resetting buffers one by one instead of
	// only through a pool-wide reset.
	PoolResetIndividual
)

// IndexFormat is the element type of an index buffer.
type IndexFormat uint8

// Index formats.
const (
	IndexUint16 IndexFormat = iota + 1
	IndexUint32
)

// FilterMode selects texel filtering.
type FilterMode uint8

// Filter modes.
const (
	FilterNearest FilterMode = iota
	FilterLinear
)

// AddressMode selects texture coordinate wrapping.
type AddressMode uint8

// Address modes.
const (
	AddressClampToEdge AddressMode = iota
	AddressRepeat
	AddressMirrorRepeat
)
