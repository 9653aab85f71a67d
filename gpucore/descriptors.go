package gpucore

import (
	"time"

	"github.com/gogpu/gputypes"
)

// InstanceDesc configures backend instance creation.
type InstanceDesc struct {
	// Label is an optional debug label.
	Label string

	// Validation enables backend validation layers when available.
	Validation bool
}

// AdapterInfo describes a physical adapter.
type AdapterInfo struct {
	Name    string
	Backend string
	Type    DeviceType
	Vendor  uint32
	Device  uint32
}

// QueueFamily describes one queue family of an adapter.
type QueueFamily struct {
	ID    FamilyID
	Count int
	Caps  QueueCaps
}

// QueueRequest asks for Count queues of one family at device creation.
type QueueRequest struct {
	Family FamilyID
	Count  int
}

// DeviceDesc configures logical device creation.
type DeviceDesc struct {
	Label  string
	Queues []QueueRequest
}

// Limits reports the device limits gal validates against.
type Limits struct {
	MaxBufferSize       uint64
	MaxImageDimension2D uint32
	MaxPushConstantSize uint32
	MaxBoundSets        uint32
	MaxVertexAttributes uint32
}

// DefaultLimits returns conservative limits every backend supports.
func DefaultLimits() Limits {
	return Limits{
		MaxBufferSize:       256 << 20,
		MaxImageDimension2D: 8192,
		MaxPushConstantSize: 128,
		MaxBoundSets:        4,
		MaxVertexAttributes: 16,
	}
}

// BufferDesc describes a buffer.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage

	// HostVisible requests memory the CPU can read and write through
	// Device.WriteBuffer and Device.ReadBuffer.
	HostVisible bool
}

// ImageDesc describes a 2D image.
type ImageDesc struct {
	Label     string
	Width     uint32
	Height    uint32
	Format    gputypes.TextureFormat
	Usage     gputypes.TextureUsage
	MipLevels uint32
	Samples   uint32
}

// SamplerDesc describes a sampler.
type SamplerDesc struct {
	Label       string
	AddressMode AddressMode
	MagFilter   FilterMode
	MinFilter   FilterMode
	MipFilter   FilterMode
}

// ShaderModuleDesc describes a shader module from SPIR-V words.
type ShaderModuleDesc struct {
	Label string
	Stage ShaderStage
	SPIRV []uint32
}

// ColorAttachmentDesc describes one color attachment of a render pass.
type ColorAttachmentDesc struct {
	Format        gputypes.TextureFormat
	Samples       uint32
	LoadOp        gputypes.LoadOp
	StoreOp       gputypes.StoreOp
	InitialLayout ImageLayout
	FinalLayout   ImageLayout
}

// DepthAttachmentDesc describes the depth attachment of a render pass.
type DepthAttachmentDesc struct {
	Format  gputypes.TextureFormat
	LoadOp  gputypes.LoadOp
	StoreOp gputypes.StoreOp
}

// RenderPassDesc describes the attachments of a render pass.
type RenderPassDesc struct {
	Label  string
	Colors []ColorAttachmentDesc
	Depth  *DepthAttachmentDesc
}

// DescriptorBinding is one slot of a descriptor-set layout.
type DescriptorBinding struct {
	Binding uint32
	Type    DescriptorType
	Stages  ShaderStage
	Count   uint32
}

// DescriptorSetLayoutDesc describes a descriptor-set layout.
type DescriptorSetLayoutDesc struct {
	Label    string
	Bindings []DescriptorBinding
}

// DescriptorWrite binds one resource to one slot of a descriptor set.
// Exactly the fields matching the slot type are used.
type DescriptorWrite struct {
	Binding uint32
	Buffer  BufferID
	Offset  uint64
	Size    uint64
	Image   ImageID
	Sampler SamplerID
}

// DescriptorSetDesc describes a descriptor set and its contents.
type DescriptorSetDesc struct {
	Label  string
	Layout DescriptorSetLayoutID
	Writes []DescriptorWrite
}

// PushConstantRange is a push-constant block visible to some stages.
type PushConstantRange struct {
	Stages ShaderStage
	Offset uint32
	Size   uint32
}

// PipelineLayoutDesc describes a pipeline layout.
type PipelineLayoutDesc struct {
	Label         string
	SetLayouts    []DescriptorSetLayoutID
	PushConstants []PushConstantRange
}

// VertexAttribute is one attribute of a vertex buffer layout.
type VertexAttribute struct {
	Location uint32
	Format   gputypes.VertexFormat
	Offset   uint32
}

// VertexLayout is the layout of one interleaved vertex buffer.
type VertexLayout struct {
	Stride     uint32
	Attributes []VertexAttribute
}

// ShaderStageDesc names a module and its entry point.
type ShaderStageDesc struct {
	Module     ShaderModuleID
	EntryPoint string
}

// RenderPipelineDesc describes a graphics pipeline.
type RenderPipelineDesc struct {
	Label      string
	Layout     PipelineLayoutID
	RenderPass RenderPassID
	Vertex     ShaderStageDesc
	Fragment   ShaderStageDesc
	Buffers    []VertexLayout
	Topology   gputypes.PrimitiveTopology
	CullMode   gputypes.CullMode
	Blend      bool
	Samples    uint32
}

// CommandPoolDesc describes a command pool.
type CommandPoolDesc struct {
	Label  string
	Family FamilyID
	Flags  CommandPoolFlags
}

// BufferCopy is one region of a buffer-to-buffer copy.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// BufferImageCopy is one region of a buffer/image copy.
// BytesPerRow of zero means tightly packed rows.
type BufferImageCopy struct {
	BufferOffset uint64
	BytesPerRow  uint32
	X, Y         uint32
	Width        uint32
	Height       uint32
}

// Viewport is the transform from normalized device coordinates to
// framebuffer coordinates.
type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

// Rect is an integer rectangle in framebuffer coordinates.
type Rect struct {
	X, Y          int32
	Width, Height uint32
}

// RenderPassBegin starts an instance of a render pass on concrete images.
type RenderPassBegin struct {
	RenderPass RenderPassID
	Colors     []ImageID
	Depth      ImageID
	Area       Rect
	Clear      []gputypes.Color
	ClearDepth float32
}

// BufferBarrier orders access to a buffer range.
type BufferBarrier struct {
	Buffer BufferID
	Offset uint64
	Size   uint64
}

// ImageBarrier orders access to an image and transitions its layout.
type ImageBarrier struct {
	Image     ImageID
	OldLayout ImageLayout
	NewLayout ImageLayout
}

// Barrier is a pipeline memory barrier.
type Barrier struct {
	SrcStage  PipelineStage
	DstStage  PipelineStage
	SrcAccess Access
	DstAccess Access
	Buffers   []BufferBarrier
	Images    []ImageBarrier
}

// SemaphoreWait is a semaphore wait at a pipeline stage.
type SemaphoreWait struct {
	Semaphore SemaphoreID
	Stage     PipelineStage
}

// SubmitDesc is one batch of a queue submission.
type SubmitDesc struct {
	CommandBuffers []CommandBufferID
	Wait           []SemaphoreWait
	Signal         []SemaphoreID
	Fence          FenceID
}

// WindowHandle identifies a native window supplied by the windowing
// collaborator. Kind names the platform ("xlib", "wayland", "win32",
// "metal", "headless"); Display and Window carry its native pointers.
type WindowHandle struct {
	Kind    string
	Display uintptr
	Window  uintptr
	Width   uint32
	Height  uint32
}

// SurfaceConfig configures the presentable images of a surface.
type SurfaceConfig struct {
	Format      gputypes.TextureFormat
	Width       uint32
	Height      uint32
	ImageCount  uint32
	Usage       gputypes.TextureUsage
	AcquireWait time.Duration
}
