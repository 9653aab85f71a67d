package gpucore

import (
	"errors"
	"time"
)

// Contract errors shared by all backends.
var (
	// ErrUnsupported is returned when a backend does not implement an
	// optional capability (surfaces, push constants, ...).
	ErrUnsupported = errors.New("gpucore: operation not supported by backend")

	// ErrUnknownHandle is returned when an ID does not name a live object.
	ErrUnknownHandle = errors.New("gpucore: unknown handle")

	// ErrOutOfMemory is returned when an allocation cannot be satisfied.
	ErrOutOfMemory = errors.New("gpucore: out of memory")

	// ErrDeviceLost is returned after the device became unusable.
	ErrDeviceLost = errors.New("gpucore: device lost")
)

// Backend creates instances of one native graphics API.
type Backend interface {
	// Name returns the backend identifier ("soft", "wgpu", "vulkan").
	Name() string

	// CreateInstance connects to the native API.
	CreateInstance(desc *InstanceDesc) (Instance, error)
}

// Instance is a connection to a native API, owning adapters and surfaces.
type Instance interface {
	// Adapters enumerates the physical adapters.
	Adapters() []Adapter

	// CreateSurface creates a presentable surface for a native window.
	CreateSurface(window WindowHandle) (SurfaceID, error)

	// DestroySurface destroys a surface created by CreateSurface.
	DestroySurface(id SurfaceID)

	// Destroy releases the instance. All devices must be destroyed first.
	Destroy()
}

// Adapter is a physical GPU (or a software stand-in).
type Adapter interface {
	Info() AdapterInfo
	QueueFamilies() []QueueFamily
	Limits() Limits

	// Open creates a logical device with the requested queues.
	Open(desc *DeviceDesc) (Device, error)
}

// ResourceDevice creates and destroys memory-backed resources.
type ResourceDevice interface {
	CreateBuffer(desc *BufferDesc) (BufferID, error)
	DestroyBuffer(id BufferID)

	// WriteBuffer copies data into a host-visible buffer.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// ReadBuffer copies a host-visible buffer into dst.
	ReadBuffer(id BufferID, offset uint64, dst []byte) error

	CreateImage(desc *ImageDesc) (ImageID, error)
	DestroyImage(id ImageID)

	CreateSampler(desc *SamplerDesc) (SamplerID, error)
	DestroySampler(id SamplerID)

	CreateShaderModule(desc *ShaderModuleDesc) (ShaderModuleID, error)
	DestroyShaderModule(id ShaderModuleID)
}

// PipelineDevice creates render passes, layouts and pipelines.
type PipelineDevice interface {
	CreateRenderPass(desc *RenderPassDesc) (RenderPassID, error)
	DestroyRenderPass(id RenderPassID)

	CreateDescriptorSetLayout(desc *DescriptorSetLayoutDesc) (DescriptorSetLayoutID, error)
	DestroyDescriptorSetLayout(id DescriptorSetLayoutID)

	CreateDescriptorSet(desc *DescriptorSetDesc) (DescriptorSetID, error)
	UpdateDescriptorSet(id DescriptorSetID, writes []DescriptorWrite) error
	DestroyDescriptorSet(id DescriptorSetID)

	CreatePipelineLayout(desc *PipelineLayoutDesc) (PipelineLayoutID, error)
	DestroyPipelineLayout(id PipelineLayoutID)

	CreateRenderPipeline(desc *RenderPipelineDesc) (PipelineID, error)
	DestroyPipeline(id PipelineID)
}

// SyncDevice creates and observes synchronization primitives.
type SyncDevice interface {
	CreateSemaphore() (SemaphoreID, error)
	DestroySemaphore(id SemaphoreID)

	CreateFence(signaled bool) (FenceID, error)
	DestroyFence(id FenceID)

	// WaitFence blocks until the fence is signaled or the timeout
	// elapses; a negative timeout waits forever. It reports whether the
	// fence is signaled.
	WaitFence(id FenceID, timeout time.Duration) (bool, error)

	// FenceStatus reports whether the fence is signaled without blocking.
	FenceStatus(id FenceID) (bool, error)

	// ResetFence returns the fence to the unsignaled state.
	ResetFence(id FenceID) error
}

// CommandDevice manages command pools and command buffers.
type CommandDevice interface {
	CreateCommandPool(desc *CommandPoolDesc) (CommandPoolID, error)
	DestroyCommandPool(id CommandPoolID)

	// ResetCommandPool returns every buffer of the pool to the initial state.
	ResetCommandPool(id CommandPoolID) error

	AllocateCommandBuffer(pool CommandPoolID) (CommandBufferID, error)
	FreeCommandBuffer(pool CommandPoolID, id CommandBufferID)

	// ResetCommandBuffer returns one buffer to the initial state.
	ResetCommandBuffer(id CommandBufferID) error

	// BeginCommandBuffer starts recording and returns the encoder that
	// writes into the buffer until End.
	BeginCommandBuffer(id CommandBufferID) (CommandEncoder, error)
}

// QueueDevice exposes queues and submission.
type QueueDevice interface {
	// Queue returns the native queue at (family, index).
	Queue(family FamilyID, index int) (QueueID, error)

	// Submit executes batches on a queue. Callers serialize Submit per
	// queue. On error no batch was submitted, unless the error wraps
	// ErrDeviceLost.
	Submit(queue QueueID, batches []SubmitDesc) error

	QueueWaitIdle(queue QueueID) error
	WaitIdle() error
}

// SurfaceDevice drives the presentable images of a surface.
type SurfaceDevice interface {
	// ConfigureSurface (re)creates the swap images of a surface.
	ConfigureSurface(surface SurfaceID, cfg *SurfaceConfig) ([]ImageID, error)

	// AcquireImage returns the index of the next image and signals the
	// semaphore when it may be written.
	AcquireImage(surface SurfaceID, signal SemaphoreID) (uint32, error)

	// Present queues an image for presentation after the waits.
	Present(queue QueueID, surface SurfaceID, index uint32, wait []SemaphoreID) error
}

// Device is a logical device: the sole creator and destroyer of objects.
type Device interface {
	ResourceDevice
	PipelineDevice
	SyncDevice
	CommandDevice
	QueueDevice
	SurfaceDevice

	// Destroy releases the device. Every object must be destroyed first.
	Destroy()
}

// CommandEncoder records into one command buffer between
// Device.BeginCommandBuffer and End. Encoders are not safe for
// concurrent use.
type CommandEncoder interface {
	BeginRenderPass(begin *RenderPassBegin)
	EndRenderPass()

	BindPipeline(pipeline PipelineID)
	BindVertexBuffer(slot uint32, buffer BufferID, offset uint64)
	BindIndexBuffer(buffer BufferID, offset uint64, format IndexFormat)
	BindDescriptorSet(layout PipelineLayoutID, index uint32, set DescriptorSetID)
	PushConstants(layout PipelineLayoutID, stages ShaderStage, offset uint32, data []byte)
	SetViewport(vp Viewport)
	SetScissor(r Rect)

	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)
	DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32)

	CopyBuffer(src, dst BufferID, regions []BufferCopy)
	CopyBufferToImage(src BufferID, dst ImageID, region BufferImageCopy)
	CopyImageToBuffer(src ImageID, dst BufferID, region BufferImageCopy)
	PipelineBarrier(b *Barrier)

	// End finishes recording. The buffer becomes executable.
	End() error
}

// Introspector is optionally implemented by devices that can report the
// number of live native objects per kind. Tests use it to detect leaks
// below the gal layer.
type Introspector interface {
	LiveObjects() map[ObjectKind]int
}
