// Package gal is a backend-agnostic abstraction over explicit GPU APIs.
//
// # Overview
//
// gal gives rendering code devices, queues, command buffers and manual
// synchronization without exposing platform handles. It keeps the explicit
// model of Vulkan-class APIs: the caller records command buffers, submits
// them with semaphores and fences, and decides when GPU objects may be
// recycled. gal adds ownership on top: every object is wrapped in a
// [Guard] that releases the native handle exactly once, and misuse of the
// recording protocol panics with a [*Fault] instead of corrupting the GPU.
//
// # Quick Start
//
//	dev, err := gal.Open(gal.WithBackend("soft"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	q, err := dev.TakeQueue(0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer q.Release()
//
//	pool, err := dev.CreateCommandPool(0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Release()
//
//	cb, _ := pool.Allocate()
//	_ = cb.Begin()
//	cb.CopyBuffer(src, dst, gpucore.BufferCopy{Size: 256})
//	_ = cb.Finish()
//
//	fence, _ := dev.CreateFence("copy", false)
//	defer fence.Release()
//	_ = q.Submit(gal.Submission{CommandBuffers: []*gal.CommandBuffer{cb}, Fence: fence})
//	_, _ = fence.Wait(time.Second)
//
// # Backends
//
// Backends register with package backend from init functions:
//
//   - soft: pure Go reference device, always available
//   - wgpu: gogpu/wgpu HAL on Vulkan
//   - wgpu-noop: gogpu/wgpu HAL noop device, for tests and CI
//   - vulkan: direct Vulkan via vulkan-go (build tag "vulkan")
//
// [Open] picks the first available backend in priority order unless
// [WithBackend] names one.
//
// # Command Buffers
//
// A [CommandBuffer] moves through Initial, Recording, Executable and
// Pending. Recording methods called in any other state panic with a
// [*Fault]. A pending buffer returns to Initial once the fence of its
// submission is observed signaled, through [Fence.Wait], [Fence.Status],
// [Device.Poll] or [CommandPool.Reset].
//
// # Synchronization
//
// Semaphores are binary: every wait must consume exactly one earlier
// signal. Fences report completion to the host. [FrameRing] combines
// both into the usual frames-in-flight loop.
//
// # Errors
//
// Setup and exhaustion failures are returned as typed errors
// ([*DeviceCreationError], [*QueueUnavailableError],
// [*PipelineCreationError], [*ShaderCompileError], [*AllocationError]).
// Protocol violations are programming errors and panic with [*Fault].
package gal

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
