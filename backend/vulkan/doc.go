// Package vulkan implements the gpucore device contract directly on the
// Vulkan C API through github.com/vulkan-go/vulkan.
//
// The package needs cgo and is only compiled with the "vulkan" build
// tag:
//
//	go build -tags vulkan ./...
//
// Importing it registers the "vulkan" backend, which has the highest
// selection priority. Its factory loads the Vulkan loader and reports
// backend.ErrNotInitialized when the loader is missing.
//
// # Mapping
//
// Queue families, fences and binary semaphores are native Vulkan
// objects. Every buffer and image owns a dedicated memory allocation;
// host-visible buffers use host-coherent memory and are mapped for each
// read or write. Framebuffers are created by BeginRenderPass and live
// until the command buffer that used them is reset or freed. Each
// descriptor set gets its own descriptor pool sized from its layout.
// Viewport and scissor are dynamic pipeline state and default to the
// render area when a render pass begins.
//
// Surfaces are not implemented and fail with gpucore.ErrUnsupported.
package vulkan
