// Package wgpu implements the gpucore device contract on top of the
// gogpu/wgpu hardware abstraction layer.
//
// Two backends are registered:
//
//   - "wgpu" drives the Vulkan HAL of gogpu/wgpu. Its factory checks the
//     loader and reports backend.ErrNotInitialized when no adapter is
//     found, so selection falls through to the next backend.
//   - "wgpu-noop" drives the HAL noop device. Resources are tracked and
//     buffers hold real bytes, but command buffers do nothing. It is
//     useful for exercising the gal bookkeeping without a GPU.
//
// # Mapping
//
// The HAL exposes a single in-order queue per device, so the adapter
// reports one queue family with one queue. Fences are emulated on top
// of submission indices: a fence remembers the index of the submission
// it was attached to and is signaled once the queue reports that index
// as completed. Binary semaphores only need bookkeeping because every
// submission already executes after the previous one.
//
// Images are a HAL texture plus a default 2D view. Descriptor sets map
// to bind groups; the bind group is (re)built whenever a write completes
// the set. Push constants and surfaces are not available and fail with
// gpucore.ErrUnsupported.
package wgpu
