// Package gpucore defines the raw handle contract every gal backend
// implements.
//
// Everything above this package talks to the GPU through opaque IDs
// ([BufferID], [ImageID], [FenceID], ...) and the [Device] interface.
// A backend maps the IDs to its native objects, the same way the
// wgpu adapter maps them to hal objects:
//
//	               +-----------------+
//	               |       gal       |
//	               | Guard / Queue / |
//	               |  Pipeline ...   |
//	               +--------+--------+
//	                        | gpucore.Device
//	      +-----------------+-----------------+
//	      |                 |                 |
//	+-----v-----+     +-----v-----+     +-----v-----+
//	|   soft    |     |   wgpu    |     |  vulkan   |
//	| (pure Go) |     |(wgpu/hal) |     |(vulkan-go)|
//	+-----------+     +-----------+     +-----------+
//
// # Handles
//
// IDs are uint64 so every backend can store its native handle or a
// table index in them. Zero is [InvalidID] for every kind. Each ID type
// implements [Handle] so generic code can destroy it without knowing the
// concrete kind.
//
// # Threading
//
// A Device implementation must be safe for concurrent create/destroy
// calls. Submission to one queue and recording into one command buffer
// are serialized by the caller.
package gpucore
