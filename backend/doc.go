// Package backend selects the native graphics API gal runs on.
//
// Each backend package registers a factory from its init function and
// gal picks one at startup. Call sites above this package depend only on
// the [gpucore.Backend] interface, never on a concrete API.
//
// # Backend Registration
//
// Importing a backend package registers it:
//
//	import _ "github.com/gogpu/gal/backend/wgpu"
//
// The pure-Go "soft" backend is registered by the gal package itself, so
// a usable backend always exists.
//
// # Backend Selection
//
// Use Default to get the best available backend, Get to request one by
// name, or Select to walk an ordered preference list:
//
//	b, err := backend.Select("vulkan", "wgpu")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Available Backends
//
//   - "vulkan": Vulkan through vulkan-go (cgo, build tag "vulkan")
//   - "wgpu": Vulkan through the pure-Go gogpu/wgpu HAL
//   - "wgpu-noop": gogpu/wgpu HAL noop device (no GPU required)
//   - "soft": pure-Go reference device (always available)
package backend
