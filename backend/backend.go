package backend

import (
	"errors"

	"github.com/gogpu/gal/gpucore"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNotInitialized is returned when a factory cannot initialize its
	// native library (driver missing, loader not found).
	ErrNotInitialized = errors.New("backend: not initialized")
)

// Backend names.
const (
	NameVulkan   = "vulkan"
	NameWGPU     = "wgpu"
	NameWGPUNoop = "wgpu-noop"
	NameSoft     = "soft"
)

// Backend is the runtime-selected native API strategy.
type Backend = gpucore.Backend
