package wgpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// HAL implementations register themselves with the hal registry.
	_ "github.com/gogpu/wgpu/hal/noop"
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/gal/backend"
	"github.com/gogpu/gal/gpucore"
)

// FamilyID is the only queue family of a wgpu adapter.
const FamilyID gpucore.FamilyID = 0

func init() {
	backend.Register(backend.NameWGPU, func() (backend.Backend, error) {
		b, err := New(gputypes.BackendVulkan)
		if err != nil {
			return nil, err
		}
		if err := b.detect(); err != nil {
			return nil, err
		}
		return b, nil
	})
	backend.Register(backend.NameWGPUNoop, func() (backend.Backend, error) {
		return New(gputypes.BackendEmpty)
	})
}

// Backend adapts one HAL variant to gpucore.Backend.
type Backend struct {
	name    string
	variant gputypes.Backend
	hal     hal.Backend
}

// New returns the backend for a registered HAL variant.
// gputypes.BackendVulkan is named "wgpu", gputypes.BackendEmpty
// "wgpu-noop".
func New(variant gputypes.Backend) (*Backend, error) {
	hb, ok := hal.GetBackend(variant)
	if !ok {
		return nil, fmt.Errorf("wgpu: hal %s: %w", variant, backend.ErrNotInitialized)
	}
	name := backend.NameWGPU
	if variant == gputypes.BackendEmpty {
		name = backend.NameWGPUNoop
	}
	return &Backend{name: name, variant: variant, hal: hb}, nil
}

// Name returns "wgpu" or "wgpu-noop".
func (b *Backend) Name() string { return b.name }

// detect checks that the native API is loadable and exposes an adapter.
func (b *Backend) detect() error {
	inst, err := b.hal.CreateInstance(&hal.InstanceDescriptor{Backends: gputypes.BackendsVulkan})
	if err != nil {
		return fmt.Errorf("wgpu: %w: %w", backend.ErrNotInitialized, err)
	}
	defer inst.Destroy()
	if len(inst.EnumerateAdapters(nil)) == 0 {
		return fmt.Errorf("wgpu: no %s adapter: %w", b.variant, backend.ErrNotInitialized)
	}
	return nil
}

// CreateInstance creates a HAL instance and wraps its adapters.
func (b *Backend) CreateInstance(desc *gpucore.InstanceDesc) (gpucore.Instance, error) {
	hd := &hal.InstanceDescriptor{Backends: gputypes.BackendsAll}
	if desc != nil && desc.Validation {
		hd.Flags = gputypes.InstanceFlagsDebug | gputypes.InstanceFlagsValidation
	}
	raw, err := b.hal.CreateInstance(hd)
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}
	inst := &Instance{backend: b, raw: raw}
	for _, ea := range raw.EnumerateAdapters(nil) {
		a := &Adapter{instance: inst, exposed: ea}
		slogger().Debug("wgpu: adapter", "gpu", a.String())
		inst.adapters = append(inst.adapters, a)
	}
	return inst, nil
}

// Instance wraps a HAL instance.
type Instance struct {
	backend  *Backend
	raw      hal.Instance
	adapters []*Adapter

	once sync.Once
}

// Adapters returns the adapters the HAL enumerated.
func (i *Instance) Adapters() []gpucore.Adapter {
	out := make([]gpucore.Adapter, len(i.adapters))
	for n, a := range i.adapters {
		out[n] = a
	}
	return out
}

// CreateSurface is not supported.
func (i *Instance) CreateSurface(gpucore.WindowHandle) (gpucore.SurfaceID, error) {
	return 0, fmt.Errorf("wgpu: surfaces: %w", gpucore.ErrUnsupported)
}

// DestroySurface is a no-op; no surface can exist.
func (i *Instance) DestroySurface(gpucore.SurfaceID) {}

// Destroy releases the adapters and the HAL instance.
func (i *Instance) Destroy() {
	i.once.Do(func() {
		for _, a := range i.adapters {
			a.exposed.Adapter.Destroy()
		}
		i.raw.Destroy()
	})
}

// Adapter wraps a HAL adapter.
type Adapter struct {
	instance *Instance
	exposed  hal.ExposedAdapter
}

// String returns a human-readable description of the adapter.
func (a *Adapter) String() string {
	info := a.exposed.Info
	s := fmt.Sprintf("%s (%s, %s)", info.Name, info.DeviceType, info.Backend)
	if info.Driver != "" {
		s += " driver " + info.Driver
	}
	return s
}

// Info describes the adapter.
func (a *Adapter) Info() gpucore.AdapterInfo {
	info := a.exposed.Info
	return gpucore.AdapterInfo{
		Name:    info.Name,
		Backend: a.instance.backend.name,
		Type:    deviceType(info.DeviceType),
		Vendor:  info.VendorID,
		Device:  info.DeviceID,
	}
}

// QueueFamilies reports the single in-order HAL queue.
func (a *Adapter) QueueFamilies() []gpucore.QueueFamily {
	return []gpucore.QueueFamily{{
		ID:    FamilyID,
		Count: 1,
		Caps:  gpucore.QueueGraphics | gpucore.QueueCompute | gpucore.QueueTransfer,
	}}
}

// Limits converts the HAL limits.
func (a *Adapter) Limits() gpucore.Limits {
	l := a.exposed.Capabilities.Limits
	return gpucore.Limits{
		MaxBufferSize:       l.MaxBufferSize,
		MaxImageDimension2D: l.MaxTextureDimension2D,
		MaxBoundSets:        l.MaxBindGroups,
		MaxVertexAttributes: l.MaxVertexAttributes,
	}
}

// Open opens the HAL device. At most one queue of FamilyID can be
// requested.
func (a *Adapter) Open(desc *gpucore.DeviceDesc) (gpucore.Device, error) {
	if desc == nil {
		desc = &gpucore.DeviceDesc{}
	}
	for _, req := range desc.Queues {
		if req.Family != FamilyID {
			return nil, fmt.Errorf("wgpu: queue family %d does not exist", req.Family)
		}
		if req.Count < 0 || req.Count > 1 {
			return nil, fmt.Errorf("wgpu: family %d has 1 queue, %d requested", req.Family, req.Count)
		}
	}
	od, err := a.exposed.Adapter.Open(0, a.exposed.Capabilities.Limits)
	if err != nil {
		return nil, fmt.Errorf("wgpu: open %s: %w", a.exposed.Info.Name, err)
	}
	slogger().Info("wgpu: device opened", "gpu", a.String(), "label", desc.Label)
	return newDevice(a, desc.Label, od), nil
}

func deviceType(t gputypes.DeviceType) gpucore.DeviceType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return gpucore.DeviceTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		return gpucore.DeviceTypeIntegrated
	case gputypes.DeviceTypeVirtualGPU:
		return gpucore.DeviceTypeVirtual
	case gputypes.DeviceTypeCPU:
		return gpucore.DeviceTypeCPU
	}
	return gpucore.DeviceTypeOther
}
