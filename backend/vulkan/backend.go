//go:build vulkan

package vulkan

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/gal/backend"
	"github.com/gogpu/gal/gpucore"
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

func init() {
	backend.Register(backend.NameVulkan, func() (backend.Backend, error) {
		b := New()
		if err := b.load(); err != nil {
			return nil, err
		}
		return b, nil
	})
}

var (
	loadOnce sync.Once
	loadErr  error
)

// Backend creates Vulkan instances.
type Backend struct{}

// New returns the Vulkan backend. The loader is resolved on the first
// CreateInstance.
func New() *Backend { return &Backend{} }

// Name returns "vulkan".
func (*Backend) Name() string { return backend.NameVulkan }

// load resolves vkGetInstanceProcAddr from the system loader once per
// process.
func (*Backend) load() error {
	loadOnce.Do(func() {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			loadErr = fmt.Errorf("vulkan: %w: %w", backend.ErrNotInitialized, err)
			return
		}
		if err := vk.Init(); err != nil {
			loadErr = fmt.Errorf("vulkan: %w: %w", backend.ErrNotInitialized, err)
		}
	})
	return loadErr
}

// CreateInstance creates a Vulkan instance and enumerates its physical
// devices. Validation enables VK_LAYER_KHRONOS_validation when the
// loader offers it.
func (b *Backend) CreateInstance(desc *gpucore.InstanceDesc) (gpucore.Instance, error) {
	if err := b.load(); err != nil {
		return nil, err
	}
	if desc == nil {
		desc = &gpucore.InstanceDesc{}
	}

	var layers []string
	if desc.Validation {
		available, err := instanceLayers()
		if err != nil {
			return nil, fmt.Errorf("vulkan: enumerate layers: %w", err)
		}
		if slices.Contains(available, validationLayer) {
			layers = append(layers, cstr(validationLayer))
		} else {
			slogger().Warn("vulkan: validation layer not available", "layer", validationLayer)
		}
	}

	appInfo := vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		PApplicationName:   cstr(desc.Label),
		ApplicationVersion: vk.MakeVersion(1, 0, 0),
		PEngineName:        cstr("gal"),
		EngineVersion:      vk.MakeVersion(1, 0, 0),
		ApiVersion:         vk.MakeVersion(1, 0, 0),
	}
	info := vk.InstanceCreateInfo{
		SType:               vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:    &appInfo,
		EnabledLayerCount:   uint32(len(layers)),
		PpEnabledLayerNames: layers,
	}
	var raw vk.Instance
	if err := vk.Error(vk.CreateInstance(&info, nil, &raw)); err != nil {
		return nil, fmt.Errorf("vulkan: create instance: %w", err)
	}
	if err := vk.InitInstance(raw); err != nil {
		vk.DestroyInstance(raw, nil)
		return nil, fmt.Errorf("vulkan: init instance: %w", err)
	}

	inst := &Instance{raw: raw, layers: layers}
	pds, err := physicalDevices(raw)
	if err != nil {
		vk.DestroyInstance(raw, nil)
		return nil, fmt.Errorf("vulkan: enumerate devices: %w", err)
	}
	for _, pd := range pds {
		a := newAdapter(inst, pd)
		slogger().Debug("vulkan: adapter", "gpu", a.String())
		inst.adapters = append(inst.adapters, a)
	}
	return inst, nil
}

func instanceLayers() ([]string, error) {
	var n uint32
	if err := vk.Error(vk.EnumerateInstanceLayerProperties(&n, nil)); err != nil {
		return nil, err
	}
	props := make([]vk.LayerProperties, n)
	if err := vk.Error(vk.EnumerateInstanceLayerProperties(&n, props)); err != nil {
		return nil, err
	}
	names := make([]string, 0, n)
	for _, p := range props[:n] {
		p.Deref()
		names = append(names, vk.ToString(p.LayerName[:]))
	}
	return names, nil
}

func physicalDevices(inst vk.Instance) ([]vk.PhysicalDevice, error) {
	var n uint32
	if err := vk.Error(vk.EnumeratePhysicalDevices(inst, &n, nil)); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	pds := make([]vk.PhysicalDevice, n)
	if err := vk.Error(vk.EnumeratePhysicalDevices(inst, &n, pds)); err != nil {
		return nil, err
	}
	return pds[:n], nil
}

// Instance wraps a VkInstance.
type Instance struct {
	raw      vk.Instance
	layers   []string
	adapters []*Adapter

	once sync.Once
}

// Adapters returns one adapter per physical device.
func (i *Instance) Adapters() []gpucore.Adapter {
	out := make([]gpucore.Adapter, len(i.adapters))
	for n, a := range i.adapters {
		out[n] = a
	}
	return out
}

// CreateSurface is not supported.
func (i *Instance) CreateSurface(gpucore.WindowHandle) (gpucore.SurfaceID, error) {
	return 0, fmt.Errorf("vulkan: surfaces: %w", gpucore.ErrUnsupported)
}

// DestroySurface is a no-op; no surface can exist.
func (i *Instance) DestroySurface(gpucore.SurfaceID) {}

// Destroy destroys the instance. Devices opened from it must be
// destroyed first.
func (i *Instance) Destroy() {
	i.once.Do(func() { vk.DestroyInstance(i.raw, nil) })
}

// Adapter is a Vulkan physical device.
type Adapter struct {
	instance *Instance
	raw      vk.PhysicalDevice
	props    vk.PhysicalDeviceProperties
	limits   vk.PhysicalDeviceLimits
	memory   vk.PhysicalDeviceMemoryProperties
	families []vk.QueueFamilyProperties
}

func newAdapter(inst *Instance, pd vk.PhysicalDevice) *Adapter {
	a := &Adapter{instance: inst, raw: pd}
	vk.GetPhysicalDeviceProperties(pd, &a.props)
	a.props.Deref()
	a.limits = a.props.Limits
	a.limits.Deref()

	vk.GetPhysicalDeviceMemoryProperties(pd, &a.memory)
	a.memory.Deref()
	for i := range a.memory.MemoryTypeCount {
		a.memory.MemoryTypes[i].Deref()
	}
	for i := range a.memory.MemoryHeapCount {
		a.memory.MemoryHeaps[i].Deref()
	}

	var n uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &n, nil)
	a.families = make([]vk.QueueFamilyProperties, n)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &n, a.families)
	for i := range a.families {
		a.families[i].Deref()
	}
	return a
}

// String returns a human-readable description of the adapter.
func (a *Adapter) String() string {
	return fmt.Sprintf("%s (%s, api %d.%d.%d)", a.name(), deviceType(a.props.DeviceType),
		vk.ApiVersionMajor(a.props.ApiVersion), vk.ApiVersionMinor(a.props.ApiVersion), vk.ApiVersionPatch(a.props.ApiVersion))
}

func (a *Adapter) name() string { return vk.ToString(a.props.DeviceName[:]) }

// Info describes the physical device.
func (a *Adapter) Info() gpucore.AdapterInfo {
	return gpucore.AdapterInfo{
		Name:    a.name(),
		Backend: backend.NameVulkan,
		Type:    deviceType(a.props.DeviceType),
		Vendor:  a.props.VendorID,
		Device:  a.props.DeviceID,
	}
}

// QueueFamilies reports the Vulkan queue families. Graphics and compute
// families always support transfers.
func (a *Adapter) QueueFamilies() []gpucore.QueueFamily {
	out := make([]gpucore.QueueFamily, 0, len(a.families))
	for i, f := range a.families {
		var caps gpucore.QueueCaps
		flags := vk.QueueFlagBits(f.QueueFlags)
		if flags&vk.QueueGraphicsBit != 0 {
			caps |= gpucore.QueueGraphics | gpucore.QueueTransfer
		}
		if flags&vk.QueueComputeBit != 0 {
			caps |= gpucore.QueueCompute | gpucore.QueueTransfer
		}
		if flags&vk.QueueTransferBit != 0 {
			caps |= gpucore.QueueTransfer
		}
		out = append(out, gpucore.QueueFamily{ID: gpucore.FamilyID(i), Count: int(f.QueueCount), Caps: caps})
	}
	return out
}

// Limits converts the device limits. Vulkan has no buffer size limit;
// the largest memory heap stands in for it.
func (a *Adapter) Limits() gpucore.Limits {
	var heap uint64
	for i := range a.memory.MemoryHeapCount {
		heap = max(heap, uint64(a.memory.MemoryHeaps[i].Size))
	}
	return gpucore.Limits{
		MaxBufferSize:       heap,
		MaxImageDimension2D: a.limits.MaxImageDimension2D,
		MaxPushConstantSize: a.limits.MaxPushConstantsSize,
		MaxBoundSets:        a.limits.MaxBoundDescriptorSets,
		MaxVertexAttributes: a.limits.MaxVertexInputAttributes,
	}
}

// Open creates a logical device with the requested queues.
func (a *Adapter) Open(desc *gpucore.DeviceDesc) (gpucore.Device, error) {
	if desc == nil {
		desc = &gpucore.DeviceDesc{}
	}
	counts := make(map[gpucore.FamilyID]int)
	for _, req := range desc.Queues {
		if int(req.Family) >= len(a.families) {
			return nil, fmt.Errorf("vulkan: queue family %d does not exist", req.Family)
		}
		counts[req.Family] += req.Count
		if have := int(a.families[req.Family].QueueCount); counts[req.Family] > have || req.Count < 0 {
			return nil, fmt.Errorf("vulkan: family %d has %d queues, %d requested", req.Family, have, counts[req.Family])
		}
	}

	var infos []vk.DeviceQueueCreateInfo
	for _, fam := range slices.Sorted(maps.Keys(counts)) {
		n := counts[fam]
		if n == 0 {
			continue
		}
		prio := make([]float32, n)
		for i := range prio {
			prio[i] = 1
		}
		infos = append(infos, vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: uint32(fam),
			QueueCount:       uint32(n),
			PQueuePriorities: prio,
		})
	}

	info := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: uint32(len(infos)),
		PQueueCreateInfos:    infos,
		EnabledLayerCount:    uint32(len(a.instance.layers)),
		PpEnabledLayerNames:  a.instance.layers,
	}
	var raw vk.Device
	if err := vk.Error(vk.CreateDevice(a.raw, &info, nil, &raw)); err != nil {
		return nil, fmt.Errorf("vulkan: open %s: %w", a.name(), err)
	}
	slogger().Info("vulkan: device opened", "gpu", a.String(), "label", desc.Label)
	return newDevice(a, desc.Label, raw, counts), nil
}

// findMemoryType returns the first memory type allowed by bits that has
// all of want.
func (a *Adapter) findMemoryType(bits uint32, want vk.MemoryPropertyFlagBits) (uint32, bool) {
	for i := range a.memory.MemoryTypeCount {
		flags := vk.MemoryPropertyFlagBits(a.memory.MemoryTypes[i].PropertyFlags)
		if bits&(1<<i) != 0 && flags&want == want {
			return i, true
		}
	}
	return 0, false
}

func deviceType(t vk.PhysicalDeviceType) gpucore.DeviceType {
	switch t {
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return gpucore.DeviceTypeDiscrete
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return gpucore.DeviceTypeIntegrated
	case vk.PhysicalDeviceTypeVirtualGpu:
		return gpucore.DeviceTypeVirtual
	case vk.PhysicalDeviceTypeCpu:
		return gpucore.DeviceTypeCPU
	}
	return gpucore.DeviceTypeOther
}

// cstr returns s NUL-terminated, as the loader expects.
func cstr(s string) string {
	if len(s) > 0 && s[len(s)-1] == 0 {
		return s
	}
	return s + "\x00"
}
