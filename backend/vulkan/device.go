//go:build vulkan

package vulkan

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gogpu/gputypes"
	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/gal/gpucore"
)

// Device maps gpucore IDs to Vulkan handles.
//
// Thread Safety: every table is guarded by mu. Vulkan calls that record
// into a command buffer happen outside mu; the command buffer belongs to
// the one goroutine recording it. Queue submissions are serialized per
// queue by gal.
type Device struct {
	adapter *Adapter
	label   string
	raw     vk.Device

	// queues[family][index] are the queues requested at Open; queueIDs
	// maps their IDs back.
	queues   map[gpucore.FamilyID][]gpucore.QueueID
	queueIDs map[gpucore.QueueID]vk.Queue

	mu     sync.Mutex
	nextID uint64

	buffers         map[gpucore.BufferID]*buffer
	images          map[gpucore.ImageID]*image
	samplers        map[gpucore.SamplerID]vk.Sampler
	modules         map[gpucore.ShaderModuleID]vk.ShaderModule
	passes          map[gpucore.RenderPassID]*renderPass
	setLayouts      map[gpucore.DescriptorSetLayoutID]*setLayout
	sets            map[gpucore.DescriptorSetID]*descriptorSet
	pipelineLayouts map[gpucore.PipelineLayoutID]vk.PipelineLayout
	pipelines       map[gpucore.PipelineID]vk.Pipeline
	semaphores      map[gpucore.SemaphoreID]vk.Semaphore
	fences          map[gpucore.FenceID]vk.Fence
	pools           map[gpucore.CommandPoolID]*commandPool
	cmdBuffers      map[gpucore.CommandBufferID]*commandBuffer
}

type buffer struct {
	raw    vk.Buffer
	memory vk.DeviceMemory
	desc   gpucore.BufferDesc
}

type image struct {
	raw    vk.Image
	memory vk.DeviceMemory
	view   vk.ImageView
	format vk.Format
	aspect vk.ImageAspectFlagBits
	desc   gpucore.ImageDesc
}

func newDevice(a *Adapter, label string, raw vk.Device, counts map[gpucore.FamilyID]int) *Device {
	d := &Device{
		adapter:         a,
		label:           label,
		raw:             raw,
		queues:          make(map[gpucore.FamilyID][]gpucore.QueueID),
		queueIDs:        make(map[gpucore.QueueID]vk.Queue),
		buffers:         make(map[gpucore.BufferID]*buffer),
		images:          make(map[gpucore.ImageID]*image),
		samplers:        make(map[gpucore.SamplerID]vk.Sampler),
		modules:         make(map[gpucore.ShaderModuleID]vk.ShaderModule),
		passes:          make(map[gpucore.RenderPassID]*renderPass),
		setLayouts:      make(map[gpucore.DescriptorSetLayoutID]*setLayout),
		sets:            make(map[gpucore.DescriptorSetID]*descriptorSet),
		pipelineLayouts: make(map[gpucore.PipelineLayoutID]vk.PipelineLayout),
		pipelines:       make(map[gpucore.PipelineID]vk.Pipeline),
		semaphores:      make(map[gpucore.SemaphoreID]vk.Semaphore),
		fences:          make(map[gpucore.FenceID]vk.Fence),
		pools:           make(map[gpucore.CommandPoolID]*commandPool),
		cmdBuffers:      make(map[gpucore.CommandBufferID]*commandBuffer),
	}
	for fam, n := range counts {
		ids := make([]gpucore.QueueID, n)
		for i := range ids {
			var q vk.Queue
			vk.GetDeviceQueue(raw, uint32(fam), uint32(i), &q)
			ids[i] = gpucore.QueueID(d.newID())
			d.queueIDs[ids[i]] = q
		}
		d.queues[fam] = ids
	}
	return d
}

// newID returns the next object ID. d.mu must be held.
func (d *Device) newID() uint64 {
	d.nextID++
	return d.nextID
}

// lookup returns m[id] or an error wrapping gpucore.ErrUnknownHandle.
func lookup[K gpucore.Handle, V any](m map[K]V, id K) (V, error) {
	v, ok := m[id]
	if !ok {
		return v, fmt.Errorf("vulkan: %s %d: %w", id.Kind(), id.Raw(), gpucore.ErrUnknownHandle)
	}
	return v, nil
}

// Raw returns the underlying VkDevice.
func (d *Device) Raw() vk.Device { return d.raw }

// LiveObjects reports the number of live objects per kind.
func (d *Device) LiveObjects() map[gpucore.ObjectKind]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[gpucore.ObjectKind]int{
		gpucore.KindBuffer:              len(d.buffers),
		gpucore.KindImage:               len(d.images),
		gpucore.KindSampler:             len(d.samplers),
		gpucore.KindShaderModule:        len(d.modules),
		gpucore.KindSemaphore:           len(d.semaphores),
		gpucore.KindFence:               len(d.fences),
		gpucore.KindCommandPool:         len(d.pools),
		gpucore.KindCommandBuffer:       len(d.cmdBuffers),
		gpucore.KindRenderPass:          len(d.passes),
		gpucore.KindDescriptorSetLayout: len(d.setLayouts),
		gpucore.KindDescriptorSet:       len(d.sets),
		gpucore.KindPipelineLayout:      len(d.pipelineLayouts),
		gpucore.KindPipeline:            len(d.pipelines),
	}
}

// Destroy waits for the device and destroys it. Objects still alive are
// reported and leaked to the driver teardown.
func (d *Device) Destroy() {
	if err := d.WaitIdle(); err != nil {
		slogger().Warn("vulkan: wait idle on destroy", "err", err)
	}
	for kind, n := range d.LiveObjects() {
		if n > 0 {
			slogger().Warn("vulkan: device destroyed with live objects", "kind", kind, "count", n)
		}
	}
	vk.DestroyDevice(d.raw, nil)
	slogger().Debug("vulkan: device destroyed", "label", d.label)
}

// allocate allocates dedicated memory satisfying req with the wanted
// property flags.
func (d *Device) allocate(req vk.MemoryRequirements, want vk.MemoryPropertyFlagBits, label string) (vk.DeviceMemory, error) {
	req.Deref()
	typ, ok := d.adapter.findMemoryType(req.MemoryTypeBits, want)
	if !ok {
		return vk.NullDeviceMemory, fmt.Errorf("vulkan: %q: no memory type with flags %#x", label, uint32(want))
	}
	var mem vk.DeviceMemory
	err := vk.Error(vk.AllocateMemory(d.raw, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: typ,
	}, nil, &mem))
	if err != nil {
		return vk.NullDeviceMemory, fmt.Errorf("vulkan: allocate %d bytes for %q: %w", req.Size, label, err)
	}
	return mem, nil
}

// === Buffers ===

// CreateBuffer creates a buffer with its own memory allocation.
// Host-visible buffers get host-coherent memory so reads and writes
// need no flushes.
func (d *Device) CreateBuffer(desc *gpucore.BufferDesc) (gpucore.BufferID, error) {
	var raw vk.Buffer
	err := vk.Error(vk.CreateBuffer(d.raw, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       vk.BufferUsageFlags(bufferUsage(desc.Usage)),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &raw))
	if err != nil {
		return 0, fmt.Errorf("vulkan: create buffer %q: %w", desc.Label, err)
	}

	want := vk.MemoryPropertyDeviceLocalBit
	if desc.HostVisible {
		want = vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit
	}
	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.raw, raw, &req)
	mem, err := d.allocate(req, want, desc.Label)
	if err != nil {
		vk.DestroyBuffer(d.raw, raw, nil)
		return 0, err
	}
	if err := vk.Error(vk.BindBufferMemory(d.raw, raw, mem, 0)); err != nil {
		vk.FreeMemory(d.raw, mem, nil)
		vk.DestroyBuffer(d.raw, raw, nil)
		return 0, fmt.Errorf("vulkan: bind memory of %q: %w", desc.Label, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.BufferID(d.newID())
	d.buffers[id] = &buffer{raw: raw, memory: mem, desc: *desc}
	return id, nil
}

// DestroyBuffer destroys a buffer and frees its memory.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	delete(d.buffers, id)
	d.mu.Unlock()
	if ok {
		vk.DestroyBuffer(d.raw, b.raw, nil)
		vk.FreeMemory(d.raw, b.memory, nil)
	}
}

func (d *Device) hostBuffer(id gpucore.BufferID, offset uint64, n int) (*buffer, error) {
	d.mu.Lock()
	b, err := lookup(d.buffers, id)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !b.desc.HostVisible {
		return nil, fmt.Errorf("vulkan: buffer %q is not host visible", b.desc.Label)
	}
	if size := uint64(n); size > b.desc.Size || offset > b.desc.Size-size {
		return nil, fmt.Errorf("vulkan: %d bytes at %d outside buffer %q of %d bytes",
			n, offset, b.desc.Label, b.desc.Size)
	}
	return b, nil
}

// mapped maps n bytes of b at offset and calls fn with them.
func (d *Device) mapped(b *buffer, offset uint64, n int, fn func([]byte)) error {
	var ptr unsafe.Pointer
	err := vk.Error(vk.MapMemory(d.raw, b.memory, vk.DeviceSize(offset), vk.DeviceSize(n), 0, &ptr))
	if err != nil {
		return fmt.Errorf("vulkan: map buffer %q: %w", b.desc.Label, err)
	}
	fn(unsafe.Slice((*byte)(ptr), n))
	vk.UnmapMemory(d.raw, b.memory)
	return nil
}

// WriteBuffer copies data into host-visible memory.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	b, err := d.hostBuffer(id, offset, len(data))
	if err != nil || len(data) == 0 {
		return err
	}
	return d.mapped(b, offset, len(data), func(m []byte) { copy(m, data) })
}

// ReadBuffer copies host-visible memory into dst.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset uint64, dst []byte) error {
	b, err := d.hostBuffer(id, offset, len(dst))
	if err != nil || len(dst) == 0 {
		return err
	}
	return d.mapped(b, offset, len(dst), func(m []byte) { copy(dst, m) })
}

// === Images, samplers and shaders ===

// CreateImage creates an optimally tiled 2D image in device-local
// memory and a view over all of its mip levels.
func (d *Device) CreateImage(desc *gpucore.ImageDesc) (gpucore.ImageID, error) {
	f, ok := formats[desc.Format]
	if !ok {
		return 0, fmt.Errorf("vulkan: image %q: format %v: %w", desc.Label, desc.Format, gpucore.ErrUnsupported)
	}
	mips := max(desc.MipLevels, 1)
	var raw vk.Image
	err := vk.Error(vk.CreateImage(d.raw, &vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		ImageType:     vk.ImageType2d,
		Format:        f.vk,
		Extent:        vk.Extent3D{Width: desc.Width, Height: desc.Height, Depth: 1},
		MipLevels:     mips,
		ArrayLayers:   1,
		Samples:       sampleCount(desc.Samples),
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(imageUsage(desc.Usage, f.aspect)),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}, nil, &raw))
	if err != nil {
		return 0, fmt.Errorf("vulkan: create image %q: %w", desc.Label, err)
	}

	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.raw, raw, &req)
	mem, err := d.allocate(req, vk.MemoryPropertyDeviceLocalBit, desc.Label)
	if err != nil {
		vk.DestroyImage(d.raw, raw, nil)
		return 0, err
	}
	if err := vk.Error(vk.BindImageMemory(d.raw, raw, mem, 0)); err != nil {
		vk.FreeMemory(d.raw, mem, nil)
		vk.DestroyImage(d.raw, raw, nil)
		return 0, fmt.Errorf("vulkan: bind memory of %q: %w", desc.Label, err)
	}

	var view vk.ImageView
	err = vk.Error(vk.CreateImageView(d.raw, &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    raw,
		ViewType: vk.ImageViewType2d,
		Format:   f.vk,
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleIdentity,
			G: vk.ComponentSwizzleIdentity,
			B: vk.ComponentSwizzleIdentity,
			A: vk.ComponentSwizzleIdentity,
		},
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(f.aspect),
			LevelCount: mips,
			LayerCount: 1,
		},
	}, nil, &view))
	if err != nil {
		vk.FreeMemory(d.raw, mem, nil)
		vk.DestroyImage(d.raw, raw, nil)
		return 0, fmt.Errorf("vulkan: create view of %q: %w", desc.Label, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.ImageID(d.newID())
	d.images[id] = &image{raw: raw, memory: mem, view: view, format: f.vk, aspect: f.aspect, desc: *desc}
	return id, nil
}

// DestroyImage destroys an image, its view and its memory.
func (d *Device) DestroyImage(id gpucore.ImageID) {
	d.mu.Lock()
	img, ok := d.images[id]
	delete(d.images, id)
	d.mu.Unlock()
	if ok {
		vk.DestroyImageView(d.raw, img.view, nil)
		vk.DestroyImage(d.raw, img.raw, nil)
		vk.FreeMemory(d.raw, img.memory, nil)
	}
}

// CreateSampler creates a sampler.
func (d *Device) CreateSampler(desc *gpucore.SamplerDesc) (gpucore.SamplerID, error) {
	am := addressMode(desc.AddressMode)
	mipmap := vk.SamplerMipmapModeNearest
	if desc.MipFilter == gpucore.FilterLinear {
		mipmap = vk.SamplerMipmapModeLinear
	}
	var raw vk.Sampler
	err := vk.Error(vk.CreateSampler(d.raw, &vk.SamplerCreateInfo{
		SType:         vk.StructureTypeSamplerCreateInfo,
		MagFilter:     filter(desc.MagFilter),
		MinFilter:     filter(desc.MinFilter),
		MipmapMode:    mipmap,
		AddressModeU:  am,
		AddressModeV:  am,
		AddressModeW:  am,
		MaxAnisotropy: 1,
		CompareOp:     vk.CompareOpAlways,
		MaxLod:        32,
		BorderColor:   vk.BorderColorIntOpaqueBlack,
	}, nil, &raw))
	if err != nil {
		return 0, fmt.Errorf("vulkan: create sampler %q: %w", desc.Label, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.SamplerID(d.newID())
	d.samplers[id] = raw
	return id, nil
}

// DestroySampler destroys a sampler.
func (d *Device) DestroySampler(id gpucore.SamplerID) {
	d.mu.Lock()
	s, ok := d.samplers[id]
	delete(d.samplers, id)
	d.mu.Unlock()
	if ok {
		vk.DestroySampler(d.raw, s, nil)
	}
}

// CreateShaderModule creates a shader module from SPIR-V words.
func (d *Device) CreateShaderModule(desc *gpucore.ShaderModuleDesc) (gpucore.ShaderModuleID, error) {
	var raw vk.ShaderModule
	err := vk.Error(vk.CreateShaderModule(d.raw, &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(desc.SPIRV) * 4),
		PCode:    desc.SPIRV,
	}, nil, &raw))
	if err != nil {
		return 0, fmt.Errorf("vulkan: create shader module %q: %w", desc.Label, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.ShaderModuleID(d.newID())
	d.modules[id] = raw
	return id, nil
}

// DestroyShaderModule destroys a shader module.
func (d *Device) DestroyShaderModule(id gpucore.ShaderModuleID) {
	d.mu.Lock()
	m, ok := d.modules[id]
	delete(d.modules, id)
	d.mu.Unlock()
	if ok {
		vk.DestroyShaderModule(d.raw, m, nil)
	}
}

// === Surfaces ===

// ConfigureSurface is not supported.
func (d *Device) ConfigureSurface(gpucore.SurfaceID, *gpucore.SurfaceConfig) ([]gpucore.ImageID, error) {
	return nil, fmt.Errorf("vulkan: configure surface: %w", gpucore.ErrUnsupported)
}

// AcquireImage is not supported.
func (d *Device) AcquireImage(gpucore.SurfaceID, gpucore.SemaphoreID) (uint32, error) {
	return 0, fmt.Errorf("vulkan: acquire image: %w", gpucore.ErrUnsupported)
}

// Present is not supported.
func (d *Device) Present(gpucore.QueueID, gpucore.SurfaceID, uint32, []gpucore.SemaphoreID) error {
	return fmt.Errorf("vulkan: present: %w", gpucore.ErrUnsupported)
}

// === Conversions ===

type format struct {
	vk     vk.Format
	size   uint32
	aspect vk.ImageAspectFlagBits
}

var formats = map[gputypes.TextureFormat]format{
	gputypes.TextureFormatR8Unorm:             {vk.FormatR8Unorm, 1, vk.ImageAspectColorBit},
	gputypes.TextureFormatRG8Unorm:            {vk.FormatR8g8Unorm, 2, vk.ImageAspectColorBit},
	gputypes.TextureFormatR16Float:            {vk.FormatR16Sfloat, 2, vk.ImageAspectColorBit},
	gputypes.TextureFormatRGBA8Unorm:          {vk.FormatR8g8b8a8Unorm, 4, vk.ImageAspectColorBit},
	gputypes.TextureFormatBGRA8Unorm:          {vk.FormatB8g8r8a8Unorm, 4, vk.ImageAspectColorBit},
	gputypes.TextureFormatRGBA16Float:         {vk.FormatR16g16b16a16Sfloat, 8, vk.ImageAspectColorBit},
	gputypes.TextureFormatRG32Float:           {vk.FormatR32g32Sfloat, 8, vk.ImageAspectColorBit},
	gputypes.TextureFormatRGBA32Float:         {vk.FormatR32g32b32a32Sfloat, 16, vk.ImageAspectColorBit},
	gputypes.TextureFormatDepth24PlusStencil8: {vk.FormatD24UnormS8Uint, 4, vk.ImageAspectDepthBit},
}

func bufferUsage(u gputypes.BufferUsage) vk.BufferUsageFlagBits {
	var out vk.BufferUsageFlagBits
	for _, m := range []struct {
		from gputypes.BufferUsage
		to   vk.BufferUsageFlagBits
	}{
		{gputypes.BufferUsageCopySrc, vk.BufferUsageTransferSrcBit},
		{gputypes.BufferUsageCopyDst, vk.BufferUsageTransferDstBit},
		{gputypes.BufferUsageVertex, vk.BufferUsageVertexBufferBit},
		{gputypes.BufferUsageIndex, vk.BufferUsageIndexBufferBit},
		{gputypes.BufferUsageUniform, vk.BufferUsageUniformBufferBit},
		{gputypes.BufferUsageStorage, vk.BufferUsageStorageBufferBit},
		{gputypes.BufferUsageIndirect, vk.BufferUsageIndirectBufferBit},
	} {
		if u&m.from != 0 {
			out |= m.to
		}
	}
	if out == 0 {
		out = vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit
	}
	return out
}

func imageUsage(u gputypes.TextureUsage, aspect vk.ImageAspectFlagBits) vk.ImageUsageFlagBits {
	var out vk.ImageUsageFlagBits
	if u&gputypes.TextureUsageCopySrc != 0 {
		out |= vk.ImageUsageTransferSrcBit
	}
	if u&gputypes.TextureUsageCopyDst != 0 {
		out |= vk.ImageUsageTransferDstBit
	}
	if u&gputypes.TextureUsageTextureBinding != 0 {
		out |= vk.ImageUsageSampledBit
	}
	if u&gputypes.TextureUsageStorageBinding != 0 {
		out |= vk.ImageUsageStorageBit
	}
	if u&gputypes.TextureUsageRenderAttachment != 0 {
		if aspect == vk.ImageAspectDepthBit {
			out |= vk.ImageUsageDepthStencilAttachmentBit
		} else {
			out |= vk.ImageUsageColorAttachmentBit
		}
	}
	return out
}

func sampleCount(n uint32) vk.SampleCountFlagBits {
	switch n {
	case 2:
		return vk.SampleCount2Bit
	case 4:
		return vk.SampleCount4Bit
	case 8:
		return vk.SampleCount8Bit
	}
	return vk.SampleCount1Bit
}

func addressMode(m gpucore.AddressMode) vk.SamplerAddressMode {
	switch m {
	case gpucore.AddressRepeat:
		return vk.SamplerAddressModeRepeat
	case gpucore.AddressMirrorRepeat:
		return vk.SamplerAddressModeMirroredRepeat
	}
	return vk.SamplerAddressModeClampToEdge
}

func filter(m gpucore.FilterMode) vk.Filter {
	if m == gpucore.FilterLinear {
		return vk.FilterLinear
	}
	return vk.FilterNearest
}
