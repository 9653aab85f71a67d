package wgpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gal/gpucore"
)

// queueID is the ID of the single HAL queue.
const queueID gpucore.QueueID = 1

// Device maps gpucore IDs to HAL objects.
//
// Thread Safety: every table is guarded by mu. HAL calls that record
// into a command encoder happen outside mu; the encoder belongs to the
// one goroutine recording it.
type Device struct {
	adapter *Adapter
	label   string
	raw     hal.Device
	queue   hal.Queue

	mu     sync.Mutex
	nextID uint64

	buffers         map[gpucore.BufferID]*buffer
	images          map[gpucore.ImageID]*image
	samplers        map[gpucore.SamplerID]hal.Sampler
	modules         map[gpucore.ShaderModuleID]hal.ShaderModule
	passes          map[gpucore.RenderPassID]*gpucore.RenderPassDesc
	setLayouts      map[gpucore.DescriptorSetLayoutID]*setLayout
	sets            map[gpucore.DescriptorSetID]*descriptorSet
	pipelineLayouts map[gpucore.PipelineLayoutID]hal.PipelineLayout
	pipelines       map[gpucore.PipelineID]hal.RenderPipeline
	semaphores      map[gpucore.SemaphoreID]*semaphore
	fences          map[gpucore.FenceID]*fence
	pools           map[gpucore.CommandPoolID]*commandPool
	cmdBuffers      map[gpucore.CommandBufferID]*commandBuffer

	// lastSubmit is the index of the most recent HAL submission.
	lastSubmit uint64
}

type buffer struct {
	raw  hal.Buffer
	desc gpucore.BufferDesc
}

type image struct {
	raw  hal.Texture
	view hal.TextureView
	desc gpucore.ImageDesc
}

func newDevice(a *Adapter, label string, od hal.OpenDevice) *Device {
	return &Device{
		adapter:         a,
		label:           label,
		raw:             od.Device,
		queue:           od.Queue,
		buffers:         make(map[gpucore.BufferID]*buffer),
		images:          make(map[gpucore.ImageID]*image),
		samplers:        make(map[gpucore.SamplerID]hal.Sampler),
		modules:         make(map[gpucore.ShaderModuleID]hal.ShaderModule),
		passes:          make(map[gpucore.RenderPassID]*gpucore.RenderPassDesc),
		setLayouts:      make(map[gpucore.DescriptorSetLayoutID]*setLayout),
		sets:            make(map[gpucore.DescriptorSetID]*descriptorSet),
		pipelineLayouts: make(map[gpucore.PipelineLayoutID]hal.PipelineLayout),
		pipelines:       make(map[gpucore.PipelineID]hal.RenderPipeline),
		semaphores:      make(map[gpucore.SemaphoreID]*semaphore),
		fences:          make(map[gpucore.FenceID]*fence),
		pools:           make(map[gpucore.CommandPoolID]*commandPool),
		cmdBuffers:      make(map[gpucore.CommandBufferID]*commandBuffer),
	}
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
		return v, fmt.Errorf("wgpu: %s %d: %w", id.Kind(), id.Raw(), gpucore.ErrUnknownHandle)
	}
	return v, nil
}

// HAL returns the underlying HAL device and queue.
func (d *Device) HAL() (hal.Device, hal.Queue) { return d.raw, d.queue }

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

// Destroy waits for the queue and destroys the HAL device.
func (d *Device) Destroy() {
	if err := d.raw.WaitIdle(); err != nil {
		slogger().Warn("wgpu: wait idle on destroy", "err", err)
	}
	for kind, n := range d.LiveObjects() {
		if n > 0 {
			slogger().Warn("wgpu: device destroyed with live objects", "kind", kind, "count", n)
		}
	}
	d.raw.Destroy()
	slogger().Debug("wgpu: device destroyed", "label", d.label)
}

// === Buffers ===

// CreateBuffer creates a HAL buffer. Host-visible buffers are also
// created mappable for reading and as copy destinations for writes.
func (d *Device) CreateBuffer(desc *gpucore.BufferDesc) (gpucore.BufferID, error) {
	usage := desc.Usage
	if desc.HostVisible {
		usage |= gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	}
	raw, err := d.raw.CreateBuffer(&hal.BufferDescriptor{Label: desc.Label, Size: desc.Size, Usage: usage})
	if err != nil {
		return 0, fmt.Errorf("wgpu: create buffer %q: %w", desc.Label, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.BufferID(d.newID())
	d.buffers[id] = &buffer{raw: raw, desc: *desc}
	return id, nil
}

// DestroyBuffer destroys a buffer.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	delete(d.buffers, id)
	d.mu.Unlock()
	if ok {
		d.raw.DestroyBuffer(b.raw)
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
		return nil, fmt.Errorf("wgpu: buffer %q is not host visible", b.desc.Label)
	}
	if size := uint64(n); size > b.desc.Size || offset > b.desc.Size-size {
		return nil, fmt.Errorf("wgpu: %d bytes at %d outside buffer %q of %d bytes",
			n, offset, b.desc.Label, b.desc.Size)
	}
	return b, nil
}

// WriteBuffer writes through the queue staging path.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	b, err := d.hostBuffer(id, offset, len(data))
	if err != nil || len(data) == 0 {
		return err
	}
	if err := d.queue.WriteBuffer(b.raw, offset, data); err != nil {
		return fmt.Errorf("wgpu: write buffer %q: %w", b.desc.Label, err)
	}
	return nil
}

// ReadBuffer maps the range and copies it into dst.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset uint64, dst []byte) error {
	b, err := d.hostBuffer(id, offset, len(dst))
	if err != nil || len(dst) == 0 {
		return err
	}
	m, err := d.raw.MapBuffer(b.raw, offset, uint64(len(dst)))
	if err != nil {
		return fmt.Errorf("wgpu: map buffer %q: %w", b.desc.Label, err)
	}
	copy(dst, unsafe.Slice((*byte)(m.Ptr), len(dst)))
	if err := d.raw.UnmapBuffer(b.raw); err != nil {
		return fmt.Errorf("wgpu: unmap buffer %q: %w", b.desc.Label, err)
	}
	return nil
}

// === Images, samplers and shaders ===

// CreateImage creates a 2D texture and its default view.
func (d *Device) CreateImage(desc *gpucore.ImageDesc) (gpucore.ImageID, error) {
	td := &hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: max(desc.MipLevels, 1),
		SampleCount:   max(desc.Samples, 1),
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage,
	}
	tex, err := d.raw.CreateTexture(td)
	if err != nil {
		return 0, fmt.Errorf("wgpu: create image %q: %w", desc.Label, err)
	}
	view, err := d.raw.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:           desc.Label,
		Format:          desc.Format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   td.MipLevelCount,
		ArrayLayerCount: 1,
	})
	if err != nil {
		d.raw.DestroyTexture(tex)
		return 0, fmt.Errorf("wgpu: create view of %q: %w", desc.Label, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.ImageID(d.newID())
	d.images[id] = &image{raw: tex, view: view, desc: *desc}
	return id, nil
}

// DestroyImage destroys an image and its view.
func (d *Device) DestroyImage(id gpucore.ImageID) {
	d.mu.Lock()
	img, ok := d.images[id]
	delete(d.images, id)
	d.mu.Unlock()
	if ok {
		d.raw.DestroyTextureView(img.view)
		d.raw.DestroyTexture(img.raw)
	}
}

// CreateSampler creates a sampler.
func (d *Device) CreateSampler(desc *gpucore.SamplerDesc) (gpucore.SamplerID, error) {
	am := addressMode(desc.AddressMode)
	raw, err := d.raw.CreateSampler(&hal.SamplerDescriptor{
		Label:        desc.Label,
		AddressModeU: am,
		AddressModeV: am,
		AddressModeW: am,
		MagFilter:    filterMode(desc.MagFilter),
		MinFilter:    filterMode(desc.MinFilter),
		MipmapFilter: filterMode(desc.MipFilter),
		LodMaxClamp:  32,
		Anisotropy:   1,
	})
	if err != nil {
		return 0, fmt.Errorf("wgpu: create sampler %q: %w", desc.Label, err)
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
		d.raw.DestroySampler(s)
	}
}

// CreateShaderModule creates a shader module from SPIR-V.
func (d *Device) CreateShaderModule(desc *gpucore.ShaderModuleDesc) (gpucore.ShaderModuleID, error) {
	raw, err := d.raw.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: desc.SPIRV},
	})
	if err != nil {
		return 0, fmt.Errorf("wgpu: create shader module %q: %w", desc.Label, err)
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
		d.raw.DestroyShaderModule(m)
	}
}

// === Surfaces ===

// ConfigureSurface is not supported.
func (d *Device) ConfigureSurface(gpucore.SurfaceID, *gpucore.SurfaceConfig) ([]gpucore.ImageID, error) {
	return nil, fmt.Errorf("wgpu: configure surface: %w", gpucore.ErrUnsupported)
}

// AcquireImage is not supported.
func (d *Device) AcquireImage(gpucore.SurfaceID, gpucore.SemaphoreID) (uint32, error) {
	return 0, fmt.Errorf("wgpu: acquire image: %w", gpucore.ErrUnsupported)
}

// Present is not supported.
func (d *Device) Present(gpucore.QueueID, gpucore.SurfaceID, uint32, []gpucore.SemaphoreID) error {
	return fmt.Errorf("wgpu: present: %w", gpucore.ErrUnsupported)
}

func addressMode(m gpucore.AddressMode) gputypes.AddressMode {
	switch m {
	case gpucore.AddressRepeat:
		return gputypes.AddressModeRepeat
	case gpucore.AddressMirrorRepeat:
		return gputypes.AddressModeMirrorRepeat
	}
	return gputypes.AddressModeClampToEdge
}

func filterMode(m gpucore.FilterMode) gputypes.FilterMode {
	if m == gpucore.FilterLinear {
		return gputypes.FilterModeLinear
	}
	return gputypes.FilterModeNearest
}
