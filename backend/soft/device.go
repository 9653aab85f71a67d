package soft

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gal/gpucore"
)

// Device implements gpucore.Device on the CPU.
//
// Thread Safety: Device is safe for concurrent use. Object tables are
// protected by mu; queue workers take it only briefly per command.
type Device struct {
	adapter *Adapter
	label   string

	mu     sync.Mutex
	cond   *sync.Cond
	nextID atomic.Uint64

	usedBytes uint64

	buffers    map[gpucore.BufferID]*buffer
	images     map[gpucore.ImageID]*image
	samplers   map[gpucore.SamplerID]gpucore.SamplerDesc
	shaders    map[gpucore.ShaderModuleID]*gpucore.ShaderModuleDesc
	semaphores map[gpucore.SemaphoreID]*semaphore
	fences     map[gpucore.FenceID]*fence
	pools      map[gpucore.CommandPoolID]*commandPool
	cmdBuffers map[gpucore.CommandBufferID]*commandBuffer
	passes     map[gpucore.RenderPassID]*gpucore.RenderPassDesc
	setLayouts map[gpucore.DescriptorSetLayoutID]*gpucore.DescriptorSetLayoutDesc
	sets       map[gpucore.DescriptorSetID]*gpucore.DescriptorSetDesc
	layouts    map[gpucore.PipelineLayoutID]*gpucore.PipelineLayoutDesc
	pipelines  map[gpucore.PipelineID]*gpucore.RenderPipelineDesc

	queues   map[gpucore.QueueID]*queue
	queueIDs map[queueKey]gpucore.QueueID

	stats     Stats
	destroyed bool
}

// Stats counts the work a soft device executed.
type Stats struct {
	Batches       uint64
	Draws         uint64
	CopiedBytes   uint64
	ClearedImages uint64
	Presents      uint64
}

// MemoryStats contains soft memory usage statistics.
type MemoryStats struct {
	TotalBytes     uint64
	UsedBytes      uint64
	AvailableBytes uint64
}

type queueKey struct {
	family gpucore.FamilyID
	index  int
}

type buffer struct {
	desc gpucore.BufferDesc
	data []byte
}

type image struct {
	desc    gpucore.ImageDesc
	bpp     int
	pixels  []byte
	layout  gpucore.ImageLayout
	surface *surface
}

func newDevice(a *Adapter, label string) *Device {
	d := &Device{
		adapter:    a,
		label:      label,
		buffers:    make(map[gpucore.BufferID]*buffer),
		images:     make(map[gpucore.ImageID]*image),
		samplers:   make(map[gpucore.SamplerID]gpucore.SamplerDesc),
		shaders:    make(map[gpucore.ShaderModuleID]*gpucore.ShaderModuleDesc),
		semaphores: make(map[gpucore.SemaphoreID]*semaphore),
		fences:     make(map[gpucore.FenceID]*fence),
		pools:      make(map[gpucore.CommandPoolID]*commandPool),
		cmdBuffers: make(map[gpucore.CommandBufferID]*commandBuffer),
		passes:     make(map[gpucore.RenderPassID]*gpucore.RenderPassDesc),
		setLayouts: make(map[gpucore.DescriptorSetLayoutID]*gpucore.DescriptorSetLayoutDesc),
		sets:       make(map[gpucore.DescriptorSetID]*gpucore.DescriptorSetDesc),
		layouts:    make(map[gpucore.PipelineLayoutID]*gpucore.PipelineLayoutDesc),
		pipelines:  make(map[gpucore.PipelineID]*gpucore.RenderPipelineDesc),
		queues:     make(map[gpucore.QueueID]*queue),
		queueIDs:   make(map[queueKey]gpucore.QueueID),
	}
	d.cond = sync.NewCond(&d.mu)
	// Start ID generation at 1 (0 is invalid)
	d.nextID.Store(1)
	return d
}

// newID generates a unique object ID.
func (d *Device) newID() uint64 {
	return d.nextID.Add(1) - 1
}

// Stats returns a snapshot of the execution counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// MemoryStats returns the current memory accounting.
func (d *Device) MemoryStats() MemoryStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	budget := d.adapter.backend.budget
	return MemoryStats{
		TotalBytes:     budget,
		UsedBytes:      d.usedBytes,
		AvailableBytes: budget - d.usedBytes,
	}
}

// LiveObjects reports the number of live objects per kind.
func (d *Device) LiveObjects() map[gpucore.ObjectKind]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	live := map[gpucore.ObjectKind]int{
		gpucore.KindBuffer:              len(d.buffers),
		gpucore.KindSampler:             len(d.samplers),
		gpucore.KindShaderModule:        len(d.shaders),
		gpucore.KindSemaphore:           len(d.semaphores),
		gpucore.KindFence:               len(d.fences),
		gpucore.KindCommandPool:         len(d.pools),
		gpucore.KindCommandBuffer:       len(d.cmdBuffers),
		gpucore.KindRenderPass:          len(d.passes),
		gpucore.KindDescriptorSetLayout: len(d.setLayouts),
		gpucore.KindDescriptorSet:       len(d.sets),
		gpucore.KindPipelineLayout:      len(d.layouts),
		gpucore.KindPipeline:            len(d.pipelines),
	}
	for _, img := range d.images {
		if img.surface == nil {
			live[gpucore.KindImage]++
		}
	}
	return live
}

// ImageLayout reports the layout an image was last transitioned to.
func (d *Device) ImageLayout(id gpucore.ImageID) (gpucore.ImageLayout, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[id]
	if !ok {
		return gpucore.LayoutUndefined, false
	}
	return img.layout, true
}

// ReadImage copies the pixels of an image into a new slice.
func (d *Device) ReadImage(id gpucore.ImageID) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	img, ok := d.images[id]
	if !ok {
		return nil, fmt.Errorf("soft: image %d: %w", id, gpucore.ErrUnknownHandle)
	}
	return append([]byte(nil), img.pixels...), nil
}

func (d *Device) reserve(size uint64) error {
	if budget := d.adapter.backend.budget; d.usedBytes+size > budget {
		return fmt.Errorf("soft: %d bytes requested, %d of %d in use: %w",
			size, d.usedBytes, budget, gpucore.ErrOutOfMemory)
	}
	d.usedBytes += size
	return nil
}

// === Buffers ===

// CreateBuffer allocates a zeroed buffer.
func (d *Device) CreateBuffer(desc *gpucore.BufferDesc) (gpucore.BufferID, error) {
	if desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("soft: buffer %q: zero size", desc.Label)
	}
	if desc.Size > d.adapter.backend.limits.MaxBufferSize {
		return gpucore.InvalidID, fmt.Errorf("soft: buffer %q: size %d exceeds limit %d: %w",
			desc.Label, desc.Size, d.adapter.backend.limits.MaxBufferSize, gpucore.ErrOutOfMemory)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.reserve(desc.Size); err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.BufferID(d.newID())
	d.buffers[id] = &buffer{desc: *desc, data: make([]byte, desc.Size)}
	return id, nil
}

// DestroyBuffer frees a buffer.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[id]; ok {
		d.usedBytes -= b.desc.Size
		delete(d.buffers, id)
	}
}

// WriteBuffer copies data into a host-visible buffer.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.hostBuffer(id, offset, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(b.data[offset:], data)
	return nil
}

// ReadBuffer copies a host-visible buffer into dst.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset uint64, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.hostBuffer(id, offset, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, b.data[offset:])
	return nil
}

func (d *Device) hostBuffer(id gpucore.BufferID, offset, size uint64) (*buffer, error) {
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("soft: buffer %d: %w", id, gpucore.ErrUnknownHandle)
	}
	if !b.desc.HostVisible {
		return nil, fmt.Errorf("soft: buffer %q is not host visible", b.desc.Label)
	}
	if !within(offset, size, b.desc.Size) {
		return nil, fmt.Errorf("soft: buffer %q: %d bytes at %d out of bounds (size %d)",
			b.desc.Label, size, offset, b.desc.Size)
	}
	return b, nil
}

// within reports whether [offset, offset+size) fits in limit without
// computing the possibly wrapping sum.
func within(offset, size, limit uint64) bool {
	return size <= limit && offset <= limit-size
}

// === Images ===

// CreateImage allocates a zeroed 2D image.
func (d *Device) CreateImage(desc *gpucore.ImageDesc) (gpucore.ImageID, error) {
	img, err := d.newImage(desc)
	if err != nil {
		return gpucore.InvalidID, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.reserve(uint64(len(img.pixels))); err != nil {
		return gpucore.InvalidID, err
	}
	id := gpucore.ImageID(d.newID())
	d.images[id] = img
	return id, nil
}

func (d *Device) newImage(desc *gpucore.ImageDesc) (*image, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("soft: image %q: zero extent", desc.Label)
	}
	if maxDim := d.adapter.backend.limits.MaxImageDimension2D; desc.Width > maxDim || desc.Height > maxDim {
		return nil, fmt.Errorf("soft: image %q: %dx%d exceeds limit %d", desc.Label, desc.Width, desc.Height, maxDim)
	}
	bpp := bytesPerPixel(desc.Format)
	if bpp == 0 {
		return nil, fmt.Errorf("soft: image %q: format %v: %w", desc.Label, desc.Format, gpucore.ErrUnsupported)
	}
	return &image{
		desc:   *desc,
		bpp:    bpp,
		pixels: make([]byte, int(desc.Width)*int(desc.Height)*bpp),
	}, nil
}

// DestroyImage frees an image. Surface images are owned by their
// surface and ignored here.
func (d *Device) DestroyImage(id gpucore.ImageID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if img, ok := d.images[id]; ok && img.surface == nil {
		d.usedBytes -= uint64(len(img.pixels))
		delete(d.images, id)
	}
}

// bytesPerPixel returns the texel size of the formats the soft device
// can store, or 0.
func bytesPerPixel(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatDepth24PlusStencil8:
		return 4
	case gputypes.TextureFormatR8Unorm:
		return 1
	}
	return 0
}

// === Samplers and shaders ===

// CreateSampler records a sampler description.
func (d *Device) CreateSampler(desc *gpucore.SamplerDesc) (gpucore.SamplerID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.SamplerID(d.newID())
	d.samplers[id] = *desc
	return id, nil
}

// DestroySampler frees a sampler.
func (d *Device) DestroySampler(id gpucore.SamplerID) {
	d.mu.Lock()
	delete(d.samplers, id)
	d.mu.Unlock()
}

// spirvMagic is the first word of every SPIR-V module.
const spirvMagic = 0x07230203

// CreateShaderModule accepts any SPIR-V module with a valid header.
func (d *Device) CreateShaderModule(desc *gpucore.ShaderModuleDesc) (gpucore.ShaderModuleID, error) {
	if len(desc.SPIRV) < 5 || desc.SPIRV[0] != spirvMagic {
		return gpucore.InvalidID, fmt.Errorf("soft: shader %q: not a SPIR-V module", desc.Label)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := gpucore.ShaderModuleID(d.newID())
	cp := *desc
	d.shaders[id] = &cp
	return id, nil
}

// DestroyShaderModule frees a shader module.
func (d *Device) DestroyShaderModule(id gpucore.ShaderModuleID) {
	d.mu.Lock()
	delete(d.shaders, id)
	d.mu.Unlock()
}

// Destroy stops the queue workers and releases every table. Objects
// still alive are reported, since the caller should have destroyed them.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	d.cond.Broadcast()
	queues := make([]*queue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	for _, q := range queues {
		q.close()
	}

	for kind, n := range d.LiveObjects() {
		if n > 0 {
			slogger().Warn("soft: device destroyed with live objects", "kind", kind, "count", n)
		}
	}
}
