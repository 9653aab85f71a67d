// Package soft is a pure-Go reference implementation of the gpucore
// device contract.
//
// It executes command buffers on the CPU: buffer and image copies move
// real bytes, render passes clear their attachments, and draws are
// validated and counted but not rasterized. Every queue runs its
// submissions on its own goroutine, so semaphores and fences have the
// same ordering semantics as on a GPU. The backend is always available
// and is what the gal tests run on.
package soft

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gal/backend"
	"github.com/gogpu/gal/gpucore"
)

// Name is the registry name of this backend.
const Name = backend.NameSoft

func init() {
	backend.Register(Name, func() (backend.Backend, error) {
		return New(), nil
	})
}

// PresentFunc receives every presented surface image. It runs on the
// queue goroutine and must not call back into the device.
type PresentFunc func(surface gpucore.SurfaceID, index uint32, pixels []byte, width, height uint32)

// Option configures a Backend.
type Option func(*Backend)

// WithQueueFamilies replaces the default queue families.
func WithQueueFamilies(families ...gpucore.QueueFamily) Option {
	return func(b *Backend) {
		b.families = append([]gpucore.QueueFamily(nil), families...)
	}
}

// WithMemoryBudget limits the bytes buffers and images may allocate.
func WithMemoryBudget(bytes uint64) Option {
	return func(b *Backend) { b.budget = bytes }
}

// WithLimits overrides the reported device limits.
func WithLimits(l gpucore.Limits) Option {
	return func(b *Backend) { b.limits = l }
}

// WithExecutionDelay makes every submitted batch take at least d to
// execute. Tests use it to observe pending work.
func WithExecutionDelay(d time.Duration) Option {
	return func(b *Backend) { b.delay = d }
}

// WithPresentFunc installs a sink for presented surface images.
func WithPresentFunc(fn PresentFunc) Option {
	return func(b *Backend) { b.present = fn }
}

// WithAdapterName sets the reported adapter name.
func WithAdapterName(name string) Option {
	return func(b *Backend) { b.adapterName = name }
}

// DefaultQueueFamilies is a graphics family with two queues and a
// transfer-only family with one queue.
func DefaultQueueFamilies() []gpucore.QueueFamily {
	return []gpucore.QueueFamily{
		{ID: 0, Count: 2, Caps: gpucore.QueueGraphics | gpucore.QueueCompute | gpucore.QueueTransfer | gpucore.QueuePresent},
		{ID: 1, Count: 1, Caps: gpucore.QueueTransfer},
	}
}

// DefaultMemoryBudget is the default allocation budget (256 MB).
const DefaultMemoryBudget = 256 << 20

// Backend is the soft backend.
type Backend struct {
	families    []gpucore.QueueFamily
	limits      gpucore.Limits
	budget      uint64
	delay       time.Duration
	present     PresentFunc
	adapterName string
}

// New creates a soft backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		families:    DefaultQueueFamilies(),
		limits:      gpucore.DefaultLimits(),
		budget:      DefaultMemoryBudget,
		adapterName: "gal soft device",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns "soft".
func (b *Backend) Name() string { return Name }

// CreateInstance creates an instance exposing one adapter.
func (b *Backend) CreateInstance(desc *gpucore.InstanceDesc) (gpucore.Instance, error) {
	inst := &Instance{backend: b, surfaces: make(map[gpucore.SurfaceID]*surface)}
	inst.adapter = &Adapter{backend: b, instance: inst}
	if desc != nil && desc.Validation {
		slogger().Debug("soft: validation is always on")
	}
	return inst, nil
}

// Instance is a soft instance.
type Instance struct {
	backend *Backend
	adapter *Adapter

	mu       sync.Mutex
	nextID   atomic.Uint64
	surfaces map[gpucore.SurfaceID]*surface
}

// Adapters returns the single soft adapter.
func (i *Instance) Adapters() []gpucore.Adapter {
	return []gpucore.Adapter{i.adapter}
}

// CreateSurface creates an off-screen surface. Presented images go to
// the backend PresentFunc.
func (i *Instance) CreateSurface(window gpucore.WindowHandle) (gpucore.SurfaceID, error) {
	id := gpucore.SurfaceID(i.nextID.Add(1))
	i.mu.Lock()
	i.surfaces[id] = &surface{window: window}
	i.mu.Unlock()
	slogger().Debug("soft: surface created", "id", id, "kind", window.Kind)
	return id, nil
}

// DestroySurface destroys a surface and its swap images.
func (i *Instance) DestroySurface(id gpucore.SurfaceID) {
	i.mu.Lock()
	s, ok := i.surfaces[id]
	delete(i.surfaces, id)
	i.mu.Unlock()
	if ok && s.device != nil {
		s.device.dropSurfaceImages(s)
	}
}

func (i *Instance) surface(id gpucore.SurfaceID) (*surface, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	s, ok := i.surfaces[id]
	if !ok {
		return nil, fmt.Errorf("soft: surface %d: %w", id, gpucore.ErrUnknownHandle)
	}
	return s, nil
}

// Destroy releases the instance.
func (i *Instance) Destroy() {
	i.mu.Lock()
	n := len(i.surfaces)
	i.mu.Unlock()
	if n > 0 {
		slogger().Warn("soft: instance destroyed with live surfaces", "count", n)
	}
}

// Adapter is the soft adapter.
type Adapter struct {
	backend  *Backend
	instance *Instance
}

// Info describes the adapter.
func (a *Adapter) Info() gpucore.AdapterInfo {
	return gpucore.AdapterInfo{
		Name:    a.backend.adapterName,
		Backend: Name,
		Type:    gpucore.DeviceTypeCPU,
	}
}

// QueueFamilies returns the configured queue families.
func (a *Adapter) QueueFamilies() []gpucore.QueueFamily {
	return append([]gpucore.QueueFamily(nil), a.backend.families...)
}

// Limits returns the configured limits.
func (a *Adapter) Limits() gpucore.Limits { return a.backend.limits }

// Open creates a device with the requested queues.
func (a *Adapter) Open(desc *gpucore.DeviceDesc) (gpucore.Device, error) {
	if desc == nil {
		desc = &gpucore.DeviceDesc{}
	}
	d := newDevice(a, desc.Label)
	for _, req := range desc.Queues {
		fam, ok := a.family(req.Family)
		if !ok {
			d.Destroy()
			return nil, fmt.Errorf("soft: queue family %d does not exist", req.Family)
		}
		if req.Count < 0 || req.Count > fam.Count {
			d.Destroy()
			return nil, fmt.Errorf("soft: family %d has %d queues, %d requested", req.Family, fam.Count, req.Count)
		}
		for idx := range req.Count {
			d.addQueue(fam, idx)
		}
	}
	slogger().Debug("soft: device opened", "label", desc.Label, "queues", len(d.queues))
	return d, nil
}

func (a *Adapter) family(id gpucore.FamilyID) (gpucore.QueueFamily, bool) {
	for _, f := range a.backend.families {
		if f.ID == id {
			return f, true
		}
	}
	return gpucore.QueueFamily{}, false
}
