package gal

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gogpu/gal/backend"
	"github.com/gogpu/gal/gpucore"

	// The soft backend is always available.
	_ "github.com/gogpu/gal/backend/soft"
)

// Device is the exclusive owner of a raw backend device and of every
// object created on it.
//
// Thread Safety: Device is safe for concurrent use. Object creation,
// submission bookkeeping and Close are serialized by an internal mutex,
// which is not held while the backend executes a submission. Recording
// into different command buffers and submitting on different queues
// proceed in parallel.
type Device struct {
	id           uuid.UUID
	label        string
	log          *slog.Logger
	fenceTimeout time.Duration

	backend  gpucore.Backend
	instance gpucore.Instance
	info     gpucore.AdapterInfo
	limits   gpucore.Limits
	raw      gpucore.Device

	mu       sync.Mutex
	closed   bool
	seq      uint64
	live     map[uint64]*handleState
	families []*familyQueues
	inflight []*submission
	stats    counters

	// submits counts Queue.Submit calls inside the backend. Close waits
	// for them before draining.
	submits sync.WaitGroup

	// pendingSignals counts semaphore signals not yet consumed.
	pendingSignals int
}

// familyQueues tracks which queues of a family are taken.
type familyQueues struct {
	family gpucore.QueueFamily
	raw    []gpucore.QueueID
	taken  []bool
}

// submission is one accepted Submission awaiting retirement.
type submission struct {
	queue *Queue
	fence *Fence
	cbs   []*CommandBuffer
}

type counters struct {
	submissions   uint64
	commandBufs   uint64
	fenceWaits    uint64
	fenceTimeouts uint64
	presents      uint64
}

// Stats is a snapshot of device bookkeeping.
type Stats struct {
	// Live counts unreleased objects per kind.
	Live map[gpucore.ObjectKind]int

	Submissions             uint64
	SubmittedCommandBuffers uint64
	FenceWaits              uint64
	FenceTimeouts           uint64
	Presents                uint64

	// PendingSemaphores counts semaphore signals not yet consumed by a wait.
	PendingSemaphores int

	// PendingCommandBuffers counts submitted buffers not yet retired.
	PendingCommandBuffers int

	QueuesTaken int
}

// Open selects a backend, picks an adapter and opens a device on it.
//
// Adapter choice: the first whose name contains the WithAdapter filter,
// otherwise a discrete GPU, then an integrated one, then any. Every queue
// of every family is requested unless WithQueues limits it.
func Open(opts ...Option) (*Device, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = Logger()
	}

	b := o.raw
	if b == nil {
		var err error
		if b, err = backend.Select(o.backends...); err != nil {
			return nil, &DeviceCreationError{Backend: strings.Join(o.backends, ","), Err: err}
		}
	}
	propagateLogger(b, log)

	inst, err := b.CreateInstance(&gpucore.InstanceDesc{Label: o.label, Validation: o.validation})
	if err != nil {
		return nil, &DeviceCreationError{Backend: b.Name(), Err: err}
	}

	adapter, err := chooseAdapter(inst.Adapters(), o.adapter)
	if err != nil {
		inst.Destroy()
		return nil, &DeviceCreationError{Backend: b.Name(), Err: err}
	}
	info := adapter.Info()

	reqs, err := queueRequests(adapter.QueueFamilies(), o.queues)
	if err != nil {
		inst.Destroy()
		return nil, &DeviceCreationError{Backend: b.Name(), Adapter: info.Name, Err: err}
	}

	raw, err := adapter.Open(&gpucore.DeviceDesc{Label: o.label, Queues: reqs})
	if err != nil {
		inst.Destroy()
		return nil, &DeviceCreationError{Backend: b.Name(), Adapter: info.Name, Err: err}
	}

	d := &Device{
		id:           uuid.New(),
		label:        o.label,
		fenceTimeout: o.fenceTimeout,
		backend:      b,
		instance:     inst,
		info:         info,
		limits:       adapter.Limits(),
		raw:          raw,
		live:         make(map[uint64]*handleState),
	}
	d.log = log.With("device", d.id.String())

	families := adapter.QueueFamilies()
	for _, req := range reqs {
		fam := families[slices.IndexFunc(families, func(f gpucore.QueueFamily) bool { return f.ID == req.Family })]
		fam.Count = req.Count
		fq := &familyQueues{family: fam, taken: make([]bool, req.Count)}
		for idx := range req.Count {
			qid, err := raw.Queue(req.Family, idx)
			if err != nil {
				raw.Destroy()
				inst.Destroy()
				return nil, &DeviceCreationError{Backend: b.Name(), Adapter: info.Name, Err: err}
			}
			fq.raw = append(fq.raw, qid)
		}
		d.families = append(d.families, fq)
	}

	openMu.Lock()
	openDevices[d] = struct{}{}
	openMu.Unlock()

	d.log.Info("gal: device opened",
		"backend", b.Name(),
		"adapter", info.Name,
		"type", info.Type,
		"label", o.label,
		"families", len(d.families))
	return d, nil
}

// chooseAdapter applies the name filter, then prefers discrete over
// integrated over anything else.
func chooseAdapter(adapters []gpucore.Adapter, filter string) (gpucore.Adapter, error) {
	if filter != "" {
		for _, a := range adapters {
			if strings.Contains(strings.ToLower(a.Info().Name), strings.ToLower(filter)) {
				return a, nil
			}
		}
		return nil, fmt.Errorf("%w: none matches %q", ErrNoAdapter, filter)
	}
	if len(adapters) == 0 {
		return nil, ErrNoAdapter
	}
	for _, want := range []gpucore.DeviceType{gpucore.DeviceTypeDiscrete, gpucore.DeviceTypeIntegrated} {
		for _, a := range adapters {
			if a.Info().Type == want {
				return a, nil
			}
		}
	}
	return adapters[0], nil
}

// queueRequests validates explicit requests or builds one request per
// family covering all of its queues.
func queueRequests(families []gpucore.QueueFamily, explicit []gpucore.QueueRequest) ([]gpucore.QueueRequest, error) {
	if len(families) == 0 {
		return nil, ErrNoQueueFamily
	}
	if len(explicit) == 0 {
		reqs := make([]gpucore.QueueRequest, 0, len(families))
		for _, f := range families {
			if f.Count > 0 {
				reqs = append(reqs, gpucore.QueueRequest{Family: f.ID, Count: f.Count})
			}
		}
		if len(reqs) == 0 {
			return nil, ErrNoQueueFamily
		}
		return reqs, nil
	}

	seen := make(map[gpucore.FamilyID]bool)
	for _, r := range explicit {
		i := slices.IndexFunc(families, func(f gpucore.QueueFamily) bool { return f.ID == r.Family })
		if i < 0 {
			return nil, fmt.Errorf("%w: family %d does not exist", ErrNoQueueFamily, r.Family)
		}
		if r.Count <= 0 || r.Count > families[i].Count {
			return nil, fmt.Errorf("%w: family %d has %d queues, %d requested", ErrNoQueueFamily, r.Family, families[i].Count, r.Count)
		}
		if seen[r.Family] {
			return nil, fmt.Errorf("%w: family %d requested twice", ErrNoQueueFamily, r.Family)
		}
		seen[r.Family] = true
	}
	return explicit, nil
}

// ID returns the unique identity of this device.
func (d *Device) ID() uuid.UUID { return d.id }

// Label returns the label given with WithLabel.
func (d *Device) Label() string { return d.label }

// Info describes the adapter the device was opened on.
func (d *Device) Info() gpucore.AdapterInfo { return d.info }

// Limits returns the adapter limits.
func (d *Device) Limits() gpucore.Limits { return d.limits }

// Backend returns the backend name.
func (d *Device) Backend() string { return d.backend.Name() }

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Raw returns the raw backend device. Objects created on it directly are
// not tracked by gal.
func (d *Device) Raw() gpucore.Device { return d.raw }

// Families returns the opened queue families, with Count set to the
// number of queues opened.
func (d *Device) Families() []gpucore.QueueFamily {
	out := make([]gpucore.QueueFamily, len(d.families))
	for i, fq := range d.families {
		out[i] = fq.family
	}
	return out
}

// Logger returns the device logger.
func (d *Device) Logger() *slog.Logger { return d.log }

// track adds st to the live set.
func (d *Device) track(st *handleState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.seq++
	st.seq = d.seq
	d.live[st.seq] = st
	d.log.Debug("gal: object created", "kind", st.kind, "label", st.label, "seq", st.seq)
	return nil
}

func (d *Device) untrack(st *handleState) {
	d.mu.Lock()
	delete(d.live, st.seq)
	d.mu.Unlock()
}

// checkOpen returns ErrClosed after Close.
func (d *Device) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

// Stats returns a snapshot of the device bookkeeping.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		Live:                    make(map[gpucore.ObjectKind]int, len(gpucore.Kinds)),
		Submissions:             d.stats.submissions,
		SubmittedCommandBuffers: d.stats.commandBufs,
		FenceWaits:              d.stats.fenceWaits,
		FenceTimeouts:           d.stats.fenceTimeouts,
		Presents:                d.stats.presents,
	}
	for _, k := range gpucore.Kinds {
		s.Live[k] = 0
	}
	for _, st := range d.live {
		s.Live[st.kind]++
	}
	s.PendingSemaphores = d.pendingSignals
	for _, sub := range d.inflight {
		s.PendingCommandBuffers += len(sub.cbs)
	}
	for _, fq := range d.families {
		for _, t := range fq.taken {
			if t {
				s.QueuesTaken++
			}
		}
	}
	return s
}

// WaitIdle blocks until every queue finished its work and retires every
// submission.
func (d *Device) WaitIdle() error {
	if err := d.raw.WaitIdle(); err != nil {
		return fmt.Errorf("gal: wait idle: %w", err)
	}
	d.retire(func(*submission) bool { return true })
	return nil
}

// Poll retires submissions whose fence signaled. With wait it blocks
// until the device is idle first.
func (d *Device) Poll(wait bool) error {
	if wait {
		return d.WaitIdle()
	}

	d.mu.Lock()
	var fences []*Fence
	for _, sub := range d.inflight {
		if sub.fence != nil && !slices.Contains(fences, sub.fence) {
			fences = append(fences, sub.fence)
		}
	}
	d.mu.Unlock()

	var errs []error
	for _, f := range fences {
		if f.Released() {
			continue
		}
		signaled, err := d.raw.FenceStatus(f.Get())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if signaled {
			d.retireFence(f)
		}
	}
	return errors.Join(errs...)
}

// retire returns the command buffers of matching submissions to Initial.
func (d *Device) retire(match func(*submission) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.inflight[:0]
	for _, sub := range d.inflight {
		if !match(sub) {
			kept = append(kept, sub)
			continue
		}
		for _, cb := range sub.cbs {
			cb.retire()
		}
		if sub.fence != nil {
			sub.fence.inflight = false
		}
	}
	clear(d.inflight[len(kept):])
	d.inflight = kept
}

func (d *Device) retireFence(f *Fence) {
	d.retire(func(s *submission) bool { return s.fence == f })
}

// pendingFence returns the fence of the submission holding cb. d.mu
// must be held.
func (d *Device) pendingFence(cb *CommandBuffer) (*Fence, bool) {
	for _, sub := range d.inflight {
		if slices.Contains(sub.cbs, cb) {
			return sub.fence, true
		}
	}
	return nil, false
}

// Close shuts the device down: new submissions fault, the device is
// drained, every live object is released in reverse creation order with a
// warning, then the raw device and instance are destroyed. Close is
// idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.submits.Wait()
	waitErr := d.raw.WaitIdle()
	d.retire(func(*submission) bool { return true })

	d.mu.Lock()
	live := make([]*handleState, 0, len(d.live))
	for _, st := range d.live {
		live = append(live, st)
	}
	d.mu.Unlock()
	slices.SortFunc(live, func(a, b *handleState) int {
		switch {
		case a.seq > b.seq:
			return -1
		case a.seq < b.seq:
			return 1
		}
		return 0
	})
	for _, st := range live {
		if st.release() {
			d.log.Warn("gal: object released by Close", "kind", st.kind, "label", st.label, "seq", st.seq)
		}
	}
	d.mu.Lock()
	clear(d.live)
	d.mu.Unlock()

	d.raw.Destroy()
	d.instance.Destroy()

	openMu.Lock()
	delete(openDevices, d)
	openMu.Unlock()

	d.log.Info("gal: device closed", "released", len(live))
	if waitErr != nil {
		return fmt.Errorf("gal: close: %w", waitErr)
	}
	return nil
}
