package gal

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gal/backend/soft"
	"github.com/gogpu/gal/gpucore"
)

// hookedBackend wraps the soft backend and runs submit before every raw
// Submit. A non-nil error from submit is returned in place of the
// submission.
type hookedBackend struct {
	gpucore.Backend
	submit func(q gpucore.QueueID) error
}

type hookedInstance struct {
	gpucore.Instance
	b *hookedBackend
}

type hookedAdapter struct {
	gpucore.Adapter
	b *hookedBackend
}

type hookedDevice struct {
	gpucore.Device
	b *hookedBackend
}

func (b *hookedBackend) CreateInstance(desc *gpucore.InstanceDesc) (gpucore.Instance, error) {
	inst, err := b.Backend.CreateInstance(desc)
	if err != nil {
		return nil, err
	}
	return &hookedInstance{Instance: inst, b: b}, nil
}

func (i *hookedInstance) Adapters() []gpucore.Adapter {
	var out []gpucore.Adapter
	for _, a := range i.Instance.Adapters() {
		out = append(out, &hookedAdapter{Adapter: a, b: i.b})
	}
	return out
}

func (a *hookedAdapter) Open(desc *gpucore.DeviceDesc) (gpucore.Device, error) {
	d, err := a.Adapter.Open(desc)
	if err != nil {
		return nil, err
	}
	return &hookedDevice{Device: d, b: a.b}, nil
}

func (d *hookedDevice) Submit(q gpucore.QueueID, batches []gpucore.SubmitDesc) error {
	if err := d.b.submit(q); err != nil {
		return err
	}
	return d.Device.Submit(q, batches)
}

func openHooked(t *testing.T, submit func(q gpucore.QueueID) error) *Device {
	t.Helper()
	d, err := Open(WithBackendInstance(&hookedBackend{Backend: soft.New(), submit: submit}), WithLabel(t.Name()))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return d
}

func TestTakeQueue(t *testing.T) {
	d := openSoft(t)

	a := mustQueue(t, d, 0)
	b := mustQueue(t, d, 0)
	if a.Index() != 0 || b.Index() != 1 {
		t.Fatalf("indices = %d, %d; want 0, 1", a.Index(), b.Index())
	}
	if !a.Caps().Has(gpucore.QueueGraphics) {
		t.Error("family 0 lacks graphics")
	}

	_, err := d.TakeQueue(0)
	var que *QueueUnavailableError
	if !errors.As(err, &que) || que.Count != 2 {
		t.Fatalf("TakeQueue(0) error = %v, want exhausted family", err)
	}
	if _, err := d.TakeQueue(7); !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("TakeQueue(7) error = %v, want ErrQueueUnavailable", err)
	}

	a.Release()
	a.Release()
	c, err := d.TakeQueue(0)
	if err != nil {
		t.Fatalf("TakeQueue after Release error = %v", err)
	}
	defer c.Release()
	if c.Index() != 0 {
		t.Errorf("reclaimed index = %d, want 0", c.Index())
	}
	if c.Device() != d {
		t.Error("Device() mismatch")
	}
	mustFault(t, "used after release", func() { _ = a.Submit() })
	if got := d.Stats().QueuesTaken; got != 2 {
		t.Errorf("QueuesTaken = %d, want 2", got)
	}
}

func TestConcurrentSubmit(t *testing.T) {
	const perQueue = 50
	d := openSoft(t)
	queues := []*Queue{mustQueue(t, d, 0), mustQueue(t, d, 0), mustQueue(t, d, 1)}

	var g errgroup.Group
	for qi, q := range queues {
		g.Go(func() error {
			pool, err := d.CreateCommandPool(q.Family(), gpucore.PoolResetIndividual)
			if err != nil {
				return err
			}
			defer pool.Release()
			cb, err := pool.Allocate()
			if err != nil {
				return err
			}
			fence, err := d.CreateFence(fmt.Sprintf("q%d", qi), false)
			if err != nil {
				return err
			}
			defer fence.Release()
			src, err := d.CreateBuffer(gpucore.BufferDesc{Size: 32, HostVisible: true})
			if err != nil {
				return err
			}
			defer src.Release()
			dst, err := d.CreateBuffer(gpucore.BufferDesc{Size: 32, HostVisible: true})
			if err != nil {
				return err
			}
			defer dst.Release()

			for n := range perQueue {
				want := bytes.Repeat([]byte{byte(qi*perQueue + n)}, 32)
				if err := src.Write(0, want); err != nil {
					return err
				}
				if err := cb.Begin(); err != nil {
					return err
				}
				cb.CopyBuffer(src, dst, gpucore.BufferCopy{Size: 32})
				if err := cb.Finish(); err != nil {
					return err
				}
				if err := q.Submit(Submission{CommandBuffers: []*CommandBuffer{cb}, Fence: fence}); err != nil {
					return err
				}
				st, err := fence.Wait(d.fenceTimeout)
				if err != nil {
					return err
				}
				if st != FenceSignaled {
					return fmt.Errorf("queue %d round %d: fence %s", qi, n, st)
				}
				if err := fence.Reset(); err != nil {
					return err
				}
				got := make([]byte, 32)
				if err := dst.Read(0, got); err != nil {
					return err
				}
				if !bytes.Equal(got, want) {
					return fmt.Errorf("queue %d round %d: dst[0] = %d, want %d", qi, n, got[0], want[0])
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	s := d.Stats()
	if want := uint64(len(queues) * perQueue); s.Submissions != want || s.SubmittedCommandBuffers != want {
		t.Errorf("Submissions = %d/%d, want %d", s.Submissions, s.SubmittedCommandBuffers, want)
	}
	if s.PendingCommandBuffers != 0 {
		t.Errorf("PendingCommandBuffers = %d, want 0", s.PendingCommandBuffers)
	}
	for k, n := range s.Live {
		if n != 0 {
			t.Errorf("live %s = %d after all goroutines released", k, n)
		}
	}
}

func TestQueueRun(t *testing.T) {
	d := openSoft(t)
	q := mustQueue(t, d, 1)
	src := hostBuffer(t, d, "src", 8)
	dst := hostBuffer(t, d, "dst", 8)
	if err := src.Write(0, []byte("transfer")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	err := q.Run(func(cb *CommandBuffer) {
		cb.CopyBuffer(src, dst, gpucore.BufferCopy{Size: 8})
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := make([]byte, 8)
	if err := dst.Read(0, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "transfer" {
		t.Errorf("dst = %q, want %q", got, "transfer")
	}
	if n := d.Stats().Live[gpucore.KindCommandPool]; n != 0 {
		t.Errorf("Run left %d command pools alive", n)
	}
}

func TestSubmitOnOtherQueueWhileBackendBusy(t *testing.T) {
	var (
		slow    gpucore.QueueID
		entered = make(chan struct{})
		resume  = make(chan struct{})
	)
	d := openHooked(t, func(q gpucore.QueueID) error {
		if q == slow {
			close(entered)
			<-resume
		}
		return nil
	})
	qa, qb := mustQueue(t, d, 0), mustQueue(t, d, 0)
	slow = qa.raw

	pool := mustPool(t, d, 0, gpucore.PoolResetIndividual)
	cbA, cbB := mustAllocate(t, pool), mustAllocate(t, pool)
	src, dst := hostBuffer(t, d, "src", 16), hostBuffer(t, d, "dst", 16)
	recordCopy(t, cbA, src, dst)
	recordCopy(t, cbB, src, dst)
	fenceA, fenceB := mustFence(t, d, "a", false), mustFence(t, d, "b", false)

	done := make(chan error, 1)
	go func() {
		done <- qa.Submit(Submission{CommandBuffers: []*CommandBuffer{cbA}, Fence: fenceA})
	}()
	<-entered

	if st := cbA.State(); st != StatePending {
		t.Errorf("State() during submit = %s, want %s", st, StatePending)
	}
	mustFault(t, "being submitted", func() { _ = fenceA.Reset() })
	mustFault(t, "is pending", func() {
		_ = qb.Submit(Submission{CommandBuffers: []*CommandBuffer{cbA}})
	})

	other := make(chan error, 1)
	go func() {
		other <- qb.Submit(Submission{CommandBuffers: []*CommandBuffer{cbB}, Fence: fenceB})
	}()
	select {
	case err := <-other:
		if err != nil {
			t.Fatalf("Submit() on the second queue error = %v", err)
		}
	case <-time.After(2 * time.Second):
		close(resume)
		t.Fatal("Submit() on the second queue blocked behind the first")
	}
	waitSignaled(t, fenceB)

	close(resume)
	if err := <-done; err != nil {
		t.Fatalf("Submit() on the first queue error = %v", err)
	}
	waitSignaled(t, fenceA)
	if s := d.Stats(); s.Submissions != 2 || s.PendingCommandBuffers != 0 {
		t.Errorf("Stats() = %+v, want 2 submissions and none pending", s)
	}
}

func TestSubmitBackendErrorRestoresState(t *testing.T) {
	errLost := errors.New("device lost")
	fail := true
	d := openHooked(t, func(gpucore.QueueID) error {
		if fail {
			return errLost
		}
		return nil
	})
	q := mustQueue(t, d, 0)
	pool := mustPool(t, d, 0, gpucore.PoolResetIndividual)
	cb := mustAllocate(t, pool)
	recordCopy(t, cb, hostBuffer(t, d, "src", 16), hostBuffer(t, d, "dst", 16))
	sem := mustSemaphore(t, d, "done")
	fence := mustFence(t, d, "f", false)
	sub := Submission{CommandBuffers: []*CommandBuffer{cb}, Signal: []*Semaphore{sem}, Fence: fence}

	if err := q.Submit(sub); !errors.Is(err, errLost) {
		t.Fatalf("Submit() error = %v, want %v", err, errLost)
	}
	if st := cb.State(); st != StateExecutable {
		t.Errorf("State() after a refused submit = %s, want %s", st, StateExecutable)
	}
	if st, err := fence.Wait(-1); err != nil || st != FenceUnsignaled {
		t.Errorf("fence.Wait() = %s, %v; want %s", st, err, FenceUnsignaled)
	}
	if err := fence.Reset(); err != nil {
		t.Errorf("fence.Reset() error = %v", err)
	}
	if s := d.Stats(); s.Submissions != 0 || s.PendingSemaphores != 0 {
		t.Errorf("Stats() = %+v, want no submissions or signals", s)
	}

	fail = false
	if err := q.Submit(sub); err != nil {
		t.Fatalf("Submit() retry error = %v", err)
	}
	waitSignaled(t, fence)
	if s := d.Stats(); s.Submissions != 1 || s.PendingSemaphores != 1 {
		t.Errorf("Stats() = %+v, want 1 submission and 1 pending signal", s)
	}
}
