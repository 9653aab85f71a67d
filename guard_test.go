package gal

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gal/gpucore"
)

func TestGuardReleaseOnce(t *testing.T) {
	d := openSoft(t)

	var destroyed atomic.Int32
	g, err := newGuard(d, gpucore.BufferID(42), "counted", func(gpucore.BufferID) {
		destroyed.Add(1)
	})
	if err != nil {
		t.Fatalf("newGuard() error = %v", err)
	}
	if got := d.Stats().Live[gpucore.KindBuffer]; got != 1 {
		t.Fatalf("live buffers = %d, want 1", got)
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() { g.Release() })
	}
	wg.Wait()
	g.Release()

	if n := destroyed.Load(); n != 1 {
		t.Errorf("destroy ran %d times, want 1", n)
	}
	if !g.Released() {
		t.Error("Released() = false after Release")
	}
	if got := d.Stats().Live[gpucore.KindBuffer]; got != 0 {
		t.Errorf("live buffers = %d after Release, want 0", got)
	}

	// Close must not destroy it again.
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := destroyed.Load(); n != 1 {
		t.Errorf("destroy ran %d times after Close, want 1", n)
	}
}

func TestGuardReleasedByClose(t *testing.T) {
	d := openSoft(t)

	var order []uint64
	var guards []*Guard[gpucore.BufferID]
	for i := range 3 {
		raw := gpucore.BufferID(100 + i)
		g, err := newGuard(d, raw, "leaked", func(id gpucore.BufferID) {
			order = append(order, uint64(id))
		})
		if err != nil {
			t.Fatalf("newGuard() error = %v", err)
		}
		guards = append(guards, g)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	want := []uint64{102, 101, 100}
	if len(order) != len(want) {
		t.Fatalf("destroyed %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("destroy order %v, want %v", order, want)
		}
	}
	for _, g := range guards {
		if !g.Released() {
			t.Errorf("guard %q not released by Close", g.Label())
		}
		g.Release()
	}
	if len(order) != 3 {
		t.Errorf("Release after Close destroyed again: %v", order)
	}
}

func TestGuardGetAfterRelease(t *testing.T) {
	d := openSoft(t)
	buf := hostBuffer(t, d, "gone", 16)
	buf.Release()

	mustFault(t, "used after release", func() { buf.Get() })
	mustFault(t, "used after release", func() { _ = buf.Write(0, []byte{1}) })
}

func TestNewGuardOnClosedDevice(t *testing.T) {
	d := openSoft(t)
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	destroyed := false
	_, err := newGuard(d, gpucore.FenceID(7), "late", func(gpucore.FenceID) { destroyed = true })
	if err != ErrClosed {
		t.Fatalf("newGuard() error = %v, want ErrClosed", err)
	}
	if !destroyed {
		t.Error("handle created after Close was not destroyed")
	}

	if _, err := d.CreateFence("late", false); err != ErrClosed {
		t.Errorf("CreateFence() after Close error = %v, want ErrClosed", err)
	}
}

func TestBorrowedGuardDestroysNothing(t *testing.T) {
	d := openSoft(t)
	g := borrowedGuard(d, gpucore.ImageID(9), "swap")
	if got := d.Stats().Live[gpucore.KindImage]; got != 0 {
		t.Errorf("borrowed guard tracked: live images = %d", got)
	}
	g.Release()
	if !g.Released() {
		t.Error("Released() = false")
	}
	mustFault(t, "used after release", func() { g.Get() })
}
