package gal

import (
	"errors"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gal/backend/soft"
	"github.com/gogpu/gal/gpucore"
	"github.com/gogpu/gal/internal/spirv/spirvtest"
)

// openSoft opens a device on a private soft backend and closes it when
// the test ends.
func openSoft(t testing.TB, opts ...soft.Option) *Device {
	t.Helper()
	d, err := Open(WithBackendInstance(soft.New(opts...)), WithLabel(t.Name()))
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

// mustFault runs fn and fails the test unless it panics with a *Fault
// whose message contains want.
func mustFault(t *testing.T, want string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected a fault containing %q, got none", want)
		}
		err, ok := r.(error)
		if !ok {
			t.Fatalf("panic value %v (%T), want *Fault", r, r)
		}
		var f *Fault
		if !errors.As(err, &f) {
			t.Fatalf("panic value %v (%T), want *Fault", r, r)
		}
		if !strings.Contains(f.Error(), want) {
			t.Fatalf("fault %q does not contain %q", f.Error(), want)
		}
	}()
	fn()
}

func mustQueue(t testing.TB, d *Device, family gpucore.FamilyID) *Queue {
	t.Helper()
	q, err := d.TakeQueue(family)
	if err != nil {
		t.Fatalf("TakeQueue(%d) error = %v", family, err)
	}
	t.Cleanup(q.Release)
	return q
}

func hostBuffer(t testing.TB, d *Device, label string, size uint64) *Buffer {
	t.Helper()
	b, err := d.CreateBuffer(gpucore.BufferDesc{
		Label:       label,
		Size:        size,
		Usage:       gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapRead,
		HostVisible: true,
	})
	if err != nil {
		t.Fatalf("CreateBuffer(%q) error = %v", label, err)
	}
	return b
}

func mustPool(t testing.TB, d *Device, family gpucore.FamilyID, flags ...gpucore.CommandPoolFlags) *CommandPool {
	t.Helper()
	p, err := d.CreateCommandPool(family, flags...)
	if err != nil {
		t.Fatalf("CreateCommandPool(%d) error = %v", family, err)
	}
	return p
}

func mustAllocate(t testing.TB, p *CommandPool) *CommandBuffer {
	t.Helper()
	cb, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	return cb
}

func mustFence(t testing.TB, d *Device, label string, signaled bool) *Fence {
	t.Helper()
	f, err := d.CreateFence(label, signaled)
	if err != nil {
		t.Fatalf("CreateFence(%q) error = %v", label, err)
	}
	return f
}

func mustSemaphore(t testing.TB, d *Device, label string) *Semaphore {
	t.Helper()
	s, err := d.CreateSemaphore(label)
	if err != nil {
		t.Fatalf("CreateSemaphore(%q) error = %v", label, err)
	}
	return s
}

func mustShader(t testing.TB, d *Device, label string, b *spirvtest.Builder, kind ShaderKind) *ShaderModule {
	t.Helper()
	m, err := ShaderFromSPIRV(d, label, b.Words(), kind)
	if err != nil {
		t.Fatalf("ShaderFromSPIRV(%q) error = %v", label, err)
	}
	return m
}

func colorPass(t testing.TB, d *Device) *RenderPass {
	t.Helper()
	p, err := d.CreateRenderPass(gpucore.RenderPassDesc{
		Label: "color",
		Colors: []gpucore.ColorAttachmentDesc{{
			Format:      gputypes.TextureFormatRGBA8Unorm,
			LoadOp:      gputypes.LoadOpClear,
			StoreOp:     gputypes.StoreOpStore,
			FinalLayout: gpucore.LayoutTransferSrc,
		}},
	})
	if err != nil {
		t.Fatalf("CreateRenderPass() error = %v", err)
	}
	return p
}

func colorTarget(t testing.TB, d *Device, w, h uint32) *Image {
	t.Helper()
	img, err := d.CreateImage(gpucore.ImageDesc{
		Label:  "target",
		Width:  w,
		Height: h,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		t.Fatalf("CreateImage() error = %v", err)
	}
	return img
}

// recordCopy records a full copy of src into dst.
func recordCopy(t testing.TB, cb *CommandBuffer, src, dst *Buffer) {
	t.Helper()
	if err := cb.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	cb.CopyBuffer(src, dst, gpucore.BufferCopy{Size: src.Size()})
	if err := cb.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
}

func waitSignaled(t testing.TB, f *Fence) {
	t.Helper()
	st, err := f.Wait(DefaultFenceTimeout)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if st != FenceSignaled {
		t.Fatalf("Wait() = %v, want %v", st, FenceSignaled)
	}
}
