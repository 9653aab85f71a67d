package gal

import (
	"sync"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gal/backend/soft"
	"github.com/gogpu/gal/gpucore"
)

// presented collects the images handed to the soft present sink.
type presented struct {
	mu     sync.Mutex
	frames [][]byte
	index  []uint32
}

func (p *presented) sink(_ gpucore.SurfaceID, index uint32, pixels []byte, _, _ uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, pixels)
	p.index = append(p.index, index)
}

func (p *presented) snapshot() ([][]byte, []uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...), append([]uint32(nil), p.index...)
}

func newTestSurface(t *testing.T, d *Device, images uint32) *Surface {
	t.Helper()
	s, err := NewSurface(d, WindowHandle{Kind: "headless", Width: 4, Height: 4})
	if err != nil {
		t.Fatalf("NewSurface() error = %v", err)
	}
	t.Cleanup(s.Release)
	err = s.Configure(gpucore.SurfaceConfig{
		Format:     gputypes.TextureFormatRGBA8Unorm,
		Width:      4,
		Height:     4,
		ImageCount: images,
		Usage:      gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	return s
}

func TestSurfacePresentLoop(t *testing.T) {
	var out presented
	d := openSoft(t, soft.WithPresentFunc(out.sink))
	q := mustQueue(t, d, 0)
	s := newTestSurface(t, d, 2)
	pass := colorPass(t, d)

	ring, err := NewFrameRing(d, 0, 2)
	if err != nil {
		t.Fatalf("NewFrameRing() error = %v", err)
	}
	defer ring.Release()

	colors := []gputypes.Color{{G: 1, A: 1}, {B: 1, A: 1}, {R: 1, A: 1}}
	for n, c := range colors {
		f, err := ring.Begin()
		if err != nil {
			t.Fatalf("frame %d: Begin() error = %v", n, err)
		}
		img, err := s.Acquire(f.ImageAvailable)
		if err != nil {
			t.Fatalf("frame %d: Acquire() error = %v", n, err)
		}
		if want := uint32(n % 2); img.Index != want {
			t.Errorf("frame %d: image index = %d, want %d", n, img.Index, want)
		}

		cb := f.Commands
		if err := cb.Begin(); err != nil {
			t.Fatalf("frame %d: Begin() error = %v", n, err)
		}
		cb.BeginRenderPass(pass, Framebuffer{Colors: []*Image{img.Image}, Clear: []gputypes.Color{c}})
		cb.EndRenderPass()
		if err := cb.Finish(); err != nil {
			t.Fatalf("frame %d: Finish() error = %v", n, err)
		}
		err = q.Submit(Submission{
			CommandBuffers: []*CommandBuffer{cb},
			Wait:           []SemaphoreWait{{Semaphore: f.ImageAvailable, Stage: gpucore.PipelineStageColorAttachmentOutput}},
			Signal:         []*Semaphore{f.RenderFinished},
			Fence:          f.Fence,
		})
		if err != nil {
			t.Fatalf("frame %d: Submit() error = %v", n, err)
		}
		if err := s.Present(q, img, f.RenderFinished); err != nil {
			t.Fatalf("frame %d: Present() error = %v", n, err)
		}
	}
	if err := d.WaitIdle(); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}

	st := d.Stats()
	if st.Presents != uint64(len(colors)) {
		t.Errorf("Presents = %d, want %d", st.Presents, len(colors))
	}
	if st.PendingSemaphores != 0 {
		t.Errorf("PendingSemaphores = %d, want 0", st.PendingSemaphores)
	}

	frames, index := out.snapshot()
	if len(frames) != len(colors) {
		t.Fatalf("presented %d frames, want %d", len(frames), len(colors))
	}
	want := [][4]byte{{0, 255, 0, 255}, {0, 0, 255, 255}, {255, 0, 0, 255}}
	for i, px := range frames {
		if len(px) != 4*4*4 {
			t.Fatalf("frame %d: %d bytes, want %d", i, len(px), 4*4*4)
		}
		if [4]byte(px[:4]) != want[i] {
			t.Errorf("frame %d: first pixel = %v, want %v", i, px[:4], want[i])
		}
		if index[i] != uint32(i%2) {
			t.Errorf("frame %d: presented index %d", i, index[i])
		}
	}
}

func TestSurfaceReconfigure(t *testing.T) {
	d := openSoft(t)
	s := newTestSurface(t, d, 3)

	old := s.Images()
	if len(old) != 3 {
		t.Fatalf("Images() = %d, want 3", len(old))
	}
	if old[0].Width() != 4 || old[0].Desc().Format != gputypes.TextureFormatRGBA8Unorm {
		t.Errorf("image desc = %+v", old[0].Desc())
	}

	cfg := s.Config()
	cfg.Width, cfg.Height, cfg.ImageCount = 8, 8, 2
	if err := s.Configure(cfg); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	for i, img := range old {
		if !img.Released() {
			t.Errorf("old image %d still valid after Configure", i)
		}
	}
	if imgs := s.Images(); len(imgs) != 2 || imgs[1].Width() != 8 {
		t.Errorf("Images() after Configure = %d images", len(imgs))
	}
	if got := s.Config(); got.Width != 8 || got.ImageCount != 2 {
		t.Errorf("Config() = %+v", got)
	}
}

func TestSurfaceFaults(t *testing.T) {
	d := openSoft(t)
	graphics := mustQueue(t, d, 0)
	transfer := mustQueue(t, d, 1)

	bare, err := NewSurface(d, WindowHandle{Kind: "headless"})
	if err != nil {
		t.Fatalf("NewSurface() error = %v", err)
	}
	defer bare.Release()
	sem := mustSemaphore(t, d, "acquire")
	defer sem.Release()
	mustFault(t, "is not configured", func() { _, _ = bare.Acquire(sem) })
	mustFault(t, "nil semaphore", func() { _, _ = bare.Acquire(nil) })

	s := newTestSurface(t, d, 2)
	img, err := s.Acquire(sem)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	mustFault(t, "signaled twice", func() { _, _ = s.Acquire(sem) })

	unsignaled := mustSemaphore(t, d, "unsignaled")
	defer unsignaled.Release()
	mustFault(t, "without a pending signal", func() { _ = s.Present(graphics, img, unsignaled) })
	mustFault(t, "without a pending signal", func() { _ = s.Present(graphics, img, sem, sem) })

	// The transfer family cannot present; the signal stays pending.
	if err := s.Present(transfer, img, sem); err == nil {
		t.Error("Present() on a transfer queue succeeded")
	}
	if got := d.Stats().PendingSemaphores; got != 1 {
		t.Errorf("PendingSemaphores = %d after failed Present, want 1", got)
	}

	if err := s.Configure(s.Config()); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	mustFault(t, "does not belong to the current configuration", func() { _ = s.Present(graphics, img, sem) })

	if err := s.Present(graphics, SurfaceImage{Index: 0, Image: s.Images()[0]}, sem); err != nil {
		t.Fatalf("Present() error = %v", err)
	}
	if err := d.WaitIdle(); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}
	if got := d.Stats().PendingSemaphores; got != 0 {
		t.Errorf("PendingSemaphores = %d, want 0", got)
	}
}
