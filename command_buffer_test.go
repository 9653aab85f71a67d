package gal

import (
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gal/backend/soft"
	"github.com/gogpu/gal/gpucore"
)

func TestRecorderOutsideRecordingFaults(t *testing.T) {
	d := openSoft(t)
	pool := mustPool(t, d, 0)
	cb := mustAllocate(t, pool)
	buf := hostBuffer(t, d, "buf", 64)
	buf2 := hostBuffer(t, d, "buf2", 64)
	img := colorTarget(t, d, 4, 4)
	pass := colorPass(t, d)

	ops := []struct {
		name string
		fn   func()
	}{
		{"BeginRenderPass", func() { cb.BeginRenderPass(pass, Framebuffer{Colors: []*Image{img}}) }},
		{"EndRenderPass", func() { cb.EndRenderPass() }},
		{"BindVertexBuffer", func() { cb.BindVertexBuffer(0, buf, 0) }},
		{"BindIndexBuffer", func() { cb.BindIndexBuffer(buf, 0, gpucore.IndexUint16) }},
		{"SetViewport", func() { cb.SetViewport(gpucore.Viewport{Width: 4, Height: 4, MaxDepth: 1}) }},
		{"SetScissor", func() { cb.SetScissor(gpucore.Rect{Width: 4, Height: 4}) }},
		{"Draw", func() { cb.Draw(3, 1, 0, 0) }},
		{"DrawIndexed", func() { cb.DrawIndexed(3, 1, 0, 0, 0) }},
		{"CopyBuffer", func() { cb.CopyBuffer(buf, buf2, gpucore.BufferCopy{Size: 8}) }},
		{"CopyBufferToImage", func() { cb.CopyBufferToImage(buf, img, gpucore.BufferImageCopy{Width: 1, Height: 1}) }},
		{"CopyImageToBuffer", func() { cb.CopyImageToBuffer(img, buf, gpucore.BufferImageCopy{Width: 1, Height: 1}) }},
		{"Barrier", func() { cb.Barrier(Barrier{SrcStage: gpucore.PipelineStageTransfer, DstStage: gpucore.PipelineStageTransfer}) }},
		{"PushConstants", func() { cb.PushConstants(gpucore.StageVertex, 0, make([]byte, 4)) }},
		{"Finish", func() { _ = cb.Finish() }},
	}

	// Initial.
	for _, op := range ops {
		t.Run("initial/"+op.name, func(t *testing.T) {
			mustFault(t, "want recording", op.fn)
		})
	}

	// Executable.
	recordCopy(t, cb, buf, buf2)
	for _, op := range ops {
		t.Run("executable/"+op.name, func(t *testing.T) {
			mustFault(t, "want recording", op.fn)
		})
	}
	mustFault(t, "is executable, want initial", func() { _ = cb.Begin() })
}

func TestRecorderPassRules(t *testing.T) {
	d := openSoft(t)
	pool := mustPool(t, d, 0)
	buf := hostBuffer(t, d, "buf", 64)
	buf2 := hostBuffer(t, d, "buf2", 64)
	img := colorTarget(t, d, 4, 4)
	pass := colorPass(t, d)
	fb := Framebuffer{Colors: []*Image{img}, Clear: []gputypes.Color{{R: 1, A: 1}}}

	tests := []struct {
		name   string
		record func(cb *CommandBuffer)
		want   string
	}{
		{"end without begin", func(cb *CommandBuffer) { cb.EndRenderPass() }, "no render pass is open"},
		{"nested begin", func(cb *CommandBuffer) {
			cb.BeginRenderPass(pass, fb)
			cb.BeginRenderPass(pass, fb)
		}, "already open"},
		{"finish inside pass", func(cb *CommandBuffer) {
			cb.BeginRenderPass(pass, fb)
			_ = cb.Finish()
		}, "still open"},
		{"draw outside pass", func(cb *CommandBuffer) { cb.Draw(3, 1, 0, 0) }, "no render pass is open"},
		{"draw without pipeline", func(cb *CommandBuffer) {
			cb.BeginRenderPass(pass, fb)
			cb.Draw(3, 1, 0, 0)
		}, "no pipeline is bound"},
		{"copy inside pass", func(cb *CommandBuffer) {
			cb.BeginRenderPass(pass, fb)
			cb.CopyBuffer(buf, buf2, gpucore.BufferCopy{Size: 8})
		}, "is open"},
		{"barrier inside pass", func(cb *CommandBuffer) {
			cb.BeginRenderPass(pass, fb)
			cb.Barrier(Barrier{})
		}, "is open"},
		{"copy out of bounds", func(cb *CommandBuffer) {
			cb.CopyBuffer(buf, buf2, gpucore.BufferCopy{DstOffset: 60, Size: 8})
		}, "out of bounds"},
		{"copy source offset wraps", func(cb *CommandBuffer) {
			cb.CopyBuffer(buf, buf2, gpucore.BufferCopy{SrcOffset: ^uint64(0) - 7, Size: 16})
		}, "out of bounds"},
		{"copy destination offset wraps", func(cb *CommandBuffer) {
			cb.CopyBuffer(buf, buf2, gpucore.BufferCopy{DstOffset: ^uint64(0), Size: 1})
		}, "out of bounds"},
		{"copy size beyond buffer", func(cb *CommandBuffer) {
			cb.CopyBuffer(buf, buf2, gpucore.BufferCopy{Size: ^uint64(0)})
		}, "out of bounds"},
		{"image region wraps", func(cb *CommandBuffer) {
			cb.CopyBufferToImage(buf, img, gpucore.BufferImageCopy{X: ^uint32(0) - 1, Width: 4, Height: 1})
		}, "outside image"},
		{"copy overlapping", func(cb *CommandBuffer) {
			cb.CopyBuffer(buf, buf, gpucore.BufferCopy{SrcOffset: 0, DstOffset: 4, Size: 8})
		}, "overlaps"},
		{"image region outside", func(cb *CommandBuffer) {
			cb.CopyBufferToImage(buf, img, gpucore.BufferImageCopy{X: 2, Width: 4, Height: 1})
		}, "outside image"},
		{"framebuffer mismatch", func(cb *CommandBuffer) {
			cb.BeginRenderPass(pass, Framebuffer{})
		}, "color attachments"},
		{"push constants without pipeline", func(cb *CommandBuffer) {
			cb.PushConstants(gpucore.StageVertex, 0, make([]byte, 4))
		}, "no pipeline is bound"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := mustAllocate(t, pool)
			defer cb.Release()
			if err := cb.Begin(); err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			mustFault(t, tt.want, func() { tt.record(cb) })
		})
	}
}

func TestRenderPassClear(t *testing.T) {
	d := openSoft(t)
	q := mustQueue(t, d, 0)
	pool := mustPool(t, d, 0)
	cb := mustAllocate(t, pool)
	img := colorTarget(t, d, 2, 2)
	out := hostBuffer(t, d, "readback", 2*2*4)
	pass := colorPass(t, d)
	fence := mustFence(t, d, "clear", false)

	if err := cb.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	cb.BeginRenderPass(pass, Framebuffer{Colors: []*Image{img}, Clear: []gputypes.Color{{R: 1, G: 0, B: 0, A: 1}}})
	cb.EndRenderPass()
	cb.CopyImageToBuffer(img, out, gpucore.BufferImageCopy{Width: 2, Height: 2})
	if err := cb.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if err := q.Submit(Submission{CommandBuffers: []*CommandBuffer{cb}, Fence: fence}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitSignaled(t, fence)

	px := make([]byte, 16)
	if err := out.Read(0, px); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	for i := 0; i < len(px); i += 4 {
		if px[i] != 255 || px[i+1] != 0 || px[i+2] != 0 || px[i+3] != 255 {
			t.Fatalf("pixel %d = %v, want opaque red", i/4, px[i:i+4])
		}
	}
}

func TestCommandBufferReset(t *testing.T) {
	d := openSoft(t)
	q := mustQueue(t, d, 0)
	src := hostBuffer(t, d, "src", 16)
	dst := hostBuffer(t, d, "dst", 16)

	t.Run("individual", func(t *testing.T) {
		pool := mustPool(t, d, 0)
		defer pool.Release()
		cb := mustAllocate(t, pool)
		fence := mustFence(t, d, "individual", false)
		defer fence.Release()

		recordCopy(t, cb, src, dst)
		if err := cb.Reset(); err != nil {
			t.Fatalf("Reset() error = %v", err)
		}
		if st := cb.State(); st != StateInitial {
			t.Fatalf("State() = %v after Reset", st)
		}
		recordCopy(t, cb, src, dst)
		if err := q.Submit(Submission{CommandBuffers: []*CommandBuffer{cb}, Fence: fence}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		waitSignaled(t, fence)
		// Re-recording resets the raw buffer implicitly.
		recordCopy(t, cb, src, dst)
	})

	t.Run("pool-wide only", func(t *testing.T) {
		pool := mustPool(t, d, 0, gpucore.PoolTransient)
		defer pool.Release()
		cb := mustAllocate(t, pool)

		mustFault(t, "does not allow individual reset", func() { _ = cb.Reset() })
		recordCopy(t, cb, src, dst)
		if err := q.Submit(Submission{CommandBuffers: []*CommandBuffer{cb}}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		if err := q.WaitIdle(); err != nil {
			t.Fatalf("WaitIdle() error = %v", err)
		}
		mustFault(t, "reset the pool", func() { _ = cb.Begin() })
		if err := pool.Reset(); err != nil {
			t.Fatalf("pool Reset() error = %v", err)
		}
		recordCopy(t, cb, src, dst)
	})
}

func TestPendingCommandBufferFaults(t *testing.T) {
	d := openSoft(t, soft.WithExecutionDelay(50*time.Millisecond))
	q := mustQueue(t, d, 0)
	src := hostBuffer(t, d, "src", 16)
	dst := hostBuffer(t, d, "dst", 16)
	pool := mustPool(t, d, 0)
	cb := mustAllocate(t, pool)
	fence := mustFence(t, d, "slow", false)

	recordCopy(t, cb, src, dst)
	if err := q.Submit(Submission{CommandBuffers: []*CommandBuffer{cb}, Fence: fence}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	mustFault(t, "is pending", func() { _ = cb.Reset() })
	mustFault(t, "is pending", func() { cb.Release() })
	mustFault(t, "is pending", func() { _ = pool.Reset() })
	mustFault(t, "is pending, want initial", func() { _ = cb.Begin() })
	mustFault(t, "in flight", func() { _ = fence.Reset() })
	mustFault(t, "is pending, want executable", func() {
		_ = q.Submit(Submission{CommandBuffers: []*CommandBuffer{cb}})
	})

	waitSignaled(t, fence)
	if err := pool.Reset(); err != nil {
		t.Fatalf("pool Reset() after fence error = %v", err)
	}
}

func TestSubmitValidationFaults(t *testing.T) {
	d := openSoft(t)
	graphics := mustQueue(t, d, 0)
	transfer := mustQueue(t, d, 1)
	pool := mustPool(t, d, 0)
	cb := mustAllocate(t, pool)
	recordCopy(t, cb, hostBuffer(t, d, "a", 8), hostBuffer(t, d, "b", 8))

	mustFault(t, "belongs to family 0", func() {
		_ = transfer.Submit(Submission{CommandBuffers: []*CommandBuffer{cb}})
	})
	mustFault(t, "submitted twice", func() {
		_ = graphics.Submit(Submission{CommandBuffers: []*CommandBuffer{cb, cb}})
	})
	mustFault(t, "targets queue", func() {
		_ = graphics.Submit(Submission{Queue: transfer, CommandBuffers: []*CommandBuffer{cb}})
	})
	if st := cb.State(); st != StateExecutable {
		t.Errorf("State() = %v after rejected submits, want %v", st, StateExecutable)
	}
	if s := d.Stats(); s.Submissions != 0 {
		t.Errorf("Submissions = %d after rejected submits, want 0", s.Submissions)
	}
}
