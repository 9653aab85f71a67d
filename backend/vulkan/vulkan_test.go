//go:build vulkan

package vulkan

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/gal"
	"github.com/gogpu/gal/backend"
	"github.com/gogpu/gal/gpucore"
)

func openVulkan(t *testing.T) *gal.Device {
	t.Helper()
	if _, err := backend.Get(backend.NameVulkan); err != nil {
		t.Skipf("vulkan loader unavailable: %v", err)
	}
	d, err := gal.Open(gal.WithBackend(backend.NameVulkan), gal.WithLabel(t.Name()), gal.WithValidation(true))
	if errors.Is(err, gal.ErrNoAdapter) {
		t.Skip("no vulkan adapter")
	}
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestBufferRoundTrip(t *testing.T) {
	d := openVulkan(t)
	q, err := d.TakeQueue(d.Families()[0].ID)
	if err != nil {
		t.Fatalf("TakeQueue() error = %v", err)
	}
	defer q.Release()

	usage := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	src, err := d.CreateBuffer(gpucore.BufferDesc{Label: "src", Size: 16, Usage: usage, HostVisible: true})
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	defer src.Release()
	dst, err := d.CreateBuffer(gpucore.BufferDesc{Label: "dst", Size: 16, Usage: usage, HostVisible: true})
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	defer dst.Release()

	want := []byte("0123456789abcdef")
	if err := src.Write(0, want); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := q.Run(func(cb *gal.CommandBuffer) {
		cb.CopyBuffer(src, dst, gpucore.BufferCopy{Size: 16})
	}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := make([]byte, 16)
	if err := dst.Read(0, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Read() = %q, want %q", got, want)
	}
}

func TestFenceWaitUnsubmitted(t *testing.T) {
	d := openVulkan(t)
	f, err := d.CreateFence("idle", false)
	if err != nil {
		t.Fatalf("CreateFence() error = %v", err)
	}
	defer f.Release()
	st, err := f.Wait(-1)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if st != gal.FenceUnsignaled {
		t.Errorf("Wait(-1) = %v, want %v", st, gal.FenceUnsignaled)
	}
	if done, err := d.Raw().WaitFence(f.Get(), time.Millisecond); err != nil || done {
		t.Errorf("raw WaitFence(1ms) = %v, %v; want false", done, err)
	}
}

func TestSubmitFencePerBatch(t *testing.T) {
	d := openVulkan(t)
	q, err := d.TakeQueue(d.Families()[0].ID)
	if err != nil {
		t.Fatalf("TakeQueue() error = %v", err)
	}
	defer q.Release()

	usage := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	src, err := d.CreateBuffer(gpucore.BufferDesc{Label: "src", Size: 16, Usage: usage, HostVisible: true})
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	defer src.Release()
	dst, err := d.CreateBuffer(gpucore.BufferDesc{Label: "dst", Size: 16, Usage: usage, HostVisible: true})
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	defer dst.Release()

	pool, err := d.CreateCommandPool(q.Family())
	if err != nil {
		t.Fatalf("CreateCommandPool() error = %v", err)
	}
	defer pool.Release()
	var subs []gal.Submission
	for i := range 3 {
		cb, err := pool.Allocate()
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if err := cb.Begin(); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		cb.CopyBuffer(src, dst, gpucore.BufferCopy{Size: 16})
		if err := cb.Finish(); err != nil {
			t.Fatalf("Finish() error = %v", err)
		}
		f, err := d.CreateFence("batch", false)
		if err != nil {
			t.Fatalf("CreateFence() error = %v", err)
		}
		defer f.Release()
		sub := gal.Submission{CommandBuffers: []*gal.CommandBuffer{cb}}
		if i != 1 {
			sub.Fence = f
		}
		subs = append(subs, sub)
	}
	if err := q.Submit(subs...); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	for i, sub := range subs {
		if sub.Fence == nil {
			continue
		}
		if st, err := sub.Fence.Wait(5 * time.Second); err != nil || st != gal.FenceSignaled {
			t.Errorf("batch %d fence = %v, %v; want %v", i, st, err, gal.FenceSignaled)
		}
	}
	if err := q.WaitIdle(); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}
}

func TestPipelineStage(t *testing.T) {
	tests := []struct {
		in   gpucore.PipelineStage
		def  vk.PipelineStageFlagBits
		want vk.PipelineStageFlagBits
	}{
		{0, vk.PipelineStageTopOfPipeBit, vk.PipelineStageTopOfPipeBit},
		{gpucore.PipelineStageTransfer, vk.PipelineStageTopOfPipeBit, vk.PipelineStageTransferBit},
		{
			gpucore.PipelineStageVertexShader | gpucore.PipelineStageFragmentShader,
			vk.PipelineStageBottomOfPipeBit,
			vk.PipelineStageVertexShaderBit | vk.PipelineStageFragmentShaderBit,
		},
	}
	for _, tt := range tests {
		if got := pipelineStage(tt.in, tt.def); got != tt.want {
			t.Errorf("pipelineStage(%#x) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}

func TestImageUsage(t *testing.T) {
	if got := imageUsage(gputypes.TextureUsageRenderAttachment, vk.ImageAspectDepthBit); got != vk.ImageUsageDepthStencilAttachmentBit {
		t.Errorf("depth attachment usage = %#x", got)
	}
	got := imageUsage(gputypes.TextureUsageRenderAttachment|gputypes.TextureUsageCopySrc, vk.ImageAspectColorBit)
	if want := vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferSrcBit; got != want {
		t.Errorf("color attachment usage = %#x, want %#x", got, want)
	}
}

func TestImageCopyRowLength(t *testing.T) {
	img := &image{aspect: vk.ImageAspectColorBit, desc: gpucore.ImageDesc{Format: gputypes.TextureFormatRGBA8Unorm}}
	c := imageCopy(img, gpucore.BufferImageCopy{BytesPerRow: 256, Width: 10, Height: 2})
	if c.BufferRowLength != 64 {
		t.Errorf("BufferRowLength = %d, want 64", c.BufferRowLength)
	}
	c = imageCopy(img, gpucore.BufferImageCopy{Width: 10, Height: 2})
	if c.BufferRowLength != 0 {
		t.Errorf("packed BufferRowLength = %d, want 0", c.BufferRowLength)
	}
}
