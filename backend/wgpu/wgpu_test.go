package wgpu

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gal/backend"
	"github.com/gogpu/gal/gpucore"
)

// openNoop opens a device on the HAL noop backend.
func openNoop(t *testing.T) *Device {
	t.Helper()
	b, err := New(gputypes.BackendEmpty)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	inst, err := b.CreateInstance(&gpucore.InstanceDesc{Validation: true})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	adapters := inst.Adapters()
	if len(adapters) != 1 {
		t.Fatalf("Adapters() = %d, want 1", len(adapters))
	}
	dev, err := adapters[0].Open(&gpucore.DeviceDesc{
		Label:  t.Name(),
		Queues: []gpucore.QueueRequest{{Family: FamilyID, Count: 1}},
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	d := dev.(*Device)
	t.Cleanup(func() {
		d.Destroy()
		inst.Destroy()
	})
	return d
}

func TestRegistered(t *testing.T) {
	for _, name := range []string{backend.NameWGPU, backend.NameWGPUNoop} {
		if !backend.IsRegistered(name) {
			t.Errorf("%q is not registered", name)
		}
	}
	b, err := backend.Get(backend.NameWGPUNoop)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", backend.NameWGPUNoop, err)
	}
	if b.Name() != backend.NameWGPUNoop {
		t.Errorf("Name() = %q", b.Name())
	}
}

func TestAdapter(t *testing.T) {
	b, _ := New(gputypes.BackendEmpty)
	inst, err := b.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	defer inst.Destroy()
	a := inst.Adapters()[0]

	info := a.Info()
	if info.Name != "Noop Adapter" || info.Backend != backend.NameWGPUNoop || info.Type != gpucore.DeviceTypeOther {
		t.Errorf("Info() = %+v", info)
	}
	fams := a.QueueFamilies()
	if len(fams) != 1 || fams[0].Count != 1 || !fams[0].Caps.Has(gpucore.QueueGraphics|gpucore.QueueTransfer) {
		t.Errorf("QueueFamilies() = %+v", fams)
	}
	if fams[0].Caps.Has(gpucore.QueuePresent) {
		t.Error("family claims present support")
	}
	if l := a.Limits(); l.MaxBoundSets == 0 || l.MaxImageDimension2D == 0 || l.MaxPushConstantSize != 0 {
		t.Errorf("Limits() = %+v", l)
	}

	if _, err := a.Open(&gpucore.DeviceDesc{Queues: []gpucore.QueueRequest{{Family: 0, Count: 2}}}); err == nil {
		t.Error("Open with 2 queues succeeded")
	}
	if _, err := a.Open(&gpucore.DeviceDesc{Queues: []gpucore.QueueRequest{{Family: 3, Count: 1}}}); err == nil {
		t.Error("Open with an unknown family succeeded")
	}
	if _, err := inst.CreateSurface(gpucore.WindowHandle{Kind: "headless"}); !errors.Is(err, gpucore.ErrUnsupported) {
		t.Errorf("CreateSurface() error = %v, want ErrUnsupported", err)
	}
}

func TestBufferReadWrite(t *testing.T) {
	d := openNoop(t)
	id, err := d.CreateBuffer(&gpucore.BufferDesc{Label: "host", Size: 16, HostVisible: true})
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	defer d.DestroyBuffer(id)

	if err := d.WriteBuffer(id, 4, []byte("gpu!")); err != nil {
		t.Fatalf("WriteBuffer() error = %v", err)
	}
	got := make([]byte, 4)
	if err := d.ReadBuffer(id, 4, got); err != nil {
		t.Fatalf("ReadBuffer() error = %v", err)
	}
	if !bytes.Equal(got, []byte("gpu!")) {
		t.Errorf("ReadBuffer() = %q, want %q", got, "gpu!")
	}

	if err := d.WriteBuffer(id, 14, []byte("xyz")); err == nil {
		t.Error("WriteBuffer past the end succeeded")
	}
	dev, err := d.CreateBuffer(&gpucore.BufferDesc{Label: "device", Size: 16})
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	defer d.DestroyBuffer(dev)
	if err := d.ReadBuffer(dev, 0, got); err == nil {
		t.Error("ReadBuffer of a device-local buffer succeeded")
	}
	if err := d.ReadBuffer(999, 0, got); !errors.Is(err, gpucore.ErrUnknownHandle) {
		t.Errorf("ReadBuffer(999) error = %v, want ErrUnknownHandle", err)
	}
}

func TestSubmitSignalsFence(t *testing.T) {
	d := openNoop(t)
	q, err := d.Queue(FamilyID, 0)
	if err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	src, _ := d.CreateBuffer(&gpucore.BufferDesc{Size: 8, Usage: gputypes.BufferUsageCopySrc})
	dst, _ := d.CreateBuffer(&gpucore.BufferDesc{Size: 8, Usage: gputypes.BufferUsageCopyDst})
	pool, err := d.CreateCommandPool(&gpucore.CommandPoolDesc{Label: "copy", Family: FamilyID})
	if err != nil {
		t.Fatalf("CreateCommandPool() error = %v", err)
	}
	cb, err := d.AllocateCommandBuffer(pool)
	if err != nil {
		t.Fatalf("AllocateCommandBuffer() error = %v", err)
	}
	fence, _ := d.CreateFence(false)
	sem, _ := d.CreateSemaphore()

	// Not yet recorded.
	if err := d.Submit(q, []gpucore.SubmitDesc{{CommandBuffers: []gpucore.CommandBufferID{cb}}}); err == nil {
		t.Fatal("Submit of an unrecorded buffer succeeded")
	}

	enc, err := d.BeginCommandBuffer(cb)
	if err != nil {
		t.Fatalf("BeginCommandBuffer() error = %v", err)
	}
	enc.CopyBuffer(src, dst, []gpucore.BufferCopy{{Size: 8}})
	if err := enc.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	err = d.Submit(q, []gpucore.SubmitDesc{
		{CommandBuffers: []gpucore.CommandBufferID{cb}, Signal: []gpucore.SemaphoreID{sem}},
		{Wait: []gpucore.SemaphoreWait{{Semaphore: sem, Stage: gpucore.PipelineStageTransfer}}, Fence: fence},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	done, err := d.WaitFence(fence, -1)
	if err != nil || !done {
		t.Fatalf("WaitFence(-1) = %v, %v; want signaled", done, err)
	}
	if err := d.ResetFence(fence); err != nil {
		t.Fatalf("ResetFence() error = %v", err)
	}
	if done, _ := d.FenceStatus(fence); done {
		t.Error("fence signaled after reset")
	}
	if done, _ := d.WaitFence(fence, time.Millisecond); done {
		t.Error("unattached fence signaled")
	}

	d.DestroyCommandPool(pool)
	d.DestroyFence(fence)
	d.DestroySemaphore(sem)
	d.DestroyBuffer(src)
	d.DestroyBuffer(dst)
	for kind, n := range d.LiveObjects() {
		if n != 0 {
			t.Errorf("live %s = %d", kind, n)
		}
	}
}

func TestSubmitBatchesAtomically(t *testing.T) {
	d := openNoop(t)
	q, _ := d.Queue(FamilyID, 0)
	src, _ := d.CreateBuffer(&gpucore.BufferDesc{Size: 8, Usage: gputypes.BufferUsageCopySrc})
	dst, _ := d.CreateBuffer(&gpucore.BufferDesc{Size: 8, Usage: gputypes.BufferUsageCopyDst})
	pool, _ := d.CreateCommandPool(&gpucore.CommandPoolDesc{Family: FamilyID})
	var cbs []gpucore.CommandBufferID
	for range 2 {
		cb, err := d.AllocateCommandBuffer(pool)
		if err != nil {
			t.Fatalf("AllocateCommandBuffer() error = %v", err)
		}
		enc, err := d.BeginCommandBuffer(cb)
		if err != nil {
			t.Fatalf("BeginCommandBuffer() error = %v", err)
		}
		enc.CopyBuffer(src, dst, []gpucore.BufferCopy{{Size: 8}})
		if err := enc.End(); err != nil {
			t.Fatalf("End() error = %v", err)
		}
		cbs = append(cbs, cb)
	}
	early, _ := d.CreateFence(false)
	first, _ := d.CreateFence(false)
	second, _ := d.CreateFence(false)
	sem, _ := d.CreateSemaphore()

	before := d.lastSubmit
	err := d.Submit(q, []gpucore.SubmitDesc{
		{CommandBuffers: cbs[:1], Signal: []gpucore.SemaphoreID{sem}},
		{CommandBuffers: cbs[1:], Fence: gpucore.FenceID(9999)},
	})
	if !errors.Is(err, gpucore.ErrUnknownHandle) {
		t.Fatalf("Submit() with an unknown fence error = %v, want ErrUnknownHandle", err)
	}
	if d.lastSubmit != before || d.semaphores[sem].signaled {
		t.Fatal("a rejected submission reached the queue")
	}

	err = d.Submit(q, []gpucore.SubmitDesc{
		{Fence: early},
		{CommandBuffers: cbs[:1], Fence: first},
		{CommandBuffers: cbs[1:], Fence: second},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if d.lastSubmit != before+1 {
		t.Errorf("HAL submissions = %d, want 1", d.lastSubmit-before)
	}
	if f := d.fences[early]; before == 0 && !f.signaled || before > 0 && f.index != before {
		t.Errorf("early fence = %+v, want it to follow submission %d", *f, before)
	}
	for _, id := range []gpucore.FenceID{first, second} {
		if f := d.fences[id]; f.index != before+1 {
			t.Errorf("fence %d index = %d, want %d", id, f.index, before+1)
		}
	}
	for _, id := range []gpucore.FenceID{early, first, second} {
		if done, err := d.WaitFence(id, time.Second); err != nil || !done {
			t.Errorf("WaitFence(%d) = %v, %v; want signaled", id, done, err)
		}
	}
}

func TestEncoderErrors(t *testing.T) {
	d := openNoop(t)
	pool, _ := d.CreateCommandPool(&gpucore.CommandPoolDesc{Family: FamilyID})
	defer d.DestroyCommandPool(pool)
	cb, _ := d.AllocateCommandBuffer(pool)

	layout, err := d.CreateDescriptorSetLayout(&gpucore.DescriptorSetLayoutDesc{
		Label: "two",
		Bindings: []gpucore.DescriptorBinding{
			{Binding: 0, Type: gpucore.DescriptorUniformBuffer, Stages: gpucore.StageVertex, Count: 1},
			{Binding: 1, Type: gpucore.DescriptorSampler, Stages: gpucore.StageFragment, Count: 1},
		},
	})
	if err != nil {
		t.Fatalf("CreateDescriptorSetLayout() error = %v", err)
	}
	defer d.DestroyDescriptorSetLayout(layout)
	ubo, _ := d.CreateBuffer(&gpucore.BufferDesc{Size: 64, Usage: gputypes.BufferUsageUniform})
	defer d.DestroyBuffer(ubo)
	set, err := d.CreateDescriptorSet(&gpucore.DescriptorSetDesc{
		Label:  "half",
		Layout: layout,
		Writes: []gpucore.DescriptorWrite{{Binding: 0, Buffer: ubo, Size: 64}},
	})
	if err != nil {
		t.Fatalf("CreateDescriptorSet() error = %v", err)
	}
	defer d.DestroyDescriptorSet(set)

	tests := []struct {
		name   string
		record func(enc gpucore.CommandEncoder)
		want   error
	}{
		{"draw outside pass", func(enc gpucore.CommandEncoder) { enc.Draw(3, 1, 0, 0) }, ErrNoRenderPass},
		{"push constants", func(enc gpucore.CommandEncoder) {
			enc.PushConstants(0, gpucore.StageVertex, 0, make([]byte, 4))
		}, gpucore.ErrUnsupported},
		{"incomplete set", func(enc gpucore.CommandEncoder) { enc.BindDescriptorSet(0, 0, set) }, ErrSetNotReady},
		{"unknown buffer", func(enc gpucore.CommandEncoder) {
			enc.CopyBuffer(ubo, 12345, []gpucore.BufferCopy{{Size: 4}})
		}, gpucore.ErrUnknownHandle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := d.BeginCommandBuffer(cb)
			if err != nil {
				t.Fatalf("BeginCommandBuffer() error = %v", err)
			}
			tt.record(enc)
			if err := enc.End(); !errors.Is(err, tt.want) {
				t.Errorf("End() error = %v, want %v", err, tt.want)
			}
		})
	}

	sampler, _ := d.CreateSampler(&gpucore.SamplerDesc{MagFilter: gpucore.FilterLinear})
	defer d.DestroySampler(sampler)
	if err := d.UpdateDescriptorSet(set, []gpucore.DescriptorWrite{{Binding: 1, Sampler: sampler}}); err != nil {
		t.Fatalf("UpdateDescriptorSet() error = %v", err)
	}
	if d.sets[set].raw == nil {
		t.Error("complete set has no bind group")
	}
}

func TestUnsupported(t *testing.T) {
	d := openNoop(t)
	_, err := d.CreatePipelineLayout(&gpucore.PipelineLayoutDesc{
		PushConstants: []gpucore.PushConstantRange{{Stages: gpucore.StageVertex, Size: 16}},
	})
	if !errors.Is(err, gpucore.ErrUnsupported) {
		t.Errorf("CreatePipelineLayout with push constants error = %v", err)
	}
	_, err = d.CreateDescriptorSetLayout(&gpucore.DescriptorSetLayoutDesc{
		Bindings: []gpucore.DescriptorBinding{{Binding: 0, Type: gpucore.DescriptorCombinedImageSampler}},
	})
	if !errors.Is(err, gpucore.ErrUnsupported) {
		t.Errorf("combined image sampler layout error = %v", err)
	}
	if _, err := d.ConfigureSurface(1, &gpucore.SurfaceConfig{}); !errors.Is(err, gpucore.ErrUnsupported) {
		t.Errorf("ConfigureSurface() error = %v", err)
	}
}

func TestRenderPassAndPipeline(t *testing.T) {
	d := openNoop(t)
	img, err := d.CreateImage(&gpucore.ImageDesc{
		Label: "target", Width: 4, Height: 4,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		t.Fatalf("CreateImage() error = %v", err)
	}
	defer d.DestroyImage(img)
	pass, _ := d.CreateRenderPass(&gpucore.RenderPassDesc{
		Label: "clear",
		Colors: []gpucore.ColorAttachmentDesc{{
			Format: gputypes.TextureFormatRGBA8Unorm, LoadOp: gputypes.LoadOpClear, StoreOp: gputypes.StoreOpStore,
		}},
	})
	defer d.DestroyRenderPass(pass)
	vs, _ := d.CreateShaderModule(&gpucore.ShaderModuleDesc{Stage: gpucore.StageVertex, SPIRV: []uint32{0x07230203}})
	defer d.DestroyShaderModule(vs)
	layout, _ := d.CreatePipelineLayout(&gpucore.PipelineLayoutDesc{Label: "empty"})
	defer d.DestroyPipelineLayout(layout)
	pipe, err := d.CreateRenderPipeline(&gpucore.RenderPipelineDesc{
		Label: "tri", Layout: layout, RenderPass: pass,
		Vertex:   gpucore.ShaderStageDesc{Module: vs, EntryPoint: "main"},
		Fragment: gpucore.ShaderStageDesc{Module: vs, EntryPoint: "main"},
		Blend:    true,
	})
	if err != nil {
		t.Fatalf("CreateRenderPipeline() error = %v", err)
	}
	defer d.DestroyPipeline(pipe)

	pool, _ := d.CreateCommandPool(&gpucore.CommandPoolDesc{Family: FamilyID})
	defer d.DestroyCommandPool(pool)
	cb, _ := d.AllocateCommandBuffer(pool)
	enc, _ := d.BeginCommandBuffer(cb)
	enc.BeginRenderPass(&gpucore.RenderPassBegin{
		RenderPass: pass,
		Colors:     []gpucore.ImageID{img},
		Area:       gpucore.Rect{Width: 4, Height: 4},
		Clear:      []gputypes.Color{{R: 1, A: 1}},
	})
	enc.BindPipeline(pipe)
	enc.SetViewport(gpucore.Viewport{Width: 4, Height: 4, MaxDepth: 1})
	enc.Draw(3, 1, 0, 0)
	enc.EndRenderPass()
	enc.PipelineBarrier(&gpucore.Barrier{Images: []gpucore.ImageBarrier{{
		Image: img, OldLayout: gpucore.LayoutColorAttachment, NewLayout: gpucore.LayoutTransferSrc,
	}}})
	if err := enc.End(); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	enc, _ = d.BeginCommandBuffer(cb)
	enc.BeginRenderPass(&gpucore.RenderPassBegin{RenderPass: pass})
	if err := enc.End(); err == nil {
		t.Error("render pass without images recorded without error")
	}
}
