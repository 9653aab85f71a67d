// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gal

import (
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gal/gpucore"
)

// Provider exposes a device and one of its queues to gpucontext
// consumers. Device returns the *Device and Queue the *Queue, so
// consumers that know gal can type-assert them.
//
// Provider also implements gpucontext.TextureCreator: textures are
// uploaded through a staging buffer on the provider queue.
type Provider struct {
	dev    *Device
	queue  *Queue
	format gputypes.TextureFormat
}

var (
	_ gpucontext.DeviceProvider = (*Provider)(nil)
	_ gpucontext.TextureCreator = (*Provider)(nil)
)

// Provider returns a gpucontext.DeviceProvider for d using q for
// uploads. The surface format reported is BGRA8Unorm.
func (d *Device) Provider(q *Queue) *Provider {
	return &Provider{dev: d, queue: q, format: gputypes.TextureFormatBGRA8Unorm}
}

// Device returns the *Device.
func (p *Provider) Device() gpucontext.Device { return p.dev }

// Queue returns the *Queue.
func (p *Provider) Queue() gpucontext.Queue { return p.queue }

// Adapter returns the gpucore.AdapterInfo of the device.
func (p *Provider) Adapter() gpucontext.Adapter { return p.dev.info }

// SurfaceFormat returns the preferred surface format.
func (p *Provider) SurfaceFormat() gputypes.TextureFormat { return p.format }

// AdapterInfo describes the adapter in gpucontext terms.
func (p *Provider) AdapterInfo() gpucontext.AdapterInfo {
	t := gpucontext.AdapterTypeUnknown
	switch p.dev.info.Type {
	case gpucore.DeviceTypeDiscrete:
		t = gpucontext.AdapterTypeDiscrete
	case gpucore.DeviceTypeIntegrated:
		t = gpucontext.AdapterTypeIntegrated
	case gpucore.DeviceTypeCPU:
		t = gpucontext.AdapterTypeSoftware
	}
	return gpucontext.AdapterInfo{Name: p.dev.info.Name, Type: t}
}

// Texture is an RGBA8 image created through a Provider.
type Texture struct {
	*Image

	provider *Provider
	layout   gpucore.ImageLayout
}

var (
	_ gpucontext.Texture              = (*Texture)(nil)
	_ gpucontext.TextureUpdater       = (*Texture)(nil)
	_ gpucontext.TextureRegionUpdater = (*Texture)(nil)
)

// NewTextureFromRGBA creates a sampled RGBA8 texture holding data.
func (p *Provider) NewTextureFromRGBA(width, height int, data []byte) (gpucontext.Texture, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("gal: texture size %dx%d", width, height)
	}
	img, err := p.dev.CreateImage(gpucore.ImageDesc{
		Label:  fmt.Sprintf("texture%dx%d", width, height),
		Width:  uint32(width),
		Height: uint32(height),
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		return nil, err
	}
	t := &Texture{Image: img, provider: p}
	if err := t.UpdateData(data); err != nil {
		img.Release()
		return nil, err
	}
	return t, nil
}

// Width returns the width in texels.
func (t *Texture) Width() int { return int(t.desc.Width) }

// Height returns the height in texels.
func (t *Texture) Height() int { return int(t.desc.Height) }

// UpdateData replaces the whole texture.
func (t *Texture) UpdateData(data []byte) error {
	return t.UpdateRegion(0, 0, t.Width(), t.Height(), data)
}

// UpdateRegion replaces a w by h region at (x, y) with tightly packed
// RGBA8 rows.
func (t *Texture) UpdateRegion(x, y, w, h int, data []byte) error {
	if x < 0 || y < 0 || w <= 0 || h <= 0 || x+w > t.Width() || y+h > t.Height() {
		return fmt.Errorf("gal: region (%d, %d) %dx%d outside texture %dx%d", x, y, w, h, t.Width(), t.Height())
	}
	size := uint64(w) * uint64(h) * 4
	if uint64(len(data)) != size {
		return fmt.Errorf("gal: texture region needs %d bytes, got %d", size, len(data))
	}

	p := t.provider
	staging, err := p.dev.CreateBuffer(gpucore.BufferDesc{
		Label:       t.Label() + ".staging",
		Size:        size,
		Usage:       gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite,
		HostVisible: true,
	})
	if err != nil {
		return err
	}
	defer staging.Release()
	if err := staging.Write(0, data); err != nil {
		return err
	}

	err = p.queue.Run(func(cb *CommandBuffer) {
		cb.Barrier(Barrier{
			SrcStage:  gpucore.PipelineStageFragmentShader,
			DstStage:  gpucore.PipelineStageTransfer,
			DstAccess: gpucore.AccessTransferWrite,
			Images:    []ImageBarrier{{Image: t.Image, OldLayout: t.layout, NewLayout: gpucore.LayoutTransferDst}},
		})
		cb.CopyBufferToImage(staging, t.Image, gpucore.BufferImageCopy{
			X: uint32(x), Y: uint32(y), Width: uint32(w), Height: uint32(h),
		})
		cb.Barrier(Barrier{
			SrcStage:  gpucore.PipelineStageTransfer,
			DstStage:  gpucore.PipelineStageFragmentShader,
			SrcAccess: gpucore.AccessTransferWrite,
			DstAccess: gpucore.AccessShaderRead,
			Images:    []ImageBarrier{{Image: t.Image, OldLayout: gpucore.LayoutTransferDst, NewLayout: gpucore.LayoutShaderReadOnly}},
		})
	})
	if err != nil {
		return err
	}
	t.layout = gpucore.LayoutShaderReadOnly
	return nil
}
