package gal

import (
	"fmt"

	"github.com/gogpu/gal/gpucore"
)

// Buffer is a linear GPU allocation.
type Buffer struct {
	*Guard[gpucore.BufferID]

	desc gpucore.BufferDesc
}

// CreateBuffer allocates a buffer.
func (d *Device) CreateBuffer(desc gpucore.BufferDesc) (*Buffer, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	id, err := d.raw.CreateBuffer(&desc)
	if err != nil {
		return nil, allocErr(gpucore.KindBuffer, desc.Label, err)
	}
	g, err := newGuard(d, id, desc.Label, d.raw.DestroyBuffer)
	if err != nil {
		return nil, err
	}
	return &Buffer{Guard: g, desc: desc}, nil
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.desc.Size }

// Desc returns the creation descriptor.
func (b *Buffer) Desc() gpucore.BufferDesc { return b.desc }

// Write copies data into a host-visible buffer at offset. The caller must
// make sure no pending submission uses the range.
func (b *Buffer) Write(offset uint64, data []byte) error {
	b.checkHost("Buffer.Write", offset, uint64(len(data)))
	if err := b.dev.raw.WriteBuffer(b.Get(), offset, data); err != nil {
		return fmt.Errorf("gal: write %q: %w", b.Label(), err)
	}
	return nil
}

// Read copies a host-visible buffer at offset into dst.
func (b *Buffer) Read(offset uint64, dst []byte) error {
	b.checkHost("Buffer.Read", offset, uint64(len(dst)))
	if err := b.dev.raw.ReadBuffer(b.Get(), offset, dst); err != nil {
		return fmt.Errorf("gal: read %q: %w", b.Label(), err)
	}
	return nil
}

func (b *Buffer) checkHost(op string, offset, size uint64) {
	if !b.desc.HostVisible {
		fault(op, "buffer %q is not host visible", b.Label())
	}
	if !within(offset, size, b.desc.Size) {
		fault(op, "range of %d bytes at %d outside buffer %q of %d bytes", size, offset, b.Label(), b.desc.Size)
	}
}

// within reports whether [offset, offset+size) fits in limit bytes. It
// never computes offset+size, which may wrap.
func within(offset, size, limit uint64) bool {
	return size <= limit && offset <= limit-size
}

// Image is a 2D GPU image.
type Image struct {
	*Guard[gpucore.ImageID]

	desc gpucore.ImageDesc
}

// CreateImage allocates an image. MipLevels and Samples default to 1.
func (d *Device) CreateImage(desc gpucore.ImageDesc) (*Image, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}
	if desc.Samples == 0 {
		desc.Samples = 1
	}
	id, err := d.raw.CreateImage(&desc)
	if err != nil {
		return nil, allocErr(gpucore.KindImage, desc.Label, err)
	}
	g, err := newGuard(d, id, desc.Label, d.raw.DestroyImage)
	if err != nil {
		return nil, err
	}
	return &Image{Guard: g, desc: desc}, nil
}

// Width returns the image width in texels.
func (img *Image) Width() uint32 { return img.desc.Width }

// Height returns the image height in texels.
func (img *Image) Height() uint32 { return img.desc.Height }

// Desc returns the creation descriptor.
func (img *Image) Desc() gpucore.ImageDesc { return img.desc }

func (img *Image) checkRegion(op string, r gpucore.BufferImageCopy) {
	if !within(uint64(r.X), uint64(r.Width), uint64(img.desc.Width)) ||
		!within(uint64(r.Y), uint64(r.Height), uint64(img.desc.Height)) {
		fault(op, "region %+v outside image %q (%dx%d)", r, img.Label(), img.desc.Width, img.desc.Height)
	}
}

// Sampler describes how shaders read images.
type Sampler struct {
	*Guard[gpucore.SamplerID]
}

// CreateSampler creates a sampler.
func (d *Device) CreateSampler(desc gpucore.SamplerDesc) (*Sampler, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	id, err := d.raw.CreateSampler(&desc)
	if err != nil {
		return nil, allocErr(gpucore.KindSampler, desc.Label, err)
	}
	g, err := newGuard(d, id, desc.Label, d.raw.DestroySampler)
	if err != nil {
		return nil, err
	}
	return &Sampler{Guard: g}, nil
}
