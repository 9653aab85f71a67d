// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package soft

import (
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gal/gpucore"
)

// The functions in this file run on queue workers with d.mu held.

func (d *Device) beginPass(begin *gpucore.RenderPassBegin, attachments []gpucore.ColorAttachmentDesc) {
	for i, id := range begin.Colors {
		img, ok := d.images[id]
		if !ok {
			slogger().Warn("soft: render pass image destroyed while in flight", "image", id)
			continue
		}
		img.layout = gpucore.LayoutColorAttachment
		if attachments[i].LoadOp != gputypes.LoadOpClear {
			continue
		}
		var c gputypes.Color
		if i < len(begin.Clear) {
			c = begin.Clear[i]
		}
		fillImage(img, texel(img.desc.Format, c))
		d.stats.ClearedImages++
	}
}

func (d *Device) endPass(begin *gpucore.RenderPassBegin, attachments []gpucore.ColorAttachmentDesc) {
	for i, id := range begin.Colors {
		if img, ok := d.images[id]; ok && attachments[i].FinalLayout != gpucore.LayoutUndefined {
			img.layout = attachments[i].FinalLayout
		}
	}
}

func (d *Device) copyBuffer(src, dst gpucore.BufferID, regions []gpucore.BufferCopy) {
	sb, sok := d.buffers[src]
	db, dok := d.buffers[dst]
	if !sok || !dok {
		slogger().Warn("soft: copy buffer destroyed while in flight", "src", src, "dst", dst)
		return
	}
	for _, r := range regions {
		copy(db.data[r.DstOffset:r.DstOffset+r.Size], sb.data[r.SrcOffset:r.SrcOffset+r.Size])
		d.stats.CopiedBytes += r.Size
	}
}

func (d *Device) copyBufferImage(bufID gpucore.BufferID, imgID gpucore.ImageID, r gpucore.BufferImageCopy, toImage bool) {
	b, bok := d.buffers[bufID]
	img, iok := d.images[imgID]
	if !bok || !iok {
		slogger().Warn("soft: copy object destroyed while in flight", "buffer", bufID, "image", imgID)
		return
	}
	pitch := uint64(rowPitch(r, img.bpp))
	rowBytes := uint64(r.Width) * uint64(img.bpp)
	imgPitch := uint64(img.desc.Width) * uint64(img.bpp)
	for y := range uint64(r.Height) {
		bo := r.BufferOffset + y*pitch
		io := (uint64(r.Y)+y)*imgPitch + uint64(r.X)*uint64(img.bpp)
		if toImage {
			copy(img.pixels[io:io+rowBytes], b.data[bo:bo+rowBytes])
		} else {
			copy(b.data[bo:bo+rowBytes], img.pixels[io:io+rowBytes])
		}
		d.stats.CopiedBytes += rowBytes
	}
}

// rowPitch returns the buffer row stride of a copy region.
func rowPitch(r gpucore.BufferImageCopy, bpp int) uint32 {
	if r.BytesPerRow != 0 {
		return r.BytesPerRow
	}
	return r.Width * uint32(bpp)
}

func fillImage(img *image, px []byte) {
	for i := 0; i+len(px) <= len(img.pixels); i += len(px) {
		copy(img.pixels[i:], px)
	}
}

// texel encodes a clear color in the byte order of format.
func texel(format gputypes.TextureFormat, c gputypes.Color) []byte {
	r, g, b, a := unorm8(float64(c.R)), unorm8(float64(c.G)), unorm8(float64(c.B)), unorm8(float64(c.A))
	switch format {
	case gputypes.TextureFormatBGRA8Unorm:
		return []byte{b, g, r, a}
	case gputypes.TextureFormatR8Unorm:
		return []byte{r}
	case gputypes.TextureFormatDepth24PlusStencil8:
		return []byte{0, 0, 0, 0}
	default:
		return []byte{r, g, b, a}
	}
}

func unorm8(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}
