package main

import (
	"bytes"
	"fmt"
	"log"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gal"
	"github.com/gogpu/gal/gpucore"
)

// selftest uploads a pattern into a 4x4 image through a staging buffer
// and reads it back through a second one.
func selftest(dev *gal.Device) error {
	q, err := takeAny(dev, gpucore.QueueTransfer)
	if err != nil {
		return err
	}
	defer q.Release()

	const w, h = 4, 4
	size := uint64(w * h * 4)
	upload, err := hostBuffer(dev, "upload", size)
	if err != nil {
		return err
	}
	defer upload.Release()
	readback, err := hostBuffer(dev, "readback", size)
	if err != nil {
		return err
	}
	defer readback.Release()

	img, err := dev.CreateImage(gpucore.ImageDesc{
		Label:  "selftest",
		Width:  w,
		Height: h,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return err
	}
	defer img.Release()

	want := make([]byte, size)
	for i := range want {
		want[i] = byte(i * 7)
	}
	if err := upload.Write(0, want); err != nil {
		return err
	}

	region := gpucore.BufferImageCopy{BytesPerRow: w * 4, Width: w, Height: h}
	err = q.Run(func(cb *gal.CommandBuffer) {
		cb.Barrier(gal.Barrier{
			SrcStage: gpucore.PipelineStageTopOfPipe,
			DstStage: gpucore.PipelineStageTransfer,
			Images:   []gal.ImageBarrier{{Image: img, OldLayout: gpucore.LayoutUndefined, NewLayout: gpucore.LayoutTransferDst}},
		})
		cb.CopyBufferToImage(upload, img, region)
		cb.Barrier(gal.Barrier{
			SrcStage:  gpucore.PipelineStageTransfer,
			DstStage:  gpucore.PipelineStageTransfer,
			SrcAccess: gpucore.AccessTransferWrite,
			DstAccess: gpucore.AccessTransferRead,
			Images:    []gal.ImageBarrier{{Image: img, OldLayout: gpucore.LayoutTransferDst, NewLayout: gpucore.LayoutTransferSrc}},
		})
		cb.CopyImageToBuffer(img, readback, region)
	})
	if err != nil {
		return err
	}

	got := make([]byte, size)
	if err := readback.Read(0, got); err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("selftest: image round trip mismatch: got % x", got[:16])
	}
	log.Printf("galinfo: selftest passed on %s (%s)", dev.Info().Name, dev.Backend())
	return nil
}

// takeAny claims a queue from the first opened family supporting want.
func takeAny(dev *gal.Device, want gpucore.QueueCaps) (*gal.Queue, error) {
	var last error = fmt.Errorf("no queue family supports %s", caps(want))
	for _, f := range dev.Families() {
		if !f.Caps.Has(want) {
			continue
		}
		q, err := dev.TakeQueue(f.ID)
		if err == nil {
			return q, nil
		}
		last = err
	}
	return nil, last
}

func hostBuffer(dev *gal.Device, label string, size uint64) (*gal.Buffer, error) {
	return dev.CreateBuffer(gpucore.BufferDesc{
		Label:       label,
		Size:        size,
		Usage:       gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapRead,
		HostVisible: true,
	})
}
