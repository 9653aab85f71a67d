package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gogpu/gputypes"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gal"
	"github.com/gogpu/gal/gpucore"
)

// stress claims every transfer-capable queue of the device and submits
// rounds buffer copies from each of them concurrently, two frames in
// flight per queue.
func stress(ctx context.Context, dev *gal.Device, rounds, size int) error {
	var queues []*gal.Queue
	defer func() {
		for _, q := range queues {
			q.Release()
		}
	}()
	for _, f := range dev.Families() {
		if !f.Caps.Has(gpucore.QueueTransfer) {
			continue
		}
		for {
			q, err := dev.TakeQueue(f.ID)
			if errors.Is(err, gal.ErrQueueUnavailable) {
				break
			}
			if err != nil {
				return err
			}
			queues = append(queues, q)
		}
	}
	if len(queues) == 0 {
		return errors.New("stress: no transfer queue available")
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		g.Go(func() error { return stressQueue(ctx, q, rounds, uint64(size)) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("galinfo: %d queues x %d copies of %d bytes in %s",
		len(queues), rounds, size, time.Since(start).Round(time.Millisecond))
	return nil
}

func stressQueue(ctx context.Context, q *gal.Queue, rounds int, size uint64) (err error) {
	dev := q.Device()
	ring, err := gal.NewFrameRing(dev, q.Family(), 2)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := ring.Release(); err == nil {
			err = rerr
		}
	}()

	usage := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	label := fmt.Sprintf("stress.%d.%d", q.Family(), q.Index())
	src, err := dev.CreateBuffer(gpucore.BufferDesc{Label: label + ".src", Size: size, Usage: usage})
	if err != nil {
		return err
	}
	defer src.Release()
	dst, err := dev.CreateBuffer(gpucore.BufferDesc{Label: label + ".dst", Size: size, Usage: usage})
	if err != nil {
		return err
	}
	defer dst.Release()

	for i := 0; i < rounds; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := ring.Begin()
		if err != nil {
			return err
		}
		cb := f.Commands
		if err := cb.Begin(); err != nil {
			return err
		}
		from, to := src, dst
		if i%2 == 1 {
			from, to = dst, src
		}
		cb.CopyBuffer(from, to, gpucore.BufferCopy{Size: size})
		if err := cb.Finish(); err != nil {
			return err
		}
		err = q.Submit(gal.Submission{CommandBuffers: []*gal.CommandBuffer{cb}, Fence: f.Fence})
		if err != nil {
			return err
		}
	}
	return q.WaitIdle()
}
