// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gal

import (
	"fmt"
	"sync"

	"github.com/gogpu/gal/gpucore"
)

// WindowHandle identifies the native window a surface presents to.
type WindowHandle = gpucore.WindowHandle

// Surface is the presentable target of a native window. Its images are
// owned by the surface and become invalid on the next Configure.
type Surface struct {
	*Guard[gpucore.SurfaceID]

	mu     sync.Mutex
	cfg    gpucore.SurfaceConfig
	images []*Image
}

// SurfaceImage is an acquired surface image.
type SurfaceImage struct {
	Index uint32
	Image *Image
}

// NewSurface creates a surface for window on the instance of d.
func NewSurface(d *Device, window WindowHandle) (*Surface, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	id, err := d.instance.CreateSurface(window)
	if err != nil {
		return nil, fmt.Errorf("gal: create surface (%s): %w", window.Kind, err)
	}
	g, err := newGuard(d, id, "surface."+window.Kind, d.instance.DestroySurface)
	if err != nil {
		return nil, err
	}
	return &Surface{Guard: g}, nil
}

// Configure (re)creates the surface images. Images returned by earlier
// configurations are released.
func (s *Surface) Configure(cfg gpucore.SurfaceConfig) error {
	d := s.dev
	id := s.Get()

	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := d.raw.ConfigureSurface(id, &cfg)
	if err != nil {
		return fmt.Errorf("gal: configure surface %q: %w", s.Label(), err)
	}
	s.dropImages()

	s.cfg = cfg
	for i, img := range raw {
		label := fmt.Sprintf("%s.image%d", s.Label(), i)
		s.images = append(s.images, &Image{
			Guard: borrowedGuard(d, img, label),
			desc: gpucore.ImageDesc{
				Label:     label,
				Width:     cfg.Width,
				Height:    cfg.Height,
				Format:    cfg.Format,
				Usage:     cfg.Usage,
				MipLevels: 1,
				Samples:   1,
			},
		})
	}
	d.log.Debug("gal: surface configured", "label", s.Label(), "images", len(raw),
		"width", cfg.Width, "height", cfg.Height)
	return nil
}

// dropImages marks the current images released. s.mu must be held.
func (s *Surface) dropImages() {
	for _, img := range s.images {
		img.Release()
	}
	s.images = nil
}

// Images returns the images of the current configuration.
func (s *Surface) Images() []*Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Image(nil), s.images...)
}

// Config returns the current configuration.
func (s *Surface) Config() gpucore.SurfaceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Acquire returns the next image to render into. signal is signaled once
// the image may be written and must be waited on by the submission that
// renders into it. Acquiring with a semaphore that still carries a signal
// panics with a *Fault.
func (s *Surface) Acquire(signal *Semaphore) (SurfaceImage, error) {
	const op = "Surface.Acquire"
	d := s.dev
	id := s.Get()
	if signal == nil {
		fault(op, "surface %q: nil semaphore", s.Label())
	}
	sem := signal.Get()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.images) == 0 {
		fault(op, "surface %q is not configured", s.Label())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		fault(op, "device closed")
	}
	if signal.signaled {
		fault(op, "semaphore %q signaled twice without a wait", signal.Label())
	}
	idx, err := d.raw.AcquireImage(id, sem)
	if err != nil {
		return SurfaceImage{}, fmt.Errorf("gal: acquire %q: %w", s.Label(), err)
	}
	if int(idx) >= len(s.images) {
		return SurfaceImage{}, fmt.Errorf("gal: acquire %q: backend returned image %d of %d", s.Label(), idx, len(s.images))
	}
	signal.signaled = true
	d.pendingSignals++
	return SurfaceImage{Index: idx, Image: s.images[idx]}, nil
}

// Present queues img for display on queue after the wait semaphores
// signal. Every wait consumes a pending signal.
func (s *Surface) Present(queue *Queue, img SurfaceImage, wait ...*Semaphore) error {
	const op = "Surface.Present"
	d := s.dev
	id := s.Get()

	s.mu.Lock()
	defer s.mu.Unlock()
	if int(img.Index) >= len(s.images) || s.images[img.Index] != img.Image {
		fault(op, "image %d does not belong to the current configuration of %q", img.Index, s.Label())
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	queue.checkLocked(op)

	raw := make([]gpucore.SemaphoreID, 0, len(wait))
	seen := make(map[*Semaphore]bool, len(wait))
	for _, w := range wait {
		sid := w.Get()
		if !w.signaled || seen[w] {
			fault(op, "wait on semaphore %q without a pending signal", w.Label())
		}
		seen[w] = true
		raw = append(raw, sid)
	}
	if err := d.raw.Present(queue.raw, id, img.Index, raw); err != nil {
		return fmt.Errorf("gal: present %q: %w", s.Label(), err)
	}
	for _, w := range wait {
		w.signaled = false
		d.pendingSignals--
	}
	d.stats.presents++
	return nil
}

// Release destroys the surface and invalidates its images.
func (s *Surface) Release() {
	s.mu.Lock()
	s.dropImages()
	s.mu.Unlock()
	s.Guard.Release()
}
