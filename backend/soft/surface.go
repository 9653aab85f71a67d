package soft

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gal/gpucore"
)

type surface struct {
	window gpucore.WindowHandle
	device *Device
	cfg    gpucore.SurfaceConfig
	images []gpucore.ImageID
	next   uint32
}

// ConfigureSurface creates the swap images of a surface, destroying the
// previous ones.
func (d *Device) ConfigureSurface(id gpucore.SurfaceID, cfg *gpucore.SurfaceConfig) ([]gpucore.ImageID, error) {
	s, err := d.adapter.instance.surface(id)
	if err != nil {
		return nil, err
	}
	if s.device != nil && s.device != d {
		return nil, fmt.Errorf("soft: surface %d is configured for another device", id)
	}

	c := *cfg
	if c.Width == 0 {
		c.Width = s.window.Width
	}
	if c.Height == 0 {
		c.Height = s.window.Height
	}
	if c.ImageCount == 0 {
		c.ImageCount = 2
	}
	if c.Format == gputypes.TextureFormatUndefined {
		c.Format = gputypes.TextureFormatBGRA8Unorm
	}

	d.dropSurfaceImages(s)

	images := make([]gpucore.ImageID, 0, c.ImageCount)
	for i := range c.ImageCount {
		img, err := d.newImage(&gpucore.ImageDesc{
			Label:  fmt.Sprintf("surface%d_image%d", id, i),
			Width:  c.Width,
			Height: c.Height,
			Format: c.Format,
			Usage:  c.Usage | gputypes.TextureUsageRenderAttachment,
		})
		if err != nil {
			return nil, err
		}
		img.surface = s
		d.mu.Lock()
		imgID := gpucore.ImageID(d.newID())
		d.images[imgID] = img
		d.mu.Unlock()
		images = append(images, imgID)
	}

	s.device = d
	s.cfg = c
	s.images = images
	s.next = 0
	return append([]gpucore.ImageID(nil), images...), nil
}

func (d *Device) dropSurfaceImages(s *surface) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range s.images {
		delete(d.images, id)
	}
	s.images = nil
}

// AcquireImage hands out swap images round-robin. The semaphore is
// signaled immediately since off-screen images are never on display.
func (d *Device) AcquireImage(id gpucore.SurfaceID, signal gpucore.SemaphoreID) (uint32, error) {
	s, err := d.adapter.instance.surface(id)
	if err != nil {
		return 0, err
	}
	if len(s.images) == 0 {
		return 0, fmt.Errorf("soft: surface %d is not configured", id)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if signal != gpucore.InvalidID {
		sem, ok := d.semaphores[signal]
		if !ok {
			return 0, fmt.Errorf("soft: semaphore %d: %w", signal, gpucore.ErrUnknownHandle)
		}
		if sem.submitted {
			return 0, fmt.Errorf("soft: semaphore %d signaled twice without a wait", signal)
		}
		sem.submitted = true
		d.signalSemaphore(signal)
	}
	idx := s.next
	s.next = (s.next + 1) % uint32(len(s.images))
	return idx, nil
}

// Present executes on the queue after the waits and hands the image to
// the backend PresentFunc.
func (d *Device) Present(queueID gpucore.QueueID, id gpucore.SurfaceID, index uint32, wait []gpucore.SemaphoreID) error {
	s, err := d.adapter.instance.surface(id)
	if err != nil {
		return err
	}
	if int(index) >= len(s.images) {
		return fmt.Errorf("soft: surface %d has no image %d", id, index)
	}

	d.mu.Lock()
	q, ok := d.queues[queueID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("soft: queue %d: %w", queueID, gpucore.ErrUnknownHandle)
	}
	if !q.family.Caps.Has(gpucore.QueuePresent) {
		d.mu.Unlock()
		return fmt.Errorf("soft: queue family %d cannot present", q.family.ID)
	}
	for _, w := range wait {
		sem, ok := d.semaphores[w]
		if !ok || !sem.submitted {
			d.mu.Unlock()
			return fmt.Errorf("soft: present waits on semaphore %d without a pending signal", w)
		}
	}
	for _, w := range wait {
		d.semaphores[w].submitted = false
	}
	imgID := s.images[index]
	w, h := s.cfg.Width, s.cfg.Height
	d.mu.Unlock()

	present := d.adapter.backend.present
	q.push([]batch{{
		wait: append([]gpucore.SemaphoreID(nil), wait...),
		ops: []op{func(d *Device) {
			d.stats.Presents++
			img, ok := d.images[imgID]
			if !ok {
				return
			}
			img.layout = gpucore.LayoutPresent
			if present != nil {
				present(id, index, append([]byte(nil), img.pixels...), w, h)
			}
		}},
	}})
	return nil
}
