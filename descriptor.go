package gal

import (
	"fmt"

	"github.com/gogpu/gal/gpucore"
)

// DescriptorSetLayout declares the resource slots of one descriptor set.
type DescriptorSetLayout struct {
	*Guard[gpucore.DescriptorSetLayoutID]

	bindings []gpucore.DescriptorBinding
}

// CreateDescriptorSetLayout creates a layout. Bindings without stages are
// visible to all graphics stages; Count defaults to 1.
func (d *Device) CreateDescriptorSetLayout(desc gpucore.DescriptorSetLayoutDesc) (*DescriptorSetLayout, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	desc.Bindings = append([]gpucore.DescriptorBinding(nil), desc.Bindings...)
	for i := range desc.Bindings {
		b := &desc.Bindings[i]
		if b.Stages == 0 {
			b.Stages = gpucore.StageAllGraphics
		}
		if b.Count == 0 {
			b.Count = 1
		}
	}

	id, err := d.raw.CreateDescriptorSetLayout(&desc)
	if err != nil {
		return nil, allocErr(gpucore.KindDescriptorSetLayout, desc.Label, err)
	}
	g, err := newGuard(d, id, desc.Label, d.raw.DestroyDescriptorSetLayout)
	if err != nil {
		return nil, err
	}
	return &DescriptorSetLayout{Guard: g, bindings: desc.Bindings}, nil
}

// Bindings returns the declared slots.
func (l *DescriptorSetLayout) Bindings() []gpucore.DescriptorBinding {
	return append([]gpucore.DescriptorBinding(nil), l.bindings...)
}

func (l *DescriptorSetLayout) binding(slot uint32) (gpucore.DescriptorBinding, bool) {
	for _, b := range l.bindings {
		if b.Binding == slot {
			return b, true
		}
	}
	return gpucore.DescriptorBinding{}, false
}

// DescriptorSet binds concrete resources to the slots of a layout.
type DescriptorSet struct {
	*Guard[gpucore.DescriptorSetID]

	layout *DescriptorSetLayout
}

// CreateDescriptorSet allocates an empty set for layout. Fill it with the
// Write methods before binding it.
func (d *Device) CreateDescriptorSet(label string, layout *DescriptorSetLayout) (*DescriptorSet, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	id, err := d.raw.CreateDescriptorSet(&gpucore.DescriptorSetDesc{Label: label, Layout: layout.Get()})
	if err != nil {
		return nil, allocErr(gpucore.KindDescriptorSet, label, err)
	}
	g, err := newGuard(d, id, label, d.raw.DestroyDescriptorSet)
	if err != nil {
		return nil, err
	}
	return &DescriptorSet{Guard: g, layout: layout}, nil
}

// Layout returns the layout the set was allocated with.
func (s *DescriptorSet) Layout() *DescriptorSetLayout { return s.layout }

func (s *DescriptorSet) write(op string, w gpucore.DescriptorWrite, want ...gpucore.DescriptorType) error {
	slot, ok := s.layout.binding(w.Binding)
	if !ok {
		fault(op, "layout %q of set %q has no binding %d", s.layout.Label(), s.Label(), w.Binding)
	}
	match := false
	for _, t := range want {
		match = match || slot.Type == t
	}
	if !match {
		fault(op, "binding %d of set %q is a %s slot", w.Binding, s.Label(), slot.Type)
	}
	if err := s.dev.raw.UpdateDescriptorSet(s.Get(), []gpucore.DescriptorWrite{w}); err != nil {
		return fmt.Errorf("gal: update descriptor set %q: %w", s.Label(), err)
	}
	return nil
}

// WriteBuffer binds a range of buf to a uniform or storage buffer slot.
// A size of 0 binds the rest of the buffer.
func (s *DescriptorSet) WriteBuffer(binding uint32, buf *Buffer, offset, size uint64) error {
	if size == 0 && offset < buf.Size() {
		size = buf.Size() - offset
	}
	return s.write("DescriptorSet.WriteBuffer",
		gpucore.DescriptorWrite{Binding: binding, Buffer: buf.Get(), Offset: offset, Size: size},
		gpucore.DescriptorUniformBuffer, gpucore.DescriptorStorageBuffer)
}

// WriteImage binds img to a texture slot.
func (s *DescriptorSet) WriteImage(binding uint32, img *Image) error {
	return s.write("DescriptorSet.WriteImage",
		gpucore.DescriptorWrite{Binding: binding, Image: img.Get()},
		gpucore.DescriptorTexture)
}

// WriteSampler binds smp to a sampler slot.
func (s *DescriptorSet) WriteSampler(binding uint32, smp *Sampler) error {
	return s.write("DescriptorSet.WriteSampler",
		gpucore.DescriptorWrite{Binding: binding, Sampler: smp.Get()},
		gpucore.DescriptorSampler)
}

// WriteImageSampler binds img and smp to a combined image sampler slot.
func (s *DescriptorSet) WriteImageSampler(binding uint32, img *Image, smp *Sampler) error {
	return s.write("DescriptorSet.WriteImageSampler",
		gpucore.DescriptorWrite{Binding: binding, Image: img.Get(), Sampler: smp.Get()},
		gpucore.DescriptorCombinedImageSampler)
}
