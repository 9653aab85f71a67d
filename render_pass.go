package gal

import (
	"github.com/gogpu/gal/gpucore"
)

// RenderPass describes the attachments a pipeline renders into and how
// they are loaded, stored and transitioned.
type RenderPass struct {
	*Guard[gpucore.RenderPassID]

	desc gpucore.RenderPassDesc
}

// CreateRenderPass creates a render pass. Attachment sample counts
// default to 1.
func (d *Device) CreateRenderPass(desc gpucore.RenderPassDesc) (*RenderPass, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	desc.Colors = append([]gpucore.ColorAttachmentDesc(nil), desc.Colors...)
	for i := range desc.Colors {
		if desc.Colors[i].Samples == 0 {
			desc.Colors[i].Samples = 1
		}
	}
	if desc.Depth != nil {
		depth := *desc.Depth
		desc.Depth = &depth
	}

	id, err := d.raw.CreateRenderPass(&desc)
	if err != nil {
		return nil, allocErr(gpucore.KindRenderPass, desc.Label, err)
	}
	g, err := newGuard(d, id, desc.Label, d.raw.DestroyRenderPass)
	if err != nil {
		return nil, err
	}
	return &RenderPass{Guard: g, desc: desc}, nil
}

// Desc returns the creation descriptor.
func (p *RenderPass) Desc() gpucore.RenderPassDesc { return p.desc }

// ColorAttachments returns the number of color attachments.
func (p *RenderPass) ColorAttachments() int { return len(p.desc.Colors) }
