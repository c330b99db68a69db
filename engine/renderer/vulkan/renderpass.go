package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

type renderPass struct {
	handle vk.RenderPass
	// depth is the attachment index of the depth buffer, -1 without one.
	depth int
}

func attachmentDescription(a gpu.AttachmentDesc) vk.AttachmentDescription {
	samples := a.Samples
	if samples == 0 {
		samples = gpu.SampleCount1
	}
	return vk.AttachmentDescription{
		Format:         vk.Format(a.Format),
		Samples:        vk.SampleCountFlagBits(samples),
		LoadOp:         vk.AttachmentLoadOp(a.Load),
		StoreOp:        vk.AttachmentStoreOp(a.Store),
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  vk.ImageLayoutUndefined,
		FinalLayout:    vk.ImageLayout(a.FinalLayout),
	}
}

// CreateRenderPass builds a single subpass pass. Attachments are numbered
// colors first, then resolves, then depth.
func (d *Device) CreateRenderPass(desc gpu.RenderPassDesc) (gpu.RenderPass, error) {
	if len(desc.Resolve) != 0 && len(desc.Resolve) != len(desc.Colors) {
		return 0, fmt.Errorf("%w: %d resolve attachments for %d colors", core.ErrPrecondition, len(desc.Resolve), len(desc.Colors))
	}

	var attachments []vk.AttachmentDescription
	var colorRefs, resolveRefs []vk.AttachmentReference
	for _, c := range desc.Colors {
		colorRefs = append(colorRefs, vk.AttachmentReference{
			Attachment: uint32(len(attachments)),
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		})
		attachments = append(attachments, attachmentDescription(c))
	}
	for _, r := range desc.Resolve {
		resolveRefs = append(resolveRefs, vk.AttachmentReference{
			Attachment: uint32(len(attachments)),
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		})
		attachments = append(attachments, attachmentDescription(r))
	}

	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(colorRefs)),
		PColorAttachments:    colorRefs,
		PResolveAttachments:  resolveRefs,
	}
	depth := -1
	stages := vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)
	access := vk.AccessFlags(vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit)
	if desc.Depth != nil {
		depth = len(attachments)
		subpass.PDepthStencilAttachment = &vk.AttachmentReference{
			Attachment: uint32(len(attachments)),
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
		attachments = append(attachments, attachmentDescription(*desc.Depth))
		stages |= vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit)
		access |= vk.AccessFlags(vk.AccessDepthStencilAttachmentWriteBit)
	}

	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  stages,
		DstStageMask:  stages,
		DstAccessMask: access,
	}

	info := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}

	var h gpu.RenderPass
	err := d.locks.safeCall(renderpassObjs, func() error {
		var rp vk.RenderPass
		if err := resultError("vkCreateRenderPass", vk.CreateRenderPass(d.logical, &info, nil, &rp)); err != nil {
			return err
		}
		h = gpu.RenderPass(d.renderPasses.add(&renderPass{handle: rp, depth: depth}))
		return nil
	})
	return h, err
}

func (d *Device) DestroyRenderPass(rp gpu.RenderPass) {
	d.locks.safeCall(renderpassObjs, func() error {
		if pass, ok := d.renderPasses.take(uint64(rp)); ok {
			vk.DestroyRenderPass(d.logical, pass.handle, nil)
		}
		return nil
	})
}

func (d *Device) lookupRenderPass(rp gpu.RenderPass) (*renderPass, error) {
	var pass *renderPass
	err := d.locks.safeCall(renderpassObjs, func() error {
		var err error
		pass, err = d.renderPasses.get(uint64(rp))
		return err
	})
	return pass, err
}

func (d *Device) CreateFramebuffer(desc gpu.FramebufferDesc) (gpu.Framebuffer, error) {
	pass, err := d.lookupRenderPass(desc.RenderPass)
	if err != nil {
		return 0, err
	}
	views := make([]vk.ImageView, len(desc.Attachments))
	err = d.locks.safeCall(memoryObjects, func() error {
		for i, v := range desc.Attachments {
			view, err := d.views.get(uint64(v))
			if err != nil {
				return err
			}
			views[i] = view
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var h gpu.Framebuffer
	err = d.locks.safeCall(renderpassObjs, func() error {
		var fb vk.Framebuffer
		r := vk.CreateFramebuffer(d.logical, &vk.FramebufferCreateInfo{
			SType:           vk.StructureTypeFramebufferCreateInfo,
			RenderPass:      pass.handle,
			AttachmentCount: uint32(len(views)),
			PAttachments:    views,
			Width:           desc.Extent.Width,
			Height:          desc.Extent.Height,
			Layers:          1,
		}, nil, &fb)
		if err := resultError("vkCreateFramebuffer", r); err != nil {
			return err
		}
		h = gpu.Framebuffer(d.framebuffers.add(fb))
		return nil
	})
	return h, err
}

func (d *Device) DestroyFramebuffer(fb gpu.Framebuffer) {
	d.locks.safeCall(renderpassObjs, func() error {
		if f, ok := d.framebuffers.take(uint64(fb)); ok {
			vk.DestroyFramebuffer(d.logical, f, nil)
		}
		return nil
	})
}
