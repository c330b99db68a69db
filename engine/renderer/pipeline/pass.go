// Package pipeline turns attachment, binding and shader descriptions into
// render passes, layouts and graphics pipelines. All of them are immutable
// once built; changing one means building a replacement and retiring the
// old objects.
package pipeline

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/resource"
	"github.com/spaghettifunk/mandrill/engine/renderer/swapchain"
)

// Signature is the attachment configuration a pipeline is compiled
// against. Pipelines may only be used with passes of an equal signature.
type Signature struct {
	Colors  []gpu.Format
	Depth   gpu.Format
	Samples gpu.SampleCount
}

func (s Signature) Equal(o Signature) bool {
	return s.Depth == o.Depth && s.Samples == o.Samples && slices.Equal(s.Colors, o.Colors)
}

func (s Signature) String() string {
	return fmt.Sprintf("colors=%v depth=%s samples=%d", s.Colors, s.Depth, s.Samples)
}

type PassDesc struct {
	Name         string
	Extent       gpu.Extent2D
	ColorFormats []gpu.Format
	// DepthFormat is FormatUndefined for passes without depth.
	DepthFormat gpu.Format
	// Samples defaults to one. Above one every color attachment is resolved
	// into its single-sample target.
	Samples    gpu.SampleCount
	ColorLoad  gpu.LoadOp
	ColorStore gpu.StoreOp
	// Images is the number of owned targets, one framebuffer each. Ignored
	// when Borrowed is set. Defaults to one.
	Images int
	// Borrowed supplies the single-sample color targets, one entry per
	// framebuffer holding one image per color format. The pass never
	// destroys them.
	Borrowed [][]gpu.Image
	// Present leaves the final color targets ready for presentation.
	Present bool
}

// RenderTarget is the set of single-sample color images a pass renders
// into, one group per framebuffer.
type RenderTarget interface {
	Count() int
	Views(i int) []gpu.ImageView
	// Owned reports whether the images are destroyed with the target.
	Owned() bool
	destroy(dev gpu.Device)
}

// OwnedTarget allocates its color images.
type OwnedTarget struct {
	images [][]gpu.Image
	views  [][]gpu.ImageView
}

func (t *OwnedTarget) Count() int                  { return len(t.views) }
func (t *OwnedTarget) Views(i int) []gpu.ImageView { return t.views[i] }
func (t *OwnedTarget) Owned() bool                 { return true }

// Images returns the color images of framebuffer i, for sampling in a later
// pass.
func (t *OwnedTarget) Images(i int) []gpu.Image { return t.images[i] }

func (t *OwnedTarget) destroy(dev gpu.Device) {
	for i := range t.views {
		for _, v := range t.views[i] {
			dev.DestroyImageView(v)
		}
		for _, img := range t.images[i] {
			dev.DestroyImage(img)
		}
	}
	t.images, t.views = nil, nil
}

// BorrowedTarget wraps images owned elsewhere, such as swapchain images.
// Only the views it created are destroyed with it.
type BorrowedTarget struct {
	views [][]gpu.ImageView
}

func (t *BorrowedTarget) Count() int                  { return len(t.views) }
func (t *BorrowedTarget) Views(i int) []gpu.ImageView { return t.views[i] }
func (t *BorrowedTarget) Owned() bool                 { return false }

func (t *BorrowedTarget) destroy(dev gpu.Device) {
	for _, vs := range t.views {
		for _, v := range vs {
			dev.DestroyImageView(v)
		}
	}
	t.views = nil
}

// attachments are the objects a pass allocates whatever its target: the
// multisampled color images, the depth image and the framebuffers.
type attachments struct {
	target       RenderTarget
	msaa         []gpu.Image
	msaaViews    []gpu.ImageView
	depth        gpu.Image
	depthView    gpu.ImageView
	framebuffers []gpu.Framebuffer
}

func (a *attachments) destroy(dev gpu.Device) {
	for _, fb := range a.framebuffers {
		dev.DestroyFramebuffer(fb)
	}
	if a.target != nil {
		a.target.destroy(dev)
	}
	for i, v := range a.msaaViews {
		dev.DestroyImageView(v)
		dev.DestroyImage(a.msaa[i])
	}
	if a.depthView != 0 {
		dev.DestroyImageView(a.depthView)
	}
	if a.depth != 0 {
		dev.DestroyImage(a.depth)
	}
}

type Pass struct {
	dev     gpu.Device
	retirer resource.Retirer
	desc    PassDesc
	sig     Signature

	renderPass *resource.Ref[gpu.RenderPass]
	att        attachments
}

// NewPass checks every format and the sample count against the device and
// only then allocates. On error nothing stays allocated.
func NewPass(dev gpu.Device, retirer resource.Retirer, desc PassDesc) (*Pass, error) {
	if desc.Samples == 0 {
		desc.Samples = gpu.SampleCount1
	}
	if desc.Images == 0 {
		desc.Images = 1
	}
	if err := validatePass(dev, desc); err != nil {
		return nil, err
	}
	if retirer == nil {
		retirer = resource.Immediate{}
	}
	p := &Pass{
		dev:     dev,
		retirer: retirer,
		desc:    desc,
		sig: Signature{
			Colors:  append([]gpu.Format(nil), desc.ColorFormats...),
			Depth:   desc.DepthFormat,
			Samples: desc.Samples,
		},
	}

	rp, err := dev.CreateRenderPass(p.renderPassDesc())
	if err != nil {
		return nil, fmt.Errorf("pass %s: creating render pass: %w", desc.Name, err)
	}
	p.renderPass = resource.NewRef(desc.Name+"/render-pass", rp, retirer, func(rp gpu.RenderPass) {
		dev.DestroyRenderPass(rp)
	})

	att, err := p.createAttachments()
	if err != nil {
		dev.DestroyRenderPass(rp)
		return nil, fmt.Errorf("pass %s: %w", desc.Name, err)
	}
	p.att = att
	core.LogDebug("pass %s created: %s, %d framebuffers", desc.Name, p.sig, len(att.framebuffers))
	return p, nil
}

// NewSwapchainPass renders into the swapchain images and follows the
// swapchain through recreation.
func NewSwapchainPass(dev gpu.Device, sc *swapchain.Swapchain, desc PassDesc) (*Pass, error) {
	desc.Extent = sc.Extent()
	desc.ColorFormats = []gpu.Format{sc.Format()}
	desc.Borrowed = borrowSwapchain(sc)
	desc.Present = true
	p, err := NewPass(dev, sc, desc)
	if err != nil {
		return nil, err
	}
	sc.OnRecreate(func(sc *swapchain.Swapchain) error {
		if sc.Format() != p.sig.Colors[0] {
			return fmt.Errorf("pass %s: swapchain format changed from %s to %s: %w", p.desc.Name, p.sig.Colors[0], sc.Format(), core.ErrUnsupportedFormat)
		}
		return p.Resize(sc.Extent(), borrowSwapchain(sc))
	})
	return p, nil
}

func borrowSwapchain(sc *swapchain.Swapchain) [][]gpu.Image {
	images := sc.Images()
	out := make([][]gpu.Image, len(images))
	for i, img := range images {
		out[i] = []gpu.Image{img}
	}
	return out
}

func validatePass(dev gpu.Device, desc PassDesc) error {
	props := dev.Properties()
	if len(desc.ColorFormats) == 0 && desc.DepthFormat == gpu.FormatUndefined {
		return core.Assert(false, "pass %s has no attachments", desc.Name)
	}
	if desc.Extent.Empty() || desc.Extent.Width > props.Limits.MaxImageDimension2D || desc.Extent.Height > props.Limits.MaxImageDimension2D {
		return core.Assert(false, "pass %s extent %dx%d out of range", desc.Name, desc.Extent.Width, desc.Extent.Height)
	}
	for _, f := range desc.ColorFormats {
		if f.IsDepth() || !dev.FormatSupported(f, gpu.FormatFeatureColorAttachment) {
			return fmt.Errorf("pass %s: color format %s: %w", desc.Name, f, core.ErrUnsupportedFormat)
		}
	}
	if desc.DepthFormat != gpu.FormatUndefined {
		if !desc.DepthFormat.IsDepth() || !dev.FormatSupported(desc.DepthFormat, gpu.FormatFeatureDepthStencilAttachment) {
			return fmt.Errorf("pass %s: depth format %s: %w", desc.Name, desc.DepthFormat, core.ErrUnsupportedFormat)
		}
	}
	if !gpu.SampleCountSupported(props.Limits, desc.Samples) {
		return fmt.Errorf("pass %s: %d samples: %w", desc.Name, desc.Samples, core.ErrUnsupportedFormat)
	}
	for i, group := range desc.Borrowed {
		if len(group) != len(desc.ColorFormats) {
			return core.Assert(false, "pass %s: borrowed target %d has %d images for %d color formats", desc.Name, i, len(group), len(desc.ColorFormats))
		}
	}
	return nil
}

func (p *Pass) renderPassDesc() gpu.RenderPassDesc {
	final := gpu.ImageLayoutShaderReadOnly
	if p.desc.Present {
		final = gpu.ImageLayoutPresentSrc
	}
	multisampled := p.desc.Samples != gpu.SampleCount1

	var rp gpu.RenderPassDesc
	for _, f := range p.desc.ColorFormats {
		color := gpu.AttachmentDesc{
			Format:      f,
			Samples:     p.desc.Samples,
			Load:        p.desc.ColorLoad,
			Store:       p.desc.ColorStore,
			FinalLayout: final,
		}
		if multisampled {
			color.Store = gpu.StoreOpDontCare
			color.FinalLayout = gpu.ImageLayoutColorAttachment
			rp.Resolve = append(rp.Resolve, gpu.AttachmentDesc{
				Format:      f,
				Samples:     gpu.SampleCount1,
				Load:        gpu.LoadOpDontCare,
				Store:       gpu.StoreOpStore,
				FinalLayout: final,
			})
		}
		rp.Colors = append(rp.Colors, color)
	}
	if p.desc.DepthFormat != gpu.FormatUndefined {
		rp.Depth = &gpu.AttachmentDesc{
			Format:      p.desc.DepthFormat,
			Samples:     p.desc.Samples,
			Load:        gpu.LoadOpClear,
			Store:       gpu.StoreOpDontCare,
			FinalLayout: gpu.ImageLayoutDepthStencilAttachment,
		}
	}
	return rp
}

func (p *Pass) createAttachments() (att attachments, err error) {
	dev := p.dev
	defer func() {
		if err != nil {
			att.destroy(dev)
			att = attachments{}
		}
	}()

	if p.desc.Borrowed != nil {
		t := &BorrowedTarget{}
		att.target = t
		for _, group := range p.desc.Borrowed {
			views := make([]gpu.ImageView, 0, len(group))
			for _, img := range group {
				v, err := dev.CreateImageView(img, p.desc.ColorFormats[len(views)], gpu.ImageAspectColor)
				if err != nil {
					t.views = append(t.views, views)
					return att, fmt.Errorf("creating target view: %w", err)
				}
				views = append(views, v)
			}
			t.views = append(t.views, views)
		}
	} else {
		t := &OwnedTarget{}
		att.target = t
		for i := 0; i < p.desc.Images; i++ {
			t.images = append(t.images, nil)
			t.views = append(t.views, nil)
			for _, f := range p.desc.ColorFormats {
				img, view, err := p.createImage(f, gpu.SampleCount1, gpu.ImageUsageColorAttachment|gpu.ImageUsageSampled)
				if err != nil {
					return att, fmt.Errorf("creating color target: %w", err)
				}
				t.images[i] = append(t.images[i], img)
				t.views[i] = append(t.views[i], view)
			}
		}
	}

	if p.desc.Samples != gpu.SampleCount1 {
		for _, f := range p.desc.ColorFormats {
			img, view, err := p.createImage(f, p.desc.Samples, gpu.ImageUsageColorAttachment|gpu.ImageUsageTransientAttachment)
			if err != nil {
				return att, fmt.Errorf("creating multisampled color: %w", err)
			}
			att.msaa = append(att.msaa, img)
			att.msaaViews = append(att.msaaViews, view)
		}
	}

	if p.desc.DepthFormat != gpu.FormatUndefined {
		img, view, err := p.createImage(p.desc.DepthFormat, p.desc.Samples, gpu.ImageUsageDepthStencilAttachment)
		if err != nil {
			return att, fmt.Errorf("creating depth attachment: %w", err)
		}
		att.depth, att.depthView = img, view
	}

	rp := p.renderPass.Get()
	for i := 0; i < att.target.Count(); i++ {
		fb, err := dev.CreateFramebuffer(gpu.FramebufferDesc{
			RenderPass:  rp,
			Attachments: att.framebufferViews(i),
			Extent:      p.desc.Extent,
		})
		if err != nil {
			return att, fmt.Errorf("creating framebuffer %d: %w", i, err)
		}
		att.framebuffers = append(att.framebuffers, fb)
	}
	return att, nil
}

// framebufferViews lists views in render pass order: colors, resolves,
// depth.
func (a *attachments) framebufferViews(i int) []gpu.ImageView {
	var views []gpu.ImageView
	if len(a.msaaViews) > 0 {
		views = append(views, a.msaaViews...)
	}
	views = append(views, a.target.Views(i)...)
	if a.depthView != 0 {
		views = append(views, a.depthView)
	}
	return views
}

func (p *Pass) createImage(f gpu.Format, samples gpu.SampleCount, usage gpu.ImageUsage) (gpu.Image, gpu.ImageView, error) {
	img, err := p.dev.CreateImage(gpu.ImageDesc{Extent: p.desc.Extent, Format: f, Samples: samples, Usage: usage})
	if err != nil {
		return 0, 0, err
	}
	aspect := gpu.ImageAspectColor
	if f.IsDepth() {
		aspect = gpu.ImageAspectDepth
	}
	view, err := p.dev.CreateImageView(img, f, aspect)
	if err != nil {
		p.dev.DestroyImage(img)
		return 0, 0, err
	}
	return img, view, nil
}

// Resize rebuilds every attachment and framebuffer at extent. borrowed
// replaces the borrowed targets and must be nil for owned passes. The
// render pass, and so the signature, is kept.
func (p *Pass) Resize(extent gpu.Extent2D, borrowed [][]gpu.Image) error {
	if err := core.Assert((borrowed != nil) == (p.desc.Borrowed != nil), "pass %s: resize cannot switch between owned and borrowed targets", p.desc.Name); err != nil {
		return err
	}
	desc := p.desc
	desc.Extent = extent
	desc.Borrowed = borrowed
	if err := validatePass(p.dev, desc); err != nil {
		return err
	}
	old := p.att
	p.desc = desc
	att, err := p.createAttachments()
	if err != nil {
		p.att = attachments{}
		p.retire(old)
		return fmt.Errorf("pass %s: resize: %w", desc.Name, err)
	}
	p.att = att
	p.retire(old)
	return nil
}

func (p *Pass) retire(att attachments) {
	dev := p.dev
	p.retirer.Retire(p.desc.Name+"/attachments", func() { att.destroy(dev) })
}

func (p *Pass) Name() string {
	return p.desc.Name
}

func (p *Pass) Signature() Signature {
	return p.sig
}

func (p *Pass) Extent() gpu.Extent2D {
	return p.desc.Extent
}

func (p *Pass) Target() RenderTarget {
	return p.att.target
}

func (p *Pass) FramebufferCount() int {
	return len(p.att.framebuffers)
}

// RenderPass returns the shared render pass reference. Pipelines acquire it
// so the handle outlives the pass while they still use it.
func (p *Pass) RenderPass() *resource.Ref[gpu.RenderPass] {
	return p.renderPass
}

// DefaultClear is opaque black with depth cleared to the far plane.
var DefaultClear = gpu.ClearValue{Color: [4]float32{0, 0, 0, 1}, Depth: 1}

// Begin starts the pass on framebuffer index and sets a viewport and
// scissor covering the whole extent. clear holds one value per color
// attachment; missing values use DefaultClear.
func (p *Pass) Begin(enc gpu.Encoder, index int, clear ...gpu.ClearValue) error {
	if err := core.Assert(index >= 0 && index < len(p.att.framebuffers), "pass %s: framebuffer %d of %d", p.desc.Name, index, len(p.att.framebuffers)); err != nil {
		return err
	}
	n := len(p.desc.ColorFormats)
	values := make([]gpu.ClearValue, 0, 2*n+1)
	for i := 0; i < n; i++ {
		c := DefaultClear
		if i < len(clear) {
			c = clear[i]
		}
		values = append(values, c)
	}
	if p.desc.Samples != gpu.SampleCount1 {
		values = append(values, values[:n]...)
	}
	if p.desc.DepthFormat != gpu.FormatUndefined {
		values = append(values, DefaultClear)
	}

	area := gpu.Rect2D{Extent: p.desc.Extent}
	enc.BeginRenderPass(p.renderPass.Get(), p.att.framebuffers[index], area, values)
	enc.SetViewport(gpu.Viewport{
		Width:    float32(p.desc.Extent.Width),
		Height:   float32(p.desc.Extent.Height),
		MinDepth: 0,
		MaxDepth: 1,
	})
	enc.SetScissor(area)
	return nil
}

func (p *Pass) End(enc gpu.Encoder) {
	enc.EndRenderPass()
}

// Destroy retires the attachments and drops the pass's reference to the
// render pass.
func (p *Pass) Destroy() {
	if p.renderPass == nil {
		return
	}
	p.retire(p.att)
	p.att = attachments{}
	if err := p.renderPass.Release(); err != nil {
		core.LogWarn("pass %s: %s", p.desc.Name, err)
	}
	p.renderPass = nil
}
