// Package gputest provides an in-memory gpu.Device. It completes submitted
// work immediately unless fences are held, counts live objects per kind and
// can inject the failures a real device reports.
package gputest

import (
	"fmt"
	"sync"
	"time"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

type Kind string

const (
	KindSemaphore      Kind = "semaphore"
	KindFence          Kind = "fence"
	KindSwapchain      Kind = "swapchain"
	KindImage          Kind = "image"
	KindImageView      Kind = "image-view"
	KindBuffer         Kind = "buffer"
	KindRenderPass     Kind = "render-pass"
	KindFramebuffer    Kind = "framebuffer"
	KindShaderModule   Kind = "shader-module"
	KindSetLayout      Kind = "descriptor-set-layout"
	KindDescriptorPool Kind = "descriptor-pool"
	KindDescriptorSet  Kind = "descriptor-set"
	KindPipelineLayout Kind = "pipeline-layout"
	KindPipeline       Kind = "pipeline"
	KindAccel          Kind = "acceleration-structure"
	KindCommandBuffer  Kind = "command-buffer"
)

type buffer struct {
	desc gpu.BufferDesc
	data []byte
}

type swapchain struct {
	desc   gpu.SwapchainDesc
	images []gpu.Image
	next   uint32
}

type descriptorPool struct {
	desc gpu.DescriptorPoolDesc
	sets []gpu.DescriptorSet
}

type descriptorSet struct {
	pool   gpu.DescriptorPool
	layout gpu.DescriptorSetLayout
	writes map[uint32]gpu.DescriptorWrite
}

// setUse remembers the fence of the last submission binding a set and how
// often that fence had been signaled at the time.
type setUse struct {
	fence   gpu.Fence
	signals uint64
}

// Acquire records one successful image acquisition.
type Acquire struct {
	Swapchain  gpu.Swapchain
	ImageIndex uint32
	Signal     gpu.Semaphore
}

// Present records one successful present.
type Present struct {
	Swapchain  gpu.Swapchain
	ImageIndex uint32
	Wait       gpu.Semaphore
}

type Device struct {
	mu sync.Mutex

	props       gpu.Properties
	caps        gpu.SurfaceCapabilities
	unsupported map[gpu.Format]bool

	next    uint64
	live    map[Kind]map[uint64]struct{}
	created map[Kind]int
	misuse  []string

	fences     map[gpu.Fence]bool
	signals    map[gpu.Fence]uint64
	buffers    map[gpu.Buffer]*buffer
	swapchains map[gpu.Swapchain]*swapchain
	accels     map[gpu.AccelerationStructure]gpu.AccelerationStructureDesc
	commands   map[gpu.CommandBuffer][]Command
	pipelines  map[gpu.Pipeline]gpu.GraphicsPipelineDesc
	setLayouts map[gpu.DescriptorSetLayout][]gpu.LayoutBinding
	pools      map[gpu.DescriptorPool]*descriptorPool
	sets       map[gpu.DescriptorSet]*descriptorSet
	setUses    map[gpu.DescriptorSet]setUse

	submits  []gpu.SubmitInfo
	acquires []Acquire
	presents []Present
	builds   []gpu.AccelerationBuild

	outOfDateAcquires int
	outOfDatePresents int
	lost              bool
	holdFences        bool
	pending           []gpu.Fence
	failNext          map[Kind]int
	destroyed         bool
}

var _ gpu.Device = (*Device)(nil)

// New returns a device with ray tracing, sample counts 1 to 8, a 128 byte
// push constant limit and an 800x600 surface offering two to four images.
func New() *Device {
	return &Device{
		props: gpu.Properties{
			DeviceName: "gputest",
			Limits: gpu.Limits{
				MaxPushConstantsSize:            128,
				MaxImageDimension2D:             16384,
				FramebufferColorSampleCounts:    gpu.SampleCount1 | gpu.SampleCount2 | gpu.SampleCount4 | gpu.SampleCount8,
				FramebufferDepthSampleCounts:    gpu.SampleCount1 | gpu.SampleCount2 | gpu.SampleCount4 | gpu.SampleCount8,
				MaxInstanceCount:                1 << 24,
				MinAccelerationScratchAlignment: 128,
			},
			RayTracing: true,
		},
		caps: gpu.SurfaceCapabilities{
			MinImageCount: 2,
			MaxImageCount: 4,
			CurrentExtent: gpu.Extent2D{Width: 800, Height: 600},
			MinExtent:     gpu.Extent2D{Width: 1, Height: 1},
			MaxExtent:     gpu.Extent2D{Width: 16384, Height: 16384},
			Formats: []gpu.SurfaceFormat{
				{Format: gpu.FormatB8G8R8A8Unorm, ColorSpace: gpu.ColorSpaceSrgbNonlinear},
			},
			PresentModes: []gpu.PresentMode{gpu.PresentModeFifo, gpu.PresentModeMailbox},
		},
		unsupported: make(map[gpu.Format]bool),
		live:        make(map[Kind]map[uint64]struct{}),
		created:     make(map[Kind]int),
		fences:      make(map[gpu.Fence]bool),
		signals:     make(map[gpu.Fence]uint64),
		buffers:     make(map[gpu.Buffer]*buffer),
		swapchains:  make(map[gpu.Swapchain]*swapchain),
		accels:      make(map[gpu.AccelerationStructure]gpu.AccelerationStructureDesc),
		commands:    make(map[gpu.CommandBuffer][]Command),
		pipelines:   make(map[gpu.Pipeline]gpu.GraphicsPipelineDesc),
		setLayouts:  make(map[gpu.DescriptorSetLayout][]gpu.LayoutBinding),
		pools:       make(map[gpu.DescriptorPool]*descriptorPool),
		sets:        make(map[gpu.DescriptorSet]*descriptorSet),
		setUses:     make(map[gpu.DescriptorSet]setUse),
		failNext:    make(map[Kind]int),
	}
}

// Fault injection and configuration.

func (d *Device) SetLimits(fn func(*gpu.Limits)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.props.Limits)
}

func (d *Device) SetRayTracing(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.props.RayTracing = enabled
}

func (d *Device) SetSurfaceCapabilities(fn func(*gpu.SurfaceCapabilities)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.caps)
}

func (d *Device) SetUnsupported(formats ...gpu.Format) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range formats {
		d.unsupported[f] = true
	}
}

// Resize changes the surface extent and invalidates the current swapchain
// for the next acquire.
func (d *Device) Resize(width, height uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps.CurrentExtent = gpu.Extent2D{Width: width, Height: height}
	d.outOfDateAcquires++
}

func (d *Device) FailAcquireOutOfDate(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outOfDateAcquires += n
}

func (d *Device) FailPresentOutOfDate(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outOfDatePresents += n
}

// FailNextCreate makes the next n creations of kind fail.
func (d *Device) FailNextCreate(kind Kind, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext[kind] += n
}

func (d *Device) LoseDevice() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lost = true
}

// HoldFences keeps fences of later submissions unsignaled until
// CompletePending or WaitIdle.
func (d *Device) HoldFences(hold bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holdFences = hold
}

func (d *Device) CompletePending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completePendingLocked()
}

func (d *Device) completePendingLocked() {
	for _, f := range d.pending {
		if _, ok := d.fences[f]; ok {
			d.signalLocked(f)
		}
	}
	d.pending = nil
}

func (d *Device) signalLocked(f gpu.Fence) {
	d.fences[f] = true
	d.signals[f]++
}

// Inspection.

func (d *Device) Live(kind Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live[kind])
}

func (d *Device) LiveTotal() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, m := range d.live {
		n += len(m)
	}
	return n
}

// Created counts every creation of kind, destroyed or not.
func (d *Device) Created(kind Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created[kind]
}

func (d *Device) IsLive(kind Kind, handle uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.live[kind][handle]
	return ok
}

// Misuse lists destroys of unknown handles and other API misuse.
func (d *Device) Misuse() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.misuse...)
}

func (d *Device) Commands(cb gpu.CommandBuffer) []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Command(nil), d.commands[cb]...)
}

func (d *Device) Submits() []gpu.SubmitInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gpu.SubmitInfo(nil), d.submits...)
}

func (d *Device) Acquires() []Acquire {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Acquire(nil), d.acquires...)
}

func (d *Device) Presents() []Present {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Present(nil), d.presents...)
}

func (d *Device) Builds() []gpu.AccelerationBuild {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gpu.AccelerationBuild(nil), d.builds...)
}

func (d *Device) BufferData(b gpu.Buffer) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf, ok := d.buffers[b]; ok {
		return append([]byte(nil), buf.data...)
	}
	return nil
}

func (d *Device) BufferDesc(b gpu.Buffer) (gpu.BufferDesc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[b]
	if !ok {
		return gpu.BufferDesc{}, false
	}
	return buf.desc, true
}

func (d *Device) PipelineDesc(p gpu.Pipeline) (gpu.GraphicsPipelineDesc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	desc, ok := d.pipelines[p]
	return desc, ok
}

func (d *Device) FenceSignaled(f gpu.Fence) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fences[f]
}

// handle bookkeeping, called with mu held

func (d *Device) alloc(kind Kind) (uint64, error) {
	if n := d.failNext[kind]; n > 0 {
		d.failNext[kind] = n - 1
		return 0, fmt.Errorf("gputest: injected %s creation failure", kind)
	}
	d.next++
	if d.live[kind] == nil {
		d.live[kind] = make(map[uint64]struct{})
	}
	d.live[kind][d.next] = struct{}{}
	d.created[kind]++
	return d.next, nil
}

func (d *Device) free(kind Kind, h uint64) bool {
	if h == 0 {
		return false
	}
	if _, ok := d.live[kind][h]; !ok {
		d.misuse = append(d.misuse, fmt.Sprintf("destroy of unknown %s %d", kind, h))
		return false
	}
	delete(d.live[kind], h)
	return true
}

func (d *Device) requireLive(kind Kind, h uint64, op string) {
	if _, ok := d.live[kind][h]; !ok {
		d.misuse = append(d.misuse, fmt.Sprintf("%s uses unknown %s %d", op, kind, h))
	}
}

func (d *Device) Properties() gpu.Properties {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.props
}

func (d *Device) FormatSupported(format gpu.Format, features gpu.FormatFeature) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.formatSupportedLocked(format, features)
}

func (d *Device) formatSupportedLocked(format gpu.Format, features gpu.FormatFeature) bool {
	if format == gpu.FormatUndefined || d.unsupported[format] {
		return false
	}
	if features&gpu.FormatFeatureDepthStencilAttachment != 0 && !format.IsDepth() {
		return false
	}
	if features&gpu.FormatFeatureColorAttachment != 0 && format.IsDepth() {
		return false
	}
	return true
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.alloc(KindSemaphore)
	return gpu.Semaphore(h), err
}

func (d *Device) DestroySemaphore(s gpu.Semaphore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.free(KindSemaphore, uint64(s))
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.alloc(KindFence)
	if err != nil {
		return 0, err
	}
	d.fences[gpu.Fence(h)] = signaled
	return gpu.Fence(h), nil
}

func (d *Device) DestroyFence(f gpu.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.free(KindFence, uint64(f)) {
		delete(d.fences, f)
		delete(d.signals, f)
	}
}

func (d *Device) WaitFence(f gpu.Fence, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return fmt.Errorf("waiting on fence %d: %w", f, core.ErrDeviceLost)
	}
	signaled, ok := d.fences[f]
	if !ok {
		d.misuse = append(d.misuse, fmt.Sprintf("wait on unknown fence %d", f))
		return fmt.Errorf("unknown fence %d", f)
	}
	if !signaled {
		return fmt.Errorf("fence %d after %s: %w", f, timeout, core.ErrTimeout)
	}
	return nil
}

func (d *Device) ResetFence(f gpu.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.fences[f]; !ok {
		return fmt.Errorf("unknown fence %d", f)
	}
	d.fences[f] = false
	return nil
}

func (d *Device) SurfaceCapabilities(s gpu.Surface) (gpu.SurfaceCapabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return gpu.SurfaceCapabilities{}, core.ErrDeviceLost
	}
	caps := d.caps
	caps.Formats = append([]gpu.SurfaceFormat(nil), d.caps.Formats...)
	caps.PresentModes = append([]gpu.PresentMode(nil), d.caps.PresentModes...)
	return caps, nil
}

func (d *Device) CreateSwapchain(desc gpu.SwapchainDesc) (gpu.Swapchain, []gpu.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return 0, nil, core.ErrDeviceLost
	}
	h, err := d.alloc(KindSwapchain)
	if err != nil {
		return 0, nil, err
	}
	sc := &swapchain{desc: desc}
	for i := uint32(0); i < desc.ImageCount; i++ {
		d.next++
		sc.images = append(sc.images, gpu.Image(d.next))
	}
	d.swapchains[gpu.Swapchain(h)] = sc
	return gpu.Swapchain(h), append([]gpu.Image(nil), sc.images...), nil
}

func (d *Device) DestroySwapchain(s gpu.Swapchain) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.free(KindSwapchain, uint64(s)) {
		delete(d.swapchains, s)
	}
}

// SwapchainDesc returns the description a live swapchain was created with.
func (d *Device) SwapchainDesc(s gpu.Swapchain) (gpu.SwapchainDesc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sc, ok := d.swapchains[s]
	if !ok {
		return gpu.SwapchainDesc{}, false
	}
	return sc.desc, true
}

func (d *Device) AcquireNextImage(s gpu.Swapchain, timeout time.Duration, signal gpu.Semaphore) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return 0, core.ErrDeviceLost
	}
	if d.outOfDateAcquires > 0 {
		d.outOfDateAcquires--
		return 0, core.ErrOutOfDate
	}
	sc, ok := d.swapchains[s]
	if !ok {
		return 0, fmt.Errorf("acquire on unknown swapchain %d", s)
	}
	d.requireLive(KindSemaphore, uint64(signal), "acquire")
	idx := sc.next
	sc.next = (sc.next + 1) % uint32(len(sc.images))
	d.acquires = append(d.acquires, Acquire{Swapchain: s, ImageIndex: idx, Signal: signal})
	return idx, nil
}

func (d *Device) Present(s gpu.Swapchain, imageIndex uint32, wait gpu.Semaphore) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return core.ErrDeviceLost
	}
	if d.outOfDatePresents > 0 {
		d.outOfDatePresents--
		return core.ErrOutOfDate
	}
	if _, ok := d.swapchains[s]; !ok {
		return fmt.Errorf("present on unknown swapchain %d", s)
	}
	d.requireLive(KindSemaphore, uint64(wait), "present")
	d.presents = append(d.presents, Present{Swapchain: s, ImageIndex: imageIndex, Wait: wait})
	return nil
}

func (d *Device) CreateImage(desc gpu.ImageDesc) (gpu.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	feature := gpu.FormatFeatureColorAttachment
	if desc.Format.IsDepth() {
		feature = gpu.FormatFeatureDepthStencilAttachment
	}
	if !d.formatSupportedLocked(desc.Format, feature) || !gpu.SampleCountSupported(d.props.Limits, desc.Samples) {
		return 0, fmt.Errorf("image %s x%d: %w", desc.Format, desc.Samples, core.ErrUnsupportedFormat)
	}
	h, err := d.alloc(KindImage)
	return gpu.Image(h), err
}

func (d *Device) DestroyImage(i gpu.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.free(KindImage, uint64(i))
}

func (d *Device) CreateImageView(img gpu.Image, format gpu.Format, aspect gpu.ImageAspect) (gpu.ImageView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.alloc(KindImageView)
	return gpu.ImageView(h), err
}

func (d *Device) DestroyImageView(v gpu.ImageView) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.free(KindImageView, uint64(v))
}

func (d *Device) CreateBuffer(desc gpu.BufferDesc) (gpu.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if desc.Size == 0 {
		return 0, fmt.Errorf("buffer %q has zero size", desc.Label)
	}
	h, err := d.alloc(KindBuffer)
	if err != nil {
		return 0, err
	}
	d.buffers[gpu.Buffer(h)] = &buffer{desc: desc, data: make([]byte, desc.Size)}
	return gpu.Buffer(h), nil
}

func (d *Device) WriteBuffer(b gpu.Buffer, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[b]
	if !ok {
		return fmt.Errorf("write to unknown buffer %d", b)
	}
	if !buf.desc.HostVisible {
		return fmt.Errorf("buffer %q is not host visible", buf.desc.Label)
	}
	if offset+uint64(len(data)) > buf.desc.Size {
		return fmt.Errorf("write of %d bytes at %d overflows buffer %q of %d bytes", len(data), offset, buf.desc.Label, buf.desc.Size)
	}
	copy(buf.data[offset:], data)
	return nil
}

func (d *Device) BufferAddress(b gpu.Buffer) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[b]
	if !ok {
		return 0, fmt.Errorf("address of unknown buffer %d", b)
	}
	if buf.desc.Usage&gpu.BufferUsageShaderDeviceAddress == 0 {
		return 0, fmt.Errorf("buffer %q lacks device address usage", buf.desc.Label)
	}
	return uint64(b) << 20, nil
}

func (d *Device) DestroyBuffer(b gpu.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.free(KindBuffer, uint64(b)) {
		delete(d.buffers, b)
	}
}

func (d *Device) CreateRenderPass(desc gpu.RenderPassDesc) (gpu.RenderPass, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range desc.Colors {
		if !d.formatSupportedLocked(c.Format, gpu.FormatFeatureColorAttachment) {
			return 0, fmt.Errorf("color attachment %s: %w", c.Format, core.ErrUnsupportedFormat)
		}
	}
	if desc.Depth != nil && !d.formatSupportedLocked(desc.Depth.Format, gpu.FormatFeatureDepthStencilAttachment) {
		return 0, fmt.Errorf("depth attachment %s: %w", desc.Depth.Format, core.ErrUnsupportedFormat)
	}
	h, err := d.alloc(KindRenderPass)
	return gpu.RenderPass(h), err
}

func (d *Device) DestroyRenderPass(rp gpu.RenderPass) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.free(KindRenderPass, uint64(rp))
}

func (d *Device) CreateFramebuffer(desc gpu.FramebufferDesc) (gpu.Framebuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requireLive(KindRenderPass, uint64(desc.RenderPass), "framebuffer")
	for _, v := range desc.Attachments {
		d.requireLive(KindImageView, uint64(v), "framebuffer")
	}
	h, err := d.alloc(KindFramebuffer)
	return gpu.Framebuffer(h), err
}

func (d *Device) DestroyFramebuffer(fb gpu.Framebuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.free(KindFramebuffer, uint64(fb))
}

func (d *Device) CreateShaderModule(spirv []uint32) (gpu.ShaderModule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(spirv) == 0 {
		return 0, fmt.Errorf("empty shader module")
	}
	h, err := d.alloc(KindShaderModule)
	return gpu.ShaderModule(h), err
}

func (d *Device) DestroyShaderModule(m gpu.ShaderModule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.free(KindShaderModule, uint64(m))
}

func (d *Device) CreateDescriptorSetLayout(bindings []gpu.LayoutBinding) (gpu.DescriptorSetLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.alloc(KindSetLayout)
	if err != nil {
		return 0, err
	}
	d.setLayouts[gpu.DescriptorSetLayout(h)] = append([]gpu.LayoutBinding(nil), bindings...)
	return gpu.DescriptorSetLayout(h), nil
}

func (d *Device) DestroyDescriptorSetLayout(l gpu.DescriptorSetLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.free(KindSetLayout, uint64(l)) {
		delete(d.setLayouts, l)
	}
}

func (d *Device) CreateDescriptorPool(desc gpu.DescriptorPoolDesc) (gpu.DescriptorPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if desc.MaxSets == 0 {
		return 0, fmt.Errorf("descriptor pool without sets")
	}
	h, err := d.alloc(KindDescriptorPool)
	if err != nil {
		return 0, err
	}
	desc.Sizes = append([]gpu.DescriptorPoolSize(nil), desc.Sizes...)
	d.pools[gpu.DescriptorPool(h)] = &descriptorPool{desc: desc}
	return gpu.DescriptorPool(h), nil
}

func (d *Device) DestroyDescriptorPool(p gpu.DescriptorPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pool, ok := d.pools[p]
	if !d.free(KindDescriptorPool, uint64(p)) || !ok {
		return
	}
	for _, set := range pool.sets {
		d.free(KindDescriptorSet, uint64(set))
		delete(d.sets, set)
		delete(d.setUses, set)
	}
	delete(d.pools, p)
}

// AllocateDescriptorSet fails once the pool holds MaxSets sets or would
// exceed the descriptor count of a type.
func (d *Device) AllocateDescriptorSet(p gpu.DescriptorPool, layout gpu.DescriptorSetLayout) (gpu.DescriptorSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pool, ok := d.pools[p]
	if !ok {
		return 0, fmt.Errorf("allocate from unknown descriptor pool %d", p)
	}
	bindings, ok := d.setLayouts[layout]
	if !ok {
		return 0, fmt.Errorf("allocate with unknown set layout %d", layout)
	}
	if uint32(len(pool.sets)) >= pool.desc.MaxSets {
		return 0, fmt.Errorf("descriptor pool %d exhausted at %d sets", p, pool.desc.MaxSets)
	}
	for _, b := range bindings {
		used := d.poolUsageLocked(pool, b.Type) + b.Count
		if used > poolCapacity(pool.desc, b.Type) {
			return 0, fmt.Errorf("descriptor pool %d has no room for %d more descriptors of type %d", p, b.Count, b.Type)
		}
	}
	h, err := d.alloc(KindDescriptorSet)
	if err != nil {
		return 0, err
	}
	set := gpu.DescriptorSet(h)
	d.sets[set] = &descriptorSet{pool: p, layout: layout, writes: make(map[uint32]gpu.DescriptorWrite)}
	pool.sets = append(pool.sets, set)
	return set, nil
}

func poolCapacity(desc gpu.DescriptorPoolDesc, t gpu.DescriptorType) uint32 {
	n := uint32(0)
	for _, s := range desc.Sizes {
		if s.Type == t {
			n += s.Count
		}
	}
	return n
}

func (d *Device) poolUsageLocked(pool *descriptorPool, t gpu.DescriptorType) uint32 {
	n := uint32(0)
	for _, set := range pool.sets {
		for _, b := range d.setLayouts[d.sets[set].layout] {
			if b.Type == t {
				n += b.Count
			}
		}
	}
	return n
}

// UpdateDescriptorSet checks every write against the set's layout. Updating
// a set that an unfinished submission binds is reported as misuse.
func (d *Device) UpdateDescriptorSet(s gpu.DescriptorSet, writes []gpu.DescriptorWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.sets[s]
	if !ok {
		return fmt.Errorf("update of unknown descriptor set %d", s)
	}
	if use, ok := d.setUses[s]; ok && d.signals[use.fence] == use.signals {
		d.misuse = append(d.misuse, fmt.Sprintf("update of descriptor set %d still in use by fence %d", s, use.fence))
	}
	for _, w := range writes {
		if !layoutHas(d.setLayouts[set.layout], w.Binding, w.Type) {
			return fmt.Errorf("descriptor set %d has no binding %d of type %d", s, w.Binding, w.Type)
		}
		buf, ok := d.buffers[w.Buffer]
		if !ok {
			return fmt.Errorf("descriptor write of unknown buffer %d", w.Buffer)
		}
		if w.Offset+w.Range > buf.desc.Size {
			return fmt.Errorf("descriptor range %d+%d overflows buffer %q of %d bytes", w.Offset, w.Range, buf.desc.Label, buf.desc.Size)
		}
	}
	for _, w := range writes {
		set.writes[w.Binding] = w
	}
	return nil
}

func layoutHas(bindings []gpu.LayoutBinding, binding uint32, t gpu.DescriptorType) bool {
	for _, b := range bindings {
		if b.Binding == binding && b.Type == t {
			return true
		}
	}
	return false
}

// DescriptorWrites returns the last write of every binding of set.
func (d *Device) DescriptorWrites(s gpu.DescriptorSet) map[uint32]gpu.DescriptorWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.sets[s]
	if !ok {
		return nil
	}
	out := make(map[uint32]gpu.DescriptorWrite, len(set.writes))
	for k, v := range set.writes {
		out[k] = v
	}
	return out
}

func (d *Device) CreatePipelineLayout(sets []gpu.DescriptorSetLayout, ranges []gpu.PushConstantRange) (gpu.PipelineLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range sets {
		d.requireLive(KindSetLayout, uint64(s), "pipeline layout")
	}
	for _, r := range ranges {
		if r.Offset+r.Size > d.props.Limits.MaxPushConstantsSize {
			return 0, fmt.Errorf("push constant range %d+%d exceeds %d", r.Offset, r.Size, d.props.Limits.MaxPushConstantsSize)
		}
	}
	h, err := d.alloc(KindPipelineLayout)
	return gpu.PipelineLayout(h), err
}

func (d *Device) DestroyPipelineLayout(l gpu.PipelineLayout) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.free(KindPipelineLayout, uint64(l))
}

func (d *Device) CreateGraphicsPipeline(desc gpu.GraphicsPipelineDesc) (gpu.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requireLive(KindPipelineLayout, uint64(desc.Layout), "pipeline")
	d.requireLive(KindRenderPass, uint64(desc.RenderPass), "pipeline")
	for _, s := range desc.Stages {
		d.requireLive(KindShaderModule, uint64(s.Module), "pipeline")
	}
	h, err := d.alloc(KindPipeline)
	if err != nil {
		return 0, err
	}
	d.pipelines[gpu.Pipeline(h)] = desc
	return gpu.Pipeline(h), nil
}

func (d *Device) DestroyPipeline(p gpu.Pipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.free(KindPipeline, uint64(p)) {
		delete(d.pipelines, p)
	}
}

// AccelerationStructureSizes grows linearly with the primitive count.
func (d *Device) AccelerationStructureSizes(desc gpu.AccelerationGeometryDesc) (gpu.AccelerationSizes, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.props.RayTracing {
		return gpu.AccelerationSizes{}, core.ErrUnsupported
	}
	n := uint64(desc.PrimitiveCount())
	sizes := gpu.AccelerationSizes{
		StructureSize:    200 + 64*n,
		BuildScratchSize: 100 + 32*n,
	}
	if desc.Flags&gpu.AccelerationAllowUpdate != 0 {
		sizes.UpdateScratchSize = 50 + 16*n
	}
	return sizes, nil
}

func (d *Device) CreateAccelerationStructure(desc gpu.AccelerationStructureDesc) (gpu.AccelerationStructure, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.props.RayTracing {
		return 0, core.ErrUnsupported
	}
	buf, ok := d.buffers[desc.Buffer]
	if !ok {
		return 0, fmt.Errorf("acceleration structure on unknown buffer %d", desc.Buffer)
	}
	if desc.Offset+desc.Size > buf.desc.Size {
		return 0, fmt.Errorf("acceleration structure of %d bytes at %d overflows buffer of %d", desc.Size, desc.Offset, buf.desc.Size)
	}
	h, err := d.alloc(KindAccel)
	if err != nil {
		return 0, err
	}
	d.accels[gpu.AccelerationStructure(h)] = desc
	return gpu.AccelerationStructure(h), nil
}

func (d *Device) AccelerationStructureAddress(as gpu.AccelerationStructure) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.accels[as]; !ok {
		return 0, fmt.Errorf("address of unknown acceleration structure %d", as)
	}
	return uint64(as)<<20 | 0xA, nil
}

func (d *Device) DestroyAccelerationStructure(as gpu.AccelerationStructure) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.free(KindAccel, uint64(as)) {
		delete(d.accels, as)
	}
}

func (d *Device) AllocateCommandBuffer() (gpu.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.alloc(KindCommandBuffer)
	return gpu.CommandBuffer(h), err
}

func (d *Device) FreeCommandBuffer(cb gpu.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.free(KindCommandBuffer, uint64(cb)) {
		delete(d.commands, cb)
	}
}

func (d *Device) Begin(cb gpu.CommandBuffer, oneTimeSubmit bool) (gpu.Encoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return nil, core.ErrDeviceLost
	}
	if _, ok := d.live[KindCommandBuffer][uint64(cb)]; !ok {
		return nil, fmt.Errorf("begin on unknown command buffer %d", cb)
	}
	d.commands[cb] = nil
	return &Encoder{dev: d, cb: cb}, nil
}

func (d *Device) Submit(info gpu.SubmitInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return core.ErrDeviceLost
	}
	for _, cb := range info.CommandBuffers {
		d.requireLive(KindCommandBuffer, uint64(cb), "submit")
	}
	d.submits = append(d.submits, info)
	if info.Fence != 0 {
		if d.fences[info.Fence] {
			d.misuse = append(d.misuse, fmt.Sprintf("submit with signaled fence %d", info.Fence))
		}
		for _, cb := range info.CommandBuffers {
			for _, c := range d.commands[cb] {
				for _, set := range c.Sets {
					d.setUses[set] = setUse{fence: info.Fence, signals: d.signals[info.Fence]}
				}
			}
		}
		if d.holdFences {
			d.pending = append(d.pending, info.Fence)
		} else {
			d.signalLocked(info.Fence)
		}
	}
	return nil
}

func (d *Device) SubmitAndWait(cb gpu.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return core.ErrDeviceLost
	}
	d.requireLive(KindCommandBuffer, uint64(cb), "submit")
	d.submits = append(d.submits, gpu.SubmitInfo{CommandBuffers: []gpu.CommandBuffer{cb}})
	return nil
}

func (d *Device) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return core.ErrDeviceLost
	}
	d.completePendingLocked()
	return nil
}

func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
}

func (d *Device) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}
