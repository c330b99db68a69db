// Package swapchain cycles presentable images and the per-slot
// synchronization that keeps the host from reusing resources the device is
// still reading.
package swapchain

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/spaghettifunk/mandrill/engine/core"
	emath "github.com/spaghettifunk/mandrill/engine/math"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/resource"
)

const (
	DefaultFramesInFlight = 2
	defaultTimeout        = time.Second
)

type Options struct {
	// FramesInFlight is the number of frame slots. It is fixed for the
	// lifetime of the swapchain, recreation included.
	FramesInFlight uint32
	VSync          bool
	// Extent is used when the surface lets the swapchain choose its size.
	Extent         gpu.Extent2D
	AcquireTimeout time.Duration
	FenceTimeout   time.Duration
}

// Frame identifies one acquired image. Slot selects the synchronization set
// and per-slot resources, ImageIndex the presentable image.
type Frame struct {
	Slot       uint32
	ImageIndex uint32
	Number     uint64
}

type frameSync struct {
	imageAcquired  gpu.Semaphore
	renderComplete gpu.Semaphore
	inFlight       gpu.Fence
}

type Swapchain struct {
	dev     gpu.Device
	surface gpu.Surface
	opts    Options

	handle      gpu.Swapchain
	format      gpu.SurfaceFormat
	presentMode gpu.PresentMode
	extent      gpu.Extent2D
	images      []gpu.Image

	sync []frameSync
	// imagesInFlight holds, per image, the fence of the last frame that
	// rendered to it.
	imagesInFlight []gpu.Fence

	acquired  uint64
	slot      uint32
	frame     uint64
	pending   bool
	recreated bool

	retirement *resource.RetirementQueue
	listeners  []func(*Swapchain) error
}

func New(dev gpu.Device, surface gpu.Surface, opts Options) (*Swapchain, error) {
	if opts.FramesInFlight == 0 {
		opts.FramesInFlight = DefaultFramesInFlight
	}
	if opts.AcquireTimeout == 0 {
		opts.AcquireTimeout = defaultTimeout
	}
	if opts.FenceTimeout == 0 {
		opts.FenceTimeout = defaultTimeout
	}
	s := &Swapchain{
		dev:     dev,
		surface: surface,
		opts:    opts,
	}
	if err := s.create(opts.Extent, 0, true); err != nil {
		return nil, err
	}
	s.retirement = resource.NewRetirementQueue(s.opts.FramesInFlight)
	return s, nil
}

func (s *Swapchain) create(desired gpu.Extent2D, old gpu.Swapchain, initial bool) error {
	caps, err := s.dev.SurfaceCapabilities(s.surface)
	if err != nil {
		return fmt.Errorf("querying surface: %w", err)
	}
	if len(caps.Formats) == 0 {
		return fmt.Errorf("surface reports no formats: %w", core.ErrUnsupportedFormat)
	}

	s.format = caps.Formats[0]
	for _, f := range caps.Formats {
		if f.Format == gpu.FormatB8G8R8A8Unorm && f.ColorSpace == gpu.ColorSpaceSrgbNonlinear {
			s.format = f
			break
		}
	}
	s.presentMode = choosePresentMode(caps.PresentModes, s.opts.VSync)

	extent := desired
	if caps.CurrentExtent.Width != math.MaxUint32 {
		extent = caps.CurrentExtent
	}
	extent.Width = emath.Clamp(extent.Width, caps.MinExtent.Width, caps.MaxExtent.Width)
	extent.Height = emath.Clamp(extent.Height, caps.MinExtent.Height, caps.MaxExtent.Height)
	if extent.Empty() {
		return fmt.Errorf("surface extent is %dx%d: %w", extent.Width, extent.Height, core.ErrOutOfDate)
	}

	imageCount := caps.MinImageCount + 1
	if imageCount < s.opts.FramesInFlight {
		imageCount = s.opts.FramesInFlight
	}
	if caps.MaxImageCount > 0 && imageCount > caps.MaxImageCount {
		imageCount = caps.MaxImageCount
	}
	// frame slots, their sync objects and everything the renderer keeps per
	// slot are sized once, so a recreate cannot lower the count
	if !initial && imageCount < s.opts.FramesInFlight {
		return fmt.Errorf("surface allows %d images, fewer than %d frames in flight: %w", imageCount, s.opts.FramesInFlight, core.ErrUnsupported)
	}

	handle, images, err := s.dev.CreateSwapchain(gpu.SwapchainDesc{
		Surface:     s.surface,
		Format:      s.format,
		Extent:      extent,
		ImageCount:  imageCount,
		PresentMode: s.presentMode,
		Old:         old,
	})
	if err != nil {
		return fmt.Errorf("creating swapchain: %w", err)
	}

	if uint32(len(images)) < s.opts.FramesInFlight {
		if !initial {
			s.dev.DestroySwapchain(handle)
			return fmt.Errorf("recreated swapchain has %d images, fewer than %d frames in flight: %w", len(images), s.opts.FramesInFlight, core.ErrUnsupported)
		}
		core.LogWarn("swapchain has %d images, lowering frames in flight from %d", len(images), s.opts.FramesInFlight)
		s.opts.FramesInFlight = uint32(len(images))
	}

	sync, err := s.createSync()
	if err != nil {
		s.dev.DestroySwapchain(handle)
		return err
	}

	s.handle = handle
	s.images = images
	s.extent = extent
	s.sync = sync
	s.imagesInFlight = make([]gpu.Fence, len(images))
	s.acquired = 0
	s.slot = 0
	s.pending = false

	core.LogInfo("swapchain created: %dx%d %s, %d images, %d frames in flight",
		extent.Width, extent.Height, s.format.Format, len(images), s.opts.FramesInFlight)
	return nil
}

func choosePresentMode(modes []gpu.PresentMode, vsync bool) gpu.PresentMode {
	if vsync {
		return gpu.PresentModeFifo
	}
	has := func(m gpu.PresentMode) bool {
		for _, mode := range modes {
			if mode == m {
				return true
			}
		}
		return false
	}
	switch {
	case has(gpu.PresentModeMailbox):
		return gpu.PresentModeMailbox
	case has(gpu.PresentModeImmediate):
		return gpu.PresentModeImmediate
	}
	return gpu.PresentModeFifo
}

// createSync builds one semaphore pair and fence per frame slot. Fences
// start signaled so the first wait on each slot returns at once.
func (s *Swapchain) createSync() ([]frameSync, error) {
	sync := make([]frameSync, 0, s.opts.FramesInFlight)
	fail := func(err error) ([]frameSync, error) {
		for _, fs := range sync {
			s.destroyFrameSync(fs)
		}
		return nil, fmt.Errorf("creating frame synchronization: %w", err)
	}
	for i := uint32(0); i < s.opts.FramesInFlight; i++ {
		var fs frameSync
		var err error
		if fs.imageAcquired, err = s.dev.CreateSemaphore(); err != nil {
			return fail(err)
		}
		if fs.renderComplete, err = s.dev.CreateSemaphore(); err != nil {
			s.dev.DestroySemaphore(fs.imageAcquired)
			return fail(err)
		}
		if fs.inFlight, err = s.dev.CreateFence(true); err != nil {
			s.dev.DestroySemaphore(fs.imageAcquired)
			s.dev.DestroySemaphore(fs.renderComplete)
			return fail(err)
		}
		sync = append(sync, fs)
	}
	return sync, nil
}

func (s *Swapchain) destroyFrameSync(fs frameSync) {
	s.dev.DestroySemaphore(fs.imageAcquired)
	s.dev.DestroySemaphore(fs.renderComplete)
	s.dev.DestroyFence(fs.inFlight)
}

func (s *Swapchain) waitFence(f gpu.Fence, what string) error {
	err := s.dev.WaitFence(f, s.opts.FenceTimeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrDeviceLost):
		return err
	case errors.Is(err, core.ErrTimeout):
		return fmt.Errorf("%s: %w: %w", what, core.ErrDeviceLost, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// AcquireNextImage waits for the next frame slot to retire, runs its pending
// destructions and acquires a presentable image for it. The slot advances by
// one on every call, failed ones included.
//
// ErrOutOfDate means the surface changed; call Recreate and try again.
func (s *Swapchain) AcquireNextImage() (Frame, error) {
	if s.handle == 0 {
		return Frame{}, fmt.Errorf("acquire on destroyed swapchain: %w", core.ErrDestroyed)
	}
	if err := core.Assert(!s.pending, "frame %d acquired but never submitted", s.frame); err != nil {
		return Frame{}, err
	}

	slot := uint32(s.acquired % uint64(s.opts.FramesInFlight))
	s.acquired++
	s.slot = slot
	s.frame++
	fs := s.sync[slot]

	if err := s.waitFence(fs.inFlight, fmt.Sprintf("frame slot %d", slot)); err != nil {
		return Frame{}, err
	}
	s.retirement.Begin(slot)

	idx, err := s.dev.AcquireNextImage(s.handle, s.opts.AcquireTimeout, fs.imageAcquired)
	if err != nil {
		if errors.Is(err, core.ErrTimeout) {
			return Frame{}, fmt.Errorf("acquiring image: %w: %w", core.ErrDeviceLost, err)
		}
		return Frame{}, fmt.Errorf("acquiring image: %w", err)
	}

	// An earlier slot may still be rendering to this image.
	if prev := s.imagesInFlight[idx]; prev != 0 && prev != fs.inFlight {
		if err := s.waitFence(prev, fmt.Sprintf("image %d", idx)); err != nil {
			return Frame{}, err
		}
	}
	s.imagesInFlight[idx] = fs.inFlight

	// Reset only once an image is secured, so a failed acquire leaves the
	// fence signaled for the next wait on this slot.
	if err := s.dev.ResetFence(fs.inFlight); err != nil {
		return Frame{}, fmt.Errorf("resetting fence of slot %d: %w", slot, err)
	}

	s.pending = true
	s.recreated = false
	return Frame{Slot: slot, ImageIndex: idx, Number: s.frame}, nil
}

func (s *Swapchain) checkCurrent(f Frame) error {
	return core.Assert(s.pending && f.Number == s.frame && f.Slot == s.slot,
		"frame %d (slot %d) is not the current frame %d (slot %d)", f.Number, f.Slot, s.frame, s.slot)
}

// Submit queues the frame's command buffers. They wait for the image to be
// acquired before writing color output, then signal render completion and
// the slot fence.
func (s *Swapchain) Submit(f Frame, cmds ...gpu.CommandBuffer) error {
	if err := s.checkCurrent(f); err != nil {
		return err
	}
	fs := s.sync[f.Slot]
	err := s.dev.Submit(gpu.SubmitInfo{
		CommandBuffers: cmds,
		Wait:           []gpu.Semaphore{fs.imageAcquired},
		WaitStages:     []gpu.PipelineStage{gpu.PipelineStageColorAttachmentOutput},
		Signal:         []gpu.Semaphore{fs.renderComplete},
		Fence:          fs.inFlight,
	})
	if err != nil {
		return fmt.Errorf("submitting frame %d: %w", f.Number, err)
	}
	s.pending = false
	return nil
}

// Abandon completes an acquired frame whose recording failed: it submits no
// work so the slot fence and semaphores stay balanced, then presents the
// image. Present errors are logged, not returned.
func (s *Swapchain) Abandon(f Frame) error {
	if !s.pending || f.Number != s.frame {
		return nil
	}
	if err := s.Submit(f); err != nil {
		return err
	}
	if err := s.Present(f); err != nil {
		core.LogWarn("presenting abandoned frame %d: %v", f.Number, err)
	}
	return nil
}

// Present returns the image to the surface once rendering completed.
// ErrOutOfDate is recoverable: recreate before the next acquire.
func (s *Swapchain) Present(f Frame) error {
	if err := core.Assert(f.Number == s.frame && !s.pending, "present of frame %d before its submission", f.Number); err != nil {
		return err
	}
	if err := s.dev.Present(s.handle, f.ImageIndex, s.sync[f.Slot].renderComplete); err != nil {
		return fmt.Errorf("presenting image %d: %w", f.ImageIndex, err)
	}
	return nil
}

// Recreate replaces the swapchain and every synchronization primitive after
// the device went idle. The frame slot restarts at zero; the number of
// frames in flight is kept. A surface that no longer allows that many
// images fails with core.ErrUnsupported and the old chain stays in use.
func (s *Swapchain) Recreate(extent gpu.Extent2D) error {
	if err := s.dev.WaitIdle(); err != nil {
		return fmt.Errorf("waiting for idle before recreate: %w", err)
	}
	s.retirement.FlushAll()

	old := s.handle
	oldSync := s.sync
	if err := s.create(extent, old, false); err != nil {
		return err
	}
	for _, fs := range oldSync {
		s.destroyFrameSync(fs)
	}
	if old != 0 {
		s.dev.DestroySwapchain(old)
	}
	s.recreated = true

	for _, fn := range s.listeners {
		if err := fn(s); err != nil {
			return fmt.Errorf("swapchain recreate listener: %w", err)
		}
	}
	return nil
}

// OnRecreate registers fn to run after every successful Recreate.
func (s *Swapchain) OnRecreate(fn func(*Swapchain) error) {
	s.listeners = append(s.listeners, fn)
}

// Retire defers destroy until every frame in flight has completed.
func (s *Swapchain) Retire(label string, destroy func()) {
	s.retirement.Retire(label, destroy)
}

func (s *Swapchain) Retirement() *resource.RetirementQueue {
	return s.retirement
}

// InFlightIndex is the slot of the most recently acquired frame.
func (s *Swapchain) InFlightIndex() uint32 {
	return s.slot
}

func (s *Swapchain) PreviousInFlightIndex() uint32 {
	return (s.slot + s.opts.FramesInFlight - 1) % s.opts.FramesInFlight
}

func (s *Swapchain) FramesInFlight() uint32 {
	return s.opts.FramesInFlight
}

func (s *Swapchain) ImageCount() uint32 {
	return uint32(len(s.images))
}

func (s *Swapchain) Images() []gpu.Image {
	return append([]gpu.Image(nil), s.images...)
}

func (s *Swapchain) Extent() gpu.Extent2D {
	return s.extent
}

func (s *Swapchain) Format() gpu.Format {
	return s.format.Format
}

func (s *Swapchain) PresentMode() gpu.PresentMode {
	return s.presentMode
}

// Recreated reports whether the swapchain was rebuilt since the last
// successful acquire.
func (s *Swapchain) Recreated() bool {
	return s.recreated
}

// FrameNumber counts acquire calls over the swapchain lifetime.
func (s *Swapchain) FrameNumber() uint64 {
	return s.frame
}

func (s *Swapchain) Destroy() {
	if s.handle == 0 {
		return
	}
	if err := s.dev.WaitIdle(); err != nil {
		core.LogWarn("destroying swapchain without idle device: %v", err)
	}
	s.retirement.FlushAll()
	for _, fs := range s.sync {
		s.destroyFrameSync(fs)
	}
	s.sync = nil
	s.dev.DestroySwapchain(s.handle)
	s.handle = 0
	s.images = nil
}
