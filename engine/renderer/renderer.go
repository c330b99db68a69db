// Package renderer runs the frame loop: it acquires a swapchain image,
// brings the scene and its acceleration structures up to date, records the
// caller's draw work inside the main pass and presents the result.
package renderer

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/accel"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/pipeline"
	"github.com/spaghettifunk/mandrill/engine/renderer/resource"
	"github.com/spaghettifunk/mandrill/engine/renderer/swapchain"
	"github.com/spaghettifunk/mandrill/engine/scene"
)

type Options struct {
	Surface   gpu.Surface
	Swapchain swapchain.Options
	// Samples is lowered to the highest count the device supports.
	Samples gpu.SampleCount
	// RayTracing builds acceleration structures every frame. It is turned
	// off with a warning on devices without ray tracing.
	RayTracing bool
	Accel      accel.Options
	ClearColor [4]float32
	// Events receives swapchain recreation and device loss. May be nil.
	Events *core.EventBus
	// Camera defaults to scene.NewCamera.
	Camera *scene.Camera
}

func OptionsFromConfig(cfg *core.Config, surface gpu.Surface) Options {
	return Options{
		Surface: surface,
		Swapchain: swapchain.Options{
			FramesInFlight: cfg.Renderer.FramesInFlight,
			VSync:          cfg.Renderer.VSync,
			Extent:         gpu.Extent2D{Width: cfg.Window.Width, Height: cfg.Window.Height},
			AcquireTimeout: cfg.AcquireTimeout(),
			FenceTimeout:   cfg.FenceTimeout(),
		},
		Samples:    gpu.SampleCount(cfg.Renderer.SampleCount),
		RayTracing: cfg.Renderer.RayTracing,
		Accel:      accel.OptionsFromConfig(cfg.Accel),
		ClearColor: [4]float32{0, 0, 0, 1},
	}
}

// FrameContext is handed to the record callback of DrawFrame while the
// main pass is open.
type FrameContext struct {
	Frame   swapchain.Frame
	Encoder gpu.Encoder
	Pass    *pipeline.Pass
	Scene   *scene.Scene
	Camera  *scene.Camera
	// Instances is the traversal of this frame, in draw order.
	Instances []scene.Instance
	// TopLevel is nil without ray tracing.
	TopLevel  *accel.TopLevel
	DeltaTime float64

	layout *pipeline.Layout
	sets   []gpu.DescriptorSet
}

type Renderer struct {
	dev       gpu.Device
	events    *core.EventBus
	swapchain *swapchain.Swapchain
	pass      *pipeline.Pass
	scene     *scene.Scene
	camera    *scene.Camera
	frames    *frameResources
	commands  []gpu.CommandBuffer
	clear     gpu.ClearValue

	bottom *accel.BottomLevel
	top    *accel.TopLevel
	// scene counters the top level was last built or refit at, the
	// generation per frame slot
	topMembership  uint64
	topGenerations []uint64

	extent  gpu.Extent2D
	resized bool

	clock     *core.Clock
	lastTime  float64
	metrics   *core.Metrics
	destroyed bool
}

// New creates the swapchain, the main pass over its images and one command
// buffer per frame slot, and uploads s. With ray tracing enabled the bottom
// level structures of s are built before New returns.
func New(dev gpu.Device, s *scene.Scene, opts Options) (*Renderer, error) {
	r := &Renderer{
		dev:     dev,
		events:  opts.Events,
		scene:   s,
		camera:  opts.Camera,
		extent:  opts.Swapchain.Extent,
		clock:   core.NewClock(),
		metrics: core.NewMetrics(),
		clear:   gpu.ClearValue{Color: opts.ClearColor, Depth: 1},
	}
	if r.camera == nil {
		r.camera = scene.NewCamera()
	}
	fail := func(err error) (*Renderer, error) {
		r.Destroy()
		return nil, err
	}

	var err error
	if r.swapchain, err = swapchain.New(dev, opts.Surface, opts.Swapchain); err != nil {
		return fail(fmt.Errorf("creating swapchain: %w", err))
	}
	if r.extent.Empty() {
		r.extent = r.swapchain.Extent()
	}

	depth, err := gpu.FindDepthFormat(dev)
	if err != nil {
		return fail(err)
	}
	samples := opts.Samples
	if samples == 0 {
		samples = gpu.SampleCount1
	}
	if maxSamples := gpu.MaxSampleCount(dev.Properties().Limits); samples > maxSamples {
		core.LogWarn("sample count %d not supported, using %d", samples, maxSamples)
		samples = maxSamples
	}
	r.pass, err = pipeline.NewSwapchainPass(dev, r.swapchain, pipeline.PassDesc{
		Name:        "main",
		DepthFormat: depth,
		Samples:     samples,
		ColorLoad:   gpu.LoadOpClear,
		ColorStore:  gpu.StoreOpStore,
	})
	if err != nil {
		return fail(fmt.Errorf("creating main pass: %w", err))
	}

	for i := uint32(0); i < r.swapchain.FramesInFlight(); i++ {
		cb, err := dev.AllocateCommandBuffer()
		if err != nil {
			return fail(fmt.Errorf("allocating command buffer %d: %w", i, err))
		}
		r.commands = append(r.commands, cb)
	}
	if r.frames, err = newFrameResources(dev, r.swapchain, r.swapchain.FramesInFlight()); err != nil {
		return fail(err)
	}

	if s.MeshCount() > 0 {
		if err := s.SyncToDevice(dev, r.swapchain); err != nil {
			return fail(fmt.Errorf("uploading scene: %w", err))
		}
	}

	if opts.RayTracing && !dev.Properties().RayTracing {
		core.LogWarn("device %s has no ray tracing support, acceleration structures disabled", dev.Properties().DeviceName)
		opts.RayTracing = false
	}
	if opts.RayTracing {
		r.bottom = accel.NewBottomLevel(dev, r.swapchain, opts.Accel)
		if s.MeshCount() > 0 {
			if err := r.bottom.Build(s); err != nil {
				return fail(err)
			}
		}
		r.top = accel.NewTopLevel(dev, r.swapchain, r.bottom, r.swapchain.FramesInFlight(), opts.Accel)
		r.topGenerations = make([]uint64, r.swapchain.FramesInFlight())
	}

	r.clock.Start()
	core.LogInfo("renderer ready: %dx%d, %d frames in flight, %d samples, ray tracing %t",
		r.swapchain.Extent().Width, r.swapchain.Extent().Height, r.swapchain.FramesInFlight(), samples, r.top != nil)
	return r, nil
}

// Resize records the new framebuffer size. The swapchain is recreated at
// the start of the next frame.
func (r *Renderer) Resize(width, height uint32) {
	r.extent = gpu.Extent2D{Width: width, Height: height}
	r.resized = true
}

func (r *Renderer) recreate() error {
	if err := r.swapchain.Recreate(r.extent); err != nil {
		return r.checkLost(fmt.Errorf("recreating swapchain: %w", err))
	}
	r.resized = false
	ext := r.swapchain.Extent()
	core.LogDebug("swapchain recreated at %dx%d", ext.Width, ext.Height)
	if r.events != nil {
		r.events.Fire(core.EVENT_CODE_SWAPCHAIN_RECREATED, r, core.EventContext{Width: ext.Width, Height: ext.Height})
	}
	return nil
}

func (r *Renderer) checkLost(err error) error {
	if errors.Is(err, core.ErrDeviceLost) && r.events != nil {
		r.events.Fire(core.EVENT_CODE_DEVICE_LOST, r, core.EventContext{Err: err})
	}
	return err
}

// DrawFrame renders one frame. record is called with the main pass begun on
// the acquired image and may be nil.
//
// ErrOutOfDate means the swapchain was recreated and the frame dropped; the
// caller simply draws again. ErrDeviceLost requires tearing the renderer
// down. A frame with an empty framebuffer, as when the window is minimized,
// is skipped without error.
func (r *Renderer) DrawFrame(record func(FrameContext) error) error {
	if r.destroyed {
		return fmt.Errorf("draw on destroyed renderer: %w", core.ErrDestroyed)
	}
	if r.extent.Empty() {
		return nil
	}
	if r.resized {
		if err := r.recreate(); err != nil {
			return err
		}
	}

	frame, err := r.swapchain.AcquireNextImage()
	if err != nil {
		if errors.Is(err, core.ErrOutOfDate) {
			if rerr := r.recreate(); rerr != nil {
				return rerr
			}
		}
		return r.checkLost(err)
	}

	if err := r.prepareScene(); err != nil {
		return r.abandon(frame, err)
	}

	r.clock.Update()
	now := r.clock.Elapsed()
	delta := now - r.lastTime
	r.lastTime = now

	r.scene.BeginFrame()
	err = r.record(frame, delta, record)
	r.scene.EndFrame()
	if err != nil {
		// builds recorded into the dropped command buffer never ran
		if r.top != nil {
			r.top.Discard(frame.Slot)
		}
		return r.abandon(frame, err)
	}

	if err := r.swapchain.Submit(frame, r.commands[frame.Slot]); err != nil {
		return r.checkLost(err)
	}
	if err := r.swapchain.Present(frame); err != nil {
		if errors.Is(err, core.ErrOutOfDate) {
			if rerr := r.recreate(); rerr != nil {
				return rerr
			}
		}
		return r.checkLost(err)
	}
	r.metrics.Update(delta)
	return nil
}

// prepareScene uploads changed geometry and builds bottom level structures
// for meshes added since the last frame. It runs before the scene is marked as recording.
func (r *Renderer) prepareScene() error {
	if r.scene.MeshCount() == 0 {
		return nil
	}
	if err := r.scene.SyncToDevice(r.dev, r.swapchain); err != nil {
		return fmt.Errorf("uploading scene: %w", err)
	}
	if r.bottom != nil {
		if err := r.bottom.Build(r.scene); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) record(frame swapchain.Frame, delta float64, fn func(FrameContext) error) error {
	enc, err := r.dev.Begin(r.commands[frame.Slot], true)
	if err != nil {
		return fmt.Errorf("beginning frame %d: %w", frame.Number, err)
	}
	instances := r.scene.Instances()
	if err := r.updateTopLevel(enc, frame.Slot, instances); err != nil {
		return err
	}
	if r.scene.MeshCount() > 0 {
		ext := r.swapchain.Extent()
		aspect := float32(ext.Width) / float32(ext.Height)
		if err := r.frames.update(frame.Slot, r.camera, aspect, r.scene); err != nil {
			return err
		}
	}
	if err := r.pass.Begin(enc, int(frame.ImageIndex), r.clear); err != nil {
		return err
	}
	if fn != nil {
		err = fn(FrameContext{
			Frame:     frame,
			Encoder:   enc,
			Pass:      r.pass,
			Scene:     r.scene,
			Camera:    r.camera,
			Instances: instances,
			TopLevel:  r.top,
			DeltaTime: delta,
			layout:    r.frames.layout,
			sets:      r.frames.sets(frame.Slot),
		})
		if err != nil {
			return fmt.Errorf("recording frame %d: %w", frame.Number, err)
		}
	}
	r.pass.End(enc)
	if err := enc.End(); err != nil {
		return fmt.Errorf("ending frame %d: %w", frame.Number, err)
	}
	return nil
}

// updateTopLevel builds the top level of slot after membership changes and
// refits it after transform-only changes. Nothing is recorded when the
// slot's structure already reflects the scene.
func (r *Renderer) updateTopLevel(enc gpu.Encoder, slot uint32, instances []scene.Instance) error {
	if r.top == nil || len(instances) == 0 {
		return nil
	}
	membership, generation := r.scene.Membership(), r.scene.Generation()
	if membership != r.topMembership {
		r.top.MarkStale()
	}

	switch r.top.State() {
	case accel.StateBuilt:
		if r.top.Current(slot) && generation == r.topGenerations[slot] {
			return nil
		}
		err := r.top.Refit(enc, slot, instances)
		if err == nil {
			break
		}
		if !errors.Is(err, core.ErrPrecondition) {
			return err
		}
		// the bottom level changed under the top level
		if err := r.top.Build(enc, slot, instances); err != nil {
			return err
		}
	default:
		if err := r.top.Build(enc, slot, instances); err != nil {
			return err
		}
	}
	r.topMembership = membership
	r.topGenerations[slot] = generation
	return nil
}

// abandon completes an acquired frame whose recording failed so the slot's
// synchronization stays balanced.
func (r *Renderer) abandon(frame swapchain.Frame, err error) error {
	if aerr := r.swapchain.Abandon(frame); aerr != nil {
		core.LogWarn("abandoning frame %d: %v", frame.Number, aerr)
	}
	return r.checkLost(err)
}

func (r *Renderer) Swapchain() *swapchain.Swapchain {
	return r.swapchain
}

func (r *Renderer) Pass() *pipeline.Pass {
	return r.pass
}

func (r *Renderer) Scene() *scene.Scene {
	return r.scene
}

func (r *Renderer) Camera() *scene.Camera {
	return r.camera
}

// Layout is the scene pipeline layout. Pipelines drawn through
// FrameContext.Draw must be built against it or a compatible layout.
func (r *Renderer) Layout() *pipeline.Layout {
	return r.frames.layout
}

func (r *Renderer) TopLevel() *accel.TopLevel {
	return r.top
}

func (r *Renderer) BottomLevel() *accel.BottomLevel {
	return r.bottom
}

// Retirer defers destruction of objects frames in flight may still use.
func (r *Renderer) Retirer() resource.Retirer {
	return r.swapchain
}

// Metrics returns the frames per second and the average frame time in
// milliseconds.
func (r *Renderer) Metrics() (float64, float64) {
	return r.metrics.Frame()
}

// Destroy waits for the device and releases every object the renderer
// created. The scene keeps its host data.
func (r *Renderer) Destroy() {
	if r.destroyed {
		return
	}
	r.destroyed = true
	if err := r.dev.WaitIdle(); err != nil {
		core.LogWarn("destroying renderer without idle device: %v", err)
	}
	if r.top != nil {
		r.top.Destroy()
	}
	if r.bottom != nil {
		r.bottom.Destroy()
	}
	if r.pass != nil {
		r.pass.Destroy()
	}
	if r.frames != nil {
		r.frames.destroy()
	}
	if r.swapchain != nil {
		r.scene.Release(r.swapchain)
	}
	for _, cb := range r.commands {
		r.dev.FreeCommandBuffer(cb)
	}
	r.commands = nil
	if r.swapchain != nil {
		r.swapchain.Destroy()
	}
}
