package platform

import (
	"fmt"
	"runtime"

	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/spaghettifunk/mandrill/engine/core"
)

var startTime float64 = 0

func init() {
	// GLFW event handling must run on the main OS thread
	runtime.LockOSThread()
}

type Platform struct {
	Window *glfw.Window
	events *core.EventBus
	width  uint32
	height uint32
}

// New returns a platform that fires window events on events. Events may be
// nil.
func New(events *core.EventBus) *Platform {
	return &Platform{events: events}
}

func (p *Platform) Startup(cfg core.WindowConfig) error {
	if err := glfw.Init(); err != nil {
		core.LogError("failed to initialize glfw: %s", err)
		return err
	}
	if !glfw.VulkanSupported() {
		glfw.Terminate()
		return fmt.Errorf("glfw found no Vulkan loader: %w", core.ErrUnsupported)
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI) // Required for Vulkan.

	window, err := glfw.CreateWindow(int(cfg.Width), int(cfg.Height), cfg.Title, nil, nil)
	if err != nil {
		glfw.Terminate()
		core.LogError("failed to create window: %s", err)
		return err
	}
	p.Window = window

	w, h := window.GetFramebufferSize()
	p.width, p.height = uint32(w), uint32(h)

	p.Window.SetFramebufferSizeCallback(p.framebufferSizeCallback)
	p.Window.SetCloseCallback(p.closeCallback)
	p.Window.Show()

	startTime = glfw.GetTime()
	core.LogInfo("Window '%s' created at %dx%d.", cfg.Title, p.width, p.height)
	return nil
}

// RequiredExtensions lists the Vulkan instance extensions the window system
// needs for presenting.
func (p *Platform) RequiredExtensions() []string {
	return p.Window.GetRequiredInstanceExtensions()
}

// CreateSurface creates the window surface for a Vulkan instance and
// returns the raw handle.
func (p *Platform) CreateSurface(instance interface{}) (uintptr, error) {
	if p.Window == nil {
		return 0, fmt.Errorf("no window: %w", core.ErrPrecondition)
	}
	surface, err := p.Window.CreateWindowSurface(instance, nil)
	if err != nil {
		return 0, fmt.Errorf("creating window surface: %w", err)
	}
	return surface, nil
}

func (p *Platform) FramebufferSize() (uint32, uint32) {
	return p.width, p.height
}

// PumpMessages processes pending window events and reports whether the
// window is still open.
func (p *Platform) PumpMessages() bool {
	glfw.PollEvents()
	return !p.Window.ShouldClose()
}

// WaitMessages blocks until a window event arrives. It is used while the
// window is minimized.
func (p *Platform) WaitMessages() bool {
	glfw.WaitEvents()
	return !p.Window.ShouldClose()
}

func (p *Platform) Shutdown() error {
	if p.Window != nil {
		p.Window.Destroy()
		p.Window = nil
	}
	glfw.Terminate()
	return nil
}

// GetAbsoluteTime is the number of seconds since the window was created.
func GetAbsoluteTime() float64 {
	return glfw.GetTime() - startTime
}

func (p *Platform) framebufferSizeCallback(w *glfw.Window, width, height int) {
	p.width, p.height = uint32(width), uint32(height)
	if p.events != nil {
		p.events.Fire(core.EVENT_CODE_RESIZED, p, core.EventContext{Width: p.width, Height: p.height})
	}
}

func (p *Platform) closeCallback(w *glfw.Window) {
	if p.events != nil {
		p.events.Fire(core.EVENT_CODE_APPLICATION_QUIT, p, core.EventContext{})
	}
}
