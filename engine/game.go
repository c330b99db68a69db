package engine

import (
	"github.com/spaghettifunk/mandrill/engine/renderer"
)

// Game is the set of callbacks the engine drives. Every function except
// FnRender may be nil.
type Game struct {
	ApplicationConfig *ApplicationConfig
	State             interface{}
	FnInitialize      Initialize
	FnUpdate          Update
	FnRender          Render
	FnOnResize        OnResize
	FnShutdown        Shutdown
}

// Initialize runs once the device, the renderer and the scene exist. It is
// where pipelines are created.
type Initialize func(e *Engine) error

// Update mutates the scene between frames.
type Update func(e *Engine, deltaTime float64) error

// Render records draw work inside the main pass.
type Render func(frame renderer.FrameContext) error

type OnResize func(width uint32, height uint32) error
type Shutdown func() error
