package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/spaghettifunk/mandrill/engine/assets"
	"github.com/spaghettifunk/mandrill/engine/assets/loaders"
	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/platform"
	"github.com/spaghettifunk/mandrill/engine/renderer"
	"github.com/spaghettifunk/mandrill/engine/renderer/pipeline"
	"github.com/spaghettifunk/mandrill/engine/renderer/vulkan"
	"github.com/spaghettifunk/mandrill/engine/scene"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

type Engine struct {
	currentStage Stage
	gameInstance *Game
	config       *core.Config
	events       *core.EventBus
	platform     *platform.Platform
	device       *vulkan.Device
	scene        *scene.Scene
	renderer     *renderer.Renderer

	shaders   *loaders.ShaderLoader
	watcher   *assets.Watcher
	reloader  *pipeline.Reloader
	pipelines []*pipeline.Watched

	isRunning   bool
	isSuspended bool
	width       uint32
	height      uint32
}

// New validates the configuration of g and applies its log settings.
// Nothing is created until Initialize.
func New(g *Game) (*Engine, error) {
	if g == nil || g.FnRender == nil {
		return nil, fmt.Errorf("game needs a render function: %w", core.ErrPrecondition)
	}
	if g.ApplicationConfig == nil {
		g.ApplicationConfig = &ApplicationConfig{}
	}
	cfg := g.ApplicationConfig.Config
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Apply(); err != nil {
		return nil, err
	}
	if g.ApplicationConfig.ShaderExt == "" {
		g.ApplicationConfig.ShaderExt = "wgsl"
	}

	events := core.NewEventBus()
	return &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		config:       cfg,
		events:       events,
		platform:     platform.New(events),
		scene:        scene.New(),
		shaders:      loaders.NewShaderLoader(),
		width:        cfg.Window.Width,
		height:       cfg.Window.Height,
	}, nil
}

// Initialize opens the window, creates the device and the renderer, imports
// the configured scene and hands control to the game's initializer.
func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing

	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	e.events.Register(core.EVENT_CODE_RESIZED, e, e.onResized)
	e.events.Register(core.EVENT_CODE_DEVICE_LOST, e, e.onEvent)

	if err := e.platform.Startup(e.config.Window); err != nil {
		return err
	}
	e.width, e.height = e.platform.FramebufferSize()

	dev, err := vulkan.New(vulkan.Options{
		AppName:    e.config.Engine.Name,
		Extensions: e.platform.RequiredExtensions(),
		Validation: e.config.Renderer.Validation,
		Surface:    e.platform.CreateSurface,
	})
	if err != nil {
		return err
	}
	e.device = dev

	if path := e.gameInstance.ApplicationConfig.ScenePath; path != "" {
		models := &loaders.ModelLoader{CheckTextures: true}
		nodes, err := e.scene.AddNodesFromFile(path, &loaders.SceneLoader{}, models, scene.NoNode)
		if err != nil {
			return fmt.Errorf("loading scene: %w", err)
		}
		core.LogInfo("Scene %s loaded: %d nodes, %d meshes.", path, len(nodes), e.scene.MeshCount())
	}

	opts := renderer.OptionsFromConfig(e.config, vulkan.SurfaceHandle)
	opts.Swapchain.Extent.Width, opts.Swapchain.Extent.Height = e.width, e.height
	opts.Events = e.events
	r, err := renderer.New(e.device, e.scene, opts)
	if err != nil {
		return err
	}
	e.renderer = r

	if e.config.Renderer.HotReload {
		if err := e.startReloader(); err != nil {
			core.LogWarn("shader hot reload disabled: %s", err)
		}
	}

	if fn := e.gameInstance.FnInitialize; fn != nil {
		if err := fn(e); err != nil {
			return err
		}
	}
	if fn := e.gameInstance.FnOnResize; fn != nil {
		if err := fn(e.width, e.height); err != nil {
			return err
		}
	}
	e.currentStage = EngineStageInitialized
	return nil
}

func (e *Engine) startReloader() error {
	w, err := assets.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.AddRecursive(e.config.Renderer.ShaderDir); err != nil {
		w.Close()
		return err
	}
	e.watcher = w
	e.reloader = pipeline.NewReloader(w, e.shaders, e.events)
	core.LogInfo("Watching %s for shader changes.", e.config.Renderer.ShaderDir)
	return nil
}

// LoadPipeline builds the named vertex and fragment shaders of the shader
// directory into a pipeline for the main pass, built against the
// renderer's scene layout. With hot reload on, edits to the
// shader files replace the pipeline between frames.
func (e *Engine) LoadPipeline(name string) (*pipeline.Watched, error) {
	if e.renderer == nil {
		return nil, fmt.Errorf("load pipeline %s before Initialize: %w", name, core.ErrPrecondition)
	}
	sources := pipeline.SceneShaders(e.config.Renderer.ShaderDir, name, e.gameInstance.ApplicationConfig.ShaderExt)
	stages, err := pipeline.LoadStages(e.shaders, sources...)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.NewPipeline(e.device, e.renderer.Retirer(), e.renderer.Pass(), e.renderer.Layout(), pipeline.DefaultPipelineDesc(name, stages...))
	if err != nil {
		return nil, err
	}

	var w *pipeline.Watched
	if e.reloader != nil {
		w = e.reloader.Watch(p, sources...)
	} else {
		w = pipeline.Fixed(p)
	}
	e.pipelines = append(e.pipelines, w)
	return w, nil
}

// Run drives the frame loop until the window closes, the game asks to quit
// or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("run before Initialize: %w", core.ErrPrecondition)
	}
	e.currentStage = EngineStageRunning
	e.isRunning = true

	clock := core.NewClock()
	clock.Start()
	lastTime := clock.Elapsed()

	for e.isRunning {
		if ctx.Err() != nil {
			core.LogInfo("Context cancelled, shutting down.")
			break
		}
		if e.isSuspended {
			if !e.platform.WaitMessages() {
				break
			}
			continue
		}
		if !e.platform.PumpMessages() {
			break
		}

		clock.Update()
		now := clock.Elapsed()
		delta := now - lastTime
		lastTime = now

		if e.reloader != nil {
			if n, err := e.reloader.Poll(); err != nil {
				core.LogWarn("shader reload: %s", err)
			} else if n > 0 {
				core.LogDebug("%d pipelines reloaded", n)
			}
		}

		if fn := e.gameInstance.FnUpdate; fn != nil {
			if err := fn(e, delta); err != nil {
				core.LogError("Game update failed, shutting down.")
				return err
			}
		}

		err := e.renderer.DrawFrame(e.gameInstance.FnRender)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrOutOfDate):
			// swapchain already recreated, draw again next iteration
			core.LogDebug("frame dropped: %s", err)
		case errors.Is(err, core.ErrDeviceLost):
			core.LogError("Device lost, shutting down.")
			return err
		default:
			core.LogError("Game render failed, shutting down.")
			return err
		}
	}
	return nil
}

// Shutdown releases everything Initialize created in reverse order. It is
// safe to call after a failed Initialize.
func (e *Engine) Shutdown() error {
	e.currentStage = EngineStageShuttingDown
	e.isRunning = false

	var errs []error
	if fn := e.gameInstance.FnShutdown; fn != nil {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.watcher != nil {
		if err := e.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range e.pipelines {
		w.Current().Destroy()
	}
	e.pipelines = nil
	if e.renderer != nil {
		e.renderer.Destroy()
		fps, frameTime := e.renderer.Metrics()
		core.LogInfo("Average %.1f fps (%.2fms per frame).", fps, frameTime)
	}
	if e.device != nil {
		e.device.Destroy()
	}
	e.events.Shutdown()
	if err := e.platform.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	e.currentStage = EngineStageUninitialized
	return errors.Join(errs...)
}

func (e *Engine) Scene() *scene.Scene {
	return e.scene
}

func (e *Engine) Renderer() *renderer.Renderer {
	return e.renderer
}

func (e *Engine) Events() *core.EventBus {
	return e.events
}

func (e *Engine) Config() *core.Config {
	return e.config
}

func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, context core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.isRunning = false
		return true
	case core.EVENT_CODE_DEVICE_LOST:
		core.LogError("EVENT_CODE_DEVICE_LOST received: %v", context.Err)
		e.isRunning = false
	}
	return false
}

func (e *Engine) onResized(code core.SystemEventCode, sender interface{}, context core.EventContext) bool {
	width, height := context.Width, context.Height
	if width == e.width && height == e.height {
		return false
	}
	e.width, e.height = width, height
	core.LogDebug("Window resize: %d, %d", width, height)

	if width == 0 || height == 0 {
		core.LogInfo("Window minimized, suspending application.")
		e.isSuspended = true
		return false
	}
	if e.isSuspended {
		core.LogInfo("Window restored, resuming application.")
		e.isSuspended = false
	}
	if e.renderer != nil {
		e.renderer.Resize(width, height)
	}
	if fn := e.gameInstance.FnOnResize; fn != nil {
		if err := fn(width, height); err != nil {
			core.LogError(err.Error())
		}
	}
	return false
}
