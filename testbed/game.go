package testbed

import (
	"github.com/spaghettifunk/mandrill/engine"
	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/math"
	"github.com/spaghettifunk/mandrill/engine/renderer"
	"github.com/spaghettifunk/mandrill/engine/renderer/pipeline"
	"github.com/spaghettifunk/mandrill/engine/scene"
)

// degrees per second
const spinSpeed = 45

type TestGame struct {
	*engine.Game
}

type gameState struct {
	engine   *engine.Engine
	pipeline *pipeline.Watched

	spinning []scene.NodeID
	angle    float32

	width  uint32
	height uint32
}

func NewTestGame(cfg *core.Config, scenePath string) *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: &engine.ApplicationConfig{
				Config:    cfg,
				ScenePath: scenePath,
				ShaderExt: "wgsl",
			},
			State: &gameState{},
		},
	}

	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown

	return tg
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) Initialize(e *engine.Engine) error {
	core.LogDebug("TestGame Initialize fn....")
	state := g.state()
	state.engine = e

	s := e.Scene()
	if s.NodeCount() == 0 {
		if err := addDefaultCube(s); err != nil {
			return err
		}
	}
	// every root spins, children follow their parent
	state.spinning = s.Roots()

	camera := e.Renderer().Camera()
	camera.SetPosition(math.NewVec3(0, 1.5, 4))
	camera.LookAt(math.NewVec3Zero())

	p, err := e.LoadPipeline("scene")
	if err != nil {
		core.LogError("failed to load the scene pipeline")
		return err
	}
	state.pipeline = p
	return nil
}

func addDefaultCube(s *scene.Scene) error {
	params := scene.DefaultMaterialParams()
	params.Diffuse = math.NewVec3(0.8, 0.3, 0.2)
	material, err := s.AddMaterial(scene.Material{Name: "test_material", Params: params})
	if err != nil {
		return err
	}
	vertices, indices := math.GenerateCube(1, 1, 1, 1, 1)
	mesh, err := s.AddMesh(scene.Mesh{Name: "test_cube", Vertices: vertices, Indices: indices, Material: material})
	if err != nil {
		return err
	}
	_, err = s.AddNode(scene.NoNode, "cube", math.TransformIdentity(), scene.Binding{Mesh: mesh, Material: scene.NoMaterial})
	return err
}

func (g *TestGame) Update(e *engine.Engine, deltaTime float64) error {
	state := g.state()
	state.angle += spinSpeed * float32(deltaTime)
	if state.angle >= 360 {
		state.angle -= 360
	}
	rotation := math.NewQuatFromAxisAngle(math.NewVec3(0, 1, 0), math.DegToRad(state.angle))

	s := e.Scene()
	for _, id := range state.spinning {
		n, ok := s.Node(id)
		if !ok {
			continue
		}
		t := n.Transform
		t.Rotation = rotation
		if err := s.SetTransform(id, t); err != nil {
			return err
		}
	}
	return nil
}

func (g *TestGame) Render(frame renderer.FrameContext) error {
	return frame.Draw(g.state().pipeline.Current())
}

func (g *TestGame) OnResize(width uint32, height uint32) error {
	state := g.state()
	state.width, state.height = width, height
	return nil
}

func (g *TestGame) Shutdown() error {
	core.LogDebug("TestGame Shutdown fn....")
	return nil
}
