package renderer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/mandrill/engine/assets/loaders"
	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/math"
	"github.com/spaghettifunk/mandrill/engine/renderer/accel"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu/gputest"
	"github.com/spaghettifunk/mandrill/engine/renderer/pipeline"
	"github.com/spaghettifunk/mandrill/engine/renderer/swapchain"
	"github.com/spaghettifunk/mandrill/engine/scene"
)

func testScene(t *testing.T) (*scene.Scene, []scene.NodeID) {
	t.Helper()
	s := scene.New()
	tri, err := s.AddMesh(scene.Mesh{
		Name: "triangle",
		Vertices: []math.Vertex3D{
			{Position: math.NewVec3(0, 0, 0)},
			{Position: math.NewVec3(1, 0, 0)},
			{Position: math.NewVec3(0, 1, 0)},
		},
		Indices:  []uint32{0, 1, 2},
		Material: scene.NoMaterial,
	})
	require.NoError(t, err)
	var nodes []scene.NodeID
	for i := 0; i < 2; i++ {
		n, err := s.AddNode(scene.NoNode, "node", math.TransformFromPosition(math.NewVec3(float32(i), 0, 0)),
			scene.Binding{Mesh: tri, Material: scene.NoMaterial})
		require.NoError(t, err)
		nodes = append(nodes, n)
	}
	return s, nodes
}

func testOptions(events *core.EventBus) Options {
	cfg := core.DefaultConfig()
	cfg.Renderer.RayTracing = true
	opts := OptionsFromConfig(cfg, gpu.Surface(1))
	opts.Events = events
	return opts
}

func newTestRenderer(t *testing.T, dev *gputest.Device, s *scene.Scene, opts Options) *Renderer {
	t.Helper()
	r, err := New(dev, s, opts)
	require.NoError(t, err)
	t.Cleanup(r.Destroy)
	return r
}

func newScenePipeline(t *testing.T, r *Renderer) *pipeline.Pipeline {
	t.Helper()
	layout, err := pipeline.NewLayout(r.dev, r.Retirer(), pipeline.SceneLayoutDesc(scene.StandardLayout(), InstancePushRange))
	require.NoError(t, err)
	code := []uint32{loaders.SPIRVMagic, 0x00010300, 0, 8, 0}
	p, err := pipeline.NewPipeline(r.dev, r.Retirer(), r.Pass(), layout, pipeline.DefaultPipelineDesc("scene",
		pipeline.Stage{Stage: gpu.ShaderStageVertex, Code: code},
		pipeline.Stage{Stage: gpu.ShaderStageFragment, Code: code},
	))
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Destroy()
		layout.Destroy()
	})
	return p
}

// lastCommands returns the ops recorded for the most recent frame.
func lastCommands(dev *gputest.Device) []gputest.Op {
	submits := dev.Submits()
	last := submits[len(submits)-1]
	if len(last.CommandBuffers) == 0 {
		return nil
	}
	return gputest.Ops(dev.Commands(last.CommandBuffers[0]))
}

func TestDrawFrameRecordsInOrder(t *testing.T) {
	dev := gputest.New()
	s, _ := testScene(t)
	r := newTestRenderer(t, dev, s, testOptions(nil))
	p := newScenePipeline(t, r)

	var seen int
	err := r.DrawFrame(func(ctx FrameContext) error {
		seen = len(ctx.Instances)
		assert.True(t, ctx.Scene.Recording())
		assert.NotNil(t, ctx.TopLevel)
		return ctx.Draw(p)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
	assert.False(t, s.Recording())

	draw := []gputest.Op{gputest.OpPushConstants, gputest.OpBindVertex, gputest.OpBindIndex, gputest.OpDrawIndexed}
	want := []gputest.Op{
		gputest.OpBuildAccel, gputest.OpAccelBarrier,
		gputest.OpBeginRenderPass, gputest.OpSetViewport, gputest.OpSetScissor,
		gputest.OpBindPipeline, gputest.OpBindSets,
	}
	want = append(want, draw...)
	want = append(want, draw...)
	want = append(want, gputest.OpEndRenderPass)
	assert.Equal(t, want, lastCommands(dev))
	assert.Len(t, dev.Presents(), 1)
	assert.Empty(t, dev.Misuse())
}

func TestDrawFramePushesInstanceData(t *testing.T) {
	dev := gputest.New()
	s, _ := testScene(t)
	r := newTestRenderer(t, dev, s, testOptions(nil))
	p := newScenePipeline(t, r)

	require.NoError(t, r.DrawFrame(func(ctx FrameContext) error { return ctx.Draw(p) }))
	submits := dev.Submits()
	cmds := dev.Commands(submits[len(submits)-1].CommandBuffers[0])
	var pushes [][]byte
	for _, c := range cmds {
		if c.Op == gputest.OpPushConstants {
			pushes = append(pushes, c.Data)
		}
	}
	require.Len(t, pushes, 2)
	assert.Len(t, pushes[0], InstancePushSize)
	assert.Equal(t, EncodeInstance(s.Instances()[1]), pushes[1])
}

// lastSetBinding returns the descriptor set bind of the most recent frame.
func lastSetBinding(t *testing.T, dev *gputest.Device) gputest.Command {
	t.Helper()
	submits := dev.Submits()
	for _, c := range dev.Commands(submits[len(submits)-1].CommandBuffers[0]) {
		if c.Op == gputest.OpBindSets {
			return c
		}
	}
	require.FailNow(t, "no descriptor sets bound")
	return gputest.Command{}
}

func TestDrawBindsFrameDescriptorSets(t *testing.T) {
	dev := gputest.New()
	s, _ := testScene(t)
	opts := testOptions(nil)
	opts.Camera = scene.NewCamera()
	opts.Camera.SetPosition(math.NewVec3(0, 1, 5))
	r := newTestRenderer(t, dev, s, opts)
	p := newScenePipeline(t, r)
	assert.Same(t, opts.Camera, r.Camera())

	var bound [][]gpu.DescriptorSet
	for i := 0; i < 2; i++ {
		require.NoError(t, r.DrawFrame(func(ctx FrameContext) error {
			assert.Same(t, r.Camera(), ctx.Camera)
			return ctx.Draw(p)
		}))
		bind := lastSetBinding(t, dev)
		assert.Equal(t, uint64(p.Layout().Handle()), bind.Handle)
		assert.Equal(t, uint64(scene.FrameSet), bind.Offset)
		require.Len(t, bind.Sets, 2)
		bound = append(bound, bind.Sets)
	}
	// one group of sets per frame slot
	assert.NotEqual(t, bound[0][0], bound[1][0])
	assert.NotEqual(t, bound[0][1], bound[1][1])

	ext := r.Swapchain().Extent()
	camera := r.Camera().AppendUniform(nil, float32(ext.Width)/float32(ext.Height))
	mb, err := s.MaterialBuffer()
	require.NoError(t, err)
	for _, sets := range bound {
		writes := dev.DescriptorWrites(sets[0])
		require.Contains(t, writes, uint32(scene.CameraBinding))
		assert.Equal(t, gpu.DescriptorTypeUniformBuffer, writes[scene.CameraBinding].Type)
		assert.Equal(t, camera, dev.BufferData(writes[scene.CameraBinding].Buffer))

		writes = dev.DescriptorWrites(sets[1])
		require.Contains(t, writes, uint32(scene.MaterialsBinding))
		assert.Equal(t, gpu.DescriptorTypeStorageBuffer, writes[scene.MaterialsBinding].Type)
		assert.Equal(t, mb, writes[scene.MaterialsBinding].Buffer)
	}
	assert.Empty(t, dev.Misuse())
}

func TestCameraIsWrittenEveryFrame(t *testing.T) {
	dev := gputest.New()
	s, _ := testScene(t)
	r := newTestRenderer(t, dev, s, testOptions(nil))
	p := newScenePipeline(t, r)
	ext := r.Swapchain().Extent()
	aspect := float32(ext.Width) / float32(ext.Height)

	for i := 0; i < 3; i++ {
		r.Camera().MoveForward(1)
		require.NoError(t, r.DrawFrame(func(ctx FrameContext) error { return ctx.Draw(p) }))
		camera := dev.DescriptorWrites(lastSetBinding(t, dev).Sets[0])[scene.CameraBinding].Buffer
		assert.Equal(t, r.Camera().AppendUniform(nil, aspect), dev.BufferData(camera))
	}
	assert.Empty(t, dev.Misuse())
}

func TestMaterialSetsFollowSceneUpload(t *testing.T) {
	dev := gputest.New()
	s, _ := testScene(t)
	r := newTestRenderer(t, dev, s, testOptions(nil))
	p := newScenePipeline(t, r)
	draw := func(ctx FrameContext) error { return ctx.Draw(p) }

	for i := 0; i < 2; i++ {
		require.NoError(t, r.DrawFrame(draw))
	}
	old, err := s.MaterialBuffer()
	require.NoError(t, err)

	_, err = s.AddMaterial(scene.Material{Name: "red", Params: scene.DefaultMaterialParams()})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, r.DrawFrame(draw))
		mb, err := s.MaterialBuffer()
		require.NoError(t, err)
		assert.NotEqual(t, old, mb)
		materials := lastSetBinding(t, dev).Sets[1]
		assert.Equal(t, mb, dev.DescriptorWrites(materials)[scene.MaterialsBinding].Buffer)
	}
	// the old buffer was retired, not destroyed under a set in flight
	assert.False(t, dev.IsLive(gputest.KindBuffer, uint64(old)))
	assert.Empty(t, dev.Misuse())
}

func TestDrawRejectsIncompatibleLayout(t *testing.T) {
	dev := gputest.New()
	s, _ := testScene(t)
	r := newTestRenderer(t, dev, s, testOptions(nil))

	layout, err := pipeline.NewLayout(dev, r.Retirer(), pipeline.LayoutDesc{Name: "bare", PushConstants: []gpu.PushConstantRange{InstancePushRange}})
	require.NoError(t, err)
	code := []uint32{loaders.SPIRVMagic, 0x00010300, 0, 8, 0}
	p, err := pipeline.NewPipeline(dev, r.Retirer(), r.Pass(), layout, pipeline.DefaultPipelineDesc("bare",
		pipeline.Stage{Stage: gpu.ShaderStageVertex, Code: code},
		pipeline.Stage{Stage: gpu.ShaderStageFragment, Code: code},
	))
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Destroy()
		layout.Destroy()
	})

	err = r.DrawFrame(func(ctx FrameContext) error { return ctx.Draw(p) })
	assert.ErrorIs(t, err, core.ErrPrecondition)
	assert.True(t, r.Layout().Compatible(newScenePipeline(t, r).Layout()))
}

func TestTopLevelFollowsSceneChanges(t *testing.T) {
	dev := gputest.New()
	s, nodes := testScene(t)
	r := newTestRenderer(t, dev, s, testOptions(nil))

	lastBuild := func() gpu.AccelerationBuild {
		b := dev.Builds()
		return b[len(b)-1]
	}

	// every frame slot builds its own structure once
	for slot := uint32(0); slot < 2; slot++ {
		require.NoError(t, r.DrawFrame(nil))
		assert.Equal(t, gpu.AccelerationModeBuild, lastBuild().Mode)
		assert.Equal(t, r.TopLevel().Handle(slot), lastBuild().Dst)
	}
	assert.NotEqual(t, r.TopLevel().Handle(0), r.TopLevel().Handle(1))
	builds := len(dev.Builds())

	// unchanged scene records no build
	require.NoError(t, r.DrawFrame(nil))
	assert.Len(t, dev.Builds(), builds)
	assert.NotContains(t, lastCommands(dev), gputest.OpBuildAccel)

	require.NoError(t, s.SetTransform(nodes[0], math.TransformFromPosition(math.NewVec3(0, 2, 0))))
	for i := 0; i < 2; i++ {
		require.NoError(t, r.DrawFrame(nil))
		slot := r.Swapchain().InFlightIndex()
		refit := lastBuild()
		assert.Equal(t, gpu.AccelerationModeUpdate, refit.Mode)
		assert.Equal(t, r.TopLevel().Handle(slot), refit.Dst)
		assert.Equal(t, refit.Src, refit.Dst)
	}
	assert.Equal(t, 2, r.TopLevel().InstanceCount())

	require.NoError(t, s.AddBinding(nodes[1], scene.Binding{Mesh: 0, Material: scene.NoMaterial}))
	require.NoError(t, r.DrawFrame(nil))
	assert.Equal(t, gpu.AccelerationModeBuild, lastBuild().Mode)
	assert.Equal(t, 3, r.TopLevel().InstanceCount())
	assert.Equal(t, accel.StateBuilt, r.TopLevel().State())
	assert.Empty(t, dev.Misuse())
}

func TestDrawFrameRebuildsBottomLevelForNewMeshes(t *testing.T) {
	dev := gputest.New()
	s, nodes := testScene(t)
	r := newTestRenderer(t, dev, s, testOptions(nil))
	require.NoError(t, r.DrawFrame(nil))
	require.Equal(t, 1, r.BottomLevel().Len())
	require.Equal(t, 1, r.BottomLevel().Builds())

	m, _ := s.Mesh(0)
	mesh := *m
	mesh.Name = "copy"
	id, err := s.AddMesh(mesh)
	require.NoError(t, err)
	require.NoError(t, s.AddBinding(nodes[0], scene.Binding{Mesh: id, Material: scene.NoMaterial}))

	builds := len(dev.Builds())
	require.NoError(t, r.DrawFrame(nil))
	assert.Equal(t, 2, r.BottomLevel().Len())
	assert.Equal(t, 2, r.BottomLevel().Builds())
	assert.Equal(t, 3, r.TopLevel().InstanceCount())

	var bottom int
	for _, b := range dev.Builds()[builds:] {
		if b.Geometry.Level == gpu.AccelerationBottomLevel {
			bottom++
		}
	}
	assert.Equal(t, 1, bottom, "only the new mesh is built")

	// the next frame needs no bottom level work
	require.NoError(t, r.DrawFrame(nil))
	assert.Equal(t, 2, r.BottomLevel().Builds())
	assert.Empty(t, dev.Misuse())
}

func TestDrawFrameRecreatesOnOutOfDate(t *testing.T) {
	dev := gputest.New()
	events := core.NewEventBus()
	var recreated []core.EventContext
	events.Register(core.EVENT_CODE_SWAPCHAIN_RECREATED, t, func(code core.SystemEventCode, sender interface{}, data core.EventContext) bool {
		recreated = append(recreated, data)
		return true
	})
	s, _ := testScene(t)
	r := newTestRenderer(t, dev, s, testOptions(events))

	require.NoError(t, r.DrawFrame(nil))
	dev.Resize(1024, 768)
	assert.ErrorIs(t, r.DrawFrame(nil), core.ErrOutOfDate)
	require.Len(t, recreated, 1)
	assert.Equal(t, uint32(1024), recreated[0].Width)
	assert.Equal(t, gpu.Extent2D{Width: 1024, Height: 768}, r.Pass().Extent())

	require.NoError(t, r.DrawFrame(nil))

	dev.FailPresentOutOfDate(1)
	assert.ErrorIs(t, r.DrawFrame(nil), core.ErrOutOfDate)
	assert.Len(t, recreated, 2)
	require.NoError(t, r.DrawFrame(nil))
	assert.Empty(t, dev.Misuse())
}

func TestResizeRecreatesBeforeAcquire(t *testing.T) {
	dev := gputest.New()
	s, _ := testScene(t)
	r := newTestRenderer(t, dev, s, testOptions(nil))
	require.NoError(t, r.DrawFrame(nil))
	swapchains := dev.Created(gputest.KindSwapchain)

	r.Resize(0, 0)
	require.NoError(t, r.DrawFrame(nil))
	assert.Equal(t, swapchains, dev.Created(gputest.KindSwapchain), "minimized frames are skipped")

	r.Resize(800, 600)
	require.NoError(t, r.DrawFrame(nil))
	assert.Equal(t, swapchains+1, dev.Created(gputest.KindSwapchain))
	assert.True(t, r.Swapchain().FrameNumber() > 1)
}

func TestFailedRecordingAbandonsFrame(t *testing.T) {
	dev := gputest.New()
	s, nodes := testScene(t)
	r := newTestRenderer(t, dev, s, testOptions(nil))

	err := r.DrawFrame(func(ctx FrameContext) error {
		return ctx.Scene.SetTransform(nodes[0], math.TransformIdentity())
	})
	assert.ErrorIs(t, err, core.ErrPrecondition)
	assert.False(t, s.Recording())
	assert.Empty(t, lastCommands(dev), "abandoned frames submit no work")
	assert.Len(t, dev.Presents(), 1)

	// the top level recorded into the dropped frame is built again
	require.NoError(t, r.DrawFrame(nil))
	assert.Contains(t, lastCommands(dev), gputest.OpBuildAccel)
	for i := 0; i < 4; i++ {
		require.NoError(t, r.DrawFrame(nil))
	}
	assert.Empty(t, dev.Misuse())
}

func TestDeviceLossIsReported(t *testing.T) {
	dev := gputest.New()
	events := core.NewEventBus()
	var lost error
	events.Register(core.EVENT_CODE_DEVICE_LOST, t, func(code core.SystemEventCode, sender interface{}, data core.EventContext) bool {
		lost = data.Err
		return true
	})
	s, _ := testScene(t)
	r := newTestRenderer(t, dev, s, testOptions(events))
	require.NoError(t, r.DrawFrame(nil))

	dev.LoseDevice()
	err := r.DrawFrame(nil)
	assert.ErrorIs(t, err, core.ErrDeviceLost)
	assert.ErrorIs(t, lost, core.ErrDeviceLost)
}

func TestRendererWithoutRayTracing(t *testing.T) {
	dev := gputest.New()
	dev.SetRayTracing(false)
	s, _ := testScene(t)
	r := newTestRenderer(t, dev, s, testOptions(nil))

	assert.Nil(t, r.TopLevel())
	require.NoError(t, r.DrawFrame(func(ctx FrameContext) error {
		assert.Nil(t, ctx.TopLevel)
		return nil
	}))
	assert.Empty(t, dev.Builds())
}

func TestSampleCountIsClamped(t *testing.T) {
	dev := gputest.New()
	s, _ := testScene(t)
	opts := testOptions(nil)
	opts.Samples = gpu.SampleCount64
	r := newTestRenderer(t, dev, s, opts)
	assert.Equal(t, gpu.SampleCount8, r.Pass().Signature().Samples)
}

func TestDestroyReleasesEverything(t *testing.T) {
	dev := gputest.New()
	s, nodes := testScene(t)
	r, err := New(dev, s, testOptions(nil))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SetTransform(nodes[0], math.TransformFromPosition(math.NewVec3(float32(i), 0, 0))))
		require.NoError(t, r.DrawFrame(nil))
	}
	r.Destroy()
	r.Destroy()

	assert.Zero(t, dev.LiveTotal())
	assert.Empty(t, dev.Misuse())
	assert.ErrorIs(t, r.DrawFrame(nil), core.ErrDestroyed)
	// host data survives for the next device
	assert.Equal(t, 1, s.MeshCount())
}

func TestNewRollsBackOnFailure(t *testing.T) {
	for _, kind := range []gputest.Kind{gputest.KindCommandBuffer, gputest.KindDescriptorPool, gputest.KindDescriptorSet} {
		t.Run(string(kind), func(t *testing.T) {
			dev := gputest.New()
			dev.FailNextCreate(kind, 1)
			s, _ := testScene(t)
			_, err := New(dev, s, testOptions(nil))
			require.Error(t, err)
			assert.Zero(t, dev.LiveTotal())
		})
	}
}

func TestFrameSlotsCycle(t *testing.T) {
	dev := gputest.New()
	s, _ := testScene(t)
	r := newTestRenderer(t, dev, s, testOptions(nil))
	var slots []uint32
	for i := 0; i < 4; i++ {
		require.NoError(t, r.DrawFrame(func(ctx FrameContext) error {
			slots = append(slots, ctx.Frame.Slot)
			return nil
		}))
	}
	assert.Equal(t, []uint32{0, 1, 0, 1}, slots)
	assert.Equal(t, uint32(swapchain.DefaultFramesInFlight), r.Swapchain().FramesInFlight())
}
