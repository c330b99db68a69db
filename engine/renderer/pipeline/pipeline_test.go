package pipeline

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/mandrill/engine/assets"
	"github.com/spaghettifunk/mandrill/engine/assets/loaders"
	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu/gputest"
	"github.com/spaghettifunk/mandrill/engine/renderer/resource"
	"github.com/spaghettifunk/mandrill/engine/renderer/swapchain"
	"github.com/spaghettifunk/mandrill/engine/scene"
)

var extent = gpu.Extent2D{Width: 640, Height: 480}

func colorDepthDesc(samples gpu.SampleCount) PassDesc {
	return PassDesc{
		Name:         "offscreen",
		Extent:       extent,
		ColorFormats: []gpu.Format{gpu.FormatR8G8B8A8Unorm},
		DepthFormat:  gpu.FormatD32Sfloat,
		Samples:      samples,
		ColorLoad:    gpu.LoadOpClear,
		ColorStore:   gpu.StoreOpStore,
	}
}

func spirv() []uint32 {
	return []uint32{loaders.SPIRVMagic, 0x00010300, 0, 8, 0}
}

func TestPassUnsupportedSampleCountAllocatesNothing(t *testing.T) {
	dev := gputest.New()
	dev.SetLimits(func(l *gpu.Limits) {
		l.FramebufferColorSampleCounts = gpu.SampleCount1 | gpu.SampleCount2
	})
	before := dev.LiveTotal()

	_, err := NewPass(dev, nil, colorDepthDesc(gpu.SampleCount8))
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)
	assert.Equal(t, before, dev.LiveTotal())
	assert.Zero(t, dev.Created(gputest.KindImage))
	assert.Zero(t, dev.Created(gputest.KindRenderPass))
}

func TestPassUnsupportedFormats(t *testing.T) {
	dev := gputest.New()
	dev.SetUnsupported(gpu.FormatR16G16B16A16Sfloat)

	desc := colorDepthDesc(gpu.SampleCount1)
	desc.ColorFormats = []gpu.Format{gpu.FormatR16G16B16A16Sfloat}
	_, err := NewPass(dev, nil, desc)
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)

	desc = colorDepthDesc(gpu.SampleCount1)
	desc.DepthFormat = gpu.FormatR8G8B8A8Unorm
	_, err = NewPass(dev, nil, desc)
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)

	desc = colorDepthDesc(3)
	_, err = NewPass(dev, nil, desc)
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)
	assert.Zero(t, dev.LiveTotal())
}

func TestOwnedPassAllocatesAndDestroys(t *testing.T) {
	dev := gputest.New()
	desc := colorDepthDesc(gpu.SampleCount4)
	desc.Images = 2
	p, err := NewPass(dev, nil, desc)
	require.NoError(t, err)

	assert.True(t, p.Target().Owned())
	assert.Equal(t, 2, p.FramebufferCount())
	// two resolve targets, one multisampled color and one depth image
	assert.Equal(t, 4, dev.Live(gputest.KindImage))
	assert.Equal(t, 4, dev.Live(gputest.KindImageView))
	assert.Equal(t, Signature{Colors: []gpu.Format{gpu.FormatR8G8B8A8Unorm}, Depth: gpu.FormatD32Sfloat, Samples: gpu.SampleCount4}, p.Signature())

	p.Destroy()
	p.Destroy()
	assert.Zero(t, dev.LiveTotal())
	assert.Empty(t, dev.Misuse())
}

func TestPassRollsBackPartialCreation(t *testing.T) {
	dev := gputest.New()
	dev.FailNextCreate(gputest.KindFramebuffer, 1)
	_, err := NewPass(dev, nil, colorDepthDesc(gpu.SampleCount2))
	require.Error(t, err)
	assert.Zero(t, dev.LiveTotal())

	dev.FailNextCreate(gputest.KindImageView, 1)
	_, err = NewPass(dev, nil, colorDepthDesc(gpu.SampleCount1))
	require.Error(t, err)
	assert.Zero(t, dev.LiveTotal())
}

func TestPassBeginRecordsFullExtent(t *testing.T) {
	dev := gputest.New()
	p, err := NewPass(dev, nil, colorDepthDesc(gpu.SampleCount1))
	require.NoError(t, err)
	defer p.Destroy()

	cb, _ := dev.AllocateCommandBuffer()
	enc, err := dev.Begin(cb, true)
	require.NoError(t, err)
	require.NoError(t, p.Begin(enc, 0, gpu.ClearValue{Color: [4]float32{1, 0, 0, 1}}))
	p.End(enc)
	assert.ErrorIs(t, p.Begin(enc, 1), core.ErrPrecondition)
	require.NoError(t, enc.End())

	assert.Equal(t, []gputest.Op{gputest.OpBeginRenderPass, gputest.OpSetViewport, gputest.OpSetScissor, gputest.OpEndRenderPass},
		gputest.Ops(dev.Commands(cb)))
}

func TestSwapchainPassFollowsRecreate(t *testing.T) {
	dev := gputest.New()
	sc, err := swapchain.New(dev, gpu.Surface(1), swapchain.Options{})
	require.NoError(t, err)

	p, err := NewSwapchainPass(dev, sc, PassDesc{Name: "main", DepthFormat: gpu.FormatD32Sfloat, ColorLoad: gpu.LoadOpClear})
	require.NoError(t, err)
	assert.False(t, p.Target().Owned())
	assert.Equal(t, int(sc.ImageCount()), p.FramebufferCount())
	imagesBefore := dev.Live(gputest.KindImage)

	dev.Resize(1024, 768)
	require.NoError(t, sc.Recreate(gpu.Extent2D{Width: 1024, Height: 768}))
	assert.Equal(t, gpu.Extent2D{Width: 1024, Height: 768}, p.Extent())
	assert.Equal(t, int(sc.ImageCount()), p.FramebufferCount())

	sc.Retirement().FlushAll()
	// only the depth image is owned by the pass
	assert.Equal(t, imagesBefore, dev.Live(gputest.KindImage))
	assert.Equal(t, int(sc.ImageCount())+1, dev.Live(gputest.KindImageView))

	p.Destroy()
	sc.Destroy()
	assert.Zero(t, dev.Live(gputest.KindImageView))
	assert.Zero(t, dev.Live(gputest.KindRenderPass))
	assert.Empty(t, dev.Misuse())
}

func TestLayoutGroupsBindingsPerSet(t *testing.T) {
	dev := gputest.New()
	push := gpu.PushConstantRange{Stages: gpu.ShaderStageVertex | gpu.ShaderStageFragment, Size: 72}
	l, err := NewLayout(dev, nil, SceneLayoutDesc(scene.StandardLayout(), push))
	require.NoError(t, err)
	assert.Len(t, l.SetLayouts(), 2)
	assert.Equal(t, 2, dev.Live(gputest.KindSetLayout))

	sparse, err := NewLayout(dev, nil, LayoutDesc{Name: "sparse", Bindings: []Binding{
		{Set: 2, Binding: 0, Type: gpu.DescriptorTypeStorageBuffer, Stages: gpu.ShaderStageCompute},
	}})
	require.NoError(t, err)
	// sets 0 and 1 are empty placeholders
	assert.Len(t, sparse.SetLayouts(), 3)
	assert.False(t, sparse.Compatible(l))
	assert.True(t, l.Compatible(l))

	l.Destroy()
	sparse.Destroy()
	assert.Zero(t, dev.LiveTotal())
}

func TestLayoutPushConstantLimits(t *testing.T) {
	dev := gputest.New()

	_, err := NewLayout(dev, nil, LayoutDesc{Name: "big", PushConstants: []gpu.PushConstantRange{
		{Stages: gpu.ShaderStageVertex, Offset: 64, Size: 128},
	}})
	assert.ErrorIs(t, err, core.ErrPrecondition)

	_, err = NewLayout(dev, nil, LayoutDesc{Name: "odd", PushConstants: []gpu.PushConstantRange{
		{Stages: gpu.ShaderStageVertex, Size: 6},
	}})
	assert.ErrorIs(t, err, core.ErrPrecondition)

	many := make([]gpu.PushConstantRange, MaxPushConstantRanges+1)
	for i := range many {
		many[i] = gpu.PushConstantRange{Stages: gpu.ShaderStageVertex, Offset: 0, Size: 4}
	}
	_, err = NewLayout(dev, nil, LayoutDesc{Name: "many", PushConstants: many})
	assert.ErrorIs(t, err, core.ErrPrecondition)

	_, err = NewLayout(dev, nil, LayoutDesc{Name: "dup", Bindings: []Binding{
		{Set: 0, Binding: 1, Type: gpu.DescriptorTypeUniformBuffer},
		{Set: 0, Binding: 1, Type: gpu.DescriptorTypeSampler},
	}})
	assert.ErrorIs(t, err, core.ErrPrecondition)
	assert.Zero(t, dev.LiveTotal())

	ok, err := NewLayout(dev, nil, LayoutDesc{Name: "exact", PushConstants: []gpu.PushConstantRange{
		{Stages: gpu.ShaderStageVertex, Offset: 64, Size: 64},
	}})
	require.NoError(t, err)
	cb, _ := dev.AllocateCommandBuffer()
	enc, _ := dev.Begin(cb, true)
	assert.NoError(t, ok.PushConstants(enc, gpu.ShaderStageVertex, 64, make([]byte, 16)))
	assert.ErrorIs(t, ok.PushConstants(enc, gpu.ShaderStageVertex, 0, make([]byte, 16)), core.ErrPrecondition)
	assert.ErrorIs(t, ok.PushConstants(enc, gpu.ShaderStageFragment, 64, make([]byte, 4)), core.ErrPrecondition)
}

func newPipeline(t *testing.T, dev *gputest.Device, pass *Pass, retirer resource.Retirer) (*Pipeline, *Layout) {
	t.Helper()
	l, err := NewLayout(dev, retirer, SceneLayoutDesc(scene.StandardLayout()))
	require.NoError(t, err)
	desc := DefaultPipelineDesc("flat",
		Stage{Stage: gpu.ShaderStageVertex, Code: spirv()},
		Stage{Stage: gpu.ShaderStageFragment, Code: spirv()},
	)
	p, err := NewPipeline(dev, retirer, pass, l, desc)
	require.NoError(t, err)
	return p, l
}

func TestPipelineBuildsAgainstPass(t *testing.T) {
	dev := gputest.New()
	pass, err := NewPass(dev, nil, colorDepthDesc(gpu.SampleCount4))
	require.NoError(t, err)
	p, _ := newPipeline(t, dev, pass, nil)

	desc, ok := dev.PipelineDesc(p.Handle())
	require.True(t, ok)
	assert.Equal(t, gpu.SampleCount4, desc.Samples)
	assert.True(t, desc.DepthTest)
	assert.Equal(t, gpu.CompareOpLess, desc.DepthCompare)
	assert.Equal(t, gpu.TopologyTriangleList, desc.Topology)
	assert.Equal(t, uint32(56), desc.VertexStride)
	assert.Len(t, desc.Attributes, 5)
	assert.Equal(t, []string{"main", "main"}, []string{desc.Stages[0].Entry, desc.Stages[1].Entry})
	// shader modules do not outlive pipeline creation
	assert.Zero(t, dev.Live(gputest.KindShaderModule))
}

func TestPipelineBindChecksSignature(t *testing.T) {
	dev := gputest.New()
	pass, err := NewPass(dev, nil, colorDepthDesc(gpu.SampleCount1))
	require.NoError(t, err)
	other, err := NewPass(dev, nil, colorDepthDesc(gpu.SampleCount2))
	require.NoError(t, err)
	same, err := NewPass(dev, nil, colorDepthDesc(gpu.SampleCount1))
	require.NoError(t, err)
	p, _ := newPipeline(t, dev, pass, nil)

	cb, _ := dev.AllocateCommandBuffer()
	enc, _ := dev.Begin(cb, true)
	assert.NoError(t, p.Bind(enc, pass))
	assert.NoError(t, p.Bind(enc, same))
	assert.ErrorIs(t, p.Bind(enc, other), core.ErrPrecondition)
	assert.Equal(t, []gputest.Op{gputest.OpBindPipeline, gputest.OpBindPipeline}, gputest.Ops(dev.Commands(cb)))
}

func TestPipelineKeepsRenderPassAlive(t *testing.T) {
	dev := gputest.New()
	pass, err := NewPass(dev, nil, colorDepthDesc(gpu.SampleCount1))
	require.NoError(t, err)
	p, l := newPipeline(t, dev, pass, nil)

	pass.Destroy()
	assert.Equal(t, 1, dev.Live(gputest.KindRenderPass))
	_, err = NewPipeline(dev, nil, pass, l, p.Desc())
	assert.ErrorIs(t, err, core.ErrDestroyed)

	p.Destroy()
	assert.Zero(t, dev.Live(gputest.KindRenderPass))
	assert.Zero(t, dev.Live(gputest.KindPipeline))
}

func TestPipelineCompileFailureReleasesRenderPass(t *testing.T) {
	dev := gputest.New()
	pass, err := NewPass(dev, nil, colorDepthDesc(gpu.SampleCount1))
	require.NoError(t, err)
	l, err := NewLayout(dev, nil, SceneLayoutDesc(scene.StandardLayout()))
	require.NoError(t, err)

	dev.FailNextCreate(gputest.KindPipeline, 1)
	_, err = NewPipeline(dev, nil, pass, l, DefaultPipelineDesc("flat",
		Stage{Stage: gpu.ShaderStageVertex, Code: spirv()},
		Stage{Stage: gpu.ShaderStageFragment, Code: spirv()},
	))
	require.Error(t, err)
	assert.Equal(t, int32(1), pass.RenderPass().Count())
	assert.Zero(t, dev.Live(gputest.KindShaderModule))

	pass.Destroy()
	assert.Zero(t, dev.Live(gputest.KindRenderPass))
}

func TestPipelineRebuildRetiresOld(t *testing.T) {
	dev := gputest.New()
	q := resource.NewRetirementQueue(2)
	q.Begin(0)
	pass, err := NewPass(dev, q, colorDepthDesc(gpu.SampleCount1))
	require.NoError(t, err)
	p, _ := newPipeline(t, dev, pass, q)
	old := p.Handle()

	desc := p.Desc()
	desc.PolygonMode = gpu.PolygonModeLine
	next, err := p.Rebuild(desc)
	require.NoError(t, err)
	assert.NotEqual(t, old, next.Handle())
	assert.True(t, dev.IsLive(gputest.KindPipeline, uint64(old)))

	q.Begin(1)
	q.Begin(0)
	assert.False(t, dev.IsLive(gputest.KindPipeline, uint64(old)))
	assert.True(t, dev.IsLive(gputest.KindPipeline, uint64(next.Handle())))

	cb, _ := dev.AllocateCommandBuffer()
	enc, _ := dev.Begin(cb, true)
	assert.ErrorIs(t, p.Bind(enc, pass), core.ErrPrecondition)

	desc.Stages = nil
	_, err = next.Rebuild(desc)
	assert.ErrorIs(t, err, core.ErrPrecondition)
	assert.True(t, dev.IsLive(gputest.KindPipeline, uint64(next.Handle())))
}

type fakeChanges struct {
	pending []assets.AssetInfo
}

func (f *fakeChanges) Drain() []assets.AssetInfo {
	out := f.pending
	f.pending = nil
	return out
}

func writeSPIRV(t *testing.T, path string, words []uint32) {
	t.Helper()
	var b []byte
	for _, w := range words {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	require.NoError(t, os.WriteFile(path, b, 0o644))
}

func TestReloaderRebuildsChangedPipelines(t *testing.T) {
	dev := gputest.New()
	dir := t.TempDir()
	sources := SceneShaders(dir, "flat", "spv")
	for _, s := range sources {
		writeSPIRV(t, s.Path, spirv())
	}

	loader := loaders.NewShaderLoader()
	stages, err := LoadStages(loader, sources...)
	require.NoError(t, err)
	require.Len(t, stages, 2)

	pass, err := NewPass(dev, nil, colorDepthDesc(gpu.SampleCount1))
	require.NoError(t, err)
	l, err := NewLayout(dev, nil, SceneLayoutDesc(scene.StandardLayout()))
	require.NoError(t, err)
	p, err := NewPipeline(dev, nil, pass, l, DefaultPipelineDesc("flat", stages...))
	require.NoError(t, err)

	changes := &fakeChanges{}
	bus := core.NewEventBus()
	var seen []string
	bus.Register(core.EVENT_CODE_SHADER_CHANGED, t, func(_ core.SystemEventCode, _ interface{}, ctx core.EventContext) bool {
		seen = append(seen, filepath.Base(ctx.Path))
		return true
	})
	r := NewReloader(changes, loader, bus)
	w := r.Watch(p, sources...)

	n, err := r.Poll()
	require.NoError(t, err)
	assert.Zero(t, n)

	changes.pending = []assets.AssetInfo{
		{Path: sources[1].Path, Type: assets.AssetTypeShader},
		{Path: sources[0].Path, Type: assets.AssetTypeShader},
		{Path: filepath.Join(dir, "unrelated.wgsl"), Type: assets.AssetTypeShader},
	}
	n, err = r.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotEqual(t, p.Handle(), w.Current().Handle())
	assert.Equal(t, 1, dev.Live(gputest.KindPipeline))
	assert.Equal(t, []string{"flat.frag.spv", "flat.vert.spv", "unrelated.wgsl"}, seen)

	// a broken shader keeps the last good pipeline
	require.NoError(t, os.WriteFile(sources[0].Path, []byte("garbage"), 0o644))
	current := w.Current()
	changes.pending = []assets.AssetInfo{{Path: sources[0].Path, Type: assets.AssetTypeShader}}
	n, err = r.Poll()
	assert.ErrorIs(t, err, loaders.ErrInvalidSPIRV)
	assert.Zero(t, n)
	assert.Same(t, current, w.Current())
}
