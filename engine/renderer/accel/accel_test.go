package accel

import (
	"encoding/binary"
	stdmath "math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/math"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu/gputest"
	"github.com/spaghettifunk/mandrill/engine/renderer/resource"
	"github.com/spaghettifunk/mandrill/engine/scene"
)

func vertices(points ...math.Vec3) []math.Vertex3D {
	out := make([]math.Vertex3D, len(points))
	for i, p := range points {
		out[i] = math.Vertex3D{Position: p}
	}
	return out
}

func triangle() scene.Mesh {
	return scene.Mesh{
		Name:     "triangle",
		Vertices: vertices(math.NewVec3(0, 0, 0), math.NewVec3(1, 0, 0), math.NewVec3(0, 1, 0)),
		Indices:  []uint32{0, 1, 2},
		Material: scene.NoMaterial,
	}
}

func quad() scene.Mesh {
	return scene.Mesh{
		Name: "quad",
		Vertices: vertices(math.NewVec3(0, 0, 0), math.NewVec3(1, 0, 0),
			math.NewVec3(1, 1, 0), math.NewVec3(0, 1, 0)),
		Indices:  []uint32{0, 1, 2, 0, 2, 3},
		Material: scene.NoMaterial,
	}
}

type fixture struct {
	dev   *gputest.Device
	scene *scene.Scene
	nodes []scene.NodeID
}

// newFixture uploads a triangle and a quad, each bound to one root node.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dev: gputest.New(), scene: scene.New()}
	for i, m := range []scene.Mesh{triangle(), quad()} {
		id, err := f.scene.AddMesh(m)
		require.NoError(t, err)
		pos := math.NewVec3(float32(i)*3, 0, 0)
		node, err := f.scene.AddNode(scene.NoNode, m.Name, math.TransformFromPosition(pos),
			scene.Binding{Mesh: id, Material: scene.NoMaterial})
		require.NoError(t, err)
		f.nodes = append(f.nodes, node)
	}
	require.NoError(t, f.scene.SyncToDevice(f.dev, resource.Immediate{}))
	return f
}

func (f *fixture) encoder(t *testing.T) (gpu.CommandBuffer, gpu.Encoder) {
	t.Helper()
	cb, err := f.dev.AllocateCommandBuffer()
	require.NoError(t, err)
	enc, err := f.dev.Begin(cb, true)
	require.NoError(t, err)
	return cb, enc
}

func TestBottomLevelDegenerateMeshAllocatesNothing(t *testing.T) {
	dev := gputest.New()
	s := scene.New()
	_, err := s.AddMesh(triangle())
	require.NoError(t, err)
	_, err = s.AddMesh(scene.Mesh{
		Name:     "line",
		Vertices: vertices(math.NewVec3(0, 0, 0), math.NewVec3(1, 0, 0), math.NewVec3(2, 0, 0)),
		Indices:  []uint32{0, 1, 2},
		Material: scene.NoMaterial,
	})
	require.NoError(t, err)
	require.NoError(t, s.SyncToDevice(dev, resource.Immediate{}))
	buffers := dev.Live(gputest.KindBuffer)

	_, err = BuildBottomLevel(dev, s, nil, DefaultOptions())
	assert.ErrorIs(t, err, core.ErrGeometryEmpty)
	assert.Zero(t, dev.Created(gputest.KindAccel))
	assert.Equal(t, buffers, dev.Live(gputest.KindBuffer))
	assert.Empty(t, dev.Builds())
}

func TestBottomLevelSharesStorageAndScratch(t *testing.T) {
	f := newFixture(t)
	bl, err := BuildBottomLevel(f.dev, f.scene, nil, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, StateBuilt, bl.State())
	assert.Equal(t, 2, f.dev.Live(gputest.KindAccel))
	// scene buffers, shared storage and the scratch that is freed again
	assert.Equal(t, 5, f.dev.Created(gputest.KindBuffer))
	assert.Equal(t, 4, f.dev.Live(gputest.KindBuffer))
	assert.Equal(t, 1, bl.Batches())

	builds := f.dev.Builds()
	require.Len(t, builds, 2)
	for _, b := range builds {
		assert.Equal(t, gpu.AccelerationModeBuild, b.Mode)
		assert.Equal(t, builds[0].Scratch, b.Scratch)
		assert.Zero(t, b.ScratchAddress%256)
	}
	quadGeometry := builds[1].Geometry.Geometries[0]
	assert.Equal(t, uint64(3*math.VertexStride), quadGeometry.VertexOffset)
	assert.Equal(t, uint64(3*4), quadGeometry.IndexOffset)
	assert.Equal(t, uint32(2), quadGeometry.PrimitiveCount)

	n, ok := bl.TriangleCount(0)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), n)
	n, _ = bl.TriangleCount(1)
	assert.Equal(t, uint32(2), n)
	assert.Empty(t, f.dev.Misuse())
}

func TestBottomLevelBuildsOnlyNewMeshes(t *testing.T) {
	f := newFixture(t)
	bl, err := BuildBottomLevel(f.dev, f.scene, nil, DefaultOptions())
	require.NoError(t, err)
	first, _ := bl.TriangleCount(1)
	addr, err := bl.Address(1)
	require.NoError(t, err)

	require.NoError(t, bl.Build(f.scene))
	assert.Equal(t, 2, f.dev.Created(gputest.KindAccel))
	assert.Equal(t, 1, bl.Builds())

	id, err := f.scene.AddMesh(quad())
	require.NoError(t, err)
	require.ErrorIs(t, bl.Build(f.scene), core.ErrNotBuilt)
	require.NoError(t, f.scene.SyncToDevice(f.dev, resource.Immediate{}))
	builds := len(f.dev.Builds())
	require.NoError(t, bl.Build(f.scene))

	// only the new mesh is built, in a storage buffer of its own
	assert.Equal(t, 3, f.dev.Created(gputest.KindAccel))
	assert.Equal(t, 3, f.dev.Live(gputest.KindAccel))
	newBuilds := f.dev.Builds()[builds:]
	require.Len(t, newBuilds, 1)
	assert.Equal(t, uint64(7*math.VertexStride), newBuilds[0].Geometry.Geometries[0].VertexOffset)
	assert.Equal(t, 2, bl.Builds())

	again, _ := bl.TriangleCount(1)
	assert.Equal(t, first, again)
	kept, err := bl.Address(1)
	require.NoError(t, err)
	assert.Equal(t, addr, kept)
	n, ok := bl.TriangleCount(id)
	assert.True(t, ok)
	assert.Equal(t, uint32(2), n)
	assert.Equal(t, 3, bl.Len())
	assert.Empty(t, f.dev.Misuse())
}

func TestBottomLevelBatchLimit(t *testing.T) {
	f := newFixture(t)
	opts := DefaultOptions()
	// the triangle needs 264 bytes and the quad 328
	opts.BatchLimitBytes = 300
	bl, err := BuildBottomLevel(f.dev, f.scene, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, bl.Batches())
	assert.Len(t, f.dev.Submits(), 2)

	opts.BatchLimitBytes = 600
	f2 := newFixture(t)
	bl, err = BuildBottomLevel(f2.dev, f2.scene, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, bl.Batches())
}

func TestBottomLevelWithoutRayTracing(t *testing.T) {
	f := newFixture(t)
	f.dev.SetRayTracing(false)
	_, err := BuildBottomLevel(f.dev, f.scene, nil, DefaultOptions())
	assert.ErrorIs(t, err, core.ErrUnsupported)
}

func TestBottomLevelRollsBackOnCreateFailure(t *testing.T) {
	f := newFixture(t)
	buffers := f.dev.Live(gputest.KindBuffer)
	f.dev.FailNextCreate(gputest.KindCommandBuffer, 1)

	_, err := BuildBottomLevel(f.dev, f.scene, nil, DefaultOptions())
	require.Error(t, err)
	assert.Zero(t, f.dev.Live(gputest.KindAccel))
	assert.Equal(t, buffers, f.dev.Live(gputest.KindBuffer))
}

func TestTopLevelBuildEncodesInstances(t *testing.T) {
	f := newFixture(t)
	bl, err := BuildBottomLevel(f.dev, f.scene, nil, DefaultOptions())
	require.NoError(t, err)
	tl := NewTopLevel(f.dev, nil, bl, 2, DefaultOptions())

	cb, enc := f.encoder(t)
	require.NoError(t, tl.Build(enc, 0, f.scene.Instances()))
	require.NoError(t, enc.End())

	assert.Equal(t, StateBuilt, tl.State())
	assert.Equal(t, 2, tl.InstanceCount())
	assert.Equal(t, []gputest.Op{gputest.OpBuildAccel, gputest.OpAccelBarrier}, gputest.Ops(f.dev.Commands(cb)))

	build := f.dev.Builds()[2]
	assert.NotZero(t, build.Geometry.Flags&gpu.AccelerationAllowUpdate)
	data := f.dev.BufferData(build.Geometry.Geometries[0].InstanceBuffer)
	require.Len(t, data, 2*gpu.InstanceSize)

	second := data[gpu.InstanceSize:]
	word := binary.LittleEndian.Uint32(second[48:])
	assert.Equal(t, uint32(1), word&0xFFFFFF, "custom index is the mesh")
	assert.Equal(t, uint32(0xff), word>>24, "mask")
	flags := binary.LittleEndian.Uint32(second[52:]) >> 24
	assert.Equal(t, uint32(gpu.InstanceTriangleFacingCullDisable), flags)
	addr, err := bl.Address(1)
	require.NoError(t, err)
	assert.Equal(t, addr, binary.LittleEndian.Uint64(second[56:]))

	// translation of the second node lands in the last column of row 0
	tx := binary.LittleEndian.Uint32(second[12:])
	assert.Equal(t, float32(3), stdmath.Float32frombits(tx))
	assert.Empty(t, f.dev.Misuse())
}

func TestTopLevelRefitAfterTransformChange(t *testing.T) {
	f := newFixture(t)
	bl, err := BuildBottomLevel(f.dev, f.scene, nil, DefaultOptions())
	require.NoError(t, err)
	tl := NewTopLevel(f.dev, nil, bl, 2, DefaultOptions())

	_, enc := f.encoder(t)
	require.NoError(t, tl.Build(enc, 0, f.scene.Instances()))
	handle := tl.Handle(0)
	assert.True(t, tl.Current(0))
	assert.False(t, tl.Current(1))

	require.NoError(t, f.scene.SetTransform(f.nodes[0], math.TransformFromPosition(math.NewVec3(0, 5, 0))))
	cb, enc := f.encoder(t)
	require.NoError(t, tl.Refit(enc, 0, f.scene.Instances()))

	assert.Equal(t, 2, tl.InstanceCount())
	assert.Equal(t, handle, tl.Handle(0))
	assert.Equal(t, []gputest.Op{gputest.OpBuildAccel, gputest.OpAccelBarrier}, gputest.Ops(f.dev.Commands(cb)))
	builds := f.dev.Builds()
	refit := builds[len(builds)-1]
	assert.Equal(t, gpu.AccelerationModeUpdate, refit.Mode)
	assert.Equal(t, handle, refit.Src)
	assert.Equal(t, handle, refit.Dst)
	assert.Empty(t, f.dev.Misuse())
}

func TestTopLevelSlotsDoNotShareObjects(t *testing.T) {
	f := newFixture(t)
	bl, err := BuildBottomLevel(f.dev, f.scene, nil, DefaultOptions())
	require.NoError(t, err)
	tl := NewTopLevel(f.dev, nil, bl, 2, DefaultOptions())

	_, enc := f.encoder(t)
	require.NoError(t, tl.Build(enc, 0, f.scene.Instances()))
	builds := f.dev.Builds()
	first := builds[len(builds)-1]

	// slot 1 missed the build, so its refit builds a structure of its own
	require.NoError(t, f.scene.SetTransform(f.nodes[0], math.TransformFromPosition(math.NewVec3(0, 5, 0))))
	require.NoError(t, tl.Refit(enc, 1, f.scene.Instances()))
	builds = f.dev.Builds()
	second := builds[len(builds)-1]
	assert.Equal(t, gpu.AccelerationModeBuild, second.Mode)
	assert.True(t, tl.Current(1))

	assert.NotEqual(t, first.Dst, second.Dst)
	assert.NotEqual(t, first.Scratch, second.Scratch)
	assert.NotEqual(t, first.Geometry.Geometries[0].InstanceBuffer, second.Geometry.Geometries[0].InstanceBuffer)
	assert.Equal(t, tl.Handle(0), first.Dst)
	assert.Equal(t, tl.Handle(1), second.Dst)
	assert.NotEqual(t, tl.Address(0), tl.Address(1))

	// refits stay inside their slot
	require.NoError(t, tl.Refit(enc, 0, f.scene.Instances()))
	builds = f.dev.Builds()
	refit := builds[len(builds)-1]
	assert.Equal(t, gpu.AccelerationModeUpdate, refit.Mode)
	assert.Equal(t, first.Dst, refit.Dst)
	assert.Equal(t, first.Scratch, refit.Scratch)

	// a build in one slot sends the other back to a full build
	require.NoError(t, tl.Build(enc, 1, f.scene.Instances()))
	assert.False(t, tl.Current(0))
	require.NoError(t, tl.Refit(enc, 0, f.scene.Instances()))
	builds = f.dev.Builds()
	assert.Equal(t, gpu.AccelerationModeBuild, builds[len(builds)-1].Mode)
	assert.Empty(t, f.dev.Misuse())
}

func TestTopLevelDiscardedSlotIsRebuilt(t *testing.T) {
	f := newFixture(t)
	bl, err := BuildBottomLevel(f.dev, f.scene, nil, DefaultOptions())
	require.NoError(t, err)
	tl := NewTopLevel(f.dev, nil, bl, 1, DefaultOptions())
	_, enc := f.encoder(t)
	require.NoError(t, tl.Build(enc, 0, f.scene.Instances()))

	tl.Discard(0)
	assert.Equal(t, StateBuilt, tl.State())
	assert.False(t, tl.Current(0))
	require.NoError(t, tl.Refit(enc, 0, f.scene.Instances()))
	builds := f.dev.Builds()
	assert.Equal(t, gpu.AccelerationModeBuild, builds[len(builds)-1].Mode)
	assert.True(t, tl.Current(0))
}

func TestTopLevelRefitRejectsMembershipChange(t *testing.T) {
	f := newFixture(t)
	bl, err := BuildBottomLevel(f.dev, f.scene, nil, DefaultOptions())
	require.NoError(t, err)
	tl := NewTopLevel(f.dev, nil, bl, 1, DefaultOptions())

	_, enc := f.encoder(t)
	require.NoError(t, tl.Build(enc, 0, f.scene.Instances()))
	builds := len(f.dev.Builds())

	require.NoError(t, f.scene.AddBinding(f.nodes[0], scene.Binding{Mesh: 1, Material: scene.NoMaterial}))
	err = tl.Refit(enc, 0, f.scene.Instances())
	assert.ErrorIs(t, err, core.ErrPrecondition)
	assert.Equal(t, StateStale, tl.State())
	assert.Len(t, f.dev.Builds(), builds)

	// still stale until a full build
	assert.ErrorIs(t, tl.Refit(enc, 0, f.scene.Instances()), core.ErrPrecondition)
	require.NoError(t, tl.Build(enc, 0, f.scene.Instances()))
	assert.Equal(t, 3, tl.InstanceCount())
	assert.Equal(t, StateBuilt, tl.State())
}

func TestTopLevelRefitRejectsMeshSwapWithSameCount(t *testing.T) {
	f := newFixture(t)
	bl, err := BuildBottomLevel(f.dev, f.scene, nil, DefaultOptions())
	require.NoError(t, err)
	tl := NewTopLevel(f.dev, nil, bl, 1, DefaultOptions())
	_, enc := f.encoder(t)
	require.NoError(t, tl.Build(enc, 0, f.scene.Instances()))

	require.NoError(t, f.scene.RemoveBinding(f.nodes[0], 0))
	require.NoError(t, f.scene.AddBinding(f.nodes[0], scene.Binding{Mesh: 1, Material: scene.NoMaterial}))
	assert.ErrorIs(t, tl.Refit(enc, 0, f.scene.Instances()), core.ErrPrecondition)
}

func TestTopLevelMarkStale(t *testing.T) {
	f := newFixture(t)
	bl, err := BuildBottomLevel(f.dev, f.scene, nil, DefaultOptions())
	require.NoError(t, err)
	tl := NewTopLevel(f.dev, nil, bl, 1, DefaultOptions())
	_, enc := f.encoder(t)

	assert.ErrorIs(t, tl.Refit(enc, 0, f.scene.Instances()), core.ErrNotBuilt)
	tl.MarkStale()
	assert.Equal(t, StateUnbuilt, tl.State())

	require.NoError(t, tl.Build(enc, 0, f.scene.Instances()))
	tl.MarkStale()
	assert.Equal(t, StateStale, tl.State())
	assert.ErrorIs(t, tl.Refit(enc, 0, f.scene.Instances()), core.ErrPrecondition)
}

func TestTopLevelStaleAfterBottomRebuild(t *testing.T) {
	f := newFixture(t)
	bl, err := BuildBottomLevel(f.dev, f.scene, nil, DefaultOptions())
	require.NoError(t, err)
	tl := NewTopLevel(f.dev, nil, bl, 1, DefaultOptions())
	_, enc := f.encoder(t)
	require.NoError(t, tl.Build(enc, 0, f.scene.Instances()))

	// a new mesh leaves the structures the top level references alone
	_, err = f.scene.AddMesh(quad())
	require.NoError(t, err)
	require.NoError(t, f.scene.SyncToDevice(f.dev, resource.Immediate{}))
	require.NoError(t, bl.Build(f.scene))
	require.NoError(t, tl.Refit(enc, 0, f.scene.Instances()))
	assert.Equal(t, StateBuilt, tl.State())

	bl.Destroy()
	require.NoError(t, bl.Build(f.scene))
	assert.ErrorIs(t, tl.Refit(enc, 0, f.scene.Instances()), core.ErrPrecondition)
	assert.Equal(t, StateStale, tl.State())
}

func TestTopLevelInputErrors(t *testing.T) {
	f := newFixture(t)
	bl, err := BuildBottomLevel(f.dev, f.scene, nil, DefaultOptions())
	require.NoError(t, err)
	tl := NewTopLevel(f.dev, nil, bl, 1, DefaultOptions())
	_, enc := f.encoder(t)
	accels := f.dev.Live(gputest.KindAccel)

	assert.ErrorIs(t, tl.Build(enc, 0, nil), core.ErrEmptyScene)

	f.dev.SetLimits(func(l *gpu.Limits) { l.MaxInstanceCount = 1 })
	assert.ErrorIs(t, tl.Build(enc, 0, f.scene.Instances()), core.ErrInstanceLimitExceeded)
	assert.Equal(t, accels, f.dev.Live(gputest.KindAccel))
	assert.Equal(t, StateUnbuilt, tl.State())

	f.dev.SetLimits(func(l *gpu.Limits) { l.MaxInstanceCount = 1 << 24 })
	assert.ErrorIs(t, tl.Build(enc, 1, f.scene.Instances()), core.ErrPrecondition)

	unbuilt := NewTopLevel(f.dev, nil, NewBottomLevel(f.dev, nil, DefaultOptions()), 1, DefaultOptions())
	assert.ErrorIs(t, unbuilt.Build(enc, 0, f.scene.Instances()), core.ErrNotBuilt)
}

func TestTopLevelDestroyRetires(t *testing.T) {
	f := newFixture(t)
	q := resource.NewRetirementQueue(2)
	q.Begin(0)
	bl, err := BuildBottomLevel(f.dev, f.scene, q, DefaultOptions())
	require.NoError(t, err)
	tl := NewTopLevel(f.dev, q, bl, 2, DefaultOptions())
	_, enc := f.encoder(t)
	require.NoError(t, tl.Build(enc, 0, f.scene.Instances()))
	require.Equal(t, 3, f.dev.Live(gputest.KindAccel))

	// a second build retires the first into the current slot
	require.NoError(t, tl.Build(enc, 0, f.scene.Instances()))
	assert.Equal(t, 4, f.dev.Live(gputest.KindAccel))
	assert.Equal(t, 1, q.Pending())

	tl.Destroy()
	bl.Destroy()
	q.FlushAll()
	assert.Zero(t, f.dev.Live(gputest.KindAccel))
	assert.Equal(t, 3, f.dev.Live(gputest.KindBuffer))
	assert.Empty(t, f.dev.Misuse())
}
