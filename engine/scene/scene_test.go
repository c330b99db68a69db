package scene

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/math"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu/gputest"
	"github.com/spaghettifunk/mandrill/engine/renderer/resource"
)

func triangle(name string) Mesh {
	return Mesh{
		Name: name,
		Vertices: []math.Vertex3D{
			{Position: math.NewVec3(0, 0, 0)},
			{Position: math.NewVec3(1, 0, 0)},
			{Position: math.NewVec3(0, 1, 0)},
		},
		Indices:  []uint32{0, 1, 2},
		Material: NoMaterial,
	}
}

func TestTraversalAccumulatesTransforms(t *testing.T) {
	s := New()
	mesh, err := s.AddMesh(triangle("tri"))
	require.NoError(t, err)

	root, err := s.AddNode(NoNode, "root", math.TransformIdentity())
	require.NoError(t, err)
	child, err := s.AddNode(root, "child", math.TransformFromPosition(math.NewVec3(1, 0, 0)),
		Binding{Mesh: mesh, Material: NoMaterial})
	require.NoError(t, err)

	instances := s.Instances()
	require.Len(t, instances, 1)
	want := math.NewMat4Translation(math.NewVec3(1, 0, 0))
	assert.True(t, instances[0].World.Compare(want, 1e-6))
	assert.Equal(t, child, instances[0].Node)
	assert.Equal(t, mesh, instances[0].Mesh)
}

func TestTraversalOrderIsDepthFirstInsertion(t *testing.T) {
	s := New()
	mesh, err := s.AddMesh(triangle("tri"))
	require.NoError(t, err)
	b := Binding{Mesh: mesh, Material: NoMaterial}

	a, _ := s.AddNode(NoNode, "a", math.TransformIdentity(), b)
	_, _ = s.AddNode(a, "a1", math.TransformIdentity(), b, b)
	_, _ = s.AddNode(NoNode, "b", math.TransformIdentity(), b)
	_, _ = s.AddNode(a, "a2", math.TransformIdentity(), b)

	var names []string
	s.Traverse(func(inst Instance) bool {
		n, ok := s.Node(inst.Node)
		require.True(t, ok)
		names = append(names, n.Name)
		return true
	})
	assert.Equal(t, []string{"a", "a1", "a1", "a2", "b"}, names)
	assert.Equal(t, 5, s.BindingCount())
}

func TestParentTransformAppliesAfterChild(t *testing.T) {
	s := New()
	mesh, _ := s.AddMesh(triangle("tri"))
	rot := math.NewQuatFromAxisAngle(math.NewVec3(0, 0, 1), math.PI/2)
	parent, err := s.AddNode(NoNode, "p", math.TransformFromPositionRotationScale(math.NewVec3Zero(), rot, math.NewVec3One()))
	require.NoError(t, err)
	_, err = s.AddNode(parent, "c", math.TransformFromPosition(math.NewVec3(1, 0, 0)), Binding{Mesh: mesh, Material: NoMaterial})
	require.NoError(t, err)

	inst := s.Instances()[0]
	// the child's offset along x is rotated onto y by the parent
	p := math.NewVec3Zero().Transform(inst.World)
	assert.True(t, p.Compare(math.NewVec3(0, 1, 0), 1e-5), "got %v", p)
}

func TestTraverseStopsEarly(t *testing.T) {
	s := New()
	mesh, _ := s.AddMesh(triangle("tri"))
	for i := 0; i < 4; i++ {
		_, _ = s.AddNode(NoNode, "n", math.TransformIdentity(), Binding{Mesh: mesh, Material: NoMaterial})
	}
	visited := 0
	s.Traverse(func(Instance) bool {
		visited++
		return visited < 2
	})
	assert.Equal(t, 2, visited)
}

func TestDanglingReferences(t *testing.T) {
	s := New()
	bad := triangle("bad")
	bad.Indices = []uint32{0, 1, 7}
	_, err := s.AddMesh(bad)
	assert.ErrorIs(t, err, core.ErrDanglingReference)

	withMaterial := triangle("m")
	withMaterial.Material = 3
	_, err = s.AddMesh(withMaterial)
	assert.ErrorIs(t, err, core.ErrDanglingReference)

	_, err = s.AddNode(NodeID(9), "orphan", math.TransformIdentity())
	assert.ErrorIs(t, err, core.ErrDanglingReference)

	_, err = s.AddNode(NoNode, "n", math.TransformIdentity(), Binding{Mesh: 5, Material: NoMaterial})
	assert.ErrorIs(t, err, core.ErrDanglingReference)

	assert.Zero(t, s.MeshCount())
	assert.Zero(t, s.NodeCount())
	assert.Zero(t, s.Generation())
}

func TestMaterialFallsBackToMesh(t *testing.T) {
	s := New()
	red, err := s.AddMaterial(Material{Name: "red", Params: DefaultMaterialParams()})
	require.NoError(t, err)
	blue, err := s.AddMaterial(Material{Name: "blue", Params: DefaultMaterialParams()})
	require.NoError(t, err)
	m := triangle("tri")
	m.Material = red
	mesh, err := s.AddMesh(m)
	require.NoError(t, err)

	_, _ = s.AddNode(NoNode, "a", math.TransformIdentity(), Binding{Mesh: mesh, Material: NoMaterial})
	_, _ = s.AddNode(NoNode, "b", math.TransformIdentity(), Binding{Mesh: mesh, Material: blue})

	instances := s.Instances()
	assert.Equal(t, red, instances[0].Material)
	assert.Equal(t, blue, instances[1].Material)

	id, ok := s.MaterialByName("blue")
	assert.True(t, ok)
	assert.Equal(t, blue, id)
}

func TestRemoveNodeRemovesSubtree(t *testing.T) {
	s := New()
	mesh, _ := s.AddMesh(triangle("tri"))
	b := Binding{Mesh: mesh, Material: NoMaterial}
	root, _ := s.AddNode(NoNode, "root", math.TransformIdentity(), b)
	child, _ := s.AddNode(root, "child", math.TransformIdentity(), b)
	other, _ := s.AddNode(NoNode, "other", math.TransformIdentity(), b)

	membership := s.Membership()
	require.NoError(t, s.RemoveNode(root))
	assert.Greater(t, s.Membership(), membership)

	_, ok := s.Node(child)
	assert.False(t, ok)
	assert.Equal(t, 1, s.NodeCount())
	assert.Equal(t, []NodeID{other}, s.Roots())
	assert.ErrorIs(t, s.SetTransform(child, math.TransformIdentity()), core.ErrDanglingReference)

	// removed IDs are not handed out again
	next, err := s.AddNode(NoNode, "next", math.TransformIdentity())
	require.NoError(t, err)
	assert.Greater(t, next, other)
}

func TestCountersSeparateTransformFromMembership(t *testing.T) {
	s := New()
	mesh, _ := s.AddMesh(triangle("tri"))
	n, _ := s.AddNode(NoNode, "n", math.TransformIdentity())

	gen, members := s.Generation(), s.Membership()
	require.NoError(t, s.SetTransform(n, math.TransformFromPosition(math.NewVec3(0, 2, 0))))
	assert.Equal(t, gen+1, s.Generation())
	assert.Equal(t, members, s.Membership())

	require.NoError(t, s.AddBinding(n, Binding{Mesh: mesh, Material: NoMaterial}))
	assert.Equal(t, members+1, s.Membership())
	require.NoError(t, s.RemoveBinding(n, 0))
	assert.Equal(t, members+2, s.Membership())
	assert.ErrorIs(t, s.RemoveBinding(n, 0), core.ErrDanglingReference)
}

func TestMutationWhileRecording(t *testing.T) {
	s := New()
	mesh, _ := s.AddMesh(triangle("tri"))
	n, _ := s.AddNode(NoNode, "n", math.TransformIdentity())

	s.BeginFrame()
	assert.ErrorIs(t, s.SetTransform(n, math.TransformIdentity()), core.ErrPrecondition)
	_, err := s.AddNode(NoNode, "late", math.TransformIdentity())
	assert.ErrorIs(t, err, core.ErrPrecondition)
	assert.ErrorIs(t, s.AddBinding(n, Binding{Mesh: mesh, Material: NoMaterial}), core.ErrPrecondition)
	s.EndFrame()

	assert.NoError(t, s.SetTransform(n, math.TransformIdentity()))
}

func TestMutationWhileRecordingWithoutAssertions(t *testing.T) {
	core.SetDebugAssertions(false)
	defer core.SetDebugAssertions(true)

	s := New()
	n, _ := s.AddNode(NoNode, "n", math.TransformIdentity())
	s.BeginFrame()
	assert.NoError(t, s.SetTransform(n, math.TransformIdentity()))
	s.EndFrame()
}

func TestSyncToDevice(t *testing.T) {
	dev := gputest.New()
	q := resource.NewRetirementQueue(2)
	q.Begin(0)

	s := New()
	_, err := s.AddMesh(triangle("a"))
	require.NoError(t, err)
	second := triangle("b")
	second.Indices = []uint32{2, 1, 0, 0, 1, 2}
	_, err = s.AddMesh(second)
	require.NoError(t, err)

	require.NoError(t, s.SyncToDevice(dev, q))
	assert.True(t, s.Uploaded())
	assert.Equal(t, 3, dev.Live(gputest.KindBuffer))

	m, _ := s.Mesh(1)
	assert.Equal(t, uint32(3), m.FirstVertex)
	assert.Equal(t, uint32(3), m.FirstIndex)

	vb, err := s.VertexBuffer()
	require.NoError(t, err)
	assert.Len(t, dev.BufferData(vb), 6*math.VertexStride)
	desc, ok := dev.BufferDesc(vb)
	require.True(t, ok)
	assert.Equal(t, VertexBufferUsage, desc.Usage)
	ib, _ := s.IndexBuffer()
	assert.Equal(t, EncodeIndices([]uint32{0, 1, 2, 2, 1, 0, 0, 1, 2}), dev.BufferData(ib))
	mb, _ := s.MaterialBuffer()
	assert.Len(t, dev.BufferData(mb), MaterialParamsSize)

	// unchanged geometry is not uploaded again
	created := dev.Created(gputest.KindBuffer)
	require.NoError(t, s.SyncToDevice(dev, q))
	assert.Equal(t, created, dev.Created(gputest.KindBuffer))

	// a new mesh replaces the buffers; the old ones wait for their slot
	_, err = s.AddMesh(triangle("c"))
	require.NoError(t, err)
	assert.False(t, s.Uploaded())
	require.NoError(t, s.SyncToDevice(dev, q))
	assert.Equal(t, 6, dev.Live(gputest.KindBuffer))
	q.FlushAll()
	assert.Equal(t, 3, dev.Live(gputest.KindBuffer))

	s.Release(resource.Immediate{})
	assert.Zero(t, dev.Live(gputest.KindBuffer))
	_, err = s.VertexBuffer()
	assert.ErrorIs(t, err, core.ErrNotBuilt)
}

func TestSyncToDeviceRollsBack(t *testing.T) {
	dev := gputest.New()
	s := New()
	_, _ = s.AddMesh(triangle("a"))

	assert.ErrorIs(t, New().SyncToDevice(dev, nil), core.ErrEmptyScene)

	dev.FailNextCreate(gputest.KindBuffer, 1)
	// the failure hits the first buffer; later attempts succeed
	require.Error(t, s.SyncToDevice(dev, nil))
	assert.Zero(t, dev.Live(gputest.KindBuffer))
	assert.False(t, s.Uploaded())
	require.NoError(t, s.SyncToDevice(dev, nil))
}

func TestStandardLayout(t *testing.T) {
	layout := New().Layout()
	require.Len(t, layout, 2)
	assert.Equal(t, uint32(FrameSet), layout[0].Set)
	assert.Equal(t, gpu.DescriptorTypeUniformBuffer, layout[0].Type)
	assert.Equal(t, uint32(MaterialSet), layout[1].Set)
	assert.Equal(t, gpu.DescriptorTypeStorageBuffer, layout[1].Type)
}

type fakeMeshes map[string]*MeshFile

func (f fakeMeshes) ImportMeshes(path string) (*MeshFile, error) {
	mf, ok := f[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return mf, nil
}

type fakeNodes map[string]*NodeFile

func (f fakeNodes) ImportNodes(path string) (*NodeFile, error) {
	nf, ok := f[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return nf, nil
}

func TestAddMeshFromFile(t *testing.T) {
	s := New()
	_, _ = s.AddMaterial(Material{Name: "existing"})

	m := triangle("cube")
	m.Material = 0
	meshes := fakeMeshes{"cube.obj": {
		Meshes:    []Mesh{m},
		Materials: []Material{{Name: "steel", Params: DefaultMaterialParams()}},
	}}
	ids, err := s.AddMeshFromFile("cube.obj", meshes)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	mesh, _ := s.Mesh(ids[0])
	steel, ok := s.MaterialByName("steel")
	require.True(t, ok)
	// file-local material indices are remapped to scene IDs
	assert.Equal(t, steel, mesh.Material)
	assert.Equal(t, MaterialID(1), steel)

	_, err = s.AddMeshFromFile("missing.obj", meshes)
	assert.Error(t, err)
}

func TestAddMeshFromFileIsAtomic(t *testing.T) {
	s := New()
	broken := triangle("broken")
	broken.Indices = []uint32{0, 1, 9}
	meshes := fakeMeshes{"x.obj": {
		Meshes:    []Mesh{triangle("fine"), broken},
		Materials: []Material{{Name: "m"}},
	}}
	_, err := s.AddMeshFromFile("x.obj", meshes)
	assert.ErrorIs(t, err, core.ErrDanglingReference)
	assert.Zero(t, s.MeshCount())
	assert.Zero(t, s.MaterialCount())
}

func TestAddNodesFromFile(t *testing.T) {
	s := New()
	anchor, _ := s.AddNode(NoNode, "anchor", math.TransformIdentity())

	m := triangle("tri")
	meshes := fakeMeshes{"tri.obj": {Meshes: []Mesh{m}, Materials: []Material{{Name: "gold"}}}}
	nodes := fakeNodes{
		"scene.yaml": {
			Meshes: []string{"tri.obj"},
			Nodes: []NodeDesc{
				{Name: "top", Parent: -1, Transform: math.TransformFromPosition(math.NewVec3(0, 0, 1))},
				{Name: "leaf", Parent: 0, Transform: math.TransformIdentity(), Bindings: []BindingDesc{{Mesh: "tri", Material: "gold"}}},
			},
		},
		"broken.yaml": {
			Meshes: []string{"tri.obj"},
			Nodes: []NodeDesc{
				{Name: "leaf", Parent: -1, Transform: math.TransformIdentity(), Bindings: []BindingDesc{{Mesh: "nope"}}},
			},
		},
	}

	_, err := s.AddNodesFromFile("broken.yaml", nodes, meshes, anchor)
	assert.ErrorIs(t, err, core.ErrDanglingReference)
	assert.Zero(t, s.MeshCount())
	assert.Equal(t, 1, s.NodeCount())

	ids, err := s.AddNodesFromFile("scene.yaml", nodes, meshes, anchor)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	top, _ := s.Node(ids[0])
	assert.Equal(t, anchor, top.Parent)
	gold, _ := s.MaterialByName("gold")
	instances := s.Instances()
	require.Len(t, instances, 1)
	assert.Equal(t, gold, instances[0].Material)
	assert.True(t, instances[0].World.Compare(math.NewMat4Translation(math.NewVec3(0, 0, 1)), 1e-6))
}

func TestAddNodesFromFileImportsEveryMeshFile(t *testing.T) {
	s := New()
	meshes := fakeMeshes{}
	var paths []string
	var descs []NodeDesc
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("tri%d", i)
		meshes[name+".obj"] = &MeshFile{Meshes: []Mesh{triangle(name)}}
		paths = append(paths, name+".obj")
		descs = append(descs, NodeDesc{Name: name, Parent: -1, Transform: math.TransformIdentity(), Bindings: []BindingDesc{{Mesh: name}}})
	}
	nodes := fakeNodes{
		"many.yaml":    {Meshes: paths, Nodes: descs},
		"missing.yaml": {Meshes: append([]string{"gone.obj"}, paths...)},
	}

	_, err := s.AddNodesFromFile("missing.yaml", nodes, meshes, NoNode)
	assert.ErrorContains(t, err, "gone.obj")
	assert.Zero(t, s.MeshCount())

	ids, err := s.AddNodesFromFile("many.yaml", nodes, meshes, NoNode)
	require.NoError(t, err)
	require.Len(t, ids, 6)
	for i := range paths {
		id, ok := s.MeshByName(fmt.Sprintf("tri%d", i))
		require.True(t, ok)
		assert.Equal(t, MeshID(i), id)
	}
}
