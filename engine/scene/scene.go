// Package scene holds the host-side scene graph: arenas of meshes,
// materials and nodes addressed by stable IDs, and the depth-first traversal
// that feeds draw submission and acceleration structure instances.
package scene

import (
	"fmt"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/math"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

type Scene struct {
	meshes    []*Mesh
	materials []*Material
	nodes     []*Node
	roots     []NodeID

	meshNames     map[string]MeshID
	materialNames map[string]MaterialID

	// generation counts every change, membership only binding additions
	// and removals.
	generation uint64
	membership uint64
	// meshRevision changes only when vertex or index data does.
	meshRevision uint64
	// geometryDirty is set when meshes or materials changed since the last
	// upload to the device.
	geometryDirty bool
	recording     bool

	device deviceBuffers
}

func New() *Scene {
	return &Scene{
		meshNames:     make(map[string]MeshID),
		materialNames: make(map[string]MaterialID),
	}
}

// BeginFrame marks the scene as referenced by a frame being recorded. Until
// EndFrame every mutation is a precondition violation.
func (s *Scene) BeginFrame() {
	s.recording = true
}

func (s *Scene) EndFrame() {
	s.recording = false
}

func (s *Scene) Recording() bool {
	return s.recording
}

func (s *Scene) checkMutable(op string) error {
	return core.Assert(!s.recording, "%s while a frame referencing the scene is being recorded", op)
}

func (s *Scene) Generation() uint64 {
	return s.generation
}

func (s *Scene) Membership() uint64 {
	return s.membership
}

// MeshRevision changes whenever a mesh is added. Bottom-level structures
// built at one revision stay valid until it changes.
func (s *Scene) MeshRevision() uint64 {
	return s.meshRevision
}

func (s *Scene) validMaterial(id MaterialID) bool {
	return id == NoMaterial || int(id) < len(s.materials)
}

func (s *Scene) validateMesh(m *Mesh) error {
	count := uint32(len(m.Vertices))
	for i, idx := range m.Indices {
		if idx >= count {
			return fmt.Errorf("mesh %q index %d refers to vertex %d of %d: %w", m.Name, i, idx, count, core.ErrDanglingReference)
		}
	}
	if len(m.Indices)%3 != 0 {
		return fmt.Errorf("mesh %q has %d indices, not a triangle list", m.Name, len(m.Indices))
	}
	if !s.validMaterial(m.Material) {
		return fmt.Errorf("mesh %q material %d: %w", m.Name, m.Material, core.ErrDanglingReference)
	}
	return nil
}

// AddMesh copies m into the scene. The returned ID stays valid for the life
// of the scene.
func (s *Scene) AddMesh(m Mesh) (MeshID, error) {
	if err := s.checkMutable("AddMesh"); err != nil {
		return 0, err
	}
	if err := s.validateMesh(&m); err != nil {
		return 0, err
	}
	return s.insertMesh(m), nil
}

func (s *Scene) insertMesh(m Mesh) MeshID {
	id := MeshID(len(s.meshes))
	m.Vertices = append([]math.Vertex3D(nil), m.Vertices...)
	m.Indices = append([]uint32(nil), m.Indices...)
	s.meshes = append(s.meshes, &m)
	if m.Name != "" {
		s.meshNames[m.Name] = id
	}
	s.generation++
	s.meshRevision++
	s.geometryDirty = true
	return id
}

func (s *Scene) AddMaterial(m Material) (MaterialID, error) {
	if err := s.checkMutable("AddMaterial"); err != nil {
		return 0, err
	}
	return s.insertMaterial(m), nil
}

func (s *Scene) insertMaterial(m Material) MaterialID {
	id := MaterialID(len(s.materials))
	s.materials = append(s.materials, &m)
	if m.Name != "" {
		s.materialNames[m.Name] = id
	}
	s.generation++
	s.geometryDirty = true
	return id
}

// SetMaterialParams replaces the shading parameters of a material.
func (s *Scene) SetMaterialParams(id MaterialID, p MaterialParams) error {
	if err := s.checkMutable("SetMaterialParams"); err != nil {
		return err
	}
	if int(id) >= len(s.materials) {
		return fmt.Errorf("material %d: %w", id, core.ErrDanglingReference)
	}
	s.materials[id].Params = p
	s.generation++
	s.geometryDirty = true
	return nil
}

func (s *Scene) validateBinding(b Binding) error {
	if int(b.Mesh) >= len(s.meshes) {
		return fmt.Errorf("binding mesh %d: %w", b.Mesh, core.ErrDanglingReference)
	}
	if !s.validMaterial(b.Material) {
		return fmt.Errorf("binding material %d: %w", b.Material, core.ErrDanglingReference)
	}
	return nil
}

func (s *Scene) liveNode(id NodeID) (*Node, error) {
	if int(id) >= len(s.nodes) || s.nodes[id].removed {
		return nil, fmt.Errorf("node %d: %w", id, core.ErrDanglingReference)
	}
	return s.nodes[id], nil
}

// AddNode appends a node under parent, or as a root when parent is NoNode.
// Every reference is checked before anything is inserted.
func (s *Scene) AddNode(parent NodeID, name string, t math.Transform, bindings ...Binding) (NodeID, error) {
	if err := s.checkMutable("AddNode"); err != nil {
		return 0, err
	}
	if parent != NoNode {
		if _, err := s.liveNode(parent); err != nil {
			return 0, fmt.Errorf("parent of %q: %w", name, err)
		}
	}
	for _, b := range bindings {
		if err := s.validateBinding(b); err != nil {
			return 0, fmt.Errorf("node %q: %w", name, err)
		}
	}
	return s.insertNode(parent, name, t, bindings), nil
}

func (s *Scene) insertNode(parent NodeID, name string, t math.Transform, bindings []Binding) NodeID {
	id := NodeID(len(s.nodes))
	s.nodes = append(s.nodes, &Node{
		Name:      name,
		Transform: t,
		Parent:    parent,
		Bindings:  append([]Binding(nil), bindings...),
	})
	if parent == NoNode {
		s.roots = append(s.roots, id)
	} else {
		s.nodes[parent].Children = append(s.nodes[parent].Children, id)
	}
	s.generation++
	if len(bindings) > 0 {
		s.membership++
	}
	return id
}

// RemoveNode removes id and its subtree. Their IDs are never handed out
// again.
func (s *Scene) RemoveNode(id NodeID) error {
	if err := s.checkMutable("RemoveNode"); err != nil {
		return err
	}
	n, err := s.liveNode(id)
	if err != nil {
		return err
	}
	if n.Parent == NoNode {
		s.roots = removeID(s.roots, id)
	} else {
		p := s.nodes[n.Parent]
		p.Children = removeID(p.Children, id)
	}

	hadBindings := false
	stack := []NodeID{id}
	for len(stack) > 0 {
		cur := s.nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		cur.removed = true
		hadBindings = hadBindings || len(cur.Bindings) > 0
		stack = append(stack, cur.Children...)
	}
	s.generation++
	if hadBindings {
		s.membership++
	}
	return nil
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// SetTransform changes a node's local transform. Membership is unchanged,
// so a top-level acceleration structure can be refit afterwards.
func (s *Scene) SetTransform(id NodeID, t math.Transform) error {
	if err := s.checkMutable("SetTransform"); err != nil {
		return err
	}
	n, err := s.liveNode(id)
	if err != nil {
		return err
	}
	n.Transform = t
	s.generation++
	return nil
}

func (s *Scene) AddBinding(id NodeID, b Binding) error {
	if err := s.checkMutable("AddBinding"); err != nil {
		return err
	}
	n, err := s.liveNode(id)
	if err != nil {
		return err
	}
	if err := s.validateBinding(b); err != nil {
		return err
	}
	n.Bindings = append(n.Bindings, b)
	s.generation++
	s.membership++
	return nil
}

func (s *Scene) RemoveBinding(id NodeID, index int) error {
	if err := s.checkMutable("RemoveBinding"); err != nil {
		return err
	}
	n, err := s.liveNode(id)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(n.Bindings) {
		return fmt.Errorf("node %d has no binding %d: %w", id, index, core.ErrDanglingReference)
	}
	n.Bindings = append(n.Bindings[:index], n.Bindings[index+1:]...)
	s.generation++
	s.membership++
	return nil
}

func (s *Scene) Node(id NodeID) (Node, bool) {
	if int(id) >= len(s.nodes) || s.nodes[id].removed {
		return Node{}, false
	}
	n := *s.nodes[id]
	n.Children = append([]NodeID(nil), n.Children...)
	n.Bindings = append([]Binding(nil), n.Bindings...)
	return n, true
}

// Mesh returns the mesh record. Callers must not modify it.
func (s *Scene) Mesh(id MeshID) (*Mesh, bool) {
	if int(id) >= len(s.meshes) {
		return nil, false
	}
	return s.meshes[id], true
}

func (s *Scene) MeshByName(name string) (MeshID, bool) {
	id, ok := s.meshNames[name]
	return id, ok
}

// Material returns the material record. Callers must not modify it.
func (s *Scene) Material(id MaterialID) (*Material, bool) {
	if int(id) >= len(s.materials) {
		return nil, false
	}
	return s.materials[id], true
}

func (s *Scene) MaterialByName(name string) (MaterialID, bool) {
	id, ok := s.materialNames[name]
	return id, ok
}

func (s *Scene) MeshCount() int {
	return len(s.meshes)
}

func (s *Scene) MaterialCount() int {
	return len(s.materials)
}

// NodeCount counts live nodes.
func (s *Scene) NodeCount() int {
	n := 0
	for _, node := range s.nodes {
		if !node.removed {
			n++
		}
	}
	return n
}

func (s *Scene) Roots() []NodeID {
	return append([]NodeID(nil), s.roots...)
}

// BindingCount is the number of instances a traversal yields.
func (s *Scene) BindingCount() int {
	n := 0
	for _, node := range s.nodes {
		if !node.removed {
			n += len(node.Bindings)
		}
	}
	return n
}

// Traverse visits nodes depth first in insertion order and calls fn once
// per binding with the accumulated world transform. Returning false stops
// the walk.
func (s *Scene) Traverse(fn func(Instance) bool) {
	for _, root := range s.roots {
		if !s.visit(root, math.NewMat4Identity(), fn) {
			return
		}
	}
}

func (s *Scene) visit(id NodeID, parentWorld math.Mat4, fn func(Instance) bool) bool {
	n := s.nodes[id]
	world := n.Transform.Local().Mul(parentWorld)
	for _, b := range n.Bindings {
		material := b.Material
		if material == NoMaterial {
			material = s.meshes[b.Mesh].Material
		}
		if !fn(Instance{World: world, Mesh: b.Mesh, Material: material, Node: id}) {
			return false
		}
	}
	for _, child := range n.Children {
		if !s.visit(child, world, fn) {
			return false
		}
	}
	return true
}

func (s *Scene) Instances() []Instance {
	out := make([]Instance, 0, s.BindingCount())
	s.Traverse(func(inst Instance) bool {
		out = append(out, inst)
		return true
	})
	return out
}

// Layout is the descriptor contract shared by the scene shaders.
func (s *Scene) Layout() []LayoutEntry {
	return StandardLayout()
}

// LayoutEntry mirrors one descriptor binding of the scene shaders.
type LayoutEntry struct {
	Set     uint32
	Binding uint32
	Type    gpu.DescriptorType
	Stages  gpu.ShaderStage
}

// Set numbers and bindings of StandardLayout.
const (
	FrameSet         = 0
	CameraBinding    = 0
	MaterialSet      = 1
	MaterialsBinding = 0
)

// StandardLayout is the camera block in set 0 and the material array in
// set 1. Shaders index the array with the material of the draw's push
// constants.
func StandardLayout() []LayoutEntry {
	return []LayoutEntry{
		{Set: FrameSet, Binding: CameraBinding, Type: gpu.DescriptorTypeUniformBuffer, Stages: gpu.ShaderStageVertex | gpu.ShaderStageFragment},
		{Set: MaterialSet, Binding: MaterialsBinding, Type: gpu.DescriptorTypeStorageBuffer, Stages: gpu.ShaderStageFragment},
	}
}
