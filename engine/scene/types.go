package scene

import (
	"encoding/binary"
	stdmath "math"

	"github.com/spaghettifunk/mandrill/engine/math"
)

type (
	MeshID     uint32
	MaterialID uint32
	NodeID     uint32
)

// Sentinels for "no reference". IDs handed out by a Scene never take these
// values.
const (
	NoNode     NodeID     = stdmath.MaxUint32
	NoMaterial MaterialID = stdmath.MaxUint32
)

// Mesh is an indexed triangle list. Offsets are assigned by Compile and
// locate the mesh inside the scene's device buffers.
type Mesh struct {
	Name     string
	Vertices []math.Vertex3D
	Indices  []uint32
	// Material is used by bindings that do not name one. May be NoMaterial.
	Material MaterialID

	FirstVertex uint32
	FirstIndex  uint32
}

func (m *Mesh) IndexCount() uint32 {
	return uint32(len(m.Indices))
}

// TriangleCount is the number of non-degenerate triangles.
func (m *Mesh) TriangleCount() uint32 {
	return math.CountTriangles(m.Vertices, m.Indices)
}

// MaterialParams is uploaded as one std140 block of 64 bytes.
type MaterialParams struct {
	Diffuse    math.Vec3
	Shininess  float32
	Specular   math.Vec3
	IOR        float32
	Ambient    math.Vec3
	Opacity    float32
	Emission   math.Vec3
	HasTexture uint32
}

const MaterialParamsSize = 64

func (p MaterialParams) AppendBytes(b []byte) []byte {
	put := func(f float32) {
		b = binary.LittleEndian.AppendUint32(b, stdmath.Float32bits(f))
	}
	vec := func(v math.Vec3) {
		put(v.X)
		put(v.Y)
		put(v.Z)
	}
	vec(p.Diffuse)
	put(p.Shininess)
	vec(p.Specular)
	put(p.IOR)
	vec(p.Ambient)
	put(p.Opacity)
	vec(p.Emission)
	b = binary.LittleEndian.AppendUint32(b, p.HasTexture)
	return b
}

// DefaultMaterialParams is an opaque mid-grey.
func DefaultMaterialParams() MaterialParams {
	return MaterialParams{
		Diffuse:   math.NewVec3(0.8, 0.8, 0.8),
		Shininess: 32,
		Specular:  math.NewVec3(0.5, 0.5, 0.5),
		IOR:       1,
		Opacity:   1,
	}
}

type Material struct {
	Name   string
	Params MaterialParams

	DiffuseTexture  string
	SpecularTexture string
	AmbientTexture  string
	EmissionTexture string
	NormalTexture   string
}

func (m *Material) Textures() []string {
	return []string{m.DiffuseTexture, m.SpecularTexture, m.AmbientTexture, m.EmissionTexture, m.NormalTexture}
}

// Binding attaches a mesh to a node. A Material of NoMaterial falls back to
// the mesh's own material.
type Binding struct {
	Mesh     MeshID
	Material MaterialID
}

type Node struct {
	Name      string
	Transform math.Transform
	Parent    NodeID
	Children  []NodeID
	Bindings  []Binding

	removed bool
}

// Instance is one visited binding: the node's world transform and the mesh
// and material to draw with it.
type Instance struct {
	World    math.Mat4
	Mesh     MeshID
	Material MaterialID
	Node     NodeID
}

// EncodeVertices packs vertices in the Vertex3D layout.
func EncodeVertices(vs []math.Vertex3D) []byte {
	b := make([]byte, 0, len(vs)*math.VertexStride)
	put := func(f float32) {
		b = binary.LittleEndian.AppendUint32(b, stdmath.Float32bits(f))
	}
	for _, v := range vs {
		put(v.Position.X)
		put(v.Position.Y)
		put(v.Position.Z)
		put(v.Normal.X)
		put(v.Normal.Y)
		put(v.Normal.Z)
		put(v.Texcoord.X)
		put(v.Texcoord.Y)
		put(v.Tangent.X)
		put(v.Tangent.Y)
		put(v.Tangent.Z)
		put(v.Binormal.X)
		put(v.Binormal.Y)
		put(v.Binormal.Z)
	}
	return b
}

func EncodeIndices(is []uint32) []byte {
	b := make([]byte, 0, len(is)*4)
	for _, i := range is {
		b = binary.LittleEndian.AppendUint32(b, i)
	}
	return b
}
