package math

// Vertex3D is the interleaved vertex layout shared by meshes, the default
// pipeline vertex input and acceleration structure builds.
type Vertex3D struct {
	Position Vec3
	Normal   Vec3
	Texcoord Vec2
	Tangent  Vec3
	Binormal Vec3
}

// VertexStride is the size in bytes of one Vertex3D.
const VertexStride = 14 * 4

// IsDegenerateTriangle reports whether the triangle a, b, c has zero area.
func IsDegenerateTriangle(a, b, c Vec3) bool {
	return b.Sub(a).Cross(c.Sub(a)).LengthSquared() <= 0
}

// CountTriangles returns the number of non-degenerate triangles in an
// indexed triangle list. Indices outside the vertex range are skipped.
func CountTriangles(vertices []Vertex3D, indices []uint32) uint32 {
	n := uint32(0)
	count := uint32(len(vertices))
	for i := 0; i+2 < len(indices); i += 3 {
		i0, i1, i2 := indices[i], indices[i+1], indices[i+2]
		if i0 >= count || i1 >= count || i2 >= count {
			continue
		}
		if !IsDegenerateTriangle(vertices[i0].Position, vertices[i1].Position, vertices[i2].Position) {
			n++
		}
	}
	return n
}

// GeometryGenerateNormals writes face normals into every vertex of each
// triangle. Smoothing is left to a separate pass.
func GeometryGenerateNormals(vertices []Vertex3D, indices []uint32) {
	for i := 0; i+2 < len(indices); i += 3 {
		i0, i1, i2 := indices[i], indices[i+1], indices[i+2]

		edge1 := vertices[i1].Position.Sub(vertices[i0].Position)
		edge2 := vertices[i2].Position.Sub(vertices[i0].Position)
		normal := edge1.Cross(edge2).Normalized()

		vertices[i0].Normal = normal
		vertices[i1].Normal = normal
		vertices[i2].Normal = normal
	}
}

// GeometryGenerateTangents fills Tangent and Binormal from positions and
// texture coordinates. Triangles with a singular UV mapping are skipped.
func GeometryGenerateTangents(vertices []Vertex3D, indices []uint32) {
	for i := 0; i+2 < len(indices); i += 3 {
		i0, i1, i2 := indices[i], indices[i+1], indices[i+2]

		edge1 := vertices[i1].Position.Sub(vertices[i0].Position)
		edge2 := vertices[i2].Position.Sub(vertices[i0].Position)
		d1 := vertices[i1].Texcoord.Sub(vertices[i0].Texcoord)
		d2 := vertices[i2].Texcoord.Sub(vertices[i0].Texcoord)

		dividend := d1.X*d2.Y - d2.X*d1.Y
		if dividend == 0 {
			continue
		}
		fc := 1.0 / dividend

		tangent := edge1.MulScalar(d2.Y).Sub(edge2.MulScalar(d1.Y)).MulScalar(fc).Normalized()
		binormal := edge2.MulScalar(d1.X).Sub(edge1.MulScalar(d2.X)).MulScalar(fc).Normalized()

		for _, idx := range []uint32{i0, i1, i2} {
			vertices[idx].Tangent = tangent
			vertices[idx].Binormal = binormal
		}
	}
}

type cubeFace struct {
	normal, right, up Vec3
}

var cubeFaces = [6]cubeFace{
	{NewVec3(0, 0, 1), NewVec3(1, 0, 0), NewVec3(0, 1, 0)},
	{NewVec3(0, 0, -1), NewVec3(-1, 0, 0), NewVec3(0, 1, 0)},
	{NewVec3(1, 0, 0), NewVec3(0, 0, -1), NewVec3(0, 1, 0)},
	{NewVec3(-1, 0, 0), NewVec3(0, 0, 1), NewVec3(0, 1, 0)},
	{NewVec3(0, 1, 0), NewVec3(1, 0, 0), NewVec3(0, 0, -1)},
	{NewVec3(0, -1, 0), NewVec3(1, 0, 0), NewVec3(0, 0, 1)},
}

// GenerateCube builds a box centered on the origin with 4 vertices per side
// so every face keeps its own normal. Triangles wind counter-clockwise seen
// from outside. tileX and tileY repeat the texture across each face; zero
// sizes are treated as one.
func GenerateCube(width, height, depth, tileX, tileY float32) ([]Vertex3D, []uint32) {
	one := func(v float32) float32 {
		if v == 0 {
			return 1
		}
		return v
	}
	half := NewVec3(one(width)*0.5, one(height)*0.5, one(depth)*0.5)
	tileX, tileY = one(tileX), one(tileY)

	corners := [4]struct{ x, y, u, v float32 }{
		{-1, -1, 0, 0},
		{1, -1, tileX, 0},
		{1, 1, tileX, tileY},
		{-1, 1, 0, tileY},
	}

	vertices := make([]Vertex3D, 0, 4*6)
	indices := make([]uint32, 0, 6*6)
	for _, f := range cubeFaces {
		base := uint32(len(vertices))
		for _, c := range corners {
			p := f.normal.Add(f.right.MulScalar(c.x)).Add(f.up.MulScalar(c.y))
			vertices = append(vertices, Vertex3D{
				Position: p.Mul(half),
				Normal:   f.normal,
				Texcoord: NewVec2(c.u, c.v),
			})
		}
		indices = append(indices, base, base+1, base+2, base, base+2, base+3)
	}
	GeometryGenerateTangents(vertices, indices)
	return vertices, indices
}
