package math

import "github.com/chewxy/math32"

// Vec2 represents a 2D vector
type Vec2 struct {
	X, Y float32
}

// Vec3 represents a 3D vector
type Vec3 struct {
	X, Y, Z float32
}

// Vec4 represents a 4D vector
type Vec4 struct {
	X, Y, Z, W float32
}

func NewVec2(x, y float32) Vec2 {
	return Vec2{X: x, Y: y}
}

func (v Vec2) Sub(other Vec2) Vec2 {
	return Vec2{v.X - other.X, v.Y - other.Y}
}

func NewVec3(x, y, z float32) Vec3 {
	return Vec3{X: x, Y: y, Z: z}
}

func NewVec3Zero() Vec3 {
	return Vec3{}
}

func NewVec3One() Vec3 {
	return Vec3{1, 1, 1}
}

func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{v.X + other.X, v.Y + other.Y, v.Z + other.Z}
}

func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{v.X - other.X, v.Y - other.Y, v.Z - other.Z}
}

// Mul multiplies component-wise.
func (v Vec3) Mul(other Vec3) Vec3 {
	return Vec3{v.X * other.X, v.Y * other.Y, v.Z * other.Z}
}

func (v Vec3) MulScalar(scalar float32) Vec3 {
	return Vec3{v.X * scalar, v.Y * scalar, v.Z * scalar}
}

func (v Vec3) Dot(other Vec3) float32 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

func (v Vec3) Cross(other Vec3) Vec3 {
	return Vec3{
		v.Y*other.Z - v.Z*other.Y,
		v.Z*other.X - v.X*other.Z,
		v.X*other.Y - v.Y*other.X,
	}
}

func (v Vec3) LengthSquared() float32 {
	return v.Dot(v)
}

func (v Vec3) Length() float32 {
	return math32.Sqrt(v.LengthSquared())
}

// Normalized returns a unit vector, or the zero vector when v has no length.
func (v Vec3) Normalized() Vec3 {
	l := v.Length()
	if l == 0 {
		return Vec3{}
	}
	return v.MulScalar(1 / l)
}

// Compare reports whether every component is within tolerance.
func (v Vec3) Compare(other Vec3, tolerance float32) bool {
	return math32.Abs(v.X-other.X) <= tolerance &&
		math32.Abs(v.Y-other.Y) <= tolerance &&
		math32.Abs(v.Z-other.Z) <= tolerance
}

// Transform multiplies the point v (w = 1) by m.
func (v Vec3) Transform(m Mat4) Vec3 {
	return Vec3{
		v.X*m.Data[0] + v.Y*m.Data[4] + v.Z*m.Data[8] + m.Data[12],
		v.X*m.Data[1] + v.Y*m.Data[5] + v.Z*m.Data[9] + m.Data[13],
		v.X*m.Data[2] + v.Y*m.Data[6] + v.Z*m.Data[10] + m.Data[14],
	}
}

func (v Vec3) ToVec4(w float32) Vec4 {
	return Vec4{v.X, v.Y, v.Z, w}
}

func NewVec4(x, y, z, w float32) Vec4 {
	return Vec4{X: x, Y: y, Z: z, W: w}
}

func (v Vec4) ToVec3() Vec3 {
	return Vec3{v.X, v.Y, v.Z}
}
