package math

import "github.com/chewxy/math32"

// Mat4 is a row-major 4x4 matrix used with row vectors: a point p maps to
// p*M and the translation lives in Data[12..14]. Composing A then B is
// A.Mul(B).
type Mat4 struct {
	Data [16]float32
}

func NewMat4Identity() Mat4 {
	m := Mat4{}
	m.Data[0] = 1.0
	m.Data[5] = 1.0
	m.Data[10] = 1.0
	m.Data[15] = 1.0
	return m
}

// Mul returns mt * other.
func (mt Mat4) Mul(other Mat4) Mat4 {
	out := Mat4{}
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			sum := float32(0)
			for i := 0; i < 4; i++ {
				sum += mt.Data[row*4+i] * other.Data[i*4+col]
			}
			out.Data[row*4+col] = sum
		}
	}
	return out
}

func NewMat4Translation(position Vec3) Mat4 {
	m := NewMat4Identity()
	m.Data[12] = position.X
	m.Data[13] = position.Y
	m.Data[14] = position.Z
	return m
}

func NewMat4Scale(scale Vec3) Mat4 {
	m := NewMat4Identity()
	m.Data[0] = scale.X
	m.Data[5] = scale.Y
	m.Data[10] = scale.Z
	return m
}

func NewMat4Perspective(fovRadians, aspectRatio, nearClip, farClip float32) Mat4 {
	halfTanFov := math32.Tan(fovRadians * 0.5)
	m := Mat4{}
	m.Data[0] = 1.0 / (aspectRatio * halfTanFov)
	m.Data[5] = 1.0 / halfTanFov
	m.Data[10] = -((farClip + nearClip) / (farClip - nearClip))
	m.Data[11] = -1.0
	m.Data[14] = -((2.0 * farClip * nearClip) / (farClip - nearClip))
	return m
}

func NewMat4LookAt(position, target, up Vec3) Mat4 {
	z := target.Sub(position).Normalized()
	x := z.Cross(up).Normalized()
	y := x.Cross(z)

	m := Mat4{}
	m.Data[0] = x.X
	m.Data[1] = y.X
	m.Data[2] = -z.X
	m.Data[4] = x.Y
	m.Data[5] = y.Y
	m.Data[6] = -z.Y
	m.Data[8] = x.Z
	m.Data[9] = y.Z
	m.Data[10] = -z.Z
	m.Data[12] = -x.Dot(position)
	m.Data[13] = -y.Dot(position)
	m.Data[14] = z.Dot(position)
	m.Data[15] = 1.0
	return m
}

func (mt Mat4) Transposed() Mat4 {
	out := Mat4{}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out.Data[c*4+r] = mt.Data[r*4+c]
		}
	}
	return out
}

// Affine3x4 returns the upper three rows of the column-vector form of mt,
// the layout ray tracing instance descriptors expect.
func (mt Mat4) Affine3x4() [3][4]float32 {
	var out [3][4]float32
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			out[r][c] = mt.Data[c*4+r]
		}
	}
	return out
}

// Compare reports whether every element is within tolerance.
func (mt Mat4) Compare(other Mat4, tolerance float32) bool {
	for i := range mt.Data {
		if math32.Abs(mt.Data[i]-other.Data[i]) > tolerance {
			return false
		}
	}
	return true
}
