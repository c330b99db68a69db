package math

// Transform is a position, rotation and scale triple. The zero value is not
// usable; start from TransformIdentity.
type Transform struct {
	Position Vec3
	Rotation Quaternion
	Scale    Vec3
}

func TransformIdentity() Transform {
	return Transform{
		Position: NewVec3Zero(),
		Rotation: NewQuatIdentity(),
		Scale:    NewVec3One(),
	}
}

func TransformFromPosition(position Vec3) Transform {
	t := TransformIdentity()
	t.Position = position
	return t
}

func TransformFromPositionRotationScale(position Vec3, rotation Quaternion, scale Vec3) Transform {
	return Transform{Position: position, Rotation: rotation, Scale: scale}
}

func (t Transform) Translate(translation Vec3) Transform {
	t.Position = t.Position.Add(translation)
	return t
}

func (t Transform) Rotate(rotation Quaternion) Transform {
	t.Rotation = t.Rotation.Mul(rotation)
	return t
}

// Local returns scale, then rotation, then translation.
func (t Transform) Local() Mat4 {
	rt := t.Rotation.ToMat4().Mul(NewMat4Translation(t.Position))
	return NewMat4Scale(t.Scale).Mul(rt)
}
