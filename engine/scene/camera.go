package scene

import (
	"encoding/binary"
	stdmath "math"

	"github.com/chewxy/math32"

	"github.com/spaghettifunk/mandrill/engine/math"
)

// CameraUniformSize is the std140 block the scene shaders read from set 0:
// view, projection and the eye position padded to a vec4.
const CameraUniformSize = 64 + 64 + 16

// pitchLimit keeps the camera off the poles, 89 degrees.
const pitchLimit = float32(1.55334306)

/**
 * @brief A perspective camera steered by yaw and pitch. The view matrix is
 * rebuilt lazily after the position or rotation changed.
 */
type Camera struct {
	position math.Vec3
	// yaw turns around +Y, pitch around the camera's right axis. Both zero
	// looks down -Z.
	yaw   float32
	pitch float32

	FovY float32
	Near float32
	Far  float32

	isDirty    bool
	viewMatrix math.Mat4
}

func NewCamera() *Camera {
	c := &Camera{}
	c.Reset()
	return c
}

func (c *Camera) Reset() {
	c.position = math.NewVec3Zero()
	c.yaw, c.pitch = 0, 0
	c.FovY = math.DegToRad(45)
	c.Near = 0.1
	c.Far = 1000
	c.isDirty = true
}

func (c *Camera) GetPosition() math.Vec3 {
	return c.position
}

func (c *Camera) SetPosition(position math.Vec3) {
	c.position = position
	c.isDirty = true
}

// GetRotation returns yaw and pitch in radians.
func (c *Camera) GetRotation() (float32, float32) {
	return c.yaw, c.pitch
}

func (c *Camera) SetRotation(yaw, pitch float32) {
	c.yaw = yaw
	c.pitch = math.Clamp(pitch, -pitchLimit, pitchLimit)
	c.isDirty = true
}

func (c *Camera) Forward() math.Vec3 {
	cp := math32.Cos(c.pitch)
	return math.NewVec3(math32.Sin(c.yaw)*cp, math32.Sin(c.pitch), -math32.Cos(c.yaw)*cp)
}

func (c *Camera) Backward() math.Vec3 {
	return c.Forward().MulScalar(-1)
}

func (c *Camera) Right() math.Vec3 {
	return c.Forward().Cross(math.NewVec3(0, 1, 0)).Normalized()
}

func (c *Camera) Left() math.Vec3 {
	return c.Right().MulScalar(-1)
}

func (c *Camera) GetView() math.Mat4 {
	if c.isDirty {
		c.viewMatrix = math.NewMat4LookAt(c.position, c.position.Add(c.Forward()), math.NewVec3(0, 1, 0))
		c.isDirty = false
	}
	return c.viewMatrix
}

// GetProjection maps view space to Vulkan clip space: Y points down and
// depth runs from 0 at Near to 1 at Far.
func (c *Camera) GetProjection(aspect float32) math.Mat4 {
	clip := math.NewMat4Identity()
	clip.Data[5] = -1
	clip.Data[10] = 0.5
	clip.Data[14] = 0.5
	return math.NewMat4Perspective(c.FovY, aspect, c.Near, c.Far).Mul(clip)
}

func (c *Camera) move(direction math.Vec3, amount float32) {
	c.position = c.position.Add(direction.MulScalar(amount))
	c.isDirty = true
}

func (c *Camera) MoveForward(amount float32) {
	c.move(c.Forward(), amount)
}

func (c *Camera) MoveBackward(amount float32) {
	c.move(c.Backward(), amount)
}

func (c *Camera) MoveLeft(amount float32) {
	c.move(c.Left(), amount)
}

func (c *Camera) MoveRight(amount float32) {
	c.move(c.Right(), amount)
}

func (c *Camera) MoveUp(amount float32) {
	c.move(math.NewVec3(0, 1, 0), amount)
}

func (c *Camera) MoveDown(amount float32) {
	c.move(math.NewVec3(0, -1, 0), amount)
}

func (c *Camera) Yaw(amount float32) {
	c.SetRotation(c.yaw+amount, c.pitch)
}

func (c *Camera) Pitch(amount float32) {
	c.SetRotation(c.yaw, c.pitch+amount)
}

// LookAt turns the camera towards target.
func (c *Camera) LookAt(target math.Vec3) {
	dir := target.Sub(c.position)
	if dir.LengthSquared() == 0 {
		return
	}
	dir = dir.Normalized()
	c.SetRotation(math32.Atan2(dir.X, -dir.Z), math32.Asin(dir.Y))
}

// AppendUniform packs the camera block for a framebuffer of the given
// aspect ratio.
func (c *Camera) AppendUniform(b []byte, aspect float32) []byte {
	put := func(f float32) {
		b = binary.LittleEndian.AppendUint32(b, stdmath.Float32bits(f))
	}
	view := c.GetView()
	for _, f := range view.Data {
		put(f)
	}
	projection := c.GetProjection(aspect)
	for _, f := range projection.Data {
		put(f)
	}
	put(c.position.X)
	put(c.position.Y)
	put(c.position.Z)
	put(1)
	return b
}
