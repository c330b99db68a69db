package renderer

import (
	"encoding/binary"
	"fmt"
	stdmath "math"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/math"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/pipeline"
	"github.com/spaghettifunk/mandrill/engine/scene"
)

// InstancePushSize is the push constant block written per draw: the world
// matrix followed by the material and mesh index.
const InstancePushSize = 64 + 4 + 4

// InstancePushRange must be part of every layout used with Draw.
var InstancePushRange = gpu.PushConstantRange{
	Stages: gpu.ShaderStageVertex | gpu.ShaderStageFragment,
	Offset: 0,
	Size:   InstancePushSize,
}

// EncodeInstance packs the push constants of one draw.
func EncodeInstance(inst scene.Instance) []byte {
	b := make([]byte, 0, InstancePushSize)
	for _, f := range inst.World.Data {
		b = binary.LittleEndian.AppendUint32(b, stdmath.Float32bits(f))
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(inst.Material))
	b = binary.LittleEndian.AppendUint32(b, uint32(inst.Mesh))
	return b
}

// Draw binds p and the frame's descriptor sets and issues one indexed draw
// per instance of the frame, in traversal order. Each mesh is drawn from its
// range of the scene buffers. p's layout has to be compatible with the
// renderer's scene layout.
func (c FrameContext) Draw(p *pipeline.Pipeline) error {
	if err := core.Assert(c.layout != nil && c.layout.Compatible(p.Layout()), "pipeline %s: layout %s does not match the scene layout", p.Name(), p.Layout().Name()); err != nil {
		return err
	}
	if err := p.Bind(c.Encoder, c.Pass); err != nil {
		return err
	}
	if len(c.Instances) == 0 {
		return nil
	}
	vb, err := c.Scene.VertexBuffer()
	if err != nil {
		return err
	}
	ib, err := c.Scene.IndexBuffer()
	if err != nil {
		return err
	}
	c.Encoder.BindDescriptorSets(p.Layout().Handle(), scene.FrameSet, c.sets)
	for _, inst := range c.Instances {
		m, ok := c.Scene.Mesh(inst.Mesh)
		if !ok {
			return fmt.Errorf("instance of node %d draws mesh %d: %w", inst.Node, inst.Mesh, core.ErrDanglingReference)
		}
		if err := p.Layout().PushConstants(c.Encoder, InstancePushRange.Stages, 0, EncodeInstance(inst)); err != nil {
			return err
		}
		c.Encoder.BindVertexBuffer(vb, uint64(m.FirstVertex)*math.VertexStride)
		c.Encoder.BindIndexBuffer(ib, uint64(m.FirstIndex)*4)
		c.Encoder.DrawIndexed(m.IndexCount(), 1, 0, 0, 0)
	}
	return nil
}
