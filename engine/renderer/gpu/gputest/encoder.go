package gputest

import (
	"fmt"

	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

type Op string

const (
	OpBeginRenderPass Op = "begin-render-pass"
	OpEndRenderPass   Op = "end-render-pass"
	OpSetViewport     Op = "set-viewport"
	OpSetScissor      Op = "set-scissor"
	OpBindPipeline    Op = "bind-pipeline"
	OpBindSets        Op = "bind-descriptor-sets"
	OpPushConstants   Op = "push-constants"
	OpBindVertex      Op = "bind-vertex-buffer"
	OpBindIndex       Op = "bind-index-buffer"
	OpDrawIndexed     Op = "draw-indexed"
	OpBuildAccel      Op = "build-acceleration-structures"
	OpAccelBarrier    Op = "acceleration-barrier"
)

// Command is one recorded encoder call. Only the fields relevant to Op are
// set.
type Command struct {
	Op          Op
	Handle      uint64
	Framebuffer gpu.Framebuffer
	Offset      uint64
	Count       uint32
	FirstIndex  uint32
	Data        []byte
	Builds      []gpu.AccelerationBuild
	Sets        []gpu.DescriptorSet
}

type Encoder struct {
	dev   *Device
	cb    gpu.CommandBuffer
	ended bool
}

var _ gpu.Encoder = (*Encoder)(nil)

func (e *Encoder) record(c Command) {
	e.dev.mu.Lock()
	defer e.dev.mu.Unlock()
	if e.ended {
		e.dev.misuse = append(e.dev.misuse, fmt.Sprintf("%s recorded after End", c.Op))
		return
	}
	e.dev.commands[e.cb] = append(e.dev.commands[e.cb], c)
}

func (e *Encoder) BeginRenderPass(rp gpu.RenderPass, fb gpu.Framebuffer, area gpu.Rect2D, clear []gpu.ClearValue) {
	e.record(Command{Op: OpBeginRenderPass, Handle: uint64(rp), Framebuffer: fb})
}

func (e *Encoder) EndRenderPass() {
	e.record(Command{Op: OpEndRenderPass})
}

func (e *Encoder) SetViewport(v gpu.Viewport) {
	e.record(Command{Op: OpSetViewport})
}

func (e *Encoder) SetScissor(r gpu.Rect2D) {
	e.record(Command{Op: OpSetScissor})
}

func (e *Encoder) BindPipeline(p gpu.Pipeline) {
	e.record(Command{Op: OpBindPipeline, Handle: uint64(p)})
}

// BindDescriptorSets records the layout in Handle and firstSet in Offset.
func (e *Encoder) BindDescriptorSets(layout gpu.PipelineLayout, firstSet uint32, sets []gpu.DescriptorSet) {
	e.dev.mu.Lock()
	e.dev.requireLive(KindPipelineLayout, uint64(layout), "bind descriptor sets")
	for _, s := range sets {
		e.dev.requireLive(KindDescriptorSet, uint64(s), "bind descriptor sets")
	}
	e.dev.mu.Unlock()
	e.record(Command{Op: OpBindSets, Handle: uint64(layout), Offset: uint64(firstSet), Sets: append([]gpu.DescriptorSet(nil), sets...)})
}

func (e *Encoder) PushConstants(layout gpu.PipelineLayout, stages gpu.ShaderStage, offset uint32, data []byte) {
	e.record(Command{Op: OpPushConstants, Handle: uint64(layout), Offset: uint64(offset), Data: append([]byte(nil), data...)})
}

func (e *Encoder) BindVertexBuffer(b gpu.Buffer, offset uint64) {
	e.record(Command{Op: OpBindVertex, Handle: uint64(b), Offset: offset})
}

func (e *Encoder) BindIndexBuffer(b gpu.Buffer, offset uint64) {
	e.record(Command{Op: OpBindIndex, Handle: uint64(b), Offset: offset})
}

func (e *Encoder) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	e.record(Command{Op: OpDrawIndexed, Count: indexCount, FirstIndex: firstIndex})
}

func (e *Encoder) BuildAccelerationStructures(builds []gpu.AccelerationBuild) {
	e.dev.mu.Lock()
	for _, b := range builds {
		if _, ok := e.dev.accels[b.Dst]; !ok {
			e.dev.misuse = append(e.dev.misuse, fmt.Sprintf("build into unknown acceleration structure %d", b.Dst))
		}
		if b.Mode == gpu.AccelerationModeUpdate {
			if _, ok := e.dev.accels[b.Src]; !ok {
				e.dev.misuse = append(e.dev.misuse, fmt.Sprintf("refit from unknown acceleration structure %d", b.Src))
			}
		}
	}
	e.dev.builds = append(e.dev.builds, builds...)
	e.dev.mu.Unlock()
	e.record(Command{Op: OpBuildAccel, Builds: append([]gpu.AccelerationBuild(nil), builds...)})
}

func (e *Encoder) AccelerationBarrier() {
	e.record(Command{Op: OpAccelBarrier})
}

func (e *Encoder) End() error {
	e.dev.mu.Lock()
	defer e.dev.mu.Unlock()
	if e.ended {
		return fmt.Errorf("command buffer %d already ended", e.cb)
	}
	e.ended = true
	return nil
}

// Ops returns just the op names of a command list.
func Ops(cmds []Command) []Op {
	out := make([]Op, len(cmds))
	for i, c := range cmds {
		out[i] = c.Op
	}
	return out
}
