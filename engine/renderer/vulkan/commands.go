package vulkan

import (
	"fmt"
	"time"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

// submitTimeout bounds SubmitAndWait. Uploads and builds finish well within it.
const submitTimeout = 10 * time.Second

func (d *Device) AllocateCommandBuffer() (gpu.CommandBuffer, error) {
	var h gpu.CommandBuffer
	err := d.locks.safeCall(commandObjects, func() error {
		buffers := make([]vk.CommandBuffer, 1)
		r := vk.AllocateCommandBuffers(d.logical, &vk.CommandBufferAllocateInfo{
			SType:              vk.StructureTypeCommandBufferAllocateInfo,
			CommandPool:        d.pool,
			Level:              vk.CommandBufferLevelPrimary,
			CommandBufferCount: 1,
		}, buffers)
		if err := resultError("vkAllocateCommandBuffers", r); err != nil {
			return err
		}
		h = gpu.CommandBuffer(d.commands.add(buffers[0]))
		return nil
	})
	return h, err
}

func (d *Device) FreeCommandBuffer(cb gpu.CommandBuffer) {
	d.locks.safeCall(commandObjects, func() error {
		if buf, ok := d.commands.take(uint64(cb)); ok {
			vk.FreeCommandBuffers(d.logical, d.pool, 1, []vk.CommandBuffer{buf})
		}
		return nil
	})
}

func (d *Device) commandBuffer(cb gpu.CommandBuffer) (vk.CommandBuffer, error) {
	var buf vk.CommandBuffer
	err := d.locks.safeCall(commandObjects, func() error {
		var err error
		buf, err = d.commands.get(uint64(cb))
		return err
	})
	return buf, err
}

func (d *Device) Begin(cb gpu.CommandBuffer, oneTimeSubmit bool) (gpu.Encoder, error) {
	buf, err := d.commandBuffer(cb)
	if err != nil {
		return nil, err
	}
	if err := resultError("vkResetCommandBuffer", vk.ResetCommandBuffer(buf, 0)); err != nil {
		return nil, err
	}
	info := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo}
	if oneTimeSubmit {
		info.Flags = vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	if err := resultError("vkBeginCommandBuffer", vk.BeginCommandBuffer(buf, &info)); err != nil {
		return nil, err
	}
	return &encoder{dev: d, cb: buf}, nil
}

func (d *Device) Submit(info gpu.SubmitInfo) error {
	if len(info.Wait) != len(info.WaitStages) {
		return fmt.Errorf("%w: %d wait semaphores with %d stages", core.ErrPrecondition, len(info.Wait), len(info.WaitStages))
	}
	buffers := make([]vk.CommandBuffer, len(info.CommandBuffers))
	for i, cb := range info.CommandBuffers {
		buf, err := d.commandBuffer(cb)
		if err != nil {
			return err
		}
		buffers[i] = buf
	}
	wait := make([]vk.Semaphore, len(info.Wait))
	stages := make([]vk.PipelineStageFlags, len(info.Wait))
	for i, s := range info.Wait {
		sem, err := d.semaphore(s)
		if err != nil {
			return err
		}
		wait[i] = sem
		stages[i] = vk.PipelineStageFlags(info.WaitStages[i])
	}
	signal := make([]vk.Semaphore, len(info.Signal))
	for i, s := range info.Signal {
		sem, err := d.semaphore(s)
		if err != nil {
			return err
		}
		signal[i] = sem
	}
	fence := vk.NullFence
	if info.Fence != 0 {
		f, err := d.fence(info.Fence)
		if err != nil {
			return err
		}
		fence = f
	}

	submit := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   uint32(len(wait)),
		PWaitSemaphores:      wait,
		PWaitDstStageMask:    stages,
		CommandBufferCount:   uint32(len(buffers)),
		PCommandBuffers:      buffers,
		SignalSemaphoreCount: uint32(len(signal)),
		PSignalSemaphores:    signal,
	}
	return resultError("vkQueueSubmit", vk.QueueSubmit(d.graphics, 1, []vk.SubmitInfo{submit}, fence))
}

// SubmitAndWait waits on a private fence rather than the whole queue, so
// frames in flight are not drained.
func (d *Device) SubmitAndWait(cb gpu.CommandBuffer) error {
	fence, err := d.CreateFence(false)
	if err != nil {
		return err
	}
	defer d.DestroyFence(fence)
	if err := d.Submit(gpu.SubmitInfo{CommandBuffers: []gpu.CommandBuffer{cb}, Fence: fence}); err != nil {
		return err
	}
	return d.WaitFence(fence, submitTimeout)
}

// encoder records straight into the command buffer. The first failed handle
// lookup is kept and returned by End; later commands are dropped.
type encoder struct {
	dev        *Device
	cb         vk.CommandBuffer
	indexType  vk.IndexType
	err        error
	inPass     bool
	recordings int
}

var _ gpu.Encoder = (*encoder)(nil)

func (e *encoder) fail(err error) bool {
	if err != nil && e.err == nil {
		e.err = err
	}
	return e.err != nil
}

func (e *encoder) BeginRenderPass(rp gpu.RenderPass, fb gpu.Framebuffer, area gpu.Rect2D, clear []gpu.ClearValue) {
	if e.err != nil {
		return
	}
	pass, err := e.dev.lookupRenderPass(rp)
	if e.fail(err) {
		return
	}
	var framebuffer vk.Framebuffer
	err = e.dev.locks.safeCall(renderpassObjs, func() error {
		var err error
		framebuffer, err = e.dev.framebuffers.get(uint64(fb))
		return err
	})
	if e.fail(err) {
		return
	}

	values := make([]vk.ClearValue, len(clear))
	for i, c := range clear {
		if i == pass.depth {
			values[i] = vk.NewClearDepthStencil(c.Depth, c.Stencil)
		} else {
			values[i] = vk.NewClearValue(c.Color[:])
		}
	}
	vk.CmdBeginRenderPass(e.cb, &vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  pass.handle,
		Framebuffer: framebuffer,
		RenderArea: vk.Rect2D{
			Offset: vk.Offset2D{X: area.Offset.X, Y: area.Offset.Y},
			Extent: vk.Extent2D{Width: area.Extent.Width, Height: area.Extent.Height},
		},
		ClearValueCount: uint32(len(values)),
		PClearValues:    values,
	}, vk.SubpassContentsInline)
	e.inPass = true
	e.recordings++
}

func (e *encoder) EndRenderPass() {
	if e.err != nil || !e.inPass {
		return
	}
	vk.CmdEndRenderPass(e.cb)
	e.inPass = false
}

func (e *encoder) SetViewport(v gpu.Viewport) {
	if e.err != nil {
		return
	}
	vk.CmdSetViewport(e.cb, 0, 1, []vk.Viewport{{
		X:        v.X,
		Y:        v.Y,
		Width:    v.Width,
		Height:   v.Height,
		MinDepth: v.MinDepth,
		MaxDepth: v.MaxDepth,
	}})
}

func (e *encoder) SetScissor(r gpu.Rect2D) {
	if e.err != nil {
		return
	}
	vk.CmdSetScissor(e.cb, 0, 1, []vk.Rect2D{{
		Offset: vk.Offset2D{X: r.Offset.X, Y: r.Offset.Y},
		Extent: vk.Extent2D{Width: r.Extent.Width, Height: r.Extent.Height},
	}})
}

func (e *encoder) BindPipeline(p gpu.Pipeline) {
	if e.err != nil {
		return
	}
	var pipeline vk.Pipeline
	err := e.dev.locks.safeCall(pipelineObjects, func() error {
		var err error
		pipeline, err = e.dev.pipelines.get(uint64(p))
		return err
	})
	if e.fail(err) {
		return
	}
	vk.CmdBindPipeline(e.cb, vk.PipelineBindPointGraphics, pipeline)
}

func (e *encoder) PushConstants(layout gpu.PipelineLayout, stages gpu.ShaderStage, offset uint32, data []byte) {
	if e.err != nil || len(data) == 0 {
		return
	}
	var pl vk.PipelineLayout
	err := e.dev.locks.safeCall(pipelineObjects, func() error {
		var err error
		pl, err = e.dev.pipelineLayouts.get(uint64(layout))
		return err
	})
	if e.fail(err) {
		return
	}
	vk.CmdPushConstants(e.cb, pl, vk.ShaderStageFlags(stages), offset, uint32(len(data)), unsafe.Pointer(&data[0]))
}

func (e *encoder) buffer(b gpu.Buffer) (vk.Buffer, bool) {
	var handle vk.Buffer
	err := e.dev.locks.safeCall(memoryObjects, func() error {
		buf, err := e.dev.buffers.get(uint64(b))
		if err != nil {
			return err
		}
		handle = buf.handle
		return nil
	})
	return handle, !e.fail(err)
}

func (e *encoder) BindVertexBuffer(b gpu.Buffer, offset uint64) {
	if e.err != nil {
		return
	}
	if buf, ok := e.buffer(b); ok {
		vk.CmdBindVertexBuffers(e.cb, 0, 1, []vk.Buffer{buf}, []vk.DeviceSize{vk.DeviceSize(offset)})
	}
}

// BindIndexBuffer binds 32-bit indices, the only index type meshes use.
func (e *encoder) BindIndexBuffer(b gpu.Buffer, offset uint64) {
	if e.err != nil {
		return
	}
	if buf, ok := e.buffer(b); ok {
		vk.CmdBindIndexBuffer(e.cb, buf, vk.DeviceSize(offset), vk.IndexTypeUint32)
	}
}

func (e *encoder) DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32) {
	if e.err != nil {
		return
	}
	vk.CmdDrawIndexed(e.cb, indexCount, instanceCount, firstIndex, vertexOffset, firstInstance)
}

func (e *encoder) BuildAccelerationStructures(builds []gpu.AccelerationBuild) {
	if len(builds) == 0 {
		return
	}
	e.fail(fmt.Errorf("recording %d acceleration structure builds: %w", len(builds), core.ErrUnsupported))
}

func (e *encoder) AccelerationBarrier() {
	e.fail(fmt.Errorf("acceleration structure barrier: %w", core.ErrUnsupported))
}

// End closes an open render pass before ending the buffer, then reports the
// first recording error.
func (e *encoder) End() error {
	if e.inPass {
		vk.CmdEndRenderPass(e.cb)
		e.inPass = false
	}
	if err := resultError("vkEndCommandBuffer", vk.EndCommandBuffer(e.cb)); err != nil && e.err == nil {
		e.err = err
	}
	if e.err != nil {
		core.LogDebug("Command buffer ended with an error after %d render passes.", e.recordings)
	}
	return e.err
}
