package vulkan

import (
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

func TestTableHandles(t *testing.T) {
	tb := newTable[string]("widget")
	a := tb.add("a")
	b := tb.add("b")
	assert.NotZero(t, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, tb.len())

	v, err := tb.get(b)
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	v, ok := tb.take(a)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	_, ok = tb.take(a)
	assert.False(t, ok)

	_, err = tb.get(a)
	assert.ErrorIs(t, err, core.ErrDanglingReference)
	assert.Contains(t, err.Error(), "widget")

	// handles are never reused
	c := tb.add("c")
	assert.Greater(t, c, b)
}

func TestLockPoolReturnsSameMutex(t *testing.T) {
	p := newLockPool()
	assert.Same(t, p.get(memoryObjects), p.get(memoryObjects))
	assert.NotSame(t, p.get(memoryObjects), p.get(syncObjects))

	err := p.safeCall(pipelineObjects, func() error { return core.ErrTimeout })
	assert.ErrorIs(t, err, core.ErrTimeout)
}

func TestResultError(t *testing.T) {
	cases := []struct {
		result vk.Result
		want   error
	}{
		{vk.ErrorDeviceLost, core.ErrDeviceLost},
		{vk.ErrorOutOfDate, core.ErrOutOfDate},
		{vk.ErrorSurfaceLost, core.ErrDeviceLost},
		{vk.Timeout, core.ErrTimeout},
		{vk.NotReady, core.ErrTimeout},
		{vk.ErrorFormatNotSupported, core.ErrUnsupportedFormat},
		{vk.ErrorExtensionNotPresent, core.ErrUnsupported},
		{vk.ErrorIncompatibleDriver, core.ErrUnsupported},
	}
	for _, c := range cases {
		t.Run(resultString(c.result), func(t *testing.T) {
			err := resultError("vkTest", c.result)
			assert.ErrorIs(t, err, c.want)
			assert.Contains(t, err.Error(), "vkTest")
		})
	}

	assert.NoError(t, resultError("vkTest", vk.Success))
	assert.NoError(t, resultError("vkTest", vk.Suboptimal))

	err := resultError("vkAllocateMemory", vk.ErrorOutOfDeviceMemory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VK_ERROR_OUT_OF_DEVICE_MEMORY")

	// recreating the swapchain cannot recover a lost surface
	err = resultError("vkAcquireNextImageKHR", vk.ErrorSurfaceLost)
	assert.NotErrorIs(t, err, core.ErrOutOfDate)
	assert.Contains(t, err.Error(), "VK_ERROR_SURFACE_LOST_KHR")
}

func TestResultStringUnknown(t *testing.T) {
	assert.Equal(t, "VkResult(-12345)", resultString(vk.Result(-12345)))
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "abc\x00", safeString("abc"))
	assert.Equal(t, "abc\x00", safeString("abc\x00"))
	assert.Equal(t, "\x00", safeString(""))

	in := []string{"a", "b"}
	out := safeStrings(in)
	assert.Equal(t, []string{"a\x00", "b\x00"}, out)
	assert.Equal(t, []string{"a", "b"}, in)

	assert.Equal(t, "GPU", cString([]byte{'G', 'P', 'U', 0, 'x', 'y'}))
	assert.Equal(t, "full", cString([]byte("full")))
}

func TestQueueFamiliesUnique(t *testing.T) {
	assert.Equal(t, []uint32{0}, queueFamilies{}.unique())
	assert.Equal(t, []uint32{0, 2}, queueFamilies{graphics: 0, present: 0, transfer: 2}.unique())
	assert.Equal(t, []uint32{1, 0, 2}, queueFamilies{graphics: 1, present: 0, transfer: 2}.unique())
	assert.Equal(t, []uint32{1, 3}, queueFamilies{graphics: 1, present: 3, transfer: 3}.unique())
}

func TestNewRequiresSurface(t *testing.T) {
	_, err := New(Options{AppName: "test"})
	assert.ErrorIs(t, err, core.ErrPrecondition)
}

func TestValidationBeforeDeviceCalls(t *testing.T) {
	d := &Device{locks: newLockPool()}

	_, err := d.CreateBuffer(gpu.BufferDesc{Label: "empty"})
	assert.ErrorIs(t, err, core.ErrPrecondition)

	_, err = d.CreateShaderModule(nil)
	assert.ErrorIs(t, err, core.ErrPrecondition)

	_, err = d.CreateRenderPass(gpu.RenderPassDesc{
		Colors:  []gpu.AttachmentDesc{{Format: gpu.FormatB8G8R8A8Unorm}},
		Resolve: make([]gpu.AttachmentDesc, 2),
	})
	assert.ErrorIs(t, err, core.ErrPrecondition)

	_, err = d.CreatePipelineLayout(nil, make([]gpu.PushConstantRange, maxPushConstantRanges+1))
	assert.ErrorIs(t, err, core.ErrPrecondition)

	d.props.Limits.MaxPushConstantsSize = 128
	_, err = d.CreatePipelineLayout(nil, []gpu.PushConstantRange{{Stages: gpu.ShaderStageVertex, Offset: 64, Size: 128}})
	assert.ErrorIs(t, err, core.ErrPrecondition)

	_, err = d.CreateGraphicsPipeline(gpu.GraphicsPipelineDesc{})
	assert.ErrorIs(t, err, core.ErrPrecondition)

	err = d.Submit(gpu.SubmitInfo{Wait: []gpu.Semaphore{1}})
	assert.ErrorIs(t, err, core.ErrPrecondition)

	_, err = d.SurfaceCapabilities(SurfaceHandle)
	assert.ErrorIs(t, err, core.ErrDanglingReference)
}

func TestUnknownHandles(t *testing.T) {
	d := &Device{
		locks:      newLockPool(),
		semaphores: newTable[vk.Semaphore]("semaphore"),
		fences:     newTable[vk.Fence]("fence"),
		commands:   newTable[vk.CommandBuffer]("command buffer"),
		swapchains: newTable[*swapchain]("swapchain"),
	}
	_, err := d.fence(7)
	assert.ErrorIs(t, err, core.ErrDanglingReference)
	_, err = d.semaphore(7)
	assert.ErrorIs(t, err, core.ErrDanglingReference)
	_, err = d.Begin(3, true)
	assert.ErrorIs(t, err, core.ErrDanglingReference)
	_, err = d.swapchainHandle(1)
	assert.ErrorIs(t, err, core.ErrDanglingReference)

	// destroying unknown handles is a no-op
	d.DestroyFence(7)
	d.DestroySemaphore(7)
	d.FreeCommandBuffer(3)
	d.DestroySwapchain(1)
}

func TestAccelerationUnsupported(t *testing.T) {
	d := &Device{}

	_, err := d.AccelerationStructureSizes(gpu.AccelerationGeometryDesc{Level: gpu.AccelerationBottomLevel})
	assert.ErrorIs(t, err, core.ErrUnsupported)
	_, err = d.CreateAccelerationStructure(gpu.AccelerationStructureDesc{Size: 256})
	assert.ErrorIs(t, err, core.ErrUnsupported)
	_, err = d.AccelerationStructureAddress(1)
	assert.ErrorIs(t, err, core.ErrUnsupported)
	_, err = d.BufferAddress(1)
	assert.ErrorIs(t, err, core.ErrUnsupported)
	d.DestroyAccelerationStructure(1)
}

func TestEncoderKeepsFirstError(t *testing.T) {
	e := &encoder{dev: &Device{locks: newLockPool()}}
	e.BuildAccelerationStructures(nil)
	assert.NoError(t, e.err)

	e.BuildAccelerationStructures(make([]gpu.AccelerationBuild, 2))
	require.ErrorIs(t, e.err, core.ErrUnsupported)
	first := e.err

	e.AccelerationBarrier()
	assert.Equal(t, first, e.err)

	// commands after a failure are dropped without touching the buffer
	e.BindPipeline(1)
	e.BindVertexBuffer(1, 0)
	e.DrawIndexed(3, 1, 0, 0, 0)
	assert.Equal(t, first, e.err)
}

func TestDescriptorValidation(t *testing.T) {
	d := &Device{
		locks:           newLockPool(),
		buffers:         newTable[*buffer]("buffer"),
		setLayouts:      newTable[vk.DescriptorSetLayout]("descriptor set layout"),
		descriptorPools: newTable[*descriptorPool]("descriptor pool"),
		descriptorSets:  newTable[*descriptorSet]("descriptor set"),
		pipelineLayouts: newTable[vk.PipelineLayout]("pipeline layout"),
	}

	_, err := d.CreateDescriptorPool(gpu.DescriptorPoolDesc{})
	assert.ErrorIs(t, err, core.ErrPrecondition)

	_, err = d.AllocateDescriptorSet(4, 2)
	assert.ErrorIs(t, err, core.ErrDanglingReference)

	err = d.UpdateDescriptorSet(1, []gpu.DescriptorWrite{{Binding: 0, Type: gpu.DescriptorTypeUniformBuffer, Buffer: 9}})
	assert.ErrorIs(t, err, core.ErrDanglingReference)
	assert.Contains(t, err.Error(), "buffer")

	b := gpu.Buffer(d.buffers.add(&buffer{size: 64, label: "camera"}))
	err = d.UpdateDescriptorSet(1, []gpu.DescriptorWrite{{Binding: 0, Type: gpu.DescriptorTypeUniformBuffer, Buffer: b, Offset: 32, Range: 64}})
	assert.ErrorIs(t, err, core.ErrPrecondition)
	err = d.UpdateDescriptorSet(1, []gpu.DescriptorWrite{{Binding: 0, Type: gpu.DescriptorTypeUniformBuffer, Buffer: b}})
	assert.ErrorIs(t, err, core.ErrDanglingReference)
	assert.Contains(t, err.Error(), "descriptor set")

	e := &encoder{dev: d}
	e.BindDescriptorSets(1, 0, nil)
	assert.NoError(t, e.err)
	e.BindDescriptorSets(1, 0, []gpu.DescriptorSet{1})
	assert.ErrorIs(t, e.err, core.ErrDanglingReference)

	// unknown pools are ignored
	d.DestroyDescriptorPool(3)
}
