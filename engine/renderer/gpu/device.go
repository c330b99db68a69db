// Package gpu defines the device contract the renderer is written against.
// The Vulkan backend implements it for real hardware and gputest implements
// it in memory.
//
// Errors returned by a Device wrap the sentinels of the core package:
// core.ErrDeviceLost, core.ErrOutOfDate, core.ErrTimeout,
// core.ErrUnsupported and core.ErrUnsupportedFormat.
package gpu

import "time"

type Limits struct {
	MaxPushConstantsSize         uint32
	MaxImageDimension2D          uint32
	FramebufferColorSampleCounts SampleCount
	FramebufferDepthSampleCounts SampleCount
	// MaxInstanceCount is the top-level acceleration structure instance
	// limit. Zero when ray tracing is unavailable.
	MaxInstanceCount                uint64
	MinAccelerationScratchAlignment uint32
}

type Properties struct {
	DeviceName string
	Limits     Limits
	RayTracing bool
}

type SurfaceFormat struct {
	Format     Format
	ColorSpace ColorSpace
}

type SurfaceCapabilities struct {
	MinImageCount uint32
	// MaxImageCount is zero when the surface sets no upper bound.
	MaxImageCount uint32
	// CurrentExtent is {0xFFFFFFFF, 0xFFFFFFFF} when the surface lets the
	// swapchain pick its size.
	CurrentExtent Extent2D
	MinExtent     Extent2D
	MaxExtent     Extent2D
	Formats       []SurfaceFormat
	PresentModes  []PresentMode
}

type SwapchainDesc struct {
	Surface     Surface
	Format      SurfaceFormat
	Extent      Extent2D
	ImageCount  uint32
	PresentMode PresentMode
	Old         Swapchain
}

type ImageDesc struct {
	Extent  Extent2D
	Format  Format
	Samples SampleCount
	Usage   ImageUsage
}

type BufferDesc struct {
	Size  uint64
	Usage BufferUsage
	// HostVisible buffers can be written with WriteBuffer.
	HostVisible bool
	Label       string
}

type AttachmentDesc struct {
	Format      Format
	Samples     SampleCount
	Load        LoadOp
	Store       StoreOp
	FinalLayout ImageLayout
}

// RenderPassDesc describes a single subpass render pass. Resolve is either
// empty or has one entry per color attachment.
type RenderPassDesc struct {
	Colors  []AttachmentDesc
	Resolve []AttachmentDesc
	Depth   *AttachmentDesc
}

// FramebufferDesc lists views in render pass order: colors, resolves, depth.
type FramebufferDesc struct {
	RenderPass  RenderPass
	Attachments []ImageView
	Extent      Extent2D
}

type LayoutBinding struct {
	Binding uint32
	Type    DescriptorType
	Count   uint32
	Stages  ShaderStage
}

type DescriptorPoolSize struct {
	Type  DescriptorType
	Count uint32
}

type DescriptorPoolDesc struct {
	MaxSets uint32
	Sizes   []DescriptorPoolSize
}

// DescriptorWrite points one buffer binding of a set at a range of Buffer. A
// Range of zero covers the buffer from Offset to its end.
type DescriptorWrite struct {
	Binding uint32
	Type    DescriptorType
	Buffer  Buffer
	Offset  uint64
	Range   uint64
}

type PushConstantRange struct {
	Stages ShaderStage
	Offset uint32
	Size   uint32
}

type ShaderStageDesc struct {
	Stage  ShaderStage
	Module ShaderModule
	Entry  string
}

type VertexAttribute struct {
	Location uint32
	Format   Format
	Offset   uint32
}

type GraphicsPipelineDesc struct {
	Layout       PipelineLayout
	RenderPass   RenderPass
	Stages       []ShaderStageDesc
	VertexStride uint32
	Attributes   []VertexAttribute
	Topology     PrimitiveTopology
	PolygonMode  PolygonMode
	CullMode     CullMode
	// FrontFaceClockwise flips the default counter-clockwise winding.
	FrontFaceClockwise bool
	LineWidth          float32
	DepthTest          bool
	DepthWrite         bool
	DepthCompare       CompareOp
	Blend              bool
	Samples            SampleCount
	ColorAttachments   uint32
}

type SubmitInfo struct {
	CommandBuffers []CommandBuffer
	Wait           []Semaphore
	WaitStages     []PipelineStage
	Signal         []Semaphore
	// Fence is signaled when every command buffer completed. May be zero.
	Fence Fence
}

// Device is the logical GPU context. It is created once, outlives every
// object created from it and is destroyed after WaitIdle.
//
// Queue submission is not synchronized: callers submit from one goroutine.
type Device interface {
	Properties() Properties
	FormatSupported(format Format, features FormatFeature) bool

	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(Semaphore)
	CreateFence(signaled bool) (Fence, error)
	DestroyFence(Fence)
	// WaitFence blocks until the fence is signaled or the timeout elapses.
	WaitFence(f Fence, timeout time.Duration) error
	ResetFence(f Fence) error

	SurfaceCapabilities(s Surface) (SurfaceCapabilities, error)
	CreateSwapchain(desc SwapchainDesc) (Swapchain, []Image, error)
	DestroySwapchain(Swapchain)
	// AcquireNextImage returns the index of the next presentable image and
	// arranges for signal to fire once it can be rendered to.
	AcquireNextImage(sc Swapchain, timeout time.Duration, signal Semaphore) (uint32, error)
	Present(sc Swapchain, imageIndex uint32, wait Semaphore) error

	CreateImage(desc ImageDesc) (Image, error)
	DestroyImage(Image)
	CreateImageView(img Image, format Format, aspect ImageAspect) (ImageView, error)
	DestroyImageView(ImageView)

	CreateBuffer(desc BufferDesc) (Buffer, error)
	WriteBuffer(b Buffer, offset uint64, data []byte) error
	BufferAddress(b Buffer) (uint64, error)
	DestroyBuffer(Buffer)

	CreateRenderPass(desc RenderPassDesc) (RenderPass, error)
	DestroyRenderPass(RenderPass)
	CreateFramebuffer(desc FramebufferDesc) (Framebuffer, error)
	DestroyFramebuffer(Framebuffer)

	CreateShaderModule(spirv []uint32) (ShaderModule, error)
	DestroyShaderModule(ShaderModule)
	CreateDescriptorSetLayout(bindings []LayoutBinding) (DescriptorSetLayout, error)
	DestroyDescriptorSetLayout(DescriptorSetLayout)
	CreateDescriptorPool(desc DescriptorPoolDesc) (DescriptorPool, error)
	// DestroyDescriptorPool frees every set allocated from the pool.
	DestroyDescriptorPool(DescriptorPool)
	AllocateDescriptorSet(pool DescriptorPool, layout DescriptorSetLayout) (DescriptorSet, error)
	// UpdateDescriptorSet must not be called while a submitted command
	// buffer that binds set is still executing.
	UpdateDescriptorSet(set DescriptorSet, writes []DescriptorWrite) error
	CreatePipelineLayout(sets []DescriptorSetLayout, ranges []PushConstantRange) (PipelineLayout, error)
	DestroyPipelineLayout(PipelineLayout)
	CreateGraphicsPipeline(desc GraphicsPipelineDesc) (Pipeline, error)
	DestroyPipeline(Pipeline)

	AccelerationStructureSizes(desc AccelerationGeometryDesc) (AccelerationSizes, error)
	CreateAccelerationStructure(desc AccelerationStructureDesc) (AccelerationStructure, error)
	AccelerationStructureAddress(as AccelerationStructure) (uint64, error)
	DestroyAccelerationStructure(AccelerationStructure)

	AllocateCommandBuffer() (CommandBuffer, error)
	FreeCommandBuffer(CommandBuffer)
	// Begin resets cb and starts recording into it.
	Begin(cb CommandBuffer, oneTimeSubmit bool) (Encoder, error)
	Submit(info SubmitInfo) error
	// SubmitAndWait submits cb alone and blocks until it completed.
	SubmitAndWait(cb CommandBuffer) error
	WaitIdle() error
	Destroy()
}

// Encoder records commands into one command buffer.
type Encoder interface {
	BeginRenderPass(rp RenderPass, fb Framebuffer, area Rect2D, clear []ClearValue)
	EndRenderPass()
	SetViewport(v Viewport)
	SetScissor(r Rect2D)
	BindPipeline(p Pipeline)
	// BindDescriptorSets binds sets to consecutive set numbers starting at
	// firstSet for graphics pipelines compatible with layout.
	BindDescriptorSets(layout PipelineLayout, firstSet uint32, sets []DescriptorSet)
	PushConstants(layout PipelineLayout, stages ShaderStage, offset uint32, data []byte)
	BindVertexBuffer(b Buffer, offset uint64)
	BindIndexBuffer(b Buffer, offset uint64)
	DrawIndexed(indexCount, instanceCount, firstIndex uint32, vertexOffset int32, firstInstance uint32)
	BuildAccelerationStructures(builds []AccelerationBuild)
	// AccelerationBarrier orders prior acceleration structure writes before
	// later builds and ray tracing shader reads.
	AccelerationBarrier()
	End() error
}
