package gpu

import "fmt"

// Opaque handles. Zero is the null handle for every kind.
type (
	Surface               uint64
	Swapchain             uint64
	Semaphore             uint64
	Fence                 uint64
	Image                 uint64
	ImageView             uint64
	Buffer                uint64
	RenderPass            uint64
	Framebuffer           uint64
	ShaderModule          uint64
	DescriptorSetLayout   uint64
	DescriptorPool        uint64
	DescriptorSet         uint64
	PipelineLayout        uint64
	Pipeline              uint64
	AccelerationStructure uint64
	CommandBuffer         uint64
)

// Format values match the Vulkan enumerants so backends can cast directly.
type Format uint32

const (
	FormatUndefined          Format = 0
	FormatR8G8B8A8Unorm      Format = 37
	FormatR8G8B8A8Srgb       Format = 43
	FormatB8G8R8A8Unorm      Format = 44
	FormatB8G8R8A8Srgb       Format = 50
	FormatR16G16B16A16Sfloat Format = 97
	FormatR32G32Sfloat       Format = 103
	FormatR32G32B32Sfloat    Format = 106
	FormatR32G32B32A32Sfloat Format = 109
	FormatD16Unorm           Format = 124
	FormatD32Sfloat          Format = 126
	FormatD24UnormS8Uint     Format = 129
	FormatD32SfloatS8Uint    Format = 130
)

func (f Format) IsDepth() bool {
	switch f {
	case FormatD16Unorm, FormatD32Sfloat, FormatD24UnormS8Uint, FormatD32SfloatS8Uint:
		return true
	}
	return false
}

func (f Format) String() string {
	switch f {
	case FormatUndefined:
		return "Undefined"
	case FormatR8G8B8A8Unorm:
		return "R8G8B8A8Unorm"
	case FormatR8G8B8A8Srgb:
		return "R8G8B8A8Srgb"
	case FormatB8G8R8A8Unorm:
		return "B8G8R8A8Unorm"
	case FormatB8G8R8A8Srgb:
		return "B8G8R8A8Srgb"
	case FormatR16G16B16A16Sfloat:
		return "R16G16B16A16Sfloat"
	case FormatR32G32Sfloat:
		return "R32G32Sfloat"
	case FormatR32G32B32Sfloat:
		return "R32G32B32Sfloat"
	case FormatR32G32B32A32Sfloat:
		return "R32G32B32A32Sfloat"
	case FormatD16Unorm:
		return "D16Unorm"
	case FormatD32Sfloat:
		return "D32Sfloat"
	case FormatD24UnormS8Uint:
		return "D24UnormS8Uint"
	case FormatD32SfloatS8Uint:
		return "D32SfloatS8Uint"
	}
	return fmt.Sprintf("Format(%d)", uint32(f))
}

type ColorSpace uint32

const ColorSpaceSrgbNonlinear ColorSpace = 0

// SampleCount is a bit set; a single bit names one sample count.
type SampleCount uint32

const (
	SampleCount1  SampleCount = 1
	SampleCount2  SampleCount = 2
	SampleCount4  SampleCount = 4
	SampleCount8  SampleCount = 8
	SampleCount16 SampleCount = 16
	SampleCount32 SampleCount = 32
	SampleCount64 SampleCount = 64
)

type FormatFeature uint32

const (
	FormatFeatureSampledImage           FormatFeature = 0x00000001
	FormatFeatureVertexBuffer           FormatFeature = 0x00000040
	FormatFeatureColorAttachment        FormatFeature = 0x00000080
	FormatFeatureDepthStencilAttachment FormatFeature = 0x00000200
	FormatFeatureAccelerationVertex     FormatFeature = 0x20000000
)

type ImageUsage uint32

const (
	ImageUsageTransferSrc            ImageUsage = 0x00000001
	ImageUsageTransferDst            ImageUsage = 0x00000002
	ImageUsageSampled                ImageUsage = 0x00000004
	ImageUsageColorAttachment        ImageUsage = 0x00000010
	ImageUsageDepthStencilAttachment ImageUsage = 0x00000020
	ImageUsageTransientAttachment    ImageUsage = 0x00000040
)

type BufferUsage uint32

const (
	BufferUsageTransferSrc                BufferUsage = 0x00000001
	BufferUsageTransferDst                BufferUsage = 0x00000002
	BufferUsageUniform                    BufferUsage = 0x00000010
	BufferUsageStorage                    BufferUsage = 0x00000020
	BufferUsageIndex                      BufferUsage = 0x00000040
	BufferUsageVertex                     BufferUsage = 0x00000080
	BufferUsageShaderDeviceAddress        BufferUsage = 0x00020000
	BufferUsageAccelerationBuildInput     BufferUsage = 0x00080000
	BufferUsageAccelerationStructureStore BufferUsage = 0x00100000
)

type ImageAspect uint32

const (
	ImageAspectColor   ImageAspect = 0x1
	ImageAspectDepth   ImageAspect = 0x2
	ImageAspectStencil ImageAspect = 0x4
)

type ImageLayout uint32

const (
	ImageLayoutUndefined              ImageLayout = 0
	ImageLayoutColorAttachment        ImageLayout = 2
	ImageLayoutDepthStencilAttachment ImageLayout = 3
	ImageLayoutShaderReadOnly         ImageLayout = 5
	ImageLayoutPresentSrc             ImageLayout = 1000001002
)

type LoadOp uint32

const (
	LoadOpLoad LoadOp = iota
	LoadOpClear
	LoadOpDontCare
)

type StoreOp uint32

const (
	StoreOpStore StoreOp = iota
	StoreOpDontCare
)

type PresentMode uint32

const (
	PresentModeImmediate   PresentMode = 0
	PresentModeMailbox     PresentMode = 1
	PresentModeFifo        PresentMode = 2
	PresentModeFifoRelaxed PresentMode = 3
)

type ShaderStage uint32

const (
	ShaderStageVertex   ShaderStage = 0x00000001
	ShaderStageFragment ShaderStage = 0x00000010
	ShaderStageCompute  ShaderStage = 0x00000020
	ShaderStageAll      ShaderStage = 0x0000001F
	ShaderStageRaygen   ShaderStage = 0x00000100
	ShaderStageAnyHit   ShaderStage = 0x00000200
	ShaderStageChit     ShaderStage = 0x00000400
	ShaderStageMiss     ShaderStage = 0x00000800
)

type DescriptorType uint32

const (
	DescriptorTypeSampler               DescriptorType = 0
	DescriptorTypeCombinedImageSampler  DescriptorType = 1
	DescriptorTypeSampledImage          DescriptorType = 2
	DescriptorTypeStorageImage          DescriptorType = 3
	DescriptorTypeUniformBuffer         DescriptorType = 6
	DescriptorTypeStorageBuffer         DescriptorType = 7
	DescriptorTypeAccelerationStructure DescriptorType = 1000150000
)

type PipelineStage uint32

const (
	PipelineStageTopOfPipe             PipelineStage = 0x00000001
	PipelineStageColorAttachmentOutput PipelineStage = 0x00000400
	PipelineStageAccelerationBuild     PipelineStage = 0x02000000
	PipelineStageRayTracingShader      PipelineStage = 0x00200000
)

type PrimitiveTopology uint32

const (
	TopologyPointList PrimitiveTopology = iota
	TopologyLineList
	TopologyLineStrip
	TopologyTriangleList
	TopologyTriangleStrip
)

type PolygonMode uint32

const (
	PolygonModeFill PolygonMode = iota
	PolygonModeLine
	PolygonModePoint
)

type CullMode uint32

const (
	CullModeNone  CullMode = 0
	CullModeFront CullMode = 1
	CullModeBack  CullMode = 2
)

type CompareOp uint32

const (
	CompareOpNever CompareOp = iota
	CompareOpLess
	CompareOpEqual
	CompareOpLessOrEqual
	CompareOpGreater
	CompareOpNotEqual
	CompareOpGreaterOrEqual
	CompareOpAlways
)

type Extent2D struct {
	Width  uint32
	Height uint32
}

func (e Extent2D) Empty() bool {
	return e.Width == 0 || e.Height == 0
}

type Offset2D struct {
	X, Y int32
}

type Rect2D struct {
	Offset Offset2D
	Extent Extent2D
}

type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

// ClearValue holds either a color or a depth/stencil pair, chosen by the
// attachment it applies to.
type ClearValue struct {
	Color   [4]float32
	Depth   float32
	Stencil uint32
}
