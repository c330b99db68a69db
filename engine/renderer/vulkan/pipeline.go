package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

// maxPushConstantRanges is the most ranges a layout can declare: the
// guaranteed 128 bytes at 4-byte alignment.
const maxPushConstantRanges = 32

func (d *Device) CreateShaderModule(spirv []uint32) (gpu.ShaderModule, error) {
	if len(spirv) == 0 {
		return 0, fmt.Errorf("%w: empty SPIR-V", core.ErrPrecondition)
	}
	var h gpu.ShaderModule
	err := d.locks.safeCall(pipelineObjects, func() error {
		var module vk.ShaderModule
		r := vk.CreateShaderModule(d.logical, &vk.ShaderModuleCreateInfo{
			SType:    vk.StructureTypeShaderModuleCreateInfo,
			CodeSize: uint64(len(spirv) * 4),
			PCode:    spirv,
		}, nil, &module)
		if err := resultError("vkCreateShaderModule", r); err != nil {
			return err
		}
		h = gpu.ShaderModule(d.shaders.add(module))
		return nil
	})
	return h, err
}

func (d *Device) DestroyShaderModule(m gpu.ShaderModule) {
	d.locks.safeCall(pipelineObjects, func() error {
		if module, ok := d.shaders.take(uint64(m)); ok {
			vk.DestroyShaderModule(d.logical, module, nil)
		}
		return nil
	})
}

func (d *Device) CreateDescriptorSetLayout(bindings []gpu.LayoutBinding) (gpu.DescriptorSetLayout, error) {
	vkBindings := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		count := b.Count
		if count == 0 {
			count = 1
		}
		vkBindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  vk.DescriptorType(b.Type),
			DescriptorCount: count,
			StageFlags:      vk.ShaderStageFlags(b.Stages),
		}
	}
	var h gpu.DescriptorSetLayout
	err := d.locks.safeCall(pipelineObjects, func() error {
		var layout vk.DescriptorSetLayout
		r := vk.CreateDescriptorSetLayout(d.logical, &vk.DescriptorSetLayoutCreateInfo{
			SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
			BindingCount: uint32(len(vkBindings)),
			PBindings:    vkBindings,
		}, nil, &layout)
		if err := resultError("vkCreateDescriptorSetLayout", r); err != nil {
			return err
		}
		h = gpu.DescriptorSetLayout(d.setLayouts.add(layout))
		return nil
	})
	return h, err
}

func (d *Device) DestroyDescriptorSetLayout(l gpu.DescriptorSetLayout) {
	d.locks.safeCall(pipelineObjects, func() error {
		if layout, ok := d.setLayouts.take(uint64(l)); ok {
			vk.DestroyDescriptorSetLayout(d.logical, layout, nil)
		}
		return nil
	})
}

func (d *Device) CreatePipelineLayout(sets []gpu.DescriptorSetLayout, ranges []gpu.PushConstantRange) (gpu.PipelineLayout, error) {
	if len(ranges) > maxPushConstantRanges {
		return 0, fmt.Errorf("%w: %d push constant ranges, at most %d", core.ErrPrecondition, len(ranges), maxPushConstantRanges)
	}
	limit := d.props.Limits.MaxPushConstantsSize
	vkRanges := make([]vk.PushConstantRange, len(ranges))
	for i, r := range ranges {
		if limit != 0 && r.Offset+r.Size > limit {
			return 0, fmt.Errorf("%w: push constant range [%d, %d) exceeds %d bytes",
				core.ErrPrecondition, r.Offset, r.Offset+r.Size, limit)
		}
		vkRanges[i] = vk.PushConstantRange{
			StageFlags: vk.ShaderStageFlags(r.Stages),
			Offset:     r.Offset,
			Size:       r.Size,
		}
	}

	var h gpu.PipelineLayout
	err := d.locks.safeCall(pipelineObjects, func() error {
		vkSets := make([]vk.DescriptorSetLayout, len(sets))
		for i, s := range sets {
			layout, err := d.setLayouts.get(uint64(s))
			if err != nil {
				return err
			}
			vkSets[i] = layout
		}
		var layout vk.PipelineLayout
		r := vk.CreatePipelineLayout(d.logical, &vk.PipelineLayoutCreateInfo{
			SType:                  vk.StructureTypePipelineLayoutCreateInfo,
			SetLayoutCount:         uint32(len(vkSets)),
			PSetLayouts:            vkSets,
			PushConstantRangeCount: uint32(len(vkRanges)),
			PPushConstantRanges:    vkRanges,
		}, nil, &layout)
		if err := resultError("vkCreatePipelineLayout", r); err != nil {
			return err
		}
		h = gpu.PipelineLayout(d.pipelineLayouts.add(layout))
		return nil
	})
	return h, err
}

func (d *Device) DestroyPipelineLayout(l gpu.PipelineLayout) {
	d.locks.safeCall(pipelineObjects, func() error {
		if layout, ok := d.pipelineLayouts.take(uint64(l)); ok {
			vk.DestroyPipelineLayout(d.logical, layout, nil)
		}
		return nil
	})
}

func rasterization(desc gpu.GraphicsPipelineDesc) vk.PipelineRasterizationStateCreateInfo {
	front := vk.FrontFaceCounterClockwise
	if desc.FrontFaceClockwise {
		front = vk.FrontFaceClockwise
	}
	width := desc.LineWidth
	if width <= 0 {
		width = 1
	}
	return vk.PipelineRasterizationStateCreateInfo{
		SType:                   vk.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        vk.False,
		RasterizerDiscardEnable: vk.False,
		PolygonMode:             vk.PolygonMode(desc.PolygonMode),
		CullMode:                vk.CullModeFlags(desc.CullMode),
		FrontFace:               front,
		LineWidth:               width,
		DepthBiasEnable:         vk.False,
	}
}

func colorBlend(desc gpu.GraphicsPipelineDesc) vk.PipelineColorBlendStateCreateInfo {
	count := desc.ColorAttachments
	if count == 0 {
		count = 1
	}
	mask := vk.ColorComponentFlags(vk.ColorComponentRBit | vk.ColorComponentGBit |
		vk.ColorComponentBBit | vk.ColorComponentABit)
	attachments := make([]vk.PipelineColorBlendAttachmentState, count)
	for i := range attachments {
		attachments[i] = vk.PipelineColorBlendAttachmentState{
			BlendEnable:    boolean(desc.Blend),
			ColorWriteMask: mask,
		}
		if desc.Blend {
			attachments[i].SrcColorBlendFactor = vk.BlendFactorSrcAlpha
			attachments[i].DstColorBlendFactor = vk.BlendFactorOneMinusSrcAlpha
			attachments[i].ColorBlendOp = vk.BlendOpAdd
			attachments[i].SrcAlphaBlendFactor = vk.BlendFactorSrcAlpha
			attachments[i].DstAlphaBlendFactor = vk.BlendFactorOneMinusSrcAlpha
			attachments[i].AlphaBlendOp = vk.BlendOpAdd
		}
	}
	return vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOpEnable:   vk.False,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: count,
		PAttachments:    attachments,
	}
}

// CreateGraphicsPipeline builds a pipeline with one vertex binding at slot 0.
// Viewport and scissor are dynamic and set while recording.
func (d *Device) CreateGraphicsPipeline(desc gpu.GraphicsPipelineDesc) (gpu.Pipeline, error) {
	if len(desc.Stages) == 0 {
		return 0, fmt.Errorf("%w: pipeline without shader stages", core.ErrPrecondition)
	}
	pass, err := d.lookupRenderPass(desc.RenderPass)
	if err != nil {
		return 0, err
	}

	samples := desc.Samples
	if samples == 0 {
		samples = gpu.SampleCount1
	}

	attributes := make([]vk.VertexInputAttributeDescription, len(desc.Attributes))
	for i, a := range desc.Attributes {
		attributes[i] = vk.VertexInputAttributeDescription{
			Location: a.Location,
			Binding:  0,
			Format:   vk.Format(a.Format),
			Offset:   a.Offset,
		}
	}
	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexAttributeDescriptionCount: uint32(len(attributes)),
		PVertexAttributeDescriptions:    attributes,
	}
	if desc.VertexStride > 0 {
		vertexInput.VertexBindingDescriptionCount = 1
		vertexInput.PVertexBindingDescriptions = []vk.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    desc.VertexStride,
			InputRate: vk.VertexInputRateVertex,
		}}
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               vk.PrimitiveTopology(desc.Topology),
		PrimitiveRestartEnable: vk.False,
	}
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}
	rasterizer := rasterization(desc)
	multisampling := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vk.SampleCountFlagBits(samples),
		SampleShadingEnable:  vk.False,
		MinSampleShading:     1.0,
	}
	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:                 vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:       boolean(desc.DepthTest),
		DepthWriteEnable:      boolean(desc.DepthWrite),
		DepthCompareOp:        vk.CompareOp(desc.DepthCompare),
		DepthBoundsTestEnable: vk.False,
		StencilTestEnable:     vk.False,
	}
	blend := colorBlend(desc)
	dynamicStates := []vk.DynamicState{
		vk.DynamicStateViewport,
		vk.DynamicStateScissor,
	}
	dynamicState := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	var h gpu.Pipeline
	err = d.locks.safeCall(pipelineObjects, func() error {
		layout, err := d.pipelineLayouts.get(uint64(desc.Layout))
		if err != nil {
			return err
		}
		stages := make([]vk.PipelineShaderStageCreateInfo, len(desc.Stages))
		for i, s := range desc.Stages {
			module, err := d.shaders.get(uint64(s.Module))
			if err != nil {
				return err
			}
			entry := s.Entry
			if entry == "" {
				entry = "main"
			}
			stages[i] = vk.PipelineShaderStageCreateInfo{
				SType:  vk.StructureTypePipelineShaderStageCreateInfo,
				Stage:  vk.ShaderStageFlagBits(s.Stage),
				Module: module,
				PName:  safeString(entry),
			}
		}

		info := vk.GraphicsPipelineCreateInfo{
			SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
			StageCount:          uint32(len(stages)),
			PStages:             stages,
			PVertexInputState:   &vertexInput,
			PInputAssemblyState: &inputAssembly,
			PViewportState:      &viewportState,
			PRasterizationState: &rasterizer,
			PMultisampleState:   &multisampling,
			PColorBlendState:    &blend,
			PDynamicState:       &dynamicState,
			Layout:              layout,
			RenderPass:          pass.handle,
			Subpass:             0,
			BasePipelineHandle:  vk.NullPipeline,
			BasePipelineIndex:   -1,
		}
		if pass.depth >= 0 {
			info.PDepthStencilState = &depthStencil
		}

		pipelines := make([]vk.Pipeline, 1)
		r := vk.CreateGraphicsPipelines(d.logical, vk.NullPipelineCache, 1, []vk.GraphicsPipelineCreateInfo{info}, nil, pipelines)
		if err := resultError("vkCreateGraphicsPipelines", r); err != nil {
			return err
		}
		h = gpu.Pipeline(d.pipelines.add(pipelines[0]))
		return nil
	})
	if err != nil {
		return 0, err
	}
	core.LogDebug("Graphics pipeline created with %d stages.", len(desc.Stages))
	return h, nil
}

func (d *Device) DestroyPipeline(p gpu.Pipeline) {
	d.locks.safeCall(pipelineObjects, func() error {
		if pipeline, ok := d.pipelines.take(uint64(p)); ok {
			vk.DestroyPipeline(d.logical, pipeline, nil)
		}
		return nil
	})
}
