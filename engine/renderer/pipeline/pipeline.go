package pipeline

import (
	"fmt"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/math"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/resource"
)

// Stage is one shader stage as SPIR-V words.
type Stage struct {
	Stage gpu.ShaderStage
	Code  []uint32
	// Entry defaults to "main".
	Entry string
}

type PipelineDesc struct {
	Name   string
	Stages []Stage

	VertexStride uint32
	Attributes   []gpu.VertexAttribute

	Topology           gpu.PrimitiveTopology
	PolygonMode        gpu.PolygonMode
	CullMode           gpu.CullMode
	FrontFaceClockwise bool
	LineWidth          float32
	DepthTest          bool
	DepthWrite         bool
	DepthCompare       gpu.CompareOp
	Blend              bool
}

// VertexAttributes is the input layout of math.Vertex3D: position, normal,
// texcoord, tangent and binormal at locations 0 to 4.
func VertexAttributes() []gpu.VertexAttribute {
	return []gpu.VertexAttribute{
		{Location: 0, Format: gpu.FormatR32G32B32Sfloat, Offset: 0},
		{Location: 1, Format: gpu.FormatR32G32B32Sfloat, Offset: 12},
		{Location: 2, Format: gpu.FormatR32G32Sfloat, Offset: 24},
		{Location: 3, Format: gpu.FormatR32G32B32Sfloat, Offset: 32},
		{Location: 4, Format: gpu.FormatR32G32B32Sfloat, Offset: 44},
	}
}

// DefaultPipelineDesc draws filled, back-face culled triangle lists of
// scene vertices with depth testing and writing.
func DefaultPipelineDesc(name string, stages ...Stage) PipelineDesc {
	return PipelineDesc{
		Name:         name,
		Stages:       stages,
		VertexStride: math.VertexStride,
		Attributes:   VertexAttributes(),
		Topology:     gpu.TopologyTriangleList,
		PolygonMode:  gpu.PolygonModeFill,
		CullMode:     gpu.CullModeBack,
		LineWidth:    1,
		DepthTest:    true,
		DepthWrite:   true,
		DepthCompare: gpu.CompareOpLess,
	}
}

// Pipeline is a compiled graphics pipeline bound to the signature of the
// pass it was built for.
type Pipeline struct {
	dev     gpu.Device
	retirer resource.Retirer
	desc    PipelineDesc

	pass       *Pass
	layout     *Layout
	renderPass *resource.Ref[gpu.RenderPass]
	sig        Signature
	handle     gpu.Pipeline
}

// NewPipeline compiles desc against pass and layout. The shader modules
// only live for the duration of the call.
func NewPipeline(dev gpu.Device, retirer resource.Retirer, pass *Pass, layout *Layout, desc PipelineDesc) (*Pipeline, error) {
	if err := validatePipeline(desc); err != nil {
		return nil, err
	}
	if retirer == nil {
		retirer = resource.Immediate{}
	}
	if pass.RenderPass() == nil {
		return nil, fmt.Errorf("pipeline %s: pass %s: %w", desc.Name, pass.Name(), core.ErrDestroyed)
	}
	rp, err := pass.RenderPass().Acquire()
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", desc.Name, err)
	}

	handle, err := compile(dev, rp.Get(), pass.Signature(), layout, desc)
	if err != nil {
		if rerr := rp.Release(); rerr != nil {
			core.LogWarn("pipeline %s: %s", desc.Name, rerr)
		}
		return nil, fmt.Errorf("pipeline %s: %w", desc.Name, err)
	}
	core.LogDebug("pipeline %s built for %s", desc.Name, pass.Signature())
	return &Pipeline{
		dev:        dev,
		retirer:    retirer,
		desc:       desc,
		pass:       pass,
		layout:     layout,
		renderPass: rp,
		sig:        pass.Signature(),
		handle:     handle,
	}, nil
}

func validatePipeline(desc PipelineDesc) error {
	if len(desc.Stages) == 0 {
		return core.Assert(false, "pipeline %s has no shader stages", desc.Name)
	}
	seen := gpu.ShaderStage(0)
	for _, s := range desc.Stages {
		if err := core.Assert(len(s.Code) > 0, "pipeline %s: empty code for stage %#x", desc.Name, uint32(s.Stage)); err != nil {
			return err
		}
		if err := core.Assert(seen&s.Stage == 0, "pipeline %s: stage %#x given twice", desc.Name, uint32(s.Stage)); err != nil {
			return err
		}
		seen |= s.Stage
	}
	return nil
}

func compile(dev gpu.Device, rp gpu.RenderPass, sig Signature, layout *Layout, desc PipelineDesc) (gpu.Pipeline, error) {
	stages := make([]gpu.ShaderStageDesc, 0, len(desc.Stages))
	defer func() {
		for _, s := range stages {
			dev.DestroyShaderModule(s.Module)
		}
	}()
	for _, s := range desc.Stages {
		module, err := dev.CreateShaderModule(s.Code)
		if err != nil {
			return 0, fmt.Errorf("creating shader module: %w", err)
		}
		entry := s.Entry
		if entry == "" {
			entry = "main"
		}
		stages = append(stages, gpu.ShaderStageDesc{Stage: s.Stage, Module: module, Entry: entry})
	}

	compare := desc.DepthCompare
	if desc.DepthTest && compare == gpu.CompareOpNever {
		compare = gpu.CompareOpLess
	}
	lineWidth := desc.LineWidth
	if lineWidth == 0 {
		lineWidth = 1
	}
	handle, err := dev.CreateGraphicsPipeline(gpu.GraphicsPipelineDesc{
		Layout:             layout.Handle(),
		RenderPass:         rp,
		Stages:             stages,
		VertexStride:       desc.VertexStride,
		Attributes:         desc.Attributes,
		Topology:           desc.Topology,
		PolygonMode:        desc.PolygonMode,
		CullMode:           desc.CullMode,
		FrontFaceClockwise: desc.FrontFaceClockwise,
		LineWidth:          lineWidth,
		DepthTest:          desc.DepthTest && sig.Depth != gpu.FormatUndefined,
		DepthWrite:         desc.DepthWrite && sig.Depth != gpu.FormatUndefined,
		DepthCompare:       compare,
		Blend:              desc.Blend,
		Samples:            sig.Samples,
		ColorAttachments:   uint32(len(sig.Colors)),
	})
	if err != nil {
		return 0, fmt.Errorf("creating graphics pipeline: %w", err)
	}
	return handle, nil
}

func (p *Pipeline) Name() string {
	return p.desc.Name
}

func (p *Pipeline) Handle() gpu.Pipeline {
	return p.handle
}

func (p *Pipeline) Layout() *Layout {
	return p.layout
}

func (p *Pipeline) Signature() Signature {
	return p.sig
}

// Desc returns the description the pipeline was built from.
func (p *Pipeline) Desc() PipelineDesc {
	return p.desc
}

// Bind records the pipeline for use inside pass. A pass of another
// signature is a precondition violation.
func (p *Pipeline) Bind(enc gpu.Encoder, pass *Pass) error {
	if err := core.Assert(p.handle != 0, "bind of destroyed pipeline %s", p.desc.Name); err != nil {
		return err
	}
	if err := core.Assert(p.sig.Equal(pass.Signature()), "pipeline %s built for %s bound in pass %s with %s", p.desc.Name, p.sig, pass.Name(), pass.Signature()); err != nil {
		return err
	}
	enc.BindPipeline(p.handle)
	return nil
}

// Rebuild compiles desc into a new pipeline for the same pass and layout
// and retires this one. On error this pipeline stays valid.
func (p *Pipeline) Rebuild(desc PipelineDesc) (*Pipeline, error) {
	next, err := NewPipeline(p.dev, p.retirer, p.pass, p.layout, desc)
	if err != nil {
		return nil, err
	}
	p.Destroy()
	return next, nil
}

// Destroy retires the pipeline and releases its hold on the render pass.
func (p *Pipeline) Destroy() {
	if p.handle == 0 {
		return
	}
	handle, dev := p.handle, p.dev
	p.handle = 0
	p.retirer.Retire(p.desc.Name+"/pipeline", func() { dev.DestroyPipeline(handle) })
	if err := p.renderPass.Release(); err != nil {
		core.LogWarn("pipeline %s: %s", p.desc.Name, err)
	}
}
