package pipeline

import (
	"fmt"
	"sort"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/resource"
	"github.com/spaghettifunk/mandrill/engine/scene"
)

// MaxPushConstantRanges caps the ranges of one layout.
const MaxPushConstantRanges = 32

type Binding struct {
	Set     uint32
	Binding uint32
	Type    gpu.DescriptorType
	Stages  gpu.ShaderStage
	// Count defaults to one.
	Count uint32
}

type LayoutDesc struct {
	Name          string
	Bindings      []Binding
	PushConstants []gpu.PushConstantRange
}

// SceneLayoutDesc describes the scene descriptor contract plus the given
// push constant ranges.
func SceneLayoutDesc(entries []scene.LayoutEntry, push ...gpu.PushConstantRange) LayoutDesc {
	desc := LayoutDesc{Name: "scene", PushConstants: push}
	for _, e := range entries {
		desc.Bindings = append(desc.Bindings, Binding{Set: e.Set, Binding: e.Binding, Type: e.Type, Stages: e.Stages, Count: 1})
	}
	return desc
}

// Layout is a pipeline layout together with its descriptor set layouts.
type Layout struct {
	dev     gpu.Device
	retirer resource.Retirer
	name    string

	groups [][]gpu.LayoutBinding
	sets   []gpu.DescriptorSetLayout
	ranges []gpu.PushConstantRange
	handle gpu.PipelineLayout
}

// NewLayout groups bindings by set. Sets without bindings in between get an
// empty set layout so set numbers stay positional.
func NewLayout(dev gpu.Device, retirer resource.Retirer, desc LayoutDesc) (*Layout, error) {
	if err := validateLayout(dev.Properties().Limits, desc); err != nil {
		return nil, err
	}
	if retirer == nil {
		retirer = resource.Immediate{}
	}

	groups := groupBindings(desc.Bindings)
	l := &Layout{dev: dev, retirer: retirer, name: desc.Name, groups: groups, ranges: append([]gpu.PushConstantRange(nil), desc.PushConstants...)}
	for _, bindings := range groups {
		set, err := dev.CreateDescriptorSetLayout(bindings)
		if err != nil {
			l.destroy()
			return nil, fmt.Errorf("layout %s: creating set %d: %w", desc.Name, len(l.sets), err)
		}
		l.sets = append(l.sets, set)
	}
	handle, err := dev.CreatePipelineLayout(l.sets, l.ranges)
	if err != nil {
		l.destroy()
		return nil, fmt.Errorf("layout %s: creating pipeline layout: %w", desc.Name, err)
	}
	l.handle = handle
	return l, nil
}

func validateLayout(limits gpu.Limits, desc LayoutDesc) error {
	if len(desc.PushConstants) > MaxPushConstantRanges {
		return core.Assert(false, "layout %s: %d push constant ranges, at most %d", desc.Name, len(desc.PushConstants), MaxPushConstantRanges)
	}
	for _, r := range desc.PushConstants {
		if r.Size == 0 || r.Offset%4 != 0 || r.Size%4 != 0 {
			return core.Assert(false, "layout %s: push constant range %d+%d must be a non-empty multiple of 4", desc.Name, r.Offset, r.Size)
		}
		if r.Offset+r.Size > limits.MaxPushConstantsSize {
			return core.Assert(false, "layout %s: push constant range %d+%d exceeds the device limit of %d", desc.Name, r.Offset, r.Size, limits.MaxPushConstantsSize)
		}
	}
	seen := map[[2]uint32]bool{}
	for _, b := range desc.Bindings {
		key := [2]uint32{b.Set, b.Binding}
		if seen[key] {
			return core.Assert(false, "layout %s: set %d binding %d declared twice", desc.Name, b.Set, b.Binding)
		}
		seen[key] = true
	}
	return nil
}

func groupBindings(bindings []Binding) [][]gpu.LayoutBinding {
	if len(bindings) == 0 {
		return nil
	}
	maxSet := uint32(0)
	for _, b := range bindings {
		if b.Set > maxSet {
			maxSet = b.Set
		}
	}
	groups := make([][]gpu.LayoutBinding, maxSet+1)
	for _, b := range bindings {
		count := b.Count
		if count == 0 {
			count = 1
		}
		groups[b.Set] = append(groups[b.Set], gpu.LayoutBinding{Binding: b.Binding, Type: b.Type, Count: count, Stages: b.Stages})
	}
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool { return g[i].Binding < g[j].Binding })
	}
	return groups
}

func (l *Layout) Handle() gpu.PipelineLayout {
	return l.handle
}

func (l *Layout) SetLayouts() []gpu.DescriptorSetLayout {
	return append([]gpu.DescriptorSetLayout(nil), l.sets...)
}

func (l *Layout) Name() string {
	return l.name
}

// Compatible reports whether sets bound through other can be used with l:
// both declare the same bindings per set and the same push constant ranges.
func (l *Layout) Compatible(other *Layout) bool {
	if l == other {
		return true
	}
	if len(l.groups) != len(other.groups) || len(l.ranges) != len(other.ranges) {
		return false
	}
	for i, g := range l.groups {
		if len(g) != len(other.groups[i]) {
			return false
		}
		for j, b := range g {
			if b != other.groups[i][j] {
				return false
			}
		}
	}
	for i, r := range l.ranges {
		if r != other.ranges[i] {
			return false
		}
	}
	return true
}

func (l *Layout) PushConstantRanges() []gpu.PushConstantRange {
	return append([]gpu.PushConstantRange(nil), l.ranges...)
}

// PushConstants records data at offset. The write has to fall inside one
// declared range covering stages.
func (l *Layout) PushConstants(enc gpu.Encoder, stages gpu.ShaderStage, offset uint32, data []byte) error {
	end := offset + uint32(len(data))
	for _, r := range l.ranges {
		if r.Stages&stages == stages && offset >= r.Offset && end <= r.Offset+r.Size {
			enc.PushConstants(l.handle, stages, offset, data)
			return nil
		}
	}
	return core.Assert(false, "layout %s: push constants %d+%d outside every declared range", l.name, offset, len(data))
}

func (l *Layout) destroy() {
	if l.handle != 0 {
		l.dev.DestroyPipelineLayout(l.handle)
		l.handle = 0
	}
	for _, s := range l.sets {
		l.dev.DestroyDescriptorSetLayout(s)
	}
	l.sets = nil
}

// Destroy retires the layout. Pipelines built from it must be destroyed
// first.
func (l *Layout) Destroy() {
	handle, sets, dev := l.handle, l.sets, l.dev
	l.handle, l.sets = 0, nil
	l.retirer.Retire(l.name+"/layout", func() {
		if handle != 0 {
			dev.DestroyPipelineLayout(handle)
		}
		for _, s := range sets {
			dev.DestroyDescriptorSetLayout(s)
		}
	})
}
