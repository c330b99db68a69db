package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

type descriptorPool struct {
	handle vk.DescriptorPool
	sets   []uint64
}

type descriptorSet struct {
	handle vk.DescriptorSet
	pool   uint64
}

func (d *Device) CreateDescriptorPool(desc gpu.DescriptorPoolDesc) (gpu.DescriptorPool, error) {
	if desc.MaxSets == 0 || len(desc.Sizes) == 0 {
		return 0, fmt.Errorf("%w: descriptor pool of %d sets and %d sizes", core.ErrPrecondition, desc.MaxSets, len(desc.Sizes))
	}
	sizes := make([]vk.DescriptorPoolSize, len(desc.Sizes))
	for i, s := range desc.Sizes {
		sizes[i] = vk.DescriptorPoolSize{
			Type:            vk.DescriptorType(s.Type),
			DescriptorCount: s.Count,
		}
	}
	var h gpu.DescriptorPool
	err := d.locks.safeCall(pipelineObjects, func() error {
		var pool vk.DescriptorPool
		r := vk.CreateDescriptorPool(d.logical, &vk.DescriptorPoolCreateInfo{
			SType:         vk.StructureTypeDescriptorPoolCreateInfo,
			MaxSets:       desc.MaxSets,
			PoolSizeCount: uint32(len(sizes)),
			PPoolSizes:    sizes,
		}, nil, &pool)
		if err := resultError("vkCreateDescriptorPool", r); err != nil {
			return err
		}
		h = gpu.DescriptorPool(d.descriptorPools.add(&descriptorPool{handle: pool}))
		return nil
	})
	return h, err
}

// DestroyDescriptorPool also drops the handles of the sets allocated from
// it; Vulkan frees them with the pool.
func (d *Device) DestroyDescriptorPool(p gpu.DescriptorPool) {
	d.locks.safeCall(pipelineObjects, func() error {
		pool, ok := d.descriptorPools.take(uint64(p))
		if !ok {
			return nil
		}
		for _, s := range pool.sets {
			d.descriptorSets.take(s)
		}
		vk.DestroyDescriptorPool(d.logical, pool.handle, nil)
		return nil
	})
}

func (d *Device) AllocateDescriptorSet(p gpu.DescriptorPool, layout gpu.DescriptorSetLayout) (gpu.DescriptorSet, error) {
	var h gpu.DescriptorSet
	err := d.locks.safeCall(pipelineObjects, func() error {
		pool, err := d.descriptorPools.get(uint64(p))
		if err != nil {
			return err
		}
		setLayout, err := d.setLayouts.get(uint64(layout))
		if err != nil {
			return err
		}
		var set vk.DescriptorSet
		r := vk.AllocateDescriptorSets(d.logical, &vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     pool.handle,
			DescriptorSetCount: 1,
			PSetLayouts:        []vk.DescriptorSetLayout{setLayout},
		}, &set)
		if err := resultError("vkAllocateDescriptorSets", r); err != nil {
			return err
		}
		handle := d.descriptorSets.add(&descriptorSet{handle: set, pool: uint64(p)})
		pool.sets = append(pool.sets, handle)
		h = gpu.DescriptorSet(handle)
		return nil
	})
	return h, err
}

// UpdateDescriptorSet resolves the buffers first and the set second so the
// memory and pipeline lock groups are never held together.
func (d *Device) UpdateDescriptorSet(s gpu.DescriptorSet, writes []gpu.DescriptorWrite) error {
	if len(writes) == 0 {
		return nil
	}
	infos := make([]vk.DescriptorBufferInfo, len(writes))
	err := d.locks.safeCall(memoryObjects, func() error {
		for i, w := range writes {
			buf, err := d.buffers.get(uint64(w.Buffer))
			if err != nil {
				return err
			}
			size := vk.DeviceSize(w.Range)
			if w.Range == 0 {
				size = vk.DeviceSize(vk.WholeSize)
			} else if w.Offset+w.Range > buf.size {
				return fmt.Errorf("%w: descriptor range %d+%d overflows buffer %q of %d bytes",
					core.ErrPrecondition, w.Offset, w.Range, buf.label, buf.size)
			}
			infos[i] = vk.DescriptorBufferInfo{
				Buffer: buf.handle,
				Offset: vk.DeviceSize(w.Offset),
				Range:  size,
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return d.locks.safeCall(pipelineObjects, func() error {
		set, err := d.descriptorSets.get(uint64(s))
		if err != nil {
			return err
		}
		vkWrites := make([]vk.WriteDescriptorSet, len(writes))
		for i, w := range writes {
			vkWrites[i] = vk.WriteDescriptorSet{
				SType:           vk.StructureTypeWriteDescriptorSet,
				DstSet:          set.handle,
				DstBinding:      w.Binding,
				DescriptorCount: 1,
				DescriptorType:  vk.DescriptorType(w.Type),
				PBufferInfo:     infos[i : i+1],
			}
		}
		vk.UpdateDescriptorSets(d.logical, uint32(len(vkWrites)), vkWrites, 0, nil)
		return nil
	})
}

func (e *encoder) BindDescriptorSets(layout gpu.PipelineLayout, firstSet uint32, sets []gpu.DescriptorSet) {
	if e.err != nil || len(sets) == 0 {
		return
	}
	var pl vk.PipelineLayout
	vkSets := make([]vk.DescriptorSet, len(sets))
	err := e.dev.locks.safeCall(pipelineObjects, func() error {
		var err error
		if pl, err = e.dev.pipelineLayouts.get(uint64(layout)); err != nil {
			return err
		}
		for i, s := range sets {
			set, err := e.dev.descriptorSets.get(uint64(s))
			if err != nil {
				return err
			}
			vkSets[i] = set.handle
		}
		return nil
	})
	if e.fail(err) {
		return
	}
	vk.CmdBindDescriptorSets(e.cb, vk.PipelineBindPointGraphics, pl, firstSet, uint32(len(vkSets)), vkSets, 0, nil)
}
