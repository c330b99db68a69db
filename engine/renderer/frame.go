package renderer

import (
	"fmt"

	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/pipeline"
	"github.com/spaghettifunk/mandrill/engine/renderer/resource"
	"github.com/spaghettifunk/mandrill/engine/scene"
)

// slotSets are the descriptor sets one frame slot binds. They are only
// written after the slot's fence was waited on.
type slotSets struct {
	camera    gpu.Buffer
	frame     gpu.DescriptorSet
	materials gpu.DescriptorSet
	// material buffer the materials set currently points at
	bound gpu.Buffer
}

// frameResources own the scene layout and the per-slot descriptor sets
// that back it.
type frameResources struct {
	dev     gpu.Device
	layout  *pipeline.Layout
	pool    gpu.DescriptorPool
	slots   []slotSets
	uniform []byte
}

func newFrameResources(dev gpu.Device, retirer resource.Retirer, slots uint32) (*frameResources, error) {
	f := &frameResources{dev: dev, uniform: make([]byte, 0, scene.CameraUniformSize)}
	var err error
	f.layout, err = pipeline.NewLayout(dev, retirer, pipeline.SceneLayoutDesc(scene.StandardLayout(), InstancePushRange))
	if err != nil {
		return nil, fmt.Errorf("creating scene layout: %w", err)
	}
	f.pool, err = dev.CreateDescriptorPool(gpu.DescriptorPoolDesc{
		MaxSets: 2 * slots,
		Sizes: []gpu.DescriptorPoolSize{
			{Type: gpu.DescriptorTypeUniformBuffer, Count: slots},
			{Type: gpu.DescriptorTypeStorageBuffer, Count: slots},
		},
	})
	if err != nil {
		f.destroy()
		return nil, fmt.Errorf("creating descriptor pool: %w", err)
	}

	setLayouts := f.layout.SetLayouts()
	for i := uint32(0); i < slots; i++ {
		s, err := f.newSlot(i, setLayouts)
		f.slots = append(f.slots, s)
		if err != nil {
			f.destroy()
			return nil, fmt.Errorf("frame slot %d: %w", i, err)
		}
	}
	return f, nil
}

// newSlot returns whatever it created so far on error so destroy can free
// it.
func (f *frameResources) newSlot(i uint32, setLayouts []gpu.DescriptorSetLayout) (slotSets, error) {
	var s slotSets
	var err error
	s.camera, err = f.dev.CreateBuffer(gpu.BufferDesc{
		Size:        scene.CameraUniformSize,
		Usage:       gpu.BufferUsageUniform,
		HostVisible: true,
		Label:       fmt.Sprintf("camera-%d", i),
	})
	if err != nil {
		return s, err
	}
	if s.frame, err = f.dev.AllocateDescriptorSet(f.pool, setLayouts[scene.FrameSet]); err != nil {
		return s, err
	}
	if s.materials, err = f.dev.AllocateDescriptorSet(f.pool, setLayouts[scene.MaterialSet]); err != nil {
		return s, err
	}
	err = f.dev.UpdateDescriptorSet(s.frame, []gpu.DescriptorWrite{{
		Binding: scene.CameraBinding,
		Type:    gpu.DescriptorTypeUniformBuffer,
		Buffer:  s.camera,
	}})
	return s, err
}

// update writes the camera block of slot and points its material set at
// the scene's current material buffer. The scene must be uploaded.
func (f *frameResources) update(slot uint32, camera *scene.Camera, aspect float32, s *scene.Scene) error {
	sets := &f.slots[slot]
	f.uniform = camera.AppendUniform(f.uniform[:0], aspect)
	if err := f.dev.WriteBuffer(sets.camera, 0, f.uniform); err != nil {
		return fmt.Errorf("writing camera of slot %d: %w", slot, err)
	}
	mb, err := s.MaterialBuffer()
	if err != nil {
		return err
	}
	if mb == sets.bound {
		return nil
	}
	err = f.dev.UpdateDescriptorSet(sets.materials, []gpu.DescriptorWrite{{
		Binding: scene.MaterialsBinding,
		Type:    gpu.DescriptorTypeStorageBuffer,
		Buffer:  mb,
	}})
	if err != nil {
		return fmt.Errorf("pointing slot %d at materials: %w", slot, err)
	}
	sets.bound = mb
	return nil
}

// sets returns the sets of slot in set order, starting at scene.FrameSet.
func (f *frameResources) sets(slot uint32) []gpu.DescriptorSet {
	s := f.slots[slot]
	return []gpu.DescriptorSet{s.frame, s.materials}
}

// destroy must run on an idle device. The sets go with the pool.
func (f *frameResources) destroy() {
	for _, s := range f.slots {
		if s.camera != 0 {
			f.dev.DestroyBuffer(s.camera)
		}
	}
	f.slots = nil
	if f.pool != 0 {
		f.dev.DestroyDescriptorPool(f.pool)
		f.pool = 0
	}
	if f.layout != nil {
		f.layout.Destroy()
		f.layout = nil
	}
}
