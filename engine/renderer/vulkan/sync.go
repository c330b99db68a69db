package vulkan

import (
	"fmt"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	var h gpu.Semaphore
	err := d.locks.safeCall(syncObjects, func() error {
		var s vk.Semaphore
		r := vk.CreateSemaphore(d.logical, &vk.SemaphoreCreateInfo{
			SType: vk.StructureTypeSemaphoreCreateInfo,
		}, nil, &s)
		if err := resultError("vkCreateSemaphore", r); err != nil {
			return err
		}
		h = gpu.Semaphore(d.semaphores.add(s))
		return nil
	})
	return h, err
}

func (d *Device) DestroySemaphore(s gpu.Semaphore) {
	d.locks.safeCall(syncObjects, func() error {
		if sem, ok := d.semaphores.take(uint64(s)); ok {
			vk.DestroySemaphore(d.logical, sem, nil)
		}
		return nil
	})
}

// CreateFence creates a fence, already signaled when signaled is set so the
// first wait on a frame slot returns at once.
func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	var h gpu.Fence
	err := d.locks.safeCall(syncObjects, func() error {
		info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
		if signaled {
			info.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
		}
		var f vk.Fence
		if err := resultError("vkCreateFence", vk.CreateFence(d.logical, &info, nil, &f)); err != nil {
			return err
		}
		h = gpu.Fence(d.fences.add(f))
		return nil
	})
	return h, err
}

func (d *Device) DestroyFence(f gpu.Fence) {
	d.locks.safeCall(syncObjects, func() error {
		if fence, ok := d.fences.take(uint64(f)); ok {
			vk.DestroyFence(d.logical, fence, nil)
		}
		return nil
	})
}

func (d *Device) fence(f gpu.Fence) (vk.Fence, error) {
	var fence vk.Fence
	err := d.locks.safeCall(syncObjects, func() error {
		var err error
		fence, err = d.fences.get(uint64(f))
		return err
	})
	return fence, err
}

func (d *Device) semaphore(s gpu.Semaphore) (vk.Semaphore, error) {
	var sem vk.Semaphore
	err := d.locks.safeCall(syncObjects, func() error {
		var err error
		sem, err = d.semaphores.get(uint64(s))
		return err
	})
	return sem, err
}

// WaitFence does not hold the sync lock while blocked.
func (d *Device) WaitFence(f gpu.Fence, timeout time.Duration) error {
	fence, err := d.fence(f)
	if err != nil {
		return err
	}
	r := vk.WaitForFences(d.logical, 1, []vk.Fence{fence}, vk.True, uint64(timeout.Nanoseconds()))
	if err := resultError("vkWaitForFences", r); err != nil {
		return fmt.Errorf("waiting %s: %w", timeout, err)
	}
	return nil
}

func (d *Device) ResetFence(f gpu.Fence) error {
	fence, err := d.fence(f)
	if err != nil {
		return err
	}
	return resultError("vkResetFences", vk.ResetFences(d.logical, 1, []vk.Fence{fence}))
}
