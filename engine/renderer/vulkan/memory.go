package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

type buffer struct {
	handle      vk.Buffer
	memory      vk.DeviceMemory
	size        uint64
	hostVisible bool
	label       string
}

type image struct {
	handle vk.Image
	memory vk.DeviceMemory
	// owned is false for swapchain images, which die with their swapchain.
	owned bool
}

// memoryType returns the first memory type allowed by typeBits that has
// every flag in want.
func (d *Device) memoryType(typeBits uint32, want vk.MemoryPropertyFlags) (uint32, error) {
	for i := uint32(0); i < d.memory.MemoryTypeCount; i++ {
		t := d.memory.MemoryTypes[i]
		t.Deref()
		if typeBits&(1<<i) != 0 && t.PropertyFlags&want == want {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no memory type with flags 0x%x in 0x%x: %w", uint32(want), typeBits, core.ErrUnsupported)
}

func (d *Device) allocate(reqs vk.MemoryRequirements, want vk.MemoryPropertyFlags) (vk.DeviceMemory, error) {
	reqs.Deref()
	index, err := d.memoryType(reqs.MemoryTypeBits, want)
	if err != nil {
		return vk.NullDeviceMemory, err
	}
	var memory vk.DeviceMemory
	r := vk.AllocateMemory(d.logical, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: index,
	}, nil, &memory)
	if err := resultError("vkAllocateMemory", r); err != nil {
		return vk.NullDeviceMemory, err
	}
	return memory, nil
}

func (d *Device) CreateBuffer(desc gpu.BufferDesc) (gpu.Buffer, error) {
	if desc.Size == 0 {
		return 0, fmt.Errorf("%w: buffer %q has zero size", core.ErrPrecondition, desc.Label)
	}
	var h gpu.Buffer
	err := d.locks.safeCall(memoryObjects, func() error {
		var handle vk.Buffer
		r := vk.CreateBuffer(d.logical, &vk.BufferCreateInfo{
			SType:       vk.StructureTypeBufferCreateInfo,
			Size:        vk.DeviceSize(desc.Size),
			Usage:       vk.BufferUsageFlags(desc.Usage),
			SharingMode: vk.SharingModeExclusive,
		}, nil, &handle)
		if err := resultError("vkCreateBuffer", r); err != nil {
			return err
		}

		var reqs vk.MemoryRequirements
		vk.GetBufferMemoryRequirements(d.logical, handle, &reqs)
		want := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
		if desc.HostVisible {
			want = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
		}
		memory, err := d.allocate(reqs, want)
		if err != nil {
			vk.DestroyBuffer(d.logical, handle, nil)
			return err
		}
		if err := resultError("vkBindBufferMemory", vk.BindBufferMemory(d.logical, handle, memory, 0)); err != nil {
			vk.FreeMemory(d.logical, memory, nil)
			vk.DestroyBuffer(d.logical, handle, nil)
			return err
		}
		h = gpu.Buffer(d.buffers.add(&buffer{
			handle:      handle,
			memory:      memory,
			size:        desc.Size,
			hostVisible: desc.HostVisible,
			label:       desc.Label,
		}))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("creating buffer %q: %w", desc.Label, err)
	}
	return h, nil
}

// WriteBuffer maps the range, copies data and unmaps. The memory is host
// coherent so no flush is needed.
func (d *Device) WriteBuffer(b gpu.Buffer, offset uint64, data []byte) error {
	return d.locks.safeCall(memoryObjects, func() error {
		buf, err := d.buffers.get(uint64(b))
		if err != nil {
			return err
		}
		if !buf.hostVisible {
			return fmt.Errorf("%w: buffer %q is not host visible", core.ErrPrecondition, buf.label)
		}
		if offset+uint64(len(data)) > buf.size {
			return fmt.Errorf("%w: write of %d bytes at %d overflows buffer %q of %d bytes",
				core.ErrPrecondition, len(data), offset, buf.label, buf.size)
		}
		if len(data) == 0 {
			return nil
		}
		var ptr unsafe.Pointer
		r := vk.MapMemory(d.logical, buf.memory, vk.DeviceSize(offset), vk.DeviceSize(len(data)), 0, &ptr)
		if err := resultError("vkMapMemory", r); err != nil {
			return err
		}
		copy(unsafe.Slice((*byte)(ptr), len(data)), data)
		vk.UnmapMemory(d.logical, buf.memory)
		return nil
	})
}

// BufferAddress needs VK_KHR_buffer_device_address, which is only enabled
// together with ray tracing.
func (d *Device) BufferAddress(b gpu.Buffer) (uint64, error) {
	return 0, fmt.Errorf("buffer device address: %w", core.ErrUnsupported)
}

func (d *Device) DestroyBuffer(b gpu.Buffer) {
	d.locks.safeCall(memoryObjects, func() error {
		if buf, ok := d.buffers.take(uint64(b)); ok {
			vk.DestroyBuffer(d.logical, buf.handle, nil)
			vk.FreeMemory(d.logical, buf.memory, nil)
		}
		return nil
	})
}

func (d *Device) CreateImage(desc gpu.ImageDesc) (gpu.Image, error) {
	samples := desc.Samples
	if samples == 0 {
		samples = gpu.SampleCount1
	}
	var h gpu.Image
	err := d.locks.safeCall(memoryObjects, func() error {
		var handle vk.Image
		r := vk.CreateImage(d.logical, &vk.ImageCreateInfo{
			SType:     vk.StructureTypeImageCreateInfo,
			ImageType: vk.ImageType2d,
			Format:    vk.Format(desc.Format),
			Extent: vk.Extent3D{
				Width:  desc.Extent.Width,
				Height: desc.Extent.Height,
				Depth:  1,
			},
			MipLevels:     1,
			ArrayLayers:   1,
			Samples:       vk.SampleCountFlagBits(samples),
			Tiling:        vk.ImageTilingOptimal,
			Usage:         vk.ImageUsageFlags(desc.Usage),
			SharingMode:   vk.SharingModeExclusive,
			InitialLayout: vk.ImageLayoutUndefined,
		}, nil, &handle)
		if err := resultError("vkCreateImage", r); err != nil {
			return err
		}
		var reqs vk.MemoryRequirements
		vk.GetImageMemoryRequirements(d.logical, handle, &reqs)
		memory, err := d.allocate(reqs, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
		if err != nil {
			vk.DestroyImage(d.logical, handle, nil)
			return err
		}
		if err := resultError("vkBindImageMemory", vk.BindImageMemory(d.logical, handle, memory, 0)); err != nil {
			vk.FreeMemory(d.logical, memory, nil)
			vk.DestroyImage(d.logical, handle, nil)
			return err
		}
		h = gpu.Image(d.images.add(&image{handle: handle, memory: memory, owned: true}))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("creating %dx%d %s image: %w", desc.Extent.Width, desc.Extent.Height, desc.Format, err)
	}
	return h, nil
}

func (d *Device) DestroyImage(img gpu.Image) {
	d.locks.safeCall(memoryObjects, func() error {
		i, err := d.images.get(uint64(img))
		if err != nil || !i.owned {
			return nil
		}
		d.images.take(uint64(img))
		vk.DestroyImage(d.logical, i.handle, nil)
		vk.FreeMemory(d.logical, i.memory, nil)
		return nil
	})
}

func (d *Device) CreateImageView(img gpu.Image, format gpu.Format, aspect gpu.ImageAspect) (gpu.ImageView, error) {
	var h gpu.ImageView
	err := d.locks.safeCall(memoryObjects, func() error {
		i, err := d.images.get(uint64(img))
		if err != nil {
			return err
		}
		var view vk.ImageView
		r := vk.CreateImageView(d.logical, &vk.ImageViewCreateInfo{
			SType:    vk.StructureTypeImageViewCreateInfo,
			Image:    i.handle,
			ViewType: vk.ImageViewType2d,
			Format:   vk.Format(format),
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vk.ImageAspectFlags(aspect),
				LevelCount: 1,
				LayerCount: 1,
			},
		}, nil, &view)
		if err := resultError("vkCreateImageView", r); err != nil {
			return err
		}
		h = gpu.ImageView(d.views.add(view))
		return nil
	})
	return h, err
}

func (d *Device) DestroyImageView(v gpu.ImageView) {
	d.locks.safeCall(memoryObjects, func() error {
		if view, ok := d.views.take(uint64(v)); ok {
			vk.DestroyImageView(d.logical, view, nil)
		}
		return nil
	})
}
