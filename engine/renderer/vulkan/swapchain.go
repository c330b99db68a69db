package vulkan

import (
	"fmt"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

type swapchain struct {
	handle vk.Swapchain
	images []gpu.Image
}

func (d *Device) checkSurface(s gpu.Surface) error {
	if s != SurfaceHandle || d.surface == vk.NullSurface {
		return fmt.Errorf("surface %d: %w", s, core.ErrDanglingReference)
	}
	return nil
}

func (d *Device) SurfaceCapabilities(s gpu.Surface) (gpu.SurfaceCapabilities, error) {
	if err := d.checkSurface(s); err != nil {
		return gpu.SurfaceCapabilities{}, err
	}
	var caps vk.SurfaceCapabilities
	r := vk.GetPhysicalDeviceSurfaceCapabilities(d.physical, d.surface, &caps)
	if err := resultError("vkGetPhysicalDeviceSurfaceCapabilitiesKHR", r); err != nil {
		return gpu.SurfaceCapabilities{}, err
	}
	caps.Deref()
	caps.CurrentExtent.Deref()
	caps.MinImageExtent.Deref()
	caps.MaxImageExtent.Deref()

	out := gpu.SurfaceCapabilities{
		MinImageCount: caps.MinImageCount,
		MaxImageCount: caps.MaxImageCount,
		CurrentExtent: gpu.Extent2D{Width: caps.CurrentExtent.Width, Height: caps.CurrentExtent.Height},
		MinExtent:     gpu.Extent2D{Width: caps.MinImageExtent.Width, Height: caps.MinImageExtent.Height},
		MaxExtent:     gpu.Extent2D{Width: caps.MaxImageExtent.Width, Height: caps.MaxImageExtent.Height},
	}

	var count uint32
	vk.GetPhysicalDeviceSurfaceFormats(d.physical, d.surface, &count, nil)
	formats := make([]vk.SurfaceFormat, count)
	vk.GetPhysicalDeviceSurfaceFormats(d.physical, d.surface, &count, formats)
	for i := range formats {
		formats[i].Deref()
		out.Formats = append(out.Formats, gpu.SurfaceFormat{
			Format:     gpu.Format(formats[i].Format),
			ColorSpace: gpu.ColorSpace(formats[i].ColorSpace),
		})
	}

	count = 0
	vk.GetPhysicalDeviceSurfacePresentModes(d.physical, d.surface, &count, nil)
	modes := make([]vk.PresentMode, count)
	vk.GetPhysicalDeviceSurfacePresentModes(d.physical, d.surface, &count, modes)
	for _, m := range modes {
		out.PresentModes = append(out.PresentModes, gpu.PresentMode(m))
	}
	return out, nil
}

// CreateSwapchain creates the chain and registers its images. The images
// are not owned: DestroyImage ignores them and DestroySwapchain drops them.
func (d *Device) CreateSwapchain(desc gpu.SwapchainDesc) (gpu.Swapchain, []gpu.Image, error) {
	if err := d.checkSurface(desc.Surface); err != nil {
		return 0, nil, err
	}
	var caps vk.SurfaceCapabilities
	r := vk.GetPhysicalDeviceSurfaceCapabilities(d.physical, d.surface, &caps)
	if err := resultError("vkGetPhysicalDeviceSurfaceCapabilitiesKHR", r); err != nil {
		return 0, nil, err
	}
	caps.Deref()

	var h gpu.Swapchain
	var images []gpu.Image
	err := d.locks.safeCall(swapchainObjs, func() error {
		old := vk.NullSwapchain
		if desc.Old != 0 {
			sc, err := d.swapchains.get(uint64(desc.Old))
			if err != nil {
				return err
			}
			old = sc.handle
		}

		info := vk.SwapchainCreateInfo{
			SType:            vk.StructureTypeSwapchainCreateInfo,
			Surface:          d.surface,
			MinImageCount:    desc.ImageCount,
			ImageFormat:      vk.Format(desc.Format.Format),
			ImageColorSpace:  vk.ColorSpace(desc.Format.ColorSpace),
			ImageExtent:      vk.Extent2D{Width: desc.Extent.Width, Height: desc.Extent.Height},
			ImageArrayLayers: 1,
			ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
			ImageSharingMode: vk.SharingModeExclusive,
			PreTransform:     caps.CurrentTransform,
			CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
			PresentMode:      vk.PresentMode(desc.PresentMode),
			Clipped:          vk.True,
			OldSwapchain:     old,
		}
		if d.families.graphics != d.families.present {
			info.ImageSharingMode = vk.SharingModeConcurrent
			info.QueueFamilyIndexCount = 2
			info.PQueueFamilyIndices = []uint32{d.families.graphics, d.families.present}
		}

		var handle vk.Swapchain
		if err := resultError("vkCreateSwapchainKHR", vk.CreateSwapchain(d.logical, &info, nil, &handle)); err != nil {
			return err
		}

		var count uint32
		if err := resultError("vkGetSwapchainImagesKHR", vk.GetSwapchainImages(d.logical, handle, &count, nil)); err != nil {
			vk.DestroySwapchain(d.logical, handle, nil)
			return err
		}
		raw := make([]vk.Image, count)
		if err := resultError("vkGetSwapchainImagesKHR", vk.GetSwapchainImages(d.logical, handle, &count, raw)); err != nil {
			vk.DestroySwapchain(d.logical, handle, nil)
			return err
		}

		d.locks.safeCall(memoryObjects, func() error {
			for _, img := range raw {
				images = append(images, gpu.Image(d.images.add(&image{handle: img})))
			}
			return nil
		})
		h = gpu.Swapchain(d.swapchains.add(&swapchain{handle: handle, images: images}))
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	core.LogDebug("Swapchain %dx%d with %d images created.", desc.Extent.Width, desc.Extent.Height, len(images))
	return h, images, nil
}

func (d *Device) DestroySwapchain(s gpu.Swapchain) {
	d.locks.safeCall(swapchainObjs, func() error {
		sc, ok := d.swapchains.take(uint64(s))
		if !ok {
			return nil
		}
		d.locks.safeCall(memoryObjects, func() error {
			for _, img := range sc.images {
				d.images.take(uint64(img))
			}
			return nil
		})
		vk.DestroySwapchain(d.logical, sc.handle, nil)
		return nil
	})
}

func (d *Device) swapchainHandle(s gpu.Swapchain) (vk.Swapchain, error) {
	var handle vk.Swapchain
	err := d.locks.safeCall(swapchainObjs, func() error {
		sc, err := d.swapchains.get(uint64(s))
		if err != nil {
			return err
		}
		handle = sc.handle
		return nil
	})
	return handle, err
}

// AcquireNextImage treats VK_SUBOPTIMAL_KHR as success; the following
// Present reports it.
func (d *Device) AcquireNextImage(s gpu.Swapchain, timeout time.Duration, signal gpu.Semaphore) (uint32, error) {
	handle, err := d.swapchainHandle(s)
	if err != nil {
		return 0, err
	}
	sem, err := d.semaphore(signal)
	if err != nil {
		return 0, err
	}
	var index uint32
	r := vk.AcquireNextImage(d.logical, handle, uint64(timeout.Nanoseconds()), sem, vk.NullFence, &index)
	if err := resultError("vkAcquireNextImageKHR", r); err != nil {
		return 0, err
	}
	return index, nil
}

// Present returns core.ErrOutOfDate for VK_SUBOPTIMAL_KHR too so the caller
// rebuilds the chain at the new surface size.
func (d *Device) Present(s gpu.Swapchain, imageIndex uint32, wait gpu.Semaphore) error {
	handle, err := d.swapchainHandle(s)
	if err != nil {
		return err
	}
	sem, err := d.semaphore(wait)
	if err != nil {
		return err
	}
	r := vk.QueuePresent(d.present, &vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{sem},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{handle},
		PImageIndices:      []uint32{imageIndex},
	})
	if r == vk.Suboptimal {
		return fmt.Errorf("vkQueuePresentKHR: %s: %w", resultString(r), core.ErrOutOfDate)
	}
	return resultError("vkQueuePresentKHR", r)
}
