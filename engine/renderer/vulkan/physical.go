package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

const portabilitySubset = "VK_KHR_portability_subset"

type queueFamilies struct {
	graphics uint32
	present  uint32
	transfer uint32
}

// unique returns the distinct family indices, graphics first.
func (q queueFamilies) unique() []uint32 {
	out := []uint32{q.graphics}
	for _, f := range []uint32{q.present, q.transfer} {
		seen := false
		for _, o := range out {
			if o == f {
				seen = true
			}
		}
		if !seen {
			out = append(out, f)
		}
	}
	return out
}

type candidate struct {
	device     vk.PhysicalDevice
	properties vk.PhysicalDeviceProperties
	families   queueFamilies
	extensions map[string]bool
	score      int
}

func (d *Device) selectPhysicalDevice() error {
	var count uint32
	if err := resultError("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(d.instance, &count, nil)); err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("no device supports Vulkan: %w", core.ErrUnsupported)
	}
	devices := make([]vk.PhysicalDevice, count)
	if err := resultError("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(d.instance, &count, devices)); err != nil {
		return err
	}

	var best *candidate
	for _, pd := range devices {
		c, ok := d.evaluate(pd)
		if !ok {
			continue
		}
		if best == nil || c.score > best.score {
			best = c
		}
	}
	if best == nil {
		return fmt.Errorf("no physical device meets the requirements: %w", core.ErrUnsupported)
	}

	d.physical = best.device
	d.families = best.families
	vk.GetPhysicalDeviceMemoryProperties(d.physical, &d.memory)
	d.memory.Deref()
	d.props = toProperties(best.properties)
	logDevice(best.properties, d.memory)
	return nil
}

// evaluate checks the queue families, the swapchain extension and the
// surface support of pd. Discrete GPUs score higher.
func (d *Device) evaluate(pd vk.PhysicalDevice) (*candidate, bool) {
	c := &candidate{device: pd}
	vk.GetPhysicalDeviceProperties(pd, &c.properties)
	c.properties.Deref()
	name := cString(c.properties.DeviceName[:])

	families, ok := d.findQueueFamilies(pd)
	if !ok {
		core.LogInfo("Device '%s' lacks a graphics or present queue, skipping.", name)
		return nil, false
	}
	c.families = families

	c.extensions = deviceExtensions(pd)
	if !c.extensions[vk.KhrSwapchainExtensionName] {
		core.LogInfo("Device '%s' lacks %s, skipping.", name, vk.KhrSwapchainExtensionName)
		return nil, false
	}

	var formats, modes uint32
	vk.GetPhysicalDeviceSurfaceFormats(pd, d.surface, &formats, nil)
	vk.GetPhysicalDeviceSurfacePresentModes(pd, d.surface, &modes, nil)
	if formats == 0 || modes == 0 {
		core.LogInfo("Device '%s' has no usable surface formats or present modes, skipping.", name)
		return nil, false
	}

	switch c.properties.DeviceType {
	case vk.PhysicalDeviceTypeDiscreteGpu:
		c.score = 3
	case vk.PhysicalDeviceTypeIntegratedGpu:
		c.score = 2
	case vk.PhysicalDeviceTypeVirtualGpu:
		c.score = 1
	}
	return c, true
}

// findQueueFamilies prefers a transfer family without graphics or compute.
// It gets its own queue at device creation.
func (d *Device) findQueueFamilies(pd vk.PhysicalDevice) (queueFamilies, bool) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, props)

	var out queueFamilies
	graphics, present, transfer := false, false, false
	minTransferScore := 255
	for i := uint32(0); i < count; i++ {
		props[i].Deref()
		flags := props[i].QueueFlags
		score := 0
		if flags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			score++
			if !graphics {
				out.graphics, graphics = i, true
			}
		}
		if flags&vk.QueueFlags(vk.QueueComputeBit) != 0 {
			score++
		}
		if flags&vk.QueueFlags(vk.QueueTransferBit) != 0 && score <= minTransferScore {
			minTransferScore = score
			out.transfer, transfer = i, true
		}
		var supported vk.Bool32
		if vk.GetPhysicalDeviceSurfaceSupport(pd, i, d.surface, &supported) == vk.Success && supported == vk.True {
			// a family that does both avoids an ownership transfer
			if !present || i == out.graphics {
				out.present, present = i, true
			}
		}
	}
	if !transfer {
		out.transfer = out.graphics
	}
	core.LogDebug("Queue families: graphics %d, present %d, transfer %d", out.graphics, out.present, out.transfer)
	return out, graphics && present
}

func deviceExtensions(pd vk.PhysicalDevice) map[string]bool {
	out := map[string]bool{}
	var count uint32
	if vk.EnumerateDeviceExtensionProperties(pd, "", &count, nil) != vk.Success || count == 0 {
		return out
	}
	props := make([]vk.ExtensionProperties, count)
	if vk.EnumerateDeviceExtensionProperties(pd, "", &count, props) != vk.Success {
		return out
	}
	for i := range props {
		props[i].Deref()
		out[cString(props[i].ExtensionName[:])] = true
	}
	return out
}

func (d *Device) createLogicalDevice() error {
	families := d.families.unique()
	queueInfos := make([]vk.DeviceQueueCreateInfo, len(families))
	for i, f := range families {
		queueInfos[i] = vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: f,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}
	}

	extensions := []string{vk.KhrSwapchainExtensionName}
	if deviceExtensions(d.physical)[portabilitySubset] {
		core.LogInfo("Adding required extension '%s'.", portabilitySubset)
		extensions = append(extensions, portabilitySubset)
	}

	var features vk.PhysicalDeviceFeatures
	vk.GetPhysicalDeviceFeatures(d.physical, &features)
	features.Deref()
	enabled := vk.PhysicalDeviceFeatures{
		SamplerAnisotropy: features.SamplerAnisotropy,
		FillModeNonSolid:  features.FillModeNonSolid,
		WideLines:         features.WideLines,
	}

	info := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{enabled},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
	}
	var logical vk.Device
	if err := resultError("vkCreateDevice", vk.CreateDevice(d.physical, &info, nil, &logical)); err != nil {
		return err
	}
	d.logical = logical

	vk.GetDeviceQueue(d.logical, d.families.graphics, 0, &d.graphics)
	vk.GetDeviceQueue(d.logical, d.families.present, 0, &d.present)

	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.families.graphics,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	var pool vk.CommandPool
	if err := resultError("vkCreateCommandPool", vk.CreateCommandPool(d.logical, &poolInfo, nil, &pool)); err != nil {
		return err
	}
	d.pool = pool
	return nil
}

func toProperties(p vk.PhysicalDeviceProperties) gpu.Properties {
	p.Limits.Deref()
	return gpu.Properties{
		DeviceName: cString(p.DeviceName[:]),
		Limits: gpu.Limits{
			MaxPushConstantsSize:         p.Limits.MaxPushConstantsSize,
			MaxImageDimension2D:          p.Limits.MaxImageDimension2D,
			FramebufferColorSampleCounts: gpu.SampleCount(p.Limits.FramebufferColorSampleCounts),
			FramebufferDepthSampleCounts: gpu.SampleCount(p.Limits.FramebufferDepthSampleCounts),
		},
		RayTracing: false,
	}
}

func logDevice(p vk.PhysicalDeviceProperties, memory vk.PhysicalDeviceMemoryProperties) {
	core.LogInfo("Selected device: '%s'.", cString(p.DeviceName[:]))
	switch p.DeviceType {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		core.LogInfo("GPU type is Integrated.")
	case vk.PhysicalDeviceTypeDiscreteGpu:
		core.LogInfo("GPU type is Discrete.")
	case vk.PhysicalDeviceTypeVirtualGpu:
		core.LogInfo("GPU type is Virtual.")
	case vk.PhysicalDeviceTypeCpu:
		core.LogInfo("GPU type is CPU.")
	default:
		core.LogInfo("GPU type is Unknown.")
	}
	driver, api := vk.Version(p.DriverVersion), vk.Version(p.ApiVersion)
	core.LogInfo("GPU Driver version: %d.%d.%d", driver.Major(), driver.Minor(), driver.Patch())
	core.LogInfo("Vulkan API version: %d.%d.%d", api.Major(), api.Minor(), api.Patch())

	for i := uint32(0); i < memory.MemoryHeapCount; i++ {
		heap := memory.MemoryHeaps[i]
		heap.Deref()
		gib := float64(heap.Size) / 1024 / 1024 / 1024
		if heap.Flags&vk.MemoryHeapFlags(vk.MemoryHeapDeviceLocalBit) != 0 {
			core.LogInfo("Local GPU memory: %.2f GiB", gib)
		} else {
			core.LogInfo("Shared System memory: %.2f GiB", gib)
		}
	}
}
