// Package vulkan implements gpu.Device over the Vulkan API.
//
// The bindings expose no ray tracing entry points, so acceleration
// structure calls fail with core.ErrUnsupported and Properties reports
// RayTracing as false.
package vulkan

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

// SurfaceFunc creates the window surface for a Vulkan instance and returns
// the raw VkSurfaceKHR.
type SurfaceFunc func(instance interface{}) (uintptr, error)

type Options struct {
	AppName string
	// Extensions are the instance extensions the window system requires.
	Extensions []string
	Validation bool
	Surface    SurfaceFunc
}

type Device struct {
	opts Options

	instance vk.Instance
	debug    vk.DebugReportCallback
	surface  vk.Surface

	physical vk.PhysicalDevice
	logical  vk.Device
	families queueFamilies
	graphics vk.Queue
	present  vk.Queue
	pool     vk.CommandPool
	memory   vk.PhysicalDeviceMemoryProperties
	props    gpu.Properties

	locks           *lockPool
	semaphores      *table[vk.Semaphore]
	fences          *table[vk.Fence]
	swapchains      *table[*swapchain]
	images          *table[*image]
	views           *table[vk.ImageView]
	buffers         *table[*buffer]
	renderPasses    *table[*renderPass]
	framebuffers    *table[vk.Framebuffer]
	shaders         *table[vk.ShaderModule]
	setLayouts      *table[vk.DescriptorSetLayout]
	descriptorPools *table[*descriptorPool]
	descriptorSets  *table[*descriptorSet]
	pipelineLayouts *table[vk.PipelineLayout]
	pipelines       *table[vk.Pipeline]
	commands        *table[vk.CommandBuffer]
}

// SurfaceHandle is the only surface a Device knows: the one created by
// Options.Surface.
const SurfaceHandle gpu.Surface = 1

var _ gpu.Device = (*Device)(nil)

// New creates the instance, the window surface and the logical device. On
// failure everything created so far is destroyed.
func New(opts Options) (*Device, error) {
	if opts.Surface == nil {
		return nil, fmt.Errorf("vulkan device needs a surface function: %w", core.ErrPrecondition)
	}
	d := &Device{
		opts:            opts,
		locks:           newLockPool(),
		semaphores:      newTable[vk.Semaphore]("semaphore"),
		fences:          newTable[vk.Fence]("fence"),
		swapchains:      newTable[*swapchain]("swapchain"),
		images:          newTable[*image]("image"),
		views:           newTable[vk.ImageView]("image view"),
		buffers:         newTable[*buffer]("buffer"),
		renderPasses:    newTable[*renderPass]("render pass"),
		framebuffers:    newTable[vk.Framebuffer]("framebuffer"),
		shaders:         newTable[vk.ShaderModule]("shader module"),
		setLayouts:      newTable[vk.DescriptorSetLayout]("descriptor set layout"),
		descriptorPools: newTable[*descriptorPool]("descriptor pool"),
		descriptorSets:  newTable[*descriptorSet]("descriptor set"),
		pipelineLayouts: newTable[vk.PipelineLayout]("pipeline layout"),
		pipelines:       newTable[vk.Pipeline]("pipeline"),
		commands:        newTable[vk.CommandBuffer]("command buffer"),
	}

	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		return nil, fmt.Errorf("GetInstanceProcAddress is nil: %w", core.ErrUnsupported)
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("initializing vulkan loader: %w", err)
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"instance", d.createInstance},
		{"debugger", d.createDebugger},
		{"surface", d.createSurface},
		{"physical device", d.selectPhysicalDevice},
		{"logical device", d.createLogicalDevice},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			d.Destroy()
			return nil, fmt.Errorf("creating vulkan %s: %w", s.name, err)
		}
	}
	core.LogInfo("Vulkan device ready on '%s'.", d.props.DeviceName)
	return d, nil
}

func (d *Device) createInstance() error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   safeString(d.opts.AppName),
		PEngineName:        safeString("Mandrill Engine"),
	}

	extensions := []string{vk.KhrSurfaceExtensionName}
	extensions = append(extensions, d.opts.Extensions...)
	var flags vk.InstanceCreateFlags
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
		flags |= 1
	}

	var layers []string
	if d.opts.Validation {
		extensions = append(extensions, vk.ExtDebugReportExtensionName)
		if layerAvailable("VK_LAYER_KHRONOS_validation") {
			layers = append(layers, "VK_LAYER_KHRONOS_validation")
		} else {
			core.LogWarn("Validation requested but VK_LAYER_KHRONOS_validation is missing.")
		}
	}
	for _, e := range extensions {
		core.LogDebug("Instance extension: %s", e)
	}

	createInfo := vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		Flags:                   flags,
		PApplicationInfo:        appInfo,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     safeStrings(layers),
	}
	var instance vk.Instance
	if err := resultError("vkCreateInstance", vk.CreateInstance(&createInfo, nil, &instance)); err != nil {
		return err
	}
	d.instance = instance
	return vk.InitInstance(d.instance)
}

func layerAvailable(name string) bool {
	var count uint32
	if vk.EnumerateInstanceLayerProperties(&count, nil) != vk.Success {
		return false
	}
	layers := make([]vk.LayerProperties, count)
	if vk.EnumerateInstanceLayerProperties(&count, layers) != vk.Success {
		return false
	}
	for i := range layers {
		layers[i].Deref()
		if cString(layers[i].LayerName[:]) == name {
			return true
		}
	}
	return false
}

func (d *Device) createDebugger() error {
	if !d.opts.Validation {
		return nil
	}
	info := vk.DebugReportCallbackCreateInfo{
		SType: vk.StructureTypeDebugReportCallbackCreateInfo,
		Flags: vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit |
			vk.DebugReportPerformanceWarningBit),
		PfnCallback: debugCallback,
	}
	var cb vk.DebugReportCallback
	if err := vk.Error(vk.CreateDebugReportCallback(d.instance, &info, nil, &cb)); err != nil {
		// validation output is optional
		core.LogWarn("vkCreateDebugReportCallback failed: %s", err)
		return nil
	}
	d.debug = cb
	return nil
}

func debugCallback(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("[%s] %d: %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit|vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("[%s] %d: %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] %d: %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}

func (d *Device) createSurface() error {
	ptr, err := d.opts.Surface(d.instance)
	if err != nil {
		return err
	}
	d.surface = vk.SurfaceFromPointer(ptr)
	return nil
}

func (d *Device) Properties() gpu.Properties {
	return d.props
}

func (d *Device) FormatSupported(format gpu.Format, features gpu.FormatFeature) bool {
	var props vk.FormatProperties
	vk.GetPhysicalDeviceFormatProperties(d.physical, vk.Format(format), &props)
	props.Deref()
	want := vk.FormatFeatureFlags(features)
	return props.OptimalTilingFeatures&want == want
}

func (d *Device) WaitIdle() error {
	if d.logical == nil {
		return nil
	}
	return resultError("vkDeviceWaitIdle", vk.DeviceWaitIdle(d.logical))
}

// Destroy releases every object still alive, then the device, the surface
// and the instance. Leaked objects are reported.
func (d *Device) Destroy() {
	if d.logical != nil {
		vk.DeviceWaitIdle(d.logical)
		d.destroyLeaked()
		if d.pool != vk.NullCommandPool {
			vk.DestroyCommandPool(d.logical, d.pool, nil)
			d.pool = vk.NullCommandPool
		}
		vk.DestroyDevice(d.logical, nil)
		d.logical = nil
	}
	d.physical = nil
	if d.surface != vk.NullSurface {
		vk.DestroySurface(d.instance, d.surface, nil)
		d.surface = vk.NullSurface
	}
	if d.debug != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(d.instance, d.debug, nil)
		d.debug = vk.NullDebugReportCallback
	}
	if d.instance != nil {
		vk.DestroyInstance(d.instance, nil)
		d.instance = nil
	}
	core.LogDebug("Vulkan device destroyed.")
}

func (d *Device) destroyLeaked() {
	leaked := d.pipelines.len() + d.pipelineLayouts.len() + d.descriptorPools.len() + d.setLayouts.len() + d.shaders.len() +
		d.framebuffers.len() + d.renderPasses.len() + d.views.len() + d.buffers.len() +
		d.swapchains.len() + d.semaphores.len() + d.fences.len() + d.commands.len()
	if leaked == 0 {
		return
	}
	core.LogWarn("Destroying %d Vulkan objects still alive at device teardown.", leaked)
	d.pipelines.each(func(h uint64, _ vk.Pipeline) { d.DestroyPipeline(gpu.Pipeline(h)) })
	d.pipelineLayouts.each(func(h uint64, _ vk.PipelineLayout) { d.DestroyPipelineLayout(gpu.PipelineLayout(h)) })
	d.descriptorPools.each(func(h uint64, _ *descriptorPool) { d.DestroyDescriptorPool(gpu.DescriptorPool(h)) })
	d.setLayouts.each(func(h uint64, _ vk.DescriptorSetLayout) {
		d.DestroyDescriptorSetLayout(gpu.DescriptorSetLayout(h))
	})
	d.shaders.each(func(h uint64, _ vk.ShaderModule) { d.DestroyShaderModule(gpu.ShaderModule(h)) })
	d.framebuffers.each(func(h uint64, _ vk.Framebuffer) { d.DestroyFramebuffer(gpu.Framebuffer(h)) })
	d.renderPasses.each(func(h uint64, _ *renderPass) { d.DestroyRenderPass(gpu.RenderPass(h)) })
	d.views.each(func(h uint64, _ vk.ImageView) { d.DestroyImageView(gpu.ImageView(h)) })
	d.images.each(func(h uint64, img *image) {
		if img.owned {
			d.DestroyImage(gpu.Image(h))
		}
	})
	d.buffers.each(func(h uint64, _ *buffer) { d.DestroyBuffer(gpu.Buffer(h)) })
	d.swapchains.each(func(h uint64, _ *swapchain) { d.DestroySwapchain(gpu.Swapchain(h)) })
	d.semaphores.each(func(h uint64, _ vk.Semaphore) { d.DestroySemaphore(gpu.Semaphore(h)) })
	d.fences.each(func(h uint64, _ vk.Fence) { d.DestroyFence(gpu.Fence(h)) })
	d.commands.each(func(h uint64, _ vk.CommandBuffer) { d.FreeCommandBuffer(gpu.CommandBuffer(h)) })
}
