package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/mandrill/engine/core"
)

var resultNames = map[vk.Result]string{
	vk.Success:                   "VK_SUCCESS",
	vk.NotReady:                  "VK_NOT_READY",
	vk.Timeout:                   "VK_TIMEOUT",
	vk.Incomplete:                "VK_INCOMPLETE",
	vk.Suboptimal:                "VK_SUBOPTIMAL_KHR",
	vk.ErrorOutOfHostMemory:      "VK_ERROR_OUT_OF_HOST_MEMORY",
	vk.ErrorOutOfDeviceMemory:    "VK_ERROR_OUT_OF_DEVICE_MEMORY",
	vk.ErrorInitializationFailed: "VK_ERROR_INITIALIZATION_FAILED",
	vk.ErrorDeviceLost:           "VK_ERROR_DEVICE_LOST",
	vk.ErrorMemoryMapFailed:      "VK_ERROR_MEMORY_MAP_FAILED",
	vk.ErrorLayerNotPresent:      "VK_ERROR_LAYER_NOT_PRESENT",
	vk.ErrorExtensionNotPresent:  "VK_ERROR_EXTENSION_NOT_PRESENT",
	vk.ErrorFeatureNotPresent:    "VK_ERROR_FEATURE_NOT_PRESENT",
	vk.ErrorIncompatibleDriver:   "VK_ERROR_INCOMPATIBLE_DRIVER",
	vk.ErrorTooManyObjects:       "VK_ERROR_TOO_MANY_OBJECTS",
	vk.ErrorFormatNotSupported:   "VK_ERROR_FORMAT_NOT_SUPPORTED",
	vk.ErrorFragmentedPool:       "VK_ERROR_FRAGMENTED_POOL",
	vk.ErrorSurfaceLost:          "VK_ERROR_SURFACE_LOST_KHR",
	vk.ErrorNativeWindowInUse:    "VK_ERROR_NATIVE_WINDOW_IN_USE_KHR",
	vk.ErrorOutOfDate:            "VK_ERROR_OUT_OF_DATE_KHR",
	vk.ErrorIncompatibleDisplay:  "VK_ERROR_INCOMPATIBLE_DISPLAY_KHR",
	vk.ErrorOutOfPoolMemory:      "VK_ERROR_OUT_OF_POOL_MEMORY",
	vk.ErrorUnknown:              "VK_ERROR_UNKNOWN",
}

func resultString(r vk.Result) string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("VkResult(%d)", int32(r))
}

// resultError turns a failed call into an error wrapping the matching core
// sentinel. Success and VK_SUBOPTIMAL_KHR return nil.
func resultError(op string, r vk.Result) error {
	switch r {
	case vk.Success, vk.Suboptimal:
		return nil
	case vk.ErrorDeviceLost:
		return fmt.Errorf("%s: %w", op, core.ErrDeviceLost)
	case vk.ErrorSurfaceLost:
		// a new swapchain cannot bring the surface back
		return fmt.Errorf("%s: %s: %w", op, resultString(r), core.ErrDeviceLost)
	case vk.ErrorOutOfDate:
		return fmt.Errorf("%s: %s: %w", op, resultString(r), core.ErrOutOfDate)
	case vk.Timeout, vk.NotReady:
		return fmt.Errorf("%s: %w", op, core.ErrTimeout)
	case vk.ErrorFormatNotSupported:
		return fmt.Errorf("%s: %w", op, core.ErrUnsupportedFormat)
	case vk.ErrorExtensionNotPresent, vk.ErrorFeatureNotPresent, vk.ErrorIncompatibleDriver:
		return fmt.Errorf("%s: %s: %w", op, resultString(r), core.ErrUnsupported)
	}
	return fmt.Errorf("%s failed with %s", op, resultString(r))
}

var end = "\x00"

func safeString(s string) string {
	if len(s) == 0 || s[len(s)-1] != 0 {
		return s + end
	}
	return s
}

func safeStrings(list []string) []string {
	out := make([]string, len(list))
	for i := range list {
		out[i] = safeString(list[i])
	}
	return out
}

// cString reads a fixed size, zero terminated name out of a Vulkan struct.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func boolean(b bool) vk.Bool32 {
	if b {
		return vk.True
	}
	return vk.False
}
