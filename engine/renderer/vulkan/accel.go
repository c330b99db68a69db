package vulkan

import (
	"fmt"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

// The bindings carry no VK_KHR_acceleration_structure entry points. Callers
// check Properties().RayTracing before building and fall back to raster.

func (d *Device) AccelerationStructureSizes(desc gpu.AccelerationGeometryDesc) (gpu.AccelerationSizes, error) {
	return gpu.AccelerationSizes{}, fmt.Errorf("sizing %d geometries: %w", len(desc.Geometries), core.ErrUnsupported)
}

func (d *Device) CreateAccelerationStructure(desc gpu.AccelerationStructureDesc) (gpu.AccelerationStructure, error) {
	return 0, fmt.Errorf("creating acceleration structure of %d bytes: %w", desc.Size, core.ErrUnsupported)
}

func (d *Device) AccelerationStructureAddress(as gpu.AccelerationStructure) (uint64, error) {
	return 0, fmt.Errorf("acceleration structure %d address: %w", as, core.ErrUnsupported)
}

// DestroyAccelerationStructure is a no-op: none can exist.
func (d *Device) DestroyAccelerationStructure(gpu.AccelerationStructure) {}
