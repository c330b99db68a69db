// Package accel builds the ray tracing acceleration structures of a scene:
// one bottom-level structure per mesh and, for every frame slot, a
// top-level structure over the instances produced by scene traversal.
package accel

import (
	"fmt"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

type State uint8

const (
	StateUnbuilt State = iota
	StateBuilt
	// StateStale means the structure no longer matches the scene and needs
	// a full build before it can be refit or traced again.
	StateStale
)

func (s State) String() string {
	switch s {
	case StateUnbuilt:
		return "unbuilt"
	case StateBuilt:
		return "built"
	case StateStale:
		return "stale"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// structureAlignment is the offset alignment of structures sharing one
// backing buffer.
const structureAlignment = 256

// instanceMask makes every instance visible to every ray.
const instanceMask = 0xff

type Options struct {
	// BatchLimitBytes caps the summed structure size of the bottom-level
	// builds recorded into one submission.
	BatchLimitBytes uint64
	// ScratchAlignment is raised to the device's minimum scratch alignment
	// when that is larger.
	ScratchAlignment uint64
	// Flags are added to every build. AllowUpdate is always set on the top
	// level.
	Flags gpu.AccelerationBuildFlags
}

func DefaultOptions() Options {
	return Options{
		BatchLimitBytes:  256_000_000,
		ScratchAlignment: structureAlignment,
		Flags:            gpu.AccelerationPreferFastTrace,
	}
}

// OptionsFromConfig copies the [accel] section of the engine configuration.
func OptionsFromConfig(cfg core.AccelConfig) Options {
	o := DefaultOptions()
	if cfg.BatchLimitBytes > 0 {
		o.BatchLimitBytes = cfg.BatchLimitBytes
	}
	if cfg.ScratchAlignment > 0 {
		o.ScratchAlignment = cfg.ScratchAlignment
	}
	return o
}

func (o Options) scratchAlignment(limits gpu.Limits) uint64 {
	a := o.ScratchAlignment
	if a == 0 {
		a = structureAlignment
	}
	if m := uint64(limits.MinAccelerationScratchAlignment); m > a {
		a = m
	}
	return a
}

func requireRayTracing(dev gpu.Device) error {
	if !dev.Properties().RayTracing {
		return fmt.Errorf("acceleration structures: %w", core.ErrUnsupported)
	}
	return nil
}

// scratch is a device-local buffer whose address is aligned for builds.
type scratch struct {
	buffer  gpu.Buffer
	size    uint64
	address uint64
}

// newScratch over-allocates by one alignment so the aligned address still
// has size bytes behind it.
func newScratch(dev gpu.Device, label string, size, alignment uint64) (scratch, error) {
	buf, err := dev.CreateBuffer(gpu.BufferDesc{
		Size:  size + alignment,
		Usage: gpu.BufferUsageStorage | gpu.BufferUsageShaderDeviceAddress,
		Label: label,
	})
	if err != nil {
		return scratch{}, fmt.Errorf("creating %s: %w", label, err)
	}
	addr, err := dev.BufferAddress(buf)
	if err != nil {
		dev.DestroyBuffer(buf)
		return scratch{}, fmt.Errorf("address of %s: %w", label, err)
	}
	return scratch{buffer: buf, size: size, address: gpu.AlignTo(addr, alignment)}, nil
}
