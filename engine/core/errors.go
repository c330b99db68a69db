package core

import (
	"errors"
)

var (
	// ErrDeviceLost means the device context is unusable. Every device
	// dependent object has to be torn down and created again.
	ErrDeviceLost = errors.New("device lost")
	// ErrOutOfDate means the surface changed under the swapchain. Recreate
	// the swapchain and retry the frame.
	ErrOutOfDate = errors.New("swapchain out of date")

	ErrUnsupportedFormat     = errors.New("unsupported format or sample count")
	ErrGeometryEmpty         = errors.New("geometry has no valid triangles")
	ErrInstanceLimitExceeded = errors.New("instance limit exceeded")
	ErrPrecondition          = errors.New("precondition violated")

	ErrTimeout           = errors.New("timed out")
	ErrUnsupported       = errors.New("operation not supported by device")
	ErrDanglingReference = errors.New("dangling reference")
	ErrEmptyScene        = errors.New("scene has no instances")
	ErrNotBuilt          = errors.New("acceleration structure not built")
	ErrDestroyed         = errors.New("object already destroyed")
)
