package gpu

import (
	"fmt"
	"math"

	"github.com/spaghettifunk/mandrill/engine/core"
)

// AlignTo rounds v up to a multiple of alignment, which must be a power of two.
func AlignTo(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}

// FindSupportedFormat returns the first candidate with optimal tiling
// support for every bit in features.
func FindSupportedFormat(dev Device, candidates []Format, features FormatFeature) (Format, error) {
	for _, f := range candidates {
		if dev.FormatSupported(f, features) {
			return f, nil
		}
	}
	return FormatUndefined, fmt.Errorf("none of %v supports features 0x%x: %w", candidates, uint32(features), core.ErrUnsupportedFormat)
}

var depthCandidates = []Format{FormatD32Sfloat, FormatD32SfloatS8Uint, FormatD24UnormS8Uint}

func FindDepthFormat(dev Device) (Format, error) {
	return FindSupportedFormat(dev, depthCandidates, FormatFeatureDepthStencilAttachment)
}

func HasStencil(f Format) bool {
	return f == FormatD32SfloatS8Uint || f == FormatD24UnormS8Uint
}

// MaxSampleCount is the highest sample count usable by both color and depth
// framebuffer attachments.
func MaxSampleCount(limits Limits) SampleCount {
	counts := limits.FramebufferColorSampleCounts & limits.FramebufferDepthSampleCounts
	for s := SampleCount64; s > SampleCount1; s >>= 1 {
		if counts&s != 0 {
			return s
		}
	}
	return SampleCount1
}

// SampleCountSupported reports whether s names exactly one sample count that
// both color and depth attachments accept.
func SampleCountSupported(limits Limits, s SampleCount) bool {
	if s == 0 || s&(s-1) != 0 {
		return false
	}
	return limits.FramebufferColorSampleCounts&limits.FramebufferDepthSampleCounts&s != 0
}

func float32bits(f float32) uint32 {
	return math.Float32bits(f)
}
