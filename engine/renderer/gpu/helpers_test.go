package gpu_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu/gputest"
)

func TestAlignTo(t *testing.T) {
	assert.Equal(t, uint64(0), gpu.AlignTo(0, 256))
	assert.Equal(t, uint64(256), gpu.AlignTo(1, 256))
	assert.Equal(t, uint64(256), gpu.AlignTo(256, 256))
	assert.Equal(t, uint64(512), gpu.AlignTo(257, 256))
	assert.Equal(t, uint64(8), gpu.AlignTo(7, 8))
}

func TestFindDepthFormat(t *testing.T) {
	dev := gputest.New()
	f, err := gpu.FindDepthFormat(dev)
	require.NoError(t, err)
	assert.Equal(t, gpu.FormatD32Sfloat, f)

	dev.SetUnsupported(gpu.FormatD32Sfloat)
	f, err = gpu.FindDepthFormat(dev)
	require.NoError(t, err)
	assert.Equal(t, gpu.FormatD32SfloatS8Uint, f)
	assert.True(t, gpu.HasStencil(f))

	dev.SetUnsupported(gpu.FormatD32SfloatS8Uint, gpu.FormatD24UnormS8Uint)
	_, err = gpu.FindDepthFormat(dev)
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)
}

func TestMaxSampleCount(t *testing.T) {
	limits := gpu.Limits{
		FramebufferColorSampleCounts: gpu.SampleCount1 | gpu.SampleCount2 | gpu.SampleCount4 | gpu.SampleCount8,
		FramebufferDepthSampleCounts: gpu.SampleCount1 | gpu.SampleCount2 | gpu.SampleCount4,
	}
	assert.Equal(t, gpu.SampleCount4, gpu.MaxSampleCount(limits))
	assert.Equal(t, gpu.SampleCount1, gpu.MaxSampleCount(gpu.Limits{}))

	assert.True(t, gpu.SampleCountSupported(limits, gpu.SampleCount2))
	assert.False(t, gpu.SampleCountSupported(limits, gpu.SampleCount8))
	assert.False(t, gpu.SampleCountSupported(limits, gpu.SampleCount1|gpu.SampleCount2))
	assert.False(t, gpu.SampleCountSupported(limits, 0))
}

func TestEncodeInstances(t *testing.T) {
	inst := gpu.AccelerationInstance{
		Transform:   [3][4]float32{{1, 0, 0, 5}, {0, 1, 0, 0}, {0, 0, 1, 0}},
		CustomIndex: 7,
		Mask:        0xff,
		Flags:       gpu.InstanceTriangleFacingCullDisable,
		BLASAddress: 0xdeadbeef,
	}
	b := gpu.EncodeInstances([]gpu.AccelerationInstance{inst, inst})
	require.Len(t, b, 2*gpu.InstanceSize)

	assert.Equal(t, float32(5), math.Float32frombits(binary.LittleEndian.Uint32(b[12:])))
	assert.Equal(t, uint32(7)|0xff<<24, binary.LittleEndian.Uint32(b[48:]))
	assert.Equal(t, uint32(gpu.InstanceTriangleFacingCullDisable)<<24, binary.LittleEndian.Uint32(b[52:]))
	assert.Equal(t, uint64(0xdeadbeef), binary.LittleEndian.Uint64(b[56:]))
}
