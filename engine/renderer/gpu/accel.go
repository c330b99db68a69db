package gpu

import "encoding/binary"

type AccelerationLevel uint32

const (
	AccelerationTopLevel    AccelerationLevel = 0
	AccelerationBottomLevel AccelerationLevel = 1
)

type AccelerationBuildFlags uint32

const (
	AccelerationAllowUpdate     AccelerationBuildFlags = 0x1
	AccelerationAllowCompaction AccelerationBuildFlags = 0x2
	AccelerationPreferFastTrace AccelerationBuildFlags = 0x4
	AccelerationPreferFastBuild AccelerationBuildFlags = 0x8
)

type AccelerationBuildMode uint32

const (
	AccelerationModeBuild  AccelerationBuildMode = 0
	AccelerationModeUpdate AccelerationBuildMode = 1
)

// AccelerationGeometry is either an indexed triangle list (bottom level) or
// an instance array (top level).
type AccelerationGeometry struct {
	VertexBuffer   Buffer
	VertexOffset   uint64
	VertexStride   uint64
	VertexFormat   Format
	MaxVertex      uint32
	IndexBuffer    Buffer
	IndexOffset    uint64
	PrimitiveCount uint32

	InstanceBuffer Buffer
	InstanceCount  uint32

	Opaque bool
}

type AccelerationGeometryDesc struct {
	Level      AccelerationLevel
	Flags      AccelerationBuildFlags
	Geometries []AccelerationGeometry
}

// PrimitiveCount sums triangles or instances over all geometries.
func (d AccelerationGeometryDesc) PrimitiveCount() uint32 {
	n := uint32(0)
	for _, g := range d.Geometries {
		if d.Level == AccelerationTopLevel {
			n += g.InstanceCount
		} else {
			n += g.PrimitiveCount
		}
	}
	return n
}

type AccelerationSizes struct {
	StructureSize     uint64
	BuildScratchSize  uint64
	UpdateScratchSize uint64
}

type AccelerationStructureDesc struct {
	Level  AccelerationLevel
	Buffer Buffer
	Offset uint64
	Size   uint64
}

type AccelerationBuild struct {
	Geometry AccelerationGeometryDesc
	Mode     AccelerationBuildMode
	// Src is the structure being refit when Mode is AccelerationModeUpdate.
	Src     AccelerationStructure
	Dst     AccelerationStructure
	Scratch Buffer
	// ScratchAddress is the device address of the scratch region.
	ScratchAddress uint64
}

type InstanceFlags uint8

const (
	InstanceTriangleFacingCullDisable InstanceFlags = 0x1
	InstanceTriangleFlipFacing        InstanceFlags = 0x2
	InstanceForceOpaque               InstanceFlags = 0x4
	InstanceForceNoOpaque             InstanceFlags = 0x8
)

// InstanceSize is the byte size of one encoded top-level instance.
const InstanceSize = 64

// AccelerationInstance is one entry of a top-level instance buffer.
// CustomIndex and SBTOffset are limited to 24 bits.
type AccelerationInstance struct {
	Transform   [3][4]float32
	CustomIndex uint32
	Mask        uint8
	SBTOffset   uint32
	Flags       InstanceFlags
	BLASAddress uint64
}

// AppendBytes appends the little-endian instance record the device reads.
func (i AccelerationInstance) AppendBytes(b []byte) []byte {
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			b = binary.LittleEndian.AppendUint32(b, float32bits(i.Transform[r][c]))
		}
	}
	b = binary.LittleEndian.AppendUint32(b, i.CustomIndex&0xFFFFFF|uint32(i.Mask)<<24)
	b = binary.LittleEndian.AppendUint32(b, i.SBTOffset&0xFFFFFF|uint32(i.Flags)<<24)
	b = binary.LittleEndian.AppendUint64(b, i.BLASAddress)
	return b
}

// EncodeInstances packs instances into one buffer upload.
func EncodeInstances(instances []AccelerationInstance) []byte {
	b := make([]byte, 0, len(instances)*InstanceSize)
	for _, inst := range instances {
		b = inst.AppendBytes(b)
	}
	return b
}
