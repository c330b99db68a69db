package scene

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/resource"
)

// Usage of the packed geometry buffers. They feed both vertex input and
// bottom-level acceleration structure builds.
const (
	VertexBufferUsage = gpu.BufferUsageVertex | gpu.BufferUsageStorage |
		gpu.BufferUsageAccelerationBuildInput | gpu.BufferUsageShaderDeviceAddress
	IndexBufferUsage = gpu.BufferUsageIndex | gpu.BufferUsageStorage |
		gpu.BufferUsageAccelerationBuildInput | gpu.BufferUsageShaderDeviceAddress
	MaterialBufferUsage = gpu.BufferUsageUniform | gpu.BufferUsageStorage
)

type deviceBuffers struct {
	dev       gpu.Device
	vertices  gpu.Buffer
	indices   gpu.Buffer
	materials gpu.Buffer
	uploaded  bool
}

// Compile assigns every mesh its offset inside the packed vertex and index
// arrays and returns those arrays. Offsets are counted in elements.
func (s *Scene) Compile() (vertices []byte, indices []byte, materials []byte) {
	var firstVertex, firstIndex uint32
	for _, m := range s.meshes {
		m.FirstVertex = firstVertex
		m.FirstIndex = firstIndex
		vertices = append(vertices, EncodeVertices(m.Vertices)...)
		indices = append(indices, EncodeIndices(m.Indices)...)
		firstVertex += uint32(len(m.Vertices))
		firstIndex += uint32(len(m.Indices))
	}
	for _, m := range s.materials {
		materials = m.Params.AppendBytes(materials)
	}
	if len(materials) == 0 {
		materials = DefaultMaterialParams().AppendBytes(nil)
	}
	return vertices, indices, materials
}

// SyncToDevice uploads the packed geometry when meshes or materials changed
// since the last upload. Replaced buffers go to retirer because frames in
// flight may still read them.
func (s *Scene) SyncToDevice(dev gpu.Device, retirer resource.Retirer) error {
	if err := s.checkMutable("SyncToDevice"); err != nil {
		return err
	}
	if s.device.uploaded && !s.geometryDirty && s.device.dev == dev {
		return nil
	}
	if len(s.meshes) == 0 {
		return fmt.Errorf("sync scene: %w", core.ErrEmptyScene)
	}
	vertices, indices, materials := s.Compile()

	var created []gpu.Buffer
	rollback := func(err error) error {
		for _, b := range created {
			dev.DestroyBuffer(b)
		}
		return err
	}
	upload := func(label string, usage gpu.BufferUsage, data []byte) (gpu.Buffer, error) {
		b, err := dev.CreateBuffer(gpu.BufferDesc{
			Size:        uint64(len(data)),
			Usage:       usage,
			HostVisible: true,
			Label:       label,
		})
		if err != nil {
			return 0, fmt.Errorf("create %s buffer: %w", label, err)
		}
		created = append(created, b)
		if err := dev.WriteBuffer(b, 0, data); err != nil {
			return 0, fmt.Errorf("write %s buffer: %w", label, err)
		}
		return b, nil
	}

	vb, err := upload("scene-vertices", VertexBufferUsage, vertices)
	if err != nil {
		return rollback(err)
	}
	ib, err := upload("scene-indices", IndexBufferUsage, indices)
	if err != nil {
		return rollback(err)
	}
	mb, err := upload("scene-materials", MaterialBufferUsage, materials)
	if err != nil {
		return rollback(err)
	}

	s.retireBuffers(retirer)
	s.device = deviceBuffers{dev: dev, vertices: vb, indices: ib, materials: mb, uploaded: true}
	s.geometryDirty = false
	core.LogDebug("scene uploaded: %d meshes, %d vertex bytes, %d index bytes", len(s.meshes), len(vertices), len(indices))
	return nil
}

func (s *Scene) retireBuffers(retirer resource.Retirer) {
	if !s.device.uploaded {
		return
	}
	if retirer == nil {
		retirer = resource.Immediate{}
	}
	old := s.device
	retirer.Retire("scene-buffers", func() {
		old.dev.DestroyBuffer(old.vertices)
		old.dev.DestroyBuffer(old.indices)
		old.dev.DestroyBuffer(old.materials)
	})
	s.device = deviceBuffers{}
}

// Uploaded reports whether the device buffers reflect the current meshes
// and materials.
func (s *Scene) Uploaded() bool {
	return s.device.uploaded && !s.geometryDirty
}

var errNotUploaded = errors.New("scene not uploaded")

func (s *Scene) VertexBuffer() (gpu.Buffer, error) {
	if !s.device.uploaded {
		return 0, fmt.Errorf("%w: %w", errNotUploaded, core.ErrNotBuilt)
	}
	return s.device.vertices, nil
}

func (s *Scene) IndexBuffer() (gpu.Buffer, error) {
	if !s.device.uploaded {
		return 0, fmt.Errorf("%w: %w", errNotUploaded, core.ErrNotBuilt)
	}
	return s.device.indices, nil
}

func (s *Scene) MaterialBuffer() (gpu.Buffer, error) {
	if !s.device.uploaded {
		return 0, fmt.Errorf("%w: %w", errNotUploaded, core.ErrNotBuilt)
	}
	return s.device.materials, nil
}

// Release hands the device buffers to retirer. The host data is kept and a
// later SyncToDevice uploads it again.
func (s *Scene) Release(retirer resource.Retirer) {
	s.retireBuffers(retirer)
}
