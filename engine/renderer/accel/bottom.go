package accel

import (
	"fmt"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/math"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/resource"
	"github.com/spaghettifunk/mandrill/engine/scene"
)

type blas struct {
	mesh      scene.MeshID
	storage   gpu.Buffer
	handle    gpu.AccelerationStructure
	address   uint64
	offset    uint64
	sizes     gpu.AccelerationSizes
	geometry  gpu.AccelerationGeometryDesc
	triangles uint32
}

// BottomLevel holds one structure per scene mesh. Meshes are immutable
// once added, so a build only covers the meshes added since the previous
// one. The structures of one build share a storage buffer at 256 byte
// aligned offsets.
type BottomLevel struct {
	dev     gpu.Device
	retirer resource.Retirer
	opts    Options

	state    State
	storages []gpu.Buffer
	entries  []blas

	// epoch changes when existing structures are dropped and their
	// addresses become invalid. A top level remembers the value it was
	// built against.
	epoch   uint64
	builds  int
	batches int
}

func NewBottomLevel(dev gpu.Device, retirer resource.Retirer, opts Options) *BottomLevel {
	if retirer == nil {
		retirer = resource.Immediate{}
	}
	return &BottomLevel{dev: dev, retirer: retirer, opts: opts}
}

// BuildBottomLevel creates the bottom level of s and builds it right away.
// The scene geometry has to be on the device already.
func BuildBottomLevel(dev gpu.Device, s *scene.Scene, retirer resource.Retirer, opts Options) (*BottomLevel, error) {
	b := NewBottomLevel(dev, retirer, opts)
	if err := b.Build(s); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BottomLevel) State() State {
	return b.state
}

func (b *BottomLevel) Len() int {
	return len(b.entries)
}

// Builds counts the builds that added structures.
func (b *BottomLevel) Builds() int {
	return b.builds
}

// Batches is the number of submissions the last build was split into.
func (b *BottomLevel) Batches() int {
	return b.batches
}

// TriangleCount is the number of non-degenerate triangles of mesh as of
// the last build.
func (b *BottomLevel) TriangleCount(mesh scene.MeshID) (uint32, bool) {
	if int(mesh) >= len(b.entries) {
		return 0, false
	}
	return b.entries[mesh].triangles, true
}

// Address is the device address instances use to reference mesh.
func (b *BottomLevel) Address(mesh scene.MeshID) (uint64, error) {
	if b.state != StateBuilt {
		return 0, fmt.Errorf("bottom level is %s: %w", b.state, core.ErrNotBuilt)
	}
	if int(mesh) >= len(b.entries) {
		return 0, fmt.Errorf("mesh %d has no bottom level structure: %w", mesh, core.ErrDanglingReference)
	}
	return b.entries[mesh].address, nil
}

// Build creates and builds a structure for every mesh of s that has none
// yet. Structures of earlier builds are kept as they are. A new mesh
// without a single non-degenerate triangle fails the whole build before
// anything is allocated.
func (b *BottomLevel) Build(s *scene.Scene) error {
	if err := requireRayTracing(b.dev); err != nil {
		return err
	}
	if s.MeshCount() == 0 {
		return fmt.Errorf("bottom level build: %w", core.ErrEmptyScene)
	}
	first := len(b.entries)
	if err := core.Assert(first <= s.MeshCount(), "bottom level has %d structures, scene only %d meshes", first, s.MeshCount()); err != nil {
		return err
	}
	if b.state == StateBuilt && first == s.MeshCount() {
		core.LogDebug("bottom level up to date at mesh revision %d", s.MeshRevision())
		return nil
	}

	entries, err := b.describe(s, first)
	if err != nil {
		return err
	}

	var total, maxScratch uint64
	for i := range entries {
		entries[i].offset = gpu.AlignTo(total, structureAlignment)
		total = entries[i].offset + entries[i].sizes.StructureSize
		if entries[i].sizes.BuildScratchSize > maxScratch {
			maxScratch = entries[i].sizes.BuildScratchSize
		}
	}

	storage, err := b.dev.CreateBuffer(gpu.BufferDesc{
		Size:  total,
		Usage: gpu.BufferUsageAccelerationStructureStore | gpu.BufferUsageShaderDeviceAddress,
		Label: "blas-storage",
	})
	if err != nil {
		return fmt.Errorf("creating bottom level storage: %w", err)
	}
	created := 0
	fail := func(err error) error {
		for _, e := range entries[:created] {
			b.dev.DestroyAccelerationStructure(e.handle)
		}
		b.dev.DestroyBuffer(storage)
		return err
	}

	for i := range entries {
		e := &entries[i]
		e.storage = storage
		e.handle, err = b.dev.CreateAccelerationStructure(gpu.AccelerationStructureDesc{
			Level:  gpu.AccelerationBottomLevel,
			Buffer: storage,
			Offset: e.offset,
			Size:   e.sizes.StructureSize,
		})
		if err != nil {
			return fail(fmt.Errorf("creating bottom level for mesh %d: %w", e.mesh, err))
		}
		created++
		if e.address, err = b.dev.AccelerationStructureAddress(e.handle); err != nil {
			return fail(fmt.Errorf("address of bottom level for mesh %d: %w", e.mesh, err))
		}
	}

	scr, err := newScratch(b.dev, "blas-scratch", maxScratch, b.opts.scratchAlignment(b.dev.Properties().Limits))
	if err != nil {
		return fail(err)
	}
	batches, err := b.record(entries, scr)
	// every batch was waited on, so the scratch is idle either way
	b.dev.DestroyBuffer(scr.buffer)
	if err != nil {
		return fail(err)
	}

	b.storages = append(b.storages, storage)
	b.entries = append(b.entries, entries...)
	b.batches = batches
	b.builds++
	b.state = StateBuilt
	core.LogInfo("built %d bottom level structures (%d bytes) in %d batches, %d in total", len(entries), total, batches, len(b.entries))
	return nil
}

// describe collects build geometry and sizes for the meshes from first on
// without allocating anything.
func (b *BottomLevel) describe(s *scene.Scene, first int) ([]blas, error) {
	if !s.Uploaded() {
		return nil, fmt.Errorf("bottom level build: scene geometry changed since the last upload: %w", core.ErrNotBuilt)
	}
	vb, err := s.VertexBuffer()
	if err != nil {
		return nil, fmt.Errorf("bottom level build: %w", err)
	}
	ib, err := s.IndexBuffer()
	if err != nil {
		return nil, fmt.Errorf("bottom level build: %w", err)
	}

	entries := make([]blas, 0, s.MeshCount()-first)
	for id := first; id < s.MeshCount(); id++ {
		m, _ := s.Mesh(scene.MeshID(id))
		triangles := m.TriangleCount()
		if triangles == 0 {
			return nil, fmt.Errorf("mesh %q: %w", m.Name, core.ErrGeometryEmpty)
		}
		geometry := gpu.AccelerationGeometryDesc{
			Level: gpu.AccelerationBottomLevel,
			Flags: b.opts.Flags,
			Geometries: []gpu.AccelerationGeometry{{
				VertexBuffer:   vb,
				VertexOffset:   uint64(m.FirstVertex) * math.VertexStride,
				VertexStride:   math.VertexStride,
				VertexFormat:   gpu.FormatR32G32B32Sfloat,
				MaxVertex:      uint32(len(m.Vertices)) - 1,
				IndexBuffer:    ib,
				IndexOffset:    uint64(m.FirstIndex) * 4,
				PrimitiveCount: m.IndexCount() / 3,
				Opaque:         true,
			}},
		}
		sizes, err := b.dev.AccelerationStructureSizes(geometry)
		if err != nil {
			return nil, fmt.Errorf("sizes of mesh %q: %w", m.Name, err)
		}
		entries = append(entries, blas{
			mesh:      scene.MeshID(id),
			sizes:     sizes,
			geometry:  geometry,
			triangles: triangles,
		})
	}
	return entries, nil
}

// record splits the builds into submissions of at most BatchLimitBytes of
// structure storage. Builds share the scratch buffer, so each one is
// followed by a barrier.
func (b *BottomLevel) record(entries []blas, scr scratch) (int, error) {
	cb, err := b.dev.AllocateCommandBuffer()
	if err != nil {
		return 0, fmt.Errorf("allocating bottom level command buffer: %w", err)
	}
	defer b.dev.FreeCommandBuffer(cb)

	limit := b.opts.BatchLimitBytes
	batches := 0
	for start := 0; start < len(entries); {
		end := start + 1
		size := entries[start].sizes.StructureSize
		for end < len(entries) && size+entries[end].sizes.StructureSize <= limit {
			size += entries[end].sizes.StructureSize
			end++
		}

		enc, err := b.dev.Begin(cb, true)
		if err != nil {
			return batches, fmt.Errorf("beginning bottom level batch %d: %w", batches, err)
		}
		for _, e := range entries[start:end] {
			enc.BuildAccelerationStructures([]gpu.AccelerationBuild{{
				Geometry:       e.geometry,
				Mode:           gpu.AccelerationModeBuild,
				Dst:            e.handle,
				Scratch:        scr.buffer,
				ScratchAddress: scr.address,
			}})
			enc.AccelerationBarrier()
		}
		if err := enc.End(); err != nil {
			return batches, fmt.Errorf("ending bottom level batch %d: %w", batches, err)
		}
		if err := b.dev.SubmitAndWait(cb); err != nil {
			return batches, fmt.Errorf("submitting bottom level batch %d: %w", batches, err)
		}
		core.LogDebug("bottom level batch %d: meshes %d..%d, %d bytes", batches, entries[start].mesh, entries[end-1].mesh, size)
		batches++
		start = end
	}
	return batches, nil
}

func (b *BottomLevel) retire() {
	if len(b.entries) == 0 && len(b.storages) == 0 {
		return
	}
	dev, entries, storages := b.dev, b.entries, b.storages
	b.retirer.Retire("blas", func() {
		for _, e := range entries {
			dev.DestroyAccelerationStructure(e.handle)
		}
		for _, s := range storages {
			dev.DestroyBuffer(s)
		}
	})
	b.entries = nil
	b.storages = nil
	b.epoch++
}

// Destroy retires every structure. The bottom level can be built again
// afterwards.
func (b *BottomLevel) Destroy() {
	b.retire()
	b.state = StateUnbuilt
}
