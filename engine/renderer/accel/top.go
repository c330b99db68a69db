package accel

import (
	"fmt"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
	"github.com/spaghettifunk/mandrill/engine/renderer/resource"
	"github.com/spaghettifunk/mandrill/engine/scene"
)

// tlasSlot is the structure one frame slot traces. Slots share no storage,
// scratch or instance data, so recording into one slot never touches
// memory a frame in flight on another slot still reads.
type tlasSlot struct {
	handle    gpu.AccelerationStructure
	storage   gpu.Buffer
	scratch   scratch
	instances gpu.Buffer
	address   uint64
	// current is set while the slot holds a build of the present membership.
	current bool
}

func (o tlasSlot) destroy(dev gpu.Device) {
	if o.handle != 0 {
		dev.DestroyAccelerationStructure(o.handle)
	}
	if o.instances != 0 {
		dev.DestroyBuffer(o.instances)
	}
	if o.scratch.buffer != 0 {
		dev.DestroyBuffer(o.scratch.buffer)
	}
	if o.storage != 0 {
		dev.DestroyBuffer(o.storage)
	}
}

// TopLevel is the per-scene structure over every traversal instance, kept
// once per frame slot.
//
// A refit is only valid while the ordered list of instance meshes is
// exactly the one of the last build. The caller decides whether a scene
// change needs Build or Refit. After a Build the other slots catch up with
// a full build of their own the next time they are refit.
type TopLevel struct {
	dev     gpu.Device
	retirer resource.Retirer
	bottom  *BottomLevel
	opts    Options

	state State
	slots []tlasSlot

	// membership is the ordered mesh list of the last build.
	membership  []scene.MeshID
	bottomEpoch uint64
}

// NewTopLevel returns an unbuilt top level over bottom. slots is the
// number of frames in flight.
func NewTopLevel(dev gpu.Device, retirer resource.Retirer, bottom *BottomLevel, slots uint32, opts Options) *TopLevel {
	if retirer == nil {
		retirer = resource.Immediate{}
	}
	if slots == 0 {
		slots = 1
	}
	return &TopLevel{dev: dev, retirer: retirer, bottom: bottom, opts: opts, slots: make([]tlasSlot, slots)}
}

func (t *TopLevel) State() State {
	return t.state
}

// InstanceCount is the instance count of the last build or refit.
func (t *TopLevel) InstanceCount() int {
	return len(t.membership)
}

// Handle is the structure of slot. It is zero before the slot's first
// build.
func (t *TopLevel) Handle(slot uint32) gpu.AccelerationStructure {
	if int(slot) >= len(t.slots) {
		return 0
	}
	return t.slots[slot].handle
}

func (t *TopLevel) Address(slot uint32) uint64 {
	if int(slot) >= len(t.slots) {
		return 0
	}
	return t.slots[slot].address
}

// Current reports whether slot holds a build of the present membership
// that only needs a refit to follow transform changes.
func (t *TopLevel) Current(slot uint32) bool {
	return t.state == StateBuilt && int(slot) < len(t.slots) && t.slots[slot].current
}

// MarkStale forces the next update to be a full build.
func (t *TopLevel) MarkStale() {
	if t.state == StateBuilt {
		t.state = StateStale
	}
}

// Discard forgets the contents of slot after the commands recorded for it
// were dropped. Its next refit is a full build.
func (t *TopLevel) Discard(slot uint32) {
	if int(slot) < len(t.slots) {
		t.slots[slot].current = false
	}
}

func (t *TopLevel) encode(instances []scene.Instance) ([]byte, error) {
	out := make([]gpu.AccelerationInstance, len(instances))
	for i, inst := range instances {
		addr, err := t.bottom.Address(inst.Mesh)
		if err != nil {
			return nil, fmt.Errorf("instance %d: %w", i, err)
		}
		out[i] = gpu.AccelerationInstance{
			Transform:   inst.World.Affine3x4(),
			CustomIndex: uint32(inst.Mesh),
			Mask:        instanceMask,
			Flags:       gpu.InstanceTriangleFacingCullDisable,
			BLASAddress: addr,
		}
	}
	return gpu.EncodeInstances(out), nil
}

func (t *TopLevel) checkInstances(instances []scene.Instance) error {
	if err := requireRayTracing(t.dev); err != nil {
		return err
	}
	if len(instances) == 0 {
		return fmt.Errorf("top level build: %w", core.ErrEmptyScene)
	}
	if limit := t.dev.Properties().Limits.MaxInstanceCount; uint64(len(instances)) > limit {
		return fmt.Errorf("%d instances, device allows %d: %w", len(instances), limit, core.ErrInstanceLimitExceeded)
	}
	return nil
}

func (t *TopLevel) checkSlot(slot uint32) error {
	return core.Assert(int(slot) < len(t.slots), "frame slot %d out of range [0,%d)", slot, len(t.slots))
}

// Build records a full build of instances into the structure of slot. The
// slot's previous objects are retired and every other slot has to catch up.
func (t *TopLevel) Build(enc gpu.Encoder, slot uint32, instances []scene.Instance) error {
	if err := t.checkInstances(instances); err != nil {
		return err
	}
	if err := t.checkSlot(slot); err != nil {
		return err
	}
	if t.bottom.State() != StateBuilt {
		return fmt.Errorf("top level build needs the bottom level: %w", core.ErrNotBuilt)
	}
	data, err := t.encode(instances)
	if err != nil {
		return err
	}
	if err := t.buildSlot(enc, slot, len(instances), data); err != nil {
		return err
	}
	for i := range t.slots {
		if uint32(i) != slot {
			t.slots[i].current = false
		}
	}
	t.membership = membershipOf(instances)
	t.bottomEpoch = t.bottom.epoch
	t.state = StateBuilt
	core.LogDebug("top level built with %d instances in slot %d", len(instances), slot)
	return nil
}

func (t *TopLevel) geometry(count int, instances gpu.Buffer) gpu.AccelerationGeometryDesc {
	return gpu.AccelerationGeometryDesc{
		Level: gpu.AccelerationTopLevel,
		Flags: t.opts.Flags | gpu.AccelerationAllowUpdate,
		Geometries: []gpu.AccelerationGeometry{{
			InstanceBuffer: instances,
			InstanceCount:  uint32(count),
		}},
	}
}

// buildSlot replaces the objects of slot with new ones sized for count
// instances and records their build.
func (t *TopLevel) buildSlot(enc gpu.Encoder, slot uint32, count int, data []byte) error {
	sizes, err := t.dev.AccelerationStructureSizes(t.geometry(count, 0))
	if err != nil {
		return fmt.Errorf("top level sizes: %w", err)
	}
	objects, err := t.allocate(slot, sizes, uint64(len(data)))
	if err != nil {
		objects.destroy(t.dev)
		return err
	}
	if err := t.dev.WriteBuffer(objects.instances, 0, data); err != nil {
		objects.destroy(t.dev)
		return fmt.Errorf("writing top level instances: %w", err)
	}
	if objects.address, err = t.dev.AccelerationStructureAddress(objects.handle); err != nil {
		objects.destroy(t.dev)
		return fmt.Errorf("top level address: %w", err)
	}

	enc.BuildAccelerationStructures([]gpu.AccelerationBuild{{
		Geometry:       t.geometry(count, objects.instances),
		Mode:           gpu.AccelerationModeBuild,
		Dst:            objects.handle,
		Scratch:        objects.scratch.buffer,
		ScratchAddress: objects.scratch.address,
	}})
	enc.AccelerationBarrier()

	t.retireSlot(slot)
	objects.current = true
	t.slots[slot] = objects
	return nil
}

func (t *TopLevel) allocate(slot uint32, sizes gpu.AccelerationSizes, instanceBytes uint64) (tlasSlot, error) {
	var o tlasSlot
	var err error
	o.storage, err = t.dev.CreateBuffer(gpu.BufferDesc{
		Size:  sizes.StructureSize,
		Usage: gpu.BufferUsageAccelerationStructureStore | gpu.BufferUsageShaderDeviceAddress,
		Label: fmt.Sprintf("tlas-storage-%d", slot),
	})
	if err != nil {
		return o, fmt.Errorf("creating top level storage: %w", err)
	}
	o.handle, err = t.dev.CreateAccelerationStructure(gpu.AccelerationStructureDesc{
		Level:  gpu.AccelerationTopLevel,
		Buffer: o.storage,
		Size:   sizes.StructureSize,
	})
	if err != nil {
		return o, fmt.Errorf("creating top level structure: %w", err)
	}
	scratchSize := max(sizes.BuildScratchSize, sizes.UpdateScratchSize)
	o.scratch, err = newScratch(t.dev, fmt.Sprintf("tlas-scratch-%d", slot), scratchSize, t.opts.scratchAlignment(t.dev.Properties().Limits))
	if err != nil {
		return o, err
	}
	o.instances, err = t.dev.CreateBuffer(gpu.BufferDesc{
		Size:        instanceBytes,
		Usage:       gpu.BufferUsageAccelerationBuildInput | gpu.BufferUsageShaderDeviceAddress,
		HostVisible: true,
		Label:       fmt.Sprintf("tlas-instances-%d", slot),
	})
	if err != nil {
		return o, fmt.Errorf("creating top level instance buffer %d: %w", slot, err)
	}
	return o, nil
}

// Refit records an update of slot's structure with new transforms. The
// ordered instance meshes must equal those of the last build; otherwise
// the structure becomes stale and the error wraps core.ErrPrecondition.
// A slot that missed the last build gets a full build instead.
func (t *TopLevel) Refit(enc gpu.Encoder, slot uint32, instances []scene.Instance) error {
	if err := t.checkInstances(instances); err != nil {
		return err
	}
	if err := t.checkSlot(slot); err != nil {
		return err
	}
	switch t.state {
	case StateUnbuilt:
		return fmt.Errorf("top level refit: %w", core.ErrNotBuilt)
	case StateStale:
		return fmt.Errorf("%w: top level refit of a stale structure, build it first", core.ErrPrecondition)
	}
	if err := t.checkMembership(instances); err != nil {
		t.state = StateStale
		core.LogWarn("top level marked stale: %s", err)
		return err
	}
	data, err := t.encode(instances)
	if err != nil {
		return err
	}
	objects := t.slots[slot]
	if !objects.current {
		return t.buildSlot(enc, slot, len(instances), data)
	}
	if err := t.dev.WriteBuffer(objects.instances, 0, data); err != nil {
		return fmt.Errorf("writing top level instances: %w", err)
	}
	enc.BuildAccelerationStructures([]gpu.AccelerationBuild{{
		Geometry:       t.geometry(len(instances), objects.instances),
		Mode:           gpu.AccelerationModeUpdate,
		Src:            objects.handle,
		Dst:            objects.handle,
		Scratch:        objects.scratch.buffer,
		ScratchAddress: objects.scratch.address,
	}})
	enc.AccelerationBarrier()
	return nil
}

// checkMembership only looks at the bottom level's epoch: structures added
// for new meshes leave the addresses of the old ones in place.
func (t *TopLevel) checkMembership(instances []scene.Instance) error {
	if t.bottomEpoch != t.bottom.epoch {
		return fmt.Errorf("%w: bottom level replaced since the last top level build", core.ErrPrecondition)
	}
	if len(instances) != len(t.membership) {
		return fmt.Errorf("%w: refit with %d instances, last build had %d", core.ErrPrecondition, len(instances), len(t.membership))
	}
	for i, inst := range instances {
		if inst.Mesh != t.membership[i] {
			return fmt.Errorf("%w: instance %d references mesh %d, last build had %d", core.ErrPrecondition, i, inst.Mesh, t.membership[i])
		}
	}
	return nil
}

func membershipOf(instances []scene.Instance) []scene.MeshID {
	out := make([]scene.MeshID, len(instances))
	for i, inst := range instances {
		out[i] = inst.Mesh
	}
	return out
}

func (t *TopLevel) retireSlot(slot uint32) {
	objects := t.slots[slot]
	t.slots[slot] = tlasSlot{}
	if objects.handle == 0 && objects.storage == 0 {
		return
	}
	dev := t.dev
	t.retirer.Retire(fmt.Sprintf("tlas-%d", slot), func() { objects.destroy(dev) })
}

func (t *TopLevel) Destroy() {
	for i := range t.slots {
		t.retireSlot(uint32(i))
	}
	t.membership = nil
	t.state = StateUnbuilt
}
