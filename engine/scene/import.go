package scene

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/math"
)

// MeshFile is what a mesh importer produces. Mesh.Material indexes
// Materials, or is NoMaterial.
type MeshFile struct {
	Meshes    []Mesh
	Materials []Material
}

type MeshImporter interface {
	ImportMeshes(path string) (*MeshFile, error)
}

// NodeFile describes a node hierarchy. Meshes lists mesh files that are
// imported first so bindings can refer to their meshes and materials by
// name.
type NodeFile struct {
	Meshes []string
	Nodes  []NodeDesc
}

type NodeDesc struct {
	Name string
	// Parent indexes an earlier entry of NodeFile.Nodes. Negative means the
	// node hangs under the parent passed to AddNodesFromFile.
	Parent    int
	Transform math.Transform
	Bindings  []BindingDesc
}

// BindingDesc names a mesh and an optional material override.
type BindingDesc struct {
	Mesh     string
	Material string
}

// NodeImporter reads node files. Mesh files listed by a node file are
// imported concurrently, so the MeshImporter passed along with it must be
// safe for concurrent use.
type NodeImporter interface {
	ImportNodes(path string) (*NodeFile, error)
}

// AddMeshFromFile imports every mesh and material of path. Nothing is
// inserted unless the whole file is valid.
func (s *Scene) AddMeshFromFile(path string, importer MeshImporter) ([]MeshID, error) {
	if err := s.checkMutable("AddMeshFromFile"); err != nil {
		return nil, err
	}
	f, err := importer.ImportMeshes(path)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", path, err)
	}
	if err := s.validateMeshFile(f); err != nil {
		return nil, fmt.Errorf("import %s: %w", path, err)
	}
	return s.insertMeshFile(f), nil
}

func (s *Scene) validateMeshFile(f *MeshFile) error {
	for i := range f.Meshes {
		m := f.Meshes[i]
		if m.Material != NoMaterial && int(m.Material) >= len(f.Materials) {
			return fmt.Errorf("mesh %q material %d of %d: %w", m.Name, m.Material, len(f.Materials), core.ErrDanglingReference)
		}
		m.Material = NoMaterial
		if err := s.validateMesh(&m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scene) insertMeshFile(f *MeshFile) []MeshID {
	materials := make([]MaterialID, len(f.Materials))
	for i, m := range f.Materials {
		materials[i] = s.insertMaterial(m)
	}
	ids := make([]MeshID, len(f.Meshes))
	for i, m := range f.Meshes {
		if m.Material != NoMaterial {
			m.Material = materials[m.Material]
		}
		ids[i] = s.insertMesh(m)
	}
	return ids
}

// AddNodesFromFile imports a node hierarchy below parent, together with the
// mesh files it lists. Every reference is resolved before the scene is
// touched, so a failing file leaves the scene unchanged.
func (s *Scene) AddNodesFromFile(path string, nodes NodeImporter, meshes MeshImporter, parent NodeID) ([]NodeID, error) {
	if err := s.checkMutable("AddNodesFromFile"); err != nil {
		return nil, err
	}
	if parent != NoNode {
		if _, err := s.liveNode(parent); err != nil {
			return nil, err
		}
	}
	nf, err := nodes.ImportNodes(path)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", path, err)
	}

	files, err := importMeshFiles(nf.Meshes, meshes)
	if err != nil {
		return nil, err
	}
	pendingMeshes := map[string]bool{}
	pendingMaterials := map[string]bool{}
	for i, mf := range files {
		mp := nf.Meshes[i]
		if err := s.validateMeshFile(mf); err != nil {
			return nil, fmt.Errorf("import %s: %w", mp, err)
		}
		for _, m := range mf.Meshes {
			pendingMeshes[m.Name] = true
		}
		for _, m := range mf.Materials {
			pendingMaterials[m.Name] = true
		}
	}

	for i, n := range nf.Nodes {
		if n.Parent >= i {
			return nil, fmt.Errorf("%s: node %q parent %d is not an earlier node: %w", path, n.Name, n.Parent, core.ErrDanglingReference)
		}
		for _, b := range n.Bindings {
			if _, ok := s.meshNames[b.Mesh]; !ok && !pendingMeshes[b.Mesh] {
				return nil, fmt.Errorf("%s: node %q mesh %q: %w", path, n.Name, b.Mesh, core.ErrDanglingReference)
			}
			if b.Material == "" {
				continue
			}
			if _, ok := s.materialNames[b.Material]; !ok && !pendingMaterials[b.Material] {
				return nil, fmt.Errorf("%s: node %q material %q: %w", path, n.Name, b.Material, core.ErrDanglingReference)
			}
		}
	}

	for _, mf := range files {
		s.insertMeshFile(mf)
	}
	ids := make([]NodeID, len(nf.Nodes))
	for i, n := range nf.Nodes {
		p := parent
		if n.Parent >= 0 {
			p = ids[n.Parent]
		}
		bindings := make([]Binding, len(n.Bindings))
		for j, b := range n.Bindings {
			bindings[j] = Binding{Mesh: s.meshNames[b.Mesh], Material: NoMaterial}
			if b.Material != "" {
				bindings[j].Material = s.materialNames[b.Material]
			}
		}
		ids[i] = s.insertNode(p, n.Name, n.Transform, bindings)
	}
	return ids, nil
}

// importMeshFiles imports paths on a pool of workers. The result keeps the
// order of paths.
func importMeshFiles(paths []string, importer MeshImporter) ([]*MeshFile, error) {
	files := make([]*MeshFile, len(paths))
	if len(paths) == 0 {
		return files, nil
	}
	js, err := core.NewJobSystem(min(len(paths), runtime.NumCPU()), len(paths))
	if err != nil {
		return nil, err
	}
	errs := make([]error, len(paths))
	for i, path := range paths {
		js.Submit(core.JobTask{
			Run: func() error {
				mf, err := importer.ImportMeshes(path)
				files[i] = mf
				return err
			},
			OnFailure: func(err error) { errs[i] = fmt.Errorf("import %s: %w", path, err) },
		})
	}
	js.Shutdown()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return files, nil
}
