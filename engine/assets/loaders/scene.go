package loaders

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/spaghettifunk/mandrill/engine/math"
	"github.com/spaghettifunk/mandrill/engine/scene"
)

// SceneLoader reads node hierarchies from YAML:
//
//	meshes: [cube.obj]
//	nodes:
//	  - name: base
//	    position: [0, 0, 0]
//	  - name: box
//	    parent: base
//	    rotation: {axis: [0, 1, 0], degrees: 45}
//	    scale: [1, 1, 1]
//	    bindings:
//	      - mesh: cube
//	        material: steel
//
// Mesh paths are relative to the YAML file.
type SceneLoader struct{}

var _ scene.NodeImporter = (*SceneLoader)(nil)

type sceneDoc struct {
	Meshes []string  `yaml:"meshes"`
	Nodes  []nodeDoc `yaml:"nodes"`
}

type nodeDoc struct {
	Name     string       `yaml:"name"`
	Parent   string       `yaml:"parent"`
	Position []float32    `yaml:"position"`
	Rotation *rotationDoc `yaml:"rotation"`
	Scale    []float32    `yaml:"scale"`
	Bindings []bindingDoc `yaml:"bindings"`
}

type rotationDoc struct {
	Axis    []float32 `yaml:"axis"`
	Degrees float32   `yaml:"degrees"`
}

type bindingDoc struct {
	Mesh     string `yaml:"mesh"`
	Material string `yaml:"material"`
}

func (sl *SceneLoader) ImportNodes(path string) (*scene.NodeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	nf, err := ParseScene(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return nf, nil
}

// ParseScene decodes a scene document. Parents are referenced by name and
// must appear earlier in the node list.
func ParseScene(data []byte, dir string) (*scene.NodeFile, error) {
	var doc sceneDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	nf := &scene.NodeFile{}
	for _, m := range doc.Meshes {
		if !filepath.IsAbs(m) {
			m = filepath.Join(dir, m)
		}
		nf.Meshes = append(nf.Meshes, m)
	}

	indexByName := map[string]int{}
	for i, n := range doc.Nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("node %d has no name", i)
		}
		if _, dup := indexByName[n.Name]; dup {
			return nil, fmt.Errorf("duplicate node name %q", n.Name)
		}
		t, err := n.transform()
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}
		desc := scene.NodeDesc{Name: n.Name, Parent: -1, Transform: t}
		if n.Parent != "" {
			p, ok := indexByName[n.Parent]
			if !ok {
				return nil, fmt.Errorf("node %q: parent %q must be declared before it", n.Name, n.Parent)
			}
			desc.Parent = p
		}
		for _, b := range n.Bindings {
			if b.Mesh == "" {
				return nil, fmt.Errorf("node %q: binding without mesh", n.Name)
			}
			desc.Bindings = append(desc.Bindings, scene.BindingDesc{Mesh: b.Mesh, Material: b.Material})
		}
		indexByName[n.Name] = i
		nf.Nodes = append(nf.Nodes, desc)
	}
	return nf, nil
}

func (n nodeDoc) transform() (math.Transform, error) {
	t := math.TransformIdentity()
	if n.Position != nil {
		v, err := vec3Of(n.Position, "position")
		if err != nil {
			return t, err
		}
		t.Position = v
	}
	if n.Scale != nil {
		v, err := vec3Of(n.Scale, "scale")
		if err != nil {
			return t, err
		}
		t.Scale = v
	}
	if n.Rotation != nil {
		axis, err := vec3Of(n.Rotation.Axis, "rotation axis")
		if err != nil {
			return t, err
		}
		if axis.LengthSquared() == 0 {
			return t, fmt.Errorf("rotation axis is zero")
		}
		t.Rotation = math.NewQuatFromAxisAngle(axis.Normalized(), math.DegToRad(n.Rotation.Degrees))
	}
	return t, nil
}

func vec3Of(v []float32, what string) (math.Vec3, error) {
	if len(v) != 3 {
		return math.Vec3{}, fmt.Errorf("%s needs 3 components, got %d", what, len(v))
	}
	return math.NewVec3(v[0], v[1], v[2]), nil
}
