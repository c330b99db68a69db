package loaders

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/engine/math"
	"github.com/spaghettifunk/mandrill/engine/scene"
)

// ModelLoader imports Wavefront OBJ files. Every object, group or material
// switch starts a new mesh. Polygons are triangulated as fans.
type ModelLoader struct {
	Materials MaterialLoader
	// CheckTextures checks that every texture a material refers to can be
	// decoded. Missing textures are logged, not fatal.
	CheckTextures bool
}

var _ scene.MeshImporter = (*ModelLoader)(nil)

func (ml *ModelLoader) ImportMeshes(path string) (*scene.MeshFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	p := newObjParser(filepath.Base(strings.TrimSuffix(path, filepath.Ext(path))))
	libs, err := p.parse(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	out := &scene.MeshFile{}
	materialIndex := map[string]scene.MaterialID{}
	for _, lib := range libs {
		libPath := filepath.Join(filepath.Dir(path), lib)
		materials, err := ml.Materials.Load(libPath)
		if err != nil {
			return nil, err
		}
		for _, m := range materials {
			materialIndex[m.Name] = scene.MaterialID(len(out.Materials))
			out.Materials = append(out.Materials, m)
			if ml.CheckTextures {
				checkMaterialTextures(m)
			}
		}
	}

	for _, g := range p.groups {
		if len(g.indices) == 0 {
			continue
		}
		mesh := scene.Mesh{
			Name:     g.name,
			Vertices: g.vertices,
			Indices:  g.indices,
			Material: scene.NoMaterial,
		}
		if g.material != "" {
			id, ok := materialIndex[g.material]
			if !ok {
				return nil, fmt.Errorf("%s: mesh %s uses unknown material %s", path, g.name, g.material)
			}
			mesh.Material = id
		}
		if !g.hasNormals {
			math.GeometryGenerateNormals(mesh.Vertices, mesh.Indices)
		}
		math.GeometryGenerateTangents(mesh.Vertices, mesh.Indices)
		out.Meshes = append(out.Meshes, mesh)
	}
	if len(out.Meshes) == 0 {
		return nil, fmt.Errorf("%s: %w", path, core.ErrGeometryEmpty)
	}
	return out, nil
}

func checkMaterialTextures(m scene.Material) {
	for _, t := range m.Textures() {
		if t == "" {
			continue
		}
		if _, err := InspectTexture(t); err != nil {
			core.LogWarn("material %s: texture %s: %s", m.Name, t, err)
		}
	}
}

type objGroup struct {
	name       string
	material   string
	vertices   []math.Vertex3D
	indices    []uint32
	hasNormals bool
	lookup     map[[3]int]uint32
}

type objParser struct {
	baseName  string
	positions []math.Vec3
	normals   []math.Vec3
	texcoords []math.Vec2
	groups    []*objGroup
	current   *objGroup
}

func newObjParser(baseName string) *objParser {
	return &objParser{baseName: baseName}
}

// startGroup begins a new mesh unless the current one is still empty.
func (p *objParser) startGroup(name, material string) {
	if p.current != nil && len(p.current.indices) == 0 {
		if name != "" {
			p.current.name = name
		}
		p.current.material = material
		return
	}
	if name == "" {
		name = fmt.Sprintf("%s_%d", p.baseName, len(p.groups))
	}
	p.current = &objGroup{name: name, material: material, lookup: map[[3]int]uint32{}}
	p.groups = append(p.groups, p.current)
}

func (p *objParser) parse(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	var libs []string
	lineNo := 0
	material := ""

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		fields := strings.Fields(line)
		key, args := fields[0], fields[1:]

		var err error
		switch key {
		case "v":
			var v math.Vec3
			v, err = parseVec3(args)
			p.positions = append(p.positions, v)
		case "vn":
			var v math.Vec3
			v, err = parseVec3(args)
			p.normals = append(p.normals, v)
		case "vt":
			var f []float32
			f, err = parseFloats(args, 2)
			if err == nil {
				p.texcoords = append(p.texcoords, math.NewVec2(f[0], f[1]))
			}
		case "o", "g":
			name := ""
			if len(args) > 0 {
				name = strings.Join(args, " ")
			}
			p.startGroup(name, material)
		case "usemtl":
			if len(args) != 1 {
				err = fmt.Errorf("usemtl expects one name")
				break
			}
			material = args[0]
			name := ""
			if p.current != nil && len(p.current.indices) > 0 {
				name = p.current.name + "_" + material
			}
			p.startGroup(name, material)
		case "mtllib":
			libs = append(libs, args...)
		case "f":
			err = p.face(args)
		case "s", "l", "p":
		default:
			core.LogDebug("Unknown key '%s' found in model file. Skipping...", key)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", lineNo, key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return libs, nil
}

func (p *objParser) face(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("face needs at least 3 vertices, got %d", len(args))
	}
	if p.current == nil {
		p.startGroup("", "")
	}
	corners := make([]uint32, len(args))
	for i, a := range args {
		idx, err := p.corner(a)
		if err != nil {
			return err
		}
		corners[i] = idx
	}
	for i := 1; i+1 < len(corners); i++ {
		p.current.indices = append(p.current.indices, corners[0], corners[i], corners[i+1])
	}
	return nil
}

// corner resolves one "v/vt/vn" reference to an index into the current
// group's vertices, reusing identical corners.
func (p *objParser) corner(ref string) (uint32, error) {
	parts := strings.Split(ref, "/")
	key := [3]int{-1, -1, -1}
	sizes := [3]int{len(p.positions), len(p.texcoords), len(p.normals)}
	for i := 0; i < len(parts) && i < 3; i++ {
		if parts[i] == "" {
			continue
		}
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return 0, err
		}
		// negative references count back from the latest element
		if n < 0 {
			n = sizes[i] + n
		} else {
			n--
		}
		if n < 0 || n >= sizes[i] {
			return 0, fmt.Errorf("reference %s out of range: %w", ref, core.ErrDanglingReference)
		}
		key[i] = n
	}
	if key[0] < 0 {
		return 0, fmt.Errorf("corner %s has no position", ref)
	}

	g := p.current
	if idx, ok := g.lookup[key]; ok {
		return idx, nil
	}
	v := math.Vertex3D{Position: p.positions[key[0]]}
	if key[1] >= 0 {
		v.Texcoord = p.texcoords[key[1]]
	}
	if key[2] >= 0 {
		v.Normal = p.normals[key[2]]
		g.hasNormals = true
	}
	idx := uint32(len(g.vertices))
	g.vertices = append(g.vertices, v)
	g.lookup[key] = idx
	return idx, nil
}
