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

// MaterialLoader parses Wavefront MTL libraries.
type MaterialLoader struct{}

func (ml *MaterialLoader) Load(path string) ([]scene.Material, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	materials, err := parseMTL(file, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return materials, nil
}

// parseMTL reads materials from r. Texture paths are made relative to dir.
func parseMTL(r io.Reader, dir string) ([]scene.Material, error) {
	scanner := bufio.NewScanner(r)
	var materials []scene.Material
	var current *scene.Material
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		// Skip comments and empty lines
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}

		fields := strings.Fields(line)
		key, args := fields[0], fields[1:]
		if key == "newmtl" {
			if len(args) != 1 {
				return nil, fmt.Errorf("line %d: newmtl expects one name", lineNo)
			}
			materials = append(materials, scene.Material{Name: args[0], Params: scene.DefaultMaterialParams()})
			current = &materials[len(materials)-1]
			continue
		}
		if current == nil {
			return nil, fmt.Errorf("line %d: %s before newmtl", lineNo, key)
		}

		var err error
		switch key {
		case "Kd":
			current.Params.Diffuse, err = parseVec3(args)
		case "Ks":
			current.Params.Specular, err = parseVec3(args)
		case "Ka":
			current.Params.Ambient, err = parseVec3(args)
		case "Ke":
			current.Params.Emission, err = parseVec3(args)
		case "Ns":
			current.Params.Shininess, err = parseFloat(args)
		case "Ni":
			current.Params.IOR, err = parseFloat(args)
		case "d":
			current.Params.Opacity, err = parseFloat(args)
		case "Tr":
			var tr float32
			tr, err = parseFloat(args)
			current.Params.Opacity = 1 - tr
		case "map_Kd":
			current.DiffuseTexture, err = texturePath(dir, args)
		case "map_Ks":
			current.SpecularTexture, err = texturePath(dir, args)
		case "map_Ka":
			current.AmbientTexture, err = texturePath(dir, args)
		case "map_Ke":
			current.EmissionTexture, err = texturePath(dir, args)
		case "map_Bump", "map_bump", "bump", "norm":
			current.NormalTexture, err = texturePath(dir, args)
		case "illum":
		default:
			core.LogDebug("Unknown key '%s' found in material file. Skipping...", key)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", lineNo, key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for i := range materials {
		if err := validateMaterial(&materials[i]); err != nil {
			return nil, err
		}
	}
	return materials, nil
}

func validateMaterial(m *scene.Material) error {
	if !isValidColour(m.Params.Diffuse) {
		return fmt.Errorf("material %s: Kd values must be between 0.0 and 1.0", m.Name)
	}
	if m.Params.Shininess < 0 {
		return fmt.Errorf("material %s: Ns must be a non-negative value", m.Name)
	}
	if !inRange(m.Params.Opacity) {
		return fmt.Errorf("material %s: opacity must be between 0.0 and 1.0", m.Name)
	}
	for _, t := range m.Textures() {
		if t != "" {
			m.Params.HasTexture = 1
		}
	}
	return nil
}

func isValidColour(v math.Vec3) bool {
	return inRange(v.X) && inRange(v.Y) && inRange(v.Z)
}

func inRange(value float32) bool {
	return value >= 0.0 && value <= 1.0
}

func parseFloat(args []string) (float32, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected 1 value, got %d", len(args))
	}
	f, err := strconv.ParseFloat(args[0], 32)
	if err != nil {
		return 0, err
	}
	return float32(f), nil
}

func parseFloats(args []string, n int) ([]float32, error) {
	if len(args) < n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(args))
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		f, err := strconv.ParseFloat(args[i], 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(f)
	}
	return out, nil
}

func parseVec3(args []string) (math.Vec3, error) {
	f, err := parseFloats(args, 3)
	if err != nil {
		return math.Vec3{}, err
	}
	return math.NewVec3(f[0], f[1], f[2]), nil
}

// texturePath takes the last argument so that map options such as
// "-bm 0.5" are skipped.
func texturePath(dir string, args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("missing texture file")
	}
	p := args[len(args)-1]
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	return p, nil
}
