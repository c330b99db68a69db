package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/spaghettifunk/mandrill/engine/assets/loaders"
	"github.com/spaghettifunk/mandrill/engine/renderer/gpu"
)

// ShaderSource names the file of one stage. WGSL files are compiled, SPIR-V
// files are read as they are.
type ShaderSource struct {
	Stage gpu.ShaderStage
	Path  string
	Entry string
}

// LoadStages reads every source in order. The first failure aborts.
func LoadStages(loader *loaders.ShaderLoader, sources ...ShaderSource) ([]Stage, error) {
	stages := make([]Stage, 0, len(sources))
	for _, src := range sources {
		code, err := loader.Load(src.Path)
		if err != nil {
			return nil, fmt.Errorf("loading %s stage %#x: %w", filepath.Base(src.Path), uint32(src.Stage), err)
		}
		stages = append(stages, Stage{Stage: src.Stage, Code: code, Entry: src.Entry})
	}
	return stages, nil
}

// SceneShaders is the conventional vertex and fragment pair of a named
// shader inside dir: <name>.vert.<ext> and <name>.frag.<ext>.
func SceneShaders(dir, name, ext string) []ShaderSource {
	return []ShaderSource{
		{Stage: gpu.ShaderStageVertex, Path: filepath.Join(dir, name+".vert."+ext)},
		{Stage: gpu.ShaderStageFragment, Path: filepath.Join(dir, name+".frag."+ext)},
	}
}
