package engine

import (
	"github.com/spaghettifunk/mandrill/engine/core"
)

type ApplicationConfig struct {
	// Config holds the engine, window and renderer settings. Nil means
	// core.DefaultConfig.
	Config *core.Config
	// ScenePath is a YAML scene imported before the game initializes. May
	// be empty.
	ScenePath string
	// ShaderExt selects the shader files LoadPipeline reads: "wgsl" sources
	// are compiled, "spv" files are used as they are.
	ShaderExt string
}
