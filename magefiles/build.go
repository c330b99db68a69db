//go:build mage

package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"

	"github.com/spaghettifunk/mandrill/engine/assets/loaders"
)

const shaderDir = "testbed/assets/shaders"

type Build mg.Namespace

// Compiles every WGSL shader of the testbed to SPIR-V next to its source.
func (Build) Shaders() error {
	sources, err := filepath.Glob(filepath.Join(shaderDir, "*.wgsl"))
	if err != nil {
		return err
	}
	loader := loaders.NewShaderLoader()
	for _, src := range sources {
		code, err := loader.Load(src)
		if err != nil {
			return err
		}
		out := strings.TrimSuffix(src, ".wgsl") + ".spv"
		b := make([]byte, 0, len(code)*4)
		for _, w := range code {
			b = binary.LittleEndian.AppendUint32(b, w)
		}
		if err := os.WriteFile(out, b, 0o644); err != nil {
			return err
		}
		fmt.Printf("Compiled %s (%d words)\n", out, len(code))
	}
	return nil
}

// Runs go mod tidy and then builds the testbed binary into bin/.
func (Build) Engine() error {
	if err := tidy(); err != nil {
		return err
	}
	if _, err := executeCmd("go", withArgs("build", "-o", "bin/mandrill", "."), withEnv("CGO_ENABLED", "1"), withStream()); err != nil {
		return err
	}
	return nil
}
