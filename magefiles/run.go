//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Validates the shaders and then runs the testbed.
func (Run) Engine() error {
	mg.Deps(Build.Shaders)
	fmt.Println("Run engine...")
	if _, err := executeCmd("go", withArgs("run", ".", "-config", "testbed/assets/config.toml"), withStream()); err != nil {
		return err
	}
	return nil
}

type Test mg.Namespace

// Runs the unit tests of every package. None of them needs a GPU.
func (Test) Unit() error {
	if _, err := executeCmd("go", withArgs("test", "-race", "./..."), withStream()); err != nil {
		return err
	}
	return nil
}
