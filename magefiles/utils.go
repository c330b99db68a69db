//go:build mage

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

type cmdOptions struct {
	args   []string
	env    map[string]string
	stream bool
}

type cmdOption func(*cmdOptions)

func withArgs(args ...string) cmdOption {
	return func(o *cmdOptions) {
		o.args = args
	}
}

// withEnv adds a variable on top of the inherited environment.
func withEnv(key, value string) cmdOption {
	return func(o *cmdOptions) {
		if o.env == nil {
			o.env = map[string]string{}
		}
		o.env[key] = value
	}
}

func withStream() cmdOption {
	return func(o *cmdOptions) {
		o.stream = true
	}
}

// executeCmd runs command through mage's sh package. Output is buffered and
// only echoed on failure unless streaming or mage -v is on.
func executeCmd(command string, options ...cmdOption) (string, error) {
	opts := &cmdOptions{}
	for _, o := range options {
		o(opts)
	}

	fmt.Printf("Executing: %s %s\n", command, strings.Join(opts.args, " "))
	streamOutput := mg.Verbose() || opts.stream

	var b bytes.Buffer
	var stdout, stderr io.Writer = &b, &b
	if streamOutput {
		stdout = io.MultiWriter(&b, os.Stdout)
		stderr = io.MultiWriter(&b, os.Stderr)
	}
	ran, err := sh.Exec(opts.env, stdout, stderr, command, opts.args...)
	if err != nil {
		if ran && !streamOutput {
			fmt.Println("... failed command output:")
			fmt.Println(b.String())
		}
		return "", fmt.Errorf("error executing %s (exit %d): %w", command, sh.ExitStatus(err), err)
	}
	return b.String(), nil
}

func tidy() error {
	if _, err := executeCmd("go", withArgs("mod", "tidy")); err != nil {
		return fmt.Errorf("failed to run go mod tidy: %w", err)
	}
	return nil
}
