package core

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type EngineConfig struct {
	Name            string `toml:"name"`
	LogLevel        string `toml:"log_level"`
	DebugAssertions bool   `toml:"debug_assertions"`
}

type WindowConfig struct {
	Title  string `toml:"title"`
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
}

type RendererConfig struct {
	FramesInFlight   uint32 `toml:"frames_in_flight"`
	VSync            bool   `toml:"vsync"`
	SampleCount      uint32 `toml:"sample_count"`
	Validation       bool   `toml:"validation"`
	FenceTimeoutMS   uint32 `toml:"fence_timeout_ms"`
	AcquireTimeoutMS uint32 `toml:"acquire_timeout_ms"`
	ShaderDir        string `toml:"shader_dir"`
	HotReload        bool   `toml:"hot_reload"`
	RayTracing       bool   `toml:"ray_tracing"`
}

type AccelConfig struct {
	// BatchLimitBytes caps the summed size of bottom-level structures
	// built by a single command submission.
	BatchLimitBytes  uint64 `toml:"batch_limit_bytes"`
	ScratchAlignment uint64 `toml:"scratch_alignment"`
}

type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Window   WindowConfig   `toml:"window"`
	Renderer RendererConfig `toml:"renderer"`
	Accel    AccelConfig    `toml:"accel"`
}

func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Name:            "mandrill",
			LogLevel:        "info",
			DebugAssertions: true,
		},
		Window: WindowConfig{
			Title:  "mandrill",
			Width:  1280,
			Height: 720,
		},
		Renderer: RendererConfig{
			FramesInFlight:   2,
			VSync:            true,
			SampleCount:      1,
			Validation:       true,
			FenceTimeoutMS:   1000,
			AcquireTimeoutMS: 1000,
			ShaderDir:        "assets/shaders",
		},
		Accel: AccelConfig{
			BatchLimitBytes:  256_000_000,
			ScratchAlignment: 256,
		},
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig. Keys missing from
// the file keep their default value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Renderer.FramesInFlight < 1 {
		return fmt.Errorf("renderer.frames_in_flight must be at least 1, got %d", c.Renderer.FramesInFlight)
	}
	s := c.Renderer.SampleCount
	if s < 1 || s > 64 || s&(s-1) != 0 {
		return fmt.Errorf("renderer.sample_count must be a power of two between 1 and 64, got %d", s)
	}
	if c.Window.Width == 0 || c.Window.Height == 0 {
		return fmt.Errorf("window size %dx%d is empty", c.Window.Width, c.Window.Height)
	}
	if a := c.Accel.ScratchAlignment; a == 0 || a&(a-1) != 0 {
		return fmt.Errorf("accel.scratch_alignment must be a power of two, got %d", a)
	}
	return nil
}

func (c *Config) FenceTimeout() time.Duration {
	return time.Duration(c.Renderer.FenceTimeoutMS) * time.Millisecond
}

func (c *Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Renderer.AcquireTimeoutMS) * time.Millisecond
}

// Apply pushes the process wide settings (log level, assertions) into the
// core package.
func (c *Config) Apply() error {
	if err := SetLogLevel(c.Engine.LogLevel); err != nil {
		return err
	}
	SetDebugAssertions(c.Engine.DebugAssertions)
	return nil
}
