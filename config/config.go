// Package config holds the runtime configuration: where to look for
// the target library, capture sizing, polling cadence, and output
// persistence. Values come from built-in defaults, an optional YAML
// file, and environment overrides, in that order.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables. TRACE_WRITE_FILE mirrors the file-output
// toggle the benchmark harness sets; unset means counting-only mode
// with no persistence overhead.
const (
	EnvWriteFile  = "EBPF_TRACE_WRITE_FILE"
	EnvOutputPath = "EBPF_TRACE_OUTPUT"
)

// DefaultOutputPath is used when file output is enabled without an
// explicit path.
const DefaultOutputPath = "/tmp/ebpf_trace.txt"

type Config struct {
	// LibraryPaths is the ordered candidate list for the target
	// library; the first existing path wins.
	LibraryPaths []string `yaml:"library_paths"`
	// Symbol is the exported function to instrument.
	Symbol string `yaml:"symbol"`

	// RingBufferBytes sizes the kernel ring buffer shared with the
	// capture programs.
	RingBufferBytes uint32 `yaml:"ring_buffer_bytes"`
	// MaxEvents caps the in-memory capture array; arrivals beyond it
	// are counted as drops.
	MaxEvents int `yaml:"max_events"`
	// PollTimeoutMS bounds each ring buffer poll. Smaller values lower
	// commit-to-visibility latency at the cost of more wake-ups.
	PollTimeoutMS int `yaml:"poll_timeout_ms"`
	// DrainPasses is how many final polls run after the stop signal.
	DrainPasses int `yaml:"drain_passes"`

	// WriteTrace enables rendering to OutputPath after capture stops.
	WriteTrace bool   `yaml:"write_trace"`
	OutputPath string `yaml:"output_path"`

	// DatabasePath, when set, records a per-run session summary.
	DatabasePath string `yaml:"database_path"`
}

// Default returns the built-in configuration. The library candidates
// cover the usual build layouts of the sample workload.
func Default() *Config {
	return &Config{
		LibraryPaths: []string{
			"../lib/libmylib.so",
			"./lib/libmylib.so",
			"./build/lib/libmylib.so",
			"../build/lib/libmylib.so",
			"./build/lib/libmylib.so.1.0",
			"../sample_library/libmylib.so",
			"./sample_library/libmylib.so",
		},
		Symbol:          "my_traced_function",
		RingBufferBytes: 256 * 1024,
		MaxEvents:       1_000_000,
		PollTimeoutMS:   100,
		DrainPasses:     3,
	}
}

// Load builds the effective configuration: defaults, then the YAML
// file at path (if path is non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if os.Getenv(EnvWriteFile) == "1" {
		c.WriteTrace = true
	}
	if p := os.Getenv(EnvOutputPath); p != "" {
		c.OutputPath = p
		c.WriteTrace = true
	}
	if c.WriteTrace && c.OutputPath == "" {
		c.OutputPath = DefaultOutputPath
	}
}

func (c *Config) validate() error {
	if len(c.LibraryPaths) == 0 {
		return fmt.Errorf("no library paths configured")
	}
	if c.Symbol == "" {
		return fmt.Errorf("no symbol configured")
	}
	if c.MaxEvents <= 0 {
		return fmt.Errorf("max_events must be positive, got %d", c.MaxEvents)
	}
	if c.PollTimeoutMS <= 0 {
		return fmt.Errorf("poll_timeout_ms must be positive, got %d", c.PollTimeoutMS)
	}
	if c.DrainPasses < 0 {
		return fmt.Errorf("drain_passes must not be negative, got %d", c.DrainPasses)
	}
	return nil
}
