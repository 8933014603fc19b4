package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"stackalign/internal/align"
)

const (
	// EnvConfigPath overrides the config file location.
	EnvConfigPath     = "STACKALIGN_CONFIG"
	defaultConfigPath = "~/.config/stackalign/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings.
type Config struct {
	Processing Processing      `json:"processing"`
	Logging    Logging         `json:"logging"`
	Paths      Paths           `json:"paths"`
	Alignment  AlignmentConfig `json:"alignment"`
	Server     Server          `json:"server"`
}

// Processing captures job execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// AlignmentConfig holds the defaults for every alignment run.
type AlignmentConfig struct {
	SearchRadius  int     `json:"search_radius"`
	MinOverlap    float64 `json:"min_overlap"`
	CoarseStep    int     `json:"coarse_step"`
	AutoFitCanvas bool    `json:"auto_fit_canvas"`
	Channels      string  `json:"channels"`      // luma, rgb
	Workers       int     `json:"workers"`       // 0 = one per CPU
	LayerTimeout  string  `json:"layer_timeout"` // Go duration, empty = none
}

// Server configures the HTTP API.
type Server struct {
	Addr      string `json:"addr"`
	QueueSize int    `json:"queue_size"`
}

// Params returns the search parameters of c.
func (c AlignmentConfig) Params() align.Params {
	return align.Params{
		SearchRadius: c.SearchRadius,
		MinOverlap:   c.MinOverlap,
		CoarseStep:   c.CoarseStep,
	}
}

// LayerTimeoutDuration parses LayerTimeout. An empty value means no limit.
func (c AlignmentConfig) LayerTimeoutDuration() (time.Duration, error) {
	if c.LayerTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.LayerTimeout)
	if err != nil {
		return 0, fmt.Errorf("layer_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("layer_timeout: negative duration %s", d)
	}
	return d, nil
}

// WorkerCount resolves Workers, where 0 means one per CPU.
func (c AlignmentConfig) WorkerCount() int {
	if c.Workers <= 0 {
		return runtime.NumCPU()
	}
	return c.Workers
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := c.Alignment.Params().Validate(); err != nil {
		return err
	}
	if _, err := c.Alignment.LayerTimeoutDuration(); err != nil {
		return err
	}
	switch c.Alignment.Channels {
	case "", "luma", "gray", "rgb":
	default:
		return fmt.Errorf("alignment.channels: unknown mode %q", c.Alignment.Channels)
	}
	if c.Alignment.Workers < 0 {
		return fmt.Errorf("alignment.workers: %d < 0", c.Alignment.Workers)
	}
	if c.Processing.ParallelJobs < 0 {
		return fmt.Errorf("processing.parallel_jobs: %d < 0", c.Processing.ParallelJobs)
	}
	return nil
}

// Path returns the config file location Load reads.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path over the defaults. A missing file
// yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", expanded, err)
	}

	return cfg, nil
}

// Save writes cfg to path as indented JSON.
func (c *Config) Save(path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, append(data, '\n'), 0644)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "stackalign.db"),
		},
		Alignment: AlignmentConfig{
			SearchRadius:  align.DefaultSearchRadius,
			MinOverlap:    align.DefaultMinOverlap,
			CoarseStep:    align.DefaultCoarseStep,
			AutoFitCanvas: true,
			Channels:      "luma",
		},
		Server: Server{
			Addr:      ":8080",
			QueueSize: 16,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	return expandUser(path)
}
