// Package config loads node runtime settings from a TOML file and NODEKIT_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/nodekit/internal/node"
	"github.com/danmuck/nodekit/internal/realtime"
	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "NODEKIT"

// Runtime is everything nodectl needs besides its launch flags.
type Runtime struct {
	LogLevel  string
	Node      node.Settings
	Substrate realtime.Config
}

// File mirrors the TOML layout.
type File struct {
	LogLevel           string    `toml:"log_level"`
	AdminAddr          string    `toml:"admin_addr"`
	CORSOrigins        []string  `toml:"cors_origins"`
	PollInterval       string    `toml:"poll_interval"`
	Realtime           bool      `toml:"realtime"`
	LoopPeriod         string    `toml:"loop_period,omitempty"`
	StackPrefaultBytes int       `toml:"stack_prefault_bytes"`
	ShmDir             string    `toml:"shm_dir"`
	Segments           []Segment `toml:"segments"`
}

type Segment struct {
	Name     string `toml:"name"`
	Size     int    `toml:"size"`
	Create   bool   `toml:"create"`
	Writable bool   `toml:"writable"`
	Unlink   bool   `toml:"unlink"`
}

// env overrides the file; unset variables leave it alone.
type env struct {
	Config       string        `envconfig:"CONFIG"`
	AdminAddr    string        `envconfig:"ADMIN_ADDR"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL"`
	Realtime     *bool         `envconfig:"REALTIME"`
	ShmDir       string        `envconfig:"SHM_DIR"`
}

func Default() Runtime {
	return Runtime{
		LogLevel:  "info",
		Node:      node.DefaultSettings(),
		Substrate: realtime.DefaultConfig(),
	}
}

// Load reads NODEKIT_* variables, then the TOML file named by
// NODEKIT_CONFIG if any, then applies the variables on top of the file.
func Load() (Runtime, error) {
	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return Runtime{}, fmt.Errorf("load nodekit env: %w", err)
	}
	cfg := Default()
	if path := strings.TrimSpace(e.Config); path != "" {
		var err error
		if cfg, err = LoadFile(path, cfg); err != nil {
			return Runtime{}, err
		}
	}
	e.apply(&cfg)
	return cfg, nil
}

// LoadFile overlays the keys present in path onto base.
func LoadFile(path string, base Runtime) (Runtime, error) {
	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Runtime{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Runtime{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	cfg := base
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("admin_addr") {
		cfg.Node.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Node.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("poll_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PollInterval))
		if err != nil {
			return Runtime{}, fmt.Errorf("parse poll_interval: %w", err)
		}
		cfg.Node.PollInterval = d
	}
	if meta.IsDefined("realtime") {
		cfg.Node.Realtime = raw.Realtime
	}
	if meta.IsDefined("loop_period") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.LoopPeriod))
		if err != nil {
			return Runtime{}, fmt.Errorf("parse loop_period: %w", err)
		}
		cfg.Node.LoopPeriod = d
	}
	if meta.IsDefined("stack_prefault_bytes") {
		if raw.StackPrefaultBytes <= 0 {
			return Runtime{}, fmt.Errorf("stack_prefault_bytes must be positive: %d", raw.StackPrefaultBytes)
		}
		cfg.Substrate.StackBytes = raw.StackPrefaultBytes
	}
	if meta.IsDefined("shm_dir") {
		cfg.Substrate.ShmDir = strings.TrimSpace(raw.ShmDir)
	}
	if meta.IsDefined("segments") {
		segments, err := ValidateSegments(raw.Segments)
		if err != nil {
			return Runtime{}, err
		}
		cfg.Node.Segments = segments
	}
	return cfg, nil
}

func (e env) apply(cfg *Runtime) {
	if v := strings.TrimSpace(e.AdminAddr); v != "" {
		cfg.Node.AdminAddr = v
	}
	if e.PollInterval > 0 {
		cfg.Node.PollInterval = e.PollInterval
	}
	if e.Realtime != nil {
		cfg.Node.Realtime = *e.Realtime
	}
	if v := strings.TrimSpace(e.ShmDir); v != "" {
		cfg.Substrate.ShmDir = v
	}
}

// ValidateSegments checks segment entries and converts them for the runtime.
func ValidateSegments(in []Segment) ([]node.SegmentSpec, error) {
	out := make([]node.SegmentSpec, 0, len(in))
	seen := make(map[string]bool, len(in))
	for i, s := range in {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("segments[%d]: name required", i)
		}
		if s.Size <= 0 {
			return nil, fmt.Errorf("segments[%d] %s: size must be positive", i, name)
		}
		key := strings.TrimPrefix(name, "/")
		if seen[key] {
			return nil, fmt.Errorf("segments[%d]: duplicate name %s", i, name)
		}
		seen[key] = true
		out = append(out, node.SegmentSpec{
			Name:     name,
			Size:     s.Size,
			Create:   s.Create,
			Writable: s.Writable,
			Unlink:   s.Unlink,
		})
	}
	return out, nil
}
