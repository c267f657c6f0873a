package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PluginsConfig holds plugin system settings.
type PluginsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`      // plugin root; immediate subdirectories are plugin packages
	DataDir string `yaml:"data_dir"` // root for plugin-private data dirs
	// ConfigDir holds per-plugin override files named <id>.json.
	ConfigDir string `yaml:"config_dir"`
	// StatePath is the sqlite file persisting desired activation state.
	// Empty disables persistence.
	StatePath string `yaml:"state_path"`

	AutoActivate bool `yaml:"auto_activate"`
	// ForceIsolation overrides any manifest isolated:false opt-out.
	ForceIsolation bool `yaml:"force_isolation"`
	// AllowUnsafe permits activating non-isolated plugins through
	// host-registered in-process factories. Off by default.
	AllowUnsafe bool `yaml:"allow_unsafe"`

	MaxMemoryMB  int           `yaml:"max_memory_mb"` // per-plugin heap ceiling, default 64
	ExecTimeout  time.Duration `yaml:"exec_timeout"`  // per-call timeout, default 30s
	DiscoveryPar int           `yaml:"discovery_parallelism"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Config is the top-level application configuration.
type Config struct {
	Plugins PluginsConfig `yaml:"plugins"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// Default returns a Config with working defaults for a local install.
func Default() Config {
	return Config{
		Plugins: PluginsConfig{
			Enabled:      true,
			Dir:          "./plugins",
			DataDir:      "./data/plugins",
			ConfigDir:    "./config/plugins",
			AutoActivate: false,
			MaxMemoryMB:  64,
			ExecTimeout:  30 * time.Second,
			DiscoveryPar: 4,
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
	}
}

// Load reads a yaml config file, layering it over Default. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Plugins.MaxMemoryMB <= 0 {
		c.Plugins.MaxMemoryMB = 64
	}
	if c.Plugins.ExecTimeout <= 0 {
		c.Plugins.ExecTimeout = 30 * time.Second
	}
	if c.Plugins.DiscoveryPar <= 0 {
		c.Plugins.DiscoveryPar = 4
	}
}
