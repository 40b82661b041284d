// Package config loads the daemon configuration from yaml, json or toml.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"minerd/internal/device/host"
	"minerd/internal/work"
)

// CORS mirrors httpapi.SetCORSOptions.
type CORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`
	CORS      CORS   `json:"cors" yaml:"cors" toml:"cors"`

	Driver    host.Config `json:"driver" yaml:"driver" toml:"driver"`
	Algorithm string      `json:"algorithm" yaml:"algorithm" toml:"algorithm"`
	// Configs are algorithm configurations in the algorithm's own keys. Each
	// device runs the one the algorithm picks for it.
	Configs []map[string]any  `json:"configs" yaml:"configs" toml:"configs"`
	Work    work.StaticConfig `json:"work" yaml:"work" toml:"work"`

	SkipNonceCheck bool `json:"skip_nonce_check" yaml:"skip_nonce_check" toml:"skip_nonce_check"`
	// ErrorBudget maps a window ("1m", "1h") to the device errors tolerated in it.
	ErrorBudget  map[string]int `json:"error_budget" yaml:"error_budget" toml:"error_budget"`
	WorkRefresh  string         `json:"work_refresh" yaml:"work_refresh" toml:"work_refresh"`
	DrainTimeout string         `json:"drain_timeout" yaml:"drain_timeout" toml:"drain_timeout"`
}

// Defaults applied by ApplyDefaults.
const (
	DefaultAddr         = ":8080"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "console"
	DefaultAlgorithm    = "sha256d"
	DefaultWorkRefresh  = "30s"
	DefaultDrainTimeout = "5s"
)

// Default returns a configuration with every default applied.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unspecified fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.Algorithm == "" {
		c.Algorithm = DefaultAlgorithm
	}
	if len(c.Configs) == 0 {
		c.Configs = []map[string]any{{}}
	}
	if c.WorkRefresh == "" {
		c.WorkRefresh = DefaultWorkRefresh
	}
	if c.DrainTimeout == "" {
		c.DrainTimeout = DefaultDrainTimeout
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml. A leading ~ is expanded.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	path, err := ExpandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Budget parses ErrorBudget. An empty budget yields nil.
func (c Config) Budget() (map[time.Duration]int, error) {
	if len(c.ErrorBudget) == 0 {
		return nil, nil
	}
	out := make(map[time.Duration]int, len(c.ErrorBudget))
	for k, v := range c.ErrorBudget {
		d, err := time.ParseDuration(k)
		if err != nil {
			return nil, fmt.Errorf("error_budget: %w", err)
		}
		if d <= 0 || v <= 0 {
			return nil, fmt.Errorf("error_budget: %s=%d must be positive", k, v)
		}
		out[d] = v
	}
	return out, nil
}

// Durations parses WorkRefresh and DrainTimeout.
func (c Config) Durations() (refresh, drain time.Duration, err error) {
	if refresh, err = parseDuration("work_refresh", c.WorkRefresh); err != nil {
		return 0, 0, err
	}
	if drain, err = parseDuration("drain_timeout", c.DrainTimeout); err != nil {
		return 0, 0, err
	}
	return refresh, drain, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", key, s)
	}
	return d, nil
}

// Validate checks what can be checked without building the pipeline. The
// algorithm validates Configs itself.
func (c Config) Validate() error {
	switch c.LogFormat {
	case "", "console", "json":
	default:
		return fmt.Errorf("log_format: want console or json, got %q", c.LogFormat)
	}
	if c.LogLevel != "" {
		if _, err := ParseLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Algorithm != "" && c.Algorithm != DefaultAlgorithm {
		return fmt.Errorf("algorithm: unknown %q", c.Algorithm)
	}
	for i, p := range c.Driver.Platforms {
		if p.Devices < 0 || p.ComputeUnits < 0 || p.MaxWorkGroup < 0 {
			return fmt.Errorf("driver.platforms[%d]: negative size", i)
		}
	}
	if _, err := c.Budget(); err != nil {
		return err
	}
	if _, _, err := c.Durations(); err != nil {
		return err
	}
	if _, err := work.NewStaticSource(c.Work, nil); err != nil {
		return fmt.Errorf("work: %w", err)
	}
	return nil
}
